package txflow

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kira210402/DepositNFT/internal/contracts"
	"github.com/kira210402/DepositNFT/internal/metrics"
	"github.com/kira210402/DepositNFT/internal/notify"
	"github.com/kira210402/DepositNFT/internal/session"
	"github.com/kira210402/DepositNFT/internal/simchain"
)

var holder = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")

type stubSession struct {
	binding  session.Binding
	err      error
	balances atomic.Int32
	tokenIDs atomic.Int32
}

func (s *stubSession) Binding() (session.Binding, error) { return s.binding, s.err }

func (s *stubSession) RefreshBalance(context.Context) error {
	s.balances.Add(1)
	return nil
}

func (s *stubSession) RefreshNextTokenID(context.Context) error {
	s.tokenIDs.Add(1)
	return nil
}

type harness struct {
	sim   *simchain.Chain
	sess  *stubSession
	orch  *Orchestrator
	notes *notify.Log

	mu          sync.Mutex
	transitions []State
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	sim := simchain.New(simchain.Config{Accounts: []common.Address{holder}})
	gw, err := contracts.Bind(context.Background(), sim.Deployment(), sim, sim,
		contracts.WithReceiptPollInterval(time.Millisecond))
	require.NoError(t, err)

	h := &harness{
		sim:   sim,
		sess:  &stubSession{binding: session.Binding{Address: holder, ChainID: big.NewInt(97), Gateway: gw}},
		notes: notify.NewLog(0),
	}
	h.orch = New(Config{
		Session:  h.sess,
		Notifier: h.notes,
		Metrics:  metrics.New(),
		Logger:   zaptest.NewLogger(t),
		OnTransition: func(tr Transition) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.transitions = append(h.transitions, tr.To)
		},
	})
	return h
}

func (h *harness) seen() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.transitions...)
}

func TestMint(t *testing.T) {
	h := newHarness(t)

	res, err := h.orch.Mint(context.Background(), big.NewInt(10000))
	require.NoError(t, err)
	require.True(t, res.Succeeded())
	require.Len(t, res.Records, 1)
	require.Equal(t, KindMint, res.Records[0].Kind)
	require.NotEqual(t, common.Hash{}, res.Records[0].Hash)

	require.Equal(t, int64(10000), h.sim.Balance(holder).Int64())
	require.Equal(t, int32(1), h.sess.balances.Load())
	require.Equal(t, 1, h.notes.Count(notify.MintSucceeded))
	require.Equal(t, []State{StateMintPending, StateSettled, StateIdle}, h.seen())
	require.Equal(t, StateIdle, h.orch.State())
}

func TestDeposit(t *testing.T) {
	h := newHarness(t)
	h.sim.SetBalance(holder, 1000)

	res, err := h.orch.Deposit(context.Background(), big.NewInt(400))
	require.NoError(t, err)
	require.True(t, res.Succeeded())
	require.Equal(t, []string{"approve", "deposit"}, h.sim.SentMethods())
	require.Equal(t, KindApprove, res.Records[0].Kind)
	require.Equal(t, KindDeposit, res.Records[1].Kind)

	require.Equal(t, int64(600), h.sim.Balance(holder).Int64())
	require.Equal(t, int64(1), h.sim.NextTokenID().Int64())
	require.Equal(t, int32(1), h.sess.balances.Load())
	require.Equal(t, int32(1), h.sess.tokenIDs.Load())
	require.Equal(t, 1, h.notes.Count(notify.DepositSucceeded))
	require.Equal(t, []State{
		StateApprovePending, StateApproveConfirmed, StateDepositPending, StateSettled, StateIdle,
	}, h.seen())
}

func TestDepositWaitsForApproval(t *testing.T) {
	h := newHarness(t)
	h.sim.SetBalance(holder, 1000)
	h.sim.HoldReceipts("approve")

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Deposit(context.Background(), big.NewInt(400))
		done <- err
	}()

	require.Eventually(t, func() bool { return len(h.sim.SentMethods()) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, []string{"approve"}, h.sim.SentMethods())
	require.Equal(t, StateApprovePending, h.orch.State())

	h.sim.ReleaseReceipts()
	require.NoError(t, <-done)
	require.Equal(t, []string{"approve", "deposit"}, h.sim.SentMethods())
}

func TestApproveRevertSkipsDeposit(t *testing.T) {
	h := newHarness(t)
	h.sim.SetBalance(holder, 1000)
	h.sim.Inject("approve", simchain.FaultRevert)

	res, err := h.orch.Deposit(context.Background(), big.NewInt(400))
	require.ErrorIs(t, err, ErrTransactionReverted)
	require.Equal(t, StatusReverted, res.Status)
	require.Equal(t, []string{"approve"}, h.sim.SentMethods())
	require.Zero(t, h.notes.Count(notify.DepositSucceeded))
	require.Zero(t, h.sess.balances.Load())
	require.Equal(t, StateIdle, h.orch.State())
}

func TestUserRejectionIsSilent(t *testing.T) {
	h := newHarness(t)
	h.sim.SetBalance(holder, 1000)
	h.sim.Inject("approve", simchain.FaultReject)

	res, err := h.orch.Deposit(context.Background(), big.NewInt(400))
	require.NoError(t, err)
	require.Equal(t, StatusRejectedByUser, res.Status)
	require.Empty(t, h.notes.Entries())
	require.Empty(t, h.sim.SentMethods())

	h.sim.Inject("mint", simchain.FaultReject)
	res, err = h.orch.Mint(context.Background(), big.NewInt(10000))
	require.NoError(t, err)
	require.Equal(t, StatusRejectedByUser, res.Status)
	require.Empty(t, h.notes.Entries())
}

func TestDepositRevertKeepsAllowance(t *testing.T) {
	h := newHarness(t)
	h.sim.SetBalance(holder, 1000)
	h.sim.Inject("deposit", simchain.FaultRevert)

	res, err := h.orch.Deposit(context.Background(), big.NewInt(400))
	require.ErrorIs(t, err, ErrTransactionReverted)
	require.Equal(t, StatusConfirmed, res.Records[0].Status)
	require.Equal(t, StatusReverted, res.Records[1].Status)
	require.Equal(t, int64(400), h.sim.Allowance(holder, simchain.DefaultDeposit).Int64())
	require.Equal(t, int64(1000), h.sim.Balance(holder).Int64())
	require.Zero(t, h.notes.Count(notify.DepositSucceeded))
}

func TestSubmitFailure(t *testing.T) {
	h := newHarness(t)
	h.sim.Inject("mint", simchain.FaultError)

	res, err := h.orch.Mint(context.Background(), big.NewInt(10000))
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrTransactionReverted)
	require.Equal(t, StatusFailed, res.Status)
	require.Zero(t, h.notes.Count(notify.MintSucceeded))
}

func TestOneFlowAtATime(t *testing.T) {
	h := newHarness(t)
	h.sim.HoldReceipts("mint")

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Mint(context.Background(), big.NewInt(10000))
		done <- err
	}()
	require.Eventually(t, func() bool { return h.orch.State() == StateMintPending }, time.Second, time.Millisecond)

	_, err := h.orch.Deposit(context.Background(), big.NewInt(1))
	require.ErrorIs(t, err, ErrFlowInProgress)

	h.sim.ReleaseReceipts()
	require.NoError(t, <-done)
}

func TestRejectsBadInput(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.Mint(context.Background(), big.NewInt(0))
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = h.orch.Deposit(context.Background(), nil)
	require.ErrorIs(t, err, ErrInvalidAmount)

	h.sess.err = session.ErrNotConnected
	res, err := h.orch.Mint(context.Background(), big.NewInt(1))
	require.ErrorIs(t, err, session.ErrNotConnected)
	require.Equal(t, StatusFailed, res.Status)
	require.Empty(t, h.sim.SentMethods())
}

func TestCancelWhileWaiting(t *testing.T) {
	h := newHarness(t)
	h.sim.HoldReceipts("mint")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := h.orch.Mint(ctx, big.NewInt(5))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, StatusFailed, res.Status)
	require.NotEqual(t, common.Hash{}, res.Records[0].Hash)
	require.Equal(t, StateIdle, h.orch.State())
}
