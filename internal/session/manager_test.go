package session

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/kira210402/DepositNFT/internal/balance"
	"github.com/kira210402/DepositNFT/internal/chain"
	"github.com/kira210402/DepositNFT/internal/contracts"
	"github.com/kira210402/DepositNFT/internal/metrics"
	"github.com/kira210402/DepositNFT/internal/network"
	"github.com/kira210402/DepositNFT/internal/notify"
	"github.com/kira210402/DepositNFT/internal/simchain"
)

var (
	alice = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	bob   = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
)

type fixture struct {
	sim     *simchain.Chain
	mgr     *Manager
	tracker *balance.Tracker
	notes   *notify.Log
}

func newFixture(t *testing.T, sim *simchain.Chain) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	reg := metrics.New()
	tracker := balance.NewTracker(5*time.Millisecond, log, reg)
	notes := notify.NewLog(0)
	mgr := New(Config{
		Provider: sim,
		Guard:    network.NewGuard(big.NewInt(97), sim, log),
		Bind:     simBinder(sim),
		Tracker:  tracker,
		Notifier: notes,
		Metrics:  reg,
		Logger:   log,
	})
	t.Cleanup(mgr.Close)
	return &fixture{sim: sim, mgr: mgr, tracker: tracker, notes: notes}
}

func simBinder(sim *simchain.Chain) Binder {
	return func(ctx context.Context, _ *big.Int) (*contracts.Gateway, error) {
		return contracts.Bind(ctx, sim.Deployment(), sim, sim, contracts.WithReceiptPollInterval(time.Millisecond))
	}
}

func balanceIs(m *Manager, want int64) func() bool {
	return func() bool {
		s := m.Snapshot()
		return s.Balance != nil && s.Balance.Int64() == want
	}
}

func TestConnectInitializesSession(t *testing.T) {
	sim := simchain.New(simchain.Config{Accounts: []common.Address{alice}})
	sim.SetBalance(alice, 500)
	f := newFixture(t, sim)

	require.Equal(t, StatusDisconnected, f.mgr.Snapshot().Status)
	require.NoError(t, f.mgr.Connect(context.Background()))

	s := f.mgr.Snapshot()
	require.Equal(t, StatusConnected, s.Status)
	require.Equal(t, alice, *s.Address)
	require.Equal(t, int64(97), s.ChainID.Int64())
	require.Equal(t, &TokenMetadata{Name: "Token ERC20", Symbol: "TKN", Decimals: 18}, s.Token)
	require.Equal(t, &ReceiptTokenMetadata{Name: "Deposit Receipt", Symbol: "DRT"}, s.ReceiptToken)
	require.Zero(t, s.NextTokenID.Sign())
	require.Eventually(t, balanceIs(f.mgr, 500), time.Second, time.Millisecond)

	require.Equal(t, 1, sim.Subscribers())
	require.Equal(t, 1, f.tracker.Active())

	b, err := f.mgr.Binding()
	require.NoError(t, err)
	require.Equal(t, alice, b.Address)
	require.NotNil(t, b.Gateway)
}

func TestConnectWithoutWallet(t *testing.T) {
	mgr := New(Config{Logger: zaptest.NewLogger(t)})
	defer mgr.Close()

	require.Equal(t, StatusNoWallet, mgr.Snapshot().Status)
	err := mgr.Connect(context.Background())
	require.ErrorIs(t, err, chain.ErrProviderUnavailable)
	require.Equal(t, StatusNoWallet, mgr.Snapshot().Status)
}

func TestConnectRejectedByUser(t *testing.T) {
	sim := simchain.New(simchain.Config{Accounts: []common.Address{alice}})
	sim.RejectAccountRequests(true)
	f := newFixture(t, sim)

	require.NoError(t, f.mgr.Connect(context.Background()))
	s := f.mgr.Snapshot()
	require.Equal(t, StatusDisconnected, s.Status)
	require.True(t, s.ConnectRejected)
	require.Nil(t, s.Address)
	require.Zero(t, f.tracker.Active())
}

func TestAccountChangeReinitializes(t *testing.T) {
	sim := simchain.New(simchain.Config{Accounts: []common.Address{alice}})
	sim.SetBalance(alice, 500)
	sim.SetBalance(bob, 7)
	f := newFixture(t, sim)
	require.NoError(t, f.mgr.Connect(context.Background()))
	require.Eventually(t, balanceIs(f.mgr, 500), time.Second, time.Millisecond)

	sim.SetAccounts(bob)

	require.Eventually(t, func() bool {
		s := f.mgr.Snapshot()
		return s.Status == StatusConnected && s.Address != nil && *s.Address == bob
	}, time.Second, time.Millisecond)
	require.Eventually(t, balanceIs(f.mgr, 7), time.Second, time.Millisecond)
	require.Equal(t, 1, sim.Subscribers())
	require.Equal(t, 1, f.tracker.Active())
}

func TestAccountsClearedResetsSession(t *testing.T) {
	sim := simchain.New(simchain.Config{Accounts: []common.Address{alice}})
	sim.SetBalance(alice, 500)
	f := newFixture(t, sim)
	require.NoError(t, f.mgr.Connect(context.Background()))
	require.Eventually(t, balanceIs(f.mgr, 500), time.Second, time.Millisecond)

	sim.SetAccounts()

	require.Eventually(t, func() bool {
		return f.mgr.Snapshot().Status == StatusDisconnected
	}, time.Second, time.Millisecond)
	s := f.mgr.Snapshot()
	require.Nil(t, s.Address)
	require.Nil(t, s.Balance)
	require.Nil(t, s.Token)
	require.Nil(t, s.NextTokenID)
	require.Zero(t, f.tracker.Active())

	_, err := f.mgr.Binding()
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestStaleInitializationIsDiscarded(t *testing.T) {
	sim := simchain.New(simchain.Config{Accounts: []common.Address{alice}})
	sim.SetBalance(alice, 500)
	sim.SetBalance(bob, 7)

	entered := make(chan struct{})
	release := make(chan struct{})
	var blocked atomic.Bool
	sim.SetCallHook(func(_ context.Context, method string) error {
		if method == "name" && blocked.CompareAndSwap(false, true) {
			close(entered)
			<-release
		}
		return nil
	})
	f := newFixture(t, sim)

	first := make(chan error, 1)
	go func() { first <- f.mgr.Connect(context.Background()) }()
	<-entered

	require.NoError(t, f.mgr.OnAccountsChanged(context.Background(), &bob))
	close(release)

	require.ErrorIs(t, <-first, ErrSuperseded)
	s := f.mgr.Snapshot()
	require.Equal(t, StatusConnected, s.Status)
	require.Equal(t, bob, *s.Address)
	require.Eventually(t, balanceIs(f.mgr, 7), time.Second, time.Millisecond)

	// the stale run must never start a poller of its own
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int64(7), f.mgr.Snapshot().Balance.Int64())
	require.Equal(t, 1, f.tracker.Active())
}

func TestNetworkMismatchThenDismiss(t *testing.T) {
	sim := simchain.New(simchain.Config{Accounts: []common.Address{alice}})
	sim.SetChainID(56)
	sim.SetSwitchError(&chain.ProviderError{Code: chain.CodeUnrecognizedChain, Message: "Unrecognized chain ID"})
	f := newFixture(t, sim)

	err := f.mgr.Connect(context.Background())
	require.ErrorIs(t, err, network.ErrNetworkMismatch)

	s := f.mgr.Snapshot()
	require.Equal(t, StatusNetworkMismatch, s.Status)
	require.Equal(t, alice, *s.Address)
	require.Equal(t, int64(56), s.ChainID.Int64())
	require.NotEmpty(t, s.NetworkError)
	require.Nil(t, s.Token)
	require.Zero(t, f.tracker.Active())
	require.Equal(t, 1, f.notes.Count(notify.NetworkError))

	_, err = f.mgr.Binding()
	require.ErrorIs(t, err, network.ErrNetworkMismatch)

	f.mgr.DismissNetworkError()
	s = f.mgr.Snapshot()
	require.Empty(t, s.NetworkError)
	require.Equal(t, alice, *s.Address)
	require.Equal(t, StatusNetworkMismatch, s.Status)
}

func TestConnectSwitchesNetwork(t *testing.T) {
	// The wallet announces its own switch while Connect is still running;
	// that must not supersede the initialization that asked for it.
	for i := 0; i < 20; i++ {
		sim := simchain.New(simchain.Config{Accounts: []common.Address{alice}})
		sim.SetChainID(56)
		f := newFixture(t, sim)

		require.NoError(t, f.mgr.Connect(context.Background()), "attempt %d", i)
		s := f.mgr.Snapshot()
		require.Equal(t, StatusConnected, s.Status)
		require.Equal(t, int64(97), s.ChainID.Int64())
		require.NotNil(t, s.Token)

		require.Never(t, func() bool {
			return f.mgr.Snapshot().Status != StatusConnected
		}, 20*time.Millisecond, time.Millisecond)
		f.mgr.Close()
	}
}

func TestChainChangeToRequiredWhileConnectingIsIgnored(t *testing.T) {
	sim := simchain.New(simchain.Config{Accounts: []common.Address{alice}})
	f := newFixture(t, sim)

	release := make(chan struct{})
	var blocked atomic.Bool
	sim.SetCallHook(func(ctx context.Context, method string) error {
		if method == "name" && blocked.CompareAndSwap(false, true) {
			select {
			case <-release:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- f.mgr.Connect(context.Background()) }()
	require.Eventually(t, blocked.Load, time.Second, time.Millisecond)

	f.mgr.dispatch(chain.Event{Kind: chain.ChainChanged, ChainID: big.NewInt(97)})
	close(release)

	require.NoError(t, <-done)
	require.Equal(t, StatusConnected, f.mgr.Snapshot().Status)
}

func TestChainChangeToUnsupportedNetwork(t *testing.T) {
	sim := simchain.New(simchain.Config{Accounts: []common.Address{alice}})
	f := newFixture(t, sim)
	require.NoError(t, f.mgr.Connect(context.Background()))

	sim.SetSwitchError(errors.New("wallet refused"))
	sim.SetChainID(1)

	require.Eventually(t, func() bool {
		return f.mgr.Snapshot().Status == StatusNetworkMismatch
	}, time.Second, time.Millisecond)
	require.Zero(t, f.tracker.Active())
	require.Equal(t, alice, *f.mgr.Snapshot().Address)

	sim.SetSwitchError(nil)
	sim.SetChainID(97)
	require.Eventually(t, func() bool {
		return f.mgr.Snapshot().Status == StatusConnected
	}, time.Second, time.Millisecond)
}

func TestBindingFailureDisconnects(t *testing.T) {
	sim := simchain.New(simchain.Config{Accounts: []common.Address{alice}})
	log := zaptest.NewLogger(t)
	mgr := New(Config{
		Provider: sim,
		Guard:    network.NewGuard(big.NewInt(97), sim, log),
		Bind: func(context.Context, *big.Int) (*contracts.Gateway, error) {
			return nil, contracts.ErrContractBinding
		},
		Logger: log,
	})
	defer mgr.Close()

	err := mgr.Connect(context.Background())
	require.ErrorIs(t, err, contracts.ErrContractBinding)
	s := mgr.Snapshot()
	require.Equal(t, StatusDisconnected, s.Status)
	require.Nil(t, s.Address)
	require.NotEmpty(t, s.Error)
}

func TestResetIsIdempotent(t *testing.T) {
	sim := simchain.New(simchain.Config{Accounts: []common.Address{alice}})
	f := newFixture(t, sim)

	f.mgr.Reset()
	require.Equal(t, StatusDisconnected, f.mgr.Snapshot().Status)

	require.NoError(t, f.mgr.Connect(context.Background()))
	f.mgr.Reset()
	f.mgr.Reset()

	s := f.mgr.Snapshot()
	require.Equal(t, StatusDisconnected, s.Status)
	require.Nil(t, s.Address)
	require.Nil(t, s.Balance)
	require.Zero(t, f.tracker.Active())
	require.Equal(t, 1, sim.Subscribers(), "reset keeps the account listener")
}

func TestCloseDropsListener(t *testing.T) {
	sim := simchain.New(simchain.Config{Accounts: []common.Address{alice}})
	f := newFixture(t, sim)
	require.NoError(t, f.mgr.Connect(context.Background()))

	f.mgr.Close()
	f.mgr.Close()
	require.Zero(t, sim.Subscribers())
	require.Zero(t, f.tracker.Active())
	require.ErrorIs(t, f.mgr.Connect(context.Background()), ErrSuperseded)
}

func TestRefreshReads(t *testing.T) {
	sim := simchain.New(simchain.Config{Accounts: []common.Address{alice}})
	mgr := New(Config{
		Provider: sim,
		Guard:    network.NewGuard(big.NewInt(97), sim, nil),
		Bind:     simBinder(sim),
		Tracker:  balance.NewTracker(time.Hour, zap.NewNop(), nil),
	})
	defer mgr.Close()
	ctx := context.Background()

	require.ErrorIs(t, mgr.RefreshBalance(ctx), ErrNotConnected)
	require.ErrorIs(t, mgr.RefreshNextTokenID(ctx), ErrNotConnected)

	require.NoError(t, mgr.Connect(ctx))
	require.Eventually(t, balanceIs(mgr, 0), time.Second, time.Millisecond)
	sim.SetBalance(alice, 42)
	require.NoError(t, mgr.RefreshBalance(ctx))
	require.Equal(t, int64(42), mgr.Snapshot().Balance.Int64())

	sim.SetCallHook(func(context.Context, string) error { return errors.New("rpc timeout") })
	require.ErrorIs(t, mgr.RefreshNextTokenID(ctx), ErrTransientFetch)
	require.Zero(t, mgr.Snapshot().NextTokenID.Sign())
}
