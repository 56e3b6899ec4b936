package txflow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/kira210402/DepositNFT/internal/chain"
	"github.com/kira210402/DepositNFT/internal/metrics"
	"github.com/kira210402/DepositNFT/internal/notify"
	"github.com/kira210402/DepositNFT/internal/session"
)

var (
	ErrTransactionReverted = errors.New("transaction reverted")
	ErrFlowInProgress      = errors.New("another transaction flow is in progress")
	ErrInvalidAmount       = errors.New("amount must be a positive integer")
)

// Session is the part of the wallet session the flows depend on.
type Session interface {
	Binding() (session.Binding, error)
	RefreshBalance(ctx context.Context) error
	RefreshNextTokenID(ctx context.Context) error
}

type Config struct {
	Session  Session
	Notifier notify.Notifier
	Metrics  *metrics.Registry
	Logger   *zap.Logger
	// OnTransition is called synchronously on every state change.
	OnTransition func(Transition)
}

// Orchestrator runs the mint and approve→deposit flows, one at a time.
type Orchestrator struct {
	session      Session
	notifier     notify.Notifier
	metrics      *metrics.Registry
	log          *zap.Logger
	onTransition func(Transition)

	mu      sync.Mutex
	state   State
	running bool
	flow    Kind
}

func New(cfg Config) *Orchestrator {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Orchestrator{
		session:      cfg.Session,
		notifier:     notifier,
		metrics:      cfg.Metrics,
		log:          log,
		onTransition: cfg.OnTransition,
	}
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Mint mints amount tokens to the connected address.
func (o *Orchestrator) Mint(ctx context.Context, amount *big.Int) (Result, error) {
	res := Result{Kind: KindMint}
	if err := o.acquire(KindMint, amount); err != nil {
		return res, err
	}
	defer o.release()

	b, err := o.session.Binding()
	if err != nil {
		res.Status = StatusFailed
		return res, fmt.Errorf("mint: %w", err)
	}

	o.transition(StateMintPending)
	rec, err := o.send(ctx, KindMint, func() (*chain.TxHandle, error) {
		return b.Gateway.Token.Mint(ctx, b.Address, amount)
	})
	res.add(rec)
	if err != nil || rec.Status != StatusConfirmed {
		o.transition(StateSettled)
		return res, err
	}

	o.refresh(ctx, "balance", o.session.RefreshBalance)
	o.transition(StateSettled)
	o.notifier.Notify(notify.Notification{
		Kind:    notify.MintSucceeded,
		Message: fmt.Sprintf("Successfully minted %s tokens!", amount),
	})
	o.log.Info("mint confirmed", zap.Stringer("amount", amount), zap.Stringer("tx", rec.Hash))
	return res, nil
}

// Deposit approves the deposit contract for amount and, once the approval
// is mined, deposits it. The approval is left in place if the deposit fails.
func (o *Orchestrator) Deposit(ctx context.Context, amount *big.Int) (Result, error) {
	res := Result{Kind: KindDeposit}
	if err := o.acquire(KindDeposit, amount); err != nil {
		return res, err
	}
	defer o.release()

	b, err := o.session.Binding()
	if err != nil {
		res.Status = StatusFailed
		return res, fmt.Errorf("deposit: %w", err)
	}
	spender := b.Gateway.Deposit.Address()

	o.transition(StateApprovePending)
	rec, err := o.send(ctx, KindApprove, func() (*chain.TxHandle, error) {
		return b.Gateway.Token.Approve(ctx, b.Address, spender, amount)
	})
	res.add(rec)
	if err != nil || rec.Status != StatusConfirmed {
		o.transition(StateSettled)
		return res, err
	}
	o.transition(StateApproveConfirmed)

	o.transition(StateDepositPending)
	rec, err = o.send(ctx, KindDeposit, func() (*chain.TxHandle, error) {
		return b.Gateway.Deposit.Deposit(ctx, b.Address, amount)
	})
	res.add(rec)
	if err != nil || rec.Status != StatusConfirmed {
		o.log.Warn("deposit did not complete after approval, allowance left in place",
			zap.Stringer("spender", spender), zap.Stringer("amount", amount))
		o.transition(StateSettled)
		return res, err
	}

	o.refresh(ctx, "balance", o.session.RefreshBalance)
	o.refresh(ctx, "nextTokenId", o.session.RefreshNextTokenID)
	o.transition(StateSettled)
	o.notifier.Notify(notify.Notification{
		Kind:    notify.DepositSucceeded,
		Message: "Deposit successful",
	})
	o.log.Info("deposit confirmed", zap.Stringer("amount", amount), zap.Stringer("tx", rec.Hash))
	return res, nil
}

// send submits one transaction and waits for it to be mined. A user rejection
// yields a RejectedByUser record and no error.
func (o *Orchestrator) send(ctx context.Context, kind Kind, submit func() (*chain.TxHandle, error)) (TransactionRecord, error) {
	rec := TransactionRecord{Kind: kind}

	tx, err := submit()
	if err != nil {
		if chain.IsUserRejected(err) {
			rec.Status = StatusRejectedByUser
			o.observe(rec)
			o.log.Info("user rejected transaction", zap.String("kind", string(kind)))
			return rec, nil
		}
		rec.Status = StatusFailed
		o.observe(rec)
		o.log.Error("submit transaction failed", zap.String("kind", string(kind)), zap.Error(err))
		return rec, fmt.Errorf("%s: submit: %w", kind, err)
	}
	rec.Hash = tx.Hash()
	rec.Status = StatusSubmitted
	o.log.Info("transaction submitted", zap.String("kind", string(kind)), zap.Stringer("tx", rec.Hash))

	receipt, err := tx.Wait(ctx)
	if err != nil {
		rec.Status = StatusFailed
		o.observe(rec)
		o.log.Error("wait for receipt failed", zap.String("kind", string(kind)), zap.Stringer("tx", rec.Hash), zap.Error(err))
		return rec, fmt.Errorf("%s: wait for receipt: %w", kind, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		rec.Status = StatusReverted
		o.observe(rec)
		o.log.Warn("transaction reverted", zap.String("kind", string(kind)), zap.Stringer("tx", rec.Hash))
		return rec, fmt.Errorf("%s %s: %w", kind, rec.Hash.Hex(), ErrTransactionReverted)
	}
	rec.Status = StatusConfirmed
	o.observe(rec)
	return rec, nil
}

// refresh failures are transient; the poller catches up on the next tick.
func (o *Orchestrator) refresh(ctx context.Context, what string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil {
		o.log.Warn("post-confirmation refresh failed", zap.String("field", what), zap.Error(err))
	}
}

func (o *Orchestrator) observe(rec TransactionRecord) {
	o.metrics.ObserveTransaction(string(rec.Kind), string(rec.Status))
}

func (o *Orchestrator) acquire(flow Kind, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return fmt.Errorf("%w: %s", ErrFlowInProgress, o.flow)
	}
	o.running = true
	o.flow = flow
	return nil
}

func (o *Orchestrator) release() {
	o.transition(StateIdle)
	o.mu.Lock()
	o.running = false
	o.flow = ""
	o.mu.Unlock()
}

func (o *Orchestrator) transition(to State) {
	o.mu.Lock()
	from, flow := o.state, o.flow
	if from == to {
		o.mu.Unlock()
		return
	}
	o.state = to
	o.mu.Unlock()

	if o.onTransition != nil {
		o.onTransition(Transition{Flow: flow, From: from, To: to})
	}
}

func (r *Result) add(rec TransactionRecord) {
	r.Records = append(r.Records, rec)
	r.Status = rec.Status
}
