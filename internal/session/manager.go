package session

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/kira210402/DepositNFT/internal/balance"
	"github.com/kira210402/DepositNFT/internal/chain"
	"github.com/kira210402/DepositNFT/internal/contracts"
	"github.com/kira210402/DepositNFT/internal/metrics"
	"github.com/kira210402/DepositNFT/internal/network"
	"github.com/kira210402/DepositNFT/internal/notify"
)

var (
	ErrNotConnected   = errors.New("wallet session is not connected")
	ErrSuperseded     = errors.New("initialization superseded by a newer one")
	ErrTransientFetch = errors.New("transient read failure")
)

// Binder binds the deployed contracts for the given chain.
type Binder func(ctx context.Context, chainID *big.Int) (*contracts.Gateway, error)

type Config struct {
	// Provider is nil when no wallet is available.
	Provider chain.Provider
	Guard    *network.Guard
	Bind     Binder
	Tracker  *balance.Tracker
	Notifier notify.Notifier
	Metrics  *metrics.Registry
	Logger   *zap.Logger
}

// Manager owns the wallet session: the connected address, the contracts
// bound for it, the derived token data and the balance poller.
type Manager struct {
	provider chain.Provider
	guard    *network.Guard
	bind     Binder
	tracker  *balance.Tracker
	notifier notify.Notifier
	metrics  *metrics.Registry
	log      *zap.Logger

	root       context.Context
	rootCancel context.CancelFunc

	mu         sync.Mutex
	state      Snapshot
	gateway    *contracts.Gateway
	gen        uint64
	initCancel context.CancelFunc
	poller     *balance.Handle
	sub        chain.Subscription
	closed     bool
}

func New(cfg Config) *Manager {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}
	tracker := cfg.Tracker
	if tracker == nil {
		tracker = balance.NewTracker(balance.DefaultInterval, log, cfg.Metrics)
	}

	root, cancel := context.WithCancel(context.Background())
	m := &Manager{
		provider:   cfg.Provider,
		guard:      cfg.Guard,
		bind:       cfg.Bind,
		tracker:    tracker,
		notifier:   notifier,
		metrics:    cfg.Metrics,
		log:        log,
		root:       root,
		rootCancel: cancel,
	}
	m.state.Status = m.idleStatus()
	m.metrics.SetSessionStatus(m.state.Status.String())
	return m
}

func (m *Manager) idleStatus() Status {
	if m.provider == nil {
		return StatusNoWallet
	}
	return StatusDisconnected
}

// Snapshot returns a copy of the current session.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// Binding returns the connected address and gateway. Only a Connected
// session yields one.
func (m *Manager) Binding() (Binding, error) {
	b, _, err := m.binding()
	return b, err
}

func (m *Manager) binding() (Binding, ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.state.Status == StatusNetworkMismatch:
		return Binding{}, ticket{}, fmt.Errorf("%w: %w", ErrNotConnected, network.ErrNetworkMismatch)
	case m.state.Status != StatusConnected || m.gateway == nil || m.state.Address == nil:
		return Binding{}, ticket{}, ErrNotConnected
	}
	addr := *m.state.Address
	return Binding{
		Address: addr,
		ChainID: copyInt(m.state.ChainID),
		Gateway: m.gateway,
	}, ticket{gen: m.gen, addr: addr}, nil
}

// Connect asks the wallet for account access and initializes the session
// for the first account. A user rejection is recorded, not returned.
func (m *Manager) Connect(ctx context.Context) error {
	if m.provider == nil {
		m.mu.Lock()
		m.setStatusLocked(StatusNoWallet)
		m.mu.Unlock()
		return chain.ErrProviderUnavailable
	}

	accounts, err := m.provider.RequestAccounts(ctx)
	if err != nil {
		if chain.IsUserRejected(err) {
			m.log.Info("user rejected account access")
			m.mu.Lock()
			m.state.ConnectRejected = true
			m.mu.Unlock()
			return nil
		}
		m.mu.Lock()
		m.state.Error = err.Error()
		m.mu.Unlock()
		return fmt.Errorf("request accounts: %w", err)
	}
	if len(accounts) == 0 {
		return chain.ErrNoAccounts
	}
	return m.initialize(ctx, accounts[0])
}

// OnAccountsChanged handles the wallet switching or dropping accounts.
func (m *Manager) OnAccountsChanged(ctx context.Context, account *common.Address) error {
	if account == nil {
		m.log.Info("wallet exposes no account, resetting session")
		m.Reset()
		return nil
	}
	m.log.Info("wallet account changed", zap.Stringer("address", account))
	return m.initialize(ctx, *account)
}

// OnChainChanged rebuilds the session when the wallet moves to another chain.
func (m *Manager) OnChainChanged(ctx context.Context, chainID *big.Int) error {
	addr, ok := m.needsRebuild(chainID)
	if !ok {
		return nil
	}
	m.log.Info("wallet chain changed", zap.Stringer("chainId", chainID))
	return m.initialize(ctx, addr)
}

func (m *Manager) needsRebuild(chainID *big.Int) (common.Address, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Address == nil {
		return common.Address{}, false
	}
	if m.state.Status == StatusConnected && m.state.ChainID != nil && m.state.ChainID.Cmp(chainID) == 0 {
		return common.Address{}, false
	}
	// The running initialization either switched the wallet here itself or
	// reads the chain id after this event anyway.
	if m.state.Status == StatusConnecting && m.guard != nil && m.guard.Required().Cmp(chainID) == 0 {
		return common.Address{}, false
	}
	return *m.state.Address, true
}

// Reset clears all derived state. It is safe from any state and idempotent.
// The account listener stays registered so the wallet can reconnect us.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.gen++
	cancel, poller := m.detachLocked()
	m.state = Snapshot{Status: m.idleStatus()}
	m.gateway = nil
	m.setStatusLocked(m.state.Status)
	m.mu.Unlock()

	m.teardown(cancel, poller)
}

// DismissNetworkError clears the network error banner; the address and the
// mismatch status are kept.
func (m *Manager) DismissNetworkError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.NetworkError = ""
}

// RefreshBalance reads the balance now instead of waiting for the next poll.
func (m *Manager) RefreshBalance(ctx context.Context) error {
	b, t, err := m.binding()
	if err != nil {
		return err
	}
	bal, err := b.Gateway.Token.BalanceOf(ctx, b.Address)
	if err != nil {
		m.log.Warn("balance refresh failed", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrTransientFetch, err)
	}
	m.mu.Lock()
	if m.currentLocked(t) {
		m.state.Balance = bal
	}
	m.mu.Unlock()
	return nil
}

// RefreshNextTokenID re-reads the deposit contract's token counter.
func (m *Manager) RefreshNextTokenID(ctx context.Context) error {
	b, t, err := m.binding()
	if err != nil {
		return err
	}
	next, err := b.Gateway.Deposit.NextTokenID(ctx)
	if err != nil {
		m.log.Warn("nextTokenId refresh failed", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrTransientFetch, err)
	}
	m.mu.Lock()
	if m.currentLocked(t) {
		m.state.NextTokenID = next
	}
	m.mu.Unlock()
	return nil
}

// Close tears the session down and drops the account listener.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sub := m.sub
	m.sub = nil
	m.mu.Unlock()

	m.Reset()
	if sub != nil {
		sub.Unsubscribe()
	}
	m.rootCancel()
	m.tracker.Stop()
}

func (m *Manager) initialize(ctx context.Context, addr common.Address) error {
	if m.provider == nil {
		return chain.ErrProviderUnavailable
	}
	if m.guard == nil || m.bind == nil {
		return errors.New("session: network guard and binder are required")
	}
	t, initCtx, ok := m.begin(addr)
	if !ok {
		return ErrSuperseded
	}
	stop := context.AfterFunc(ctx, m.cancelIfCurrent(t))
	defer stop()
	return m.run(initCtx, t)
}

// begin supersedes whatever initialization is running and moves the session
// to Connecting for addr.
func (m *Manager) begin(addr common.Address) (ticket, context.Context, bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ticket{}, nil, false
	}
	m.gen++
	t := ticket{gen: m.gen, addr: addr}
	cancel, poller := m.detachLocked()

	initCtx, initCancel := context.WithCancel(m.root)
	m.initCancel = initCancel
	m.gateway = nil
	m.state = Snapshot{Address: &addr}
	m.setStatusLocked(StatusConnecting)
	m.mu.Unlock()

	m.teardown(cancel, poller)
	return t, initCtx, true
}

func (m *Manager) cancelIfCurrent(t ticket) func() {
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.currentLocked(t) && m.initCancel != nil {
			m.initCancel()
		}
	}
}

func (m *Manager) run(ctx context.Context, t ticket) error {
	m.listen(t)

	chainID, err := m.ensureNetwork(ctx, t)
	if err != nil {
		return err
	}

	gw, err := m.bind(ctx, chainID)
	if err != nil {
		if ctx.Err() != nil {
			return m.abandon(t, ctx.Err())
		}
		m.log.Error("contract binding failed", zap.Error(err))
		m.fail(t, err)
		return err
	}

	tok, receipt, next := m.fetchMetadata(ctx, gw)
	if ctx.Err() != nil {
		return m.abandon(t, ctx.Err())
	}

	m.mu.Lock()
	if !m.currentLocked(t) {
		m.mu.Unlock()
		return ErrSuperseded
	}
	m.gateway = gw
	m.state.ChainID = chainID
	m.state.Token = tok
	m.state.ReceiptToken = receipt
	m.state.NextTokenID = next
	m.setStatusLocked(StatusConnected)
	m.mu.Unlock()

	m.startPolling(t, gw)
	m.log.Info("wallet session connected",
		zap.Stringer("address", t.addr),
		zap.Stringer("chainId", chainID))
	return nil
}

// ensureNetwork makes sure the wallet is on the required chain. After a
// successful switch the check runs again from the top, since nothing read
// on the previous chain may be reused.
func (m *Manager) ensureNetwork(ctx context.Context, t ticket) (*big.Int, error) {
	for attempt := 0; ; attempt++ {
		switched, err := m.guard.Enforce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, m.abandon(t, ctx.Err())
			}
			var netErr *network.NetworkError
			if errors.As(err, &netErr) {
				m.mismatch(t, netErr)
				return nil, err
			}
			m.fail(t, err)
			return nil, err
		}
		if !switched {
			return m.guard.Required(), nil
		}
		if attempt > 0 {
			err := &network.NetworkError{
				Mismatch: &network.MismatchError{Required: m.guard.Required()},
				Err:      errors.New("wallet did not settle on the required chain"),
			}
			m.mismatch(t, err)
			return nil, err
		}
		m.log.Info("wallet switched chain, re-initializing", zap.Stringer("chainId", m.guard.Required()))
	}
}

func (m *Manager) fetchMetadata(ctx context.Context, gw *contracts.Gateway) (*TokenMetadata, *ReceiptTokenMetadata, *big.Int) {
	var tok *TokenMetadata
	name, err := gw.Token.Name(ctx)
	if err == nil {
		var symbol string
		symbol, err = gw.Token.Symbol(ctx)
		if err == nil {
			tok = &TokenMetadata{Name: name, Symbol: symbol}
			if decimals, derr := gw.Token.Decimals(ctx); derr == nil {
				tok.Decimals = decimals
			} else {
				m.log.Debug("token has no decimals", zap.Error(derr))
			}
		}
	}
	if err != nil {
		m.log.Warn("token metadata fetch failed", zap.Error(err))
	}

	var receipt *ReceiptTokenMetadata
	rname, err := gw.Deposit.Name(ctx)
	if err == nil {
		var rsymbol string
		rsymbol, err = gw.Deposit.Symbol(ctx)
		if err == nil {
			receipt = &ReceiptTokenMetadata{Name: rname, Symbol: rsymbol}
		}
	}
	if err != nil {
		m.log.Warn("receipt token metadata fetch failed", zap.Error(err))
	}

	next, err := gw.Deposit.NextTokenID(ctx)
	if err != nil {
		m.log.Warn("nextTokenId fetch failed", zap.Error(err))
		next = nil
	}
	return tok, receipt, next
}

func (m *Manager) startPolling(t ticket, gw *contracts.Gateway) {
	fetch := func(ctx context.Context) (*big.Int, error) {
		return gw.Token.BalanceOf(ctx, t.addr)
	}
	sink := func(bal *big.Int) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.currentLocked(t) {
			m.state.Balance = bal
		}
	}

	h := m.tracker.Start(m.root, fetch, sink)

	m.mu.Lock()
	if !m.currentLocked(t) {
		m.mu.Unlock()
		h.Stop()
		return
	}
	m.poller = h
	m.mu.Unlock()
}

// listen makes sure exactly one provider listener is live. A live listener
// is kept across re-initializations; a dead one is replaced.
func (m *Manager) listen(t ticket) {
	if m.provider == nil {
		return
	}
	m.mu.Lock()
	live := m.sub != nil
	m.mu.Unlock()
	if live {
		return
	}

	sub, err := m.provider.Subscribe(m.root)
	if err != nil {
		m.log.Warn("subscribe to wallet events failed", zap.Error(err))
		return
	}

	m.mu.Lock()
	if m.closed || !m.currentLocked(t) || m.sub != nil {
		m.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	m.sub = sub
	m.mu.Unlock()

	go m.consume(sub)
}

func (m *Manager) consume(sub chain.Subscription) {
	for ev := range sub.Events() {
		if !m.isActive(sub) {
			return
		}
		m.dispatch(ev)
	}
	m.mu.Lock()
	if m.sub != nil && m.sub.ID() == sub.ID() {
		m.sub = nil
	}
	m.mu.Unlock()
}

func (m *Manager) isActive(sub chain.Subscription) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sub != nil && m.sub.ID() == sub.ID()
}

// dispatch supersedes the current initialization synchronously, so event
// order decides which one wins, then lets the new one run in the background.
func (m *Manager) dispatch(ev chain.Event) {
	switch ev.Kind {
	case chain.AccountsChanged:
		if ev.Account == nil {
			m.log.Info("wallet exposes no account, resetting session")
			m.Reset()
			return
		}
		m.log.Info("wallet account changed", zap.Stringer("address", ev.Account))
		m.rebuild(*ev.Account)
	case chain.ChainChanged:
		if addr, ok := m.needsRebuild(ev.ChainID); ok {
			m.log.Info("wallet chain changed", zap.Stringer("chainId", ev.ChainID))
			m.rebuild(addr)
		}
	}
}

func (m *Manager) rebuild(addr common.Address) {
	t, ctx, ok := m.begin(addr)
	if !ok {
		return
	}
	go func() {
		if err := m.run(ctx, t); err != nil && !errors.Is(err, ErrSuperseded) {
			m.log.Warn("session re-initialization failed", zap.Stringer("address", addr), zap.Error(err))
		}
	}()
}

func (m *Manager) mismatch(t ticket, err *network.NetworkError) {
	m.mu.Lock()
	if !m.currentLocked(t) {
		m.mu.Unlock()
		return
	}
	m.state.ChainID = copyInt(err.Mismatch.Current)
	m.state.NetworkError = err.Error()
	m.setStatusLocked(StatusNetworkMismatch)
	m.mu.Unlock()

	m.metrics.IncNetworkError()
	m.notifier.Notify(notify.Notification{Kind: notify.NetworkError, Message: err.Error()})
}

// fail ends an initialization with a fatal error; no gateway is kept.
func (m *Manager) fail(t ticket, err error) {
	m.mu.Lock()
	if !m.currentLocked(t) {
		m.mu.Unlock()
		return
	}
	cancel, poller := m.detachLocked()
	m.gateway = nil
	m.state = Snapshot{Error: err.Error()}
	m.setStatusLocked(m.idleStatus())
	m.mu.Unlock()

	m.teardown(cancel, poller)
}

// abandon handles a cancelled initialization. A superseded run leaves the
// session alone; a run that is still current falls back to disconnected.
func (m *Manager) abandon(t ticket, cause error) error {
	m.mu.Lock()
	current := m.currentLocked(t)
	m.mu.Unlock()
	if !current {
		return ErrSuperseded
	}
	m.fail(t, cause)
	return cause
}

func (m *Manager) currentLocked(t ticket) bool {
	return m.gen == t.gen && m.state.Address != nil && *m.state.Address == t.addr
}

func (m *Manager) detachLocked() (context.CancelFunc, *balance.Handle) {
	cancel, poller := m.initCancel, m.poller
	m.initCancel, m.poller = nil, nil
	return cancel, poller
}

// teardown must run without m.mu held: a poller blocked in its sink needs it.
func (m *Manager) teardown(cancel context.CancelFunc, poller *balance.Handle) {
	if cancel != nil {
		cancel()
	}
	poller.Stop()
}

func (m *Manager) setStatusLocked(s Status) {
	m.state.Status = s
	m.metrics.SetSessionStatus(s.String())
}
