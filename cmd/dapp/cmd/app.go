package cmd

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/kira210402/DepositNFT/internal/balance"
	"github.com/kira210402/DepositNFT/internal/chain"
	"github.com/kira210402/DepositNFT/internal/config"
	"github.com/kira210402/DepositNFT/internal/contracts"
	"github.com/kira210402/DepositNFT/internal/idempotency"
	"github.com/kira210402/DepositNFT/internal/logger"
	"github.com/kira210402/DepositNFT/internal/metrics"
	"github.com/kira210402/DepositNFT/internal/network"
	"github.com/kira210402/DepositNFT/internal/notify"
	"github.com/kira210402/DepositNFT/internal/session"
	"github.com/kira210402/DepositNFT/internal/simchain"
	"github.com/kira210402/DepositNFT/internal/txflow"
)

// simAccount is the first well-known development account.
var simAccount = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

// app is everything a command needs, wired from configuration.
type app struct {
	cfg     *config.AppConfig
	log     *zap.Logger
	metrics *metrics.Registry
	notes   *notify.Log
	session *session.Manager
	flows   *txflow.Orchestrator

	rpcHealth func(context.Context) error
	closers   []func()
}

type wiring struct {
	provider   chain.Provider
	sender     chain.Sender
	backend    contracts.Backend
	deployment contracts.Deployment
	rpcHealth  func(context.Context) error
	close      func()
}

func newApp(ctx context.Context, o rootOptions) (*app, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	w, err := wire(ctx, cfg, o.simulate, log)
	if err != nil {
		logger.Sync(log)
		return nil, err
	}

	reg := metrics.New()
	notes := notify.NewLog(0)
	notifier := notify.Func(func(n notify.Notification) {
		notes.Notify(n)
		log.Info("notification", zap.String("kind", string(n.Kind)), zap.String("message", n.Message))
	})

	bindOpts := []contracts.Option{contracts.WithReceiptPollInterval(cfg.Chain.ReceiptPollInterval)}
	binder := func(ctx context.Context, chainID *big.Int) (*contracts.Gateway, error) {
		log.Debug("binding contracts", zap.Stringer("chainId", chainID))
		ctx, cancel := context.WithTimeout(ctx, cfg.Chain.RPCTimeout)
		defer cancel()
		return contracts.Bind(ctx, w.deployment, w.backend, w.sender, bindOpts...)
	}

	var provider chain.Provider
	var guard *network.Guard
	if w.provider != nil {
		provider = w.provider
		guard = network.NewGuard(cfg.Chain.RequiredChain(), w.provider, log.Named("network"))
	}

	mgr := session.New(session.Config{
		Provider: provider,
		Guard:    guard,
		Bind:     binder,
		Tracker:  balance.NewTracker(cfg.Chain.BalancePollInterval, log.Named("balance"), reg),
		Notifier: notifier,
		Metrics:  reg,
		Logger:   log.Named("session"),
	})
	flows := txflow.New(txflow.Config{
		Session:  mgr,
		Notifier: notifier,
		Metrics:  reg,
		Logger:   log.Named("txflow"),
		OnTransition: func(tr txflow.Transition) {
			log.Debug("flow transition",
				zap.String("flow", string(tr.Flow)),
				zap.Stringer("from", tr.From),
				zap.Stringer("to", tr.To))
		},
	})

	a := &app{
		cfg:       cfg,
		log:       log,
		metrics:   reg,
		notes:     notes,
		session:   mgr,
		flows:     flows,
		rpcHealth: w.rpcHealth,
	}
	a.closers = append(a.closers, mgr.Close)
	if w.close != nil {
		a.closers = append(a.closers, w.close)
	}
	return a, nil
}

func wire(ctx context.Context, cfg *config.AppConfig, simulate bool, log *zap.Logger) (wiring, error) {
	switch {
	case simulate:
		sim := simchain.New(simchain.Config{
			ChainID:  cfg.Chain.RequiredChainID,
			Accounts: []common.Address{simAccount},
		})
		log.Info("using simulated chain", zap.Stringer("account", simAccount))
		return wiring{provider: sim, sender: sim, backend: sim, deployment: sim.Deployment()}, nil

	case cfg.Chain.PrivateKey != "":
		keyed, err := chain.DialKeyed(ctx, chain.KeyedProviderConfig{
			RPCURL:        cfg.Chain.RPCURL,
			PrivateKeyHex: cfg.Chain.PrivateKey,
			DialTimeout:   cfg.Chain.RPCTimeout,
		})
		if err != nil {
			return wiring{}, fmt.Errorf("keyed provider: %w", err)
		}
		log.Info("signing locally", zap.Stringer("account", keyed.Address()), zap.String("rpc", cfg.Chain.RPCURL))
		return wiring{
			provider:   keyed,
			sender:     keyed,
			backend:    keyed.Backend(),
			deployment: cfg.Deployment,
			rpcHealth:  pingChain(keyed.Backend()),
			close:      keyed.Close,
		}, nil

	default:
		wallet, err := chain.DialWallet(ctx, chain.WalletProviderConfig{
			RPCURL:            cfg.Chain.RPCURL,
			EventPollInterval: cfg.Chain.EventPollInterval,
			DialTimeout:       cfg.Chain.RPCTimeout,
		}, log.Named("wallet"))
		if err != nil {
			// No wallet is a valid state; the session reports NoWallet.
			log.Warn("wallet provider unavailable", zap.Error(err))
			return wiring{deployment: cfg.Deployment}, nil
		}
		return wiring{
			provider:   wallet,
			sender:     wallet,
			backend:    wallet.Backend(),
			deployment: cfg.Deployment,
			rpcHealth:  pingChain(wallet.Backend()),
			close:      wallet.Close,
		}, nil
	}
}

type chainIDReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

func pingChain(r chainIDReader) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := r.ChainID(ctx)
		return err
	}
}

// replayStore picks Postgres when a DSN is configured, else the file store.
func (a *app) replayStore(ctx context.Context) (idempotency.Store, error) {
	if dsn := a.cfg.Idempotency.PostgresDSN; dsn != "" {
		store, err := idempotency.NewPostgresStore(ctx, dsn, a.log.Named("replay"))
		if err != nil {
			return nil, fmt.Errorf("postgres replay store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	}
	store, err := idempotency.NewFileStore(a.cfg.Idempotency.StorePath)
	if err != nil {
		return nil, fmt.Errorf("file replay store: %w", err)
	}
	return store, nil
}

// connect asks the wallet for access and reports what the session became.
func (a *app) connect(ctx context.Context) error {
	if err := a.session.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	snap := a.session.Snapshot()
	if snap.ConnectRejected {
		return fmt.Errorf("connect: wallet access was rejected")
	}
	return nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	logger.Sync(a.log)
}
