package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

const (
	DefaultEventPollInterval = time.Second
	DefaultDialTimeout       = 5 * time.Second
)

// WalletProvider talks to an EIP-1193 style wallet over JSON-RPC. The wallet
// holds the keys; transactions go out through eth_sendTransaction.
type WalletProvider struct {
	rpc          *rpc.Client
	eth          *ethclient.Client
	pollInterval time.Duration
	log          *zap.Logger
	feed         Feed
}

type WalletProviderConfig struct {
	RPCURL            string
	EventPollInterval time.Duration
	// DialTimeout bounds the eth_chainId check made while dialing.
	DialTimeout time.Duration
}

// DialWallet connects to the wallet endpoint and checks it with eth_chainId,
// since HTTP dials never touch the network. An endpoint that cannot be
// reached yields ErrProviderUnavailable.
func DialWallet(ctx context.Context, cfg WalletProviderConfig, log *zap.Logger) (*WalletProvider, error) {
	if cfg.RPCURL == "" {
		return nil, ErrProviderUnavailable
	}
	cli, err := rpc.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrProviderUnavailable, cfg.RPCURL, err)
	}
	w := NewWalletProvider(cli, cfg.EventPollInterval, log)
	if err := checkEndpoint(ctx, cfg.DialTimeout, w.ChainID); err != nil {
		cli.Close()
		return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	return w, nil
}

func checkEndpoint(ctx context.Context, timeout time.Duration, chainID func(context.Context) (*big.Int, error)) error {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := chainID(ctx)
	return err
}

func NewWalletProvider(cli *rpc.Client, pollInterval time.Duration, log *zap.Logger) *WalletProvider {
	if pollInterval <= 0 {
		pollInterval = DefaultEventPollInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WalletProvider{
		rpc:          cli,
		eth:          ethclient.NewClient(cli),
		pollInterval: pollInterval,
		log:          log,
	}
}

// Backend exposes the read/receipt side of the same connection.
func (w *WalletProvider) Backend() *ethclient.Client { return w.eth }

func (w *WalletProvider) Close() { w.rpc.Close() }

func (w *WalletProvider) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	var accounts []common.Address
	if err := w.rpc.CallContext(ctx, &accounts, "eth_requestAccounts"); err != nil {
		return nil, fmt.Errorf("eth_requestAccounts: %w", err)
	}
	if len(accounts) == 0 {
		return nil, ErrNoAccounts
	}
	return accounts, nil
}

func (w *WalletProvider) accounts(ctx context.Context) ([]common.Address, error) {
	var accounts []common.Address
	if err := w.rpc.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (w *WalletProvider) ChainID(ctx context.Context) (*big.Int, error) {
	var id hexutil.Big
	if err := w.rpc.CallContext(ctx, &id, "eth_chainId"); err != nil {
		return nil, fmt.Errorf("eth_chainId: %w", err)
	}
	return (*big.Int)(&id), nil
}

type switchChainParams struct {
	ChainID string `json:"chainId"`
}

func (w *WalletProvider) SwitchChain(ctx context.Context, chainID *big.Int) error {
	params := switchChainParams{ChainID: hexutil.EncodeBig(chainID)}
	if err := w.rpc.CallContext(ctx, nil, "wallet_switchEthereumChain", params); err != nil {
		return fmt.Errorf("wallet_switchEthereumChain %s: %w", params.ChainID, err)
	}
	return nil
}

type sendTxArgs struct {
	From common.Address `json:"from"`
	To   common.Address `json:"to"`
	Data hexutil.Bytes  `json:"data"`
}

func (w *WalletProvider) Send(ctx context.Context, from, to common.Address, data []byte) (common.Hash, error) {
	var hash common.Hash
	args := sendTxArgs{From: from, To: to, Data: data}
	if err := w.rpc.CallContext(ctx, &hash, "eth_sendTransaction", args); err != nil {
		return common.Hash{}, fmt.Errorf("eth_sendTransaction: %w", err)
	}
	return hash, nil
}

// Subscribe watches eth_accounts and eth_chainId and emits an event whenever
// either changes. Wallet JSON-RPC has no push channel for these.
func (w *WalletProvider) Subscribe(ctx context.Context) (Subscription, error) {
	accounts, err := w.accounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("eth_accounts: %w", err)
	}
	chainID, err := w.ChainID(ctx)
	if err != nil {
		return nil, err
	}

	sub := w.feed.Subscribe().(*feedSub)
	go w.watch(ctx, sub, firstAccount(accounts), chainID)
	return sub, nil
}

func (w *WalletProvider) watch(ctx context.Context, sub *feedSub, account *common.Address, chainID *big.Int) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
			return
		case <-sub.Done():
			return
		case <-ticker.C:
		}

		accounts, err := w.accounts(ctx)
		if err != nil {
			w.log.Warn("poll eth_accounts failed", zap.Error(err))
			continue
		}
		current := firstAccount(accounts)
		if !sameAccount(account, current) {
			account = current
			sub.deliver(Event{Kind: AccountsChanged, Account: current})
		}

		id, err := w.ChainID(ctx)
		if err != nil {
			w.log.Warn("poll eth_chainId failed", zap.Error(err))
			continue
		}
		if id.Cmp(chainID) != 0 {
			chainID = id
			sub.deliver(Event{Kind: ChainChanged, ChainID: new(big.Int).Set(id)})
		}
	}
}

func firstAccount(accounts []common.Address) *common.Address {
	if len(accounts) == 0 {
		return nil
	}
	a := accounts[0]
	return &a
}

func sameAccount(a, b *common.Address) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
