package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// KeyedProvider signs locally with a private key against a plain node. It
// exposes a single fixed account and cannot switch chains.
type KeyedProvider struct {
	client  *ethclient.Client
	key     *ecdsa.PrivateKey
	address common.Address
	feed    Feed
}

type KeyedProviderConfig struct {
	RPCURL        string
	PrivateKeyHex string
	DialTimeout   time.Duration
}

func DialKeyed(ctx context.Context, cfg KeyedProviderConfig) (*KeyedProvider, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	key, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	k := &KeyedProvider{
		client:  cli,
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}
	if err := checkEndpoint(ctx, cfg.DialTimeout, k.ChainID); err != nil {
		cli.Close()
		return nil, fmt.Errorf("check rpc %s: %w", cfg.RPCURL, err)
	}
	return k, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, fmt.Errorf("private key is required")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (k *KeyedProvider) Backend() *ethclient.Client { return k.client }

func (k *KeyedProvider) Address() common.Address { return k.address }

func (k *KeyedProvider) Close() { k.client.Close() }

func (k *KeyedProvider) RequestAccounts(context.Context) ([]common.Address, error) {
	return []common.Address{k.address}, nil
}

func (k *KeyedProvider) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := k.client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	return id, nil
}

func (k *KeyedProvider) SwitchChain(_ context.Context, chainID *big.Int) error {
	return fmt.Errorf("switch to chain %s: %w", chainID, ErrSwitchUnsupported)
}

// Subscribe registers a listener. A local key never changes account, so the
// subscription only ends when cancelled.
func (k *KeyedProvider) Subscribe(ctx context.Context) (Subscription, error) {
	return k.feed.SubscribeContext(ctx), nil
}

func (k *KeyedProvider) Send(ctx context.Context, from, to common.Address, data []byte) (common.Hash, error) {
	if from != k.address {
		return common.Hash{}, fmt.Errorf("sender %s is not the configured key %s", from.Hex(), k.address.Hex())
	}
	chainID, err := k.ChainID(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	opts, err := bind.NewKeyedTransactorWithChainID(k.key, chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("transactor: %w", err)
	}
	opts.Context = ctx
	opts.GasLimit = 0 // let node estimate

	// RawTransact never touches the ABI, only the transactor backend.
	contract := bind.NewBoundContract(to, abi.ABI{}, nil, k.client, nil)
	tx, err := contract.RawTransact(opts, data)
	if err != nil {
		return common.Hash{}, fmt.Errorf("send tx: %w", err)
	}
	return tx.Hash(), nil
}
