package contracts

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/kira210402/DepositNFT/internal/chain"
)

// ErrContractBinding means the deployment cannot be bound; no contract calls
// may be issued against it.
var ErrContractBinding = errors.New("contract binding failed")

// Backend serves read calls and receipts. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractCaller
	chain.ReceiptReader
}

// Deployment is the externally published address book plus optional
// interface descriptors. Empty ABIs fall back to the embedded ones.
type Deployment struct {
	TokenAddress   string
	DepositAddress string
	TokenABI       []byte
	DepositABI     []byte
}

type Option func(*bindConfig)

type bindConfig struct {
	receiptPoll time.Duration
}

func WithReceiptPollInterval(d time.Duration) Option {
	return func(c *bindConfig) { c.receiptPoll = d }
}

// Gateway is the typed call surface over both deployed contracts.
type Gateway struct {
	Token   *Token
	Deposit *Depository
}

// Bind validates the deployment and returns a gateway. It fails before
// producing anything if either contract is unusable.
func Bind(ctx context.Context, d Deployment, backend Backend, sender chain.Sender, opts ...Option) (*Gateway, error) {
	cfg := bindConfig{receiptPoll: chain.DefaultReceiptPollInterval}
	for _, opt := range opts {
		opt(&cfg)
	}
	if backend == nil || sender == nil {
		return nil, fmt.Errorf("%w: backend and sender are required", ErrContractBinding)
	}

	tokenAddr, err := parseAddress("TokenERC20", d.TokenAddress)
	if err != nil {
		return nil, err
	}
	depositAddr, err := parseAddress("MyDepositContract", d.DepositAddress)
	if err != nil {
		return nil, err
	}

	tABI, err := parseABI("TokenERC20", d.TokenABI, tokenABI)
	if err != nil {
		return nil, err
	}
	dABI, err := parseABI("MyDepositContract", d.DepositABI, depositABI)
	if err != nil {
		return nil, err
	}

	for _, addr := range []common.Address{tokenAddr, depositAddr} {
		code, err := backend.CodeAt(ctx, addr, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: code at %s: %w", ErrContractBinding, addr.Hex(), err)
		}
		if len(code) == 0 {
			return nil, fmt.Errorf("%w: no contract deployed at %s", ErrContractBinding, addr.Hex())
		}
	}

	newContract := func(addr common.Address, parsed abi.ABI) contract {
		return contract{
			address:     addr,
			abi:         parsed,
			bound:       bind.NewBoundContract(addr, parsed, backend, nil, nil),
			sender:      sender,
			receipts:    backend,
			receiptPoll: cfg.receiptPoll,
		}
	}

	return &Gateway{
		Token:   &Token{contract: newContract(tokenAddr, tABI)},
		Deposit: &Depository{contract: newContract(depositAddr, dABI)},
	}, nil
}

func parseAddress(name, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return common.Address{}, fmt.Errorf("%w: %s address missing", ErrContractBinding, name)
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: %s address %q is invalid", ErrContractBinding, name, raw)
	}
	addr := common.HexToAddress(raw)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: %s address is zero", ErrContractBinding, name)
	}
	return addr, nil
}

func parseABI(name string, raw []byte, fallback abi.ABI) (abi.ABI, error) {
	if len(raw) == 0 {
		return fallback, nil
	}
	parsed, err := abi.JSON(strings.NewReader(string(raw)))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("%w: %s abi: %w", ErrContractBinding, name, err)
	}
	return parsed, nil
}

type contract struct {
	address     common.Address
	abi         abi.ABI
	bound       *bind.BoundContract
	sender      chain.Sender
	receipts    chain.ReceiptReader
	receiptPoll time.Duration
}

func (c *contract) Address() common.Address { return c.address }

func (c *contract) call(ctx context.Context, method string, args ...interface{}) (interface{}, error) {
	var out []interface{}
	if err := c.bound.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: empty result", method)
	}
	return out[0], nil
}

func (c *contract) callString(ctx context.Context, method string) (string, error) {
	v, err := c.call(ctx, method)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s: unexpected result type %T", method, v)
	}
	return s, nil
}

func (c *contract) callUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	v, err := c.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	n, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected result type %T", method, v)
	}
	return n, nil
}

func (c *contract) transact(ctx context.Context, from common.Address, method string, args ...interface{}) (*chain.TxHandle, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	hash, err := c.sender.Send(ctx, from, c.address, data)
	if err != nil {
		return nil, fmt.Errorf("%s tx: %w", method, err)
	}
	return chain.NewTxHandle(hash, c.receipts, c.receiptPoll), nil
}

// Token is the fungible token.
type Token struct {
	contract
}

func (t *Token) Name(ctx context.Context) (string, error) { return t.callString(ctx, "name") }

func (t *Token) Symbol(ctx context.Context) (string, error) { return t.callString(ctx, "symbol") }

func (t *Token) Decimals(ctx context.Context) (uint8, error) {
	v, err := t.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok := v.(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals: unexpected result type %T", v)
	}
	return d, nil
}

func (t *Token) BalanceOf(ctx context.Context, holder common.Address) (*big.Int, error) {
	return t.callUint(ctx, "balanceOf", holder)
}

func (t *Token) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return t.callUint(ctx, "allowance", owner, spender)
}

func (t *Token) Mint(ctx context.Context, from common.Address, amount *big.Int) (*chain.TxHandle, error) {
	return t.transact(ctx, from, "mint", amount)
}

func (t *Token) Approve(ctx context.Context, from, spender common.Address, amount *big.Int) (*chain.TxHandle, error) {
	return t.transact(ctx, from, "approve", spender, amount)
}

// Depository is the deposit contract; each deposit mints a receipt token.
type Depository struct {
	contract
}

func (d *Depository) Name(ctx context.Context) (string, error) { return d.callString(ctx, "name") }

func (d *Depository) Symbol(ctx context.Context) (string, error) { return d.callString(ctx, "symbol") }

func (d *Depository) NextTokenID(ctx context.Context) (*big.Int, error) {
	return d.callUint(ctx, "nextTokenId")
}

func (d *Depository) Deposit(ctx context.Context, from common.Address, amount *big.Int) (*chain.TxHandle, error) {
	return d.transact(ctx, from, "deposit", amount)
}
