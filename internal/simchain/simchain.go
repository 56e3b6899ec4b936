// Package simchain is an in-memory chain with a wallet, the token and the
// deposit contract. It speaks the real ABI so the contract gateway runs
// unchanged on top of it. Used by tests and the --simulate mode.
package simchain

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/kira210402/DepositNFT/internal/chain"
	"github.com/kira210402/DepositNFT/internal/contracts"
)

var (
	DefaultToken   = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	DefaultDeposit = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
)

type Fault int

const (
	// FaultReject makes the wallet refuse to sign (code 4001).
	FaultReject Fault = iota + 1
	// FaultRevert mines the transaction with a failed status.
	FaultRevert
	// FaultError makes submission fail with a generic provider error.
	FaultError
)

// SentTx is one transaction the wallet accepted.
type SentTx struct {
	Method string
	From   common.Address
	Hash   common.Hash
	Status uint64
}

type Config struct {
	ChainID  int64
	Accounts []common.Address
	Token    common.Address
	Deposit  common.Address
}

type allowanceKey struct{ owner, spender common.Address }

// Chain implements chain.Provider, chain.Sender and contracts.Backend.
type Chain struct {
	mu sync.Mutex

	chainID    *big.Int
	deployedOn *big.Int
	accounts   []common.Address

	tokenAddr   common.Address
	depositAddr common.Address
	tokenABI    abi.ABI
	depositABI  abi.ABI

	balances    map[common.Address]*big.Int
	allowances  map[allowanceKey]*big.Int
	nextTokenID *big.Int
	owners      map[string]common.Address

	nonce    uint64
	block    uint64
	receipts map[common.Hash]*types.Receipt
	held     map[common.Hash]bool
	holdFor  map[string]bool
	faults   map[string][]Fault
	sent     []SentTx

	rejectAccounts bool
	switchErr      error
	callHook       func(ctx context.Context, method string) error

	feed chain.Feed
}

func New(cfg Config) *Chain {
	if cfg.ChainID == 0 {
		cfg.ChainID = 97
	}
	if cfg.Token == (common.Address{}) {
		cfg.Token = DefaultToken
	}
	if cfg.Deposit == (common.Address{}) {
		cfg.Deposit = DefaultDeposit
	}
	return &Chain{
		chainID:     big.NewInt(cfg.ChainID),
		deployedOn:  big.NewInt(cfg.ChainID),
		accounts:    append([]common.Address(nil), cfg.Accounts...),
		tokenAddr:   cfg.Token,
		depositAddr: cfg.Deposit,
		tokenABI:    contracts.TokenABI(),
		depositABI:  contracts.DepositABI(),
		balances:    make(map[common.Address]*big.Int),
		allowances:  make(map[allowanceKey]*big.Int),
		nextTokenID: new(big.Int),
		owners:      make(map[string]common.Address),
		receipts:    make(map[common.Hash]*types.Receipt),
		held:        make(map[common.Hash]bool),
		holdFor:     make(map[string]bool),
		faults:      make(map[string][]Fault),
	}
}

// Deployment returns the address book for the simulated contracts.
func (c *Chain) Deployment() contracts.Deployment {
	return contracts.Deployment{
		TokenAddress:   c.tokenAddr.Hex(),
		DepositAddress: c.depositAddr.Hex(),
	}
}

// ---- test controls ----

func (c *Chain) SetBalance(holder common.Address, amount int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[holder] = big.NewInt(amount)
}

func (c *Chain) Balance(holder common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.balanceOf(holder))
}

func (c *Chain) Allowance(owner, spender common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.allowanceOf(owner, spender))
}

func (c *Chain) NextTokenID() *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.nextTokenID)
}

// SetAccounts changes the wallet's exposed accounts and notifies listeners.
func (c *Chain) SetAccounts(accounts ...common.Address) {
	c.mu.Lock()
	c.accounts = append([]common.Address(nil), accounts...)
	var first *common.Address
	if len(accounts) > 0 {
		a := accounts[0]
		first = &a
	}
	c.mu.Unlock()
	c.feed.Send(chain.Event{Kind: chain.AccountsChanged, Account: first})
}

// SetChainID moves the wallet to another network and notifies listeners.
func (c *Chain) SetChainID(id int64) {
	c.mu.Lock()
	c.chainID = big.NewInt(id)
	c.mu.Unlock()
	c.feed.Send(chain.Event{Kind: chain.ChainChanged, ChainID: big.NewInt(id)})
}

func (c *Chain) RejectAccountRequests(reject bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejectAccounts = reject
}

func (c *Chain) SetSwitchError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.switchErr = err
}

// Inject queues a fault for the next submission of method.
func (c *Chain) Inject(method string, f Fault) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults[method] = append(c.faults[method], f)
}

// HoldReceipts withholds receipts for method until ReleaseReceipts.
func (c *Chain) HoldReceipts(method string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holdFor[method] = true
}

func (c *Chain) ReleaseReceipts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holdFor = make(map[string]bool)
	c.held = make(map[common.Hash]bool)
}

// SetCallHook runs fn before every read call; a non-nil error fails the call.
func (c *Chain) SetCallHook(fn func(ctx context.Context, method string) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callHook = fn
}

func (c *Chain) Sent() []SentTx {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentTx(nil), c.sent...)
}

// SentMethods lists submitted methods in order.
func (c *Chain) SentMethods() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, tx := range c.sent {
		out = append(out, tx.Method)
	}
	return out
}

func (c *Chain) Subscribers() int { return c.feed.Len() }

// ---- chain.Provider ----

func (c *Chain) RequestAccounts(context.Context) ([]common.Address, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rejectAccounts {
		return nil, &chain.ProviderError{Code: chain.CodeUserRejected, Message: "User rejected the request."}
	}
	if len(c.accounts) == 0 {
		return nil, chain.ErrNoAccounts
	}
	return append([]common.Address(nil), c.accounts...), nil
}

func (c *Chain) ChainID(context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.chainID), nil
}

// SwitchChain moves to id and emits ChainChanged before returning, as
// browser wallets do.
func (c *Chain) SwitchChain(_ context.Context, id *big.Int) error {
	c.mu.Lock()
	if c.switchErr != nil {
		err := c.switchErr
		c.mu.Unlock()
		return err
	}
	c.chainID = new(big.Int).Set(id)
	c.mu.Unlock()
	c.feed.Send(chain.Event{Kind: chain.ChainChanged, ChainID: new(big.Int).Set(id)})
	return nil
}

func (c *Chain) Subscribe(ctx context.Context) (chain.Subscription, error) {
	return c.feed.SubscribeContext(ctx), nil
}

// ---- contracts.Backend ----

func (c *Chain) CodeAt(_ context.Context, addr common.Address, _ *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainID.Cmp(c.deployedOn) != 0 {
		return nil, nil
	}
	if addr == c.tokenAddr || addr == c.depositAddr {
		return []byte{0x60, 0x80, 0x60, 0x40}, nil
	}
	return nil, nil
}

func (c *Chain) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if msg.To == nil || len(msg.Data) < 4 {
		return nil, errors.New("simchain: malformed call")
	}
	c.mu.Lock()
	contractABI, ok := c.abiFor(*msg.To)
	hook := c.callHook
	c.mu.Unlock()
	if !ok {
		return nil, nil
	}

	method, err := contractABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	if hook != nil {
		if err := hook(ctx, method.Name); err != nil {
			return nil, err
		}
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	out, err := c.read(*msg.To, method.Name, args)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(out...)
}

func (c *Chain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held[hash] {
		return nil, ethereum.NotFound
	}
	r, ok := c.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	cp := *r
	return &cp, nil
}

// ---- chain.Sender ----

func (c *Chain) Send(_ context.Context, from, to common.Address, data []byte) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(data) < 4 {
		return common.Hash{}, errors.New("simchain: malformed transaction")
	}
	contractABI, ok := c.abiFor(to)
	if !ok {
		return common.Hash{}, fmt.Errorf("simchain: no contract at %s", to.Hex())
	}
	method, err := contractABI.MethodById(data[:4])
	if err != nil {
		return common.Hash{}, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return common.Hash{}, err
	}

	switch c.popFault(method.Name) {
	case FaultReject:
		return common.Hash{}, &chain.ProviderError{Code: chain.CodeUserRejected, Message: "MetaMask Tx Signature: User denied transaction signature."}
	case FaultError:
		return common.Hash{}, &chain.ProviderError{Code: -32603, Message: "Internal JSON-RPC error."}
	case FaultRevert:
		return c.mine(method.Name, from, data, types.ReceiptStatusFailed), nil
	}

	status := types.ReceiptStatusSuccessful
	if err := c.write(from, to, method.Name, args); err != nil {
		status = types.ReceiptStatusFailed
	}
	return c.mine(method.Name, from, data, status), nil
}

func (c *Chain) popFault(method string) Fault {
	q := c.faults[method]
	if len(q) == 0 {
		return 0
	}
	c.faults[method] = q[1:]
	return q[0]
}

func (c *Chain) mine(method string, from common.Address, data []byte, status uint64) common.Hash {
	c.nonce++
	c.block++
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], c.nonce)
	hash := crypto.Keccak256Hash(n[:], from.Bytes(), data)

	c.receipts[hash] = &types.Receipt{
		Status:      status,
		TxHash:      hash,
		BlockNumber: new(big.Int).SetUint64(c.block),
		GasUsed:     21000,
	}
	if c.holdFor[method] {
		c.held[hash] = true
	}
	c.sent = append(c.sent, SentTx{Method: method, From: from, Hash: hash, Status: status})
	return hash
}

func (c *Chain) abiFor(addr common.Address) (abi.ABI, bool) {
	if c.chainID.Cmp(c.deployedOn) != 0 {
		return abi.ABI{}, false
	}
	switch addr {
	case c.tokenAddr:
		return c.tokenABI, true
	case c.depositAddr:
		return c.depositABI, true
	}
	return abi.ABI{}, false
}

func (c *Chain) balanceOf(a common.Address) *big.Int {
	if b, ok := c.balances[a]; ok {
		return b
	}
	return new(big.Int)
}

func (c *Chain) allowanceOf(owner, spender common.Address) *big.Int {
	if v, ok := c.allowances[allowanceKey{owner, spender}]; ok {
		return v
	}
	return new(big.Int)
}

func (c *Chain) read(to common.Address, method string, args []interface{}) ([]interface{}, error) {
	switch {
	case to == c.tokenAddr && method == "name":
		return []interface{}{"Token ERC20"}, nil
	case to == c.tokenAddr && method == "symbol":
		return []interface{}{"TKN"}, nil
	case to == c.tokenAddr && method == "decimals":
		return []interface{}{uint8(18)}, nil
	case to == c.tokenAddr && method == "balanceOf":
		return []interface{}{new(big.Int).Set(c.balanceOf(args[0].(common.Address)))}, nil
	case to == c.tokenAddr && method == "allowance":
		return []interface{}{new(big.Int).Set(c.allowanceOf(args[0].(common.Address), args[1].(common.Address)))}, nil
	case to == c.depositAddr && method == "name":
		return []interface{}{"Deposit Receipt"}, nil
	case to == c.depositAddr && method == "symbol":
		return []interface{}{"DRT"}, nil
	case to == c.depositAddr && method == "nextTokenId":
		return []interface{}{new(big.Int).Set(c.nextTokenID)}, nil
	case to == c.depositAddr && method == "token":
		return []interface{}{c.tokenAddr}, nil
	}
	return nil, fmt.Errorf("simchain: unsupported read %s", method)
}

func (c *Chain) write(from, to common.Address, method string, args []interface{}) error {
	switch {
	case to == c.tokenAddr && method == "mint":
		amount := args[0].(*big.Int)
		c.balances[from] = new(big.Int).Add(c.balanceOf(from), amount)
		return nil
	case to == c.tokenAddr && method == "approve":
		spender, amount := args[0].(common.Address), args[1].(*big.Int)
		c.allowances[allowanceKey{from, spender}] = new(big.Int).Set(amount)
		return nil
	case to == c.depositAddr && method == "deposit":
		amount := args[0].(*big.Int)
		allowance := c.allowanceOf(from, c.depositAddr)
		balance := c.balanceOf(from)
		if allowance.Cmp(amount) < 0 || balance.Cmp(amount) < 0 {
			return errors.New("insufficient allowance or balance")
		}
		c.allowances[allowanceKey{from, c.depositAddr}] = new(big.Int).Sub(allowance, amount)
		c.balances[from] = new(big.Int).Sub(balance, amount)
		c.balances[c.depositAddr] = new(big.Int).Add(c.balanceOf(c.depositAddr), amount)
		c.owners[c.nextTokenID.String()] = from
		c.nextTokenID = new(big.Int).Add(c.nextTokenID, big.NewInt(1))
		return nil
	}
	return fmt.Errorf("simchain: unsupported write %s", method)
}
