package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Provider abstracts the wallet the client talks to.
type Provider interface {
	RequestAccounts(ctx context.Context) ([]common.Address, error)
	ChainID(ctx context.Context) (*big.Int, error)
	SwitchChain(ctx context.Context, chainID *big.Int) error
	Subscribe(ctx context.Context) (Subscription, error)
}

// Sender submits a state-mutating call signed by the wallet on behalf of from.
type Sender interface {
	Send(ctx context.Context, from, to common.Address, data []byte) (common.Hash, error)
}

// ReceiptReader looks up mined transactions.
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type EventKind int

const (
	AccountsChanged EventKind = iota + 1
	ChainChanged
)

func (k EventKind) String() string {
	switch k {
	case AccountsChanged:
		return "accountsChanged"
	case ChainChanged:
		return "chainChanged"
	default:
		return "unknown"
	}
}

// Event is emitted by a Subscription. Account is nil when the wallet
// exposes no account anymore.
type Event struct {
	Kind    EventKind
	Account *common.Address
	ChainID *big.Int
}

// Subscription is a single registered listener on the provider.
type Subscription interface {
	ID() uint64
	Events() <-chan Event
	Unsubscribe()
}
