package session

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kira210402/DepositNFT/internal/contracts"
)

type Status int

const (
	StatusNoWallet Status = iota
	StatusDisconnected
	StatusConnecting
	StatusConnected
	StatusNetworkMismatch
)

func (s Status) String() string {
	switch s {
	case StatusNoWallet:
		return "no_wallet"
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusNetworkMismatch:
		return "network_mismatch"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type TokenMetadata struct {
	Name     string
	Symbol   string
	Decimals uint8
}

type ReceiptTokenMetadata struct {
	Name   string
	Symbol string
}

// Snapshot is a point-in-time copy of the session. Nil fields are unset.
type Snapshot struct {
	Status       Status
	Address      *common.Address
	ChainID      *big.Int
	Token        *TokenMetadata
	ReceiptToken *ReceiptTokenMetadata
	Balance      *big.Int
	NextTokenID  *big.Int

	// NetworkError is set while a chain switch has failed and the user has
	// not dismissed it.
	NetworkError string
	// Error is the last fatal initialization error.
	Error string
	// ConnectRejected records that the user declined the last connect prompt.
	ConnectRejected bool
}

func (s Snapshot) clone() Snapshot {
	out := s
	if s.Address != nil {
		a := *s.Address
		out.Address = &a
	}
	out.ChainID = copyInt(s.ChainID)
	out.Balance = copyInt(s.Balance)
	out.NextTokenID = copyInt(s.NextTokenID)
	if s.Token != nil {
		t := *s.Token
		out.Token = &t
	}
	if s.ReceiptToken != nil {
		r := *s.ReceiptToken
		out.ReceiptToken = &r
	}
	return out
}

func copyInt(n *big.Int) *big.Int {
	if n == nil {
		return nil
	}
	return new(big.Int).Set(n)
}

// Binding is what the transaction flows need from a connected session.
type Binding struct {
	Address common.Address
	ChainID *big.Int
	Gateway *contracts.Gateway
}

// ticket identifies one initialization. State writes made on its behalf are
// dropped once a newer initialization or a reset has happened.
type ticket struct {
	gen  uint64
	addr common.Address
}
