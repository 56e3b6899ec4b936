package txflow

import (
	"github.com/ethereum/go-ethereum/common"
)

// State is where the orchestrator is in its current flow.
type State int

const (
	StateIdle State = iota
	StateMintPending
	StateApprovePending
	StateApproveConfirmed
	StateDepositPending
	StateSettled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMintPending:
		return "mint_pending"
	case StateApprovePending:
		return "approve_pending"
	case StateApproveConfirmed:
		return "approve_confirmed"
	case StateDepositPending:
		return "deposit_pending"
	case StateSettled:
		return "settled"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type Kind string

const (
	KindMint    Kind = "mint"
	KindApprove Kind = "approve"
	KindDeposit Kind = "deposit"
)

type Status string

const (
	StatusSubmitted      Status = "submitted"
	StatusConfirmed      Status = "confirmed"
	StatusReverted       Status = "reverted"
	StatusRejectedByUser Status = "rejected_by_user"
	StatusFailed         Status = "failed"
)

// TransactionRecord is one transaction sent as part of a flow. Hash is zero
// when the wallet never produced one.
type TransactionRecord struct {
	Kind   Kind        `json:"kind"`
	Status Status      `json:"status"`
	Hash   common.Hash `json:"hash"`
}

// Result is the outcome of a whole flow. Kind is the flow (mint or deposit);
// Status is the status of its last transaction.
type Result struct {
	Kind    Kind                `json:"kind"`
	Status  Status              `json:"status"`
	Records []TransactionRecord `json:"transactions"`
}

func (r Result) Succeeded() bool { return r.Status == StatusConfirmed }

// Transition is reported to the OnTransition hook.
type Transition struct {
	Flow Kind
	From State
	To   State
}
