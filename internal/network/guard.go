package network

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"go.uber.org/zap"

	"github.com/kira210402/DepositNFT/internal/chain"
)

var ErrNetworkMismatch = errors.New("wallet is connected to the wrong network")

// MismatchError reports the chain the wallet is on versus the one required.
type MismatchError struct {
	Current  *big.Int
	Required *big.Int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("connected to chain %s, required %s", e.Current, e.Required)
}

func (e *MismatchError) Unwrap() error { return ErrNetworkMismatch }

// NetworkError is a failed attempt to move the wallet onto the required
// chain. It is recoverable; the user may dismiss it and retry.
type NetworkError struct {
	Mismatch *MismatchError
	Err      error
}

func (e *NetworkError) Error() string {
	if e.Err == nil {
		return e.Mismatch.Error()
	}
	return fmt.Sprintf("%s: switch failed: %v", e.Mismatch.Error(), e.Err)
}

func (e *NetworkError) Unwrap() []error { return []error{e.Mismatch, e.Err} }

// Switcher is the slice of the wallet the guard needs.
type Switcher interface {
	ChainID(ctx context.Context) (*big.Int, error)
	SwitchChain(ctx context.Context, chainID *big.Int) error
}

type Guard struct {
	required *big.Int
	wallet   Switcher
	log      *zap.Logger
}

func NewGuard(required *big.Int, wallet Switcher, log *zap.Logger) *Guard {
	if log == nil {
		log = zap.NewNop()
	}
	return &Guard{required: new(big.Int).Set(required), wallet: wallet, log: log}
}

func (g *Guard) Required() *big.Int { return new(big.Int).Set(g.required) }

// Check compares current with the required chain id.
func (g *Guard) Check(current *big.Int) error {
	if current != nil && current.Cmp(g.required) == 0 {
		return nil
	}
	return &MismatchError{Current: current, Required: g.Required()}
}

// Enforce reads the wallet's chain and, on mismatch, asks it to switch.
// switched=true means the wallet moved and everything chain-scoped must be
// rebuilt by the caller.
func (g *Guard) Enforce(ctx context.Context) (switched bool, err error) {
	current, err := g.wallet.ChainID(ctx)
	if err != nil {
		return false, fmt.Errorf("read chain id: %w", err)
	}
	mismatchErr := g.Check(current)
	if mismatchErr == nil {
		return false, nil
	}

	var mismatch *MismatchError
	errors.As(mismatchErr, &mismatch)
	g.log.Info("network mismatch, requesting switch",
		zap.Stringer("current", current),
		zap.Stringer("required", g.required))

	if err := g.wallet.SwitchChain(ctx, g.required); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		g.log.Warn("chain switch failed",
			zap.Stringer("required", g.required),
			zap.Int("code", chain.ErrorCode(err)),
			zap.Error(err))
		return false, &NetworkError{Mismatch: mismatch, Err: err}
	}
	return true, nil
}
