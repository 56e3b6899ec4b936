package network

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kira210402/DepositNFT/internal/chain"
)

type stubWallet struct {
	chainID   int64
	switchErr error
	switches  int
}

func (s *stubWallet) ChainID(context.Context) (*big.Int, error) { return big.NewInt(s.chainID), nil }

func (s *stubWallet) SwitchChain(_ context.Context, id *big.Int) error {
	s.switches++
	if s.switchErr != nil {
		return s.switchErr
	}
	s.chainID = id.Int64()
	return nil
}

func TestCheck(t *testing.T) {
	g := NewGuard(big.NewInt(97), &stubWallet{}, nil)
	require.NoError(t, g.Check(big.NewInt(97)))

	err := g.Check(big.NewInt(1))
	require.ErrorIs(t, err, ErrNetworkMismatch)
	var mismatch *MismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, int64(1), mismatch.Current.Int64())
	require.Equal(t, int64(97), mismatch.Required.Int64())

	require.ErrorIs(t, g.Check(nil), ErrNetworkMismatch)
}

func TestEnforceOnRequiredChain(t *testing.T) {
	w := &stubWallet{chainID: 97}
	g := NewGuard(big.NewInt(97), w, zaptest.NewLogger(t))

	switched, err := g.Enforce(context.Background())
	require.NoError(t, err)
	require.False(t, switched)
	require.Zero(t, w.switches)
}

func TestEnforceSwitches(t *testing.T) {
	w := &stubWallet{chainID: 1}
	g := NewGuard(big.NewInt(97), w, zaptest.NewLogger(t))

	switched, err := g.Enforce(context.Background())
	require.NoError(t, err)
	require.True(t, switched)
	require.Equal(t, int64(97), w.chainID)
}

func TestEnforceSwitchFailureIsNetworkError(t *testing.T) {
	rejected := &chain.ProviderError{Code: chain.CodeUserRejected, Message: "User rejected the request."}
	w := &stubWallet{chainID: 1, switchErr: rejected}
	g := NewGuard(big.NewInt(97), w, zaptest.NewLogger(t))

	switched, err := g.Enforce(context.Background())
	require.False(t, switched)

	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	require.ErrorIs(t, err, ErrNetworkMismatch)
	require.True(t, errors.Is(err, chain.ErrUserRejected))
	require.Equal(t, int64(1), netErr.Mismatch.Current.Int64())
}
