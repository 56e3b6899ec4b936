package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

func TestIsUserRejected(t *testing.T) {
	require.False(t, IsUserRejected(nil))
	require.True(t, IsUserRejected(ErrUserRejected))
	require.True(t, IsUserRejected(fmt.Errorf("approve: %w", &ProviderError{Code: CodeUserRejected})))
	require.False(t, IsUserRejected(&ProviderError{Code: CodeUnrecognizedChain}))
	require.False(t, IsUserRejected(errors.New("execution reverted")))
}

func TestFeedReplacesAndCloses(t *testing.T) {
	var feed Feed
	a := feed.Subscribe()
	b := feed.Subscribe()
	require.NotEqual(t, a.ID(), b.ID())
	require.Equal(t, 2, feed.Len())

	a.Unsubscribe()
	a.Unsubscribe()
	require.Equal(t, 1, feed.Len())
	_, ok := <-a.Events()
	require.False(t, ok)

	require.Equal(t, 1, feed.Send(Event{Kind: AccountsChanged}))
	ev := <-b.Events()
	require.Equal(t, AccountsChanged, ev.Kind)
}

func TestFeedSendUnblocksOnUnsubscribe(t *testing.T) {
	var feed Feed
	sub := feed.Subscribe()
	for i := 0; i < subscriptionBuffer; i++ {
		feed.Send(Event{Kind: ChainChanged})
	}

	done := make(chan int)
	go func() { done <- feed.Send(Event{Kind: ChainChanged}) }()

	time.Sleep(10 * time.Millisecond)
	sub.Unsubscribe()
	select {
	case n := <-done:
		require.Equal(t, 0, n)
	case <-time.After(time.Second):
		t.Fatal("send stayed blocked after unsubscribe")
	}
}

type receiptStub struct {
	mu      sync.Mutex
	misses  int
	receipt *types.Receipt
	err     error
	calls   int
}

func (r *receiptStub) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	if r.calls <= r.misses {
		return nil, ethereum.NotFound
	}
	return r.receipt, nil
}

func TestWaitForReceiptPollsUntilMined(t *testing.T) {
	stub := &receiptStub{misses: 2, receipt: &types.Receipt{Status: types.ReceiptStatusFailed}}
	h := NewTxHandle(common.HexToHash("0x01"), stub, time.Millisecond)

	receipt, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, types.ReceiptStatusFailed, receipt.Status)
	require.Equal(t, 3, stub.calls)
}

func TestWaitForReceiptPropagatesErrors(t *testing.T) {
	stub := &receiptStub{err: errors.New("connection refused")}
	_, err := WaitForReceipt(context.Background(), stub, common.Hash{}, time.Millisecond)
	require.ErrorContains(t, err, "connection refused")
}

func TestWaitForReceiptHonoursContext(t *testing.T) {
	stub := &receiptStub{misses: 1 << 30}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := WaitForReceipt(ctx, stub, common.Hash{}, time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
