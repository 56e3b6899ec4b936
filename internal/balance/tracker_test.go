package balance

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kira210402/DepositNFT/internal/metrics"
)

type recorder struct {
	mu     sync.Mutex
	values []int64
}

func (r *recorder) sink(b *big.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, b.Int64())
}

func (r *recorder) snapshot() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.values...)
}

func TestStartFetchesImmediately(t *testing.T) {
	tr := NewTracker(time.Hour, zaptest.NewLogger(t), nil)
	rec := &recorder{}

	h := tr.Start(context.Background(), func(context.Context) (*big.Int, error) {
		return big.NewInt(42), nil
	}, rec.sink)
	defer h.Stop()

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, []int64{42}, rec.snapshot())
}

func TestPollsOnInterval(t *testing.T) {
	tr := NewTracker(5*time.Millisecond, zaptest.NewLogger(t), metrics.New())
	rec := &recorder{}
	var n atomic.Int64

	h := tr.Start(context.Background(), func(context.Context) (*big.Int, error) {
		return big.NewInt(n.Add(1)), nil
	}, rec.sink)
	defer h.Stop()

	require.Eventually(t, func() bool { return len(rec.snapshot()) >= 3 }, time.Second, time.Millisecond)
}

func TestFetchFailureKeepsPolling(t *testing.T) {
	tr := NewTracker(2*time.Millisecond, zaptest.NewLogger(t), metrics.New())
	rec := &recorder{}
	var calls atomic.Int64

	h := tr.Start(context.Background(), func(context.Context) (*big.Int, error) {
		c := calls.Add(1)
		if c%2 == 0 {
			return nil, errors.New("rpc timeout")
		}
		return big.NewInt(c), nil
	}, rec.sink)
	defer h.Stop()

	require.Eventually(t, func() bool { return len(rec.snapshot()) >= 3 }, time.Second, time.Millisecond)
	for _, v := range rec.snapshot() {
		require.Equal(t, int64(1), v%2, "sink saw a failed poll")
	}
}

func TestStartTwiceLeavesOnePoller(t *testing.T) {
	tr := NewTracker(time.Millisecond, zaptest.NewLogger(t), nil)
	fetch := func(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

	first := tr.Start(context.Background(), fetch, func(*big.Int) {})
	second := tr.Start(context.Background(), fetch, func(*big.Int) {})
	defer second.Stop()

	select {
	case <-first.Done():
	default:
		t.Fatal("first poller still running after restart")
	}
	require.Equal(t, 1, tr.Active())
}

func TestStopIsIdempotent(t *testing.T) {
	tr := NewTracker(time.Millisecond, zaptest.NewLogger(t), nil)
	h := tr.Start(context.Background(), func(context.Context) (*big.Int, error) {
		return big.NewInt(1), nil
	}, func(*big.Int) {})

	tr.Stop()
	tr.Stop()
	h.Stop()
	require.Equal(t, 0, tr.Active())

	var nilHandle *Handle
	nilHandle.Stop()
}

func TestStopDiscardsInFlightFetch(t *testing.T) {
	tr := NewTracker(time.Hour, zaptest.NewLogger(t), nil)
	rec := &recorder{}
	entered := make(chan struct{})

	h := tr.Start(context.Background(), func(ctx context.Context) (*big.Int, error) {
		close(entered)
		<-ctx.Done()
		return big.NewInt(99), nil
	}, rec.sink)

	<-entered
	h.Stop()
	require.Empty(t, rec.snapshot())
}

func TestParentCancelStopsPoller(t *testing.T) {
	tr := NewTracker(time.Millisecond, zaptest.NewLogger(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	h := tr.Start(ctx, func(context.Context) (*big.Int, error) { return big.NewInt(1), nil }, func(*big.Int) {})

	cancel()
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("poller ignored parent cancellation")
	}
	require.Equal(t, 0, tr.Active())
}
