package balance

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kira210402/DepositNFT/internal/metrics"
)

const DefaultInterval = time.Second

// Fetcher reads the current balance.
type Fetcher func(ctx context.Context) (*big.Int, error)

// Sink receives every successfully fetched balance.
type Sink func(*big.Int)

// Tracker runs at most one balance poller at a time.
type Tracker struct {
	interval time.Duration
	log      *zap.Logger
	metrics  *metrics.Registry

	mu      sync.Mutex
	current *Handle
	active  atomic.Int32
}

func NewTracker(interval time.Duration, log *zap.Logger, m *metrics.Registry) *Tracker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{interval: interval, log: log, metrics: m}
}

// Handle controls one poller.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop cancels the poller and waits for it to exit. Safe to call repeatedly.
func (h *Handle) Stop() {
	if h == nil {
		return
	}
	h.once.Do(h.cancel)
	<-h.done
}

// Done is closed once the poller has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Start fetches immediately and then on every tick until stopped. A poller
// that is already running is stopped first.
func (t *Tracker) Start(ctx context.Context, fetch Fetcher, sink Sink) *Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.current.Stop()

	pollCtx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	t.current = h
	t.active.Add(1)
	go t.run(pollCtx, h, fetch, sink)
	return h
}

// Stop halts the running poller, if any.
func (t *Tracker) Stop() {
	t.mu.Lock()
	h := t.current
	t.current = nil
	t.mu.Unlock()
	h.Stop()
}

// Active reports how many pollers are running.
func (t *Tracker) Active() int { return int(t.active.Load()) }

func (t *Tracker) run(ctx context.Context, h *Handle, fetch Fetcher, sink Sink) {
	defer close(h.done)
	defer t.active.Add(-1)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		t.poll(ctx, fetch, sink)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t *Tracker) poll(ctx context.Context, fetch Fetcher, sink Sink) {
	bal, err := fetch(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		t.metrics.ObservePoll("error")
		t.log.Warn("balance fetch failed", zap.Error(err))
		return
	}
	t.metrics.ObservePoll("ok")
	sink(bal)
}
