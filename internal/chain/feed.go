package chain

import (
	"context"
	"sync"
)

const subscriptionBuffer = 16

// Feed fans provider events out to registered subscriptions.
type Feed struct {
	mu   sync.Mutex
	seq  uint64
	subs map[uint64]*feedSub
}

func (f *Feed) Subscribe() Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[uint64]*feedSub)
	}
	f.seq++
	sub := &feedSub{
		id:   f.seq,
		feed: f,
		ch:   make(chan Event, subscriptionBuffer),
		done: make(chan struct{}),
	}
	f.subs[sub.id] = sub
	return sub
}

// SubscribeContext subscribes and cancels the subscription once ctx ends.
func (f *Feed) SubscribeContext(ctx context.Context) Subscription {
	sub := f.Subscribe().(*feedSub)
	go func() {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
		case <-sub.done:
		}
	}()
	return sub
}

// Send delivers ev to every live subscription and returns how many got it.
func (f *Feed) Send(ev Event) int {
	f.mu.Lock()
	subs := make([]*feedSub, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	delivered := 0
	for _, s := range subs {
		if s.deliver(ev) {
			delivered++
		}
	}
	return delivered
}

// Len returns the number of live subscriptions.
func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *Feed) remove(id uint64) {
	f.mu.Lock()
	delete(f.subs, id)
	f.mu.Unlock()
}

type feedSub struct {
	id   uint64
	feed *Feed
	ch   chan Event
	done chan struct{}

	once   sync.Once
	mu     sync.Mutex
	closed bool
}

func (s *feedSub) ID() uint64 { return s.id }

func (s *feedSub) Events() <-chan Event { return s.ch }

// Done is closed once the subscription is cancelled.
func (s *feedSub) Done() <-chan struct{} { return s.done }

func (s *feedSub) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		s.feed.remove(s.id)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

func (s *feedSub) deliver(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	case <-s.done:
		return false
	}
}
