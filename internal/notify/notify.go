package notify

import (
	"sync"
	"time"
)

type Kind string

const (
	MintSucceeded    Kind = "mint_succeeded"
	DepositSucceeded Kind = "deposit_succeeded"
	NetworkError     Kind = "network_error"
)

// Notification is a user-facing banner.
type Notification struct {
	Kind    Kind      `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Notifier surfaces banners to whoever renders them.
type Notifier interface {
	Notify(n Notification)
}

type Func func(Notification)

func (f Func) Notify(n Notification) { f(n) }

// Nop drops everything.
type Nop struct{}

func (Nop) Notify(Notification) {}

const defaultCapacity = 64

// Log keeps the most recent notifications.
type Log struct {
	mu       sync.Mutex
	capacity int
	entries  []Notification
}

func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Log{capacity: capacity}
}

func (l *Log) Notify(n Notification) {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, n)
	if over := len(l.entries) - l.capacity; over > 0 {
		l.entries = append([]Notification(nil), l.entries[over:]...)
	}
}

// Entries returns a copy, oldest first.
func (l *Log) Entries() []Notification {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Notification(nil), l.entries...)
}

// Count returns how many entries of kind are retained.
func (l *Log) Count(kind Kind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
