package cache

import (
	"context"
	"sync"

	"github.com/solarcrm/backend/internal/domain/record"
)

// LostUpdateLog keeps the most recent lost updates in memory so they can be
// surfaced to an operator.
type LostUpdateLog struct {
	NopObserver

	mu       sync.Mutex
	capacity int
	entries  []record.LostUpdate
	next     int
	total    int64
}

// NewLostUpdateLog creates a log holding at most capacity entries
func NewLostUpdateLog(capacity int) *LostUpdateLog {
	if capacity <= 0 {
		capacity = 100
	}
	return &LostUpdateLog{
		capacity: capacity,
		entries:  make([]record.LostUpdate, 0, capacity),
	}
}

// OnLostUpdate implements FlushObserver
func (l *LostUpdateLog) OnLostUpdate(_ context.Context, lost record.LostUpdate) {
	lost.Changes = lost.Changes.Clone()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.total++
	if len(l.entries) < l.capacity {
		l.entries = append(l.entries, lost)
		return
	}
	l.entries[l.next] = lost
	l.next = (l.next + 1) % l.capacity
}

// Recent returns the retained lost updates, newest first
func (l *LostUpdateLog) Recent() []record.LostUpdate {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.entries)
	out := make([]record.LostUpdate, 0, n)
	for i := 1; i <= n; i++ {
		idx := (l.next - i + n) % n
		out = append(out, l.entries[idx])
	}
	return out
}

// Total returns how many updates have been lost since startup, including
// those no longer retained
func (l *LostUpdateLog) Total() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}
