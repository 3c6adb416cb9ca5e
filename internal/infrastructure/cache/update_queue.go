package cache

import (
	"sync"

	"github.com/solarcrm/backend/internal/domain/record"
)

// PendingUpdate is the latest not-yet-persisted partial update for one record.
type PendingUpdate struct {
	ID         string
	Changes    record.Fields
	RetryCount int
	LastError  string
}

// clone returns a copy that shares no maps with the receiver
func (p *PendingUpdate) clone() PendingUpdate {
	return PendingUpdate{
		ID:         p.ID,
		Changes:    p.Changes.Clone(),
		RetryCount: p.RetryCount,
		LastError:  p.LastError,
	}
}

// UpdateQueue holds at most one pending update per record id. A second update
// for the same id merges into the existing entry field by field.
//
// Entries taken by a drain stay visible as in flight until the drain settles
// them, so a reload can tell that a record still has an unconfirmed write.
type UpdateQueue struct {
	mu       sync.Mutex
	pending  map[string]*PendingUpdate
	order    []string
	inflight map[string]record.Fields
	signal   chan struct{}
}

// NewUpdateQueue creates an empty queue
func NewUpdateQueue() *UpdateQueue {
	return &UpdateQueue{
		pending:  make(map[string]*PendingUpdate),
		inflight: make(map[string]record.Fields),
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue registers changes for id, merging them over any pending entry.
// Merged changes share the entry's retry count. It wakes the flush loop
// without blocking.
func (q *UpdateQueue) Enqueue(id string, changes record.Fields) {
	if len(changes) == 0 {
		return
	}

	q.mu.Lock()
	if p, ok := q.pending[id]; ok {
		p.Changes.Merge(changes)
	} else {
		q.pending[id] = &PendingUpdate{ID: id, Changes: changes.Clone()}
		q.order = append(q.order, id)
	}
	q.mu.Unlock()

	q.notify()
}

// requeue re-arms a failed update and ends its in-flight state. Any fresher
// pending entry for the same id keeps its values; the failed payload only
// fills the fields it lacks. The merged entry carries the higher of the two
// retry counts, so fields folded in from a retry never get a fresh budget.
func (q *UpdateQueue) requeue(p *PendingUpdate) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inflight, p.ID)
	if fresh, ok := q.pending[p.ID]; ok {
		fresh.Changes.MergeUnder(p.Changes)
		fresh.RetryCount = max(fresh.RetryCount, p.RetryCount)
		fresh.LastError = p.LastError
		return
	}
	q.pending[p.ID] = p
	q.order = append(q.order, p.ID)
}

// release ends the in-flight state of id once its write is settled
func (q *UpdateQueue) release(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, id)
}

// snapshot removes and returns every pending entry in enqueue order, marking
// each one in flight
func (q *UpdateQueue) snapshot() []*PendingUpdate {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.order) == 0 {
		return nil
	}

	out := make([]*PendingUpdate, 0, len(q.order))
	for _, id := range q.order {
		p := q.pending[id]
		q.inflight[id] = p.Changes.Clone()
		out = append(out, p)
	}
	q.pending = make(map[string]*PendingUpdate)
	q.order = nil
	return out
}

// InFlight returns a copy of the changes a drain is currently writing for id
func (q *UpdateQueue) InFlight(id string) (record.Fields, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	changes, ok := q.inflight[id]
	if !ok {
		return nil, false
	}
	return changes.Clone(), true
}

// unsettled returns the in-flight changes for id with any pending changes
// merged on top. It reports false when id has neither.
func (q *UpdateQueue) unsettled(id string) (record.Fields, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	inflight, flying := q.inflight[id]
	pending, queued := q.pending[id]
	if !flying && !queued {
		return nil, false
	}

	out := make(record.Fields)
	if flying {
		out.Merge(inflight)
	}
	if queued {
		out.Merge(pending.Changes)
	}
	return out, true
}

// Discard drops the pending entry for id. It reports whether one existed.
func (q *UpdateQueue) Discard(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.pending[id]; !ok {
		return false
	}
	delete(q.pending, id)
	for i, queued := range q.order {
		if queued == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return true
}

// Pending returns a copy of the pending entry for id
func (q *UpdateQueue) Pending(id string) (PendingUpdate, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	p, ok := q.pending[id]
	if !ok {
		return PendingUpdate{}, false
	}
	return p.clone(), true
}

// Entries returns copies of all pending entries in enqueue order
func (q *UpdateQueue) Entries() []PendingUpdate {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]PendingUpdate, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.pending[id].clone())
	}
	return out
}

// Len returns the number of records with a pending update
func (q *UpdateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Signal is readable after an Enqueue that the flush loop has not consumed yet
func (q *UpdateQueue) Signal() <-chan struct{} {
	return q.signal
}

func (q *UpdateQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
