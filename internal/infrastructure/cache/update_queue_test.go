package cache

import (
	"testing"

	"github.com/solarcrm/backend/internal/domain/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateQueue_EnqueueCoalesces(t *testing.T) {
	q := NewUpdateQueue()

	q.Enqueue("c1", record.Fields{"module_count": 12})
	q.Enqueue("c1", record.Fields{"status": "quoted"})
	q.Enqueue("c1", record.Fields{"module_count": 14})

	assert.Equal(t, 1, q.Len())
	p, ok := q.Pending("c1")
	require.True(t, ok)
	assert.Equal(t, record.Fields{"module_count": 14, "status": "quoted"}, p.Changes)
	assert.Zero(t, p.RetryCount)
}

func TestUpdateQueue_EnqueueEmptyIsNoop(t *testing.T) {
	q := NewUpdateQueue()
	q.Enqueue("c1", record.Fields{})
	q.Enqueue("c1", nil)

	assert.Zero(t, q.Len())
	select {
	case <-q.Signal():
		t.Fatal("empty enqueue must not wake the flush loop")
	default:
	}
}

func TestUpdateQueue_EnqueueCopiesChanges(t *testing.T) {
	q := NewUpdateQueue()
	changes := record.Fields{"notes": "call back"}
	q.Enqueue("c1", changes)
	changes["notes"] = "mutated"

	p, _ := q.Pending("c1")
	assert.Equal(t, "call back", p.Changes["notes"])
}

func TestUpdateQueue_SignalIsCoalesced(t *testing.T) {
	q := NewUpdateQueue()

	// Many enqueues never block and leave exactly one wake-up
	for i := 0; i < 10; i++ {
		q.Enqueue("c1", record.Fields{"module_count": i})
	}

	select {
	case <-q.Signal():
	default:
		t.Fatal("expected a pending signal")
	}
	select {
	case <-q.Signal():
		t.Fatal("expected a single pending signal")
	default:
	}
}

func TestUpdateQueue_SnapshotDrainsInOrder(t *testing.T) {
	q := NewUpdateQueue()
	q.Enqueue("c2", record.Fields{"a": 1})
	q.Enqueue("c1", record.Fields{"a": 2})
	q.Enqueue("c2", record.Fields{"b": 3})

	snap := q.snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "c2", snap[0].ID)
	assert.Equal(t, "c1", snap[1].ID)
	assert.Zero(t, q.Len())
	assert.Nil(t, q.snapshot())

	// entries taken by a snapshot are no longer shared with the queue
	q.Enqueue("c2", record.Fields{"a": 9})
	assert.Equal(t, record.Fields{"a": 1, "b": 3}, snap[0].Changes)
}

func TestUpdateQueue_RequeueKeepsFresherValues(t *testing.T) {
	q := NewUpdateQueue()

	failed := &PendingUpdate{
		ID:         "c1",
		Changes:    record.Fields{"module_count": 12, "status": "quoted"},
		RetryCount: 1,
		LastError:  "timeout",
	}
	q.Enqueue("c1", record.Fields{"module_count": 14})
	q.requeue(failed)

	p, ok := q.Pending("c1")
	require.True(t, ok)
	assert.Equal(t, record.Fields{"module_count": 14, "status": "quoted"}, p.Changes)
	// folded fields keep the retries they already used
	assert.Equal(t, 1, p.RetryCount)
	assert.Equal(t, "timeout", p.LastError)
}

func TestUpdateQueue_EnqueueOntoRetryKeepsCount(t *testing.T) {
	q := NewUpdateQueue()
	q.requeue(&PendingUpdate{ID: "c1", Changes: record.Fields{"status": "quoted"}, RetryCount: 2})
	q.Enqueue("c1", record.Fields{"module_count": 14})

	p, ok := q.Pending("c1")
	require.True(t, ok)
	assert.Equal(t, record.Fields{"module_count": 14, "status": "quoted"}, p.Changes)
	assert.Equal(t, 2, p.RetryCount)
}

func TestUpdateQueue_InFlight(t *testing.T) {
	q := NewUpdateQueue()
	q.Enqueue("c1", record.Fields{"module_count": 12})
	q.Enqueue("c2", record.Fields{"module_count": 21})

	entries := q.snapshot()
	require.Len(t, entries, 2)
	assert.Zero(t, q.Len())

	changes, ok := q.InFlight("c1")
	require.True(t, ok)
	assert.Equal(t, record.Fields{"module_count": 12}, changes)

	// an edit made during the write is pending on top of the in-flight one
	q.Enqueue("c1", record.Fields{"status": "quoted"})
	local, ok := q.unsettled("c1")
	require.True(t, ok)
	assert.Equal(t, record.Fields{"module_count": 12, "status": "quoted"}, local)

	q.release("c1")
	_, ok = q.InFlight("c1")
	assert.False(t, ok)

	entries[1].RetryCount = 1
	q.requeue(entries[1])
	_, ok = q.InFlight("c2")
	assert.False(t, ok)
	_, ok = q.Pending("c2")
	assert.True(t, ok)

	_, ok = q.unsettled("c3")
	assert.False(t, ok)
}

func TestUpdateQueue_RequeueWithoutFreshEntry(t *testing.T) {
	q := NewUpdateQueue()
	q.requeue(&PendingUpdate{ID: "c1", Changes: record.Fields{"a": 1}, RetryCount: 2})

	p, ok := q.Pending("c1")
	require.True(t, ok)
	assert.Equal(t, 2, p.RetryCount)

	// requeue does not wake the flush loop
	select {
	case <-q.Signal():
		t.Fatal("requeue must not signal")
	default:
	}
}

func TestUpdateQueue_Discard(t *testing.T) {
	q := NewUpdateQueue()
	q.Enqueue("c1", record.Fields{"a": 1})
	q.Enqueue("c2", record.Fields{"a": 2})

	assert.True(t, q.Discard("c1"))
	assert.False(t, q.Discard("c1"))

	entries := q.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "c2", entries[0].ID)
}
