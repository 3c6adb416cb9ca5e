package cache

import (
	"fmt"
	"strings"
	"sync"

	"github.com/solarcrm/backend/internal/domain/record"
	"github.com/solarcrm/backend/internal/domain/shared"
	"go.uber.org/zap"
)

// LoadPolicy decides what a bulk load does with records that still have an
// unflushed local update.
type LoadPolicy string

const (
	// LoadPolicyRebase takes the loaded record and re-applies the in-flight and
	// pending changes on top
	LoadPolicyRebase LoadPolicy = "rebase"
	// LoadPolicyKeep leaves records with a pending or in-flight update untouched
	LoadPolicyKeep LoadPolicy = "keep"
	// LoadPolicyOverwrite lets the loaded record win and discards the pending
	// update. Changes already being written stay applied.
	LoadPolicyOverwrite LoadPolicy = "overwrite"
)

// ParseLoadPolicy converts a configuration string to a LoadPolicy
func ParseLoadPolicy(s string) (LoadPolicy, error) {
	switch p := LoadPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case LoadPolicyRebase, LoadPolicyKeep, LoadPolicyOverwrite:
		return p, nil
	case "":
		return LoadPolicyRebase, nil
	default:
		return "", fmt.Errorf("unknown load policy %q (want rebase, keep or overwrite)", s)
	}
}

// LoadResult summarizes a bulk load
type LoadResult struct {
	Loaded    int `json:"loaded"`
	Rebased   int `json:"rebased"`
	Kept      int `json:"kept"`
	Discarded int `json:"discarded"`
	Evicted   int `json:"evicted"`
	Invalid   int `json:"invalid"`
}

// EntityCache is the in-memory view of every loaded record. It is what the UI
// renders; updates are applied here synchronously and handed to the UpdateQueue
// for background persistence.
type EntityCache struct {
	mu      sync.RWMutex
	entries map[string]record.Fields
	order   []string
	queue   *UpdateQueue
	logger  *zap.Logger
}

// EntityCacheOption is a functional option for configuring the cache
type EntityCacheOption func(*EntityCache)

// WithCacheLogger sets the logger for the cache
func WithCacheLogger(logger *zap.Logger) EntityCacheOption {
	return func(c *EntityCache) {
		c.logger = logger
	}
}

// WithQueue makes the cache record updates into an existing queue
func WithQueue(queue *UpdateQueue) EntityCacheOption {
	return func(c *EntityCache) {
		c.queue = queue
	}
}

// NewEntityCache creates an empty cache with its own UpdateQueue unless one is supplied
func NewEntityCache(opts ...EntityCacheOption) *EntityCache {
	c := &EntityCache{
		entries: make(map[string]record.Fields),
		logger:  zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.queue == nil {
		c.queue = NewUpdateQueue()
	}

	return c
}

// Queue returns the queue receiving this cache's updates
func (c *EntityCache) Queue() *UpdateQueue {
	return c.queue
}

// Load seeds the cache with full records, overwriting entries with the same id.
// Records that still have a pending or in-flight update are handled according
// to policy.
func (c *EntityCache) Load(records []record.Record, policy LoadPolicy) LoadResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	var result LoadResult
	c.loadLocked(records, policy, &result)
	return result
}

// Replace is a full reload: it loads records and evicts cached ids missing from
// the batch. Ids with a pending or in-flight update survive unless policy is
// overwrite.
func (c *EntityCache) Replace(records []record.Record, policy LoadPolicy) LoadResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	incoming := make(map[string]struct{}, len(records))
	for _, rec := range records {
		incoming[rec.ID] = struct{}{}
	}

	var result LoadResult
	kept := c.order[:0:0]
	for _, id := range c.order {
		if _, ok := incoming[id]; ok {
			kept = append(kept, id)
			continue
		}
		if _, unsettled := c.queue.unsettled(id); unsettled && policy != LoadPolicyOverwrite {
			kept = append(kept, id)
			result.Kept++
			continue
		}
		delete(c.entries, id)
		c.queue.Discard(id)
		result.Evicted++
	}
	c.order = kept

	c.loadLocked(records, policy, &result)
	return result
}

func (c *EntityCache) loadLocked(records []record.Record, policy LoadPolicy, result *LoadResult) {
	for _, rec := range records {
		if rec.ID == "" {
			result.Invalid++
			c.logger.Warn("Skipping record without id during load")
			continue
		}

		fields := rec.Clone().Fields
		if fields == nil {
			fields = make(record.Fields)
		}
		if local, unsettled := c.queue.unsettled(rec.ID); unsettled {
			switch policy {
			case LoadPolicyKeep:
				if _, cached := c.entries[rec.ID]; cached {
					result.Kept++
					continue
				}
				fields.Merge(local)
				result.Rebased++
			case LoadPolicyOverwrite:
				// a write already handed to the store cannot be withdrawn
				if inflight, flying := c.queue.InFlight(rec.ID); flying {
					fields.Merge(inflight)
				}
				if pending, ok := c.queue.Pending(rec.ID); ok {
					c.queue.Discard(rec.ID)
					result.Discarded++
					c.logger.Warn("Discarded unflushed update on reload",
						zap.String("id", rec.ID),
						zap.Strings("fields", pending.Changes.Keys()))
				}
			default:
				fields.Merge(local)
				result.Rebased++
			}
		}

		c.putLocked(rec.ID, fields)
		result.Loaded++
	}
}

func (c *EntityCache) putLocked(id string, fields record.Fields) {
	if _, exists := c.entries[id]; !exists {
		c.order = append(c.order, id)
	}
	c.entries[id] = fields
}

// Get returns a copy of the cached record
func (c *EntityCache) Get(id string) (record.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	fields, ok := c.entries[id]
	if !ok {
		return record.Record{}, false
	}
	return record.Record{ID: id, Fields: fields.Clone()}, true
}

// Has reports whether id is cached
func (c *EntityCache) Has(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[id]
	return ok
}

// GetAll returns copies of every cached record in insertion order
func (c *EntityCache) GetAll() []record.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]record.Record, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, record.Record{ID: id, Fields: c.entries[id].Clone()})
	}
	return out
}

// Len returns the number of cached records
func (c *EntityCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Update applies changes onto the cached record field by field and returns the
// result. The same changes are merged into the UpdateQueue before the cache lock
// is released, so queue contents always follow call order.
func (c *EntityCache) Update(id string, changes record.Fields) (record.Record, error) {
	if _, ok := changes[record.IDField]; ok {
		return record.Record{}, shared.ErrInvalidInput.WithMessage("field %q cannot be updated", record.IDField)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	fields, ok := c.entries[id]
	if !ok {
		return record.Record{}, shared.ErrNotFound.WithMessage("record %q not found", id)
	}

	if len(changes) > 0 {
		applied := changes.Clone()
		fields.Merge(applied)
		c.queue.Enqueue(id, applied)
	}

	return record.Record{ID: id, Fields: fields.Clone()}, nil
}

// Add inserts a record that already exists in the remote store
func (c *EntityCache) Add(rec record.Record) error {
	if rec.ID == "" {
		return shared.ErrInvalidInput.WithMessage("record id is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[rec.ID]; exists {
		return shared.ErrAlreadyExists.WithMessage("record %q already cached", rec.ID)
	}
	c.putLocked(rec.ID, rec.Clone().Fields)
	return nil
}

// Remove evicts id from the cache and drops its pending update
func (c *EntityCache) Remove(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[id]; !exists {
		return shared.ErrNotFound.WithMessage("record %q not found", id)
	}

	delete(c.entries, id)
	for i, cached := range c.order {
		if cached == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	if c.queue.Discard(id) {
		c.logger.Debug("Dropped pending update for removed record", zap.String("id", id))
	}
	return nil
}
