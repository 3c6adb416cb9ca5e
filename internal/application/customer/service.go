// Package customer is the application service the HTTP layer talks to. Reads
// and edits are served from the write-back cache; creates and deletes go to
// the remote store first.
package customer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/solarcrm/backend/internal/domain/customer"
	"github.com/solarcrm/backend/internal/domain/record"
	"github.com/solarcrm/backend/internal/domain/shared"
	"github.com/solarcrm/backend/internal/infrastructure/cache"
	"github.com/solarcrm/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// Service handles customer operations
type Service struct {
	store    record.Store
	entities *cache.EntityCache
	flush    *cache.FlushLoop
	schema   *customer.Schema
	lost     *cache.LostUpdateLog
	policy   cache.LoadPolicy
	logger   *zap.Logger
	newID    func() string
	now      func() time.Time

	// reloadMu serializes reloads; mu guards lastReload
	reloadMu   sync.Mutex
	mu         sync.Mutex
	lastReload *ReloadResult
}

// Option is a functional option for configuring the service
type Option func(*Service)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithLoadPolicy sets how a reload treats records with unflushed edits
func WithLoadPolicy(policy cache.LoadPolicy) Option {
	return func(s *Service) {
		s.policy = policy
	}
}

// WithLostUpdateLog exposes lost updates through SyncStatus
func WithLostUpdateLog(log *cache.LostUpdateLog) Option {
	return func(s *Service) {
		s.lost = log
	}
}

// WithIDGenerator overrides how ids are assigned to new customers
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) {
		s.newID = gen
	}
}

// NewService creates a customer service. flush must drain entities' queue.
func NewService(store record.Store, entities *cache.EntityCache, flush *cache.FlushLoop, schema *customer.Schema, opts ...Option) *Service {
	s := &Service{
		store:    store,
		entities: entities,
		flush:    flush,
		schema:   schema,
		policy:   cache.LoadPolicyRebase,
		logger:   zap.NewNop(),
		newID:    func() string { return uuid.NewString() },
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reload replaces the cache contents with the remote store's. Records with
// unflushed edits follow the configured load policy.
func (s *Service) Reload(ctx context.Context) (cache.LoadResult, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "customer", "reload",
		telemetry.WithAttribute(telemetry.SpanAttrLoadPolicy, string(s.policy)))
	defer span.End()

	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	loaded, err := s.store.LoadAll(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return cache.LoadResult{}, fmt.Errorf("%w: %w", shared.ErrUnavailable, err)
	}

	records := make([]record.Record, 0, len(loaded))
	for _, rec := range loaded {
		records = append(records, s.schema.FromStore(rec))
	}

	result := s.entities.Replace(records, s.policy)
	s.mu.Lock()
	s.lastReload = &ReloadResult{LoadResult: result, At: s.now()}
	s.mu.Unlock()

	telemetry.SetAttributes(span, telemetry.SpanAttrRecordCount, result.Loaded)
	s.logger.Info("Customers reloaded",
		zap.Int("loaded", result.Loaded),
		zap.Int("rebased", result.Rebased),
		zap.Int("kept", result.Kept),
		zap.Int("discarded", result.Discarded),
		zap.Int("evicted", result.Evicted),
		zap.String("policy", string(s.policy)),
	)
	return result, nil
}

// List returns every cached customer in load order
func (s *Service) List() []record.Record {
	return s.entities.GetAll()
}

// Get returns one cached customer
func (s *Service) Get(id string) (record.Record, error) {
	rec, ok := s.entities.Get(id)
	if !ok {
		return record.Record{}, shared.ErrNotFound.WithMessage("customer %q not found", id)
	}
	return rec, nil
}

// Update validates raw, applies it to the cached customer and queues it for
// persistence. It never waits on the remote store.
func (s *Service) Update(ctx context.Context, id string, raw map[string]any) (record.Record, error) {
	_, span := telemetry.StartServiceSpan(ctx, "customer", "update",
		telemetry.WithAttribute(telemetry.SpanAttrCustomerID, id),
		telemetry.WithAttribute(telemetry.SpanAttrFieldCount, len(raw)))
	defer span.End()

	changes, err := s.schema.NormalizePatch(raw)
	if err != nil {
		telemetry.RecordError(span, err)
		return record.Record{}, err
	}

	rec, err := s.entities.Update(id, changes)
	if err != nil {
		telemetry.RecordError(span, err)
		return record.Record{}, err
	}
	return rec, nil
}

// Create validates raw, inserts it into the remote store and then caches it.
// A missing id is assigned.
func (s *Service) Create(ctx context.Context, raw map[string]any) (record.Record, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "customer", "create")
	defer span.End()

	rec, err := s.schema.NormalizeCreate(raw)
	if err != nil {
		telemetry.RecordError(span, err)
		return record.Record{}, err
	}
	if rec.ID == "" {
		rec.ID = s.newID()
	}
	telemetry.SetAttributes(span, telemetry.SpanAttrCustomerID, rec.ID)

	if s.entities.Has(rec.ID) {
		return record.Record{}, shared.ErrAlreadyExists.WithMessage("customer %q already exists", rec.ID)
	}

	if err := s.store.Create(ctx, rec); err != nil {
		telemetry.RecordError(span, err)
		return record.Record{}, storeError(err)
	}
	if err := s.entities.Add(rec); err != nil {
		// a concurrent reload picked the new row up already
		if errors.Is(err, shared.ErrAlreadyExists) {
			return s.Get(rec.ID)
		}
		return record.Record{}, err
	}

	s.logger.Info("Customer created", zap.String("id", rec.ID))
	return rec.Clone(), nil
}

// Delete removes the customer from the remote store and then from the cache,
// dropping any unflushed edit.
func (s *Service) Delete(ctx context.Context, id string) error {
	ctx, span := telemetry.StartServiceSpan(ctx, "customer", "delete",
		telemetry.WithAttribute(telemetry.SpanAttrCustomerID, id))
	defer span.End()

	storeErr := s.store.Delete(ctx, id)
	if storeErr != nil && !errors.Is(storeErr, shared.ErrNotFound) {
		telemetry.RecordError(span, storeErr)
		return storeError(storeErr)
	}

	// A row already gone remotely still has to leave the cache.
	removed := s.entities.Remove(id) == nil
	if storeErr != nil && !removed {
		return storeErr
	}

	s.logger.Info("Customer deleted", zap.String("id", id))
	return nil
}

// Flush drains the update queue now instead of waiting for the next tick
func (s *Service) Flush(ctx context.Context) cache.DrainResult {
	var result cache.DrainResult
	telemetry.WithProfilingLabels(ctx, telemetry.OperationLabels("flush"), func(ctx context.Context) {
		result = s.flush.Drain(ctx)
	})
	return result
}

// SyncStatus reports unflushed edits, flush counters and recent lost updates
func (s *Service) SyncStatus() SyncStatus {
	entries := s.entities.Queue().Entries()
	pending := make([]PendingEntry, 0, len(entries))
	for _, e := range entries {
		pending = append(pending, PendingEntry{
			ID:         e.ID,
			Changes:    e.Changes,
			RetryCount: e.RetryCount,
			LastError:  e.LastError,
		})
	}

	status := SyncStatus{
		Cached:      s.entities.Len(),
		Pending:     pending,
		Flush:       s.flush.Stats(),
		LostUpdates: []record.LostUpdate{},
	}
	if s.lost != nil {
		status.LostTotal = s.lost.Total()
		status.LostUpdates = s.lost.Recent()
	}

	s.mu.Lock()
	if s.lastReload != nil {
		last := *s.lastReload
		status.LastReload = &last
	}
	s.mu.Unlock()

	return status
}

// Ping checks that the remote store is reachable
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// storeError keeps domain errors as they are and marks anything else as the
// store being unavailable
func storeError(err error) error {
	var domainErr *shared.DomainError
	if errors.As(err, &domainErr) {
		return err
	}
	return fmt.Errorf("%w: %w", shared.ErrUnavailable, err)
}
