package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/solarcrm/backend/internal/domain/record"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/solarcrm/backend/internal/infrastructure/cache"

// FlushConfig holds the flush loop settings
type FlushConfig struct {
	// Interval between periodic drains
	Interval time.Duration
	// BatchSize is the number of entries persisted concurrently
	BatchSize int
	// MaxRetries is how many times a failed update is re-armed before it is
	// dropped. MaxRetries=3 allows at most 4 persist attempts.
	MaxRetries int
	// PersistTimeout bounds one persist call. Zero means no bound.
	PersistTimeout time.Duration
}

// DefaultFlushConfig returns the default flush settings
func DefaultFlushConfig() FlushConfig {
	return FlushConfig{
		Interval:   time.Second,
		BatchSize:  5,
		MaxRetries: 3,
	}
}

func (c FlushConfig) normalized() FlushConfig {
	def := DefaultFlushConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.PersistTimeout < 0 {
		c.PersistTimeout = 0
	}
	return c
}

// DrainResult summarizes one drain pass
type DrainResult struct {
	Attempted int `json:"attempted"`
	Persisted int `json:"persisted"`
	Retried   int `json:"retried"`
	Dropped   int `json:"dropped"`
	Skipped   int `json:"skipped"`
	// Interrupted counts attempts cut short by a stop deadline; they stay pending
	Interrupted int           `json:"interrupted"`
	Duration    time.Duration `json:"duration"`
}

// FlushStats is a point-in-time view of the flush loop
type FlushStats struct {
	Running     bool      `json:"running"`
	Draining    bool      `json:"draining"`
	Pending     int       `json:"pending"`
	Drains      int64     `json:"drains"`
	Persisted   int64     `json:"persisted"`
	Retried     int64     `json:"retried"`
	Dropped     int64     `json:"dropped"`
	Skipped     int64     `json:"skipped"`
	LastDrainAt time.Time `json:"last_drain_at,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
}

// FlushObserver receives flush loop events. Implementations must not block.
type FlushObserver interface {
	OnPersisted(ctx context.Context, id string, attempt int)
	OnRetry(ctx context.Context, id string, attempt int, err error)
	OnLostUpdate(ctx context.Context, lost record.LostUpdate)
	OnDrain(ctx context.Context, result DrainResult)
}

// NopObserver implements FlushObserver with no-ops. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) OnPersisted(context.Context, string, int)        {}
func (NopObserver) OnRetry(context.Context, string, int, error)     {}
func (NopObserver) OnLostUpdate(context.Context, record.LostUpdate) {}
func (NopObserver) OnDrain(context.Context, DrainResult)            {}

// FlushLoop drains the UpdateQueue of an EntityCache into a Persister, on a
// timer and whenever new updates are enqueued.
type FlushLoop struct {
	cache     *EntityCache
	queue     *UpdateQueue
	persister record.Persister
	config    FlushConfig
	logger    *zap.Logger
	tracer    trace.Tracer
	observers []FlushObserver

	// drainMu guarantees a single drain at a time
	drainMu  sync.Mutex
	draining atomic.Bool
	running  atomic.Bool

	statsMu sync.Mutex
	stats   FlushStats

	// mu serializes Start and Stop
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// FlushLoopOption is a functional option for configuring the flush loop
type FlushLoopOption func(*FlushLoop)

// WithFlushConfig sets the flush settings
func WithFlushConfig(cfg FlushConfig) FlushLoopOption {
	return func(l *FlushLoop) {
		l.config = cfg
	}
}

// WithFlushLogger sets the logger for the flush loop
func WithFlushLogger(logger *zap.Logger) FlushLoopOption {
	return func(l *FlushLoop) {
		l.logger = logger
	}
}

// WithObserver registers an observer; may be given more than once
func WithObserver(o FlushObserver) FlushLoopOption {
	return func(l *FlushLoop) {
		if o != nil {
			l.observers = append(l.observers, o)
		}
	}
}

// WithTracer sets the tracer used for drain and persist spans
func WithTracer(tracer trace.Tracer) FlushLoopOption {
	return func(l *FlushLoop) {
		l.tracer = tracer
	}
}

// NewFlushLoop creates a flush loop for the cache's queue
func NewFlushLoop(cache *EntityCache, persister record.Persister, opts ...FlushLoopOption) *FlushLoop {
	l := &FlushLoop{
		cache:     cache,
		queue:     cache.Queue(),
		persister: persister,
		config:    DefaultFlushConfig(),
		logger:    zap.NewNop(),
	}

	for _, opt := range opts {
		opt(l)
	}

	l.config = l.config.normalized()
	if l.tracer == nil {
		l.tracer = otel.Tracer(tracerName)
	}

	return l
}

// Config returns the effective flush settings
func (l *FlushLoop) Config() FlushConfig {
	return l.config
}

// Start begins the background loop. Calling Start on a running loop is a no-op.
func (l *FlushLoop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running.CompareAndSwap(false, true) {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	l.done = make(chan struct{})
	go l.run(ctx, l.done)

	l.logger.Info("Write-back flush loop started",
		zap.Duration("interval", l.config.Interval),
		zap.Int("batch_size", l.config.BatchSize),
		zap.Int("max_retries", l.config.MaxRetries),
	)

	return nil
}

// Stop halts the background loop and runs one last drain bounded by ctx.
// Persist calls of that drain see ctx; when it expires Stop returns ctx.Err()
// and whatever was not written stays pending.
func (l *FlushLoop) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running.CompareAndSwap(true, false) {
		return nil
	}
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}

	select {
	case <-l.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	final := make(chan DrainResult, 1)
	go func() {
		final <- l.drain(ctx, true)
	}()

	select {
	case result := <-final:
		l.logger.Info("Write-back flush loop stopped",
			zap.Int("final_persisted", result.Persisted),
			zap.Int("pending", l.queue.Len()),
		)
		return ctx.Err()
	case <-ctx.Done():
		l.logger.Warn("Final drain did not finish before the stop deadline",
			zap.Int("pending", l.queue.Len()),
		)
		return ctx.Err()
	}
}

func (l *FlushLoop) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Drain(ctx)
		case <-l.queue.Signal():
			l.Drain(ctx)
		}
	}
}

// Drain persists a snapshot of the queue. Batches run one after another; the
// entries of a batch run concurrently and one failing does not affect the
// others. Failed entries are re-armed for the next drain until MaxRetries is
// exhausted, then dropped and reported as lost. Persist calls started here are
// not interrupted when ctx is cancelled.
func (l *FlushLoop) Drain(ctx context.Context) DrainResult {
	return l.drain(ctx, false)
}

// drain runs one drain. With bounded set the persist calls inherit ctx, and an
// attempt cut short by ctx is re-armed without using up a retry.
func (l *FlushLoop) drain(ctx context.Context, bounded bool) DrainResult {
	l.drainMu.Lock()
	defer l.drainMu.Unlock()

	l.draining.Store(true)
	defer l.draining.Store(false)

	start := time.Now()
	entries := l.queue.snapshot()
	result := DrainResult{}
	if len(entries) == 0 {
		return result
	}

	ctx, span := l.tracer.Start(ctx, "writeback.drain",
		trace.WithAttributes(attribute.Int("writeback.entries", len(entries))))
	defer span.End()

	persistCtx := ctx
	if !bounded {
		persistCtx = context.WithoutCancel(ctx)
	}

	for from := 0; from < len(entries); from += l.config.BatchSize {
		batch := entries[from:min(from+l.config.BatchSize, len(entries))]
		errs := make([]error, len(batch))
		skipped := make([]bool, len(batch))

		var g errgroup.Group
		for i, p := range batch {
			if !l.cache.Has(p.ID) {
				skipped[i] = true
				continue
			}
			g.Go(func() error {
				errs[i] = l.attempt(persistCtx, p)
				return nil
			})
		}
		_ = g.Wait()

		for i, p := range batch {
			if skipped[i] {
				l.queue.release(p.ID)
				result.Skipped++
				l.logger.Debug("Skipping update for record no longer cached", zap.String("id", p.ID))
				continue
			}
			result.Attempted++
			if errs[i] != nil && bounded && persistCtx.Err() != nil {
				l.queue.requeue(p)
				result.Interrupted++
				continue
			}
			l.settle(ctx, p, errs[i], &result)
		}
	}

	result.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("writeback.persisted", result.Persisted),
		attribute.Int("writeback.retried", result.Retried),
		attribute.Int("writeback.dropped", result.Dropped),
	)
	if result.Retried > 0 || result.Dropped > 0 {
		span.SetStatus(codes.Error, "some updates failed")
	}

	l.recordDrain(result)
	for _, o := range l.observers {
		o.OnDrain(ctx, result)
	}

	l.logger.Debug("Write-back drain finished",
		zap.Int("attempted", result.Attempted),
		zap.Int("persisted", result.Persisted),
		zap.Int("retried", result.Retried),
		zap.Int("dropped", result.Dropped),
		zap.Int("skipped", result.Skipped),
		zap.Int("interrupted", result.Interrupted),
		zap.Duration("duration", result.Duration),
	)

	return result
}

// attempt runs one persist call. A panic in the persister counts as a failure.
func (l *FlushLoop) attempt(ctx context.Context, p *PendingUpdate) (err error) {
	ctx, span := l.tracer.Start(ctx, "writeback.persist", trace.WithAttributes(
		attribute.String("record.id", p.ID),
		attribute.Int("writeback.attempt", p.RetryCount+1),
		attribute.StringSlice("writeback.fields", p.Changes.Keys()),
	))
	defer span.End()

	if l.config.PersistTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.config.PersistTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("persist panicked: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	return l.persister.Persist(ctx, p.ID, p.Changes)
}

func (l *FlushLoop) settle(ctx context.Context, p *PendingUpdate, err error, result *DrainResult) {
	attempt := p.RetryCount + 1

	if err == nil {
		l.queue.release(p.ID)
		result.Persisted++
		for _, o := range l.observers {
			o.OnPersisted(ctx, p.ID, attempt)
		}
		return
	}

	p.RetryCount = attempt
	p.LastError = err.Error()
	permanent := record.IsPermanent(err)

	l.statsMu.Lock()
	l.stats.LastError = p.LastError
	l.statsMu.Unlock()

	if !permanent && p.RetryCount <= l.config.MaxRetries && l.cache.Has(p.ID) {
		l.queue.requeue(p)
		result.Retried++
		l.logger.Warn("Persist failed, will retry",
			zap.String("id", p.ID),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", l.config.MaxRetries),
			zap.Error(err),
		)
		for _, o := range l.observers {
			o.OnRetry(ctx, p.ID, attempt, err)
		}
		return
	}

	l.queue.release(p.ID)
	if !l.cache.Has(p.ID) {
		result.Skipped++
		return
	}

	result.Dropped++
	lost := record.LostUpdate{
		ID:        p.ID,
		Changes:   p.Changes,
		Attempts:  attempt,
		LastError: p.LastError,
		Permanent: permanent,
		DroppedAt: time.Now(),
	}
	l.logger.Error("Update dropped after final persist attempt, cache and store now disagree",
		zap.String("id", p.ID),
		zap.Strings("fields", p.Changes.Keys()),
		zap.Int("attempts", attempt),
		zap.Bool("permanent", permanent),
		zap.Error(err),
	)
	for _, o := range l.observers {
		o.OnLostUpdate(ctx, lost)
	}
}

func (l *FlushLoop) recordDrain(result DrainResult) {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()

	l.stats.Drains++
	l.stats.Persisted += int64(result.Persisted)
	l.stats.Retried += int64(result.Retried)
	l.stats.Dropped += int64(result.Dropped)
	l.stats.Skipped += int64(result.Skipped)
	l.stats.LastDrainAt = time.Now()
}

// Stats returns a snapshot of the loop counters
func (l *FlushLoop) Stats() FlushStats {
	l.statsMu.Lock()
	stats := l.stats
	l.statsMu.Unlock()

	stats.Running = l.running.Load()
	stats.Draining = l.draining.Load()
	stats.Pending = l.queue.Len()
	return stats
}
