package telemetry

import (
	"context"
	"fmt"

	"github.com/solarcrm/backend/internal/domain/record"
	"github.com/solarcrm/backend/internal/infrastructure/cache"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of the write-back metrics
const MeterName = "solar-crm/writeback"

// QueueLengther reports the number of pending updates
type QueueLengther interface {
	Len() int
}

// WriteBackMetrics records flush loop activity as OpenTelemetry metrics.
// It implements cache.FlushObserver.
type WriteBackMetrics struct {
	cache.NopObserver

	persisted     *Counter
	retries       *Counter
	lostUpdates   *Counter
	drains        *Counter
	drainDuration *Histogram
	queueDepth    metric.Int64ObservableGauge
	registration  metric.Registration
}

// NewWriteBackMetrics creates the write-back instruments on meter. When queue
// is not nil its length is reported as an observable gauge.
func NewWriteBackMetrics(meter metric.Meter, queue QueueLengther) (*WriteBackMetrics, error) {
	m := &WriteBackMetrics{}
	var err error

	if m.persisted, err = NewCounter(meter, "writeback_persisted_total",
		"Updates written to the remote store", "{update}"); err != nil {
		return nil, err
	}
	if m.retries, err = NewCounter(meter, "writeback_retries_total",
		"Failed persist attempts that were requeued", "{attempt}"); err != nil {
		return nil, err
	}
	if m.lostUpdates, err = NewCounter(meter, "writeback_lost_updates_total",
		"Updates dropped without reaching the remote store", "{update}"); err != nil {
		return nil, err
	}
	if m.drains, err = NewCounter(meter, "writeback_drains_total",
		"Completed drain passes", "{drain}"); err != nil {
		return nil, err
	}
	if m.drainDuration, err = NewHistogram(meter, HistogramOpts{
		Name:        "writeback_drain_duration_seconds",
		Description: "Duration of a drain pass",
		Unit:        "s",
		Boundaries:  DrainDurationBuckets,
	}); err != nil {
		return nil, err
	}

	if queue != nil {
		m.queueDepth, err = meter.Int64ObservableGauge("writeback_queue_depth",
			metric.WithDescription("Records with unpersisted changes"),
			metric.WithUnit("{record}"),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create gauge writeback_queue_depth: %w", err)
		}
		m.registration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.queueDepth, int64(queue.Len()))
			return nil
		}, m.queueDepth)
		if err != nil {
			return nil, fmt.Errorf("failed to register queue depth callback: %w", err)
		}
	}

	return m, nil
}

func (m *WriteBackMetrics) OnPersisted(ctx context.Context, _ string, _ int) {
	m.persisted.Inc(ctx)
}

func (m *WriteBackMetrics) OnRetry(ctx context.Context, _ string, _ int, _ error) {
	m.retries.Inc(ctx)
}

func (m *WriteBackMetrics) OnLostUpdate(ctx context.Context, lost record.LostUpdate) {
	m.lostUpdates.Inc(ctx, AttrPermanent.Bool(lost.Permanent))
}

func (m *WriteBackMetrics) OnDrain(ctx context.Context, result cache.DrainResult) {
	outcome := "clean"
	switch {
	case result.Dropped > 0:
		outcome = "dropped"
	case result.Retried > 0:
		outcome = "retried"
	case result.Attempted == 0:
		outcome = "empty"
	}
	attrs := []attribute.KeyValue{AttrOutcome.String(outcome)}

	m.drains.Inc(ctx, attrs...)
	m.drainDuration.RecordDuration(ctx, result.Duration, attrs...)
}

// Unregister stops reporting the queue depth
func (m *WriteBackMetrics) Unregister() error {
	if m.registration == nil {
		return nil
	}
	return m.registration.Unregister()
}
