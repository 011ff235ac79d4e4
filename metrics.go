package crawlqueue

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/VsevolodSauta/crawlqueue"

// DeadLetterEvent describes an item dropped to the dead-letter list.
type DeadLetterEvent struct {
	JobID    string
	ItemID   string
	Attempts int
	Reason   string
	Err      error // ErrMaxRetriesExceeded, *SerializationError, or the consumer's failure
	At       time.Time
}

// DeadLetterHook observes dead-letter events. It must not block.
type DeadLetterHook func(ctx context.Context, ev DeadLetterEvent)

// MetricsSnapshot is a point-in-time copy of the in-process counters.
type MetricsSnapshot struct {
	Enqueued     int64
	Leased       int64
	Acked        int64
	Reclaimed    int64
	DeadLettered int64
	Duplicates   int64
	Released     int64
	Requeued     int64
}

// Metrics counts queue events into OpenTelemetry counters and local atomics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	attrs metric.MeasurementOption
	hook  DeadLetterHook

	enqueuedCount     metric.Int64Counter
	leasedCount       metric.Int64Counter
	ackedCount        metric.Int64Counter
	reclaimedCount    metric.Int64Counter
	deadLetteredCount metric.Int64Counter
	duplicatesCount   metric.Int64Counter
	releasedCount     metric.Int64Counter
	requeuedCount     metric.Int64Counter

	enqueued     atomic.Int64
	leased       atomic.Int64
	acked        atomic.Int64
	reclaimed    atomic.Int64
	deadLettered atomic.Int64
	duplicates   atomic.Int64
	released     atomic.Int64
	requeued     atomic.Int64
}

// NewMetrics creates counters on provider, or on the global provider when nil.
func NewMetrics(provider metric.MeterProvider, jobID string, hook DeadLetterHook, logger *slog.Logger) *Metrics {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)
	m := &Metrics{
		attrs: metric.WithAttributes(attribute.String("crawlqueue.job", jobID)),
		hook:  hook,
	}
	m.enqueuedCount = newCounter(meter, logger, "crawlqueue.items.enqueued", "Items accepted into the queue")
	m.leasedCount = newCounter(meter, logger, "crawlqueue.items.leased", "Items checked out under a lease")
	m.ackedCount = newCounter(meter, logger, "crawlqueue.items.acked", "Items acknowledged")
	m.reclaimedCount = newCounter(meter, logger, "crawlqueue.items.reclaimed", "Expired leases reclaimed")
	m.deadLetteredCount = newCounter(meter, logger, "crawlqueue.items.dead_lettered", "Items dropped to dead-letter")
	m.duplicatesCount = newCounter(meter, logger, "crawlqueue.items.duplicates", "Duplicate items suppressed")
	m.releasedCount = newCounter(meter, logger, "crawlqueue.items.released", "Leases released without an attempt")
	m.requeuedCount = newCounter(meter, logger, "crawlqueue.items.requeued", "Failed items requeued for retry")
	return m
}

func newCounter(meter metric.Meter, logger *slog.Logger, name, description string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(description))
	logMetricInitError(logger, name, err)
	return c
}

func logMetricInitError(logger *slog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("metric init failed", "name", name, "error", err)
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func (m *Metrics) add(ctx context.Context, c metric.Int64Counter, local *atomic.Int64, n int64) {
	if n == 0 {
		return
	}
	local.Add(n)
	if c != nil {
		c.Add(metricContext(ctx), n, m.attrs)
	}
}

func (m *Metrics) recordEnqueued(ctx context.Context) {
	if m == nil {
		return
	}
	m.add(ctx, m.enqueuedCount, &m.enqueued, 1)
}

func (m *Metrics) recordLeased(ctx context.Context) {
	if m == nil {
		return
	}
	m.add(ctx, m.leasedCount, &m.leased, 1)
}

func (m *Metrics) recordAcked(ctx context.Context) {
	if m == nil {
		return
	}
	m.add(ctx, m.ackedCount, &m.acked, 1)
}

func (m *Metrics) recordReclaimed(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.add(ctx, m.reclaimedCount, &m.reclaimed, int64(n))
}

func (m *Metrics) recordDuplicate(ctx context.Context) {
	if m == nil {
		return
	}
	m.add(ctx, m.duplicatesCount, &m.duplicates, 1)
}

func (m *Metrics) recordReleased(ctx context.Context) {
	if m == nil {
		return
	}
	m.add(ctx, m.releasedCount, &m.released, 1)
}

func (m *Metrics) recordRequeued(ctx context.Context) {
	if m == nil {
		return
	}
	m.add(ctx, m.requeuedCount, &m.requeued, 1)
}

func (m *Metrics) recordDeadLetter(ctx context.Context, ev DeadLetterEvent) {
	if m == nil {
		return
	}
	m.add(ctx, m.deadLetteredCount, &m.deadLettered, 1)
	if m.hook != nil {
		m.hook(metricContext(ctx), ev)
	}
}

// Snapshot returns the current in-process counts.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	return MetricsSnapshot{
		Enqueued:     m.enqueued.Load(),
		Leased:       m.leased.Load(),
		Acked:        m.acked.Load(),
		Reclaimed:    m.reclaimed.Load(),
		DeadLettered: m.deadLettered.Load(),
		Duplicates:   m.duplicates.Load(),
		Released:     m.released.Load(),
		Requeued:     m.requeued.Load(),
	}
}
