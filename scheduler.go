package crawlqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*schedulerOptions)

type schedulerOptions struct {
	now         func() time.Time
	provider    metric.MeterProvider
	hook        DeadLetterHook
	serializer  Serializer
	fingerprint FingerprintOptions
}

// WithSchedulerClock sets the time source for leases, fingerprints and retries.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(o *schedulerOptions) { o.now = now }
}

// WithMeterProvider sets the OpenTelemetry meter provider for queue counters.
func WithMeterProvider(p metric.MeterProvider) SchedulerOption {
	return func(o *schedulerOptions) { o.provider = p }
}

// WithDeadLetterHook registers a callback invoked for every dead-lettered item.
func WithDeadLetterHook(h DeadLetterHook) SchedulerOption {
	return func(o *schedulerOptions) { o.hook = h }
}

// WithItemSerializer overrides the serializer named in the config.
func WithItemSerializer(s Serializer) SchedulerOption {
	return func(o *schedulerOptions) { o.serializer = s }
}

// WithFingerprintOptions sets the options used by EnqueueRequest.
func WithFingerprintOptions(fo FingerprintOptions) SchedulerOption {
	return func(o *schedulerOptions) { o.fingerprint = fo }
}

// Scheduler is the crawl-facing facade: duplicate filtering on enqueue,
// leased checkout with an idle wait, and the retry and reclaim paths.
type Scheduler struct {
	cfg     *Config
	backend Backend
	keys    Keys
	queue   *LeasedQueue
	filter  *FingerprintFilter
	metrics *Metrics
	logger  *slog.Logger
	opts    schedulerOptions

	mu       sync.Mutex
	strategy *PopStrategy
	closed   bool
}

// NewScheduler creates a scheduler for the job resolved from cfg. The
// scheduler does not own backend; Close leaves it open.
func NewScheduler(backend Backend, cfg *Config, logger *slog.Logger, opts ...SchedulerOption) (*Scheduler, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := schedulerOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	serializer := o.serializer
	if serializer == nil {
		var err error
		if serializer, err = SerializerByName(cfg.Serializer, logger); err != nil {
			return nil, err
		}
	}

	jobID := ResolveJobID(cfg.JobScoping, cfg.JobID)
	keys := NewNamespace(jobID).Keys(cfg.QueueKey)
	metrics := NewMetrics(o.provider, jobID, o.hook, logger)

	queue := NewLeasedQueue(backend, keys, logger,
		WithSerializer(serializer),
		WithClock(o.now),
		WithMetrics(metrics),
		WithBackendRetries(cfg.BackendRetries),
		WithRetryPolicy(cfg.RetryPolicy()),
		WithReclaimBatch(cfg.ReclaimBatch),
	)
	filter := NewFingerprintFilter(backend, keys, cfg.DedupeTTL(), logger)
	filter.now = o.now
	filter.metrics = metrics
	filter.retries = cfg.BackendRetries

	return &Scheduler{
		cfg:     cfg,
		backend: backend,
		keys:    keys,
		queue:   queue,
		filter:  filter,
		metrics: metrics,
		logger:  logger,
		opts:    o,
	}, nil
}

// JobID returns the resolved job id; empty when the queue is unscoped.
func (s *Scheduler) JobID() string { return s.keys.JobID }

// Keys returns the scoped keys of the job.
func (s *Scheduler) Keys() Keys { return s.keys }

// Metrics returns the scheduler's counters.
func (s *Scheduler) Metrics() *Metrics { return s.metrics }

// Queue returns the underlying leased queue.
func (s *Scheduler) Queue() *LeasedQueue { return s.queue }

// Open resolves the blocking strategy and either clears the queue
// (flush_on_start) or logs how much work is being resumed.
func (s *Scheduler) Open(ctx context.Context) error {
	if _, err := s.popStrategy(ctx); err != nil {
		return err
	}
	if s.cfg.FlushOnStart {
		return s.Flush(ctx)
	}
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return fmt.Errorf("read queue stats: %w", err)
	}
	if stats.Total() > 0 {
		s.logger.Info("resuming crawl",
			"pending", stats.Pending,
			"delayed", stats.Delayed,
			"processing", stats.Processing,
			"deadLettered", stats.DeadLettered)
	}
	return nil
}

func (s *Scheduler) popStrategy(ctx context.Context) (*PopStrategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrBackendClosed
	}
	if s.strategy != nil {
		return s.strategy, nil
	}
	mode, err := ParseBlockingMode(s.cfg.BlockingMode)
	if err != nil {
		return nil, err
	}
	strategy, err := NewPopStrategy(ctx, s.queue, mode, s.cfg.PollInterval, s.cfg.PollMaxInterval, s.logger)
	if err != nil {
		return nil, fmt.Errorf("resolve pop strategy: %w", err)
	}
	s.logger.Debug("pop strategy resolved", "mode", mode, "native", strategy.Native())
	s.strategy = strategy
	return strategy, nil
}

// Enqueue schedules item unless its fingerprint was seen within the dedupe
// window. Items with DontFilter set skip the check. It returns false for a
// suppressed duplicate.
func (s *Scheduler) Enqueue(ctx context.Context, item *WorkItem) (bool, error) {
	if item == nil {
		return false, fmt.Errorf("item is nil")
	}
	if item.JobID == "" {
		item.JobID = s.keys.JobID
	}
	if item.DontFilter {
		return s.queue.Push(ctx, item, item.Priority)
	}
	outcome, err := s.queue.PushUnique(ctx, item, item.Priority, s.cfg.DedupeTTL())
	if err != nil {
		return false, err
	}
	return outcome == PushAdded, nil
}

// Filter returns the fingerprint filter of the scheduler's job, for callers
// that want to mark a request as seen without queueing it.
func (s *Scheduler) Filter() *FingerprintFilter { return s.filter }

// EnqueueRequest fingerprints req and enqueues it with the given priority.
func (s *Scheduler) EnqueueRequest(ctx context.Context, req *Request, priority int, dontFilter bool) (bool, error) {
	item, err := NewRequestItem(s.keys.JobID, req, priority, s.opts.fingerprint)
	if err != nil {
		return false, err
	}
	item.DontFilter = dontFilter
	return s.Enqueue(ctx, item)
}

// Next leases the next item for workerID, waiting up to the configured idle
// timeout. It returns nil when no work arrived in time.
func (s *Scheduler) Next(ctx context.Context, workerID string) (*Delivery, error) {
	strategy, err := s.popStrategy(ctx)
	if err != nil {
		return nil, err
	}
	return strategy.WaitAndPop(ctx, workerID, s.cfg.LeaseDuration(), s.cfg.IdleTimeout)
}

// Ack completes a delivery.
func (s *Scheduler) Ack(ctx context.Context, lease *Lease) (bool, error) {
	return s.queue.Ack(ctx, lease)
}

// Fail reports a processing failure for a delivery.
func (s *Scheduler) Fail(ctx context.Context, d *Delivery, cause error) (Decision, bool, error) {
	return s.queue.Fail(ctx, d, cause)
}

// Release gives a delivery back without counting an attempt.
func (s *Scheduler) Release(ctx context.Context, lease *Lease) (bool, error) {
	return s.queue.Release(ctx, lease)
}

// Extend renews a lease for another lease period.
func (s *Scheduler) Extend(ctx context.Context, lease *Lease) (bool, error) {
	return s.queue.Extend(ctx, lease, s.cfg.LeaseDuration())
}

// ReclaimExpired recovers leases that expired before the current time.
func (s *Scheduler) ReclaimExpired(ctx context.Context) (int, error) {
	return s.queue.ReclaimExpired(ctx, s.opts.now())
}

// Stats returns the size of each collection.
func (s *Scheduler) Stats(ctx context.Context) (*QueueStats, error) {
	return s.queue.Stats(ctx)
}

// Len returns the number of items waiting to be leased.
func (s *Scheduler) Len(ctx context.Context) (int64, error) {
	return s.queue.Len(ctx)
}

// DeadLetters returns up to limit dead-letter records, oldest first.
func (s *Scheduler) DeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	return s.queue.DeadLetters(ctx, limit)
}

// Flush clears the queue, its fingerprints and its dead letters.
func (s *Scheduler) Flush(ctx context.Context) error {
	if err := s.queue.Clear(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	s.logger.Info("queue flushed")
	return nil
}

// Close stops the scheduler and clears the queue unless persist is set.
// Calling Close more than once is a no-op.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.cfg.Persist {
		return nil
	}
	if err := s.queue.Clear(ctx); err != nil && !errors.Is(err, ErrBackendClosed) {
		return fmt.Errorf("flush on close: %w", err)
	}
	return nil
}
