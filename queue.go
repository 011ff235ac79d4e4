package crawlqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// popLease bounds how long an item taken by PriorityQueue.Pop stays invisible
// if the process dies between checkout and removal.
const popLease = 30 * time.Second

// QueueOption configures a PriorityQueue or LeasedQueue.
type QueueOption func(*queueOptions)

type queueOptions struct {
	serializer   Serializer
	now          func() time.Time
	metrics      *Metrics
	retries      int
	policy       RetryPolicy
	reclaimBatch int
}

// WithSerializer sets the item serializer (default: JSONSerializer).
func WithSerializer(s Serializer) QueueOption {
	return func(o *queueOptions) { o.serializer = s }
}

// WithClock sets the time source used for every timestamp the queue writes.
func WithClock(now func() time.Time) QueueOption {
	return func(o *queueOptions) { o.now = now }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) QueueOption {
	return func(o *queueOptions) { o.metrics = m }
}

// WithBackendRetries sets how many times transient backend errors are retried.
func WithBackendRetries(n int) QueueOption {
	return func(o *queueOptions) { o.retries = n }
}

// WithRetryPolicy sets the failure policy used by Fail and ReclaimExpired.
func WithRetryPolicy(p RetryPolicy) QueueOption {
	return func(o *queueOptions) { o.policy = p }
}

// WithReclaimBatch bounds the leases claimed per ReclaimExpired call.
func WithReclaimBatch(n int) QueueOption {
	return func(o *queueOptions) { o.reclaimBatch = n }
}

func defaultQueueOptions() queueOptions {
	return queueOptions{
		serializer: JSONSerializer{},
		now:        time.Now,
		retries:    3,
		policy: RetryPolicy{
			Enabled:    true,
			MaxRetries: 5,
			BaseDelay:  time.Second,
			MaxDelay:   5 * time.Minute,
		},
		reclaimBatch: 100,
	}
}

// PriorityQueue is a per-job queue ordered by priority, then insertion order.
type PriorityQueue struct {
	backend Backend
	keys    Keys
	logger  *slog.Logger
	opts    queueOptions
}

// NewPriorityQueue creates a queue over the collections named by keys.
func NewPriorityQueue(backend Backend, keys Keys, logger *slog.Logger, opts ...QueueOption) *PriorityQueue {
	o := defaultQueueOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PriorityQueue{backend: backend, keys: keys, logger: logger, opts: o}
}

// Keys returns the scoped keys of the queue.
func (q *PriorityQueue) Keys() Keys { return q.keys }

func (q *PriorityQueue) now() time.Time { return q.opts.now().UTC() }

// Push stores item with the given priority. It returns false when an item
// with the same id is already live in the queue.
func (q *PriorityQueue) Push(ctx context.Context, item *WorkItem, priority int) (bool, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return false, err
	}
	rec, err := q.encode(item, priority)
	if err != nil {
		return false, err
	}
	now := q.now()
	added, err := withTransientRetry(ctx, q.opts.retries, func() (bool, error) {
		return q.backend.Push(ctx, q.keys, rec, now)
	})
	if err != nil {
		return false, fmt.Errorf("push %s: %w", item.ID, err)
	}
	if !added {
		q.logger.Debug("Push: item already queued", "itemID", item.ID, "job", q.keys.JobID)
		return false, nil
	}
	q.logger.Debug("Push", "itemID", item.ID, "priority", priority, "job", q.keys.JobID)
	q.opts.metrics.recordEnqueued(ctx)
	return true, nil
}

// PushUnique records the item's fingerprint for ttl and pushes it in a single
// backend step. When the push fails nothing is recorded, so a retry of the
// same item is not mistaken for a duplicate.
func (q *PriorityQueue) PushUnique(ctx context.Context, item *WorkItem, priority int, ttl time.Duration) (PushOutcome, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return PushDuplicate, err
	}
	rec, err := q.encode(item, priority)
	if err != nil {
		return PushDuplicate, err
	}
	fp := Fingerprint{Hash: item.ID, JobID: q.keys.JobID, CreatedAt: q.now(), TTL: ttl}
	outcome, err := withTransientRetry(ctx, q.opts.retries, func() (PushOutcome, error) {
		return q.backend.PushUnique(ctx, q.keys, rec, fp)
	})
	if err != nil {
		return PushDuplicate, fmt.Errorf("push %s: %w", item.ID, err)
	}
	switch outcome {
	case PushAdded:
		q.logger.Debug("Push", "itemID", item.ID, "priority", priority, "job", q.keys.JobID)
		q.opts.metrics.recordEnqueued(ctx)
	case PushDuplicate:
		q.logger.Debug("duplicate item filtered", "itemID", item.ID, "job", fp.JobID, "windowEnds", fp.ExpiresAt())
		q.opts.metrics.recordDuplicate(ctx)
	case PushQueued:
		q.logger.Debug("Push: item already queued", "itemID", item.ID, "job", q.keys.JobID)
	}
	return outcome, nil
}

// encode stamps item with priority and serializes it into a backend record.
func (q *PriorityQueue) encode(item *WorkItem, priority int) (Record, error) {
	if item == nil {
		return Record{}, fmt.Errorf("item is nil")
	}
	if item.ID == "" {
		return Record{}, fmt.Errorf("item ID is empty")
	}
	item.Priority = priority
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = q.now()
	}
	data, err := q.opts.serializer.Encode(item)
	if err != nil {
		return Record{}, err
	}
	return Record{ID: item.ID, Priority: priority, Data: data, Attempts: item.AttemptCount}, nil
}

// Pop removes and returns the best item, or nil when the queue is empty.
func (q *PriorityQueue) Pop(ctx context.Context) (*WorkItem, error) {
	d, err := q.checkout(ctx, "pop", popLease)
	if err != nil || d == nil {
		return nil, err
	}
	if _, err := q.ack(ctx, d.Lease); err != nil {
		return nil, err
	}
	return d.Item, nil
}

// checkout leases the best item. Entries that fail to decode are
// dead-lettered and the checkout moves on to the next one.
func (q *PriorityQueue) checkout(ctx context.Context, workerID string, leaseFor time.Duration) (*Delivery, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return nil, err
	}
	for {
		now := q.now()
		token := newLeaseToken(workerID)
		req := LeaseRequest{Token: token, Now: now, ExpiresAt: now.Add(leaseFor)}
		rec, err := withTransientRetry(ctx, q.opts.retries, func() (*Record, error) {
			return q.backend.PopAndLease(ctx, q.keys, req)
		})
		if err != nil {
			return nil, fmt.Errorf("pop and lease: %w", err)
		}
		if rec == nil {
			return nil, nil
		}

		item, err := q.decode(rec)
		if err != nil {
			q.logger.Error("undecodable item routed to dead-letter", "itemID", rec.ID, "job", q.keys.JobID, "error", err)
			if buryErr := q.bury(ctx, rec.ID, token, rec.Attempts, err); buryErr != nil {
				return nil, buryErr
			}
			continue
		}
		q.opts.metrics.recordLeased(ctx)
		q.logger.Debug("PopAndLease", "itemID", item.ID, "workerID", workerID, "expiresAt", req.ExpiresAt)
		return &Delivery{Item: item, Lease: newLease(rec, workerID, token, now, req.ExpiresAt)}, nil
	}
}

func (q *PriorityQueue) decode(rec *Record) (*WorkItem, error) {
	item, err := q.opts.serializer.Decode(rec.Data)
	if err != nil {
		var serr *SerializationError
		if errors.As(err, &serr) && serr.ItemID == "" {
			serr.ItemID = rec.ID
		}
		return nil, err
	}
	item.ID = rec.ID
	item.Priority = rec.Priority
	item.AttemptCount = rec.Attempts
	return item, nil
}

// bury dead-letters an owned item and reports the drop.
func (q *PriorityQueue) bury(ctx context.Context, id, token string, attempts int, cause error) error {
	now := q.now()
	req := DeadLetterRequest{ID: id, Token: token, Attempts: attempts, Reason: cause.Error(), Now: now}
	ok, err := withTransientRetry(ctx, q.opts.retries, func() (bool, error) {
		return q.backend.DeadLetter(ctx, q.keys, req)
	})
	if err != nil {
		return fmt.Errorf("dead letter %s: %w", id, err)
	}
	if ok {
		q.opts.metrics.recordDeadLetter(ctx, DeadLetterEvent{
			JobID:    q.keys.JobID,
			ItemID:   id,
			Attempts: attempts,
			Reason:   req.Reason,
			Err:      cause,
			At:       now,
		})
	}
	return nil
}

func (q *PriorityQueue) ack(ctx context.Context, lease *Lease) (bool, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return false, err
	}
	if lease == nil {
		return false, fmt.Errorf("lease is nil")
	}
	ok, err := withTransientRetry(ctx, q.opts.retries, func() (bool, error) {
		return q.backend.Ack(ctx, q.keys, lease.ItemID, lease.Token)
	})
	if err != nil {
		return false, fmt.Errorf("ack %s: %w", lease.ItemID, err)
	}
	return ok, nil
}

// Stats returns the size of each collection.
func (q *PriorityQueue) Stats(ctx context.Context) (*QueueStats, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return nil, err
	}
	return withTransientRetry(ctx, q.opts.retries, func() (*QueueStats, error) {
		return q.backend.Stats(ctx, q.keys)
	})
}

// Len returns the number of items waiting to be leased, delayed ones included.
func (q *PriorityQueue) Len(ctx context.Context) (int64, error) {
	stats, err := q.Stats(ctx)
	if err != nil {
		return 0, err
	}
	return stats.Pending + stats.Delayed, nil
}

// DeadLetters returns up to limit dead-letter records, oldest first.
func (q *PriorityQueue) DeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return nil, err
	}
	return withTransientRetry(ctx, q.opts.retries, func() ([]*DeadLetter, error) {
		return q.backend.DeadLetters(ctx, q.keys, limit)
	})
}

// Clear removes all state of the queue, fingerprints and dead letters included.
func (q *PriorityQueue) Clear(ctx context.Context) error {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return err
	}
	_, err = withTransientRetry(ctx, q.opts.retries, func() (struct{}, error) {
		return struct{}{}, q.backend.Clear(ctx, q.keys)
	})
	return err
}

// LeasedQueue extends PriorityQueue with lease-based checkout.
type LeasedQueue struct {
	*PriorityQueue
}

// NewLeasedQueue creates a leased queue over the collections named by keys.
func NewLeasedQueue(backend Backend, keys Keys, logger *slog.Logger, opts ...QueueOption) *LeasedQueue {
	return &LeasedQueue{PriorityQueue: NewPriorityQueue(backend, keys, logger, opts...)}
}

// PopAndLease atomically moves the best item into processing under a new
// lease held by workerID. It returns nil when nothing is eligible.
func (q *LeasedQueue) PopAndLease(ctx context.Context, workerID string, leaseFor time.Duration) (*Delivery, error) {
	if leaseFor <= 0 {
		return nil, fmt.Errorf("lease duration must be positive")
	}
	return q.checkout(ctx, workerID, leaseFor)
}

// Ack removes the leased item. It returns false if the lease no longer owns the item.
func (q *LeasedQueue) Ack(ctx context.Context, lease *Lease) (bool, error) {
	ok, err := q.ack(ctx, lease)
	if err != nil {
		return false, err
	}
	if !ok {
		q.logger.Debug("Ack: stale lease ignored", "itemID", lease.ItemID, "workerID", lease.WorkerID)
		return false, nil
	}
	q.opts.metrics.recordAcked(ctx)
	return true, nil
}

// Release returns the leased item to pending without counting an attempt.
func (q *LeasedQueue) Release(ctx context.Context, lease *Lease) (bool, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return false, err
	}
	if lease == nil {
		return false, fmt.Errorf("lease is nil")
	}
	now := q.now()
	ok, err := withTransientRetry(ctx, q.opts.retries, func() (bool, error) {
		return q.backend.Release(ctx, q.keys, lease.ItemID, lease.Token, now)
	})
	if err != nil {
		return false, fmt.Errorf("release %s: %w", lease.ItemID, err)
	}
	if ok {
		q.opts.metrics.recordReleased(ctx)
	}
	return ok, nil
}

// Extend moves the lease expiry to now+leaseFor. On success lease.ExpiresAt is updated.
func (q *LeasedQueue) Extend(ctx context.Context, lease *Lease, leaseFor time.Duration) (bool, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return false, err
	}
	if lease == nil {
		return false, fmt.Errorf("lease is nil")
	}
	expiresAt := q.now().Add(leaseFor)
	ok, err := withTransientRetry(ctx, q.opts.retries, func() (bool, error) {
		return q.backend.Extend(ctx, q.keys, lease.ItemID, lease.Token, expiresAt)
	})
	if err != nil {
		return false, fmt.Errorf("extend %s: %w", lease.ItemID, err)
	}
	if ok {
		lease.ExpiresAt = expiresAt
	}
	return ok, nil
}

// Fail reports a processing failure. The retry policy decides between a
// delayed requeue and dead-letter; the returned bool is false when the lease
// no longer owns the item, in which case nothing changed.
func (q *LeasedQueue) Fail(ctx context.Context, d *Delivery, cause error) (Decision, bool, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return Decision{}, false, err
	}
	if d == nil || d.Item == nil || d.Lease == nil {
		return Decision{}, false, fmt.Errorf("delivery is incomplete")
	}
	if cause == nil {
		cause = errors.New("processing failed")
	}

	attempts := d.Item.AttemptCount + 1
	decision := q.opts.policy.OnFailure(attempts)
	now := q.now()

	if decision.Kind == DecisionDeadLetter {
		if attempts > q.opts.policy.MaxRetries {
			cause = fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, cause)
		}
		req := DeadLetterRequest{ID: d.Item.ID, Token: d.Lease.Token, Attempts: attempts, Reason: cause.Error(), Now: now}
		ok, err := withTransientRetry(ctx, q.opts.retries, func() (bool, error) {
			return q.backend.DeadLetter(ctx, q.keys, req)
		})
		if err != nil {
			return decision, false, fmt.Errorf("dead letter %s: %w", d.Item.ID, err)
		}
		if ok {
			q.logger.Warn("item dead-lettered", "itemID", d.Item.ID, "attempts", attempts, "job", q.keys.JobID, "reason", req.Reason)
			q.opts.metrics.recordDeadLetter(ctx, DeadLetterEvent{
				JobID:    q.keys.JobID,
				ItemID:   d.Item.ID,
				Attempts: attempts,
				Reason:   req.Reason,
				Err:      cause,
				At:       now,
			})
		}
		return decision, ok, nil
	}

	var readyAt time.Time
	if decision.Delay > 0 {
		readyAt = now.Add(decision.Delay)
	}
	req := RequeueRequest{
		ID:       d.Item.ID,
		Token:    d.Lease.Token,
		Attempts: attempts,
		Priority: q.opts.policy.AdjustPriority(d.Item.Priority, attempts),
		ReadyAt:  readyAt,
		Now:      now,
	}
	ok, err := withTransientRetry(ctx, q.opts.retries, func() (bool, error) {
		return q.backend.Requeue(ctx, q.keys, req)
	})
	if err != nil {
		return decision, false, fmt.Errorf("requeue %s: %w", d.Item.ID, err)
	}
	if ok {
		q.logger.Debug("Fail: item requeued", "itemID", d.Item.ID, "attempts", attempts, "delay", decision.Delay, "error", cause)
		q.opts.metrics.recordRequeued(ctx)
	}
	return decision, ok, nil
}

// ReclaimExpired claims leases that expired before now, requeueing them with
// backoff or dead-lettering them once the retry budget is exhausted. It
// returns the number of leases claimed. Concurrent callers never claim the
// same lease twice.
func (q *LeasedQueue) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return 0, err
	}
	policy := q.opts.policy.reclaimPolicy(q.opts.reclaimBatch)
	reclaimed, err := withTransientRetry(ctx, q.opts.retries, func() ([]Reclaimed, error) {
		return q.backend.ReclaimExpired(ctx, q.keys, now.UTC(), policy)
	})
	if err != nil {
		return 0, fmt.Errorf("reclaim expired: %w", err)
	}
	for _, r := range reclaimed {
		switch r.Outcome {
		case DecisionDeadLetter:
			q.logger.Warn("expired lease dead-lettered", "itemID", r.ID, "attempts", r.Attempts, "job", q.keys.JobID)
			q.opts.metrics.recordDeadLetter(ctx, DeadLetterEvent{
				JobID:    q.keys.JobID,
				ItemID:   r.ID,
				Attempts: r.Attempts,
				Reason:   ErrMaxRetriesExceeded.Error(),
				Err:      fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, errLeaseExpired),
				At:       now,
			})
		default:
			q.logger.Info("expired lease requeued", "itemID", r.ID, "attempts", r.Attempts, "job", q.keys.JobID, "cause", errLeaseExpired)
		}
	}
	q.opts.metrics.recordReclaimed(ctx, len(reclaimed))
	return len(reclaimed), nil
}
