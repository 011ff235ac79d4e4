package crawlqueue

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DecisionKind is the outcome of a retry decision.
type DecisionKind int

const (
	// DecisionRequeue returns the item to pending after Delay.
	DecisionRequeue DecisionKind = iota
	// DecisionDeadLetter drops the item to the dead-letter list.
	DecisionDeadLetter
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionRequeue:
		return "requeue"
	case DecisionDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Decision tells the queue what to do with a failed item.
type Decision struct {
	Kind  DecisionKind
	Delay time.Duration
}

// RetryPolicy decides between requeue and dead-letter for failed items.
type RetryPolicy struct {
	// Enabled toggles retries of consumer-reported failures. When false those
	// failures dead-letter immediately and expired leases requeue without delay.
	Enabled bool

	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// PriorityAdjust is added to the item priority, scaled by 2^(attempt-1),
	// on every requeue. Positive values push retries behind fresh work.
	PriorityAdjust int
}

// OnFailure returns the decision for an item whose attempt count (already
// incremented for the current failure) is attemptCount.
func (p RetryPolicy) OnFailure(attemptCount int) Decision {
	if !p.Enabled || attemptCount > p.MaxRetries {
		return Decision{Kind: DecisionDeadLetter}
	}
	return Decision{Kind: DecisionRequeue, Delay: p.Delay(attemptCount)}
}

// Delay returns base * 2^(attempt-1) capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	shift := attempt - 1
	if shift >= 62 {
		return p.capDelay(time.Duration(math.MaxInt64))
	}
	d := p.BaseDelay * time.Duration(int64(1)<<shift)
	if d/time.Duration(int64(1)<<shift) != p.BaseDelay || d < 0 {
		d = time.Duration(math.MaxInt64)
	}
	return p.capDelay(d)
}

func (p RetryPolicy) capDelay(d time.Duration) time.Duration {
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// AdjustPriority returns the priority a requeued item is stored with.
func (p RetryPolicy) AdjustPriority(priority, attempt int) int {
	if p.PriorityAdjust == 0 || attempt < 1 {
		return priority
	}
	shift := attempt - 1
	if shift > 20 {
		shift = 20
	}
	return priority + p.PriorityAdjust*(1<<shift)
}

// reclaimPolicy converts the policy into the parameters backends apply
// atomically while reclaiming expired leases.
func (p RetryPolicy) reclaimPolicy(limit int) ReclaimPolicy {
	rp := ReclaimPolicy{
		MaxRetries: p.MaxRetries,
		Limit:      limit,
	}
	if p.Enabled {
		rp.BaseDelay = p.BaseDelay
		rp.MaxDelay = p.MaxDelay
		rp.PriorityAdjust = p.PriorityAdjust
	}
	return rp
}

// delay mirrors RetryPolicy.Delay so backends without scripting compute the
// same schedule the Redis script does.
func (rp ReclaimPolicy) delay(attempt int) time.Duration {
	return RetryPolicy{BaseDelay: rp.BaseDelay, MaxDelay: rp.MaxDelay}.Delay(attempt)
}

func (rp ReclaimPolicy) priority(priority, attempt int) int {
	return RetryPolicy{PriorityAdjust: rp.PriorityAdjust}.AdjustPriority(priority, attempt)
}

// withTransientRetry runs op, retrying ErrBackendUnavailable-class failures up
// to retries more times with exponential backoff. Any other error is returned as is.
func withTransientRetry[T any](ctx context.Context, retries int, op func() (T, error)) (T, error) {
	if retries <= 0 {
		res, err := op()
		return res, classify(err)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	res, err := backoff.Retry(ctx, func() (T, error) {
		res, err := op()
		if err != nil && !isTransient(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(retries+1)))
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
	}
	return res, classify(err)
}

func classify(err error) error {
	if isTransient(err) && !errors.Is(err, ErrBackendUnavailable) {
		return unavailable("backend", err)
	}
	return err
}
