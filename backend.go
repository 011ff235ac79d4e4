package crawlqueue

import (
	"context"
	"time"
)

// Record is a stored work item as the backend sees it. Data is opaque; the
// backend keeps Priority and Attempts separately and they override the
// values encoded inside Data.
type Record struct {
	ID       string
	Priority int
	Data     []byte
	Attempts int
	ReadyAt  time.Time // zero or not after now: immediately eligible
}

// PushOutcome reports what PushUnique did.
type PushOutcome int

const (
	// PushAdded means the fingerprint was recorded and the item stored.
	PushAdded PushOutcome = iota
	// PushDuplicate means an unexpired fingerprint exists; nothing changed.
	PushDuplicate
	// PushQueued means the fingerprint was recorded but the item ID was already live.
	PushQueued
)

func (o PushOutcome) String() string {
	switch o {
	case PushAdded:
		return "added"
	case PushDuplicate:
		return "duplicate"
	case PushQueued:
		return "queued"
	default:
		return "unknown"
	}
}

// LeaseRequest carries the parameters of an atomic pop-and-lease.
type LeaseRequest struct {
	Token     string
	Now       time.Time
	ExpiresAt time.Time
}

// RequeueRequest returns a leased item to pending with new attempt and priority values.
type RequeueRequest struct {
	ID       string
	Token    string
	Attempts int
	Priority int
	ReadyAt  time.Time
	Now      time.Time
}

// DeadLetterRequest moves a leased item to the dead-letter list.
type DeadLetterRequest struct {
	ID       string
	Token    string
	Attempts int
	Reason   string
	Now      time.Time
}

// ReclaimPolicy is applied atomically to every expired lease claimed by ReclaimExpired.
type ReclaimPolicy struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	PriorityAdjust int
	Limit          int // max leases claimed per call; <= 0 means no limit
}

// Reclaimed describes one expired lease claimed by ReclaimExpired.
type Reclaimed struct {
	ID       string
	Attempts int
	Outcome  DecisionKind
}

// Backend represents the interface for queue storage backends.
// Every method is atomic with respect to all other methods, across processes
// for shared stores. Implementations must be thread-safe.
type Backend interface {
	// Push inserts rec into pending (or delayed when rec.ReadyAt is after now).
	// Returns false without changes when rec.ID is already live in the queue.
	Push(ctx context.Context, keys Keys, rec Record, now time.Time) (bool, error)

	// PushUnique prunes fingerprints expired at fp.CreatedAt and, unless fp.Hash
	// is present, records it until fp.ExpiresAt() and pushes rec in one atomic step.
	// A failed call leaves neither the fingerprint nor the item behind.
	PushUnique(ctx context.Context, keys Keys, rec Record, fp Fingerprint) (PushOutcome, error)

	// PopAndLease promotes due delayed items, then moves the best pending item
	// into processing with req.ExpiresAt and records req.Token as its owner.
	// The lease counts as an attempt: a stored count of zero becomes one.
	// Returns nil when nothing is eligible, and then clears stale wake-up signals.
	PopAndLease(ctx context.Context, keys Keys, req LeaseRequest) (*Record, error)

	// Ack removes the item if token still owns it.
	Ack(ctx context.Context, keys Keys, id, token string) (bool, error)

	// Release returns an owned item to pending without changing its attempt count.
	Release(ctx context.Context, keys Keys, id, token string, now time.Time) (bool, error)

	// Extend moves the lease expiry of an owned item to expiresAt.
	Extend(ctx context.Context, keys Keys, id, token string, expiresAt time.Time) (bool, error)

	// Requeue returns an owned item to pending or delayed with updated attempts and priority.
	Requeue(ctx context.Context, keys Keys, req RequeueRequest) (bool, error)

	// DeadLetter removes an owned item and appends a dead-letter record.
	DeadLetter(ctx context.Context, keys Keys, req DeadLetterRequest) (bool, error)

	// ReclaimExpired claims leases with expiry strictly before now, increments
	// their attempt counts and requeues or dead-letters them per policy.
	ReclaimExpired(ctx context.Context, keys Keys, now time.Time, policy ReclaimPolicy) ([]Reclaimed, error)

	// AddFingerprint prunes expired fingerprints and records hash until now+ttl.
	// Returns false when hash is already present and unexpired.
	AddFingerprint(ctx context.Context, keys Keys, hash string, now time.Time, ttl time.Duration) (bool, error)

	// Stats returns the size of each collection.
	Stats(ctx context.Context, keys Keys) (*QueueStats, error)

	// DeadLetters returns up to limit dead-letter records, oldest first.
	DeadLetters(ctx context.Context, keys Keys, limit int) ([]*DeadLetter, error)

	// Clear removes every collection of the queue, fingerprints and dead letters included.
	Clear(ctx context.Context, keys Keys) error

	// Close closes the backend connection
	Close() error
}

// BlockingBackend is implemented by backends with a server-side blocking wait.
type BlockingBackend interface {
	Backend

	// SupportsBlocking probes whether the blocking primitive is available.
	SupportsBlocking(ctx context.Context) (bool, error)

	// WaitReady blocks until an item is pushed to the queue or timeout elapses.
	// Returns ErrBlockingUnsupported if the primitive turns out to be missing.
	WaitReady(ctx context.Context, keys Keys, timeout time.Duration) (bool, error)
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
