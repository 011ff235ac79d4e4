// Package crawlqueue provides a crash-tolerant, prioritized work queue for
// crawl requests shared by many independent worker processes.
//
// The library supports:
//   - Multiple backend implementations (Redis, BadgerDB, SQLite, in-memory)
//   - Job-scoped key namespaces so concurrent crawl jobs never share state
//   - Content fingerprinting with a sliding TTL window for duplicate suppression
//   - Lease-based checkout with owner-validated acknowledgment
//   - Automatic reclaim of expired leases with exponential retry backoff
//   - Dead-letter records for items that exhaust their retry budget
//   - Native blocking pops where the backend supports them, polling otherwise
//
// Example usage:
//
//	backend := crawlqueue.NewInMemoryBackend()
//	sched, _ := crawlqueue.NewScheduler(backend, crawlqueue.DefaultConfig(), logger)
//	defer sched.Close(ctx)
//
//	item, _ := crawlqueue.NewRequestItem(sched.JobID(), &crawlqueue.Request{
//	    Method: "GET",
//	    URL:    "https://example.com/",
//	}, 0, crawlqueue.FingerprintOptions{})
//	sched.Enqueue(ctx, item)
//
//	delivery, _ := sched.Next(ctx, "worker-1")
//	// ... process delivery.Item ...
//	sched.Ack(ctx, delivery.Lease)
package crawlqueue

import (
	"time"
)

// ItemState represents where a work item currently lives.
type ItemState string

const (
	// ItemStatePending indicates the item is waiting to be leased.
	ItemStatePending ItemState = "pending"
	// ItemStateDelayed indicates the item is pending but not eligible before its ready time.
	ItemStateDelayed ItemState = "delayed"
	// ItemStateLeased indicates a worker holds an active lease on the item.
	ItemStateLeased ItemState = "leased"
	// ItemStateAcked indicates the item was acknowledged and removed.
	ItemStateAcked ItemState = "acked"
	// ItemStateDead indicates the item exhausted its retries and was dead-lettered.
	ItemStateDead ItemState = "dead"
)

// WorkItem is a unit of schedulable work.
type WorkItem struct {
	ID           string    `json:"id" msgpack:"id"`                       // Content fingerprint, immutable
	JobID        string    `json:"job_id" msgpack:"job_id"`               // Owning job ("" for unscoped)
	Priority     int       `json:"priority" msgpack:"priority"`           // Lower value is served first
	Payload      []byte    `json:"payload" msgpack:"payload"`             // Opaque work definition
	AttemptCount int       `json:"attempt_count" msgpack:"attempt_count"` // Leases so far, the current one included
	EnqueuedAt   time.Time `json:"enqueued_at" msgpack:"enqueued_at"`     // When the producer created it
	DontFilter   bool      `json:"dont_filter,omitempty" msgpack:"dont_filter,omitempty"`
}

// Fingerprint is the duplicate-suppression record kept for an accepted item.
type Fingerprint struct {
	Hash      string
	JobID     string
	CreatedAt time.Time
	TTL       time.Duration
}

// ExpiresAt returns the instant after which the fingerprint no longer suppresses duplicates.
func (f Fingerprint) ExpiresAt() time.Time {
	return f.CreatedAt.Add(f.TTL)
}

// Lease is a time-bounded exclusive claim on a work item.
type Lease struct {
	ItemID     string    // Leased work item
	WorkerID   string    // Worker holding the lease
	Token      string    // Unique per checkout; acknowledgments are validated against it
	AcquiredAt time.Time // When the lease was granted
	ExpiresAt  time.Time // When the lease becomes reclaimable
}

// Expired reports whether the lease has expired at the given instant.
func (l *Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Delivery is a leased work item handed to a consumer.
type Delivery struct {
	Item  *WorkItem
	Lease *Lease
}

// DeadLetter is the terminal record of an item that will never be retried.
type DeadLetter struct {
	ItemID   string    // Item identifier
	Attempts int       // Attempt count at the time of the drop
	Reason   string    // Why the item was dropped
	FailedAt time.Time // When the item was dropped
	Data     []byte    // Raw stored bytes (kept even when they cannot be decoded)
}

// QueueStats represents the size of each collection of one job queue.
type QueueStats struct {
	Pending      int64 // Items eligible for leasing
	Delayed      int64 // Items waiting for a retry backoff to elapse
	Processing   int64 // Items currently leased
	DeadLettered int64 // Items in the dead-letter list
}

// Total returns the number of live (not dead-lettered) items.
func (s *QueueStats) Total() int64 {
	return s.Pending + s.Delayed + s.Processing
}
