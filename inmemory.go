package crawlqueue

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// readySignalCap bounds the number of undelivered wake-up signals per queue.
const readySignalCap = 1024

// InMemoryBackend implements the Backend interface using in-memory storage.
// It uses a single mutex for thread-safety and is suitable for testing and
// single-process crawls. It supports native blocking waits.
type InMemoryBackend struct {
	mu     sync.Mutex
	queues map[string]*memQueue // scoped queue key -> state
	closed bool
}

type memEntry struct {
	id        string
	data      []byte
	priority  int
	attempts  int
	seq       uint64
	state     ItemState
	readyAt   time.Time
	expiresAt time.Time
	owner     string
}

type memQueue struct {
	entries      map[string]*memEntry
	pending      pendingHeap
	seq          uint64
	fingerprints map[string]time.Time // hash -> expiry
	dead         []*DeadLetter
	ready        chan struct{}
}

// NewInMemoryBackend creates a new in-memory backend.
func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{
		queues: make(map[string]*memQueue),
	}
}

// Close closes the backend and prevents further operations.
func (b *InMemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return nil
}

func (b *InMemoryBackend) ensureOpenLocked() error {
	if b.closed {
		return ErrBackendClosed
	}
	return nil
}

// queueLocked returns the state for keys, creating it on first use.
func (b *InMemoryBackend) queueLocked(keys Keys) *memQueue {
	q, ok := b.queues[keys.Scope]
	if !ok {
		q = &memQueue{
			entries:      make(map[string]*memEntry),
			fingerprints: make(map[string]time.Time),
			ready:        make(chan struct{}, readySignalCap),
		}
		b.queues[keys.Scope] = q
	}
	return q
}

// Push inserts a record into pending or delayed.
func (b *InMemoryBackend) Push(ctx context.Context, keys Keys, rec Record, now time.Time) (bool, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return false, err
	}
	if rec.ID == "" {
		return false, fmt.Errorf("item ID is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return false, err
	}
	return b.queueLocked(keys).push(rec, now), nil
}

// PushUnique records the fingerprint and pushes rec in one step.
func (b *InMemoryBackend) PushUnique(ctx context.Context, keys Keys, rec Record, fp Fingerprint) (PushOutcome, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return PushDuplicate, err
	}
	if rec.ID == "" {
		return PushDuplicate, fmt.Errorf("item ID is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return PushDuplicate, err
	}
	q := b.queueLocked(keys)
	if !q.addFingerprint(fp.Hash, fp.CreatedAt, fp.TTL) {
		return PushDuplicate, nil
	}
	if !q.push(rec, fp.CreatedAt) {
		return PushQueued, nil
	}
	return PushAdded, nil
}

func (q *memQueue) push(rec Record, now time.Time) bool {
	if _, exists := q.entries[rec.ID]; exists {
		return false
	}
	q.seq++
	e := &memEntry{
		id:       rec.ID,
		data:     append([]byte(nil), rec.Data...),
		priority: rec.Priority,
		attempts: rec.Attempts,
		seq:      q.seq,
	}
	q.entries[e.id] = e
	q.schedule(e, rec.ReadyAt, now)
	return true
}

// schedule places e into delayed or pending and signals waiters.
func (q *memQueue) schedule(e *memEntry, readyAt, now time.Time) {
	e.owner = ""
	e.expiresAt = time.Time{}
	if !readyAt.IsZero() && readyAt.After(now) {
		e.state = ItemStateDelayed
		e.readyAt = readyAt
	} else {
		e.state = ItemStatePending
		e.readyAt = time.Time{}
		heap.Push(&q.pending, heapEntry{id: e.id, priority: e.priority, seq: e.seq})
	}
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// promote moves due delayed entries to pending.
func (q *memQueue) promote(now time.Time) {
	for _, e := range q.entries {
		if e.state == ItemStateDelayed && !e.readyAt.After(now) {
			e.state = ItemStatePending
			e.readyAt = time.Time{}
			heap.Push(&q.pending, heapEntry{id: e.id, priority: e.priority, seq: e.seq})
		}
	}
}

// popBest removes the best pending entry, skipping stale heap entries.
func (q *memQueue) popBest() *memEntry {
	for q.pending.Len() > 0 {
		top := heap.Pop(&q.pending).(heapEntry)
		e, ok := q.entries[top.id]
		if !ok || e.state != ItemStatePending || e.seq != top.seq || e.priority != top.priority {
			continue
		}
		return e
	}
	return nil
}

func (e *memEntry) record() *Record {
	return &Record{
		ID:       e.id,
		Priority: e.priority,
		Data:     append([]byte(nil), e.data...),
		Attempts: e.attempts,
	}
}

// PopAndLease moves the best eligible item into processing.
func (b *InMemoryBackend) PopAndLease(ctx context.Context, keys Keys, req LeaseRequest) (*Record, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return nil, err
	}
	q := b.queueLocked(keys)
	q.promote(req.Now)
	e := q.popBest()
	if e == nil {
		q.drainSignals()
		return nil, nil
	}
	e.state = ItemStateLeased
	e.attempts = max(e.attempts, 1)
	e.owner = req.Token
	e.expiresAt = req.ExpiresAt
	return e.record(), nil
}

// drainSignals drops wake-ups left behind by pushes that were already popped.
func (q *memQueue) drainSignals() {
	for {
		select {
		case <-q.ready:
		default:
			return
		}
	}
}

// owned returns the entry if token currently owns it.
func (q *memQueue) owned(id, token string) *memEntry {
	e, ok := q.entries[id]
	if !ok || e.state != ItemStateLeased || e.owner != token || token == "" {
		return nil
	}
	return e
}

// Ack removes an owned item.
func (b *InMemoryBackend) Ack(ctx context.Context, keys Keys, id, token string) (bool, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return false, err
	}
	q := b.queueLocked(keys)
	e := q.owned(id, token)
	if e == nil {
		return false, nil
	}
	delete(q.entries, id)
	return true, nil
}

// Release returns an owned item to pending.
func (b *InMemoryBackend) Release(ctx context.Context, keys Keys, id, token string, now time.Time) (bool, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return false, err
	}
	q := b.queueLocked(keys)
	e := q.owned(id, token)
	if e == nil {
		return false, nil
	}
	q.seq++
	e.seq = q.seq
	q.schedule(e, time.Time{}, now)
	return true, nil
}

// Extend moves the expiry of an owned lease.
func (b *InMemoryBackend) Extend(ctx context.Context, keys Keys, id, token string, expiresAt time.Time) (bool, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return false, err
	}
	e := b.queueLocked(keys).owned(id, token)
	if e == nil {
		return false, nil
	}
	e.expiresAt = expiresAt
	return true, nil
}

// Requeue returns an owned item to pending or delayed.
func (b *InMemoryBackend) Requeue(ctx context.Context, keys Keys, req RequeueRequest) (bool, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return false, err
	}
	q := b.queueLocked(keys)
	e := q.owned(req.ID, req.Token)
	if e == nil {
		return false, nil
	}
	q.requeue(e, req.Attempts, req.Priority, req.ReadyAt, req.Now)
	return true, nil
}

func (q *memQueue) requeue(e *memEntry, attempts, priority int, readyAt, now time.Time) {
	q.seq++
	e.seq = q.seq
	e.attempts = attempts
	e.priority = priority
	q.schedule(e, readyAt, now)
}

// DeadLetter removes an owned item and records it as dead.
func (b *InMemoryBackend) DeadLetter(ctx context.Context, keys Keys, req DeadLetterRequest) (bool, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return false, err
	}
	q := b.queueLocked(keys)
	e := q.owned(req.ID, req.Token)
	if e == nil {
		return false, nil
	}
	q.bury(e, req.Attempts, req.Reason, req.Now)
	return true, nil
}

func (q *memQueue) bury(e *memEntry, attempts int, reason string, now time.Time) {
	delete(q.entries, e.id)
	q.dead = append(q.dead, &DeadLetter{
		ItemID:   e.id,
		Attempts: attempts,
		Reason:   reason,
		FailedAt: now.UTC(),
		Data:     e.data,
	})
}

// ReclaimExpired claims leases that expired strictly before now.
func (b *InMemoryBackend) ReclaimExpired(ctx context.Context, keys Keys, now time.Time, policy ReclaimPolicy) ([]Reclaimed, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return nil, err
	}
	q := b.queueLocked(keys)

	var expired []*memEntry
	for _, e := range q.entries {
		if e.state == ItemStateLeased && e.expiresAt.Before(now) {
			expired = append(expired, e)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		if !expired[i].expiresAt.Equal(expired[j].expiresAt) {
			return expired[i].expiresAt.Before(expired[j].expiresAt)
		}
		return expired[i].id < expired[j].id
	})
	if policy.Limit > 0 && len(expired) > policy.Limit {
		expired = expired[:policy.Limit]
	}

	result := make([]Reclaimed, 0, len(expired))
	for _, e := range expired {
		attempts := e.attempts + 1
		if attempts > policy.MaxRetries {
			q.bury(e, attempts, ErrMaxRetriesExceeded.Error(), now)
			result = append(result, Reclaimed{ID: e.id, Attempts: attempts, Outcome: DecisionDeadLetter})
			continue
		}
		delay := policy.delay(attempts)
		var readyAt time.Time
		if delay > 0 {
			readyAt = now.Add(delay)
		}
		q.requeue(e, attempts, policy.priority(e.priority, attempts), readyAt, now)
		result = append(result, Reclaimed{ID: e.id, Attempts: attempts, Outcome: DecisionRequeue})
	}
	return result, nil
}

// AddFingerprint records hash unless an unexpired record exists.
func (b *InMemoryBackend) AddFingerprint(ctx context.Context, keys Keys, hash string, now time.Time, ttl time.Duration) (bool, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return false, err
	}
	return b.queueLocked(keys).addFingerprint(hash, now, ttl), nil
}

func (q *memQueue) addFingerprint(hash string, now time.Time, ttl time.Duration) bool {
	for h, expiresAt := range q.fingerprints {
		if !expiresAt.After(now) {
			delete(q.fingerprints, h)
		}
	}
	if _, exists := q.fingerprints[hash]; exists {
		return false
	}
	q.fingerprints[hash] = now.Add(ttl)
	return true
}

// Stats returns collection sizes.
func (b *InMemoryBackend) Stats(ctx context.Context, keys Keys) (*QueueStats, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return nil, err
	}
	q := b.queueLocked(keys)
	stats := &QueueStats{DeadLettered: int64(len(q.dead))}
	for _, e := range q.entries {
		switch e.state {
		case ItemStatePending:
			stats.Pending++
		case ItemStateDelayed:
			stats.Delayed++
		case ItemStateLeased:
			stats.Processing++
		}
	}
	return stats, nil
}

// DeadLetters returns dead-letter records, oldest first.
func (b *InMemoryBackend) DeadLetters(ctx context.Context, keys Keys, limit int) ([]*DeadLetter, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return nil, err
	}
	dead := b.queueLocked(keys).dead
	if limit > 0 && len(dead) > limit {
		dead = dead[:limit]
	}
	out := make([]*DeadLetter, len(dead))
	for i, d := range dead {
		cp := *d
		cp.Data = append([]byte(nil), d.Data...)
		out[i] = &cp
	}
	return out, nil
}

// Clear drops all state of the queue.
func (b *InMemoryBackend) Clear(ctx context.Context, keys Keys) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return err
	}
	delete(b.queues, keys.Scope)
	return nil
}

// SupportsBlocking always reports true.
func (b *InMemoryBackend) SupportsBlocking(ctx context.Context) (bool, error) {
	return true, nil
}

// WaitReady blocks until a push signal is available or timeout elapses.
func (b *InMemoryBackend) WaitReady(ctx context.Context, keys Keys, timeout time.Duration) (bool, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return false, err
	}

	b.mu.Lock()
	if err := b.ensureOpenLocked(); err != nil {
		b.mu.Unlock()
		return false, err
	}
	ready := b.queueLocked(keys).ready
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ready:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

type heapEntry struct {
	id       string
	priority int
	seq      uint64
}

// pendingHeap orders entries by priority, then insertion sequence.
type pendingHeap []heapEntry

func (h pendingHeap) Len() int { return len(h) }
func (h pendingHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x any)   { *h = append(*h, x.(heapEntry)) }
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
