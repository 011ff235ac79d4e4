package crawlqueue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerBackend implements the Backend interface using BadgerDB.
// It provides embedded persistent storage for single-host crawls where
// several workers share one process. Blocking waits are not supported, so
// consumers poll.
type BadgerBackend struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewBadgerBackend creates a new BadgerDB backend.
// The database directory will be created if it doesn't exist.
// An empty dbPath opens a purely in-memory database.
// Note: BadgerDB uses its own logger interface, so its internal logging is disabled.
func NewBadgerBackend(dbPath string, logger *slog.Logger) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(dbPath)
	if dbPath == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil // Disable BadgerDB's internal logging (uses different logger interface)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	backend := &BadgerBackend{
		db:     db,
		logger: logger,
	}

	return backend, nil
}

// Close closes the database connection
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}

// retryUpdate retries a BadgerDB update operation on transaction conflicts.
// Fixed delay, no jitter.
func (b *BadgerBackend) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	const maxRetries = 50
	const retryDelay = 1 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(retryDelay)
		}

		err := b.db.Update(fn)
		if err == nil {
			return nil
		}

		if errors.Is(err, badger.ErrConflict) {
			lastErr = err
			continue
		}
		if errors.Is(err, badger.ErrDBClosed) {
			return ErrBackendClosed
		}

		return err
	}

	return unavailable(fmt.Sprintf("transaction conflict after %d retries", maxRetries), lastErr)
}

// badgerItem is the stored form of a live queue entry.
type badgerItem struct {
	Data        []byte    `json:"data"`
	Priority    int       `json:"priority"`
	Attempts    int       `json:"attempts"`
	Seq         uint64    `json:"seq"`
	State       ItemState `json:"state"`
	ReadyAtMs   int64     `json:"ready_at_ms,omitempty"`
	ExpiresAtMs int64     `json:"expires_at_ms,omitempty"`
	Owner       string    `json:"owner,omitempty"`
}

type badgerDeadLetter struct {
	ItemID     string `json:"item_id"`
	Attempts   int    `json:"attempts"`
	Reason     string `json:"reason"`
	FailedAtMs int64  `json:"failed_at_ms"`
	Data       []byte `json:"data"`
}

// key layout: every collection key from Keys plus "/" prefixes its entries.
func collectionPrefix(collection string) []byte {
	return []byte(collection + "/")
}

func itemKey(k Keys, id string) []byte {
	return append(collectionPrefix(k.Items), id...)
}

// sortablePriority maps int64 order onto unsigned big-endian byte order.
func sortablePriority(p int) uint64 {
	return uint64(int64(p)) ^ (1 << 63)
}

func pendingKey(k Keys, priority int, seq uint64) []byte {
	key := collectionPrefix(k.Pending)
	key = binary.BigEndian.AppendUint64(key, sortablePriority(priority))
	return binary.BigEndian.AppendUint64(key, seq)
}

func delayedKey(k Keys, readyAtMs int64, seq uint64) []byte {
	key := collectionPrefix(k.Delayed)
	key = binary.BigEndian.AppendUint64(key, uint64(readyAtMs))
	return binary.BigEndian.AppendUint64(key, seq)
}

func processingKey(k Keys, expiresAtMs int64, id string) []byte {
	key := collectionPrefix(k.Processing)
	key = binary.BigEndian.AppendUint64(key, uint64(expiresAtMs))
	return append(key, id...)
}

func fingerprintKey(k Keys, hash string) []byte {
	return append(collectionPrefix(k.Fingerprints), hash...)
}

func deadKey(k Keys, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(collectionPrefix(k.Dead), seq)
}

func iterOptions(prefix []byte, values bool) badger.IteratorOptions {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = values
	return opts
}

func nextSeq(txn *badger.Txn, k Keys) (uint64, error) {
	var seq uint64
	item, err := txn.Get([]byte(k.Seq))
	switch {
	case err == nil:
		if err := item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("corrupt sequence value")
			}
			seq = binary.BigEndian.Uint64(val)
			return nil
		}); err != nil {
			return 0, err
		}
	case !errors.Is(err, badger.ErrKeyNotFound):
		return 0, err
	}
	seq++
	if err := txn.Set([]byte(k.Seq), binary.BigEndian.AppendUint64(nil, seq)); err != nil {
		return 0, err
	}
	return seq, nil
}

func getItem(txn *badger.Txn, k Keys, id string) (*badgerItem, error) {
	item, err := txn.Get(itemKey(k, id))
	if err != nil {
		return nil, err
	}
	var stored badgerItem
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &stored)
	}); err != nil {
		return nil, fmt.Errorf("decode item %s: %w", id, err)
	}
	return &stored, nil
}

func putItem(txn *badger.Txn, k Keys, id string, it *badgerItem) error {
	data, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("encode item %s: %w", id, err)
	}
	return txn.Set(itemKey(k, id), data)
}

// scheduleTxn stores it as pending or delayed under a fresh sequence number.
func scheduleTxn(txn *badger.Txn, k Keys, id string, it *badgerItem, readyAt, now time.Time) error {
	seq, err := nextSeq(txn, k)
	if err != nil {
		return err
	}
	it.Seq = seq
	it.Owner = ""
	it.ExpiresAtMs = 0
	if !readyAt.IsZero() && readyAt.After(now) {
		it.State = ItemStateDelayed
		it.ReadyAtMs = readyAt.UnixMilli()
		if err := txn.Set(delayedKey(k, it.ReadyAtMs, seq), []byte(id)); err != nil {
			return err
		}
	} else {
		it.State = ItemStatePending
		it.ReadyAtMs = 0
		if err := txn.Set(pendingKey(k, it.Priority, seq), []byte(id)); err != nil {
			return err
		}
	}
	return putItem(txn, k, id, it)
}

// promoteTxn moves due delayed entries into pending, keeping their sequence.
func promoteTxn(txn *badger.Txn, k Keys, now time.Time) error {
	prefix := collectionPrefix(k.Delayed)
	nowMs := uint64(now.UnixMilli())

	type due struct {
		key []byte
		id  string
	}
	var ready []due

	it := txn.NewIterator(iterOptions(prefix, true))
	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().KeyCopy(nil)
		if binary.BigEndian.Uint64(key[len(prefix):]) > nowMs {
			break
		}
		val, err := it.Item().ValueCopy(nil)
		if err != nil {
			it.Close()
			return err
		}
		ready = append(ready, due{key: key, id: string(val)})
	}
	it.Close()

	for _, d := range ready {
		stored, err := getItem(txn, k, d.id)
		if err != nil {
			return err
		}
		if err := txn.Delete(d.key); err != nil {
			return err
		}
		stored.State = ItemStatePending
		stored.ReadyAtMs = 0
		if err := txn.Set(pendingKey(k, stored.Priority, stored.Seq), []byte(d.id)); err != nil {
			return err
		}
		if err := putItem(txn, k, d.id, stored); err != nil {
			return err
		}
	}
	return nil
}

// popBestTxn removes the lowest pending index entry and returns its item.
func popBestTxn(txn *badger.Txn, k Keys, now time.Time) (string, *badgerItem, error) {
	if err := promoteTxn(txn, k, now); err != nil {
		return "", nil, err
	}
	it := txn.NewIterator(iterOptions(collectionPrefix(k.Pending), true))
	it.Rewind()
	if !it.Valid() {
		it.Close()
		return "", nil, nil
	}
	key := it.Item().KeyCopy(nil)
	val, err := it.Item().ValueCopy(nil)
	it.Close()
	if err != nil {
		return "", nil, err
	}
	if err := txn.Delete(key); err != nil {
		return "", nil, err
	}
	id := string(val)
	stored, err := getItem(txn, k, id)
	if err != nil {
		return "", nil, err
	}
	return id, stored, nil
}

func (it *badgerItem) record(id string) *Record {
	return &Record{ID: id, Priority: it.Priority, Data: it.Data, Attempts: it.Attempts}
}

// Push inserts a record into pending or delayed.
func (b *BadgerBackend) Push(ctx context.Context, keys Keys, rec Record, now time.Time) (bool, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return false, err
	}
	if rec.ID == "" {
		return false, fmt.Errorf("item ID is required")
	}
	var added bool
	err := b.retryUpdate(ctx, func(txn *badger.Txn) error {
		var err error
		added, err = pushTxn(txn, keys, rec, now)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("push %s: %w", rec.ID, err)
	}
	return added, nil
}

func pushTxn(txn *badger.Txn, k Keys, rec Record, now time.Time) (bool, error) {
	_, err := txn.Get(itemKey(k, rec.ID))
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, badger.ErrKeyNotFound) {
		return false, err
	}
	stored := &badgerItem{Data: rec.Data, Priority: rec.Priority, Attempts: rec.Attempts}
	if err := scheduleTxn(txn, k, rec.ID, stored, rec.ReadyAt, now); err != nil {
		return false, err
	}
	return true, nil
}

// PushUnique checks and records the fingerprint and pushes rec in one transaction.
func (b *BadgerBackend) PushUnique(ctx context.Context, keys Keys, rec Record, fp Fingerprint) (PushOutcome, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return PushDuplicate, err
	}
	if rec.ID == "" {
		return PushDuplicate, fmt.Errorf("item ID is required")
	}
	var outcome PushOutcome
	err := b.retryUpdate(ctx, func(txn *badger.Txn) error {
		outcome = PushDuplicate
		added, err := addFingerprintTxn(txn, keys, fp.Hash, fp.CreatedAt, fp.TTL)
		if err != nil || !added {
			return err
		}
		pushed, err := pushTxn(txn, keys, rec, fp.CreatedAt)
		if err != nil {
			return err
		}
		outcome = PushAdded
		if !pushed {
			outcome = PushQueued
		}
		return nil
	})
	if err != nil {
		return PushDuplicate, fmt.Errorf("push unique %s: %w", rec.ID, err)
	}
	return outcome, nil
}

func (b *BadgerBackend) PopAndLease(ctx context.Context, keys Keys, req LeaseRequest) (*Record, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	var rec *Record
	err := b.retryUpdate(ctx, func(txn *badger.Txn) error {
		rec = nil
		id, stored, err := popBestTxn(txn, keys, req.Now)
		if err != nil || stored == nil {
			return err
		}
		stored.State = ItemStateLeased
		stored.Owner = req.Token
		stored.Attempts = max(stored.Attempts, 1)
		stored.ExpiresAtMs = req.ExpiresAt.UnixMilli()
		if err := txn.Set(processingKey(keys, stored.ExpiresAtMs, id), []byte(id)); err != nil {
			return err
		}
		if err := putItem(txn, keys, id, stored); err != nil {
			return err
		}
		rec = stored.record(id)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("pop and lease: %w", err)
	}
	return rec, nil
}

// ownedTxn loads id and checks that token holds its lease.
func ownedTxn(txn *badger.Txn, k Keys, id, token string) (*badgerItem, error) {
	if token == "" {
		return nil, nil
	}
	stored, err := getItem(txn, k, id)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if stored.State != ItemStateLeased || stored.Owner != token {
		return nil, nil
	}
	return stored, nil
}

// withOwned runs fn inside a transaction when token owns id. The processing
// index entry is removed before fn runs.
func (b *BadgerBackend) withOwned(ctx context.Context, keys Keys, id, token string, fn func(txn *badger.Txn, stored *badgerItem) error) (bool, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return false, err
	}
	var done bool
	err := b.retryUpdate(ctx, func(txn *badger.Txn) error {
		done = false
		stored, err := ownedTxn(txn, keys, id, token)
		if err != nil || stored == nil {
			return err
		}
		if err := txn.Delete(processingKey(keys, stored.ExpiresAtMs, id)); err != nil {
			return err
		}
		if err := fn(txn, stored); err != nil {
			return err
		}
		done = true
		return nil
	})
	return done, err
}

// Ack removes an owned item.
func (b *BadgerBackend) Ack(ctx context.Context, keys Keys, id, token string) (bool, error) {
	ok, err := b.withOwned(ctx, keys, id, token, func(txn *badger.Txn, _ *badgerItem) error {
		return txn.Delete(itemKey(keys, id))
	})
	if err != nil {
		return false, fmt.Errorf("ack %s: %w", id, err)
	}
	return ok, nil
}

// Release returns an owned item to pending.
func (b *BadgerBackend) Release(ctx context.Context, keys Keys, id, token string, now time.Time) (bool, error) {
	ok, err := b.withOwned(ctx, keys, id, token, func(txn *badger.Txn, stored *badgerItem) error {
		return scheduleTxn(txn, keys, id, stored, time.Time{}, now)
	})
	if err != nil {
		return false, fmt.Errorf("release %s: %w", id, err)
	}
	return ok, nil
}

// Extend moves the expiry of an owned lease.
func (b *BadgerBackend) Extend(ctx context.Context, keys Keys, id, token string, expiresAt time.Time) (bool, error) {
	ok, err := b.withOwned(ctx, keys, id, token, func(txn *badger.Txn, stored *badgerItem) error {
		stored.ExpiresAtMs = expiresAt.UnixMilli()
		if err := txn.Set(processingKey(keys, stored.ExpiresAtMs, id), []byte(id)); err != nil {
			return err
		}
		return putItem(txn, keys, id, stored)
	})
	if err != nil {
		return false, fmt.Errorf("extend %s: %w", id, err)
	}
	return ok, nil
}

// Requeue returns an owned item to pending or delayed.
func (b *BadgerBackend) Requeue(ctx context.Context, keys Keys, req RequeueRequest) (bool, error) {
	ok, err := b.withOwned(ctx, keys, req.ID, req.Token, func(txn *badger.Txn, stored *badgerItem) error {
		stored.Attempts = req.Attempts
		stored.Priority = req.Priority
		return scheduleTxn(txn, keys, req.ID, stored, req.ReadyAt, req.Now)
	})
	if err != nil {
		return false, fmt.Errorf("requeue %s: %w", req.ID, err)
	}
	return ok, nil
}

// DeadLetter removes an owned item and records it as dead.
func (b *BadgerBackend) DeadLetter(ctx context.Context, keys Keys, req DeadLetterRequest) (bool, error) {
	ok, err := b.withOwned(ctx, keys, req.ID, req.Token, func(txn *badger.Txn, stored *badgerItem) error {
		return buryTxn(txn, keys, req.ID, stored, req.Attempts, req.Reason, req.Now)
	})
	if err != nil {
		return false, fmt.Errorf("dead letter %s: %w", req.ID, err)
	}
	return ok, nil
}

func buryTxn(txn *badger.Txn, k Keys, id string, stored *badgerItem, attempts int, reason string, now time.Time) error {
	if err := txn.Delete(itemKey(k, id)); err != nil {
		return err
	}
	seq, err := nextSeq(txn, k)
	if err != nil {
		return err
	}
	data, err := json.Marshal(&badgerDeadLetter{
		ItemID:     id,
		Attempts:   attempts,
		Reason:     reason,
		FailedAtMs: now.UnixMilli(),
		Data:       stored.Data,
	})
	if err != nil {
		return err
	}
	return txn.Set(deadKey(k, seq), data)
}

// ReclaimExpired claims leases that expired strictly before now.
func (b *BadgerBackend) ReclaimExpired(ctx context.Context, keys Keys, now time.Time, policy ReclaimPolicy) ([]Reclaimed, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	var result []Reclaimed
	err := b.retryUpdate(ctx, func(txn *badger.Txn) error {
		result = nil
		prefix := collectionPrefix(keys.Processing)
		nowMs := uint64(now.UnixMilli())

		type expired struct {
			key []byte
			id  string
		}
		var claimed []expired
		it := txn.NewIterator(iterOptions(prefix, true))
		for it.Rewind(); it.Valid(); it.Next() {
			if policy.Limit > 0 && len(claimed) >= policy.Limit {
				break
			}
			key := it.Item().KeyCopy(nil)
			if binary.BigEndian.Uint64(key[len(prefix):]) >= nowMs {
				break
			}
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				it.Close()
				return err
			}
			claimed = append(claimed, expired{key: key, id: string(val)})
		}
		it.Close()

		for _, c := range claimed {
			stored, err := getItem(txn, keys, c.id)
			if err != nil {
				return err
			}
			if err := txn.Delete(c.key); err != nil {
				return err
			}
			attempts := stored.Attempts + 1
			if attempts > policy.MaxRetries {
				if err := buryTxn(txn, keys, c.id, stored, attempts, ErrMaxRetriesExceeded.Error(), now); err != nil {
					return err
				}
				result = append(result, Reclaimed{ID: c.id, Attempts: attempts, Outcome: DecisionDeadLetter})
				continue
			}
			stored.Attempts = attempts
			stored.Priority = policy.priority(stored.Priority, attempts)
			var readyAt time.Time
			if delay := policy.delay(attempts); delay > 0 {
				readyAt = now.Add(delay)
			}
			if err := scheduleTxn(txn, keys, c.id, stored, readyAt, now); err != nil {
				return err
			}
			result = append(result, Reclaimed{ID: c.id, Attempts: attempts, Outcome: DecisionRequeue})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reclaim expired: %w", err)
	}
	return result, nil
}

// AddFingerprint records hash unless an unexpired record exists.
// Expired records are evicted by Badger's entry TTL.
func (b *BadgerBackend) AddFingerprint(ctx context.Context, keys Keys, hash string, now time.Time, ttl time.Duration) (bool, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return false, err
	}
	var added bool
	err := b.retryUpdate(ctx, func(txn *badger.Txn) error {
		var err error
		added, err = addFingerprintTxn(txn, keys, hash, now, ttl)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("add fingerprint: %w", err)
	}
	return added, nil
}

func addFingerprintTxn(txn *badger.Txn, k Keys, hash string, now time.Time, ttl time.Duration) (bool, error) {
	key := fingerprintKey(k, hash)
	item, err := txn.Get(key)
	switch {
	case err == nil:
		var stored int64
		if err := item.Value(func(val []byte) error {
			if len(val) == 8 {
				stored = int64(binary.BigEndian.Uint64(val))
			}
			return nil
		}); err != nil {
			return false, err
		}
		if stored > now.UnixMilli() {
			return false, nil
		}
	case !errors.Is(err, badger.ErrKeyNotFound):
		return false, err
	}
	entry := badger.NewEntry(key, binary.BigEndian.AppendUint64(nil, uint64(now.Add(ttl).UnixMilli())))
	if ttl > 0 {
		entry = entry.WithTTL(ttl)
	}
	if err := txn.SetEntry(entry); err != nil {
		return false, err
	}
	return true, nil
}

func countPrefix(txn *badger.Txn, prefix []byte) int64 {
	it := txn.NewIterator(iterOptions(prefix, false))
	defer it.Close()
	var n int64
	for it.Rewind(); it.Valid(); it.Next() {
		n++
	}
	return n
}

// Stats returns collection sizes.
func (b *BadgerBackend) Stats(ctx context.Context, keys Keys) (*QueueStats, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	stats := &QueueStats{}
	err := b.db.View(func(txn *badger.Txn) error {
		stats.Pending = countPrefix(txn, collectionPrefix(keys.Pending))
		stats.Delayed = countPrefix(txn, collectionPrefix(keys.Delayed))
		stats.Processing = countPrefix(txn, collectionPrefix(keys.Processing))
		stats.DeadLettered = countPrefix(txn, collectionPrefix(keys.Dead))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return stats, nil
}

// DeadLetters returns dead-letter records, oldest first.
func (b *BadgerBackend) DeadLetters(ctx context.Context, keys Keys, limit int) ([]*DeadLetter, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	var out []*DeadLetter
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(iterOptions(collectionPrefix(keys.Dead), true))
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var stored badgerDeadLetter
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &stored)
			}); err != nil {
				b.logger.Warn("skipping malformed dead-letter record", "key", keys.Dead, "error", err)
				continue
			}
			out = append(out, &DeadLetter{
				ItemID:   stored.ItemID,
				Attempts: stored.Attempts,
				Reason:   stored.Reason,
				FailedAt: fromUnixMilli(stored.FailedAtMs),
				Data:     stored.Data,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dead letters: %w", err)
	}
	return out, nil
}

// Clear drops every collection of the queue.
func (b *BadgerBackend) Clear(ctx context.Context, keys Keys) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	prefixes := [][]byte{
		collectionPrefix(keys.Pending),
		collectionPrefix(keys.Processing),
		collectionPrefix(keys.Delayed),
		collectionPrefix(keys.Items),
		collectionPrefix(keys.Fingerprints),
		collectionPrefix(keys.Dead),
	}
	if err := b.db.DropPrefix(prefixes...); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		return txn.Delete([]byte(keys.Seq))
	})
}
