//go:build sqlite
// +build sqlite

package crawlqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func init() {
	registerBackend(BackendSQLite, func(cfg *Config, logger *slog.Logger) (Backend, error) {
		return NewSQLiteBackend(cfg.SQLitePath, logger)
	})
}

// SQLiteBackend implements the Backend interface using SQLite.
// It provides ACID transactions and is suitable for single-server deployments.
// Every operation runs in a BEGIN IMMEDIATE transaction.
type SQLiteBackend struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteBackend creates a new SQLite backend.
// The database file will be created if it doesn't exist.
// dbPath is the path to the SQLite database file.
func NewSQLiteBackend(dbPath string, logger *slog.Logger) (*SQLiteBackend, error) {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", dbPath+sep+"_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection serializes writers and keeps :memory: databases shared
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	backend := &SQLiteBackend{db: db, logger: logger}

	if err := backend.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return backend, nil
}

// Close closes the database connection
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

// initSchema initializes the database schema
func (b *SQLiteBackend) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS queue_items (
		scope TEXT NOT NULL,
		id TEXT NOT NULL,
		payload BLOB NOT NULL,
		priority INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		ready_at_ms INTEGER NOT NULL DEFAULT 0,
		expires_at_ms INTEGER NOT NULL DEFAULT 0,
		owner TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (scope, id)
	);

	CREATE TABLE IF NOT EXISTS queue_seq (
		scope TEXT PRIMARY KEY,
		seq INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS fingerprints (
		scope TEXT NOT NULL,
		hash TEXT NOT NULL,
		expires_at_ms INTEGER NOT NULL,
		PRIMARY KEY (scope, hash)
	);

	CREATE TABLE IF NOT EXISTS dead_letters (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		scope TEXT NOT NULL,
		item_id TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		reason TEXT NOT NULL,
		failed_at_ms INTEGER NOT NULL,
		data BLOB
	);

	CREATE INDEX IF NOT EXISTS idx_items_pending ON queue_items(scope, state, priority, seq);
	CREATE INDEX IF NOT EXISTS idx_items_ready ON queue_items(scope, state, ready_at_ms);
	CREATE INDEX IF NOT EXISTS idx_items_expiry ON queue_items(scope, state, expires_at_ms);
	CREATE INDEX IF NOT EXISTS idx_fingerprints_expiry ON fingerprints(scope, expires_at_ms);
	CREATE INDEX IF NOT EXISTS idx_dead_letters_scope ON dead_letters(scope, seq);
	`

	_, err := b.db.Exec(schema)
	return err
}

// inTx runs fn in a transaction and commits it.
func (b *SQLiteBackend) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func sqliteNextSeq(ctx context.Context, tx *sql.Tx, scope string) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO queue_seq (scope, seq) VALUES (?, 1)
		ON CONFLICT(scope) DO UPDATE SET seq = seq + 1
		RETURNING seq
	`, scope).Scan(&seq)
	return seq, err
}

// sqliteSchedule puts an existing row into pending or delayed under a new sequence number.
func sqliteSchedule(ctx context.Context, tx *sql.Tx, scope, id string, attempts, priority int, readyAt, now time.Time) error {
	seq, err := sqliteNextSeq(ctx, tx, scope)
	if err != nil {
		return err
	}
	state, readyMs := ItemStatePending, int64(0)
	if !readyAt.IsZero() && readyAt.After(now) {
		state, readyMs = ItemStateDelayed, readyAt.UnixMilli()
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE queue_items
		SET state = ?, seq = ?, attempts = ?, priority = ?, ready_at_ms = ?, expires_at_ms = 0, owner = ''
		WHERE scope = ? AND id = ?
	`, state, seq, attempts, priority, readyMs, scope, id)
	return err
}

func sqlitePromote(ctx context.Context, tx *sql.Tx, scope string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE queue_items SET state = ?, ready_at_ms = 0
		WHERE scope = ? AND state = ? AND ready_at_ms <= ?
	`, ItemStatePending, scope, ItemStateDelayed, now.UnixMilli())
	return err
}

// sqlitePopBest selects the best pending row after promoting due delayed rows.
func sqlitePopBest(ctx context.Context, tx *sql.Tx, scope string, now time.Time) (*Record, error) {
	if err := sqlitePromote(ctx, tx, scope, now); err != nil {
		return nil, err
	}
	rec := &Record{}
	err := tx.QueryRowContext(ctx, `
		SELECT id, payload, priority, attempts FROM queue_items
		WHERE scope = ? AND state = ?
		ORDER BY priority ASC, seq ASC
		LIMIT 1
	`, scope, ItemStatePending).Scan(&rec.ID, &rec.Data, &rec.Priority, &rec.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Push inserts a record into pending or delayed.
func (b *SQLiteBackend) Push(ctx context.Context, keys Keys, rec Record, now time.Time) (bool, error) {
	if rec.ID == "" {
		return false, fmt.Errorf("item ID is required")
	}
	var added bool
	err := b.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		added, err = sqlitePush(ctx, tx, keys.Scope, rec, now)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("push %s: %w", rec.ID, err)
	}
	return added, nil
}

func sqlitePush(ctx context.Context, tx *sql.Tx, scope string, rec Record, now time.Time) (bool, error) {
	data := rec.Data
	if data == nil {
		data = []byte{}
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO queue_items (scope, id, payload, priority, seq, attempts, state)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(scope, id) DO NOTHING
	`, scope, rec.ID, data, rec.Priority, rec.Attempts, ItemStatePending)
	if err != nil {
		return false, fmt.Errorf("failed to insert item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	return true, sqliteSchedule(ctx, tx, scope, rec.ID, rec.Attempts, rec.Priority, rec.ReadyAt, now)
}

// PushUnique records the fingerprint and pushes rec in one transaction.
func (b *SQLiteBackend) PushUnique(ctx context.Context, keys Keys, rec Record, fp Fingerprint) (PushOutcome, error) {
	if rec.ID == "" {
		return PushDuplicate, fmt.Errorf("item ID is required")
	}
	var outcome PushOutcome
	err := b.inTx(ctx, func(tx *sql.Tx) error {
		outcome = PushDuplicate
		added, err := sqliteAddFingerprint(ctx, tx, keys.Scope, fp.Hash, fp.CreatedAt, fp.TTL)
		if err != nil || !added {
			return err
		}
		pushed, err := sqlitePush(ctx, tx, keys.Scope, rec, fp.CreatedAt)
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

// PopAndLease moves the best eligible item into processing.
func (b *SQLiteBackend) PopAndLease(ctx context.Context, keys Keys, req LeaseRequest) (*Record, error) {
	var rec *Record
	err := b.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		rec, err = sqlitePopBest(ctx, tx, keys.Scope, req.Now)
		if err != nil || rec == nil {
			return err
		}
		rec.Attempts = max(rec.Attempts, 1)
		_, err = tx.ExecContext(ctx, `
			UPDATE queue_items SET state = ?, owner = ?, expires_at_ms = ?, attempts = ?
			WHERE scope = ? AND id = ?
		`, ItemStateLeased, req.Token, req.ExpiresAt.UnixMilli(), rec.Attempts, keys.Scope, rec.ID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("pop and lease: %w", err)
	}
	return rec, nil
}

type sqliteOwned struct {
	payload  []byte
	priority int
	attempts int
}

// withOwned runs fn when token holds the lease on id.
func (b *SQLiteBackend) withOwned(ctx context.Context, keys Keys, id, token string, fn func(tx *sql.Tx, row *sqliteOwned) error) (bool, error) {
	if token == "" {
		return false, nil
	}
	var done bool
	err := b.inTx(ctx, func(tx *sql.Tx) error {
		row := &sqliteOwned{}
		err := tx.QueryRowContext(ctx, `
			SELECT payload, priority, attempts FROM queue_items
			WHERE scope = ? AND id = ? AND state = ? AND owner = ?
		`, keys.Scope, id, ItemStateLeased, token).Scan(&row.payload, &row.priority, &row.attempts)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(tx, row); err != nil {
			return err
		}
		done = true
		return nil
	})
	return done, err
}

// Ack removes an owned item.
func (b *SQLiteBackend) Ack(ctx context.Context, keys Keys, id, token string) (bool, error) {
	ok, err := b.withOwned(ctx, keys, id, token, func(tx *sql.Tx, _ *sqliteOwned) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM queue_items WHERE scope = ? AND id = ?`, keys.Scope, id)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("ack %s: %w", id, err)
	}
	return ok, nil
}

// Release returns an owned item to pending.
func (b *SQLiteBackend) Release(ctx context.Context, keys Keys, id, token string, now time.Time) (bool, error) {
	ok, err := b.withOwned(ctx, keys, id, token, func(tx *sql.Tx, row *sqliteOwned) error {
		return sqliteSchedule(ctx, tx, keys.Scope, id, row.attempts, row.priority, time.Time{}, now)
	})
	if err != nil {
		return false, fmt.Errorf("release %s: %w", id, err)
	}
	return ok, nil
}

// Extend moves the expiry of an owned lease.
func (b *SQLiteBackend) Extend(ctx context.Context, keys Keys, id, token string, expiresAt time.Time) (bool, error) {
	ok, err := b.withOwned(ctx, keys, id, token, func(tx *sql.Tx, _ *sqliteOwned) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE queue_items SET expires_at_ms = ? WHERE scope = ? AND id = ?
		`, expiresAt.UnixMilli(), keys.Scope, id)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("extend %s: %w", id, err)
	}
	return ok, nil
}

// Requeue returns an owned item to pending or delayed.
func (b *SQLiteBackend) Requeue(ctx context.Context, keys Keys, req RequeueRequest) (bool, error) {
	ok, err := b.withOwned(ctx, keys, req.ID, req.Token, func(tx *sql.Tx, _ *sqliteOwned) error {
		return sqliteSchedule(ctx, tx, keys.Scope, req.ID, req.Attempts, req.Priority, req.ReadyAt, req.Now)
	})
	if err != nil {
		return false, fmt.Errorf("requeue %s: %w", req.ID, err)
	}
	return ok, nil
}

// DeadLetter removes an owned item and records it as dead.
func (b *SQLiteBackend) DeadLetter(ctx context.Context, keys Keys, req DeadLetterRequest) (bool, error) {
	ok, err := b.withOwned(ctx, keys, req.ID, req.Token, func(tx *sql.Tx, row *sqliteOwned) error {
		return sqliteBury(ctx, tx, keys.Scope, req.ID, row.payload, req.Attempts, req.Reason, req.Now)
	})
	if err != nil {
		return false, fmt.Errorf("dead letter %s: %w", req.ID, err)
	}
	return ok, nil
}

func sqliteBury(ctx context.Context, tx *sql.Tx, scope, id string, payload []byte, attempts int, reason string, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items WHERE scope = ? AND id = ?`, scope, id); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO dead_letters (scope, item_id, attempts, reason, failed_at_ms, data)
		VALUES (?, ?, ?, ?, ?, ?)
	`, scope, id, attempts, reason, now.UnixMilli(), payload)
	return err
}

// ReclaimExpired claims leases that expired strictly before now.
func (b *SQLiteBackend) ReclaimExpired(ctx context.Context, keys Keys, now time.Time, policy ReclaimPolicy) ([]Reclaimed, error) {
	var result []Reclaimed
	err := b.inTx(ctx, func(tx *sql.Tx) error {
		result = nil
		limit := policy.Limit
		if limit <= 0 {
			limit = -1 // SQLite: no limit
		}
		rows, err := tx.QueryContext(ctx, `
			SELECT id, payload, priority, attempts FROM queue_items
			WHERE scope = ? AND state = ? AND expires_at_ms < ?
			ORDER BY expires_at_ms ASC, id ASC
			LIMIT ?
		`, keys.Scope, ItemStateLeased, now.UnixMilli(), limit)
		if err != nil {
			return err
		}
		type expired struct {
			id       string
			payload  []byte
			priority int
			attempts int
		}
		var claimed []expired
		for rows.Next() {
			var e expired
			if err := rows.Scan(&e.id, &e.payload, &e.priority, &e.attempts); err != nil {
				rows.Close()
				return err
			}
			claimed = append(claimed, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, e := range claimed {
			attempts := e.attempts + 1
			if attempts > policy.MaxRetries {
				if err := sqliteBury(ctx, tx, keys.Scope, e.id, e.payload, attempts, ErrMaxRetriesExceeded.Error(), now); err != nil {
					return err
				}
				result = append(result, Reclaimed{ID: e.id, Attempts: attempts, Outcome: DecisionDeadLetter})
				continue
			}
			var readyAt time.Time
			if delay := policy.delay(attempts); delay > 0 {
				readyAt = now.Add(delay)
			}
			if err := sqliteSchedule(ctx, tx, keys.Scope, e.id, attempts, policy.priority(e.priority, attempts), readyAt, now); err != nil {
				return err
			}
			result = append(result, Reclaimed{ID: e.id, Attempts: attempts, Outcome: DecisionRequeue})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reclaim expired: %w", err)
	}
	return result, nil
}

// AddFingerprint prunes expired fingerprints and records hash.
func (b *SQLiteBackend) AddFingerprint(ctx context.Context, keys Keys, hash string, now time.Time, ttl time.Duration) (bool, error) {
	var added bool
	err := b.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		added, err = sqliteAddFingerprint(ctx, tx, keys.Scope, hash, now, ttl)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("add fingerprint: %w", err)
	}
	return added, nil
}

func sqliteAddFingerprint(ctx context.Context, tx *sql.Tx, scope, hash string, now time.Time, ttl time.Duration) (bool, error) {
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM fingerprints WHERE scope = ? AND expires_at_ms <= ?
	`, scope, now.UnixMilli()); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO fingerprints (scope, hash, expires_at_ms) VALUES (?, ?, ?)
		ON CONFLICT(scope, hash) DO NOTHING
	`, scope, hash, now.Add(ttl).UnixMilli())
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Stats returns collection sizes.
func (b *SQLiteBackend) Stats(ctx context.Context, keys Keys) (*QueueStats, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	stats := &QueueStats{}
	rows, err := b.db.QueryContext(ctx, `
		SELECT state, COUNT(*) FROM queue_items WHERE scope = ? GROUP BY state
	`, keys.Scope)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state ItemState
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("stats: %w", err)
		}
		switch state {
		case ItemStatePending:
			stats.Pending = n
		case ItemStateDelayed:
			stats.Delayed = n
		case ItemStateLeased:
			stats.Processing = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	if err := b.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM dead_letters WHERE scope = ?
	`, keys.Scope).Scan(&stats.DeadLettered); err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return stats, nil
}

// DeadLetters returns dead-letter records, oldest first.
func (b *SQLiteBackend) DeadLetters(ctx context.Context, keys Keys, limit int) ([]*DeadLetter, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := b.db.QueryContext(ctx, `
		SELECT item_id, attempts, reason, failed_at_ms, data FROM dead_letters
		WHERE scope = ? ORDER BY seq ASC LIMIT ?
	`, keys.Scope, limit)
	if err != nil {
		return nil, fmt.Errorf("dead letters: %w", err)
	}
	defer rows.Close()
	var out []*DeadLetter
	for rows.Next() {
		dl := &DeadLetter{}
		var failedMs int64
		if err := rows.Scan(&dl.ItemID, &dl.Attempts, &dl.Reason, &failedMs, &dl.Data); err != nil {
			return nil, fmt.Errorf("dead letters: %w", err)
		}
		dl.FailedAt = fromUnixMilli(failedMs)
		out = append(out, dl)
	}
	return out, rows.Err()
}

// Clear deletes every row of the queue.
func (b *SQLiteBackend) Clear(ctx context.Context, keys Keys) error {
	return b.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"queue_items", "queue_seq", "fingerprints", "dead_letters"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE scope = ?", keys.Scope); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		return nil
	})
}
