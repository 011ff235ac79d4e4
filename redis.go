package crawlqueue

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	//go:embed scripts/common.lua
	commonLua string
	//go:embed scripts/push.lua
	pushLua string
	//go:embed scripts/push_unique.lua
	pushUniqueLua string
	//go:embed scripts/pop_and_lease.lua
	popAndLeaseLua string
	//go:embed scripts/ack.lua
	ackLua string
	//go:embed scripts/release.lua
	releaseLua string
	//go:embed scripts/extend.lua
	extendLua string
	//go:embed scripts/requeue.lua
	requeueLua string
	//go:embed scripts/dead_letter.lua
	deadLetterLua string
	//go:embed scripts/reclaim.lua
	reclaimLua string
	//go:embed scripts/fingerprint.lua
	fingerprintLua string
)

// Queue scripts share the helpers in common.lua and the same KEYS layout.
var (
	pushScript        = redis.NewScript(commonLua + pushLua)
	pushUniqueScript  = redis.NewScript(commonLua + pushUniqueLua)
	popAndLeaseScript = redis.NewScript(commonLua + popAndLeaseLua)
	ackScript         = redis.NewScript(commonLua + ackLua)
	releaseScript     = redis.NewScript(commonLua + releaseLua)
	extendScript      = redis.NewScript(commonLua + extendLua)
	requeueScript     = redis.NewScript(commonLua + requeueLua)
	deadLetterScript  = redis.NewScript(commonLua + deadLetterLua)
	reclaimScript     = redis.NewScript(commonLua + reclaimLua)
	fingerprintScript = redis.NewScript(fingerprintLua)
)

// minBlockingVersion is the first server release with BZPOPMIN.
const minBlockingVersion = 5

var _ BlockingBackend = (*RedisBackend)(nil)

// RedisOption configures the RedisBackend.
type RedisOption func(*RedisBackend)

// WithRedisLogger sets a custom logger.
func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(b *RedisBackend) { b.logger = l }
}

// WithClientOwnership makes Close also close the Redis client.
func WithClientOwnership() RedisOption {
	return func(b *RedisBackend) { b.ownsClient = true }
}

// RedisBackend implements the Backend interface on Redis. Every mutation is a
// single Lua script, so it is atomic across all processes sharing the server.
// In Redis Cluster all keys of a queue must hash to one slot: enable job
// scoping, or put a hash tag in the queue key.
type RedisBackend struct {
	client     redis.UniversalClient
	logger     *slog.Logger
	ownsClient bool
}

// NewRedisBackend creates a Redis-backed queue store. The caller owns the
// client lifecycle unless WithClientOwnership is given.
func NewRedisBackend(client redis.UniversalClient, opts ...RedisOption) *RedisBackend {
	b := &RedisBackend{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Client returns the underlying Redis client.
func (b *RedisBackend) Client() redis.UniversalClient { return b.client }

// Ping verifies the Redis connection is alive.
func (b *RedisBackend) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return b.wrap("ping", err)
	}
	return nil
}

// Close closes the client if the backend owns it.
func (b *RedisBackend) Close() error {
	if !b.ownsClient {
		return nil
	}
	return b.client.Close()
}

func scriptKeys(k Keys) []string {
	return []string{
		k.Pending, k.Processing, k.Delayed, k.Items, k.Priorities,
		k.Attempts, k.Owners, k.Seq, k.Ready, k.Dead,
	}
}

// wrap annotates err, marking connection-level failures as ErrBackendUnavailable.
func (b *RedisBackend) wrap(op string, err error) error {
	if isTransient(err) {
		return unavailable("crawlqueue/redis: "+op, err)
	}
	return fmt.Errorf("crawlqueue/redis: %s: %w", op, err)
}

func (b *RedisBackend) runFlag(ctx context.Context, op string, script *redis.Script, keys []string, args ...any) (bool, error) {
	n, err := script.Run(ctx, b.client, keys, args...).Int()
	if err != nil {
		return false, b.wrap(op, err)
	}
	return n == 1, nil
}

// Push inserts rec into pending or delayed.
func (b *RedisBackend) Push(ctx context.Context, keys Keys, rec Record, now time.Time) (bool, error) {
	if rec.ID == "" {
		return false, fmt.Errorf("item ID is required")
	}
	return b.runFlag(ctx, "push", pushScript, scriptKeys(keys),
		rec.ID, rec.Data, rec.Priority, rec.Attempts, unixMilli(rec.ReadyAt), now.UnixMilli())
}

// PushUnique runs the fingerprint check and the push as one script.
func (b *RedisBackend) PushUnique(ctx context.Context, keys Keys, rec Record, fp Fingerprint) (PushOutcome, error) {
	if rec.ID == "" {
		return PushDuplicate, fmt.Errorf("item ID is required")
	}
	n, err := pushUniqueScript.Run(ctx, b.client, append(scriptKeys(keys), keys.Fingerprints),
		rec.ID, rec.Data, rec.Priority, rec.Attempts, unixMilli(rec.ReadyAt), fp.CreatedAt.UnixMilli(),
		fp.Hash, fp.ExpiresAt().UnixMilli(), fp.TTL.Milliseconds()).Int()
	if err != nil {
		return PushDuplicate, b.wrap("push unique", err)
	}
	return PushOutcome(n), nil
}

// PopAndLease moves the best eligible item into processing.
func (b *RedisBackend) PopAndLease(ctx context.Context, keys Keys, req LeaseRequest) (*Record, error) {
	res, err := popAndLeaseScript.Run(ctx, b.client, scriptKeys(keys),
		req.Now.UnixMilli(), req.ExpiresAt.UnixMilli(), req.Token).Slice()
	return b.popped("pop and lease", res, err)
}

// popped decodes the {id, payload, attempts, priority} reply of the pop script.
func (b *RedisBackend) popped(op string, res []any, err error) (*Record, error) {
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, b.wrap(op, err)
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("crawlqueue/redis: %s: unexpected reply length %d", op, len(res))
	}
	rec := &Record{}
	rec.ID, _ = res[0].(string)
	if payload, ok := res[1].(string); ok {
		rec.Data = []byte(payload)
	}
	if rec.Attempts, err = replyInt(res[2]); err != nil {
		return nil, fmt.Errorf("crawlqueue/redis: %s: attempts: %w", op, err)
	}
	if rec.Priority, err = replyInt(res[3]); err != nil {
		return nil, fmt.Errorf("crawlqueue/redis: %s: priority: %w", op, err)
	}
	return rec, nil
}

func replyInt(v any) (int, error) {
	switch t := v.(type) {
	case int64:
		return int(t), nil
	case string:
		// priorities adjusted inside Lua may come back as "15.0"-style numbers
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, err
		}
		return int(f), nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected reply type %T", v)
	}
}

// Ack removes an owned item.
func (b *RedisBackend) Ack(ctx context.Context, keys Keys, id, token string) (bool, error) {
	return b.runFlag(ctx, "ack", ackScript, scriptKeys(keys), id, token)
}

// Release returns an owned item to pending.
func (b *RedisBackend) Release(ctx context.Context, keys Keys, id, token string, now time.Time) (bool, error) {
	return b.runFlag(ctx, "release", releaseScript, scriptKeys(keys), id, token, now.UnixMilli())
}

// Extend moves the expiry of an owned lease.
func (b *RedisBackend) Extend(ctx context.Context, keys Keys, id, token string, expiresAt time.Time) (bool, error) {
	return b.runFlag(ctx, "extend", extendScript, scriptKeys(keys), id, token, expiresAt.UnixMilli())
}

// Requeue returns an owned item to pending or delayed.
func (b *RedisBackend) Requeue(ctx context.Context, keys Keys, req RequeueRequest) (bool, error) {
	return b.runFlag(ctx, "requeue", requeueScript, scriptKeys(keys),
		req.ID, req.Token, req.Attempts, req.Priority, unixMilli(req.ReadyAt), req.Now.UnixMilli())
}

// DeadLetter removes an owned item and records it as dead.
func (b *RedisBackend) DeadLetter(ctx context.Context, keys Keys, req DeadLetterRequest) (bool, error) {
	return b.runFlag(ctx, "dead letter", deadLetterScript, scriptKeys(keys),
		req.ID, req.Token, req.Attempts, req.Reason, req.Now.UnixMilli())
}

// ReclaimExpired claims leases that expired strictly before now.
func (b *RedisBackend) ReclaimExpired(ctx context.Context, keys Keys, now time.Time, policy ReclaimPolicy) ([]Reclaimed, error) {
	res, err := reclaimScript.Run(ctx, b.client, scriptKeys(keys),
		now.UnixMilli(),
		policy.MaxRetries,
		policy.BaseDelay.Milliseconds(),
		policy.MaxDelay.Milliseconds(),
		policy.PriorityAdjust,
		policy.Limit,
		ErrMaxRetriesExceeded.Error(),
	).Slice()
	if err != nil {
		return nil, b.wrap("reclaim", err)
	}
	if len(res)%3 != 0 {
		return nil, fmt.Errorf("crawlqueue/redis: reclaim: unexpected reply length %d", len(res))
	}
	out := make([]Reclaimed, 0, len(res)/3)
	for i := 0; i < len(res); i += 3 {
		id, _ := res[i].(string)
		status, _ := res[i+1].(string)
		attempts, err := replyInt(res[i+2])
		if err != nil {
			return nil, fmt.Errorf("crawlqueue/redis: reclaim: attempts: %w", err)
		}
		outcome := DecisionRequeue
		if status == "dead" {
			outcome = DecisionDeadLetter
		}
		out = append(out, Reclaimed{ID: id, Attempts: attempts, Outcome: outcome})
	}
	return out, nil
}

// AddFingerprint prunes, checks and records a fingerprint in one script.
func (b *RedisBackend) AddFingerprint(ctx context.Context, keys Keys, hash string, now time.Time, ttl time.Duration) (bool, error) {
	return b.runFlag(ctx, "add fingerprint", fingerprintScript, []string{keys.Fingerprints},
		hash, now.UnixMilli(), now.Add(ttl).UnixMilli(), ttl.Milliseconds())
}

// Stats returns collection sizes.
func (b *RedisBackend) Stats(ctx context.Context, keys Keys) (*QueueStats, error) {
	pipe := b.client.Pipeline()
	pending := pipe.ZCard(ctx, keys.Pending)
	delayed := pipe.ZCard(ctx, keys.Delayed)
	processing := pipe.ZCard(ctx, keys.Processing)
	dead := pipe.LLen(ctx, keys.Dead)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, b.wrap("stats", err)
	}
	return &QueueStats{
		Pending:      pending.Val(),
		Delayed:      delayed.Val(),
		Processing:   processing.Val(),
		DeadLettered: dead.Val(),
	}, nil
}

// DeadLetters returns dead-letter records, oldest first.
func (b *RedisBackend) DeadLetters(ctx context.Context, keys Keys, limit int) ([]*DeadLetter, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raw, err := b.client.LRange(ctx, keys.Dead, 0, stop).Result()
	if err != nil {
		return nil, b.wrap("dead letters", err)
	}
	out := make([]*DeadLetter, 0, len(raw))
	for _, r := range raw {
		dl, err := parseDeadRecord(r)
		if err != nil {
			b.logger.Warn("skipping malformed dead-letter record", "key", keys.Dead, "error", err)
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// parseDeadRecord parses '<len>:<id><len>:<reason><attempts>:<failed_ms>:<payload>'.
func parseDeadRecord(s string) (*DeadLetter, error) {
	id, rest, err := readSized(s)
	if err != nil {
		return nil, fmt.Errorf("id: %w", err)
	}
	reason, rest, err := readSized(rest)
	if err != nil {
		return nil, fmt.Errorf("reason: %w", err)
	}
	attempts, rest, err := readNumber(rest)
	if err != nil {
		return nil, fmt.Errorf("attempts: %w", err)
	}
	failedMs, rest, err := readNumber(rest)
	if err != nil {
		return nil, fmt.Errorf("failed at: %w", err)
	}
	return &DeadLetter{
		ItemID:   id,
		Attempts: int(attempts),
		Reason:   reason,
		FailedAt: fromUnixMilli(failedMs),
		Data:     []byte(rest),
	}, nil
}

func readNumber(s string) (int64, string, error) {
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return 0, "", errors.New("missing separator")
	}
	n, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return 0, "", err
	}
	return n, s[i+1:], nil
}

func readSized(s string) (string, string, error) {
	n, rest, err := readNumber(s)
	if err != nil {
		return "", "", err
	}
	if n < 0 || int(n) > len(rest) {
		return "", "", fmt.Errorf("length %d out of range", n)
	}
	return rest[:n], rest[n:], nil
}

// Clear deletes every key of the queue.
func (b *RedisBackend) Clear(ctx context.Context, keys Keys) error {
	all := append(scriptKeys(keys), keys.Fingerprints)
	if err := b.client.Del(ctx, all...).Err(); err != nil {
		return b.wrap("clear", err)
	}
	return nil
}

// SupportsBlocking reports whether the server version offers BZPOPMIN.
func (b *RedisBackend) SupportsBlocking(ctx context.Context) (bool, error) {
	info, err := b.client.Info(ctx, "server").Result()
	if err != nil {
		return false, b.wrap("info", err)
	}
	major, ok := parseRedisMajor(info)
	if !ok {
		b.logger.Warn("could not determine redis version; assuming no blocking support")
		return false, nil
	}
	return major >= minBlockingVersion, nil
}

func parseRedisMajor(info string) (int, bool) {
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		version, found := strings.CutPrefix(line, "redis_version:")
		if !found {
			continue
		}
		majorStr, _, _ := strings.Cut(version, ".")
		major, err := strconv.Atoi(majorStr)
		if err != nil {
			return 0, false
		}
		return major, true
	}
	return 0, false
}

// WaitReady blocks on the queue's ready-signal set with BZPOPMIN.
// The server resolves timeouts in whole seconds, so timeout is rounded up.
func (b *RedisBackend) WaitReady(ctx context.Context, keys Keys, timeout time.Duration) (bool, error) {
	wait := timeout.Truncate(time.Second)
	if wait < timeout || wait == 0 {
		wait += time.Second
	}
	err := b.client.BZPopMin(ctx, wait, keys.Ready).Err()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, redis.Nil):
		return false, nil
	case isUnknownCommand(err):
		return false, ErrBlockingUnsupported
	case ctx.Err() != nil:
		return false, ctx.Err()
	default:
		return false, b.wrap("bzpopmin", err)
	}
}

func isUnknownCommand(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unknown command")
}
