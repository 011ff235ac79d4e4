package crawlqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// BlockingMode selects how an empty queue is waited on.
type BlockingMode int

const (
	// BlockingAuto uses the native wait when the backend supports it.
	BlockingAuto BlockingMode = iota
	// BlockingOn requires the native wait.
	BlockingOn
	// BlockingOff always polls.
	BlockingOff
)

func (m BlockingMode) String() string {
	switch m {
	case BlockingAuto:
		return "auto"
	case BlockingOn:
		return "on"
	case BlockingOff:
		return "off"
	default:
		return "unknown"
	}
}

// ParseBlockingMode parses "auto", "on" or "off". An empty string means auto.
func ParseBlockingMode(s string) (BlockingMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return BlockingAuto, nil
	case "on", "true", "native":
		return BlockingOn, nil
	case "off", "false", "polling":
		return BlockingOff, nil
	default:
		return BlockingAuto, fmt.Errorf("unknown blocking mode %q", s)
	}
}

// nativeWaitCap bounds a single server-side wait so delayed items that
// become due without a push are still picked up.
const nativeWaitCap = 2 * time.Second

// PopStrategy waits for work on an empty queue, either with the backend's
// blocking primitive or by polling with exponential backoff.
type PopStrategy struct {
	queue  *LeasedQueue
	waiter BlockingBackend
	native atomic.Bool
	logger *slog.Logger

	pollInterval    time.Duration
	pollMaxInterval time.Duration
}

// NewPopStrategy resolves mode against the backend of queue. BlockingOn fails
// with ErrBlockingUnsupported when the backend has no blocking primitive;
// BlockingAuto falls back to polling.
func NewPopStrategy(ctx context.Context, queue *LeasedQueue, mode BlockingMode, pollInterval, pollMaxInterval time.Duration, logger *slog.Logger) (*PopStrategy, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	if pollMaxInterval < pollInterval {
		pollMaxInterval = pollInterval
	}
	s := &PopStrategy{
		queue:           queue,
		logger:          logger,
		pollInterval:    pollInterval,
		pollMaxInterval: pollMaxInterval,
	}
	if mode == BlockingOff {
		return s, nil
	}

	bb, ok := queue.backend.(BlockingBackend)
	if !ok {
		if mode == BlockingOn {
			return nil, ErrBlockingUnsupported
		}
		logger.Debug("backend has no blocking primitive, polling")
		return s, nil
	}
	supported, err := bb.SupportsBlocking(ctx)
	if err != nil || !supported {
		if mode == BlockingOn {
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrBlockingUnsupported, err)
			}
			return nil, ErrBlockingUnsupported
		}
		logger.Warn("blocking pop unavailable, falling back to polling", "error", err)
		return s, nil
	}
	s.waiter = bb
	s.native.Store(true)
	return s, nil
}

// Native reports whether the strategy currently waits server-side.
func (s *PopStrategy) Native() bool { return s.native.Load() }

// WaitAndPop leases the best item for workerID, waiting up to timeout for one
// to arrive. It returns nil when the timeout elapses with the queue still empty.
func (s *PopStrategy) WaitAndPop(ctx context.Context, workerID string, leaseFor, timeout time.Duration) (*Delivery, error) {
	return waitAndPop(ctx, s, timeout, func(ctx context.Context) (*Delivery, error) {
		return s.queue.PopAndLease(ctx, workerID, leaseFor)
	})
}

// WaitAndPopItem removes the best item without a lease, waiting up to timeout.
func (s *PopStrategy) WaitAndPopItem(ctx context.Context, timeout time.Duration) (*WorkItem, error) {
	return waitAndPop(ctx, s, timeout, s.queue.Pop)
}

func waitAndPop[T any](ctx context.Context, s *PopStrategy, timeout time.Duration, pop func(context.Context) (*T, error)) (*T, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)

	poll := backoff.NewExponentialBackOff()
	poll.InitialInterval = s.pollInterval
	poll.MaxInterval = s.pollMaxInterval

	for {
		v, err := pop(ctx)
		if err != nil || v != nil {
			return v, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		if s.native.Load() {
			wait := min(remaining, nativeWaitCap)
			_, err := s.waiter.WaitReady(ctx, s.queue.keys, wait)
			switch {
			case err == nil:
				continue
			case errors.Is(err, ErrBlockingUnsupported):
				s.native.Store(false)
				s.logger.Warn("blocking pop unsupported by server, falling back to polling", "job", s.queue.keys.JobID)
				continue
			case ctx.Err() != nil:
				return nil, ctx.Err()
			default:
				return nil, fmt.Errorf("wait ready: %w", err)
			}
		}

		if err := sleepContext(ctx, min(poll.NextBackOff(), remaining)); err != nil {
			return nil, err
		}
	}
}
