package crawlqueue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrBackendUnavailable wraps connection-level failures of the backing store.
	// Operations returning it are retried with bounded backoff and never leave partial state.
	ErrBackendUnavailable = errors.New("crawlqueue: backend unavailable")

	// ErrBlockingUnsupported is returned by WaitReady when the store lacks a blocking primitive.
	ErrBlockingUnsupported = errors.New("crawlqueue: blocking pop not supported by backend")

	// ErrMaxRetriesExceeded is the terminal cause attached to dead-lettered items.
	ErrMaxRetriesExceeded = errors.New("crawlqueue: max retries exceeded")

	// ErrBackendClosed is returned by operations on a closed backend.
	ErrBackendClosed = errors.New("crawlqueue: backend is closed")

	// errLeaseExpired marks items claimed by the reaper after their lease ran out.
	errLeaseExpired = errors.New("lease expired")
)

// SerializationError reports an item that could not be encoded or decoded.
// Undecodable items are dead-lettered instead of retried.
type SerializationError struct {
	Op         string // "encode" or "decode"
	Serializer string
	ItemID     string
	Err        error
}

func (e *SerializationError) Error() string {
	if e.ItemID != "" {
		return fmt.Sprintf("crawlqueue: %s %s item %s: %v", e.Serializer, e.Op, e.ItemID, e.Err)
	}
	return fmt.Sprintf("crawlqueue: %s %s: %v", e.Serializer, e.Op, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// unavailable wraps err as ErrBackendUnavailable, keeping the cause in the chain.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrBackendUnavailable, err)
}

// redis server replies that describe a temporarily unusable node.
var transientReplyPrefixes = []string{"LOADING", "CLUSTERDOWN", "TRYAGAIN", "MASTERDOWN", "READONLY"}

// isTransient reports whether err is a connection-level failure worth retrying.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	// context.DeadlineExceeded satisfies net.Error
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrBackendUnavailable) {
		return true
	}
	if errors.Is(err, redis.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	for _, prefix := range transientReplyPrefixes {
		if strings.HasPrefix(msg, prefix) {
			return true
		}
	}
	return false
}
