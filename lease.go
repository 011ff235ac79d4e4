package crawlqueue

import (
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"
)

// NewWorkerID returns an identifier unique to this process: host name plus a
// sortable random suffix.
func NewWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + xid.New().String()
}

// newLeaseToken returns a token unique to one checkout by workerID.
func newLeaseToken(workerID string) string {
	return workerID + "/" + uuid.NewString()
}

func newLease(rec *Record, workerID, token string, now, expiresAt time.Time) *Lease {
	return &Lease{
		ItemID:     rec.ID,
		WorkerID:   workerID,
		Token:      token,
		AcquiredAt: now,
		ExpiresAt:  expiresAt,
	}
}
