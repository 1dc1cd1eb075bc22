// Package lease provides the named, time-bounded, single-owner claims every exclusivity
// guarantee in datasync is built from. All mutations are single-document conditional writes.
package lease

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"datasync/internal/models"
)

// WorkerLeaseName is the singleton lease held by the active scheduler process.
const WorkerLeaseName = "worker"

// ErrNotFound is returned by Get when no lease is recorded under the name.
var ErrNotFound = errors.New("lease not found")

// Store is the lease primitive.
//
// Acquire succeeds only when no lease exists for name or the recorded one has expired.
// It never retries internally: losing a race returns false so callers choose how to back off.
// Refresh succeeds only for the recorded owner; false means the lease was reclaimed.
type Store interface {
	Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	Refresh(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name, owner string) error
	IsStale(ctx context.Context, name string, staleAfter time.Duration) (bool, error)
	// ReclaimStale deletes the lease only if it has not been refreshed within staleAfter.
	ReclaimStale(ctx context.Context, name string, staleAfter time.Duration) (bool, error)
	Get(ctx context.Context, name string) (*models.Lease, error)
}

// JobLeaseName returns the per-job lease name.
func JobLeaseName(jobID string) string {
	return "job:" + jobID
}

// ProcessIdentity returns host and pid of the current process.
func ProcessIdentity() (string, int) {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return host, os.Getpid()
}

// NewOwnerID builds a unique owner id of the form host:pid:nonce.
func NewOwnerID() string {
	host, pid := ProcessIdentity()
	return fmt.Sprintf("%s:%d:%s", host, pid, uuid.NewString()[:8])
}
