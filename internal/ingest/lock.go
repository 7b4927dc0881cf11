package ingest

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/sina-abbasi/ragline/internal/store"
)

// LockHeldError reports that another process currently holds the run lock. It
// carries the holder's identity and expiry for diagnostics.
type LockHeldError struct {
	Key        string
	Owner      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("lock %q is held by %s (acquired %s, expires %s)",
		e.Key, e.Owner, e.AcquiredAt.Format(time.RFC3339), e.ExpiresAt.Format(time.RFC3339))
}

// Lock is a held run-exclusion lock.
type Lock struct {
	Key       string
	Owner     string
	ExpiresAt time.Time
}

// LockStore is the subset of the store the lock manager needs.
type LockStore interface {
	TryAcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (store.LockRecord, bool, error)
	ReleaseLock(ctx context.Context, key, owner string) error
}

// LockManager guards orchestration runs with a single shared lock row. There
// is no heartbeat or renewal: a run must finish inside the lock's timeout.
type LockManager struct {
	store  LockStore
	owner  string
	logger *log.Logger
}

func NewLockManager(st LockStore, logger *log.Logger) *LockManager {
	if logger == nil {
		logger = log.New(log.Writer(), "[LOCK] ", log.LstdFlags)
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &LockManager{
		store:  st,
		owner:  fmt.Sprintf("%s:%d", hostname, os.Getpid()),
		logger: logger,
	}
}

// Owner identifies this process in lock rows.
func (m *LockManager) Owner() string { return m.owner }

// Acquire takes the lock or fails with *LockHeldError when a live lock exists.
// Expired locks are reclaimed transparently.
func (m *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	rec, ok, err := m.store.TryAcquireLock(ctx, key, m.owner, ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %q: %w", key, err)
	}
	if !ok {
		return nil, &LockHeldError{
			Key:        key,
			Owner:      rec.Owner,
			AcquiredAt: rec.AcquiredAt,
			ExpiresAt:  rec.ExpiresAt,
		}
	}
	m.logger.Printf("lock %q acquired by %s, expires at %s", key, m.owner, rec.ExpiresAt.Format(time.RFC3339))
	return &Lock{Key: key, Owner: m.owner, ExpiresAt: rec.ExpiresAt}, nil
}

// Release drops the lock. Releasing a lock that expired or was already
// released is a no-op.
func (m *LockManager) Release(ctx context.Context, lock *Lock) error {
	if lock == nil {
		return nil
	}
	if err := m.store.ReleaseLock(ctx, lock.Key, lock.Owner); err != nil {
		return fmt.Errorf("release lock %q: %w", lock.Key, err)
	}
	m.logger.Printf("lock %q released by %s", lock.Key, lock.Owner)
	return nil
}
