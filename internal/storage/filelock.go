package storage

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/flock"
)

// lockRetryDelay is how often a contended lock is re-attempted.
const lockRetryDelay = 10 * time.Millisecond

// FileLock provides advisory file locking for cross-process synchronization.
// The lock file lives at path + ".lock".
type FileLock struct {
	path string
	lock *flock.Flock
}

// NewFileLock creates a file lock. The lock is not acquired until Lock() is called.
func NewFileLock(path string) *FileLock {
	p := path + ".lock"
	return &FileLock{path: p, lock: flock.New(p)}
}

// Path returns the location of the lock file.
func (l *FileLock) Path() string { return l.path }

// Lock acquires an exclusive lock, waiting at most timeout.
// Returns ErrLockTimeout if the lock cannot be acquired in time.
func (l *FileLock) Lock(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ok, err := l.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return &StorageError{Op: "lock", Entity: "file", ID: l.path, Err: err}
	}
	if !ok {
		return ErrLockTimeout
	}
	return nil
}

// TryLock acquires the lock without waiting. It reports false when another
// process holds it.
func (l *FileLock) TryLock() (bool, error) {
	ok, err := l.lock.TryLock()
	if err != nil {
		return false, &StorageError{Op: "lock", Entity: "file", ID: l.path, Err: err}
	}
	return ok, nil
}

// Unlock releases the lock. It is a no-op when the lock is not held.
func (l *FileLock) Unlock() error {
	if !l.lock.Locked() {
		return nil
	}
	return l.lock.Unlock()
}
