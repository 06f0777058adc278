package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/Iron-Ham/featurepipe/internal/errors"
)

const (
	// LockFileName is the advisory lock guarding the state file.
	LockFileName = "state.lock"

	lockPollInterval = 100 * time.Millisecond
)

// Lock is an exclusive advisory lock on a feature directory. One
// orchestrator process at a time may hold it; the state file is only written
// while it is held.
type Lock struct {
	flock *flock.Flock
}

// LockPath returns the lock file path for a feature directory.
func LockPath(featureDir string) string {
	return filepath.Join(featureDir, WorkDir, LockFileName)
}

// AcquireLock takes the lock for featureDir, polling until wait elapses or
// ctx is done. A zero wait tries exactly once. Failure to acquire returns an
// error matching ErrStateLocked.
func AcquireLock(ctx context.Context, featureDir string, wait time.Duration) (*Lock, error) {
	path := LockPath(featureDir)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	fl := flock.New(path)
	if wait <= 0 {
		locked, err := fl.TryLock()
		if err != nil {
			return nil, fmt.Errorf("acquire state lock: %w", err)
		}
		if !locked {
			return nil, lockedError(featureDir)
		}
		return &Lock{flock: fl}, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	locked, err := fl.TryLockContext(waitCtx, lockPollInterval)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, lockedError(featureDir)
		}
		return nil, fmt.Errorf("acquire state lock: %w", err)
	}
	if !locked {
		return nil, lockedError(featureDir)
	}
	return &Lock{flock: fl}, nil
}

func lockedError(featureDir string) error {
	return errors.NewPipelineError("another featurepipe process is driving this feature", errors.ErrStateLocked).
		WithFeatureDir(featureDir)
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.flock.Path()
}

// Release releases the lock. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.flock == nil {
		return nil
	}
	return l.flock.Unlock()
}
