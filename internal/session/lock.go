package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/openmined/portal/internal/utils"
)

// LockFileName is created in the shared directory while a session uses it.
const LockFileName = ".portal.lock"

var ErrDirLocked = errors.New("directory is used by another portal session")

type dirLock struct {
	flock *flock.Flock
}

func newDirLock(dir string) *dirLock {
	return &dirLock{flock: flock.New(filepath.Join(dir, LockFileName))}
}

func (l *dirLock) Lock() error {
	if err := utils.EnsureParent(l.flock.Path()); err != nil {
		return err
	}

	locked, err := l.flock.TryLock()
	if err != nil {
		return fmt.Errorf("lock %s: %w", l.flock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrDirLocked, filepath.Dir(l.flock.Path()))
	}
	return nil
}

func (l *dirLock) Unlock() error {
	// never remove a lock file held by someone else
	if !l.flock.Locked() {
		return nil
	}

	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("unlock %s: %w", l.flock.Path(), err)
	}
	return os.Remove(l.flock.Path())
}
