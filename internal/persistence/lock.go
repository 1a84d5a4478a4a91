package persistence

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// ErrLockTimeout is returned when the lock file cannot be acquired
// before the deadline elapses.
var ErrLockTimeout = errors.New("persistence: lock acquisition timed out")

const (
	lockPollInterval = 50 * time.Millisecond
	lockDeadline     = 5 * time.Second
)

// FileLock is a filesystem mutex backed by a sibling <path>.lock file.
// Acquisition is an exclusive atomic create; the owner's token is written
// into the file so a stale release from another holder is a no-op. The
// lock works across processes, which lets a control tool and the server
// share the same data files.
type FileLock struct {
	path  string // the .lock file itself
	token string // set while held
}

// NewFileLock creates a lock guarding the given document path.
func NewFileLock(docPath string) *FileLock {
	return &FileLock{path: docPath + ".lock"}
}

// Acquire polls for the lock until it is obtained or the deadline passes.
func (l *FileLock) Acquire() error {
	token := uuid.NewString()
	deadline := time.Now().Add(lockDeadline)

	for {
		f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			if _, werr := f.WriteString(token); werr != nil {
				f.Close()
				os.Remove(l.path)
				return fmt.Errorf("failed to write lock token: %w", werr)
			}
			f.Close()
			l.token = token
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("failed to create lock file: %w", err)
		}
		if time.Now().After(deadline) {
			return ErrLockTimeout
		}
		time.Sleep(lockPollInterval)
	}
}

// Release deletes the lock file, but only if we still own it.
func (l *FileLock) Release() error {
	if l.token == "" {
		return nil
	}
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			l.token = ""
			return nil
		}
		return fmt.Errorf("failed to read lock file: %w", err)
	}
	if string(data) != l.token {
		// Another holder took over after a crash sweep; leave it alone.
		l.token = ""
		return nil
	}
	l.token = ""
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}
