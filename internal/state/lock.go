package state

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Error variables for file locking operations
var (
	// ErrLockTimeout is returned when a lock cannot be acquired within the specified timeout
	ErrLockTimeout = errors.New("lock acquisition timeout")
	// ErrLockNotHeld is returned when attempting to release a lock that isn't held
	ErrLockNotHeld = errors.New("lock not held")
)

// FileLock guards the state database against a second reader process.
type FileLock struct {
	path     string
	lockFile *os.File
	locked   bool
}

// NewFileLock creates a lock for the database at dbPath.
func NewFileLock(dbPath string) *FileLock {
	return &FileLock{path: dbPath + ".lock"}
}

// Lock acquires the file lock, retrying until timeout.
func (fl *FileLock) Lock(timeout time.Duration) error {
	if fl.locked {
		return errors.New("lock already held")
	}

	if err := os.MkdirAll(filepath.Dir(fl.path), 0o700); err != nil {
		return err
	}

	start := time.Now()
	for {
		file, err := os.OpenFile(fl.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			fl.lockFile = file
			fl.locked = true

			if _, err := file.WriteString(strconv.Itoa(os.Getpid())); err != nil {
				fl.Unlock()
				return err
			}

			return platformLock(file)
		}

		if time.Since(start) > timeout {
			return ErrLockTimeout
		}

		if fl.isLockStale() {
			os.Remove(fl.path)
			continue
		}

		time.Sleep(100 * time.Millisecond)
	}
}

// Unlock releases the file lock.
func (fl *FileLock) Unlock() error {
	if !fl.locked {
		return ErrLockNotHeld
	}

	var err error
	if fl.lockFile != nil {
		if unlockErr := platformUnlock(fl.lockFile); unlockErr != nil {
			err = unlockErr
		}
		if closeErr := fl.lockFile.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		fl.lockFile = nil
	}

	if removeErr := os.Remove(fl.path); removeErr != nil && err == nil {
		err = removeErr
	}

	fl.locked = false
	return err
}

// isLockStale reports whether the lock file looks abandoned. A lock older
// than 5 minutes is treated as left behind by a dead process.
func (fl *FileLock) isLockStale() bool {
	info, err := os.Stat(fl.path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) > 5*time.Minute
}
