package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// lockFileName lives directly under the account directory so that
// deleting the directory also removes the lock.
const lockFileName = "LOCK"

// owner is the payload written into the lock file for diagnostics; it is
// never read back by the owning process, only by a contender that lost.
type owner struct {
	PID     int       `json:"pid"`
	Started time.Time `json:"started"`
}

// LockHeldError is returned when another process holds the account lock.
type LockHeldError struct {
	PID  int
	Path string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("account lock held by PID %d (%s)", e.PID, e.Path)
}

// Lock is an acquired per-account flock. The daemon runs exactly one
// logical session per account; the lock enforces that across processes.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive non-blocking flock on the account directory's
// lock file, creating the directory if needed. When another process holds
// the lock, the returned error is a LockHeldError carrying that process's
// PID as recorded in the file.
func Acquire(accountDir string) (*Lock, error) {
	if err := os.MkdirAll(accountDir, 0700); err != nil {
		return nil, fmt.Errorf("create account dir: %w", err)
	}

	path := filepath.Join(accountDir, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		held := &LockHeldError{PID: readOwnerPID(path), Path: path}
		_ = f.Close()
		return nil, held
	}

	if err := writeOwner(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("record lock owner: %w", err)
	}
	return &Lock{file: f, path: path}, nil
}

// Release removes the lock file and closes it, dropping the flock.
// Safe on a nil receiver and idempotent.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

func writeOwner(f *os.File) error {
	data, err := json.Marshal(owner{PID: os.Getpid(), Started: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

func readOwnerPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	var o owner
	if json.Unmarshal(data, &o) != nil {
		return 0
	}
	return o.PID
}
