// Package lock keeps two gantry processes from sharing one state directory.
package lock

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// FileName is the lock file inside the state directory.
const FileName = "gantry.lock"

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("state directory is locked by another gantry process")

// PIDLock is an flock(2) held on a file that records the owner's pid. The
// lock lives exactly as long as the open descriptor.
type PIDLock struct {
	path string
	f    *os.File
}

// AcquireStateDir locks FileName inside stateDir, creating the directory.
func AcquireStateDir(stateDir string) (*PIDLock, error) {
	return AcquirePIDLock(filepath.Join(stateDir, FileName))
}

// AcquirePIDLock takes the lock at lockPath without waiting. When another
// process holds it the error wraps ErrLocked and names the holder's pid.
func AcquirePIDLock(lockPath string) (*PIDLock, error) {
	if lockPath == "" {
		return nil, errors.New("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if errors.Is(err, syscall.EWOULDBLOCK) {
		holder := readPID(f)
		_ = f.Close()
		if holder > 0 {
			return nil, fmt.Errorf("%w (pid %d)", ErrLocked, holder)
		}
		return nil, ErrLocked
	}
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	l := &PIDLock{path: lockPath, f: f}
	if err := l.recordPID(); err != nil {
		_ = l.Release()
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	return l, nil
}

func (l *PIDLock) recordPID() error {
	if err := l.f.Truncate(0); err != nil {
		return err
	}
	if _, err := l.f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return err
	}
	return l.f.Sync()
}

// readPID returns the pid recorded in f, or 0.
func readPID(f *os.File) int {
	b, err := io.ReadAll(io.NewSectionReader(f, 0, 32))
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

// Path is the lock file location.
func (l *PIDLock) Path() string { return l.path }

// Release drops the lock. It is safe on a nil or already released lock.
func (l *PIDLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	return f.Close()
}
