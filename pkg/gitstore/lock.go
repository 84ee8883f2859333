package gitstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// LockFileName is the advisory lock file at the repository root.
const LockFileName = ".twinsync.lock"

// ErrLocked is returned when another process holds the repository lock.
var ErrLocked = errors.New("twin repository is locked by another process")

// Lock is an advisory exclusive lock over the twin repository working
// directory. Only one snapshot-or-apply operation may hold it at a time:
// a collect-and-commit racing an apply-and-commit could interleave writes
// and corrupt the fragment set.
type Lock struct {
	path     string
	acquired bool
}

// NewLock creates a lock for the repository at root.
func NewLock(root string) *Lock {
	return &Lock{path: filepath.Join(root, LockFileName)}
}

// Acquire takes the lock, failing with ErrLocked if a live process holds
// it. A lock file left behind by a dead process is removed and the lock
// retaken once.
func (l *Lock) Acquire() error {
	if err := l.tryAcquire(); err == nil {
		return nil
	} else if !errors.Is(err, ErrLocked) {
		return err
	}

	pid, readErr := l.holderPid()
	if readErr == nil && !processAlive(pid) {
		_ = os.Remove(l.path)
		return l.tryAcquire()
	}
	return fmt.Errorf("%w (pid %d)", ErrLocked, pid)
}

// Release drops the lock. Releasing an unheld lock is a no-op.
func (l *Lock) Release() error {
	if !l.acquired {
		return nil
	}
	l.acquired = false
	return os.Remove(l.path)
}

func (l *Lock) tryAcquire() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if os.IsExist(err) {
		return ErrLocked
	}
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return err
	}
	l.acquired = true
	return nil
}

func (l *Lock) holderPid() (int, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// processAlive probes a pid with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
