// Package singleinstance ensures at most one agent process owns a named,
// machine-global lock at a time, using an advisory file lock so the OS
// transfers ownership to the next acquirer when a holder dies without
// releasing.
package singleinstance

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrAlreadyHeld is returned by Acquire when another live process already
// holds the named lock. This is an expected condition, not a fault: callers
// should exit cleanly with a distinct exit code, not report it as an error.
var ErrAlreadyHeld = errors.New("singleinstance: lock already held")

// Guard is a machine-global named lock. The zero value is not usable; use
// New. A Guard is safe to Release multiple times and safe to Release after
// a failed Acquire (a no-op).
type Guard struct {
	path string
	file *os.File
}

// New returns a Guard for the given deployment-scoped name. name should be
// derived from a stable deployment GUID so distinct installs on the same
// machine do not collide; the lock file is dir/<name>.lock, with name
// used as given.
func New(dir, name string) *Guard {
	return &Guard{path: filepath.Join(dir, name+".lock")}
}

// Acquire attempts to take the lock without blocking. It returns
// ErrAlreadyHeld (not a fault) if another live process holds it. The lock
// file is created world-readable so unrelated user sessions can observe
// it and fail fast, per the world-readable-visibility contract.
func (g *Guard) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(g.path), 0o755); err != nil {
		return fmt.Errorf("singleinstance: create lock dir: %w", err)
	}

	f, err := os.OpenFile(g.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("singleinstance: open lock file: %w", err)
	}

	if err := tryLockExclusive(f); err != nil {
		f.Close()
		if errors.Is(err, errLockHeld) {
			return ErrAlreadyHeld
		}
		return fmt.Errorf("singleinstance: acquire lock: %w", err)
	}

	// Abandoned-lock semantics: if our own process dies without calling
	// Release, the OS releases the advisory lock automatically when the fd
	// closes on process exit, so the next Acquire call on this same file
	// transparently succeeds. We still record our own pid for operators
	// inspecting the file.
	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(fmt.Sprintf("%d\n", os.Getpid())), 0)

	g.file = f
	return nil
}

// Release drops the lock and removes the underlying file descriptor's
// hold on it. It is safe to call on a Guard that never successfully
// acquired.
func (g *Guard) Release() error {
	if g.file == nil {
		return nil
	}
	err := unlock(g.file)
	closeErr := g.file.Close()
	g.file = nil
	if err != nil {
		return fmt.Errorf("singleinstance: release lock: %w", err)
	}
	return closeErr
}
