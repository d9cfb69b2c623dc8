// Package flock provides the advisory inter-process locks the orchestrator is
// built on. Locks are flock(2) locks, so they are released by the kernel when
// the holding process exits, including on a crash.
//
// Two flavours exist:
//
//   - Mutex: a named critical section whose artifact lives in a lock
//     directory and is removed on every exit path.
//   - Lock: a non-blocking claim on an existing path (a campaign slot
//     directory). The path is never removed by Unlock.
package flock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// ErrContended is returned by TryLock and TryShared when another holder owns
// the lock. It is expected control flow, not a failure.
var ErrContended = errors.New("lock is held by another process")

const (
	lockSuffix  = ".lock"
	defaultPoll = 10 * time.Millisecond
)

// Mutex serializes critical sections by name across every cooperating
// process on the host.
type Mutex struct {
	dir  string
	poll time.Duration
}

// NewMutex returns a Mutex that keeps its artifacts in dir.
func NewMutex(dir string) *Mutex {
	return &Mutex{dir: dir, poll: defaultPoll}
}

// Dir returns the artifact directory.
func (m *Mutex) Dir() string { return m.dir }

// WithLock runs fn while holding the named lock. The artifact is removed and
// the lock released whether fn returns, fails or panics. Waiting for the lock
// is abandoned when ctx is done.
func (m *Mutex) WithLock(ctx context.Context, name string, fn func() error) error {
	if name == "" || strings.ContainsRune(name, os.PathSeparator) {
		return fmt.Errorf("invalid lock name %q", name)
	}
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	path := filepath.Join(m.dir, name+lockSuffix)
	f, err := m.acquire(ctx, path)
	if err != nil {
		return err
	}
	defer release(f, path)
	return fn()
}

// acquire opens the artifact and locks it exclusively. A previous holder
// unlinks the artifact before unlocking, so after the lock is granted the
// path must still name the locked inode; otherwise the lock is on a dead file
// and acquisition starts over.
func (m *Mutex) acquire(ctx context.Context, path string) (*os.File, error) {
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open lock %s: %w", path, err)
		}
		if err := waitExclusive(ctx, f, m.poll); err != nil {
			f.Close()
			return nil, err
		}
		if sameInode(f, path) {
			return f, nil
		}
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}
}

func waitExclusive(ctx context.Context, f *os.File, poll time.Duration) error {
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		case !errors.Is(err, unix.EWOULDBLOCK):
			return fmt.Errorf("flock %s: %w", f.Name(), err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}

func release(f *os.File, path string) {
	_ = os.Remove(path)
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	f.Close()
}

// PurgeStale removes artifacts left behind by earlier runs. An artifact is
// only removed when its lock can be taken without blocking, so critical
// sections held by live processes are untouched, including ones whose
// artifact was recreated between the scan and the lock attempt. It returns
// the number of artifacts removed.
func (m *Mutex) PurgeStale() (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read lock directory: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), lockSuffix) {
			continue
		}
		path := filepath.Join(m.dir, entry.Name())
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			continue
		}
		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			f.Close()
			continue
		}
		if !sameInode(f, path) {
			// Released and recreated since it was opened; the artifact now at
			// path belongs to a live holder.
			_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
			f.Close()
			continue
		}
		release(f, path)
		removed++
	}
	return removed, nil
}

// sameInode reports whether path still names the file f has open.
func sameInode(f *os.File, path string) bool {
	held, herr := f.Stat()
	current, cerr := os.Stat(path)
	return herr == nil && cerr == nil && os.SameFile(held, current)
}

// Lock is a held non-blocking claim on a path.
type Lock struct {
	f    *os.File
	path string
}

// TryLock takes an exclusive lock on an existing file or directory without
// blocking. ErrContended is returned when another holder owns it.
func TryLock(path string) (*Lock, error) {
	return tryLock(path, unix.LOCK_EX)
}

// TryShared takes a shared lock without blocking. It fails with ErrContended
// while an exclusive holder exists, which lets observers detect a slot that
// is owned by a running launcher.
func TryShared(path string) (*Lock, error) {
	return tryLock(path, unix.LOCK_SH)
}

func tryLock(path string, how int) (*Lock, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	for {
		err = unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrContended
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return &Lock{f: f, path: path}, nil
}

// Path returns the locked path.
func (l *Lock) Path() string { return l.path }

// Unlock releases the lock. The locked path is left in place. Calling Unlock
// more than once is a no-op.
func (l *Lock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
