// Package seqid hands out the smallest unused non-negative integer below a
// namespace directory and reserves it by creating the matching subdirectory.
package seqid

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"captain/internal/flock"
)

// LockName is the named mutex shared by every allocation in the system,
// across all namespaces.
const LockName = "seqid"

// Allocator reserves sequential IDs. Every decision is made inside one
// process-tree-wide critical section, so the directory created for an ID is
// visible to the next caller before it scans.
type Allocator struct {
	mu   *flock.Mutex
	mode os.FileMode
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithMode sets the permission bits applied to created slot directories.
func WithMode(mode os.FileMode) Option {
	return func(a *Allocator) { a.mode = mode }
}

// New returns an Allocator guarded by mu.
func New(mu *flock.Mutex, opts ...Option) *Allocator {
	a := &Allocator{mu: mu, mode: 0755}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Next reserves and returns the next ID in dir. The namespace directory is
// created if needed; a missing or empty namespace yields 0.
func (a *Allocator) Next(ctx context.Context, dir string) (int, error) {
	var id int
	err := a.mu.WithLock(ctx, LockName, func() error {
		ids, err := List(dir)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create namespace %s: %w", dir, err)
		}
		for {
			id = FirstGap(ids)
			slot := filepath.Join(dir, strconv.Itoa(id))
			err := os.Mkdir(slot, a.mode)
			if os.IsExist(err) {
				// A plain file holds the name; it is not an id but it cannot
				// become one either.
				ids = append(ids, id)
				sort.Ints(ids)
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to reserve slot %s: %w", slot, err)
			}
			// Mkdir is subject to the umask.
			return os.Chmod(slot, a.mode)
		}
	})
	if err != nil {
		return -1, err
	}
	return id, nil
}

// List returns the numeric subdirectory names of dir in ascending order.
// Plain files and non-numeric names are ignored.
func List(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	ids := make([]int, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		n, err := strconv.Atoi(entry.Name())
		if err != nil || n < 0 {
			continue
		}
		ids = append(ids, n)
	}
	sort.Ints(ids)
	return ids, nil
}

// FirstGap returns the first integer missing from the sorted ids, starting
// at 0, or len(ids) when the sequence is dense.
func FirstGap(ids []int) int {
	next := 0
	for _, id := range ids {
		if id > next {
			return next
		}
		if id == next {
			next++
		}
	}
	return next
}
