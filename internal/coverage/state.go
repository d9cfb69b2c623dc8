// Package coverage attaches coverage containers to running campaigns.
//
// Campaigns expose nothing but the filesystem, so the Reconciler is a
// level-triggered controller: every tick it observes the cache tree and
// converges a table of tracked coverage containers towards it. Stopping
// happens when a slot disappears (promotion or removal), starting when a
// non-empty slot has no coverage output yet, and reaping when a slot stays
// empty past the grace window.
package coverage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"captain/internal/docker"
)

// Key identifies a cache slot.
type Key struct {
	Fuzzer string
	Target string
	ID     int
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%d", k.Fuzzer, k.Target, k.ID)
}

// State is the tracked table. It is process-local; a restarted loop
// rebuilds it from the filesystem.
type State struct {
	tracked map[Key]docker.Handle
	// orphans holds non-empty slots already reported as unowned.
	orphans map[Key]bool
}

// NewState returns an empty table.
func NewState() *State {
	return &State{tracked: make(map[Key]docker.Handle), orphans: make(map[Key]bool)}
}

// Orphaned reports whether k was found non-empty with no launcher holding it.
func (s *State) Orphaned(k Key) bool { return s.orphans[k] }

// Len returns the number of tracked slots.
func (s *State) Len() int { return len(s.tracked) }

// Handle returns the container tracked for k.
func (s *State) Handle(k Key) (docker.Handle, bool) {
	h, ok := s.tracked[k]
	return h, ok
}

// Keys returns every tracked key in a stable order.
func (s *State) Keys() []Key {
	keys := make([]Key, 0, len(s.tracked))
	for k := range s.tracked {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Fuzzer != b.Fuzzer {
			return a.Fuzzer < b.Fuzzer
		}
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		return a.ID < b.ID
	})
	return keys
}

// Slot is one observed cache slot.
type Slot struct {
	Key
	Path    string
	Empty   bool
	ModTime time.Time
}

// Observe lists every cache slot under root (cache/<fuzzer>/<target>/<id>).
// Entries that vanish during the scan are skipped, as are non-numeric
// names and plain files. A missing root observes nothing.
func Observe(root string) ([]Slot, error) {
	fuzzers, err := readDirs(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cache root: %w", err)
	}
	var slots []Slot
	for _, fuzzer := range fuzzers {
		targets, _ := readDirs(filepath.Join(root, fuzzer))
		for _, target := range targets {
			ids, _ := readDirs(filepath.Join(root, fuzzer, target))
			for _, name := range ids {
				id, err := strconv.Atoi(name)
				if err != nil || id < 0 {
					continue
				}
				path := filepath.Join(root, fuzzer, target, name)
				info, err := os.Stat(path)
				if err != nil {
					continue
				}
				empty, err := isEmpty(path)
				if err != nil {
					continue
				}
				slots = append(slots, Slot{
					Key:     Key{Fuzzer: fuzzer, Target: target, ID: id},
					Path:    path,
					Empty:   empty,
					ModTime: info.ModTime(),
				})
			}
		}
	}
	return slots, nil
}

func readDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func isEmpty(dir string) (bool, error) {
	f, err := os.Open(dir)
	if err != nil {
		return false, err
	}
	defer f.Close()
	names, err := f.Readdirnames(1)
	if len(names) > 0 {
		return false, nil
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	return true, nil
}
