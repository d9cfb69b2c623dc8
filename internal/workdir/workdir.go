// Package workdir describes the on-disk layout shared by the scheduler, the
// campaign launchers and the coverage reconciliation loop.
//
//	workdir/
//	  ar/<fuzzer>/<target>/<archiveID>/      permanent campaign output
//	  cache/<fuzzer>/<target>/<cacheID>/     live campaign output
//	  coverage/<fuzzer>/<target>/<cacheID>/  coverage container output
//	  log/<fuzzer>/<target>.log              orchestrator events
//	  log/<fuzzer>/<target>/cpu<ids>.log     campaign container output
//	  poc/                                   crash reproducers
//	  lock/                                  named mutex artifacts and core sentinels
//
// The directory names are part of the contract with downstream tooling and
// must not change.
package workdir

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Top-level directory names.
const (
	ArchiveDir  = "ar"
	CacheDir    = "cache"
	CoverageDir = "coverage"
	LogDir      = "log"
	PocDir      = "poc"
	LockDir     = "lock"
	GraphDir    = "graph"
)

// Layout resolves paths below a workdir root.
type Layout struct {
	Root string
}

// New returns a Layout rooted at the absolute form of root.
func New(root string) (Layout, error) {
	if root == "" {
		return Layout{}, fmt.Errorf("workdir path required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return Layout{}, fmt.Errorf("failed to resolve workdir %s: %w", root, err)
	}
	return Layout{Root: abs}, nil
}

// Ensure creates the fixed top-level directories.
func (l Layout) Ensure() error {
	for _, dir := range []string{ArchiveDir, CacheDir, LogDir, PocDir, LockDir} {
		if err := os.MkdirAll(filepath.Join(l.Root, dir), 0755); err != nil {
			return fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}
	return nil
}

// Cache returns the cache namespace directory for a fuzzer/target pair.
func (l Layout) Cache(fuzzer, target string) string {
	return filepath.Join(l.Root, CacheDir, fuzzer, target)
}

// Archive returns the archive namespace directory for a fuzzer/target pair.
func (l Layout) Archive(fuzzer, target string) string {
	return filepath.Join(l.Root, ArchiveDir, fuzzer, target)
}

// Coverage returns the coverage output directory for a fuzzer/target pair.
func (l Layout) Coverage(fuzzer, target string) string {
	return filepath.Join(l.Root, CoverageDir, fuzzer, target)
}

// CacheRoot is the root of every cache namespace.
func (l Layout) CacheRoot() string { return filepath.Join(l.Root, CacheDir) }

// CoverageRoot is the root of every coverage output directory.
func (l Layout) CoverageRoot() string { return filepath.Join(l.Root, CoverageDir) }

// Locks is the directory holding named mutex artifacts.
func (l Layout) Locks() string { return filepath.Join(l.Root, LockDir) }

// Cores is the directory holding core token sentinels.
func (l Layout) Cores() string { return filepath.Join(l.Root, LockDir, "cores") }

// Poc is the crash reproducer directory.
func (l Layout) Poc() string { return filepath.Join(l.Root, PocDir) }

// GraphData is where coverage summaries are written.
func (l Layout) GraphData() string { return filepath.Join(l.Root, GraphDir, "data") }

// TargetLog is the orchestrator event log for a fuzzer/target pair.
func (l Layout) TargetLog(fuzzer, target string) string {
	return filepath.Join(l.Root, LogDir, fuzzer, target+".log")
}

// BuildLog receives docker build output for a fuzzer image.
func (l Layout) BuildLog(fuzzer string) string {
	return filepath.Join(l.Root, LogDir, fuzzer, "build.log")
}

// RunLog is the core-assigned path campaign container output is streamed to.
func (l Layout) RunLog(fuzzer, target string, cores []int) string {
	ids := make([]string, len(cores))
	for i, c := range cores {
		ids[i] = strconv.Itoa(c)
	}
	return filepath.Join(l.Root, LogDir, fuzzer, target, "cpu"+strings.Join(ids, "_")+".log")
}

// Slot joins a namespace directory and a numeric ID.
func Slot(namespace string, id int) string {
	return filepath.Join(namespace, strconv.Itoa(id))
}
