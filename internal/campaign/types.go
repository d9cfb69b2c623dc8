// Package campaign runs one containerized fuzzing campaign end to end:
// claim a cache slot and an archive slot, run the container bound to the
// caller's cores, then promote the cache slot's contents into the archive
// slot.
//
//	choose-ids -> claim cache lock -> claim archive lock -> run -> promote -> done
//	      ^               |                   |
//	      +---- retry ----+-------------------+
//
// IDs are recomputed on every attempt. A lost lock race means a sibling
// reserved the same ID first, and the attempt restarts with fresh IDs.
package campaign

import (
	"context"
	"fmt"
	"time"

	"captain/internal/docker"
	"captain/internal/ledger"
)

// IDAllocator reserves the next sequential ID in a namespace directory.
type IDAllocator interface {
	Next(ctx context.Context, dir string) (int, error)
}

// Runner executes a campaign container in the foreground.
type Runner interface {
	Run(ctx context.Context, spec docker.RunSpec) (*docker.RunResult, error)
}

// Recorder keeps a durable history of campaign attempts.
type Recorder interface {
	Start(ctx context.Context, e ledger.Entry) (int64, error)
	Finish(ctx context.Context, id int64, exitCode int, outcome string, finishedAt time.Time) error
}

// Request is one campaign to launch on already-held cores.
type Request struct {
	RunID   string
	Fuzzer  string
	Target  string
	Image   string
	Args    string
	Cores   []int
	Timeout time.Duration
}

// Result describes a finished launch.
type Result struct {
	CacheID   int
	ArchiveID int
	ExitCode  int
	Outcome   string

	// Attempts counts claim attempts, including lost lock races.
	Attempts int
}

// PromotionError means the archive slot could not take the cache slot's
// contents. It ends that attempt only; nothing is retried.
type PromotionError struct {
	CacheDir   string
	ArchiveDir string
	Err        error
}

func (e *PromotionError) Error() string {
	return fmt.Sprintf("failed to promote %s to %s: %v", e.CacheDir, e.ArchiveDir, e.Err)
}

func (e *PromotionError) Unwrap() error { return e.Err }
