package campaign

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"captain/internal/docker"
	"captain/internal/flock"
	"captain/internal/ledger"
	"captain/internal/metrics"
	"captain/internal/workdir"

	"go.uber.org/zap"
)

// Launcher runs campaigns against a workdir.
type Launcher struct {
	layout     workdir.Layout
	cacheIDs   IDAllocator
	archiveIDs IDAllocator
	runner     Runner
	recorder   Recorder
	metrics    *metrics.Registry
	now        func() time.Time
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithRecorder records every attempt in a ledger.
func WithRecorder(r Recorder) Option {
	return func(l *Launcher) { l.recorder = r }
}

// WithMetrics records campaign outcomes on m.
func WithMetrics(m *metrics.Registry) Option {
	return func(l *Launcher) { l.metrics = m }
}

// NewLauncher returns a Launcher. Cache and archive IDs may come from
// different allocators so cache slots can be created world-writable for
// the container user.
func NewLauncher(layout workdir.Layout, cacheIDs, archiveIDs IDAllocator, runner Runner, opts ...Option) *Launcher {
	l := &Launcher{layout: layout, cacheIDs: cacheIDs, archiveIDs: archiveIDs, runner: runner, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// claim is a pair of held slot locks.
type claim struct {
	cacheID     int
	archiveID   int
	cacheDir    string
	archiveDir  string
	cacheLock   *flock.Lock
	archiveLock *flock.Lock
}

func (c *claim) release() {
	_ = c.archiveLock.Unlock()
	_ = c.cacheLock.Unlock()
}

// Launch claims slots, runs the campaign and promotes its output.
//
// A run that fails is still promoted so partial output and crash evidence
// are kept. When ctx is done mid-run the locks are released, the empty
// archive slot is removed, and the cache slot is left for the
// reconciliation loop to clean up; ctx's error is returned.
func (l *Launcher) Launch(ctx context.Context, req Request, logger *zap.Logger) (*Result, error) {
	c, attempts, err := l.claim(ctx, req, logger)
	if err != nil {
		return nil, err
	}
	defer c.release()

	result := &Result{CacheID: c.cacheID, ArchiveID: c.archiveID, ExitCode: -1, Attempts: attempts}
	logger = logger.With(zap.Int("cache_id", c.cacheID), zap.Int("archive_id", c.archiveID), zap.Ints("cores", req.Cores))
	logger.Info("Campaign slots claimed", zap.Int("attempts", attempts))

	entryID := l.recordStart(ctx, req, c, logger)
	l.metrics.CampaignStarted()

	spec := docker.RunSpec{
		Name:     docker.ContainerName("captain", req.Fuzzer, req.Target, fmt.Sprintf("c%d", c.cacheID)),
		Image:    req.Image,
		Fuzzer:   req.Fuzzer,
		Target:   req.Target,
		Args:     req.Args,
		Cores:    req.Cores,
		Timeout:  req.Timeout,
		CacheDir: c.cacheDir,
		LogPath:  l.layout.RunLog(req.Fuzzer, req.Target, req.Cores),
	}
	run, runErr := l.runner.Run(ctx, spec)
	if run != nil {
		result.ExitCode = run.ExitCode
	}

	if ctx.Err() != nil {
		result.Outcome = metrics.OutcomeInterrupted
		if err := os.Remove(c.archiveDir); err != nil && !os.IsNotExist(err) {
			logger.Warn("Failed to remove unused archive slot", zap.String("path", c.archiveDir), zap.Error(err))
		}
		logger.Warn("Campaign interrupted, cache slot left for cleanup", zap.String("path", c.cacheDir))
		l.finish(req, entryID, result, logger)
		return result, ctx.Err()
	}

	result.Outcome = metrics.OutcomeCompleted
	switch {
	case runErr != nil:
		result.Outcome = metrics.OutcomeRunFailed
		logger.Error("Campaign run failed, promoting partial output", zap.Error(runErr))
	case run.ExitCode != 0:
		result.Outcome = metrics.OutcomeRunFailed
		logger.Error("Campaign exited non-zero, promoting output",
			zap.Int("exit_code", run.ExitCode), zap.Bool("killed", run.Killed), zap.String("kill_reason", run.KillReason))
	default:
		logger.Info("Campaign finished", zap.Duration("duration", run.Duration))
	}

	if err := Promote(c.cacheDir, c.archiveDir); err != nil {
		result.Outcome = metrics.OutcomePromoteFail
		logger.Error("Campaign promotion failed", zap.Error(err))
		l.finish(req, entryID, result, logger)
		return result, err
	}
	logger.Info("Campaign promoted", zap.String("archive", c.archiveDir))
	l.finish(req, entryID, result, logger)
	return result, nil
}

// claim loops until both slot locks are held by this attempt.
func (l *Launcher) claim(ctx context.Context, req Request, logger *zap.Logger) (*claim, int, error) {
	cacheNS := l.layout.Cache(req.Fuzzer, req.Target)
	archiveNS := l.layout.Archive(req.Fuzzer, req.Target)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, attempt - 1, err
		}
		cacheID, err := l.cacheIDs.Next(ctx, cacheNS)
		if err != nil {
			return nil, attempt, fmt.Errorf("failed to allocate cache id: %w", err)
		}
		archiveID, err := l.archiveIDs.Next(ctx, archiveNS)
		if err != nil {
			return nil, attempt, fmt.Errorf("failed to allocate archive id: %w", err)
		}
		c := &claim{
			cacheID:    cacheID,
			archiveID:  archiveID,
			cacheDir:   workdir.Slot(cacheNS, cacheID),
			archiveDir: workdir.Slot(archiveNS, archiveID),
		}

		c.cacheLock, err = flock.TryLock(c.cacheDir)
		if errors.Is(err, flock.ErrContended) {
			logger.Debug("Cache slot taken by a sibling, retrying", zap.Int("cache_id", cacheID))
			l.metrics.LockRetry()
			continue
		}
		if err != nil {
			return nil, attempt, fmt.Errorf("failed to lock cache slot: %w", err)
		}

		c.archiveLock, err = flock.TryLock(c.archiveDir)
		if errors.Is(err, flock.ErrContended) {
			_ = c.cacheLock.Unlock()
			logger.Debug("Archive slot taken by a sibling, retrying", zap.Int("archive_id", archiveID))
			l.metrics.LockRetry()
			continue
		}
		if err != nil {
			_ = c.cacheLock.Unlock()
			return nil, attempt, fmt.Errorf("failed to lock archive slot: %w", err)
		}
		return c, attempt, nil
	}
}

func (l *Launcher) recordStart(ctx context.Context, req Request, c *claim, logger *zap.Logger) int64 {
	if l.recorder == nil {
		return 0
	}
	id, err := l.recorder.Start(ctx, ledger.Entry{
		RunID:     req.RunID,
		Fuzzer:    req.Fuzzer,
		Target:    req.Target,
		CacheID:   c.cacheID,
		ArchiveID: c.archiveID,
		Cores:     req.Cores,
		StartedAt: l.now(),
	})
	if err != nil {
		logger.Warn("Failed to record campaign start", zap.Error(err))
		return 0
	}
	return id
}

func (l *Launcher) finish(req Request, entryID int64, result *Result, logger *zap.Logger) {
	l.metrics.CampaignFinished(req.Fuzzer, result.Outcome)
	if l.recorder == nil || entryID == 0 {
		return
	}
	// The run context may already be cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := l.recorder.Finish(ctx, entryID, result.ExitCode, result.Outcome, l.now()); err != nil {
		logger.Warn("Failed to record campaign finish", zap.Error(err))
	}
}

// Promote atomically replaces the empty archive slot with the cache slot.
// The cache path no longer exists afterwards. A non-empty archive slot is
// never merged into; it yields a *PromotionError.
func Promote(cacheDir, archiveDir string) error {
	if err := os.Rename(cacheDir, archiveDir); err != nil {
		return &PromotionError{CacheDir: cacheDir, ArchiveDir: archiveDir, Err: err}
	}
	return nil
}
