// Package scheduler walks the fuzzer x target x repeat matrix. Each pass
// builds every fuzzer image once, then for every target blocks until the
// fuzzer's worker count of cores is free and hands them to a concurrently
// running launcher. Campaign failures are logged and never abort the pass.
package scheduler

import (
	"context"
	"errors"
	"fmt"

	"captain/internal/campaign"
	"captain/internal/config"
	"captain/internal/flock"
	"captain/internal/metrics"
	"captain/internal/pool"
	"captain/internal/workdir"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Builder builds a fuzzer image.
type Builder interface {
	Build(ctx context.Context, image, contextDir, logPath string) error
}

// Launcher runs one campaign on already-held cores.
type Launcher interface {
	Launch(ctx context.Context, req campaign.Request, logger *zap.Logger) (*campaign.Result, error)
}

// Loggers hands out the per fuzzer/target logger.
type Loggers interface {
	For(fuzzer, target string) *zap.Logger
}

// Entry is one cell of the campaign matrix.
type Entry struct {
	Pass    int
	Fuzzer  string
	Target  string
	Image   string
	Args    string
	Workers int
}

// Scheduler runs the matrix against a core pool.
type Scheduler struct {
	cfg      *config.Config
	layout   workdir.Layout
	pool     *pool.Pool
	builder  Builder
	launcher Launcher
	loggers  Loggers
	logger   *zap.Logger
	metrics  *metrics.Registry
	runID    string
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the process logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithLoggers routes campaign events to per fuzzer/target loggers.
func WithLoggers(l Loggers) Option {
	return func(s *Scheduler) { s.loggers = l }
}

// WithMetrics records build failures on m.
func WithMetrics(m *metrics.Registry) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithRunID overrides the generated run identifier.
func WithRunID(id string) Option {
	return func(s *Scheduler) { s.runID = id }
}

// New returns a Scheduler.
func New(cfg *config.Config, layout workdir.Layout, p *pool.Pool, builder Builder, launcher Launcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		layout:   layout,
		pool:     p,
		builder:  builder,
		launcher: launcher,
		logger:   zap.NewNop(),
		runID:    uuid.NewString(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.loggers == nil {
		s.loggers = rootLoggers{s.logger}
	}
	return s
}

// RunID identifies this scheduler invocation in logs and the ledger.
func (s *Scheduler) RunID() string { return s.runID }

// Plan enumerates the matrix of cfg in scheduling order.
func Plan(cfg *config.Config) []Entry {
	var plan []Entry
	for pass := 0; pass < cfg.Repeat; pass++ {
		for _, f := range cfg.Fuzzers {
			for _, t := range f.Targets {
				plan = append(plan, Entry{
					Pass:    pass,
					Fuzzer:  f.Name,
					Target:  t.Name,
					Image:   f.Image,
					Args:    cfg.Args(f.Name, t.Name),
					Workers: cfg.WorkerCount(f.Name),
				})
			}
		}
	}
	return plan
}

// Run schedules every pass and waits for all launched campaigns. It
// returns ctx's error when interrupted, after in-flight campaigns have
// observed the cancellation and released their cores.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := s.logger.With(zap.String("run_id", s.runID))
	logger.Info("Scheduler starting",
		zap.Int("passes", s.cfg.Repeat), zap.Int("fuzzers", len(s.cfg.Fuzzers)), zap.Int("cores", s.pool.Size()))

	var g errgroup.Group
	launched := 0
	err := s.schedule(ctx, &g, &launched)

	logger.Info("Waiting for running campaigns", zap.Int("launched", launched))
	_ = g.Wait()

	if err != nil {
		logger.Warn("Scheduler interrupted", zap.Error(err))
		return err
	}
	logger.Info("Scheduler finished", zap.Int("launched", launched))
	return nil
}

func (s *Scheduler) schedule(ctx context.Context, g *errgroup.Group, launched *int) error {
	for pass := 0; pass < s.cfg.Repeat; pass++ {
		for _, f := range s.cfg.Fuzzers {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.build(ctx, pass, f); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			}
			workers := s.cfg.WorkerCount(f.Name)
			for _, t := range f.Targets {
				logger := s.loggers.For(f.Name, t.Name).With(zap.String("run_id", s.runID), zap.Int("pass", pass))
				alloc, err := s.pool.Acquire(ctx, workers)
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					logger.Error("Failed to acquire cores, skipping campaign", zap.Int("workers", workers), zap.Error(err))
					continue
				}
				req := campaign.Request{
					RunID:   s.runID,
					Fuzzer:  f.Name,
					Target:  t.Name,
					Image:   f.Image,
					Args:    s.cfg.Args(f.Name, t.Name),
					Cores:   alloc.Cores(),
					Timeout: s.cfg.Timeout.Std(),
				}
				*launched++
				g.Go(func() error {
					defer alloc.Release()
					s.launch(ctx, req, logger)
					return nil
				})
			}
		}
	}
	return nil
}

func (s *Scheduler) launch(ctx context.Context, req campaign.Request, logger *zap.Logger) {
	res, err := s.launcher.Launch(ctx, req, logger)
	var perr *campaign.PromotionError
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		logger.Info("Campaign stopped by shutdown")
	case errors.As(err, &perr):
		// Already logged by the launcher; siblings keep going.
	default:
		logger.Error("Campaign launch failed", zap.Error(err))
	}
	if res != nil {
		logger.Debug("Campaign result", zap.String("outcome", res.Outcome), zap.Int("exit_code", res.ExitCode))
	}
}

// build runs once per fuzzer per pass. A failure is reported on every
// target log of that fuzzer.
func (s *Scheduler) build(ctx context.Context, pass int, f config.FuzzerConfig) error {
	if f.Context == "" {
		s.logger.Debug("No build context, using existing image", zap.String("fuzzer", f.Name), zap.String("image", f.Image))
		return nil
	}
	err := s.builder.Build(ctx, f.Image, f.Context, s.layout.BuildLog(f.Name))
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.metrics.BuildFailed(f.Name)
	for _, t := range f.Targets {
		s.loggers.For(f.Name, t.Name).Error("Image build failed, skipping fuzzer this pass",
			zap.String("run_id", s.runID), zap.Int("pass", pass), zap.String("image", f.Image), zap.Error(err))
	}
	return fmt.Errorf("build %s: %w", f.Name, err)
}

// Prepare readies a workdir before the first pass: it creates the layout,
// purges mutex artifacts left by crashed processes and reclaims core tokens
// whose holders are gone.
func Prepare(ctx context.Context, layout workdir.Layout, mu *flock.Mutex, p *pool.Pool, logger *zap.Logger) error {
	if err := layout.Ensure(); err != nil {
		return err
	}
	purged, err := mu.PurgeStale()
	if err != nil {
		return fmt.Errorf("failed to purge stale locks: %w", err)
	}
	reclaimed, err := p.Reclaim(ctx)
	if err != nil {
		return fmt.Errorf("failed to reclaim core tokens: %w", err)
	}
	if purged > 0 || reclaimed > 0 {
		logger.Info("Recovered state from earlier runs", zap.Int("stale_locks", purged), zap.Int("stale_cores", reclaimed))
	}
	return nil
}

type rootLoggers struct{ logger *zap.Logger }

func (r rootLoggers) For(fuzzer, target string) *zap.Logger {
	return r.logger.With(zap.String("fuzzer", fuzzer), zap.String("target", target))
}
