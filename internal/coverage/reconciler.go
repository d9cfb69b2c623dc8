package coverage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"captain/internal/docker"
	"captain/internal/flock"
	"captain/internal/metrics"
	"captain/internal/workdir"

	"go.uber.org/zap"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultGrace    = 180 * time.Second
	DefaultImage    = "captain-coverage"
)

// Starter starts and stops coverage containers.
type Starter interface {
	StartCoverage(ctx context.Context, spec docker.CoverageSpec) (docker.Handle, error)
	Remove(ctx context.Context, name string) error
}

// Adopter is implemented by starters that can tell whether a named
// container is still running. A restarted loop uses it to take over
// containers started by its previous incarnation.
type Adopter interface {
	Running(ctx context.Context, name string) (bool, error)
}

// TickReport summarizes one reconciliation step.
type TickReport struct {
	Observed int
	Stopped  int
	Started  int
	Adopted  int
	Reaped   int
	Failed   int
}

func (r TickReport) String() string {
	return fmt.Sprintf("observed=%d stopped=%d started=%d adopted=%d reaped=%d failed=%d",
		r.Observed, r.Stopped, r.Started, r.Adopted, r.Reaped, r.Failed)
}

// Changed reports whether the tick did anything.
func (r TickReport) Changed() bool {
	return r.Stopped+r.Started+r.Adopted+r.Reaped > 0
}

// Reconciler converges a State towards the cache tree.
type Reconciler struct {
	layout   workdir.Layout
	starter  Starter
	image    string
	interval time.Duration
	grace    time.Duration
	logger   *zap.Logger
	metrics  *metrics.Registry
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithImage sets the coverage image.
func WithImage(image string) Option {
	return func(r *Reconciler) { r.image = image }
}

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) Option {
	return func(r *Reconciler) { r.interval = d }
}

// WithGrace sets how long a slot may stay empty before it is reaped.
func WithGrace(d time.Duration) Option {
	return func(r *Reconciler) { r.grace = d }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Reconciler) { r.logger = logger }
}

// WithMetrics records loop activity on m.
func WithMetrics(m *metrics.Registry) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// New returns a Reconciler for layout.
func New(layout workdir.Layout, starter Starter, opts ...Option) *Reconciler {
	r := &Reconciler{
		layout:   layout,
		starter:  starter,
		image:    DefaultImage,
		interval: DefaultInterval,
		grace:    DefaultGrace,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ContainerName is the deterministic coverage container name for k.
func ContainerName(k Key) string {
	return docker.ContainerName("captain-cov", k.Fuzzer, k.Target, strconv.Itoa(k.ID))
}

// Run ticks until ctx is done. The first tick runs immediately. Step
// errors are logged and the loop carries on.
func (r *Reconciler) Run(ctx context.Context, st *State) error {
	r.logger.Info("Coverage loop starting",
		zap.String("workdir", r.layout.Root), zap.Duration("interval", r.interval), zap.Duration("grace", r.grace))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.tick(ctx, st)
		select {
		case <-ctx.Done():
			r.logger.Info("Coverage loop stopping", zap.Int("tracked", st.Len()))
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Reconciler) tick(ctx context.Context, st *State) {
	report, err := r.Step(ctx, st, time.Now())
	if err != nil {
		r.logger.Error("Coverage tick failed", zap.Error(err))
		return
	}
	if report.Changed() || report.Failed > 0 {
		r.logger.Info("Coverage tick",
			zap.Int("observed", report.Observed), zap.Int("stopped", report.Stopped),
			zap.Int("started", report.Started), zap.Int("adopted", report.Adopted),
			zap.Int("reaped", report.Reaped), zap.Int("failed", report.Failed),
			zap.Int("tracked", st.Len()))
	}
}

// Step runs one reconciliation pass at time now.
func (r *Reconciler) Step(ctx context.Context, st *State, now time.Time) (TickReport, error) {
	slots, err := Observe(r.layout.CacheRoot())
	if err != nil {
		return TickReport{}, err
	}
	report := TickReport{Observed: len(slots)}
	present := make(map[Key]bool, len(slots))
	for _, s := range slots {
		present[s.Key] = true
	}

	for _, k := range st.Keys() {
		if present[k] {
			continue
		}
		h := st.tracked[k]
		if err := r.starter.Remove(ctx, h.Name); err != nil {
			// Stays tracked so the stop is retried next tick.
			report.Failed++
			r.logger.Warn("Failed to stop coverage container", zap.Stringer("slot", k), zap.String("container", h.Name), zap.Error(err))
			continue
		}
		delete(st.tracked, k)
		report.Stopped++
		r.metrics.CoverageStopped()
		r.logger.Info("Coverage stopped, slot gone", zap.Stringer("slot", k), zap.String("container", h.Name))
	}

	for _, s := range slots {
		if _, ok := st.tracked[s.Key]; ok {
			continue
		}
		if s.Empty {
			if now.Sub(s.ModTime) > r.grace && r.reap(s) {
				report.Reaped++
			}
			continue
		}
		switch r.start(ctx, st, s) {
		case started:
			report.Started++
		case adopted:
			report.Adopted++
		case failed:
			report.Failed++
		}
	}

	r.checkOrphans(st, slots, present)

	r.metrics.SetCoverageTracked(st.Len())
	return report, nil
}

// checkOrphans reports, once per slot, non-empty cache slots that no
// launcher holds. An interrupted campaign leaves one behind; the reaper
// only removes empty slots, so it stays until an operator archives or
// deletes it.
func (r *Reconciler) checkOrphans(st *State, slots []Slot, present map[Key]bool) {
	for k := range st.orphans {
		if !present[k] {
			delete(st.orphans, k)
		}
	}
	for _, s := range slots {
		if s.Empty || st.orphans[s.Key] {
			continue
		}
		lock, err := flock.TryShared(s.Path)
		if err != nil {
			continue
		}
		_ = lock.Unlock()
		st.orphans[s.Key] = true
		_, tracked := st.tracked[s.Key]
		r.logger.Warn("Cache slot has output but no running campaign",
			zap.Stringer("slot", s.Key), zap.String("path", s.Path), zap.Bool("coverage_running", tracked))
	}
}

type startResult int

const (
	skipped startResult = iota
	started
	adopted
	failed
)

func (r *Reconciler) start(ctx context.Context, st *State, s Slot) startResult {
	out := workdir.Slot(r.layout.Coverage(s.Fuzzer, s.Target), s.ID)
	name := ContainerName(s.Key)
	logger := r.logger.With(zap.Stringer("slot", s.Key), zap.String("container", name))

	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		logger.Warn("Failed to create coverage directory", zap.Error(err))
		return failed
	}
	if err := os.Mkdir(out, 0755); err != nil {
		if os.IsExist(err) {
			return r.adopt(ctx, st, s.Key, name, logger)
		}
		logger.Warn("Failed to create coverage output", zap.Error(err))
		return failed
	}

	h, err := r.starter.StartCoverage(ctx, docker.CoverageSpec{
		Name:     name,
		Image:    r.image,
		Target:   s.Target,
		CacheDir: s.Path,
		OutDir:   out,
	})
	if err != nil {
		// The output directory is the durable "already measuring" marker;
		// without it the next tick retries.
		_ = os.RemoveAll(out)
		r.metrics.CoverageStartFailed()
		logger.Warn("Failed to start coverage, retrying next tick", zap.Error(err))
		return failed
	}
	st.tracked[s.Key] = h
	r.metrics.CoverageStarted()
	logger.Info("Coverage started", zap.String("output", out))
	return started
}

// adopt tracks a container a previous loop started for k, if it is still
// running. Existing output is never overwritten either way.
func (r *Reconciler) adopt(ctx context.Context, st *State, k Key, name string, logger *zap.Logger) startResult {
	a, ok := r.starter.(Adopter)
	if !ok {
		return skipped
	}
	running, err := a.Running(ctx, name)
	if err != nil {
		logger.Debug("Could not inspect coverage container", zap.Error(err))
		return skipped
	}
	if !running {
		return skipped
	}
	st.tracked[k] = docker.Handle{Name: name}
	logger.Info("Adopted running coverage container")
	return adopted
}

// reap removes an empty slot that outlived the grace window, unless a
// launcher still holds its lock. os.Remove refuses a slot that gained
// files since it was observed.
func (r *Reconciler) reap(s Slot) bool {
	lock, err := flock.TryShared(s.Path)
	if err != nil {
		if !errors.Is(err, flock.ErrContended) && !errors.Is(err, os.ErrNotExist) {
			r.logger.Debug("Could not inspect empty slot", zap.Stringer("slot", s.Key), zap.Error(err))
		}
		return false
	}
	defer lock.Unlock()
	if err := os.Remove(s.Path); err != nil {
		r.logger.Debug("Empty slot not reaped", zap.Stringer("slot", s.Key), zap.Error(err))
		return false
	}
	r.metrics.SlotReaped()
	r.logger.Info("Reaped empty cache slot", zap.Stringer("slot", s.Key), zap.Duration("age", time.Since(s.ModTime)))
	return true
}
