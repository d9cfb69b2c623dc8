// Package pool treats a fixed set of CPU core ids as exclusive tokens shared
// by every scheduler process on the host.
//
// A core is claimed by exclusively linking a sentinel file named after its
// id into place; the file holds the claimant's PID from the moment it is
// visible. Allocation is greedy: a request
// keeps whatever it has claimed and waits for more, with no fairness between
// requesters.
package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"captain/internal/flock"
	"captain/internal/metrics"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrTooLarge is returned for requests no pool state could ever satisfy.
var ErrTooLarge = errors.New("request exceeds pool size")

// reclaimLock serializes stale sentinel reclamation across processes.
const reclaimLock = "cores"

// DefaultWait bounds each wait for a release notification.
const DefaultWait = time.Second

// Pool allocates core tokens from a fixed id set.
type Pool struct {
	dir     string
	cores   []int
	wait    time.Duration
	mu      *flock.Mutex
	logger  *zap.Logger
	metrics *metrics.Registry
	pid     int
}

// Option configures a Pool.
type Option func(*Pool)

// WithWait overrides the bounded wait between scans.
func WithWait(d time.Duration) Option {
	return func(p *Pool) { p.wait = d }
}

// WithLogger sets the pool logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// WithMetrics records held cores on m.
func WithMetrics(m *metrics.Registry) Option {
	return func(p *Pool) { p.metrics = m }
}

// New returns a Pool keeping sentinels in dir. mu guards reclamation.
func New(dir string, cores []int, mu *flock.Mutex, opts ...Option) (*Pool, error) {
	if len(cores) == 0 {
		return nil, fmt.Errorf("core pool is empty")
	}
	seen := make(map[int]bool, len(cores))
	for _, c := range cores {
		if c < 0 {
			return nil, fmt.Errorf("invalid core id %d", c)
		}
		if seen[c] {
			return nil, fmt.Errorf("duplicate core id %d", c)
		}
		seen[c] = true
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create core directory: %w", err)
	}
	p := &Pool{
		dir:    dir,
		cores:  append([]int(nil), cores...),
		wait:   DefaultWait,
		mu:     mu,
		logger: zap.NewNop(),
		pid:    os.Getpid(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Size returns the number of cores in the pool.
func (p *Pool) Size() int { return len(p.cores) }

// Reclaim removes sentinels whose holder process no longer exists. It is run
// once at startup, under a named mutex so two reclaimers never race on the
// same sentinel. Sentinels appear with their PID already in them and cannot
// be recreated while they exist, so reading then removing a dead holder's
// sentinel never touches a live claim.
func (p *Pool) Reclaim(ctx context.Context) (int, error) {
	removed := 0
	err := p.mu.WithLock(ctx, reclaimLock, func() error {
		entries, err := os.ReadDir(p.dir)
		if err != nil {
			return fmt.Errorf("failed to read core directory: %w", err)
		}
		for _, entry := range entries {
			if _, err := strconv.Atoi(entry.Name()); err != nil {
				continue
			}
			path := filepath.Join(p.dir, entry.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
			if err == nil && processAlive(pid) {
				continue
			}
			if err := os.Remove(path); err == nil {
				removed++
				p.logger.Info("Reclaimed stale core token", zap.String("core", entry.Name()), zap.String("holder", strings.TrimSpace(string(data))))
			}
		}
		p.reclaimScratch()
		return nil
	})
	return removed, err
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Acquire blocks until n cores are held and returns them as an Allocation.
// When ctx is done before the request is satisfied, the partial claims are
// released and ctx's error is returned.
func (p *Pool) Acquire(ctx context.Context, n int) (*Allocation, error) {
	if n <= 0 || n > len(p.cores) {
		return nil, fmt.Errorf("%w: requested %d of %d cores", ErrTooLarge, n, len(p.cores))
	}

	// The watch is registered before every scan, so a release racing the
	// scan still produces an event.
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err = watcher.Add(p.dir); err != nil {
			watcher.Close()
			watcher = nil
		}
	} else {
		watcher = nil
	}
	if watcher == nil {
		p.logger.Debug("Core release notification unavailable, polling", zap.Error(err))
	} else {
		defer watcher.Close()
	}

	a := &Allocation{pool: p}
	for {
		for _, core := range p.cores {
			if len(a.cores) == n {
				break
			}
			if a.holds(core) {
				continue
			}
			ok, err := p.claim(core)
			if err != nil {
				a.Release()
				return nil, err
			}
			if ok {
				a.cores = append(a.cores, core)
				p.metrics.AddCoresHeld(1)
			}
		}
		if len(a.cores) == n {
			sort.Ints(a.cores)
			return a, nil
		}
		if err := p.waitRelease(ctx, watcher); err != nil {
			a.Release()
			return nil, err
		}
	}
}

func (p *Pool) waitRelease(ctx context.Context, watcher *fsnotify.Watcher) error {
	timer := time.NewTimer(p.wait)
	defer timer.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if watcher != nil {
		events = watcher.Events
		errs = watcher.Errors
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				return nil
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			p.logger.Debug("Core watcher error", zap.Error(err))
		}
	}
}

func (p *Pool) sentinel(core int) string {
	return filepath.Join(p.dir, strconv.Itoa(core))
}

// claim creates the sentinel for core without overwriting an existing one.
// The PID is written to a scratch file beside the sentinel directory and
// hard-linked into place, so a sentinel is never observed without its
// holder. link(2) fails when the name exists, which keeps the claim
// exclusive.
func (p *Pool) claim(core int) (bool, error) {
	sentinel := p.sentinel(core)
	if _, err := os.Lstat(sentinel); err == nil {
		return false, nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(p.dir), p.scratchPrefix())
	if err != nil {
		return false, fmt.Errorf("failed to claim core %d: %w", core, err)
	}
	defer os.Remove(tmp.Name())
	_, werr := tmp.WriteString(strconv.Itoa(p.pid))
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		return false, fmt.Errorf("failed to record claim on core %d: %w", core, errors.Join(werr, cerr))
	}

	if err := os.Link(tmp.Name(), sentinel); err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to claim core %d: %w", core, err)
	}
	return true, nil
}

// Scratch files live outside the watched sentinel directory so creating and
// removing them never wakes a waiting Acquire.
const scratchTag = ".core-claim-"

func (p *Pool) scratchPrefix() string {
	return scratchTag + strconv.Itoa(p.pid) + "-"
}

// reclaimScratch removes scratch files left by claimers that died between
// writing and linking.
func (p *Pool) reclaimScratch() {
	parent := filepath.Dir(p.dir)
	entries, err := os.ReadDir(parent)
	if err != nil {
		return
	}
	for _, entry := range entries {
		rest, ok := strings.CutPrefix(entry.Name(), scratchTag)
		if !ok {
			continue
		}
		pidText, _, _ := strings.Cut(rest, "-")
		pid, err := strconv.Atoi(pidText)
		if err == nil && processAlive(pid) {
			continue
		}
		_ = os.Remove(filepath.Join(parent, entry.Name()))
	}
}

// Allocation is a set of held cores.
type Allocation struct {
	pool  *Pool
	cores []int
	once  sync.Once
}

// Cores returns the held core ids in ascending order.
func (a *Allocation) Cores() []int {
	return append([]int(nil), a.cores...)
}

func (a *Allocation) holds(core int) bool {
	for _, c := range a.cores {
		if c == core {
			return true
		}
	}
	return false
}

// Release removes every sentinel owned by this allocation. It is safe to
// call more than once and from deferred cleanup on every exit path.
func (a *Allocation) Release() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		for _, core := range a.cores {
			if err := os.Remove(a.pool.sentinel(core)); err != nil && !os.IsNotExist(err) {
				a.pool.logger.Warn("Failed to release core", zap.Int("core", core), zap.Error(err))
			}
		}
		a.pool.metrics.AddCoresHeld(-len(a.cores))
	})
}
