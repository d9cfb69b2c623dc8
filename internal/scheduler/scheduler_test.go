package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"captain/internal/campaign"
	"captain/internal/config"
	"captain/internal/flock"
	"captain/internal/pool"
	"captain/internal/workdir"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeBuilder struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
}

func (b *fakeBuilder) Build(_ context.Context, image, _, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, image)
	if b.fail[image] {
		return errors.New("exit status 1")
	}
	return nil
}

type fakeLauncher struct {
	mu      sync.Mutex
	reqs    []campaign.Request
	running int
	peak    int
	held    map[int]bool
	overlap bool
	hold    time.Duration
	started chan struct{}
}

func (l *fakeLauncher) Launch(ctx context.Context, req campaign.Request, _ *zap.Logger) (*campaign.Result, error) {
	l.mu.Lock()
	l.reqs = append(l.reqs, req)
	l.running++
	if l.running > l.peak {
		l.peak = l.running
	}
	for _, c := range req.Cores {
		if l.held[c] {
			l.overlap = true
		}
		l.held[c] = true
	}
	l.mu.Unlock()
	if l.started != nil {
		select {
		case l.started <- struct{}{}:
		default:
		}
	}

	var err error
	select {
	case <-time.After(l.hold):
	case <-ctx.Done():
		err = ctx.Err()
	}

	l.mu.Lock()
	l.running--
	for _, c := range req.Cores {
		delete(l.held, c)
	}
	l.mu.Unlock()
	return &campaign.Result{Outcome: "completed"}, err
}

func newLauncher(hold time.Duration) *fakeLauncher {
	return &fakeLauncher{held: map[int]bool{}, hold: hold}
}

func testConfig(root string) *config.Config {
	return &config.Config{
		Workdir: root,
		Repeat:  2,
		Timeout: config.Duration(time.Minute),
		Fuzzers: []config.FuzzerConfig{
			{Name: "aflpp", Image: "captain-aflpp", Context: "./aflpp", Workers: 1, Args: "-m none",
				Targets: []config.TargetConfig{{Name: "libpng"}, {Name: "zlib", Args: "-t 100"}}},
			{Name: "honggfuzz", Image: "captain-honggfuzz", Context: "./hf", Workers: 2,
				Targets: []config.TargetConfig{{Name: "libpng"}}},
		},
	}
}

func newPool(t *testing.T, layout workdir.Layout, cores ...int) *pool.Pool {
	t.Helper()
	p, err := pool.New(layout.Cores(), cores, flock.NewMutex(layout.Locks()), pool.WithWait(20*time.Millisecond))
	require.NoError(t, err)
	return p
}

func TestPlan(t *testing.T) {
	plan := Plan(testConfig(t.TempDir()))
	want := []Entry{
		{Pass: 0, Fuzzer: "aflpp", Target: "libpng", Image: "captain-aflpp", Args: "-m none", Workers: 1},
		{Pass: 0, Fuzzer: "aflpp", Target: "zlib", Image: "captain-aflpp", Args: "-t 100", Workers: 1},
		{Pass: 0, Fuzzer: "honggfuzz", Target: "libpng", Image: "captain-honggfuzz", Workers: 2},
	}
	require.Len(t, plan, 6)
	if diff := cmp.Diff(want, plan[:3]); diff != "" {
		t.Errorf("Plan() mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1, plan[5].Pass)
}

func TestRun_LaunchesEveryCell(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("github.com/fsnotify/fsnotify.(*inotify).readEvents"))

	layout := workdir.Layout{Root: t.TempDir()}
	require.NoError(t, layout.Ensure())
	cfg := testConfig(layout.Root)
	builder := &fakeBuilder{}
	launcher := newLauncher(10 * time.Millisecond)
	p := newPool(t, layout, 0, 1)
	s := New(cfg, layout, p, builder, launcher, WithRunID("run-1"))

	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, []string{"captain-aflpp", "captain-honggfuzz", "captain-aflpp", "captain-honggfuzz"}, builder.calls)
	require.Len(t, launcher.reqs, 6)
	for _, req := range launcher.reqs {
		assert.Equal(t, "run-1", req.RunID)
		assert.Equal(t, time.Minute, req.Timeout)
		assert.Len(t, req.Cores, cfg.WorkerCount(req.Fuzzer))
	}
	assert.False(t, launcher.overlap, "no core is handed to two campaigns at once")
	assert.LessOrEqual(t, launcher.peak, 2)

	// Every core is free again.
	alloc, err := p.Acquire(context.Background(), 2)
	require.NoError(t, err)
	alloc.Release()
}

func TestRun_BuildFailureSkipsFuzzer(t *testing.T) {
	layout := workdir.Layout{Root: t.TempDir()}
	cfg := testConfig(layout.Root)
	cfg.Repeat = 1
	builder := &fakeBuilder{fail: map[string]bool{"captain-aflpp": true}}
	launcher := newLauncher(0)

	core, recorded := observer.New(zapcore.InfoLevel)
	s := New(cfg, layout, newPool(t, layout, 0, 1), builder, launcher, WithLogger(zap.New(core)))
	require.NoError(t, s.Run(context.Background()))

	require.Len(t, launcher.reqs, 1)
	assert.Equal(t, "honggfuzz", launcher.reqs[0].Fuzzer)

	failures := recorded.FilterMessage("Image build failed, skipping fuzzer this pass").All()
	require.Len(t, failures, 2, "reported on each target of the fuzzer")
	targets := []string{}
	for _, e := range failures {
		targets = append(targets, e.ContextMap()["target"].(string))
	}
	assert.ElementsMatch(t, []string{"libpng", "zlib"}, targets)
}

func TestRun_NoContextSkipsBuild(t *testing.T) {
	layout := workdir.Layout{Root: t.TempDir()}
	cfg := testConfig(layout.Root)
	cfg.Repeat = 1
	cfg.Fuzzers[0].Context = ""
	builder := &fakeBuilder{}

	s := New(cfg, layout, newPool(t, layout, 0, 1), builder, newLauncher(0))
	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []string{"captain-honggfuzz"}, builder.calls)
}

func TestRun_InterruptWaitsForCampaigns(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("github.com/fsnotify/fsnotify.(*inotify).readEvents"))

	layout := workdir.Layout{Root: t.TempDir()}
	cfg := testConfig(layout.Root)
	launcher := newLauncher(time.Hour)
	launcher.started = make(chan struct{}, 1)
	p := newPool(t, layout, 0, 1)
	s := New(cfg, layout, p, &fakeBuilder{}, launcher)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	<-launcher.started
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Zero(t, launcher.running, "every launch returned before Run")

	entries, err := os.ReadDir(layout.Cores())
	require.NoError(t, err)
	assert.Empty(t, entries, "cores released on interrupt")
}

func TestPrepare_RecoversStaleState(t *testing.T) {
	layout := workdir.Layout{Root: t.TempDir()}
	mu := flock.NewMutex(layout.Locks())
	p := newPool(t, layout, 0, 1)

	require.NoError(t, os.WriteFile(filepath.Join(layout.Cores(), "1"), []byte("2147483646"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(layout.Locks(), "seqid.lock"), nil, 0644))

	require.NoError(t, Prepare(context.Background(), layout, mu, p, zap.NewNop()))

	for _, dir := range []string{workdir.ArchiveDir, workdir.CacheDir, workdir.LogDir, workdir.PocDir, workdir.LockDir} {
		assert.DirExists(t, filepath.Join(layout.Root, dir))
	}
	assert.NoFileExists(t, filepath.Join(layout.Cores(), "1"))
	assert.NoFileExists(t, filepath.Join(layout.Locks(), "seqid.lock"))
}
