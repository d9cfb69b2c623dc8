package coverage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"captain/internal/docker"
	"captain/internal/flock"
	"captain/internal/workdir"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeStarter struct {
	mu      sync.Mutex
	starts  []docker.CoverageSpec
	removed []string
	fail    error
	started chan struct{}
}

func (f *fakeStarter) StartCoverage(_ context.Context, spec docker.CoverageSpec) (docker.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return docker.Handle{}, f.fail
	}
	f.starts = append(f.starts, spec)
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	return docker.Handle{Name: spec.Name, ID: "id-" + spec.Name}, nil
}

func (f *fakeStarter) Remove(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, name)
	return nil
}

// adoptingStarter reports the named containers as running.
type adoptingStarter struct {
	fakeStarter
	running map[string]bool
}

func (a *adoptingStarter) Running(_ context.Context, name string) (bool, error) {
	return a.running[name], nil
}

func newWorkdir(t *testing.T) workdir.Layout {
	t.Helper()
	layout := workdir.Layout{Root: t.TempDir()}
	require.NoError(t, layout.Ensure())
	return layout
}

func makeSlot(t *testing.T, layout workdir.Layout, fuzzer, target string, id int, populated bool) string {
	t.Helper()
	path := workdir.Slot(layout.Cache(fuzzer, target), id)
	require.NoError(t, os.MkdirAll(path, 0777))
	if populated {
		require.NoError(t, os.WriteFile(filepath.Join(path, "fuzzer_stats"), []byte("execs_done: 1"), 0644))
	}
	return path
}

func age(t *testing.T, path string, d time.Duration) {
	t.Helper()
	old := time.Now().Add(-d)
	require.NoError(t, os.Chtimes(path, old, old))
}

func TestStep_StartsOnceAndIsIdempotent(t *testing.T) {
	layout := newWorkdir(t)
	slot := makeSlot(t, layout, "aflpp", "libpng", 0, true)
	starter := &fakeStarter{}
	r := New(layout, starter, WithImage("cov-img"))
	st := NewState()

	report, err := r.Step(context.Background(), st, time.Now())
	require.NoError(t, err)
	assert.Equal(t, TickReport{Observed: 1, Started: 1}, report)

	require.Len(t, starter.starts, 1)
	spec := starter.starts[0]
	assert.Equal(t, "captain-cov-aflpp-libpng-0", spec.Name)
	assert.Equal(t, "cov-img", spec.Image)
	assert.Equal(t, "libpng", spec.Target)
	assert.Equal(t, slot, spec.CacheDir)
	assert.Equal(t, workdir.Slot(layout.Coverage("aflpp", "libpng"), 0), spec.OutDir)
	assert.DirExists(t, spec.OutDir)

	before := st.Keys()
	report, err = r.Step(context.Background(), st, time.Now())
	require.NoError(t, err)
	assert.Equal(t, TickReport{Observed: 1}, report)
	assert.False(t, report.Changed())
	assert.Len(t, starter.starts, 1, "no new containers")
	assert.Equal(t, before, st.Keys(), "no bookkeeping change")
}

func TestStep_StopsWhenSlotPromoted(t *testing.T) {
	layout := newWorkdir(t)
	slot := makeSlot(t, layout, "aflpp", "libpng", 3, true)
	starter := &fakeStarter{}
	r := New(layout, starter)
	st := NewState()

	_, err := r.Step(context.Background(), st, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, st.Len())

	archive := workdir.Slot(layout.Archive("aflpp", "libpng"), 0)
	require.NoError(t, os.MkdirAll(filepath.Dir(archive), 0755))
	require.NoError(t, os.Rename(slot, archive))

	report, err := r.Step(context.Background(), st, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Stopped)
	assert.Equal(t, []string{"captain-cov-aflpp-libpng-3"}, starter.removed)
	assert.Zero(t, st.Len())
	assert.DirExists(t, workdir.Slot(layout.Coverage("aflpp", "libpng"), 3), "coverage output kept")
}

func TestStep_ReapsStaleEmptySlot(t *testing.T) {
	layout := newWorkdir(t)
	stale := makeSlot(t, layout, "aflpp", "libpng", 0, false)
	fresh := makeSlot(t, layout, "aflpp", "libpng", 1, false)
	age(t, stale, 200*time.Second)
	age(t, fresh, 10*time.Second)
	starter := &fakeStarter{}
	r := New(layout, starter, WithGrace(180*time.Second))

	report, err := r.Step(context.Background(), NewState(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reaped)
	assert.NoDirExists(t, stale)
	assert.DirExists(t, fresh)
	assert.Empty(t, starter.starts, "coverage never started for empty slots")
	assert.NoDirExists(t, workdir.Slot(layout.Coverage("aflpp", "libpng"), 0))
}

func TestStep_KeepsEmptySlotHeldByLauncher(t *testing.T) {
	layout := newWorkdir(t)
	slot := makeSlot(t, layout, "aflpp", "libpng", 0, false)
	age(t, slot, time.Hour)
	lock, err := flock.TryLock(slot)
	require.NoError(t, err)
	defer lock.Unlock()

	report, err := New(layout, &fakeStarter{}).Step(context.Background(), NewState(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, report.Reaped)
	assert.DirExists(t, slot)
}

func TestStep_RetriesFailedStart(t *testing.T) {
	layout := newWorkdir(t)
	makeSlot(t, layout, "aflpp", "libpng", 0, true)
	starter := &fakeStarter{fail: errors.New("daemon unavailable")}
	r := New(layout, starter)
	st := NewState()

	report, err := r.Step(context.Background(), st, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, st.Len())
	assert.NoDirExists(t, workdir.Slot(layout.Coverage("aflpp", "libpng"), 0), "output removed so the next tick retries")

	starter.fail = nil
	report, err = r.Step(context.Background(), st, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Started)
	assert.Equal(t, 1, st.Len())
}

func TestStep_NeverOverwritesExistingOutput(t *testing.T) {
	layout := newWorkdir(t)
	makeSlot(t, layout, "aflpp", "libpng", 0, true)
	out := workdir.Slot(layout.Coverage("aflpp", "libpng"), 0)
	require.NoError(t, os.MkdirAll(out, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(out, LogName), []byte("old"), 0644))
	starter := &fakeStarter{}

	report, err := New(layout, starter).Step(context.Background(), NewState(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, TickReport{Observed: 1}, report)
	assert.Empty(t, starter.starts)
	data, err := os.ReadFile(filepath.Join(out, LogName))
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
}

func TestStep_AdoptsRunningContainerAfterRestart(t *testing.T) {
	layout := newWorkdir(t)
	slot := makeSlot(t, layout, "aflpp", "libpng", 0, true)
	require.NoError(t, os.MkdirAll(workdir.Slot(layout.Coverage("aflpp", "libpng"), 0), 0755))
	starter := &adoptingStarter{running: map[string]bool{"captain-cov-aflpp-libpng-0": true}}
	r := New(layout, starter)
	st := NewState()

	report, err := r.Step(context.Background(), st, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Adopted)
	assert.Empty(t, starter.starts)

	require.NoError(t, os.RemoveAll(slot))
	report, err = r.Step(context.Background(), st, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Stopped)
	assert.Equal(t, []string{"captain-cov-aflpp-libpng-0"}, starter.removed)
}

func TestObserve_SkipsNoise(t *testing.T) {
	layout := newWorkdir(t)
	makeSlot(t, layout, "aflpp", "libpng", 2, true)
	require.NoError(t, os.MkdirAll(filepath.Join(layout.Cache("aflpp", "libpng"), "tmp"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(layout.Cache("aflpp", "libpng"), "7"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(layout.CacheRoot(), "README"), nil, 0644))

	slots, err := Observe(layout.CacheRoot())
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, Key{Fuzzer: "aflpp", Target: "libpng", ID: 2}, slots[0].Key)
	assert.False(t, slots[0].Empty)

	slots, err = Observe(filepath.Join(layout.Root, "missing"))
	require.NoError(t, err)
	assert.Empty(t, slots)
}

func TestRun_FirstTickImmediate(t *testing.T) {
	defer goleak.VerifyNone(t)

	layout := newWorkdir(t)
	makeSlot(t, layout, "aflpp", "libpng", 0, true)
	starter := &fakeStarter{started: make(chan struct{}, 1)}
	r := New(layout, starter, WithInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	st := NewState()
	go func() { done <- r.Run(ctx, st) }()

	select {
	case <-starter.started:
	case <-time.After(10 * time.Second):
		t.Fatal("first tick did not run")
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 1, st.Len())
}

func TestStep_ReportsOrphanedSlotOnce(t *testing.T) {
	layout := newWorkdir(t)
	orphan := makeSlot(t, layout, "aflpp", "libpng", 0, true)
	owned := makeSlot(t, layout, "aflpp", "libpng", 1, true)

	lock, err := flock.TryLock(owned)
	require.NoError(t, err)
	defer lock.Unlock()

	core, recorded := observer.New(zapcore.WarnLevel)
	r := New(layout, &fakeStarter{}, WithLogger(zap.New(core)))
	st := NewState()

	for i := 0; i < 2; i++ {
		_, err := r.Step(context.Background(), st, time.Now())
		require.NoError(t, err)
	}

	warnings := recorded.FilterMessage("Cache slot has output but no running campaign").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, orphan, warnings[0].ContextMap()["path"])
	assert.True(t, st.Orphaned(Key{Fuzzer: "aflpp", Target: "libpng", ID: 0}))
	assert.False(t, st.Orphaned(Key{Fuzzer: "aflpp", Target: "libpng", ID: 1}))

	require.NoError(t, os.RemoveAll(orphan))
	_, err = r.Step(context.Background(), st, time.Now())
	require.NoError(t, err)
	assert.False(t, st.Orphaned(Key{Fuzzer: "aflpp", Target: "libpng", ID: 0}), "forgotten once the slot is gone")
}
