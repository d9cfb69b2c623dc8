package workdir

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)

	l, err := New("rel")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(l.Root))
}

func TestEnsure(t *testing.T) {
	l := Layout{Root: t.TempDir()}
	require.NoError(t, l.Ensure())
	require.NoError(t, l.Ensure(), "idempotent")
	for _, dir := range []string{ArchiveDir, CacheDir, LogDir, PocDir, LockDir} {
		assert.DirExists(t, filepath.Join(l.Root, dir))
	}
}

func TestPaths(t *testing.T) {
	l := Layout{Root: "/w"}
	assert.Equal(t, "/w/cache/aflpp/libpng", l.Cache("aflpp", "libpng"))
	assert.Equal(t, "/w/ar/aflpp/libpng", l.Archive("aflpp", "libpng"))
	assert.Equal(t, "/w/coverage/aflpp/libpng", l.Coverage("aflpp", "libpng"))
	assert.Equal(t, "/w/lock/cores", l.Cores())
	assert.Equal(t, "/w/graph/data", l.GraphData())
	assert.Equal(t, "/w/log/aflpp/libpng.log", l.TargetLog("aflpp", "libpng"))
	assert.Equal(t, "/w/log/aflpp/libpng/cpu2_3.log", l.RunLog("aflpp", "libpng", []int{2, 3}))
	assert.Equal(t, "/w/log/aflpp/build.log", l.BuildLog("aflpp"))
	assert.Equal(t, "/w/cache/aflpp/libpng/7", Slot(l.Cache("aflpp", "libpng"), 7))
}
