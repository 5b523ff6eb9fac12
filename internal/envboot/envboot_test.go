package envboot

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeInterpreter is a stand-in python that answers --version, creates a
// venv-shaped directory, and accepts pip invocations.
const fakeInterpreter = `#!/bin/sh
if [ "$1" = "--version" ]; then
  echo "Python 3.12.0"
  exit 0
fi
if [ "$1" = "-m" ] && [ "$2" = "venv" ]; then
  mkdir -p "$3/bin"
  cp "$0" "$3/bin/python"
  cp "$0" "$3/bin/pip"
  exit 0
fi
exit 0
`

func writeFakeInterpreter(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake interpreter is a shell script")
	}
	path := filepath.Join(t.TempDir(), "python3")
	require.NoError(t, os.WriteFile(path, []byte(fakeInterpreter), 0o755))
	return path
}

func newTestBootstrapper(t *testing.T, root string) *Bootstrapper {
	t.Helper()
	b, err := New(root, WithInterpreter(writeFakeInterpreter(t)))
	require.NoError(t, err)
	return b
}

func TestNewRequiresRepoRoot(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}

func TestBootstrapCreatesThenReuses(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "pyproject.toml"), []byte("[project]\nname = \"demo\"\n"), 0o644))
	b := newTestBootstrapper(t, root)

	env, err := b.Bootstrap(context.Background(), "base")
	require.NoError(t, err)
	assert.True(t, env.Created)
	assert.NotEmpty(t, env.CacheKey)
	assert.Contains(t, env.InstallSummary, "upgrade:rc=0")
	assert.Contains(t, env.InstallSummary, "install:rc=0")
	assert.Equal(t, "Python 3.12.0", env.PythonVersion)
	assert.FileExists(t, env.Python)

	reused, err := b.Bootstrap(context.Background(), "base")
	require.NoError(t, err)
	assert.False(t, reused.Created)
	assert.Equal(t, env.CacheKey, reused.CacheKey)
	assert.Equal(t, env.VenvPath, reused.VenvPath)
	assert.Equal(t, "Python 3.12.0", reused.PythonVersion)
}

func TestBootstrapTestExtrasSummary(t *testing.T) {
	root := t.TempDir()
	b := newTestBootstrapper(t, root)

	env, err := b.Bootstrap(context.Background(), "test")
	require.NoError(t, err)
	assert.Contains(t, env.InstallSummary, "install[test]:rc=0")
}

func TestBootstrapKeyVariesWithExtrasAndManifest(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "requirements.txt"), []byte("pytest\n"), 0o644))
	b := newTestBootstrapper(t, root)

	base, err := b.Bootstrap(context.Background(), "base")
	require.NoError(t, err)
	withTest, err := b.Bootstrap(context.Background(), "test")
	require.NoError(t, err)
	assert.NotEqual(t, base.CacheKey, withTest.CacheKey)

	require.NoError(t, os.WriteFile(filepath.Join(root, "requirements.txt"), []byte("pytest\nhypothesis\n"), 0o644))
	changed, err := b.Bootstrap(context.Background(), "base")
	require.NoError(t, err)
	assert.NotEqual(t, base.CacheKey, changed.CacheKey)
}

func TestProjectFingerprintStable(t *testing.T) {
	root := t.TempDir()
	empty := ProjectFingerprint(root)
	assert.NotEmpty(t, empty)
	assert.Equal(t, empty, ProjectFingerprint(root))

	require.NoError(t, os.WriteFile(filepath.Join(root, "requirements.txt"), []byte("pytest\n"), 0o644))
	assert.NotEqual(t, empty, ProjectFingerprint(root))
}

func writeCacheEntry(t *testing.T, root, name, lastUsed string) {
	t.Helper()
	dir := filepath.Join(root, filepath.FromSlash(CacheDir), name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	writeMeta(filepath.Join(dir, "meta.json"), &CacheEntry{
		VenvPath:   filepath.Join(dir, "venv"),
		CreatedAt:  lastUsed,
		LastUsedAt: lastUsed,
		MarkerOK:   true,
	})
}

func TestPruneRemovesStaleAndExcessEntries(t *testing.T) {
	root := t.TempDir()
	now := time.Now().UTC()
	writeCacheEntry(t, root, "old-entry", now.Add(-30*24*time.Hour).Format(time.RFC3339Nano))
	writeCacheEntry(t, root, "recent-a", now.Add(-3*time.Hour).Format(time.RFC3339Nano))
	writeCacheEntry(t, root, "recent-b", now.Add(-2*time.Hour).Format(time.RFC3339Nano))
	writeCacheEntry(t, root, "recent-c", now.Add(-1*time.Hour).Format(time.RFC3339Nano))

	removed, err := Prune(root, 2, DefaultMaxCacheAge)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"old-entry", "recent-a"}, removed)

	entries := ListEntries(root)
	assert.Len(t, entries, 2)
}

func TestPruneMissingCacheIsEmpty(t *testing.T) {
	removed, err := Prune(t.TempDir(), DefaultMaxCacheEntries, DefaultMaxCacheAge)
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.Empty(t, ListEntries(t.TempDir()))
}
