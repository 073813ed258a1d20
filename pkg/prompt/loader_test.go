package prompt

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePrompt(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "system_prompt.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoader_Caches(t *testing.T) {
	path := writePrompt(t, t.TempDir(), "v1")
	l := NewLoader(path)

	got, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, "v1", got)

	// Without watching, the cached value survives edits.
	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))
	got, err = l.Load()
	require.NoError(t, err)
	assert.Equal(t, "v1", got)

	l.Invalidate()
	got, err = l.Load()
	require.NoError(t, err)
	assert.Equal(t, "v2", got)
}

func TestLoader_Missing(t *testing.T) {
	l := NewLoader(filepath.Join(t.TempDir(), "nope.txt"))
	_, err := l.Load()
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoader_DefaultPath(t *testing.T) {
	assert.Equal(t, DefaultPath, NewLoader("").Path())
}

func TestLoader_WatchInvalidates(t *testing.T) {
	dir := t.TempDir()
	path := writePrompt(t, dir, "v1")
	l := NewLoader(path)
	require.NoError(t, l.Watch(context.Background()))
	t.Cleanup(func() { l.Close() })

	got, err := l.Load()
	require.NoError(t, err)
	require.Equal(t, "v1", got)

	// Replace the file the way editors do.
	tmp := filepath.Join(dir, "system_prompt.txt.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("v2"), 0o644))
	require.NoError(t, os.Rename(tmp, path))

	assert.Eventually(t, func() bool {
		s, err := l.Load()
		return err == nil && s == "v2"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestLoader_WatchIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := writePrompt(t, dir, "v1")
	l := NewLoader(path)
	require.NoError(t, l.Watch(context.Background()))
	defer l.Close()

	_, err := l.Load()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o644))
	time.Sleep(100 * time.Millisecond)

	l.mu.RLock()
	loaded := l.loaded
	l.mu.RUnlock()
	assert.True(t, loaded, "cache dropped for an unrelated file")
}

func TestLoader_WatchMissingDir(t *testing.T) {
	l := NewLoader(filepath.Join(t.TempDir(), "missing", "p.txt"))
	assert.Error(t, l.Watch(context.Background()))
	assert.NoError(t, l.Close())
}
