package oauth

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheWatcher_NotifiesOnRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "issuer_tokens.json")

	var calls atomic.Int32
	w := NewCacheWatcher(CacheWatcherConfig{
		Path:          path,
		Debounce:      20 * time.Millisecond,
		WatchInterval: 20 * time.Millisecond,
		OnChange:      func() { calls.Add(1) },
	})
	require.NoError(t, w.Start())
	defer w.Stop()
	assert.True(t, w.IsRunning())

	require.NoError(t, writeFileAtomic(path, []byte(`{}`)))

	assert.Eventually(t, func() bool { return calls.Load() >= 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestCacheWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "issuer_tokens.json")

	var calls atomic.Int32
	w := NewCacheWatcher(CacheWatcherConfig{
		Path:     path,
		Debounce: 10 * time.Millisecond,
		OnChange: func() { calls.Add(1) },
	})
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other_tokens.json"), []byte(`{}`), 0o600))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestCacheWatcher_DebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "issuer_tokens.json")

	var calls atomic.Int32
	w := NewCacheWatcher(CacheWatcherConfig{
		Path:     path,
		Debounce: 300 * time.Millisecond,
		OnChange: func() { calls.Add(1) },
	})
	require.NoError(t, w.Start())
	defer w.Stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))
	}

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, 5*time.Second, 20*time.Millisecond)
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCacheWatcher_StopIsIdempotent(t *testing.T) {
	w := NewCacheWatcher(CacheWatcherConfig{Path: filepath.Join(t.TempDir(), "x")})
	require.NoError(t, w.Start())
	w.Stop()
	w.Stop()
	assert.False(t, w.IsRunning())
}
