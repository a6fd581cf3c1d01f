package configwatch

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-host/pkg/errors"
	"github.com/core-tools/hsu-host/pkg/logging"
)

func startWatcher(t *testing.T, path string, onReload func() error) (*Watcher, chan error) {
	t.Helper()

	w, err := New(path, 50*time.Millisecond, logging.NewNopLogger())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- w.Watch(context.Background(), onReload) }()

	// Give the watch loop time to register the directory
	time.Sleep(100 * time.Millisecond)
	return w, done
}

func TestWatcher_DebouncesWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcp_config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0644))

	var reloads int32
	w, done := startWatcher(t, path, func() error {
		atomic.AddInt32(&reloads, 1)
		return nil
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte(`{"mcpServers":{}}`), 0644))
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&reloads) >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&reloads))

	require.NoError(t, w.Stop())
	assert.NoError(t, <-done)
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcp_config.json")

	var reloads int32
	w, _ := startWatcher(t, path, func() error {
		atomic.AddInt32(&reloads, 1)
		return nil
	})
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte(`{}`), 0644))
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&reloads))

	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0644))
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&reloads) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_ReloadErrorKeepsWatching(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcp_config.json")

	var reloads int32
	w, _ := startWatcher(t, path, func() error {
		atomic.AddInt32(&reloads, 1)
		return errors.NewValidationError("bad config", nil)
	})
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(`{`), 0644))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&reloads) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0644))
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&reloads) == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_ContextCancel(t *testing.T) {
	dir := t.TempDir()
	w, err := New(filepath.Join(dir, "c.json"), 0, logging.NewNopLogger())
	require.NoError(t, err)
	assert.Equal(t, DefaultDebounce, w.debounce)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx, func() error { return nil }) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not return after cancel")
	}
	assert.NoError(t, w.Stop())
}

func TestNew_RequiresPath(t *testing.T) {
	_, err := New("", time.Second, logging.NewNopLogger())
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}
