package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/core-tools/hsu-host/pkg/mcp"
)

type fakeSession struct {
	done chan struct{}
}

func newFakeSession() *fakeSession {
	return &fakeSession{done: make(chan struct{})}
}

func (s *fakeSession) ServerInfo() mcp.Implementation                      { return mcp.Implementation{} }
func (s *fakeSession) ListAllTools(ctx context.Context) ([]mcp.Tool, error) { return nil, nil }
func (s *fakeSession) Cancel(ctx context.Context) error                    { return nil }
func (s *fakeSession) Done() <-chan struct{}                               { return s.done }

func TestRegistry_Configs(t *testing.T) {
	r := New()
	r.StoreConfig("a", mcp.ServerConfig{Command: "x"})
	r.StoreConfig("b", mcp.ServerConfig{Command: "y"})

	config, ok := r.Config("a")
	assert.True(t, ok)
	assert.Equal(t, "x", config.Command)

	snapshot := r.Configs()
	delete(snapshot, "a")
	_, ok = r.Config("a")
	assert.True(t, ok, "Configs must return a copy")

	r.ClearConfig("a")
	_, ok = r.Config("a")
	assert.False(t, ok)

	r.ClearConfigs()
	assert.Empty(t, r.Configs())
}

func TestRegistry_RestartCounts(t *testing.T) {
	r := New()
	assert.Equal(t, 0, r.RestartCount("a"))
	assert.Equal(t, 1, r.Increment("a"))
	assert.Equal(t, 2, r.Increment("a"))
	assert.Equal(t, 1, r.Increment("b"))

	r.Reset("a")
	assert.Equal(t, 0, r.RestartCount("a"))
	assert.Equal(t, 1, r.RestartCount("b"))

	r.ClearRestartCounts()
	assert.Equal(t, 0, r.RestartCount("b"))
}

func TestRegistry_IncrementConcurrent(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Increment("a")
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, r.RestartCount("a"))
}

func TestRegistry_Connected(t *testing.T) {
	r := New()
	assert.False(t, r.IsConnected("a"))
	r.MarkConnected("a")
	assert.True(t, r.IsConnected("a"))
	r.ClearConfigs()
	r.ClearRestartCounts()
	assert.True(t, r.IsConnected("a"))
}

func TestRegistry_Handles(t *testing.T) {
	r := New()
	first := newFakeSession()
	second := newFakeSession()

	assert.Nil(t, r.InsertHandle("a", first))
	assert.Equal(t, []string{"a"}, r.Names())

	prev := r.InsertHandle("a", second)
	assert.Same(t, first, prev)

	assert.False(t, r.RemoveHandleIf("a", first), "stale handle must not remove newer one")
	h, ok := r.Handle("a")
	assert.True(t, ok)
	assert.Same(t, second, h)

	assert.True(t, r.RemoveHandleIf("a", second))
	_, ok = r.Handle("a")
	assert.False(t, ok)

	r.InsertHandle("b", first)
	r.InsertHandle("c", second)
	removed, ok := r.RemoveHandle("b")
	assert.True(t, ok)
	assert.Same(t, first, removed)

	drained := r.DrainHandles()
	assert.Len(t, drained, 1)
	assert.Empty(t, r.Names())
}
