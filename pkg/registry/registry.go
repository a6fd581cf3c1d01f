// Package registry holds the per-service state shared by the supervisor's
// goroutines. Each map has its own lock, held only for the map operation.
package registry

import (
	"sort"
	"sync"

	"github.com/core-tools/hsu-host/pkg/mcp"
)

type Registry struct {
	handlesMu sync.Mutex
	handles   map[string]mcp.Session

	configsMu sync.Mutex
	configs   map[string]mcp.ServerConfig

	countsMu sync.Mutex
	counts   map[string]int

	connectedMu sync.Mutex
	connected   map[string]bool
}

func New() *Registry {
	return &Registry{
		handles:   make(map[string]mcp.Session),
		configs:   make(map[string]mcp.ServerConfig),
		counts:    make(map[string]int),
		connected: make(map[string]bool),
	}
}

// Configs

func (r *Registry) StoreConfig(name string, config mcp.ServerConfig) {
	r.configsMu.Lock()
	defer r.configsMu.Unlock()
	r.configs[name] = config
}

func (r *Registry) Config(name string) (mcp.ServerConfig, bool) {
	r.configsMu.Lock()
	defer r.configsMu.Unlock()
	config, ok := r.configs[name]
	return config, ok
}

func (r *Registry) ClearConfig(name string) {
	r.configsMu.Lock()
	defer r.configsMu.Unlock()
	delete(r.configs, name)
}

// Configs returns a copy of every stored config.
func (r *Registry) Configs() map[string]mcp.ServerConfig {
	r.configsMu.Lock()
	defer r.configsMu.Unlock()
	out := make(map[string]mcp.ServerConfig, len(r.configs))
	for name, config := range r.configs {
		out[name] = config
	}
	return out
}

func (r *Registry) ClearConfigs() {
	r.configsMu.Lock()
	defer r.configsMu.Unlock()
	r.configs = make(map[string]mcp.ServerConfig)
}

// Restart counters

// Increment bumps the restart counter and returns the new value.
func (r *Registry) Increment(name string) int {
	r.countsMu.Lock()
	defer r.countsMu.Unlock()
	r.counts[name]++
	return r.counts[name]
}

func (r *Registry) Reset(name string) {
	r.countsMu.Lock()
	defer r.countsMu.Unlock()
	r.counts[name] = 0
}

func (r *Registry) RestartCount(name string) int {
	r.countsMu.Lock()
	defer r.countsMu.Unlock()
	return r.counts[name]
}

func (r *Registry) ClearRestartCounts() {
	r.countsMu.Lock()
	defer r.countsMu.Unlock()
	r.counts = make(map[string]int)
}

// Connected-once flags. Never cleared.

func (r *Registry) MarkConnected(name string) {
	r.connectedMu.Lock()
	defer r.connectedMu.Unlock()
	r.connected[name] = true
}

func (r *Registry) IsConnected(name string) bool {
	r.connectedMu.Lock()
	defer r.connectedMu.Unlock()
	return r.connected[name]
}

// Handles

// InsertHandle stores session under name and returns the handle it replaced.
func (r *Registry) InsertHandle(name string, session mcp.Session) mcp.Session {
	r.handlesMu.Lock()
	defer r.handlesMu.Unlock()
	prev := r.handles[name]
	r.handles[name] = session
	return prev
}

func (r *Registry) Handle(name string) (mcp.Session, bool) {
	r.handlesMu.Lock()
	defer r.handlesMu.Unlock()
	session, ok := r.handles[name]
	return session, ok
}

func (r *Registry) RemoveHandle(name string) (mcp.Session, bool) {
	r.handlesMu.Lock()
	defer r.handlesMu.Unlock()
	session, ok := r.handles[name]
	delete(r.handles, name)
	return session, ok
}

// RemoveHandleIf removes the handle only if it is still session. A newer
// handle registered by a restart is left alone.
func (r *Registry) RemoveHandleIf(name string, session mcp.Session) bool {
	r.handlesMu.Lock()
	defer r.handlesMu.Unlock()
	if current, ok := r.handles[name]; ok && current == session {
		delete(r.handles, name)
		return true
	}
	return false
}

// Names returns the names of services with a live handle, sorted.
func (r *Registry) Names() []string {
	r.handlesMu.Lock()
	defer r.handlesMu.Unlock()
	names := make([]string, 0, len(r.handles))
	for name := range r.handles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DrainHandles empties the handle map and returns what it held.
func (r *Registry) DrainHandles() map[string]mcp.Session {
	r.handlesMu.Lock()
	defer r.handlesMu.Unlock()
	out := r.handles
	r.handles = make(map[string]mcp.Session)
	return out
}
