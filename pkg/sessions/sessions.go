// Package sessions tracks the model-serving processes the gateway routes to.
package sessions

import (
	"sync"

	"github.com/core-tools/hsu-host/pkg/errors"
)

// ModelSession is one running model server reachable on 127.0.0.1:Port.
type ModelSession struct {
	ID      int    `json:"id" yaml:"id"`
	ModelID string `json:"model_id" yaml:"model_id"`
	Port    int    `json:"port" yaml:"port"`
	APIKey  string `json:"-" yaml:"api_key"`
}

// Registry keeps sessions in registration order. Lookups by model return the
// earliest registered match.
type Registry struct {
	mu    sync.RWMutex
	order []int
	byID  map[int]ModelSession
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[int]ModelSession)}
}

// Register adds or replaces a session. A replaced session keeps its place.
func (r *Registry) Register(session ModelSession) error {
	if session.ModelID == "" {
		return errors.NewValidationError("model id is required", nil).WithContext("id", session.ID)
	}
	if session.Port <= 0 || session.Port > 65535 {
		return errors.NewValidationError("port must be between 1 and 65535", nil).WithContext("id", session.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[session.ID]; !ok {
		r.order = append(r.order, session.ID)
	}
	r.byID[session.ID] = session
	return nil
}

// Unregister removes a session and reports whether it existed.
func (r *Registry) Unregister(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return false
	}
	delete(r.byID, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// FindByModel returns the first registered session serving modelID.
func (r *Registry) FindByModel(modelID string) (ModelSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		if s := r.byID[id]; s.ModelID == modelID {
			return s, true
		}
	}
	return ModelSession{}, false
}

func (r *Registry) Get(id int) (ModelSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// List returns all sessions in registration order.
func (r *Registry) List() []ModelSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModelSession, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
