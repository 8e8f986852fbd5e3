// Package sessions tracks the live mediation engines of this process, one per
// browser session. Engines are isolated instances: no conversation state is
// shared between sessions or kept in package globals.
package sessions

import (
	"sync"

	"github.com/google/uuid"

	"hwahaego/internal/mediation"
)

// Factory builds a fresh engine wired to the process collaborators.
type Factory func() *mediation.Engine

type Registry struct {
	mu      sync.RWMutex
	factory Factory
	engines map[string]*mediation.Engine
}

func NewRegistry(factory Factory) *Registry {
	return &Registry{
		factory: factory,
		engines: make(map[string]*mediation.Engine),
	}
}

// Create mints a session token and registers a fresh engine under it.
func (r *Registry) Create() (string, *mediation.Engine) {
	token := uuid.NewString()
	engine := r.factory()
	r.mu.Lock()
	r.engines[token] = engine
	r.mu.Unlock()
	return token, engine
}

// Get returns the engine for the token, or nil.
func (r *Registry) Get(token string) *mediation.Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.engines[token]
}

// Restart replaces the token's engine with a fresh instance. The old engine
// is reset first so a call still in flight discards its eventual result
// instead of mutating anything.
func (r *Registry) Restart(token string) *mediation.Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.engines[token]
	if !ok {
		return nil
	}
	old.Reset()
	engine := r.factory()
	r.engines[token] = engine
	return engine
}

// Remove drops the token's engine.
func (r *Registry) Remove(token string) {
	r.mu.Lock()
	delete(r.engines, token)
	r.mu.Unlock()
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.engines)
}
