package engine

import (
	"context"
	"encoding/json"
	"sync"
)

// TaskHandler performs the effectful work of a task step. Handlers MUST
// be retry-safe: the executor replays a step after a retry, so handlers
// should key external effects on (workflow_id, step_id) and check for
// prior effects before issuing new ones.
type TaskHandler func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// RollbackHandler compensates a completed task step during rejection
// rollback. It receives the output the forward handler recorded.
type RollbackHandler func(ctx context.Context, output json.RawMessage) error

// Registry maps task-handler names to their forward and rollback
// functions. It is populated at startup and read-only afterward; the
// mutex exists so tests that register mid-flight stay race-free.
type Registry struct {
	mu        sync.RWMutex
	handlers  map[string]TaskHandler
	rollbacks map[string]RollbackHandler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers:  make(map[string]TaskHandler),
		rollbacks: make(map[string]RollbackHandler),
	}
}

// Register binds name to a forward task handler.
func (r *Registry) Register(name string, h TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// RegisterRollback binds name to a compensation handler invoked when a
// later approval step is rejected.
func (r *Registry) RegisterRollback(name string, h RollbackHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollbacks[name] = h
}

// Handler looks up the forward handler for name.
func (r *Registry) Handler(name string) (TaskHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Rollback looks up the compensation handler for name.
func (r *Registry) Rollback(name string) (RollbackHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.rollbacks[name]
	return h, ok
}
