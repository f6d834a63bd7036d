// Package runner holds the task/event registry and the HTTP dispatch layer
// in front of it.
package runner

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// TaskHandler is a named request/response operation.
type TaskHandler interface {
	Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// EventHandler is a named fire-and-forget operation.
type EventHandler interface {
	Emit(ctx context.Context, payload json.RawMessage) error
}

// TaskFunc adapts a plain function to TaskHandler.
type TaskFunc func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

func (f TaskFunc) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return f(ctx, input)
}

// EventFunc adapts a plain function to EventHandler.
type EventFunc func(ctx context.Context, payload json.RawMessage) error

func (f EventFunc) Emit(ctx context.Context, payload json.RawMessage) error {
	return f(ctx, payload)
}

// Registry maps operation ids to handlers. Tasks and events are separate
// namespaces. Registration is a plain synchronous insert under the same lock
// used for lookup; duplicate registration is last-writer-wins.
type Registry struct {
	mu     sync.RWMutex
	tasks  map[string]TaskHandler
	events map[string]EventHandler
}

func NewRegistry() *Registry {
	return &Registry{
		tasks:  make(map[string]TaskHandler),
		events: make(map[string]EventHandler),
	}
}

func (r *Registry) RegisterTask(id string, h TaskHandler) {
	r.mu.Lock()
	r.tasks[id] = h
	r.mu.Unlock()
}

func (r *Registry) RegisterTaskFunc(id string, f TaskFunc) { r.RegisterTask(id, f) }

func (r *Registry) RegisterEvent(id string, h EventHandler) {
	r.mu.Lock()
	r.events[id] = h
	r.mu.Unlock()
}

func (r *Registry) RegisterEventFunc(id string, f EventFunc) { r.RegisterEvent(id, f) }

// ExecuteTask runs the handler registered for id. The handler is invoked
// outside the lock; its failures propagate unchanged.
func (r *Registry) ExecuteTask(ctx context.Context, id string, input json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	h, ok := r.tasks[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound()
	}
	return h.Execute(ctx, input)
}

// EmitEvent is ExecuteTask's fire-and-forget sibling.
func (r *Registry) EmitEvent(ctx context.Context, id string, payload json.RawMessage) error {
	r.mu.RLock()
	h, ok := r.events[id]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound()
	}
	return h.Emit(ctx, payload)
}

func (r *Registry) HasTask(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tasks[id]
	return ok
}

func (r *Registry) HasEvent(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.events[id]
	return ok
}

// TaskIDs returns a sorted snapshot of the task namespace. Lexicographic
// order is the documented policy, and discovery relies on it.
func (r *Registry) TaskIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.tasks)
}

// EventIDs returns a sorted snapshot of the event namespace.
func (r *Registry) EventIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.events)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
