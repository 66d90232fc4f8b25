// Package taskbus tracks in-flight chat requests so they can be cancelled
// by their owner, locally or from another instance.
package taskbus

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrNotFound = errors.New("taskbus: task not found")
	ErrNotOwner = errors.New("taskbus: task belongs to another caller")
)

// OwnerKey identifies the caller that may cancel a request. Subject ids are
// only unique within a tenant, so both parts are kept. Tenant ids never
// contain a colon.
func OwnerKey(tenantID, subjectID string) string {
	return tenantID + ":" + subjectID
}

// Canceller is implemented by the in-memory registry and the Redis bus.
type Canceller interface {
	Register(ctx context.Context, requestID, ownerID string, cancel context.CancelFunc) (release func())
	Cancel(ctx context.Context, requestID, ownerID string) error
}

type task struct {
	owner  string
	cancel context.CancelFunc
}

// Registry is a process-local Canceller.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]task
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]task)}
}

// Register records a running request. The returned release must be called
// when the request finishes.
func (r *Registry) Register(_ context.Context, requestID, ownerID string, cancel context.CancelFunc) func() {
	r.mu.Lock()
	r.tasks[requestID] = task{owner: ownerID, cancel: cancel}
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.tasks, requestID)
		r.mu.Unlock()
	}
}

func (r *Registry) Cancel(_ context.Context, requestID, ownerID string) error {
	r.mu.Lock()
	t, ok := r.tasks[requestID]
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if t.owner != ownerID {
		return ErrNotOwner
	}
	t.cancel()
	return nil
}

// Len is the number of running requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}
