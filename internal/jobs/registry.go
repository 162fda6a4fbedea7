package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler runs one job type. It returns the jobs to enqueue next; the worker
// enqueues them, keeping transport calls out of stage logic. A returned error
// means the job could not be processed at all and should be redelivered.
type Handler interface {
	Type() Type
	Handle(ctx context.Context, job Job) ([]Job, error)
}

// EnqueueFailureHandler is implemented by handlers that must react when a
// follow-up job they returned cannot be enqueued.
type EnqueueFailureHandler interface {
	EnqueueFailed(ctx context.Context, from Job, next Job, err error)
}

// Registry maps job types to handlers. It is built once at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Type]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Type]Handler)}
}

// Register adds h. Empty or duplicate job types are rejected.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler")
	}
	t := h.Type()
	if t == "" {
		return fmt.Errorf("handler Type() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("handler already registered for job_type=%s", t)
	}
	r.handlers[t] = h
	return nil
}

// Get returns the handler for jobType.
func (r *Registry) Get(jobType Type) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types returns the registered job types in a stable order.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Type, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
