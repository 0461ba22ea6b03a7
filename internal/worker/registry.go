package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler executes one run of a task type. It takes no arguments beyond the
// context and signals failure by returning an error. Handlers must tolerate
// at-least-once invocation: a crashed run may be retried after lock
// reclamation.
type Handler func(ctx context.Context) error

// Registry maps task types to handlers. Unknown and duplicate types are
// rejected at registration time so a bad wiring fails at startup, not
// mid-dispatch.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

func (r *Registry) Register(taskType string, h Handler) error {
	if taskType == "" {
		return fmt.Errorf("task type required")
	}
	if h == nil {
		return fmt.Errorf("task %q: handler required", taskType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[taskType]; ok {
		return fmt.Errorf("task %q: already registered", taskType)
	}
	r.handlers[taskType] = h
	return nil
}

func (r *Registry) Resolve(taskType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
