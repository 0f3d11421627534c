package orchestrator

import (
	"sync"

	"oabot/internal/domain"
)

// Registry maps route labels to handlers. The label set is closed: resolving
// anything unregistered yields the fallback handler, so dispatch never fails.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.RouteLabel]domain.Handler
	fallback domain.Handler
}

// NewRegistry creates a registry with the given fallback handler. The
// fallback also serves the fallback_conversation label itself.
func NewRegistry(fallback domain.Handler) *Registry {
	return &Registry{
		handlers: make(map[domain.RouteLabel]domain.Handler),
		fallback: fallback,
	}
}

func (r *Registry) Register(label domain.RouteLabel, h domain.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[label] = h
}

// Resolve returns the handler for label, remapping unknown labels to the
// fallback. The returned label is the one actually dispatched.
func (r *Registry) Resolve(label domain.RouteLabel) (domain.Handler, domain.RouteLabel) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[label]; ok {
		return h, label
	}
	return r.fallback, domain.RouteFallback
}
