package domainevent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hunterwebapps/mastery-sub005/pipeline/internal/nilcheck"
)

// Handler reacts to one event.
type Handler func(ctx context.Context, e Event) error

// Publisher delivers an event to its handlers.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Registry routes events to handlers by event name. Handlers registered with
// RegisterAll see every event, after the name-specific ones.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	all      []Handler
}

var _ Publisher = (*Registry)(nil)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string][]Handler)}
}

// Register adds h for events named name.
func (r *Registry) Register(name string, h Handler) error {
	if strings.TrimSpace(name) == "" {
		return ErrEventNameRequired
	}

	if h == nil {
		return ErrHandlerRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[name] = append(r.handlers[name], h)

	return nil
}

// RegisterAll adds h for every event.
func (r *Registry) RegisterAll(h Handler) error {
	if h == nil {
		return ErrHandlerRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.all = append(r.all, h)

	return nil
}

// Publish runs the handlers for e in registration order and stops at the
// first error.
func (r *Registry) Publish(ctx context.Context, e Event) error {
	if nilcheck.Interface(e) {
		return ErrEventRequired
	}

	r.mu.RLock()
	handlers := append(append([]Handler(nil), r.handlers[e.EventName()]...), r.all...)
	r.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, e); err != nil {
			return fmt.Errorf("handle %s: %w", e.EventName(), err)
		}
	}

	return nil
}
