// Package handlers routes intake envelopes to the component that owns them.
package handlers

import (
	"context"
	"sync"

	"github.com/sentinel-honeypot/relay/internal/domain"
)

// Handler processes envelopes of one kind. Handlers return a
// *domain.InvalidPayloadError for envelopes that can never succeed.
type Handler interface {
	Handle(ctx context.Context, env *domain.Envelope) error
	Kind() string
}

// Registry maps envelope kinds to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates a Registry holding hs.
func NewRegistry(hs ...Handler) *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	for _, h := range hs {
		r.Register(h)
	}
	return r
}

// Register adds a handler, replacing any handler for the same kind.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Kind()] = h
}

// Get returns the handler for kind, or an *UnknownEnvelopeKindError.
func (r *Registry) Get(kind string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	if !ok {
		return nil, &domain.UnknownEnvelopeKindError{Kind: kind}
	}
	return h, nil
}

// Kinds lists the registered kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	return out
}
