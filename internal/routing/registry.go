package routing

import (
	"sync"

	"github.com/gatehouselabs/gatehouse/internal/convo"
)

// ContextRegistry hands out the shared conversation context for a
// route key. Multiple sessions on the same key see the same history;
// loops serialise on the context's run slot.
type ContextRegistry struct {
	mu       sync.Mutex
	contexts map[string]*convo.Context
	opts     convo.Options
}

// NewContextRegistry creates a registry whose contexts are built with
// opts.
func NewContextRegistry(opts convo.Options) *ContextRegistry {
	return &ContextRegistry{
		contexts: make(map[string]*convo.Context),
		opts:     opts,
	}
}

// Get returns the context for key, creating it on first use.
func (r *ContextRegistry) Get(key string) *convo.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.contexts[key]; ok {
		return c
	}
	c := convo.New(r.opts)
	r.contexts[key] = c
	return c
}

// Remove drops the context for key.
func (r *ContextRegistry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.contexts, key)
}

// Len returns the number of live contexts.
func (r *ContextRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contexts)
}
