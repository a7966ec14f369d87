// Package tools defines the tool framework: the Tool interface the
// agent loop calls into, the Registry that names tools, the security
// Policy gating what they may touch, and the worker pool heavyweight
// tools run on.
package tools

import (
	"context"
	"sort"
	"sync"
)

// Tool is a named capability callable by the engine. Validate rejects
// malformed arguments before execution; Execute runs with a context
// whose cancellation is the abort signal.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Validate(args map[string]interface{}) error
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Snapshotter is implemented by tools whose effect on external state
// can be captured before and after execution. The snapshots are opaque
// strings compared by the verifier.
type Snapshotter interface {
	StateSnapshot(ctx context.Context, args map[string]interface{}) (string, error)
}

// Heavy marks tools that should run on the shared worker pool instead
// of the loop goroutine.
type Heavy interface {
	Heavyweight() bool
}

// Registry is the named set of available tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool under its name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Unregister removes the named tool.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns all tools ordered by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Filtered returns all tools except those named in exclude, ordered by
// name.
func (r *Registry) Filtered(exclude []string) []Tool {
	skip := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		skip[name] = true
	}
	var out []Tool
	for _, t := range r.List() {
		if !skip[t.Name()] {
			out = append(out, t)
		}
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
