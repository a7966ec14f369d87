package tools

import (
	"context"
	"reflect"
	"testing"
)

type fakeTool struct {
	name  string
	heavy bool
}

func (t *fakeTool) Name() string                        { return t.name }
func (t *fakeTool) Description() string                 { return "fake" }
func (t *fakeTool) Parameters() map[string]interface{}  { return objectSchema(map[string]interface{}{}) }
func (t *fakeTool) Validate(map[string]interface{}) error { return nil }
func (t *fakeTool) Heavyweight() bool                   { return t.heavy }
func (t *fakeTool) Execute(context.Context, map[string]interface{}) *Result {
	return NewResult("ok")
}

// TestRegistryFiltered verifies exclusion filtering keeps name order
// and drops exactly the excluded tools.
func TestRegistryFiltered(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"bash", "file_read", "delegate", "browser"} {
		r.Register(&fakeTool{name: name})
	}

	got := make([]string, 0)
	for _, tool := range r.Filtered([]string{"delegate", "browser"}) {
		got = append(got, tool.Name())
	}
	want := []string{"bash", "file_read"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Filtered() = %v, want %v", got, want)
	}
}

// TestRegistryRegisterReplaces verifies re-registering under the same
// name replaces the tool.
func TestRegistryRegisterReplaces(t *testing.T) {
	r := NewRegistry()
	first := &fakeTool{name: "bash"}
	second := &fakeTool{name: "bash", heavy: true}
	r.Register(first)
	r.Register(second)

	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
	got, ok := r.Get("bash")
	if !ok {
		t.Fatal("Get(bash) not found")
	}
	if got != Tool(second) {
		t.Error("Get(bash) returned the first registration, want the replacement")
	}
}
