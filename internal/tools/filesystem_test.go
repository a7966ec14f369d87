package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gatehouselabs/gatehouse/internal/config"
)

func newTestPolicy(t *testing.T) *Policy {
	t.Helper()
	p, err := NewPolicy(config.AutonomyConfig{Level: "full"})
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	return p
}

// TestFileWriteThenRead verifies the write/read round trip inside the
// workspace.
func TestFileWriteThenRead(t *testing.T) {
	ws := t.TempDir()
	policy := newTestPolicy(t)
	write := NewFileWrite(ws, policy)
	read := NewFileRead(ws, policy)

	res := write.Execute(context.Background(), map[string]interface{}{
		"path": "notes/today.txt", "content": "buy milk",
	})
	if res.IsError {
		t.Fatalf("file_write failed: %s", res.ForLLM)
	}

	res = read.Execute(context.Background(), map[string]interface{}{"path": "notes/today.txt"})
	if res.IsError {
		t.Fatalf("file_read failed: %s", res.ForLLM)
	}
	if res.ForLLM != "buy milk" {
		t.Errorf("file_read = %q, want %q", res.ForLLM, "buy milk")
	}
}

// TestFileToolsRejectEscape verifies relative paths cannot leave the
// workspace.
func TestFileToolsRejectEscape(t *testing.T) {
	ws := t.TempDir()
	read := NewFileRead(ws, newTestPolicy(t))

	res := read.Execute(context.Background(), map[string]interface{}{"path": "../../etc/passwd"})
	if !res.IsError {
		t.Errorf("file_read(../../etc/passwd) succeeded, want policy error")
	}
}

// TestFileEdit verifies exact-match single replacement and the
// ambiguity rejections around it.
func TestFileEdit(t *testing.T) {
	ws := t.TempDir()
	path := filepath.Join(ws, "cfg.txt")
	if err := os.WriteFile(path, []byte("a=1\nb=2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	edit := NewFileEdit(ws, newTestPolicy(t))

	tests := []struct {
		name    string
		old     string
		wantErr bool
	}{
		{"single match", "b=2", false},
		{"no match", "z=9", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := edit.Execute(context.Background(), map[string]interface{}{
				"path": "cfg.txt", "old": tt.old, "new": "b=3",
			})
			if res.IsError != tt.wantErr {
				t.Errorf("file_edit(%q) IsError = %v, want %v: %s", tt.old, res.IsError, tt.wantErr, res.ForLLM)
			}
		})
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "b=3") {
		t.Errorf("file content = %q, want b=3 applied", data)
	}
}

// TestFileWriteSnapshotDelta verifies state snapshots differ across a
// write, which is what the verifier checks for write-class tools.
func TestFileWriteSnapshotDelta(t *testing.T) {
	ws := t.TempDir()
	write := NewFileWrite(ws, newTestPolicy(t))
	args := map[string]interface{}{"path": "out.txt", "content": "v1"}

	before, err := write.StateSnapshot(context.Background(), args)
	if err != nil {
		t.Fatalf("StateSnapshot before: %v", err)
	}
	if before != "absent" {
		t.Errorf("before = %q, want %q", before, "absent")
	}

	if res := write.Execute(context.Background(), args); res.IsError {
		t.Fatalf("file_write failed: %s", res.ForLLM)
	}

	after, err := write.StateSnapshot(context.Background(), args)
	if err != nil {
		t.Fatalf("StateSnapshot after: %v", err)
	}
	if after == before {
		t.Errorf("snapshot unchanged across write: %q", after)
	}
}
