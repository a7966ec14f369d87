package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gatehouselabs/gatehouse/internal/config"
)

// maxReadBytes caps file_read output.
const maxReadBytes = 256 * 1024

// fsTool carries the shared workspace scoping for the file tools.
type fsTool struct {
	workspace string
	policy    *Policy
}

// resolve maps a tool-supplied path into the workspace. Absolute paths
// must pass the policy allowlist; relative paths resolve under the
// workspace and may not escape it.
func (t *fsTool) resolve(path string) (string, error) {
	if filepath.IsAbs(path) {
		if err := t.policy.CheckPath(path); err != nil {
			return "", err
		}
		return filepath.Clean(path), nil
	}
	full := filepath.Clean(filepath.Join(t.workspace, path))
	if full != t.workspace && !strings.HasPrefix(full, t.workspace+string(filepath.Separator)) {
		return "", &PolicyError{Reason: fmt.Sprintf("path %q escapes the workspace", path)}
	}
	return full, nil
}

// snapshot hashes the file at the tool's path argument. Missing files
// snapshot as "absent" so creation shows a delta.
func (t *fsTool) snapshot(args map[string]interface{}) (string, error) {
	path := optionalStringArg(args, "path")
	if path == "" {
		return "", fmt.Errorf("no path to snapshot")
	}
	full, err := t.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		return "absent", nil
	}
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return fmt.Sprintf("sha256:%s size:%d", hex.EncodeToString(sum[:8]), len(data)), nil
}

// FileReadTool reads a file from the workspace.
type FileReadTool struct{ fsTool }

// NewFileRead creates the file_read tool rooted at workspace.
func NewFileRead(workspace string, policy *Policy) *FileReadTool {
	return &FileReadTool{fsTool{workspace: config.ExpandHome(workspace), policy: policy}}
}

func (t *FileReadTool) Name() string { return "file_read" }

func (t *FileReadTool) Description() string {
	return "Read a text file. Paths are relative to the workspace."
}

func (t *FileReadTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"path": stringParam("File path to read."),
	}, "path")
}

func (t *FileReadTool) Validate(args map[string]interface{}) error {
	_, err := stringArg(args, "path")
	return err
}

func (t *FileReadTool) Execute(_ context.Context, args map[string]interface{}) *Result {
	path, err := stringArg(args, "path")
	if err != nil {
		return ErrorResult("Error: " + err.Error()).WithError(err)
	}
	full, err := t.resolve(path)
	if err != nil {
		return ErrorResult("Error: " + err.Error()).WithError(err)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error: read %s: %v", path, err)).WithError(err)
	}
	if len(data) > maxReadBytes {
		return NewResult(string(data[:maxReadBytes]) + "\n... (file truncated)")
	}
	return NewResult(string(data))
}

// FileWriteTool writes a file in the workspace.
type FileWriteTool struct{ fsTool }

// NewFileWrite creates the file_write tool rooted at workspace.
func NewFileWrite(workspace string, policy *Policy) *FileWriteTool {
	return &FileWriteTool{fsTool{workspace: config.ExpandHome(workspace), policy: policy}}
}

func (t *FileWriteTool) Name() string { return "file_write" }

func (t *FileWriteTool) Description() string {
	return "Write content to a file, creating parent directories as needed."
}

func (t *FileWriteTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"path":    stringParam("File path to write."),
		"content": stringParam("Full file content."),
	}, "path", "content")
}

func (t *FileWriteTool) Validate(args map[string]interface{}) error {
	if _, err := stringArg(args, "path"); err != nil {
		return err
	}
	if _, ok := args["content"]; !ok {
		return fmt.Errorf("missing required argument %q", "content")
	}
	if _, ok := args["content"].(string); !ok {
		return fmt.Errorf("argument %q must be a string", "content")
	}
	return nil
}

func (t *FileWriteTool) StateSnapshot(_ context.Context, args map[string]interface{}) (string, error) {
	return t.snapshot(args)
}

func (t *FileWriteTool) Execute(_ context.Context, args map[string]interface{}) *Result {
	path, err := stringArg(args, "path")
	if err != nil {
		return ErrorResult("Error: " + err.Error()).WithError(err)
	}
	content, _ := args["content"].(string)
	full, err := t.resolve(path)
	if err != nil {
		return ErrorResult("Error: " + err.Error()).WithError(err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return ErrorResult(fmt.Sprintf("Error: mkdir for %s: %v", path, err)).WithError(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("Error: write %s: %v", path, err)).WithError(err)
	}
	return NewResult(fmt.Sprintf("Wrote %d bytes to %s", len(content), path))
}

// FileEditTool replaces an exact text span in a file.
type FileEditTool struct{ fsTool }

// NewFileEdit creates the file_edit tool rooted at workspace.
func NewFileEdit(workspace string, policy *Policy) *FileEditTool {
	return &FileEditTool{fsTool{workspace: config.ExpandHome(workspace), policy: policy}}
}

func (t *FileEditTool) Name() string { return "file_edit" }

func (t *FileEditTool) Description() string {
	return "Replace an exact text occurrence in a file. The old text must match exactly once."
}

func (t *FileEditTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"path": stringParam("File path to edit."),
		"old":  stringParam("Exact text to replace."),
		"new":  stringParam("Replacement text."),
	}, "path", "old", "new")
}

func (t *FileEditTool) Validate(args map[string]interface{}) error {
	if _, err := stringArg(args, "path"); err != nil {
		return err
	}
	if _, err := stringArg(args, "old"); err != nil {
		return err
	}
	if _, ok := args["new"].(string); !ok {
		return fmt.Errorf("argument %q must be a string", "new")
	}
	return nil
}

func (t *FileEditTool) StateSnapshot(_ context.Context, args map[string]interface{}) (string, error) {
	return t.snapshot(args)
}

func (t *FileEditTool) Execute(_ context.Context, args map[string]interface{}) *Result {
	path, err := stringArg(args, "path")
	if err != nil {
		return ErrorResult("Error: " + err.Error()).WithError(err)
	}
	old, _ := args["old"].(string)
	replacement, _ := args["new"].(string)

	full, err := t.resolve(path)
	if err != nil {
		return ErrorResult("Error: " + err.Error()).WithError(err)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error: read %s: %v", path, err)).WithError(err)
	}
	content := string(data)
	switch strings.Count(content, old) {
	case 0:
		return ErrorResult(fmt.Sprintf("Error: old text not found in %s", path))
	case 1:
	default:
		return ErrorResult(fmt.Sprintf("Error: old text matches more than once in %s", path))
	}
	content = strings.Replace(content, old, replacement, 1)
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("Error: write %s: %v", path, err)).WithError(err)
	}
	return NewResult("Edited " + path)
}
