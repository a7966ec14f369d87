package tools

import (
	"context"
	"fmt"
	"strings"
)

// MemorySaver persists a remembered fact. Implemented by the memory
// store.
type MemorySaver interface {
	Save(ctx context.Context, text string, tags []string) error
}

// MemorySaveTool lets the agent write durable memories.
type MemorySaveTool struct {
	saver MemorySaver
}

// NewMemorySave creates the memory_save tool.
func NewMemorySave(saver MemorySaver) *MemorySaveTool {
	return &MemorySaveTool{saver: saver}
}

func (t *MemorySaveTool) Name() string { return "memory_save" }

func (t *MemorySaveTool) Description() string {
	return "Save a fact to long-term memory. Use for durable user preferences and facts, not transient conversation state."
}

func (t *MemorySaveTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"text": stringParam("The fact to remember, phrased to stand alone."),
		"tags": stringParam("Optional comma-separated tags."),
	}, "text")
}

func (t *MemorySaveTool) Validate(args map[string]interface{}) error {
	_, err := stringArg(args, "text")
	return err
}

func (t *MemorySaveTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	text, err := stringArg(args, "text")
	if err != nil {
		return ErrorResult("Error: " + err.Error()).WithError(err)
	}
	var tags []string
	for _, tag := range strings.Split(optionalStringArg(args, "tags"), ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	if err := t.saver.Save(ctx, text, tags); err != nil {
		return ErrorResult(fmt.Sprintf("Error: save memory: %v", err)).WithError(err)
	}
	return NewResult("Saved.")
}
