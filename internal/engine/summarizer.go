package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gatehouselabs/gatehouse/internal/convo"
)

const summarySystemPrompt = "You compress conversations. Summarize the transcript " +
	"in under 200 words, keeping decisions, facts, file paths, and open tasks. " +
	"Reply with the summary only."

// Summarizer adapts an Engine into the context compactor's summarizer.
// The dropped prefix is flattened into one transcript so tool pairs
// never reach the engine half-split.
type Summarizer struct {
	engine Engine
	model  string
}

var _ convo.Summarizer = (*Summarizer)(nil)

func NewSummarizer(engine Engine, model string) *Summarizer {
	return &Summarizer{engine: engine, model: model}
}

func (s *Summarizer) Summarize(ctx context.Context, msgs []convo.Message) (string, error) {
	var b strings.Builder
	for _, m := range msgs {
		if m.Content != "" {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			fmt.Fprintf(&b, "%s called %s(%s)\n", m.Role, tc.Name, args)
		}
	}

	run, err := s.engine.Start(ctx, Request{
		Model:     s.model,
		System:    summarySystemPrompt,
		Messages:  []convo.Message{{Role: convo.RoleUser, Content: b.String()}},
		MaxTokens: 1024,
	})
	if err != nil {
		return "", err
	}
	defer run.Cancel()

	var answer string
	for ev := range run.Events() {
		switch ev.Kind {
		case KindCompleted:
			answer = ev.Answer
		case KindError:
			return "", ev.Err
		}
	}

	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", errors.New("engine: empty summary")
	}
	return answer, nil
}
