package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gatehouselabs/gatehouse/internal/convo"
	"github.com/gatehouselabs/gatehouse/internal/engine"
)

const semanticTimeout = 30 * time.Second

const semanticSystemPrompt = "You are a strict reviewer. Given a task and the answer an " +
	"assistant produced for it, judge whether the answer accomplishes the task. Reply " +
	"with JSON only: {\"outcome\":\"success|partial|failure\",\"confidence\":0.0," +
	"\"reasoning\":\"...\",\"suggestions\":[\"...\"]}"

// SemanticVerifier spends one extra engine call to judge whether the
// answer accomplishes the task. Any trouble with the call or its JSON
// verdict fails open to a partial outcome; an observational step must
// not fail turns.
type SemanticVerifier struct {
	engine engine.Engine
	model  string
}

// NewSemantic creates a semantic verifier on the given engine.
func NewSemantic(eng engine.Engine, model string) *SemanticVerifier {
	return &SemanticVerifier{engine: eng, model: model}
}

type semanticVerdict struct {
	Outcome     string   `json:"outcome"`
	Confidence  float64  `json:"confidence"`
	Reasoning   string   `json:"reasoning"`
	Suggestions []string `json:"suggestions"`
}

func (v *SemanticVerifier) Verify(ctx context.Context, in Input) Result {
	callCtx, cancel := context.WithTimeout(ctx, semanticTimeout)
	defer cancel()

	prompt := fmt.Sprintf("Task:\n%s\n\nAnswer:\n%s", in.Task, in.Answer)
	run, err := v.engine.Start(callCtx, engine.Request{
		Model:    v.model,
		System:   semanticSystemPrompt,
		Messages: []convo.Message{{Role: convo.RoleUser, Content: prompt}},
	})
	if err != nil {
		return failOpen(fmt.Sprintf("semantic verification unavailable: %v", err))
	}

	answer := ""
	for ev := range run.Events() {
		switch ev.Kind {
		case engine.KindCompleted:
			answer = ev.Answer
		case engine.KindError:
			return failOpen(fmt.Sprintf("semantic verification failed: %v", ev.Err))
		}
	}

	verdict, err := parseVerdict(answer)
	if err != nil {
		slog.Debug("verify.semantic_unparseable", "error", err)
		return failOpen("semantic verdict was not parseable JSON")
	}

	switch verdict.Outcome {
	case OutcomeSuccess, OutcomePartial, OutcomeFailure:
	default:
		return failOpen(fmt.Sprintf("semantic verdict named unknown outcome %q", verdict.Outcome))
	}
	if verdict.Confidence < 0 || verdict.Confidence > 1 {
		verdict.Confidence = 0.5
	}
	return Result{
		Outcome:     verdict.Outcome,
		Confidence:  verdict.Confidence,
		Reasoning:   verdict.Reasoning,
		Suggestions: verdict.Suggestions,
	}
}

// parseVerdict tolerates prose around the JSON object; models wrap
// verdicts in explanation more often than not.
func parseVerdict(answer string) (semanticVerdict, error) {
	var verdict semanticVerdict
	start := strings.Index(answer, "{")
	end := strings.LastIndex(answer, "}")
	if start < 0 || end <= start {
		return verdict, fmt.Errorf("no JSON object in verdict")
	}
	if err := json.Unmarshal([]byte(answer[start:end+1]), &verdict); err != nil {
		return verdict, err
	}
	return verdict, nil
}

func failOpen(reason string) Result {
	return Result{
		Outcome:    OutcomePartial,
		Confidence: 0.5,
		Reasoning:  reason,
	}
}
