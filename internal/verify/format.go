package verify

import (
	"context"
	"fmt"
	"strings"
)

// DefaultToolErrorThreshold is the tool-error ratio above which the
// turn is flagged.
const DefaultToolErrorThreshold = 0.5

// minTaskWordLen is the shortest task word the reference rule counts
// as meaningful.
const minTaskWordLen = 6

// FormatVerifier applies rule-based checks without an extra engine
// call.
type FormatVerifier struct {
	toolErrorThreshold float64
}

// NewFormat creates a format verifier. A non-positive threshold falls
// back to the default.
func NewFormat(toolErrorThreshold float64) *FormatVerifier {
	if toolErrorThreshold <= 0 {
		toolErrorThreshold = DefaultToolErrorThreshold
	}
	return &FormatVerifier{toolErrorThreshold: toolErrorThreshold}
}

func (v *FormatVerifier) Verify(_ context.Context, in Input) Result {
	var issues []Issue
	var suggestions []string

	answer := strings.TrimSpace(in.Answer)
	if answer == "" {
		issues = append(issues, Issue{
			Rule: "non_empty_answer", Severity: SeverityError,
			Detail: "the final answer is empty",
		})
	}
	if strings.HasPrefix(answer, "Error:") {
		issues = append(issues, Issue{
			Rule: "answer_not_error", Severity: SeverityError,
			Detail: "the final answer starts with an error marker",
		})
	}

	if in.Stats.Invocations > 0 {
		ratio := float64(in.Stats.Errors) / float64(in.Stats.Invocations)
		if ratio >= v.toolErrorThreshold {
			issues = append(issues, Issue{
				Rule: "tool_error_ratio", Severity: SeverityWarning,
				Detail: fmt.Sprintf("%d of %d tool calls failed", in.Stats.Errors, in.Stats.Invocations),
			})
			suggestions = append(suggestions, "inspect the failing tool calls")
		}
	}

	if answer != "" && in.Task != "" && !referencesTask(answer, in.Task) {
		issues = append(issues, Issue{
			Rule: "references_task", Severity: SeverityWarning,
			Detail: "the answer shares no significant word with the task description",
		})
	}

	for _, rec := range in.Records {
		if rec.Before == "" && rec.After == "" {
			continue
		}
		if rec.Before == rec.After {
			issues = append(issues, Issue{
				Rule: "state_delta", Severity: SeverityWarning,
				Detail: fmt.Sprintf("tool %q reported no state change", rec.Tool),
			})
		}
	}

	outcome := outcomeFromIssues(issues)
	return Result{
		Outcome:     outcome,
		Confidence:  confidenceFor(outcome, issues),
		Reasoning:   reasoningFor(issues),
		Issues:      issues,
		Suggestions: suggestions,
	}
}

// referencesTask reports whether the answer contains at least one long
// word from the task description.
func referencesTask(answer, task string) bool {
	lowered := strings.ToLower(answer)
	for _, word := range strings.Fields(strings.ToLower(task)) {
		word = strings.Trim(word, ".,!?;:\"'()[]")
		if len(word) >= minTaskWordLen && strings.Contains(lowered, word) {
			return true
		}
	}
	// Tasks with no long words cannot fail this rule.
	for _, word := range strings.Fields(task) {
		if len(strings.Trim(word, ".,!?;:\"'()[]")) >= minTaskWordLen {
			return false
		}
	}
	return true
}

func confidenceFor(outcome string, issues []Issue) float64 {
	switch outcome {
	case OutcomeFailure:
		return 0.1
	case OutcomePartial:
		c := 0.9 - 0.15*float64(len(issues))
		if c < 0.3 {
			c = 0.3
		}
		return c
	default:
		return 0.95
	}
}

func reasoningFor(issues []Issue) string {
	if len(issues) == 0 {
		return "all format rules passed"
	}
	parts := make([]string, 0, len(issues))
	for _, issue := range issues {
		parts = append(parts, issue.Detail)
	}
	return strings.Join(parts, "; ")
}
