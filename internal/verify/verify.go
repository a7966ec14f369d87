// Package verify implements the post-turn sanity check: format rules
// that need no extra engine call, an optional semantic pass that
// spends one, and a composition of both. Verification is observational;
// the loop reports the result and never retries because of it.
package verify

import "context"

// Outcomes, ordered worst-last for merging.
const (
	OutcomeSuccess = "success"
	OutcomePartial = "partial"
	OutcomeFailure = "failure"
)

// Issue severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
)

// Issue is one finding from a verification rule.
type Issue struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
}

// Result is the verification verdict for one completed turn.
type Result struct {
	Outcome     string   `json:"outcome"`
	Confidence  float64  `json:"confidence"`
	Reasoning   string   `json:"reasoning,omitempty"`
	Issues      []Issue  `json:"issues,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// StateRecord captures a tool's external state before and after it
// ran. Empty snapshots mean the tool does not expose them.
type StateRecord struct {
	Tool   string `json:"tool"`
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`
}

// ToolStats counts tool activity across the turn.
type ToolStats struct {
	Invocations int `json:"invocations"`
	Errors      int `json:"errors"`
}

// Input is everything a verifier sees about the finished turn.
type Input struct {
	Task    string
	Answer  string
	Stats   ToolStats
	Records []StateRecord
}

// Verifier labels a finished turn. Implementations must not mutate the
// turn's outcome.
type Verifier interface {
	Verify(ctx context.Context, in Input) Result
}

// outcomeRank orders outcomes for worst-of merging.
func outcomeRank(outcome string) int {
	switch outcome {
	case OutcomeFailure:
		return 2
	case OutcomePartial:
		return 1
	default:
		return 0
	}
}

// worstOutcome returns the worse of two outcomes.
func worstOutcome(a, b string) string {
	if outcomeRank(b) > outcomeRank(a) {
		return b
	}
	return a
}

// outcomeFromIssues applies the precedence: any error rule fails the
// turn, any warning downgrades it to partial.
func outcomeFromIssues(issues []Issue) string {
	outcome := OutcomeSuccess
	for _, issue := range issues {
		switch issue.Severity {
		case SeverityError:
			return OutcomeFailure
		case SeverityWarning:
			outcome = OutcomePartial
		}
	}
	return outcome
}

// Composite runs verifiers in order and merges their verdicts: worst
// outcome, lowest confidence, all issues and suggestions.
type Composite struct {
	verifiers []Verifier
}

// NewComposite builds a composite over the given verifiers.
func NewComposite(verifiers ...Verifier) *Composite {
	return &Composite{verifiers: verifiers}
}

func (c *Composite) Verify(ctx context.Context, in Input) Result {
	merged := Result{Outcome: OutcomeSuccess, Confidence: 1}
	for _, v := range c.verifiers {
		res := v.Verify(ctx, in)
		merged.Outcome = worstOutcome(merged.Outcome, res.Outcome)
		if res.Confidence < merged.Confidence {
			merged.Confidence = res.Confidence
		}
		if res.Reasoning != "" {
			if merged.Reasoning != "" {
				merged.Reasoning += "; "
			}
			merged.Reasoning += res.Reasoning
		}
		merged.Issues = append(merged.Issues, res.Issues...)
		merged.Suggestions = append(merged.Suggestions, res.Suggestions...)
	}
	return merged
}
