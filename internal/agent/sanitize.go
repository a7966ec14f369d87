package agent

import (
	"regexp"
	"strings"
)

// Reply sanitization: engines occasionally leak reasoning tags, echoed
// tool-call markup, or duplicated paragraphs into user-facing text.
// SanitizeReply strips the known leak patterns before a reply leaves
// the gateway.

var (
	thinkingRe = regexp.MustCompile(`(?is)<(think|thinking|thought)>.*?</(?:think|thinking|thought)>`)
	// An opening reasoning tag with no close swallows the rest.
	openThinkingRe = regexp.MustCompile(`(?is)<(think|thinking|thought)>.*$`)
	finalTagRe     = regexp.MustCompile(`(?i)</?final>`)
	toolEchoRe     = regexp.MustCompile(`(?m)^\[Tool (?:Call|Result)[^\]]*\].*$`)
	blankRunRe     = regexp.MustCompile(`\n{3,}`)
)

// SanitizeReply cleans assistant text for delivery to a channel.
func SanitizeReply(text string) string {
	if text == "" {
		return ""
	}
	text = thinkingRe.ReplaceAllString(text, "")
	text = openThinkingRe.ReplaceAllString(text, "")
	text = finalTagRe.ReplaceAllString(text, "")
	text = toolEchoRe.ReplaceAllString(text, "")
	text = collapseDuplicateBlocks(text)
	text = blankRunRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// collapseDuplicateBlocks drops consecutive identical paragraphs, a
// repetition mode some models fall into.
func collapseDuplicateBlocks(text string) string {
	blocks := strings.Split(text, "\n\n")
	kept := blocks[:0]
	prev := ""
	for _, block := range blocks {
		trimmed := strings.TrimSpace(block)
		if trimmed != "" && trimmed == prev {
			continue
		}
		kept = append(kept, block)
		if trimmed != "" {
			prev = trimmed
		}
	}
	return strings.Join(kept, "\n\n")
}
