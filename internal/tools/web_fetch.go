package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	webFetchTimeout  = 30 * time.Second
	maxWebFetchBytes = 512 * 1024
	webFetchAgent    = "gatehouse/1.0"
)

// WebFetchTool fetches a URL and returns its text content. HTML is
// reduced to readable text; other content types pass through.
type WebFetchTool struct {
	client *http.Client
}

// NewWebFetch creates the web_fetch tool.
func NewWebFetch() *WebFetchTool {
	return &WebFetchTool{client: &http.Client{Timeout: webFetchTimeout}}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch a URL over HTTP(S) and return its readable text content."
}

func (t *WebFetchTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"url": stringParam("The http or https URL to fetch."),
	}, "url")
}

func (t *WebFetchTool) Validate(args map[string]interface{}) error {
	raw, err := stringArg(args, "url")
	if err != nil {
		return err
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("argument %q is not a valid URL: %w", "url", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("argument %q must use http or https", "url")
	}
	return nil
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	raw, err := stringArg(args, "url")
	if err != nil {
		return ErrorResult("Error: " + err.Error()).WithError(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return ErrorResult("Error: " + err.Error()).WithError(err)
	}
	req.Header.Set("User-Agent", webFetchAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error: fetch %s: %v", raw, err)).WithError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return ErrorResult(fmt.Sprintf("Error: fetch %s: HTTP %d", raw, resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWebFetchBytes+1))
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error: read %s: %v", raw, err)).WithError(err)
	}
	truncated := len(body) > maxWebFetchBytes
	if truncated {
		body = body[:maxWebFetchBytes]
	}

	text := string(body)
	if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		text = htmlToText(text)
	}
	if truncated {
		text += "\n... (content truncated)"
	}
	return NewResult(text)
}

var (
	scriptRe  = regexp.MustCompile(`(?is)<(script|style|noscript)[^>]*>.*?</\w+>`)
	tagRe     = regexp.MustCompile(`(?s)<[^>]*>`)
	blankRe   = regexp.MustCompile(`\n{3,}`)
	entityMap = strings.NewReplacer(
		"&amp;", "&", "&lt;", "<", "&gt;", ">",
		"&quot;", `"`, "&#39;", "'", "&nbsp;", " ",
	)
)

// htmlToText strips markup down to readable text. Crude but
// dependency-free; pages that matter render fine.
func htmlToText(html string) string {
	text := scriptRe.ReplaceAllString(html, "")
	text = tagRe.ReplaceAllString(text, "\n")
	text = entityMap.Replace(text)

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	text = blankRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
