package tools

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

const (
	// BrowserNavTimeout bounds one page navigation.
	BrowserNavTimeout = 30 * time.Second

	maxPageText = 64 * 1024
)

// BrowserTool navigates a headless browser to a URL and extracts the
// rendered page text. Excluded from the default tool set; routing
// rules opt specific agents in.
type BrowserTool struct {
	mu      sync.Mutex
	browser *rod.Browser
}

// NewBrowser creates the browser tool. The underlying browser launches
// lazily on first use.
func NewBrowser() *BrowserTool {
	return &BrowserTool{}
}

func (t *BrowserTool) Name() string { return "browser" }

func (t *BrowserTool) Description() string {
	return "Navigate a headless browser to a URL and return the rendered page text."
}

func (t *BrowserTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"url": stringParam("The page URL to open."),
	}, "url")
}

func (t *BrowserTool) Heavyweight() bool { return true }

func (t *BrowserTool) Validate(args map[string]interface{}) error {
	raw, err := stringArg(args, "url")
	if err != nil {
		return err
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("argument %q must be an http(s) URL", "url")
	}
	return nil
}

func (t *BrowserTool) ensureBrowser() (*rod.Browser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.browser != nil {
		return t.browser, nil
	}
	b := rod.New()
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	t.browser = b
	return b, nil
}

func (t *BrowserTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	raw, err := stringArg(args, "url")
	if err != nil {
		return ErrorResult("Error: " + err.Error()).WithError(err)
	}
	b, err := t.ensureBrowser()
	if err != nil {
		return ErrorResult("Error: " + err.Error()).WithError(err)
	}

	navCtx, cancel := context.WithTimeout(ctx, BrowserNavTimeout)
	defer cancel()

	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error: open page: %v", err)).WithError(err)
	}
	page = page.Context(navCtx)
	defer page.Close()

	if err := page.Navigate(raw); err != nil {
		return ErrorResult(fmt.Sprintf("Error: navigate %s: %v", raw, err)).WithError(err)
	}
	if err := page.WaitLoad(); err != nil {
		return ErrorResult(fmt.Sprintf("Error: load %s: %v", raw, err)).WithError(err)
	}

	el, err := page.Element("body")
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error: page %s has no body", raw)).WithError(err)
	}
	text, err := el.Text()
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error: extract text from %s: %v", raw, err)).WithError(err)
	}
	if len(text) > maxPageText {
		text = text[:maxPageText] + "\n... (page text truncated)"
	}
	return NewResult(text)
}

// Close shuts the underlying browser down.
func (t *BrowserTool) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.browser == nil {
		return nil
	}
	err := t.browser.Close()
	t.browser = nil
	return err
}
