package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gatehouselabs/gatehouse/internal/convo"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-5"
	anthropicAPIBase      = "https://api.anthropic.com/v1"
	anthropicAPIVersion   = "2023-06-01"
	defaultMaxTokens      = 8192
)

// AnthropicEngine speaks the Anthropic Messages API over SSE. Calls
// carry no client timeout: streams run as long as the model talks, and
// cancellation comes from the run context.
type AnthropicEngine struct {
	apiKey    string
	baseURL   string
	model     string
	maxTokens int
	client    *http.Client
}

type AnthropicOption func(*AnthropicEngine)

func WithAnthropicModel(model string) AnthropicOption {
	return func(e *AnthropicEngine) {
		if model != "" {
			e.model = model
		}
	}
}

func WithAnthropicBaseURL(baseURL string) AnthropicOption {
	return func(e *AnthropicEngine) {
		if baseURL != "" {
			e.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func WithAnthropicMaxTokens(n int) AnthropicOption {
	return func(e *AnthropicEngine) {
		if n > 0 {
			e.maxTokens = n
		}
	}
}

func NewAnthropic(apiKey string, opts ...AnthropicOption) *AnthropicEngine {
	e := &AnthropicEngine{
		apiKey:    apiKey,
		baseURL:   anthropicAPIBase,
		model:     defaultAnthropicModel,
		maxTokens: defaultMaxTokens,
		client:    &http.Client{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *AnthropicEngine) Name() string { return "anthropic" }

// Start opens a streaming call. The returned run does not support
// steering; the agent loop steers by appending to the context between
// iterations.
func (e *AnthropicEngine) Start(ctx context.Context, req Request) (Run, error) {
	body := e.buildRequestBody(req)
	runCtx, cancel := context.WithCancel(ctx)
	r := newBaseRun(cancel)
	go e.stream(runCtx, r, body)
	return r, nil
}

func (e *AnthropicEngine) stream(ctx context.Context, r *baseRun, body map[string]interface{}) {
	defer close(r.events)

	if !r.emit(ctx, Event{Kind: KindStarted}) {
		return
	}

	respBody, err := e.doRequest(ctx, body)
	if err != nil {
		r.emit(ctx, Event{Kind: KindError, Err: err})
		return
	}
	defer respBody.Close()

	var (
		answer  strings.Builder
		calls   []convo.ToolCall
		usage   Usage
		curTool *convo.ToolCall
		curJSON strings.Builder
	)

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var currentEvent string

	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch currentEvent {
		case "message_start":
			var ev anthropicMessageStartEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				if ev.Message.Usage.InputTokens > 0 {
					usage.Input = ev.Message.Usage.InputTokens
				}
			}

		case "content_block_start":
			var ev anthropicContentBlockStartEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				if ev.ContentBlock.Type == "tool_use" {
					curTool = &convo.ToolCall{
						ID:        ev.ContentBlock.ID,
						Name:      strings.TrimSpace(ev.ContentBlock.Name),
						Arguments: make(map[string]interface{}),
					}
					curJSON.Reset()
				}
			}

		case "content_block_delta":
			var ev anthropicContentBlockDeltaEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				switch ev.Delta.Type {
				case "text_delta":
					answer.WriteString(ev.Delta.Text)
					if !r.emit(ctx, Event{Kind: KindTextDelta, Delta: ev.Delta.Text}) {
						return
					}
				case "input_json_delta":
					if curTool != nil {
						curJSON.WriteString(ev.Delta.PartialJSON)
					}
				}
			}

		case "content_block_stop":
			// Tool args arrive as JSON fragments; the call is complete
			// (and emitted) only when its block closes.
			if curTool != nil {
				if s := curJSON.String(); s != "" {
					args := make(map[string]interface{})
					_ = json.Unmarshal([]byte(s), &args)
					curTool.Arguments = args
				}
				call := *curTool
				calls = append(calls, call)
				curTool = nil
				if !r.emit(ctx, Event{Kind: KindToolStart, Call: &call}) {
					return
				}
			}

		case "message_delta":
			var ev anthropicMessageDeltaEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				if ev.Usage.OutputTokens > 0 {
					usage.Output = ev.Usage.OutputTokens
				}
			}

		case "error":
			var ev anthropicErrorEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				status := http.StatusBadRequest
				switch ev.Error.Type {
				case "overloaded_error", "api_error":
					status = http.StatusInternalServerError
				case "rate_limit_error":
					status = http.StatusTooManyRequests
				}
				r.emit(ctx, Event{Kind: KindError, Err: &HTTPError{
					Status: status,
					Body:   fmt.Sprintf("anthropic: %s: %s", ev.Error.Type, ev.Error.Message),
				}})
				return
			}

		case "message_stop":
			// Stream complete; the terminal event follows the scan loop.
		}
	}

	if err := scanner.Err(); err != nil {
		r.emit(ctx, Event{Kind: KindError, Err: fmt.Errorf("anthropic: read stream: %w", err)})
		return
	}

	r.emit(ctx, Event{Kind: KindCompleted, Answer: answer.String(), Calls: calls, Usage: usage})
}

func (e *AnthropicEngine) buildRequestBody(req Request) map[string]interface{} {
	var systemBlocks []map[string]interface{}
	if req.System != "" {
		systemBlocks = append(systemBlocks, map[string]interface{}{
			"type": "text",
			"text": req.System,
		})
	}

	var messages []map[string]interface{}
	for _, msg := range req.Messages {
		switch msg.Role {
		case convo.RoleSystem:
			systemBlocks = append(systemBlocks, map[string]interface{}{
				"type": "text",
				"text": msg.Content,
			})

		case convo.RoleUser:
			if len(msg.Images) > 0 {
				var blocks []map[string]interface{}
				for _, img := range msg.Images {
					blocks = append(blocks, map[string]interface{}{
						"type": "image",
						"source": map[string]interface{}{
							"type":       "base64",
							"media_type": img.MimeType,
							"data":       img.Data,
						},
					})
				}
				if msg.Content != "" {
					blocks = append(blocks, map[string]interface{}{
						"type": "text",
						"text": msg.Content,
					})
				}
				messages = append(messages, map[string]interface{}{
					"role":    "user",
					"content": blocks,
				})
			} else {
				messages = append(messages, map[string]interface{}{
					"role":    "user",
					"content": msg.Content,
				})
			}

		case convo.RoleAssistant:
			if msg.Content == "" && len(msg.ToolCalls) == 0 {
				continue
			}
			var blocks []map[string]interface{}
			if msg.Content != "" {
				blocks = append(blocks, map[string]interface{}{
					"type": "text",
					"text": msg.Content,
				})
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, map[string]interface{}{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": tc.Arguments,
				})
			}
			messages = append(messages, map[string]interface{}{
				"role":    "assistant",
				"content": blocks,
			})

		case convo.RoleTool:
			messages = append(messages, map[string]interface{}{
				"role": "user",
				"content": []map[string]interface{}{
					{
						"type":        "tool_result",
						"tool_use_id": msg.ToolCallID,
						"content":     msg.Content,
					},
				},
			})
		}
	}

	model := req.Model
	if model == "" {
		model = e.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = e.maxTokens
	}

	body := map[string]interface{}{
		"model":      model,
		"max_tokens": maxTokens,
		"stream":     true,
		"messages":   messages,
	}
	if len(systemBlocks) > 0 {
		body["system"] = systemBlocks
	}

	if len(req.Tools) > 0 {
		var tools []map[string]interface{}
		for _, t := range req.Tools {
			params := t.Parameters
			if params == nil {
				params = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
			}
			tools = append(tools, map[string]interface{}{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": params,
			})
		}
		body["tools"] = tools
	}

	return body
}

func (e *AnthropicEngine) doRequest(ctx context.Context, body interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", e.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("anthropic: %s", strings.TrimSpace(string(respBody))),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	return resp.Body, nil
}

// --- Streaming event types ---

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicMessageStartEvent struct {
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
}

type anthropicContentBlockStartEvent struct {
	Index        int `json:"index"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id,omitempty"`
		Name string `json:"name,omitempty"`
	} `json:"content_block"`
}

type anthropicContentBlockDeltaEvent struct {
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	} `json:"delta"`
}

type anthropicMessageDeltaEvent struct {
	Delta struct {
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicErrorEvent struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
