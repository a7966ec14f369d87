package engine

import (
	"bytes"
	"encoding/json"
)

const (
	toolCallOpen  = "<tool_call>"
	toolCallClose = "</tool_call>"

	// maxToolCallPayload bounds in-tag buffering; a tag that grows past
	// this is abandoned and flushed back out as plain text.
	maxToolCallPayload = 1 << 20
)

// toolCallPayload is the wire shape between the tags.
type toolCallPayload struct {
	Tool string                 `json:"tool"`
	Args map[string]interface{} `json:"args"`
}

// toolCallParser extracts <tool_call>{"tool":…,"args":…}</tool_call>
// blocks from a chunked byte stream. Text outside tags is emitted
// eagerly; at most len(toolCallOpen)-1 trailing bytes are held back in
// case an opening tag straddles a chunk boundary.
type toolCallParser struct {
	onText func(string)
	onCall func(name string, args map[string]interface{})

	inTag bool
	buf   []byte
}

func newToolCallParser(onText func(string), onCall func(string, map[string]interface{})) *toolCallParser {
	return &toolCallParser{onText: onText, onCall: onCall}
}

// Write feeds one chunk; callbacks fire inline.
func (p *toolCallParser) Write(chunk []byte) {
	p.buf = append(p.buf, chunk...)
	p.drain()
}

// Close flushes held-back bytes; an unterminated tag comes back out as
// raw text.
func (p *toolCallParser) Close() {
	if p.inTag {
		p.onText(toolCallOpen + string(p.buf))
	} else if len(p.buf) > 0 {
		p.onText(string(p.buf))
	}
	p.buf = nil
	p.inTag = false
}

func (p *toolCallParser) drain() {
	for {
		if p.inTag {
			if idx := bytes.Index(p.buf, []byte(toolCallClose)); idx >= 0 {
				payload := p.buf[:idx]
				rest := append([]byte(nil), p.buf[idx+len(toolCallClose):]...)
				p.inTag = false
				p.emitCall(payload)
				p.buf = rest
				continue
			}
			if len(p.buf) > maxToolCallPayload {
				text := toolCallOpen + string(p.buf)
				p.buf = nil
				p.inTag = false
				p.onText(text)
			}
			return
		}

		if idx := bytes.Index(p.buf, []byte(toolCallOpen)); idx >= 0 {
			if idx > 0 {
				p.onText(string(p.buf[:idx]))
			}
			p.buf = append([]byte(nil), p.buf[idx+len(toolCallOpen):]...)
			p.inTag = true
			continue
		}

		hold := tagPrefixLen(p.buf)
		if emit := len(p.buf) - hold; emit > 0 {
			p.onText(string(p.buf[:emit]))
			p.buf = append([]byte(nil), p.buf[emit:]...)
		}
		return
	}
}

func (p *toolCallParser) emitCall(payload []byte) {
	var tc toolCallPayload
	if err := json.Unmarshal(payload, &tc); err != nil || tc.Tool == "" {
		// Not the expected shape: put the raw block back out as text.
		p.onText(toolCallOpen + string(payload) + toolCallClose)
		return
	}
	if tc.Args == nil {
		tc.Args = make(map[string]interface{})
	}
	p.onCall(tc.Tool, tc.Args)
}

// tagPrefixLen reports the length of the longest tail of buf that could
// still grow into an opening tag.
func tagPrefixLen(buf []byte) int {
	max := len(toolCallOpen) - 1
	if max > len(buf) {
		max = len(buf)
	}
	for k := max; k > 0; k-- {
		if bytes.HasSuffix(buf, []byte(toolCallOpen[:k])) {
			return k
		}
	}
	return 0
}
