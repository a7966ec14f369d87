package engine

import (
	"reflect"
	"strings"
	"testing"
)

// parserRecorder collects parser callbacks for assertions.
type parserRecorder struct {
	texts []string
	calls []toolCallPayload
}

func newRecordedParser() (*toolCallParser, *parserRecorder) {
	rec := &parserRecorder{}
	p := newToolCallParser(
		func(text string) { rec.texts = append(rec.texts, text) },
		func(name string, args map[string]interface{}) {
			rec.calls = append(rec.calls, toolCallPayload{Tool: name, Args: args})
		},
	)
	return p, rec
}

func (r *parserRecorder) text() string { return strings.Join(r.texts, "") }

// TestParser_PlainText verifies that input without tags passes through
// unchanged.
func TestParser_PlainText(t *testing.T) {
	p, rec := newRecordedParser()
	p.Write([]byte("hello world"))
	p.Close()

	if got := rec.text(); got != "hello world" {
		t.Errorf("text = %q, want %q", got, "hello world")
	}
	if len(rec.calls) != 0 {
		t.Errorf("calls = %d, want 0", len(rec.calls))
	}
}

// TestParser_SingleCall verifies a well-formed block surrounded by text.
func TestParser_SingleCall(t *testing.T) {
	p, rec := newRecordedParser()
	p.Write([]byte(`before <tool_call>{"tool":"bash","args":{"command":"ls"}}</tool_call> after`))
	p.Close()

	if got := rec.text(); got != "before  after" {
		t.Errorf("text = %q, want %q", got, "before  after")
	}
	if len(rec.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(rec.calls))
	}
	if rec.calls[0].Tool != "bash" {
		t.Errorf("tool = %q, want %q", rec.calls[0].Tool, "bash")
	}
	if rec.calls[0].Args["command"] != "ls" {
		t.Errorf("args = %v", rec.calls[0].Args)
	}
}

// TestParser_ByteAtATime verifies that chunk boundaries anywhere in the
// stream, including inside both tags, do not change the result.
func TestParser_ByteAtATime(t *testing.T) {
	input := `alpha <tool_call>{"tool":"file_read","args":{"path":"a.txt"}}</tool_call> omega`
	p, rec := newRecordedParser()
	for i := 0; i < len(input); i++ {
		p.Write([]byte{input[i]})
	}
	p.Close()

	if got := rec.text(); got != "alpha  omega" {
		t.Errorf("text = %q, want %q", got, "alpha  omega")
	}
	if len(rec.calls) != 1 || rec.calls[0].Tool != "file_read" {
		t.Fatalf("calls = %+v, want one file_read", rec.calls)
	}
	if rec.calls[0].Args["path"] != "a.txt" {
		t.Errorf("args = %v", rec.calls[0].Args)
	}
}

// TestParser_EagerEmission verifies text is emitted before Close when no
// tag prefix is pending, and that a possible tag prefix is held back.
func TestParser_EagerEmission(t *testing.T) {
	p, rec := newRecordedParser()

	p.Write([]byte("plain text. "))
	if got := rec.text(); got != "plain text. " {
		t.Errorf("after first write: text = %q, want eager emission", got)
	}

	p.Write([]byte("maybe a tag: <tool_ca"))
	if got := rec.text(); got != "plain text. maybe a tag: " {
		t.Errorf("after partial tag: text = %q, want holdback of %q", got, "<tool_ca")
	}

	p.Close()
	if got := rec.text(); got != "plain text. maybe a tag: <tool_ca" {
		t.Errorf("after close: text = %q, want flushed holdback", got)
	}
}

// TestParser_UnterminatedTagFlushedOnClose verifies an open tag without
// a closing tag comes back out as raw text at stream end.
func TestParser_UnterminatedTagFlushedOnClose(t *testing.T) {
	p, rec := newRecordedParser()
	p.Write([]byte(`ok <tool_call>{"tool":"bash"`))
	p.Close()

	want := `ok <tool_call>{"tool":"bash"`
	if got := rec.text(); got != want {
		t.Errorf("text = %q, want %q", got, want)
	}
	if len(rec.calls) != 0 {
		t.Errorf("calls = %d, want 0", len(rec.calls))
	}
}

// TestParser_OversizedPayloadBecomesText verifies the 1 MiB in-tag cap:
// past it the buffered content is emitted as text and no call fires.
func TestParser_OversizedPayloadBecomesText(t *testing.T) {
	p, rec := newRecordedParser()
	huge := strings.Repeat("a", maxToolCallPayload+1)
	p.Write([]byte("<tool_call>"))
	p.Write([]byte(huge))
	p.Close()

	if len(rec.calls) != 0 {
		t.Fatalf("calls = %d, want 0", len(rec.calls))
	}
	got := rec.text()
	if !strings.HasPrefix(got, "<tool_call>aaa") {
		t.Errorf("text starts %q, want raw tag flush", got[:20])
	}
	if len(got) != len("<tool_call>")+len(huge) {
		t.Errorf("text len = %d, want %d", len(got), len("<tool_call>")+len(huge))
	}
}

// TestParser_MalformedJSONBecomesText verifies a block whose payload is
// not the expected JSON shape is replayed as raw text.
func TestParser_MalformedJSONBecomesText(t *testing.T) {
	p, rec := newRecordedParser()
	p.Write([]byte(`x <tool_call>not json</tool_call> y`))
	p.Close()

	want := `x <tool_call>not json</tool_call> y`
	if got := rec.text(); got != want {
		t.Errorf("text = %q, want %q", got, want)
	}
	if len(rec.calls) != 0 {
		t.Errorf("calls = %d, want 0", len(rec.calls))
	}
}

// TestParser_MultipleCalls verifies several blocks in one stream parse
// in order with their surrounding text.
func TestParser_MultipleCalls(t *testing.T) {
	p, rec := newRecordedParser()
	p.Write([]byte(`a<tool_call>{"tool":"t1","args":{}}</tool_call>b<tool_call>{"tool":"t2","args":{"k":"v"}}</tool_call>c`))
	p.Close()

	if got := rec.text(); got != "abc" {
		t.Errorf("text = %q, want %q", got, "abc")
	}
	var names []string
	for _, c := range rec.calls {
		names = append(names, c.Tool)
	}
	if !reflect.DeepEqual(names, []string{"t1", "t2"}) {
		t.Errorf("calls = %v, want [t1 t2]", names)
	}
}

// TestParser_MissingArgsDefaultsToEmptyMap verifies a block with no args
// field still yields a call with a usable empty map.
func TestParser_MissingArgsDefaultsToEmptyMap(t *testing.T) {
	p, rec := newRecordedParser()
	p.Write([]byte(`<tool_call>{"tool":"noargs"}</tool_call>`))
	p.Close()

	if len(rec.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(rec.calls))
	}
	if rec.calls[0].Args == nil {
		t.Error("args = nil, want empty map")
	}
}
