package encode

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kiroproxy/gateway/internal/kiroevent"
)

func sequenceNext(events []kiroevent.Event) NextFunc {
	i := 0
	return func() (kiroevent.Event, error) {
		if i >= len(events) {
			return kiroevent.Event{}, io.EOF
		}
		evt := events[i]
		i++
		return evt, nil
	}
}

func TestStreamOpenAI_TextDeltas(t *testing.T) {
	rec := httptest.NewRecorder()
	next := sequenceNext([]kiroevent.Event{
		{Kind: kiroevent.KindTextDelta, Text: "hello "},
		{Kind: kiroevent.KindTextDelta, Text: "world"},
		{Kind: kiroevent.KindStop},
	})

	if err := StreamOpenAI(rec, "gpt-test", "", next, Usage{}); err != nil {
		t.Fatalf("StreamOpenAI: %v", err)
	}

	body := rec.Body.String()
	if !strings.Contains(body, `"content":"hello "`) {
		t.Errorf("missing first delta chunk, body=%s", body)
	}
	if !strings.Contains(body, `"content":"world"`) {
		t.Errorf("missing second delta chunk, body=%s", body)
	}
	if !strings.Contains(body, `"finish_reason":"stop"`) {
		t.Errorf("missing final finish_reason chunk, body=%s", body)
	}
	if !strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]") {
		t.Errorf("expected trailing [DONE] frame, body=%s", body)
	}
}

func TestStreamOpenAI_ToolCalls(t *testing.T) {
	rec := httptest.NewRecorder()
	next := sequenceNext([]kiroevent.Event{
		{Kind: kiroevent.KindToolUseStart, ToolUseID: "tool_1", ToolName: "get_weather", ToolInputDelta: `{"loc`},
		{Kind: kiroevent.KindToolUseDelta, ToolUseID: "tool_1", ToolInputDelta: `at":"NYC"}`},
		{Kind: kiroevent.KindToolUseEnd, ToolUseID: "tool_1"},
	})

	if err := StreamOpenAI(rec, "gpt-test", "", next, Usage{}); err != nil {
		t.Fatalf("StreamOpenAI: %v", err)
	}

	body := rec.Body.String()
	if !strings.Contains(body, `"finish_reason":"tool_calls"`) {
		t.Errorf("expected tool_calls finish reason, body=%s", body)
	}
	if !strings.Contains(body, `"name":"get_weather"`) {
		t.Errorf("expected tool name in first delta, body=%s", body)
	}
}

func TestStreamOpenAI_ToolCallSingleFrame(t *testing.T) {
	// No KindToolUseStart precedes this End: the tool's whole input
	// arrived in one wire frame, and the chunk must still be emitted.
	rec := httptest.NewRecorder()
	next := sequenceNext([]kiroevent.Event{
		{Kind: kiroevent.KindToolUseEnd, ToolUseID: "tool_1", ToolName: "noop", ToolInput: map[string]interface{}{}},
	})

	if err := StreamOpenAI(rec, "gpt-test", "", next, Usage{}); err != nil {
		t.Fatalf("StreamOpenAI: %v", err)
	}

	body := rec.Body.String()
	if !strings.Contains(body, `"finish_reason":"tool_calls"`) {
		t.Errorf("expected tool_calls finish reason, body=%s", body)
	}
	if !strings.Contains(body, `"name":"noop"`) {
		t.Errorf("expected tool name in the emitted delta, body=%s", body)
	}
}

func TestStreamOpenAI_UpstreamError(t *testing.T) {
	rec := httptest.NewRecorder()
	wantErr := errors.New("boom")
	next := func() (kiroevent.Event, error) {
		return kiroevent.Event{}, wantErr
	}

	err := StreamOpenAI(rec, "gpt-test", "", next, Usage{})
	if !errors.Is(err, wantErr) {
		t.Fatalf("StreamOpenAI: got %v, want %v", err, wantErr)
	}
	if !strings.Contains(rec.Body.String(), "upstream_error") {
		t.Errorf("expected an error frame in body, got %s", rec.Body.String())
	}
}

func TestOpenAICompletionID_HasPrefix(t *testing.T) {
	id := OpenAICompletionID()
	if !strings.HasPrefix(id, "chatcmpl-") {
		t.Errorf("OpenAICompletionID: got %q, want chatcmpl- prefix", id)
	}
}
