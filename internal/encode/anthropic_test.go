package encode

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kiroproxy/gateway/internal/kiroevent"
)

func TestStreamAnthropic_TextDeltas(t *testing.T) {
	rec := httptest.NewRecorder()
	next := sequenceNext([]kiroevent.Event{
		{Kind: kiroevent.KindTextDelta, Text: "hi"},
		{Kind: kiroevent.KindStop},
	})

	if err := StreamAnthropic(rec, "claude-test", "", next, Usage{}); err != nil {
		t.Fatalf("StreamAnthropic: %v", err)
	}

	body := rec.Body.String()
	for _, want := range []string{"message_start", "content_block_start", "content_block_delta", "content_block_stop", "message_delta", "message_stop"} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q event in stream, body=%s", want, body)
		}
	}
	if !strings.Contains(body, `"stop_reason":"end_turn"`) {
		t.Errorf("expected end_turn stop reason, body=%s", body)
	}
}

func TestStreamAnthropic_ToolUse(t *testing.T) {
	rec := httptest.NewRecorder()
	next := sequenceNext([]kiroevent.Event{
		{Kind: kiroevent.KindToolUseStart, ToolUseID: "tool_1", ToolName: "lookup"},
		{Kind: kiroevent.KindToolUseDelta, ToolUseID: "tool_1", ToolInputDelta: `{"q":"x"}`},
		{Kind: kiroevent.KindToolUseEnd, ToolUseID: "tool_1", ToolName: "lookup", ToolInput: map[string]interface{}{"q": "x"}},
	})

	if err := StreamAnthropic(rec, "claude-test", "", next, Usage{}); err != nil {
		t.Fatalf("StreamAnthropic: %v", err)
	}

	body := rec.Body.String()
	if !strings.Contains(body, `"stop_reason":"tool_use"`) {
		t.Errorf("expected tool_use stop reason, body=%s", body)
	}
	if strings.Contains(body, "input_json_delta") {
		t.Errorf("tool_use blocks must not emit input_json_delta, body=%s", body)
	}
	if !strings.Contains(body, `"input":{"q":"x"}`) {
		t.Errorf("expected content_block_start to carry the fully-parsed input, body=%s", body)
	}
	startIdx := strings.Index(body, "content_block_start")
	stopIdx := strings.Index(body, "content_block_stop")
	if startIdx == -1 || stopIdx == -1 || stopIdx < startIdx {
		t.Errorf("expected content_block_start immediately followed by content_block_stop, body=%s", body)
	}
}

func TestStreamAnthropic_ToolUseSingleFrame(t *testing.T) {
	// A tool call whose entire input arrives in one wire frame never
	// produces a KindToolUseStart; the demuxer emits KindToolUseEnd
	// directly, and the encoder must still close out the block.
	rec := httptest.NewRecorder()
	next := sequenceNext([]kiroevent.Event{
		{Kind: kiroevent.KindToolUseEnd, ToolUseID: "tool_1", ToolName: "lookup", ToolInput: map[string]interface{}{}},
	})

	if err := StreamAnthropic(rec, "claude-test", "", next, Usage{}); err != nil {
		t.Fatalf("StreamAnthropic: %v", err)
	}

	body := rec.Body.String()
	if !strings.Contains(body, `"stop_reason":"tool_use"`) {
		t.Errorf("expected tool_use stop reason, body=%s", body)
	}
	if !strings.Contains(body, `"id":"tool_1"`) {
		t.Errorf("expected the tool_use content_block to carry the tool id, body=%s", body)
	}
}

func TestStreamAnthropic_ErrorStillClosesOut(t *testing.T) {
	rec := httptest.NewRecorder()
	wantErr := errors.New("upstream broke")
	next := func() (kiroevent.Event, error) {
		return kiroevent.Event{}, wantErr
	}

	err := StreamAnthropic(rec, "claude-test", "", next, Usage{})
	if !errors.Is(err, wantErr) {
		t.Fatalf("StreamAnthropic: got %v, want %v", err, wantErr)
	}

	body := rec.Body.String()
	if !strings.Contains(body, `"type":"error"`) {
		t.Errorf("expected error event, body=%s", body)
	}
	if !strings.Contains(body, "message_stop") {
		t.Errorf("expected the stream to still close out with message_stop, body=%s", body)
	}
}

func TestAnthropicMessageID_HasPrefixAndNoHyphens(t *testing.T) {
	id := AnthropicMessageID()
	if !strings.HasPrefix(id, "msg_") {
		t.Errorf("AnthropicMessageID: got %q, want msg_ prefix", id)
	}
	if strings.Contains(strings.TrimPrefix(id, "msg_"), "-") {
		t.Errorf("AnthropicMessageID: got %q, want no hyphens", id)
	}
}
