package translate

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/kiroproxy/gateway/internal/credential"
	"github.com/kiroproxy/gateway/internal/pipeline"
)

func TestNormalizeMessagesSplitsToolResults(t *testing.T) {
	req := &pipeline.Request{
		Format: pipeline.FormatAnthropic,
		Messages: []pipeline.Message{
			{Role: "user", Content: []pipeline.ContentBlock{
				{Type: "tool_result", ToolUseID: "tu_1", Content: "42 degrees"},
				{Type: "text", Text: "what's next?"},
			}},
		},
	}

	out, err := NormalizeMessages(req)
	if err != nil {
		t.Fatalf("NormalizeMessages: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(out))
	}
	if out[0].Role != "user" {
		t.Errorf("expected first message role user, got %s", out[0].Role)
	}
	if out[1].Role != "tool" || out[1].ToolCallID != "tu_1" {
		t.Errorf("expected tool message with id tu_1, got %+v", out[1])
	}
	if out[1].Content != "42 degrees" {
		t.Errorf("expected tool content '42 degrees', got %v", out[1].Content)
	}
}

func TestNormalizeMessagesLiftsAssistantToolUse(t *testing.T) {
	req := &pipeline.Request{
		Format: pipeline.FormatAnthropic,
		Messages: []pipeline.Message{
			{Role: "assistant", Content: []pipeline.ContentBlock{
				{Type: "text", Text: "let me check"},
				{Type: "tool_use", ID: "tu_1", Name: "get_weather", Input: map[string]interface{}{"city": "nyc"}},
			}},
		},
	}

	out, err := NormalizeMessages(req)
	if err != nil {
		t.Fatalf("NormalizeMessages: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 message, got %d", len(out))
	}
	if len(out[0].ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(out[0].ToolCalls))
	}
	if out[0].ToolCalls[0].Function.Name != "get_weather" {
		t.Errorf("expected tool call name get_weather, got %s", out[0].ToolCalls[0].Function.Name)
	}
}

func TestNormalizeMessagesPassesThroughOpenAI(t *testing.T) {
	req := &pipeline.Request{
		Format:   pipeline.FormatOpenAI,
		Messages: []pipeline.Message{{Role: "user", Content: "hi"}},
	}
	out, err := NormalizeMessages(req)
	if err != nil {
		t.Fatalf("NormalizeMessages: %v", err)
	}
	if len(out) != 1 || out[0].Content != "hi" {
		t.Fatalf("expected passthrough, got %+v", out)
	}
}

func TestNormalizeToolChoice(t *testing.T) {
	cases := []struct {
		name string
		in   interface{}
		want interface{}
	}{
		{"any", map[string]interface{}{"type": "any"}, "required"},
		{"auto", map[string]interface{}{"type": "auto"}, "auto"},
		{"tool", map[string]interface{}{"type": "tool", "name": "get_weather"}, map[string]interface{}{
			"type": "function", "function": map[string]interface{}{"name": "get_weather"},
		}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := NormalizeToolChoice(pipeline.FormatAnthropic, c.in)
			gotJSON, _ := json.Marshal(got)
			wantJSON, _ := json.Marshal(c.want)
			if string(gotJSON) != string(wantJSON) {
				t.Errorf("got %s, want %s", gotJSON, wantJSON)
			}
		})
	}
}

func TestBuildUpstreamPayloadOmitsProfileArnForDeviceOAuth(t *testing.T) {
	req := &pipeline.Request{Model: "claude-sonnet-4-5"}
	messages := []pipeline.Message{{Role: "user", Content: "hello"}}

	body, err := BuildUpstreamPayload(req, messages, "conv-1", "arn:aws:profile", credential.MechanismDeviceOAuth, OriginAIEditor)
	if err != nil {
		t.Fatalf("BuildUpstreamPayload: %v", err)
	}
	if strings.Contains(string(body), "profileArn") {
		t.Errorf("expected no profileArn field for device-oauth, got %s", body)
	}
}

func TestBuildUpstreamPayloadIncludesProfileArnForDesktopRefresh(t *testing.T) {
	req := &pipeline.Request{Model: "claude-sonnet-4-5"}
	messages := []pipeline.Message{{Role: "user", Content: "hello"}}

	body, err := BuildUpstreamPayload(req, messages, "conv-1", "arn:aws:profile", credential.MechanismDesktopRefresh, OriginAIEditor)
	if err != nil {
		t.Fatalf("BuildUpstreamPayload: %v", err)
	}
	if !strings.Contains(string(body), "arn:aws:profile") {
		t.Errorf("expected profileArn in payload, got %s", body)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	cs, ok := decoded["conversationState"].(map[string]interface{})
	if !ok {
		t.Fatalf("missing conversationState in %s", body)
	}
	if cs["conversationId"] != "conv-1" {
		t.Errorf("expected conversationId conv-1, got %v", cs["conversationId"])
	}
}

func TestBuildUpstreamPayloadRejectsNoUserTurn(t *testing.T) {
	req := &pipeline.Request{Model: "claude-sonnet-4-5"}
	_, err := BuildUpstreamPayload(req, nil, "conv-1", "", credential.MechanismDeviceOAuth, OriginAIEditor)
	if err == nil {
		t.Fatal("expected error for request with no user turn")
	}
}

func TestBuildUpstreamPayloadCarriesHistoryAndToolResults(t *testing.T) {
	req := &pipeline.Request{Model: "claude-sonnet-4-5"}
	messages := []pipeline.Message{
		{Role: "user", Content: "what's the weather?"},
		{Role: "assistant", ToolCalls: []pipeline.ToolCall{
			{ID: "tu_1", Type: "function", Function: pipeline.ToolFunction{Name: "get_weather", Arguments: `{"city":"nyc"}`}},
		}},
		{Role: "tool", ToolCallID: "tu_1", Content: "42F and sunny"},
		{Role: "user", Content: "thanks, what about tomorrow?"},
	}

	body, err := BuildUpstreamPayload(req, messages, "conv-1", "", credential.MechanismDeviceOAuth, OriginCLI)
	if err != nil {
		t.Fatalf("BuildUpstreamPayload: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	cs := decoded["conversationState"].(map[string]interface{})
	history, ok := cs["history"].([]interface{})
	if !ok || len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %v", cs["history"])
	}
	current := cs["currentMessage"].(map[string]interface{})
	uim := current["userInputMessage"].(map[string]interface{})
	if !strings.Contains(uim["content"].(string), "tomorrow") {
		t.Errorf("expected current turn to carry the latest user text, got %v", uim["content"])
	}
}

func TestBuildUpstreamPayloadPrependsSystemToEarliestTurn(t *testing.T) {
	req := &pipeline.Request{Model: "claude-sonnet-4-5", System: "You are a helpful assistant."}
	messages := []pipeline.Message{
		{Role: "user", Content: "what's the weather?"},
		{Role: "assistant", Content: "Let me check."},
		{Role: "user", Content: "thanks, what about tomorrow?"},
	}

	body, err := BuildUpstreamPayload(req, messages, "conv-1", "", credential.MechanismDeviceOAuth, OriginCLI)
	if err != nil {
		t.Fatalf("BuildUpstreamPayload: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	cs := decoded["conversationState"].(map[string]interface{})
	history, ok := cs["history"].([]interface{})
	if !ok || len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %v", cs["history"])
	}

	first := history[0].(map[string]interface{})
	firstUIM, ok := first["userInputMessage"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected first history entry to be a user turn, got %v", first)
	}
	if !strings.HasPrefix(firstUIM["content"].(string), "You are a helpful assistant.") {
		t.Errorf("expected system prompt prepended to earliest user turn, got %v", firstUIM["content"])
	}

	current := cs["currentMessage"].(map[string]interface{})
	uim := current["userInputMessage"].(map[string]interface{})
	if strings.Contains(uim["content"].(string), "helpful assistant") {
		t.Errorf("system prompt should not be glued onto the latest turn, got %v", uim["content"])
	}
	if !strings.Contains(uim["content"].(string), "tomorrow") {
		t.Errorf("expected current turn to still carry the latest user text, got %v", uim["content"])
	}
}
