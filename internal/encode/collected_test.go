package encode

import (
	"testing"

	"github.com/kiroproxy/gateway/internal/kiroevent"
)

func TestCollectEvents_TextAndUsage(t *testing.T) {
	c := CollectEvents([]kiroevent.Event{
		{Kind: kiroevent.KindTextDelta, Text: "hello "},
		{Kind: kiroevent.KindTextDelta, Text: "world"},
		{Kind: kiroevent.KindUsage, Usage: kiroevent.NormalizedUsage{PromptTokens: 10, CompletionTokens: 5}},
	}, Usage{})

	if c.Text != "hello world" {
		t.Errorf("Text: got %q, want %q", c.Text, "hello world")
	}
	if c.StopReason != "end_turn" {
		t.Errorf("StopReason: got %q, want end_turn", c.StopReason)
	}
	if c.Usage.PromptTokens != 10 || c.Usage.CompletionTokens != 5 {
		t.Errorf("Usage: got %+v", c.Usage)
	}
}

func TestCollectEvents_ToolCallSetsStopReason(t *testing.T) {
	c := CollectEvents([]kiroevent.Event{
		{Kind: kiroevent.KindToolUseEnd, ToolUseID: "tool_1", ToolName: "lookup", ToolInput: map[string]interface{}{"q": "x"}},
	}, Usage{})

	if c.StopReason != "tool_use" {
		t.Errorf("StopReason: got %q, want tool_use", c.StopReason)
	}
	if len(c.ToolCalls) != 1 || c.ToolCalls[0].Name != "lookup" {
		t.Fatalf("ToolCalls: got %+v", c.ToolCalls)
	}
}

func TestCollected_ToAnthropicMessage(t *testing.T) {
	c := Collected{Text: "hi", StopReason: "end_turn", Usage: Usage{PromptTokens: 3, CompletionTokens: 2}}
	msg := c.ToAnthropicMessage("claude-test", "msg_fixed")

	if msg["id"] != "msg_fixed" {
		t.Errorf("id: got %v", msg["id"])
	}
	if msg["role"] != "assistant" {
		t.Errorf("role: got %v", msg["role"])
	}
	content, ok := msg["content"].([]map[string]interface{})
	if !ok || len(content) != 1 || content[0]["text"] != "hi" {
		t.Fatalf("content: got %v", msg["content"])
	}
	usage, ok := msg["usage"].(map[string]int)
	if !ok || usage["input_tokens"] != 3 || usage["output_tokens"] != 2 {
		t.Fatalf("usage: got %v", msg["usage"])
	}
}

func TestCollected_ToAnthropicMessage_GeneratesIDWhenEmpty(t *testing.T) {
	c := Collected{Text: "hi"}
	msg := c.ToAnthropicMessage("claude-test", "")
	id, _ := msg["id"].(string)
	if id == "" {
		t.Error("expected a generated message id")
	}
}

func TestCollected_ToOpenAIChatCompletion(t *testing.T) {
	c := Collected{Text: "hi there", StopReason: "end_turn", Usage: Usage{PromptTokens: 4, CompletionTokens: 6}}
	resp := c.ToOpenAIChatCompletion("gpt-test", "chatcmpl-fixed")

	if resp["id"] != "chatcmpl-fixed" {
		t.Errorf("id: got %v", resp["id"])
	}
	choices, ok := resp["choices"].([]map[string]interface{})
	if !ok || len(choices) != 1 {
		t.Fatalf("choices: got %v", resp["choices"])
	}
	if choices[0]["finish_reason"] != "stop" {
		t.Errorf("finish_reason: got %v", choices[0]["finish_reason"])
	}
	usage, ok := resp["usage"].(map[string]int)
	if !ok || usage["total_tokens"] != 10 {
		t.Fatalf("usage: got %v", resp["usage"])
	}
}

func TestCollected_ToOpenAIChatCompletion_ToolCalls(t *testing.T) {
	c := Collected{
		ToolCalls: []CollectedToolCall{{ID: "tool_1", Name: "lookup", Input: map[string]interface{}{"q": "x"}}},
	}
	resp := c.ToOpenAIChatCompletion("gpt-test", "")

	choices := resp["choices"].([]map[string]interface{})
	msg := choices[0]["message"].(map[string]interface{})
	if choices[0]["finish_reason"] != "tool_calls" {
		t.Errorf("finish_reason: got %v", choices[0]["finish_reason"])
	}
	calls, ok := msg["tool_calls"].([]map[string]interface{})
	if !ok || len(calls) != 1 {
		t.Fatalf("tool_calls: got %v", msg["tool_calls"])
	}
}
