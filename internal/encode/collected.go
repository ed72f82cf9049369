package encode

import (
	"github.com/kiroproxy/gateway/internal/kiroevent"
)

// Collected is the fully assembled model turn, built by draining an event
// stream rather than forwarding it incrementally. Used for non-streaming
// requests and batch items (spec.md §4.6 "collected JSON" mode).
type Collected struct {
	Text       string
	ToolCalls  []CollectedToolCall
	StopReason string
	Usage      Usage
}

type CollectedToolCall struct {
	ID    string
	Name  string
	Input interface{}
}

// CollectEvents folds a slice of kiroevent.Event (e.g. from
// kiroevent.Collect) into a single Collected result.
func CollectEvents(events []kiroevent.Event, fallback Usage) Collected {
	c := Collected{StopReason: "end_turn", Usage: fallback}
	var finishReason string
	for _, evt := range events {
		switch evt.Kind {
		case kiroevent.KindTextDelta:
			c.Text += evt.Text
		case kiroevent.KindToolUseEnd:
			c.ToolCalls = append(c.ToolCalls, CollectedToolCall{ID: evt.ToolUseID, Name: evt.ToolName, Input: evt.ToolInput})
		case kiroevent.KindUsage:
			c.Usage = mergeUsage(c.Usage, evt.Usage)
			if evt.FinishReason != "" {
				finishReason = evt.FinishReason
			}
		}
	}
	c.StopReason = finishReasonToStopReason(finishReason, len(c.ToolCalls) > 0)
	return c
}

// ToAnthropicMessage renders a Collected result as an Anthropic Messages
// API response body.
func (c Collected) ToAnthropicMessage(model, msgID string) map[string]interface{} {
	if msgID == "" {
		msgID = AnthropicMessageID()
	}
	var content []map[string]interface{}
	if c.Text != "" {
		content = append(content, map[string]interface{}{"type": "text", "text": c.Text})
	}
	for _, tc := range c.ToolCalls {
		content = append(content, map[string]interface{}{
			"type": "tool_use", "id": tc.ID, "name": tc.Name, "input": tc.Input,
		})
	}
	return map[string]interface{}{
		"id":            msgID,
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"content":       content,
		"stop_reason":   c.StopReason,
		"stop_sequence": nil,
		"usage": map[string]int{
			"input_tokens":  c.Usage.PromptTokens,
			"output_tokens": c.Usage.CompletionTokens,
		},
	}
}

// ToOpenAIChatCompletion renders a Collected result as an OpenAI
// chat.completion response body.
func (c Collected) ToOpenAIChatCompletion(model, id string) map[string]interface{} {
	if id == "" {
		id = OpenAICompletionID()
	}
	msg := map[string]interface{}{"role": "assistant", "content": c.Text}
	finish := "stop"
	if len(c.ToolCalls) > 0 {
		finish = "tool_calls"
		var calls []map[string]interface{}
		for _, tc := range c.ToolCalls {
			calls = append(calls, map[string]interface{}{
				"id": tc.ID, "type": "function",
				"function": map[string]interface{}{"name": tc.Name, "arguments": tc.Input},
			})
		}
		msg["tool_calls"] = calls
	}
	return map[string]interface{}{
		"id":      id,
		"object":  "chat.completion",
		"model":   model,
		"choices": []map[string]interface{}{{"index": 0, "message": msg, "finish_reason": finish}},
		"usage": map[string]int{
			"prompt_tokens":     c.Usage.PromptTokens,
			"completion_tokens": c.Usage.CompletionTokens,
			"total_tokens":      c.Usage.PromptTokens + c.Usage.CompletionTokens,
		},
	}
}

// finishReasonToStopReason implements anthropic_converters.py's
// _finish_reason_to_stop_reason: "length" maps to max_tokens; otherwise a
// "tool_calls" reason or any seen tool call maps to tool_use (even when the
// upstream reported "stop"); everything else maps to end_turn.
func finishReasonToStopReason(finish string, hasToolCalls bool) string {
	if finish == "length" {
		return "max_tokens"
	}
	if finish == "tool_calls" || hasToolCalls {
		return "tool_use"
	}
	return "end_turn"
}
