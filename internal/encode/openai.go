package encode

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kiroproxy/gateway/internal/kiroevent"
)

// OpenAICompletionID mints a "chatcmpl-<uuid>" id (hyphenated UUID string).
func OpenAICompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}

type openaiChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   *openaiUsage   `json:"usage,omitempty"`
}

type openaiChoice struct {
	Index        int            `json:"index"`
	Delta        map[string]any `json:"delta"`
	FinishReason *string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openaiToolCallDelta struct {
	Index    int            `json:"index"`
	ID       string         `json:"id,omitempty"`
	Type     string         `json:"type,omitempty"`
	Function map[string]any `json:"function,omitempty"`
}

// StreamOpenAI drains next() and writes an OpenAI Chat-Completions SSE
// stream to w, terminated with the conventional "data: [DONE]" frame.
func StreamOpenAI(w http.ResponseWriter, model, id string, next NextFunc, fallback Usage) error {
	if id == "" {
		id = OpenAICompletionID()
	}
	sw := newWriter(w)
	created := time.Now().Unix()
	toolIndex := -1
	seenTools := make(map[string]bool)
	usage := fallback
	finish := "stop"

	emit := func(delta map[string]any, finishReason *string) error {
		return sw.writeEvent("", openaiChunk{
			ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
			Choices: []openaiChoice{{Index: 0, Delta: delta, FinishReason: finishReason}},
		})
	}

	for {
		evt, err := next()
		if err == io.EOF {
			break
		}
		if err != nil {
			errStr := err.Error()
			_ = sw.writeRaw("", fmt.Sprintf(`{"error":{"message":%q,"type":"upstream_error"}}`, errStr))
			_ = sw.writeRaw("", "[DONE]")
			return err
		}

		switch evt.Kind {
		case kiroevent.KindTextDelta:
			if evt.Text == "" {
				continue
			}
			if err := emit(map[string]any{"content": evt.Text}, nil); err != nil {
				return err
			}

		case kiroevent.KindToolUseStart:
			toolIndex++
			seenTools[evt.ToolUseID] = true
			finish = "tool_calls"
			if err := emit(map[string]any{"tool_calls": []openaiToolCallDelta{{
				Index: toolIndex, ID: evt.ToolUseID, Type: "function",
				Function: map[string]any{"name": evt.ToolName, "arguments": evt.ToolInputDelta},
			}}}, nil); err != nil {
				return err
			}

		case kiroevent.KindToolUseDelta:
			if evt.ToolInputDelta == "" {
				continue
			}
			if err := emit(map[string]any{"tool_calls": []openaiToolCallDelta{{
				Index: toolIndex, Function: map[string]any{"arguments": evt.ToolInputDelta},
			}}}, nil); err != nil {
				return err
			}

		case kiroevent.KindToolUseEnd:
			if seenTools[evt.ToolUseID] {
				// Arguments are already complete via the accumulated deltas.
				continue
			}
			// The tool's entire input arrived in a single wire frame: no
			// KindToolUseStart preceded this End, so emit one complete
			// tool_calls delta now instead of silently dropping the call.
			toolIndex++
			finish = "tool_calls"
			argsJSON, _ := json.Marshal(evt.ToolInput)
			if err := emit(map[string]any{"tool_calls": []openaiToolCallDelta{{
				Index: toolIndex, ID: evt.ToolUseID, Type: "function",
				Function: map[string]any{"name": evt.ToolName, "arguments": string(argsJSON)},
			}}}, nil); err != nil {
				return err
			}

		case kiroevent.KindUsage:
			usage = mergeUsage(usage, evt.Usage)
			if evt.FinishReason == "length" {
				finish = "length"
			}

		case kiroevent.KindStop:
		}
	}

	if err := emit(map[string]any{}, &finish); err != nil {
		return err
	}
	_ = sw.writeRaw("", "[DONE]")
	return nil
}
