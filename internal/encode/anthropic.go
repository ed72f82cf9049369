package encode

import (
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/kiroproxy/gateway/internal/kiroevent"
)

// AnthropicMessageID mints a message id in the "msg_<hex>" shape
// anthropic_streaming.py uses (f"msg_{uuid.uuid4().hex}").
func AnthropicMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

type anthropicMessageStart struct {
	Type    string                 `json:"type"`
	Message map[string]interface{} `json:"message"`
}

// StreamAnthropic drains next() and writes an Anthropic Messages SSE
// stream to w: one message_start, a content_block_start/delta/stop cycle
// per text or tool_use block, and a closing message_delta/message_stop.
// fallback seeds usage in case the upstream never reports its own.
func StreamAnthropic(w http.ResponseWriter, model, msgID string, next NextFunc, fallback Usage) error {
	if msgID == "" {
		msgID = AnthropicMessageID()
	}
	sw := newWriter(w)

	if err := sw.writeEvent("message_start", anthropicMessageStart{
		Type: "message_start",
		Message: map[string]interface{}{
			"id":            msgID,
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"content":       []interface{}{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]int{"input_tokens": 0, "output_tokens": 0},
		},
	}); err != nil {
		return err
	}

	blockIndex := 0
	textOpen := false
	openText := func() error {
		if textOpen {
			return nil
		}
		textOpen = true
		return sw.writeEvent("content_block_start", map[string]interface{}{
			"type":          "content_block_start",
			"index":         blockIndex,
			"content_block": map[string]interface{}{"type": "text", "text": ""},
		})
	}
	closeText := func() error {
		if !textOpen {
			return nil
		}
		textOpen = false
		return sw.writeEvent("content_block_stop", map[string]interface{}{"type": "content_block_stop", "index": blockIndex})
	}

	usage := fallback
	var finishReason string
	hasToolCalls := false

	closeOut := func() {
		_ = closeText()
		stopReason := finishReasonToStopReason(finishReason, hasToolCalls)
		_ = sw.writeEvent("message_delta", map[string]interface{}{
			"type":  "message_delta",
			"delta": map[string]interface{}{"stop_reason": stopReason, "stop_sequence": nil},
			"usage": map[string]int{"output_tokens": usage.CompletionTokens, "input_tokens": usage.PromptTokens},
		})
		_ = sw.writeEvent("message_stop", map[string]string{"type": "message_stop"})
	}

	for {
		evt, err := next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// spec.md §7's explicit requirement overrides
			// anthropic_streaming.py's early-return-without-message_stop
			// behavior: an error frame is emitted, but the stream still
			// closes out with content_block_stop/message_delta/message_stop.
			_ = sw.writeEvent("error", map[string]interface{}{
				"type":  "error",
				"error": map[string]string{"type": "upstream_error", "message": err.Error()},
			})
			closeOut()
			return err
		}

		switch evt.Kind {
		case kiroevent.KindTextDelta:
			if evt.Text == "" {
				continue
			}
			if err := openText(); err != nil {
				return err
			}
			if err := sw.writeEvent("content_block_delta", map[string]interface{}{
				"type":  "content_block_delta",
				"index": blockIndex,
				"delta": map[string]string{"type": "text_delta", "text": evt.Text},
			}); err != nil {
				return err
			}

		case kiroevent.KindToolUseStart, kiroevent.KindToolUseDelta:
			// Anthropic's tool_use content block carries its fully-parsed
			// input in one content_block_start, emitted only once the tool
			// call completes below; no intervening input_json_delta.

		case kiroevent.KindToolUseEnd:
			if err := closeText(); err != nil {
				return err
			}
			blockIndex++
			hasToolCalls = true
			input := evt.ToolInput
			if input == nil {
				input = map[string]interface{}{}
			}
			if err := sw.writeEvent("content_block_start", map[string]interface{}{
				"type":  "content_block_start",
				"index": blockIndex,
				"content_block": map[string]interface{}{
					"type": "tool_use", "id": evt.ToolUseID, "name": evt.ToolName, "input": input,
				},
			}); err != nil {
				return err
			}
			if err := sw.writeEvent("content_block_stop", map[string]interface{}{"type": "content_block_stop", "index": blockIndex}); err != nil {
				return err
			}

		case kiroevent.KindUsage:
			usage = mergeUsage(usage, evt.Usage)
			if evt.FinishReason != "" {
				finishReason = evt.FinishReason
			}

		case kiroevent.KindStop:
			// Terminal marker; the closing sequence below handles it.
		}
	}

	closeOut()
	return nil
}
