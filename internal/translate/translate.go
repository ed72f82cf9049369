// Package translate implements the Request Translator (spec.md §4.5): it
// lifts a normalized pipeline.Request — in either its Anthropic or OpenAI
// wire shape — into the single intermediate message sequence the gateway
// sends upstream, and builds the Kiro-native JSON payload from it.
//
// The intermediate form mirrors OpenAI's chat-message shape: tool_result
// content blocks become separate "tool" messages carrying tool_call_id,
// and tool_use blocks on assistant turns become tool_calls entries. This
// keeps exactly one translation surface regardless of which wire dialect
// the client spoke, matching how anthropic_converters.py lifts Anthropic
// request bodies into the same OpenAI-shaped ChatMessage list before any
// downstream code touches them.
package translate

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/kiroproxy/gateway/internal/credential"
	"github.com/kiroproxy/gateway/internal/gatewayerr"
	"github.com/kiroproxy/gateway/internal/pipeline"
)

// NormalizeMessages lifts req.Messages into the OpenAI-shaped intermediate
// form. For Anthropic requests, user messages whose content is a block
// array are split: text blocks become one "user" message, and each
// tool_result block becomes its own "tool" message with ToolCallID set to
// the tool_use_id it answers. Assistant messages with tool_use blocks gain
// a ToolCalls entry per block, with Content left as the original block
// slice. OpenAI-format requests, whose messages already
// carry this shape, pass through unchanged.
func NormalizeMessages(req *pipeline.Request) ([]pipeline.Message, error) {
	if req.Format != pipeline.FormatAnthropic {
		return req.Messages, nil
	}

	out := make([]pipeline.Message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		blocks, isBlocks := msg.Content.([]pipeline.ContentBlock)
		if !isBlocks {
			out = append(out, msg)
			continue
		}

		switch msg.Role {
		case "user":
			out = append(out, splitUserMessage(blocks)...)
		case "assistant":
			out = append(out, liftAssistantMessage(blocks))
		default:
			out = append(out, msg)
		}
	}
	return out, nil
}

// splitUserMessage implements anthropic_converters.py's
// _convert_anthropic_user_message: a leading "user" message carrying the
// non-tool-result text, followed by one "tool" message per tool_result
// block in the order they appeared.
func splitUserMessage(blocks []pipeline.ContentBlock) []pipeline.Message {
	var textParts []pipeline.ContentBlock
	var toolMessages []pipeline.Message

	for _, b := range blocks {
		if b.Type == "tool_result" {
			toolMessages = append(toolMessages, pipeline.Message{
				Role:       "tool",
				Content:    contentToText(b.Content),
				ToolCallID: b.ToolUseID,
			})
			continue
		}
		textParts = append(textParts, b)
	}

	msgs := make([]pipeline.Message, 0, 1+len(toolMessages))
	msgs = append(msgs, pipeline.Message{Role: "user", Content: textParts})
	msgs = append(msgs, toolMessages...)
	return msgs
}

// liftAssistantMessage passes text and tool_use blocks through structurally,
// additionally populating ToolCalls so downstream code has a flat list of
// calls to build the Kiro payload's tool-use turns from.
func liftAssistantMessage(blocks []pipeline.ContentBlock) pipeline.Message {
	msg := pipeline.Message{Role: "assistant", Content: blocks}
	for _, b := range blocks {
		if b.Type != "tool_use" {
			continue
		}
		args, _ := json.Marshal(b.Input)
		msg.ToolCalls = append(msg.ToolCalls, pipeline.ToolCall{
			ID:   b.ID,
			Type: "function",
			Function: pipeline.ToolFunction{
				Name:      b.Name,
				Arguments: string(args),
			},
		})
	}
	return msg
}

// contentToText renders a tool_result block's Content field (string, block
// array, or arbitrary JSON value) down to plain text, per
// anthropic_converters.py's _anthropic_content_to_text.
func contentToText(content interface{}) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	case []interface{}:
		var parts []string
		for _, item := range v {
			if m, ok := item.(map[string]interface{}); ok {
				if t, _ := m["text"].(string); t != "" {
					parts = append(parts, t)
					continue
				}
			}
			b, _ := json.Marshal(item)
			parts = append(parts, string(b))
		}
		out := ""
		for i, p := range parts {
			if i > 0 {
				out += "\n"
			}
			out += p
		}
		return out
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// NormalizeToolChoice maps an Anthropic-shaped tool_choice value into the
// OpenAI-shaped equivalent: {"type":"any"} -> "required",
// {"type":"tool","name":X} -> {"type":"function","function":{"name":X}},
// {"type":"auto"} -> "auto"; anything else (including OpenAI's own shapes)
// passes through unchanged.
// Grounded on anthropic_converters.py's
// _anthropic_tool_choice_to_openai_tool_choice.
func NormalizeToolChoice(format pipeline.APIFormat, tc interface{}) interface{} {
	if format != pipeline.FormatAnthropic || tc == nil {
		return tc
	}
	m, ok := tc.(map[string]interface{})
	if !ok {
		return tc
	}
	switch m["type"] {
	case "any":
		return "required"
	case "tool":
		name, _ := m["name"].(string)
		return map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name": name,
			},
		}
	case "auto":
		return "auto"
	default:
		return tc
	}
}

// Origin mirrors routes.py's origin query parameter: the conversational
// IDE surface by default, falling back to the CLI surface when the
// upstream has signaled a quota condition for the default origin.
type Origin string

const (
	OriginAIEditor Origin = "AI_EDITOR"
	OriginCLI      Origin = "CLI"
)

// kiroPayload is the upstream generateAssistantResponse request body.
// Its shape is grounded on the other-examples Kiro executor's
// conversationState/chatTriggerType/source/origin/profileArn envelope,
// generalized with the userInputMessage/history/toolResults structure the
// CodeWhisperer streaming service documents for multi-turn, tool-using
// conversations (see DESIGN.md's internal/translate entry for the
// reasoning: the original converters.py that built this payload was not
// among the retrieved source files, so this shape is an informed
// extrapolation rather than a verbatim port).
type kiroPayload struct {
	ConversationState kiroConversationState `json:"conversationState"`
	ProfileArn        string                `json:"profileArn,omitempty"`
	Source            string                `json:"source"`
	Origin            string                `json:"origin"`
}

type kiroConversationState struct {
	ChatTriggerType string            `json:"chatTriggerType"`
	ConversationID  string            `json:"conversationId"`
	CurrentMessage  kiroMessage       `json:"currentMessage"`
	History         []kiroHistoryItem `json:"history,omitempty"`
}

type kiroHistoryItem struct {
	UserInputMessage      *kiroUserInputMessage      `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *kiroAssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

type kiroMessage struct {
	UserInputMessage kiroUserInputMessage `json:"userInputMessage"`
}

type kiroUserInputMessage struct {
	Content                 string                       `json:"content"`
	ModelID                 string                       `json:"modelId,omitempty"`
	Origin                  string                       `json:"origin"`
	UserInputMessageContext *kiroUserInputMessageContext `json:"userInputMessageContext,omitempty"`
}

type kiroUserInputMessageContext struct {
	ToolResults []kiroToolResult `json:"toolResults,omitempty"`
	Tools       []kiroTool       `json:"tools,omitempty"`
}

type kiroAssistantResponseMessage struct {
	Content   string         `json:"content"`
	ToolUses  []kiroToolUse  `json:"toolUses,omitempty"`
}

type kiroToolResult struct {
	ToolUseID string        `json:"toolUseId"`
	Content   []kiroTextBit `json:"content"`
	Status    string        `json:"status"`
}

type kiroTextBit struct {
	Text string `json:"text"`
}

type kiroToolUse struct {
	ToolUseID string      `json:"toolUseId"`
	Name      string      `json:"name"`
	Input     interface{} `json:"input"`
}

type kiroTool struct {
	ToolSpecification kiroToolSpec `json:"toolSpecification"`
}

type kiroToolSpec struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema interface{} `json:"inputSchema"`
}

// BuildUpstreamPayload builds the Kiro-native request body from a
// normalized message sequence. profileArn is dropped here when mechanism is
// device-oauth, so the profile identifier reaches the payload only for
// desktop-refresh accounts.
func BuildUpstreamPayload(req *pipeline.Request, messages []pipeline.Message, conversationID, profileArn string, mechanism credential.Mechanism, origin Origin) ([]byte, error) {
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	if origin == "" {
		origin = OriginAIEditor
	}
	if mechanism == credential.MechanismDeviceOAuth {
		profileArn = ""
	}

	current, history, err := buildCurrentAndHistory(messages, req, origin)
	if err != nil {
		return nil, err
	}

	payload := kiroPayload{
		ConversationState: kiroConversationState{
			ChatTriggerType: "MANUAL",
			ConversationID:  conversationID,
			CurrentMessage:  current,
			History:         history,
		},
		ProfileArn: profileArn,
		Source:     "FeatureDev",
		Origin:     string(origin),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindInvalidRequest, "marshaling kiro payload", err)
	}
	return body, nil
}

// buildCurrentAndHistory walks the normalized message list, turning every
// turn but the last user-bearing turn into a history entry and the final
// user input (plus any trailing tool results) into the current message.
func buildCurrentAndHistory(messages []pipeline.Message, req *pipeline.Request, origin Origin) (kiroMessage, []kiroHistoryItem, error) {
	var history []kiroHistoryItem
	var pendingToolResults []kiroToolResult
	var current kiroMessage
	haveCurrent := false

	tools := buildTools(req.Tools)

	flush := func(text string) {
		uim := kiroUserInputMessage{
			Content: text,
			ModelID: req.Model,
			Origin:  string(origin),
		}
		if len(pendingToolResults) > 0 || len(tools) > 0 {
			uim.UserInputMessageContext = &kiroUserInputMessageContext{
				ToolResults: pendingToolResults,
				Tools:       tools,
			}
		}
		if haveCurrent {
			u := current.UserInputMessage
			history = append(history, kiroHistoryItem{UserInputMessage: &u})
		}
		current = kiroMessage{UserInputMessage: uim}
		haveCurrent = true
		pendingToolResults = nil
	}

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			// system content is carried separately via req.System and
			// prepended to the earliest user turn once history is built.
			continue
		case "user":
			flush(blocksToText(msg.Content))
		case "tool":
			text, _ := msg.Content.(string)
			pendingToolResults = append(pendingToolResults, kiroToolResult{
				ToolUseID: msg.ToolCallID,
				Content:   []kiroTextBit{{Text: text}},
				Status:    "success",
			})
		case "assistant":
			text := blocksToText(msg.Content)
			var uses []kiroToolUse
			for _, tc := range msg.ToolCalls {
				var input interface{}
				_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
				uses = append(uses, kiroToolUse{ToolUseID: tc.ID, Name: tc.Function.Name, Input: input})
			}
			if haveCurrent {
				u := current.UserInputMessage
				history = append(history, kiroHistoryItem{UserInputMessage: &u})
				haveCurrent = false
			}
			history = append(history, kiroHistoryItem{AssistantResponseMessage: &kiroAssistantResponseMessage{
				Content:  text,
				ToolUses: uses,
			}})
		}
	}

	if len(pendingToolResults) > 0 {
		if !haveCurrent {
			flush("")
		} else {
			uim := &current.UserInputMessage
			if uim.UserInputMessageContext == nil {
				uim.UserInputMessageContext = &kiroUserInputMessageContext{Tools: tools}
			}
			uim.UserInputMessageContext.ToolResults = append(uim.UserInputMessageContext.ToolResults, pendingToolResults...)
			pendingToolResults = nil
		}
	}

	if !haveCurrent {
		return kiroMessage{}, nil, gatewayerr.New(gatewayerr.KindInvalidRequest, "request has no user turn to send upstream")
	}

	if req.System != "" {
		prepended := false
		for i := range history {
			if history[i].UserInputMessage != nil {
				history[i].UserInputMessage.Content = req.System + "\n\n" + history[i].UserInputMessage.Content
				prepended = true
				break
			}
		}
		if !prepended {
			current.UserInputMessage.Content = req.System + "\n\n" + current.UserInputMessage.Content
		}
	}

	return current, history, nil
}

func buildTools(tools []pipeline.Tool) []kiroTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]kiroTool, 0, len(tools))
	for _, t := range tools {
		name := t.Name
		desc := t.Description
		schema := t.InputSchema
		if name == "" {
			if fn, ok := t.Function.(map[string]interface{}); ok {
				name, _ = fn["name"].(string)
				desc, _ = fn["description"].(string)
				schema = fn["parameters"]
			}
		}
		out = append(out, kiroTool{ToolSpecification: kiroToolSpec{
			Name:        name,
			Description: desc,
			InputSchema: schema,
		}})
	}
	return out
}

// blocksToText flattens a message's Content field (string or
// []pipeline.ContentBlock) down to plain text for the upstream payload,
// which carries a single content string per turn.
func blocksToText(content interface{}) string {
	switch v := content.(type) {
	case string:
		return v
	case []pipeline.ContentBlock:
		var out string
		for i, b := range v {
			if b.Type != "text" {
				continue
			}
			if i > 0 && out != "" {
				out += "\n"
			}
			out += b.Text
		}
		return out
	default:
		return ""
	}
}
