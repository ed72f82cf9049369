package kiroevent

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
)

// Kind enumerates the normalized event kinds produced from Kiro frames
// (spec.md §3 "Stream Event", §4.6).
type Kind string

const (
	KindTextDelta    Kind = "text_delta"
	KindToolUseStart Kind = "tool_use_start"
	KindToolUseDelta Kind = "tool_use_delta"
	KindToolUseEnd   Kind = "tool_use_end"
	KindUsage        Kind = "usage"
	KindStop         Kind = "stop"
	KindError        Kind = "error"
)

// NormalizedUsage carries token counts in the gateway's own field names,
// regardless of whether they came from an upstream usage frame or were
// filled in by the caller via internal/tokenizer when Kiro sent none.
// Estimated is always set by the caller producing the value, never by
// this package: kiroevent only reports what it actually parsed off the
// wire.
type NormalizedUsage struct {
	PromptTokens     int
	CompletionTokens int
	CacheWriteTokens int
	CacheHitTokens   int
	Estimated        bool
}

// Event is one normalized unit of streamed model output.
type Event struct {
	Kind Kind

	// KindTextDelta
	Text string

	// KindToolUseStart / KindToolUseDelta / KindToolUseEnd
	ToolUseID      string
	ToolName       string
	ToolInputDelta string      // raw JSON fragment, for Delta
	ToolInput      interface{} // fully parsed input, set on End

	// KindUsage
	Usage NormalizedUsage
	// FinishReason carries an OpenAI-vocabulary finish reason ("length",
	// "tool_calls", "stop") when the frame that produced this usage event
	// also reported one; empty when the wire gave no such signal, in
	// which case callers fall back to inferring the reason from whether
	// any tool call was seen.
	FinishReason string

	// KindError
	Err error
}

// assistantResponsePayload is the JSON body of an assistantResponseEvent
// frame: an incremental text fragment.
type assistantResponsePayload struct {
	Content string `json:"content"`
}

// toolUsePayload is the JSON body of a toolUseEvent frame. The upstream
// sends incremental "input" JSON fragments for a given toolUseId and
// marks the final fragment with Stop. This shape is not attested in the
// retrieved source (converters.py, which would have built/parsed it, was
// not among the kept original_source files); it is modeled on the
// publicly documented CodeWhisperer/Q Developer toolUse streaming
// contract rather than invented from nothing, and is recorded as a
// judgment call in DESIGN.md.
type toolUsePayload struct {
	ToolUseID string `json:"toolUseId"`
	Name      string `json:"name"`
	Input     string `json:"input"`
	Stop      bool   `json:"stop"`
}

// messageMetadataPayload carries end-of-turn bookkeeping. Kiro's streaming
// service does not appear to emit prompt/completion token counts on the
// wire in the retrieved material; when a frame like this does carry usage
// fields they are read here, but callers should not assume they will be
// present and must be ready to fall back to internal/tokenizer estimates.
type messageMetadataPayload struct {
	ConversationID   string `json:"conversationId"`
	PromptTokens     int    `json:"promptTokenCount"`
	CompletionTokens int    `json:"completionTokenCount"`
	CacheWriteTokens int    `json:"cacheWriteTokenCount"`
	CacheHitTokens   int    `json:"cacheReadTokenCount"`
	FinishReason     string `json:"finishReason"`
}

// Demuxer reads framed Kiro events off a stream and yields normalized
// Events one at a time, tracking open tool-use fragments across frames so
// callers see one Start, zero-or-more Delta, and one End per tool call.
type Demuxer struct {
	r         *bufio.Reader
	openTools map[string]bool
	toolInput map[string]string // input fragments received so far per open tool
}

// NewDemuxer wraps r (the raw HTTP response body) for frame-by-frame
// reading.
func NewDemuxer(r io.Reader) *Demuxer {
	return &Demuxer{r: bufio.NewReaderSize(r, 64*1024), openTools: make(map[string]bool), toolInput: make(map[string]string)}
}

// Next returns the next normalized event, io.EOF when the stream ends
// cleanly, or a wrapped error on a malformed frame.
func (d *Demuxer) Next() (Event, error) {
	frame, err := ReadFrame(d.r)
	if err != nil {
		return Event{}, err
	}
	return d.normalize(frame)
}

func (d *Demuxer) normalize(frame Frame) (Event, error) {
	switch frame.EventType {
	case "assistantResponseEvent":
		var p assistantResponsePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return Event{}, errors.New("kiroevent: malformed assistantResponseEvent payload: " + err.Error())
		}
		return Event{Kind: KindTextDelta, Text: p.Content}, nil

	case "toolUseEvent":
		var p toolUsePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return Event{}, errors.New("kiroevent: malformed toolUseEvent payload: " + err.Error())
		}
		if !d.openTools[p.ToolUseID] {
			if p.Stop {
				// The tool's entire input arrived in a single frame: there
				// is no separate Start frame to wait for, so emit End
				// directly rather than leaving this tool call unterminated.
				var input interface{}
				_ = json.Unmarshal([]byte(p.Input), &input)
				return Event{Kind: KindToolUseEnd, ToolUseID: p.ToolUseID, ToolName: p.Name, ToolInput: input}, nil
			}
			d.openTools[p.ToolUseID] = true
			d.toolInput[p.ToolUseID] = p.Input
			return Event{Kind: KindToolUseStart, ToolUseID: p.ToolUseID, ToolName: p.Name, ToolInputDelta: p.Input}, nil
		}
		if p.Stop {
			full := d.toolInput[p.ToolUseID] + p.Input
			delete(d.openTools, p.ToolUseID)
			delete(d.toolInput, p.ToolUseID)
			var input interface{}
			_ = json.Unmarshal([]byte(full), &input)
			return Event{Kind: KindToolUseEnd, ToolUseID: p.ToolUseID, ToolName: p.Name, ToolInput: input}, nil
		}
		d.toolInput[p.ToolUseID] += p.Input
		return Event{Kind: KindToolUseDelta, ToolUseID: p.ToolUseID, ToolName: p.Name, ToolInputDelta: p.Input}, nil

	case "messageMetadataEvent", "supplementaryWebLinksEvent":
		var p messageMetadataPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			// Not every frame of this type carries usage; absence of a
			// parseable payload is not an error condition here.
			return Event{Kind: KindUsage, Usage: NormalizedUsage{}}, nil
		}
		return Event{Kind: KindUsage, Usage: NormalizedUsage{
			PromptTokens:     p.PromptTokens,
			CompletionTokens: p.CompletionTokens,
			CacheWriteTokens: p.CacheWriteTokens,
			CacheHitTokens:   p.CacheHitTokens,
		}, FinishReason: p.FinishReason}, nil

	default:
		// Unrecognized event types are surfaced as zero-length text deltas
		// so the caller's byte accounting stays correct without it having
		// to special-case every frame kind Kiro might someday add.
		return Event{Kind: KindTextDelta, Text: ""}, nil
	}
}

// Collect drains every event off r into a slice, for the non-streaming
// collected-JSON response path (spec.md §4.6 "collected JSON" mode).
func Collect(r io.Reader) ([]Event, error) {
	d := NewDemuxer(r)
	var events []Event
	for {
		evt, err := d.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return events, err
		}
		events = append(events, evt)
	}
	events = append(events, Event{Kind: KindStop})
	return events, nil
}
