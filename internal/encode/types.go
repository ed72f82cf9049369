// Package encode renders normalized kiroevent.Event streams as OpenAI
// Chat-Completions SSE, Anthropic Messages SSE, or a single collected
// JSON body, per spec.md §4.6. Event ordering for the Anthropic encoder
// is grounded on anthropic_streaming.py's stream_openai_sse_to_anthropic_sse,
// with one deliberate deviation recorded in SPEC_FULL.md §3: a mid-stream
// error still closes out with content_block_stop/message_delta/
// message_stop instead of returning early.
package encode

import "github.com/kiroproxy/gateway/internal/kiroevent"

// NextFunc pulls the next normalized event off a stream, returning io.EOF
// once the upstream stream ends cleanly.
type NextFunc func() (kiroevent.Event, error)

// Usage is the token accounting an encoder reports in its final frame.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	CacheWriteTokens int
	CacheHitTokens   int
	Estimated        bool
}

func mergeUsage(u Usage, evt kiroevent.NormalizedUsage) Usage {
	if evt.PromptTokens > 0 {
		u.PromptTokens = evt.PromptTokens
	}
	if evt.CompletionTokens > 0 {
		u.CompletionTokens = evt.CompletionTokens
	}
	if evt.CacheWriteTokens > 0 {
		u.CacheWriteTokens = evt.CacheWriteTokens
	}
	if evt.CacheHitTokens > 0 {
		u.CacheHitTokens = evt.CacheHitTokens
	}
	return u
}
