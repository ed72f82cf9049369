package tokenizer

import "strings"

// ClaudeCorrectionFactor compensates for tiktoken's cl100k_base encoding
// under-counting relative to Anthropic's own tokenizer. Anthropic models
// consistently tokenize somewhat more densely than GPT's cl100k_base, so a
// fixed multiplicative correction is applied to estimates for Claude models.
const ClaudeCorrectionFactor = 1.15

// isClaudeModel reports whether model looks like an Anthropic Claude model id.
func isClaudeModel(model string) bool {
	return strings.HasPrefix(strings.ToLower(model), "claude")
}

// EstimateMessages estimates the input token count for a normalized request:
// system prompt + messages + tool definitions, applying the Claude correction
// factor when the target model is an Anthropic model. This is the Tokenizer
// Facade's estimate(messages, tools, system) -> int operation, used by
// internal/proxy for the fallback usage, the billing preflight, and the
// count_tokens endpoint.
func (t *Tokenizer) EstimateMessages(model, system string, messages []Message, toolDefinitions []string) int {
	total := 0
	if system != "" {
		total += t.CountTokens(model, system) + 4
	}
	total += t.CountMessages(model, messages)
	for _, def := range toolDefinitions {
		total += t.CountTokens(model, def)
	}

	if isClaudeModel(model) {
		total = int(float64(total) * ClaudeCorrectionFactor)
	}
	return total
}

// EstimateCompletion estimates the output token count for accumulated
// streamed text when the upstream never reports a usage frame. It is always
// marked as an estimate by the caller (kiroevent.NormalizedUsage.Estimated).
func (t *Tokenizer) EstimateCompletion(model, text string) int {
	if text == "" {
		return 0
	}
	n := t.CountTokens(model, text)
	if isClaudeModel(model) {
		n = int(float64(n) * ClaudeCorrectionFactor)
	}
	return n
}
