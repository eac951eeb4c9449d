// Package converter holds the provider-neutral chat model shared by the
// per-format subpackages: requests are parsed into ChatRequest, upstream
// replies are decoded into Response, and each caller format encodes from there.
package converter

import "strings"

// Format is a caller or upstream wire protocol.
type Format string

const (
	FormatOpenAI    Format = "openai"
	FormatAnthropic Format = "anthropic"
	FormatGemini    Format = "gemini"
	FormatKiro      Format = "kiro"
)

// Stop reasons, in Anthropic vocabulary.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
	StopSequence  = "stop_sequence"
	StopRefusal   = "refusal"
)

// Token estimation constants for upstreams that report no usage.
const (
	CharsPerToken       = 4
	ContextWindowTokens = 200000
)

// ToolCall is one completed function call.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Usage is the token accounting of one response.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Total returns the sum of input and output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Response is a fully decoded assistant reply.
type Response struct {
	ID        string
	Model     string
	Text      string
	Reasoning string
	ToolCalls []ToolCall
	Usage     Usage
	// StopReason is set when the upstream reported one.
	StopReason string

	// CreditUsage and ContextUsagePercentage come from metering events of
	// the event-stream upstream.
	CreditUsage            float64
	ContextUsagePercentage float64
	// Estimated is true when Usage was derived from text length rather than
	// reported by the upstream.
	Estimated bool
}

// FinishReason returns the stop reason to report: tool_use if any tool was
// called, else the upstream one, else end_turn.
func (r *Response) FinishReason() string {
	if len(r.ToolCalls) > 0 {
		return StopToolUse
	}
	if r.StopReason != "" {
		return r.StopReason
	}
	return StopEndTurn
}

// ContextInputTokens converts ContextUsagePercentage into tokens of the
// context window.
func (r *Response) ContextInputTokens() int {
	return int(r.ContextUsagePercentage / 100 * ContextWindowTokens)
}

// EstimateUsage fills Usage from text length and context utilization.
func (r *Response) EstimateUsage() {
	chars := len(r.Text)
	for _, tc := range r.ToolCalls {
		chars += len(tc.Arguments)
	}
	r.Usage = Usage{
		InputTokens:  r.ContextInputTokens(),
		OutputTokens: chars / CharsPerToken,
	}
	r.Estimated = true
}

// OpenAIFinishReason maps an Anthropic stop reason to OpenAI's finish_reason.
func OpenAIFinishReason(stop string) string {
	switch stop {
	case StopToolUse:
		return "tool_calls"
	case StopMaxTokens:
		return "length"
	case StopRefusal:
		return "content_filter"
	default:
		return "stop"
	}
}

// StopReasonFromOpenAI maps OpenAI's finish_reason to an Anthropic stop reason.
func StopReasonFromOpenAI(finish string) string {
	switch strings.ToLower(finish) {
	case "tool_calls", "function_call":
		return StopToolUse
	case "length":
		return StopMaxTokens
	case "content_filter":
		return StopRefusal
	default:
		return StopEndTurn
	}
}
