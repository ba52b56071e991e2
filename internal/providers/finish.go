package providers

import "strings"

// Unified finish reasons recorded on every usage record.
const (
	FinishCompleted     = "completed"
	FinishLengthLimit   = "length_limit"
	FinishContentFilter = "content_filter"
	FinishGatewayError  = "gateway_error"
	FinishUpstreamError = "upstream_error"
	FinishCanceled      = "canceled"
	FinishUnknown       = "unknown"
)

// UnifyFinishReason maps a provider-native finish reason onto the unified
// enum. Matching is case-insensitive so Google's upper-case values share
// the table with everyone else.
func UnifyFinishReason(native string) string {
	switch strings.ToLower(native) {
	case "stop", "end_turn", "stop_sequence", "tool_calls", "tool_use", "function_call", "eos":
		return FinishCompleted
	case "length", "max_tokens", "model_length":
		return FinishLengthLimit
	case "content_filter", "safety", "recitation", "blocklist", "prohibited_content", "spii", "refusal", "image_safety":
		return FinishContentFilter
	default:
		return FinishUnknown
	}
}

// OpenAIFinishReason renders a native finish reason in the OpenAI
// vocabulary clients expect. Empty stays empty.
func OpenAIFinishReason(native string) string {
	if native == "" {
		return ""
	}
	switch strings.ToLower(native) {
	case "tool_calls", "tool_use", "function_call":
		return "tool_calls"
	}
	switch UnifyFinishReason(native) {
	case FinishCompleted:
		return "stop"
	case FinishLengthLimit:
		return "length"
	case FinishContentFilter:
		return "content_filter"
	default:
		return "stop"
	}
}
