// Package providers defines the adapter contract every upstream LLM family
// implements (OpenAI-style, Anthropic, Google, generic OpenAI-compatible)
// and the wire-neutral types that flow between the gateway and adapters.
//
// Adapters are pure translators: they build URLs, headers and bodies and
// parse responses. They never perform I/O, so the executor owns timeouts,
// cancellation and connection reuse for every family alike.
package providers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

type (
	// ChatRequest is the OpenAI-compatible body a client sends to
	// /v1/chat/completions. Optional sampling fields stay nil when absent
	// so adapters never forward explicit nulls.
	ChatRequest struct {
		Model            string          `json:"model"`
		Messages         []Message       `json:"messages"`
		Stream           bool            `json:"stream,omitempty"`
		Temperature      *float64        `json:"temperature,omitempty"`
		MaxTokens        *int            `json:"max_tokens,omitempty"`
		TopP             *float64        `json:"top_p,omitempty"`
		FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
		PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
		ResponseFormat   json.RawMessage `json:"response_format,omitempty"`
		Tools            json.RawMessage `json:"tools,omitempty"`
		ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
	}

	// Message is a single conversation turn.
	Message struct {
		Role       string          `json:"role"`
		Content    Content         `json:"content"`
		Name       string          `json:"name,omitempty"`
		ToolCallID string          `json:"tool_call_id,omitempty"`
		ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	}

	// Usage is token accounting as reported by a provider.
	Usage struct {
		PromptTokens     int
		CompletionTokens int
	}

	// Completion is a parsed non-streaming upstream response.
	Completion struct {
		ID           string
		Content      string
		FinishReason string
		// ToolCalls is the OpenAI-shaped tool_calls array, when present.
		ToolCalls json.RawMessage
		// Usage is nil when the provider reported none.
		Usage *Usage
	}

	// Chunk is one normalized streaming event. Any field may be empty; an
	// event carrying only usage is valid.
	Chunk struct {
		ID           string
		Content      string
		FinishReason string
		Usage        *Usage
	}
)

// WantsJSONObject reports whether the caller asked for response_format
// json_object.
func (r *ChatRequest) WantsJSONObject() bool {
	if len(r.ResponseFormat) == 0 {
		return false
	}
	return gjson.GetBytes(r.ResponseFormat, "type").String() == "json_object"
}

// HasImages reports whether any message carries an image content part.
func (r *ChatRequest) HasImages() bool {
	for _, m := range r.Messages {
		if m.Content.HasImages() {
			return true
		}
	}
	return false
}

// Adapter translates between the gateway and one provider family.
type Adapter interface {
	// Family names the wire protocol, e.g. "openai" or "anthropic".
	Family() string

	// EndpointURL returns the chat endpoint for model on baseURL. Families
	// that authenticate through the query string embed secret here.
	EndpointURL(baseURL, model, secret string, stream bool) (string, error)

	// BuildHeaders returns the auth and content headers for a request.
	BuildHeaders(secret string) http.Header

	// BuildBody encodes req for the provider, targeting the provider model id.
	BuildBody(req *ChatRequest, model string, stream bool) ([]byte, error)

	// ParseResponse decodes a complete non-streaming response body.
	ParseResponse(raw []byte) (*Completion, error)

	// ParseStreamChunk decodes the payload of one SSE data line. It returns
	// (nil, nil) for events that carry nothing the caller needs.
	ParseStreamChunk(data []byte) (*Chunk, error)
}

const (
	// ProviderTimeout bounds a single upstream call, streaming included.
	ProviderTimeout = 120 * time.Second

	// CustomProviderID is the pseudo-provider for caller-configured base URLs.
	CustomProviderID = "custom"
)

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}
