// Package openai adapts OpenAI-style chat completion APIs (openai, xai, groq,
// deepseek). Responses are decoded into the official SDK types.
package openai

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/nulpointcorp/gateway-core/internal/providers"
	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/tidwall/gjson"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	family         = "openai"
)

type chatRequest struct {
	Model            string          `json:"model"`
	Messages         []chatMessage   `json:"messages"`
	Stream           bool            `json:"stream,omitempty"`
	StreamOptions    *streamOptions  `json:"stream_options,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	ResponseFormat   json.RawMessage `json:"response_format,omitempty"`
	Tools            json.RawMessage `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// chatMessage.Content is a string, or the original parts array when the
// message carries images.
type chatMessage struct {
	Role       string          `json:"role"`
	Content    any             `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
}

// Adapter implements providers.Adapter for the OpenAI wire format.
type Adapter struct {
	family string
	// chatPath is appended to the base URL.
	chatPath string
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithFamily overrides the reported family name.
func WithFamily(name string) Option {
	return func(a *Adapter) { a.family = name }
}

// WithChatPath overrides the "/chat/completions" suffix.
func WithChatPath(p string) Option {
	return func(a *Adapter) { a.chatPath = p }
}

func New(opts ...Option) *Adapter {
	a := &Adapter{family: family, chatPath: "/chat/completions"}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Family() string { return a.family }

func (a *Adapter) EndpointURL(baseURL, _, _ string, _ bool) (string, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return strings.TrimRight(baseURL, "/") + a.chatPath, nil
}

func (a *Adapter) BuildHeaders(secret string) http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", "Bearer "+secret)
	return h
}

func (a *Adapter) BuildBody(req *providers.ChatRequest, model string, stream bool) ([]byte, error) {
	body := chatRequest{
		Model:            model,
		Messages:         make([]chatMessage, 0, len(req.Messages)),
		Stream:           stream,
		Temperature:      req.Temperature,
		MaxTokens:        req.MaxTokens,
		TopP:             req.TopP,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		ResponseFormat:   req.ResponseFormat,
		Tools:            req.Tools,
		ToolChoice:       req.ToolChoice,
	}
	if stream {
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	for _, m := range req.Messages {
		var content any = m.Content.String()
		if m.Content.HasImages() {
			content = m.Content.Parts
		}
		body.Messages = append(body.Messages, chatMessage{
			Role:       m.Role,
			Content:    content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
			ToolCalls:  m.ToolCalls,
		})
	}

	out, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", a.family, err)
	}
	return out, nil
}

func (a *Adapter) ParseResponse(raw []byte) (*providers.Completion, error) {
	var resp openaiSDK.ChatCompletion
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", a.family, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s: response has no choices", a.family)
	}

	c := resp.Choices[0]
	out := &providers.Completion{
		ID:           resp.ID,
		Content:      c.Message.Content,
		FinishReason: string(c.FinishReason),
	}
	if tc := gjson.GetBytes(raw, "choices.0.message.tool_calls"); tc.IsArray() {
		out.ToolCalls = json.RawMessage(tc.Raw)
	}
	if gjson.GetBytes(raw, "usage").IsObject() {
		out.Usage = &providers.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
		}
	}
	return out, nil
}

func (a *Adapter) ParseStreamChunk(data []byte) (*providers.Chunk, error) {
	var chunk openaiSDK.ChatCompletionChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, fmt.Errorf("%s: decode chunk: %w", a.family, err)
	}

	out := &providers.Chunk{ID: chunk.ID}
	if len(chunk.Choices) > 0 {
		c := chunk.Choices[0]
		out.Content = c.Delta.Content
		out.FinishReason = string(c.FinishReason)
	}
	if gjson.GetBytes(data, "usage").IsObject() {
		out.Usage = &providers.Usage{
			PromptTokens:     int(chunk.Usage.PromptTokens),
			CompletionTokens: int(chunk.Usage.CompletionTokens),
		}
	}
	if out.Content == "" && out.FinishReason == "" && out.Usage == nil {
		return nil, nil
	}
	return out, nil
}
