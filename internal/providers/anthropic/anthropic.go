// Package anthropic adapts the Anthropic Messages API.
//
// The translated body has no system role: every system (or developer)
// message becomes a user turn prefixed with "System: ". Non-streaming
// responses decode into the official SDK's Message type.
package anthropic

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/nulpointcorp/gateway-core/internal/providers"
)

const (
	DefaultBaseURL   = "https://api.anthropic.com/v1"
	family           = "anthropic"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 1024
)

// Adapter implements providers.Adapter for Anthropic.
type Adapter struct{}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Family() string { return family }

func (a *Adapter) EndpointURL(baseURL, _, _ string, _ bool) (string, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return strings.TrimRight(baseURL, "/") + "/messages", nil
}

func (a *Adapter) BuildHeaders(secret string) http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set("x-api-key", secret)
	h.Set("anthropic-version", apiVersion)
	return h
}

func (a *Adapter) BuildBody(req *providers.ChatRequest, model string, stream bool) ([]byte, error) {
	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}

	body := messagesRequest{
		Model:       model,
		Messages:    make([]apiMessage, 0, len(req.Messages)),
		MaxTokens:   maxTokens,
		Stream:      stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, toAPIMessage(m))
	}

	out, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: encode request: %w", err)
	}
	return out, nil
}

func toAPIMessage(m providers.Message) apiMessage {
	text := m.Content.String()
	switch strings.ToLower(m.Role) {
	case "system", "developer":
		return apiMessage{Role: "user", Content: "System: " + text}
	case "assistant":
		return apiMessage{Role: "assistant", Content: text}
	default:
		return apiMessage{Role: "user", Content: text}
	}
}

func (a *Adapter) ParseResponse(raw []byte) (*providers.Completion, error) {
	var msg anthropic.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		if v, ok := b.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(v.Text)
		}
	}

	return &providers.Completion{
		ID:           msg.ID,
		Content:      sb.String(),
		FinishReason: string(msg.StopReason),
		Usage: &providers.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func (a *Adapter) ParseStreamChunk(data []byte) (*providers.Chunk, error) {
	var ev streamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("anthropic: decode event: %w", err)
	}

	switch ev.Type {
	case "message_start":
		if ev.Message == nil {
			return nil, nil
		}
		return &providers.Chunk{
			ID:    ev.Message.ID,
			Usage: &providers.Usage{PromptTokens: ev.Message.Usage.InputTokens, CompletionTokens: ev.Message.Usage.OutputTokens},
		}, nil

	case "content_block_delta":
		if ev.Delta == nil || ev.Delta.Type != "text_delta" || ev.Delta.Text == "" {
			return nil, nil
		}
		return &providers.Chunk{Content: ev.Delta.Text}, nil

	case "message_delta":
		c := &providers.Chunk{}
		if ev.Delta != nil {
			c.FinishReason = ev.Delta.StopReason
		}
		if ev.Usage != nil {
			c.Usage = &providers.Usage{PromptTokens: ev.Usage.InputTokens, CompletionTokens: ev.Usage.OutputTokens}
		}
		return c, nil

	case "error":
		msg := "stream error"
		if ev.Error != nil && ev.Error.Message != "" {
			msg = ev.Error.Message
		}
		return nil, fmt.Errorf("anthropic: %s", msg)

	default:
		// ping, content_block_start/stop, message_stop
		return nil, nil
	}
}
