package executor

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/nulpointcorp/gateway-core/internal/providers"
)

// OpenAI-compatible response shapes returned to callers regardless of the
// upstream family.
type (
	CompletionResponse struct {
		ID      string             `json:"id"`
		Object  string             `json:"object"`
		Created int64              `json:"created"`
		Model   string             `json:"model"`
		Choices []CompletionChoice `json:"choices"`
		Usage   UsageBlock         `json:"usage"`
	}

	CompletionChoice struct {
		Index        int             `json:"index"`
		Message      ResponseMessage `json:"message"`
		FinishReason *string         `json:"finish_reason"`
	}

	ResponseMessage struct {
		Role      string          `json:"role"`
		Content   string          `json:"content"`
		ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
	}

	ChunkResponse struct {
		ID      string        `json:"id"`
		Object  string        `json:"object"`
		Created int64         `json:"created"`
		Model   string        `json:"model"`
		Choices []ChunkChoice `json:"choices"`
		Usage   *UsageBlock   `json:"usage,omitempty"`
	}

	ChunkChoice struct {
		Index        int        `json:"index"`
		Delta        ChunkDelta `json:"delta"`
		FinishReason *string    `json:"finish_reason"`
	}

	ChunkDelta struct {
		Role    string  `json:"role"`
		Content *string `json:"content,omitempty"`
	}

	UsageBlock struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}
)

const (
	objectCompletion = "chat.completion"
	objectChunk      = "chat.completion.chunk"
	roleAssistant    = "assistant"
)

// NewCompletionID returns an OpenAI-style completion id.
func NewCompletionID() string { return "chatcmpl-" + uuid.NewString() }

func usageBlock(u providers.Usage) UsageBlock {
	return UsageBlock{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.PromptTokens + u.CompletionTokens,
	}
}

func finishPtr(native string) *string {
	r := providers.OpenAIFinishReason(native)
	if r == "" {
		return nil
	}
	return &r
}

// EncodeCompletion renders a non-streaming result as a chat.completion body.
func EncodeCompletion(id, model string, created int64, res *Result) ([]byte, error) {
	finish := finishPtr(res.FinishReason)
	if finish == nil {
		stop := "stop"
		finish = &stop
	}
	return json.Marshal(CompletionResponse{
		ID:      id,
		Object:  objectCompletion,
		Created: created,
		Model:   model,
		Choices: []CompletionChoice{{
			Message: ResponseMessage{
				Role:      roleAssistant,
				Content:   res.Content,
				ToolCalls: res.ToolCalls,
			},
			FinishReason: finish,
		}},
		Usage: usageBlock(res.Usage),
	})
}

type chunkEncoder struct {
	id      string
	model   string
	created int64
}

func (e chunkEncoder) delta(content, native string) ([]byte, error) {
	d := ChunkDelta{Role: roleAssistant}
	if content != "" {
		d.Content = &content
	}
	return json.Marshal(ChunkResponse{
		ID:      e.id,
		Object:  objectChunk,
		Created: e.created,
		Model:   e.model,
		Choices: []ChunkChoice{{Delta: d, FinishReason: finishPtr(native)}},
	})
}

func (e chunkEncoder) usage(u providers.Usage) ([]byte, error) {
	ub := usageBlock(u)
	return json.Marshal(ChunkResponse{
		ID:      e.id,
		Object:  objectChunk,
		Created: e.created,
		Model:   e.model,
		Choices: []ChunkChoice{{Delta: ChunkDelta{Role: roleAssistant}}},
		Usage:   &ub,
	})
}
