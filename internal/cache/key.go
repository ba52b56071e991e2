package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/nulpointcorp/gateway-core/internal/providers"
)

const keyPrefix = "gw:cache:v1:"

type keyMessage struct {
	Role       string          `json:"r"`
	Content    json.RawMessage `json:"c"`
	Name       string          `json:"n,omitempty"`
	ToolCallID string          `json:"t,omitempty"`
	ToolCalls  json.RawMessage `json:"tc,omitempty"`
}

type keyDoc struct {
	Model            string          `json:"m"`
	Messages         []keyMessage    `json:"msgs"`
	Temperature      *float64        `json:"temp,omitempty"`
	MaxTokens        *int            `json:"max,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	FrequencyPenalty *float64        `json:"fp,omitempty"`
	PresencePenalty  *float64        `json:"pp,omitempty"`
	ResponseFormat   json.RawMessage `json:"rf,omitempty"`
	Tools            json.RawMessage `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tc,omitempty"`
}

// Key derives the cache key for req once it has been routed to model (the
// provider-qualified model actually used). Entries are namespaced by project
// so tenants never read each other's completions; the hash itself covers
// only the model, the messages and the sampling parameters. Raw JSON fields
// are compacted first so formatting differences do not split entries.
func Key(projectID, model string, req *providers.ChatRequest) string {
	doc := keyDoc{
		Model:            model,
		Messages:         make([]keyMessage, 0, len(req.Messages)),
		Temperature:      req.Temperature,
		MaxTokens:        req.MaxTokens,
		TopP:             req.TopP,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		ResponseFormat:   compact(req.ResponseFormat),
		Tools:            compact(req.Tools),
		ToolChoice:       compact(req.ToolChoice),
	}
	for _, m := range req.Messages {
		content, _ := json.Marshal(m.Content)
		doc.Messages = append(doc.Messages, keyMessage{
			Role:       m.Role,
			Content:    content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
			ToolCalls:  compact(m.ToolCalls),
		})
	}

	data, _ := json.Marshal(doc)
	h := sha256.Sum256(data)
	return keyPrefix + projectID + ":" + hex.EncodeToString(h[:])
}

func compact(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
