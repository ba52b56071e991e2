// Package openaicompat adapts generic OpenAI-compatible inference hosts
// (Together AI, inference.net, kluster.ai, CloudRift and caller-supplied
// custom endpoints).
//
// The request shape is OpenAI's. Responses are parsed more leniently than
// the first-party adapter: hosts that answer with a legacy completions-style
// choices[].text are accepted, and a base URL is mandatory because there is
// no canonical default.
package openaicompat

import (
	"errors"
	"strings"

	"github.com/nulpointcorp/gateway-core/internal/providers"
	"github.com/nulpointcorp/gateway-core/internal/providers/openai"
	"github.com/tidwall/gjson"
)

// ErrNoBaseURL is returned when no base URL is configured for the host.
var ErrNoBaseURL = errors.New("openaicompat: base URL is required")

// Adapter implements providers.Adapter for OpenAI-compatible hosts.
type Adapter struct {
	*openai.Adapter
}

// New creates an adapter reporting name as its family.
func New(name string) *Adapter {
	return &Adapter{Adapter: openai.New(openai.WithFamily(name))}
}

func (a *Adapter) EndpointURL(baseURL, model, secret string, stream bool) (string, error) {
	if strings.TrimSpace(baseURL) == "" {
		return "", ErrNoBaseURL
	}
	return a.Adapter.EndpointURL(baseURL, model, secret, stream)
}

func (a *Adapter) ParseResponse(raw []byte) (*providers.Completion, error) {
	c, err := a.Adapter.ParseResponse(raw)
	if err != nil {
		return nil, err
	}
	if c.Content == "" {
		c.Content = gjson.GetBytes(raw, "choices.0.text").String()
	}
	return c, nil
}

func (a *Adapter) ParseStreamChunk(data []byte) (*providers.Chunk, error) {
	c, err := a.Adapter.ParseStreamChunk(data)
	if err != nil {
		return nil, err
	}
	if text := gjson.GetBytes(data, "choices.0.text"); text.Type == gjson.String && text.Str != "" {
		if c == nil {
			c = &providers.Chunk{ID: gjson.GetBytes(data, "id").String()}
		}
		if c.Content == "" {
			c.Content = text.Str
		}
	}
	return c, nil
}
