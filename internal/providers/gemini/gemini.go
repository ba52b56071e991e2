// Package gemini adapts Google's generateContent API, served both by AI
// Studio and by Vertex AI express mode. The two differ only in base URL;
// both authenticate with an API key in the query string, never a bearer
// header.
package gemini

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/genai"

	"github.com/nulpointcorp/gateway-core/internal/providers"
)

const (
	AIStudioBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	VertexBaseURL   = "https://aiplatform.googleapis.com/v1/publishers/google"
	family          = "google"
)

type generateRequest struct {
	Contents         []*genai.Content  `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type generationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxOutputTokens  *int     `json:"maxOutputTokens,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	ResponseMIMEType string   `json:"responseMimeType,omitempty"`
}

// Adapter implements providers.Adapter for Google generative models.
type Adapter struct {
	defaultBase string
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithDefaultBaseURL sets the base URL used when a credential has none.
func WithDefaultBaseURL(u string) Option {
	return func(a *Adapter) { a.defaultBase = u }
}

func New(opts ...Option) *Adapter {
	a := &Adapter{defaultBase: AIStudioBaseURL}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Family() string { return family }

func (a *Adapter) EndpointURL(baseURL, model, secret string, stream bool) (string, error) {
	if baseURL == "" {
		baseURL = a.defaultBase
	}
	if model == "" {
		return "", fmt.Errorf("gemini: model is required")
	}

	action := "generateContent"
	q := url.Values{}
	if stream {
		action = "streamGenerateContent"
		q.Set("alt", "sse")
	}
	q.Set("key", secret)

	return fmt.Sprintf("%s/models/%s:%s?%s",
		strings.TrimRight(baseURL, "/"), url.PathEscape(model), action, q.Encode()), nil
}

func (a *Adapter) BuildHeaders(string) http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return h
}

func (a *Adapter) BuildBody(req *providers.ChatRequest, _ string, _ bool) ([]byte, error) {
	var system []string
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		text := m.Content.String()
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			system = append(system, text)
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(text, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))
		}
	}

	if len(system) > 0 {
		prefix := strings.Join(system, "\n")
		if first := firstUser(contents); first != nil {
			first.Parts[0].Text = prefix + "\n\n" + first.Parts[0].Text
		} else {
			contents = append([]*genai.Content{genai.NewContentFromText(prefix, genai.RoleUser)}, contents...)
		}
	}

	body := generateRequest{Contents: contents}
	cfg := generationConfig{
		Temperature:     req.Temperature,
		MaxOutputTokens: req.MaxTokens,
		TopP:            req.TopP,
	}
	if req.WantsJSONObject() {
		cfg.ResponseMIMEType = "application/json"
	}
	if cfg != (generationConfig{}) {
		body.GenerationConfig = &cfg
	}

	out, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("gemini: encode request: %w", err)
	}
	return out, nil
}

func firstUser(contents []*genai.Content) *genai.Content {
	for _, c := range contents {
		if c.Role == string(genai.RoleUser) && len(c.Parts) > 0 {
			return c
		}
	}
	return nil
}

func (a *Adapter) ParseResponse(raw []byte) (*providers.Completion, error) {
	var resp genai.GenerateContentResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("gemini: decode response: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return nil, fmt.Errorf("gemini: response has no candidates")
	}

	c := resp.Candidates[0]
	return &providers.Completion{
		ID:           resp.ResponseID,
		Content:      candidateText(c),
		FinishReason: string(c.FinishReason),
		Usage:        usageOf(&resp),
	}, nil
}

func (a *Adapter) ParseStreamChunk(data []byte) (*providers.Chunk, error) {
	var resp genai.GenerateContentResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("gemini: decode chunk: %w", err)
	}

	out := &providers.Chunk{ID: resp.ResponseID, Usage: usageOf(&resp)}
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		c := resp.Candidates[0]
		out.Content = candidateText(c)
		out.FinishReason = string(c.FinishReason)
	}
	if out.Content == "" && out.FinishReason == "" && out.Usage == nil {
		return nil, nil
	}
	return out, nil
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func usageOf(resp *genai.GenerateContentResponse) *providers.Usage {
	if resp.UsageMetadata == nil {
		return nil
	}
	return &providers.Usage{
		PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
		CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
	}
}
