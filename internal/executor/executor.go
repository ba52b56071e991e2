// Package executor performs the upstream HTTP call for a resolved route and
// normalizes what comes back into the OpenAI chat.completion and
// chat.completion.chunk shapes.
//
// Every family goes through the same client: adapters only translate, so
// timeouts, cancellation and usage accounting live here once.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nulpointcorp/gateway-core/internal/cost"
	"github.com/nulpointcorp/gateway-core/internal/providers"
)

// maxResponseBody bounds a non-streaming upstream body.
const maxResponseBody = 32 << 20

// Call is everything needed to reach one provider for one request.
type Call struct {
	ProviderID string
	Adapter    providers.Adapter
	BaseURL    string
	Secret     string
	// Model is the provider's own model id.
	Model   string
	Request *providers.ChatRequest
}

// Result is the outcome of a completed call, streaming or not.
type Result struct {
	ID           string
	Content      string
	ToolCalls    json.RawMessage
	FinishReason string
	Unified      string
	Usage        providers.Usage
	// UsageReported is false when Usage was estimated locally.
	UsageReported bool
}

// Executor is safe for concurrent use.
type Executor struct {
	client  *http.Client
	timeout time.Duration
	tok     cost.Tokenizer
	log     *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

func WithHTTPClient(c *http.Client) Option { return func(e *Executor) { e.client = c } }

// WithTimeout bounds each upstream call, streaming included.
func WithTimeout(d time.Duration) Option { return func(e *Executor) { e.timeout = d } }

func WithTokenizer(t cost.Tokenizer) Option { return func(e *Executor) { e.tok = t } }

func WithLogger(l *slog.Logger) Option { return func(e *Executor) { e.log = l } }

func New(opts ...Option) *Executor {
	e := &Executor{
		client:  &http.Client{},
		timeout: providers.ProviderTimeout,
		tok:     cost.HeuristicTokenizer{},
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.timeout <= 0 {
		e.timeout = providers.ProviderTimeout
	}
	return e
}

// Complete performs a non-streaming call.
func (e *Executor) Complete(ctx context.Context, call Call) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.do(ctx, call, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, e.transportError(ctx, call, err)
	}

	c, err := call.Adapter.ParseResponse(raw)
	if err != nil {
		return nil, &UpstreamError{
			Provider:   call.ProviderID,
			StatusCode: resp.StatusCode,
			Body:       truncate(raw),
			Message:    fmt.Sprintf("malformed response: %v", err),
		}
	}

	res := &Result{
		ID:           c.ID,
		Content:      c.Content,
		ToolCalls:    c.ToolCalls,
		FinishReason: c.FinishReason,
		Unified:      providers.UnifyFinishReason(c.FinishReason),
	}
	if c.Usage != nil {
		res.Usage, res.UsageReported = *c.Usage, true
	} else {
		res.Usage = e.estimate(call, c.Content)
	}
	return res, nil
}

// Open starts a streaming call and returns once upstream has answered with
// a 2xx status, so the caller can still choose the HTTP status it returns.
// The returned Stream must be closed.
func (e *Executor) Open(ctx context.Context, call Call) (*Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)

	resp, err := e.do(ctx, call, true)
	if err != nil {
		cancel()
		return nil, err
	}
	return &Stream{
		exec:   e,
		call:   call,
		ctx:    ctx,
		cancel: cancel,
		body:   resp.Body,
	}, nil
}

func (e *Executor) do(ctx context.Context, call Call, stream bool) (*http.Response, error) {
	body, err := call.Adapter.BuildBody(call.Request, call.Model, stream)
	if err != nil {
		return nil, fmt.Errorf("executor: build body: %w", err)
	}
	url, err := call.Adapter.EndpointURL(call.BaseURL, call.Model, call.Secret, stream)
	if err != nil {
		return nil, fmt.Errorf("executor: endpoint: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("executor: %w", err)
	}
	for k, vs := range call.Adapter.BuildHeaders(call.Secret) {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, e.transportError(ctx, call, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		ue := newStatusError(call.ProviderID, resp.StatusCode, raw)
		e.log.WarnContext(ctx, "upstream error",
			slog.String("provider", call.ProviderID),
			slog.String("model", call.Model),
			slog.Int("status", resp.StatusCode),
			slog.String("message", ue.Message),
		)
		return nil, ue
	}
	return resp, nil
}

// transportError maps a failed round trip. Caller cancellation is passed
// through untouched so it can be told apart from upstream failures.
func (e *Executor) transportError(ctx context.Context, call Call, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &UpstreamError{Provider: call.ProviderID, Message: "timeout", Timeout: true}
	case errors.Is(ctx.Err(), context.Canceled):
		return context.Canceled
	}
	return &UpstreamError{Provider: call.ProviderID, Message: err.Error()}
}

func (e *Executor) estimate(call Call, completion string) providers.Usage {
	return providers.Usage{
		PromptTokens:     cost.CountMessages(e.tok, call.Model, call.Request.Messages),
		CompletionTokens: e.tok.Count(call.Model, completion),
	}
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		b = b[:maxErrorBody]
	}
	return string(b)
}
