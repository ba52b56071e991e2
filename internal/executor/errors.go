package executor

import (
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
)

// maxErrorBody bounds how much of an upstream error body is kept.
const maxErrorBody = 8 << 10

// UpstreamError is a non-2xx, malformed or timed-out provider response.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Body       string
	Message    string
	Timeout    bool
}

func (e *UpstreamError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s: upstream timeout", e.Provider)
	}
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %s (status=%d)", e.Provider, e.Message, e.StatusCode)
}

// HTTPStatus implements providers.StatusCoder. Every upstream failure is
// surfaced to the caller as a gateway error.
func (e *UpstreamError) HTTPStatus() int { return http.StatusInternalServerError }

func newStatusError(provider string, status int, body []byte) *UpstreamError {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return &UpstreamError{
		Provider:   provider,
		StatusCode: status,
		Body:       string(body),
		Message:    errorMessage(body, status),
	}
}

// errorMessage extracts the human message from the error shapes used by
// OpenAI-style, Anthropic and Google APIs.
func errorMessage(body []byte, status int) string {
	if gjson.ValidBytes(body) {
		for _, path := range []string{"error.message", "message", "0.error.message", "error"} {
			if r := gjson.GetBytes(body, path); r.Type == gjson.String && r.Str != "" {
				return r.Str
			}
		}
	}
	return fmt.Sprintf("unexpected status %d", status)
}
