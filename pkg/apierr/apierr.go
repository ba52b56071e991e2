// Package apierr writes gateway error responses.
//
// Client errors (400, 401, 402, 415, 429) are plain text so the message can
// be shown to users as is. Upstream and internal failures use the
// OpenAI-style JSON envelope with type "gateway_error".
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeGatewayError = "gateway_error"
	TypeServerError  = "server_error"
)

// Code constants.
const (
	CodeGatewayError  = "gateway_error"
	CodeInternalError = "internal_error"
)

type (
	// APIError is the structured error returned to clients.
	APIError struct {
		Message string  `json:"message"`
		Type    string  `json:"type"`
		Param   *string `json:"param"`
		Code    string  `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(Encode(message, errType, code))
}

// Encode renders the JSON error envelope.
func Encode(message, errType, code string) []byte {
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	return body
}

// WriteGateway writes a 500 gateway_error envelope.
func WriteGateway(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusInternalServerError, message, TypeGatewayError, CodeGatewayError)
}

// WritePlain writes message as a text/plain body.
func WritePlain(ctx *fasthttp.RequestCtx, status int, message string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("text/plain; charset=utf-8")
	ctx.SetBodyString(message)
}

// WriteRateLimit writes a 429 with Retry-After.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	WritePlain(ctx, fasthttp.StatusTooManyRequests, "Rate limit exceeded")
}
