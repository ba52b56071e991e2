package proxy

import (
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/gateway-core/pkg/apierr"
)

type middleware func(fasthttp.RequestHandler) fasthttp.RequestHandler

const (
	headerRequestID = "X-Request-ID"
	userRequestID   = "request_id"

	// maxRequestIDLen bounds caller-supplied ids; longer ones are replaced.
	maxRequestIDLen = 128
)

// exposedHeaders are the gateway response headers browsers may read.
var exposedHeaders = strings.Join([]string{
	headerRequestID, "X-Response-Time", "X-Cache", "X-Gateway-Provider", "X-Gateway-Model",
}, ", ")

// recovery turns a panic into a gateway_error envelope. Panics raised after
// a route was resolved have already published their usage record by the
// time they get here.
func recovery(log *slog.Logger) middleware {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				log.Error("handler_panic",
					slog.String("request_id", requestIDOf(ctx)),
					slog.String("method", string(ctx.Method())),
					slog.String("path", string(ctx.Path())),
					slog.Any("panic", r),
				)
				ctx.ResetBody()
				apierr.WriteGateway(ctx, "internal server error")
			}()
			next(ctx)
		}
	}
}

// requestID propagates the caller's X-Request-ID when it is a sane token
// and mints a UUID otherwise. The id is echoed on the response and becomes
// the usage record's request id.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek(headerRequestID))
		if !validRequestID(id) {
			id = uuid.NewString()
		}
		ctx.Response.Header.Set(headerRequestID, id)
		ctx.SetUserValue(userRequestID, id)
		next(ctx)
	}
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if c := id[i]; c <= ' ' || c > '~' {
			return false
		}
	}
	return true
}

// requestIDOf returns the id stored by requestID, or "" outside the chain.
func requestIDOf(ctx *fasthttp.RequestCtx) string {
	id, _ := ctx.UserValue(userRequestID).(string)
	return id
}

// timing sets X-Response-Time. For streams it measures time to the start of
// the body, since the body is written after the handler returns.
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// securityHeaders hardens JSON and SSE responses. Nothing here serves HTML.
func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}

// corsHandler lets browser SDKs call the API. An empty list or a lone "*"
// allows any origin; otherwise the allowlist is sent as is. Preflights get
// 204 without reaching the router.
func corsHandler(origins []string) middleware {
	origin := "*"
	if len(origins) > 0 && !(len(origins) == 1 && origins[0] == "*") {
		origin = strings.Join(origins, ", ")
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			h := &ctx.Response.Header
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, "+headerRequestID)
			h.Set("Access-Control-Expose-Headers", exposedHeaders)

			if ctx.IsOptions() {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// applyMiddleware wraps h so that mws[0] runs outermost:
//
//	applyMiddleware(h, a, b) == a(b(h))
func applyMiddleware(h fasthttp.RequestHandler, mws ...middleware) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
