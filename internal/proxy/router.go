package proxy

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management handlers registered alongside
// the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Handler builds the full routed handler with its middleware chain.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery(g.log),
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// Start starts the HTTP server on addr (e.g. ":8080") without management
// routes.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes and
// blocks until Shutdown or a listener error.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	// No WriteTimeout: streams may run as long as the provider timeout allows.
	srv := &fasthttp.Server{
		Handler:     g.Handler(mgmt),
		ReadTimeout: 60 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	g.srvMu.Lock()
	g.srv = srv
	g.srvMu.Unlock()

	return srv.ListenAndServe(addr)
}

// Shutdown stops accepting connections and waits for open ones to finish or
// ctx to end.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.srvMu.Lock()
	srv := g.srv
	g.srv = nil
	g.srvMu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.ShutdownWithContext(ctx)
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{"status": "ok", "version": g.version})
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.ready == nil {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	probeCtx, cancel := context.WithTimeout(g.baseCtx, time.Second)
	defer cancel()
	if err := g.ready(probeCtx); err != nil {
		g.log.Warn("readiness_failed", "error", err.Error())
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		writeJSON(ctx, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(ctx, map[string]string{"status": "ok"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
