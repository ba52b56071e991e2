// Package proxy is the HTTP surface of the gateway core.
//
// The Gateway accepts an OpenAI-compatible chat completion request,
// authenticates the project, resolves the model to exactly one provider,
// answers from cache when the project allows it, and otherwise calls the
// provider through the executor. Every request that reaches a resolved route
// produces exactly one usage record, whatever its outcome.
//
// Key design constraints:
//   - No automatic cross-provider retry: a failed upstream call is reported.
//   - Cache, rate limiter and metrics are optional and nil-safe.
//   - Upstream calls run on the gateway's base context, never on a request
//     scoped one, and streams abort upstream when the client goes away.
//   - Streaming responses are never cached.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/gateway-core/internal/cache"
	"github.com/nulpointcorp/gateway-core/internal/cost"
	"github.com/nulpointcorp/gateway-core/internal/credentials"
	"github.com/nulpointcorp/gateway-core/internal/executor"
	"github.com/nulpointcorp/gateway-core/internal/metrics"
	"github.com/nulpointcorp/gateway-core/internal/providers"
	"github.com/nulpointcorp/gateway-core/internal/ratelimit"
	"github.com/nulpointcorp/gateway-core/internal/resolver"
	"github.com/nulpointcorp/gateway-core/internal/usagelog"
	"github.com/nulpointcorp/gateway-core/pkg/apierr"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"

	routeChat = "chat_completions"
)

// Deps are the collaborators every Gateway needs.
type Deps struct {
	Store      credentials.Store
	Resolver   *resolver.Resolver
	Registry   *providers.Registry
	Executor   *executor.Executor
	Calculator *cost.Calculator
	Usage      usagelog.Publisher
}

// GatewayOptions holds optional collaborators and tuning. Zero values are
// valid.
type GatewayOptions struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Cache enables response caching for projects that turn it on. Nil
	// disables caching for everyone.
	Cache cache.Cache

	// RateLimiter applies the per-project RPM limit. Nil disables it.
	RateLimiter *ratelimit.RPMLimiter

	// Metrics enables Prometheus collection. Nil disables it.
	Metrics *metrics.Registry

	// Ready backs GET /readiness. Nil always reports ready.
	Ready func(context.Context) error

	// CORSOrigins lists allowed origins; nil or ["*"] allows any.
	CORSOrigins []string

	// Version is reported by GET /health.
	Version string

	// Now is the clock used for record timestamps. Defaults to time.Now.
	Now func() time.Time
}

// Gateway is the chat completion endpoint. All dependencies are injected so
// tests can substitute doubles.
type Gateway struct {
	baseCtx context.Context

	store    credentials.Store
	resolver *resolver.Resolver
	registry *providers.Registry
	exec     *executor.Executor
	calc     *cost.Calculator
	usage    usagelog.Publisher

	cache   cache.Cache
	rpm     *ratelimit.RPMLimiter
	metrics *metrics.Registry
	ready   func(context.Context) error
	log     *slog.Logger

	corsOrigins []string
	version     string
	now         func() time.Time

	srvMu sync.Mutex
	srv   *fasthttp.Server
}

// NewGateway builds a Gateway. baseCtx bounds every upstream call and
// background operation the gateway starts.
func NewGateway(baseCtx context.Context, deps Deps, opts GatewayOptions) (*Gateway, error) {
	if baseCtx == nil {
		return nil, errors.New("proxy: context must not be nil")
	}
	switch {
	case deps.Store == nil:
		return nil, errors.New("proxy: credential store must not be nil")
	case deps.Resolver == nil:
		return nil, errors.New("proxy: resolver must not be nil")
	case deps.Registry == nil:
		return nil, errors.New("proxy: provider registry must not be nil")
	case deps.Executor == nil:
		return nil, errors.New("proxy: executor must not be nil")
	case deps.Usage == nil:
		return nil, errors.New("proxy: usage publisher must not be nil")
	}

	g := &Gateway{
		baseCtx:     baseCtx,
		store:       deps.Store,
		resolver:    deps.Resolver,
		registry:    deps.Registry,
		exec:        deps.Executor,
		calc:        deps.Calculator,
		usage:       deps.Usage,
		cache:       opts.Cache,
		rpm:         opts.RateLimiter,
		metrics:     opts.Metrics,
		ready:       opts.Ready,
		log:         opts.Logger,
		corsOrigins: opts.CORSOrigins,
		version:     opts.Version,
		now:         opts.Now,
	}
	if g.calc == nil {
		g.calc = cost.NewCalculator(nil)
	}
	if g.log == nil {
		g.log = slog.Default()
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.version == "" {
		g.version = "dev"
	}
	return g, nil
}

func parseBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// isJSONContentType accepts application/json with optional parameters.
func isJSONContentType(ct []byte) bool {
	mt := string(ct)
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return strings.EqualFold(strings.TrimSpace(mt), "application/json")
}

// requestedProvider returns the provider prefix of a model string, if any.
func requestedProvider(model string) string {
	if i := strings.IndexByte(model, '/'); i > 0 {
		return model[:i]
	}
	return ""
}

// exchange carries the state of one resolved request to its single
// terminal publish.
type exchange struct {
	g       *Gateway
	reqID   string
	start   time.Time
	req     *providers.ChatRequest
	route   *resolver.Route
	rec     *usagelog.UsageRecord
	publish sync.Once
}

// finish stamps the duration, publishes the record and updates metrics. It
// runs at most once per exchange.
func (x *exchange) finish() {
	x.publish.Do(func() {
		g, rec := x.g, x.rec
		rec.DurationMs = g.now().Sub(x.start).Milliseconds()

		err := g.usage.Publish(g.baseCtx, rec)
		g.metrics.RecordUsagePublish(err == nil)
		if err != nil {
			g.log.Error("usage_publish_failed",
				slog.String("request_id", x.reqID),
				slog.String("record_id", rec.ID),
				slog.String("error", err.Error()),
			)
		}

		g.metrics.RecordCompletion(rec.UsedProvider, rec.UnifiedFinishReason, rec.Cached)
		if rec.PromptTokens != nil && rec.CompletionTokens != nil {
			g.metrics.AddTokens(rec.UsedProvider, *rec.PromptTokens, *rec.CompletionTokens)
		}
		if rec.Cost != nil {
			g.metrics.AddCost(rec.UsedProvider, *rec.Cost, rec.EstimatedCost)
		}
	})
}

// applyCost copies a priced result onto the record.
func (x *exchange) applyCost(c cost.Result) {
	rec := x.rec
	rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens = c.PromptTokens, c.CompletionTokens, c.TotalTokens
	rec.InputCost, rec.OutputCost, rec.RequestCost, rec.Cost = c.InputCost, c.OutputCost, c.RequestCost, c.TotalCost
	rec.EstimatedCost = c.Estimated
}

// price computes cost for an executor result, estimating when the provider
// reported no usage.
func (x *exchange) price(res *executor.Result) {
	in := cost.Input{
		Mapping:        x.route.Mapping,
		Model:          x.route.ProviderModelID,
		Messages:       x.req.Messages,
		CompletionText: res.Content,
	}
	if res.UsageReported {
		prompt, completion := res.Usage.PromptTokens, res.Usage.CompletionTokens
		in.PromptTokens, in.CompletionTokens = &prompt, &completion
	}
	x.applyCost(x.g.calc.Calculate(in))
}

// fail marks the record for a terminal error. The HTTP response is the
// caller's concern.
func (x *exchange) fail(err error) string {
	rec := x.rec

	var ue *executor.UpstreamError
	switch {
	case errors.As(err, &ue):
		rec.HasError = true
		rec.UnifiedFinishReason = providers.FinishUpstreamError
		status := ue.StatusCode
		text := fasthttp.StatusMessage(status)
		if ue.Timeout {
			text = "Upstream Timeout"
		} else if status == 0 {
			text = "Upstream Unreachable"
		}
		rec.ErrorDetails = &usagelog.ErrorDetails{
			StatusCode:   status,
			StatusText:   text,
			ResponseText: ue.Body,
		}
		return ue.Error()
	case errors.Is(err, context.Canceled):
		// Client aborts are not errors of the gateway or the provider.
		rec.UnifiedFinishReason = providers.FinishCanceled
		return "request canceled"
	default:
		rec.HasError = true
		rec.UnifiedFinishReason = providers.FinishGatewayError
		rec.ErrorDetails = &usagelog.ErrorDetails{
			StatusCode:   fasthttp.StatusInternalServerError,
			StatusText:   fasthttp.StatusMessage(fasthttp.StatusInternalServerError),
			ResponseText: err.Error(),
		}
		return err.Error()
	}
}

// dispatchChat is the handler for POST /v1/chat/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := g.now()
	reqBytes := len(ctx.PostBody())
	streaming := false

	g.metrics.IncInFlight()
	defer func() {
		if streaming {
			return // finalised by the stream writer
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(routeChat, ctx.Response.StatusCode(), false, time.Since(start), reqBytes)
	}()

	reqID := requestIDOf(ctx)

	// 1. Boundary checks: content type and bearer token.
	if !isJSONContentType(ctx.Request.Header.ContentType()) {
		apierr.WritePlain(ctx, fasthttp.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}
	token := parseBearerToken(strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization"))))
	if token == "" {
		apierr.WritePlain(ctx, fasthttp.StatusUnauthorized, "Unauthorized: missing bearer token")
		return
	}

	// 2. Authenticate the project.
	project, err := g.store.Authenticate(ctx, token)
	if err != nil {
		if errors.Is(err, credentials.ErrUnknownAPIKey) {
			apierr.WritePlain(ctx, fasthttp.StatusUnauthorized, "Unauthorized: invalid API key")
			return
		}
		g.log.Error("authenticate_failed", slog.String("request_id", reqID), slog.String("error", err.Error()))
		apierr.WriteGateway(ctx, "credential store unavailable")
		return
	}

	// 3. Parse and validate the body.
	var req providers.ChatRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WritePlain(ctx, fasthttp.StatusBadRequest, fmt.Sprintf("Invalid JSON body: %s", err.Error()))
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		apierr.WritePlain(ctx, fasthttp.StatusBadRequest, "Missing required field: model")
		return
	}
	if len(req.Messages) == 0 {
		apierr.WritePlain(ctx, fasthttp.StatusBadRequest, "Missing required field: messages must be a non-empty array")
		return
	}

	// 4. Load policy and credentials.
	acc, err := g.store.Lookup(ctx, project.OrganizationID, project.ProjectID)
	if err != nil {
		if errors.Is(err, credentials.ErrProjectNotFound) {
			apierr.WritePlain(ctx, fasthttp.StatusUnauthorized, "Unauthorized: project not found")
			return
		}
		g.log.Error("account_lookup_failed",
			slog.String("request_id", reqID),
			slog.String("project_id", project.ProjectID),
			slog.String("error", err.Error()),
		)
		apierr.WriteGateway(ctx, "credential store unavailable")
		return
	}

	// 5. Per-project rate limit.
	if g.rpm.Enabled() {
		allowed, err := g.rpm.Allow(ctx, acc.OrganizationID, acc.ProjectID)
		if err != nil {
			g.log.Warn("ratelimit_error", slog.String("request_id", reqID), slog.String("error", err.Error()))
		}
		if !allowed {
			g.metrics.RecordRateLimit("limited")
			apierr.WriteRateLimit(ctx)
			return
		}
		g.metrics.RecordRateLimit("allowed")
	}

	// 6. Resolve the route.
	route, err := g.resolver.Resolve(&req, acc)
	if err != nil {
		var rerr *resolver.Error
		if errors.As(err, &rerr) {
			g.metrics.RecordResolutionError(rerr.Kind.String())
			g.log.Debug("resolve_rejected",
				slog.String("request_id", reqID),
				slog.String("model", req.Model),
				slog.String("kind", rerr.Kind.String()),
			)
			apierr.WritePlain(ctx, rerr.HTTPStatus(), rerr.Message)
			return
		}
		g.log.Error("resolve_failed", slog.String("request_id", reqID), slog.String("error", err.Error()))
		apierr.WriteGateway(ctx, err.Error())
		return
	}

	// From here on every outcome publishes exactly one record.
	x := &exchange{g: g, reqID: reqID, start: start, req: &req, route: route}
	x.rec = usagelog.NewRecord(reqID, start)
	rec := x.rec
	rec.OrganizationID = acc.OrganizationID
	rec.ProjectID = acc.ProjectID
	rec.RequestedModel = req.Model
	rec.RequestedProvider = requestedProvider(req.Model)
	rec.UsedModel = route.UsedModel()
	rec.UsedProvider = route.ProviderID
	rec.Streamed = req.Stream
	rec.Mode = string(acc.Policy.Mode)
	rec.UsedMode = string(route.UsedMode)

	defer func() {
		if p := recover(); p != nil {
			x.fail(fmt.Errorf("panic: %v", p))
			x.finish()
			panic(p)
		}
	}()

	ctx.Response.Header.Set("X-Gateway-Provider", route.ProviderID)
	ctx.Response.Header.Set("X-Gateway-Model", route.UsedModel())

	binding, ok := g.registry.Lookup(route.ProviderID)
	baseURL := route.Credential.BaseURL
	if baseURL == "" {
		baseURL = binding.BaseURL
	}
	if !ok || baseURL == "" {
		msg := x.fail(fmt.Errorf("provider %s is not configured on this gateway", route.ProviderID))
		x.finish()
		apierr.WriteGateway(ctx, msg)
		return
	}

	call := executor.Call{
		ProviderID: route.ProviderID,
		Adapter:    binding.Adapter,
		BaseURL:    baseURL,
		Secret:     route.Credential.Secret,
		Model:      route.ProviderModelID,
		Request:    &req,
	}

	if req.Stream {
		streaming = g.serveStream(ctx, x, call, reqBytes)
		return
	}

	// 7. Cache lookup.
	cacheable := g.cache != nil && acc.Policy.CachingEnabled
	var cacheKey string
	if cacheable {
		cacheKey = cache.Key(acc.ProjectID, route.UsedModel(), &req)
		if body, hit := g.cache.Get(ctx, cacheKey); hit {
			g.metrics.RecordCache("get", "hit")
			g.serveCached(ctx, x, body)
			return
		}
		g.metrics.RecordCache("get", "miss")
	} else {
		g.metrics.RecordCache("get", "bypass")
	}

	// 8. Upstream call.
	upStart := time.Now()
	res, err := g.exec.Complete(g.baseCtx, call)
	if err != nil {
		msg := x.fail(err)
		g.metrics.ObserveUpstream(route.ProviderID, rec.UnifiedFinishReason, time.Since(upStart))
		g.log.Warn("upstream_failed",
			slog.String("request_id", reqID),
			slog.String("provider", route.ProviderID),
			slog.String("model", route.ProviderModelID),
			slog.String("error", msg),
		)
		x.finish()
		apierr.WriteGateway(ctx, msg)
		return
	}
	g.metrics.ObserveUpstream(route.ProviderID, res.Unified, time.Since(upStart))

	body, err := executor.EncodeCompletion(executor.NewCompletionID(), route.UsedModel(), start.Unix(), res)
	if err != nil {
		msg := x.fail(err)
		x.finish()
		apierr.WriteGateway(ctx, msg)
		return
	}

	rec.FinishReason = res.FinishReason
	rec.UnifiedFinishReason = res.Unified
	x.price(res)
	x.finish()

	if cacheable {
		if err := g.cache.Set(g.baseCtx, cacheKey, body, cache.ClampTTL(acc.Policy.CacheDurationSeconds)); err != nil {
			g.metrics.RecordCache("set", "error")
			g.log.Warn("cache_set_failed", slog.String("request_id", reqID), slog.String("error", err.Error()))
		} else {
			g.metrics.RecordCache("set", "ok")
		}
	}

	g.log.Debug("response_ok",
		slog.String("request_id", reqID),
		slog.String("provider", route.ProviderID),
		slog.String("model", route.ProviderModelID),
		slog.String("finish", res.Unified),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// serveCached answers from a cached completion body. Token counts are read
// back from the stored usage block; provider cost is zero.
func (g *Gateway) serveCached(ctx *fasthttp.RequestCtx, x *exchange, body []byte) {
	rec := x.rec
	rec.Cached = true

	native := gjson.GetBytes(body, "choices.0.finish_reason").String()
	rec.FinishReason = native
	rec.UnifiedFinishReason = providers.UnifyFinishReason(native)

	var prompt, completion *int
	if v := gjson.GetBytes(body, "usage.prompt_tokens"); v.Exists() {
		n := int(v.Int())
		prompt = &n
	}
	if v := gjson.GetBytes(body, "usage.completion_tokens"); v.Exists() {
		n := int(v.Int())
		completion = &n
	}
	x.applyCost(g.calc.Cached(x.route.Mapping, prompt, completion))
	x.finish()

	ctx.Response.Header.Set("X-Cache", xCacheHIT)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// serveStream opens the upstream stream and hands it to the response body
// writer. It reports whether the body writer took over request accounting.
func (g *Gateway) serveStream(ctx *fasthttp.RequestCtx, x *exchange, call executor.Call, reqBytes int) bool {
	route := x.route
	upStart := time.Now()

	stream, err := g.exec.Open(g.baseCtx, call)
	if err != nil {
		msg := x.fail(err)
		g.metrics.ObserveUpstream(route.ProviderID, x.rec.UnifiedFinishReason, time.Since(upStart))
		g.log.Warn("upstream_failed",
			slog.String("request_id", x.reqID),
			slog.String("provider", route.ProviderID),
			slog.String("model", route.ProviderModelID),
			slog.String("error", msg),
		)
		x.finish()
		apierr.WriteGateway(ctx, msg)
		return false
	}

	id := executor.NewCompletionID()
	model := route.UsedModel()
	created := x.start.Unix()

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			if p := recover(); p != nil {
				_ = stream.Close()
				g.log.Error("stream_writer_panic", slog.String("request_id", x.reqID), slog.Any("panic", p))
				x.fail(fmt.Errorf("panic: %v", p))
				x.finish()
			}
			g.metrics.DecInFlight()
			g.metrics.ObserveHTTP(routeChat, fasthttp.StatusOK, true, time.Since(x.start), reqBytes)
		}()

		res, err := stream.Pump(w, id, model, created)
		g.metrics.ObserveUpstream(route.ProviderID, res.Unified, time.Since(upStart))

		x.rec.FinishReason = res.FinishReason
		if err != nil {
			x.fail(err)
			if errors.Is(err, context.Canceled) {
				x.price(res)
			}
		} else {
			x.rec.UnifiedFinishReason = res.Unified
			x.price(res)
		}
		x.finish()
	})
	return true
}
