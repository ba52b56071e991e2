// Package metrics provides the gateway's Prometheus registry.
//
// Metrics live in a private registry so an embedding process keeps its own
// default registry untouched. Handler serves the exposition format over
// fasthttp. A nil *Registry is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequests *prometheus.CounterVec
	// gateway_http_request_duration_seconds{route,streamed}
	httpDuration *prometheus.HistogramVec
	// gateway_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// gateway_completions_total{provider,finish,cached}
	completions *prometheus.CounterVec
	// gateway_upstream_duration_seconds{provider,outcome}
	upstreamDuration *prometheus.HistogramVec
	// gateway_resolution_errors_total{kind}
	resolutionErrors *prometheus.CounterVec

	// gateway_tokens_total{provider,direction}
	tokens *prometheus.CounterVec
	// gateway_cost_usd_total{provider,estimated}
	cost *prometheus.CounterVec

	// gateway_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec
	// gateway_ratelimit_total{result}
	rateLimit *prometheus.CounterVec
	// gateway_usage_publish_total{result}
	usagePublish *prometheus.CounterVec

	buildInfo *prometheus.GaugeVec

	handler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Requests currently being handled, open streams included",
		}),

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"route", "status"}),

		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "End-to-end request duration; streams are measured until the last frame",
			Buckets: durationBuckets,
		}, []string{"route", "streamed"}),

		httpReqSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_http_request_size_bytes",
			Help:    "Request body size in bytes",
			Buckets: prometheus.ExponentialBuckets(256, 2, 12),
		}, []string{"route"}),

		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_completions_total",
			Help: "Resolved chat completions by provider and unified finish reason",
		}, []string{"provider", "finish", "cached"}),

		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_upstream_duration_seconds",
			Help:    "Upstream call duration in seconds",
			Buckets: durationBuckets,
		}, []string{"provider", "outcome"}),

		resolutionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_resolution_errors_total",
			Help: "Requests rejected while resolving the model",
		}, []string{"kind"}),

		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Tokens by provider and direction",
		}, []string{"provider", "direction"}),

		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cost_usd_total",
			Help: "Provider cost in USD",
		}, []string{"provider", "estimated"}),

		cacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cache_operations_total",
			Help: "Response cache operations by type and result",
		}, []string{"op", "result"}),

		rateLimit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_ratelimit_total",
			Help: "Rate limit decisions",
		}, []string{"result"}),

		usagePublish: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_usage_publish_total",
			Help: "Usage records handed to the log publisher",
		}, []string{"result"}),

		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_build_info",
			Help: "Build information",
		}, []string{"version", "catalog"}),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequests,
		r.httpDuration,
		r.httpReqSize,
		r.completions,
		r.upstreamDuration,
		r.resolutionErrors,
		r.tokens,
		r.cost,
		r.cacheOps,
		r.rateLimit,
		r.usagePublish,
		r.buildInfo,
	)

	r.handler = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return r
}

func (r *Registry) IncInFlight() {
	if r != nil {
		r.inFlight.Inc()
	}
}

func (r *Registry) DecInFlight() {
	if r != nil {
		r.inFlight.Dec()
	}
}

// ObserveHTTP records one finished HTTP exchange.
func (r *Registry) ObserveHTTP(route string, status int, streamed bool, dur time.Duration, reqBytes int) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(route, strconv.FormatBool(streamed)).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
}

// ObserveUpstream records one upstream call; outcome is a unified finish
// reason.
func (r *Registry) ObserveUpstream(provider, outcome string, dur time.Duration) {
	if r == nil {
		return
	}
	r.upstreamDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

// RecordCompletion counts a request that produced a usage record.
func (r *Registry) RecordCompletion(provider, finish string, cached bool) {
	if r == nil {
		return
	}
	r.completions.WithLabelValues(provider, finish, strconv.FormatBool(cached)).Inc()
}

func (r *Registry) RecordResolutionError(kind string) {
	if r != nil {
		r.resolutionErrors.WithLabelValues(kind).Inc()
	}
}

func (r *Registry) AddTokens(provider string, prompt, completion int) {
	if r == nil {
		return
	}
	if prompt > 0 {
		r.tokens.WithLabelValues(provider, "input").Add(float64(prompt))
	}
	if completion > 0 {
		r.tokens.WithLabelValues(provider, "output").Add(float64(completion))
	}
}

func (r *Registry) AddCost(provider string, usd float64, estimated bool) {
	if r == nil || usd <= 0 {
		return
	}
	r.cost.WithLabelValues(provider, strconv.FormatBool(estimated)).Add(usd)
}

// RecordCache counts a cache operation: op is get or set, result is hit,
// miss, bypass, ok or error.
func (r *Registry) RecordCache(op, result string) {
	if r != nil {
		r.cacheOps.WithLabelValues(op, result).Inc()
	}
}

func (r *Registry) RecordRateLimit(result string) {
	if r != nil {
		r.rateLimit.WithLabelValues(result).Inc()
	}
}

func (r *Registry) RecordUsagePublish(ok bool) {
	if r == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	r.usagePublish.WithLabelValues(result).Inc()
}

// RegisterQueue exposes the usage queue backlog and the records currently
// leased by consumers, both sampled at scrape time.
func (r *Registry) RegisterQueue(length, inFlight func() float64) {
	if r == nil {
		return
	}
	r.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "gateway_usage_queue_length",
			Help: "Usage records waiting in the durable queue",
		}, length),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "gateway_usage_queue_inflight",
			Help: "Usage records claimed by a consumer and not yet acked",
		}, inFlight),
	)
}

// RegisterPublisher exposes the async publisher's lifetime totals of
// records written to Redis and records lost after retries.
func (r *Registry) RegisterPublisher(published, failed func() float64) {
	if r == nil {
		return
	}
	r.reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "gateway_usage_records_published_total",
			Help: "Usage records pushed onto the durable queue",
		}, published),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "gateway_usage_records_failed_total",
			Help: "Usage records that could not be pushed after retries",
		}, failed),
	)
}

func (r *Registry) SetBuildInfo(version, catalogVersion string) {
	if r != nil {
		r.buildInfo.WithLabelValues(version, catalogVersion).Set(1)
	}
}

func (r *Registry) Handler() fasthttp.RequestHandler { return r.handler }

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
