package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/gateway-core/internal/cache"
	"github.com/nulpointcorp/gateway-core/internal/catalog"
	"github.com/nulpointcorp/gateway-core/internal/cost"
	"github.com/nulpointcorp/gateway-core/internal/credentials"
	"github.com/nulpointcorp/gateway-core/internal/executor"
	"github.com/nulpointcorp/gateway-core/internal/providers"
	"github.com/nulpointcorp/gateway-core/internal/providers/anthropic"
	"github.com/nulpointcorp/gateway-core/internal/providers/openai"
	"github.com/nulpointcorp/gateway-core/internal/ratelimit"
	"github.com/nulpointcorp/gateway-core/internal/resolver"
	"github.com/nulpointcorp/gateway-core/internal/usagelog"
)

// --- helpers ----------------------------------------------------------------

const testCatalog = `
version: test
models:
  - name: test-model
    jsonOutput: true
    providers:
      - provider: openai
        model: test-model-001
        inputPrice: 0.000001
        outputPrice: 0.000002
        streaming: true
  - name: claude-test
    providers:
      - provider: anthropic
        model: claude-test-001
        inputPrice: 0.000003
        outputPrice: 0.000015
        streaming: true
`

const testCredentials = `
projects:
  - apiKey: gw-cached
    organizationId: org-1
    projectId: proj-cached
    policy: {mode: api-keys, cachingEnabled: true, cacheDurationSeconds: 60}
  - apiKey: gw-plain
    organizationId: org-1
    projectId: proj-plain
    policy: {mode: api-keys}
organizations:
  - id: org-1
    credentials:
      - {providerId: openai, secret: sk-test, baseUrl: "%s", status: active}
`

const okCompletion = `{"id":"up-1","object":"chat.completion","created":1,"model":"test-model-001",
	"choices":[{"index":0,"message":{"role":"assistant","content":"Hello!"},"finish_reason":"stop"}],
	"usage":{"prompt_tokens":9,"completion_tokens":3,"total_tokens":12}}`

// recordingPublisher keeps published records in memory.
type recordingPublisher struct {
	mu   sync.Mutex
	recs []*usagelog.UsageRecord
}

func (p *recordingPublisher) Publish(_ context.Context, rec *usagelog.UsageRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recs = append(p.recs, rec)
	return nil
}

func (p *recordingPublisher) records() []*usagelog.UsageRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*usagelog.UsageRecord(nil), p.recs...)
}

// wait polls until n records were published. Streaming records are
// published from the body writer, which may finish just after the client
// sees the last byte.
func (p *recordingPublisher) wait(t *testing.T, n int) []*usagelog.UsageRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		recs := p.records()
		if len(recs) >= n || time.Now().After(deadline) {
			if len(recs) != n {
				t.Fatalf("published %d records, want %d", len(recs), n)
			}
			return recs
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type harness struct {
	client *http.Client
	pub    *recordingPublisher
	hits   *atomic.Int32
	gw     *Gateway
}

// newHarness serves the full router on an in-memory listener, with a fake
// OpenAI upstream answering through handler.
func newHarness(t *testing.T, handler http.HandlerFunc, tweak func(*GatewayOptions)) *harness {
	t.Helper()

	hits := new(atomic.Int32)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(upstream.Close)

	cat, err := catalog.Parse([]byte(testCatalog))
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	store, err := credentials.ParseFile([]byte(fmt.Sprintf(testCredentials, upstream.URL)))
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}

	reg := providers.NewRegistry()
	_ = reg.Register("openai", openai.New(), openai.DefaultBaseURL)
	_ = reg.Register("anthropic", anthropic.New(), "https://api.anthropic.com/v1")

	pub := &recordingPublisher{}
	opts := GatewayOptions{Cache: cache.NewMemoryCache(context.Background())}
	if tweak != nil {
		tweak(&opts)
	}

	gw, err := NewGateway(context.Background(), Deps{
		Store:      store,
		Resolver:   resolver.New(cat),
		Registry:   reg,
		Executor:   executor.New(executor.WithTimeout(5 * time.Second)),
		Calculator: cost.NewCalculator(nil),
		Usage:      pub,
	}, opts)
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}

	ln := fasthttputil.NewInmemoryListener()
	go func() {
		_ = fasthttp.Serve(ln, gw.Handler(nil))
	}()
	t.Cleanup(func() { ln.Close() })

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
	return &harness{client: client, pub: pub, hits: hits, gw: gw}
}

func (h *harness) post(t *testing.T, apiKey, contentType, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://gateway/v1/chat/completions", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func chatBody(model string, stream bool) string {
	return fmt.Sprintf(`{"model":%q,"stream":%v,"messages":[{"role":"user","content":"Hi"}]}`, model, stream)
}

func okUpstream(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, okCompletion)
}

// --- boundary validation ----------------------------------------------------

func TestDispatchChat_BoundaryErrors(t *testing.T) {
	h := newHarness(t, okUpstream, nil)

	tests := []struct {
		name        string
		apiKey      string
		contentType string
		body        string
		status      int
		contains    string
	}{
		{"wrong content type", "gw-plain", "text/plain", chatBody("test-model", false), 415, "application/json"},
		{"missing bearer", "", "application/json", chatBody("test-model", false), 401, "Unauthorized"},
		{"unknown key", "nope", "application/json", chatBody("test-model", false), 401, "invalid API key"},
		{"invalid json", "gw-plain", "application/json", `{"model":`, 400, "Invalid JSON"},
		{"missing model", "gw-plain", "application/json", `{"messages":[{"role":"user","content":"x"}]}`, 400, "model"},
		{"empty messages", "gw-plain", "application/json", `{"model":"test-model","messages":[]}`, 400, "messages"},
		{"unknown model", "gw-plain", "application/json", chatBody("does-not-exist", false), 400, "not supported"},
		{
			"missing provider key", "gw-plain", "application/json; charset=utf-8", chatBody("anthropic/claude-test", false), 400,
			"No API key set for provider: anthropic. Please add a provider key in your settings.",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := h.post(t, tc.apiKey, tc.contentType, tc.body)
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d (%s)", resp.StatusCode, tc.status, body)
			}
			if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") {
				t.Fatalf("Content-Type = %q, want text/plain", resp.Header.Get("Content-Type"))
			}
			if !strings.Contains(string(body), tc.contains) {
				t.Fatalf("body %q does not contain %q", body, tc.contains)
			}
		})
	}

	if n := len(h.pub.records()); n != 0 {
		t.Fatalf("pre-resolution failures must not be logged, got %d records", n)
	}
	if h.hits.Load() != 0 {
		t.Fatalf("upstream must not be called, got %d calls", h.hits.Load())
	}
}

func TestDispatchChat_MissingKeyExactBody(t *testing.T) {
	h := newHarness(t, okUpstream, nil)

	resp, body := h.post(t, "gw-plain", "application/json", chatBody("anthropic/claude-test", false))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	want := "No API key set for provider: anthropic. Please add a provider key in your settings."
	if string(body) != want {
		t.Fatalf("body = %q, want %q", body, want)
	}
}

// --- non-streaming ----------------------------------------------------------

func TestDispatchChat_NonStreamingSuccess(t *testing.T) {
	h := newHarness(t, okUpstream, nil)

	resp, body := h.post(t, "gw-plain", "application/json", chatBody("test-model", false))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (%s)", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Cache") != xCacheMISS {
		t.Errorf("X-Cache = %q", resp.Header.Get("X-Cache"))
	}
	if resp.Header.Get("X-Gateway-Provider") != "openai" || resp.Header.Get("X-Gateway-Model") != "openai/test-model-001" {
		t.Errorf("routing headers = %q %q", resp.Header.Get("X-Gateway-Provider"), resp.Header.Get("X-Gateway-Model"))
	}

	var out executor.CompletionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v (%s)", err, body)
	}
	if out.Object != "chat.completion" || out.Model != "openai/test-model-001" {
		t.Fatalf("unexpected envelope %+v", out)
	}
	if len(out.Choices) != 1 || out.Choices[0].Message.Content != "Hello!" {
		t.Fatalf("unexpected choices %+v", out.Choices)
	}
	if out.Usage.TotalTokens != out.Usage.PromptTokens+out.Usage.CompletionTokens || out.Usage.TotalTokens != 12 {
		t.Fatalf("usage = %+v", out.Usage)
	}

	rec := h.pub.wait(t, 1)[0]
	if rec.UnifiedFinishReason != providers.FinishCompleted || rec.FinishReason != "stop" {
		t.Errorf("finish = %q/%q", rec.FinishReason, rec.UnifiedFinishReason)
	}
	if rec.UsedProvider != "openai" || rec.UsedModel != "openai/test-model-001" || rec.RequestedModel != "test-model" {
		t.Errorf("models = %+v", rec)
	}
	if rec.Cached || rec.Streamed || rec.HasError || rec.EstimatedCost {
		t.Errorf("flags = cached:%v streamed:%v error:%v estimated:%v", rec.Cached, rec.Streamed, rec.HasError, rec.EstimatedCost)
	}
	if rec.PromptTokens == nil || *rec.PromptTokens != 9 || rec.CompletionTokens == nil || *rec.CompletionTokens != 3 {
		t.Fatalf("tokens = %v %v", rec.PromptTokens, rec.CompletionTokens)
	}
	wantCost := 9*0.000001 + 3*0.000002
	if rec.Cost == nil || *rec.Cost < wantCost-1e-12 || *rec.Cost > wantCost+1e-12 {
		t.Fatalf("cost = %v, want %v", rec.Cost, wantCost)
	}
	if rec.OrganizationID != "org-1" || rec.ProjectID != "proj-plain" || rec.Mode != "api-keys" || rec.UsedMode != "api-keys" {
		t.Errorf("tenant fields = %+v", rec)
	}
}

func TestDispatchChat_CacheHitIsByteIdentical(t *testing.T) {
	h := newHarness(t, okUpstream, nil)

	_, first := h.post(t, "gw-cached", "application/json", chatBody("test-model", false))
	resp, second := h.post(t, "gw-cached", "application/json", chatBody("test-model", false))

	if resp.Header.Get("X-Cache") != xCacheHIT {
		t.Fatalf("X-Cache = %q, want HIT", resp.Header.Get("X-Cache"))
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("cached body differs:\n%s\n%s", first, second)
	}
	if h.hits.Load() != 1 {
		t.Fatalf("upstream calls = %d, want 1", h.hits.Load())
	}

	recs := h.pub.wait(t, 2)
	if recs[0].Cached || !recs[1].Cached {
		t.Fatalf("cached flags = %v, %v", recs[0].Cached, recs[1].Cached)
	}
	hit := recs[1]
	if hit.Cost == nil || *hit.Cost != 0 || hit.EstimatedCost {
		t.Fatalf("cache hit cost = %v estimated=%v", hit.Cost, hit.EstimatedCost)
	}
	if hit.PromptTokens == nil || *hit.PromptTokens != 9 {
		t.Fatalf("cache hit tokens = %v", hit.PromptTokens)
	}
}

func TestDispatchChat_CachingDisabledForProject(t *testing.T) {
	h := newHarness(t, okUpstream, nil)

	h.post(t, "gw-plain", "application/json", chatBody("test-model", false))
	resp, _ := h.post(t, "gw-plain", "application/json", chatBody("test-model", false))

	if resp.Header.Get("X-Cache") != xCacheMISS || h.hits.Load() != 2 {
		t.Fatalf("X-Cache = %q, upstream calls = %d", resp.Header.Get("X-Cache"), h.hits.Load())
	}
}

// brokenCache misses every read and fails every write.
type brokenCache struct{ sets atomic.Int32 }

func (*brokenCache) Get(context.Context, string) ([]byte, bool) { return nil, false }
func (c *brokenCache) Set(context.Context, string, []byte, time.Duration) error {
	c.sets.Add(1)
	return fmt.Errorf("cache down")
}
func (*brokenCache) Delete(context.Context, string) error { return nil }

func TestDispatchChat_CacheWriteFailureStillServes(t *testing.T) {
	bc := &brokenCache{}
	h := newHarness(t, okUpstream, func(o *GatewayOptions) { o.Cache = bc })

	for i := 0; i < 2; i++ {
		resp, body := h.post(t, "gw-cached", "application/json", chatBody("test-model", false))
		if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Cache") != xCacheMISS {
			t.Fatalf("status = %d X-Cache = %q (%s)", resp.StatusCode, resp.Header.Get("X-Cache"), body)
		}
	}
	if bc.sets.Load() != 2 || h.hits.Load() != 2 {
		t.Fatalf("cache writes = %d, upstream calls = %d", bc.sets.Load(), h.hits.Load())
	}
	if recs := h.pub.wait(t, 2); recs[0].HasError || recs[1].HasError {
		t.Fatal("a failed cache write must not mark the request as errored")
	}
}

func TestDispatchChat_UpstreamErrorIsGatewayError(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":{"message":"overloaded"}}`)
	}, nil)

	resp, body := h.post(t, "gw-plain", "application/json", chatBody("test-model", false))
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var env struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decode: %v (%s)", err, body)
	}
	if env.Error.Type != "gateway_error" || !strings.Contains(env.Error.Message, "overloaded") {
		t.Fatalf("envelope = %+v", env.Error)
	}

	rec := h.pub.wait(t, 1)[0]
	if !rec.HasError || rec.UnifiedFinishReason != providers.FinishUpstreamError {
		t.Fatalf("record = hasError:%v finish:%q", rec.HasError, rec.UnifiedFinishReason)
	}
	if rec.ErrorDetails == nil || rec.ErrorDetails.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("error details = %+v", rec.ErrorDetails)
	}
}

// --- streaming --------------------------------------------------------------

func TestDispatchChat_StreamingNormalized(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, ev := range []string{
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"},"finish_reason":null}]}`,
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
			`[DONE]`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", ev)
			fl.Flush()
		}
	}, nil)

	resp, body := h.post(t, "gw-cached", "application/json", chatBody("test-model", true))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (%s)", resp.StatusCode, body)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}

	var payloads []string
	for _, block := range strings.Split(string(body), "\n\n") {
		if block = strings.TrimSpace(block); block != "" {
			payloads = append(payloads, strings.TrimPrefix(block, "data: "))
		}
	}
	if len(payloads) == 0 || payloads[len(payloads)-1] != "[DONE]" {
		t.Fatalf("stream must end with [DONE]: %q", payloads)
	}

	usageChunks := 0
	var content strings.Builder
	for _, p := range payloads[:len(payloads)-1] {
		var chunk executor.ChunkResponse
		if err := json.Unmarshal([]byte(p), &chunk); err != nil {
			t.Fatalf("frame is not JSON: %q", p)
		}
		if chunk.Object != "chat.completion.chunk" || chunk.Model != "openai/test-model-001" {
			t.Fatalf("unexpected chunk envelope %q", p)
		}
		if chunk.Usage != nil {
			usageChunks++
			if chunk.Usage.TotalTokens != 7 {
				t.Errorf("usage = %+v", chunk.Usage)
			}
		}
		if len(chunk.Choices) == 1 && chunk.Choices[0].Delta.Content != nil {
			content.WriteString(*chunk.Choices[0].Delta.Content)
		}
	}
	if usageChunks != 1 {
		t.Fatalf("usage chunks = %d, want 1", usageChunks)
	}
	if content.String() != "Hello" {
		t.Fatalf("content = %q", content.String())
	}

	rec := h.pub.wait(t, 1)[0]
	if !rec.Streamed || rec.Cached || rec.UnifiedFinishReason != providers.FinishCompleted {
		t.Fatalf("record = %+v", rec)
	}
	if rec.CompletionTokens == nil || *rec.CompletionTokens != 2 {
		t.Fatalf("completion tokens = %v", rec.CompletionTokens)
	}
}

func TestDispatchChat_StreamClientCancel(t *testing.T) {
	var upstreamGone atomic.Bool
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for i := 0; i < 500; i++ {
			fmt.Fprintf(w, "data: %s\n\n",
				`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":"tok "},"finish_reason":null}]}`)
			fl.Flush()
			select {
			case <-r.Context().Done():
				upstreamGone.Store(true)
				return
			case <-tick.C:
			}
		}
	}, nil)

	// A real socket, so closing it is observed by the server's writes.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &fasthttp.Server{Handler: h.gw.Handler(nil)}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	body := chatBody("test-model", true)
	fmt.Fprintf(conn, "POST /v1/chat/completions HTTP/1.1\r\nHost: gateway\r\n"+
		"Authorization: Bearer gw-plain\r\nContent-Type: application/json\r\nContent-Length: %d\r\n\r\n%s",
		len(body), body)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	rd := bufio.NewReader(conn)
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			t.Fatalf("no frame before error: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			break
		}
	}
	conn.Close()

	rec := h.pub.wait(t, 1)[0]
	if rec.UnifiedFinishReason != providers.FinishCanceled {
		t.Fatalf("unified finish = %q, want %q", rec.UnifiedFinishReason, providers.FinishCanceled)
	}
	if rec.HasError || rec.ErrorDetails != nil {
		t.Fatalf("client abort recorded as error: %+v", rec.ErrorDetails)
	}
	if !rec.Streamed || rec.PromptTokens == nil || rec.CompletionTokens == nil {
		t.Fatalf("record = streamed:%v prompt:%v completion:%v", rec.Streamed, rec.PromptTokens, rec.CompletionTokens)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !upstreamGone.Load() {
		if time.Now().After(deadline) {
			t.Fatal("upstream request was not canceled")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(h.pub.records()); n != 1 {
		t.Fatalf("records = %d, want exactly 1", n)
	}
}

func TestDispatchChat_StreamOpenFailure(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
	}, nil)

	resp, _ := h.post(t, "gw-plain", "application/json", chatBody("test-model", true))
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	rec := h.pub.wait(t, 1)[0]
	if !rec.Streamed || rec.UnifiedFinishReason != providers.FinishUpstreamError {
		t.Fatalf("record = %+v", rec)
	}
}

// --- rate limit -------------------------------------------------------------

func TestDispatchChat_RateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	h := newHarness(t, okUpstream, func(o *GatewayOptions) {
		o.RateLimiter = ratelimit.NewRPMLimiter(rdb, 1)
	})

	if resp, _ := h.post(t, "gw-plain", "application/json", chatBody("test-model", false)); resp.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d", resp.StatusCode)
	}
	resp, body := h.post(t, "gw-plain", "application/json", chatBody("test-model", false))
	if resp.StatusCode != http.StatusTooManyRequests || resp.Header.Get("Retry-After") == "" {
		t.Fatalf("second request = %d %q", resp.StatusCode, body)
	}
	if n := len(h.pub.wait(t, 1)); n != 1 {
		t.Fatalf("records = %d", n)
	}
}

// --- management routes ------------------------------------------------------

func TestHealthAndReadiness(t *testing.T) {
	var ready atomic.Bool
	ready.Store(true)
	h := newHarness(t, okUpstream, func(o *GatewayOptions) {
		o.Version = "1.2.3"
		o.Ready = func(context.Context) error {
			if ready.Load() {
				return nil
			}
			return fmt.Errorf("redis down")
		}
	})

	get := func(path string) (int, string) {
		resp, err := h.client.Get("http://gateway" + path)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}

	if code, body := get("/health"); code != 200 || !strings.Contains(body, "1.2.3") {
		t.Fatalf("/health = %d %s", code, body)
	}
	if code, _ := get("/readiness"); code != 200 {
		t.Fatalf("/readiness = %d", code)
	}
	ready.Store(false)
	if code, _ := get("/readiness"); code != http.StatusServiceUnavailable {
		t.Fatalf("/readiness when down = %d", code)
	}
}

func TestNewGateway_Validation(t *testing.T) {
	if _, err := NewGateway(context.Background(), Deps{}, GatewayOptions{}); err == nil {
		t.Fatal("expected error for missing dependencies")
	}
}

func TestParseBearerToken(t *testing.T) {
	tests := map[string]string{
		"":              "",
		"Bearer abc":    "abc",
		"bearer  abc ":  "abc",
		"Basic abc":     "",
		"Bearer":        "",
		"Token abc def": "",
	}
	for in, want := range tests {
		if got := parseBearerToken(in); got != want {
			t.Errorf("parseBearerToken(%q) = %q, want %q", in, got, want)
		}
	}
}
