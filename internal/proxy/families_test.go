package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/gateway-core/internal/catalog"
	"github.com/nulpointcorp/gateway-core/internal/cost"
	"github.com/nulpointcorp/gateway-core/internal/credentials"
	"github.com/nulpointcorp/gateway-core/internal/executor"
	"github.com/nulpointcorp/gateway-core/internal/mockupstream"
	"github.com/nulpointcorp/gateway-core/internal/providers"
	"github.com/nulpointcorp/gateway-core/internal/providers/anthropic"
	"github.com/nulpointcorp/gateway-core/internal/providers/gemini"
	"github.com/nulpointcorp/gateway-core/internal/resolver"
)

const familiesCatalog = `
version: test
models:
  - name: claude-test
    providers:
      - provider: anthropic
        model: claude-test-001
        inputPrice: 0.000003
        outputPrice: 0.000015
        streaming: true
  - name: gemini-test
    providers:
      - provider: google-ai-studio
        model: gemini-test-001
        inputPrice: 0.0000001
        outputPrice: 0.0000004
        streaming: true
`

const familiesCredentials = `
projects:
  - apiKey: gw-fam
    organizationId: org-fam
    projectId: proj-fam
    policy: {mode: api-keys}
organizations:
  - id: org-fam
    credentials:
      - {providerId: anthropic, secret: sk-ant, baseUrl: "%s/v1", status: active}
      - {providerId: google-ai-studio, secret: g-key, baseUrl: "%s/v1beta", status: active}
`

const familyReply = "Bonjour from upstream"

type familyHarness struct {
	*harness
	anthropic *mockupstream.Server
	google    *mockupstream.Server
}

func newFamilyHarness(t *testing.T) *familyHarness {
	t.Helper()

	mcfg := mockupstream.Config{Reply: familyReply, PromptTokens: 11, CompletionTokens: 3}
	ant := mockupstream.Anthropic(mcfg)
	goo := mockupstream.Google(mcfg)
	antSrv := httptest.NewServer(ant)
	gooSrv := httptest.NewServer(goo)
	t.Cleanup(antSrv.Close)
	t.Cleanup(gooSrv.Close)

	cat, err := catalog.Parse([]byte(familiesCatalog))
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	store, err := credentials.ParseFile([]byte(fmt.Sprintf(familiesCredentials, antSrv.URL, gooSrv.URL)))
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}

	reg := providers.NewRegistry()
	_ = reg.Register("anthropic", anthropic.New(), anthropic.DefaultBaseURL)
	_ = reg.Register("google-ai-studio", gemini.New(), gemini.AIStudioBaseURL)

	pub := &recordingPublisher{}
	gw, err := NewGateway(context.Background(), Deps{
		Store:      store,
		Resolver:   resolver.New(cat),
		Registry:   reg,
		Executor:   executor.New(executor.WithTimeout(5 * time.Second)),
		Calculator: cost.NewCalculator(nil),
		Usage:      pub,
	}, GatewayOptions{})
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}

	ln := fasthttputil.NewInmemoryListener()
	go func() {
		_ = fasthttp.Serve(ln, gw.Handler(nil))
	}()
	t.Cleanup(func() { ln.Close() })

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(context.Context, string, string) (net.Conn, error) { return ln.Dial() },
	}}
	return &familyHarness{
		harness:   &harness{client: client, pub: pub},
		anthropic: ant,
		google:    goo,
	}
}

func TestFamilies_NonStreaming(t *testing.T) {
	tests := []struct {
		model    string
		provider string
		used     string
		price    [2]float64
	}{
		{"claude-test", "anthropic", "anthropic/claude-test-001", [2]float64{0.000003, 0.000015}},
		{"gemini-test", "google-ai-studio", "google-ai-studio/gemini-test-001", [2]float64{0.0000001, 0.0000004}},
	}
	for _, tc := range tests {
		t.Run(tc.provider, func(t *testing.T) {
			h := newFamilyHarness(t)

			resp, body := h.post(t, "gw-fam", "application/json", chatBody(tc.model, false))
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d (%s)", resp.StatusCode, body)
			}

			var out executor.CompletionResponse
			if err := json.Unmarshal(body, &out); err != nil {
				t.Fatalf("decode: %v (%s)", err, body)
			}
			if out.Model != tc.used || len(out.Choices) != 1 || out.Choices[0].Message.Content != familyReply {
				t.Fatalf("unexpected response %s", body)
			}
			if f := out.Choices[0].FinishReason; f == nil || *f != "stop" {
				t.Errorf("finish_reason = %v, want stop", f)
			}
			if out.Usage.PromptTokens != 11 || out.Usage.CompletionTokens != 3 || out.Usage.TotalTokens != 14 {
				t.Errorf("usage = %+v", out.Usage)
			}

			rec := h.pub.wait(t, 1)[0]
			if rec.UsedProvider != tc.provider || rec.UnifiedFinishReason != providers.FinishCompleted {
				t.Errorf("record = %+v", rec)
			}
			want := 11*tc.price[0] + 3*tc.price[1]
			if rec.Cost == nil || *rec.Cost < want-1e-12 || *rec.Cost > want+1e-12 {
				t.Errorf("cost = %v, want %v", rec.Cost, want)
			}
		})
	}
}

func TestFamilies_AnthropicTranslation(t *testing.T) {
	h := newFamilyHarness(t)

	body := `{"model":"claude-test","messages":[{"role":"system","content":"Be terse."},{"role":"user","content":"Hi"}]}`
	resp, out := h.post(t, "gw-fam", "application/json", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (%s)", resp.StatusCode, out)
	}

	sent, hdr, _ := h.anthropic.LastRequest()
	if hdr.Get("x-api-key") != "sk-ant" || hdr.Get("Authorization") != "" {
		t.Errorf("auth headers = x-api-key:%q authorization:%q", hdr.Get("x-api-key"), hdr.Get("Authorization"))
	}
	var req struct {
		Model    string `json:"model"`
		System   any    `json:"system"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(sent, &req); err != nil {
		t.Fatalf("upstream body: %v (%s)", err, sent)
	}
	if req.Model != "claude-test-001" || req.System != nil {
		t.Fatalf("upstream body = %s", sent)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != "user" || req.Messages[0].Content != "System: Be terse." {
		t.Fatalf("messages = %+v", req.Messages)
	}
}

func TestFamilies_GoogleKeyInQuery(t *testing.T) {
	h := newFamilyHarness(t)

	if resp, out := h.post(t, "gw-fam", "application/json", chatBody("gemini-test", false)); resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (%s)", resp.StatusCode, out)
	}

	_, hdr, url := h.google.LastRequest()
	if !strings.Contains(url, "/models/gemini-test-001:generateContent") || !strings.Contains(url, "key=g-key") {
		t.Fatalf("url = %s", url)
	}
	if hdr.Get("Authorization") != "" {
		t.Fatalf("google requests must not carry a bearer header")
	}
}

func TestFamilies_Streaming(t *testing.T) {
	tests := []struct {
		model    string
		provider string
		used     string
	}{
		{"claude-test", "anthropic", "anthropic/claude-test-001"},
		{"gemini-test", "google-ai-studio", "google-ai-studio/gemini-test-001"},
	}
	for _, tc := range tests {
		t.Run(tc.provider, func(t *testing.T) {
			h := newFamilyHarness(t)

			resp, body := h.post(t, "gw-fam", "application/json", chatBody(tc.model, true))
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d (%s)", resp.StatusCode, body)
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

			var (
				content strings.Builder
				usage   *executor.UsageBlock
				finish  string
			)
			for _, p := range payloads[:len(payloads)-1] {
				var chunk executor.ChunkResponse
				if err := json.Unmarshal([]byte(p), &chunk); err != nil {
					t.Fatalf("frame is not JSON: %q", p)
				}
				if chunk.Model != tc.used {
					t.Fatalf("chunk model = %q", chunk.Model)
				}
				if chunk.Usage != nil {
					if usage != nil {
						t.Fatal("more than one usage chunk")
					}
					usage = chunk.Usage
				}
				if len(chunk.Choices) == 1 {
					if c := chunk.Choices[0].Delta.Content; c != nil {
						content.WriteString(*c)
					}
					if f := chunk.Choices[0].FinishReason; f != nil {
						finish = *f
					}
				}
			}
			if content.String() != familyReply {
				t.Fatalf("content = %q", content.String())
			}
			if finish != "stop" {
				t.Errorf("finish_reason = %q, want stop", finish)
			}
			if usage == nil || usage.PromptTokens != 11 || usage.CompletionTokens != 3 {
				t.Fatalf("usage = %+v", usage)
			}

			rec := h.pub.wait(t, 1)[0]
			if !rec.Streamed || rec.UsedProvider != tc.provider || rec.UnifiedFinishReason != providers.FinishCompleted {
				t.Fatalf("record = %+v", rec)
			}
		})
	}
}
