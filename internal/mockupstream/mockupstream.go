// Package mockupstream simulates the three provider wire families the
// gateway speaks: OpenAI chat completions, Anthropic messages and Google
// generateContent. Handlers serve both the non-streaming and SSE variants
// and are used by end-to-end tests and by the mock-providers command for
// local runs without real credentials.
package mockupstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Config controls the simulated behaviour. The zero value answers every
// request successfully with a random sentence and no added latency.
type Config struct {
	// Latency is added before every response.
	Latency time.Duration
	// ErrorRate is the fraction [0,1] of requests answered with HTTP 500.
	ErrorRate float64
	// Reply fixes the generated text. Empty means a random sentence of
	// Words words.
	Reply string
	// Words sizes random replies. Default: 10.
	Words int
	// PromptTokens and CompletionTokens are the reported usage. Zero
	// values fall back to 10 and the reply's word count.
	PromptTokens     int
	CompletionTokens int
	// OmitUsage drops usage from OpenAI and Google responses. Anthropic
	// always reports it.
	OmitUsage bool
}

// fakeWords is a pool of words used to build random replies.
var fakeWords = []string{
	"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"Hello", "world", "This", "is", "a", "mock", "response", "from", "the",
	"mock", "provider", "simulating", "a", "real", "LLM", "API", "call",
	"for", "development", "and", "testing", "purposes",
}

// Server is an http.Handler for one provider family that records what it
// received.
type Server struct {
	cfg     Config
	handler http.Handler

	hits atomic.Int32

	mu       sync.Mutex
	lastBody []byte
	lastHdr  http.Header
	lastURL  string
}

func newServer(cfg Config) *Server {
	if cfg.Words <= 0 {
		cfg.Words = 10
	}
	return &Server{cfg: cfg}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.hits.Add(1)

	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.lastBody = body
	s.lastHdr = r.Header.Clone()
	s.lastURL = r.URL.String()
	s.mu.Unlock()

	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if s.cfg.Latency > 0 {
		time.Sleep(s.cfg.Latency)
	}
	if s.cfg.ErrorRate > 0 && rand.Float64() < s.cfg.ErrorRate {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": map[string]string{"message": "mock internal server error", "type": "server_error"},
		})
		return
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	s.handler.ServeHTTP(w, r)
}

// Hits returns how many requests the server received.
func (s *Server) Hits() int { return int(s.hits.Load()) }

// LastRequest returns the body, headers and URL of the latest request.
func (s *Server) LastRequest() ([]byte, http.Header, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBody, s.lastHdr, s.lastURL
}

// reply returns the generated text and its usage numbers.
func (s *Server) reply() (text string, prompt, completion int) {
	text = s.cfg.Reply
	if text == "" {
		words := make([]string, s.cfg.Words)
		for i := range words {
			words[i] = fakeWords[rand.IntN(len(fakeWords))]
		}
		text = strings.Join(words, " ") + "."
	}
	prompt = s.cfg.PromptTokens
	if prompt == 0 {
		prompt = 10
	}
	completion = s.cfg.CompletionTokens
	if completion == 0 {
		completion = len(strings.Fields(text))
	}
	return text, prompt, completion
}

// pieces splits text into stream deltas that concatenate back to text.
func pieces(text string) []string {
	words := strings.SplitAfter(text, " ")
	out := words[:0]
	for _, w := range words {
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

// sse writes SSE frames, flushing after each.
type sse struct {
	w http.ResponseWriter
	f http.Flusher
}

func startSSE(w http.ResponseWriter) *sse {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	f, _ := w.(http.Flusher)
	return &sse{w: w, f: f}
}

func (s *sse) event(name string, v any) {
	data, _ := json.Marshal(v)
	if name != "" {
		fmt.Fprintf(s.w, "event: %s\n", name)
	}
	fmt.Fprintf(s.w, "data: %s\n\n", data)
	s.flush()
}

func (s *sse) raw(line string) {
	fmt.Fprintf(s.w, "data: %s\n\n", line)
	s.flush()
}

func (s *sse) flush() {
	if s.f != nil {
		s.f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func randomID(prefix string) string {
	return fmt.Sprintf("%s%x", prefix, rand.Int64())
}
