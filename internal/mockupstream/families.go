package mockupstream

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// OpenAI simulates POST .../chat/completions for OpenAI and every
// OpenAI-compatible provider. Streams end with a usage-only chunk when the
// request sets stream_options.include_usage.
func OpenAI(cfg Config) *Server {
	s := newServer(cfg)
	s.handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": map[string]string{"message": "mock: unknown path " + r.URL.Path, "type": "not_found"},
			})
			return
		}

		var req struct {
			Model         string `json:"model"`
			Stream        bool   `json:"stream"`
			StreamOptions *struct {
				IncludeUsage bool `json:"include_usage"`
			} `json:"stream_options"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error": map[string]string{"message": "invalid request body", "type": "invalid_request"},
			})
			return
		}

		id := randomID("chatcmpl-mock")
		text, in, out := s.reply()
		usage := map[string]int{"prompt_tokens": in, "completion_tokens": out, "total_tokens": in + out}

		if req.Stream {
			st := startSSE(w)
			chunk := func(delta map[string]string, finish any) map[string]any {
				return map[string]any{
					"id": id, "object": "chat.completion.chunk", "created": time.Now().Unix(), "model": req.Model,
					"choices": []map[string]any{{"index": 0, "delta": delta, "finish_reason": finish}},
				}
			}
			st.event("", chunk(map[string]string{"role": "assistant"}, nil))
			for _, p := range pieces(text) {
				st.event("", chunk(map[string]string{"content": p}, nil))
			}
			st.event("", chunk(map[string]string{}, "stop"))
			if req.StreamOptions != nil && req.StreamOptions.IncludeUsage && !s.cfg.OmitUsage {
				st.event("", map[string]any{
					"id": id, "object": "chat.completion.chunk", "created": time.Now().Unix(), "model": req.Model,
					"choices": []any{}, "usage": usage,
				})
			}
			st.raw("[DONE]")
			return
		}

		resp := map[string]any{
			"id": id, "object": "chat.completion", "created": time.Now().Unix(), "model": req.Model,
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": text},
				"finish_reason": "stop",
			}},
		}
		if !s.cfg.OmitUsage {
			resp["usage"] = usage
		}
		writeJSON(w, http.StatusOK, resp)
	})
	return s
}

// Anthropic simulates POST .../messages. It rejects requests missing the
// x-api-key or anthropic-version headers the real API requires.
func Anthropic(cfg Config) *Server {
	s := newServer(cfg)
	s.handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/messages") {
			writeAnthropicError(w, http.StatusNotFound, "mock: unknown path "+r.URL.Path, "not_found_error")
			return
		}
		if r.Header.Get("x-api-key") == "" || r.Header.Get("anthropic-version") == "" {
			writeAnthropicError(w, http.StatusUnauthorized, "missing x-api-key or anthropic-version", "authentication_error")
			return
		}

		var req struct {
			Model     string `json:"model"`
			MaxTokens int    `json:"max_tokens"`
			Stream    bool   `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MaxTokens <= 0 {
			writeAnthropicError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
			return
		}

		id := randomID("msg_")
		text, in, out := s.reply()

		if req.Stream {
			st := startSSE(w)
			st.event("message_start", map[string]any{
				"type": "message_start",
				"message": map[string]any{
					"id": id, "type": "message", "role": "assistant", "model": req.Model,
					"content": []any{}, "stop_reason": nil, "stop_sequence": nil,
					"usage": map[string]int{"input_tokens": in, "output_tokens": 0},
				},
			})
			st.event("content_block_start", map[string]any{
				"type": "content_block_start", "index": 0,
				"content_block": map[string]string{"type": "text", "text": ""},
			})
			st.event("ping", map[string]string{"type": "ping"})
			for _, p := range pieces(text) {
				st.event("content_block_delta", map[string]any{
					"type": "content_block_delta", "index": 0,
					"delta": map[string]string{"type": "text_delta", "text": p},
				})
			}
			st.event("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0})
			st.event("message_delta", map[string]any{
				"type":  "message_delta",
				"delta": map[string]any{"stop_reason": "end_turn", "stop_sequence": nil},
				"usage": map[string]int{"output_tokens": out},
			})
			st.event("message_stop", map[string]string{"type": "message_stop"})
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id": id, "type": "message", "role": "assistant", "model": req.Model,
			"stop_reason": "end_turn", "stop_sequence": nil,
			"content": []map[string]string{{"type": "text", "text": text}},
			"usage":   map[string]int{"input_tokens": in, "output_tokens": out},
		})
	})
	return s
}

func writeAnthropicError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, map[string]any{
		"type":  "error",
		"error": map[string]string{"type": typ, "message": msg},
	})
}

// Google simulates .../models/{model}:generateContent and
// :streamGenerateContent?alt=sse for AI Studio and Vertex express mode. The
// API key must arrive in the key query parameter.
func Google(cfg Config) *Server {
	s := newServer(cfg)
	s.handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		stream := strings.HasSuffix(path, ":streamGenerateContent")
		if !stream && !strings.HasSuffix(path, ":generateContent") {
			writeGoogleError(w, http.StatusNotFound, "mock: unknown path "+path)
			return
		}
		if r.URL.Query().Get("key") == "" {
			writeGoogleError(w, http.StatusForbidden, "missing key query parameter")
			return
		}
		if stream && r.URL.Query().Get("alt") != "sse" {
			writeGoogleError(w, http.StatusBadRequest, "mock only streams with alt=sse")
			return
		}

		var req struct {
			Contents []json.RawMessage `json:"contents"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Contents) == 0 {
			writeGoogleError(w, http.StatusBadRequest, "contents is required")
			return
		}

		id := randomID("gemini-")
		text, in, out := s.reply()
		usage := map[string]int{"promptTokenCount": in, "candidatesTokenCount": out, "totalTokenCount": in + out}
		candidate := func(text string, finish string) map[string]any {
			c := map[string]any{
				"content": map[string]any{"role": "model", "parts": []map[string]string{{"text": text}}},
				"index":   0,
			}
			if finish != "" {
				c["finishReason"] = finish
			}
			return c
		}

		if stream {
			st := startSSE(w)
			parts := pieces(text)
			for i, p := range parts {
				finish := ""
				if i == len(parts)-1 {
					finish = "STOP"
				}
				ev := map[string]any{"responseId": id, "candidates": []any{candidate(p, finish)}}
				if finish != "" && !s.cfg.OmitUsage {
					ev["usageMetadata"] = usage
				}
				st.event("", ev)
			}
			return
		}

		resp := map[string]any{"responseId": id, "candidates": []any{candidate(text, "STOP")}}
		if !s.cfg.OmitUsage {
			resp["usageMetadata"] = usage
		}
		writeJSON(w, http.StatusOK, resp)
	})
	return s
}

func writeGoogleError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"code": status, "message": msg, "status": http.StatusText(status)},
	})
}
