package anthropic

import (
	"testing"

	"github.com/nulpointcorp/gateway-core/internal/providers"
	"github.com/tidwall/gjson"
)

func TestAdapter_Headers(t *testing.T) {
	h := New().BuildHeaders("ak-test")
	if h.Get("x-api-key") != "ak-test" {
		t.Fatalf("x-api-key = %q", h.Get("x-api-key"))
	}
	if h.Get("anthropic-version") != "2023-06-01" {
		t.Fatalf("anthropic-version = %q", h.Get("anthropic-version"))
	}
	if h.Get("Authorization") != "" {
		t.Fatal("Authorization header must not be sent")
	}
}

func TestAdapter_EndpointURL(t *testing.T) {
	got, _ := New().EndpointURL("", "claude", "k", false)
	if got != "https://api.anthropic.com/v1/messages" {
		t.Fatalf("EndpointURL = %q", got)
	}
}

func TestAdapter_BuildBody_FoldsSystem(t *testing.T) {
	req := &providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: providers.TextContent("be brief")},
			{Role: "user", Content: providers.TextContent("Hi")},
			{Role: "assistant", Content: providers.TextContent("Hello")},
		},
	}
	body, err := New().BuildBody(req, "claude-3-5-sonnet-20241022", false)
	if err != nil {
		t.Fatalf("BuildBody: %v", err)
	}

	if gjson.GetBytes(body, "system").Exists() {
		t.Fatalf("native system field must not be used: %s", body)
	}
	msgs := gjson.GetBytes(body, "messages").Array()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Get("role").String() != "user" || msgs[0].Get("content").String() != "System: be brief" {
		t.Fatalf("system not folded: %s", msgs[0].Raw)
	}
	if msgs[2].Get("role").String() != "assistant" {
		t.Fatalf("assistant role lost: %s", msgs[2].Raw)
	}
	if gjson.GetBytes(body, "max_tokens").Int() != 1024 {
		t.Fatalf("max_tokens default = %d", gjson.GetBytes(body, "max_tokens").Int())
	}
	if gjson.GetBytes(body, "temperature").Exists() {
		t.Fatal("temperature should be omitted when unset")
	}
}

func TestAdapter_BuildBody_MaxTokens(t *testing.T) {
	n := 77
	req := &providers.ChatRequest{
		MaxTokens: &n,
		Messages:  []providers.Message{{Role: "user", Content: providers.TextContent("Hi")}},
	}
	body, _ := New().BuildBody(req, "m", true)
	if gjson.GetBytes(body, "max_tokens").Int() != 77 || !gjson.GetBytes(body, "stream").Bool() {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestAdapter_ParseResponse(t *testing.T) {
	raw := []byte(`{
		"id":"msg_01","type":"message","role":"assistant","model":"claude-3-5-sonnet-20241022",
		"content":[{"type":"text","text":"Hello"},{"type":"text","text":" there"}],
		"stop_reason":"end_turn","stop_sequence":null,
		"usage":{"input_tokens":12,"output_tokens":4}
	}`)
	c, err := New().ParseResponse(raw)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if c.ID != "msg_01" || c.Content != "Hello there" || c.FinishReason != "end_turn" {
		t.Fatalf("unexpected completion: %+v", c)
	}
	if c.Usage.PromptTokens != 12 || c.Usage.CompletionTokens != 4 {
		t.Fatalf("unexpected usage: %+v", c.Usage)
	}
}

func TestAdapter_ParseStreamChunk(t *testing.T) {
	a := New()

	start, err := a.ParseStreamChunk([]byte(`{"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":25,"output_tokens":1}}}`))
	if err != nil || start == nil || start.ID != "msg_1" || start.Usage.PromptTokens != 25 {
		t.Fatalf("message_start: %+v, %v", start, err)
	}

	delta, err := a.ParseStreamChunk([]byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`))
	if err != nil || delta == nil || delta.Content != "Hi" {
		t.Fatalf("content_block_delta: %+v, %v", delta, err)
	}

	end, err := a.ParseStreamChunk([]byte(`{"type":"message_delta","delta":{"stop_reason":"max_tokens"},"usage":{"output_tokens":15}}`))
	if err != nil || end == nil || end.FinishReason != "max_tokens" || end.Usage.CompletionTokens != 15 {
		t.Fatalf("message_delta: %+v, %v", end, err)
	}

	for _, skip := range []string{`{"type":"ping"}`, `{"type":"message_stop"}`, `{"type":"content_block_start","index":0}`} {
		c, err := a.ParseStreamChunk([]byte(skip))
		if err != nil || c != nil {
			t.Fatalf("%s should be skipped: %+v, %v", skip, c, err)
		}
	}

	if _, err := a.ParseStreamChunk([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)); err == nil {
		t.Fatal("expected error event to surface")
	}
}
