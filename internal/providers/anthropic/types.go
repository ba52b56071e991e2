package anthropic

type messagesRequest struct {
	Model       string       `json:"model"`
	Messages    []apiMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens"`
	Stream      bool         `json:"stream,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
	TopP        *float64     `json:"top_p,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// streamEvent covers every SSE event type the Messages API emits; unused
// fields stay zero for a given type.
type streamEvent struct {
	Type    string         `json:"type"`
	Message *streamMessage `json:"message,omitempty"`
	Delta   *streamDelta   `json:"delta,omitempty"`
	Usage   *apiUsage      `json:"usage,omitempty"`
	Error   *apiErrDetail  `json:"error,omitempty"`
}

type streamMessage struct {
	ID    string   `json:"id"`
	Usage apiUsage `json:"usage"`
}

type streamDelta struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	StopReason string `json:"stop_reason"`
}

type apiUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type apiErrDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
