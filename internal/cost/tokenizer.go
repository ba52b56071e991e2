package cost

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"github.com/nulpointcorp/gateway-core/internal/providers"
)

const (
	fallbackEncoding = "cl100k_base"
	// Per-message framing overhead in OpenAI chat formatting.
	tokensPerMessage = 3
	tokensPerReply   = 3
)

// Tokenizer estimates token counts when a provider reports none.
type Tokenizer interface {
	Count(model, text string) int
}

var loaderOnce sync.Once

// BPETokenizer counts with tiktoken encodings loaded from embedded BPE
// tables, so no network access is needed at runtime. Models without a
// known encoding use cl100k_base; if no encoding can be loaded at all it
// falls back to a four-characters-per-token heuristic.
type BPETokenizer struct {
	mu   sync.Mutex
	encs map[string]*tiktoken.Tiktoken
}

func NewBPETokenizer() *BPETokenizer {
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	return &BPETokenizer{encs: make(map[string]*tiktoken.Tiktoken)}
}

func (t *BPETokenizer) Count(model, text string) int {
	if text == "" {
		return 0
	}
	enc := t.encoding(model)
	if enc == nil {
		return HeuristicCount(text)
	}
	return len(enc.Encode(text, nil, nil))
}

func (t *BPETokenizer) encoding(model string) *tiktoken.Tiktoken {
	t.mu.Lock()
	defer t.mu.Unlock()

	if enc, ok := t.encs[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
	}
	if err != nil {
		enc = nil
	}
	t.encs[model] = enc
	return enc
}

// HeuristicCount approximates tokens as one per four characters.
func HeuristicCount(text string) int {
	n := len([]rune(text))
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// CountMessages estimates the prompt tokens of a chat transcript.
func CountMessages(t Tokenizer, model string, msgs []providers.Message) int {
	if len(msgs) == 0 {
		return 0
	}
	total := tokensPerReply
	for _, m := range msgs {
		total += tokensPerMessage
		total += t.Count(model, m.Role)
		total += t.Count(model, m.Content.String())
		if m.Name != "" {
			total += t.Count(model, m.Name)
		}
	}
	return total
}

// HeuristicTokenizer always uses HeuristicCount.
type HeuristicTokenizer struct{}

func (HeuristicTokenizer) Count(_, text string) int { return HeuristicCount(strings.TrimSpace(text)) }
