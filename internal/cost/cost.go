// Package cost prices a completed request from catalog pricing and token
// counts. When the provider reports no usage, counts are estimated locally
// from the prompt and completion text and the result is flagged as an
// estimate. Prices in the catalog are USD per token.
package cost

import (
	"github.com/nulpointcorp/gateway-core/internal/catalog"
	"github.com/nulpointcorp/gateway-core/internal/providers"
)

// Input describes what is known about a finished request.
type Input struct {
	// Mapping holds pricing; nil means pricing is undefined (custom routes).
	Mapping *catalog.ProviderMapping
	// Model selects the tokenizer encoding.
	Model string

	// Provider-reported counts; nil when not reported.
	PromptTokens     *int
	CompletionTokens *int

	// Fallback text for estimation.
	Messages       []providers.Message
	CompletionText string
}

// Result is the priced outcome. Nil fields are unknown.
type Result struct {
	PromptTokens     *int
	CompletionTokens *int
	TotalTokens      *int

	InputCost   *float64
	OutputCost  *float64
	RequestCost *float64
	TotalCost   *float64

	Estimated bool
}

// Calculator is safe for concurrent use.
type Calculator struct {
	tok Tokenizer
}

func NewCalculator(tok Tokenizer) *Calculator {
	if tok == nil {
		tok = HeuristicTokenizer{}
	}
	return &Calculator{tok: tok}
}

// Calculate prices in.
func (c *Calculator) Calculate(in Input) Result {
	var res Result

	prompt, completion := in.PromptTokens, in.CompletionTokens
	if prompt == nil && len(in.Messages) > 0 {
		n := CountMessages(c.tok, in.Model, in.Messages)
		prompt = &n
		res.Estimated = true
	}
	if completion == nil && prompt != nil {
		// Once the prompt side is known an empty completion counts as zero.
		n := c.tok.Count(in.Model, in.CompletionText)
		completion = &n
		res.Estimated = true
	}
	if prompt == nil || completion == nil {
		return Result{}
	}

	total := *prompt + *completion
	res.PromptTokens, res.CompletionTokens, res.TotalTokens = prompt, completion, &total

	if in.Mapping == nil || !in.Mapping.HasPricing() {
		res.Estimated = false
		return res
	}

	m := in.Mapping
	inputCost := float64(*prompt) * *m.InputPrice
	if m.ImageInputPrice != nil {
		inputCost += float64(countImages(in.Messages)) * *m.ImageInputPrice
	}
	outputCost := float64(*completion) * *m.OutputPrice
	totalCost := inputCost + outputCost
	res.InputCost, res.OutputCost = &inputCost, &outputCost

	if m.RequestPrice != nil {
		reqCost := *m.RequestPrice
		res.RequestCost = &reqCost
		totalCost += reqCost
	}
	res.TotalCost = &totalCost
	return res
}

// Cached prices a response served from cache: token counts are carried
// over, provider cost is zero and never an estimate. Cost stays nil when
// pricing is undefined.
func (c *Calculator) Cached(mapping *catalog.ProviderMapping, prompt, completion *int) Result {
	res := Result{PromptTokens: prompt, CompletionTokens: completion}
	if prompt != nil && completion != nil {
		total := *prompt + *completion
		res.TotalTokens = &total
	}
	if mapping == nil || !mapping.HasPricing() {
		return res
	}
	zero := 0.0
	in, out, tot := zero, zero, zero
	res.InputCost, res.OutputCost, res.TotalCost = &in, &out, &tot
	return res
}

func countImages(msgs []providers.Message) int {
	n := 0
	for _, m := range msgs {
		for _, p := range m.Content.Parts {
			if p.Type == "image_url" || p.ImageURL != nil {
				n++
			}
		}
	}
	return n
}
