// Package cost records token usage, cost, and duration per tool invocation,
// detects spend anomalies, and computes per-tenant / per-operation /
// per-provider attribution for budget reporting.
package cost

import "fmt"

// Price is the per-token price of one provider/model pair.
type Price struct {
	PromptPerToken     float64
	CompletionPerToken float64
}

// expensiveCompletionPerToken marks a model as a downgrade candidate when
// its completion price reaches this line.
const expensiveCompletionPerToken = 0.00003

// PriceBook is a static pricing table keyed by "provider/model". The
// provider-capability catalogue owns the authoritative table; these seed
// entries cover the common pairs and tests.
type PriceBook map[string]Price

// DefaultPriceBook returns the built-in seed table.
func DefaultPriceBook() PriceBook {
	return PriceBook{
		"openai/gpt-4o":             {PromptPerToken: 0.0000025, CompletionPerToken: 0.00001},
		"openai/gpt-4o-mini":        {PromptPerToken: 0.00000015, CompletionPerToken: 0.0000006},
		"anthropic/claude-sonnet-4": {PromptPerToken: 0.000003, CompletionPerToken: 0.000015},
		"anthropic/claude-opus-4":   {PromptPerToken: 0.000015, CompletionPerToken: 0.000075},
		"google/gemini-2.5-pro":     {PromptPerToken: 0.00000125, CompletionPerToken: 0.00001},
	}
}

// Key builds the book key for a provider/model pair.
func Key(provider, model string) string {
	return fmt.Sprintf("%s/%s", provider, model)
}

// Cost computes the cost of one invocation. Unknown pairs cost zero.
func (b PriceBook) Cost(provider, model string, usage Usage) float64 {
	price, ok := b[Key(provider, model)]
	if !ok {
		return 0
	}
	return float64(usage.PromptTokens)*price.PromptPerToken +
		float64(usage.CompletionTokens)*price.CompletionPerToken
}

// Expensive reports whether the pair is a model-downgrade candidate.
func (b PriceBook) Expensive(provider, model string) bool {
	price, ok := b[Key(provider, model)]
	return ok && price.CompletionPerToken >= expensiveCompletionPerToken
}
