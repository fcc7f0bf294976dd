// Package pricing estimates the USD cost of model calls from token usage.
package pricing

import "strings"

// ModelPricing holds per-million-token costs in USD.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// Published list prices. Models missing here cost 0 in estimates.
var knownModels = map[string]ModelPricing{
	"gemini-2.5-flash":      {0.30, 2.50},
	"gemini-2.5-flash-lite": {0.10, 0.40},
	"gemini-2.5-pro":        {1.25, 10.00},
	"claude-sonnet-4-5":     {3.00, 15.00},
	"claude-haiku-4-5":      {1.00, 5.00},
	"gpt-4o":                {2.50, 10.00},
	"gpt-4o-mini":           {0.15, 0.60},
}

// Lookup returns the pricing of a model. Provider prefixes such as
// "googleai/" or "openrouter/anthropic/" are ignored.
func Lookup(model string) (ModelPricing, bool) {
	name := strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	p, ok := knownModels[name]
	return p, ok
}

// EstimateCost returns the estimated USD cost of one call, 0 for unknown models.
func EstimateCost(model string, inputTokens, outputTokens int) float64 {
	p, ok := Lookup(model)
	if !ok {
		return 0
	}
	return float64(inputTokens)/1_000_000*p.InputPer1M +
		float64(outputTokens)/1_000_000*p.OutputPer1M
}
