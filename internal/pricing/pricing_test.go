package pricing

import (
	"math"
	"testing"
)

func TestEstimateCost(t *testing.T) {
	tests := []struct {
		name          string
		model         string
		input, output int
		want          float64
	}{
		{"bare name", "gpt-4o", 1000, 500, 0.0075},
		{"provider prefix", "googleai/gemini-2.5-flash", 1_000_000, 1_000_000, 2.80},
		{"nested prefix", "openrouter/anthropic/claude-sonnet-4-5", 2000, 1000, 0.021},
		{"case and space", " GPT-4o-mini ", 1_000_000, 0, 0.15},
		{"unknown", "compat/llama-3", 1000, 500, 0},
		{"no tokens", "gpt-4o", 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateCost(tt.model, tt.input, tt.output)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Fatalf("EstimateCost(%q) = %f, want %f", tt.model, got, tt.want)
			}
		})
	}
}

func TestLookup(t *testing.T) {
	if _, ok := Lookup("googleai/gemini-2.5-pro"); !ok {
		t.Fatal("prefixed gemini model not found")
	}
	if _, ok := Lookup(""); ok {
		t.Fatal("empty model matched")
	}
}
