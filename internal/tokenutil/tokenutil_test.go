package tokenutil

import (
	"strings"
	"testing"
)

func TestEstimate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int
	}{
		{"empty", "", 0},
		{"one word", "hello", 1},
		{"sentence", "The quick brown fox jumps over the lazy dog near the river bank", 17},
		{"code", `func main() { fmt.Println("hello") }`, 9},
		{"cjk", "你好世界欢迎光临", 6},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Estimate(tc.in); got != tc.want {
				t.Fatalf("Estimate(%q) = %d, want %d", tc.in, got, tc.want)
			}
		})
	}
}

func TestFitNewest(t *testing.T) {
	long := strings.Repeat("word ", 100) // ~133 tokens
	items := []string{long, long, "short reply", "latest question"}

	if got := FitNewest(items, 0); got != 0 {
		t.Fatalf("no budget: start = %d", got)
	}
	if got := FitNewest(items, 10000); got != 0 {
		t.Fatalf("large budget: start = %d", got)
	}
	if got := FitNewest(items, 150); got != 1 {
		t.Fatalf("budget 150: start = %d, want 1", got)
	}
	if got := FitNewest(items, 10); got != 2 {
		t.Fatalf("budget 10: start = %d, want 2", got)
	}
	if got := FitNewest([]string{long}, 1); got != 0 {
		t.Fatalf("newest item must be kept, start = %d", got)
	}
}
