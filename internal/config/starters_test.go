package config_test

import (
	"testing"

	"github.com/basket/taskforce/internal/config"
)

func TestStarterAgents(t *testing.T) {
	agents := config.StarterAgents()
	if len(agents) == 0 {
		t.Fatal("no starter agents")
	}
	leads := 0
	seen := map[string]bool{}
	for _, a := range agents {
		if a.Slug == "" || a.SystemPrompt == "" {
			t.Fatalf("incomplete starter %+v", a)
		}
		if seen[a.Slug] {
			t.Fatalf("duplicate slug %q", a.Slug)
		}
		seen[a.Slug] = true
		if a.Lead {
			leads++
			continue
		}
		if !a.CompletionContract {
			t.Errorf("specialist %q has no completion contract", a.Slug)
		}
	}
	if leads != 1 {
		t.Fatalf("leads = %d, want 1", leads)
	}
}
