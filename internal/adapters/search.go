// Package adapters holds the concrete external collaborators handed to the
// tool engine: web search providers and the knowledge store bridge.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basket/taskforce/internal/tools"
)

// SearchProvider is one web search backend.
type SearchProvider interface {
	Name() string
	// Available reports provider readiness (e.g. an API key is present).
	Available() bool
	Search(ctx context.Context, query string, limit int) ([]tools.SearchResult, error)
}

// ErrNoSearchProvider is returned when no provider is available.
var ErrNoSearchProvider = errors.New("no search provider available")

// SearchChain tries providers in order; the first success wins.
type SearchChain struct {
	providers []SearchProvider
	logger    *slog.Logger
}

// NewSearchChain orders providers by preference. When preferred names one of
// them it is moved to the front.
func NewSearchChain(preferred string, logger *slog.Logger, providers ...SearchProvider) *SearchChain {
	if logger == nil {
		logger = slog.Default()
	}
	ordered := make([]SearchProvider, 0, len(providers))
	for _, p := range providers {
		if p != nil && p.Name() == preferred {
			ordered = append(ordered, p)
		}
	}
	for _, p := range providers {
		if p != nil && p.Name() != preferred {
			ordered = append(ordered, p)
		}
	}
	return &SearchChain{providers: ordered, logger: logger}
}

// Providers returns the providers in the order they are tried.
func (c *SearchChain) Providers() []SearchProvider { return c.providers }

func (c *SearchChain) Search(ctx context.Context, query string, limit int) ([]tools.SearchResult, error) {
	var lastErr error
	for _, p := range c.providers {
		if !p.Available() {
			continue
		}
		results, err := p.Search(ctx, query, limit)
		if err != nil {
			c.logger.Warn("search provider failed, trying next", "provider", p.Name(), "error", err)
			lastErr = err
			continue
		}
		if results == nil {
			results = []tools.SearchResult{}
		}
		return results, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("all search providers failed: %w", lastErr)
	}
	return nil, ErrNoSearchProvider
}
