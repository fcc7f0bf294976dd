package adapters

import (
	"context"

	"github.com/basket/taskforce/internal/persistence"
	"github.com/basket/taskforce/internal/tools"
)

// Knowledge serves search_knowledge and retrieval from the knowledge_docs table.
type Knowledge struct {
	store *persistence.Store
}

func NewKnowledge(store *persistence.Store) *Knowledge {
	return &Knowledge{store: store}
}

func (k *Knowledge) SearchKnowledge(ctx context.Context, scope, query string, limit int) ([]tools.KnowledgeHit, error) {
	matches, err := k.store.SearchKnowledge(ctx, scope, query, limit)
	if err != nil {
		return nil, err
	}
	hits := make([]tools.KnowledgeHit, 0, len(matches))
	for _, m := range matches {
		hits = append(hits, tools.KnowledgeHit{
			ID: m.ID, Title: m.Title, Content: m.Content, Source: m.Source, Score: m.Score,
		})
	}
	return hits, nil
}
