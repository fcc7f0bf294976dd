package persistence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

type KnowledgeDoc struct {
	ID        string
	ScopeID   string
	Title     string
	Content   string
	Source    string
	CreatedAt time.Time
}

// KnowledgeMatch is a document with its keyword score.
type KnowledgeMatch struct {
	KnowledgeDoc
	Score int
}

func (s *Store) AddKnowledge(ctx context.Context, d *KnowledgeDoc) error {
	if strings.TrimSpace(d.Content) == "" {
		return fmt.Errorf("add knowledge: content is required")
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO knowledge_docs (id, scope_id, title, content, source, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, d.ID, d.ScopeID, d.Title, d.Content, d.Source, d.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert knowledge: %w", err)
		}
		return nil
	})
}

// SearchKnowledge ranks the scope's documents by how many distinct query
// terms (3+ chars) appear in title or content. Ties go to the newest.
func (s *Store) SearchKnowledge(ctx context.Context, scopeID, query string, limit int) ([]KnowledgeMatch, error) {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}

	var (
		where []string
		args  = []any{scopeID}
	)
	for _, t := range terms {
		where = append(where, "lower(title) LIKE ? OR lower(content) LIKE ?")
		like := "%" + t + "%"
		args = append(args, like, like)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope_id, title, content, source, created_at FROM knowledge_docs
		WHERE scope_id = ? AND (`+strings.Join(where, " OR ")+`);
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}
	defer rows.Close()

	var out []KnowledgeMatch
	for rows.Next() {
		var (
			m  KnowledgeMatch
			at int64
		)
		if err := rows.Scan(&m.ID, &m.ScopeID, &m.Title, &m.Content, &m.Source, &at); err != nil {
			return nil, fmt.Errorf("scan knowledge: %w", err)
		}
		m.CreatedAt = time.UnixMilli(at).UTC()
		hay := strings.ToLower(m.Title + " " + m.Content)
		for _, t := range terms {
			if strings.Contains(hay, t) {
				m.Score++
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func queryTerms(q string) []string {
	fields := strings.FieldsFunc(strings.ToLower(q), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		if len([]rune(f)) < 3 || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
