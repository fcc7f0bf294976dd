package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PublicScope is the scope id of the shared template catalog.
const PublicScope = ""

// AgentTemplate is a provisioning blueprint, either local to a scope or in
// the public catalog.
type AgentTemplate struct {
	ID           string
	ScopeID      string
	Slug         string
	DisplayName  string
	Role         string
	SystemPrompt string
	AllowedTools []string
	Capabilities
	CreatedAt time.Time
}

const templateColumns = `id, scope_id, slug, display_name, role, system_prompt, allowed_tools,
	is_lead, completion_contract, tool_protocol, created_at`

func scanTemplate(scanFn func(dest ...any) error, t *AgentTemplate) error {
	var (
		allowed        sql.NullString
		lead, contract int
		createdAt      int64
	)
	if err := scanFn(&t.ID, &t.ScopeID, &t.Slug, &t.DisplayName, &t.Role, &t.SystemPrompt, &allowed,
		&lead, &contract, &t.ToolProtocol, &createdAt); err != nil {
		return err
	}
	t.AllowedTools = decodeAllowList(allowed)
	t.IsLead = lead != 0
	t.CompletionContract = contract != 0
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	return nil
}

// UpsertTemplate inserts or replaces the template keyed by (scope, slug).
// The stored id is written back to t.
func (s *Store) UpsertTemplate(ctx context.Context, t *AgentTemplate) error {
	if t.Slug == "" {
		return fmt.Errorf("upsert template: slug is required")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agent_templates (id, scope_id, slug, display_name, role, system_prompt, allowed_tools,
				is_lead, completion_contract, tool_protocol, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(scope_id, slug) DO UPDATE SET
				display_name = excluded.display_name,
				role = excluded.role,
				system_prompt = excluded.system_prompt,
				allowed_tools = excluded.allowed_tools,
				is_lead = excluded.is_lead,
				completion_contract = excluded.completion_contract,
				tool_protocol = excluded.tool_protocol;
		`, t.ID, t.ScopeID, t.Slug, t.DisplayName, t.Role, t.SystemPrompt, encodeAllowList(t.AllowedTools),
			boolToInt(t.IsLead), boolToInt(t.CompletionContract), t.ToolProtocol, t.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("upsert template: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.db.QueryRowContext(ctx, `SELECT id FROM agent_templates WHERE scope_id = ? AND slug = ?;`,
		t.ScopeID, t.Slug).Scan(&t.ID)
}

// GetTemplate returns (nil, nil) when absent.
func (s *Store) GetTemplate(ctx context.Context, id string) (*AgentTemplate, error) {
	var t AgentTemplate
	err := scanTemplate(s.db.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM agent_templates WHERE id = ?;`, id).Scan, &t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	return &t, nil
}

// ListTemplates returns the templates of scope; PublicScope lists the catalog.
func (s *Store) ListTemplates(ctx context.Context, scopeID string) ([]AgentTemplate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+templateColumns+` FROM agent_templates WHERE scope_id = ? ORDER BY slug ASC;
	`, scopeID)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()
	var out []AgentTemplate
	for rows.Next() {
		var t AgentTemplate
		if err := scanTemplate(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
