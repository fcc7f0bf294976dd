package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusActive  AgentStatus = "active"
	AgentStatusBlocked AgentStatus = "blocked"
)

// Capabilities are the role attributes that change prompt composition and
// post-turn behavior.
type Capabilities struct {
	IsLead             bool
	CompletionContract bool
	// ToolProtocol names a tool the role must call before replying.
	ToolProtocol string
}

type Agent struct {
	ID           string
	ScopeID      string
	TemplateID   string
	Slug         string
	DisplayName  string
	Role         string
	SessionKey   string
	Status       AgentStatus
	AllowedTools []string // nil = unrestricted
	SystemPrompt string
	Capabilities
	LastSeenAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Identity is the session key, or the id when no key has been assigned.
func (a *Agent) Identity() string {
	if a.SessionKey != "" {
		return a.SessionKey
	}
	return a.ID
}

const agentColumns = `id, scope_id, template_id, slug, display_name, role, session_key, status,
	allowed_tools, system_prompt, is_lead, completion_contract, tool_protocol,
	last_seen_at, created_at, updated_at`

func scanAgent(scanFn func(dest ...any) error, a *Agent) error {
	var (
		templateID, allowed  sql.NullString
		status               string
		lead, contract       int
		lastSeen             sql.NullInt64
		createdAt, updatedAt int64
	)
	if err := scanFn(&a.ID, &a.ScopeID, &templateID, &a.Slug, &a.DisplayName, &a.Role, &a.SessionKey, &status,
		&allowed, &a.SystemPrompt, &lead, &contract, &a.ToolProtocol,
		&lastSeen, &createdAt, &updatedAt); err != nil {
		return err
	}
	a.TemplateID = templateID.String
	a.Status = AgentStatus(status)
	a.AllowedTools = decodeAllowList(allowed)
	a.IsLead = lead != 0
	a.CompletionContract = contract != 0
	a.LastSeenAt = fromMillis(lastSeen)
	a.CreatedAt = time.UnixMilli(createdAt).UTC()
	a.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return nil
}

// encodeAllowList keeps the nil/empty distinction: NULL is unrestricted,
// "[]" allows nothing.
func encodeAllowList(v []string) any {
	if v == nil {
		return nil
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeAllowList(v sql.NullString) []string {
	if !v.Valid {
		return nil
	}
	out := []string{}
	_ = json.Unmarshal([]byte(v.String), &out)
	return out
}

func (s *Store) CreateAgent(ctx context.Context, a *Agent) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = AgentStatusIdle
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	var templateID any
	if a.TemplateID != "" {
		templateID = a.TemplateID
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (id, scope_id, template_id, slug, display_name, role, session_key, status,
				allowed_tools, system_prompt, is_lead, completion_contract, tool_protocol,
				last_seen_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, a.ID, a.ScopeID, templateID, a.Slug, a.DisplayName, a.Role, a.SessionKey, string(a.Status),
			encodeAllowList(a.AllowedTools), a.SystemPrompt, boolToInt(a.IsLead), boolToInt(a.CompletionContract),
			a.ToolProtocol, nullMillis(a.LastSeenAt), a.CreatedAt.UnixMilli(), a.UpdatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert agent: %w", err)
		}
		return nil
	})
}

// GetAgent returns (nil, nil) when the agent does not exist.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	return s.queryAgent(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?;`, id)
}

// GetAgentBySession returns (nil, nil) when no agent holds sessionKey in scope.
func (s *Store) GetAgentBySession(ctx context.Context, scopeID, sessionKey string) (*Agent, error) {
	return s.queryAgent(ctx, `SELECT `+agentColumns+` FROM agents WHERE scope_id = ? AND session_key = ?;`, scopeID, sessionKey)
}

// LeadAgent returns the oldest lead agent of scope, or nil.
func (s *Store) LeadAgent(ctx context.Context, scopeID string) (*Agent, error) {
	return s.queryAgent(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE scope_id = ? AND is_lead = 1
		ORDER BY created_at ASC, id ASC LIMIT 1;
	`, scopeID)
}

func (s *Store) queryAgent(ctx context.Context, q string, args ...any) (*Agent, error) {
	var a Agent
	if err := scanAgent(s.db.QueryRowContext(ctx, q, args...).Scan, &a); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &a, nil
}

// ListAgents returns every agent of scope, oldest first.
func (s *Store) ListAgents(ctx context.Context, scopeID string) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE scope_id = ? ORDER BY created_at ASC, id ASC;
	`, scopeID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var out []Agent
	for rows.Next() {
		var a Agent
		if err := scanAgent(rows.Scan, &a); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) SetAgentSessionKey(ctx context.Context, agentID, sessionKey string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE agents SET session_key = ?, updated_at = ? WHERE id = ?;`,
			sessionKey, time.Now().UnixMilli(), agentID)
		if err != nil {
			return fmt.Errorf("set agent session key: %w", err)
		}
		return nil
	})
}

// SetAgentStatus updates status and touches last_seen_at.
func (s *Store) SetAgentStatus(ctx context.Context, agentID string, status AgentStatus) error {
	now := time.Now().UnixMilli()
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE agents SET status = ?, last_seen_at = ?, updated_at = ? WHERE id = ?;
		`, string(status), now, now, agentID)
		if err != nil {
			return fmt.Errorf("set agent status: %w", err)
		}
		return nil
	})
}

func (s *Store) DeleteAgent(ctx context.Context, agentID string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?;`, agentID); err != nil {
			return fmt.Errorf("delete agent: %w", err)
		}
		return nil
	})
}
