package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Heartbeat is a per-agent cron schedule that wakes the agent on its open tasks.
type Heartbeat struct {
	ID        string
	ScopeID   string
	AgentID   string
	CronExpr  string
	Enabled   bool
	LastRunAt *time.Time
	NextRunAt *time.Time
	CreatedAt time.Time
}

const heartbeatColumns = `id, scope_id, agent_id, cron_expr, enabled, last_run_at, next_run_at, created_at`

func scanHeartbeat(scanFn func(dest ...any) error, h *Heartbeat) error {
	var (
		enabled    int
		last, next sql.NullInt64
		createdAt  int64
	)
	if err := scanFn(&h.ID, &h.ScopeID, &h.AgentID, &h.CronExpr, &enabled, &last, &next, &createdAt); err != nil {
		return err
	}
	h.Enabled = enabled != 0
	h.LastRunAt = fromMillis(last)
	h.NextRunAt = fromMillis(next)
	h.CreatedAt = time.UnixMilli(createdAt).UTC()
	return nil
}

func (s *Store) InsertHeartbeat(ctx context.Context, h *Heartbeat) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO heartbeats (id, scope_id, agent_id, cron_expr, enabled, next_run_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, h.ID, h.ScopeID, h.AgentID, h.CronExpr, boolToInt(h.Enabled), nullMillis(h.NextRunAt), h.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert heartbeat: %w", err)
		}
		return nil
	})
}

// ListHeartbeats returns every heartbeat; scopeID "" means all scopes.
func (s *Store) ListHeartbeats(ctx context.Context, scopeID string) ([]Heartbeat, error) {
	q := `SELECT ` + heartbeatColumns + ` FROM heartbeats`
	var args []any
	if scopeID != "" {
		q += ` WHERE scope_id = ?`
		args = append(args, scopeID)
	}
	q += ` ORDER BY created_at ASC, id ASC;`
	return s.queryHeartbeats(ctx, q, args...)
}

// DueHeartbeats returns enabled heartbeats whose next_run_at is at or before now.
func (s *Store) DueHeartbeats(ctx context.Context, now time.Time) ([]Heartbeat, error) {
	return s.queryHeartbeats(ctx, `
		SELECT `+heartbeatColumns+` FROM heartbeats
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC;
	`, now.UnixMilli())
}

func (s *Store) queryHeartbeats(ctx context.Context, q string, args ...any) ([]Heartbeat, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query heartbeats: %w", err)
	}
	defer rows.Close()
	var out []Heartbeat
	for rows.Next() {
		var h Heartbeat
		if err := scanHeartbeat(rows.Scan, &h); err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// UpdateHeartbeatRun records a run and the next scheduled time.
func (s *Store) UpdateHeartbeatRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE heartbeats SET last_run_at = ?, next_run_at = ? WHERE id = ?;`,
			lastRun.UnixMilli(), nextRun.UnixMilli(), id)
		if err != nil {
			return fmt.Errorf("update heartbeat run: %w", err)
		}
		return nil
	})
}

// SetHeartbeatNextRun sets next_run_at without touching last_run_at.
func (s *Store) SetHeartbeatNextRun(ctx context.Context, id string, nextRun time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE heartbeats SET next_run_at = ? WHERE id = ?;`, nextRun.UnixMilli(), id)
		if err != nil {
			return fmt.Errorf("set heartbeat next run: %w", err)
		}
		return nil
	})
}

// RewriteHeartbeatAgent re-points heartbeats from one agent to another.
func (s *Store) RewriteHeartbeatAgent(ctx context.Context, scopeID, fromAgentID, toAgentID string) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE heartbeats SET agent_id = ? WHERE scope_id = ? AND agent_id = ?;`,
			toAgentID, scopeID, fromAgentID)
		if err != nil {
			return fmt.Errorf("rewrite heartbeat agent: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}
