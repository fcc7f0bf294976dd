package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/basket/taskforce/internal/config"
	"github.com/basket/taskforce/internal/cron"
	"github.com/basket/taskforce/internal/persistence"
	"github.com/basket/taskforce/internal/roster"
)

// seedAgents creates the configured agents missing from the default scope.
// An empty scope with no configured agents gets the starter roster.
func seedAgents(ctx context.Context, store *persistence.Store, catalog *roster.Catalog, cfg config.Config) ([]persistence.Agent, error) {
	existing, err := store.ListAgents(ctx, cfg.DefaultScope)
	if err != nil {
		return nil, err
	}
	entries := cfg.Agents
	if len(entries) == 0 && len(existing) == 0 {
		entries = config.StarterAgents()
	}
	have := make(map[string]bool, len(existing))
	for _, a := range existing {
		have[roster.Normalize(a.Slug)] = true
	}

	var created []persistence.Agent
	for _, e := range entries {
		slug := roster.Normalize(e.Slug)
		if slug == "" || have[slug] {
			continue
		}
		agent, err := agentFromEntry(ctx, catalog, cfg.DefaultScope, slug, e)
		if err != nil {
			return created, err
		}
		if err := store.CreateAgent(ctx, agent); err != nil {
			return created, fmt.Errorf("seed %s: %w", slug, err)
		}
		have[slug] = true
		created = append(created, *agent)
	}
	return created, nil
}

// agentFromEntry fills unset fields from the catalog template the entry names.
func agentFromEntry(ctx context.Context, catalog *roster.Catalog, scope, slug string, e config.AgentEntry) (*persistence.Agent, error) {
	id := uuid.NewString()
	agent := &persistence.Agent{
		ID:           id,
		ScopeID:      scope,
		Slug:         slug,
		DisplayName:  e.DisplayName,
		Role:         e.Role,
		SessionKey:   roster.SessionKeyFor(scope, id, slug),
		AllowedTools: e.AllowedTools,
		SystemPrompt: e.SystemPrompt,
		Capabilities: persistence.Capabilities{
			IsLead:             e.Lead,
			CompletionContract: e.CompletionContract,
			ToolProtocol:       e.ToolProtocol,
		},
	}
	if e.Template != "" && catalog != nil {
		tpl, err := catalog.Find(ctx, roster.Normalize(e.Template))
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", e.Template, err)
		}
		if tpl == nil {
			return nil, fmt.Errorf("agent %s: template %q not in catalog", slug, e.Template)
		}
		agent.TemplateID = tpl.ID
		if agent.DisplayName == "" {
			agent.DisplayName = tpl.DisplayName
		}
		if agent.Role == "" {
			agent.Role = tpl.Role
		}
		if agent.SystemPrompt == "" {
			agent.SystemPrompt = tpl.SystemPrompt
		}
		if agent.AllowedTools == nil {
			agent.AllowedTools = tpl.AllowedTools
		}
		if !e.Lead && !e.CompletionContract && e.ToolProtocol == "" {
			agent.Capabilities = tpl.Capabilities
		}
	}
	if agent.DisplayName == "" {
		agent.DisplayName = slug
	}
	return agent, nil
}

// registerHeartbeats adds the configured heartbeats that are not stored yet.
func registerHeartbeats(ctx context.Context, store *persistence.Store, sched *cron.Scheduler, cfg config.Config) error {
	if len(cfg.Heartbeats) == 0 {
		return nil
	}
	agents, err := store.ListAgents(ctx, cfg.DefaultScope)
	if err != nil {
		return err
	}
	bySlug := make(map[string]string, len(agents))
	for _, a := range agents {
		bySlug[roster.Normalize(a.Slug)] = a.ID
	}
	stored, err := store.ListHeartbeats(ctx, cfg.DefaultScope)
	if err != nil {
		return err
	}
	present := make(map[string]bool, len(stored))
	for _, h := range stored {
		present[h.AgentID+"|"+h.CronExpr] = true
	}
	for _, hb := range cfg.Heartbeats {
		agentID, ok := bySlug[roster.Normalize(hb.Agent)]
		if !ok {
			return fmt.Errorf("heartbeat agent %q is not in scope %s", hb.Agent, cfg.DefaultScope)
		}
		if present[agentID+"|"+hb.Cron] {
			continue
		}
		if _, err := sched.Register(ctx, cfg.DefaultScope, agentID, hb.Cron); err != nil {
			return fmt.Errorf("heartbeat %s: %w", hb.Agent, err)
		}
		present[agentID+"|"+hb.Cron] = true
	}
	return nil
}
