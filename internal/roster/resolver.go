// Package roster maps free-text assignee references to agents of a scope,
// provisioning agents from templates when no live agent matches.
package roster

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/taskforce/internal/audit"
	"github.com/basket/taskforce/internal/bus"
	"github.com/basket/taskforce/internal/persistence"
	"github.com/basket/taskforce/internal/shared"
)

// Provisioning sources.
const (
	SourceLocal  = "local"
	SourcePublic = "public"
)

// Resolution is the outcome of resolving a list of names.
type Resolution struct {
	// Agents holds the resolved agents in request order, without repeats.
	Agents []persistence.Agent
	// Unresolved holds the requested names (as given) that matched nothing.
	Unresolved []string
	// Provisioned holds the ids of agents created during this call.
	Provisioned []string
}

// Identities returns the session keys of the resolved agents.
func (r Resolution) Identities() []string {
	out := make([]string, 0, len(r.Agents))
	for _, a := range r.Agents {
		out = append(out, a.Identity())
	}
	return out
}

type Resolver struct {
	store   *persistence.Store
	local   *TemplateCache
	catalog *Catalog
	bus     *bus.Bus
	logger  *slog.Logger
}

func NewResolver(store *persistence.Store, local *TemplateCache, catalog *Catalog, eventBus *bus.Bus, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, local: local, catalog: catalog, bus: eventBus, logger: logger}
}

// LocalTemplateLoader reads scope templates from the store.
func LocalTemplateLoader(store *persistence.Store) TemplateLoader {
	return func(ctx context.Context, scope string) ([]persistence.AgentTemplate, error) {
		return store.ListTemplates(ctx, scope)
	}
}

// Resolve runs the cascade: slug, session-key prefix, display name; then
// provisions the leftovers from local templates and the public catalog and
// matches again.
func (r *Resolver) Resolve(ctx context.Context, scope string, names []string) (Resolution, error) {
	var res Resolution
	roster, err := r.store.ListAgents(ctx, scope)
	if err != nil {
		return res, fmt.Errorf("list agents: %w", err)
	}

	type pending struct {
		raw, norm string
	}
	matched := map[string]bool{}
	var leftovers []pending
	add := func(a persistence.Agent) {
		if !matched[a.ID] {
			matched[a.ID] = true
			res.Agents = append(res.Agents, a)
		}
	}

	for _, raw := range names {
		norm := Normalize(raw)
		if norm == "" {
			continue
		}
		if a := matchAgent(roster, raw, norm); a != nil {
			add(*a)
			continue
		}
		leftovers = append(leftovers, pending{raw: raw, norm: norm})
	}

	if len(leftovers) > 0 {
		for _, p := range leftovers {
			id, err := r.provision(ctx, scope, p.norm)
			if err != nil {
				r.logger.Warn("agent provisioning failed", "scope", scope, "name", p.raw, "error", err)
				continue
			}
			if id != "" {
				res.Provisioned = append(res.Provisioned, id)
			}
		}
		if len(res.Provisioned) > 0 {
			if roster, err = r.store.ListAgents(ctx, scope); err != nil {
				return res, fmt.Errorf("list agents: %w", err)
			}
		}
		for _, p := range leftovers {
			if a := matchAgent(roster, p.raw, p.norm); a != nil {
				add(*a)
				continue
			}
			res.Unresolved = append(res.Unresolved, p.raw)
		}
	}

	for i := range res.Agents {
		a := &res.Agents[i]
		if a.SessionKey != "" {
			continue
		}
		key := SessionKeyFor(scope, a.ID, a.Slug)
		if err := r.store.SetAgentSessionKey(ctx, a.ID, key); err != nil {
			return res, fmt.Errorf("assign session key: %w", err)
		}
		a.SessionKey = key
	}
	return res, nil
}

// matchAgent applies the three in-roster matches in order.
func matchAgent(roster []persistence.Agent, raw, norm string) *persistence.Agent {
	for i := range roster {
		if Normalize(roster[i].Slug) == norm {
			return &roster[i]
		}
	}
	rawKey := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), "@"))
	for i := range roster {
		key := strings.ToLower(roster[i].SessionKey)
		if key == "" {
			continue
		}
		if sessionKeyPrefix(key, rawKey) {
			return &roster[i]
		}
		if strings.HasPrefix(key, "agent:"+norm+":") {
			return &roster[i]
		}
	}
	for i := range roster {
		d := Normalize(roster[i].DisplayName)
		if d == norm || compact(d) == compact(norm) {
			return &roster[i]
		}
	}
	return nil
}

// sessionKeyPrefix reports whether ref names key: the whole key, a prefix
// ending at a ':' segment boundary, or a prefix of the final segment. A bare
// namespace such as "agent" or "agent:" never matches.
func sessionKeyPrefix(key, ref string) bool {
	if !strings.HasPrefix(key, ref) || !strings.Contains(strings.TrimSuffix(ref, ":"), ":") {
		return false
	}
	return len(ref) == len(key) || key[len(ref)] == ':' || strings.Count(ref, ":") >= 2
}

// provision creates an agent for norm from a scope template, else from the
// public catalog (installing the template into the scope first). It returns
// "" when no template matches.
func (r *Resolver) provision(ctx context.Context, scope, norm string) (string, error) {
	locals, err := r.local.Get(ctx, scope)
	if err != nil {
		return "", fmt.Errorf("load scope templates: %w", err)
	}
	source := SourceLocal
	tpl := matchTemplate(locals, norm)
	if tpl == nil && r.catalog != nil {
		public, err := r.catalog.Find(ctx, norm)
		if err != nil {
			return "", fmt.Errorf("search catalog: %w", err)
		}
		if public == nil {
			return "", nil
		}
		installed := *public
		installed.ID = ""
		installed.ScopeID = scope
		installed.CreatedAt = time.Time{}
		if err := r.store.UpsertTemplate(ctx, &installed); err != nil {
			return "", fmt.Errorf("install template: %w", err)
		}
		r.local.Invalidate(scope)
		tpl = &installed
		source = SourcePublic
	}
	if tpl == nil {
		return "", nil
	}

	agent := &persistence.Agent{
		ScopeID:      scope,
		TemplateID:   tpl.ID,
		Slug:         tpl.Slug,
		DisplayName:  tpl.DisplayName,
		Role:         tpl.Role,
		AllowedTools: tpl.AllowedTools,
		Capabilities: tpl.Capabilities,
	}
	if err := r.store.CreateAgent(ctx, agent); err != nil {
		return "", fmt.Errorf("create agent: %w", err)
	}
	r.logger.Info("agent provisioned", "scope", scope, "agent", agent.ID, "slug", agent.Slug, "source", source)
	audit.Record(ctx, audit.Entry{
		Decision: audit.Info, Action: "agent.provision", Actor: shared.SystemActor,
		Subject: agent.ID, Reason: fmt.Sprintf("template %s from %s catalog", tpl.Slug, source),
	})
	if r.bus != nil {
		r.bus.Publish(bus.TopicAgentProvisioned, bus.AgentProvisionedEvent{
			AgentID: agent.ID, Scope: scope, TemplateID: tpl.ID, Source: source,
		})
	}
	return agent.ID, nil
}
