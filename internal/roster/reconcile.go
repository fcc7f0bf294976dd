package roster

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/basket/taskforce/internal/audit"
	"github.com/basket/taskforce/internal/persistence"
	"github.com/basket/taskforce/internal/shared"
)

// ReconcileReport summarizes one reconciliation run.
type ReconcileReport struct {
	Groups         int
	Kept           []string
	Removed        []string
	TasksRewritten int
	Errors         []string
}

// Reconcile keeps one agent per template in scope. For each template with
// several agents it keeps the one with the most assignee references, then
// the most recently seen, then the oldest, then the lowest id; the others
// have their task, heartbeat and subscription references moved to the
// keeper and are deleted. Running it twice is a no-op. It is not
// transactional: failures are recorded and the run continues.
func (r *Resolver) Reconcile(ctx context.Context, scope string) (ReconcileReport, error) {
	var rep ReconcileReport
	agents, err := r.store.ListAgents(ctx, scope)
	if err != nil {
		return rep, fmt.Errorf("list agents: %w", err)
	}
	groups := map[string][]persistence.Agent{}
	var order []string
	for _, a := range agents {
		if a.TemplateID == "" {
			continue
		}
		if _, ok := groups[a.TemplateID]; !ok {
			order = append(order, a.TemplateID)
		}
		groups[a.TemplateID] = append(groups[a.TemplateID], a)
	}

	for _, templateID := range order {
		members := groups[templateID]
		if len(members) < 2 {
			continue
		}
		rep.Groups++
		refs := make(map[string]int, len(members))
		for _, a := range members {
			n, err := r.store.CountAssigneeRefs(ctx, scope, a.SessionKey)
			if err != nil {
				rep.Errors = append(rep.Errors, err.Error())
				continue
			}
			refs[a.ID] = n
		}
		sort.SliceStable(members, func(i, j int) bool {
			a, b := members[i], members[j]
			if refs[a.ID] != refs[b.ID] {
				return refs[a.ID] > refs[b.ID]
			}
			if la, lb := seen(a.LastSeenAt), seen(b.LastSeenAt); !la.Equal(lb) {
				return la.After(lb)
			}
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.ID < b.ID
		})

		keeper := members[0]
		if keeper.SessionKey == "" {
			keeper.SessionKey = SessionKeyFor(scope, keeper.ID, keeper.Slug)
			if err := r.store.SetAgentSessionKey(ctx, keeper.ID, keeper.SessionKey); err != nil {
				rep.Errors = append(rep.Errors, err.Error())
				continue
			}
		}
		rep.Kept = append(rep.Kept, keeper.ID)

		for _, loser := range members[1:] {
			if err := r.absorb(ctx, scope, keeper, loser, &rep); err != nil {
				rep.Errors = append(rep.Errors, fmt.Sprintf("agent %s: %v", loser.ID, err))
				r.logger.Warn("reconcile: could not merge agent", "scope", scope, "agent", loser.ID, "keeper", keeper.ID, "error", err)
				continue
			}
			rep.Removed = append(rep.Removed, loser.ID)
		}
	}
	if rep.Groups > 0 {
		audit.Record(ctx, audit.Entry{
			Decision: audit.Info, Action: "agent.reconcile", Actor: shared.SystemActor, Subject: scope,
			Reason: fmt.Sprintf("groups=%d removed=%d tasks_rewritten=%d", rep.Groups, len(rep.Removed), rep.TasksRewritten),
		})
		r.local.Invalidate(scope)
	}
	return rep, nil
}

func (r *Resolver) absorb(ctx context.Context, scope string, keeper, loser persistence.Agent, rep *ReconcileReport) error {
	for _, ref := range []string{loser.SessionKey, loser.ID} {
		if ref == "" {
			continue
		}
		n, err := r.store.RewriteAssignee(ctx, scope, ref, keeper.SessionKey)
		if err != nil {
			return err
		}
		rep.TasksRewritten += n
		if _, err := r.store.RewriteSubscriber(ctx, scope, ref, keeper.SessionKey); err != nil {
			return err
		}
	}
	if _, err := r.store.RewriteHeartbeatAgent(ctx, scope, loser.ID, keeper.ID); err != nil {
		return err
	}
	return r.store.DeleteAgent(ctx, loser.ID)
}

func seen(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
