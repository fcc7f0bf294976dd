package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/basket/taskforce/internal/persistence"
	"github.com/basket/taskforce/internal/tokenutil"
	"golang.org/x/sync/errgroup"
)

// ErrUnknownAgent is returned when a think unit names no agent of the scope.
var ErrUnknownAgent = errors.New("unknown agent")

const (
	childMessageWindow = 20
	maxChildLinks      = 5
)

var linkRe = regexp.MustCompile(`https?://[^\s)\]>"'<]+`)

// childSummary is the progress view of one delegated child task.
type childSummary struct {
	Task   persistence.Task
	Latest string
	Links  []string
}

// turnContext is everything one think pass reads before calling the model.
type turnContext struct {
	task     *persistence.Task
	agent    *persistence.Agent
	language string
	persona  string
	history  []persistence.Message
	roster   []persistence.Agent
	children []childSummary
}

// assemble loads the task first, then the rest in parallel. Lead agents
// also get a progress summary of their child tasks.
func (e *Engine) assemble(ctx context.Context, taskID, agentRef string) (*turnContext, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	tc := &turnContext{task: task, language: "en"}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ws, err := e.store.GetWorkspace(gctx, task.ScopeID)
		if err != nil {
			return err
		}
		if ws != nil && ws.Language != "" {
			tc.language = ws.Language
		}
		return nil
	})
	g.Go(func() error {
		agent, err := e.lookupAgent(gctx, task.ScopeID, agentRef)
		if err != nil {
			return err
		}
		tc.agent = agent
		tc.persona, err = e.persona(gctx, agent)
		return err
	})
	g.Go(func() error {
		msgs, err := e.store.RecentMessages(gctx, task.ID, e.config.HistoryLimit)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		tc.history = msgs
		return nil
	})
	g.Go(func() error {
		agents, err := e.store.ListAgents(gctx, task.ScopeID)
		if err != nil {
			return fmt.Errorf("load roster: %w", err)
		}
		tc.roster = agents
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if tc.agent.IsLead {
		children, err := e.childProgress(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		tc.children = children
	}
	return tc, nil
}

// lookupAgent accepts an agent id or a session key.
func (e *Engine) lookupAgent(ctx context.Context, scope, ref string) (*persistence.Agent, error) {
	agent, err := e.store.GetAgent(ctx, ref)
	if err != nil {
		return nil, err
	}
	if agent == nil || agent.ScopeID != scope {
		agent, err = e.store.GetAgentBySession(ctx, scope, ref)
		if err != nil {
			return nil, err
		}
	}
	if agent == nil {
		return nil, fmt.Errorf("%s in scope %s: %w", ref, scope, ErrUnknownAgent)
	}
	return agent, nil
}

// persona is the custom prompt, else the template prompt, else the default.
func (e *Engine) persona(ctx context.Context, agent *persistence.Agent) (string, error) {
	if p := strings.TrimSpace(agent.SystemPrompt); p != "" {
		return p, nil
	}
	if agent.TemplateID != "" {
		tmpl, err := e.store.GetTemplate(ctx, agent.TemplateID)
		if err != nil {
			return "", err
		}
		if tmpl != nil && strings.TrimSpace(tmpl.SystemPrompt) != "" {
			return strings.TrimSpace(tmpl.SystemPrompt), nil
		}
	}
	return defaultPersona(agent), nil
}

func (e *Engine) childProgress(ctx context.Context, parentID string) ([]childSummary, error) {
	children, err := e.store.ListChildTasks(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("load children: %w", err)
	}
	out := make([]childSummary, len(children))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := range children {
		g.Go(func() error {
			msgs, err := e.store.RecentMessages(gctx, children[i].ID, childMessageWindow)
			if err != nil {
				return fmt.Errorf("load child %s messages: %w", children[i].ID, err)
			}
			out[i] = summarizeChild(children[i], msgs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func summarizeChild(task persistence.Task, msgs []persistence.Message) childSummary {
	s := childSummary{Task: task}
	seen := map[string]bool{}
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Kind == persistence.MessageKindTool {
			continue
		}
		if s.Latest == "" {
			s.Latest = m.Content
		}
		for _, link := range linkRe.FindAllString(m.Content, -1) {
			link = strings.TrimRight(link, ".,;:!?")
			if !seen[link] && len(s.Links) < maxChildLinks {
				seen[link] = true
				s.Links = append(s.Links, link)
			}
		}
	}
	return s
}

// isAgent reports whether sender is an agent identity of the roster.
func (tc *turnContext) isAgent(sender string) bool {
	for i := range tc.roster {
		a := &tc.roster[i]
		if sender == a.ID || (a.SessionKey != "" && sender == a.SessionKey) {
			return true
		}
	}
	return false
}

// latestHumanMessage is the newest chat message not written by an agent.
func (tc *turnContext) latestHumanMessage() *persistence.Message {
	for i := len(tc.history) - 1; i >= 0; i-- {
		m := &tc.history[i]
		if m.Kind == persistence.MessageKindChat && !tc.isAgent(m.Sender) {
			return m
		}
	}
	return nil
}

// transcript maps the message window onto model roles. Own messages are
// assistant turns, everything else is a user turn prefixed with its sender.
// Adjacent turns of the same role are merged and the oldest turns are
// dropped to fit budget tokens.
func (tc *turnContext) transcript(budget int, trigger string) []ChatMessage {
	self := tc.agent.Identity()
	var out []ChatMessage
	for _, m := range tc.history {
		role, content := RoleUser, m.Sender+": "+m.Content
		switch {
		case m.Sender == self || m.Sender == tc.agent.ID:
			role, content = RoleAssistant, m.Content
		case m.Kind == persistence.MessageKindSystem:
			content = "[system notice] " + m.Content
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content += "\n\n" + content
			continue
		}
		out = append(out, ChatMessage{Role: role, Content: content})
	}

	texts := make([]string, len(out))
	for i, m := range out {
		texts[i] = m.Content
	}
	out = out[tokenutil.FitNewest(texts, budget):]

	if len(out) == 0 || out[len(out)-1].Role != RoleUser {
		out = append(out, ChatMessage{Role: RoleUser, Content: wakeNote(trigger)})
	}
	return out
}

func wakeNote(trigger string) string {
	switch {
	case strings.HasPrefix(trigger, "delegation:"):
		return "A delegated child task changed status (" + strings.TrimPrefix(trigger, "delegation:") + "). Review its progress and continue."
	case trigger == TriggerHeartbeat:
		return "Scheduled check-in. Continue the task if anything is outstanding."
	case trigger == "":
		return "Continue working on the task."
	}
	return "Wake reason: " + trigger + ". Continue working on the task."
}
