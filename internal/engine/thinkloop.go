package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/taskforce/internal/audit"
	"github.com/basket/taskforce/internal/bus"
	"github.com/basket/taskforce/internal/lifecycle"
	"github.com/basket/taskforce/internal/otel"
	"github.com/basket/taskforce/internal/persistence"
	"github.com/basket/taskforce/internal/safety"
	"github.com/basket/taskforce/internal/shared"
	"github.com/basket/taskforce/internal/telemetry"
	"github.com/basket/taskforce/internal/thinklock"
	"github.com/basket/taskforce/internal/toolcall"
	"github.com/basket/taskforce/internal/tools"
	"go.opentelemetry.io/otel/attribute"
)

// Trigger prefixes of scheduled think units.
const (
	TriggerMessage   = "message"
	TriggerTask      = "task"
	TriggerHeartbeat = "heartbeat"
)

// ReasonAdapterError is the transition reason when a tool adapter failed.
const ReasonAdapterError = "adapter_error"

// ThinkRequest names the (task, agent) pair of one pass. AgentID may be an
// agent id or a session key.
type ThinkRequest struct {
	TaskID  string
	AgentID string
	Trigger string
	Hop     int
}

type ThinkResult struct {
	// Skipped means another pass held the task lock.
	Skipped bool
	// Suppressed means the reply duplicated a recent one and was dropped.
	Suppressed    bool
	Reply         string
	MessageID     string
	Rounds        int
	ToolCalls     int
	Reminded      bool
	Delegated     bool
	StatusUpdated bool
}

// Think runs one locked reasoning pass. Tool failures become observations
// for the model; only storage and model errors are returned.
func (e *Engine) Think(ctx context.Context, req ThinkRequest) (*ThinkResult, error) {
	started := time.Now()
	reg := e.registry()
	if reg == nil || e.completer == nil {
		return nil, errors.New("engine: completer and tool registry are required")
	}
	ctx = shared.EnsureTraceID(ctx)
	ctx = shared.WithTaskID(ctx, req.TaskID)
	if req.Hop > shared.WakeHop(ctx) {
		ctx = shared.WithWakeHop(ctx, req.Hop)
	}
	logger := telemetry.WithTrace(ctx, e.logger).With("agent", req.AgentID, "trigger", req.Trigger)

	ctx, span := otel.StartSpan(ctx, e.tracer, "think",
		otel.AttrTaskID.String(req.TaskID), otel.AttrAgent.String(req.AgentID), otel.AttrTrigger.String(req.Trigger))

	token := thinklock.NewToken()
	ok, err := e.locker.Acquire(ctx, req.TaskID, req.AgentID, token, e.config.LockTTL)
	if err != nil {
		otel.EndSpan(span, err)
		e.fail(ctx, started, err)
		return nil, err
	}
	if !ok {
		otel.EndSpan(span, nil)
		e.skipped.Add(1)
		if e.config.Metrics != nil {
			e.config.Metrics.Inc(ctx, e.config.Metrics.LockContention)
		}
		e.config.Metrics.ObserveThink(ctx, started, "skipped")
		e.publish(bus.TopicThinkSkipped, bus.ThinkEvent{TaskID: req.TaskID, Agent: req.AgentID, Trigger: req.Trigger})
		logger.Info("think skipped: task locked")
		return &ThinkResult{Skipped: true}, nil
	}
	defer func() {
		if _, err := e.locker.Release(context.WithoutCancel(ctx), req.TaskID, token); err != nil {
			logger.Warn("release think lock failed", "error", err)
		}
	}()

	e.active.Add(1)
	defer e.active.Add(-1)

	res, err := e.think(ctx, req, reg, logger)
	otel.EndSpan(span, err)
	if err != nil {
		e.fail(ctx, started, err)
		logger.Error("think failed", "error", err)
		return nil, err
	}

	outcome := "replied"
	if res.Suppressed {
		outcome = "suppressed"
		e.suppressed.Add(1)
	}
	e.completed.Add(1)
	e.config.Metrics.ObserveThink(ctx, started, outcome)
	e.publish(bus.TopicThinkCompleted, bus.ThinkEvent{
		TaskID: req.TaskID, Agent: req.AgentID, Trigger: req.Trigger, Rounds: res.Rounds, Suppressed: res.Suppressed,
	})
	logger.Info("think completed", "rounds", res.Rounds, "tool_calls", res.ToolCalls,
		"suppressed", res.Suppressed, "delegated", res.Delegated, "duration_ms", time.Since(started).Milliseconds())
	return res, nil
}

func (e *Engine) fail(ctx context.Context, started time.Time, err error) {
	e.failed.Add(1)
	e.setLastError(err)
	e.config.Metrics.ObserveThink(ctx, started, "error")
}

func (e *Engine) think(ctx context.Context, req ThinkRequest, reg *tools.Registry, logger *slog.Logger) (*ThinkResult, error) {
	tc, err := e.assemble(ctx, req.TaskID, req.AgentID)
	if err != nil {
		return nil, err
	}
	agent := tc.agent
	task := tc.task
	identity := agent.Identity()
	ctx = shared.WithScope(shared.WithActor(ctx, identity), task.ScopeID)

	if err := e.store.SetAgentStatus(ctx, agent.ID, persistence.AgentStatusActive); err != nil {
		logger.Warn("mark agent active failed", "error", err)
	}
	defer func() {
		if err := e.store.SetAgentStatus(context.WithoutCancel(ctx), agent.ID, persistence.AgentStatusIdle); err != nil {
			logger.Warn("mark agent idle failed", "error", err)
		}
	}()

	ph := phrasesFor(tc.language)
	system := composeSystemPrompt(tc, reg.Available(agent.AllowedTools), e.retrieve(ctx, tc, logger))
	msgs := tc.transcript(e.config.ContextTokens, req.Trigger)
	turn := &tools.TurnState{}
	inv := tools.Invocation{
		ScopeID: task.ScopeID, TaskID: task.ID, AgentID: agent.ID, Identity: identity,
		AllowedTools: agent.AllowedTools, Turn: turn,
	}
	res := &ThinkResult{}

	text, err := e.completer.Complete(ctx, system, msgs, e.config.MaxTokens)
	if err != nil {
		return nil, fmt.Errorf("model call: %w", err)
	}
	for {
		calls := toolcall.Parse(text)
		if len(calls) == 0 {
			if res.Rounds == 0 && !res.Reminded && requiresToolCall(agent) {
				res.Reminded = true
				logger.Info("mandatory tool call missing, sending reminder")
				msgs = append(msgs,
					ChatMessage{Role: RoleAssistant, Content: text},
					ChatMessage{Role: RoleUser, Content: correctiveReminder(agent)})
				if text, err = e.completer.Complete(ctx, system, msgs, e.config.MaxTokens); err != nil {
					return nil, fmt.Errorf("model call: %w", err)
				}
				continue
			}
			break
		}
		if res.Rounds >= e.config.MaxToolRounds {
			break
		}
		res.Rounds++
		observations, err := e.runRound(ctx, reg, inv, calls, res.Rounds)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs,
			ChatMessage{Role: RoleAssistant, Content: toolcall.Format(calls)},
			ChatMessage{Role: RoleUser, Content: observations})
		if text, err = e.completer.Complete(ctx, system, msgs, e.config.MaxTokens); err != nil {
			return nil, fmt.Errorf("model call: %w", err)
		}
	}
	res.ToolCalls = turn.Calls
	res.Delegated = turn.Delegated
	res.StatusUpdated = turn.StatusUpdated

	if toolcall.Contains(text) {
		failed := ""
		if turn.LastAdapterError != nil {
			failed = turn.LastAdapterError.Tool
		}
		logger.Warn("tool syntax left after round limit", "rounds", res.Rounds)
		text = ph.couldNotComplete(failed)
	}

	reply := sanitizeReply(text)
	if redacted, findings := safety.Redact(reply); len(findings) > 0 {
		reply = redacted
		logger.Warn("secrets redacted from reply", "findings", len(findings), "kind", findings[0].Kind)
		audit.Record(ctx, audit.Entry{
			Decision: audit.Deny, Action: "reply.secret", Actor: identity, Subject: task.ID, Reason: findings[0].Kind,
		})
	}
	switch {
	case turn.Delegated:
		reply = ph.delegated
	case toolcall.Contains(reply):
		reply = ph.working
	case reply == "":
		reply = ph.ack
	}

	if turn.LastAdapterError != nil {
		e.flipToReview(ctx, task.ID, identity, logger)
	}
	if agent.IsLead && !turn.StatusUpdated && !turn.Delegated {
		e.autoAdvance(ctx, task.ID, identity, logger)
	}

	dup, err := e.dedup.IsDuplicate(ctx, task.ID, identity, reply, e.config.DedupWindow)
	if err != nil {
		return nil, err
	}
	if dup {
		if e.config.Metrics != nil {
			e.config.Metrics.Inc(ctx, e.config.Metrics.DuplicatesSuppressed)
		}
		logger.Info("duplicate reply suppressed")
		res.Suppressed = true
		if len(turn.Images) > 0 {
			e.deliver(ctx, task.ID, withImages("", turn.Images), logger)
		}
		return res, nil
	}

	msg := &persistence.Message{TaskID: task.ID, ScopeID: task.ScopeID, Sender: identity, Content: reply, Kind: persistence.MessageKindChat}
	if err := e.store.InsertMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist reply: %w", err)
	}
	res.Reply = reply
	res.MessageID = msg.ID

	if e.fanout != nil {
		if _, err := e.fanout.FanoutMessage(ctx, task, msg); err != nil {
			logger.Warn("reply fanout failed", "error", err)
		}
	}
	e.deliver(ctx, task.ID, withImages(reply, turn.Images), logger)
	return res, nil
}

// withImages appends the pass's generated images that the text does not
// already link, as markdown the channel sanitizer understands.
func withImages(text string, urls []string) string {
	var b strings.Builder
	b.WriteString(text)
	for _, u := range urls {
		if u == "" || strings.Contains(b.String(), u) {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "![](%s)", u)
	}
	return b.String()
}

// runRound executes one round of calls and persists it as a tool message.
// It returns the observation text for the model.
func (e *Engine) runRound(ctx context.Context, reg *tools.Registry, inv tools.Invocation, calls []toolcall.Call, round int) (string, error) {
	ctx, span := otel.StartSpan(ctx, e.tracer, "think.round", otel.AttrRound.Int(round))
	defer otel.EndSpan(span, nil)

	var forModel, summary strings.Builder
	for _, c := range calls {
		obs, _ := reg.Execute(ctx, inv, c.Name, c.Args)
		fmt.Fprintf(&forModel, "OBSERVATION: %s\n", obs.JSON())
		if obs.Tool == "search_knowledge" && obs.OK {
			hits, _ := obs.Result.([]tools.KnowledgeHit)
			query, _ := c.Args["query"].(string)
			forModel.WriteString(knowledgeBlock("Memory", query, hits))
		}
		fmt.Fprintf(&summary, "- %s\n", obs.Summary())
	}

	record := &persistence.Message{
		TaskID:  inv.TaskID,
		ScopeID: inv.ScopeID,
		Sender:  inv.Identity,
		Content: toolcall.Format(calls) + "\n" + summary.String(),
		Kind:    persistence.MessageKindTool,
	}
	if err := e.store.InsertMessage(ctx, record); err != nil {
		return "", fmt.Errorf("persist tool round: %w", err)
	}
	span.SetAttributes(attribute.Int("taskforce.think.calls", len(calls)))
	return forModel.String(), nil
}

// retrieve queries knowledge with the latest human message. The block is
// always returned, even without a query or results.
func (e *Engine) retrieve(ctx context.Context, tc *turnContext, logger *slog.Logger) string {
	var query string
	if m := tc.latestHumanMessage(); m != nil {
		query = truncate(strings.TrimSpace(m.Content), 500)
	}
	var hits []tools.KnowledgeHit
	if query != "" && e.knowledge != nil {
		var err error
		hits, err = e.knowledge.SearchKnowledge(ctx, tc.task.ScopeID, query, knowledgeHits)
		if err != nil {
			logger.Warn("knowledge retrieval failed", "error", err)
			hits = nil
		}
	}
	return knowledgeBlock("Relevant knowledge", query, hits)
}

func (e *Engine) flipToReview(ctx context.Context, taskID, actor string, logger *slog.Logger) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		logger.Warn("reload task failed", "error", err)
		return
	}
	if task.Status == persistence.TaskStatusReview || task.Status == persistence.TaskStatusDone {
		return
	}
	if _, err := e.lifecycle.SetStatus(ctx, taskID, persistence.TaskStatusReview, lifecycle.Change{
		Actor: actor, Reason: ReasonAdapterError,
	}); err != nil {
		logger.Warn("adapter error review transition failed", "error", err)
	}
}

// autoAdvance closes a lead's task when a child delivered, else parks it in
// review.
func (e *Engine) autoAdvance(ctx context.Context, taskID, actor string, logger *slog.Logger) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		logger.Warn("reload task failed", "error", err)
		return
	}
	if task.Status == persistence.TaskStatusDone {
		return
	}
	children, err := e.store.ListChildTasks(ctx, taskID)
	if err != nil {
		logger.Warn("load children failed", "error", err)
		return
	}
	to, change := persistence.TaskStatusReview, lifecycle.Change{Actor: actor, Reason: "lead_reply"}
	for _, c := range children {
		if c.Status == persistence.TaskStatusDone {
			to = persistence.TaskStatusDone
			change = lifecycle.Change{Actor: actor, Reason: lifecycle.ReasonLeadAutoClose, SystemReason: lifecycle.ReasonLeadAutoClose}
			break
		}
	}
	if _, err := e.lifecycle.SetStatus(ctx, taskID, to, change); err != nil {
		logger.Warn("lead auto-advance failed", "to", to, "error", err)
	}
}

// deliver sends the reply to the chat linked to the task, if any.
func (e *Engine) deliver(ctx context.Context, taskID, text string, logger *slog.Logger) {
	name, ref, err := e.store.ChatRefForTask(ctx, taskID)
	if err != nil {
		logger.Warn("chat ref lookup failed", "error", err)
		return
	}
	if name == "" {
		return
	}
	ch := e.channel(name)
	if ch == nil {
		logger.Warn("no channel registered for chat ref", "channel", name)
		return
	}
	if err := ch.Send(ctx, ref, text); err != nil {
		logger.Warn("channel delivery failed", "channel", name, "error", err)
	}
}
