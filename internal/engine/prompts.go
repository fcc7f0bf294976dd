package engine

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/basket/taskforce/internal/persistence"
	"github.com/basket/taskforce/internal/tools"
)

// Retrieval block bounds.
const (
	knowledgeHits       = 5
	knowledgeHitChars   = 600
	knowledgeBlockChars = 3000
)

func defaultPersona(agent *persistence.Agent) string {
	name := agent.DisplayName
	if name == "" {
		name = agent.Slug
	}
	role := agent.Role
	if role == "" {
		role = "specialist"
	}
	return fmt.Sprintf("You are %s, the team's %s. You work with other agents on shared tasks. Be concise and concrete.", name, role)
}

const leadContract = `## Your role: team lead
You coordinate. Delegate specialist work instead of doing it yourself:
- Break the request into concrete pieces and call delegate_task for each, naming assignees from the roster below.
- Give every delegation a clear title and a self-contained instruction.
- Do not produce the deliverable yourself when a specialist on the roster can.
- When children report back, summarize their results for the requester and include their links.`

const completionContract = `## Completion contract
Before you say the work is finished you MUST call update_task_status with status "review" (or "done" when nothing is left to check) and a one-line summary. Never claim completion without that call.`

const toolProtocolTemplate = `## Protocol
Your role produces its output through the %s tool. Call %s before replying; do not describe the result without calling it.`

const toolGrammar = `## Tools
Call a tool by writing exactly:
[TOOL: <name> ARG: {json object}]
You may call several tools in one reply. Results come back as OBSERVATION messages. Only use the tools listed here.`

// composeSystemPrompt builds the role-conditioned system prompt.
func composeSystemPrompt(tc *turnContext, available []*tools.Tool, knowledge string) string {
	var b strings.Builder
	b.WriteString(tc.persona)
	b.WriteString("\n\n")

	task := tc.task
	fmt.Fprintf(&b, "## Current task\nID: %s\nTitle: %s\nStatus: %s\nPriority: %s\n", task.ID, task.Title, task.Status, task.Priority)
	if d := strings.TrimSpace(task.Description); d != "" {
		fmt.Fprintf(&b, "Description:\n%s\n", d)
	}
	if len(task.Assignees) > 0 {
		fmt.Fprintf(&b, "Assignees: %s\n", strings.Join(task.Assignees, ", "))
	}
	fmt.Fprintf(&b, "You are %s. Reply in %s.\n\n", tc.agent.Identity(), languageName(tc.language))

	agent := tc.agent
	switch {
	case agent.IsLead:
		b.WriteString(leadContract)
		b.WriteString("\n\n")
		writeRoster(&b, tc)
		writeChildren(&b, tc.children)
	default:
		if agent.CompletionContract {
			b.WriteString(completionContract)
			b.WriteString("\n\n")
		}
		if agent.ToolProtocol != "" {
			fmt.Fprintf(&b, toolProtocolTemplate, agent.ToolProtocol, agent.ToolProtocol)
			b.WriteString("\n\n")
		}
	}

	if len(available) > 0 {
		b.WriteString(toolGrammar)
		b.WriteString("\n")
		for _, t := range available {
			fmt.Fprintf(&b, "- %s: %s\n  [TOOL: %s ARG: %s]\n", t.Name, t.Description, t.Name, t.Usage)
		}
		b.WriteString("\n")
	}

	b.WriteString(knowledge)
	return strings.TrimSpace(b.String())
}

func writeRoster(b *strings.Builder, tc *turnContext) {
	b.WriteString("## Roster\n")
	n := 0
	for i := range tc.roster {
		a := &tc.roster[i]
		if a.ID == tc.agent.ID {
			continue
		}
		n++
		fmt.Fprintf(b, "- @%s (%s): %s\n", a.Slug, a.DisplayName, a.Role)
	}
	if n == 0 {
		b.WriteString("(no other agents yet; delegating to a catalog role will add one)\n")
	}
	b.WriteString("\n")
}

func writeChildren(b *strings.Builder, children []childSummary) {
	if len(children) == 0 {
		return
	}
	b.WriteString("## Delegated work\n")
	for _, c := range children {
		fmt.Fprintf(b, "- %q [%s]", c.Task.Title, c.Task.Status)
		if len(c.Task.Assignees) > 0 {
			fmt.Fprintf(b, " by %s", strings.Join(c.Task.Assignees, ", "))
		}
		b.WriteString("\n")
		if c.Latest != "" {
			fmt.Fprintf(b, "  latest: %s\n", truncate(oneLine(c.Latest), 400))
		}
		for _, l := range c.Links {
			fmt.Fprintf(b, "  link: %s\n", l)
		}
	}
	b.WriteString("\n")
}

// knowledgeBlock renders retrieved documents. An empty result still renders
// so the model knows nothing was found.
func knowledgeBlock(header, query string, hits []tools.KnowledgeHit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n", header)
	switch {
	case query == "":
		b.WriteString("(no request to search for)\n")
		return b.String()
	case len(hits) == 0:
		fmt.Fprintf(&b, "No results for %q.\n", truncate(query, 120))
		return b.String()
	}
	if len(hits) > knowledgeHits {
		hits = hits[:knowledgeHits]
	}
	fmt.Fprintf(&b, "%d results for %q:\n", len(hits), truncate(query, 120))
	budget := knowledgeBlockChars
	for i, h := range hits {
		entry := fmt.Sprintf("%d. %s", i+1, h.Title)
		if h.Source != "" {
			entry += " (" + h.Source + ")"
		}
		entry += ": " + truncate(oneLine(h.Content), knowledgeHitChars) + "\n"
		if utf8.RuneCountInString(entry) > budget {
			break
		}
		budget -= utf8.RuneCountInString(entry)
		b.WriteString(entry)
	}
	return b.String()
}

// correctiveReminder is sent once when a mandated tool call is missing.
func correctiveReminder(agent *persistence.Agent) string {
	if agent.ToolProtocol != "" {
		return fmt.Sprintf("Reminder: you must call %s before replying. Call it now using [TOOL: %s ARG: {...}].", agent.ToolProtocol, agent.ToolProtocol)
	}
	return `Reminder: you did not call any tool. If the work is finished, call [TOOL: update_task_status ARG: {"status": "review", "summary": "..."}]; otherwise call the tool you need.`
}

// requiresToolCall reports whether the agent's first turn must contain a call.
func requiresToolCall(agent *persistence.Agent) bool {
	return !agent.IsLead && (agent.CompletionContract || agent.ToolProtocol != "")
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
