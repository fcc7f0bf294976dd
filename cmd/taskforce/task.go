package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/basket/taskforce/internal/gateway"
	"github.com/basket/taskforce/internal/persistence"
)

const taskUsage = "usage: taskforce task <create|post|approve|unblock|clear-done|list|status> [options]"

func runTaskCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, taskUsage)
		return 2
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "create":
		return runTaskCreate(ctx, rest, stdout, stderr)
	case "post":
		return runTaskPost(ctx, rest, stdout, stderr)
	case "approve":
		return runTaskApprove(ctx, rest, stdout, stderr)
	case "unblock":
		return runTaskUnblock(ctx, rest, stdout, stderr)
	case "clear-done":
		return runTaskClearDone(ctx, rest, stdout, stderr)
	case "list":
		return runTaskList(ctx, rest, stdout, stderr)
	case "status":
		return runTaskStatus(ctx, rest, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown task subcommand %q\n%s\n", sub, taskUsage)
		return 2
	}
}

// reportAPIError prints a control API failure and returns the exit code.
func reportAPIError(stderr io.Writer, op string, err error) int {
	var apiErr *gateway.APIError
	if errors.As(err, &apiErr) {
		fmt.Fprintf(stderr, "%s: %s (%s)\n", op, apiErr.Message, apiErr.Class)
		return 1
	}
	fmt.Fprintf(stderr, "%s: %v (is `taskforce serve` running?)\n", op, err)
	return 1
}

func runTaskCreate(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("task create", flag.ContinueOnError)
	fs.SetOutput(stderr)
	title := fs.String("title", "", "task title (required)")
	desc := fs.String("desc", "", "task description")
	assign := fs.String("assign", "", "comma-separated agent names")
	priority := fs.String("priority", "", "low, medium, high or urgent")
	tags := fs.String("tags", "", "comma-separated tags")
	scope := fs.String("scope", "", "scope id (default: config default_scope)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*title) == "" {
		fmt.Fprintln(stderr, "task create: -title is required")
		return 2
	}
	cfg, client, ok := daemonClient(stderr)
	if !ok {
		return 1
	}
	view, err := client.CreateTask(ctx, gateway.CreateTaskRequest{
		Scope:       scopeOr(*scope, cfg),
		Title:       *title,
		Description: *desc,
		Assignees:   splitList(*assign),
		Priority:    *priority,
		Tags:        splitList(*tags),
		Actor:       cliActor(),
	})
	if err != nil {
		return reportAPIError(stderr, "task create", err)
	}
	fmt.Fprintf(stdout, "created %s [%s] %s\n", view.ID, view.Status, view.Title)
	if len(view.Assignees) > 0 {
		fmt.Fprintf(stdout, "assigned to %s\n", strings.Join(view.Assignees, ", "))
	}
	return 0
}

func runTaskPost(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprintln(stderr, "usage: taskforce task post <task-id> <text>")
		return 2
	}
	_, client, ok := daemonClient(stderr)
	if !ok {
		return 1
	}
	id, err := client.PostMessage(ctx, args[0], cliActor(), strings.Join(args[1:], " "))
	if err != nil {
		return reportAPIError(stderr, "task post", err)
	}
	fmt.Fprintf(stdout, "posted %s\n", id)
	return 0
}

func runTaskApprove(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "usage: taskforce task approve <task-id>")
		return 2
	}
	_, client, ok := daemonClient(stderr)
	if !ok {
		return 1
	}
	view, err := client.Approve(ctx, args[0], cliActor())
	if err != nil {
		return reportAPIError(stderr, "task approve", err)
	}
	fmt.Fprintf(stdout, "%s is now %s\n", view.ID, view.Status)
	return 0
}

func runTaskUnblock(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: taskforce task unblock <task-id> [-to status]")
		return 2
	}
	fs := flag.NewFlagSet("task unblock", flag.ContinueOnError)
	fs.SetOutput(stderr)
	to := fs.String("to", "", "target status (default in_progress)")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	_, client, ok := daemonClient(stderr)
	if !ok {
		return 1
	}
	changed, err := client.Unblock(ctx, args[0], cliActor(), *to)
	if err != nil {
		return reportAPIError(stderr, "task unblock", err)
	}
	if changed {
		fmt.Fprintf(stdout, "%s unblocked\n", args[0])
	} else {
		fmt.Fprintf(stdout, "%s was not blocked\n", args[0])
	}
	return 0
}

func runTaskClearDone(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("task clear-done", flag.ContinueOnError)
	fs.SetOutput(stderr)
	scope := fs.String("scope", "", "scope id")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, client, ok := daemonClient(stderr)
	if !ok {
		return 1
	}
	n, err := client.ClearDone(ctx, scopeOr(*scope, cfg), cliActor())
	if err != nil {
		return reportAPIError(stderr, "task clear-done", err)
	}
	fmt.Fprintf(stdout, "cleared %d done task(s)\n", n)
	return 0
}

func runTaskList(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("task list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	scope := fs.String("scope", "", "scope id")
	status := fs.String("status", "", "only tasks in this status")
	all := fs.Bool("all", false, "include cleared done tasks")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	st := persistence.TaskStatus(strings.ToLower(strings.TrimSpace(*status)))
	if st != "" && !st.Valid() {
		fmt.Fprintf(stderr, "task list: unknown status %q\n", *status)
		return 2
	}
	cfg, store, ok := openLocal(stderr)
	if !ok {
		return 1
	}
	defer store.Close()

	tasks, err := store.ListTasks(ctx, persistence.TaskFilter{ScopeID: scopeOr(*scope, cfg), Status: st, IncludeCleared: *all})
	if err != nil {
		fmt.Fprintf(stderr, "task list: %v\n", err)
		return 1
	}
	if len(tasks) == 0 {
		fmt.Fprintln(stdout, "no tasks")
		return 0
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPRIORITY\tASSIGNEES\tTITLE")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Status, t.Priority, strings.Join(t.Assignees, ","), t.Title)
	}
	_ = tw.Flush()
	return 0
}

func runTaskStatus(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "usage: taskforce task status <task-id>")
		return 2
	}
	_, store, ok := openLocal(stderr)
	if !ok {
		return 1
	}
	defer store.Close()

	task, err := store.GetTask(ctx, args[0])
	if errors.Is(err, persistence.ErrNotFound) {
		fmt.Fprintf(stderr, "task %s not found\n", args[0])
		return 1
	}
	if err != nil {
		fmt.Fprintf(stderr, "task status: %v\n", err)
		return 1
	}
	events, err := store.ListTaskEvents(ctx, task.ID)
	if err != nil {
		fmt.Fprintf(stderr, "task events: %v\n", err)
		return 1
	}
	msgs, err := store.RecentMessages(ctx, task.ID, 10)
	if err != nil {
		fmt.Fprintf(stderr, "task messages: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "%s  %s\n", task.ID, task.Title)
	fmt.Fprintf(stdout, "status:    %s\n", task.Status)
	fmt.Fprintf(stdout, "scope:     %s\n", task.ScopeID)
	if task.ParentTaskID != "" {
		fmt.Fprintf(stdout, "parent:    %s\n", task.ParentTaskID)
	}
	if len(task.Assignees) > 0 {
		fmt.Fprintf(stdout, "assignees: %s\n", strings.Join(task.Assignees, ", "))
	}
	if task.Priority != "" {
		fmt.Fprintf(stdout, "priority:  %s\n", task.Priority)
	}
	if task.Description != "" {
		fmt.Fprintf(stdout, "\n%s\n", task.Description)
	}
	fmt.Fprintln(stdout, "\nEVENTS")
	for _, ev := range events {
		line := fmt.Sprintf("  %s  %-22s", ev.CreatedAt.Local().Format("2006-01-02 15:04"), ev.EventType)
		if ev.ToStatus != "" {
			line += fmt.Sprintf(" %s -> %s", ev.FromStatus, ev.ToStatus)
		}
		if ev.Actor != "" {
			line += "  by " + ev.Actor
		}
		if ev.Reason != "" {
			line += "  (" + ev.Reason + ")"
		}
		fmt.Fprintln(stdout, line)
	}
	if len(msgs) > 0 {
		fmt.Fprintln(stdout, "\nRECENT MESSAGES")
		for _, m := range msgs {
			fmt.Fprintf(stdout, "  [%s] %s: %s\n", m.CreatedAt.Local().Format("15:04"), m.Sender, oneLine(m.Content, 160))
		}
	}
	return 0
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-3]) + "..."
	}
	return s
}
