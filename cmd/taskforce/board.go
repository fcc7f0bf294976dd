package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/taskforce/internal/persistence"
)

const minColumnContent = 12

var (
	boardTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	columnStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240")).Padding(0, 1)
	columnHeadStyle = lipgloss.NewStyle().Bold(true)
	cardStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	cardMetaStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func runBoardCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("board", flag.ContinueOnError)
	fs.SetOutput(stderr)
	scope := fs.String("scope", "", "scope id")
	width := fs.Int("width", 120, "total board width in columns")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, store, ok := openLocal(stderr)
	if !ok {
		return 1
	}
	defer store.Close()

	scopeID := scopeOr(*scope, cfg)
	tasks, err := store.ListTasks(ctx, persistence.TaskFilter{ScopeID: scopeID})
	if err != nil {
		fmt.Fprintf(stderr, "board: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, boardTitleStyle.Render("Board · "+scopeID))
	fmt.Fprintln(stdout, renderBoard(tasks, *width))
	return 0
}

// renderBoard lays tasks out in one column per status. Cleared done tasks
// are expected to be filtered out by the caller.
func renderBoard(tasks []persistence.Task, width int) string {
	byStatus := make(map[persistence.TaskStatus][]persistence.Task, len(persistence.AllStatuses))
	for _, t := range tasks {
		if t.DoneClearedAt != nil {
			continue
		}
		byStatus[t.Status] = append(byStatus[t.Status], t)
	}

	n := len(persistence.AllStatuses)
	// Border and padding take four cells per column.
	inner := max(width/n-4, minColumnContent)

	cols := make([]string, 0, n)
	for _, status := range persistence.AllStatuses {
		group := byStatus[status]
		var b strings.Builder
		b.WriteString(columnHeadStyle.Render(fmt.Sprintf("%s (%d)", strings.ToUpper(string(status)), len(group))))
		for _, t := range group {
			b.WriteString("\n\n")
			b.WriteString(cardStyle.Render(truncateRunes(t.Title, inner*2)))
			meta := shortID(t.ID)
			if t.Priority != "" {
				meta += " · " + t.Priority
			}
			if len(t.Assignees) > 0 {
				meta += " · " + assigneeLabel(t.Assignees)
			}
			b.WriteString("\n" + cardMetaStyle.Render(truncateRunes(meta, inner)))
		}
		cols = append(cols, columnStyle.Width(inner).Render(b.String()))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, cols...)
}

// assigneeLabel shows the slug part of session keys (agent:<slug>:<hash>).
func assigneeLabel(assignees []string) string {
	labels := make([]string, 0, len(assignees))
	for _, a := range assignees {
		if parts := strings.Split(a, ":"); len(parts) == 3 && parts[0] == "agent" {
			a = "@" + parts[1]
		}
		labels = append(labels, a)
	}
	return strings.Join(labels, ",")
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
