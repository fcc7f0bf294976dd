package main

import (
	"strings"
	"testing"
	"time"

	"github.com/basket/taskforce/internal/persistence"
)

func TestRenderBoard(t *testing.T) {
	cleared := time.Now()
	tasks := []persistence.Task{
		{ID: "aaaaaaaa-1", Title: "Plan", Status: persistence.TaskStatusInbox},
		{ID: "bbbbbbbb-2", Title: "Draft", Status: persistence.TaskStatusAssigned, Priority: "high",
			Assignees: []string{"agent:writer:1234abcd"}},
		{ID: "cccccccc-3", Title: "Shipped", Status: persistence.TaskStatusDone},
		{ID: "dddddddd-4", Title: "Archived", Status: persistence.TaskStatusDone, DoneClearedAt: &cleared},
	}
	got := renderBoard(tasks, 180)

	for _, want := range []string{
		"INBOX (1)", "ASSIGNED (1)", "IN_PROGRESS (0)", "BLOCKED (0)", "REVIEW (0)", "DONE (1)",
		"Plan", "Draft", "Shipped", "bbbbbbbb", "@writer",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("board missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "Archived") {
		t.Fatalf("cleared task rendered:\n%s", got)
	}
}

func TestRenderBoard_NarrowWidthKeepsColumns(t *testing.T) {
	got := renderBoard(nil, 10)
	if !strings.Contains(got, "INBOX (0)") || !strings.Contains(got, "DONE (0)") {
		t.Fatalf("board = %q", got)
	}
}

func TestAssigneeLabel(t *testing.T) {
	got := assigneeLabel([]string{"agent:writer:1234abcd", "user:alice"})
	if got != "@writer,user:alice" {
		t.Fatalf("label = %q", got)
	}
}

func TestTruncateRunes(t *testing.T) {
	if got := truncateRunes("héllo wörld", 5); got != "héll…" {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncateRunes("short", 10); got != "short" {
		t.Fatalf("truncate = %q", got)
	}
}
