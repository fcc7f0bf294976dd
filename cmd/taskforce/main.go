package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"os/user"
	"strings"
	"syscall"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: taskforce <command> [options]

DAEMON:
  serve                         Run the agent team (workers, channels, heartbeats)

TASKS (through the running daemon):
  task create -title T [-assign a,b] [-priority p] [-desc D] [-scope S]
  task post <task-id> <text>    Post a message to a task thread
  task approve <task-id>        Approve a task in review
  task unblock <task-id> [-to status]
  task clear-done [-scope S]    Hide done tasks from the board

TASKS (read from the local database):
  task list [-scope S] [-status st] [-all]
  task status <task-id>         Show a task, its events and recent messages
  board [-scope S] [-width N]   Render the task board

ROSTER AND KNOWLEDGE:
  agents list [-scope S]
  agents reconcile [-scope S]   Merge duplicate agents of one template
  catalog import <file>         Load public agent templates from YAML
  knowledge add -title T (-file F | text...) [-scope S]

DIAGNOSTICS:
  health                        Query the running daemon's /healthz
  doctor [-json] [-offline]     Run diagnostic checks

ENVIRONMENT VARIABLES:
  TASKFORCE_HOME          Data directory (default: ~/.taskforce)
  TASKFORCE_AUTH_TOKEN    Control API token (default: <home>/auth.token)
  GEMINI_API_KEY          Key for the google provider
  TELEGRAM_TOKEN          Bot token for the Telegram channel
`)
}

func main() {
	loadDotEnv(".env")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return 2
	}
	cmd, rest := strings.ToLower(strings.TrimSpace(args[0])), args[1:]
	switch cmd {
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	case "version", "-version", "--version":
		fmt.Fprintln(stdout, Version)
		return 0
	case "serve":
		return runServe(ctx, rest, stderr)
	case "task":
		return runTaskCommand(ctx, rest, stdout, stderr)
	case "board":
		return runBoardCommand(ctx, rest, stdout, stderr)
	case "agents":
		return runAgentsCommand(ctx, rest, stdout, stderr)
	case "catalog":
		return runCatalogCommand(ctx, rest, stdout, stderr)
	case "knowledge":
		return runKnowledgeCommand(ctx, rest, stdout, stderr)
	case "health":
		return runHealthCommand(ctx, rest, stdout, stderr)
	case "doctor":
		return runDoctorCommand(ctx, rest, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		printUsage(stderr)
		return 2
	}
}

// cliActor names the human behind CLI mutations in audit and task events.
func cliActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return "user:" + u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return "user:" + name
	}
	return "user:cli"
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, strings.Trim(strings.TrimSpace(val), `"'`))
	}
}
