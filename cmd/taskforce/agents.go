package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/basket/taskforce/internal/roster"
)

func runAgentsCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: taskforce agents <list|reconcile> [-scope S]")
		return 2
	}
	sub := args[0]
	fs := flag.NewFlagSet("agents "+sub, flag.ContinueOnError)
	fs.SetOutput(stderr)
	scope := fs.String("scope", "", "scope id")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	switch sub {
	case "list", "reconcile":
	default:
		fmt.Fprintf(stderr, "unknown agents subcommand %q\n", sub)
		return 2
	}

	cfg, store, ok := openLocal(stderr)
	if !ok {
		return 1
	}
	defer store.Close()
	scopeID := scopeOr(*scope, cfg)

	if sub == "reconcile" {
		cache := roster.NewTemplateCache(roster.LocalTemplateLoader(store), 1, 0)
		resolver := roster.NewResolver(store, cache, roster.NewCatalog(store, cache), nil, nil)
		rep, err := resolver.Reconcile(ctx, scopeID)
		if err != nil {
			fmt.Fprintf(stderr, "reconcile: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "groups: %d  kept: %d  removed: %d  tasks rewritten: %d\n",
			rep.Groups, len(rep.Kept), len(rep.Removed), rep.TasksRewritten)
		for _, e := range rep.Errors {
			fmt.Fprintf(stderr, "  %s\n", e)
		}
		if len(rep.Errors) > 0 {
			return 1
		}
		return 0
	}

	agents, err := store.ListAgents(ctx, scopeID)
	if err != nil {
		fmt.Fprintf(stderr, "agents list: %v\n", err)
		return 1
	}
	if len(agents) == 0 {
		fmt.Fprintf(stdout, "no agents in scope %s\n", scopeID)
		return 0
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SLUG\tNAME\tROLE\tSTATUS\tSESSION\tFLAGS")
	for _, a := range agents {
		var flags []string
		if a.IsLead {
			flags = append(flags, "lead")
		}
		if a.CompletionContract {
			flags = append(flags, "contract")
		}
		if a.ToolProtocol != "" {
			flags = append(flags, "protocol="+a.ToolProtocol)
		}
		fmt.Fprintf(tw, "@%s\t%s\t%s\t%s\t%s\t%s\n", a.Slug, a.DisplayName, a.Role, a.Status, a.SessionKey, strings.Join(flags, ","))
	}
	_ = tw.Flush()
	return 0
}
