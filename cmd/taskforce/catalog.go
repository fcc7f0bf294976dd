package main

import (
	"context"
	"fmt"
	"io"

	"github.com/basket/taskforce/internal/persistence"
	"github.com/basket/taskforce/internal/roster"
)

func runCatalogCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: taskforce catalog <import <file>|list>")
		return 2
	}
	switch args[0] {
	case "import":
		if len(args) != 2 {
			fmt.Fprintln(stderr, "usage: taskforce catalog import <file>")
			return 2
		}
	case "list":
	default:
		fmt.Fprintf(stderr, "unknown catalog subcommand %q\n", args[0])
		return 2
	}

	_, store, ok := openLocal(stderr)
	if !ok {
		return 1
	}
	defer store.Close()
	catalog := roster.NewCatalog(store, roster.NewTemplateCache(roster.LocalTemplateLoader(store), 1, 0))

	if args[0] == "import" {
		n, err := catalog.ImportFile(ctx, args[1])
		if err != nil {
			fmt.Fprintf(stderr, "catalog import: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "imported %d template(s)\n", n)
		return 0
	}

	templates, err := catalog.List(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "catalog list: %v\n", err)
		return 1
	}
	for _, t := range templates {
		fmt.Fprintf(stdout, "%-20s %-24s %s%s\n", t.Slug, t.DisplayName, t.Role, templateFlags(t))
	}
	return 0
}

func templateFlags(t persistence.AgentTemplate) string {
	switch {
	case t.IsLead:
		return " [lead]"
	case t.ToolProtocol != "":
		return " [protocol=" + t.ToolProtocol + "]"
	}
	return ""
}
