package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/taskforce/internal/persistence"
)

func runKnowledgeCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "add" {
		fmt.Fprintln(stderr, "usage: taskforce knowledge add -title T (-file F | text...) [-scope S]")
		return 2
	}
	fs := flag.NewFlagSet("knowledge add", flag.ContinueOnError)
	fs.SetOutput(stderr)
	title := fs.String("title", "", "document title")
	file := fs.String("file", "", "read the document from a file")
	scope := fs.String("scope", "", "scope id")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	content := strings.Join(fs.Args(), " ")
	source := "cli"
	if *file != "" {
		data, err := os.ReadFile(*file)
		if err != nil {
			fmt.Fprintf(stderr, "knowledge add: %v\n", err)
			return 1
		}
		content = string(data)
		source = "file:" + filepath.Base(*file)
		if *title == "" {
			*title = strings.TrimSuffix(filepath.Base(*file), filepath.Ext(*file))
		}
	}
	if strings.TrimSpace(content) == "" {
		fmt.Fprintln(stderr, "knowledge add: document is empty")
		return 2
	}

	cfg, store, ok := openLocal(stderr)
	if !ok {
		return 1
	}
	defer store.Close()

	doc := &persistence.KnowledgeDoc{ScopeID: scopeOr(*scope, cfg), Title: *title, Content: content, Source: source}
	if err := store.AddKnowledge(ctx, doc); err != nil {
		fmt.Fprintf(stderr, "knowledge add: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "added %s to scope %s\n", doc.ID, doc.ScopeID)
	return 0
}
