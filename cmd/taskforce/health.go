package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

func runHealthCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) != 0 {
		fmt.Fprintln(stderr, "usage: taskforce health")
		return 2
	}
	_, client, ok := daemonClient(stderr)
	if !ok {
		return 1
	}
	health, err := client.Health(ctx)
	if err != nil {
		// healthz answers 503 with the report as the body.
		return reportAPIError(stderr, "health", err)
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(health); err != nil {
		fmt.Fprintf(stderr, "encode health: %v\n", err)
		return 1
	}
	return 0
}
