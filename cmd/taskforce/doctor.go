package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/basket/taskforce/internal/config"
	"github.com/basket/taskforce/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOutput := fs.Bool("json", false, "print the report as JSON")
	offline := fs.Bool("offline", false, "skip network checks")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil && !cfg.NeedsGenesis {
		// Keep going: the config check reports the failure.
		fmt.Fprintf(stderr, "config load: %v\n", err)
	}

	diag := doctor.Run(ctx, &cfg, Version, *offline)

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(stderr, "encode report: %v\n", err)
			return 1
		}
	} else {
		fmt.Fprintf(stdout, "taskforce doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
		fmt.Fprintf(stdout, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
		fmt.Fprintln(stdout, "---")
		for _, res := range diag.Results {
			fmt.Fprintf(stdout, "%s %-12s %s\n", statusIcon(res.Status), res.Name+":", res.Message)
			if res.Detail != "" {
				fmt.Fprintf(stdout, "    %s\n", res.Detail)
			}
		}
	}
	if diag.Failed() {
		return 1
	}
	return 0
}

func statusIcon(status string) string {
	switch status {
	case doctor.StatusFail:
		return "✗"
	case doctor.StatusWarn:
		return "!"
	case doctor.StatusSkip:
		return "-"
	default:
		return "✓"
	}
}
