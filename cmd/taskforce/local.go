package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/basket/taskforce/internal/config"
	"github.com/basket/taskforce/internal/gateway"
	"github.com/basket/taskforce/internal/persistence"
)

// openLocal loads the config and opens the database for read and admin
// commands. The daemon may hold the same file; SQLite WAL allows both.
func openLocal(stderr io.Writer) (config.Config, *persistence.Store, bool) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config load: %v\n", err)
		return cfg, nil, false
	}
	store, err := persistence.Open(config.DBPath(cfg.HomeDir), nil)
	if err != nil {
		fmt.Fprintf(stderr, "open database: %v\n", err)
		return cfg, nil, false
	}
	return cfg, store, true
}

// daemonClient returns a control API client for commands that must run
// inside the daemon so the right agents wake.
func daemonClient(stderr io.Writer) (config.Config, *gateway.Client, bool) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config load: %v\n", err)
		return cfg, nil, false
	}
	token, err := gateway.LoadAuthToken(cfg.HomeDir)
	if err != nil {
		fmt.Fprintf(stderr, "auth token: %v\n", err)
		return cfg, nil, false
	}
	return cfg, gateway.NewClient(cfg.BindAddr, token), true
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func scopeOr(flagValue string, cfg config.Config) string {
	if s := strings.TrimSpace(flagValue); s != "" {
		return s
	}
	return cfg.DefaultScope
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
