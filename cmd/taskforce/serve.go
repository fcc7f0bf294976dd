package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"

	"github.com/basket/taskforce/internal/adapters"
	"github.com/basket/taskforce/internal/audit"
	"github.com/basket/taskforce/internal/bus"
	"github.com/basket/taskforce/internal/channels"
	"github.com/basket/taskforce/internal/config"
	"github.com/basket/taskforce/internal/cron"
	"github.com/basket/taskforce/internal/delegation"
	"github.com/basket/taskforce/internal/engine"
	"github.com/basket/taskforce/internal/gateway"
	"github.com/basket/taskforce/internal/jobs"
	"github.com/basket/taskforce/internal/lifecycle"
	"github.com/basket/taskforce/internal/notify"
	otelPkg "github.com/basket/taskforce/internal/otel"
	"github.com/basket/taskforce/internal/persistence"
	"github.com/basket/taskforce/internal/policy"
	"github.com/basket/taskforce/internal/roster"
	"github.com/basket/taskforce/internal/telemetry"
	"github.com/basket/taskforce/internal/tools"
)

func runServe(ctx context.Context, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	verbose := fs.Bool("verbose", false, "copy logs to stdout even when attached to a terminal")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	// Logs go to the file only when a person is watching the terminal.
	quiet := isatty.IsTerminal(os.Stdout.Fd()) && !*verbose

	if err := serve(ctx, quiet, stderr); err != nil {
		fmt.Fprintf(stderr, "serve: %v\n", err)
		return 1
	}
	return 0
}

type startupError struct {
	code string
	err  error
}

func (e *startupError) Error() string { return e.code + ": " + e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func fail(code string, err error) error { return &startupError{code: code, err: err} }

func serve(ctx context.Context, quiet bool, stderr io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fail("E_CONFIG_LOAD", err)
	}
	if cfg.NeedsGenesis {
		if err := writeStarterConfig(cfg.HomeDir); err != nil {
			return fail("E_CONFIG_WRITE", err)
		}
		if cfg, err = config.Load(); err != nil {
			return fail("E_CONFIG_RELOAD", err)
		}
		fmt.Fprintf(stderr, "wrote starter config to %s\n", config.ConfigPath(cfg.HomeDir))
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		return fail("E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(telemetry.Options{HomeDir: cfg.HomeDir, Level: cfg.LogLevel, Quiet: quiet})
	if err != nil {
		return fail("E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	if quiet {
		fmt.Fprintf(stderr, "taskforce %s serving scope %q; logs in %s/logs\n", Version, cfg.DefaultScope, cfg.HomeDir)
	}
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fail("E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fail("E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(config.DBPath(cfg.HomeDir), eventBus)
	if err != nil {
		return fail("E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	if _, err := store.EnsureWorkspace(ctx, cfg.DefaultScope, cfg.ScopeName, cfg.Language); err != nil {
		return fail("E_WORKSPACE", err)
	}
	logger.Info("startup phase", "phase", "schema_migrated")

	policyPath := config.PolicyPath(cfg.HomeDir)
	polData, err := policy.Load(policyPath)
	if err != nil {
		return fail("E_POLICY_LOAD", err)
	}
	pol := policy.NewLivePolicy(polData)
	logger.Info("startup phase", "phase", "policy_loaded", "policy_version", pol.PolicyVersion())

	localTemplates := roster.NewTemplateCache(roster.LocalTemplateLoader(store), cfg.Roster.TemplateCacheSize, cfg.TemplateTTL())
	publicTemplates := roster.NewTemplateCache(roster.LocalTemplateLoader(store), 1, cfg.TemplateTTL())
	catalog := roster.NewCatalog(store, publicTemplates)
	importCatalog := func(ctx context.Context) error {
		n, err := catalog.ImportFile(ctx, config.CatalogPath(cfg.HomeDir))
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		localTemplates.Purge()
		logger.Info("catalog imported", "templates", n)
		return nil
	}
	if err := importCatalog(ctx); err != nil {
		return fail("E_CATALOG_IMPORT", err)
	}
	resolver := roster.NewResolver(store, localTemplates, catalog, eventBus, logger)

	created, err := seedAgents(ctx, store, catalog, cfg)
	if err != nil {
		return fail("E_AGENT_SEED", err)
	}
	logger.Info("startup phase", "phase", "roster_ready", "seeded", len(created))

	dispatcher := jobs.New(jobs.Config{
		WorkerCount: cfg.WorkerCount,
		QueueSize:   cfg.QueueSize,
		UnitTimeout: cfg.UnitTimeout(),
		Logger:      logger,
		Metrics:     metrics,
	})
	machine := lifecycle.New(store, dispatcher, lifecycle.Config{
		MaxWakeHops: cfg.Engine.MaxWakeHops, Bus: eventBus, Logger: logger, Metrics: metrics,
	})
	delegator := delegation.New(store, resolver, delegation.Config{
		Window: cfg.DelegationWindow(), Bus: eventBus, Logger: logger, Metrics: metrics,
	})
	fanout := notify.New(store, notify.Config{Logger: logger, Metrics: metrics})
	knowledge := adapters.NewKnowledge(store)

	provider, model, apiKey, baseURL := cfg.ResolveLLM()
	completer, err := engine.NewGenkitCompleter(ctx, engine.GenkitConfig{
		Provider: provider, Model: model, APIKey: apiKey, BaseURL: baseURL,
		Logger: logger, Metrics: metrics, Tracer: otelProvider.Tracer,
	})
	if err != nil {
		return fail("E_LLM_INIT", err)
	}

	eng := engine.New(engine.Deps{
		Store:     store,
		Completer: completer,
		Lifecycle: machine,
		Scheduler: dispatcher,
		Fanout:    fanout,
		Knowledge: knowledge,
	}, engine.Config{
		MaxToolRounds: cfg.Engine.MaxToolRounds,
		MaxTokens:     cfg.Engine.MaxTokens,
		HistoryLimit:  cfg.Engine.HistoryLimit,
		ContextTokens: cfg.Engine.ContextTokens,
		LockTTL:       cfg.LockTTL(),
		DedupWindow:   cfg.DedupWindow(),
		DefaultScope:  cfg.DefaultScope,
		MaxWakeHops:   cfg.Engine.MaxWakeHops,
		Bus:           eventBus,
		Logger:        logger,
		Metrics:       metrics,
		Tracer:        otelProvider.Tracer,
	})

	search := adapters.NewSearchChain(cfg.PreferredSearch, logger,
		adapters.NewBraveSearch(cfg.APIKey("brave_search"), pol),
		adapters.NewDuckDuckGo(pol),
	)
	registry, err := tools.NewRegistry(tools.Adapters{
		Search:    search,
		Knowledge: knowledge,
		Delegator: delegator,
		Status:    machine,
		Poster:    eng,
	}, tools.Config{Policy: pol, Logger: logger, Metrics: metrics, Tracer: otelProvider.Tracer})
	if err != nil {
		return fail("E_TOOLS_INIT", err)
	}
	eng.SetTools(registry)
	delegator.SetHook(eng)
	dispatcher.Register(jobs.UnitThink, eng.HandleThink)
	logger.Info("startup phase", "phase", "engine_ready", "provider", provider, "model", completer.Model(),
		"tools", len(registry.Names()))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	dispatcher.Start(runCtx)

	if n, err := eng.RecoverMissedWakes(runCtx, cfg.DefaultScope); err != nil {
		logger.Warn("missed wake recovery failed", "error", err)
	} else if n > 0 {
		logger.Info("startup phase", "phase", "wakes_recovered", "count", n)
	}

	if tg := cfg.Channels.Telegram; tg.Enabled {
		channel := channels.NewTelegramChannel(channels.TelegramConfig{
			Token: tg.Token, AllowedIDs: tg.AllowedIDs, Inbound: eng, Status: machine, ChatRefs: store,
			Bus: eventBus, Logger: logger,
		})
		eng.RegisterChannel(channels.ChannelTelegram, channel)
		go func() {
			if err := channel.Start(runCtx); err != nil {
				logger.Error("telegram channel stopped", "error", err)
			}
		}()
	}

	heartbeats := cron.NewScheduler(cron.Config{Store: store, Waker: eng, Logger: logger})
	if err := registerHeartbeats(ctx, store, heartbeats, cfg); err != nil {
		return fail("E_HEARTBEAT_REGISTER", err)
	}
	heartbeats.Start(runCtx)
	defer heartbeats.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(runCtx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		fingerprint := cfg.Fingerprint()
		go watcher.Dispatch(runCtx, config.Handlers{
			Config: func(context.Context) error {
				next, err := config.LoadFrom(cfg.HomeDir)
				if err != nil {
					return err
				}
				if next.Fingerprint() != fingerprint {
					logger.Warn("config.yaml changed settings that need a restart", "fingerprint", next.Fingerprint())
				}
				return nil
			},
			Policy: func(context.Context) error {
				return policy.ReloadFromFile(pol, policyPath)
			},
			Catalog: importCatalog,
		})
	}

	token, err := gateway.LoadAuthToken(cfg.HomeDir)
	if err != nil {
		return fail("E_AUTH_TOKEN", err)
	}
	gw := gateway.New(gateway.Config{
		Store: store, Engine: eng, Lifecycle: machine, Resolver: resolver, Jobs: dispatcher, Policy: pol,
		AuthToken: token, ConfigFingerprint: cfg.Fingerprint(), DefaultScope: cfg.DefaultScope, Logger: logger,
	})
	httpServer := &http.Server{Addr: cfg.BindAddr, Handler: gw.Handler(), ReadHeaderTimeout: 5 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	logger.Info("startup phase", "phase", "serving", "bind_addr", cfg.BindAddr)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		logger.Error("control api failed", "error", err)
		return fail("E_GATEWAY", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.DrainTimeout())
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	cancel()
	dispatcher.Stop(cfg.DrainTimeout())
	logger.Info("shutdown complete", "engine", eng.Status())
	return nil
}

// writeStarterConfig writes config.yaml with the starter roster.
func writeStarterConfig(homeDir string) error {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create home: %w", err)
	}
	starter := struct {
		LogLevel     string                  `yaml:"log_level"`
		WorkerCount  int                     `yaml:"worker_count"`
		DefaultScope string                  `yaml:"default_scope"`
		Language     string                  `yaml:"language"`
		LLM          config.LLMConfig        `yaml:"llm"`
		Agents       []config.AgentEntry     `yaml:"agents"`
		Heartbeats   []config.HeartbeatEntry `yaml:"heartbeats"`
	}{
		LogLevel:     "info",
		WorkerCount:  4,
		DefaultScope: "default",
		Language:     "en",
		LLM:          config.LLMConfig{Provider: "google"},
		Agents:       config.StarterAgents(),
		Heartbeats:   []config.HeartbeatEntry{{Agent: "lead", Cron: "0 9 * * 1-5"}},
	}
	data, err := yaml.Marshal(starter)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(config.ConfigPath(homeDir), data, 0o644); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}
	return nil
}
