// Package config loads <home>/config.yaml, applies defaults and environment
// overrides, and watches the home directory for live reloads.
package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/taskforce/internal/cron"
	"github.com/basket/taskforce/internal/otel"
)

// ProviderConfig holds per-provider credentials and endpoints.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

type LLMConfig struct {
	// Provider is one of google, anthropic, openai, openai_compatible, openrouter.
	Provider string `yaml:"provider"`
	// Model overrides the provider's default model.
	Model string `yaml:"model"`
	// CompatibleProvider prefixes model names for openai_compatible endpoints.
	CompatibleProvider string `yaml:"compatible_provider"`
}

type EngineConfig struct {
	MaxToolRounds      int `yaml:"max_tool_rounds"`
	MaxTokens          int `yaml:"max_tokens"`
	HistoryLimit       int `yaml:"history_limit"`
	ContextTokens      int `yaml:"context_tokens"`
	LockTTLSeconds     int `yaml:"lock_ttl_seconds"`
	DedupWindowMinutes int `yaml:"dedup_window_minutes"`
	MaxWakeHops        int `yaml:"max_wake_hops"`
}

type DelegationConfig struct {
	// WindowMinutes is how long an identical child task is reused.
	WindowMinutes int `yaml:"window_minutes"`
}

type RosterConfig struct {
	TemplateCacheSize  int `yaml:"template_cache_size"`
	TemplateTTLSeconds int `yaml:"template_ttl_seconds"`
}

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// HeartbeatEntry schedules periodic wakes for an agent of the default scope.
type HeartbeatEntry struct {
	Agent string `yaml:"agent"`
	Cron  string `yaml:"cron"`
}

// AgentEntry seeds an agent into the default scope at startup.
type AgentEntry struct {
	Slug               string   `yaml:"slug"`
	DisplayName        string   `yaml:"display_name"`
	Role               string   `yaml:"role"`
	Template           string   `yaml:"template"`
	SystemPrompt       string   `yaml:"system_prompt"`
	AllowedTools       []string `yaml:"allowed_tools"`
	Lead               bool     `yaml:"lead"`
	CompletionContract bool     `yaml:"completion_contract"`
	ToolProtocol       string   `yaml:"tool_protocol"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel            string `yaml:"log_level"`
	WorkerCount         int    `yaml:"worker_count"`
	QueueSize           int    `yaml:"queue_size"`
	UnitTimeoutSeconds  int    `yaml:"unit_timeout_seconds"`
	DrainTimeoutSeconds int    `yaml:"drain_timeout_seconds"`
	// BindAddr is the loopback control API used by the CLI.
	BindAddr string `yaml:"bind_addr"`

	// DefaultScope receives tasks opened from chat channels.
	DefaultScope string `yaml:"default_scope"`
	ScopeName    string `yaml:"scope_name"`
	// Language is the BCP-47 tag of the default scope.
	Language string `yaml:"language"`

	LLM       LLMConfig                 `yaml:"llm"`
	Providers map[string]ProviderConfig `yaml:"providers"`

	// APIKeys holds tool credentials. Keys: "brave_search".
	APIKeys         map[string]string `yaml:"api_keys"`
	PreferredSearch string            `yaml:"preferred_search"`

	Engine     EngineConfig     `yaml:"engine"`
	Delegation DelegationConfig `yaml:"delegation"`
	Roster     RosterConfig     `yaml:"roster"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Telemetry  otel.Config      `yaml:"telemetry"`
	Heartbeats []HeartbeatEntry `yaml:"heartbeats"`
	Agents     []AgentEntry     `yaml:"agents"`

	// NeedsGenesis is set when config.yaml does not exist yet.
	NeedsGenesis bool `yaml:"-"`
}

var knownProviders = map[string]bool{
	"google": true, "anthropic": true, "openai": true, "openai_compatible": true, "openrouter": true,
}

var providerEnv = map[string]string{
	"google":     "GEMINI_API_KEY",
	"anthropic":  "ANTHROPIC_API_KEY",
	"openai":     "OPENAI_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
}

// APIKey returns a tool credential, checking env overrides first.
func (c Config) APIKey(name string) string {
	envMap := map[string]string{
		"brave_search": "BRAVE_API_KEY",
	}
	if envVar, ok := envMap[name]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	return c.APIKeys[name]
}

// ProviderAPIKey returns the API key for the given provider, checking env overrides first.
func (c Config) ProviderAPIKey(provider string) string {
	if envVar, ok := providerEnv[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	return c.Providers[provider].APIKey
}

// ResolveLLM returns the effective provider settings for the completer.
func (c Config) ResolveLLM() (provider, model, apiKey, baseURL string) {
	provider = c.LLM.Provider
	return provider, c.LLM.Model, c.ProviderAPIKey(provider), c.Providers[provider].BaseURL
}

func (c Config) LockTTL() time.Duration {
	return time.Duration(c.Engine.LockTTLSeconds) * time.Second
}

func (c Config) DedupWindow() time.Duration {
	return time.Duration(c.Engine.DedupWindowMinutes) * time.Minute
}

func (c Config) DelegationWindow() time.Duration {
	return time.Duration(c.Delegation.WindowMinutes) * time.Minute
}

func (c Config) UnitTimeout() time.Duration {
	return time.Duration(c.UnitTimeoutSeconds) * time.Second
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

func (c Config) TemplateTTL() time.Duration {
	return time.Duration(c.Roster.TemplateTTLSeconds) * time.Second
}

// Fingerprint returns a stable hash of the settings that need a restart.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "workers=%d|queue=%d|timeout=%d|scope=%s|llm=%s/%s|rounds=%d|ttl=%d",
		c.WorkerCount, c.QueueSize, c.UnitTimeoutSeconds, c.DefaultScope, c.LLM.Provider, c.LLM.Model,
		c.Engine.MaxToolRounds, c.Engine.LockTTLSeconds)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func PolicyPath(homeDir string) string {
	return filepath.Join(homeDir, "policy.yaml")
}

func CatalogPath(homeDir string) string {
	return filepath.Join(homeDir, "catalog.yaml")
}

// DBPath is the SQLite database inside the home directory.
func DBPath(homeDir string) string {
	return filepath.Join(homeDir, "taskforce.db")
}

func defaultConfig() Config {
	return Config{
		LogLevel:            "info",
		WorkerCount:         4,
		QueueSize:           256,
		DrainTimeoutSeconds: 5,
		BindAddr:            "127.0.0.1:18790",
		DefaultScope:        "default",
		ScopeName:           "Default",
		Language:            "en",
		LLM:                 LLMConfig{Provider: "google"},
		Engine: EngineConfig{
			MaxToolRounds:      2,
			MaxTokens:          2048,
			HistoryLimit:       30,
			ContextTokens:      24000,
			LockTTLSeconds:     300,
			DedupWindowMinutes: 10,
			MaxWakeHops:        8,
		},
		Delegation: DelegationConfig{WindowMinutes: 5},
		Roster:     RosterConfig{TemplateCacheSize: 64, TemplateTTLSeconds: 300},
		Telemetry:  otel.Config{Exporter: "none", ServiceName: "taskforce", SampleRate: 1},
	}
}

func HomeDir() string {
	if override := os.Getenv("TASKFORCE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskforce")
}

// Load reads the config of HomeDir().
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml, creating homeDir when missing.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskforce home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	switch {
	case errors.Is(err, os.ErrNotExist):
		cfg.NeedsGenesis = true
	case err != nil:
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	case len(data) > 0:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	envInt := func(name string, dst *int) {
		if raw := os.Getenv(name); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil {
				*dst = v
			}
		}
	}
	if raw := os.Getenv("TASKFORCE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	envInt("TASKFORCE_WORKERS", &cfg.WorkerCount)
	envInt("TASKFORCE_LOCK_TTL_SECONDS", &cfg.Engine.LockTTLSeconds)
	if raw := os.Getenv("TASKFORCE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TASKFORCE_DEFAULT_SCOPE"); raw != "" {
		cfg.DefaultScope = raw
	}
	if raw := os.Getenv("TASKFORCE_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("TASKFORCE_LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}

func normalize(cfg *Config) {
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	switch cfg.LLM.Provider {
	case "", "gemini":
		cfg.LLM.Provider = "google"
	case "compat":
		cfg.LLM.Provider = "openai_compatible"
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	cfg.BindAddr = strings.TrimSpace(cfg.BindAddr)
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	cfg.DefaultScope = strings.TrimSpace(cfg.DefaultScope)
	if cfg.DefaultScope == "" {
		cfg.DefaultScope = "default"
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.Engine.MaxToolRounds > 2 {
		cfg.Engine.MaxToolRounds = 2
	}
	if cfg.Engine.LockTTLSeconds <= 0 {
		cfg.Engine.LockTTLSeconds = 300
	}
	if cfg.Engine.DedupWindowMinutes <= 0 {
		cfg.Engine.DedupWindowMinutes = 10
	}
	if cfg.Roster.TemplateCacheSize <= 0 {
		cfg.Roster.TemplateCacheSize = 64
	}
	if cfg.Roster.TemplateTTLSeconds <= 0 {
		cfg.Roster.TemplateTTLSeconds = 300
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "none"
	}
}

func validate(cfg *Config) error {
	var errs []error
	if !knownProviders[cfg.LLM.Provider] {
		errs = append(errs, fmt.Errorf("llm.provider %q is not supported", cfg.LLM.Provider))
	}
	if cfg.LLM.Provider == "openai_compatible" && cfg.Providers["openai_compatible"].BaseURL == "" {
		errs = append(errs, errors.New("providers.openai_compatible.base_url is required"))
	}
	if t := cfg.Channels.Telegram; t.Enabled {
		if t.Token == "" {
			errs = append(errs, errors.New("channels.telegram.token is required when telegram is enabled"))
		}
		if len(t.AllowedIDs) == 0 {
			errs = append(errs, errors.New("channels.telegram.allowed_ids must list at least one user"))
		}
	}
	for i, hb := range cfg.Heartbeats {
		if strings.TrimSpace(hb.Agent) == "" {
			errs = append(errs, fmt.Errorf("heartbeats[%d].agent is required", i))
		}
		if _, err := cron.NextRunTime(hb.Cron, time.Now()); err != nil {
			errs = append(errs, fmt.Errorf("heartbeats[%d]: %w", i, err))
		}
	}
	leads := 0
	for i, a := range cfg.Agents {
		if strings.TrimSpace(a.Slug) == "" {
			errs = append(errs, fmt.Errorf("agents[%d].slug is required", i))
		}
		if a.Lead {
			leads++
		}
	}
	if leads > 1 {
		errs = append(errs, fmt.Errorf("only one lead agent is allowed per scope, found %d", leads))
	}
	return errors.Join(errs...)
}
