package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/basket/taskforce/internal/otel"
	"github.com/basket/taskforce/internal/pricing"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Chat roles of a ChatMessage.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ChatMessage is one turn of the model transcript.
type ChatMessage struct {
	Role    string
	Content string
}

// Completer is the opaque text-completion call.
type Completer interface {
	Complete(ctx context.Context, systemPrompt string, msgs []ChatMessage, maxTokens int) (string, error)
}

// ErrNoModel is returned when no provider API key is available.
var ErrNoModel = errors.New("no model provider configured")

var defaultModels = map[string]string{
	"anthropic":  "claude-sonnet-4-5",
	"openai":     "gpt-4o",
	"openrouter": "openrouter/auto",
	"google":     "gemini-2.5-flash",
}

type GenkitConfig struct {
	// Provider is google, anthropic, openai, openai_compatible or openrouter.
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
	Logger   *slog.Logger
	Metrics  *otel.Metrics
	Tracer   trace.Tracer
}

// GenkitCompleter calls a hosted model through Genkit.
type GenkitCompleter struct {
	g       *genkit.Genkit
	model   string
	logger  *slog.Logger
	metrics *otel.Metrics
	tracer  trace.Tracer
}

// NewGenkitCompleter initializes Genkit with the plugin for cfg.Provider.
func NewGenkitCompleter(ctx context.Context, cfg GenkitConfig) (*GenkitCompleter, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%s: %w", provider, ErrNoModel)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.ScopeName)
	}

	var g *genkit.Genkit
	switch provider {
	case "anthropic":
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: firstNonEmpty(cfg.BaseURL, os.Getenv("ANTHROPIC_BASE_URL")),
		}))
	case "openai", "openai_compatible":
		name := "openai"
		if provider == "openai_compatible" {
			name = "compat"
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: name,
			APIKey:   apiKey,
			BaseURL:  firstNonEmpty(cfg.BaseURL, os.Getenv("OPENAI_BASE_URL")),
		}))
	case "openrouter":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openrouter",
			APIKey:   apiKey,
			BaseURL:  "https://openrouter.ai/api/v1",
		}))
	case "google":
		// The GoogleAI plugin reads its key from the environment.
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	default:
		return nil, fmt.Errorf("unknown model provider %q", provider)
	}

	model := modelNameForProvider(provider, cfg.Model)
	logger.Info("model completer initialized", "provider", provider, "model", model)
	return &GenkitCompleter{g: g, model: model, logger: logger, metrics: cfg.Metrics, tracer: tracer}, nil
}

// Model returns the qualified model name used for generation.
func (c *GenkitCompleter) Model() string { return c.model }

func (c *GenkitCompleter) Complete(ctx context.Context, systemPrompt string, msgs []ChatMessage, maxTokens int) (string, error) {
	started := time.Now()
	ctx, span := otel.StartClientSpan(ctx, c.tracer, "llm.complete", otel.AttrModel.String(c.model))

	opts := []ai.GenerateOption{
		ai.WithModelName(c.model),
		// WithSystem formats its argument; escape literal percent signs.
		ai.WithSystem(strings.ReplaceAll(systemPrompt, "%", "%%")),
	}
	if history := toGenkitMessages(msgs); len(history) > 0 {
		opts = append(opts, ai.WithMessages(history...))
	}
	if maxTokens > 0 {
		opts = append(opts, ai.WithConfig(&ai.GenerationCommonConfig{MaxOutputTokens: maxTokens}))
	}

	resp, err := genkit.Generate(ctx, c.g, opts...)
	c.metrics.ObserveLLM(ctx, c.model, started)
	if err != nil {
		err = fmt.Errorf("generate (%s): %w", ClassifyModelError(err), err)
		otel.EndSpan(span, err)
		c.logger.Error("model call failed", "model", c.model, "error", err)
		return "", err
	}
	otel.EndSpan(span, nil)
	c.recordUsage(ctx, resp)
	return resp.Text(), nil
}

// recordUsage logs and meters token usage when the provider reports it.
func (c *GenkitCompleter) recordUsage(ctx context.Context, resp *ai.ModelResponse) {
	if resp == nil || resp.Usage == nil {
		return
	}
	in, out := resp.Usage.InputTokens, resp.Usage.OutputTokens
	cost := pricing.EstimateCost(c.model, in, out)
	c.metrics.ObserveLLMUsage(ctx, c.model, in, out, cost)
	c.logger.Debug("model usage", "model", c.model, "input_tokens", in, "output_tokens", out, "cost_usd", cost)
}

func toGenkitMessages(msgs []ChatMessage) []*ai.Message {
	out := make([]*ai.Message, 0, len(msgs))
	for _, m := range msgs {
		var role ai.Role
		switch m.Role {
		case RoleUser:
			role = ai.RoleUser
		case RoleAssistant:
			role = ai.RoleModel
		case RoleSystem:
			role = ai.RoleSystem
		default:
			continue
		}
		out = append(out, &ai.Message{Role: role, Content: []*ai.Part{ai.NewTextPart(m.Content)}})
	}
	return out
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "google":
		return firstNonEmpty(os.Getenv("GEMINI_API_KEY"), os.Getenv("GOOGLE_API_KEY"))
	}
	return ""
}

func modelNameForProvider(provider, model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultModels[provider]
	}
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible":
		return "compat/" + model
	case "openrouter":
		return "openrouter/" + strings.TrimPrefix(model, "openrouter/")
	}
	return "googleai/" + model
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// ModelErrorClass buckets a failed model call for logs and metrics.
type ModelErrorClass string

const (
	ModelErrorAuth            ModelErrorClass = "auth"
	ModelErrorRateLimit       ModelErrorClass = "rate_limit"
	ModelErrorTimeout         ModelErrorClass = "timeout"
	ModelErrorBilling         ModelErrorClass = "billing"
	ModelErrorContextOverflow ModelErrorClass = "context_overflow"
	ModelErrorOther           ModelErrorClass = "other"
)

var modelErrorMarkers = []struct {
	class   ModelErrorClass
	markers []string
}{
	{ModelErrorAuth, []string{"401", "403", "unauthorized", "forbidden", "invalid api key", "invalid key"}},
	{ModelErrorRateLimit, []string{"429", "rate limit", "rate_limit", "quota", "too many requests"}},
	{ModelErrorTimeout, []string{"deadline exceeded", "timeout", "timed out"}},
	{ModelErrorBilling, []string{"billing", "payment", "insufficient funds"}},
	{ModelErrorContextOverflow, []string{"context_length", "context length", "context window", "maximum context", "token limit"}},
}

// ClassifyModelError inspects the provider error text.
func ClassifyModelError(err error) ModelErrorClass {
	if err == nil {
		return ModelErrorOther
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ModelErrorTimeout
	}
	msg := strings.ToLower(err.Error())
	for _, m := range modelErrorMarkers {
		for _, marker := range m.markers {
			if strings.Contains(msg, marker) {
				return m.class
			}
		}
	}
	return ModelErrorOther
}
