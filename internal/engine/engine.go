// Package engine runs the think loop: one locked reasoning pass of an agent
// on a task, with bounded tool rounds, and the hooks that schedule passes.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/taskforce/internal/bus"
	"github.com/basket/taskforce/internal/dedup"
	"github.com/basket/taskforce/internal/jobs"
	"github.com/basket/taskforce/internal/lifecycle"
	"github.com/basket/taskforce/internal/notify"
	"github.com/basket/taskforce/internal/otel"
	"github.com/basket/taskforce/internal/persistence"
	"github.com/basket/taskforce/internal/thinklock"
	"github.com/basket/taskforce/internal/tools"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	DefaultMaxToolRounds = 2
	DefaultMaxTokens     = 2048
	DefaultHistoryLimit  = 30
	DefaultContextTokens = 24000
)

// Channel delivers agent replies to an external chat.
type Channel interface {
	Send(ctx context.Context, chatRef, text string) error
}

type Config struct {
	// MaxToolRounds is clamped to [1, 2].
	MaxToolRounds int
	MaxTokens     int
	HistoryLimit  int
	// ContextTokens bounds the transcript sent to the model.
	ContextTokens int
	LockTTL       time.Duration
	DedupWindow   time.Duration
	// DefaultScope receives tasks created from inbound chat.
	DefaultScope string
	MaxWakeHops  int
	Bus          *bus.Bus
	Logger       *slog.Logger
	Metrics      *otel.Metrics
	Tracer       trace.Tracer
}

// Deps are the collaborators of the engine. Tools may be attached later
// with SetTools because the registry's adapters usually include the engine.
type Deps struct {
	Store     *persistence.Store
	Completer Completer
	Tools     *tools.Registry
	Lifecycle *lifecycle.Machine
	Scheduler jobs.Scheduler
	Fanout    *notify.Fanout
	Knowledge tools.KnowledgeSearcher
}

type Status struct {
	ActiveThinks int32  `json:"active_thinks"`
	Completed    int64  `json:"completed"`
	Skipped      int64  `json:"skipped"`
	Suppressed   int64  `json:"suppressed"`
	Failed       int64  `json:"failed"`
	LastError    string `json:"last_error,omitempty"`
}

type Engine struct {
	store     *persistence.Store
	completer Completer
	lifecycle *lifecycle.Machine
	scheduler jobs.Scheduler
	fanout    *notify.Fanout
	knowledge tools.KnowledgeSearcher
	locker    *thinklock.Locker
	dedup     *dedup.Checker
	config    Config
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time

	toolsMu sync.RWMutex
	tools   *tools.Registry

	channelsMu sync.RWMutex
	channels   map[string]Channel

	active     atomic.Int32
	completed  atomic.Int64
	skipped    atomic.Int64
	suppressed atomic.Int64
	failed     atomic.Int64
	lastError  atomic.Pointer[string]
}

func New(deps Deps, cfg Config) *Engine {
	cfg.MaxToolRounds = clampRounds(cfg.MaxToolRounds)
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.ContextTokens <= 0 {
		cfg.ContextTokens = DefaultContextTokens
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = dedup.DefaultWindow
	}
	if cfg.MaxWakeHops <= 0 {
		cfg.MaxWakeHops = lifecycle.DefaultMaxWakeHops
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.ScopeName)
	}
	return &Engine{
		store:     deps.Store,
		completer: deps.Completer,
		tools:     deps.Tools,
		lifecycle: deps.Lifecycle,
		scheduler: deps.Scheduler,
		fanout:    deps.Fanout,
		knowledge: deps.Knowledge,
		locker:    thinklock.New(deps.Store),
		dedup:     dedup.NewChecker(deps.Store),
		config:    cfg,
		logger:    logger,
		tracer:    tracer,
		now:       time.Now,
		channels:  map[string]Channel{},
	}
}

func clampRounds(n int) int {
	switch {
	case n <= 0:
		return DefaultMaxToolRounds
	case n > 2:
		return 2
	}
	return n
}

// SetTools attaches the tool registry.
func (e *Engine) SetTools(r *tools.Registry) {
	e.toolsMu.Lock()
	e.tools = r
	e.toolsMu.Unlock()
}

func (e *Engine) registry() *tools.Registry {
	e.toolsMu.RLock()
	defer e.toolsMu.RUnlock()
	return e.tools
}

// WithClock replaces the clock of the lock and the duplicate window.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	e.locker.WithClock(now)
	e.dedup.WithClock(now)
	return e
}

// RegisterChannel makes ch the delivery path for chat refs of name.
func (e *Engine) RegisterChannel(name string, ch Channel) {
	e.channelsMu.Lock()
	e.channels[name] = ch
	e.channelsMu.Unlock()
}

func (e *Engine) channel(name string) Channel {
	e.channelsMu.RLock()
	defer e.channelsMu.RUnlock()
	return e.channels[name]
}

func (e *Engine) Status() Status {
	s := Status{
		ActiveThinks: e.active.Load(),
		Completed:    e.completed.Load(),
		Skipped:      e.skipped.Load(),
		Suppressed:   e.suppressed.Load(),
		Failed:       e.failed.Load(),
	}
	if p := e.lastError.Load(); p != nil {
		s.LastError = *p
	}
	return s
}

func (e *Engine) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	e.lastError.Store(&msg)
}

func (e *Engine) publish(topic string, payload any) {
	if e.config.Bus != nil {
		e.config.Bus.Publish(topic, payload)
	}
}
