// Package tools validates and executes the fixed tool catalog on behalf of
// an agent turn. Every call yields an Observation for the model; failures
// additionally return a typed error from the shared taxonomy.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/basket/taskforce/internal/audit"
	"github.com/basket/taskforce/internal/otel"
	"github.com/basket/taskforce/internal/persistence"
	"github.com/basket/taskforce/internal/policy"
	"github.com/basket/taskforce/internal/shared"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Invocation is the permission context of one tool call.
type Invocation struct {
	ScopeID  string
	TaskID   string
	AgentID  string
	Identity string
	// AllowedTools nil means unrestricted; an empty slice allows nothing.
	AllowedTools []string
	Turn         *TurnState
}

// Observation is what the model sees after a call.
type Observation struct {
	OK     bool   `json:"ok"`
	Tool   string `json:"tool"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// JSON renders the observation for the transcript.
func (o Observation) JSON() string {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Sprintf(`{"ok":false,"tool":%q,"error":"unencodable result"}`, o.Tool)
	}
	return string(data)
}

// Summary is a one-line form used in persisted tool messages.
func (o Observation) Summary() string {
	if !o.OK {
		return o.Tool + ": failed (" + o.Error + ")"
	}
	switch r := o.Result.(type) {
	case []SearchResult:
		return fmt.Sprintf("%s: %d results", o.Tool, len(r))
	case []KnowledgeHit:
		return fmt.Sprintf("%s: %d results", o.Tool, len(r))
	case []EmailSummary:
		return fmt.Sprintf("%s: %d emails", o.Tool, len(r))
	case *Link:
		if r != nil && r.URL != "" {
			return o.Tool + ": ok " + r.URL
		}
	}
	return o.Tool + ": ok"
}

// TurnState collects side effects of the calls made in one think pass.
type TurnState struct {
	Calls            int
	Delegated        bool
	DelegatedTasks   []string
	StatusUpdated    bool
	Status           persistence.TaskStatus
	Images           []string
	LastAdapterError *shared.AdapterError
}

type Config struct {
	Policy  policy.Checker
	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer
}

type Registry struct {
	adapters Adapters
	tools    map[string]*Tool
	schemas  map[string]*jsonschema.Schema
	policy   policy.Checker
	logger   *slog.Logger
	metrics  *otel.Metrics
	tracer   trace.Tracer
}

// NewRegistry compiles the schema of every catalog tool.
func NewRegistry(adapters Adapters, cfg Config) (*Registry, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.ScopeName)
	}
	r := &Registry{
		adapters: adapters,
		tools:    make(map[string]*Tool),
		schemas:  make(map[string]*jsonschema.Schema),
		policy:   cfg.Policy,
		logger:   logger,
		metrics:  cfg.Metrics,
		tracer:   tracer,
	}
	c := jsonschema.NewCompiler()
	for _, t := range catalog() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(t.Schema))
		if err != nil {
			return nil, fmt.Errorf("tool %s: unmarshal schema: %w", t.Name, err)
		}
		url := t.Name + ".json"
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("tool %s: add schema: %w", t.Name, err)
		}
		schema, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("tool %s: compile schema: %w", t.Name, err)
		}
		r.tools[t.Name] = t
		r.schemas[t.Name] = schema
	}
	return r, nil
}

// Names returns the catalog tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Lookup resolves a tool name or alias to its catalog entry.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	t, ok := r.tools[Canonical(name)]
	return t, ok
}

// Available returns the tools an allow-list permits, sorted by name.
func (r *Registry) Available(allowed []string) []*Tool {
	var out []*Tool
	for _, n := range r.Names() {
		if Allowed(allowed, n) {
			out = append(out, r.tools[n])
		}
	}
	return out
}

// Execute runs one call. The Observation is always filled; on failure the
// error is a *shared.PermissionDeniedError, *shared.ValidationError,
// *shared.ResolutionError, *shared.StateTransitionError or
// *shared.AdapterError.
func (r *Registry) Execute(ctx context.Context, inv Invocation, name string, args map[string]any) (Observation, error) {
	started := time.Now()
	canonical := Canonical(name)
	obs := Observation{Tool: canonical}
	if inv.Turn != nil {
		inv.Turn.Calls++
	}

	ctx, span := otel.StartSpan(ctx, r.tracer, "tool."+canonical,
		otel.AttrToolName.String(canonical), otel.AttrTaskID.String(inv.TaskID), otel.AttrAgent.String(inv.Identity))
	result, err := r.execute(ctx, inv, canonical, args)
	otel.EndSpan(span, err)

	class := ""
	if err != nil {
		class = string(shared.Classify(err))
		obs.Error = observationError(err)
		var ae *shared.AdapterError
		if errors.As(err, &ae) && inv.Turn != nil {
			inv.Turn.LastAdapterError = ae
		}
		r.logger.Warn("tool call failed", "tool", canonical, "task_id", inv.TaskID, "agent", inv.Identity,
			"class", class, "error", err)
	} else {
		obs.OK = true
		obs.Result = result
		r.logger.Info("tool call", "tool", canonical, "task_id", inv.TaskID, "agent", inv.Identity)
	}
	r.metrics.ObserveTool(ctx, canonical, started, class)
	return obs, err
}

func (r *Registry) execute(ctx context.Context, inv Invocation, canonical string, args map[string]any) (any, error) {
	tool, ok := r.tools[canonical]
	if !ok {
		return nil, shared.NewValidationError("tool", "unknown tool %q", canonical)
	}
	if err := r.authorize(ctx, inv, tool); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	if tool.Prepare != nil {
		tool.Prepare(args)
	}
	if err := r.validate(canonical, args); err != nil {
		return nil, err
	}
	result, err := tool.Run(ctx, &Call{Invocation: inv, Args: args, adapters: &r.adapters})
	if err != nil {
		if isTyped(err) {
			return nil, err
		}
		return nil, &shared.AdapterError{Tool: canonical, Err: err}
	}
	return result, nil
}

// authorize applies the agent allow-list, then the capability policy.
func (r *Registry) authorize(ctx context.Context, inv Invocation, tool *Tool) error {
	capability := "tools." + tool.Name
	pv := ""
	if r.policy != nil {
		pv = r.policy.PolicyVersion()
	}
	if !Allowed(inv.AllowedTools, tool.Name) {
		audit.Record(ctx, audit.Entry{
			Decision: audit.Deny, Action: capability, Actor: inv.Identity, Subject: inv.TaskID,
			Reason: "not_in_allow_list", PolicyVersion: pv,
		})
		return &shared.PermissionDeniedError{Tool: tool.Name, Identity: inv.Identity, Reason: "not in allowed tools"}
	}
	if r.policy != nil && !r.policy.AllowCapability(capability) {
		audit.Record(ctx, audit.Entry{
			Decision: audit.Deny, Action: capability, Actor: inv.Identity, Subject: inv.TaskID,
			Reason: "missing_capability", PolicyVersion: pv,
		})
		return &shared.PermissionDeniedError{Tool: tool.Name, Identity: inv.Identity, Reason: "capability denied by policy"}
	}
	audit.Record(ctx, audit.Entry{
		Decision: audit.Allow, Action: capability, Actor: inv.Identity, Subject: inv.TaskID,
		Reason: "capability_granted", PolicyVersion: pv,
	})
	return nil
}

// validate checks args against the tool schema. The args are re-read through
// the schema library's decoder so numbers arrive as json.Number.
func (r *Registry) validate(name string, args map[string]any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return shared.NewValidationError("", "arguments are not JSON encodable")
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return shared.NewValidationError("", "arguments are not valid JSON")
	}
	err = r.schemas[name].Validate(doc)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return shared.NewValidationError("", "%v", err)
	}
	field, msg := describeValidation(verr)
	return &shared.ValidationError{Field: field, Message: msg}
}

func isTyped(err error) bool {
	var (
		ve *shared.ValidationError
		pe *shared.PermissionDeniedError
		ae *shared.AdapterError
		re *shared.ResolutionError
		te *shared.StateTransitionError
	)
	return errors.As(err, &ve) || errors.As(err, &pe) || errors.As(err, &ae) ||
		errors.As(err, &re) || errors.As(err, &te)
}

// observationError is the text the model sees for a failure.
func observationError(err error) string {
	var ae *shared.AdapterError
	if errors.As(err, &ae) {
		return ae.Err.Error()
	}
	return err.Error()
}
