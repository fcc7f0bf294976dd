// Package gateway serves the loopback control API that the CLI uses to
// reach a running daemon: task creation, messages, approvals and health.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/basket/taskforce/internal/audit"
	"github.com/basket/taskforce/internal/engine"
	"github.com/basket/taskforce/internal/jobs"
	"github.com/basket/taskforce/internal/lifecycle"
	"github.com/basket/taskforce/internal/persistence"
	"github.com/basket/taskforce/internal/policy"
	"github.com/basket/taskforce/internal/roster"
	"github.com/basket/taskforce/internal/shared"
)

const maxBodyBytes = 1 << 20

// JobsStatus reports the worker pool state for /healthz.
type JobsStatus interface {
	Status() jobs.Status
}

type Config struct {
	Store     *persistence.Store
	Engine    *engine.Engine
	Lifecycle *lifecycle.Machine
	Resolver  *roster.Resolver
	Jobs      JobsStatus
	Policy    policy.Checker

	AuthToken string
	// ConfigFingerprint is exposed in /healthz so restarts can be detected.
	ConfigFingerprint string
	DefaultScope      string
	Logger            *slog.Logger
}

type Server struct {
	cfg    Config
	logger *slog.Logger
}

// Health is the /healthz payload.
type Health struct {
	Healthy           bool          `json:"healthy"`
	DBOK              bool          `json:"db_ok"`
	PolicyVersion     string        `json:"policy_version,omitempty"`
	ConfigFingerprint string        `json:"config_fingerprint,omitempty"`
	Engine            engine.Status `json:"engine"`
	Jobs              jobs.Status   `json:"jobs"`
}

type CreateTaskRequest struct {
	Scope       string   `json:"scope,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Assignees   []string `json:"assignees,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Actor       string   `json:"actor"`
}

type PostMessageRequest struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

type ActorRequest struct {
	Actor string `json:"actor"`
	// To is the unblock target status; in_progress when empty.
	To string `json:"to,omitempty"`
}

// TaskView is the wire form of a task.
type TaskView struct {
	ID        string    `json:"id"`
	Scope     string    `json:"scope"`
	ParentID  string    `json:"parent_id,omitempty"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	Assignees []string  `json:"assignees,omitempty"`
	Priority  string    `json:"priority,omitempty"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func viewOf(t *persistence.Task) TaskView {
	return TaskView{
		ID: t.ID, Scope: t.ScopeID, ParentID: t.ParentTaskID, Title: t.Title, Status: string(t.Status),
		Assignees: t.Assignees, Priority: t.Priority, CreatedBy: t.CreatedBy, CreatedAt: t.CreatedAt,
	}
}

type errorBody struct {
	Error string `json:"error"`
	Class string `json:"class,omitempty"`
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger.With("component", "gateway")}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("POST /api/tasks", s.requireToken(s.handleCreateTask))
	mux.Handle("POST /api/tasks/{id}/messages", s.requireToken(s.handlePostMessage))
	mux.Handle("POST /api/tasks/{id}/approve", s.requireToken(s.handleApprove))
	mux.Handle("POST /api/tasks/{id}/unblock", s.requireToken(s.handleUnblock))
	mux.Handle("POST /api/scopes/{scope}/clear-done", s.requireToken(s.handleClearDone))
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	h := Health{ConfigFingerprint: s.cfg.ConfigFingerprint}
	h.DBOK = s.cfg.Store != nil && s.cfg.Store.DB().PingContext(ctx) == nil
	h.Healthy = h.DBOK
	if s.cfg.Policy != nil {
		h.PolicyVersion = s.cfg.Policy.PolicyVersion()
	}
	if s.cfg.Engine != nil {
		h.Engine = s.cfg.Engine.Status()
	}
	if s.cfg.Jobs != nil {
		h.Jobs = s.cfg.Jobs.Status()
	}
	status := http.StatusOK
	if !h.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if !s.decode(w, r, &req) {
		return
	}
	ctx := shared.WithActor(r.Context(), req.Actor)
	scope := strings.TrimSpace(req.Scope)
	if scope == "" {
		scope = s.cfg.DefaultScope
	}

	var assignees []string
	if len(req.Assignees) > 0 {
		res, err := s.cfg.Resolver.Resolve(ctx, scope, req.Assignees)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if len(res.Unresolved) > 0 {
			s.writeError(w, &shared.ResolutionError{Unresolved: res.Unresolved})
			return
		}
		assignees = res.Identities()
	}

	task, err := s.cfg.Engine.CreateTask(ctx, persistence.NewTask{
		ScopeID: scope, Title: req.Title, Description: req.Description, Assignees: assignees,
		Priority: req.Priority, Tags: req.Tags, CreatedBy: req.Actor,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	audit.Record(ctx, audit.Entry{
		Decision: audit.Info, Action: "task.create", Actor: req.Actor, Subject: task.ID, Reason: "control api",
	})
	writeJSON(w, http.StatusCreated, viewOf(task))
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req PostMessageRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		s.writeError(w, shared.NewValidationError("content", "is required"))
		return
	}
	if req.Sender == "" {
		s.writeError(w, shared.NewValidationError("sender", "is required"))
		return
	}
	msg, err := s.cfg.Engine.PostMessage(shared.WithActor(r.Context(), req.Sender), r.PathValue("id"), req.Sender, req.Content)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": msg.ID, "task_id": msg.TaskID})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !s.decode(w, r, &req) {
		return
	}
	ctx := shared.WithActor(r.Context(), req.Actor)
	id := r.PathValue("id")
	if err := s.cfg.Lifecycle.Approve(ctx, id, req.Actor); err != nil {
		s.writeError(w, err)
		return
	}
	task, err := s.cfg.Store.GetTask(ctx, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(task))
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !s.decode(w, r, &req) {
		return
	}
	to := persistence.TaskStatus(req.To)
	if to != "" && !to.Valid() {
		s.writeError(w, shared.NewValidationError("to", "unknown status %q", req.To))
		return
	}
	changed, err := s.cfg.Lifecycle.Unblock(shared.WithActor(r.Context(), req.Actor), r.PathValue("id"), req.Actor, to)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

func (s *Server) handleClearDone(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !s.decode(w, r, &req) {
		return
	}
	n, err := s.cfg.Lifecycle.ClearDone(shared.WithActor(r.Context(), req.Actor), r.PathValue("scope"), req.Actor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cleared": n})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("invalid request body: %v", err), Class: string(shared.ErrorClassValidation)})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	class := shared.Classify(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		status = http.StatusNotFound
	case class == shared.ErrorClassValidation, class == shared.ErrorClassResolution:
		status = http.StatusBadRequest
	case class == shared.ErrorClassPermissionDenied:
		status = http.StatusForbidden
	case class == shared.ErrorClassTransitionRejected, class == shared.ErrorClassLockContention:
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("control api request failed", "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Class: string(class)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
