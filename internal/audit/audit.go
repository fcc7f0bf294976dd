// Package audit keeps an append-only record of policy decisions and
// orchestration side effects (transitions, wakes, provisioning).
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/taskforce/internal/shared"
)

// Decision values.
const (
	Allow = "allow"
	Deny  = "deny"
	Info  = "info"
)

// Entry is one audit record.
type Entry struct {
	Decision      string `json:"decision"`
	Action        string `json:"action"`
	Actor         string `json:"actor,omitempty"`
	Subject       string `json:"subject,omitempty"`
	Reason        string `json:"reason"`
	PolicyVersion string `json:"policy_version,omitempty"`
}

type line struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id"`
	Entry
}

var (
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
	total     atomic.Int64
)

// Init opens <homeDir>/logs/audit.jsonl for appending.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB mirrors records into the audit_log table.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	db = nil
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Count returns the number of records since startup.
func Count() int64 {
	return total.Load()
}

// Record appends e to the JSONL sink and the audit_log table, whichever
// are configured. Secrets in Reason and Subject are redacted first.
func Record(ctx context.Context, e Entry) {
	if e.Decision == Deny {
		denyCount.Add(1)
	}
	total.Add(1)
	if e.Actor == "" {
		e.Actor = shared.Actor(ctx)
	}
	e.Reason = shared.Redact(e.Reason)
	e.Subject = shared.Redact(e.Subject)
	traceID := shared.TraceID(ctx)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		b, err := json.Marshal(line{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			TraceID:   traceID,
			Entry:     e,
		})
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}
	if db != nil {
		_, _ = db.ExecContext(context.WithoutCancel(ctx), `
			INSERT INTO audit_log (trace_id, actor, action, subject, decision, reason, policy_version, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, traceID, e.Actor, e.Action, e.Subject, e.Decision, e.Reason, e.PolicyVersion, time.Now().UnixMilli())
	}
}
