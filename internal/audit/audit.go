// Package audit keeps an append-only trail of operator actions such as
// manual crown overrides, both as JSONL and in the audit_log table.
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

	"github.com/basket/crownd/internal/shared"
)

// Decisions recorded in the trail.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Entry is one audit record.
type Entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id"`
	Decision  string `json:"decision"`
	Action    string `json:"action"`
	Principal string `json:"principal,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Reason    string `json:"reason"`
}

var (
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
	now       = func() time.Time { return time.Now().UTC() }
)

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

// SetDB configures the database for audit_log table writes. Record must not
// be called while the same single-connection database holds an open
// transaction.
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

// DenyCount returns the total number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

func Record(ctx context.Context, decision, action, principal, subject, reason string) {
	if decision == DecisionDeny {
		denyCount.Add(1)
	}

	reason = shared.Redact(reason)
	subject = shared.Redact(subject)

	ev := Entry{
		Timestamp: now().Format(time.RFC3339Nano),
		TraceID:   shared.TraceID(ctx),
		Decision:  decision,
		Action:    action,
		Principal: principal,
		Subject:   subject,
		Reason:    reason,
	}

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(ctx, `
			INSERT INTO audit_log (trace_id, principal, action, subject, decision, reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, ev.TraceID, principal, action, subject, decision, reason, ev.Timestamp)
	}
}
