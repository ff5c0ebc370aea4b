// Package audit wraps internal/storage's append-only audit_log table with
// a mandatory redaction pass on every insert, plus a mirrored
// JSONL trail on disk for offline inspection when the database is
// unavailable.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/RaiAnsar/remotewiz/internal/redact"
	"github.com/RaiAnsar/remotewiz/internal/storage"
)

type fileEntry struct {
	Timestamp    string `json:"timestamp"`
	TaskID       string `json:"task_id,omitempty"`
	ProjectAlias string `json:"project_alias,omitempty"`
	ThreadID     string `json:"thread_id,omitempty"`
	Actor        string `json:"actor"`
	Action       string `json:"action"`
	Detail       string `json:"detail"`
}

var (
	mu   sync.Mutex
	file *os.File
)

// Init opens the mirrored JSONL trail under homeDir/logs/audit.jsonl.
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

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// Entry is the caller-facing shape; Detail is an arbitrary JSON-able value
// that gets tree-redacted before it touches either sink.
type Entry struct {
	TaskID       string
	ProjectAlias string
	ThreadID     string
	Actor        string
	Action       string
	Detail       any
}

// Record redacts e recursively, then writes it to both the database's
// append-only audit_log table and the mirrored JSONL file. A nil store
// skips the database write, which is useful in tests exercising the file
// trail in isolation.
func Record(ctx context.Context, s *storage.Store, e Entry) error {
	actor := redact.Redact(e.Actor)
	action := redact.Redact(e.Action)
	detail := redact.Tree(e.Detail)
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		detailJSON = []byte(`"<unmarshalable audit detail>"`)
	}

	mu.Lock()
	if file != nil {
		fe := fileEntry{
			Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
			TaskID:       e.TaskID,
			ProjectAlias: e.ProjectAlias,
			ThreadID:     e.ThreadID,
			Actor:        actor,
			Action:       action,
			Detail:       string(detailJSON),
		}
		if b, err := json.Marshal(fe); err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}
	mu.Unlock()

	if s == nil {
		return nil
	}
	return s.InsertAudit(ctx, storage.AuditEntry{
		TaskID:       e.TaskID,
		ProjectAlias: e.ProjectAlias,
		ThreadID:     e.ThreadID,
		Actor:        actor,
		Action:       action,
		Detail:       string(detailJSON),
	})
}
