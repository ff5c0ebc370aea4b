package telemetry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func lastLogEntry(t *testing.T, home string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		t.Fatalf("expected at least one log line")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v", err)
	}
	return entry
}

func TestNewLoggerEmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("startup phase", "phase", "config_loaded", "task_id", "task-1")

	entry := lastLogEntry(t, home)
	for _, key := range []string{"timestamp", "level", "msg", "component"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "gateway" {
		t.Fatalf("expected component=gateway, got %#v", entry["component"])
	}
	if entry["task_id"] != "task-1" {
		t.Fatalf("expected task_id propagation, got %#v", entry["task_id"])
	}
}

func TestNewLoggerLevelFiltering(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "warn", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("below threshold")
	logger.Warn("at threshold")

	entry := lastLogEntry(t, home)
	if entry["msg"] != "at threshold" {
		t.Fatalf("expected only the warn line, got %#v", entry["msg"])
	}
}

func TestNewLoggerRedactsByKeyName(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("security check", "api_key", "abc123")

	entry := lastLogEntry(t, home)
	if entry["api_key"] != "[REDACTED]" {
		t.Fatalf("expected api_key redacted by key name, got %#v", entry["api_key"])
	}
}

func TestNewLoggerRedactsByValuePattern(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("security check", "auth_header", "Authorization: Bearer super-secret-token")

	entry := lastLogEntry(t, home)
	v, _ := entry["auth_header"].(string)
	if strings.Contains(v, "super-secret-token") {
		t.Fatalf("bearer token leaked into log: %q", v)
	}
	if !strings.Contains(v, "[REDACTED]") {
		t.Fatalf("expected redaction marker in %q", v)
	}
}

func TestWithTaskAttachesTaskID(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	WithTask(logger, "task-42").Info("worker spawned")

	entry := lastLogEntry(t, home)
	if entry["task_id"] != "task-42" {
		t.Fatalf("expected task_id=task-42, got %#v", entry["task_id"])
	}
}
