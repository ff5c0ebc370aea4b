// Package telemetry configures the gateway's structured logging: JSON
// lines appended to logs/system.jsonl (mirrored to stdout unless quiet),
// with every string attribute funneled through the shared redactor so
// the log file obeys the same secret rules as the audit trail and the
// outbound adapter messages.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/RaiAnsar/remotewiz/internal/redact"
)

var levelNames = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

func parseLevel(level string) slog.Level {
	if lvl, ok := levelNames[strings.ToLower(strings.TrimSpace(level))]; ok {
		return lvl
	}
	return slog.LevelInfo
}

// NewLogger opens logs/system.jsonl under homeDir and returns a logger
// writing there (and to stdout unless quiet), plus the closer for the
// log file.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, "system.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: redactAttr,
	})
	return slog.New(handler).With("component", "gateway"), file, nil
}

// redactAttr applies the shared redactor to every attribute: the key
// decides whether the whole value is secret-by-name (api_key, token,
// password, ...), and the value is pattern-scrubbed either way. There is
// deliberately no logging-specific rule set — internal/redact is the
// single place secret shapes are defined.
func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	if a.Value.Kind() != slog.KindString {
		return a
	}
	v := redact.Redact(redact.RedactEnvValue(a.Key, a.Value.String()))
	if v != a.Value.String() {
		return slog.String(a.Key, v)
	}
	return a
}

// WithTask returns a child logger carrying the task id, so every log line
// a worker emits can be correlated back to its queue row.
func WithTask(logger *slog.Logger, taskID string) *slog.Logger {
	return logger.With("task_id", taskID)
}
