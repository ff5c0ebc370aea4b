package engine

import (
	"context"
	"strings"
	"time"

	"github.com/RaiAnsar/remotewiz/internal/redact"
	"github.com/RaiAnsar/remotewiz/internal/storage"
)

const (
	historyMaxTasks      = 3
	historyMaxLineRunes  = 160
	historyMaxTotalRunes = 700
)

// buildThreadHistorySummary renders the compact fallback context for a
// fresh-session retry: the last few completed-or-failed tasks in the
// same thread, each reduced to one redacted line, joined with " | " and
// bounded overall. Returns "" when the thread has no usable history.
func (e *Engine) buildThreadHistorySummary(ctx context.Context, task *storage.Task) string {
	tasks, err := e.store.ListByThread(ctx, task.ThreadID, historyMaxTasks)
	if err != nil || len(tasks) == 0 {
		return ""
	}

	var lines []string
	for _, t := range tasks {
		ts := t.CreatedAt
		if t.CompletedAt != nil {
			ts = *t.CompletedAt
		}
		detail := t.Result
		if t.Status == storage.TaskFailed {
			detail = t.Error
		}
		if detail == "" {
			detail = t.Prompt
		}
		line := ts.UTC().Format(time.RFC3339) + " " + string(t.Status) + ": " +
			truncateRunes(oneLineOf(redact.Redact(detail)), historyMaxLineRunes)
		lines = append(lines, line)
	}
	return truncateRunes("Earlier in this thread: "+strings.Join(lines, " | "), historyMaxTotalRunes)
}

func oneLineOf(s string) string {
	return strings.Join(strings.Fields(strings.ReplaceAll(s, "\n", " ")), " ")
}
