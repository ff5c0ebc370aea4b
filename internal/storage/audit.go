package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AuditEntry is one immutable row of the append-only audit journal.
// Detail is redacted by the caller before InsertAudit is
// invoked — this layer never redacts, only persists.
type AuditEntry struct {
	ID           int64
	TS           time.Time
	TaskID       string
	ProjectAlias string
	ThreadID     string
	Actor        string
	Action       string
	Detail       string
}

// InsertAudit appends one row. The audit_log_no_update/no_delete triggers
// installed in initSchema make any later mutation of this row fail at the
// database layer, not merely by convention.
func (s *Store) InsertAudit(ctx context.Context, e AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (task_id, project_alias, thread_id, actor, action, detail)
		VALUES (NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?);
	`, e.TaskID, e.ProjectAlias, e.ThreadID, e.Actor, e.Action, e.Detail)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

func scanAudit(scan func(dest ...any) error) (*AuditEntry, error) {
	var e AuditEntry
	var taskID, projectAlias, threadID sql.NullString
	if err := scan(&e.ID, &e.TS, &taskID, &projectAlias, &threadID, &e.Actor, &e.Action, &e.Detail); err != nil {
		return nil, err
	}
	e.TaskID = taskID.String
	e.ProjectAlias = projectAlias.String
	e.ThreadID = threadID.String
	return &e, nil
}

const auditColumns = `id, ts, task_id, project_alias, thread_id, actor, action, detail`

// AuditByTask returns every audit row for a task, newest first.
func (s *Store) AuditByTask(ctx context.Context, taskID string, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+auditColumns+` FROM audit_log WHERE task_id = ? ORDER BY id DESC LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit by task: %w", err)
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

// AuditByProject returns every audit row for a project, newest first.
func (s *Store) AuditByProject(ctx context.Context, projectAlias string, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+auditColumns+` FROM audit_log WHERE project_alias = ? ORDER BY id DESC LIMIT ?;
	`, projectAlias, limit)
	if err != nil {
		return nil, fmt.Errorf("audit by project: %w", err)
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

// RecentAudit returns the most recent audit rows across all projects.
func (s *Store) RecentAudit(ctx context.Context, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+auditColumns+` FROM audit_log ORDER BY id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent audit: %w", err)
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

func scanAuditRows(rows *sql.Rows) ([]*AuditEntry, error) {
	var out []*AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
