package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ThreadBinding maps an adapter's conversation thread to exactly one
// project.
type ThreadBinding struct {
	ThreadID     string
	ProjectAlias string
	Adapter      string
	CreatorID    string
}

// BindThread records the thread→project mapping. Rejecting unknown projects
// is the caller's responsibility (the adapter-facing layer knows the
// configured project list; storage just persists the mapping).
func (s *Store) BindThread(ctx context.Context, b ThreadBinding) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_bindings (thread_id, project_alias, adapter, creator_id, created_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(thread_id) DO UPDATE SET
			project_alias = excluded.project_alias,
			adapter = excluded.adapter,
			creator_id = excluded.creator_id;
	`, b.ThreadID, b.ProjectAlias, b.Adapter, b.CreatorID)
	if err != nil {
		return fmt.Errorf("bind thread: %w", err)
	}
	return nil
}

func (s *Store) GetBinding(ctx context.Context, threadID string) (*ThreadBinding, error) {
	var b ThreadBinding
	err := s.db.QueryRowContext(ctx, `
		SELECT thread_id, project_alias, adapter, creator_id FROM thread_bindings WHERE thread_id = ?;
	`, threadID).Scan(&b.ThreadID, &b.ProjectAlias, &b.Adapter, &b.CreatorID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get binding: %w", err)
	}
	return &b, nil
}
