package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UploadRef is an opaque handle to a validated, confined uploaded file.
// The client only ever sees {id, original_name}.
type UploadRef struct {
	ID           string
	ProjectAlias string
	OriginalName string
	ServerPath   string
	CreatedAt    time.Time
	ExpiresAt    *time.Time
	ConsumedAt   *time.Time
}

// CreateUploadReference records a reference for a file already written
// beneath the confined uploads root. Path confinement itself is enforced
// by the caller (internal/uploads) before this is ever invoked; this layer
// only persists the resulting handle.
func (s *Store) CreateUploadReference(ctx context.Context, projectAlias, originalName, serverPath string) (*UploadRef, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO upload_refs (id, project_alias, original_name, server_path, created_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, id, projectAlias, originalName, serverPath)
	if err != nil {
		return nil, fmt.Errorf("create upload reference: %w", err)
	}
	return s.ResolveUploadRef(ctx, id)
}

func scanUploadRef(scan func(dest ...any) error) (*UploadRef, error) {
	var u UploadRef
	var expiresAt, consumedAt sql.NullTime
	if err := scan(&u.ID, &u.ProjectAlias, &u.OriginalName, &u.ServerPath, &u.CreatedAt, &expiresAt, &consumedAt); err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		v := expiresAt.Time
		u.ExpiresAt = &v
	}
	if consumedAt.Valid {
		v := consumedAt.Time
		u.ConsumedAt = &v
	}
	return &u, nil
}

func (s *Store) ResolveUploadRef(ctx context.Context, id string) (*UploadRef, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_alias, original_name, server_path, created_at, expires_at, consumed_at
		FROM upload_refs WHERE id = ?;
	`, id)
	u, err := scanUploadRef(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

func (s *Store) MarkUploadConsumed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE upload_refs SET consumed_at = CURRENT_TIMESTAMP WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("mark upload consumed: %w", err)
	}
	return nil
}

// ListUploadsForScope returns every upload reference under a project, used
// by cleanup_task_upload_dir to discover what to remove from disk.
func (s *Store) ListUploadsForScope(ctx context.Context, projectAlias string) ([]*UploadRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_alias, original_name, server_path, created_at, expires_at, consumed_at
		FROM upload_refs WHERE project_alias = ?;
	`, projectAlias)
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	defer rows.Close()

	var out []*UploadRef
	for rows.Next() {
		u, err := scanUploadRef(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// DeleteUploadReference removes the row after the on-disk file has been
// removed by the caller.
func (s *Store) DeleteUploadReference(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM upload_refs WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete upload reference: %w", err)
	}
	return nil
}
