package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ApprovalStatus is the lifecycle state of a pending action decision.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
)

// Action classes recognized by the permission-denial classifier.
const (
	ActionFileDelete      = "file_delete"
	ActionGitPush         = "git_push"
	ActionGitForce        = "git_force"
	ActionDestructiveCmd  = "destructive_cmd"
	ActionExternalRequest = "external_request"
	ActionInstallPackage  = "install_package"
	ActionUnknown         = "unknown"
)

// Approval is a pending/resolved operator decision gating a replay.
type Approval struct {
	ID          string
	TaskID      string
	ActionClass string
	Description string
	Status      ApprovalStatus
	RequestedAt time.Time
	ResolvedAt  *time.Time
	ResolverID  string
}

// CreateApproval inserts a pending approval for a task moving into
// needs_approval. Called in the same logical step as SetCheckpoint.
func (s *Store) CreateApproval(ctx context.Context, taskID, actionClass, description string) (*Approval, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (id, task_id, action_class, description, status, requested_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, id, taskID, actionClass, description, ApprovalPending)
	if err != nil {
		return nil, fmt.Errorf("create approval: %w", err)
	}
	return s.GetApproval(ctx, id)
}

func scanApproval(scan func(dest ...any) error) (*Approval, error) {
	var a Approval
	var resolvedAt sql.NullTime
	var resolverID sql.NullString
	if err := scan(&a.ID, &a.TaskID, &a.ActionClass, &a.Description, &a.Status,
		&a.RequestedAt, &resolvedAt, &resolverID); err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		v := resolvedAt.Time
		a.ResolvedAt = &v
	}
	if resolverID.Valid {
		a.ResolverID = resolverID.String
	}
	return &a, nil
}

const approvalColumns = `id, task_id, action_class, description, status, requested_at, resolved_at, resolver_id`

func (s *Store) GetApproval(ctx context.Context, id string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = ?;`, id)
	a, err := scanApproval(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// ResolveApproval atomically flips a pending approval to a terminal status.
// Returns false if the row was no longer pending — a second resolve
// call, or an expiry sweep, simply loses the race.
func (s *Store) ResolveApproval(ctx context.Context, id string, approve bool, resolverID string) (bool, error) {
	status := ApprovalDenied
	if approve {
		status = ApprovalApproved
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET status = ?, resolved_at = CURRENT_TIMESTAMP, resolver_id = ?
		WHERE id = ? AND status = ?;
	`, status, resolverID, id, ApprovalPending)
	if err != nil {
		return false, fmt.Errorf("resolve approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve approval rows affected: %w", err)
	}
	return n == 1, nil
}

// ListPendingApprovals returns pending approvals oldest-first, for the
// operator status surfaces.
func (s *Store) ListPendingApprovals(ctx context.Context, limit int) ([]*Approval, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+approvalColumns+` FROM approvals
		WHERE status = ? ORDER BY requested_at ASC LIMIT ?;
	`, ApprovalPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()

	var out []*Approval
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan pending approval: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ExpirePendingApprovals flips every pending approval older than cutoff to
// denied with resolver "system_timeout", returning their
// ids so the caller can mark the associated tasks failed.
func (s *Store) ExpirePendingApprovals(ctx context.Context, cutoff time.Duration) ([]string, error) {
	var ids []string
	err := retryOnBusy(ctx, 5, func() error {
		ids = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin expire tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id, task_id FROM approvals
			WHERE status = ? AND requested_at < ?;
		`, ApprovalPending, time.Now().Add(-cutoff))
		if err != nil {
			return fmt.Errorf("select expired approvals: %w", err)
		}
		var expired []struct{ approvalID, taskID string }
		for rows.Next() {
			var e struct{ approvalID, taskID string }
			if err := rows.Scan(&e.approvalID, &e.taskID); err != nil {
				rows.Close()
				return fmt.Errorf("scan expired approval: %w", err)
			}
			expired = append(expired, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, e := range expired {
			if _, err := tx.ExecContext(ctx, `
				UPDATE approvals SET status = ?, resolved_at = CURRENT_TIMESTAMP, resolver_id = 'system_timeout'
				WHERE id = ? AND status = ?;
			`, ApprovalDenied, e.approvalID, ApprovalPending); err != nil {
				return fmt.Errorf("expire approval: %w", err)
			}
			ids = append(ids, e.taskID)
		}
		return tx.Commit()
	})
	return ids, err
}
