package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SessionTTL is the advisory lifetime of a session reference.
const SessionTTL = 24 * time.Hour

// Session maps a thread/project pair to the Agent's opaque session
// reference. Its absence or staleness must never deadlock
// continuation — callers treat a missing session as "start fresh".
type Session struct {
	ThreadID     string
	ProjectAlias string
	SessionRef   string
	LastUsedAt   time.Time
}

// UpsertSession records or refreshes the session reference for a thread,
// called after any run that reports done with a detected session id.
func (s *Store) UpsertSession(ctx context.Context, threadID, projectAlias, sessionRef string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (thread_id, project_alias, session_ref, last_used_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(thread_id, project_alias) DO UPDATE SET
			session_ref = excluded.session_ref,
			last_used_at = excluded.last_used_at;
	`, threadID, projectAlias, sessionRef)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// GetSession returns the live session for a thread/project, or nil if none
// exists or it has exceeded SessionTTL since last use.
func (s *Store) GetSession(ctx context.Context, threadID, projectAlias string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		SELECT thread_id, project_alias, session_ref, last_used_at
		FROM sessions WHERE thread_id = ? AND project_alias = ?;
	`, threadID, projectAlias).Scan(&sess.ThreadID, &sess.ProjectAlias, &sess.SessionRef, &sess.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if time.Since(sess.LastUsedAt) > SessionTTL {
		return nil, nil
	}
	return &sess, nil
}

// PruneExpiredSessions deletes sessions older than SessionTTL, returning the
// number removed. Intended to run on the engine's own tick cadence.
func (s *Store) PruneExpiredSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions WHERE last_used_at < ?;
	`, time.Now().Add(-SessionTTL))
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune sessions rows affected: %w", err)
	}
	return n, nil
}
