package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "remotewiz.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenAppliesSchemaIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remotewiz.db")
	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen same db: %v", err)
	}
	defer s2.Close()
}

func TestAuditLogRejectsUpdateAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertAudit(ctx, AuditEntry{Actor: "system", Action: "task_created", Detail: "{}"}); err != nil {
		t.Fatalf("insert audit: %v", err)
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE audit_log SET action = 'tampered' WHERE id = 1;`); err == nil {
		t.Fatal("expected UPDATE on audit_log to be rejected by trigger")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE id = 1;`); err == nil {
		t.Fatal("expected DELETE on audit_log to be rejected by trigger")
	}

	rows, err := s.RecentAudit(ctx, 10)
	if err != nil {
		t.Fatalf("recent audit: %v", err)
	}
	if len(rows) != 1 || rows[0].Action != "task_created" {
		t.Fatalf("audit row mutated or missing: %+v", rows)
	}
}

func TestBackup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Enqueue(ctx, TaskInput{ProjectAlias: "alpha", ProjectPath: "/tmp/alpha", Prompt: "hi", ThreadID: "t1", Adapter: "web"}, 5); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	dst := filepath.Join(t.TempDir(), "backup.db")
	if err := s.Backup(ctx, dst); err != nil {
		t.Fatalf("backup: %v", err)
	}
	backup, err := Open(dst)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer backup.Close()
	status, err := backup.QueueStatus(ctx)
	if err != nil {
		t.Fatalf("queue status on backup: %v", err)
	}
	if status.Queued != 1 {
		t.Fatalf("expected 1 queued task in backup, got %+v", status)
	}
}
