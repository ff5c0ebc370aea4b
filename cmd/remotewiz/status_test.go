package main

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/RaiAnsar/remotewiz/internal/storage"
)

func openStatusTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "remotewiz.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBuildStatusReport(t *testing.T) {
	store := openStatusTestStore(t)
	ctx := context.Background()

	task, err := store.Enqueue(ctx, storage.TaskInput{
		ProjectAlias: "alpha", ProjectPath: "/tmp/alpha", Prompt: "p", ThreadID: "t1", Adapter: "web",
	}, 5)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.CreateApproval(ctx, task.ID, storage.ActionGitPush, "push to main"); err != nil {
		t.Fatalf("create approval: %v", err)
	}

	report, err := buildStatusReport(ctx, store)
	if err != nil {
		t.Fatalf("build status report: %v", err)
	}
	if report.Queued != 1 {
		t.Errorf("queued = %d, want 1", report.Queued)
	}
	if len(report.PendingApprovals) != 1 {
		t.Fatalf("pending approvals = %d, want 1", len(report.PendingApprovals))
	}
	if report.PendingApprovals[0].ActionClass != storage.ActionGitPush {
		t.Errorf("action class = %q", report.PendingApprovals[0].ActionClass)
	}
}

func TestBuildStatusReportRedactsDescriptions(t *testing.T) {
	store := openStatusTestStore(t)
	ctx := context.Background()

	task, err := store.Enqueue(ctx, storage.TaskInput{
		ProjectAlias: "alpha", ProjectPath: "/tmp/alpha", Prompt: "p", ThreadID: "t1", Adapter: "web",
	}, 5)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	secret := "curl with ANTHROPIC_API_KEY=sk-ant-REDACTED"
	if _, err := store.CreateApproval(ctx, task.ID, storage.ActionExternalRequest, secret); err != nil {
		t.Fatalf("create approval: %v", err)
	}

	report, err := buildStatusReport(ctx, store)
	if err != nil {
		t.Fatalf("build status report: %v", err)
	}
	desc := report.PendingApprovals[0].Description
	if strings.Contains(desc, "sk-ant") {
		t.Errorf("status output leaked a key: %q", desc)
	}
	if !strings.Contains(desc, "[REDACTED]") {
		t.Errorf("expected a redaction marker in %q", desc)
	}
}

func TestWriteStatusReportJSON(t *testing.T) {
	report := statusReport{Queued: 2, Running: 1, TokensToday: 500}
	var b strings.Builder
	writeStatusReport(&b, report, true)

	var round statusReport
	if err := json.Unmarshal([]byte(b.String()), &round); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, b.String())
	}
	if round.Queued != 2 || round.Running != 1 || round.TokensToday != 500 {
		t.Errorf("round-tripped report = %+v", round)
	}
}

func TestWriteStatusReportText(t *testing.T) {
	report := statusReport{
		Queued: 3,
		PendingApprovals: []statusApprovalLine{
			{ID: "a1", TaskID: "t1", ActionClass: "file_delete", Description: "rm data.txt", RequestedAt: "2026-08-01T10:00:00Z"},
		},
	}
	var b strings.Builder
	writeStatusReport(&b, report, false)
	out := b.String()
	for _, want := range []string{"Queued: 3", "Pending approvals:", "file_delete", "rm data.txt"} {
		if !strings.Contains(out, want) {
			t.Errorf("text output missing %q:\n%s", want, out)
		}
	}
}
