package gateway_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/RaiAnsar/remotewiz/internal/adapter"
	"github.com/RaiAnsar/remotewiz/internal/bus"
	"github.com/RaiAnsar/remotewiz/internal/engine"
	"github.com/RaiAnsar/remotewiz/internal/gateway"
	"github.com/RaiAnsar/remotewiz/internal/project"
	"github.com/RaiAnsar/remotewiz/internal/storage"
	"github.com/RaiAnsar/remotewiz/internal/supervisor"
)

type noopRunner struct{}

func (noopRunner) Run(_ context.Context, _ supervisor.Task, _ supervisor.Project, _ supervisor.RunContext) (supervisor.Outcome, error) {
	return supervisor.Outcome{Status: supervisor.StatusDone}, nil
}

func newTestGateway(t *testing.T) (*gateway.Gateway, *storage.Store, string) {
	t.Helper()
	home := t.TempDir()
	store, err := storage.Open(filepath.Join(home, "remotewiz.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	projDir := filepath.Join(home, "alpha")
	if err := os.MkdirAll(projDir, 0o755); err != nil {
		t.Fatalf("mkdir project: %v", err)
	}
	resolved, err := filepath.EvalSymlinks(projDir)
	if err != nil {
		t.Fatalf("resolve project dir: %v", err)
	}

	cfg := project.Config{
		EngineDefaults: project.EngineDefaults{
			MaxConcurrentTasks:  3,
			MaxQueuedPerProject: 2,
			DefaultTokenBudget:  100000,
			DefaultTimeoutMs:    600000,
		},
		Projects: []project.ProjectEntry{{Alias: "alpha", Path: resolved}},
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	eng := engine.New(store, noopRunner{}, adapter.New(logger), bus.New(), nil, nil, logger, engine.Config{}, cfg)

	uploadsRoot := filepath.Join(home, "uploads")
	gw := gateway.New(store, eng, func() project.Config { return cfg }, uploadsRoot, logger)
	return gw, store, uploadsRoot
}

func TestEnqueueTaskUnknownProject(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	_, err := gw.EnqueueTask(context.Background(), gateway.EnqueueInput{
		ProjectAlias: "nope", Prompt: "hello", ThreadID: "t1", Adapter: "web",
	})
	if !errors.Is(err, storage.ErrUnknownProject) {
		t.Fatalf("want ErrUnknownProject, got %v", err)
	}
}

func TestEnqueueTaskQueueCap(t *testing.T) {
	gw, store, _ := newTestGateway(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := gw.EnqueueTask(ctx, gateway.EnqueueInput{
			ProjectAlias: "alpha", Prompt: "p", ThreadID: "t1", Adapter: "web", ActorID: "u1",
		}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	_, err := gw.EnqueueTask(ctx, gateway.EnqueueInput{
		ProjectAlias: "alpha", Prompt: "p", ThreadID: "t1", Adapter: "web",
	})
	if !errors.Is(err, storage.ErrQueueFull) {
		t.Fatalf("third enqueue: want ErrQueueFull, got %v", err)
	}

	// The refused enqueue must leave no row behind.
	n, err := store.PendingCountPerProject(ctx, "alpha")
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	if n != 2 {
		t.Fatalf("pending count after refused enqueue = %d, want 2", n)
	}
}

func TestEnqueueTaskSnapshotsPathAndAudits(t *testing.T) {
	gw, store, _ := newTestGateway(t)
	ctx := context.Background()

	task, err := gw.EnqueueTask(ctx, gateway.EnqueueInput{
		ProjectAlias: "alpha", Prompt: "hello", ThreadID: "t1", Adapter: "web", ActorID: "u1",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if task.ProjectPath == "" {
		t.Fatalf("task did not snapshot the project path")
	}
	if task.Status != storage.TaskQueued {
		t.Fatalf("status = %s, want queued", task.Status)
	}

	entries, err := store.AuditByTask(ctx, task.ID, 10)
	if err != nil {
		t.Fatalf("audit by task: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.Action == "task_created" && e.Actor == "u1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no task_created audit entry for actor u1: %+v", entries)
	}
}

func TestBindThreadRejectsUnknownProject(t *testing.T) {
	gw, store, _ := newTestGateway(t)
	ctx := context.Background()

	if err := gw.BindThread(ctx, "t9", "ghost", "web", "u1"); !errors.Is(err, storage.ErrUnknownProject) {
		t.Fatalf("want ErrUnknownProject, got %v", err)
	}
	b, err := store.GetBinding(ctx, "t9")
	if err != nil {
		t.Fatalf("get binding: %v", err)
	}
	if b != nil {
		t.Fatalf("binding persisted despite unknown project: %+v", b)
	}

	if err := gw.BindThread(ctx, "t9", "alpha", "web", "u1"); err != nil {
		t.Fatalf("bind known project: %v", err)
	}
	got, err := gw.GetBinding(ctx, "t9")
	if err != nil || got == nil || got.ProjectAlias != "alpha" {
		t.Fatalf("get binding = %+v, %v", got, err)
	}
}

func TestResolveApprovalRejectsBadAction(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	if _, err := gw.ResolveApproval(context.Background(), "a1", "u1", "maybe"); err == nil {
		t.Fatalf("expected error for unrecognized action")
	}
}

func TestCreateUploadReferenceRejectsEscape(t *testing.T) {
	gw, _, uploadsRoot := newTestGateway(t)
	ctx := context.Background()

	outside := filepath.Join(filepath.Dir(uploadsRoot), "escape.txt")
	if err := os.WriteFile(outside, []byte("x"), 0o644); err != nil {
		t.Fatalf("write outside file: %v", err)
	}
	if _, err := gw.CreateUploadReference(ctx, "alpha", "escape.txt", outside); err == nil {
		t.Fatalf("expected rejection for path outside uploads root")
	}
}

func TestStoreUploadRoundTrip(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	ctx := context.Background()

	ref, err := gw.StoreUpload(ctx, "alpha", "scope1", "notes.txt", []byte("plain text"), "text/plain")
	if err != nil {
		t.Fatalf("store upload: %v", err)
	}
	got, err := gw.ResolveUploadRef(ctx, ref.ID)
	if err != nil || got == nil {
		t.Fatalf("resolve upload ref: %+v, %v", got, err)
	}
	if got.OriginalName != "notes.txt" {
		t.Fatalf("original name = %q", got.OriginalName)
	}
	if _, err := os.Stat(got.ServerPath); err != nil {
		t.Fatalf("stored file missing: %v", err)
	}

	if err := gw.MarkUploadConsumed(ctx, ref.ID); err != nil {
		t.Fatalf("mark consumed: %v", err)
	}
	got, err = gw.ResolveUploadRef(ctx, ref.ID)
	if err != nil || got == nil || got.ConsumedAt == nil {
		t.Fatalf("consumed_at not set: %+v, %v", got, err)
	}

	if err := gw.CleanupTaskUploadDir(ctx, "alpha", "scope1"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(got.ServerPath); !os.IsNotExist(err) {
		t.Fatalf("file still present after cleanup: %v", err)
	}
}

func TestGetBudgetToday(t *testing.T) {
	gw, store, _ := newTestGateway(t)
	ctx := context.Background()

	task, err := gw.EnqueueTask(ctx, gateway.EnqueueInput{
		ProjectAlias: "alpha", Prompt: "p", ThreadID: "t1", Adapter: "web",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.UpdateTokens(ctx, task.ID, 1234); err != nil {
		t.Fatalf("update tokens: %v", err)
	}

	got, err := gw.GetBudgetToday(ctx, "alpha")
	if err != nil {
		t.Fatalf("budget today: %v", err)
	}
	if got != 1234 {
		t.Fatalf("budget today = %d, want 1234", got)
	}
	all, err := gw.GetBudgetToday(ctx, "")
	if err != nil || all != 1234 {
		t.Fatalf("budget today (all) = %d, %v", all, err)
	}
}
