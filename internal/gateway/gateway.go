// Package gateway is the adapter-facing API surface: the one
// place a transport (chat bot, web UI) talks to. It validates project
// aliases against the live registry, snapshots the project path at
// enqueue time, enforces upload confinement, and delegates lifecycle
// operations to the engine. Every string it returns has already been
// through the redactor further down the stack.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/RaiAnsar/remotewiz/internal/audit"
	"github.com/RaiAnsar/remotewiz/internal/engine"
	"github.com/RaiAnsar/remotewiz/internal/project"
	"github.com/RaiAnsar/remotewiz/internal/storage"
	"github.com/RaiAnsar/remotewiz/internal/uploads"
)

// EnqueueInput is the recognized enqueue envelope.
type EnqueueInput struct {
	ProjectAlias    string
	Prompt          string
	ThreadID        string
	Adapter         string
	ContinueSession bool
	ActorID         string
}

// QueueStatus combines the durable queue counts with the engine's
// in-flight view for the get_queue_status surface.
type QueueStatus struct {
	Queued        int   `json:"queued"`
	Running       int   `json:"running"`
	NeedsApproval int   `json:"needs_approval"`
	ActiveTasks   int32 `json:"active_tasks"`
	MaxTasks      int   `json:"max_tasks"`
}

// Gateway wires the store, the engine, and the live project registry
// behind the adapter API contract.
type Gateway struct {
	store       *storage.Store
	engine      *engine.Engine
	projects    func() project.Config
	uploadsRoot string
	logger      *slog.Logger
}

func New(store *storage.Store, eng *engine.Engine, projects func() project.Config, uploadsRoot string, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{store: store, engine: eng, projects: projects, uploadsRoot: uploadsRoot, logger: logger}
}

// EnqueueTask validates the project, snapshots its canonical path, and
// inserts a queued task under the per-project depth cap. Returns
// storage.ErrUnknownProject or storage.ErrQueueFull synchronously.
func (g *Gateway) EnqueueTask(ctx context.Context, in EnqueueInput) (*storage.Task, error) {
	cfg := g.projects()
	proj, ok := cfg.ProjectByAlias(strings.TrimSpace(in.ProjectAlias))
	if !ok {
		return nil, storage.ErrUnknownProject
	}

	task, err := g.store.Enqueue(ctx, storage.TaskInput{
		ProjectAlias:    proj.Alias,
		ProjectPath:     proj.Path,
		Prompt:          in.Prompt,
		ThreadID:        in.ThreadID,
		Adapter:         in.Adapter,
		ContinueSession: in.ContinueSession,
	}, cfg.MaxQueuedPerProject)
	if err != nil {
		return nil, err
	}

	_ = audit.Record(ctx, g.store, audit.Entry{
		TaskID: task.ID, ProjectAlias: task.ProjectAlias, ThreadID: task.ThreadID,
		Actor: actorOrDefault(in.ActorID), Action: "task_created",
	})
	return task, nil
}

func actorOrDefault(actorID string) string {
	if actorID == "" {
		return "adapter"
	}
	return actorID
}

// BindThread records the thread→project mapping, rejecting unknown
// projects before anything is persisted.
func (g *Gateway) BindThread(ctx context.Context, threadID, projectAlias, adapterTag, actorID string) error {
	if _, ok := g.projects().ProjectByAlias(projectAlias); !ok {
		return storage.ErrUnknownProject
	}
	if err := g.store.BindThread(ctx, storage.ThreadBinding{
		ThreadID: threadID, ProjectAlias: projectAlias, Adapter: adapterTag, CreatorID: actorID,
	}); err != nil {
		return err
	}
	_ = audit.Record(ctx, g.store, audit.Entry{
		ProjectAlias: projectAlias, ThreadID: threadID,
		Actor: actorOrDefault(actorID), Action: "thread_bound",
	})
	return nil
}

// GetBinding returns the project binding for a thread, or nil when the
// thread is unbound.
func (g *Gateway) GetBinding(ctx context.Context, threadID string) (*storage.ThreadBinding, error) {
	return g.store.GetBinding(ctx, threadID)
}

// CancelTask flips the task terminal and best-effort-kills any in-flight
// subprocess.
func (g *Gateway) CancelTask(ctx context.Context, taskID, actorID string) (bool, error) {
	changed, err := g.engine.CancelTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if changed && actorID != "" {
		_ = audit.Record(ctx, g.store, audit.Entry{
			TaskID: taskID, Actor: actorID, Action: "cancel_requested",
		})
	}
	return changed, nil
}

// ResolveApproval resolves a pending approval. action must be "approve"
// or "deny"; anything else is an error before any state is touched.
func (g *Gateway) ResolveApproval(ctx context.Context, approvalID, actorID, action string) (bool, error) {
	switch action {
	case "approve", "deny":
	default:
		return false, fmt.Errorf("resolve approval: unrecognized action %q", action)
	}
	return g.engine.ResolveApproval(ctx, approvalID, actorID, action == "approve")
}

// GetProjects returns the live project registry.
func (g *Gateway) GetProjects() []project.ProjectEntry {
	return g.projects().Projects
}

// GetQueueStatus returns queued/in-flight counts plus the engine's view.
func (g *Gateway) GetQueueStatus(ctx context.Context) (QueueStatus, error) {
	qs, err := g.store.QueueStatus(ctx)
	if err != nil {
		return QueueStatus{}, err
	}
	st := g.engine.Status()
	return QueueStatus{
		Queued:        qs.Queued,
		Running:       qs.Running,
		NeedsApproval: qs.NeedsApproval,
		ActiveTasks:   st.ActiveTasks,
		MaxTasks:      st.MaxTasks,
	}, nil
}

// GetThreadTaskHistory returns tasks for a thread, newest first.
func (g *Gateway) GetThreadTaskHistory(ctx context.Context, threadID string, limit int) ([]*storage.Task, error) {
	return g.store.ThreadHistory(ctx, threadID, limit)
}

// GetProjectTaskHistory returns tasks for a project, newest first.
func (g *Gateway) GetProjectTaskHistory(ctx context.Context, projectAlias string, limit int) ([]*storage.Task, error) {
	return g.store.ListByProject(ctx, projectAlias, limit)
}

// GetAudit returns recent audit entries, optionally scoped to a project.
func (g *Gateway) GetAudit(ctx context.Context, projectAlias string, limit int) ([]*storage.AuditEntry, error) {
	if projectAlias != "" {
		return g.store.AuditByProject(ctx, projectAlias, limit)
	}
	return g.store.RecentAudit(ctx, limit)
}

// GetBudgetToday returns tokens consumed since local midnight, optionally
// scoped to a project.
func (g *Gateway) GetBudgetToday(ctx context.Context, projectAlias string) (int, error) {
	return g.store.TokensUsedToday(ctx, projectAlias)
}

// StoreUpload validates and writes an uploaded file beneath the confined
// uploads root, then records its reference. The returned ref is what the
// client sees; it carries the server path only for internal consumers.
func (g *Gateway) StoreUpload(ctx context.Context, projectAlias, scopeID, originalName string, data []byte, declaredMIME string) (*storage.UploadRef, error) {
	if _, ok := g.projects().ProjectByAlias(projectAlias); !ok {
		return nil, storage.ErrUnknownProject
	}
	serverPath, err := uploads.Store(g.uploadsRoot, projectAlias, scopeID, data, declaredMIME)
	if err != nil {
		return nil, err
	}
	return g.store.CreateUploadReference(ctx, projectAlias, originalName, serverPath)
}

// CreateUploadReference records a reference for a file some other layer
// already wrote. The canonical path must lie strictly beneath the
// canonical uploads root, or the reference is refused.
func (g *Gateway) CreateUploadReference(ctx context.Context, projectAlias, originalName, serverPath string) (*storage.UploadRef, error) {
	if !uploads.ConfinedToRoot(g.uploadsRoot, serverPath) {
		return nil, uploads.ErrPathEscape
	}
	return g.store.CreateUploadReference(ctx, projectAlias, originalName, serverPath)
}

// ResolveUploadRef returns the full reference for an id, or nil.
func (g *Gateway) ResolveUploadRef(ctx context.Context, id string) (*storage.UploadRef, error) {
	return g.store.ResolveUploadRef(ctx, id)
}

// MarkUploadConsumed stamps consumed_at on a reference.
func (g *Gateway) MarkUploadConsumed(ctx context.Context, id string) error {
	return g.store.MarkUploadConsumed(ctx, id)
}

// CleanupTaskUploadDir removes every upload recorded under one scope
// directory (<uploads_root>/<project>/<scope>/) and deletes the
// references. Files outside the scope are untouched.
func (g *Gateway) CleanupTaskUploadDir(ctx context.Context, projectAlias, scopeID string) error {
	refs, err := g.store.ListUploadsForScope(ctx, projectAlias)
	if err != nil {
		return err
	}
	scopeDir := filepath.Join(g.uploadsRoot, projectAlias, scopeID)
	var paths []string
	for _, ref := range refs {
		if within(scopeDir, ref.ServerPath) {
			paths = append(paths, ref.ServerPath)
			if err := g.store.DeleteUploadReference(ctx, ref.ID); err != nil {
				g.logger.Warn("delete upload reference", "upload_id", ref.ID, "error", err)
			}
		}
	}
	uploads.CleanupScope(paths)
	return nil
}

func within(dir, path string) bool {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(abs, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
