// Package engine is the scheduler loop: a single long-lived
// driver that dequeues tasks under the global concurrency cap, hands each
// to the subprocess supervisor, routes the resulting outcome through the
// approval/replay and resume-failure protocols, and reports every status
// change to the adapter bus.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RaiAnsar/remotewiz/internal/adapter"
	"github.com/RaiAnsar/remotewiz/internal/audit"
	"github.com/RaiAnsar/remotewiz/internal/bus"
	"github.com/RaiAnsar/remotewiz/internal/project"
	"github.com/RaiAnsar/remotewiz/internal/storage"
	"github.com/RaiAnsar/remotewiz/internal/summarizer"
	"github.com/RaiAnsar/remotewiz/internal/supervisor"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Config controls the engine's polling cadence and concurrency cap. Per
// project token budget/timeout overrides live in project.Config and are
// resolved fresh on every run.
type Config struct {
	MaxConcurrentTasks int
	PollInterval       time.Duration // tick cadence, roughly 2s in production
	ApprovalTimeout    time.Duration
	ReplayTimeout      time.Duration
	DrainTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = 30 * time.Minute
	}
	if c.ReplayTimeout <= 0 {
		c.ReplayTimeout = 2 * time.Minute
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	return c
}

// Status is a point-in-time snapshot exposed via get_queue_status and the
// operator TUI.
type Status struct {
	ActiveTasks int32  `json:"active_tasks"`
	MaxTasks    int    `json:"max_tasks"`
	LastError   string `json:"last_error,omitempty"`
}

// Runner is the slice of the subprocess supervisor the engine drives.
// *supervisor.Runner satisfies it; tests substitute a fake that replays
// canned outcomes instead of spawning a real agent binary.
type Runner interface {
	Run(ctx context.Context, task supervisor.Task, project supervisor.Project, rc supervisor.RunContext) (supervisor.Outcome, error)
}

// Engine wires the task queue (storage), the subprocess supervisor, the
// adapter registry, and the event bus into the scheduler loop.
type Engine struct {
	store      *storage.Store
	runner     Runner
	adapters   *adapter.Registry
	bus        *bus.Bus
	summarizer summarizer.Summarizer
	tracer     trace.Tracer
	logger     *slog.Logger
	config     Config

	projects atomic.Pointer[project.Config] // live, hot-reloadable

	once sync.Once
	wg   sync.WaitGroup

	// cancelMu is a leaf lock: never held while acquiring
	// another lock or doing I/O. It guards the map of in-flight runs so a
	// cancel request can reach the right subprocess.
	cancelMu sync.RWMutex
	cancels  map[string]context.CancelFunc

	activeTasks atomic.Int32
	lastError   atomic.Pointer[string]

	stopCh chan struct{}
}

// New constructs an Engine. initialProjects supplies the starting project
// registry; UpdateProjects (wired to a project.Watcher's Events() channel
// by the caller) keeps it current across hot reloads.
func New(store *storage.Store, runner Runner, adapters *adapter.Registry, eventBus *bus.Bus, summ summarizer.Summarizer, tracer trace.Tracer, logger *slog.Logger, cfg Config, initialProjects project.Config) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("remotewiz")
	}
	if summ == nil {
		summ = summarizer.Fallback{}
	}
	e := &Engine{
		store:      store,
		runner:     runner,
		adapters:   adapters,
		bus:        eventBus,
		summarizer: summ,
		tracer:     tracer,
		logger:     logger,
		config:     cfg.withDefaults(),
		cancels:    map[string]context.CancelFunc{},
		stopCh:     make(chan struct{}),
	}
	e.projects.Store(&initialProjects)
	return e
}

// UpdateProjects swaps in a freshly reloaded project registry. Safe to
// call concurrently with the running loop.
func (e *Engine) UpdateProjects(cfg project.Config) {
	e.projects.Store(&cfg)
	if e.bus != nil {
		e.bus.Publish(bus.TopicProjectsReloaded, bus.ProjectsReloadedEvent{ProjectCount: len(cfg.Projects)})
	}
}

func (e *Engine) currentProjects() project.Config {
	return *e.projects.Load()
}

// Start runs orphan recovery once, then launches the tick loop. It
// returns once orphan recovery finishes; the tick loop
// itself runs in a background goroutine until Stop or ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	e.once.Do(func() {
		e.recoverOrphans(ctx)
		e.logStartupSkipPermissions(ctx)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.tickLoop(ctx)
		}()
	})
}

// Stop halts the tick loop, refuses new launches, and waits for in-flight
// runs up to the configured drain timeout.
func (e *Engine) Stop() {
	close(e.stopCh)
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("engine drained cleanly")
	case <-time.After(e.config.DrainTimeout):
		e.logger.Warn("engine drain timeout; in-flight tasks remain running", "timeout", e.config.DrainTimeout)
	}
}

func (e *Engine) Status() Status {
	st := Status{ActiveTasks: e.activeTasks.Load(), MaxTasks: e.config.MaxConcurrentTasks}
	if p := e.lastError.Load(); p != nil {
		st.LastError = *p
	}
	return st
}

func (e *Engine) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	e.lastError.Store(&msg)
	e.logger.Error("engine error", "error", msg)
}

// recoverOrphans performs orphan discovery: every task left
// running at engine start is a crash candidate. Each gets a PID-verified
// kill attempt, then is marked failed regardless of whether the kill
// found a live process to stop.
func (e *Engine) recoverOrphans(ctx context.Context) {
	orphans, err := e.store.RunningOrphans(ctx)
	if err != nil {
		e.setLastError(fmt.Errorf("list running orphans: %w", err))
		return
	}
	for _, t := range orphans {
		e.recoverOrphan(ctx, t)
	}
}

func (e *Engine) recoverOrphan(ctx context.Context, t *storage.Task) {
	if t.WorkerPID != nil && t.WorkerPIDStartTS != nil {
		result, err := supervisor.VerifyAndKill(*t.WorkerPID, *t.WorkerPIDStartTS, 5*time.Second)
		if err != nil {
			e.setLastError(fmt.Errorf("orphan kill task %s: %w", t.ID, err))
		}
		if !result.IdentityMatched {
			_ = audit.Record(ctx, e.store, audit.Entry{
				TaskID: t.ID, ProjectAlias: t.ProjectAlias, ThreadID: t.ThreadID,
				Actor: "system", Action: "zombie_pid_reused",
				Detail: fmt.Sprintf("stored pid %d did not match the OS process observed at recovery", *t.WorkerPID),
			})
		}
	}
	if err := e.store.MarkFailed(ctx, t.ID, storage.ErrCodeWorkerCrashedRecovery); err != nil {
		e.setLastError(fmt.Errorf("mark orphan failed %s: %w", t.ID, err))
		return
	}
	_ = audit.Record(ctx, e.store, audit.Entry{
		TaskID: t.ID, ProjectAlias: t.ProjectAlias, ThreadID: t.ThreadID,
		Actor: "system", Action: "worker_crashed_recovery",
	})
	e.publishStatus(t.ID, t.ProjectAlias, string(storage.TaskRunning), string(storage.TaskFailed))
	e.dispatchUpdate(t, string(storage.TaskFailed), "", storage.ErrCodeWorkerCrashedRecovery)
	e.logger.Warn("recovered orphaned task", "task_id", t.ID, "project_alias", t.ProjectAlias)
}

// logStartupSkipPermissions records the per-project unconditional-skip
// trail: one warning log plus one audit entry per
// project configured with skip_permissions at startup.
func (e *Engine) logStartupSkipPermissions(ctx context.Context) {
	for _, p := range e.currentProjects().Projects {
		if !p.SkipPermissions {
			continue
		}
		e.logger.Warn("project runs with permissions unconditionally skipped",
			"project_alias", p.Alias, "reason", p.SkipPermissionsReason)
		_ = audit.Record(ctx, e.store, audit.Entry{
			ProjectAlias: p.Alias, Actor: "system", Action: "auto_approved",
			Detail: fmt.Sprintf("project skip_permissions enabled at startup: %s", p.SkipPermissionsReason),
		})
	}
}

// tickLoop is the fixed-period driver: each tick,
// expire stale approvals, then launch runs while under the concurrency
// cap and a dequeue succeeds.
func (e *Engine) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.expireApprovals(ctx)
			e.pruneSessions(ctx)
			e.launchReady(ctx)
		}
	}
}

func (e *Engine) pruneSessions(ctx context.Context) {
	if _, err := e.store.PruneExpiredSessions(ctx); err != nil {
		e.setLastError(fmt.Errorf("prune expired sessions: %w", err))
	}
}

// expireApprovals denies stale requests: approvals pending past the
// configured expiry are atomically denied and their tasks marked failed.
func (e *Engine) expireApprovals(ctx context.Context) {
	taskIDs, err := e.store.ExpirePendingApprovals(ctx, e.config.ApprovalTimeout)
	if err != nil {
		e.setLastError(fmt.Errorf("expire pending approvals: %w", err))
		return
	}
	for _, taskID := range taskIDs {
		if err := e.store.MarkFailed(ctx, taskID, storage.ErrCodeApprovalTimeout); err != nil {
			e.setLastError(fmt.Errorf("mark approval-expired task failed %s: %w", taskID, err))
			continue
		}
		task, _ := e.store.GetTask(ctx, taskID)
		_ = audit.Record(ctx, e.store, audit.Entry{
			TaskID: taskID, Actor: "system", Action: "approval_timeout",
		})
		e.publishStatus(taskID, projectAliasOf(task), string(storage.TaskNeedsApproval), string(storage.TaskFailed))
		e.dispatchUpdate(task, string(storage.TaskFailed), "", storage.ErrCodeApprovalTimeout)
	}
}

func projectAliasOf(t *storage.Task) string {
	if t == nil {
		return ""
	}
	return t.ProjectAlias
}

// launchReady drains the queue: while under the concurrency
// cap and a dequeue succeeds, spawn a goroutine to run that task.
func (e *Engine) launchReady(ctx context.Context) {
	for {
		if int(e.activeTasks.Load()) >= e.config.MaxConcurrentTasks {
			return
		}
		task, err := e.store.DequeueNext(ctx)
		if err != nil {
			e.setLastError(fmt.Errorf("dequeue next: %w", err))
			return
		}
		if task == nil {
			return
		}
		_ = audit.Record(ctx, e.store, audit.Entry{
			TaskID: task.ID, ProjectAlias: task.ProjectAlias, ThreadID: task.ThreadID,
			Actor: "system", Action: "task_started",
		})
		e.publishStatus(task.ID, task.ProjectAlias, string(storage.TaskQueued), string(storage.TaskRunning))
		e.dispatchUpdate(task, string(storage.TaskRunning), "", "")
		e.launch(task, false, nil)
	}
}

// launch runs one task to completion in its own goroutine, tracked by wg
// so Stop can drain in-flight work. isReplay is set when this launch is
// the post-approval replay spawn.
func (e *Engine) launch(task *storage.Task, isReplay bool, approval *storage.Approval) {
	e.activeTasks.Add(1)
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancelMu.Lock()
	e.cancels[task.ID] = cancel
	e.cancelMu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.activeTasks.Add(-1)
		defer func() {
			e.cancelMu.Lock()
			delete(e.cancels, task.ID)
			e.cancelMu.Unlock()
			cancel()
		}()
		e.runTask(runCtx, task, isReplay, approval)
	}()
}

// CancelTask implements the adapter-driven cancel entrypoint: flip the
// queue row first, then best-effort PID-verified
// SIGTERM of any in-flight subprocess. The run's own post-exit handling
// observes the terminal status and skips emitting a "done" update.
func (e *Engine) CancelTask(ctx context.Context, taskID string) (bool, error) {
	changed, err := e.store.Cancel(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("cancel task: %w", err)
	}
	e.cancelMu.RLock()
	cancel, ok := e.cancels[taskID]
	e.cancelMu.RUnlock()
	if ok {
		cancel()
	}
	if changed {
		task, _ := e.store.GetTask(ctx, taskID)
		_ = audit.Record(ctx, e.store, audit.Entry{TaskID: taskID, Actor: "adapter", Action: "cancelled_by_user"})
		e.publishStatus(taskID, projectAliasOf(task), "", string(storage.TaskFailed))
		e.dispatchUpdate(task, string(storage.TaskFailed), "", storage.ErrCodeCancelledByUser)
	}
	return changed || ok, nil
}

// ResolveApproval is the adapter-driven resolve entrypoint: atomically
// transition the approval, and
// on approve, immediately launch the replay run (counted against
// in-flight concurrency, bypassing the normal dequeue so it is not
// blocked behind other queued work for the same project).
func (e *Engine) ResolveApproval(ctx context.Context, approvalID, actorID string, approve bool) (bool, error) {
	appr, err := e.store.GetApproval(ctx, approvalID)
	if err != nil {
		return false, fmt.Errorf("resolve approval: get approval: %w", err)
	}
	if appr == nil {
		return false, nil
	}
	changed, err := e.store.ResolveApproval(ctx, approvalID, approve, actorID)
	if err != nil {
		return false, fmt.Errorf("resolve approval: %w", err)
	}
	if !changed {
		return false, nil
	}

	task, err := e.store.GetTask(ctx, appr.TaskID)
	if err != nil || task == nil {
		e.setLastError(fmt.Errorf("resolve approval: load task %s: %w", appr.TaskID, err))
		return changed, nil
	}

	if e.bus != nil {
		e.bus.Publish(bus.TopicApprovalResolved, bus.ApprovalResolvedEvent{
			TaskID: task.ID, ApprovalID: approvalID, Approved: approve, ResolverID: actorID,
		})
	}

	if !approve {
		if err := e.store.MarkFailed(ctx, task.ID, storage.ErrCodeApprovalDenied); err != nil {
			e.setLastError(fmt.Errorf("mark denied task failed: %w", err))
			return changed, nil
		}
		_ = audit.Record(ctx, e.store, audit.Entry{TaskID: task.ID, ProjectAlias: task.ProjectAlias, Actor: actorID, Action: "approval_denied"})
		e.publishStatus(task.ID, task.ProjectAlias, string(storage.TaskNeedsApproval), string(storage.TaskFailed))
		e.dispatchUpdate(task, string(storage.TaskFailed), "", storage.ErrCodeApprovalDenied)
		return changed, nil
	}

	_ = audit.Record(ctx, e.store, audit.Entry{TaskID: task.ID, ProjectAlias: task.ProjectAlias, Actor: actorID, Action: "approval_granted"})
	if err := e.store.MarkRunning(ctx, task.ID); err != nil {
		e.setLastError(fmt.Errorf("mark replay task running: %w", err))
		return changed, nil
	}
	e.publishStatus(task.ID, task.ProjectAlias, string(storage.TaskNeedsApproval), string(storage.TaskRunning))
	e.launch(task, true, appr)
	return changed, nil
}

func (e *Engine) publishStatus(taskID, projectAlias, oldStatus, newStatus string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.TopicTaskStatusChanged, bus.TaskStatusChangedEvent{
		TaskID: taskID, ProjectAlias: projectAlias, OldStatus: oldStatus, NewStatus: newStatus,
	})
}

func (e *Engine) dispatchUpdate(task *storage.Task, status, summary, errCode string) {
	if task == nil || e.adapters == nil {
		return
	}
	e.adapters.DispatchTaskUpdate(context.Background(), task.Adapter, adapter.TaskUpdate{
		TaskID: task.ID, ThreadID: task.ThreadID, Status: status, Summary: summary, Error: errCode,
	})
}
