package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/RaiAnsar/remotewiz/internal/adapter"
	"github.com/RaiAnsar/remotewiz/internal/audit"
	"github.com/RaiAnsar/remotewiz/internal/bus"
	"github.com/RaiAnsar/remotewiz/internal/redact"
	"github.com/RaiAnsar/remotewiz/internal/storage"
	"github.com/RaiAnsar/remotewiz/internal/summarizer"
	"github.com/RaiAnsar/remotewiz/internal/supervisor"
	"github.com/RaiAnsar/remotewiz/internal/telemetry"
	"github.com/RaiAnsar/remotewiz/internal/tracing"
)

// checkpoint is the blob persisted on a task row the moment it moves
// into needs_approval: enough context to resume the original task as a
// scoped replay once an operator decides.
type checkpoint struct {
	OriginalPrompt     string   `json:"original_prompt"`
	SummaryOfProgress  string   `json:"summary_of_progress_so_far"`
	ReplayActionsSoFar []string `json:"replay_actions_so_far"`
}

// runTask drives exactly one supervisor run for task (or, when isReplay is
// set, the approval-replay re-spawn) from dequeue to a terminal or
// needs_approval state, including the one-shot resume-failure fallback.
func (e *Engine) runTask(ctx context.Context, task *storage.Task, isReplay bool, approval *storage.Approval) {
	spanName := "engine.run_task"
	if isReplay {
		spanName = "engine.replay_task"
	}
	ctx, span := tracing.StartSpan(ctx, e.tracer, spanName,
		tracing.AttrTaskID.String(task.ID),
		tracing.AttrProjectAlias.String(task.ProjectAlias),
		tracing.AttrThreadID.String(task.ThreadID),
		tracing.AttrAdapter.String(task.Adapter),
	)
	defer span.End()

	cfg := e.currentProjects()
	proj, ok := cfg.ProjectByAlias(task.ProjectAlias)
	if !ok {
		_ = e.store.MarkFailed(ctx, task.ID, storage.ErrCodeUnknownProject)
		e.publishStatus(task.ID, task.ProjectAlias, string(storage.TaskRunning), string(storage.TaskFailed))
		e.dispatchUpdate(task, string(storage.TaskFailed), "", storage.ErrCodeUnknownProject)
		return
	}

	supProject := supervisor.Project{Alias: proj.Alias, Path: task.ProjectPath, SkipPermissions: proj.SkipPermissions}
	budget := cfg.EffectiveTokenBudget(proj)
	timeout := time.Duration(cfg.EffectiveTimeoutMs(proj)) * time.Millisecond

	var supTask supervisor.Task
	var rc supervisor.RunContext
	if isReplay && approval != nil {
		supTask = supervisor.Task{ID: task.ID, Prompt: buildReplayPrompt(approval.Description, task.Checkpoint, task.Prompt)}
		rc = supervisor.RunContext{
			ReplayMode:           true,
			ReplayApprovedAction: approval.Description,
			CheckpointSummary:    task.Checkpoint,
			ForceSkipPermissions: true,
			Timeout:              e.config.ReplayTimeout,
			AllowResume:          true,
			SessionRef:           e.lookupSessionRef(ctx, task),
			Budget:               budget,
		}
	} else {
		supTask = supervisor.Task{ID: task.ID, Prompt: task.Prompt}
		rc = supervisor.RunContext{
			Timeout:     timeout,
			AllowResume: task.ContinueSession,
			SessionRef:  e.lookupSessionRef(ctx, task),
			Budget:      budget,
		}
	}

	outcome, err := e.runner.Run(ctx, supTask, supProject, rc)
	if err != nil {
		e.setLastError(fmt.Errorf("run task %s: %w", task.ID, err))
		e.handleFailed(ctx, task, supervisor.Outcome{Status: supervisor.StatusFailed, ErrorCode: storage.ErrCodeCLIError})
		return
	}

	usedFallback := false
	if !isReplay && outcome.KillReason == "" && outcome.Status != supervisor.StatusNeedsApproval &&
		outcome.ExitNonZero && looksLikeResumeFailure(outcome.ResultText) {
		outcome, usedFallback = e.runResumeFallback(ctx, task, supProject, timeout, budget, outcome)
	}

	e.recordSchemaDrift(ctx, task, outcome)

	// A cancel flips the row to failed first and emits the final update
	// itself; a worker observing that state afterwards stays silent
	// rather than reporting "done".
	if cur, err := e.store.GetTask(ctx, task.ID); err == nil && cur != nil &&
		cur.Status == storage.TaskFailed && cur.Error == storage.ErrCodeCancelledByUser {
		return
	}

	switch outcome.Status {
	case supervisor.StatusNeedsApproval:
		e.handleNeedsApproval(ctx, task, outcome)
	case supervisor.StatusFailed:
		e.handleFailed(ctx, task, outcome)
	default:
		e.handleDone(ctx, task, outcome, isReplay, usedFallback)
	}
	telemetry.WithTask(e.logger, task.ID).Info("task run finished",
		"status", outcome.Status, "replay", isReplay, "tokens_used", outcome.TokensUsed)
}

func (e *Engine) lookupSessionRef(ctx context.Context, task *storage.Task) string {
	sess, err := e.store.GetSession(ctx, task.ThreadID, task.ProjectAlias)
	if err != nil || sess == nil {
		return ""
	}
	return sess.SessionRef
}

// runResumeFallback is the one-shot fresh-session retry: re-run with
// allow_resume=false and, for continue_session tasks, a prompt prefixed
// with a compact thread-history summary. There is no further retry if the
// fallback run also fails.
func (e *Engine) runResumeFallback(ctx context.Context, task *storage.Task, supProject supervisor.Project, timeout time.Duration, budget int, first supervisor.Outcome) (supervisor.Outcome, bool) {
	detail := redact.Redact(truncateRunes(first.ResultText, 300))
	_ = audit.Record(ctx, e.store, audit.Entry{
		TaskID: task.ID, ProjectAlias: task.ProjectAlias, ThreadID: task.ThreadID,
		Actor: "system", Action: "session_resume_failed", Detail: detail,
	})

	prompt := task.Prompt
	if task.ContinueSession {
		if summary := e.buildThreadHistorySummary(ctx, task); summary != "" {
			prompt = fmt.Sprintf("%s\n\n%s", summary, task.Prompt)
		}
	}
	supTask := supervisor.Task{ID: task.ID, Prompt: prompt}
	rc := supervisor.RunContext{Timeout: timeout, AllowResume: false, Budget: budget}

	outcome, err := e.runner.Run(ctx, supTask, supProject, rc)
	if err != nil {
		e.setLastError(fmt.Errorf("resume-fallback run task %s: %w", task.ID, err))
		return supervisor.Outcome{Status: supervisor.StatusFailed, ErrorCode: storage.ErrCodeCLIError}, true
	}
	return outcome, true
}

// recordSchemaDrift applies the schema-drift policy: when parse
// failures occurred but nothing usable was extracted, the first failing
// line is audited (redacted, truncated) while the task still reports
// whatever the run otherwise produced.
func (e *Engine) recordSchemaDrift(ctx context.Context, task *storage.Task, outcome supervisor.Outcome) {
	if outcome.ParseWarnings == 0 || outcome.ResultText != "" || len(outcome.ToolSummaries) > 0 {
		return
	}
	_ = audit.Record(ctx, e.store, audit.Entry{
		TaskID: task.ID, ProjectAlias: task.ProjectAlias, ThreadID: task.ThreadID,
		Actor: "system", Action: "schema_drift",
		Detail: redact.Redact(truncateRunes(outcome.FirstFailingLine, 500)),
	})
}

func (e *Engine) handleNeedsApproval(ctx context.Context, task *storage.Task, outcome supervisor.Outcome) {
	cp := checkpoint{
		OriginalPrompt:     task.Prompt,
		SummaryOfProgress:  redact.Redact(truncateRunes(outcome.ResultText, 1000)),
		ReplayActionsSoFar: outcome.ReplayActions,
	}
	blob, err := json.Marshal(cp)
	if err != nil {
		e.setLastError(fmt.Errorf("encode checkpoint for task %s: %w", task.ID, err))
		_ = e.store.MarkFailed(ctx, task.ID, storage.ErrCodeCLIError)
		return
	}
	if err := e.store.SetCheckpoint(ctx, task.ID, string(blob)); err != nil {
		e.setLastError(fmt.Errorf("set checkpoint for task %s: %w", task.ID, err))
		return
	}

	actionClass := storage.ActionUnknown
	desc := "an action requiring elevated permissions"
	if outcome.PermissionDenial != nil {
		actionClass = outcome.PermissionDenial.ActionClass
		desc = redact.Redact(outcome.PermissionDenial.Description)
	}
	appr, err := e.store.CreateApproval(ctx, task.ID, actionClass, desc)
	if err != nil {
		e.setLastError(fmt.Errorf("create approval for task %s: %w", task.ID, err))
		return
	}

	_ = audit.Record(ctx, e.store, audit.Entry{
		TaskID: task.ID, ProjectAlias: task.ProjectAlias, ThreadID: task.ThreadID,
		Actor: "system", Action: "approval_requested", Detail: desc,
	})
	e.publishStatus(task.ID, task.ProjectAlias, string(storage.TaskRunning), string(storage.TaskNeedsApproval))
	if e.bus != nil {
		e.bus.Publish(bus.TopicApprovalRequested, bus.ApprovalRequestedEvent{
			TaskID: task.ID, ApprovalID: appr.ID, ActionClass: actionClass, Description: desc,
		})
	}
	if e.adapters != nil {
		e.adapters.DispatchApprovalRequest(context.Background(), task.Adapter, adapter.ApprovalRequest{
			ApprovalID: appr.ID, TaskID: task.ID, ThreadID: task.ThreadID, Description: desc,
		})
	}
	e.dispatchUpdate(task, string(storage.TaskNeedsApproval), "", "")
}

func (e *Engine) handleFailed(ctx context.Context, task *storage.Task, outcome supervisor.Outcome) {
	errCode := outcome.ErrorCode
	if errCode == "" {
		errCode = storage.ErrCodeCLIError
	}
	if err := e.store.MarkFailed(ctx, task.ID, errCode); err != nil {
		e.setLastError(fmt.Errorf("mark failed for task %s: %w", task.ID, err))
		return
	}
	_ = audit.Record(ctx, e.store, audit.Entry{
		TaskID: task.ID, ProjectAlias: task.ProjectAlias, ThreadID: task.ThreadID,
		Actor: "system", Action: errCode,
	})
	e.publishStatus(task.ID, task.ProjectAlias, string(storage.TaskRunning), string(storage.TaskFailed))
	e.dispatchUpdate(task, string(storage.TaskFailed), "", errCode)
}

func (e *Engine) handleDone(ctx context.Context, task *storage.Task, outcome supervisor.Outcome, isReplay, usedFallback bool) {
	cfg := e.currentProjects()
	proj, _ := cfg.ProjectByAlias(task.ProjectAlias)
	budget := cfg.EffectiveTokenBudget(proj)

	in := summarizer.Input{
		RawText:       redact.Redact(outcome.ResultText),
		ToolSummaries: redactAll(outcome.ToolSummaries),
		TokensUsed:    outcome.TokensUsed,
		TokenBudget:   budget,
		ReplayActions: outcome.ReplayActions,
	}

	var summary string
	if cfg.SummarizerEnabled {
		var err error
		summary, err = e.summarizer.Summarize(ctx, in)
		if err != nil {
			summary, _ = summarizer.Fallback{}.Summarize(ctx, in)
		}
	} else {
		summary, _ = summarizer.Fallback{}.Summarize(ctx, in)
	}
	if usedFallback {
		summary = "Note: the previous session could not be resumed; a fresh session was used instead.\n\n" + summary
	}

	if err := e.store.MarkDone(ctx, task.ID, summary, outcome.TokensUsed); err != nil {
		e.setLastError(fmt.Errorf("mark done for task %s: %w", task.ID, err))
		return
	}
	if outcome.SessionRef != "" {
		if err := e.store.UpsertSession(ctx, task.ThreadID, task.ProjectAlias, outcome.SessionRef); err != nil {
			e.setLastError(fmt.Errorf("upsert session for task %s: %w", task.ID, err))
		}
	}
	if isReplay {
		_ = audit.Record(ctx, e.store, audit.Entry{
			TaskID: task.ID, ProjectAlias: task.ProjectAlias, ThreadID: task.ThreadID,
			Actor: "system", Action: "task_replayed",
		})
	}
	_ = audit.Record(ctx, e.store, audit.Entry{
		TaskID: task.ID, ProjectAlias: task.ProjectAlias, ThreadID: task.ThreadID,
		Actor: "system", Action: "task_completed",
	})

	oldStatus := string(storage.TaskRunning)
	e.publishStatus(task.ID, task.ProjectAlias, oldStatus, string(storage.TaskDone))
	if e.bus != nil {
		e.bus.Publish(bus.TopicTaskCompleted, bus.TaskStatusChangedEvent{
			TaskID: task.ID, ProjectAlias: task.ProjectAlias, OldStatus: oldStatus, NewStatus: string(storage.TaskDone),
		})
	}
	e.dispatchUpdate(task, string(storage.TaskDone), summary, "")
}

// buildReplayPrompt renders the scoped prompt for a post-approval replay,
// falling back to the raw checkpoint blob text if it is not the
// expected JSON shape.
func buildReplayPrompt(actionDescription, checkpointBlob, originalPrompt string) string {
	progress := checkpointBlob
	var cp checkpoint
	if err := json.Unmarshal([]byte(checkpointBlob), &cp); err == nil {
		progress = cp.SummaryOfProgress
		if originalPrompt == "" {
			originalPrompt = cp.OriginalPrompt
		}
	}
	return fmt.Sprintf(
		"[APPROVED ACTION ONLY] The user approved: %s.\nPrevious progress: %s.\nPerform the approved action, then continue the original task: %s",
		actionDescription, progress, originalPrompt,
	)
}

func redactAll(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = redact.Redact(s)
	}
	return out
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
