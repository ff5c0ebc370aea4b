package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/RaiAnsar/remotewiz/internal/project"
	"github.com/RaiAnsar/remotewiz/internal/redact"
	"github.com/RaiAnsar/remotewiz/internal/storage"
)

// statusReport is the queue/approval snapshot printed by `remotewiz
// status`, read straight from the store so it works whether or not a
// daemon is running.
type statusReport struct {
	Queued           int                  `json:"queued"`
	Running          int                  `json:"running"`
	NeedsApproval    int                  `json:"needs_approval"`
	TokensToday      int                  `json:"tokens_today"`
	PendingApprovals []statusApprovalLine `json:"pending_approvals,omitempty"`
}

type statusApprovalLine struct {
	ID          string `json:"id"`
	TaskID      string `json:"task_id"`
	ActionClass string `json:"action_class"`
	Description string `json:"description"`
	RequestedAt string `json:"requested_at"`
}

func runStatusCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	homeDir := project.HomeDir()
	cfg, err := project.Load(homeDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	store, err := storage.Open(filepath.Join(cfg.HomeDir, "data", cfg.DBName+".db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	report, err := buildStatusReport(ctx, store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	writeStatusReport(os.Stdout, report, jsonOutput)
	return 0
}

func buildStatusReport(ctx context.Context, store *storage.Store) (statusReport, error) {
	var report statusReport
	qs, err := store.QueueStatus(ctx)
	if err != nil {
		return report, err
	}
	report.Queued = qs.Queued
	report.Running = qs.Running
	report.NeedsApproval = qs.NeedsApproval

	if tokens, err := store.TokensUsedToday(ctx, ""); err == nil {
		report.TokensToday = tokens
	}

	pending, err := store.ListPendingApprovals(ctx, 20)
	if err != nil {
		return report, err
	}
	for _, a := range pending {
		report.PendingApprovals = append(report.PendingApprovals, statusApprovalLine{
			ID:          a.ID,
			TaskID:      a.TaskID,
			ActionClass: a.ActionClass,
			Description: redact.Redact(a.Description),
			RequestedAt: a.RequestedAt.UTC().Format(time.RFC3339),
		})
	}
	return report, nil
}

func writeStatusReport(w io.Writer, report statusReport, jsonOutput bool) {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
		return
	}
	fmt.Fprintf(w, "Queued: %d\nRunning: %d\nNeeds Approval: %d\nTokens Today: %d\n",
		report.Queued, report.Running, report.NeedsApproval, report.TokensToday)
	if len(report.PendingApprovals) > 0 {
		fmt.Fprintf(w, "\nPending approvals:\n")
		for _, a := range report.PendingApprovals {
			fmt.Fprintf(w, "  %s  [%s]  %s  (task %s, since %s)\n",
				a.ID, a.ActionClass, a.Description, a.TaskID, a.RequestedAt)
		}
	}
}
