// Package tui is the operator status dashboard: a read-only terminal view
// of queue depth, in-flight runs, and pending approvals, polled from the
// store on a ticker. It drives no agent runs and issues no prompts — it
// is an ops surface, not one of the client-facing adapters.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// PendingApprovalLine is one row of the approvals panel, already redacted
// by the provider.
type PendingApprovalLine struct {
	ApprovalID  string
	TaskID      string
	ActionClass string
	Description string
	Age         time.Duration
}

// Snapshot is a point-in-time view assembled by the provider on every
// poll tick.
type Snapshot struct {
	DBOK             bool
	Queued           int
	Running          int
	NeedsApproval    int
	ActiveTasks      int32
	MaxTasks         int
	TokensToday      int
	PendingApprovals []PendingApprovalLine
	LastError        string
	Uptime           time.Duration
}

// StatusProvider supplies a fresh Snapshot; called once per tick from the
// TUI's own goroutine, so it may hit the store directly.
type StatusProvider func() Snapshot

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	labelStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	alertStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	errStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	approvalStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("222"))
)

type model struct {
	provider StatusProvider
	snap     Snapshot
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.provider()
		return m, tickCmd()
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("RemoteWiz Status") + "\n\n")

	dbLine := "DB OK: true"
	if !m.snap.DBOK {
		dbLine = errStyle.Render("DB OK: false")
	} else {
		dbLine = labelStyle.Render(dbLine)
	}
	b.WriteString(dbLine + "\n")
	b.WriteString(labelStyle.Render(fmt.Sprintf("Queued: %d   Running: %d   Needs Approval: %d",
		m.snap.Queued, m.snap.Running, m.snap.NeedsApproval)) + "\n")
	b.WriteString(labelStyle.Render(fmt.Sprintf("In-Flight: %d/%d", m.snap.ActiveTasks, m.snap.MaxTasks)) + "\n")
	b.WriteString(labelStyle.Render(fmt.Sprintf("Tokens Today: %d", m.snap.TokensToday)) + "\n")
	b.WriteString(labelStyle.Render("Uptime: "+m.snap.Uptime.Truncate(time.Second).String()) + "\n")

	if len(m.snap.PendingApprovals) > 0 {
		b.WriteString("\n" + alertStyle.Render(fmt.Sprintf("── %d pending approval(s) ──", len(m.snap.PendingApprovals))) + "\n")
		for _, a := range m.snap.PendingApprovals {
			b.WriteString(approvalStyle.Render(fmt.Sprintf("%s [%s] %s (waiting %s)",
				shortID(a.ApprovalID), a.ActionClass, a.Description, a.Age.Truncate(time.Second))) + "\n")
		}
	}

	lastErr := m.snap.LastError
	if lastErr == "" {
		b.WriteString("\n" + dimStyle.Render("Last Error: (none)") + "\n")
	} else {
		b.WriteString("\n" + errStyle.Render("Last Error: "+lastErr) + "\n")
	}

	b.WriteString("\n" + dimStyle.Render("Press q to quit.") + "\n")
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Run drives the dashboard until the context is cancelled or the operator
// quits.
func Run(ctx context.Context, provider StatusProvider) error {
	defer bestEffortResetTTY()

	m := model{provider: provider, snap: provider()}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}
