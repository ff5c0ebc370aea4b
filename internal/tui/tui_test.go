package tui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

func staticProvider(s Snapshot) StatusProvider {
	return func() Snapshot { return s }
}

func TestViewRendersCounts(t *testing.T) {
	m := model{snap: Snapshot{
		DBOK:        true,
		Queued:      4,
		Running:     2,
		ActiveTasks: 2,
		MaxTasks:    3,
		TokensToday: 1500,
		Uptime:      90 * time.Second,
	}}
	out := m.View()
	for _, want := range []string{
		"RemoteWiz Status",
		"Queued: 4",
		"Running: 2",
		"In-Flight: 2/3",
		"Tokens Today: 1500",
		"1m30s",
		"Last Error: (none)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("view missing %q:\n%s", want, out)
		}
	}
}

func TestViewShowsPendingApprovals(t *testing.T) {
	m := model{snap: Snapshot{
		DBOK: true,
		PendingApprovals: []PendingApprovalLine{
			{ApprovalID: "abcdef0123456789", TaskID: "t1", ActionClass: "git_push", Description: "push to main", Age: 42 * time.Second},
		},
	}}
	out := m.View()
	for _, want := range []string{"1 pending approval", "abcdef01", "git_push", "push to main", "42s"} {
		if !strings.Contains(out, want) {
			t.Errorf("view missing %q:\n%s", want, out)
		}
	}
}

func TestViewShowsLastError(t *testing.T) {
	m := model{snap: Snapshot{DBOK: false, LastError: "dequeue next: disk I/O error"}}
	out := m.View()
	if !strings.Contains(out, "DB OK: false") {
		t.Errorf("view missing DB failure flag:\n%s", out)
	}
	if !strings.Contains(out, "disk I/O error") {
		t.Errorf("view missing last error:\n%s", out)
	}
}

func TestUpdateQuitKeys(t *testing.T) {
	m := model{provider: staticProvider(Snapshot{})}
	for _, key := range []string{"q", "ctrl+c"} {
		var msg tea.KeyMsg
		if key == "q" {
			msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}}
		} else {
			msg = tea.KeyMsg{Type: tea.KeyCtrlC}
		}
		_, cmd := m.Update(msg)
		if cmd == nil {
			t.Fatalf("key %s: expected quit command", key)
		}
	}
}

func TestUpdateTickRefreshesSnapshot(t *testing.T) {
	calls := 0
	m := model{provider: func() Snapshot {
		calls++
		return Snapshot{Queued: calls}
	}}
	next, cmd := m.Update(tickMsg(time.Now()))
	if cmd == nil {
		t.Fatalf("tick must schedule the next tick")
	}
	if got := next.(model).snap.Queued; got != 1 {
		t.Fatalf("snapshot not refreshed on tick: %d", got)
	}
}
