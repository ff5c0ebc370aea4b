package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakePIDRecorder struct {
	mu      sync.Mutex
	pid     int
	startTS time.Time
	cleared bool
	tokens  int
}

func (f *fakePIDRecorder) SetWorkerPID(_ context.Context, _ string, pid int, startTS time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pid, f.startTS = pid, startTS
	return nil
}

func (f *fakePIDRecorder) ClearWorkerPID(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = true
	return nil
}

func (f *fakePIDRecorder) UpdateTokens(_ context.Context, _ string, tokens int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = tokens
	return nil
}

// writeFakeAgent creates an executable script named "claude" on a fresh
// PATH-only directory and points t's PATH at it, so Run spawns the
// fixture instead of the real binary.
func writeFakeAgent(t *testing.T, script string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "claude")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write fake agent: %v", err)
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func testProject(t *testing.T) Project {
	t.Helper()
	dir := t.TempDir()
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatalf("eval symlinks: %v", err)
	}
	return Project{Alias: "alpha", Path: resolved}
}

func TestRunHappyPath(t *testing.T) {
	writeFakeAgent(t, `echo '{"role":"assistant","content":[{"type":"text","text":"hello there"}]}'
echo '{"session_id":"sess-123"}'
echo '{"usage":{"total_tokens":42}}'
`)
	pids := &fakePIDRecorder{}
	r := NewRunner(Config{}, pids)
	out, err := r.Run(context.Background(), Task{ID: "t1", Prompt: "hello"}, testProject(t), RunContext{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != StatusDone {
		t.Fatalf("status = %q, want done", out.Status)
	}
	if out.ResultText != "hello there" {
		t.Fatalf("result text = %q", out.ResultText)
	}
	if out.SessionRef != "sess-123" {
		t.Fatalf("session ref = %q", out.SessionRef)
	}
	if out.TokensUsed != 42 {
		t.Fatalf("tokens used = %d", out.TokensUsed)
	}
	if !pids.cleared {
		t.Fatal("expected pid columns to be cleared on exit")
	}
}

func TestRunNonZeroExitNoTextIsCLIError(t *testing.T) {
	writeFakeAgent(t, `exit 1`)
	r := NewRunner(Config{}, &fakePIDRecorder{})
	out, err := r.Run(context.Background(), Task{ID: "t1", Prompt: "hello"}, testProject(t), RunContext{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != StatusFailed || out.ErrorCode != ErrCodeCLIError {
		t.Fatalf("status=%q code=%q, want failed/cli_error", out.Status, out.ErrorCode)
	}
}

func TestRunNonZeroExitWithTextIsStillDone(t *testing.T) {
	writeFakeAgent(t, `echo '{"role":"assistant","content":[{"type":"text","text":"partial work done"}]}'
exit 1`)
	r := NewRunner(Config{}, &fakePIDRecorder{})
	out, err := r.Run(context.Background(), Task{ID: "t1", Prompt: "hello"}, testProject(t), RunContext{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != StatusDone {
		t.Fatalf("status = %q, want done (usable text overrides nonzero exit)", out.Status)
	}
}

func TestRunPermissionDenialYieldsNeedsApproval(t *testing.T) {
	writeFakeAgent(t, `echo '{"type":"error","text":"permission denied: git push to main"}'`)
	r := NewRunner(Config{}, &fakePIDRecorder{})
	out, err := r.Run(context.Background(), Task{ID: "t1", Prompt: "hello"}, testProject(t), RunContext{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != StatusNeedsApproval {
		t.Fatalf("status = %q, want needs_approval", out.Status)
	}
	if out.PermissionDenial == nil || out.PermissionDenial.ActionClass != "git_push" {
		t.Fatalf("permission denial = %+v", out.PermissionDenial)
	}
}

func TestRunPermissionDenialIgnoredInSkipMode(t *testing.T) {
	writeFakeAgent(t, `echo '{"type":"error","text":"permission denied: git push to main"}'`)
	r := NewRunner(Config{}, &fakePIDRecorder{})
	out, err := r.Run(context.Background(), Task{ID: "t1", Prompt: "hello"}, testProject(t), RunContext{Timeout: 5 * time.Second, ForceSkipPermissions: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status == StatusNeedsApproval {
		t.Fatal("expected skip mode to suppress needs_approval classification")
	}
}

func TestRunHardTimeoutKillsProcess(t *testing.T) {
	writeFakeAgent(t, `sleep 30`)
	r := NewRunner(Config{}, &fakePIDRecorder{})
	start := time.Now()
	out, err := r.Run(context.Background(), Task{ID: "t1", Prompt: "hello"}, testProject(t), RunContext{Timeout: 300 * time.Millisecond})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("run took too long: %v", elapsed)
	}
	if out.Status != StatusFailed || out.ErrorCode != ErrCodeTimeout {
		t.Fatalf("status=%q code=%q, want failed/timeout", out.Status, out.ErrorCode)
	}
}

func TestRunSilenceTimeoutKillsProcess(t *testing.T) {
	writeFakeAgent(t, `sleep 30`)
	r := NewRunner(Config{SilenceTimeout: 200 * time.Millisecond}, &fakePIDRecorder{})
	out, err := r.Run(context.Background(), Task{ID: "t1", Prompt: "hello"}, testProject(t), RunContext{Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != StatusFailed || out.ErrorCode != ErrCodeSilenceTimeout {
		t.Fatalf("status=%q code=%q, want failed/silence_timeout", out.Status, out.ErrorCode)
	}
}

func TestRunRejectsPathThatNoLongerResolvesCanonically(t *testing.T) {
	writeFakeAgent(t, `echo '{}'`)
	r := NewRunner(Config{}, &fakePIDRecorder{})
	project := Project{Alias: "alpha", Path: filepath.Join(t.TempDir(), "does-not-exist")}
	out, err := r.Run(context.Background(), Task{ID: "t1", Prompt: "hello"}, project, RunContext{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != StatusFailed || out.ErrorCode != ErrCodeCLIError {
		t.Fatalf("status=%q code=%q, want failed/cli_error", out.Status, out.ErrorCode)
	}
}

func TestBuildArgvOrderIsBitExact(t *testing.T) {
	argv := buildArgv(Task{Prompt: "do the thing"}, RunContext{AllowResume: true, SessionRef: "sess-1"}, Project{})
	want := []string{"--print", "--output-format", "stream-json", "--resume", "sess-1", "-p", "do the thing"}
	if strings.Join(argv, "|") != strings.Join(want, "|") {
		t.Fatalf("argv = %v, want %v", argv, want)
	}
}

func TestBuildArgvAppendsSkipPermissionsWhenProjectOptsIn(t *testing.T) {
	argv := buildArgv(Task{Prompt: "x"}, RunContext{}, Project{SkipPermissions: true})
	if argv[len(argv)-1] != "--dangerously-skip-permissions" {
		t.Fatalf("argv = %v, want trailing --dangerously-skip-permissions", argv)
	}
}

func TestBuildEnvStripsToWhitelist(t *testing.T) {
	t.Setenv("SOME_SECRET", "do-not-leak")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-fake")
	env := buildEnv(Config{APIKeyEnvVar: "ANTHROPIC_API_KEY"})
	joined := strings.Join(env, "\n")
	if strings.Contains(joined, "SOME_SECRET") {
		t.Fatal("expected non-whitelisted variable to be stripped")
	}
	if !strings.Contains(joined, "ANTHROPIC_API_KEY=sk-ant-fake") {
		t.Fatal("expected api key variable to be preserved")
	}
}
