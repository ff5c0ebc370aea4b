package project

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	home := t.TempDir()
	if err := WriteStarter(home); err != nil {
		t.Fatalf("write starter: %v", err)
	}
	initial, err := Load(home)
	if err != nil {
		t.Fatalf("initial load: %v", err)
	}

	w := NewWatcher(home, initial, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	updated := `
max_concurrent_tasks: 7
projects:
  - alias: gamma
    path: /work/gamma
`
	if err := os.WriteFile(ConfigPath(home), []byte(updated), 0o644); err != nil {
		t.Fatalf("write updated config: %v", err)
	}

	select {
	case ev := <-w.Events():
		if ev.Err != nil {
			t.Fatalf("unexpected reload error: %v", ev.Err)
		}
		if ev.Config.MaxConcurrentTasks != 7 {
			t.Fatalf("expected reloaded value 7, got %d", ev.Config.MaxConcurrentTasks)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for reload event")
	}

	if w.Current().MaxConcurrentTasks != 7 {
		t.Fatalf("expected Current() to reflect reload, got %d", w.Current().MaxConcurrentTasks)
	}
}

func TestWatcherReportsSchemaErrorsWithoutLosingPriorConfig(t *testing.T) {
	home := t.TempDir()
	if err := WriteStarter(home); err != nil {
		t.Fatalf("write starter: %v", err)
	}
	initial, err := Load(home)
	if err != nil {
		t.Fatalf("initial load: %v", err)
	}

	w := NewWatcher(home, initial, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	bad := "bogus_field: 1\n"
	if err := os.WriteFile(ConfigPath(home), []byte(bad), 0o644); err != nil {
		t.Fatalf("write bad config: %v", err)
	}

	select {
	case ev := <-w.Events():
		if ev.Err == nil {
			t.Fatal("expected reload to report schema error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for error event")
	}

	if w.Current().MaxConcurrentTasks != initial.MaxConcurrentTasks {
		t.Fatal("expected prior valid config to remain current after a bad reload")
	}
}
