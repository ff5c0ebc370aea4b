package doctor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/RaiAnsar/remotewiz/internal/project"
)

func TestCheckConfigNil(t *testing.T) {
	if got := checkConfig(context.Background(), nil); got.Status != "FAIL" {
		t.Fatalf("expected FAIL for nil config, got %s", got.Status)
	}
}

func TestCheckConfigNeedsInit(t *testing.T) {
	cfg := &project.Config{NeedsInit: true}
	if got := checkConfig(context.Background(), cfg); got.Status != "WARN" {
		t.Fatalf("expected WARN, got %s", got.Status)
	}
}

func TestCheckHomeDirWritable(t *testing.T) {
	cfg := &project.Config{HomeDir: t.TempDir()}
	if got := checkHomeDirWritable(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("expected PASS, got %+v", got)
	}
}

func TestCheckUploadsRootCreatesDirectory(t *testing.T) {
	home := t.TempDir()
	cfg := &project.Config{HomeDir: home, UploadsRoot: "./data/uploads"}
	got := checkUploadsRoot(context.Background(), cfg)
	if got.Status != "PASS" {
		t.Fatalf("expected PASS, got %+v", got)
	}
	if _, err := os.Stat(filepath.Join(home, "data", "uploads")); err != nil {
		t.Fatalf("expected uploads dir created: %v", err)
	}
}

func TestCheckProjectPathsFlagsMissingDirectories(t *testing.T) {
	home := t.TempDir()
	present := filepath.Join(home, "exists")
	if err := os.MkdirAll(present, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	cfg := &project.Config{
		HomeDir: home,
		Projects: []project.ProjectEntry{
			{Alias: "ok", Path: present},
			{Alias: "missing", Path: filepath.Join(home, "nope")},
		},
	}
	got := checkProjectPaths(context.Background(), cfg)
	if got.Status != "WARN" {
		t.Fatalf("expected WARN, got %+v", got)
	}
}

func TestCheckProjectPathsEmptyRegistry(t *testing.T) {
	cfg := &project.Config{HomeDir: t.TempDir()}
	got := checkProjectPaths(context.Background(), cfg)
	if got.Status != "WARN" {
		t.Fatalf("expected WARN for empty registry, got %+v", got)
	}
}

func TestRunProducesAllChecks(t *testing.T) {
	home := t.TempDir()
	cfg := &project.Config{HomeDir: home, DBName: "remotewiz", UploadsRoot: "./data/uploads"}
	d := Run(context.Background(), cfg, "test")
	if len(d.Results) != 6 {
		t.Fatalf("expected 6 checks, got %d", len(d.Results))
	}
	if d.System.OS == "" {
		t.Fatal("expected system info populated")
	}
}
