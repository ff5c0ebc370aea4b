// Package doctor runs preflight diagnostics an operator can invoke before
// trusting the gateway with traffic: is the agent CLI binary on PATH, is
// the database reachable, is the uploads directory writable.
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/RaiAnsar/remotewiz/internal/project"
	"github.com/RaiAnsar/remotewiz/internal/storage"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks against cfg.
func Run(ctx context.Context, cfg *project.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *project.Config) CheckResult{
		checkConfig,
		checkAgentBinary,
		checkDatabase,
		checkHomeDirWritable,
		checkUploadsRoot,
		checkProjectPaths,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *project.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "configuration not loaded"}
	}
	if cfg.NeedsInit {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing, run init to write a starter"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("loaded from %s", cfg.HomeDir)}
}

// checkAgentBinary verifies the `claude` CLI
// is on PATH and responds to --version within a short timeout.
func checkAgentBinary(ctx context.Context, _ *project.Config) CheckResult {
	path, err := exec.LookPath("claude")
	if err != nil {
		return CheckResult{Name: "Agent CLI", Status: "FAIL", Message: "claude binary not found on PATH"}
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(probeCtx, path, "--version").Output()
	if err != nil {
		return CheckResult{
			Name:    "Agent CLI",
			Status:  "WARN",
			Message: fmt.Sprintf("found at %s but --version failed: %v", path, err),
		}
	}
	return CheckResult{Name: "Agent CLI", Status: "PASS", Message: fmt.Sprintf("%s (%s)", path, string(out))}
}

func checkDatabase(ctx context.Context, cfg *project.Config) CheckResult {
	if cfg == nil || cfg.NeedsInit {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "config missing"}
	}
	dbPath := filepath.Join(cfg.HomeDir, "data", cfg.DBName+".db")
	store, err := storage.Open(dbPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("open failed: %v", err)}
	}
	defer store.Close()

	if _, err := store.QueueStatus(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: fmt.Sprintf("schema valid at %s", dbPath)}
}

func checkHomeDirWritable(_ context.Context, cfg *project.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "home directory writable"}
}

func checkUploadsRoot(_ context.Context, cfg *project.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Uploads", Status: "SKIP", Message: "config missing"}
	}
	root := cfg.UploadsRoot
	if !filepath.IsAbs(root) {
		root = filepath.Join(cfg.HomeDir, root)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return CheckResult{Name: "Uploads", Status: "FAIL", Message: fmt.Sprintf("uploads root unusable: %v", err)}
	}
	testFile := filepath.Join(root, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Uploads", Status: "FAIL", Message: fmt.Sprintf("uploads root unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Uploads", Status: "PASS", Message: fmt.Sprintf("writable at %s", root)}
}

func checkProjectPaths(_ context.Context, cfg *project.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Projects", Status: "SKIP", Message: "config missing"}
	}
	if len(cfg.Projects) == 0 {
		return CheckResult{Name: "Projects", Status: "WARN", Message: "no projects registered"}
	}
	var missing []string
	for _, p := range cfg.Projects {
		if info, err := os.Stat(p.Path); err != nil || !info.IsDir() {
			missing = append(missing, p.Alias)
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Name:    "Projects",
			Status:  "WARN",
			Message: fmt.Sprintf("%d of %d project paths missing or not directories", len(missing), len(cfg.Projects)),
			Detail:  fmt.Sprintf("%v", missing),
		}
	}
	return CheckResult{Name: "Projects", Status: "PASS", Message: fmt.Sprintf("%d project paths verified", len(cfg.Projects))}
}
