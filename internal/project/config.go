// Package project loads the gateway's top-level configuration: the engine
// defaults (concurrency caps, token budget, timeouts) and the
// registry mapping each project_alias to the working directory the agent
// CLI is launched in. Configuration is YAML (gopkg.in/yaml.v3, matching
// the rest of the stack) validated against a JSON Schema that rejects
// unrecognized fields, so a typo in config.yaml fails loudly instead of
// being silently ignored.
package project

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EngineDefaults holds the runtime tunables read at startup.
// Per-project entries may override any of these; zero values mean
// "inherit the global default".
type EngineDefaults struct {
	MaxConcurrentTasks  int  `yaml:"max_concurrent_tasks"`
	MaxQueuedPerProject int  `yaml:"max_queued_per_project"`
	DefaultTokenBudget  int  `yaml:"default_token_budget"`
	DefaultTimeoutMs    int  `yaml:"default_timeout_ms"`
	SilenceTimeoutMs    int  `yaml:"silence_timeout_ms"`
	ApprovalTimeoutMs   int  `yaml:"approval_timeout_ms"`
	ReplayTimeoutMs     int  `yaml:"replay_timeout_ms"`
	SummarizerEnabled   bool `yaml:"summarizer_enabled"`
}

// ProjectEntry binds a project_alias to the directory the agent CLI
// operates in.
type ProjectEntry struct {
	Alias                string `yaml:"alias"`
	Path                 string `yaml:"path"`
	Description          string `yaml:"description,omitempty"`
	TokenBudget          int    `yaml:"token_budget,omitempty"`
	TimeoutMs            int    `yaml:"timeout_ms,omitempty"`
	SkipPermissions      bool   `yaml:"skip_permissions,omitempty"`
	SkipPermissionsReason string `yaml:"skip_permissions_reason,omitempty"`
}

// Config is the root of config.yaml.
type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel    string `yaml:"log_level"`
	UploadsRoot string `yaml:"uploads_root"`
	DBName      string `yaml:"db_name"`

	EngineDefaults `yaml:",inline"`

	Projects []ProjectEntry `yaml:"projects"`

	NeedsInit bool `yaml:"-"`
}

// ProjectByAlias looks up a registered project, returning ok=false for an
// unrecognized alias.
func (c Config) ProjectByAlias(alias string) (ProjectEntry, bool) {
	for _, p := range c.Projects {
		if p.Alias == alias {
			return p, true
		}
	}
	return ProjectEntry{}, false
}

// EffectiveTokenBudget returns the project's override if set, else the
// global default.
func (c Config) EffectiveTokenBudget(p ProjectEntry) int {
	if p.TokenBudget > 0 {
		return p.TokenBudget
	}
	return c.DefaultTokenBudget
}

// EffectiveTimeoutMs returns the project's override if set, else the
// global default.
func (c Config) EffectiveTimeoutMs(p ProjectEntry) int {
	if p.TimeoutMs > 0 {
		return p.TimeoutMs
	}
	return c.DefaultTimeoutMs
}

func defaultConfig() Config {
	return Config{
		LogLevel:    "info",
		UploadsRoot: "./data/uploads",
		DBName:      "remotewiz",
		EngineDefaults: EngineDefaults{
			MaxConcurrentTasks:  3,
			MaxQueuedPerProject: 5,
			DefaultTokenBudget:  100000,
			DefaultTimeoutMs:    600000,
			SilenceTimeoutMs:    90000,
			ApprovalTimeoutMs:   1800000,
			ReplayTimeoutMs:     120000,
			SummarizerEnabled:   true,
		},
	}
}

// HomeDir returns the directory config.yaml and the SQLite store live
// under, honoring REMOTEWIZ_HOME for test isolation and containerized
// deployment.
func HomeDir() string {
	if override := os.Getenv("REMOTEWIZ_HOME"); override != "" {
		return override
	}
	cwd, err := os.Getwd()
	if err != nil || cwd == "" {
		cwd = "."
	}
	return cwd
}

// ConfigPath returns the path to config.yaml within homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from homeDir, validates it against the schema,
// applies environment overrides, and fills in defaults for anything
// unset. A missing config.yaml is not an error: NeedsInit is set so the
// caller can write a starter file.
func Load(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create home dir: %w", err)
	}

	path := ConfigPath(homeDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsInit = true
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}

	if len(data) > 0 {
		if err := ValidateSchema(data); err != nil {
			return cfg, fmt.Errorf("config.yaml failed schema validation: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
		if err := canonicalizeProjectPaths(&cfg); err != nil {
			return cfg, err
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, validate(&cfg)
}

// canonicalizeProjectPaths resolves each project's path to its canonical
// real form once, at load time, so the supervisor's own precondition
// check has a stable value to compare against on every run.
func canonicalizeProjectPaths(cfg *Config) error {
	for i := range cfg.Projects {
		p := &cfg.Projects[i]
		abs, err := filepath.Abs(p.Path)
		if err != nil {
			return fmt.Errorf("project %q: resolve path %q: %w", p.Alias, p.Path, err)
		}
		resolved, err := filepath.EvalSymlinks(abs)
		if err != nil {
			return fmt.Errorf("project %q: path %q does not exist: %w", p.Alias, p.Path, err)
		}
		info, err := os.Stat(resolved)
		if err != nil || !info.IsDir() {
			return fmt.Errorf("project %q: path %q is not a directory", p.Alias, p.Path)
		}
		p.Path = resolved
	}
	return nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.UploadsRoot == "" {
		cfg.UploadsRoot = "./data/uploads"
	}
	if cfg.DBName == "" {
		cfg.DBName = "remotewiz"
	}
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 3
	}
	if cfg.MaxQueuedPerProject <= 0 {
		cfg.MaxQueuedPerProject = 5
	}
	if cfg.DefaultTokenBudget <= 0 {
		cfg.DefaultTokenBudget = 100000
	}
	if cfg.DefaultTimeoutMs <= 0 {
		cfg.DefaultTimeoutMs = 600000
	}
	if cfg.SilenceTimeoutMs <= 0 {
		cfg.SilenceTimeoutMs = 90000
	}
	if cfg.ApprovalTimeoutMs <= 0 {
		cfg.ApprovalTimeoutMs = 1800000
	}
	if cfg.ReplayTimeoutMs <= 0 {
		cfg.ReplayTimeoutMs = 120000
	}
	for i := range cfg.Projects {
		cfg.Projects[i].Alias = strings.TrimSpace(cfg.Projects[i].Alias)
	}
}

// validate rejects configs that would deadlock the engine or reference
// ambiguous projects.
func validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Projects))
	for _, p := range cfg.Projects {
		if p.Alias == "" {
			return fmt.Errorf("project entry with empty alias")
		}
		if p.Path == "" {
			return fmt.Errorf("project %q: path must not be empty", p.Alias)
		}
		if seen[p.Alias] {
			return fmt.Errorf("duplicate project alias %q", p.Alias)
		}
		seen[p.Alias] = true
		if p.SkipPermissions && strings.TrimSpace(p.SkipPermissionsReason) == "" {
			return fmt.Errorf("project %q: skip_permissions requires a non-empty skip_permissions_reason", p.Alias)
		}
	}
	if cfg.MaxQueuedPerProject < 1 {
		return fmt.Errorf("max_queued_per_project must be >= 1")
	}
	if cfg.MaxConcurrentTasks < 1 {
		return fmt.Errorf("max_concurrent_tasks must be >= 1")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REMOTEWIZ_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("REMOTEWIZ_UPLOADS_ROOT"); v != "" {
		cfg.UploadsRoot = v
	}
	if v := os.Getenv("REMOTEWIZ_MAX_CONCURRENT_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentTasks = n
		}
	}
	if v := os.Getenv("REMOTEWIZ_MAX_QUEUED_PER_PROJECT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxQueuedPerProject = n
		}
	}
	if v := os.Getenv("REMOTEWIZ_DEFAULT_TOKEN_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DefaultTokenBudget = n
		}
	}
	if v := os.Getenv("REMOTEWIZ_SUMMARIZER_ENABLED"); v != "" {
		cfg.SummarizerEnabled = v != "false" && v != "0"
	}
}

// WriteStarter writes a minimal, commented config.yaml for first-run
// setup. It never overwrites an existing file.
func WriteStarter(homeDir string) error {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	const starter = `# remotewiz configuration
log_level: info
uploads_root: ./data/uploads
db_name: remotewiz

max_concurrent_tasks: 3
max_queued_per_project: 5
default_token_budget: 100000
default_timeout_ms: 600000
silence_timeout_ms: 90000
approval_timeout_ms: 1800000
replay_timeout_ms: 120000
summarizer_enabled: true

projects: []
`
	return os.WriteFile(path, []byte(starter), 0o644)
}
