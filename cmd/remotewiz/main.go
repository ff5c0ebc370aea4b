package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/RaiAnsar/remotewiz/internal/adapter"
	"github.com/RaiAnsar/remotewiz/internal/audit"
	"github.com/RaiAnsar/remotewiz/internal/bus"
	"github.com/RaiAnsar/remotewiz/internal/engine"
	"github.com/RaiAnsar/remotewiz/internal/gateway"
	"github.com/RaiAnsar/remotewiz/internal/project"
	"github.com/RaiAnsar/remotewiz/internal/redact"
	"github.com/RaiAnsar/remotewiz/internal/storage"
	"github.com/RaiAnsar/remotewiz/internal/supervisor"
	"github.com/RaiAnsar/remotewiz/internal/telemetry"
	"github.com/RaiAnsar/remotewiz/internal/tracing"
	"github.com/RaiAnsar/remotewiz/internal/tui"
	"github.com/mattn/go-isatty"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the gateway engine (adds a status
                              dashboard when stdout is a terminal)
  %s -daemon                  Start without the dashboard, logs to stdout

SUBCOMMANDS:
  %s status [-json]           Show queue depth, in-flight runs, pending approvals
  %s doctor [-json]           Run diagnostic checks
  %s version                  Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  REMOTEWIZ_HOME          Data directory (default: current directory)
  REMOTEWIZ_NO_TUI        Set to 1 to disable the status dashboard
  ANTHROPIC_API_KEY       Passed through to the agent CLI subprocess
`)
}

func main() {
	interactive := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("REMOTEWIZ_NO_TUI") == ""
	daemon := flag.Bool("daemon", false, "run without the status dashboard, logs to stdout")
	flag.Usage = printUsage
	flag.Parse()

	if *daemon {
		interactive = false
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "version":
			fmt.Println(Version)
			return
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	homeDir := project.HomeDir()
	cfg, err := project.Load(homeDir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if cfg.NeedsInit {
		if err := project.WriteStarter(homeDir); err != nil {
			fatalStartup(nil, "E_CONFIG_WRITE", err)
		}
		fmt.Fprintf(os.Stderr, "wrote starter config.yaml to %s — add projects and restart\n", homeDir)
		cfg, err = project.Load(homeDir)
		if err != nil {
			fatalStartup(nil, "E_CONFIG_RELOAD", err)
		}
	}

	// Audit first so logger-init failures still leave a trail.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	quietLogs := interactive
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "projects", len(cfg.Projects))

	tracerProvider, err := tracing.Init(ctx, tracing.Config{Enabled: os.Getenv("REMOTEWIZ_TRACING") == "1"})
	if err != nil {
		fatalStartup(logger, "E_TRACING_INIT", err)
	}
	defer func() { _ = tracerProvider.Shutdown(context.Background()) }()

	dbPath := filepath.Join(cfg.HomeDir, "data", cfg.DBName+".db")
	store, err := storage.Open(dbPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", dbPath)

	eventBus := bus.NewWithLogger(logger)
	adapters := adapter.New(logger)

	runner := supervisor.NewRunner(supervisor.Config{
		SilenceTimeout: time.Duration(cfg.SilenceTimeoutMs) * time.Millisecond,
		TokenBudget:    cfg.DefaultTokenBudget,
	}, store)

	eng := engine.New(store, runner, adapters, eventBus, nil, tracerProvider.Tracer, logger, engine.Config{
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
		ApprovalTimeout:    time.Duration(cfg.ApprovalTimeoutMs) * time.Millisecond,
		ReplayTimeout:      time.Duration(cfg.ReplayTimeoutMs) * time.Millisecond,
	}, cfg)

	watcher := project.NewWatcher(homeDir, cfg, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config hot-reload unavailable", "error", err)
	} else {
		go func() {
			for ev := range watcher.Events() {
				if ev.Err != nil {
					logger.Warn("config reload rejected", "error", ev.Err)
					continue
				}
				eng.UpdateProjects(ev.Config)
			}
		}()
	}

	uploadsRoot := cfg.UploadsRoot
	if !filepath.IsAbs(uploadsRoot) {
		uploadsRoot = filepath.Join(cfg.HomeDir, uploadsRoot)
	}
	gw := gateway.New(store, eng, watcher.Current, uploadsRoot, logger)
	logger.Info("startup phase", "phase", "gateway_ready", "projects", len(gw.GetProjects()))

	started := time.Now()
	eng.Start(ctx)
	logger.Info("startup phase", "phase", "engine_started", "max_concurrent", cfg.MaxConcurrentTasks)

	if interactive {
		if err := tui.Run(ctx, statusProvider(store, eng, started)); err != nil && ctx.Err() == nil {
			logger.Error("status dashboard exited", "error", err)
		}
		stop()
	} else {
		<-ctx.Done()
	}

	logger.Info("shutdown requested; draining in-flight tasks")
	eng.Stop()
}

func statusProvider(store *storage.Store, eng *engine.Engine, started time.Time) tui.StatusProvider {
	return func() tui.Snapshot {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		snap := tui.Snapshot{Uptime: time.Since(started)}
		st := eng.Status()
		snap.ActiveTasks = st.ActiveTasks
		snap.MaxTasks = st.MaxTasks
		snap.LastError = st.LastError

		qs, err := store.QueueStatus(ctx)
		if err != nil {
			snap.DBOK = false
			snap.LastError = err.Error()
			return snap
		}
		snap.DBOK = true
		snap.Queued = qs.Queued
		snap.Running = qs.Running
		snap.NeedsApproval = qs.NeedsApproval

		if tokens, err := store.TokensUsedToday(ctx, ""); err == nil {
			snap.TokensToday = tokens
		}
		if pending, err := store.ListPendingApprovals(ctx, 10); err == nil {
			for _, a := range pending {
				snap.PendingApprovals = append(snap.PendingApprovals, tui.PendingApprovalLine{
					ApprovalID:  a.ID,
					TaskID:      a.TaskID,
					ActionClass: a.ActionClass,
					Description: redact.Redact(a.Description),
					Age:         time.Since(a.RequestedAt),
				})
			}
		}
		return snap
	}
}

func fatalStartup(logger *slog.Logger, code string, err error) {
	if logger != nil {
		logger.Error("fatal startup error", "code", code, "error", err)
	}
	fmt.Fprintf(os.Stderr, "%s: %v\n", code, err)
	os.Exit(1)
}
