package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/parley/internal/audit"
	"github.com/basket/parley/internal/bus"
	"github.com/basket/parley/internal/config"
	"github.com/basket/parley/internal/coordinator"
	"github.com/basket/parley/internal/mailbox"
	otelPkg "github.com/basket/parley/internal/otel"
	"github.com/basket/parley/internal/policy"
	"github.com/basket/parley/internal/reviewctx"
	"github.com/basket/parley/internal/reviewer"
	"github.com/basket/parley/internal/shared"
	"github.com/basket/parley/internal/state"
	"github.com/basket/parley/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s -task <id> -instruction <text>   Run one review task to a decision

Seeds a task assignment to every configured reviewer, then drains the
mailboxes pass by pass until no pass produces an action. The run report
is written to stdout as JSON; the process exits 1 when no final decision
was reached.

FLAGS:
`, os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  PARLEY_ROOT                 Data directory (default: ~/.parley)
  PARLEY_MODE                 Reviewer mode override (deterministic|cli)
  PARLEY_LOG_LEVEL            Log level override
  PARLEY_MAX_PASSES           Pass budget override
  PARLEY_CLI_TIMEOUT_SECONDS  Reviewer CLI timeout override
  PARLEY_POLICY_PATH          Policy overrides file
`)
}

func main() {
	var (
		rootFlag        = flag.String("root", "", "data directory (overrides PARLEY_ROOT)")
		taskID          = flag.String("task", "task-demo-001", "task identifier")
		instruction     = flag.String("instruction", "Please review this change set.", "review instruction")
		maxPasses       = flag.Int("max-passes", 0, "pass budget (0 = config value)")
		mode            = flag.String("mode", "", "reviewer mode: deterministic or cli (overrides config)")
		cliTimeout      = flag.Int("cli-timeout", 0, "reviewer CLI timeout in seconds (0 = config value)")
		configPath      = flag.String("config", "", "config file path (default: <root>/config.yaml)")
		policyPath      = flag.String("policy", "", "policy overrides file (overrides config)")
		logLevel        = flag.String("log-level", "", "log level (overrides config)")
		quiet           = flag.Bool("quiet", false, "log to file only")
		otelEnabled     = flag.Bool("otel", false, "enable OpenTelemetry export")
		includeFullDiff = flag.Bool("include-full-git-diff", false, "include full diffs in the review input artifact")
	)
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootDir := *rootFlag
	if rootDir == "" {
		rootDir = config.RootDir()
	}
	cfg, err := config.LoadFile(rootDir, *configPath)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if *mode != "" {
		cfg.Mode = *mode
	}
	if *maxPasses > 0 {
		cfg.MaxPasses = *maxPasses
	}
	if *cliTimeout > 0 {
		cfg.CLITimeoutSeconds = *cliTimeout
	}
	if *policyPath != "" {
		cfg.PolicyPath = *policyPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *otelEnabled {
		cfg.Otel.Enabled = true
	}
	if err := config.Validate(cfg); err != nil {
		fatalStartup(nil, "E_CONFIG_INVALID", err)
	}

	if err := audit.Init(cfg.RootDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.RootDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	provider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	mbx, err := mailbox.Open(filepath.Join(cfg.RootDir, "mailbox.db"))
	if err != nil {
		fatalStartup(logger, "E_MAILBOX_OPEN", err)
	}
	defer mbx.Close()

	st, err := state.Open(filepath.Join(cfg.RootDir, "state.db"))
	if err != nil {
		fatalStartup(logger, "E_STATE_OPEN", err)
	}
	defer st.Close()
	audit.SetDB(st.DB())

	live := policy.NewLivePolicy(policy.Build(cfg))
	if cfg.PolicyPath != "" {
		if err := live.ReloadFromFile(cfg.PolicyPath); err != nil {
			fatalStartup(logger, "E_POLICY_LOAD", err)
		}
		if err := policy.Watch(ctx, live, cfg.PolicyPath, logger); err != nil {
			logger.Warn("policy watcher unavailable", "error", err)
		}
	}

	var runner reviewer.Runner
	switch cfg.Mode {
	case "cli":
		timeout := time.Duration(cfg.CLITimeoutSeconds) * time.Second
		cli, err := reviewer.NewCLI(cfg.RootDir, timeout, logger)
		if err != nil {
			fatalStartup(logger, "E_REVIEWER_INIT", err)
		}
		runner = cli
	default:
		runner = reviewer.Deterministic{}
	}

	repoRoot, err := os.Getwd()
	if err != nil {
		fatalStartup(logger, "E_GETWD", err)
	}

	runtime, err := coordinator.New(coordinator.Options{
		Config:        cfg,
		Mailbox:       mbx,
		State:         st,
		Policy:        live,
		Runner:        runner,
		ContextSource: reviewctx.NewGitSource(repoRoot, cfg.RootDir, *includeFullDiff, logger),
		Bus:           bus.New(),
		Metrics:       metrics,
		Logger:        logger,
	})
	if err != nil {
		fatalStartup(logger, "E_RUNTIME_INIT", err)
	}

	runCtx := shared.WithTraceID(shared.WithRunID(ctx, shared.NewRunID()), shared.NewTraceID())
	runCtx = shared.WithTaskID(runCtx, *taskID)

	if _, err := runtime.SeedTask(runCtx, *taskID, *instruction); err != nil {
		fatalStartup(logger, "E_SEED_TASK", err)
	}
	passes, totalActions, err := runtime.RunUntilStable(runCtx, cfg.MaxPasses)
	if err != nil {
		fatalStartup(logger, "E_RUN", err)
	}

	report, err := runtime.BuildReport(runCtx, *taskID, passes, totalActions)
	if err != nil {
		fatalStartup(logger, "E_REPORT", err)
	}
	if err := writeReport(os.Stdout, report); err != nil {
		fatalStartup(logger, "E_REPORT_WRITE", err)
	}

	if report.FinalDecision == nil {
		fmt.Fprintln(os.Stderr, "No final decision reached.")
		os.Exit(1)
	}
}

// writeReport emits the run report as JSON, indented when stdout is a
// terminal.
func writeReport(f *os.File, report coordinator.Report) error {
	enc := json.NewEncoder(f)
	if isatty.IsTerminal(f.Fd()) {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(report)
}

func fatalStartup(logger *slog.Logger, code string, err error) {
	if logger != nil {
		logger.Error("startup failed", "code", code, "error", err)
	}
	fmt.Fprintf(os.Stderr, "%s: %v\n", code, err)
	os.Exit(1)
}
