package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/adhens/cyclone/internal/engine"
	"github.com/adhens/cyclone/internal/expressions"
	"github.com/adhens/cyclone/internal/logging"
	"github.com/adhens/cyclone/internal/metrics"
	"github.com/adhens/cyclone/internal/node"
	"github.com/adhens/cyclone/internal/observe"
	"github.com/adhens/cyclone/internal/store"
	"github.com/adhens/cyclone/internal/validation"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(cmdRun(os.Args[2:]))
	case "validate":
		os.Exit(cmdValidate(os.Args[2:]))
	case "diagram":
		os.Exit(cmdDiagram(os.Args[2:]))
	case "serve":
		os.Exit(cmdServe(os.Args[2:]))
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `cyclone - cyclic workflow engine

Usage:
  cyclone run <workflow.json> [-params <params.json>] [-report]
  cyclone validate <workflow.json>
  cyclone diagram <workflow.json> [-format mermaid|text]
  cyclone serve
  cyclone version

Configuration is read from CYCLONE_* environment variables
(CYCLONE_DB_PATH, CYCLONE_LOG_LEVEL, CYCLONE_POOL_SIZE,
CYCLONE_METRICS_ADDR, CYCLONE_ANALYZER_THRESHOLD).
`)
}

// stack bundles the wired components every subcommand needs.
type stack struct {
	cfg       Config
	logger    *slog.Logger
	store     store.Store
	registry  *node.Registry
	validator *validation.WorkflowValidator
	executor  engine.Executor
	metrics   *metrics.Collector
	analyzer  *observe.Analyzer
}

func buildStack(cfg Config) (*stack, error) {
	logger := newLogger(cfg.LogLevel)

	var st store.Store
	if cfg.DBPath != "" {
		ls, err := store.NewLibSQLStore(dbURI(cfg.DBPath))
		if err != nil {
			return nil, fmt.Errorf("open store at %s: %w", cfg.DBPath, err)
		}
		st = ls
	} else {
		st = store.NewMemoryStore()
	}
	if err := st.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	registry := node.NewRegistry()
	if err := node.RegisterBuiltins(registry, expressions.NewExprEngine(), expressions.NewGoJQEngine()); err != nil {
		return nil, fmt.Errorf("register builtin nodes: %w", err)
	}

	validator, err := validation.NewWorkflowValidator(registry)
	if err != nil {
		return nil, fmt.Errorf("build validator: %w", err)
	}

	collector := metrics.NewCollector()
	analyzer := observe.NewAnalyzer(cfg.AnalyzerThreshold)

	exec, err := engine.NewExecutor(st, registry, engine.ExecutorConfig{
		PoolSize: cfg.PoolSize,
		Observer: analyzer,
		Metrics:  collector,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build executor: %w", err)
	}

	return &stack{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		registry:  registry,
		validator: validator,
		executor:  exec,
		metrics:   collector,
		analyzer:  analyzer,
	}, nil
}

func (s *stack) close() {
	if err := s.store.Close(); err != nil {
		s.logger.Error("failed to close store", slog.String("error", err.Error()))
	}
}

// dbURI turns a bare filesystem path into the file: URI the libsql driver
// expects. Values that already carry a scheme pass through unchanged.
func dbURI(path string) string {
	if strings.HasPrefix(path, "file:") || strings.Contains(path, "://") {
		return path
	}
	return "file:" + path
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func fatal(err error) int {
	fmt.Fprintln(os.Stderr, "error:", err)
	return 1
}
