package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adhens/cyclone/internal/scheduler"
	"github.com/adhens/cyclone/pkg/schema"
)

// workflowRunner adapts the executor to the scheduler's runner interface.
type workflowRunner struct {
	s *stack
}

func (r *workflowRunner) Run(ctx context.Context, def *schema.WorkflowDefinition, params map[string]any) error {
	result, err := r.s.executor.Execute(ctx, def, params)
	if err != nil {
		return err
	}
	if result.Status != schema.RunStatusCompleted {
		return fmt.Errorf("run %s ended with status %s", result.RunID, result.Status)
	}
	return nil
}

// cmdServe runs the scheduler loop until interrupted, serving Prometheus
// metrics on the side.
func cmdServe(args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: cyclone serve")
		return 2
	}

	cfg, err := loadConfig()
	if err != nil {
		return fatal(err)
	}
	s, err := buildStack(cfg)
	if err != nil {
		return fatal(err)
	}
	defer s.close()

	if cfg.DBPath == "" {
		s.logger.Warn("serving with in-memory store; scheduled jobs will not survive a restart")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched := scheduler.NewScheduler(s.store, &workflowRunner{s: s}, s.logger)

	if err := sched.RecoverMissed(ctx); err != nil {
		s.logger.Error("missed job recovery failed", slog.String("error", err.Error()))
	}
	if err := sched.Start(ctx); err != nil {
		return fatal(err)
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = newMetricsServer(s)
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
		s.logger.Info("metrics listening", slog.String("addr", cfg.MetricsAddr))
	}

	<-ctx.Done()
	s.logger.Info("shutting down")

	if err := sched.Stop(); err != nil {
		s.logger.Error("scheduler stop failed", slog.String("error", err.Error()))
	}
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return 0
}

func newMetricsServer(s *stack) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              s.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
