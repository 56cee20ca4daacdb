package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/adhens/cyclone/internal/engine"
	"github.com/adhens/cyclone/internal/observe"
	"github.com/adhens/cyclone/pkg/schema"
)

// cmdRun executes a workflow definition once and prints the result as JSON.
func cmdRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	paramsFile := fs.String("params", "", "JSON file with initial parameters")
	report := fs.Bool("report", false, "print cycle debug/profile report after the run")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: cyclone run <workflow.json> [-params <params.json>] [-report]")
		return 2
	}

	def, err := loadDefinition(fs.Arg(0))
	if err != nil {
		return fatal(err)
	}

	var initial map[string]any
	if *paramsFile != "" {
		data, err := os.ReadFile(*paramsFile)
		if err != nil {
			return fatal(fmt.Errorf("read params: %w", err))
		}
		if err := json.Unmarshal(data, &initial); err != nil {
			return fatal(fmt.Errorf("parse params: %w", err))
		}
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := s.executor.Execute(ctx, def, initial)
	if result != nil {
		printJSON(result)
		if *report {
			printReport(s.analyzer, result)
		}
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "run failed:", err)
		return 1
	}
	return 0
}

func loadDefinition(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	return &def, nil
}

// runReport is the optional post-run observability summary.
type runReport struct {
	Cycles   []*observe.CycleReport  `json:"cycles,omitempty"`
	Profiles []observe.CycleProfile  `json:"profiles,omitempty"`
	Warnings []observe.HealthWarning `json:"warnings,omitempty"`
}

func printReport(analyzer *observe.Analyzer, result *engine.Result) {
	rep := runReport{
		Profiles: analyzer.Profiler().Compare(),
		Warnings: analyzer.Warnings(),
	}
	for cycleID := range result.Cycles {
		cr, err := analyzer.Debugger().Report(cycleID)
		if err != nil {
			continue
		}
		rep.Cycles = append(rep.Cycles, cr)
	}
	printJSON(rep)
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "encode output:", err)
		return
	}
	fmt.Println(string(out))
}
