package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adhens/cyclone/internal/expressions"
	"github.com/adhens/cyclone/internal/graph"
	"github.com/adhens/cyclone/internal/logging"
	"github.com/adhens/cyclone/internal/metrics"
	"github.com/adhens/cyclone/internal/node"
	"github.com/adhens/cyclone/internal/observe"
	"github.com/adhens/cyclone/internal/params"
	"github.com/adhens/cyclone/internal/state"
	"github.com/adhens/cyclone/internal/store"
	"github.com/adhens/cyclone/pkg/schema"
)

// Executor runs workflows to completion.
type Executor interface {
	// Execute runs a workflow definition with the given initial parameters
	// and blocks until the run reaches a terminal status.
	Execute(ctx context.Context, def *schema.WorkflowDefinition, initial map[string]any) (*Result, error)

	// Validate checks a definition without running it.
	Validate(def *schema.WorkflowDefinition) error

	// Cancel aborts an in-flight run.
	Cancel(ctx context.Context, runID string) error

	// Status returns the persisted state of a run.
	Status(ctx context.Context, runID string) (*RunSnapshot, error)
}

// Result is the outcome of one workflow run. Cycles that ended in
// MaxIterations or TimedOut appear here with their partial output; they do
// not make the run fail.
type Result struct {
	RunID       string                   `json:"run_id"`
	Status      schema.RunStatus         `json:"status"`
	NodeOutputs map[string]map[string]any `json:"node_outputs,omitempty"`
	Cycles      map[string]*CycleOutcome `json:"cycles,omitempty"`
	Error       *schema.EngineError      `json:"error,omitempty"`
	StartedAt   time.Time                `json:"started_at"`
	CompletedAt *time.Time               `json:"completed_at,omitempty"`
}

// RunSnapshot is a stored view of a run for querying.
type RunSnapshot struct {
	Run        *store.Run               `json:"run"`
	Nodes      []*store.NodeState       `json:"nodes,omitempty"`
	Events     []*store.Event           `json:"events,omitempty"`
	Iterations []*store.IterationRecord `json:"iterations,omitempty"`
}

// DefaultPoolSize is the default worker pool concurrency.
const DefaultPoolSize = 10

// ExecutorConfig holds executor tuning and optional observability hooks.
type ExecutorConfig struct {
	PoolSize int
	Observer observe.Observer
	Metrics  *metrics.Collector
	Logger   *slog.Logger
}

type executorImpl struct {
	store    store.Store
	registry *node.Registry
	invoker  *node.Invoker
	resolver *params.Resolver
	cel      *expressions.CELEngine
	expr     *expressions.ExprEngine
	runFSM   *RunFSM
	cycleFSM *CycleFSM
	pool     *WorkerPool
	config   ExecutorConfig
	logger   *slog.Logger

	// mu guards running.
	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewExecutor creates an Executor backed by the given store and node registry.
func NewExecutor(s store.Store, registry *node.Registry, cfg ExecutorConfig) (Executor, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	return &executorImpl{
		store:    s,
		registry: registry,
		invoker:  node.NewInvoker(),
		resolver: params.NewResolver(expressions.NewGoJQEngine(), cel),
		cel:      cel,
		expr:     expressions.NewExprEngine(),
		runFSM:   NewRunFSM(s),
		cycleFSM: NewCycleFSM(s),
		pool:     NewWorkerPool(cfg.PoolSize),
		config:   cfg,
		logger:   logger,
		running:  make(map[string]context.CancelFunc),
	}, nil
}

// Validate builds the execution plan and checks every node against the
// registry without executing anything.
func (e *executorImpl) Validate(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if len(def.Nodes) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "workflow has no nodes")
	}
	if def.Timeout != "" {
		if _, err := time.ParseDuration(def.Timeout); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "invalid run timeout %q", def.Timeout).WithCause(err)
		}
	}

	plan, err := graph.Build(def)
	if err != nil {
		return err
	}
	for _, unit := range plan.Units {
		if unit.Kind != graph.UnitCycle {
			continue
		}
		cfg := unit.Cycle
		if cfg.Condition == "" {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"cycle %q has no convergence condition", cfg.ID)
		}
		if cfg.MaxIterations <= 0 {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"cycle %q must declare max_iterations > 0", cfg.ID)
		}
		if cfg.Timeout != "" {
			if _, err := time.ParseDuration(cfg.Timeout); err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"cycle %q has invalid timeout %q", cfg.ID, cfg.Timeout).WithCause(err)
			}
		}
	}

	for _, nd := range def.Nodes {
		if _, err := e.registry.Create(nd); err != nil {
			return err
		}
	}
	return nil
}

// Execute runs a workflow synchronously through its execution plan.
func (e *executorImpl) Execute(ctx context.Context, def *schema.WorkflowDefinition, initial map[string]any) (*Result, error) {
	if err := e.Validate(def); err != nil {
		return nil, err
	}
	plan, err := graph.Build(def)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	ctx = logging.WithRunID(ctx, runID)
	logger := e.logger.With("run_id", runID, "workflow", def.Name)

	startedAt := time.Now().UTC()
	result := &Result{
		RunID:     runID,
		Status:    schema.RunStatusPending,
		Cycles:    make(map[string]*CycleOutcome),
		StartedAt: startedAt,
	}

	if err := e.store.CreateRun(ctx, &store.Run{
		ID:           runID,
		WorkflowName: def.Name,
		Definition:   *def,
		Status:       schema.RunStatusPending,
		Params:       initial,
		CreatedAt:    startedAt,
	}); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create run: %s", err.Error()).WithCause(err)
	}

	if err := e.runFSM.Transition(ctx, runID, schema.RunStatusPending, schema.RunStatusActive); err != nil {
		return nil, err
	}
	result.Status = schema.RunStatusActive
	activeStatus := schema.RunStatusActive
	if err := e.store.UpdateRun(ctx, runID, store.RunUpdate{
		Status:    &activeStatus,
		StartedAt: &startedAt,
	}); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "update run status: %s", err.Error()).WithCause(err)
	}
	if e.config.Metrics != nil {
		e.config.Metrics.RunStarted()
	}

	execCtx, execCancel := context.WithCancel(ctx)
	if def.Timeout != "" {
		dur, _ := time.ParseDuration(def.Timeout)
		execCtx, execCancel = context.WithTimeout(ctx, dur)
	}
	e.mu.Lock()
	e.running[runID] = execCancel
	e.mu.Unlock()

	rt := &runContext{
		runID:    runID,
		def:      def,
		defs:     defsByID(def),
		registry: e.registry,
		invoker:  e.invoker,
		resolver: e.resolver,
		cel:      e.cel,
		expr:     e.expr,
		state:    state.New(runID),
		store:    e.store,
		pool:     e.pool,
		logger:   logger,
		metrics:  e.config.Metrics,
		observer: e.config.Observer,
		cycleFSM: e.cycleFSM,
		initial:  namespaceInitial(initial),
		nodes:    make(map[string]*store.NodeState),
	}

	logger.Info("run started", "units", len(plan.Units))
	finalErr := e.executePlan(execCtx, rt, plan, result)

	execCancel()
	e.mu.Lock()
	delete(e.running, runID)
	e.mu.Unlock()

	result.NodeOutputs = rt.state.NodeOutputs()
	e.finishRun(ctx, rt, result, finalErr)
	return result, nil
}

// executePlan walks the plan units in order. A unit failure aborts the rest
// of the plan; outputs committed before the failure stay in the result.
func (e *executorImpl) executePlan(ctx context.Context, rt *runContext, plan *graph.Plan, result *Result) *schema.EngineError {
	for _, unit := range plan.Units {
		switch unit.Kind {
		case graph.UnitSegment:
			if err := rt.executeSegment(ctx, unit.Nodes, plan.Edges); err != nil {
				return asEngineError(err)
			}
		case graph.UnitCycle:
			outcome, err := rt.executeCycle(ctx, unit.Nodes, unit.Cycle)
			result.Cycles[unit.Cycle.ID] = outcome
			if err != nil {
				return asEngineError(err)
			}
		}
	}
	return nil
}

// finishRun resolves the terminal run status and persists it. Persistence
// uses a background context when the run context is already done.
func (e *executorImpl) finishRun(ctx context.Context, rt *runContext, result *Result, finalErr *schema.EngineError) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}

	var status schema.RunStatus
	switch {
	case finalErr != nil && finalErr.Code == schema.ErrCodeCancelled:
		status = schema.RunStatusCancelled
	case finalErr != nil:
		status = schema.RunStatusFailed
	default:
		status = schema.RunStatusCompleted
	}

	if err := e.runFSM.Transition(ctx, rt.runID, schema.RunStatusActive, status); err != nil {
		rt.logger.Warn("run transition", "to", status, "error", err)
	}

	now := time.Now().UTC()
	result.Status = status
	result.Error = finalErr
	result.CompletedAt = &now

	update := store.RunUpdate{Status: &status, CompletedAt: &now}
	if finalErr != nil {
		errJSON, _ := json.Marshal(finalErr)
		update.Error = errJSON
		rt.logger.Error("run finished", "status", status, "error", finalErr)
	} else {
		outputJSON, _ := json.Marshal(result.NodeOutputs)
		update.Output = outputJSON
		rt.logger.Info("run finished", "status", status)
	}
	if err := e.store.UpdateRun(ctx, rt.runID, update); err != nil {
		rt.logger.Warn("persist run end", "error", err)
	}
	if e.config.Metrics != nil {
		e.config.Metrics.RunFinished(string(status), now.Sub(result.StartedAt))
	}
}

// Cancel aborts a running workflow. Cancelling a run that already reached a
// terminal status is a conflict.
func (e *executorImpl) Cancel(ctx context.Context, runID string) error {
	e.mu.Lock()
	cancel, ok := e.running[runID]
	e.mu.Unlock()
	if ok {
		cancel()
		return nil
	}

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != schema.RunStatusPending {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s is not active", runID)
	}
	if err := e.runFSM.Transition(ctx, runID, schema.RunStatusPending, schema.RunStatusCancelled); err != nil {
		return err
	}
	cancelled := schema.RunStatusCancelled
	now := time.Now().UTC()
	return e.store.UpdateRun(ctx, runID, store.RunUpdate{Status: &cancelled, CompletedAt: &now})
}

// Status loads the persisted view of a run.
func (e *executorImpl) Status(ctx context.Context, runID string) (*RunSnapshot, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	nodes, err := e.store.ListNodeStates(ctx, runID)
	if err != nil {
		return nil, err
	}
	events, err := e.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, err
	}
	iterations, err := e.store.ListIterations(ctx, runID, "")
	if err != nil {
		return nil, err
	}
	return &RunSnapshot{Run: run, Nodes: nodes, Events: events, Iterations: iterations}, nil
}

func defsByID(def *schema.WorkflowDefinition) map[string]*schema.NodeDefinition {
	out := make(map[string]*schema.NodeDefinition, len(def.Nodes))
	for i := range def.Nodes {
		out[def.Nodes[i].ID] = &def.Nodes[i]
	}
	return out
}

// namespaceInitial adapts a flat initial-parameter mapping to the per-node
// namespacing ExternalForNode expects. Values already keyed by node ID (or
// the global key) pass through.
func namespaceInitial(initial map[string]any) map[string]any {
	if len(initial) == 0 {
		return nil
	}
	for _, v := range initial {
		if _, ok := v.(map[string]any); !ok {
			// Flat mapping: treat everything as global.
			return map[string]any{params.GlobalKey: initial}
		}
	}
	return initial
}
