package engine

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"time"

	"github.com/adhens/cyclone/internal/observe"
	"github.com/adhens/cyclone/internal/params"
	"github.com/adhens/cyclone/internal/store"
	"github.com/adhens/cyclone/pkg/schema"
)

// CycleOutcome is the terminal result of one cycle group.
type CycleOutcome struct {
	CycleID    string              `json:"cycle_id"`
	Status     schema.CycleStatus  `json:"status"`
	Iterations int                 `json:"iterations"`
	Output     map[string]any      `json:"output,omitempty"`
	Error      *schema.EngineError `json:"error,omitempty"`
}

// executeCycle runs one cycle group to a terminal status. Each iteration runs
// the members once in single-pass order, commits the merged outputs, then
// checks convergence, the iteration cap and the deadline, in that order.
// Only cancellation and node-level failures are returned as errors;
// MaxIterations and TimedOut are ordinary terminal outcomes.
func (rt *runContext) executeCycle(ctx context.Context, passOrder []string, cfg *schema.CycleConfig) (*CycleOutcome, error) {
	outcome := &CycleOutcome{CycleID: cfg.ID, Status: schema.CycleStatusPending}
	logger := rt.logger.With("cycle_id", cfg.ID)

	carries := carriesByTarget(cfg)
	skip := make(map[[2]string]bool, len(cfg.Carries))
	for _, c := range cfg.Carries {
		skip[[2]string{c.From, c.To}] = true
	}

	cctx := ctx
	cancel := context.CancelFunc(func() {})
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return outcome, schema.NewErrorf(schema.ErrCodeValidation,
				"invalid cycle timeout %q", cfg.Timeout).WithCycle(cfg.ID, -1).WithCause(err)
		}
		cctx, cancel = context.WithTimeout(ctx, d)
	}
	defer cancel()

	if err := rt.cycleFSM.Transition(cctx, rt.runID, cfg.ID, -1, schema.CycleStatusPending, schema.CycleStatusRunning); err != nil {
		return outcome, err
	}
	outcome.Status = schema.CycleStatusRunning

	finish := func(status schema.CycleStatus, iteration int) {
		fctx := cctx
		if fctx.Err() != nil {
			fctx = context.Background()
		}
		if err := rt.cycleFSM.Transition(fctx, rt.runID, cfg.ID, iteration, outcome.Status, status); err != nil {
			logger.Warn("cycle transition", "to", status, "error", err)
		}
		outcome.Status = status
		if rt.metrics != nil {
			rt.metrics.CycleFinished(string(status), outcome.Iterations)
		}
	}

	// prev holds the member outputs of the completed iteration, the source of
	// carried values for the next one.
	var prev map[string]map[string]any

	for k := 0; ; k++ {
		if err := cycleBoundaryErr(ctx, cctx); err != nil {
			if err.Code == schema.ErrCodeTimeout {
				logger.Info("cycle timed out", "iterations", outcome.Iterations)
				finish(schema.CycleStatusTimedOut, k)
				return outcome, nil
			}
			finish(schema.CycleStatusCancelled, k)
			return outcome, err.WithCycle(cfg.ID, k)
		}

		iterStart := time.Now().UTC()
		rt.emitCycleIterEvent(cctx, cfg.ID, schema.EventCycleIterStarted, k, nil)

		inputs := make(map[string]map[string]any, len(passOrder))
		outputs := make(map[string]map[string]any, len(passOrder))
		durations := make(map[string]time.Duration, len(passOrder))

		for _, member := range passOrder {
			carried, err := carriedValues(carries[member], prev, k)
			if err != nil {
				finish(schema.CycleStatusFailed, k)
				outcome.Error = asEngineError(err).WithCycle(cfg.ID, k).WithNode(member)
				return outcome, outcome.Error
			}
			inputs[member] = carried

			memberStart := time.Now()
			output, ran, err := rt.invokeNode(cctx, member, carried, skip, k)
			durations[member] = time.Since(memberStart)
			if err != nil {
				if cctx.Err() != nil && ctx.Err() == nil {
					logger.Info("cycle timed out", "iterations", outcome.Iterations, "node_id", member)
					finish(schema.CycleStatusTimedOut, k)
					return outcome, nil
				}
				if ctx.Err() != nil {
					finish(schema.CycleStatusCancelled, k)
				} else {
					finish(schema.CycleStatusFailed, k)
				}
				outcome.Error = asEngineError(err).WithCycle(cfg.ID, k).WithNode(member)
				return outcome, outcome.Error
			}
			if ran {
				outputs[member] = output
			}
		}

		merged := mergeIterationOutputs(passOrder, outputs)
		rt.state.CommitCycleOutput(cfg.ID, merged, k+1)
		outcome.Iterations = k + 1
		outcome.Output = merged
		prev = outputs

		scope := convergenceScope(passOrder, outputs, merged, k)
		converged, err := rt.expr.EvaluateBool(cctx, cfg.Condition, scope)
		if err != nil {
			finish(schema.CycleStatusFailed, k)
			outcome.Error = asEngineError(err).WithCycle(cfg.ID, k)
			return outcome, outcome.Error
		}

		iterDuration := time.Since(iterStart)
		rt.recordIteration(cctx, cfg.ID, k, merged, converged, iterStart, iterDuration)
		rt.observeIteration(cfg.ID, k, inputs, outputs, durations, iterStart, converged)
		if rt.metrics != nil {
			rt.metrics.IterationObserved(cfg.ID, iterDuration)
		}

		if converged {
			logger.Info("cycle converged", "iterations", outcome.Iterations)
			finish(schema.CycleStatusConverged, k)
			return outcome, nil
		}
		if cfg.MaxIterations > 0 && outcome.Iterations >= cfg.MaxIterations {
			logger.Info("cycle reached iteration cap", "iterations", outcome.Iterations)
			finish(schema.CycleStatusMaxIterations, k)
			return outcome, nil
		}
	}
}

// cycleBoundaryErr distinguishes the cycle's own deadline from cancellation of
// the surrounding run.
func cycleBoundaryErr(parent, cctx context.Context) *schema.EngineError {
	if err := parent.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return schema.NewError(schema.ErrCodeTimeout, "run timed out")
		}
		return schema.NewError(schema.ErrCodeCancelled, "run cancelled")
	}
	if cctx.Err() != nil {
		return schema.NewError(schema.ErrCodeTimeout, "cycle deadline exceeded")
	}
	return nil
}

func carriesByTarget(cfg *schema.CycleConfig) map[string][]schema.CycleEdge {
	out := make(map[string][]schema.CycleEdge, len(cfg.Carries))
	for _, c := range cfg.Carries {
		out[c.To] = append(out[c.To], c)
	}
	return out
}

// carriedValues extracts the cross-iteration inputs for one member. On the
// first iteration there is no previous output, so nothing carries; the member
// must satisfy those inputs from external parameters or defaults.
func carriedValues(edges []schema.CycleEdge, prev map[string]map[string]any, iteration int) (map[string]any, error) {
	if iteration == 0 || len(edges) == 0 {
		return nil, nil
	}
	carried := make(map[string]any, len(edges))
	for _, e := range edges {
		src, ok := prev[e.From]
		if !ok {
			// Source was skipped last iteration; the carry supplies nothing.
			continue
		}
		val, err := params.Extract(src, e.FromPath)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeMissingParameter,
				"carry %s.%s not present in previous iteration output", e.From, e.FromPath).WithCause(err)
		}
		carried[e.ToInput] = val
	}
	return carried, nil
}

// mergeIterationOutputs flattens member outputs into a single mapping in pass
// order, later members overriding earlier ones on field collisions.
func mergeIterationOutputs(passOrder []string, outputs map[string]map[string]any) map[string]any {
	merged := make(map[string]any)
	for _, member := range passOrder {
		for field, val := range outputs[member] {
			merged[field] = val
		}
	}
	return merged
}

// convergenceScope is the data the convergence predicate evaluates against:
// the flattened fields at the top level, each member's output under its node
// ID, and the zero-based iteration index under "iteration".
func convergenceScope(passOrder []string, outputs map[string]map[string]any, merged map[string]any, iteration int) map[string]any {
	scope := make(map[string]any, len(merged)+len(passOrder)+1)
	for field, val := range merged {
		scope[field] = val
	}
	for _, member := range passOrder {
		if out, ok := outputs[member]; ok {
			scope[member] = out
		}
	}
	scope["iteration"] = iteration
	return scope
}

func (rt *runContext) emitCycleIterEvent(ctx context.Context, cycleID, eventType string, iteration int, payload json.RawMessage) {
	event := &store.Event{
		RunID:     rt.runID,
		CycleID:   cycleID,
		Iteration: iteration,
		Type:      eventType,
		Payload:   payload,
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if err := rt.store.AppendEvent(ctx, event); err != nil {
		rt.logger.Warn("append cycle event", "cycle_id", cycleID, "event", eventType, "error", err)
	}
}

func (rt *runContext) recordIteration(ctx context.Context, cycleID string, iteration int, merged map[string]any, converged bool, startedAt time.Time, duration time.Duration) {
	outputsJSON, _ := json.Marshal(merged)
	rec := &store.IterationRecord{
		RunID:          rt.runID,
		CycleID:        cycleID,
		Iteration:      iteration,
		Outputs:        outputsJSON,
		ConditionValue: &converged,
		StartedAt:      startedAt,
		DurationMs:     duration.Milliseconds(),
	}
	if err := rt.store.AppendIteration(ctx, rec); err != nil {
		rt.logger.Warn("persist iteration", "cycle_id", cycleID, "iteration", iteration, "error", err)
	}
	rt.emitCycleIterEvent(ctx, cycleID, schema.EventCycleIterCommitted, iteration, outputsJSON)
}

func (rt *runContext) observeIteration(cycleID string, iteration int, inputs, outputs map[string]map[string]any, durations map[string]time.Duration, startedAt time.Time, converged bool) {
	if rt.observer == nil {
		return
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	cv := converged
	rt.observer.ObserveIteration(observe.IterationTrace{
		RunID:          rt.runID,
		CycleID:        cycleID,
		Iteration:      iteration,
		Inputs:         inputs,
		Outputs:        outputs,
		StartedAt:      startedAt,
		EndedAt:        time.Now().UTC(),
		NodeDurations:  durations,
		HeapAllocBytes: mem.HeapAlloc,
		ConditionValue: &cv,
	})
}

func asEngineError(err error) *schema.EngineError {
	var ee *schema.EngineError
	if errors.As(err, &ee) {
		return ee
	}
	return schema.NewError(schema.ErrCodeNodeExecution, err.Error()).WithCause(err)
}
