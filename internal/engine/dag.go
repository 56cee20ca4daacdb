package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/adhens/cyclone/internal/expressions"
	"github.com/adhens/cyclone/internal/logging"
	"github.com/adhens/cyclone/internal/metrics"
	"github.com/adhens/cyclone/internal/node"
	"github.com/adhens/cyclone/internal/observe"
	"github.com/adhens/cyclone/internal/params"
	"github.com/adhens/cyclone/internal/state"
	"github.com/adhens/cyclone/internal/store"
	"github.com/adhens/cyclone/pkg/schema"
)

// runContext carries the per-run machinery shared by the DAG and cycle
// executors. One is created per Execute call.
type runContext struct {
	runID    string
	def      *schema.WorkflowDefinition
	defs     map[string]*schema.NodeDefinition
	registry *node.Registry
	invoker  *node.Invoker
	resolver *params.Resolver
	cel      *expressions.CELEngine
	expr     *expressions.ExprEngine
	state    *state.State
	store    store.Store
	pool     *WorkerPool
	logger   *slog.Logger
	metrics  *metrics.Collector
	observer observe.Observer
	cycleFSM *CycleFSM

	// initial maps node id (or params.GlobalKey) to externally supplied
	// parameter mappings.
	initial map[string]any

	mu    sync.Mutex
	nodes map[string]*store.NodeState
}

func (rt *runContext) external(nodeID string) (map[string]any, error) {
	return params.ExternalForNode(rt.initial, nodeID)
}

// guardScope builds the namespaced data that connection guards and node
// conditions evaluate against.
func (rt *runContext) guardScope(external map[string]any, iteration int) map[string]any {
	scope := map[string]any{
		"nodes":  anyMap(rt.state.NodeOutputs()),
		"inputs": external,
		"run":    map[string]any{"id": rt.runID},
	}
	if iteration >= 0 {
		scope["iter"] = map[string]any{"index": iteration}
	}
	return scope
}

func anyMap(m map[string]map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// invokeNode resolves, guards, validates and runs one node, committing its
// output on success. skipConns are connections excluded from resolution
// (next-iteration carries inside a cycle); carried values override whatever
// resolution produced for those fields. iteration is -1 outside cycles.
func (rt *runContext) invokeNode(ctx context.Context, nodeID string, carried map[string]any, skipConns map[[2]string]bool, iteration int) (map[string]any, bool, error) {
	def, ok := rt.defs[nodeID]
	if !ok {
		return nil, false, schema.NewErrorf(schema.ErrCodeNotFound, "node not defined: %s", nodeID)
	}

	logger := rt.logger.With("node_id", nodeID)
	nctx := logging.WithNodeID(ctx, nodeID)

	external, err := rt.external(nodeID)
	if err != nil {
		return nil, false, err
	}

	// Node-level guard: a false condition skips the node without invoking it.
	if def.Condition != "" {
		pass, err := rt.cel.EvaluateGuard(nctx, def.Condition, rt.guardScope(external, iteration))
		if err != nil {
			return nil, false, err
		}
		if !pass {
			logger.Debug("node skipped by condition")
			rt.recordNodeState(nctx, nodeID, schema.NodeStatusSkipped, iteration, nil, nil, nil, 0)
			rt.emitNodeEvent(nctx, nodeID, schema.EventNodeSkipped, iteration, nil)
			return nil, false, nil
		}
	}

	n, err := rt.registry.Create(*def)
	if err != nil {
		return nil, false, err
	}

	conns := connsFeeding(rt.def.Connections, nodeID, skipConns)
	inputs, err := rt.resolver.Resolve(nctx, nodeID, n.Parameters(), conns, rt.state, external, rt.guardScope(external, iteration))
	if err != nil {
		return nil, false, err
	}
	for field, val := range carried {
		inputs[field] = val
	}

	started := time.Now().UTC()
	inputsJSON, _ := json.Marshal(inputs)
	rt.emitNodeEvent(nctx, nodeID, schema.EventNodeStarted, iteration, nil)
	rt.recordNodeState(nctx, nodeID, schema.NodeStatusRunning, iteration, inputsJSON, nil, nil, 0)

	output, err := rt.invoker.Invoke(nctx, nodeID, n, inputs)
	duration := time.Since(started)

	if err != nil {
		logger.Error("node failed", "error", err, "duration_ms", duration.Milliseconds())
		errJSON, _ := json.Marshal(map[string]string{"error": err.Error()})
		rt.recordNodeState(nctx, nodeID, schema.NodeStatusFailed, iteration, inputsJSON, nil, errJSON, duration.Milliseconds())
		rt.emitNodeEvent(nctx, nodeID, schema.EventNodeFailed, iteration, errJSON)
		if rt.metrics != nil {
			rt.metrics.NodeExecuted(def.Type, "failed", duration)
		}
		return nil, false, err
	}

	rt.state.CommitNodeOutput(nodeID, output)

	logger.Debug("node completed", "duration_ms", duration.Milliseconds())
	outputJSON, _ := json.Marshal(output)
	rt.recordNodeState(nctx, nodeID, schema.NodeStatusCompleted, iteration, inputsJSON, outputJSON, nil, duration.Milliseconds())
	rt.emitNodeEvent(nctx, nodeID, schema.EventNodeCompleted, iteration, outputJSON)
	if rt.metrics != nil {
		rt.metrics.NodeExecuted(def.Type, "completed", duration)
	}

	return output, true, nil
}

// connsFeeding selects the connections targeting nodeID, minus the skip set.
func connsFeeding(conns []schema.Connection, nodeID string, skip map[[2]string]bool) []schema.Connection {
	var out []schema.Connection
	for _, c := range conns {
		if c.To != nodeID {
			continue
		}
		if skip != nil && skip[[2]string{c.From, c.To}] {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (rt *runContext) recordNodeState(ctx context.Context, nodeID string, status schema.NodeStatus, iteration int, inputs, output, errJSON json.RawMessage, durationMs int64) {
	now := time.Now().UTC()
	rt.mu.Lock()
	st, ok := rt.nodes[nodeID]
	if !ok {
		st = &store.NodeState{RunID: rt.runID, NodeID: nodeID}
		rt.nodes[nodeID] = st
	}
	st.Status = status
	st.Iteration = iteration
	if inputs != nil {
		st.Inputs = inputs
	}
	if output != nil {
		st.Output = output
	}
	st.Error = errJSON
	switch status {
	case schema.NodeStatusRunning:
		st.StartedAt = &now
	case schema.NodeStatusCompleted, schema.NodeStatusFailed:
		st.CompletedAt = &now
		st.DurationMs = durationMs
	}
	snapshot := *st
	rt.mu.Unlock()

	// Best effort; execution proceeds even when persistence fails.
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if err := rt.store.UpsertNodeState(ctx, &snapshot); err != nil {
		rt.logger.Warn("persist node state", "node_id", nodeID, "error", err)
	}
}

func (rt *runContext) emitNodeEvent(ctx context.Context, nodeID, eventType string, iteration int, payload json.RawMessage) {
	event := &store.Event{
		RunID:     rt.runID,
		NodeID:    nodeID,
		Iteration: iteration,
		Type:      eventType,
		Payload:   payload,
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if err := rt.store.AppendEvent(ctx, event); err != nil {
		rt.logger.Warn("append node event", "node_id", nodeID, "event", eventType, "error", err)
	}
}

// --- DAG segment execution ---

// executeSegment runs one topologically-ordered DAG segment. Nodes are
// grouped into dependency levels; nodes within a level run concurrently on
// the worker pool. The first node failure aborts the segment; outputs
// committed before the failure stay visible for diagnostics.
func (rt *runContext) executeSegment(ctx context.Context, nodes []string, edges map[string][]string) error {
	levels := segmentLevels(nodes, edges)

	for _, level := range levels {
		if err := ctx.Err(); err != nil {
			return cancellationError(err)
		}

		var wg sync.WaitGroup
		errCh := make(chan error, len(level))

		for _, nodeID := range level {
			id := nodeID
			wg.Add(1)
			submitErr := rt.pool.Submit(ctx, func(nctx context.Context) error {
				defer wg.Done()
				if _, _, err := rt.invokeNode(nctx, id, nil, nil, -1); err != nil {
					errCh <- err
					return err
				}
				return nil
			})
			if submitErr != nil {
				wg.Done()
				errCh <- submitErr
			}
		}

		wg.Wait()
		close(errCh)

		if err := ctx.Err(); err != nil {
			return cancellationError(err)
		}
		for err := range errCh {
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// segmentLevels groups the segment's nodes by topological depth over the
// edges restricted to the segment. The input order is a valid topological
// order, so a single pass suffices.
func segmentLevels(nodes []string, edges map[string][]string) [][]string {
	inSegment := make(map[string]bool, len(nodes))
	for _, id := range nodes {
		inSegment[id] = true
	}

	preds := make(map[string][]string, len(nodes))
	for from, tos := range edges {
		if !inSegment[from] {
			continue
		}
		for _, to := range tos {
			if inSegment[to] {
				preds[to] = append(preds[to], from)
			}
		}
	}

	depth := make(map[string]int, len(nodes))
	maxDepth := 0
	for _, id := range nodes {
		d := 0
		for _, p := range preds[id] {
			if depth[p]+1 > d {
				d = depth[p] + 1
			}
		}
		depth[id] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	levels := make([][]string, maxDepth+1)
	for _, id := range nodes {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	return levels
}

func cancellationError(err error) error {
	if err == context.DeadlineExceeded {
		return schema.NewError(schema.ErrCodeTimeout, "run timed out")
	}
	return schema.NewError(schema.ErrCodeCancelled, "run cancelled")
}
