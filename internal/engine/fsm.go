package engine

import (
	"context"
	"sync"

	"github.com/adhens/cyclone/internal/store"
	"github.com/adhens/cyclone/pkg/schema"
)

// EventAppender is satisfied by the Store; FSMs emit lifecycle events
// through it on every transition.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// --- Run FSM ---

// RunFSM validates workflow run lifecycle transitions and emits events.
type RunFSM struct {
	mu       sync.Mutex
	appender EventAppender
}

// NewRunFSM creates a RunFSM that emits events via the given appender.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{appender: appender}
}

// Transition validates and records a run state transition.
// Persisting the new status to the store is the caller's responsibility.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	eventType := runEventType(to)
	if eventType != "" {
		event := &store.Event{
			RunID:     runID,
			Type:      eventType,
			Iteration: -1,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit run event: %s", err.Error()).WithCause(err)
		}
	}
	return nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	allowed, ok := ValidRunTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusActive:
		return schema.EventRunStarted
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	case schema.RunStatusCancelled:
		return schema.EventRunCancelled
	default:
		return ""
	}
}

// --- Cycle FSM ---

// CycleFSM validates cycle group state transitions and emits events. The
// terminal states converged, max_iterations, timed_out, failed and cancelled
// admit no further transitions.
type CycleFSM struct {
	mu       sync.Mutex
	appender EventAppender
}

// NewCycleFSM creates a CycleFSM that emits events via the given appender.
func NewCycleFSM(appender EventAppender) *CycleFSM {
	return &CycleFSM{appender: appender}
}

// Transition validates and records a cycle state transition.
func (f *CycleFSM) Transition(ctx context.Context, runID, cycleID string, iteration int, from, to schema.CycleStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidCycleTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid cycle transition: %s -> %s", from, to).
			WithCycle(cycleID, iteration).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	eventType := cycleEventType(to)
	if eventType != "" {
		event := &store.Event{
			RunID:     runID,
			CycleID:   cycleID,
			Iteration: iteration,
			Type:      eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit cycle event: %s", err.Error()).
				WithCycle(cycleID, iteration).WithCause(err)
		}
	}
	return nil
}

func isValidCycleTransition(from, to schema.CycleStatus) bool {
	allowed, ok := ValidCycleTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func cycleEventType(to schema.CycleStatus) string {
	switch to {
	case schema.CycleStatusRunning:
		return schema.EventCycleStarted
	case schema.CycleStatusConverged:
		return schema.EventCycleConverged
	case schema.CycleStatusMaxIterations:
		return schema.EventCycleMaxIterations
	case schema.CycleStatusTimedOut:
		return schema.EventCycleTimedOut
	case schema.CycleStatusFailed:
		return schema.EventCycleFailed
	case schema.CycleStatusCancelled:
		return schema.EventCycleCancelled
	default:
		return ""
	}
}

// --- Transition tables ---

// ValidRunTransitions defines the allowed state transitions for runs.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending:   {schema.RunStatusActive, schema.RunStatusCancelled},
	schema.RunStatusActive:    {schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
	schema.RunStatusCancelled: {},
}

// ValidCycleTransitions defines the allowed state transitions for cycle groups.
var ValidCycleTransitions = map[schema.CycleStatus][]schema.CycleStatus{
	schema.CycleStatusPending: {schema.CycleStatusRunning, schema.CycleStatusCancelled},
	schema.CycleStatusRunning: {
		schema.CycleStatusConverged,
		schema.CycleStatusMaxIterations,
		schema.CycleStatusTimedOut,
		schema.CycleStatusFailed,
		schema.CycleStatusCancelled,
	},
	schema.CycleStatusConverged:     {},
	schema.CycleStatusMaxIterations: {},
	schema.CycleStatusTimedOut:      {},
	schema.CycleStatusFailed:        {},
	schema.CycleStatusCancelled:     {},
}
