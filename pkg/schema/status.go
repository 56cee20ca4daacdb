package schema

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusActive    RunStatus = "active"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// NodeStatus represents the execution state of a single node within a run.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
)

// CycleStatus represents the state of a cycle group's convergence machine.
// Converged, MaxIterations, TimedOut, Failed and Cancelled are terminal.
type CycleStatus string

const (
	CycleStatusPending       CycleStatus = "pending"
	CycleStatusRunning       CycleStatus = "running"
	CycleStatusConverged     CycleStatus = "converged"
	CycleStatusMaxIterations CycleStatus = "max_iterations"
	CycleStatusTimedOut      CycleStatus = "timed_out"
	CycleStatusFailed        CycleStatus = "failed"
	CycleStatusCancelled     CycleStatus = "cancelled"
)

// Terminal reports whether the cycle status admits no further iterations.
func (s CycleStatus) Terminal() bool {
	switch s {
	case CycleStatusConverged, CycleStatusMaxIterations, CycleStatusTimedOut,
		CycleStatusFailed, CycleStatusCancelled:
		return true
	}
	return false
}

// Event type constants for the append-only event log.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"

	EventNodeStarted   = "node_started"
	EventNodeCompleted = "node_completed"
	EventNodeFailed    = "node_failed"
	EventNodeSkipped   = "node_skipped"

	EventCycleStarted        = "cycle_started"
	EventCycleIterStarted    = "cycle_iter_started"
	EventCycleIterCommitted  = "cycle_iter_committed"
	EventCycleConverged      = "cycle_converged"
	EventCycleMaxIterations  = "cycle_max_iterations"
	EventCycleTimedOut       = "cycle_timed_out"
	EventCycleFailed         = "cycle_failed"
	EventCycleCancelled      = "cycle_cancelled"
)
