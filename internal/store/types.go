package store

import (
	"encoding/json"
	"time"

	"github.com/adhens/cyclone/pkg/schema"
)

// Run is the persisted representation of a workflow run.
type Run struct {
	ID           string                    `json:"id"`
	WorkflowName string                    `json:"workflow_name,omitempty"`
	Definition   schema.WorkflowDefinition `json:"definition"`
	Status       schema.RunStatus          `json:"status"`
	Params       map[string]any            `json:"params,omitempty"`
	Output       json.RawMessage           `json:"output,omitempty"`
	Error        json.RawMessage           `json:"error,omitempty"`
	CreatedAt    time.Time                 `json:"created_at"`
	StartedAt    *time.Time                `json:"started_at,omitempty"`
	CompletedAt  *time.Time                `json:"completed_at,omitempty"`
	UpdatedAt    time.Time                 `json:"updated_at"`
}

// Event is an immutable entry in the append-only run event log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	NodeID    string          `json:"node_id,omitempty"`
	CycleID   string          `json:"cycle_id,omitempty"`
	Iteration int             `json:"iteration"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// NodeState is the materialized view of a node's latest execution state.
// For cycle members this reflects the most recent iteration.
type NodeState struct {
	RunID       string            `json:"run_id"`
	NodeID      string            `json:"node_id"`
	Status      schema.NodeStatus `json:"status"`
	Iteration   int               `json:"iteration"`
	Inputs      json.RawMessage   `json:"inputs,omitempty"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// IterationRecord is one persisted cycle iteration.
type IterationRecord struct {
	ID             int64           `json:"id"`
	RunID          string          `json:"run_id"`
	CycleID        string          `json:"cycle_id"`
	Iteration      int             `json:"iteration"`
	Outputs        json.RawMessage `json:"outputs,omitempty"`
	ConditionValue *bool           `json:"condition_value,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	DurationMs     int64           `json:"duration_ms"`
}

// ScheduledJob is a cron-triggered recurring run of a stored workflow.
type ScheduledJob struct {
	ID             string                    `json:"id"`
	Name           string                    `json:"name,omitempty"`
	CronExpression string                    `json:"cron_expression"`
	Definition     schema.WorkflowDefinition `json:"definition"`
	Params         map[string]any            `json:"params,omitempty"`
	Enabled        bool                      `json:"enabled"`
	LastRunAt      *time.Time                `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time                `json:"next_run_at,omitempty"`
	LastRunStatus  string                    `json:"last_run_status,omitempty"`
	CreatedAt      time.Time                 `json:"created_at"`
}

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status *schema.RunStatus `json:"status,omitempty"`
	Name   string            `json:"name,omitempty"`
	Since  *time.Time        `json:"since,omitempty"`
	Limit  int               `json:"limit,omitempty"`
	Offset int               `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status      *schema.RunStatus `json:"status,omitempty"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}
