package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/adhens/cyclone/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some PRAGMAs return rows so QueryRow is used.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	def, err := json.Marshal(run.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	params, err := marshalMapOrDefault(run.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_name, definition, status, params, output, error, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, nullStr(run.WorkflowName), string(def), string(run.Status),
		string(params), nullRaw(run.Output), nullRaw(run.Error),
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run := &Run{}
	var (
		name                   sql.NullString
		defJSON, paramsJSON    string
		outputJSON, errorJSON  sql.NullString
		startedAt, completedAt sql.NullTime
		status                 string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_name, definition, status, params, output, error, created_at, started_at, completed_at, updated_at
		 FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &name, &defJSON, &status, &paramsJSON, &outputJSON, &errorJSON,
		&run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	run.WorkflowName = name.String
	run.Status = schema.RunStatus(status)
	if err := json.Unmarshal([]byte(defJSON), &run.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if paramsJSON != "" {
		_ = json.Unmarshal([]byte(paramsJSON), &run.Params)
	}
	run.Output = rawOrNil(outputJSON)
	run.Error = rawOrNil(errorJSON)
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Name != "" {
		where = append(where, "workflow_name = ?")
		args = append(args, filter.Name)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, workflow_name, definition, status, params, output, error, created_at, started_at, completed_at, updated_at FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		var (
			name                   sql.NullString
			defJSON, paramsJSON    string
			outputJSON, errorJSON  sql.NullString
			startedAt, completedAt sql.NullTime
			status                 string
		)
		if err := rows.Scan(&run.ID, &name, &defJSON, &status, &paramsJSON, &outputJSON, &errorJSON,
			&run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt); err != nil {
			return nil, err
		}
		run.WorkflowName = name.String
		run.Status = schema.RunStatus(status)
		if err := json.Unmarshal([]byte(defJSON), &run.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		if paramsJSON != "" {
			_ = json.Unmarshal([]byte(paramsJSON), &run.Params)
		}
		run.Output = rawOrNil(outputJSON)
		run.Error = rawOrNil(errorJSON)
		if startedAt.Valid {
			run.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			run.CompletedAt = &completedAt.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

// --- Event log ---

// AppendEvent appends an event with a monotonically increasing per-run sequence.
// A write-intent statement inside the transaction forces lock acquisition so
// concurrent writers cannot interleave sequence reads and writes in WAL mode.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, node_id, cycle_id, iteration, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.NodeID), nullStr(event.CycleID), event.Iteration,
		event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, node_id, cycle_id, iteration, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`, runID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, cycleID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &nodeID, &cycleID, &e.Iteration, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.CycleID = cycleID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Node states ---

func (s *LibSQLStore) UpsertNodeState(ctx context.Context, state *NodeState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO node_states (run_id, node_id, status, iteration, inputs, output, error, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, node_id) DO UPDATE SET
		   status=excluded.status, iteration=excluded.iteration, inputs=excluded.inputs,
		   output=excluded.output, error=excluded.error, started_at=excluded.started_at,
		   completed_at=excluded.completed_at, duration_ms=excluded.duration_ms`,
		state.RunID, state.NodeID, string(state.Status), state.Iteration,
		nullRaw(state.Inputs), nullRaw(state.Output), nullRaw(state.Error),
		nullTime(state.StartedAt), nullTime(state.CompletedAt), state.DurationMs,
	)
	return err
}

func (s *LibSQLStore) GetNodeState(ctx context.Context, runID, nodeID string) (*NodeState, error) {
	st := &NodeState{}
	var (
		inputs, output, errJSON sql.NullString
		startedAt, completedAt  sql.NullTime
		status                  string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, node_id, status, iteration, inputs, output, error, started_at, completed_at, duration_ms
		 FROM node_states WHERE run_id = ? AND node_id = ?`, runID, nodeID,
	).Scan(&st.RunID, &st.NodeID, &status, &st.Iteration, &inputs, &output, &errJSON, &startedAt, &completedAt, &st.DurationMs)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("node state", runID+"/"+nodeID)
	}
	if err != nil {
		return nil, err
	}
	st.Status = schema.NodeStatus(status)
	st.Inputs = rawOrNil(inputs)
	st.Output = rawOrNil(output)
	st.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		st.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		st.CompletedAt = &completedAt.Time
	}
	return st, nil
}

func (s *LibSQLStore) ListNodeStates(ctx context.Context, runID string) ([]*NodeState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, node_id, status, iteration, inputs, output, error, started_at, completed_at, duration_ms
		 FROM node_states WHERE run_id = ? ORDER BY node_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*NodeState
	for rows.Next() {
		st := &NodeState{}
		var (
			inputs, output, errJSON sql.NullString
			startedAt, completedAt  sql.NullTime
			status                  string
		)
		if err := rows.Scan(&st.RunID, &st.NodeID, &status, &st.Iteration, &inputs, &output, &errJSON, &startedAt, &completedAt, &st.DurationMs); err != nil {
			return nil, err
		}
		st.Status = schema.NodeStatus(status)
		st.Inputs = rawOrNil(inputs)
		st.Output = rawOrNil(output)
		st.Error = rawOrNil(errJSON)
		if startedAt.Valid {
			st.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			st.CompletedAt = &completedAt.Time
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

// --- Iterations ---

func (s *LibSQLStore) AppendIteration(ctx context.Context, rec *IterationRecord) error {
	var cond any
	if rec.ConditionValue != nil {
		if *rec.ConditionValue {
			cond = 1
		} else {
			cond = 0
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO iterations (run_id, cycle_id, iteration, outputs, condition_value, started_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.CycleID, rec.Iteration, nullRaw(rec.Outputs), cond,
		timeOrNow(rec.StartedAt), rec.DurationMs,
	)
	return err
}

func (s *LibSQLStore) ListIterations(ctx context.Context, runID, cycleID string) ([]*IterationRecord, error) {
	query := `SELECT id, run_id, cycle_id, iteration, outputs, condition_value, started_at, duration_ms
		 FROM iterations WHERE run_id = ?`
	args := []any{runID}
	if cycleID != "" {
		query += ` AND cycle_id = ?`
		args = append(args, cycleID)
	}
	query += ` ORDER BY cycle_id ASC, iteration ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*IterationRecord
	for rows.Next() {
		rec := &IterationRecord{}
		var outputs sql.NullString
		var cond sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.CycleID, &rec.Iteration, &outputs, &cond, &rec.StartedAt, &rec.DurationMs); err != nil {
			return nil, err
		}
		rec.Outputs = rawOrNil(outputs)
		if cond.Valid {
			v := cond.Int64 != 0
			rec.ConditionValue = &v
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// --- Scheduled jobs ---

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	def, err := json.Marshal(job.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	params, err := marshalMapOrDefault(job.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, name, cron_expression, definition, params, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, nullStr(job.Name), job.CronExpression, string(def), string(params),
		boolInt(job.Enabled), nullTime(job.LastRunAt), nullTime(job.NextRunAt),
		nullStr(job.LastRunStatus), timeOrNow(job.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	return scanScheduledJob(s.db.QueryRowContext(ctx,
		`SELECT id, name, cron_expression, definition, params, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_jobs WHERE id = ?`, id), id)
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_jobs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, enabledOnly bool) ([]*ScheduledJob, error) {
	query := `SELECT id, name, cron_expression, definition, params, enabled, last_run_at, next_run_at, last_run_status, created_at
	 FROM scheduled_jobs`
	if enabledOnly {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		job, err := scanScheduledJob(rows, "")
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanScheduledJob(row rowScanner, id string) (*ScheduledJob, error) {
	job := &ScheduledJob{}
	var (
		name, lastStatus       sql.NullString
		defJSON, paramsJSON    string
		enabled                int
		lastRunAt, nextRunAt   sql.NullTime
	)
	err := row.Scan(&job.ID, &name, &job.CronExpression, &defJSON, &paramsJSON,
		&enabled, &lastRunAt, &nextRunAt, &lastStatus, &job.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled job", id)
	}
	if err != nil {
		return nil, err
	}
	job.Name = name.String
	job.LastRunStatus = lastStatus.String
	job.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(defJSON), &job.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if paramsJSON != "" {
		_ = json.Unmarshal([]byte(paramsJSON), &job.Params)
	}
	if lastRunAt.Valid {
		job.LastRunAt = &lastRunAt.Time
	}
	if nextRunAt.Valid {
		job.NextRunAt = &nextRunAt.Time
	}
	return job, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s not found: %s", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if m == nil {
		return json.RawMessage("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
