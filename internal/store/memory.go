package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for embedded use and tests. It mirrors
// the LibSQL semantics, including per-run monotonic event sequences.
type MemoryStore struct {
	mu         sync.RWMutex
	runs       map[string]*Run
	events     map[string][]*Event
	nodeStates map[string]map[string]*NodeState
	iterations map[string][]*IterationRecord
	jobs       map[string]*ScheduledJob
	nextID     int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:       make(map[string]*Run),
		events:     make(map[string][]*Event),
		nodeStates: make(map[string]map[string]*NodeState),
		iterations: make(map[string][]*IterationRecord),
		jobs:       make(map[string]*ScheduledJob),
	}
}

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                      { return nil }

// --- Runs ---

func (s *MemoryStore) CreateRun(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *run
	cp.CreatedAt = timeOrNow(run.CreatedAt)
	cp.UpdatedAt = timeOrNow(run.UpdatedAt)
	s.runs[run.ID] = &cp
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, storeNotFound("run", id)
	}
	cp := *run
	return &cp, nil
}

func (s *MemoryStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return storeNotFound("run", id)
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.Output != nil {
		run.Output = update.Output
	}
	if update.Error != nil {
		run.Error = update.Error
	}
	if update.StartedAt != nil {
		run.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		run.CompletedAt = update.CompletedAt
	}
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var runs []*Run
	for _, run := range s.runs {
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		if filter.Name != "" && run.WorkflowName != filter.Name {
			continue
		}
		if filter.Since != nil && run.CreatedAt.Before(*filter.Since) {
			continue
		}
		cp := *run
		runs = append(runs, &cp)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(runs) {
			return nil, nil
		}
		runs = runs[filter.Offset:]
	}
	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

func (s *MemoryStore) DeleteRun(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; !ok {
		return storeNotFound("run", id)
	}
	delete(s.runs, id)
	delete(s.events, id)
	delete(s.nodeStates, id)
	delete(s.iterations, id)
	return nil
}

// --- Event log ---

func (s *MemoryStore) AppendEvent(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	cp := *event
	cp.ID = s.nextID
	cp.Sequence = int64(len(s.events[event.RunID])) + 1
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	s.events[event.RunID] = append(s.events[event.RunID], &cp)
	event.Sequence = cp.Sequence
	event.Timestamp = cp.Timestamp
	return nil
}

func (s *MemoryStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var events []*Event
	for _, e := range s.events[runID] {
		if e.Sequence > since {
			cp := *e
			events = append(events, &cp)
		}
	}
	return events, nil
}

// --- Node states ---

func (s *MemoryStore) UpsertNodeState(ctx context.Context, state *NodeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nodeStates[state.RunID] == nil {
		s.nodeStates[state.RunID] = make(map[string]*NodeState)
	}
	cp := *state
	s.nodeStates[state.RunID][state.NodeID] = &cp
	return nil
}

func (s *MemoryStore) GetNodeState(ctx context.Context, runID, nodeID string) (*NodeState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.nodeStates[runID][nodeID]
	if !ok {
		return nil, storeNotFound("node state", runID+"/"+nodeID)
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) ListNodeStates(ctx context.Context, runID string) ([]*NodeState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var states []*NodeState
	for _, st := range s.nodeStates[runID] {
		cp := *st
		states = append(states, &cp)
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].NodeID < states[j].NodeID
	})
	return states, nil
}

// --- Iterations ---

func (s *MemoryStore) AppendIteration(ctx context.Context, rec *IterationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	cp := *rec
	cp.ID = s.nextID
	cp.StartedAt = timeOrNow(rec.StartedAt)
	s.iterations[rec.RunID] = append(s.iterations[rec.RunID], &cp)
	return nil
}

func (s *MemoryStore) ListIterations(ctx context.Context, runID, cycleID string) ([]*IterationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var recs []*IterationRecord
	for _, rec := range s.iterations[runID] {
		if cycleID == "" || rec.CycleID == cycleID {
			cp := *rec
			recs = append(recs, &cp)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CycleID != recs[j].CycleID {
			return recs[i].CycleID < recs[j].CycleID
		}
		return recs[i].Iteration < recs[j].Iteration
	})
	return recs, nil
}

// --- Scheduled jobs ---

func (s *MemoryStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	cp.CreatedAt = timeOrNow(job.CreatedAt)
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, storeNotFound("scheduled job", id)
	}
	cp := *job
	return &cp, nil
}

func (s *MemoryStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return storeNotFound("scheduled job", id)
	}
	if update.Enabled != nil {
		job.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		job.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		job.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		job.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (s *MemoryStore) ListScheduledJobs(ctx context.Context, enabledOnly bool) ([]*ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []*ScheduledJob
	for _, job := range s.jobs {
		if enabledOnly && !job.Enabled {
			continue
		}
		cp := *job
		jobs = append(jobs, &cp)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

func (s *MemoryStore) DeleteScheduledJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return storeNotFound("scheduled job", id)
	}
	delete(s.jobs, id)
	return nil
}
