package state

import "sync"

// State is the run-scoped workflow state store: committed node outputs,
// committed cycle outputs, and per-cycle iteration counters.
//
// Discipline: exactly one executor writes a given node or cycle key at any
// instant; readers only ever observe committed values. Commits freeze the
// value by deep copy, and reads hand out copies, so a committed output is
// never mutated in place; a new iteration writes a new value.
type State struct {
	runID string

	mu           sync.RWMutex
	nodeOutputs  map[string]map[string]any
	cycleOutputs map[string]map[string]any
	iterations   map[string]int
}

// New creates an empty State for the given run.
func New(runID string) *State {
	return &State{
		runID:        runID,
		nodeOutputs:  make(map[string]map[string]any),
		cycleOutputs: make(map[string]map[string]any),
		iterations:   make(map[string]int),
	}
}

// RunID returns the identifier of the owning run.
func (s *State) RunID() string {
	return s.runID
}

// CommitNodeOutput commits a node's output, freezing it by deep copy.
// Re-committing the same node replaces the previous value with a fresh
// frozen copy (cycle participants commit once per iteration).
func (s *State) CommitNodeOutput(nodeID string, output map[string]any) {
	frozen := deepCopyMap(output)
	s.mu.Lock()
	s.nodeOutputs[nodeID] = frozen
	s.mu.Unlock()
}

// NodeOutput returns a copy of a node's latest committed output.
func (s *State) NodeOutput(nodeID string) (map[string]any, bool) {
	s.mu.RLock()
	out, ok := s.nodeOutputs[nodeID]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return deepCopyMap(out), true
}

// NodeOutputs returns a snapshot of all committed node outputs.
func (s *State) NodeOutputs() map[string]map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := make(map[string]map[string]any, len(s.nodeOutputs))
	for id, out := range s.nodeOutputs {
		snap[id] = deepCopyMap(out)
	}
	return snap
}

// CommitCycleOutput commits a cycle's current output and records the number
// of committed iterations so far.
func (s *State) CommitCycleOutput(cycleID string, output map[string]any, iteration int) {
	frozen := deepCopyMap(output)
	s.mu.Lock()
	s.cycleOutputs[cycleID] = frozen
	s.iterations[cycleID] = iteration
	s.mu.Unlock()
}

// CycleOutput returns a copy of a cycle's latest committed output.
func (s *State) CycleOutput(cycleID string) (map[string]any, bool) {
	s.mu.RLock()
	out, ok := s.cycleOutputs[cycleID]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return deepCopyMap(out), true
}

// CycleOutputs returns a snapshot of all committed cycle outputs.
func (s *State) CycleOutputs() map[string]map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := make(map[string]map[string]any, len(s.cycleOutputs))
	for id, out := range s.cycleOutputs {
		snap[id] = deepCopyMap(out)
	}
	return snap
}

// Iteration returns the committed iteration count for a cycle (0 before the
// first commit).
func (s *State) Iteration(cycleID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.iterations[cycleID]
}

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	default:
		return v
	}
}
