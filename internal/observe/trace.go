// Package observe provides passive instrumentation for cycle execution:
// per-iteration traces, aggregate reports, comparative profiles and a
// session-level health score. Observers never influence resolution, commit
// or convergence decisions.
package observe

import "time"

// IterationTrace is an immutable snapshot of one cycle iteration.
type IterationTrace struct {
	RunID          string
	CycleID        string
	Iteration      int
	Inputs         map[string]map[string]any
	Outputs        map[string]map[string]any
	StartedAt      time.Time
	EndedAt        time.Time
	NodeDurations  map[string]time.Duration
	HeapAllocBytes uint64
	ConditionValue *bool
}

// Duration returns the wall-clock span of the iteration.
func (t IterationTrace) Duration() time.Duration {
	return t.EndedAt.Sub(t.StartedAt)
}

// Observer receives iteration traces as they are committed.
type Observer interface {
	ObserveIteration(trace IterationTrace)
}

// MultiObserver fans one trace out to several observers.
type MultiObserver []Observer

func (m MultiObserver) ObserveIteration(trace IterationTrace) {
	for _, o := range m {
		o.ObserveIteration(trace)
	}
}
