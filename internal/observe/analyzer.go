package observe

import (
	"sort"
	"sync"
)

// HealthWarning flags a cycle whose health score dropped below the analyzer
// threshold while still running.
type HealthWarning struct {
	CycleID string  `json:"cycle_id"`
	Score   float64 `json:"score"`
	Reason  string  `json:"reason"`
}

// Analyzer layers the Debugger and Profiler across a whole session and adds a
// real-time health score per cycle: a [0,1] value combining the recent
// iteration-time trend with the heap-usage delta between iterations.
type Analyzer struct {
	debugger  *Debugger
	profiler  *Profiler
	threshold float64

	mu   sync.RWMutex
	heap map[string][]uint64
}

// NewAnalyzer creates an Analyzer. Cycles scoring below threshold are
// surfaced by Warnings; the usual threshold is around 0.5.
func NewAnalyzer(threshold float64) *Analyzer {
	return &Analyzer{
		debugger:  NewDebugger(),
		profiler:  NewProfiler(),
		threshold: threshold,
		heap:      make(map[string][]uint64),
	}
}

// Debugger exposes the underlying per-cycle trace recorder.
func (a *Analyzer) Debugger() *Debugger { return a.debugger }

// Profiler exposes the underlying comparative profiler.
func (a *Analyzer) Profiler() *Profiler { return a.profiler }

// ObserveIteration feeds both layers and records the heap sample.
func (a *Analyzer) ObserveIteration(trace IterationTrace) {
	a.debugger.ObserveIteration(trace)
	a.profiler.ObserveIteration(trace)

	a.mu.Lock()
	a.heap[trace.CycleID] = append(a.heap[trace.CycleID], trace.HeapAllocBytes)
	a.mu.Unlock()
}

// HealthScore computes the current [0,1] score for a cycle. 1.0 means stable
// iteration times and flat memory; the score decays as iterations slow down
// or heap usage keeps growing. A cycle with fewer than two iterations scores
// 1.0 because no trend exists yet.
func (a *Analyzer) HealthScore(cycleID string) float64 {
	prof := a.profiler.Profile(cycleID)
	if prof.Iterations < 2 {
		return 1.0
	}

	trendPenalty := clamp01(prof.Trend)

	a.mu.RLock()
	samples := a.heap[cycleID]
	a.mu.RUnlock()
	memPenalty := heapGrowth(samples)

	return clamp01(1.0 - 0.6*trendPenalty - 0.4*memPenalty)
}

// Warnings returns the cycles currently scoring below the threshold, ordered
// by cycle id.
func (a *Analyzer) Warnings() []HealthWarning {
	a.mu.RLock()
	ids := make([]string, 0, len(a.heap))
	for id := range a.heap {
		ids = append(ids, id)
	}
	a.mu.RUnlock()
	sort.Strings(ids)

	var warnings []HealthWarning
	for _, id := range ids {
		score := a.HealthScore(id)
		if score >= a.threshold {
			continue
		}
		warnings = append(warnings, HealthWarning{
			CycleID: id,
			Score:   score,
			Reason:  "iteration time or memory usage trending upward",
		})
	}
	return warnings
}

// heapGrowth returns the relative heap delta over the observed window,
// clamped to [0,1]. Flat or shrinking usage scores 0.
func heapGrowth(samples []uint64) float64 {
	if len(samples) < 2 {
		return 0
	}
	first, last := samples[0], samples[len(samples)-1]
	if first == 0 || last <= first {
		return 0
	}
	return clamp01(float64(last-first) / float64(first))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
