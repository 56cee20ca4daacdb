package observe

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// CycleProfile holds comparative metrics for one cycle.
type CycleProfile struct {
	CycleID     string        `json:"cycle_id"`
	Iterations  int           `json:"iterations"`
	AvgDuration time.Duration `json:"avg_duration"`

	// Trend is the normalized slope of per-iteration duration: positive
	// values mean iterations are getting slower over time, with 1.0 roughly
	// doubling over the observed window.
	Trend float64 `json:"trend"`

	// Monotonic reports whether every iteration was at least as slow as the
	// previous one.
	Monotonic bool `json:"monotonic"`

	// Relative is this cycle's average iteration duration divided by the
	// mean average across all profiled cycles. Set by Compare.
	Relative float64 `json:"relative,omitempty"`
}

// Profiler accumulates traces across runs and cycles and derives comparative
// metrics plus heuristic optimization suggestions.
type Profiler struct {
	mu     sync.RWMutex
	traces map[string][]IterationTrace
}

// NewProfiler creates an empty Profiler.
func NewProfiler() *Profiler {
	return &Profiler{traces: make(map[string][]IterationTrace)}
}

// ObserveIteration appends a trace.
func (p *Profiler) ObserveIteration(trace IterationTrace) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.traces[trace.CycleID] = append(p.traces[trace.CycleID], trace)
}

// Profile computes the metrics for one cycle. Returns a zero profile when no
// traces were recorded.
func (p *Profiler) Profile(cycleID string) CycleProfile {
	p.mu.RLock()
	traces := p.traces[cycleID]
	p.mu.RUnlock()
	return profileTraces(cycleID, traces)
}

// Compare profiles all recorded cycles and fills the Relative metric.
// Results are ordered by cycle id.
func (p *Profiler) Compare() []CycleProfile {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]string, 0, len(p.traces))
	for id := range p.traces {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	profiles := make([]CycleProfile, 0, len(ids))
	var totalAvg time.Duration
	for _, id := range ids {
		prof := profileTraces(id, p.traces[id])
		totalAvg += prof.AvgDuration
		profiles = append(profiles, prof)
	}
	if len(profiles) == 0 || totalAvg == 0 {
		return profiles
	}
	mean := float64(totalAvg) / float64(len(profiles))
	for i := range profiles {
		profiles[i].Relative = float64(profiles[i].AvgDuration) / mean
	}
	return profiles
}

// Suggestions derives heuristic optimization hints from the comparative
// profiles: monotonically slowing cycles and cycles dominating the session.
func (p *Profiler) Suggestions() []string {
	var out []string
	for _, prof := range p.Compare() {
		if prof.Monotonic && prof.Iterations >= 3 {
			out = append(out, fmt.Sprintf(
				"cycle %s: iteration time grows monotonically over %d iterations, check for accumulating state",
				prof.CycleID, prof.Iterations))
		}
		if prof.Relative >= 2.0 {
			out = append(out, fmt.Sprintf(
				"cycle %s: average iteration is %.1fx the session mean, consider splitting or caching",
				prof.CycleID, prof.Relative))
		}
	}
	return out
}

func profileTraces(cycleID string, traces []IterationTrace) CycleProfile {
	prof := CycleProfile{CycleID: cycleID, Iterations: len(traces)}
	if len(traces) == 0 {
		return prof
	}

	var total time.Duration
	prof.Monotonic = len(traces) >= 2
	for i, t := range traces {
		total += t.Duration()
		if i > 0 && t.Duration() < traces[i-1].Duration() {
			prof.Monotonic = false
		}
	}
	prof.AvgDuration = total / time.Duration(len(traces))
	prof.Trend = durationTrend(traces)
	return prof
}

// durationTrend fits a least-squares line over the iteration durations and
// normalizes the slope by the mean duration.
func durationTrend(traces []IterationTrace) float64 {
	n := len(traces)
	if n < 2 {
		return 0
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, t := range traces {
		x := float64(i)
		y := float64(t.Duration())
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	nf := float64(n)
	denom := nf*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	slope := (nf*sumXY - sumX*sumY) / denom
	mean := sumY / nf
	if mean == 0 {
		return 0
	}
	return slope * nf / mean
}
