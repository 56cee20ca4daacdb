package observe

import (
	"sync"
	"time"

	"github.com/adhens/cyclone/pkg/schema"
)

// CycleReport summarizes the recorded iterations of one cycle.
type CycleReport struct {
	CycleID       string          `json:"cycle_id"`
	Iterations    int             `json:"iterations"`
	Durations     []time.Duration `json:"durations"`
	TotalDuration time.Duration   `json:"total_duration"`
	AvgDuration   time.Duration   `json:"avg_duration"`
	MaxDuration   time.Duration   `json:"max_duration"`
}

// Debugger records every iteration trace per cycle and produces aggregate
// reports on request.
type Debugger struct {
	mu     sync.RWMutex
	traces map[string][]IterationTrace
}

// NewDebugger creates an empty Debugger.
func NewDebugger() *Debugger {
	return &Debugger{traces: make(map[string][]IterationTrace)}
}

// ObserveIteration appends a trace. Traces are never mutated after this.
func (d *Debugger) ObserveIteration(trace IterationTrace) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.traces[trace.CycleID] = append(d.traces[trace.CycleID], trace)
}

// Traces returns a copy of the recorded traces for a cycle, ordered by
// iteration.
func (d *Debugger) Traces(cycleID string) []IterationTrace {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]IterationTrace, len(d.traces[cycleID]))
	copy(out, d.traces[cycleID])
	return out
}

// Report builds the aggregate report for a cycle.
func (d *Debugger) Report(cycleID string) (*CycleReport, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	traces, ok := d.traces[cycleID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no traces recorded for cycle %s", cycleID)
	}

	report := &CycleReport{
		CycleID:    cycleID,
		Iterations: len(traces),
		Durations:  make([]time.Duration, 0, len(traces)),
	}
	for _, t := range traces {
		dur := t.Duration()
		report.Durations = append(report.Durations, dur)
		report.TotalDuration += dur
		if dur > report.MaxDuration {
			report.MaxDuration = dur
		}
	}
	if report.Iterations > 0 {
		report.AvgDuration = report.TotalDuration / time.Duration(report.Iterations)
	}
	return report, nil
}
