package observe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adhens/cyclone/pkg/schema"
)

func makeTrace(cycleID string, iteration int, dur time.Duration, heap uint64) IterationTrace {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(iteration) * time.Second)
	return IterationTrace{
		RunID:          "run-1",
		CycleID:        cycleID,
		Iteration:      iteration,
		StartedAt:      start,
		EndedAt:        start.Add(dur),
		HeapAllocBytes: heap,
	}
}

func TestDebuggerReport(t *testing.T) {
	d := NewDebugger()
	d.ObserveIteration(makeTrace("loop", 0, 10*time.Millisecond, 0))
	d.ObserveIteration(makeTrace("loop", 1, 20*time.Millisecond, 0))
	d.ObserveIteration(makeTrace("loop", 2, 30*time.Millisecond, 0))

	report, err := d.Report("loop")
	require.NoError(t, err)
	assert.Equal(t, 3, report.Iterations)
	assert.Equal(t, 60*time.Millisecond, report.TotalDuration)
	assert.Equal(t, 20*time.Millisecond, report.AvgDuration)
	assert.Equal(t, 30*time.Millisecond, report.MaxDuration)
	require.Len(t, report.Durations, 3)

	_, err = d.Report("missing")
	require.Error(t, err)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeNotFound, engErr.Code)
}

func TestDebuggerTracesAreCopies(t *testing.T) {
	d := NewDebugger()
	d.ObserveIteration(makeTrace("loop", 0, time.Millisecond, 0))

	traces := d.Traces("loop")
	require.Len(t, traces, 1)
	traces[0].CycleID = "mutated"

	again := d.Traces("loop")
	assert.Equal(t, "loop", again[0].CycleID)
}

func TestProfilerTrendAndMonotonic(t *testing.T) {
	p := NewProfiler()
	for i := 0; i < 4; i++ {
		p.ObserveIteration(makeTrace("growing", i, time.Duration(i+1)*10*time.Millisecond, 0))
	}
	for i := 0; i < 4; i++ {
		p.ObserveIteration(makeTrace("stable", i, 10*time.Millisecond, 0))
	}

	growing := p.Profile("growing")
	assert.True(t, growing.Monotonic)
	assert.Greater(t, growing.Trend, 0.0)

	stable := p.Profile("stable")
	assert.InDelta(t, 0.0, stable.Trend, 1e-9)

	empty := p.Profile("missing")
	assert.Equal(t, 0, empty.Iterations)
}

func TestProfilerCompareRelative(t *testing.T) {
	p := NewProfiler()
	p.ObserveIteration(makeTrace("fast", 0, 10*time.Millisecond, 0))
	p.ObserveIteration(makeTrace("slow", 0, 30*time.Millisecond, 0))

	profiles := p.Compare()
	require.Len(t, profiles, 2)
	assert.Equal(t, "fast", profiles[0].CycleID)
	assert.InDelta(t, 0.5, profiles[0].Relative, 1e-9)
	assert.InDelta(t, 1.5, profiles[1].Relative, 1e-9)
}

func TestProfilerSuggestions(t *testing.T) {
	p := NewProfiler()
	for i := 0; i < 4; i++ {
		p.ObserveIteration(makeTrace("leaky", i, time.Duration(i+1)*50*time.Millisecond, 0))
	}
	p.ObserveIteration(makeTrace("quick", 0, time.Millisecond, 0))

	suggestions := p.Suggestions()
	require.NotEmpty(t, suggestions)
	assert.Contains(t, suggestions[0], "leaky")
	assert.Contains(t, suggestions[0], "monotonically")
}

func TestAnalyzerHealthScore(t *testing.T) {
	a := NewAnalyzer(0.5)

	// Stable cycle: flat durations and flat heap keep the score at 1.
	for i := 0; i < 3; i++ {
		a.ObserveIteration(makeTrace("stable", i, 10*time.Millisecond, 1000))
	}
	assert.InDelta(t, 1.0, a.HealthScore("stable"), 1e-9)

	// Degrading cycle: slowing iterations and growing heap drag it down.
	for i := 0; i < 4; i++ {
		a.ObserveIteration(makeTrace("degrading", i, time.Duration(i+1)*20*time.Millisecond, uint64(1000*(i+1))))
	}
	score := a.HealthScore("degrading")
	assert.Less(t, score, 0.5)
	assert.GreaterOrEqual(t, score, 0.0)

	warnings := a.Warnings()
	require.Len(t, warnings, 1)
	assert.Equal(t, "degrading", warnings[0].CycleID)
}

func TestAnalyzerSingleIterationScoresFull(t *testing.T) {
	a := NewAnalyzer(0.5)
	a.ObserveIteration(makeTrace("once", 0, time.Second, 1<<20))
	assert.Equal(t, 1.0, a.HealthScore("once"))
	assert.Empty(t, a.Warnings())
}

func TestMultiObserverFanOut(t *testing.T) {
	d := NewDebugger()
	p := NewProfiler()
	m := MultiObserver{d, p}

	m.ObserveIteration(makeTrace("loop", 0, time.Millisecond, 0))

	assert.Len(t, d.Traces("loop"), 1)
	assert.Equal(t, 1, p.Profile("loop").Iterations)
}
