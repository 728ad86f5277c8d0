package trace

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// TraceSummary aggregates statistics from a SimulationTrace.
type TraceSummary struct {
	TotalDispatches     int
	UniqueProcesses     int
	TotalCloses         int
	FinalTime           float64
	MeanDispatchGap     float64 // mean virtual-time gap between dispatches
	P99DispatchGap      float64
	DispatchesByProcess map[string]int
}

// Summarize computes aggregate statistics from a SimulationTrace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(st *SimulationTrace) *TraceSummary {
	summary := &TraceSummary{
		DispatchesByProcess: make(map[string]int),
	}
	if st == nil || len(st.Dispatches) == 0 {
		summary.TotalCloses = totalCloses(st)
		return summary
	}

	summary.TotalDispatches = len(st.Dispatches)
	summary.TotalCloses = totalCloses(st)
	summary.FinalTime = st.Dispatches[len(st.Dispatches)-1].Time

	gaps := make([]float64, 0, len(st.Dispatches)-1)
	for i, d := range st.Dispatches {
		summary.DispatchesByProcess[d.Process]++
		if i > 0 {
			gaps = append(gaps, d.Time-st.Dispatches[i-1].Time)
		}
	}
	summary.UniqueProcesses = len(summary.DispatchesByProcess)

	if len(gaps) > 0 {
		summary.MeanDispatchGap = stat.Mean(gaps, nil)
		sort.Float64s(gaps)
		summary.P99DispatchGap = stat.Quantile(0.99, stat.Empirical, gaps, nil)
	}

	return summary
}

func totalCloses(st *SimulationTrace) int {
	if st == nil {
		return 0
	}
	return len(st.Closes)
}
