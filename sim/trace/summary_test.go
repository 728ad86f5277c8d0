package trace

import (
	"math"
	"testing"
)

func TestSummarize_NilTrace(t *testing.T) {
	// GIVEN no trace at all
	sum := Summarize(nil)

	// THEN all fields are zero-valued and the call does not panic
	if sum.TotalDispatches != 0 || sum.TotalCloses != 0 || sum.UniqueProcesses != 0 {
		t.Errorf("nil trace produced non-zero summary: %+v", sum)
	}
}

func TestSummarize_EmptyTrace(t *testing.T) {
	sum := Summarize(NewSimulationTrace(TraceConfig{Level: TraceLevelDispatch}))
	if sum.TotalDispatches != 0 {
		t.Errorf("empty trace: got %d dispatches, want 0", sum.TotalDispatches)
	}
}

func TestSummarize_CountsAndGaps(t *testing.T) {
	// GIVEN dispatches on two processes at t = 0, 1, 3
	st := NewSimulationTrace(TraceConfig{Level: TraceLevelDispatch})
	st.RecordDispatch(DispatchRecord{Time: 0.0, Process: "p1", Seq: 0})
	st.RecordDispatch(DispatchRecord{Time: 1.0, Process: "p2", Seq: 1})
	st.RecordDispatch(DispatchRecord{Time: 3.0, Process: "p1", Seq: 2})
	st.RecordClose(CloseRecord{Time: 3.0, Conn: "c"})

	// WHEN summarized
	sum := Summarize(st)

	// THEN counts, final time, and the mean gap ((1+2)/2) come out right
	if sum.TotalDispatches != 3 {
		t.Errorf("TotalDispatches = %d, want 3", sum.TotalDispatches)
	}
	if sum.UniqueProcesses != 2 {
		t.Errorf("UniqueProcesses = %d, want 2", sum.UniqueProcesses)
	}
	if sum.TotalCloses != 1 {
		t.Errorf("TotalCloses = %d, want 1", sum.TotalCloses)
	}
	if sum.FinalTime != 3.0 {
		t.Errorf("FinalTime = %v, want 3.0", sum.FinalTime)
	}
	if math.Abs(sum.MeanDispatchGap-1.5) > 1e-12 {
		t.Errorf("MeanDispatchGap = %v, want 1.5", sum.MeanDispatchGap)
	}
	if sum.DispatchesByProcess["p1"] != 2 {
		t.Errorf("p1 dispatches = %d, want 2", sum.DispatchesByProcess["p1"])
	}
}
