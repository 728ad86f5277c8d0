package trace

import "testing"

func TestIsValidTraceLevel(t *testing.T) {
	tests := []struct {
		level string
		want  bool
	}{
		{"none", true},
		{"dispatch", true},
		{"", true},
		{"verbose", false},
	}
	for _, tt := range tests {
		if got := IsValidTraceLevel(tt.level); got != tt.want {
			t.Errorf("IsValidTraceLevel(%q) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestRecord_DisabledLevelIsZeroOverhead(t *testing.T) {
	// GIVEN a trace at level none
	st := NewSimulationTrace(TraceConfig{Level: TraceLevelNone})

	// WHEN records arrive
	st.RecordDispatch(DispatchRecord{Time: 1, Process: "p1", Seq: 0})
	st.RecordClose(CloseRecord{Time: 2, Conn: "c1"})

	// THEN nothing is retained
	if len(st.Dispatches) != 0 || len(st.Closes) != 0 {
		t.Errorf("disabled trace retained records: %d dispatches, %d closes",
			len(st.Dispatches), len(st.Closes))
	}
}

func TestRecord_DispatchLevelRetainsInOrder(t *testing.T) {
	// GIVEN a trace at dispatch level
	st := NewSimulationTrace(TraceConfig{Level: TraceLevelDispatch})

	// WHEN records arrive
	st.RecordDispatch(DispatchRecord{Time: 1.0, Process: "p1", Seq: 0})
	st.RecordDispatch(DispatchRecord{Time: 2.0, Process: "p2", Seq: 1})
	st.RecordClose(CloseRecord{Time: 2.5, Conn: "c1", Local: "10.0.0.1:1", Peer: "10.0.0.2:1"})

	// THEN they are retained verbatim, in order
	if len(st.Dispatches) != 2 {
		t.Fatalf("got %d dispatches, want 2", len(st.Dispatches))
	}
	if st.Dispatches[0].Process != "p1" || st.Dispatches[1].Process != "p2" {
		t.Errorf("dispatch order lost: %+v", st.Dispatches)
	}
	if len(st.Closes) != 1 || st.Closes[0].Conn != "c1" {
		t.Errorf("close record lost: %+v", st.Closes)
	}
}
