package trace

// TraceLevel controls the verbosity of simulation tracing.
type TraceLevel string

const (
	// TraceLevelNone disables tracing (zero overhead).
	TraceLevelNone TraceLevel = "none"
	// TraceLevelDispatch captures every dispatch and connection close.
	TraceLevelDispatch TraceLevel = "dispatch"
)

// validTraceLevels maps accepted trace level strings.
var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:     true,
	TraceLevelDispatch: true,
	"":                 true, // empty defaults to none
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// TraceConfig controls trace collection behavior.
type TraceConfig struct {
	Level TraceLevel
}

// SimulationTrace collects dispatch and close records during a run. Two
// runs of one seed must produce identical record sequences; the replay
// test compares the close records element by element.
type SimulationTrace struct {
	Config     TraceConfig
	Dispatches []DispatchRecord
	Closes     []CloseRecord
}

// NewSimulationTrace creates a SimulationTrace ready for recording.
func NewSimulationTrace(config TraceConfig) *SimulationTrace {
	return &SimulationTrace{
		Config:     config,
		Dispatches: make([]DispatchRecord, 0),
		Closes:     make([]CloseRecord, 0),
	}
}

// RecordDispatch appends a dispatch record when tracing is enabled.
func (st *SimulationTrace) RecordDispatch(record DispatchRecord) {
	if st.Config.Level != TraceLevelDispatch {
		return
	}
	st.Dispatches = append(st.Dispatches, record)
}

// RecordClose appends a connection-close record when tracing is enabled.
func (st *SimulationTrace) RecordClose(record CloseRecord) {
	if st.Config.Level != TraceLevelDispatch {
		return
	}
	st.Closes = append(st.Closes, record)
}
