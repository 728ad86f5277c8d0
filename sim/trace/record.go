// Package trace provides dispatch and connection-close trace recording for
// replay comparison. This package has no dependencies on sim/; it stores
// pure data types.
package trace

// DispatchRecord captures one event-queue dispatch.
type DispatchRecord struct {
	Time    float64
	Process string
	Seq     uint64
}

// CloseRecord captures one connection teardown.
type CloseRecord struct {
	Time     float64
	Conn     string
	Local    string
	Peer     string
	ByCaller bool
}
