// Tracks simulation-wide counters for final reporting. Useful for
// evaluating behavior over a run and debugging pathological seeds.

package sim

import "fmt"

// Metrics aggregates statistics about the simulation.
type Metrics struct {
	TasksDispatched int64 // total event-queue dispatches
	TasksCancelled  int64 // dispatches resolved with cancellation (dead target)

	ConnectionsOpened int64
	ConnectionsClosed int64
	ConnectionsLeaked int64
	BytesWritten      int64
	BytesDelivered    int64
	BytesRead         int64

	FilesOpened    int64
	FaultsInjected int64

	KillsRequested    int64
	KillsDowngraded   int64
	ProcessesKilled   int64
	ProcessesRebooted int64

	ClogsApplied int64
}

// NewMetrics creates a zeroed Metrics.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Reset zeroes every counter.
func (m *Metrics) Reset() {
	*m = Metrics{}
}

// Print displays aggregated metrics at the end of the simulation.
func (m *Metrics) Print(finalTime float64) {
	fmt.Println("=== Simulation Metrics ===")
	fmt.Printf("Final virtual time   : %.3f s\n", finalTime)
	fmt.Printf("Tasks dispatched     : %d (%d cancelled)\n", m.TasksDispatched, m.TasksCancelled)
	fmt.Printf("Connections          : %d opened, %d closed, %d leaked\n",
		m.ConnectionsOpened, m.ConnectionsClosed, m.ConnectionsLeaked)
	fmt.Printf("Bytes                : %d written, %d delivered, %d read\n",
		m.BytesWritten, m.BytesDelivered, m.BytesRead)
	fmt.Printf("Files opened         : %d\n", m.FilesOpened)
	fmt.Printf("Faults injected      : %d\n", m.FaultsInjected)
	fmt.Printf("Kills                : %d requested, %d downgraded\n", m.KillsRequested, m.KillsDowngraded)
	fmt.Printf("Processes            : %d killed, %d rebooted\n", m.ProcessesKilled, m.ProcessesRebooted)
	fmt.Printf("Clogs applied        : %d\n", m.ClogsApplied)
}
