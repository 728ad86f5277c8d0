package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInjectFault_OffWithoutCapability(t *testing.T) {
	// GIVEN a process that never received an InjectFaults kill
	s := newTestSim(1)
	p1, _ := twoProcesses(s)
	var fired bool
	s.Spawn(p1, "io", func() error {
		for i := 0; i < 1000; i++ {
			if s.InjectFault("fault_test.go", 1) {
				fired = true
			}
		}
		return nil
	})
	s.Run()

	// THEN the hook never fires
	assert.False(t, fired)
}

func TestInjectFault_FiresWithFullProbabilities(t *testing.T) {
	// GIVEN an enabled process with p1 = p2 = 1
	s := newTestSim(1)
	p1, _ := twoProcesses(s)
	p1.P1, p1.P2 = 1.0, 1.0
	s.KillProcess(p1, InjectFaults)
	var fired bool
	s.Spawn(p1, "io", func() error {
		fired = s.InjectFault("fault_test.go", 2)
		return nil
	})
	s.Run()

	// THEN the hook fires deterministically
	assert.True(t, fired)
}

func TestInjectFault_SuppressedUnderSpeedUp(t *testing.T) {
	// GIVEN an enabled process under the speed-up regime
	s := newTestSim(1)
	p1, _ := twoProcesses(s)
	p1.P1, p1.P2 = 1.0, 1.0
	s.KillProcess(p1, InjectFaults)
	s.SetSpeedUpSimulation(true)
	var fired bool
	s.Spawn(p1, "io", func() error {
		fired = s.InjectFault("fault_test.go", 3)
		return nil
	})
	s.Run()

	// THEN the hook stays quiet
	assert.False(t, fired)
}

func TestInjectFault_HashIsStableAcrossRuns(t *testing.T) {
	// GIVEN the same seed, process, and call site in two simulators
	outcome := func() bool {
		s := newTestSim(77)
		p1, _ := twoProcesses(s)
		p1.P1, p1.P2 = 0.5, 1.0
		s.KillProcess(p1, InjectFaults)
		var fired bool
		s.Spawn(p1, "io", func() error {
			fired = s.InjectFault("fault_test.go", 4)
			return nil
		})
		s.Run()
		return fired
	}

	// THEN the decision replays identically
	assert.Equal(t, outcome(), outcome())
}
