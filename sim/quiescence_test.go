package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startIdleMaster serves permanently quiet stats from p.
func startIdleMaster(s *Simulator, p *Process) {
	s.StartStatsResponder(p, func() (ClusterStats, error) {
		return ClusterStats{DataDistributionActive: true}, nil
	})
}

func TestQuiescence_IdleClusterReportsQuiet(t *testing.T) {
	// GIVEN an idle master and a probe
	s := newTestSim(100)
	master, prober := twoProcesses(s)
	startIdleMaster(s, master)
	var err error
	var done float64
	probeStart := 0.0
	s.Spawn(prober, "probe", func() error {
		probeStart = s.Now()
		err = s.WaitForQuiescence(master.Addr, DefaultQuiescenceGates())
		done = s.Now()
		return err
	})

	// WHEN the simulation runs
	s.Run()

	// THEN the probe reported quiet within 30 virtual seconds
	require.NoError(t, err)
	require.Positive(t, done)
	assert.Less(t, done, 30.0)

	// AND it needed two passes at least one virtual second apart
	assert.GreaterOrEqual(t, done-probeStart, 1.0)
}

func TestQuiescence_BusyThenIdleCluster(t *testing.T) {
	// GIVEN a master whose queues drain at t=5
	s := newTestSim(101)
	master, prober := twoProcesses(s)
	s.StartStatsResponder(master, func() (ClusterStats, error) {
		if s.Now() < 5.0 {
			return ClusterStats{
				DataInFlight:           100e6,
				MaxTLogQueue:           80e6,
				DataDistributionActive: true,
			}, nil
		}
		return ClusterStats{DataDistributionActive: true}, nil
	})
	var err error
	var done float64
	s.Spawn(prober, "probe", func() error {
		err = s.WaitForQuiescence(master.Addr, DefaultQuiescenceGates())
		done = s.Now()
		return err
	})

	// WHEN the simulation runs
	s.Run()

	// THEN quiet arrived only after the drain plus two passes
	require.NoError(t, err)
	assert.GreaterOrEqual(t, done, 6.0)
}

func TestQuiescence_TransientErrorsResetWithoutFailing(t *testing.T) {
	// GIVEN a master that cannot answer its first few polls
	s := newTestSim(102)
	master, prober := twoProcesses(s)
	calls := 0
	s.StartStatsResponder(master, func() (ClusterStats, error) {
		calls++
		if calls <= 3 {
			return ClusterStats{}, ErrAttributeNotFound
		}
		return ClusterStats{DataDistributionActive: true}, nil
	})
	var err error
	s.Spawn(prober, "probe", func() error {
		err = s.WaitForQuiescence(master.Addr, DefaultQuiescenceGates())
		return err
	})

	// WHEN the simulation runs
	s.Run()

	// THEN the probe still succeeded
	require.NoError(t, err)
	assert.Greater(t, calls, 3)
}

func TestQuiescence_RecruitingBlocksQuiet(t *testing.T) {
	// GIVEN a master recruiting storage until t=4
	s := newTestSim(103)
	master, prober := twoProcesses(s)
	s.StartStatsResponder(master, func() (ClusterStats, error) {
		return ClusterStats{
			DataDistributionActive: true,
			StorageRecruiting:      s.Now() < 4.0,
		}, nil
	})
	var done float64
	s.Spawn(prober, "probe", func() error {
		if err := s.WaitForQuiescence(master.Addr, DefaultQuiescenceGates()); err != nil {
			return err
		}
		done = s.Now()
		return nil
	})

	// WHEN the simulation runs
	s.Run()

	// THEN quiet waited out the recruiting window
	require.Positive(t, done)
	assert.GreaterOrEqual(t, done, 5.0)
}

func TestQuiescence_WatchdogDisablesConnectionFailures(t *testing.T) {
	// GIVEN connection failures on and a cluster that stays noisy past the
	// watchdog deadline
	s := NewSimulator(Config{Seed: 104})
	master, prober := twoProcesses(s)
	s.StartStatsResponder(master, func() (ClusterStats, error) {
		return ClusterStats{
			DataInFlight:           100e6,
			DataDistributionActive: true,
			StorageRecruiting:      s.Now() < 310.0,
		}, nil
	})
	var err error
	s.Spawn(prober, "probe", func() error {
		err = s.WaitForQuiescenceWithWatchdog(master.Addr, QuiescenceGates{
			DataInFlight:    200e6,
			MaxTLogQueue:    5e6,
			MaxStorageQueue: 5e6,
		})
		return err
	})

	// WHEN the simulation runs past 300 virtual seconds
	s.Run()

	// THEN the watchdog flipped the easier regime on and the probe still
	// completed
	require.NoError(t, err)
	assert.False(t, s.connFailures)
	assert.Greater(t, s.Now(), 300.0)
}
