package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHalfLatency_WithinBounds(t *testing.T) {
	// GIVEN the latency model under many samples
	s := newTestSim(99)
	k := s.Knobs
	for i := 0; i < 10000; i++ {
		// WHEN a half latency is sampled
		l := s.clog.halfLatency()

		// THEN it stays within [0.5*min, 0.5*slow]
		if l < 0.5*k.MinNetworkLatency || l > 0.5*k.SlowNetworkLatency {
			t.Fatalf("sample %d: half latency %v out of bounds", i, l)
		}
	}
}

func TestClog_MaxMonotonicExpiry(t *testing.T) {
	// GIVEN two overlapping clogs on one interface
	s := newTestSim(1)
	s.clog.clogRecvFor("10.0.0.9", 10.0)
	s.clog.clogRecvFor("10.0.0.9", 3.0)

	// THEN the later expiry wins
	assert.Equal(t, 10.0, s.clog.recvUntil["10.0.0.9"])
}

func TestClogPair_DelaysDelivery(t *testing.T) {
	// GIVEN a 5-second pair clog from A's ip to B's ip
	s := newTestSim(1717)
	p1, p2 := twoProcesses(s)
	var readAt float64
	var wroteAt float64
	s.Spawn(p2, "server", func() error {
		l, err := s.Listen(p2.Addr)
		if err != nil {
			return nil
		}
		c, err := l.Accept()
		if err != nil {
			return nil
		}
		if err := c.WaitReadable(); err != nil {
			return nil
		}
		buf := make([]byte, 16)
		if _, err := c.Read(buf); err != nil {
			return nil
		}
		readAt = s.Now()
		return nil
	})
	s.Spawn(p1, "client", func() error {
		c, err := s.Connect(p2.Addr)
		if err != nil {
			return nil
		}
		s.ClogPair(p1.Addr.IP, p2.Addr.IP, 5.0)
		wroteAt = s.Now()
		return writeAll(c, []byte("x"))
	})

	// WHEN the simulation runs
	s.Run()

	// THEN the byte arrived no earlier than the clog expiry plus a half
	// latency
	require.Positive(t, readAt)
	if readAt < wroteAt+5.0 {
		t.Errorf("byte received at %.6f, want >= %.6f", readAt, wroteAt+5.0)
	}
}

func TestClogInterface_DefaultModeRandomizes(t *testing.T) {
	// GIVEN many Default-mode clogs
	s := newTestSim(31)
	for i := 0; i < 100; i++ {
		s.ClogInterface("10.9.9.9", 0.001, ClogDefault)
	}

	// THEN both directions saw at least one clog
	assert.NotZero(t, s.clog.sendUntil["10.9.9.9"])
	assert.NotZero(t, s.clog.recvUntil["10.9.9.9"])
}

func TestClog_SpeedUpIgnoresClogs(t *testing.T) {
	// GIVEN a clogged pair under the speed-up regime
	s := newTestSim(1)
	s.clog.clogPairFor("10.0.0.1", "10.0.0.2", 100.0)
	s.SetSpeedUpSimulation(true)

	// WHEN the receive delay is computed
	from := s.NewEndpoint("10.0.0.1", 1, false)
	to := s.NewEndpoint("10.0.0.2", 1, false)
	d := s.clog.getRecvDelay(from, to)

	// THEN only the half latency remains
	assert.Less(t, d, 0.5*s.Knobs.SlowNetworkLatency+1e-9)
}
