package sim

import "github.com/sirupsen/logrus"

// ClogMode selects which direction of an interface a clog applies to.
type ClogMode int

const (
	ClogSend ClogMode = iota
	ClogReceive
	ClogAll
	// ClogDefault randomizes: 30% send, 30% receive, 40% both.
	ClogDefault
)

type ipPair struct{ from, to string }

// Clogging tracks per-interface and per-pair congestion windows plus the
// permanent per-pair latency cache. Expiries are max-monotonic: re-clogging
// keeps the later expiry.
type Clogging struct {
	sim       *Simulator
	sendUntil map[string]float64
	recvUntil map[string]float64
	pairUntil map[ipPair]float64
	// pairLatency is the permanent extra one-way latency installed at
	// connect time, keyed (sender ip, receiver ip).
	pairLatency map[ipPair]float64
}

func newClogging(s *Simulator) *Clogging {
	return &Clogging{
		sim:         s,
		sendUntil:   make(map[string]float64),
		recvUntil:   make(map[string]float64),
		pairUntil:   make(map[ipPair]float64),
		pairLatency: make(map[ipPair]float64),
	}
}

// halfLatency samples a one-way half latency: with probability 0.999 the
// fast mode, uniform up to FastNetworkLatency/0.999, otherwise a long tail
// up to SlowNetworkLatency.
func (c *Clogging) halfLatency() float64 {
	a := c.sim.rand.Float64()
	const pFast = 0.999
	k := c.sim.Knobs
	if a <= pFast {
		a = a / pFast
		return 0.5 * (k.MinNetworkLatency*(1-a) + k.FastNetworkLatency/pFast*a)
	}
	a = (a - pFast) / (1 - pFast)
	return 0.5 * (k.MinNetworkLatency*(1-a) + k.SlowNetworkLatency*a)
}

// getSendDelay is the outbound half of a delivery. Only the half-latency
// matters here: send-side clog state is recorded but deliberately not
// consulted, matching shipped behavior.
func (c *Clogging) getSendDelay(from, to Endpoint) float64 {
	return c.halfLatency()
}

// getRecvDelay is the inbound half: half-latency plus the pair's permanent
// latency, stretched to any live clog window on the pair or the receiving
// interface.
func (c *Clogging) getRecvDelay(from, to Endpoint) float64 {
	pair := ipPair{from.IP, to.IP}
	now := c.sim.Now()
	t := now + c.halfLatency()
	if !c.sim.speedUp {
		t += c.pairLatency[pair]
		if until, ok := c.pairUntil[pair]; ok && until > t {
			t = until
		}
		if until, ok := c.recvUntil[to.IP]; ok && until > t {
			t = until
		}
	}
	return t - now
}

func (c *Clogging) clogSendFor(ip string, seconds float64) {
	until := c.sim.Now() + seconds
	if until > c.sendUntil[ip] {
		c.sendUntil[ip] = until
	}
}

func (c *Clogging) clogRecvFor(ip string, seconds float64) {
	until := c.sim.Now() + seconds
	if until > c.recvUntil[ip] {
		c.recvUntil[ip] = until
	}
}

func (c *Clogging) clogPairFor(from, to string, seconds float64) {
	pair := ipPair{from, to}
	until := c.sim.Now() + seconds
	if until > c.pairUntil[pair] {
		c.pairUntil[pair] = until
	}
}

// setPairLatencyIfNotSet installs the permanent latency for a pair on first
// connect and returns the installed value thereafter.
func (c *Clogging) setPairLatencyIfNotSet(from, to string, t float64) float64 {
	pair := ipPair{from, to}
	if v, ok := c.pairLatency[pair]; ok {
		return v
	}
	c.pairLatency[pair] = t
	return t
}

// ClogInterface congests one interface for the given duration.
func (s *Simulator) ClogInterface(ip string, seconds float64, mode ClogMode) {
	if mode == ClogDefault {
		a := s.rand.Float64()
		switch {
		case a < 0.3:
			mode = ClogSend
		case a < 0.6:
			mode = ClogReceive
		default:
			mode = ClogAll
		}
	}
	logrus.Infof("[t=%.6f] clogging %s for %.3fs (mode %d)", s.Now(), ip, seconds, mode)
	s.Metrics.ClogsApplied++
	if mode == ClogSend || mode == ClogAll {
		s.clog.clogSendFor(ip, seconds)
	}
	if mode == ClogReceive || mode == ClogAll {
		s.clog.clogRecvFor(ip, seconds)
	}
}

// ClogPair congests deliveries from one ip to another for the duration.
func (s *Simulator) ClogPair(fromIP, toIP string, seconds float64) {
	logrus.Infof("[t=%.6f] clogging pair %s->%s for %.3fs", s.Now(), fromIP, toIP, seconds)
	s.Metrics.ClogsApplied++
	s.clog.clogPairFor(fromIP, toIP, seconds)
}
