package sim

import "fmt"

// InjectFault decides whether an I/O call site should fail right now. It
// fires only when the current process has fault injection enabled (via an
// InjectFaults kill), speed-up is off, the per-process p2 roll hits, and a
// deterministic hash of (site, seed) falls under p1. The hash part is a
// pure function of (file, line, seed), so refactoring call sites does not
// perturb unrelated faults.
//
// Callers decide which error to raise; this is a capability check, not
// control flow.
func (s *Simulator) InjectFault(file string, line int) bool {
	p := s.current
	if p == nil || !p.FaultInjectionEnabled || s.speedUp {
		return false
	}
	if p.rng.Float64() >= p.P2 {
		return false
	}
	site := uint64(childSeed(s.streams.seed, fmt.Sprintf("site/%s:%d", file, line)))
	return site&0xffffffff < uint64(p.P1*4294967296.0)
}
