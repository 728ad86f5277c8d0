package sim

import (
	"fmt"
	"math/rand"
)

// Every random decision in a run is drawn from streams split off one master
// seed, one stream per concern. The split is what makes perturbations
// composable: turning fault injection on for a process, or changing the
// workload mix, draws from that concern's own stream and cannot shift the
// core schedule's dice. Replays of one seed are bit-identical as long as
// the dispatch order is, which the single-runnable-thread model guarantees.
//
// Streams:
//   - core: the event loop, latency sampling, clogs, buffer sizing, the
//     kill planner's 33% branch. Seeded with the master seed directly so
//     --seed alone pins the schedule.
//   - workload: payload sizes, target choices, traffic pacing.
//   - per-process fault streams: the p2 rolls of InjectFault, created
//     when a process is registered.
type randStreams struct {
	seed     int64
	core     *rand.Rand
	workload *rand.Rand
	fault    map[Endpoint]*rand.Rand
}

func newRandStreams(seed int64) *randStreams {
	return &randStreams{
		seed:     seed,
		core:     rand.New(rand.NewSource(seed)),
		workload: rand.New(rand.NewSource(childSeed(seed, "workload"))),
		fault:    make(map[Endpoint]*rand.Rand),
	}
}

// faultStream returns the fault-injection stream for the process bound to
// addr. A rebooted process re-binds the same address and so resumes the
// same stream identity.
func (r *randStreams) faultStream(addr Endpoint) *rand.Rand {
	if stream, ok := r.fault[addr]; ok {
		return stream
	}
	stream := rand.New(rand.NewSource(childSeed(r.seed, "fault/"+addr.String())))
	r.fault[addr] = stream
	return stream
}

// childSeed folds a concern label into the master seed. Each label byte is
// absorbed through the SplitMix64 finalizer, so labels sharing a prefix
// still land far apart and no label can collide back onto the master seed's
// own stream in any way that survives the final mix.
func childSeed(seed int64, label string) int64 {
	h := mix64(uint64(seed) ^ 0xd6e8feb86659fd93)
	for _, b := range []byte(label) {
		h = mix64(h ^ uint64(b))
	}
	return int64(h)
}

// mix64 is the SplitMix64 finalizer.
func mix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// DerivedRand hands out a fresh stream for a caller-owned concern (the CLI
// uses one for its chaos schedule). Distinct labels give independent
// streams; the same label always yields the same sequence for one seed.
func (s *Simulator) DerivedRand(label string) *rand.Rand {
	return rand.New(rand.NewSource(childSeed(s.streams.seed, label)))
}

// WorkloadRand is the shared workload stream.
func (s *Simulator) WorkloadRand() *rand.Rand { return s.streams.workload }

// Seed returns the run's master seed.
func (s *Simulator) Seed() int64 { return s.streams.seed }

// seedTag prefixes run-scoped names (endpoint and connection UIDs) so two
// runs of different seeds never mint the same identifier.
func (s *Simulator) seedTag() string {
	return fmt.Sprintf("run-%d", s.streams.seed)
}
