package sim

// Knobs holds the tunable constants of the simulated universe. An all-zero
// Knobs is replaced by DefaultKnobs; a partially set Knobs is used as given,
// zero fields included.
type Knobs struct {
	// Network latency model. A sampled one-way latency is fast with
	// probability 0.999 (uniform between MinNetworkLatency and
	// FastNetworkLatency/0.999) and otherwise lands on a long tail up to
	// SlowNetworkLatency.
	MinNetworkLatency  float64 // seconds
	FastNetworkLatency float64 // seconds
	SlowNetworkLatency float64 // seconds

	// MaxClogLatency bounds the permanent extra one-way latency drawn for
	// each connection pair at connect time.
	MaxClogLatency float64 // seconds

	// MaxBuggifiedDelay is not read by Delay: the bound on the extra delay
	// added to 25% of Delay calls is the one passed to EnableBuggify. That
	// extra delay is bound * U(0,1)^1000, so it is almost always tiny and
	// very occasionally the full bound.
	MaxBuggifiedDelay float64 // seconds

	// Simulated disk open cost, uniform in [MinOpenTime, MaxOpenTime].
	MinOpenTime float64 // seconds
	MaxOpenTime float64 // seconds

	// Reboot duration for a process or machine restart.
	MaxRebootDelay float64 // seconds

	// LeakedConnectionTimeout is how long a connection may outlive its
	// closed peer before it is reported as leaked.
	LeakedConnectionTimeout float64 // seconds

	// Open-file exhaustion limits. At SoftFileLimit the simulator engages
	// speed-up mode and disables connection failures; at HardFileLimit the
	// run is aborted.
	SoftFileLimit int
	HardFileLimit int

	// Default disk characteristics for a freshly created machine.
	DiskIOPS      float64 // operations per second
	DiskBandwidth float64 // bytes per second
}

// DefaultKnobs returns the production knob values.
func DefaultKnobs() Knobs {
	return Knobs{
		MinNetworkLatency:       100e-6,
		FastNetworkLatency:      800e-6,
		SlowNetworkLatency:      100e-3,
		MaxBuggifiedDelay:       0, // enabled explicitly via EnableBuggify
		MinOpenTime:             0.0002,
		MaxOpenTime:             0.012,
		MaxRebootDelay:          4.0,
		LeakedConnectionTimeout: 20.0,
		SoftFileLimit:           2000,
		HardFileLimit:           3000,
		DiskIOPS:                5000,
		DiskBandwidth:           50e6,
	}
}

// Config groups everything needed to construct a Simulator.
type Config struct {
	Seed  int64
	Knobs Knobs
	// Dir is the host directory backing simulated files. Empty means the
	// simulation owns no durable state (network-only runs).
	Dir string
	// TLogWriteAntiQuorum is the maximum number of failed log servers a
	// transaction may tolerate; the kill planner's anti-quorum check
	// enumerates dead sets against it.
	TLogWriteAntiQuorum int
}
