// Package sim provides a deterministic discrete-event network and storage
// simulator that runs an entire distributed database inside a single process.
//
// # Reading Guide
//
// Start with these three files to understand the simulation kernel:
//   - task.go: Task ordering (virtual time, then insertion sequence) and the task heap
//   - simulator.go: the run loop, the virtual clock, Delay/Yield/OnProcess and
//     the goroutine handshake that keeps exactly one simulated thread runnable
//   - process.go: the topology registry (datacenters, machines, processes)
//
// # Architecture
//
// The sim package defines the simulator surfaces; implementations of
// orthogonal concerns live alongside or in sub-packages:
//   - conn.go, net.go, clog.go: the simulated network (clog.go also holds
//     the half-latency model)
//   - file.go, disk.go: the simulated filesystem, backed by real OS files
//   - kill.go, fault.go: the kill planner and probabilistic fault injection
//   - quiescence.go: the externally driven steady-state probe
//   - sim/policy/: replication policies used by the kill survivability filter
//   - sim/trace/: dispatch and connection-close trace recording
//
// Everything random is drawn from per-concern streams split off one master
// seed (rng.go), so a run is a pure function of (seed, topology, workload). Real wall-clock
// time, real sockets and real threads never enter the simulated universe;
// only the filesystem layer touches the host OS, and then only through
// files the simulation owns.
package sim
