package sim

import (
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// KillKind is the taxonomy of process and machine kills, totally ordered
// for comparison (later values are harsher).
type KillKind int

const (
	// RebootProcess restarts one process; durable data survives.
	RebootProcess KillKind = iota + 1
	// RebootProcessAndDelete restarts one process and wipes its data and
	// coordination state.
	RebootProcessAndDelete
	// Reboot restarts every process on a machine; durable data survives.
	Reboot
	// RebootAndDelete restarts every process on a machine and wipes data.
	RebootAndDelete
	// KillInstantly marks processes failed; every pending task targeting
	// them resolves with cancellation. Disk state survives, memory does not.
	KillInstantly
	// InjectFaults enables probabilistic fault injection going forward.
	InjectFaults
)

func (k KillKind) String() string {
	switch k {
	case RebootProcess:
		return "RebootProcess"
	case RebootProcessAndDelete:
		return "RebootProcessAndDelete"
	case Reboot:
		return "Reboot"
	case RebootAndDelete:
		return "RebootAndDelete"
	case KillInstantly:
		return "KillInstantly"
	case InjectFaults:
		return "InjectFaults"
	}
	return "Unknown"
}

func (k KillKind) deletesData() bool {
	return k == RebootProcessAndDelete || k == RebootAndDelete
}

// ProtectAddress exempts addr from *AndDelete kills for the rest of the
// run; requested deletes are silently rewritten to RebootProcess.
func (s *Simulator) ProtectAddress(addr Endpoint) {
	s.protected[addr] = true
}

// KillProcess applies kind to a single process.
func (s *Simulator) KillProcess(p *Process, kind KillKind) {
	if p == nil || p.machineProcess {
		return
	}
	s.Metrics.KillsRequested++
	if kind.deletesData() && s.protected[p.Addr] {
		logrus.Infof("protected address %s: %s rewritten to RebootProcess", p.Addr, kind)
		kind = RebootProcess
	}
	switch kind {
	case InjectFaults:
		p.FaultInjectionEnabled = true
		logrus.Infof("fault injection enabled on %s", p.Name)
	case KillInstantly:
		s.killProcessInstantly(p)
	default:
		s.rebootProcess(p, kind)
	}
}

// killProcessInstantly fails p right now. Pending tasks become
// cancellations, connections break at both ends, and un-synced atomic
// writes vanish from the machine's open-file table.
func (s *Simulator) killProcessInstantly(p *Process) {
	if p.Failed {
		return
	}
	logrus.Infof("[t=%.6f] KillInstantly %s", s.Now(), p.Name)
	p.Failed = true
	s.Metrics.ProcessesKilled++
	s.cancelWaiters(p)
	s.closeProcessConns(p)
	m := s.machines[p.Locality.ZoneID]
	if m != nil {
		s.dropAtomicPending(m)
		s.maybeMarkMachineDead(m)
	}
}

// rebootProcess drives the reboot sequence: publish the kill kind on the
// shutdown signal, then tear down on the machine context and come back
// after the reboot delay with the same address and empty in-memory state.
// A reboot requested while one is in flight is a no-op.
func (s *Simulator) rebootProcess(p *Process, kind KillKind) {
	if p.Rebooting {
		return
	}
	logrus.Infof("[t=%.6f] %s %s", s.Now(), kind, p.Name)
	p.Rebooting = true
	p.shutdownSet = true
	p.ShutdownBy = kind
	m := s.machines[p.Locality.ZoneID]

	name, ip, port := p.Name, p.Addr.IP, p.Addr.Port
	locality, class := p.Locality, p.StartingClass
	dataFolder, coordFolder := p.DataFolder, p.CoordFolder

	s.schedule(s.Now(), TaskDefaultOnMain, m.machineProcess, func() {
		p.Failed = true
		s.Metrics.ProcessesRebooted++
		s.cancelWaiters(p)
		s.closeProcessConns(p)
		s.destroyProcess(p)
		s.dropAtomicPending(m)
		if kind.deletesData() {
			s.wipeFolders(p)
		}
		delay := s.rand.Float64() * s.Knobs.MaxRebootDelay
		s.schedule(s.Now()+delay, TaskDefaultOnMain, m.machineProcess, func() {
			s.NewProcess(name, ip, port, locality, class, dataFolder, coordFolder)
			logrus.Infof("[t=%.6f] %s back up at %s:%d", s.Now(), name, ip, port)
		})
	})
}

// cancelWaiters fires every pending signal owned by p with cancellation,
// in signal creation order so replays stay stable.
func (s *Simulator) cancelWaiters(p *Process) {
	ids := make([]uint64, 0, len(p.waiters))
	for id := range p.waiters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		s.fire(p.waiters[id], ErrActorCancelled, 0, TaskKillInstantly)
	}
}

// maybeMarkMachineDead marks the machine dead once every process it contains
// is marked failed. The machine stays in the registry.
func (s *Simulator) maybeMarkMachineDead(m *Machine) {
	for _, q := range m.Processes {
		if !q.Failed {
			return
		}
	}
	m.Dead = true
}

// KillMachine applies kind to every process in the zone, filtered through
// the survivability check.
func (s *Simulator) KillMachine(zoneID string, kind KillKind) KillKind {
	m := s.machines[zoneID]
	if m == nil {
		return kind
	}
	left, dead := s.splitLocalities(func(p *Process) bool {
		return p.Locality.ZoneID == zoneID
	})
	kt := s.canKillProcesses(left, dead, kind)
	if kt != kind {
		s.Metrics.KillsDowngraded++
		logrus.Warnf("kill of machine %s downgraded from %s to %s", zoneID, kind, kt)
	}
	for _, p := range append([]*Process(nil), m.Processes...) {
		s.KillProcess(p, kt)
	}
	return kt
}

// KillDatacenter applies kind to every process whose locality names the
// datacenter, filtered through the survivability check.
func (s *Simulator) KillDatacenter(dcID string, kind KillKind) KillKind {
	left, dead := s.splitLocalities(func(p *Process) bool {
		return p.Locality.DcID == dcID
	})
	kt := s.canKillProcesses(left, dead, kind)
	if kt != kind {
		s.Metrics.KillsDowngraded++
		logrus.Warnf("kill of datacenter %s downgraded from %s to %s", dcID, kind, kt)
	}
	for _, m := range s.machinesSorted() {
		for _, p := range append([]*Process(nil), m.Processes...) {
			if p.Locality.DcID == dcID {
				s.KillProcess(p, kt)
			}
		}
	}
	return kt
}

// splitLocalities partitions live localities into survivors and the
// would-be dead: a process counts as dead if it already failed or the
// target predicate selects it.
func (s *Simulator) splitLocalities(target func(*Process) bool) (left, dead []map[string]string) {
	for _, m := range s.machinesSorted() {
		for _, p := range m.Processes {
			if p.Failed || target(p) {
				dead = append(dead, p.Locality.Fields())
			} else {
				left = append(left, p.Locality.Fields())
			}
		}
	}
	return left, dead
}

// canKillProcesses validates a destructive kill against the replication
// policies and downgrades it when the cluster could not survive:
//
//  1. the dead set alone satisfying either policy means the kill takes out
//     a whole replica team, so downgrade to Reboot;
//  2. the anti-quorum check: even crediting back any combination of
//     antiQuorum dead servers, the log policy must hold; otherwise
//     downgrade to Reboot;
//  3. the survivors failing either policy means the cluster cannot re-form,
//     so downgrade to Reboot (or RebootAndDelete, 33% of the time).
//
// Plain reboots pass through untouched. Deterministic given the seed.
func (s *Simulator) canKillProcesses(left, dead []map[string]string, kt KillKind) KillKind {
	if kt == RebootProcess || kt == Reboot {
		return kt
	}
	tlog, storage := s.TLogPolicy, s.StoragePolicy
	if tlog == nil && storage == nil {
		return kt
	}
	if tlog == nil {
		tlog = storage
	}
	if storage == nil {
		storage = tlog
	}
	if tlog.Satisfied(dead) || storage.Satisfied(dead) {
		return Reboot
	}
	if s.antiQuorumViolated(tlog, left, dead) {
		return Reboot
	}
	if !tlog.Satisfied(left) || !storage.Satisfied(left) {
		if s.rand.Float64() < 0.33 {
			return RebootAndDelete
		}
		return Reboot
	}
	return kt
}

// antiQuorumViolated enumerates combinations of anti-quorum many dead
// servers: a transaction tolerates that many missing logs, so the log
// policy must validate against the survivors plus every such combination.
// One failing combination is a violation.
func (s *Simulator) antiQuorumViolated(tlog Policy, left, dead []map[string]string) bool {
	aq := s.TLogWriteAntiQuorum
	if aq <= 0 || len(dead) == 0 {
		return false
	}
	if aq > len(dead) {
		aq = len(dead)
	}
	return anyCombinationFails(tlog, left, dead, aq, 0, nil)
}

func anyCombinationFails(p Policy, left, dead []map[string]string, k, start int, picked []map[string]string) bool {
	if len(picked) == k {
		return !p.Satisfied(append(append([]map[string]string(nil), left...), picked...))
	}
	for i := start; i <= len(dead)-(k-len(picked)); i++ {
		if anyCombinationFails(p, left, dead, k, i+1, append(picked, dead[i])) {
			return true
		}
	}
	return false
}

// closeProcessConns severs every connection pair the process holds, in
// uid order so replays stay stable.
func (s *Simulator) closeProcessConns(p *Process) {
	conns := make([]*Conn, 0, len(p.conns))
	for c := range p.conns {
		conns = append(conns, c)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].uid.String() < conns[j].uid.String() })
	for _, c := range conns {
		c.closeInternal(false)
	}
}

// RebootRequested reports whether a shutdown signal carrying a reboot kind
// was published to p. Used by code under test to drive its own teardown.
func (p *Process) RebootRequested() bool {
	return p.shutdownSet && strings.HasPrefix(p.ShutdownBy.String(), "Reboot")
}
