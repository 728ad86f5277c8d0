package sim

import (
	"math/rand"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// Process is a simulated database server instance. It is exclusively owned
// by its Machine; the back-reference is the zone id, resolved through the
// registry, so destruction order stays explicit.
type Process struct {
	Name          string
	Addr          Endpoint
	Locality      Locality
	StartingClass string

	Failed      bool
	Rebooting   bool
	shutdownSet bool
	ShutdownBy  KillKind // the kill kind published on the shutdown signal

	// Fault-injection parameters. P1 gates the deterministic line hash,
	// P2 is the per-call roll; neither matters until an InjectFaults kill
	// flips FaultInjectionEnabled.
	P1, P2                float64
	FaultInjectionEnabled bool

	DataFolder  string
	CoordFolder string

	rng     *rand.Rand // per-process stream for fault rolls
	waiters map[uint64]*signal

	machineProcess bool // the hidden per-machine process at port 0
	conns          map[*Conn]struct{}
}

// ShutdownSet reports whether a kill has been published to this process.
func (p *Process) ShutdownSet() bool { return p.shutdownSet }

// Machine is a fault-domain grouping of processes that die and reboot
// together. It carries a hidden machine-process that outlives individual
// process kills, so non-durable file state survives them, and the
// open-files table keyed by filename.
type Machine struct {
	ZoneID string
	Dead   bool

	Processes      []*Process
	machineProcess *Process

	openFiles map[string]*SimFile
	disk      *DiskParameters
}

// MachineProcess returns the hidden machine-scope process.
func (m *Machine) MachineProcess() *Process { return m.machineProcess }

// NewProcess registers a simulated process at ip:port. A machine for the
// locality's zone is allocated on first use, along with its hidden
// machine-process at (ip, 0). All processes of one machine share one ip.
func (s *Simulator) NewProcess(name, ip string, port int, locality Locality, class, dataFolder, coordFolder string) *Process {
	if locality.ZoneID == "" {
		logrus.Panicf("process %s has no zone id", name)
	}
	addr := s.NewEndpoint(ip, port, false)
	if _, dup := s.addrs[addr]; dup {
		logrus.Panicf("duplicate process address %s", addr)
	}

	m := s.machines[locality.ZoneID]
	if m == nil {
		m = &Machine{
			ZoneID:    locality.ZoneID,
			openFiles: make(map[string]*SimFile),
			disk:      newDiskParameters(s.Knobs.DiskIOPS, s.Knobs.DiskBandwidth),
		}
		m.machineProcess = &Process{
			Name:           "machine-" + locality.ZoneID,
			Addr:           s.NewEndpoint(ip, 0, false),
			Locality:       locality,
			StartingClass:  "machine",
			rng:            s.streams.faultStream(s.NewEndpoint(ip, 0, false)),
			waiters:        make(map[uint64]*signal),
			machineProcess: true,
			conns:          make(map[*Conn]struct{}),
		}
		s.machines[locality.ZoneID] = m
	} else if len(m.Processes) > 0 && m.Processes[0].Addr.IP != ip {
		logrus.Panicf("machine %s already bound to ip %s, got %s", locality.ZoneID, m.Processes[0].Addr.IP, ip)
	}

	p := &Process{
		Name:          name,
		Addr:          addr,
		Locality:      locality,
		StartingClass: class,
		P1:            0.1,
		P2:            0.25,
		DataFolder:    dataFolder,
		CoordFolder:   coordFolder,
		rng:           s.streams.faultStream(addr),
		waiters:       make(map[uint64]*signal),
		conns:         make(map[*Conn]struct{}),
	}
	m.Processes = append(m.Processes, p)
	s.addrs[addr] = p
	delete(s.rebooting, addr)
	logrus.Debugf("new process %s at %s (%s)", name, addr, locality)
	return p
}

// destroyProcess unregisters p and parks its address in the
// currently-rebooting map for the duration of the reboot, so a replacement
// process can bind the same address.
func (s *Simulator) destroyProcess(p *Process) {
	delete(s.addrs, p.Addr)
	s.rebooting[p.Addr] = true
	m := s.machines[p.Locality.ZoneID]
	if m != nil {
		for i, q := range m.Processes {
			if q == p {
				m.Processes = append(m.Processes[:i], m.Processes[i+1:]...)
				break
			}
		}
	}
}

// GetProcessByAddress resolves an endpoint to its live process, nil if the
// address is unbound or mid-reboot.
func (s *Simulator) GetProcessByAddress(addr Endpoint) *Process {
	return s.addrs[addr]
}

// GetAllProcesses returns every live process in zone order, so iteration
// never depends on Go map ordering.
func (s *Simulator) GetAllProcesses() []*Process {
	procs := make([]*Process, 0, len(s.addrs))
	for _, m := range s.machinesSorted() {
		procs = append(procs, m.Processes...)
	}
	return procs
}

// GetMachineByID returns the machine for a zone id, nil if absent.
func (s *Simulator) GetMachineByID(zoneID string) *Machine {
	return s.machines[zoneID]
}

// Datacenters groups live machines by locality datacenter id. Datacenters
// have no independent storage; they are derived by scanning machines.
func (s *Simulator) Datacenters() map[string][]*Machine {
	dcs := make(map[string][]*Machine)
	for _, m := range s.machinesSorted() {
		if len(m.Processes) == 0 {
			continue
		}
		dc := m.Processes[0].Locality.DcID
		dcs[dc] = append(dcs[dc], m)
	}
	return dcs
}

// machinesSorted returns machines in zone-id order so that iteration order
// never depends on Go map ordering.
func (s *Simulator) machinesSorted() []*Machine {
	zones := make([]string, 0, len(s.machines))
	for z := range s.machines {
		zones = append(zones, z)
	}
	sort.Strings(zones)
	ms := make([]*Machine, 0, len(zones))
	for _, z := range zones {
		ms = append(ms, s.machines[z])
	}
	return ms
}

// wipeFolders drops every open-file entry under the process's data and
// coordination folders and unlinks the backing host files. Used by the
// *AndDelete kill kinds.
func (s *Simulator) wipeFolders(p *Process) {
	m := s.machines[p.Locality.ZoneID]
	if m == nil {
		return
	}
	for _, folder := range []string{p.DataFolder, p.CoordFolder} {
		if folder == "" {
			continue
		}
		prefix := filepath.Clean(folder) + string(filepath.Separator)
		for name, f := range m.openFiles {
			if strings.HasPrefix(name, prefix) {
				f.dropHostFile()
				delete(m.openFiles, name)
			}
		}
	}
}
