package cmd

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	sim "github.com/detsim/detsim/sim"
	"github.com/detsim/detsim/sim/policy"
)

// Define structs for the topology YAML.
type TopologyConfig struct {
	Policies    PoliciesConfig     `yaml:"policies"`
	Datacenters []DatacenterConfig `yaml:"datacenters"`
}

type PoliciesConfig struct {
	TLog       string `yaml:"tlog"`
	Storage    string `yaml:"storage"`
	AntiQuorum int    `yaml:"anti_quorum"`
}

type DatacenterConfig struct {
	ID       string          `yaml:"id"`
	Machines []MachineConfig `yaml:"machines"`
}

type MachineConfig struct {
	Zone      string          `yaml:"zone"`
	IP        string          `yaml:"ip"`
	Processes []ProcessConfig `yaml:"processes"`
}

type ProcessConfig struct {
	Name  string `yaml:"name"`
	Port  int    `yaml:"port"`
	Class string `yaml:"class"`
}

// LoadTopology reads and parses a topology YAML file.
func LoadTopology(path string) (*TopologyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg TopologyConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultTopology is used when no topology file is given: ten processes on
// three machines in two datacenters.
func DefaultTopology() *TopologyConfig {
	return &TopologyConfig{
		Policies: PoliciesConfig{TLog: "across-zone-2", Storage: "across-zone-2"},
		Datacenters: []DatacenterConfig{
			{ID: "dc1", Machines: []MachineConfig{
				{Zone: "z1", IP: "10.0.0.1", Processes: []ProcessConfig{
					{Name: "s1", Port: 1, Class: "storage"},
					{Name: "s2", Port: 2, Class: "storage"},
					{Name: "l1", Port: 3, Class: "log"},
					{Name: "m1", Port: 4, Class: "master"},
				}},
				{Zone: "z2", IP: "10.0.0.2", Processes: []ProcessConfig{
					{Name: "s3", Port: 1, Class: "storage"},
					{Name: "s4", Port: 2, Class: "storage"},
					{Name: "l2", Port: 3, Class: "log"},
				}},
			}},
			{ID: "dc2", Machines: []MachineConfig{
				{Zone: "z3", IP: "10.0.0.3", Processes: []ProcessConfig{
					{Name: "s5", Port: 1, Class: "storage"},
					{Name: "s6", Port: 2, Class: "storage"},
					{Name: "l3", Port: 3, Class: "log"},
				}},
			}},
		},
	}
}

// Build registers the topology's processes on the simulator and installs
// the replication policies.
func (cfg *TopologyConfig) Build(s *sim.Simulator) ([]*sim.Process, error) {
	tlog, err := policy.New(cfg.Policies.TLog)
	if err != nil {
		return nil, err
	}
	storage, err := policy.New(cfg.Policies.Storage)
	if err != nil {
		return nil, err
	}
	s.TLogPolicy = tlog
	s.StoragePolicy = storage
	s.TLogWriteAntiQuorum = cfg.Policies.AntiQuorum

	var procs []*sim.Process
	for _, dc := range cfg.Datacenters {
		for _, m := range dc.Machines {
			for _, pc := range m.Processes {
				loc := sim.Locality{DcID: dc.ID, ZoneID: m.Zone, MachineID: m.Zone}
				folder := fmt.Sprintf("%s-%s", m.Zone, pc.Name)
				p := s.NewProcess(pc.Name, m.IP, pc.Port, loc, pc.Class, folder+"-data", folder+"-coord")
				procs = append(procs, p)
			}
		}
	}
	return procs, nil
}
