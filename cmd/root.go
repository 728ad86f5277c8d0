package cmd

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	sim "github.com/detsim/detsim/sim"
	"github.com/detsim/detsim/sim/trace"
)

var (
	// CLI flags for the simulation run
	seed         int64   // master seed; the whole run is a function of it
	horizon      float64 // total simulation time (virtual seconds)
	logLevel     string  // log verbosity level
	topologyPath string  // topology YAML; empty uses the built-in topology
	traceLevel   string  // "none" or "dispatch"
	chaos        bool    // enable buggification, clogs, and machine kills
	quiesce      bool    // run the quiescence probe at the end of traffic
	dataDir      string  // host directory backing simulated files
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "detsim",
	Short: "Deterministic discrete-event simulator for distributed databases",
}

// runCmd executes a simulation using parameters from CLI flags
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a simulated cluster under random traffic",
	Run: func(cmd *cobra.Command, args []string) {
		// Set up logging
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		if !trace.IsValidTraceLevel(traceLevel) {
			logrus.Fatalf("Invalid trace level: %s", traceLevel)
		}

		topo := DefaultTopology()
		if topologyPath != "" {
			topo, err = LoadTopology(topologyPath)
			if err != nil {
				logrus.Fatalf("unable to read topology config: %v", err)
			}
		}

		dir := dataDir
		if dir == "" {
			dir, err = os.MkdirTemp("", "detsim")
			if err != nil {
				logrus.Fatalf("unable to create data dir: %v", err)
			}
			defer os.RemoveAll(dir)
		}

		logrus.Infof("Starting simulation with seed=%d, horizon=%.1fs", seed, horizon)
		startTime := time.Now()

		s := sim.NewSimulator(sim.Config{Seed: seed, Dir: dir})
		s.Trace = trace.NewSimulationTrace(trace.TraceConfig{Level: trace.TraceLevel(traceLevel)})
		procs, err := topo.Build(s)
		if err != nil {
			logrus.Fatalf("bad topology: %v", err)
		}
		if chaos {
			s.EnableBuggify(1.0)
		}

		// When the probe runs, the master-class process serves stats
		// instead of echo traffic.
		var master *sim.Process
		if quiesce {
			for _, p := range procs {
				if p.StartingClass == "master" {
					master = p
					break
				}
			}
			if master == nil {
				logrus.Fatalf("quiesce requested but topology has no master-class process")
			}
		}

		var targets []sim.Endpoint
		for _, p := range procs {
			if p != master {
				targets = append(targets, p.Addr)
			}
		}
		for _, p := range procs {
			if p == master {
				s.StartStatsResponder(p, func() (sim.ClusterStats, error) {
					return sim.ClusterStats{DataDistributionActive: true}, nil
				})
				continue
			}
			s.StartEchoServer(p)
			s.StartRandomTraffic(p, targets, horizon)
		}
		if chaos {
			scheduleChaos(s, procs)
		}
		if master != nil {
			masterAddr := master.Addr
			probe := procs[0]
			s.Spawn(probe, "quiescence-probe", func() error {
				if err := s.Delay(horizon, sim.TaskDefaultDelay); err != nil {
					return err
				}
				if err := s.WaitForQuiescenceWithWatchdog(masterAddr, sim.DefaultQuiescenceGates()); err != nil {
					return err
				}
				logrus.Infof("[t=%.6f] cluster is quiet", s.Now())
				return nil
			})
		}

		if !quiesce {
			s.SetHorizon(horizon)
		}
		s.Run()

		s.Metrics.Print(s.Now())
		if traceLevel == string(trace.TraceLevelDispatch) {
			printSummary(trace.Summarize(s.Trace))
		}
		logrus.Infof("Simulation complete in %v wall clock.", time.Since(startTime))
	},
}

// scheduleChaos sprinkles clogs and survivability-filtered machine kills
// over the first half of the run.
func scheduleChaos(s *sim.Simulator, procs []*sim.Process) {
	zones := make(map[string]bool)
	var ips []string
	for _, p := range procs {
		if !zones[p.Locality.ZoneID] {
			zones[p.Locality.ZoneID] = true
			ips = append(ips, p.Addr.IP)
		}
	}
	rng := s.DerivedRand("chaos")
	s.Spawn(procs[0], "chaos", func() error {
		for s.Now() < horizon/2 {
			if err := s.Delay(1+5*rng.Float64(), sim.TaskDefaultDelay); err != nil {
				return err
			}
			switch rng.Intn(3) {
			case 0:
				s.ClogInterface(ips[rng.Intn(len(ips))], 2*rng.Float64(), sim.ClogDefault)
			case 1:
				s.ClogPair(ips[rng.Intn(len(ips))], ips[rng.Intn(len(ips))], 2*rng.Float64())
			default:
				var zs []string
				for z := range zones {
					zs = append(zs, z)
				}
				sort.Strings(zs)
				s.KillMachine(zs[rng.Intn(len(zs))], sim.Reboot)
			}
		}
		return nil
	})
}

func printSummary(sum *trace.TraceSummary) {
	fmt.Println("=== Dispatch Trace Summary ===")
	fmt.Printf("Dispatches           : %d across %d processes\n", sum.TotalDispatches, sum.UniqueProcesses)
	fmt.Printf("Connection closes    : %d\n", sum.TotalCloses)
	fmt.Printf("Final dispatch time  : %.3f s\n", sum.FinalTime)
	fmt.Printf("Dispatch gap         : mean %.6fs, p99 %.6fs\n", sum.MeanDispatchGap, sum.P99DispatchGap)
}

func init() {
	runCmd.Flags().Int64Var(&seed, "seed", 0, "Master seed for the run")
	runCmd.Flags().Float64Var(&horizon, "horizon", 60, "Virtual seconds to simulate")
	runCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	runCmd.Flags().StringVar(&topologyPath, "topology", "", "Topology YAML file (built-in topology if empty)")
	runCmd.Flags().StringVar(&traceLevel, "trace-level", "none", "Trace level (none, dispatch)")
	runCmd.Flags().BoolVar(&chaos, "chaos", false, "Enable buggification, clogs and machine kills")
	runCmd.Flags().BoolVar(&quiesce, "quiesce", false, "Run the quiescence probe after traffic stops")
	runCmd.Flags().StringVar(&dataDir, "data-dir", "", "Host directory backing simulated files (temp dir if empty)")

	rootCmd.AddCommand(runCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
