// sim/simulator.go
package sim

import (
	"container/heap"
	"math"
	"math/rand"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/detsim/detsim/sim/trace"
)

// Simulator is the core object that holds virtual time, the topology, and
// the event loop. Exactly one simulated thread is runnable at any instant:
// the run loop and the workload goroutines alternate through an unbuffered
// parked channel, so all simulator state is effectively single-threaded.
// The mutex guards time, taskCount and the queue for the benefit of
// outside observers (Stop, Now from the driving thread).
type Simulator struct {
	mu           sync.Mutex
	time         float64
	taskCount    int64
	nextSeq      uint64
	nextSignalID uint64
	queue        taskQueue
	parked       chan struct{}
	stopped      bool
	horizon      float64 // 0 = run until the queue drains

	streams *randStreams
	rand    *rand.Rand // the core stream; every simulator-thread decision draws here

	current *Process

	// Per-dispatch yield state.
	yielded      bool
	yieldCounter int

	// Topology.
	machines  map[string]*Machine  // zone id -> machine
	addrs     map[Endpoint]*Process
	rebooting map[Endpoint]bool // addresses currently mid-reboot
	protected map[Endpoint]bool // never *AndDelete

	// Network.
	listeners map[Endpoint]*Listener
	clog      *Clogging
	connSeq   uint64

	// Filesystem.
	dir       string
	openFiles int
	diskSpace map[string]*diskSpace // ip -> accounting

	// Global regimes.
	speedUp           bool
	connFailures      bool
	buggify           bool
	maxBuggifiedDelay float64

	// Kill planner inputs.
	TLogPolicy          Policy
	StoragePolicy       Policy
	TLogWriteAntiQuorum int

	Knobs   Knobs
	Metrics *Metrics
	Trace   *trace.SimulationTrace
}

// Policy is the replication-policy predicate consumed by the kill planner.
// Implementations live in sim/policy.
type Policy interface {
	// Satisfied reports whether the group of localities could hold a full
	// replica team under this policy.
	Satisfied(groups []map[string]string) bool
	// Name is used in trace events.
	Name() string
}

// NewSimulator constructs a simulator from a Config. The zero Config is
// usable for network-only runs.
func NewSimulator(cfg Config) *Simulator {
	knobs := cfg.Knobs
	if knobs == (Knobs{}) {
		knobs = DefaultKnobs()
	}
	streams := newRandStreams(cfg.Seed)
	s := &Simulator{
		parked:              make(chan struct{}),
		streams:             streams,
		rand:                streams.core,
		machines:            make(map[string]*Machine),
		addrs:               make(map[Endpoint]*Process),
		rebooting:           make(map[Endpoint]bool),
		protected:           make(map[Endpoint]bool),
		listeners:           make(map[Endpoint]*Listener),
		diskSpace:           make(map[string]*diskSpace),
		dir:                 cfg.Dir,
		connFailures:        true,
		TLogWriteAntiQuorum: cfg.TLogWriteAntiQuorum,
		Knobs:               knobs,
		Metrics:             NewMetrics(),
		Trace:               trace.NewSimulationTrace(trace.TraceConfig{Level: trace.TraceLevelNone}),
	}
	s.clog = newClogging(s)
	s.yieldCounter = 1 + s.rand.Intn(150)
	return s
}

// Now returns the current virtual time in seconds.
func (s *Simulator) Now() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.time
}

// TaskCount returns the number of tasks dispatched so far.
func (s *Simulator) TaskCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taskCount
}

// CurrentProcess returns the process on whose behalf the currently
// dispatched task runs. Nil outside the run loop.
func (s *Simulator) CurrentProcess() *Process { return s.current }

// SetHorizon makes Run stop once virtual time passes t.
func (s *Simulator) SetHorizon(t float64) { s.horizon = t }

// Stop makes Run return after the current dispatch.
func (s *Simulator) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

// EnableBuggify turns on seeded delay perturbation with the given bound.
func (s *Simulator) EnableBuggify(maxDelay float64) {
	s.buggify = true
	s.maxBuggifiedDelay = maxDelay
}

// BuggifyEnabled reports whether delay perturbation is active.
func (s *Simulator) BuggifyEnabled() bool { return s.buggify }

// SetConnectionFailures toggles random connection closes.
func (s *Simulator) SetConnectionFailures(on bool) {
	if s.connFailures != on {
		logrus.Infof("connection failures %v at t=%.3f", on, s.time)
	}
	s.connFailures = on
}

// SpeedUpSimulation reports whether the easier, faster regime is engaged
// (no clogs honored, no fault injection).
func (s *Simulator) SpeedUpSimulation() bool { return s.speedUp }

// SetSpeedUpSimulation engages or releases the speed-up regime.
func (s *Simulator) SetSpeedUpSimulation(on bool) { s.speedUp = on }

// === scheduling ===

// enqueue inserts a task at absolute virtual time at. Callers hold no lock.
func (s *Simulator) enqueue(t *Task) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Time < s.time {
		logrus.Panicf("task scheduled in the past: %.6f < %.6f", t.Time, s.time)
	}
	t.Seq = s.nextSeq
	s.nextSeq++
	heap.Push(&s.queue, t)
	return t
}

// schedule enqueues an inline callback to run at time at on behalf of p.
func (s *Simulator) schedule(at float64, pri TaskPriority, p *Process, fn func()) *Task {
	return s.enqueue(&Task{Time: at, Priority: pri, Proc: p, fn: fn})
}

// Spawn starts a simulated thread running fn on behalf of p at the current
// virtual time. An error returned by fn that is outside the simulator's
// closed error set is treated as a bug in the code under test: the process
// is killed instantly after a severe trace event.
func (s *Simulator) Spawn(p *Process, name string, fn func() error) {
	s.enqueue(&Task{Time: s.Now(), Priority: TaskDefaultOnMain, Proc: p, start: func() error {
		logrus.Debugf("thread %q starting on %s", name, p.Name)
		err := fn()
		if err != nil && !isKnownError(err) {
			logrus.Errorf("SevError: thread %q on %s failed: %v", name, p.Name, err)
			s.KillProcess(p, KillInstantly)
		}
		return err
	}})
}

// === suspension points (called only from simulated threads) ===

// suspend parks the calling goroutine until t is dispatched. It must be the
// last thing a simulated thread does before blocking: the parked signal
// hands control back to the run loop.
func (s *Simulator) suspend(t *Task) error {
	s.parked <- struct{}{}
	return <-t.wake
}

// Delay suspends the calling simulated thread for at least seconds of
// virtual time. Negative values within -1e-4 are clamped to zero; anything
// more negative is an invariant violation. While buggification is enabled,
// 25% of delays on a healthy process are stretched by
// maxDelay * U(0,1)^1000, where maxDelay is the bound given to EnableBuggify.
func (s *Simulator) Delay(seconds float64, pri TaskPriority) error {
	if seconds < -1e-4 {
		logrus.Panicf("delay of %v seconds requested", seconds)
	}
	if seconds < 0 {
		seconds = 0
	}
	p := s.current
	if p != nil && !p.Rebooting && !p.shutdownSet && s.buggify &&
		s.maxBuggifiedDelay > 0 && s.rand.Float64() < 0.25 {
		seconds += s.maxBuggifiedDelay * math.Pow(s.rand.Float64(), 1000.0)
	}
	t := s.enqueue(&Task{Time: s.Now() + seconds, Priority: pri, Proc: p, wake: make(chan error, 1)})
	return s.suspend(t)
}

// CheckYield reports whether the calling thread should yield: once per
// dispatch, when the seeded down-counter runs out (which bounds cooperative
// runs that would otherwise blow the real stack), or on a 1% roll.
func (s *Simulator) CheckYield(pri TaskPriority) bool {
	if s.yielded {
		return true
	}
	s.yieldCounter--
	if s.yieldCounter <= 0 {
		s.yieldCounter = 1 + s.rand.Intn(150)
		s.yielded = true
		return true
	}
	if s.rand.Float64() < 0.01 {
		s.yielded = true
		return true
	}
	return false
}

// Yield gives other tasks a chance to run, and doubles as a cooperative
// cancellation point: a thread whose process has been handed a shutdown
// signal comes back with ErrActorCancelled.
func (s *Simulator) Yield(pri TaskPriority) error {
	p := s.current
	if p != nil && p.shutdownSet {
		return ErrActorCancelled
	}
	if !s.CheckYield(pri) {
		return nil
	}
	if err := s.Delay(0, pri); err != nil {
		return err
	}
	if p != nil && p.shutdownSet {
		return ErrActorCancelled
	}
	return nil
}

// OnMainThread schedules fn to run on the simulator's own context (no
// process) at the current virtual time.
func (s *Simulator) OnMainThread(pri TaskPriority, fn func()) {
	s.schedule(s.Now(), pri, nil, fn)
}

// OnProcess hops the calling thread onto p's context. The thread resumes
// with CurrentProcess() == p.
func (s *Simulator) OnProcess(p *Process, pri TaskPriority) error {
	t := s.enqueue(&Task{Time: s.Now(), Priority: pri, Proc: p, wake: make(chan error, 1)})
	return s.suspend(t)
}

// OnMachine hops the calling thread onto the hidden machine-process of the
// machine hosting p. Machine context outlives individual process kills, so
// non-durable file state lives there.
func (s *Simulator) OnMachine(p *Process, pri TaskPriority) error {
	m := s.machines[p.Locality.ZoneID]
	if m == nil {
		logrus.Panicf("process %s has no machine", p.Name)
	}
	return s.OnProcess(m.machineProcess, pri)
}

// === signals ===

// signal is a one-shot, process-owned wakeup. Firing it enqueues a wake
// task through the event queue, so signal deliveries are totally ordered
// with everything else. Killing the owning process fires every pending
// signal with ErrActorCancelled.
type signal struct {
	id    uint64
	proc  *Process
	ch    chan error
	fired bool
}

func (s *Simulator) newSignal(p *Process) *signal {
	s.nextSignalID++
	sg := &signal{id: s.nextSignalID, proc: p, ch: make(chan error, 1)}
	if p != nil {
		p.waiters[sg.id] = sg
	}
	return sg
}

// fire resolves the signal with err after delay seconds of virtual time.
// Repeat fires are ignored; only the first resolution counts.
func (s *Simulator) fire(sg *signal, err error, delay float64, pri TaskPriority) {
	if sg.fired {
		return
	}
	sg.fired = true
	if sg.proc != nil {
		delete(sg.proc.waiters, sg.id)
	}
	s.enqueue(&Task{Time: s.Now() + delay, Priority: pri, Proc: sg.proc, wake: sg.ch, err: err})
}

// wait parks the calling thread until the signal fires.
func (s *Simulator) wait(sg *signal) error {
	s.parked <- struct{}{}
	return <-sg.ch
}

// === run loop ===

// Run dispatches tasks until the queue drains, Stop is called, or the
// horizon is passed. Dequeue the head task; if its target process has
// failed, resolve with cancellation so dependent computations unwind
// promptly. Otherwise advance the clock, install the target as the current
// process, and drive the continuation.
func (s *Simulator) Run() {
	for {
		s.mu.Lock()
		if s.stopped || len(s.queue) == 0 {
			s.mu.Unlock()
			break
		}
		t := heap.Pop(&s.queue).(*Task)
		if s.horizon > 0 && t.Time > s.horizon {
			s.mu.Unlock()
			break
		}
		if t.Proc == nil || !t.Proc.Failed {
			s.time = t.Time
		}
		s.taskCount++
		s.mu.Unlock()

		s.dispatch(t)
	}
	logrus.Infof("[t=%.6f] simulation ended after %d tasks", s.time, s.taskCount)
}

func (s *Simulator) dispatch(t *Task) {
	s.Metrics.TasksDispatched++
	s.yielded = false

	if t.Proc != nil && t.Proc.Failed {
		// The target is dead: the continuation is never driven. Parked
		// threads are resolved with cancellation so they unwind.
		s.Metrics.TasksCancelled++
		if t.wake != nil {
			t.wake <- ErrActorCancelled
			<-s.parked
		}
		return
	}

	s.current = t.Proc
	procName := ""
	if t.Proc != nil {
		procName = t.Proc.Name
	}
	s.Trace.RecordDispatch(trace.DispatchRecord{Time: t.Time, Process: procName, Seq: t.Seq})

	switch {
	case t.fn != nil:
		s.runProtected(t.Proc, t.fn)
	case t.start != nil:
		body := t.start
		go func() {
			defer func() {
				if r := recover(); r != nil {
					logrus.Errorf("SevError: panic in simulated thread on %s: %v", procName, r)
					if t.Proc != nil {
						s.KillProcess(t.Proc, KillInstantly)
					}
				}
				s.parked <- struct{}{}
			}()
			_ = body()
		}()
		<-s.parked
	default:
		t.wake <- t.err
		<-s.parked
	}
	s.current = nil
}

// runProtected executes an inline callback, converting a panic into a
// severe trace event plus an instant kill of the target process.
func (s *Simulator) runProtected(p *Process, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if p == nil {
				panic(r) // protocol violation on the simulator itself
			}
			logrus.Errorf("SevError: fault in continuation on %s: %v", p.Name, r)
			s.KillProcess(p, KillInstantly)
		}
	}()
	fn()
}
