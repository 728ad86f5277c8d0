package sim

// TaskPriority orders nothing at dispatch time: within one virtual instant
// tasks run in insertion order. Priorities are carried on tasks purely as
// metadata for the scheduling caller's bookkeeping.
type TaskPriority int

const (
	TaskMin           TaskPriority = 0
	TaskDefaultYield  TaskPriority = 7
	TaskDiskIO        TaskPriority = 20
	TaskWriteSocket   TaskPriority = 30
	TaskReadSocket    TaskPriority = 40
	TaskAcceptSocket  TaskPriority = 50
	TaskDefaultOnMain TaskPriority = 60
	TaskDefaultDelay  TaskPriority = 70
	TaskRunLoop       TaskPriority = 80
	TaskKillInstantly TaskPriority = 90
	TaskMax           TaskPriority = 100
)

// Task is a scheduled future action on the event queue. Exactly one of
// fn (an inline callback executed on the simulator thread), start (a
// simulated-thread body launched as a goroutine) or wake (the resume
// channel of a parked simulated thread) is set.
type Task struct {
	Time     float64
	Priority TaskPriority
	Seq      uint64
	Proc     *Process

	fn    func()
	start func() error
	wake  chan error
	err   error // delivered on wake
}

// taskQueue implements heap.Interface ordered by (Time, Seq).
// See the canonical Golang example: https://pkg.go.dev/container/heap
type taskQueue []*Task

func (tq taskQueue) Len() int { return len(tq) }

// Less orders by virtual time first; ties break on insertion sequence so
// that two tasks scheduled for the same instant dispatch FIFO.
func (tq taskQueue) Less(i, j int) bool {
	if tq[i].Time != tq[j].Time {
		return tq[i].Time < tq[j].Time
	}
	return tq[i].Seq < tq[j].Seq
}

func (tq taskQueue) Swap(i, j int) { tq[i], tq[j] = tq[j], tq[i] }

func (tq *taskQueue) Push(x any) {
	*tq = append(*tq, x.(*Task))
}

func (tq *taskQueue) Pop() any {
	old := *tq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*tq = old[0 : n-1]
	return item
}
