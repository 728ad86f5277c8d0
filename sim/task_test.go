package sim

import (
	"container/heap"
	"testing"
)

func TestTaskQueue_OrdersByTime(t *testing.T) {
	// GIVEN tasks at distinct virtual times pushed out of order
	var tq taskQueue
	heap.Push(&tq, &Task{Time: 3.0, Seq: 0})
	heap.Push(&tq, &Task{Time: 1.0, Seq: 1})
	heap.Push(&tq, &Task{Time: 2.0, Seq: 2})

	// WHEN the queue is drained
	var times []float64
	for tq.Len() > 0 {
		times = append(times, heap.Pop(&tq).(*Task).Time)
	}

	// THEN the earlier time always dispatches first
	want := []float64{1.0, 2.0, 3.0}
	for i, got := range times {
		if got != want[i] {
			t.Errorf("pop %d: got time %v, want %v", i, got, want[i])
		}
	}
}

func TestTaskQueue_FIFOWithinTick(t *testing.T) {
	// GIVEN four tasks at the same virtual time, enqueued in sequence order
	var tq taskQueue
	for seq := uint64(0); seq < 4; seq++ {
		heap.Push(&tq, &Task{Time: 1.0, Seq: seq})
	}

	// WHEN the queue is drained
	var seqs []uint64
	for tq.Len() > 0 {
		seqs = append(seqs, heap.Pop(&tq).(*Task).Seq)
	}

	// THEN the first enqueued dispatches first
	for i, got := range seqs {
		if got != uint64(i) {
			t.Errorf("pop %d: got seq %d, want %d", i, got, i)
		}
	}
}

func TestTaskQueue_PriorityIsMetadataOnly(t *testing.T) {
	// GIVEN two same-time tasks where the later one has a higher priority
	var tq taskQueue
	heap.Push(&tq, &Task{Time: 1.0, Seq: 0, Priority: TaskMin})
	heap.Push(&tq, &Task{Time: 1.0, Seq: 1, Priority: TaskMax})

	// WHEN the head is popped
	head := heap.Pop(&tq).(*Task)

	// THEN insertion order wins; priority does not reorder a tick
	if head.Seq != 0 {
		t.Errorf("head seq = %d, want 0 (priority must not reorder)", head.Seq)
	}
}
