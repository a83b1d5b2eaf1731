package grouping

import (
	"time"

	"github.com/eapache/queue"
)

type task struct {
	r         Runnable
	key       any
	createdAt time.Time
	seq       uint64
}

// taskQueue holds the pending tasks of one isolation key. At any time
// it is either bound to a worker or sitting in the waiting pool.
type taskQueue struct {
	key   any
	tasks *queue.Queue
	index int
}

func newTaskQueue(key any) *taskQueue {
	return &taskQueue{
		key:   key,
		tasks: queue.New(),
		index: -1,
	}
}

func (tq *taskQueue) head() *task {
	if tq.tasks.Length() == 0 {
		return nil
	}
	return tq.tasks.Peek().(*task)
}

func (tq *taskQueue) poll() *task {
	if tq.tasks.Length() == 0 {
		return nil
	}
	return tq.tasks.Remove().(*task)
}

// before reports whether tq has waited longer than other. An empty
// queue never comes first.
func (tq *taskQueue) before(other *taskQueue) bool {
	h, o := tq.head(), other.head()
	switch {
	case h == nil:
		return false
	case o == nil:
		return true
	}
	return h.seq < o.seq
}

// waitingPool is a min-heap of queues ordered by the age of their
// head task. It implements `heap.Interface`.
type waitingPool []*taskQueue

func (wp waitingPool) Len() int {
	return len(wp)
}

func (wp waitingPool) Less(i, j int) bool {
	return wp[i].before(wp[j])
}

func (wp waitingPool) Swap(i, j int) {
	wp[i], wp[j] = wp[j], wp[i]
	wp[i].index = i
	wp[j].index = j
}

func (wp *waitingPool) Push(x any) {
	tq := x.(*taskQueue)
	tq.index = len(*wp)
	*wp = append(*wp, tq)
}

func (wp *waitingPool) Pop() any {
	old := *wp
	n := len(old)
	tq := old[n-1]
	old[n-1] = nil
	tq.index = -1
	*wp = old[:n-1]
	return tq
}
