package backend

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/halcyonlabs/moecore/internal/trace"
)

type queuedTask struct {
	id int
	fn func()
}

// TaskQueue serializes opaque callbacks from the host bridge onto a single
// consumer thread. Completion is signalled through per-id flags the caller
// polls with Sync. Callers own id allocation in [0, maxTasks) and must not
// reuse an id before its Sync has returned.
type TaskQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []queuedTask
	flags   []atomic.Bool
	exiting bool

	spinBudget uint64
	done       chan struct{}
}

// NewTaskQueue starts the consumer. spinBudget of zero keeps the default.
func NewTaskQueue(maxTasks int, spinBudget uint64) *TaskQueue {
	if spinBudget == 0 {
		spinBudget = DefaultSpinBudget
	}
	q := &TaskQueue{
		flags:      make([]atomic.Bool, maxTasks),
		spinBudget: spinBudget,
		done:       make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	for i := range q.flags {
		q.flags[i].Store(true)
	}
	go q.processTasks()
	return q
}

// Enqueue appends fn and marks id pending. Tasks execute strictly in
// insertion order.
func (q *TaskQueue) Enqueue(id int, fn func()) {
	trace.Begin("taskqueue", "enqueue", id)
	q.mu.Lock()
	q.tasks = append(q.tasks, queuedTask{id: id, fn: fn})
	q.flags[id].Store(false)
	q.mu.Unlock()
	q.cond.Signal()
}

// Sync blocks until task id's callback has returned.
func (q *TaskQueue) Sync(id int) {
	var sleepy uint64
	for !q.flags[id].Load() {
		sleepy++
		if sleepy >= q.spinBudget {
			time.Sleep(time.Millisecond)
		}
	}
	trace.End("taskqueue", id)
}

// Close drains any queued tasks and stops the consumer.
func (q *TaskQueue) Close() {
	q.mu.Lock()
	q.exiting = true
	q.mu.Unlock()
	q.cond.Broadcast()
	<-q.done
}

func (q *TaskQueue) processTasks() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.exiting {
			q.cond.Wait()
		}
		if q.exiting && len(q.tasks) == 0 {
			q.mu.Unlock()
			return
		}
		t := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		t.fn()

		q.mu.Lock()
		q.flags[t.id].Store(true)
		q.mu.Unlock()
	}
}
