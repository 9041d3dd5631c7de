package backend

import (
	"sync"
	"sync/atomic"
	"testing"
	"unsafe"
)

func newTestPool(t *testing.T, threads int) *Pool {
	t.Helper()
	p := NewPool(threads, Options{SpinBudget: 1 << 16})
	t.Cleanup(p.Close)
	return p
}

// TestRunFanOut dispatches more tasks than threads and checks every task
// runs exactly once.
func TestRunFanOut(t *testing.T) {
	p := newTestPool(t, 16)
	var counts [100]atomic.Int32
	p.Run(100, nil, func(taskID int) {
		counts[taskID].Add(1)
	}, nil)
	total := int32(0)
	for i := range counts {
		n := counts[i].Load()
		if n != 1 {
			t.Fatalf("task %d ran %d times", i, n)
		}
		total += n
	}
	if total != 100 {
		t.Fatalf("observed %d executions, want 100", total)
	}
}

// TestRunOneShot covers the path where each task maps to one thread.
func TestRunOneShot(t *testing.T) {
	p := newTestPool(t, 16)
	var counts [8]atomic.Int32
	p.Run(8, nil, func(taskID int) {
		counts[taskID].Add(1)
	}, nil)
	for i := range counts {
		if counts[i].Load() != 1 {
			t.Fatalf("task %d ran %d times", i, counts[i].Load())
		}
	}
}

func TestRunInitFinalizePerWorker(t *testing.T) {
	p := newTestPool(t, 4)
	var inits, finals, tasks atomic.Int32
	p.Run(64, func(threadID int) {
		inits.Add(1)
	}, func(taskID int) {
		tasks.Add(1)
	}, func(threadID int) {
		finals.Add(1)
	})
	if tasks.Load() != 64 {
		t.Fatalf("tasks = %d", tasks.Load())
	}
	if inits.Load() != 4 || finals.Load() != 4 {
		t.Fatalf("init/finalize per worker: %d/%d, want 4/4", inits.Load(), finals.Load())
	}
}

// TestRunRepeated makes sure state resets cleanly across dispatches.
func TestRunRepeated(t *testing.T) {
	p := newTestPool(t, 4)
	var total atomic.Int64
	for round := 0; round < 50; round++ {
		p.Run(13, nil, func(taskID int) {
			total.Add(1)
		}, nil)
	}
	if total.Load() != 50*13 {
		t.Fatalf("total = %d, want %d", total.Load(), 50*13)
	}
}

func TestRunZeroTasks(t *testing.T) {
	p := newTestPool(t, 4)
	p.Run(0, nil, func(int) {
		t.Error("compute must not run for zero tasks")
	}, nil)
}

// TestTaskQueueOrdering submits tasks 0..9 appending their ids; syncing the
// last id must observe all prior callbacks in insertion order.
func TestTaskQueueOrdering(t *testing.T) {
	q := NewTaskQueue(16, 1<<16)
	defer q.Close()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 10; i++ {
		id := i
		q.Enqueue(id, func() {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
		})
	}
	q.Sync(9)
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 10 {
		t.Fatalf("ran %d tasks, want 10", len(order))
	}
	for i, id := range order {
		if id != i {
			t.Fatalf("order[%d] = %d", i, id)
		}
	}
}

func TestTaskQueueIDReuse(t *testing.T) {
	q := NewTaskQueue(2, 1<<16)
	defer q.Close()
	var n atomic.Int32
	for i := 0; i < 20; i++ {
		q.Enqueue(i%2, func() { n.Add(1) })
		q.Sync(i % 2)
	}
	if n.Load() != 20 {
		t.Fatalf("executed %d, want 20", n.Load())
	}
}

func TestSharedBufferAlloc(t *testing.T) {
	b := NewSharedBuffer()
	var x, y, z []byte
	client := new(int)
	b.Alloc(client, []BufferRequest{
		{Dst: &x, Size: 100},
		{Dst: &y, Size: 64},
		{Dst: &z, Size: 1},
	})
	if len(x) != 100 || len(y) != 64 || len(z) != 1 {
		t.Fatalf("sizes %d %d %d", len(x), len(y), len(z))
	}
	for _, s := range [][]byte{x, y, z} {
		if addr(s)%arenaAlign != 0 {
			t.Fatalf("region not %d-byte aligned", arenaAlign)
		}
	}
	x[99] = 7
	y[0] = 9

	// Replacing the arena must hand out fresh regions.
	var x2 []byte
	b.Alloc(client, []BufferRequest{{Dst: &x2, Size: 8}})
	if len(x2) != 8 {
		t.Fatalf("realloc size %d", len(x2))
	}
	b.Dealloc(client)
}

func addr(s []byte) uintptr {
	return uintptr(unsafe.Pointer(&s[0]))
}
