// Package backend hosts the parallel substrate of the compute core: a pool
// of pinned worker threads dispatching short-lived kernels, the serializing
// task queue the host bridge talks to, and the shared scratch allocator.
package backend

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/halcyonlabs/moecore/internal/logger"
	"github.com/halcyonlabs/moecore/internal/trace"
)

const (
	statusWaiting int32 = iota
	statusWorking
	statusExiting
)

// DefaultSpinBudget approximates one second of idle spinning on a 4.4 GHz
// part before a worker backs off to millisecond sleeps.
const DefaultSpinBudget = 4_400_000_000

const (
	// MaxStripes bounds how many conversion stripes a kernel may open.
	MaxStripes = 64
	// MaxGroupExperts bounds how many expert groups may rendezvous at once.
	MaxGroupExperts = 8
)

type threadState struct {
	status atomic.Int32
	curr   atomic.Int64
	end    int64
}

// Options tunes pool construction.
type Options struct {
	// NUMANodes > 1 enables NUMA dispatch: every run uses every thread and
	// thread pinning packs the socket range.
	NUMANodes int
	// SpinBudget overrides DefaultSpinBudget. Zero keeps the default.
	SpinBudget uint64
	// Pin enables CPU affinity. Tests run unpinned.
	Pin bool
	Log logger.Logger
}

// Pool executes parallel kernels over a fixed set of OS-locked worker
// threads. Dispatches are single-producer: one Run at a time.
type Pool struct {
	maxThreads int
	numaNodes  int
	spinBudget uint64
	pin        bool
	log        logger.Logger

	// Current dispatch. Written by the caller before any status flips.
	threadNum int
	oneShot   bool
	initFn    func(int)
	computeFn func(int)
	finalFn   func(int)

	state []*threadState
	wg    sync.WaitGroup

	// Stripe barriers shared by kernels running on this pool. A kernel
	// zeroes its own entry before producing and stores 1 after; consumers
	// spin until every stripe in the group reads 1.
	InputConvSyn   [MaxStripes]atomic.Int32
	IntermGroupSyn [MaxGroupExperts][MaxStripes]atomic.Int32
}

// NewPool starts threads workers. Thread i is pinned to logical CPU i, or to
// a packed socket slot in NUMA mode.
func NewPool(threads int, opts Options) *Pool {
	if threads < 1 {
		threads = 1
	}
	p := &Pool{
		maxThreads: threads,
		numaNodes:  opts.NUMANodes,
		spinBudget: opts.SpinBudget,
		pin:        opts.Pin,
		log:        opts.Log,
	}
	if p.numaNodes < 1 {
		p.numaNodes = 1
	}
	if p.spinBudget == 0 {
		p.spinBudget = DefaultSpinBudget
	}
	if p.log == nil {
		p.log = logger.Default()
	}
	p.state = make([]*threadState, threads)
	for i := range p.state {
		p.state[i] = &threadState{}
	}
	p.wg.Add(threads)
	for i := 0; i < threads; i++ {
		go p.workerThread(i)
	}
	return p
}

// Threads is the pool's fixed worker count.
func (p *Pool) Threads() int { return p.maxThreads }

// NUMANodes is the configured node count (1 when NUMA dispatch is off).
func (p *Pool) NUMANodes() int { return p.numaNodes }

// Close asks every worker to exit and waits for them.
func (p *Pool) Close() {
	for _, st := range p.state {
		st.status.Store(statusExiting)
	}
	p.wg.Wait()
}

// Run executes compute for every task in [0, taskNum) and blocks until all
// have returned. init and finalize, when non-nil, run once per participating
// worker before its first and after its last task.
func (p *Pool) Run(taskNum int, init, compute, finalize func(int)) {
	if taskNum <= 0 {
		return
	}
	p.initFn = init
	p.computeFn = compute
	p.finalFn = finalize

	if p.numaNodes > 1 {
		// Node locality is derived from the thread count, so every thread
		// participates regardless of taskNum.
		p.threadNum = p.maxThreads
	} else {
		p.threadNum = min(p.maxThreads, taskNum)
	}

	p.oneShot = taskNum <= p.maxThreads && p.numaNodes <= 1
	started := p.threadNum
	if p.oneShot {
		if started > taskNum {
			started = taskNum
		}
		for i := 0; i < started; i++ {
			p.state[i].status.Store(statusWorking)
		}
	} else {
		end := 0
		base := taskNum / p.threadNum
		remain := taskNum % p.threadNum
		for i := 0; i < p.threadNum; i++ {
			p.state[i].curr.Store(int64(end))
			end += base
			if i < remain {
				end++
			}
			p.state[i].end = int64(end)
			p.state[i].status.Store(statusWorking)
		}
	}

	for i := 0; i < started; i++ {
		var sleepy uint64
		for p.state[i].status.Load() == statusWorking {
			sleepy++
			if sleepy >= p.spinBudget {
				time.Sleep(time.Millisecond)
			}
		}
	}
}

func (p *Pool) processTasks(id int) {
	if p.initFn != nil {
		p.initFn(id)
	}
	if p.oneShot {
		trace.Begin("schedule", "own", id)
		p.computeFn(id)
		trace.End("schedule", id)
	} else {
		st := p.state[id]
		for {
			taskID := st.curr.Add(1) - 1
			if taskID >= st.end {
				break
			}
			trace.Begin("schedule", "own", id)
			p.computeFn(int(taskID))
			trace.End("schedule", id)
		}
	}
	if p.finalFn != nil {
		p.finalFn(id)
	}
	p.state[id].status.Store(statusWaiting)
}

func (p *Pool) workerThread(id int) {
	defer p.wg.Done()
	runtime.LockOSThread()
	if p.pin {
		cpu := id
		if p.numaNodes > 1 {
			cpu = id * 64 / p.maxThreads
		}
		if err := pinThread(cpu); err != nil {
			p.log.Warn("thread pinning failed", "thread", id, "cpu", cpu, "err", err)
		} else {
			p.log.Debug("bound worker thread", "thread", id, "cpu", cpu)
		}
	}
	var sleepy uint64
	for {
		switch p.state[id].status.Load() {
		case statusWorking:
			sleepy = 0
			p.processTasks(id)
		case statusWaiting:
			sleepy++
			if sleepy >= p.spinBudget {
				time.Sleep(time.Millisecond)
			}
		case statusExiting:
			return
		}
	}
}
