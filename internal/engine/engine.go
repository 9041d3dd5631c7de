// Package engine is the enqueue façade the host bridge drives: submit a
// callback under a task id, then sync on that id. All compute funnels
// through one task queue so MoE calls on the shared scratch never overlap.
package engine

import (
	"sync"

	"github.com/google/uuid"

	"github.com/halcyonlabs/moecore/internal/backend"
	"github.com/halcyonlabs/moecore/internal/logger"
	"github.com/halcyonlabs/moecore/internal/moe"
	"github.com/halcyonlabs/moecore/internal/trace"
)

// Options configures engine construction.
type Options struct {
	Threads    int
	MaxTasks   int
	NUMANodes  int
	SpinBudget uint64
	Pin        bool
	Log        logger.Logger
}

// Engine owns the worker pool and the serializing task queue.
type Engine struct {
	id    string
	pool  *backend.Pool
	queue *backend.TaskQueue
	mu    sync.Mutex
	log   logger.Logger
}

// DefaultMaxTasks bounds the task-id space when the caller does not choose.
const DefaultMaxTasks = 1024

// New starts the pool and the task queue.
func New(opts Options) *Engine {
	if opts.MaxTasks <= 0 {
		opts.MaxTasks = DefaultMaxTasks
	}
	log := opts.Log
	if log == nil {
		log = logger.Default()
	}
	e := &Engine{
		id: uuid.NewString(),
		pool: backend.NewPool(opts.Threads, backend.Options{
			NUMANodes:  opts.NUMANodes,
			SpinBudget: opts.SpinBudget,
			Pin:        opts.Pin,
			Log:        log,
		}),
		log: log,
	}
	e.queue = backend.NewTaskQueue(opts.MaxTasks, opts.SpinBudget)
	log.Info("engine started", "id", e.id, "threads", e.pool.Threads(), "numa_nodes", e.pool.NUMANodes())
	return e
}

// ID is the engine's session identifier.
func (e *Engine) ID() string { return e.id }

// Pool exposes the worker pool for MoE construction.
func (e *Engine) Pool() *backend.Pool { return e.pool }

// Submit enqueues fn under id. The id must not be in flight.
func (e *Engine) Submit(id int, fn func()) {
	e.queue.Enqueue(id, fn)
}

// Sync blocks until task id's callback has returned.
func (e *Engine) Sync(id int) {
	e.queue.Sync(id)
}

// Lock serializes a burst of Submits against other producers.
func (e *Engine) Lock() { e.mu.Lock() }

// Unlock releases Lock.
func (e *Engine) Unlock() { e.mu.Unlock() }

// Close drains the queue and stops the pool.
func (e *Engine) Close() {
	e.queue.Close()
	e.pool.Close()
}

// StartTrace begins writing the binary trace stream to path.
func (e *Engine) StartTrace(path string) error { return trace.Start(path) }

// EndTrace stops the active trace stream.
func (e *Engine) EndTrace() error { return trace.Stop() }

// SubmitWarmUp enqueues a warm-up pass over every expert of m.
func (e *Engine) SubmitWarmUp(id int, m *moe.MoE) {
	e.Submit(id, m.WarmUp)
}

// SubmitForward enqueues a forward pass. All buffers must stay valid until
// Sync(id) returns.
func (e *Engine) SubmitForward(id int, m *moe.MoE, qlen, k int, expertIDs []uint64, weights []float32, input, output []byte) {
	e.Submit(id, func() {
		m.Forward(qlen, k, expertIDs, weights, input, output)
	})
}

// SubmitGetWeight enqueues a gather of one expert's weight matrices.
func (e *Engine) SubmitGetWeight(id int, m *moe.MoE, expert int, gateDst, upDst, downDst []byte) {
	e.Submit(id, func() {
		m.GetWeight(expert, gateDst, upDst, downDst)
	})
}
