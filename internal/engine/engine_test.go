package engine

import (
	"math"
	"sync"
	"testing"

	"github.com/halcyonlabs/moecore/internal/dtype"
	"github.com/halcyonlabs/moecore/internal/moe"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := New(Options{Threads: 4, MaxTasks: 32, SpinBudget: 1 << 16})
	t.Cleanup(e.Close)
	return e
}

func TestSubmitSync(t *testing.T) {
	e := newTestEngine(t)
	var mu sync.Mutex
	var order []int
	e.Lock()
	for i := 0; i < 10; i++ {
		id := i
		e.Submit(id, func() {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
		})
	}
	e.Unlock()
	e.Sync(9)
	mu.Lock()
	defer mu.Unlock()
	for i, id := range order {
		if id != i {
			t.Fatalf("order[%d] = %d", i, id)
		}
	}
}

func TestSubmitForward(t *testing.T) {
	e := newTestEngine(t)
	const dim = 128
	eye := make([]float32, dim*dim)
	for i := 0; i < dim; i++ {
		eye[i*dim+i] = 1
	}
	raw := make([]byte, dtype.F32.RowBytes(dim*dim))
	dtype.FromFloat32(dtype.F32, raw, eye)

	cfg := moe.Config{
		ExpertNum:        1,
		RoutedExpertNum:  1,
		HiddenSize:       dim,
		IntermediateSize: dim,
		GroupMinLen:      2,
		GroupMaxLen:      4,
		HiddenType:       dtype.F32,
		GateType:         dtype.F32,
		UpType:           dtype.F32,
		DownType:         dtype.F32,
		GateProj:         raw,
		UpProj:           raw,
		DownProj:         raw,
	}
	m, err := moe.New(cfg, e.Pool())
	if err != nil {
		t.Fatal(err)
	}
	defer m.Free()

	e.SubmitWarmUp(0, m)
	e.Sync(0)

	input := make([]byte, dtype.F32.RowBytes(dim))
	output := make([]byte, dtype.F32.RowBytes(dim))
	in := dtype.F32View(input)
	for i := range in {
		in[i] = float32(i + 1)
	}
	e.SubmitForward(1, m, 1, 1, []uint64{0}, []float32{1}, input, output)
	e.Sync(1)

	out := dtype.F32View(output)
	for i := range out {
		x := float64(in[i])
		want := x / (1 + math.Exp(-x)) * x
		if math.Abs(float64(out[i])-want) > 1e-5*math.Abs(want)+1e-5 {
			t.Fatalf("element %d: got %g want %g", i, out[i], want)
		}
	}

	// Gather the only expert and byte-compare against construction input.
	g := make([]byte, len(raw))
	u := make([]byte, len(raw))
	d := make([]byte, len(raw))
	e.SubmitGetWeight(2, m, 0, g, u, d)
	e.Sync(2)
	for i := range raw {
		if g[i] != raw[i] || u[i] != raw[i] || d[i] != raw[i] {
			t.Fatalf("gathered weights differ at byte %d", i)
		}
	}
}
