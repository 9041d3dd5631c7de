// Package bench builds synthetic MoE layers and measures forward
// throughput. The CLI and the control service both run it.
package bench

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/halcyonlabs/moecore/internal/backend"
	"github.com/halcyonlabs/moecore/internal/dtype"
	"github.com/halcyonlabs/moecore/internal/moe"
)

// Spec sizes the synthetic layer and the workload.
type Spec struct {
	Experts      int        `json:"experts" yaml:"experts"`
	K            int        `json:"k" yaml:"k"`
	Hidden       int        `json:"hidden" yaml:"hidden"`
	Intermediate int        `json:"intermediate" yaml:"intermediate"`
	QLen         int        `json:"qlen" yaml:"qlen"`
	Iters        int        `json:"iters" yaml:"iters"`
	WeightType   dtype.Type `json:"-" yaml:"-"`
	Seed         int64      `json:"seed" yaml:"seed"`
}

// DefaultSpec is a laptop-sized layer: big enough to exercise every phase,
// small enough to finish in seconds.
func DefaultSpec() Spec {
	return Spec{
		Experts:      8,
		K:            2,
		Hidden:       512,
		Intermediate: 1024,
		QLen:         8,
		Iters:        16,
		WeightType:   dtype.F32,
		Seed:         1,
	}
}

// Report is the benchmark result.
type Report struct {
	Spec        Spec    `json:"spec"`
	Threads     int     `json:"threads"`
	WarmUpMS    float64 `json:"warm_up_ms"`
	TotalMS     float64 `json:"total_ms"`
	TokensPerS  float64 `json:"tokens_per_s"`
	ForwardCall int     `json:"forward_calls"`
}

// Run constructs the synthetic layer on pool and measures spec.Iters
// forward passes.
func Run(pool *backend.Pool, spec Spec) (*Report, error) {
	if spec.Experts < spec.K || spec.K < 1 {
		return nil, fmt.Errorf("bench: bad expert selection %d of %d", spec.K, spec.Experts)
	}
	rng := rand.New(rand.NewSource(spec.Seed))

	wt := spec.WeightType
	gate := randomWeights(rng, wt, spec.Experts*spec.Intermediate*spec.Hidden)
	up := randomWeights(rng, wt, spec.Experts*spec.Intermediate*spec.Hidden)
	down := randomWeights(rng, wt, spec.Experts*spec.Hidden*spec.Intermediate)

	cfg := moe.Config{
		ExpertNum:        spec.Experts,
		RoutedExpertNum:  spec.K,
		HiddenSize:       spec.Hidden,
		IntermediateSize: spec.Intermediate,
		GroupMinLen:      2,
		GroupMaxLen:      max(spec.QLen, 2),
		HiddenType:       dtype.F32,
		GateType:         wt,
		UpType:           wt,
		DownType:         wt,
		GateProj:         gate,
		UpProj:           up,
		DownProj:         down,
	}
	m, err := moe.New(cfg, pool)
	if err != nil {
		return nil, err
	}
	defer m.Free()

	warmStart := time.Now()
	m.WarmUp()
	warmMS := float64(time.Since(warmStart).Microseconds()) / 1000

	ids := make([]uint64, spec.QLen*spec.K)
	weights := make([]float32, spec.QLen*spec.K)
	for i := 0; i < spec.QLen; i++ {
		for j := 0; j < spec.K; j++ {
			ids[i*spec.K+j] = uint64((i + j) % spec.Experts)
			weights[i*spec.K+j] = 1 / float32(spec.K)
		}
	}
	input := make([]byte, dtype.F32.RowBytes(spec.QLen*spec.Hidden))
	output := make([]byte, dtype.F32.RowBytes(spec.QLen*spec.Hidden))
	in := dtype.F32View(input)
	for i := range in {
		in[i] = rng.Float32()*2 - 1
	}

	start := time.Now()
	for it := 0; it < spec.Iters; it++ {
		m.Forward(spec.QLen, spec.K, ids, weights, input, output)
	}
	totalMS := float64(time.Since(start).Microseconds()) / 1000

	return &Report{
		Spec:        spec,
		Threads:     pool.Threads(),
		WarmUpMS:    warmMS,
		TotalMS:     totalMS,
		TokensPerS:  float64(spec.QLen*spec.Iters) / (totalMS / 1000),
		ForwardCall: spec.Iters,
	}, nil
}

func randomWeights(rng *rand.Rand, t dtype.Type, elems int) []byte {
	f := make([]float32, elems)
	for i := range f {
		f[i] = (rng.Float32()*2 - 1) * 0.05
	}
	raw := make([]byte, t.RowBytes(elems))
	dtype.FromFloat32(t, raw, f)
	return raw
}
