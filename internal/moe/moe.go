// Package moe executes the feed-forward Mixture-of-Experts block on the
// worker pool: per-token expert dispatch over quantized weight matrices,
// the fused gate/up/SiLU stage, and the weighted reduction of down outputs.
package moe

import (
	"fmt"
	"math"

	"github.com/halcyonlabs/moecore/internal/backend"
	"github.com/halcyonlabs/moecore/internal/dtype"
	"github.com/halcyonlabs/moecore/internal/sgemm"
	"github.com/halcyonlabs/moecore/internal/trace"
)

// Config describes one MoE layer. Weight buffers hold expert_num row-major
// matrices back to back: gate and up are [intermediate, hidden] per expert,
// down is [hidden, intermediate]. The scale buffers apply only to F8-E4M3
// weights, one FP32 per 128x128 tile.
type Config struct {
	ExpertNum        int
	RoutedExpertNum  int
	HiddenSize       int
	IntermediateSize int
	GroupMinLen      int
	GroupMaxLen      int

	HiddenType dtype.Type
	GateType   dtype.Type
	UpType     dtype.Type
	DownType   dtype.Type

	GateProj []byte
	UpProj   []byte
	DownProj []byte

	GateScale []float32
	UpScale   []float32
	DownScale []float32
}

// MoE owns one layer's weights (optionally sharded across NUMA nodes) and
// the scratch both forward paths reuse across calls.
type MoE struct {
	cfg  Config
	pool *backend.Pool

	gate weightSet
	up   weightSet
	down weightSet

	// Single-token scratch.
	sInputFP32  []float32
	sGateInput  []byte
	sGateOutput [][]float32
	sUpOutput   [][]float32
	sIntermFP32 [][]float32
	sDownInput  [][]byte
	sDownOutput [][]float32
	sOutputFP32 []float32

	// Batched scratch: per-token conversion rows plus flat per-expert
	// queues addressed through base offsets computed per batch.
	mInputFP32       [][]float32
	mGateInput       [][]byte
	mUpInput         [][]byte
	mLocalGateInput  []byte
	mLocalUpInput    []byte
	mLocalGateOutput []float32
	mLocalUpOutput   []float32
	mLocalIntermFP32 []float32
	mLocalDownInput  []byte
	mLocalDownOutput []float32
	mOutputFP32      [][]float32

	mLocalPos [][]int
	mLocalNum []int
	mBase     []int
}

// New validates the configuration, shards weights when the pool runs in
// NUMA mode, and allocates all scratch out of the shared buffer.
func New(cfg Config, pool *backend.Pool) (*MoE, error) {
	if cfg.HiddenSize <= 0 || cfg.HiddenSize%128 != 0 {
		return nil, fmt.Errorf("moe: hidden_size %d not a positive multiple of 128", cfg.HiddenSize)
	}
	if cfg.IntermediateSize <= 0 || cfg.IntermediateSize%128 != 0 {
		return nil, fmt.Errorf("moe: intermediate_size %d not a positive multiple of 128", cfg.IntermediateSize)
	}
	if cfg.RoutedExpertNum < 1 || cfg.ExpertNum < cfg.RoutedExpertNum {
		return nil, fmt.Errorf("moe: expert_num %d must cover routed_expert_num %d >= 1", cfg.ExpertNum, cfg.RoutedExpertNum)
	}
	if cfg.RoutedExpertNum > backend.MaxGroupExperts {
		return nil, fmt.Errorf("moe: routed_expert_num %d exceeds the %d-group barrier", cfg.RoutedExpertNum, backend.MaxGroupExperts)
	}
	if cfg.GroupMaxLen < cfg.GroupMinLen || cfg.GroupMinLen < 1 {
		return nil, fmt.Errorf("moe: bad group window [%d, %d]", cfg.GroupMinLen, cfg.GroupMaxLen)
	}
	if pool.Threads() < cfg.RoutedExpertNum {
		return nil, fmt.Errorf("moe: %d threads cannot host %d expert groups", pool.Threads(), cfg.RoutedExpertNum)
	}
	if pool.Threads() > backend.MaxStripes*cfg.RoutedExpertNum {
		return nil, fmt.Errorf("moe: %d threads exceed the stripe barrier capacity", pool.Threads())
	}
	for _, p := range []struct {
		t dtype.Type
		s []float32
		n string
	}{
		{cfg.GateType, cfg.GateScale, "gate"},
		{cfg.UpType, cfg.UpScale, "up"},
		{cfg.DownType, cfg.DownScale, "down"},
	} {
		if p.t == dtype.F8E4M3 && p.s == nil {
			return nil, fmt.Errorf("moe: %s weights are f8_e4m3 but carry no block scales", p.n)
		}
	}
	if nodes := pool.NUMANodes(); nodes > 1 {
		if pool.Threads()%(nodes*cfg.RoutedExpertNum) != 0 {
			return nil, fmt.Errorf("moe: thread count %d not divisible by nodes*k = %d", pool.Threads(), nodes*cfg.RoutedExpertNum)
		}
		if cfg.IntermediateSize%(128*nodes) != 0 || cfg.HiddenSize%(128*nodes) != 0 {
			return nil, fmt.Errorf("moe: dims do not split across %d nodes on scale boundaries", nodes)
		}
	}

	m := &MoE{cfg: cfg, pool: pool}
	m.gate = newWeightSet(pool, cfg.GateProj, cfg.GateScale, cfg.GateType, cfg.IntermediateSize, cfg.HiddenSize, cfg.ExpertNum)
	m.up = newWeightSet(pool, cfg.UpProj, cfg.UpScale, cfg.UpType, cfg.IntermediateSize, cfg.HiddenSize, cfg.ExpertNum)
	m.down = newWeightSet(pool, cfg.DownProj, cfg.DownScale, cfg.DownType, cfg.HiddenSize, cfg.IntermediateSize, cfg.ExpertNum)

	m.allocScratch()
	return m, nil
}

// Free returns the scratch to the shared buffer. The MoE must not be used
// afterwards.
func (m *MoE) Free() {
	backend.SharedScratch.Dealloc(m)
}

// Config returns the layer configuration.
func (m *MoE) Config() Config { return m.cfg }

type scratchPlan struct {
	reqs []backend.BufferRequest
}

func (p *scratchPlan) bytes(size int) *[]byte {
	dst := new([]byte)
	p.reqs = append(p.reqs, backend.BufferRequest{Dst: dst, Size: size})
	return dst
}

func (p *scratchPlan) f32(n int) *[]byte { return p.bytes(4 * n) }

func (m *MoE) allocScratch() {
	cfg := &m.cfg
	k := cfg.RoutedExpertNum
	gateVD := cfg.GateType.VecDotType()
	upVD := cfg.UpType.VecDotType()
	downVD := cfg.DownType.VecDotType()
	qmax := cfg.GroupMaxLen

	var p scratchPlan

	sInput := p.f32(cfg.HiddenSize)
	sGateIn := p.bytes(gateVD.RowBytes(cfg.HiddenSize))
	sGateOut := make([]*[]byte, k)
	sUpOut := make([]*[]byte, k)
	sInterm := make([]*[]byte, k)
	sDownIn := make([]*[]byte, k)
	sDownOut := make([]*[]byte, k)
	for i := 0; i < k; i++ {
		sGateOut[i] = p.f32(cfg.IntermediateSize)
		sUpOut[i] = p.f32(cfg.IntermediateSize)
		sInterm[i] = p.f32(cfg.IntermediateSize)
		sDownIn[i] = p.bytes(downVD.RowBytes(cfg.IntermediateSize))
		sDownOut[i] = p.f32(cfg.HiddenSize)
	}
	sOutput := p.f32(cfg.HiddenSize)

	mInput := make([]*[]byte, qmax)
	mGateIn := make([]*[]byte, qmax)
	mUpIn := make([]*[]byte, qmax)
	for i := 0; i < qmax; i++ {
		mInput[i] = p.f32(cfg.HiddenSize)
		mGateIn[i] = p.bytes(gateVD.RowBytes(cfg.HiddenSize))
		mUpIn[i] = p.bytes(upVD.RowBytes(cfg.HiddenSize))
	}
	slots := k * qmax
	mlGateIn := p.bytes(slots * gateVD.RowBytes(cfg.HiddenSize))
	mlUpIn := p.bytes(slots * upVD.RowBytes(cfg.HiddenSize))
	mlGateOut := p.f32(slots * cfg.IntermediateSize)
	mlUpOut := p.f32(slots * cfg.IntermediateSize)
	mlInterm := p.f32(slots * cfg.IntermediateSize)
	mlDownIn := p.bytes(slots * downVD.RowBytes(cfg.IntermediateSize))
	mlDownOut := p.f32(slots * cfg.HiddenSize)
	mOutput := make([]*[]byte, qmax)
	for i := 0; i < qmax; i++ {
		mOutput[i] = p.f32(cfg.HiddenSize)
	}

	backend.SharedScratch.Alloc(m, p.reqs)

	m.sInputFP32 = dtype.F32View(*sInput)
	m.sGateInput = *sGateIn
	m.sGateOutput = make([][]float32, k)
	m.sUpOutput = make([][]float32, k)
	m.sIntermFP32 = make([][]float32, k)
	m.sDownInput = make([][]byte, k)
	m.sDownOutput = make([][]float32, k)
	for i := 0; i < k; i++ {
		m.sGateOutput[i] = dtype.F32View(*sGateOut[i])
		m.sUpOutput[i] = dtype.F32View(*sUpOut[i])
		m.sIntermFP32[i] = dtype.F32View(*sInterm[i])
		m.sDownInput[i] = *sDownIn[i]
		m.sDownOutput[i] = dtype.F32View(*sDownOut[i])
	}
	m.sOutputFP32 = dtype.F32View(*sOutput)

	m.mInputFP32 = make([][]float32, qmax)
	m.mGateInput = make([][]byte, qmax)
	m.mUpInput = make([][]byte, qmax)
	m.mOutputFP32 = make([][]float32, qmax)
	for i := 0; i < qmax; i++ {
		m.mInputFP32[i] = dtype.F32View(*mInput[i])
		m.mGateInput[i] = *mGateIn[i]
		m.mUpInput[i] = *mUpIn[i]
		m.mOutputFP32[i] = dtype.F32View(*mOutput[i])
	}
	m.mLocalGateInput = *mlGateIn
	m.mLocalUpInput = *mlUpIn
	m.mLocalGateOutput = dtype.F32View(*mlGateOut)
	m.mLocalUpOutput = dtype.F32View(*mlUpOut)
	m.mLocalIntermFP32 = dtype.F32View(*mlInterm)
	m.mLocalDownInput = *mlDownIn
	m.mLocalDownOutput = dtype.F32View(*mlDownOut)

	m.mLocalPos = make([][]int, qmax)
	for i := range m.mLocalPos {
		m.mLocalPos[i] = make([]int, k)
	}
	m.mLocalNum = make([]int, cfg.ExpertNum)
	m.mBase = make([]int, cfg.ExpertNum)
}

// getSlice splits [0, size) into nth disjoint near-equal ranges and returns
// the ith range as (count, offset).
func getSlice(size, nth, ith int) (local, bias int) {
	local = (ith+1)*size/nth - ith*size/nth
	bias = ith * size / nth
	return local, bias
}

func silu(x float32) float32 {
	return x / (1 + float32(math.Exp(-float64(x))))
}

// WarmUp pushes a zero token through every expert once, paging in weight
// spans and scratch before the first real forward.
func (m *MoE) WarmUp() {
	cfg := &m.cfg
	inputFP32 := make([]float32, cfg.HiddenSize)
	input := make([]byte, cfg.HiddenType.RowBytes(cfg.HiddenSize))
	output := make([]byte, cfg.HiddenType.RowBytes(cfg.HiddenSize))
	dtype.FromFloat32(cfg.HiddenType, input, inputFP32)
	for e := 0; e < cfg.ExpertNum; e++ {
		ids := []uint64{uint64(e)}
		weights := []float32{0}
		m.ForwardOne(1, ids, weights, input, output)
	}
}

// ForwardOne runs one token through k experts. expertIDs and weights hold k
// entries; input and output are one hidden row in the hidden format.
func (m *MoE) ForwardOne(k int, expertIDs []uint64, weights []float32, input, output []byte) {
	cfg := &m.cfg
	threads := m.pool.Threads()
	gateVD := cfg.GateType.VecDotType()
	upVD := cfg.UpType.VecDotType()
	downVD := cfg.DownType.VecDotType()

	convThreads := threads
	if convThreads > backend.MaxStripes {
		convThreads = backend.MaxStripes
	}
	inputConvStride := dtype.QKK * ((cfg.HiddenSize + convThreads*dtype.QKK - 1) / (convThreads * dtype.QKK))
	inputConvNth := (cfg.HiddenSize + inputConvStride - 1) / inputConvStride
	passthrough := cfg.HiddenType == gateVD && cfg.HiddenType == upVD

	if k < 1 || k > cfg.RoutedExpertNum {
		panic(fmt.Sprintf("moe: k=%d outside [1, %d]", k, cfg.RoutedExpertNum))
	}

	nth := threads / k
	if nth < 1 {
		nth = 1
	}
	// Stripe entries may hold 1 from the previous call; reset them before
	// any worker can observe them, or a consumer would sail through the
	// barrier against stale data.
	for i := 0; i < inputConvNth; i++ {
		m.pool.InputConvSyn[i].Store(0)
	}
	for e := 0; e < k; e++ {
		for i := 0; i < nth; i++ {
			m.pool.IntermGroupSyn[e][i].Store(0)
		}
	}
	m.pool.Run(nth*k, nil, func(taskID int) {
		gateInput := input
		upInput := input
		if !passthrough {
			if taskID < inputConvNth {
				ith := taskID
				bias := ith * inputConvStride
				m.pool.InputConvSyn[ith].Store(0)
				count := inputConvStride
				if bias+count > cfg.HiddenSize {
					count = cfg.HiddenSize - bias
				}
				src := input[cfg.HiddenType.RowBytes(bias):]
				fp32 := m.sInputFP32[bias : bias+count]
				dtype.ToFloat32(cfg.HiddenType, fp32, src)
				dst := m.sGateInput[gateVD.RowBytes(bias):]
				dtype.FromFloat32(gateVD, dst, fp32)
				m.pool.InputConvSyn[ith].Store(1)
			}
			for i := 0; i < inputConvNth; i++ {
				for m.pool.InputConvSyn[i].Load() == 0 {
				}
			}
			gateInput = m.sGateInput
			upInput = m.sGateInput
		}

		expertIdx := taskID % k
		expertID := int(expertIDs[expertIdx])
		ith := taskID / k
		m.pool.IntermGroupSyn[expertIdx][ith].Store(0)

		trace.Begin("compute", "up & gate", taskID)
		defer trace.End("compute", taskID)

		local, bias := getSlice(cfg.IntermediateSize, nth, ith)

		gateProj, gateScale := m.gate.at(expertID, bias)
		mulOrDie(local, 1, cfg.GateType.Blocks(cfg.HiddenSize),
			gateProj, cfg.GateType.Blocks(cfg.HiddenSize), cfg.GateType,
			gateInput, gateVD.Blocks(cfg.HiddenSize), gateVD,
			m.sGateOutput[expertIdx][bias:bias+local], local, 0, 1, gateScale, bias)

		upProj, upScale := m.up.at(expertID, bias)
		mulOrDie(local, 1, cfg.UpType.Blocks(cfg.HiddenSize),
			upProj, cfg.UpType.Blocks(cfg.HiddenSize), cfg.UpType,
			upInput, upVD.Blocks(cfg.HiddenSize), upVD,
			m.sUpOutput[expertIdx][bias:bias+local], local, 0, 1, upScale, bias)

		for i := bias; i < bias+local; i++ {
			m.sIntermFP32[expertIdx][i] = silu(m.sGateOutput[expertIdx][i]) * m.sUpOutput[expertIdx][i]
		}

		m.pool.IntermGroupSyn[expertIdx][ith].Store(1)
		for i := 0; i < nth; i++ {
			for m.pool.IntermGroupSyn[expertIdx][i].Load() == 0 {
			}
		}

		// One writer per expert group; the dispatch barrier publishes the
		// requantized row to the down phase.
		if ith == 0 {
			dtype.FromFloat32(downVD, m.sDownInput[expertIdx], m.sIntermFP32[expertIdx])
		}
	}, nil)

	nth = threads
	m.pool.Run(nth, nil, func(taskID int) {
		trace.Begin("compute", "down", taskID)
		defer trace.End("compute", taskID)
		local, bias := getSlice(cfg.HiddenSize, nth, taskID)
		out := m.sOutputFP32[bias : bias+local]
		clear(out)
		for e := 0; e < k; e++ {
			downProj, downScale := m.down.at(int(expertIDs[e]), bias)
			mulOrDie(local, 1, cfg.DownType.Blocks(cfg.IntermediateSize),
				downProj, cfg.DownType.Blocks(cfg.IntermediateSize), cfg.DownType,
				m.sDownInput[e], downVD.Blocks(cfg.IntermediateSize), downVD,
				m.sDownOutput[e][bias:bias+local], local, 0, 1, downScale, bias)
			for i := range out {
				out[i] += m.sDownOutput[e][bias+i] * weights[e]
			}
		}
	}, nil)

	dtype.FromFloat32(cfg.HiddenType, output, m.sOutputFP32)
}

func mulOrDie(mm, n, k int, a []byte, lda int, atype dtype.Type,
	b []byte, ldb int, btype dtype.Type,
	c []float32, ldc, ith, nth int, scales []float32, biasM int) {
	st := sgemm.Multiply(mm, n, k, a, lda, atype, b, ldb, btype, c, ldc, ith, nth, scales, biasM)
	if st != sgemm.Done {
		panic(fmt.Sprintf("moe: sgemm %s for %s x %s", st, atype, btype))
	}
}

// Forward routes qlen tokens: short batches go token by token through
// ForwardOne, longer ones through ForwardMany in group_max_len chunks.
func (m *MoE) Forward(qlen, k int, expertIDs []uint64, weights []float32, input, output []byte) {
	cfg := &m.cfg
	if qlen <= 0 {
		return
	}
	rowBytes := cfg.HiddenType.RowBytes(cfg.HiddenSize)
	if qlen < cfg.GroupMinLen {
		for i := 0; i < qlen; i++ {
			m.ForwardOne(k, expertIDs[i*k:(i+1)*k], weights[i*k:(i+1)*k],
				input[i*rowBytes:(i+1)*rowBytes], output[i*rowBytes:(i+1)*rowBytes])
		}
		return
	}
	chunk := qlen
	if chunk > cfg.GroupMaxLen {
		chunk = cfg.GroupMaxLen
	}
	m.ForwardMany(chunk, k, expertIDs, weights, input, output)
	m.Forward(qlen-chunk, k, expertIDs[chunk*k:], weights[chunk*k:],
		input[chunk*rowBytes:], output[chunk*rowBytes:])
}

// ForwardMany runs a grouped batch of qlen tokens, packing each expert's
// assigned rows into contiguous queues so the projections run as GEMMs.
func (m *MoE) ForwardMany(qlen, k int, expertIDs []uint64, weights []float32, input, output []byte) {
	cfg := &m.cfg
	gateVD := cfg.GateType.VecDotType()
	upVD := cfg.UpType.VecDotType()
	downVD := cfg.DownType.VecDotType()
	hidRow := cfg.HiddenType.RowBytes(cfg.HiddenSize)
	gateRow := gateVD.RowBytes(cfg.HiddenSize)
	upRow := upVD.RowBytes(cfg.HiddenSize)
	downRow := downVD.RowBytes(cfg.IntermediateSize)

	// Bucket build: count each expert's rows and remember where every
	// (token, slot) pair lands inside its expert's queue.
	for e := range m.mLocalNum {
		m.mLocalNum[e] = 0
	}
	for i := 0; i < qlen; i++ {
		for j := 0; j < k; j++ {
			e := expertIDs[i*k+j]
			m.mLocalPos[i][j] = m.mLocalNum[e]
			m.mLocalNum[e]++
		}
	}
	offset := 0
	for e := 0; e < cfg.ExpertNum; e++ {
		m.mBase[e] = offset
		offset += m.mLocalNum[e]
	}

	// Token pack.
	m.pool.Run(qlen, nil, func(i int) {
		gateInput := input[i*hidRow : (i+1)*hidRow]
		upInput := gateInput
		if !(cfg.HiddenType == gateVD && cfg.HiddenType == upVD) {
			dtype.ToFloat32(cfg.HiddenType, m.mInputFP32[i], input[i*hidRow:])
			if gateVD == upVD {
				dtype.FromFloat32(gateVD, m.mGateInput[i], m.mInputFP32[i])
				gateInput = m.mGateInput[i]
				upInput = m.mGateInput[i]
			} else {
				if cfg.HiddenType != gateVD {
					dtype.FromFloat32(gateVD, m.mGateInput[i], m.mInputFP32[i])
					gateInput = m.mGateInput[i]
				}
				if cfg.HiddenType != upVD {
					dtype.FromFloat32(upVD, m.mUpInput[i], m.mInputFP32[i])
					upInput = m.mUpInput[i]
				}
			}
		}
		for j := 0; j < k; j++ {
			e := expertIDs[i*k+j]
			slot := m.mBase[e] + m.mLocalPos[i][j]
			copy(m.mLocalGateInput[slot*gateRow:(slot+1)*gateRow], gateInput)
			copy(m.mLocalUpInput[slot*upRow:(slot+1)*upRow], upInput)
		}
	}, nil)

	nth := m.pool.Threads()

	// Gate + up + activation, striped over the intermediate dimension.
	m.pool.Run(nth, nil, func(ith int) {
		local, bias := getSlice(cfg.IntermediateSize, nth, ith)
		for e := 0; e < cfg.ExpertNum; e++ {
			num := m.mLocalNum[e]
			if num == 0 {
				continue
			}
			base := m.mBase[e]
			gateProj, gateScale := m.gate.at(e, bias)
			mulOrDie(local, num, cfg.GateType.Blocks(cfg.HiddenSize),
				gateProj, cfg.GateType.Blocks(cfg.HiddenSize), cfg.GateType,
				m.mLocalGateInput[base*gateRow:], gateVD.Blocks(cfg.HiddenSize), gateVD,
				m.mLocalGateOutput[base*cfg.IntermediateSize+bias:], cfg.IntermediateSize,
				0, 1, gateScale, bias)

			upProj, upScale := m.up.at(e, bias)
			mulOrDie(local, num, cfg.UpType.Blocks(cfg.HiddenSize),
				upProj, cfg.UpType.Blocks(cfg.HiddenSize), cfg.UpType,
				m.mLocalUpInput[base*upRow:], upVD.Blocks(cfg.HiddenSize), upVD,
				m.mLocalUpOutput[base*cfg.IntermediateSize+bias:], cfg.IntermediateSize,
				0, 1, upScale, bias)

			for i := 0; i < num; i++ {
				row := (base + i) * cfg.IntermediateSize
				for j := bias; j < bias+local; j++ {
					m.mLocalIntermFP32[row+j] = silu(m.mLocalGateOutput[row+j]) * m.mLocalUpOutput[row+j]
				}
			}
		}
	}, nil)

	// Requantize, striped over experts.
	m.pool.Run(nth, nil, func(ith int) {
		count, bias := getSlice(cfg.ExpertNum, nth, ith)
		for e := bias; e < bias+count; e++ {
			for i := 0; i < m.mLocalNum[e]; i++ {
				slot := m.mBase[e] + i
				src := m.mLocalIntermFP32[slot*cfg.IntermediateSize : (slot+1)*cfg.IntermediateSize]
				dst := m.mLocalDownInput[slot*downRow : (slot+1)*downRow]
				dtype.FromFloat32(downVD, dst, src)
			}
		}
	}, nil)

	// Down projection, striped over the hidden dimension.
	m.pool.Run(nth, nil, func(ith int) {
		local, bias := getSlice(cfg.HiddenSize, nth, ith)
		for e := 0; e < cfg.ExpertNum; e++ {
			num := m.mLocalNum[e]
			if num == 0 {
				continue
			}
			base := m.mBase[e]
			downProj, downScale := m.down.at(e, bias)
			mulOrDie(local, num, cfg.DownType.Blocks(cfg.IntermediateSize),
				downProj, cfg.DownType.Blocks(cfg.IntermediateSize), cfg.DownType,
				m.mLocalDownInput[base*downRow:], downVD.Blocks(cfg.IntermediateSize), downVD,
				m.mLocalDownOutput[base*cfg.HiddenSize+bias:], cfg.HiddenSize,
				0, 1, downScale, bias)
		}
	}, nil)

	// Scatter-reduce back to token order.
	m.pool.Run(qlen, nil, func(i int) {
		out := m.mOutputFP32[i]
		clear(out)
		for j := 0; j < k; j++ {
			e := expertIDs[i*k+j]
			slot := m.mBase[e] + m.mLocalPos[i][j]
			src := m.mLocalDownOutput[slot*cfg.HiddenSize : (slot+1)*cfg.HiddenSize]
			w := weights[i*k+j]
			for h := range out {
				out[h] += src[h] * w
			}
		}
		dtype.FromFloat32(cfg.HiddenType, output[i*hidRow:(i+1)*hidRow], out)
	}, nil)
}
