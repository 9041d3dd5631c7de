package moe

import (
	"sync"

	"github.com/halcyonlabs/moecore/internal/backend"
	"github.com/halcyonlabs/moecore/internal/dtype"
)

// weightSet holds one projection matrix for every expert, either as the
// caller's flat buffer or as per-node shards splitting the strided
// dimension into equal row slabs. FP8 tile scales stay unsharded and are
// always addressed by global row offset.
type weightSet struct {
	typ        dtype.Type
	strided    int // rows per expert
	nonStrided int // columns per expert
	experts    int
	flat       []byte
	shards     [][]byte
	scales     []float32
}

func newWeightSet(pool *backend.Pool, src []byte, scales []float32, t dtype.Type, strided, nonStrided, experts int) weightSet {
	w := weightSet{
		typ:        t,
		strided:    strided,
		nonStrided: nonStrided,
		experts:    experts,
		scales:     scales,
	}
	nodes := pool.NUMANodes()
	if nodes <= 1 {
		w.flat = src
		return w
	}
	w.shards = numaSplit(nodes, src, strided, nonStrided, t, experts)
	return w
}

// numaSplit copies the flat weight buffer into per-node shards, node s
// receiving rows [s*strided/nodes, (s+1)*strided/nodes) of every expert.
// The source is no longer referenced afterwards.
func numaSplit(nodes int, src []byte, strided, nonStrided int, t dtype.Type, experts int) [][]byte {
	rowBytes := t.RowBytes(nonStrided)
	slab := strided / nodes
	shardBytes := slab * rowBytes * experts

	dst := make([][]byte, nodes)
	var wg sync.WaitGroup
	for node := 0; node < nodes; node++ {
		dst[node] = make([]byte, shardBytes)
		wg.Add(1)
		go func(node int) {
			defer wg.Done()
			for e := 0; e < experts; e++ {
				srcOff := (e*strided + node*slab) * rowBytes
				dstOff := e * slab * rowBytes
				copy(dst[node][dstOff:dstOff+slab*rowBytes], src[srcOff:])
			}
		}(node)
	}
	wg.Wait()
	return dst
}

// at resolves expert e's rows starting at row offset bias, together with
// the matching FP8 scale slice when the format carries one. bias never
// crosses a shard boundary: dispatch slices align to strided/nodes.
func (w *weightSet) at(e, bias int) ([]byte, []float32) {
	rowBytes := w.typ.RowBytes(w.nonStrided)
	var data []byte
	if w.shards == nil {
		data = w.flat[(e*w.strided+bias)*rowBytes:]
	} else {
		slab := w.strided / len(w.shards)
		node := bias / slab
		data = w.shards[node][(e*slab+bias%slab)*rowBytes:]
	}
	var scales []float32
	if w.typ == dtype.F8E4M3 {
		sStride := w.nonStrided / dtype.F8ScaleBlock
		scales = w.scales[(e*w.strided/dtype.F8ScaleBlock+bias/dtype.F8ScaleBlock)*sStride:]
	}
	return data, scales
}

// gather copies expert e's rows out of the shards (or the flat buffer) into
// dst in original row order, parallelized across the pool.
func (w *weightSet) gather(pool *backend.Pool, e int, dst []byte) {
	rowBytes := w.typ.RowBytes(w.nonStrided)
	expertBytes := w.strided * rowBytes
	nth := pool.Threads()

	if w.shards == nil {
		src := w.flat[e*expertBytes : (e+1)*expertBytes]
		pool.Run(nth, nil, func(ith int) {
			local, bias := getSlice(expertBytes, nth, ith)
			copy(dst[bias:bias+local], src[bias:bias+local])
		}, nil)
		return
	}

	nodes := len(w.shards)
	slab := w.strided / nodes
	slabBytes := slab * rowBytes
	nthOnNode := nth / nodes
	pool.Run(nth, nil, func(ith int) {
		node := ith * nodes / nth
		ithOnNode := ith % nthOnNode
		local, bias := getSlice(slabBytes, nthOnNode, ithOnNode)
		src := w.shards[node][e*slabBytes:]
		copy(dst[node*slabBytes+bias:node*slabBytes+bias+local], src[bias:bias+local])
	}, nil)
}

// GetWeight reassembles expert e's three projection matrices into the
// destinations in un-sharded order.
func (m *MoE) GetWeight(e int, gateDst, upDst, downDst []byte) {
	m.gate.gather(m.pool, e, gateDst)
	m.up.gather(m.pool, e, upDst)
	m.down.gather(m.pool, e, downDst)
}
