// Package sgemm is the tiled matrix-multiply micro-kernel library of the
// compute core. It computes C = Aᵀ·B with column-major FP32 output over the
// closed set of element-format pairs the MoE layer produces. Work is only
// performed when a hand-written kernel exists for the format pair; callers
// learn through the return status whether to re-pack B or give up.
package sgemm

import (
	"fmt"

	"github.com/halcyonlabs/moecore/internal/dtype"
)

// Status reports whether a kernel serviced the multiply.
type Status int

const (
	// Done means C holds the product.
	Done Status = iota
	// WantQuantization asks the caller to re-pack B into A's vec-dot
	// format and retry.
	WantQuantization
	// NotSupported means no kernel exists for the format pair.
	NotSupported
)

func (s Status) String() string {
	switch s {
	case Done:
		return "done"
	case WantQuantization:
		return "want-quantization"
	default:
		return "not-supported"
	}
}

// Multiply computes C[0..m, 0..n] = A[0..m, 0..k]ᵀ · B[0..n, 0..k].
//
// A and B are stored as rows of the transposed view: row r of A starts at
// byte offset r*lda*blockBytes(atype), and lda, ldb and k are counted in
// blocks of the respective format (elements for the float formats). C is
// FP32 column-major with stride ldc. The thread pair (ith, nth) selects this
// caller's contiguous share of output tiles.
//
// scales and biasM belong to the F8-E4M3 path: scales is the row-major
// FP32 tile-scale matrix for the addressed row slab, already offset so its
// first row covers A's first row, and biasM is A's row offset within the
// weight matrix (used to locate 128-row scale-block boundaries).
func Multiply(m, n, k int, a []byte, lda int, atype dtype.Type,
	b []byte, ldb int, btype dtype.Type,
	c []float32, ldc int, ith, nth int,
	scales []float32, biasM int) Status {

	if m < 0 || n < 0 || k < 0 || lda < k || ldb < k || ldc < m {
		panic(fmt.Sprintf("sgemm: bad shape m=%d n=%d k=%d lda=%d ldb=%d ldc=%d", m, n, k, lda, ldb, ldc))
	}
	if nth <= 0 || ith >= nth {
		panic(fmt.Sprintf("sgemm: bad thread pair ith=%d nth=%d", ith, nth))
	}
	if m == 0 || n == 0 {
		return Done
	}

	switch atype {
	case dtype.F32:
		if btype != dtype.F32 {
			return NotSupported
		}
		g := &gemmF32{
			k: k, lda: lda, ldb: ldb, ldc: ldc, ith: ith, nth: nth,
			a: dtype.F32View(a), b: dtype.F32View(b), c: c,
		}
		mnpack(0, m, 0, n, floatTile, g.tile)
		return Done

	case dtype.BF16:
		if btype == dtype.F32 && n < 2 {
			g := newHalfKernel(k, lda, ldb, ldc, ith, nth, a, dtype.BF16ToF32, nil, dtype.F32View(b), c)
			mnpack(0, m, 0, n, floatTile, g.tile)
			return Done
		}
		if btype == dtype.F32 {
			return WantQuantization
		}
		if btype != dtype.BF16 {
			return NotSupported
		}
		g := newHalfKernel(k, lda, ldb, ldc, ith, nth, a, dtype.BF16ToF32, dtype.U16View(b), nil, c)
		g.bconv = dtype.BF16ToF32
		mnpack(0, m, 0, n, floatTile, g.tile)
		return Done

	case dtype.F16:
		if btype == dtype.F32 {
			g := newHalfKernel(k, lda, ldb, ldc, ith, nth, a, dtype.FP16ToF32, nil, dtype.F32View(b), c)
			mnpack(0, m, 0, n, floatTile, g.tile)
			return Done
		}
		if btype != dtype.F16 {
			return NotSupported
		}
		g := newHalfKernel(k, lda, ldb, ldc, ith, nth, a, dtype.FP16ToF32, dtype.U16View(b), nil, c)
		g.bconv = dtype.FP16ToF32
		mnpack(0, m, 0, n, floatTile, g.tile)
		return Done

	case dtype.F8E4M3:
		if btype != dtype.BF16 {
			return NotSupported
		}
		if scales == nil {
			panic("sgemm: f8_e4m3 multiply without block scales")
		}
		g := &gemmF8{
			k: k, lda: lda, ldb: ldb, ldc: ldc, ith: ith, nth: nth,
			a: a, b: dtype.U16View(b), c: c,
			scales: scales, biasM: biasM, lastOff: biasM % dtype.F8ScaleBlock,
		}
		g.run(m, n)
		return Done

	case dtype.Q8_0:
		if btype == dtype.F32 {
			return WantQuantization
		}
		if btype != dtype.Q8_0 {
			return NotSupported
		}
		g := &gemmQuant{
			k: k, lda: lda, ldb: ldb, ldc: ldc, ith: ith, nth: nth,
			a: a, b: b, c: c, aBlockBytes: dtype.Q8_0.BlockBytes(), fourBit: false,
		}
		mnpack(0, m, 0, n, quantTile, g.tile)
		return Done

	case dtype.Q4_0:
		if btype == dtype.F32 {
			return WantQuantization
		}
		if btype != dtype.Q8_0 {
			return NotSupported
		}
		g := &gemmQuant{
			k: k, lda: lda, ldb: ldb, ldc: ldc, ith: ith, nth: nth,
			a: a, b: b, c: c, aBlockBytes: dtype.Q4_0.BlockBytes(), fourBit: true,
		}
		mnpack(0, m, 0, n, quantTile, g.tile)
		return Done
	}
	return NotSupported
}
