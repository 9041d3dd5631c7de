package sgemm

import (
	"simd/archsimd"

	"github.com/halcyonlabs/moecore/internal/dtype"
)

const (
	maxTileM = 5
	maxTileN = 5
)

// cpu holds the capabilities probed once at init; the float kernels pick
// their eight-wide path off it.
var cpu = struct {
	HasAVX2 bool
}{
	HasAVX2: archsimd.X86.AVX2(),
}

// tilePicker selects the micro-kernel shape for a residue of
// (m-m0, n-n0). The preferred shape shrinks as the residue shrinks.
type tilePicker func(dm, dn int) (mc, nc int)

// floatTile is the 32-vector-register shape ladder for the float kernels.
func floatTile(dm, dn int) (int, int) {
	switch {
	case dm >= 5 && dn >= 5:
		return 5, 5
	case dm >= 2 && dn >= 2:
		return 2, 2
	case dm >= 2:
		return 2, 1
	case dn >= 2:
		return 1, 2
	default:
		return 1, 1
	}
}

// quantTile is the shape ladder for the block-quantized kernels, whose
// micro-kernel holds scale registers besides the accumulators.
func quantTile(dm, dn int) (int, int) {
	switch {
	case dm >= 3 && dn >= 3:
		return 3, 3
	case dm >= 2 && dn >= 2:
		return 2, 2
	case dm >= 2:
		return 2, 1
	case dn >= 2:
		return 1, 2
	default:
		return 1, 1
	}
}

// mnpack walks the output rectangle: process one block at the preferred
// tile shape, then recurse on the row and column remainders with
// progressively smaller tiles until the rectangle is exhausted.
func mnpack(m0, m, n0, n int, pick tilePicker, tile func(mc, nc, m0, m, n0, n int)) {
	if m-m0 <= 0 || n-n0 <= 0 {
		return
	}
	mc, nc := pick(m-m0, n-n0)
	tile(mc, nc, m0, m, n0, n)
	mp := m0 + (m-m0)/mc*mc
	np := n0 + (n-n0)/nc*nc
	mnpack(mp, m, n0, np, pick, tile)
	mnpack(m0, m, np, n, pick, tile)
}

// tileSpan computes this thread's contiguous range of jobs over the tile
// grid. Tiles are ordered row-major over (ytiles, xtiles).
func tileSpan(mc, nc, m0, m, n0, n, ith, nth int) (xtiles, start, end int) {
	ytiles := 1
	if mc > 1 {
		ytiles = (m - m0) / mc
	}
	xtiles = 1
	if nc > 1 {
		xtiles = (n - n0) / nc
	}
	tiles := xtiles * ytiles
	duty := (tiles + nth - 1) / nth
	start = duty * ith
	end = start + duty
	if end > tiles {
		end = tiles
	}
	return xtiles, start, end
}

type gemmF32 struct {
	k, lda, ldb, ldc, ith, nth int
	a, b, c                    []float32
}

func (g *gemmF32) tile(mc, nc, m0, m, n0, n int) {
	xtiles, start, end := tileSpan(mc, nc, m0, m, n0, n, g.ith, g.nth)
	for job := start; job < end; job++ {
		ii := m0 + job/xtiles*mc
		jj := n0 + job%xtiles*nc
		if cpu.HasAVX2 && !precise && g.k >= 8 {
			g.microSIMD(mc, nc, ii, jj)
		} else {
			g.micro(mc, nc, ii, jj)
		}
	}
}

func (g *gemmF32) micro(mc, nc, ii, jj int) {
	var cv, ce [maxTileN][maxTileM]float32
	for l := 0; l < g.k; l++ {
		for j := 0; j < nc; j++ {
			bv := g.b[(jj+j)*g.ldb+l]
			for i := 0; i < mc; i++ {
				av := g.a[(ii+i)*g.lda+l]
				if precise {
					y := av*bv - ce[j][i]
					t := cv[j][i] + y
					ce[j][i] = (t - cv[j][i]) - y
					cv[j][i] = t
				} else {
					cv[j][i] += av * bv
				}
			}
		}
	}
	for j := 0; j < nc; j++ {
		for i := 0; i < mc; i++ {
			g.c[(jj+j)*g.ldc+ii+i] = cv[j][i]
		}
	}
}

func (g *gemmF32) microSIMD(mc, nc, ii, jj int) {
	var acc [maxTileN][maxTileM]archsimd.Float32x8
	l := 0
	for ; l+8 <= g.k; l += 8 {
		for j := 0; j < nc; j++ {
			vb := archsimd.LoadFloat32x8Slice(g.b[(jj+j)*g.ldb+l:])
			for i := 0; i < mc; i++ {
				va := archsimd.LoadFloat32x8Slice(g.a[(ii+i)*g.lda+l:])
				acc[j][i] = va.MulAdd(vb, acc[j][i])
			}
		}
	}
	var tail [maxTileN][maxTileM]float32
	for ; l < g.k; l++ {
		for j := 0; j < nc; j++ {
			bv := g.b[(jj+j)*g.ldb+l]
			for i := 0; i < mc; i++ {
				tail[j][i] += g.a[(ii+i)*g.lda+l] * bv
			}
		}
	}
	var tmp [8]float32
	for j := 0; j < nc; j++ {
		for i := 0; i < mc; i++ {
			acc[j][i].Store(&tmp)
			sum := tmp[0] + tmp[1] + tmp[2] + tmp[3] + tmp[4] + tmp[5] + tmp[6] + tmp[7]
			g.c[(jj+j)*g.ldc+ii+i] = sum + tail[j][i]
		}
	}
}

// gemmHalf services the 16-bit float pairs: A is BF16 or F16, B is either
// the same format or FP32 (for BF16 A only in the thin-GEMV case). Elements widen
// through the dequant lookup tables.
type gemmHalf struct {
	k, lda, ldb, ldc, ith, nth int
	a                          []uint16
	aconv                      func(uint16) float32
	bU16                       []uint16
	bconv                      func(uint16) float32
	bF32                       []float32
	c                          []float32
}

func newHalfKernel(k, lda, ldb, ldc, ith, nth int, a []byte, aconv func(uint16) float32,
	b16 []uint16, bf []float32, c []float32) *gemmHalf {
	return &gemmHalf{
		k: k, lda: lda, ldb: ldb, ldc: ldc, ith: ith, nth: nth,
		a: dtype.U16View(a), aconv: aconv, bU16: b16, bF32: bf, c: c,
	}
}

func (g *gemmHalf) loadB(row, l int) float32 {
	if g.bF32 != nil {
		return g.bF32[row*g.ldb+l]
	}
	return g.bconv(g.bU16[row*g.ldb+l])
}

func (g *gemmHalf) tile(mc, nc, m0, m, n0, n int) {
	xtiles, start, end := tileSpan(mc, nc, m0, m, n0, n, g.ith, g.nth)
	for job := start; job < end; job++ {
		ii := m0 + job/xtiles*mc
		jj := n0 + job%xtiles*nc
		var cv, ce [maxTileN][maxTileM]float32
		for l := 0; l < g.k; l++ {
			for j := 0; j < nc; j++ {
				bv := g.loadB(jj+j, l)
				for i := 0; i < mc; i++ {
					av := g.aconv(g.a[(ii+i)*g.lda+l])
					if precise {
						y := av*bv - ce[j][i]
						t := cv[j][i] + y
						ce[j][i] = (t - cv[j][i]) - y
						cv[j][i] = t
					} else {
						cv[j][i] += av * bv
					}
				}
			}
		}
		for j := 0; j < nc; j++ {
			for i := 0; i < mc; i++ {
				g.c[(jj+j)*g.ldc+ii+i] = cv[j][i]
			}
		}
	}
}
