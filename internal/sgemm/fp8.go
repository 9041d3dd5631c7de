package sgemm

import "github.com/halcyonlabs/moecore/internal/dtype"

// gemmF8 services F8-E4M3 × BF16. Elements expand to BF16 by the byte
// rewrite in dtype.F8ToBF16Bits; every 128-element partial sum is multiplied
// by the matching FP32 tile scale before it reaches the accumulator.
//
// scales is row-major [rows/128, k/128], already offset so that row 0
// covers A's row 0. biasM is A's first row's offset inside the weight
// matrix: when it is not a multiple of 128 the walker must not let a tile
// span two scale rows, so run segments the row range at every scale-block
// boundary before tiling.
type gemmF8 struct {
	k, lda, ldb, ldc, ith, nth int
	a                          []byte
	b                          []uint16
	c                          []float32
	scales                     []float32
	biasM                      int
	lastOff                    int
}

func (g *gemmF8) run(m, n int) {
	l := 0
	for l < m {
		r := ((l+g.biasM)/dtype.F8ScaleBlock + 1) * dtype.F8ScaleBlock
		r -= g.biasM
		if r > m {
			r = m
		}
		g.mnpack(l, r, 0, n)
		l = r
	}
}

func (g *gemmF8) mnpack(m0, m, n0, n int) {
	if m-m0 <= 0 || n-n0 <= 0 {
		return
	}
	var mc, nc int
	if n-n0 == 1 {
		nc = 1
		switch {
		case m-m0 >= 10:
			mc = 10
		case m-m0 >= 2:
			mc = 2
		default:
			mc = 1
		}
		g.gemv(mc, m0, m, n0)
	} else {
		mc, nc = floatTile(m-m0, n-n0)
		g.gemm(mc, nc, m0, m, n0, n)
	}
	mp := m0 + (m-m0)/mc*mc
	np := n0 + (n-n0)/nc*nc
	g.mnpack(mp, m, n0, np)
	g.mnpack(m0, m, np, n)
}

func (g *gemmF8) loadA(row, l int) float32 {
	return dtype.BF16ToF32(dtype.F8ToBF16Bits(g.a[row*g.lda+l]))
}

// gemv walks row tiles of height tilesz, reducing each row in 128-element
// chunks and scaling every chunk by its block scale.
func (g *gemmF8) gemv(tilesz, m0, m, n0 int) {
	sRow := (m0 + g.lastOff) / dtype.F8ScaleBlock
	sStride := g.lda / dtype.F8ScaleBlock
	ytiles := (m - m0) / tilesz
	duty := (ytiles + g.nth - 1) / g.nth
	start := duty * g.ith
	end := start + duty
	if end > ytiles {
		end = ytiles
	}
	for job := start; job < end; job++ {
		ii := m0 + job*tilesz
		for i := 0; i < tilesz; i++ {
			var cv float32
			for ll := 0; ll < g.k; ll += dtype.F8ScaleBlock {
				lim := ll + dtype.F8ScaleBlock
				if lim > g.k {
					lim = g.k
				}
				scale := g.scales[sRow*sStride+ll/dtype.F8ScaleBlock]
				var blk float32
				for l := ll; l < lim; l++ {
					blk += g.loadA(ii+i, l) * dtype.BF16ToF32(g.b[n0*g.ldb+l])
				}
				cv += blk * scale
			}
			g.c[n0*g.ldc+ii+i] = cv
		}
	}
}

func (g *gemmF8) gemm(mc, nc, m0, m, n0, n int) {
	sRow := (m0 + g.lastOff) / dtype.F8ScaleBlock
	sStride := g.lda / dtype.F8ScaleBlock
	xtiles, start, end := tileSpan(mc, nc, m0, m, n0, n, g.ith, g.nth)
	for job := start; job < end; job++ {
		ii := m0 + job/xtiles*mc
		jj := n0 + job%xtiles*nc
		var cv [maxTileN][maxTileM]float32
		for ll := 0; ll < g.k; ll += dtype.F8ScaleBlock {
			lim := ll + dtype.F8ScaleBlock
			if lim > g.k {
				lim = g.k
			}
			scale := g.scales[sRow*sStride+ll/dtype.F8ScaleBlock]
			var part [maxTileN][maxTileM]float32
			for l := ll; l < lim; l++ {
				for j := 0; j < nc; j++ {
					bv := dtype.BF16ToF32(g.b[(jj+j)*g.ldb+l])
					for i := 0; i < mc; i++ {
						part[j][i] += g.loadA(ii+i, l) * bv
					}
				}
			}
			for j := 0; j < nc; j++ {
				for i := 0; i < mc; i++ {
					cv[j][i] += part[j][i] * scale
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
