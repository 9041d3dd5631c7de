package sgemm

import "github.com/halcyonlabs/moecore/internal/dtype"

// gemmQuant services the block-quantized pairs Q8_0×Q8_0 and Q4_0×Q8_0.
// k, lda and ldb count 32-element blocks; each block dot is an integer dot
// product scaled by the two FP16 block scales.
type gemmQuant struct {
	k, lda, ldb, ldc, ith, nth int
	a, b                       []byte
	c                          []float32
	aBlockBytes                int
	fourBit                    bool
}

const q8BlockBytes = 2 + dtype.QBlockElems

func (g *gemmQuant) blockDot(aoff, boff int) float32 {
	da := dtype.FP16ToF32(uint16(g.a[aoff]) | uint16(g.a[aoff+1])<<8)
	db := dtype.FP16ToF32(uint16(g.b[boff]) | uint16(g.b[boff+1])<<8)
	aq := g.a[aoff+2:]
	bq := g.b[boff+2:]
	var sum int32
	if g.fourBit {
		for j := 0; j < dtype.QBlockElems/2; j++ {
			lo := int32(aq[j]&0xF) - 8
			hi := int32(aq[j]>>4) - 8
			sum += lo*int32(int8(bq[j])) + hi*int32(int8(bq[j+dtype.QBlockElems/2]))
		}
	} else {
		for j := 0; j < dtype.QBlockElems; j += 4 {
			sum += int32(int8(aq[j]))*int32(int8(bq[j])) +
				int32(int8(aq[j+1]))*int32(int8(bq[j+1])) +
				int32(int8(aq[j+2]))*int32(int8(bq[j+2])) +
				int32(int8(aq[j+3]))*int32(int8(bq[j+3]))
		}
	}
	return da * db * float32(sum)
}

func (g *gemmQuant) tile(mc, nc, m0, m, n0, n int) {
	xtiles, start, end := tileSpan(mc, nc, m0, m, n0, n, g.ith, g.nth)
	for job := start; job < end; job++ {
		ii := m0 + job/xtiles*mc
		jj := n0 + job%xtiles*nc
		var cv, ce [maxTileN][maxTileM]float32
		for l := 0; l < g.k; l++ {
			for j := 0; j < nc; j++ {
				boff := ((jj+j)*g.ldb + l) * q8BlockBytes
				for i := 0; i < mc; i++ {
					aoff := ((ii+i)*g.lda + l) * g.aBlockBytes
					d := g.blockDot(aoff, boff)
					if precise {
						y := d - ce[j][i]
						t := cv[j][i] + y
						ce[j][i] = (t - cv[j][i]) - y
						cv[j][i] = t
					} else {
						cv[j][i] += d
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
