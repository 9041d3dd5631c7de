package dtype

import "math"

// Block layouts follow the GGML catalog: an FP16 scale followed by the
// packed quants. Q8_0 stores 32 signed bytes, Q4_0 packs 32 nibbles with a
// fixed offset of 8.

func quantQ8(dst []byte, src []float32) {
	for len(src) > 0 {
		blk := src[:QBlockElems]
		var amax float32
		for _, v := range blk {
			a := float32(math.Abs(float64(v)))
			if a > amax {
				amax = a
			}
		}
		d := amax / 127
		var id float32
		if d != 0 {
			id = 1 / d
		}
		u := fp16FromF32(d)
		dst[0] = byte(u)
		dst[1] = byte(u >> 8)
		qs := dst[2:q8BlockBytes]
		for i, v := range blk {
			qs[i] = byte(int8(math.RoundToEven(float64(v * id))))
		}
		src = src[QBlockElems:]
		dst = dst[q8BlockBytes:]
	}
}

func dequantQ8(dst []float32, src []byte) {
	for len(dst) > 0 {
		d := fp16Table[uint16(src[0])|uint16(src[1])<<8]
		qs := src[2:q8BlockBytes]
		for i := range QBlockElems {
			dst[i] = float32(int8(qs[i])) * d
		}
		dst = dst[QBlockElems:]
		src = src[q8BlockBytes:]
	}
}

func quantQ4(dst []byte, src []float32) {
	for len(src) > 0 {
		blk := src[:QBlockElems]
		// Signed max by magnitude; the block offset hangs off its sign.
		var max, amax float32
		for _, v := range blk {
			a := float32(math.Abs(float64(v)))
			if a > amax {
				amax = a
				max = v
			}
		}
		d := max / -8
		var id float32
		if d != 0 {
			id = 1 / d
		}
		u := fp16FromF32(d)
		dst[0] = byte(u)
		dst[1] = byte(u >> 8)
		qs := dst[2:q4BlockBytes]
		for j := 0; j < QBlockElems/2; j++ {
			x0 := int(blk[j]*id + 8.5)
			x1 := int(blk[j+QBlockElems/2]*id + 8.5)
			if x0 > 15 {
				x0 = 15
			}
			if x1 > 15 {
				x1 = 15
			}
			if x0 < 0 {
				x0 = 0
			}
			if x1 < 0 {
				x1 = 0
			}
			qs[j] = byte(x0) | byte(x1)<<4
		}
		src = src[QBlockElems:]
		dst = dst[q4BlockBytes:]
	}
}

func dequantQ4(dst []float32, src []byte) {
	for len(dst) > 0 {
		d := fp16Table[uint16(src[0])|uint16(src[1])<<8]
		qs := src[2:q4BlockBytes]
		for j := 0; j < QBlockElems/2; j++ {
			dst[j] = float32(int(qs[j]&0xF)-8) * d
			dst[j+QBlockElems/2] = float32(int(qs[j]>>4)-8) * d
		}
		dst = dst[QBlockElems:]
		src = src[q4BlockBytes:]
	}
}
