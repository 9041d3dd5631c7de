package dtype

import (
	"math"
	"unsafe"
)

var nativeLittleEndian = func() bool {
	var x uint16 = 1
	b := (*[2]byte)(unsafe.Pointer(&x))
	return b[0] == 1
}()

// bf16Table maps every possible BF16 bit-pattern to float32.
var bf16Table = func() [1 << 16]float32 {
	var tbl [1 << 16]float32
	for i := range tbl {
		tbl[i] = math.Float32frombits(uint32(i) << 16)
	}
	return tbl
}()

// fp16Table maps every possible FP16 bit-pattern to float32.
var fp16Table = func() [1 << 16]float32 {
	var tbl [1 << 16]float32
	for i := range tbl {
		tbl[i] = fp16ToF32(uint16(i))
	}
	return tbl
}()

// F32View reinterprets raw storage as float32 elements. The backing array
// must be 4-byte aligned; arenas from the backend allocator always are.
func F32View(raw []byte) []float32 {
	if len(raw) == 0 {
		return nil
	}
	if !nativeLittleEndian || uintptr(unsafe.Pointer(&raw[0]))%4 != 0 {
		panic("dtype: unaligned or big-endian f32 view")
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&raw[0])), len(raw)/4)
}

// U16View reinterprets raw storage as 16-bit elements (F16/BF16 payloads).
func U16View(raw []byte) []uint16 {
	if len(raw) == 0 {
		return nil
	}
	if !nativeLittleEndian || uintptr(unsafe.Pointer(&raw[0]))%2 != 0 {
		panic("dtype: unaligned or big-endian u16 view")
	}
	return unsafe.Slice((*uint16)(unsafe.Pointer(&raw[0])), len(raw)/2)
}

// I8View reinterprets raw storage as int8 elements.
func I8View(raw []byte) []int8 {
	if len(raw) == 0 {
		return nil
	}
	return unsafe.Slice((*int8)(unsafe.Pointer(&raw[0])), len(raw))
}

// BF16ToF32 decodes one BF16 value through the lookup table.
func BF16ToF32(u uint16) float32 { return bf16Table[u] }

// FP16ToF32 decodes one FP16 value through the lookup table.
func FP16ToF32(u uint16) float32 { return fp16Table[u] }

func bf16FromF32(f float32) uint16 {
	u := math.Float32bits(f)
	// Round-to-nearest-even on the truncated 16 bits.
	rnd := uint32(0x7FFF + ((u >> 16) & 1))
	return uint16((u + rnd) >> 16)
}

// BF16FromF32 encodes one float32 as BF16 with nearest-even rounding.
func BF16FromF32(f float32) uint16 { return bf16FromF32(f) }

// fp16FromF32 implements IEEE 754 binary16 rounding (nearest-even).
func fp16FromF32(f float32) uint16 {
	u := math.Float32bits(f)
	sign := (u >> 31) & 0x1
	exp := int((u >> 23) & 0xFF)
	frac := u & 0x7FFFFF

	if exp == 0xFF {
		// Inf/NaN
		if frac != 0 {
			return uint16((sign << 15) | 0x7C00 | (frac >> 13) | 1)
		}
		return uint16((sign << 15) | 0x7C00)
	}

	e := exp - 127
	if e > 15 {
		// overflow -> inf
		return uint16((sign << 15) | 0x7C00)
	}
	if e < -14 {
		// subnormal or zero
		if e < -25 {
			return uint16(sign << 15)
		}
		frac |= 0x800000
		shift := uint32(-1 - e)
		rnd := uint32(1<<(shift-1)) - 1 + ((frac >> shift) & 1)
		frac = (frac + rnd) >> shift
		return uint16((sign << 15) | frac)
	}

	exp16 := uint32(e + 15)
	rnd := uint32(0xFFF + ((frac >> 13) & 1))
	frac = frac + rnd
	if (frac & 0x800000) != 0 {
		exp16++
		frac = 0
		if exp16 >= 0x1F {
			return uint16((sign << 15) | 0x7C00)
		}
	}
	return uint16((sign << 15) | (exp16 << 10) | (frac >> 13))
}

func fp16ToF32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h & 0x3FF)
	var f uint32
	switch exp {
	case 0:
		if frac == 0 {
			f = sign << 31
		} else {
			e := uint32(127 - 15 + 1)
			for (frac & 0x400) == 0 {
				frac <<= 1
				e--
			}
			frac &= 0x3FF
			f = (sign << 31) | (e << 23) | (frac << 13)
		}
	case 0x1F:
		f = (sign << 31) | 0x7F800000 | (frac << 13)
	default:
		e := exp + (127 - 15)
		f = (sign << 31) | (e << 23) | (frac << 13)
	}
	return math.Float32frombits(f)
}
