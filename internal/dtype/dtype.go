// Package dtype defines the element formats the compute core moves through
// memory: plain floats, half floats, FP8, and the GGML-style block-quantized
// formats. Every format carries fixed traits (block geometry, the format a
// matmul wants its right-hand operand in) plus FP32 converters.
package dtype

import "fmt"

// Type tags an element format.
type Type uint8

const (
	F32 Type = iota
	F16
	BF16
	F8E4M3
	Q8_0
	Q4_0
)

// QKK is the stripe quantum used when slicing row conversions across threads.
const QKK = 256

const (
	// QBlockElems is the number of elements in a Q8_0/Q4_0 block.
	QBlockElems = 32
	q8BlockBytes = 2 + QBlockElems
	q4BlockBytes = 2 + QBlockElems/2

	// F8ScaleBlock is the per-axis granularity of FP8 block scales.
	F8ScaleBlock = 128
)

type traits struct {
	blockElems int
	blockBytes int
	vecDot     Type
	name       string
}

var typeTraits = [...]traits{
	F32:    {1, 4, F32, "f32"},
	F16:    {1, 2, F16, "f16"},
	BF16:   {1, 2, BF16, "bf16"},
	F8E4M3: {1, 1, BF16, "f8_e4m3"},
	Q8_0:   {QBlockElems, q8BlockBytes, Q8_0, "q8_0"},
	Q4_0:   {QBlockElems, q4BlockBytes, Q8_0, "q4_0"},
}

func (t Type) String() string {
	if int(t) < len(typeTraits) {
		return typeTraits[t].name
	}
	return fmt.Sprintf("dtype(%d)", uint8(t))
}

// Parse maps a format name to its tag.
func Parse(s string) (Type, error) {
	for i := range typeTraits {
		if typeTraits[i].name == s {
			return Type(i), nil
		}
	}
	return F32, fmt.Errorf("dtype: unknown format %q", s)
}

// BlockElems is the number of elements sharing one quantization block.
func (t Type) BlockElems() int { return typeTraits[t].blockElems }

// BlockBytes is the storage size of one block.
func (t Type) BlockBytes() int { return typeTraits[t].blockBytes }

// VecDotType is the format a matmul expects its B operand in when A is t.
func (t Type) VecDotType() Type { return typeTraits[t].vecDot }

// RowBytes is the storage size of n contiguous elements. n must be a
// multiple of BlockElems for the quantized formats.
func (t Type) RowBytes(n int) int {
	tr := typeTraits[t]
	if n%tr.blockElems != 0 {
		panic(fmt.Sprintf("dtype: %d elements not a multiple of %s block size %d", n, t, tr.blockElems))
	}
	return n / tr.blockElems * tr.blockBytes
}

// Blocks is the number of blocks covering n elements.
func (t Type) Blocks(n int) int { return n / typeTraits[t].blockElems }

// ToFloat32 dequantizes src into dst. len(dst) elements are produced; src
// must hold exactly that many elements in format t.
func ToFloat32(t Type, dst []float32, src []byte) {
	switch t {
	case F32:
		copy(dst, F32View(src)[:len(dst)])
	case F16:
		raw := U16View(src)
		for i := range dst {
			dst[i] = fp16Table[raw[i]]
		}
	case BF16:
		raw := U16View(src)
		for i := range dst {
			dst[i] = bf16Table[raw[i]]
		}
	case F8E4M3:
		for i := range dst {
			dst[i] = f8Table[src[i]]
		}
	case Q8_0:
		dequantQ8(dst, src)
	case Q4_0:
		dequantQ4(dst, src)
	default:
		panic("dtype: to_float on unknown format " + t.String())
	}
}

// FromFloat32 quantizes src into dst at format t. len(src) elements are
// consumed; dst must hold exactly that many elements in format t.
func FromFloat32(t Type, dst []byte, src []float32) {
	switch t {
	case F32:
		copy(F32View(dst), src)
	case F16:
		raw := U16View(dst)
		for i, v := range src {
			raw[i] = fp16FromF32(v)
		}
	case BF16:
		raw := U16View(dst)
		for i, v := range src {
			raw[i] = bf16FromF32(v)
		}
	case F8E4M3:
		for i, v := range src {
			dst[i] = f8FromF32(v)
		}
	case Q8_0:
		quantQ8(dst, src)
	case Q4_0:
		quantQ4(dst, src)
	default:
		panic("dtype: from_float on unknown format " + t.String())
	}
}
