package sgemm

import (
	"math"
	"math/rand"
	"testing"

	"github.com/halcyonlabs/moecore/internal/dtype"
)

func randF32(rng *rand.Rand, n int) []float32 {
	f := make([]float32, n)
	for i := range f {
		f[i] = rng.Float32()*2 - 1
	}
	return f
}

func f32Bytes(f []float32) []byte {
	raw := make([]byte, 4*len(f))
	dtype.FromFloat32(dtype.F32, raw, f)
	return raw
}

// naiveMatmul computes C = Aᵀ·B column-major over plain float32 rows.
func naiveMatmul(m, n, k int, a []float32, lda int, b []float32, ldb int) []float32 {
	c := make([]float32, n*m)
	for j := 0; j < n; j++ {
		for i := 0; i < m; i++ {
			var sum float64
			for l := 0; l < k; l++ {
				sum += float64(a[i*lda+l]) * float64(b[j*ldb+l])
			}
			c[j*m+i] = float32(sum)
		}
	}
	return c
}

func assertClose(t *testing.T, got, want []float32, relTol float64) {
	t.Helper()
	for i := range want {
		diff := math.Abs(float64(got[i] - want[i]))
		if diff > relTol*math.Abs(float64(want[i]))+relTol {
			t.Fatalf("element %d: got %g want %g", i, got[i], want[i])
		}
	}
}

func TestMultiplyF32(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, shape := range []struct{ m, n, k int }{
		{13, 7, 24},
		{5, 5, 8},
		{1, 1, 16},
		{128, 1, 128},
		{17, 3, 13}, // odd k exercises the scalar tail
	} {
		a := randF32(rng, shape.m*shape.k)
		b := randF32(rng, shape.n*shape.k)
		c := make([]float32, shape.n*shape.m)
		st := Multiply(shape.m, shape.n, shape.k, f32Bytes(a), shape.k, dtype.F32,
			f32Bytes(b), shape.k, dtype.F32, c, shape.m, 0, 1, nil, 0)
		if st != Done {
			t.Fatalf("%v: status %s", shape, st)
		}
		assertClose(t, c, naiveMatmul(shape.m, shape.n, shape.k, a, shape.k, b, shape.k), 1e-5)
	}
}

// TestMultiplyThreadSlices runs the same product with one thread and with
// several, checking the shares compose to the identical result.
func TestMultiplyThreadSlices(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	const m, n, k = 23, 9, 32
	a := randF32(rng, m*k)
	b := randF32(rng, n*k)

	single := make([]float32, n*m)
	Multiply(m, n, k, f32Bytes(a), k, dtype.F32, f32Bytes(b), k, dtype.F32, single, m, 0, 1, nil, 0)

	for _, nth := range []int{2, 3, 5, 8} {
		sliced := make([]float32, n*m)
		for ith := 0; ith < nth; ith++ {
			Multiply(m, n, k, f32Bytes(a), k, dtype.F32, f32Bytes(b), k, dtype.F32, sliced, m, ith, nth, nil, 0)
		}
		for i := range single {
			if sliced[i] != single[i] {
				t.Fatalf("nth=%d element %d: %g vs %g", nth, i, sliced[i], single[i])
			}
		}
	}
}

func TestMultiplyBF16(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	const m, n, k = 11, 4, 64
	af := randF32(rng, m*k)
	bf := randF32(rng, n*k)
	a := make([]byte, dtype.BF16.RowBytes(m*k))
	b := make([]byte, dtype.BF16.RowBytes(n*k))
	dtype.FromFloat32(dtype.BF16, a, af)
	dtype.FromFloat32(dtype.BF16, b, bf)

	c := make([]float32, n*m)
	st := Multiply(m, n, k, a, k, dtype.BF16, b, k, dtype.BF16, c, m, 0, 1, nil, 0)
	if st != Done {
		t.Fatalf("status %s", st)
	}
	assertClose(t, c, naiveMatmul(m, n, k, af, k, bf, k), 1e-2)
}

func TestMultiplyBF16ThinGemv(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	const m, k = 19, 48
	af := randF32(rng, m*k)
	bf := randF32(rng, k)
	a := make([]byte, dtype.BF16.RowBytes(m*k))
	dtype.FromFloat32(dtype.BF16, a, af)

	c := make([]float32, m)
	st := Multiply(m, 1, k, a, k, dtype.BF16, f32Bytes(bf), k, dtype.F32, c, m, 0, 1, nil, 0)
	if st != Done {
		t.Fatalf("status %s", st)
	}
	assertClose(t, c, naiveMatmul(m, 1, k, af, k, bf, k), 1e-2)
}

func TestMultiplyF16(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	const m, n, k = 7, 3, 32
	af := randF32(rng, m*k)
	bf := randF32(rng, n*k)
	a := make([]byte, dtype.F16.RowBytes(m*k))
	b := make([]byte, dtype.F16.RowBytes(n*k))
	dtype.FromFloat32(dtype.F16, a, af)
	dtype.FromFloat32(dtype.F16, b, bf)

	c := make([]float32, n*m)
	if st := Multiply(m, n, k, a, k, dtype.F16, b, k, dtype.F16, c, m, 0, 1, nil, 0); st != Done {
		t.Fatalf("status %s", st)
	}
	assertClose(t, c, naiveMatmul(m, n, k, af, k, bf, k), 1e-2)
}

func TestMultiplyQ8(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	const m, n, k = 9, 5, 128 // 4 blocks per row
	af := randF32(rng, m*k)
	bf := randF32(rng, n*k)
	a := make([]byte, dtype.Q8_0.RowBytes(m*k))
	b := make([]byte, dtype.Q8_0.RowBytes(n*k))
	dtype.FromFloat32(dtype.Q8_0, a, af)
	dtype.FromFloat32(dtype.Q8_0, b, bf)

	// Reference over the dequantized values: only ordering error remains.
	adq := make([]float32, m*k)
	bdq := make([]float32, n*k)
	dtype.ToFloat32(dtype.Q8_0, adq, a)
	dtype.ToFloat32(dtype.Q8_0, bdq, b)

	blocks := dtype.Q8_0.Blocks(k)
	c := make([]float32, n*m)
	st := Multiply(m, n, blocks, a, blocks, dtype.Q8_0, b, blocks, dtype.Q8_0, c, m, 0, 1, nil, 0)
	if st != Done {
		t.Fatalf("status %s", st)
	}
	assertClose(t, c, naiveMatmul(m, n, k, adq, k, bdq, k), 1e-3)
}

func TestMultiplyQ4(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	const m, n, k = 6, 4, 96
	af := randF32(rng, m*k)
	bf := randF32(rng, n*k)
	a := make([]byte, dtype.Q4_0.RowBytes(m*k))
	b := make([]byte, dtype.Q8_0.RowBytes(n*k))
	dtype.FromFloat32(dtype.Q4_0, a, af)
	dtype.FromFloat32(dtype.Q8_0, b, bf)

	adq := make([]float32, m*k)
	bdq := make([]float32, n*k)
	dtype.ToFloat32(dtype.Q4_0, adq, a)
	dtype.ToFloat32(dtype.Q8_0, bdq, b)

	blocks := dtype.Q4_0.Blocks(k)
	c := make([]float32, n*m)
	st := Multiply(m, n, blocks, a, blocks, dtype.Q4_0, b, blocks, dtype.Q8_0, c, m, 0, 1, nil, 0)
	if st != Done {
		t.Fatalf("status %s", st)
	}
	assertClose(t, c, naiveMatmul(m, n, k, adq, k, bdq, k), 1e-3)
}

func f8Reference(m, n, k int, a []byte, lda int, b []float32, ldb int, scales []float32, biasM int) []float32 {
	c := make([]float32, n*m)
	sStride := lda / dtype.F8ScaleBlock
	for j := 0; j < n; j++ {
		for i := 0; i < m; i++ {
			var sum float64
			for ll := 0; ll < k; ll += dtype.F8ScaleBlock {
				sRow := (i + biasM) / dtype.F8ScaleBlock
				scale := scales[sRow*sStride+ll/dtype.F8ScaleBlock]
				var blk float64
				for l := ll; l < ll+dtype.F8ScaleBlock && l < k; l++ {
					blk += float64(dtype.F8ToF32(a[i*lda+l])) * float64(b[j*ldb+l])
				}
				sum += blk * float64(scale)
			}
			c[j*m+i] = float32(sum)
		}
	}
	return c
}

func TestMultiplyF8(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	const m, k = 256, 256
	a := make([]byte, m*k)
	rng.Read(a)
	scales := make([]float32, (m/128)*(k/128))
	for i := range scales {
		scales[i] = rng.Float32() + 0.5
	}

	for _, n := range []int{1, 3} {
		bf := randF32(rng, n*k)
		b := make([]byte, dtype.BF16.RowBytes(n*k))
		dtype.FromFloat32(dtype.BF16, b, bf)
		bdq := make([]float32, n*k)
		dtype.ToFloat32(dtype.BF16, bdq, b)

		c := make([]float32, n*m)
		st := Multiply(m, n, k, a, k, dtype.F8E4M3, b, k, dtype.BF16, c, m, 0, 1, scales, 0)
		if st != Done {
			t.Fatalf("n=%d status %s", n, st)
		}
		assertClose(t, c, f8Reference(m, n, k, a, k, bdq, k, scales, 0), 1e-3)
	}
}

// TestMultiplyF8RowOffset slices the row range the way the MoE layer does:
// the scale slice starts at the slab and biasM locates the block boundary.
func TestMultiplyF8RowOffset(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	const rows, k = 256, 128
	a := make([]byte, rows*k)
	rng.Read(a)
	scales := make([]float32, (rows/128)*(k/128))
	for i := range scales {
		scales[i] = rng.Float32() + 0.5
	}
	bf := randF32(rng, k)
	b := make([]byte, dtype.BF16.RowBytes(k))
	dtype.FromFloat32(dtype.BF16, b, bf)
	bdq := make([]float32, k)
	dtype.ToFloat32(dtype.BF16, bdq, b)

	full := make([]float32, rows)
	Multiply(rows, 1, k, a, k, dtype.F8E4M3, b, k, dtype.BF16, full, rows, 0, 1, scales, 0)

	// Two half-slabs, each with its own scale base and row offset.
	sliced := make([]float32, rows)
	for _, bias := range []int{0, 128} {
		sub := a[bias*k:]
		subScales := scales[(bias/128)*(k/128):]
		Multiply(128, 1, k, sub, k, dtype.F8E4M3, b, k, dtype.BF16, sliced[bias:bias+128], 128, 0, 1, subScales, bias)
	}
	for i := range full {
		if sliced[i] != full[i] {
			t.Fatalf("row %d: slab %g full %g", i, sliced[i], full[i])
		}
	}
}

func TestMultiplyStatuses(t *testing.T) {
	c := make([]float32, 1)
	buf := make([]byte, 1024)
	f32buf := make([]byte, 1024)

	if st := Multiply(1, 1, 1, buf, 1, dtype.Q8_0, f32buf, 1, dtype.F32, c, 1, 0, 1, nil, 0); st != WantQuantization {
		t.Fatalf("q8_0 x f32: %s", st)
	}
	if st := Multiply(1, 1, 1, buf, 1, dtype.Q4_0, f32buf, 1, dtype.F32, c, 1, 0, 1, nil, 0); st != WantQuantization {
		t.Fatalf("q4_0 x f32: %s", st)
	}
	if st := Multiply(1, 2, 1, buf, 1, dtype.BF16, f32buf, 1, dtype.F32, c, 2, 0, 1, nil, 0); st != WantQuantization {
		t.Fatalf("bf16 x f32 wide: %s", st)
	}
	if st := Multiply(1, 1, 1, f32buf, 1, dtype.F32, buf, 1, dtype.BF16, c, 1, 0, 1, nil, 0); st != NotSupported {
		t.Fatalf("f32 x bf16: %s", st)
	}
	if st := Multiply(1, 1, 1, buf, 1, dtype.F8E4M3, f32buf, 1, dtype.F32, c, 1, 0, 1, nil, 0); st != NotSupported {
		t.Fatalf("f8 x f32: %s", st)
	}
}

func BenchmarkMultiplyF32(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	const m, n, k = 256, 8, 256
	a := f32Bytes(randF32(rng, m*k))
	bb := f32Bytes(randF32(rng, n*k))
	c := make([]float32, n*m)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Multiply(m, n, k, a, k, dtype.F32, bb, k, dtype.F32, c, m, 0, 1, nil, 0)
	}
}
