package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/urfave/cli/v3"

	"github.com/halcyonlabs/moecore/internal/backend"
	"github.com/halcyonlabs/moecore/internal/dtype"
	"github.com/halcyonlabs/moecore/internal/moe"
)

// selftest runs two end-to-end checks on the live pool: the identity-expert
// construction with a known closed form, and grouped-batch vs per-token
// agreement.
func selftestCmd() *cli.Command {
	var threads int64

	return &cli.Command{
		Name:  "selftest",
		Usage: "Run built-in numerical checks",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "threads", Value: 4, Destination: &threads},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			pool := backend.NewPool(int(threads), backend.Options{})
			defer pool.Close()

			if err := identityExpertCheck(pool); err != nil {
				return fmt.Errorf("identity expert: %w", err)
			}
			fmt.Println("identity expert: ok")

			if err := batchAgreementCheck(pool); err != nil {
				return fmt.Errorf("batch agreement: %w", err)
			}
			fmt.Println("batch agreement: ok")
			return nil
		},
	}
}

func identityExpertCheck(pool *backend.Pool) error {
	const dim = 128
	eye := identityF32(dim)
	cfg := moe.Config{
		ExpertNum:        1,
		RoutedExpertNum:  1,
		HiddenSize:       dim,
		IntermediateSize: dim,
		GroupMinLen:      2,
		GroupMaxLen:      4,
		HiddenType:       dtype.F32,
		GateType:         dtype.F32,
		UpType:           dtype.F32,
		DownType:         dtype.F32,
		GateProj:         eye,
		UpProj:           eye,
		DownProj:         eye,
	}
	m, err := moe.New(cfg, pool)
	if err != nil {
		return err
	}
	defer m.Free()

	input := make([]byte, dtype.F32.RowBytes(dim))
	output := make([]byte, dtype.F32.RowBytes(dim))
	in := dtype.F32View(input)
	for i := range in {
		in[i] = float32(i + 1)
	}
	m.ForwardOne(1, []uint64{0}, []float32{1}, input, output)

	out := dtype.F32View(output)
	for i := range out {
		x := float64(in[i])
		want := x / (1 + math.Exp(-x)) * x
		if math.Abs(float64(out[i])-want) > 1e-2*math.Abs(want)+1e-5 {
			return fmt.Errorf("element %d: got %g want %g", i, out[i], want)
		}
	}
	return nil
}

func batchAgreementCheck(pool *backend.Pool) error {
	const (
		experts = 4
		k       = 2
		dim     = 128
		qlen    = 4
	)
	rng := rand.New(rand.NewSource(7))
	randW := func(n int) []byte {
		f := make([]float32, n)
		for i := range f {
			f[i] = (rng.Float32()*2 - 1) * 0.1
		}
		raw := make([]byte, dtype.F32.RowBytes(n))
		dtype.FromFloat32(dtype.F32, raw, f)
		return raw
	}
	cfg := moe.Config{
		ExpertNum:        experts,
		RoutedExpertNum:  k,
		HiddenSize:       dim,
		IntermediateSize: dim,
		GroupMinLen:      2,
		GroupMaxLen:      qlen,
		HiddenType:       dtype.F32,
		GateType:         dtype.F32,
		UpType:           dtype.F32,
		DownType:         dtype.F32,
		GateProj:         randW(experts * dim * dim),
		UpProj:           randW(experts * dim * dim),
		DownProj:         randW(experts * dim * dim),
	}
	m, err := moe.New(cfg, pool)
	if err != nil {
		return err
	}
	defer m.Free()

	ids := make([]uint64, qlen*k)
	weights := make([]float32, qlen*k)
	for i := 0; i < qlen; i++ {
		ids[i*k] = uint64(i % experts)
		ids[i*k+1] = uint64((i + 1) % experts)
		weights[i*k] = 0.25
		weights[i*k+1] = 0.75
	}
	rowBytes := dtype.F32.RowBytes(dim)
	input := make([]byte, qlen*rowBytes)
	in := dtype.F32View(input)
	for i := range in {
		in[i] = rng.Float32()*2 - 1
	}

	batched := make([]byte, qlen*rowBytes)
	m.ForwardMany(qlen, k, ids, weights, input, batched)

	single := make([]byte, qlen*rowBytes)
	for i := 0; i < qlen; i++ {
		m.ForwardOne(k, ids[i*k:(i+1)*k], weights[i*k:(i+1)*k],
			input[i*rowBytes:(i+1)*rowBytes], single[i*rowBytes:(i+1)*rowBytes])
	}

	bf := dtype.F32View(batched)
	sf := dtype.F32View(single)
	for i := range bf {
		if math.Abs(float64(bf[i]-sf[i])) > 1e-5*math.Abs(float64(sf[i]))+1e-6 {
			return fmt.Errorf("element %d: batched %g single %g", i, bf[i], sf[i])
		}
	}
	return nil
}

// identityF32 builds one expert whose rows are the identity, stored F32.
func identityF32(dim int) []byte {
	raw := make([]byte, dtype.F32.RowBytes(dim*dim))
	f := dtype.F32View(raw)
	for i := 0; i < dim; i++ {
		f[i*dim+i] = 1
	}
	return raw
}
