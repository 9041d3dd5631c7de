package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/halcyonlabs/moecore/internal/backend"
	"github.com/halcyonlabs/moecore/internal/bench"
	"github.com/halcyonlabs/moecore/internal/dtype"
	"github.com/halcyonlabs/moecore/internal/logger"
	"github.com/halcyonlabs/moecore/internal/trace"
)

func traceStart(path string) error { return trace.Start(path) }

func traceStop(log logger.Logger) {
	if err := trace.Stop(); err != nil {
		log.Warn("trace stop failed", "err", err)
	}
}

func benchCmd() *cli.Command {
	var (
		configPath   string
		threads      int64
		numaNodes    int64
		pin          bool
		experts      int64
		k            int64
		hidden       int64
		intermediate int64
		qlen         int64
		iters        int64
		weightType   string
		tracePath    string
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Run the synthetic MoE forward benchmark",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Destination: &configPath},
			&cli.Int64Flag{Name: "threads", Destination: &threads},
			&cli.Int64Flag{Name: "numa-nodes", Destination: &numaNodes},
			&cli.BoolFlag{Name: "pin", Value: true, Destination: &pin},
			&cli.Int64Flag{Name: "experts", Value: 8, Destination: &experts},
			&cli.Int64Flag{Name: "k", Value: 2, Destination: &k},
			&cli.Int64Flag{Name: "hidden", Value: 512, Destination: &hidden},
			&cli.Int64Flag{Name: "intermediate", Value: 1024, Destination: &intermediate},
			&cli.Int64Flag{Name: "qlen", Value: 8, Destination: &qlen},
			&cli.Int64Flag{Name: "iters", Value: 16, Destination: &iters},
			&cli.StringFlag{Name: "weight-type", Value: "f32", Usage: "f32, bf16, f16, q8_0 or q4_0", Destination: &weightType},
			&cli.StringFlag{Name: "trace", Usage: "write a trace stream to this file", Destination: &tracePath},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			log := logger.FromContext(ctx)

			wt, err := dtype.Parse(weightType)
			if err != nil {
				return err
			}
			if wt == dtype.F8E4M3 {
				return fmt.Errorf("bench: f8_e4m3 weights need external block scales; use the library API")
			}

			settings := resolveEngine(cfg, threads, numaNodes, pin, cmd.IsSet("pin"))
			pool := backend.NewPool(settings.Threads, backend.Options{
				NUMANodes:  settings.NUMANodes,
				SpinBudget: settings.SpinBudget,
				Pin:        settings.Pin,
				Log:        log,
			})
			defer pool.Close()

			spec := bench.Spec{
				Experts:      int(experts),
				K:            int(k),
				Hidden:       int(hidden),
				Intermediate: int(intermediate),
				QLen:         int(qlen),
				Iters:        int(iters),
				WeightType:   wt,
				Seed:         1,
			}

			if tracePath != "" {
				if err := traceStart(tracePath); err != nil {
					return err
				}
				defer traceStop(log)
			}

			report, err := bench.Run(pool, spec)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}
