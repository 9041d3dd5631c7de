package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/halcyonlabs/moecore/internal/engine"
	"github.com/halcyonlabs/moecore/internal/logger"
	"github.com/halcyonlabs/moecore/internal/service"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		configPath  string
		threads     int64
		numaNodes   int64
		pin         bool
		logLevel    string
		logFormat   string
		readTimeout time.Duration
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the HTTP control surface",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8311",
				Destination: &addr,
			},
			&cli.StringFlag{
				Name:        "config",
				Usage:       "configuration file",
				Destination: &configPath,
			},
			&cli.Int64Flag{
				Name:        "threads",
				Usage:       "worker thread count (0 = all CPUs)",
				Destination: &threads,
			},
			&cli.Int64Flag{
				Name:        "numa-nodes",
				Usage:       "NUMA node count (0/1 = off)",
				Destination: &numaNodes,
			},
			&cli.BoolFlag{
				Name:        "pin",
				Usage:       "pin worker threads to CPUs",
				Value:       true,
				Destination: &pin,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Value:       "info",
				Destination: &logLevel,
			},
			&cli.StringFlag{
				Name:        "log-format",
				Usage:       "text or json",
				Value:       "text",
				Destination: &logFormat,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if !cmd.IsSet("addr") && cfg.ServerAddress != "" {
				addr = cfg.ServerAddress
			}
			if !cmd.IsSet("log-level") && cfg.LogLevel != "" {
				logLevel = cfg.LogLevel
			}
			if !cmd.IsSet("log-format") && cfg.LogFormat != "" {
				logFormat = cfg.LogFormat
			}
			log := newLogger(logFormat, logLevel)

			settings := resolveEngine(cfg, threads, numaNodes, pin, cmd.IsSet("pin"))
			eng := engine.New(engine.Options{
				Threads:    settings.Threads,
				MaxTasks:   settings.MaxTasks,
				NUMANodes:  settings.NUMANodes,
				SpinBudget: settings.SpinBudget,
				Pin:        settings.Pin,
				Log:        log,
			})
			defer eng.Close()

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			service.NewServer(eng, log).Register(e)

			log.Info("starting control surface", "address", addr)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}

func newLogger(format, level string) logger.Logger {
	if format == "json" {
		return logger.JSON(os.Stderr, logger.ParseLevel(level))
	}
	return logger.Text(os.Stderr, logger.ParseLevel(level))
}
