// Copyright 2023 The appendkv Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Command appendkv inspects and loads appendkv stores from the shell.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/bpowers/appendkv"
)

var errNotFound = errors.New("key not found")

func newApp() *cli.App {
	return &cli.App{
		Name:  "appendkv",
		Usage: "read and write appendkv stores",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "TOML config file",
				EnvVars: []string{"APPENDKV_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "path",
				Aliases: []string{"p"},
				Usage:   "path of the store's data file",
				EnvVars: []string{"APPENDKV_PATH"},
			},
			&cli.Int64Flag{
				Name:  "initial-size",
				Usage: "initial capacity in bytes for newly created files",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "serve prometheus metrics on this address while the command runs",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "log debug output to stderr",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "put",
				Usage:     "append a single record",
				ArgsUsage: "KEY VALUE",
				Action:    withStore(false, putAction),
			},
			{
				Name:      "get",
				Usage:     "print the latest value for a key",
				ArgsUsage: "KEY",
				Action:    withStore(true, getAction),
			},
			{
				Name:   "dump",
				Usage:  "print every record as key:value lines in append order",
				Action: withStore(true, dumpAction),
			},
			{
				Name:   "check",
				Usage:  "verify that the index agrees with the data log",
				Action: withStore(true, checkAction),
			},
			{
				Name:      "import",
				Usage:     "append key:value lines from a file, or stdin if FILE is -",
				ArgsUsage: "FILE",
				Action:    withStore(false, importAction),
			},
			{
				Name:      "backup",
				Usage:     "write a compressed backup of every record",
				ArgsUsage: "FILE",
				Action:    withStore(true, backupAction),
			},
			{
				Name:      "restore",
				Usage:     "append every record from a backup",
				ArgsUsage: "FILE",
				Action:    withStore(false, restoreAction),
			},
			{
				Name:  "bench",
				Usage: "measure write and concurrent read throughput",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "n", Value: 100000, Usage: "number of records to write"},
					&cli.IntFlag{Name: "readers", Value: 4, Usage: "number of concurrent readers"},
					&cli.IntFlag{Name: "value-size", Value: 64, Usage: "value size in bytes"},
				},
				Action: withStore(false, benchAction),
			},
		},
	}
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

type storeAction func(ctx context.Context, c *cli.Context, s *appendkv.Store) error

// withStore opens the configured store for the duration of a command,
// read-only when the command only reads.
func withStore(readOnly bool, fn storeAction) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := configFromContext(c)
		if err != nil {
			return err
		}

		logger := newLogger(c.App.ErrWriter, c.Bool("verbose"))
		reg := prometheus.NewRegistry()
		opts := []appendkv.Option{
			appendkv.WithLogger(logger),
			appendkv.WithRegisterer(reg),
		}
		if cfg.InitialSize > 0 {
			opts = append(opts, appendkv.WithInitialSize(cfg.InitialSize))
		}

		var s *appendkv.Store
		if readOnly {
			s, err = appendkv.OpenReader(cfg.Path, opts...)
		} else {
			s, err = appendkv.Open(cfg.Path, opts...)
		}
		if err != nil {
			if s != nil {
				_ = s.Close()
			}
			return err
		}
		defer func() {
			if closeErr := s.Close(); closeErr != nil {
				logger.Error("closing store", "err", closeErr)
			}
		}()

		run := func(ctx context.Context) error {
			return fn(ctx, c, s)
		}
		if cfg.MetricsAddr == "" {
			return run(c.Context)
		}
		return serveMetrics(c.Context, logger, cfg.MetricsAddr, reg, run)
	}
}

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "appendkv: %s\n", err)
		os.Exit(1)
	}
}
