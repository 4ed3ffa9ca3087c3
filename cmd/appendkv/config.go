// Copyright 2023 The appendkv Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml"
	"github.com/urfave/cli/v2"
)

type config struct {
	Path        string `toml:"path"`
	InitialSize int64  `toml:"initial_size"`
	MetricsAddr string `toml:"metrics_addr"`
}

// loadConfig reads a TOML config file.  An empty path is not an error.
func loadConfig(path string) (config, error) {
	var cfg config
	if path == "" {
		return cfg, nil
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("os.ReadFile: %w", err)
	}
	if err := toml.Unmarshal(buf, &cfg); err != nil {
		return cfg, fmt.Errorf("toml.Unmarshal(%s): %w", path, err)
	}
	if cfg.InitialSize < 0 {
		return cfg, fmt.Errorf("%s: initial_size must not be negative", path)
	}

	return cfg, nil
}

// configFromContext loads the file named by --config and overlays any
// flags that were set explicitly on the command line.
func configFromContext(c *cli.Context) (config, error) {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return cfg, err
	}

	if c.IsSet("path") || cfg.Path == "" {
		cfg.Path = c.String("path")
	}
	if c.IsSet("initial-size") {
		cfg.InitialSize = c.Int64("initial-size")
	}
	if c.IsSet("metrics-addr") {
		cfg.MetricsAddr = c.String("metrics-addr")
	}

	if cfg.Path == "" {
		return cfg, fmt.Errorf("no store path: pass --path or set path in the config file")
	}

	return cfg, nil
}
