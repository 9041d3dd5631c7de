package main

import (
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config is the optional configuration file (--config). CLI flags win over
// file values; file values win over defaults.
type Config struct {
	Threads    *int    `yaml:"threads"`
	NUMANodes  *int    `yaml:"numa_nodes"`
	SpinBudget *uint64 `yaml:"spin_budget"`
	Pin        *bool   `yaml:"pin"`
	MaxTasks   *int    `yaml:"max_tasks"`

	ServerAddress string `yaml:"server_address"`
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
}

func loadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// engineSettings are the resolved pool parameters after merging config file
// values under flag values.
type engineSettings struct {
	Threads    int
	NUMANodes  int
	SpinBudget uint64
	Pin        bool
	MaxTasks   int
}

func resolveEngine(cfg Config, threads int64, numaNodes int64, pin bool, pinSet bool) engineSettings {
	s := engineSettings{
		Threads: int(threads),
		Pin:     pin,
	}
	if s.Threads <= 0 {
		if cfg.Threads != nil {
			s.Threads = *cfg.Threads
		} else {
			s.Threads = runtime.NumCPU()
		}
	}
	s.NUMANodes = int(numaNodes)
	if s.NUMANodes <= 0 && cfg.NUMANodes != nil {
		s.NUMANodes = *cfg.NUMANodes
	}
	if cfg.SpinBudget != nil {
		s.SpinBudget = *cfg.SpinBudget
	}
	if !pinSet && cfg.Pin != nil {
		s.Pin = *cfg.Pin
	}
	if cfg.MaxTasks != nil {
		s.MaxTasks = *cfg.MaxTasks
	}
	return s
}
