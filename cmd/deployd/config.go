// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianDeploy/services/deploy"
	"github.com/AleutianAI/AleutianDeploy/services/deploy/abtest"
	"github.com/AleutianAI/AleutianDeploy/services/deploy/monitor"
	"github.com/AleutianAI/AleutianDeploy/services/deploy/updater"
)

// DaemonConfig is the top-level YAML configuration for deployd.
type DaemonConfig struct {
	Logging struct {
		// Level is one of debug, info, warn, error.
		Level string `yaml:"level"`
		// Dir enables file logging when set.
		Dir string `yaml:"dir"`
		// JSON switches stderr output to JSON.
		JSON bool `yaml:"json"`
		// Quiet disables stderr output.
		Quiet bool `yaml:"quiet"`
	} `yaml:"logging"`

	Store struct {
		// Path is the BadgerDB directory. Empty selects in-memory mode,
		// which loses all state on restart.
		Path string `yaml:"path"`
		// SyncWrites trades write throughput for durability.
		SyncWrites bool `yaml:"sync_writes"`
	} `yaml:"store"`

	// MetricsAddr is the listen address for /metrics and /healthz.
	MetricsAddr string `yaml:"metrics_addr"`

	Manager deploy.ManagerConfig `yaml:"manager"`
	ABTest  abtest.EngineConfig  `yaml:"abtest"`
	Monitor monitor.Config       `yaml:"monitor"`
	Updater updater.Config       `yaml:"updater"`
}

// DefaultDaemonConfig returns the configuration used when no file is
// given.
func DefaultDaemonConfig() DaemonConfig {
	var cfg DaemonConfig
	cfg.Logging.Level = "info"
	cfg.Store.Path = "~/.aleutian/deploy/db"
	cfg.MetricsAddr = ":9090"
	cfg.Manager = deploy.DefaultManagerConfig()
	cfg.ABTest = abtest.DefaultEngineConfig()
	cfg.Monitor = monitor.DefaultConfig()
	cfg.Updater = updater.DefaultConfig()
	return cfg
}

// LoadDaemonConfig reads a YAML config file over the defaults.
func LoadDaemonConfig(path string) (DaemonConfig, error) {
	cfg := DefaultDaemonConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}
