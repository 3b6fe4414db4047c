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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianDeploy/services/deploy"
)

func TestLoadDaemonConfigDefaults(t *testing.T) {
	cfg, err := LoadDaemonConfig("")
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.MetricsAddr)
	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, deploy.StrategyCanary, cfg.Manager.DefaultStrategy)
	require.Equal(t, 3, cfg.Updater.MaxConcurrentUpdates)
}

func TestLoadDaemonConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deployd.yaml")
	doc := `
logging:
  level: debug
  json: true
store:
  path: /var/lib/aleutian/deploy
  sync_writes: true
metrics_addr: ":9191"
manager:
  canary_rollout_interval: 10m
  max_versions_per_model: 5
monitor:
  anomaly_sensitivity: 3.0
updater:
  max_concurrent_updates: 1
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := LoadDaemonConfig(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.True(t, cfg.Logging.JSON)
	require.Equal(t, "/var/lib/aleutian/deploy", cfg.Store.Path)
	require.True(t, cfg.Store.SyncWrites)
	require.Equal(t, ":9191", cfg.MetricsAddr)
	require.Equal(t, 10*time.Minute, cfg.Manager.CanaryRolloutInterval)
	require.Equal(t, 5, cfg.Manager.MaxVersionsPerModel)
	require.Equal(t, 3.0, cfg.Monitor.AnomalySensitivity)
	require.Equal(t, 1, cfg.Updater.MaxConcurrentUpdates)

	// Unset fields keep their defaults.
	require.Equal(t, time.Minute, cfg.Manager.HealthCheckInterval)
}

func TestLoadDaemonConfigMissingFile(t *testing.T) {
	_, err := LoadDaemonConfig("/does/not/exist.yaml")
	require.Error(t, err)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, ".aleutian"), expandHome("~/.aleutian"))
	require.Equal(t, "/var/lib/x", expandHome("/var/lib/x"))
}
