// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package deploy

import "time"

// -----------------------------------------------------------------------------
// Manager Configuration
// -----------------------------------------------------------------------------

// ManagerConfig holds configuration for the version manager.
type ManagerConfig struct {
	// BackupEnabled turns on periodic JSON snapshots of the store.
	BackupEnabled bool `yaml:"backup_enabled"`

	// BackupDir is the snapshot directory. Required when BackupEnabled.
	BackupDir string `yaml:"backup_dir"`

	// BackupInterval is how often snapshots are written.
	BackupInterval time.Duration `yaml:"backup_interval"`

	// DefaultStrategy applies when a deploy request omits the strategy.
	DefaultStrategy DeploymentStrategy `yaml:"default_strategy"`

	// CanaryRolloutInterval is the minimum time between canary traffic
	// steps.
	CanaryRolloutInterval time.Duration `yaml:"canary_rollout_interval"`

	// CanaryRolloutStep is the traffic percentage added per step.
	CanaryRolloutStep float64 `yaml:"canary_rollout_step"`

	// HealthCheckInterval is how often active versions are scored.
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`

	// RolloutCheckInterval is how often in-progress canaries are
	// evaluated for advancement.
	RolloutCheckInterval time.Duration `yaml:"rollout_check_interval"`

	// MinRequestsForEvaluation gates canary advancement on fresh traffic
	// accumulated since the previous step.
	MinRequestsForEvaluation int64 `yaml:"min_requests_for_evaluation"`

	// ABTestDuration is the default A/B experiment duration.
	ABTestDuration time.Duration `yaml:"ab_test_duration"`

	// ABTestMinRequests is the default per-variant sample floor.
	ABTestMinRequests int `yaml:"ab_test_min_requests"`

	// ABTestConfidence is the default A/B confidence level.
	ABTestConfidence float64 `yaml:"ab_test_confidence"`

	// MaxVersionsPerModel bounds retained versions per model.
	MaxVersionsPerModel int `yaml:"max_versions_per_model"`

	// RetentionDays keeps non-active versions younger than this.
	RetentionDays int `yaml:"retention_days"`

	// CleanupInterval is how often retention is enforced.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// PersistEvery persists a version after this many recorded requests.
	PersistEvery int64 `yaml:"persist_every"`
}

// DefaultManagerConfig returns production defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		BackupEnabled:            false,
		BackupInterval:           6 * time.Hour,
		DefaultStrategy:          StrategyCanary,
		CanaryRolloutInterval:    30 * time.Minute,
		CanaryRolloutStep:        10,
		HealthCheckInterval:      time.Minute,
		RolloutCheckInterval:     time.Minute,
		MinRequestsForEvaluation: 100,
		ABTestDuration:           24 * time.Hour,
		ABTestMinRequests:        1000,
		ABTestConfidence:         0.95,
		MaxVersionsPerModel:      10,
		RetentionDays:            90,
		CleanupInterval:          time.Hour,
		PersistEvery:             100,
	}
}

// withDefaults fills zero-valued fields from DefaultManagerConfig.
func (c ManagerConfig) withDefaults() ManagerConfig {
	d := DefaultManagerConfig()
	if c.DefaultStrategy == "" {
		c.DefaultStrategy = d.DefaultStrategy
	}
	if c.CanaryRolloutInterval <= 0 {
		c.CanaryRolloutInterval = d.CanaryRolloutInterval
	}
	if c.CanaryRolloutStep <= 0 {
		c.CanaryRolloutStep = d.CanaryRolloutStep
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.RolloutCheckInterval <= 0 {
		c.RolloutCheckInterval = d.RolloutCheckInterval
	}
	if c.MinRequestsForEvaluation <= 0 {
		c.MinRequestsForEvaluation = d.MinRequestsForEvaluation
	}
	if c.ABTestDuration <= 0 {
		c.ABTestDuration = d.ABTestDuration
	}
	if c.ABTestMinRequests <= 0 {
		c.ABTestMinRequests = d.ABTestMinRequests
	}
	if c.ABTestConfidence <= 0 {
		c.ABTestConfidence = d.ABTestConfidence
	}
	if c.MaxVersionsPerModel <= 0 {
		c.MaxVersionsPerModel = d.MaxVersionsPerModel
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = d.RetentionDays
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.BackupInterval <= 0 {
		c.BackupInterval = d.BackupInterval
	}
	if c.PersistEvery <= 0 {
		c.PersistEvery = d.PersistEvery
	}
	return c
}
