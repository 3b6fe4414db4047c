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

import (
	"time"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Health Criteria and Rollback Policy
// -----------------------------------------------------------------------------

// HealthCriteria are the floors a deployed version must hold.
type HealthCriteria struct {
	MinSuccessRate  float64       `json:"min_success_rate"`
	MaxResponseTime time.Duration `json:"max_response_time"`
	MinConfidence   float64       `json:"min_confidence"`
}

// DefaultHealthCriteria returns the standard production floors.
func DefaultHealthCriteria() HealthCriteria {
	return HealthCriteria{
		MinSuccessRate:  0.95,
		MaxResponseTime: 5 * time.Second,
		MinConfidence:   0.7,
	}
}

// RollbackPolicy controls automatic reversion of a deployment.
type RollbackPolicy struct {
	AutoRollbackEnabled bool          `json:"auto_rollback_enabled"`
	ErrorRateThreshold  float64       `json:"error_rate_threshold"`
	LatencyThreshold    time.Duration `json:"latency_threshold"`
	EvaluationWindow    time.Duration `json:"evaluation_window"`
}

// DefaultRollbackPolicy returns the standard automatic rollback settings.
func DefaultRollbackPolicy() RollbackPolicy {
	return RollbackPolicy{
		AutoRollbackEnabled: true,
		ErrorRateThreshold:  0.1,
		LatencyThreshold:    10 * time.Second,
		EvaluationWindow:    10 * time.Minute,
	}
}

// ABTestParams configure the A/B phase of an a_b_test deployment.
type ABTestParams struct {
	// TestID names the experiment registered with the A/B engine.
	// Empty until the deployment is made.
	TestID string `json:"test_id,omitempty"`

	Duration        time.Duration `json:"duration"`
	MinRequests     int           `json:"min_requests"`
	ConfidenceLevel float64       `json:"confidence_level"`
}

// -----------------------------------------------------------------------------
// Model Deployment
// -----------------------------------------------------------------------------

// ModelDeployment records one attempt to route traffic to a version.
//
// Description:
//
//	A deployment tracks traffic allocation over time. For canary rollouts
//	TrafficPercentage ramps toward TargetTraffic in RolloutStep increments.
//	For blue_green deployments Standby marks the warm previous version.
//
// Thread Safety: Guarded by the owning manager's lock.
type ModelDeployment struct {
	ID       string             `json:"id"`
	Strategy DeploymentStrategy `json:"strategy"`

	TrafficPercentage float64 `json:"traffic_percentage"`
	TargetTraffic     float64 `json:"target_traffic"`

	RolloutStep     float64       `json:"rollout_step,omitempty"`
	RolloutInterval time.Duration `json:"rollout_interval,omitempty"`
	LastRolloutAt   time.Time     `json:"last_rollout_at,omitempty"`

	// RolloutBaseRequests is the version's request count at the last
	// rollout step, used to gate advancement on fresh evidence.
	RolloutBaseRequests int64 `json:"rollout_base_requests,omitempty"`

	DeployedAt  time.Time `json:"deployed_at"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
	RetiredAt   time.Time `json:"retired_at,omitempty"`
	DeployedBy  string    `json:"deployed_by,omitempty"`

	// Standby marks a blue_green previous version kept warm at zero
	// traffic, eligible for instant demotion.
	Standby bool `json:"standby,omitempty"`

	Health   HealthCriteria `json:"health_criteria"`
	Rollback RollbackPolicy `json:"rollback_policy"`
	ABTest   ABTestParams   `json:"ab_test,omitempty"`
}

// NewDeployment constructs a deployment with default health and rollback
// settings.
func NewDeployment(strategy DeploymentStrategy, deployedBy string) *ModelDeployment {
	return &ModelDeployment{
		ID:         uuid.NewString(),
		Strategy:   strategy,
		DeployedAt: time.Now(),
		DeployedBy: deployedBy,
		Health:     DefaultHealthCriteria(),
		Rollback:   DefaultRollbackPolicy(),
	}
}

// Active reports whether the deployment currently routes traffic.
func (d *ModelDeployment) Active() bool {
	return d.RetiredAt.IsZero() && !d.Standby
}

// Retire marks the deployment as no longer routing traffic.
func (d *ModelDeployment) Retire() {
	d.RetiredAt = time.Now()
	d.TrafficPercentage = 0
}
