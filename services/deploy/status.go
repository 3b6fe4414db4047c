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

// -----------------------------------------------------------------------------
// Lifecycle Status
// -----------------------------------------------------------------------------

// ModelStatus is the lifecycle state of a model version.
type ModelStatus string

const (
	// StatusPending marks a version that is created but not deployed.
	StatusPending ModelStatus = "pending"

	// StatusActive marks the version currently serving production traffic.
	StatusActive ModelStatus = "active"

	// StatusTesting marks a version under canary or A/B evaluation.
	StatusTesting ModelStatus = "testing"

	// StatusDeprecated marks a version scheduled for retirement.
	StatusDeprecated ModelStatus = "deprecated"

	// StatusRetired marks a version no longer serving traffic.
	StatusRetired ModelStatus = "retired"

	// StatusFailed marks a version that failed validation or deployment.
	StatusFailed ModelStatus = "failed"
)

// Valid reports whether s is a known status.
func (s ModelStatus) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusTesting, StatusDeprecated,
		StatusRetired, StatusFailed:
		return true
	}
	return false
}

// statusTransitions is the allowed lifecycle state machine.
var statusTransitions = map[ModelStatus][]ModelStatus{
	StatusPending:    {StatusTesting, StatusActive, StatusFailed},
	StatusTesting:    {StatusActive, StatusRetired, StatusFailed},
	StatusActive:     {StatusDeprecated, StatusRetired},
	StatusDeprecated: {StatusRetired, StatusActive},
	StatusRetired:    {StatusActive},
	StatusFailed:     {StatusPending},
}

// CanTransition reports whether the lifecycle permits moving from one
// status to another. Transitioning to the same status is always allowed.
func CanTransition(from, to ModelStatus) bool {
	if from == to {
		return true
	}
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// Deployment Strategy
// -----------------------------------------------------------------------------

// DeploymentStrategy selects how a new version takes traffic.
type DeploymentStrategy string

const (
	// StrategyReplace retires the current version and activates the new
	// one at full traffic immediately.
	StrategyReplace DeploymentStrategy = "replace"

	// StrategyCanary ramps traffic to the new version in steps, gated on
	// accumulated health evidence.
	StrategyCanary DeploymentStrategy = "canary"

	// StrategyBlueGreen activates the new version at full traffic while
	// keeping the previous version warm for instant demotion.
	StrategyBlueGreen DeploymentStrategy = "blue_green"

	// StrategyABTest splits traffic between the current and new version
	// and defers the decision to statistical analysis.
	StrategyABTest DeploymentStrategy = "a_b_test"
)

// Valid reports whether s is a known strategy.
func (s DeploymentStrategy) Valid() bool {
	switch s {
	case StrategyReplace, StrategyCanary, StrategyBlueGreen, StrategyABTest:
		return true
	}
	return false
}
