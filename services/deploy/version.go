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
	"fmt"
	"time"

	"github.com/google/uuid"
)

// minRequestsForRollback is the traffic floor below which automatic
// rollback decisions are refused.
const minRequestsForRollback = 100

// -----------------------------------------------------------------------------
// Changelog
// -----------------------------------------------------------------------------

// ChangelogEntry is one audited lifecycle event on a version.
type ChangelogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	Actor     string    `json:"actor,omitempty"`
}

// -----------------------------------------------------------------------------
// Model Version
// -----------------------------------------------------------------------------

// ModelVersion is the aggregate root for one versioned model deployment.
//
// Description:
//
//	A version owns its immutable configuration, cumulative metrics, the
//	full history of deployments, and an audit changelog. Versions form a
//	lineage through ParentVersion / ChildVersions.
//
// Thread Safety: Guarded by the owning manager's lock. Snapshots returned
// by manager getters are deep copies.
type ModelVersion struct {
	ID          string `json:"id"`
	Version     string `json:"version"`
	ModelName   string `json:"model_name"`
	Description string `json:"description,omitempty"`

	Configuration ModelConfiguration `json:"configuration"`

	Status    ModelStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	CreatedBy string      `json:"created_by,omitempty"`

	Deployments       []*ModelDeployment `json:"deployments,omitempty"`
	CurrentDeployment *ModelDeployment   `json:"current_deployment,omitempty"`

	Metrics ModelMetrics `json:"metrics"`

	ValidationResults map[string]any `json:"validation_results,omitempty"`
	TestResults       map[string]any `json:"test_results,omitempty"`

	Changelog []ChangelogEntry `json:"changelog,omitempty"`
	Tags      []string         `json:"tags,omitempty"`

	ParentVersion string   `json:"parent_version,omitempty"`
	ChildVersions []string `json:"child_versions,omitempty"`
}

// NewModelVersion constructs a pending version with a fresh identity.
func NewModelVersion(modelName, version, description, createdBy string, cfg ModelConfiguration) *ModelVersion {
	v := &ModelVersion{
		ID:            uuid.NewString(),
		Version:       version,
		ModelName:     modelName,
		Description:   description,
		Configuration: cfg.Clone(),
		Status:        StatusPending,
		CreatedAt:     time.Now(),
		CreatedBy:     createdBy,
	}
	v.AppendChangelog("created", "", createdBy)
	return v
}

// Clone returns a deep copy safe to hand outside the manager's lock.
func (v *ModelVersion) Clone() *ModelVersion {
	out := *v
	out.Configuration = v.Configuration.Clone()

	if v.Deployments != nil {
		out.Deployments = make([]*ModelDeployment, len(v.Deployments))
		for i, d := range v.Deployments {
			dc := *d
			out.Deployments[i] = &dc
			if v.CurrentDeployment == d {
				out.CurrentDeployment = &dc
			}
		}
	}
	if v.CurrentDeployment != nil && out.CurrentDeployment == v.CurrentDeployment {
		dc := *v.CurrentDeployment
		out.CurrentDeployment = &dc
	}

	if v.ValidationResults != nil {
		out.ValidationResults = make(map[string]any, len(v.ValidationResults))
		for k, val := range v.ValidationResults {
			out.ValidationResults[k] = val
		}
	}
	if v.TestResults != nil {
		out.TestResults = make(map[string]any, len(v.TestResults))
		for k, val := range v.TestResults {
			out.TestResults[k] = val
		}
	}

	out.Changelog = append([]ChangelogEntry(nil), v.Changelog...)
	out.Tags = append([]string(nil), v.Tags...)
	out.ChildVersions = append([]string(nil), v.ChildVersions...)
	return &out
}

// AppendChangelog records an audited event on the version.
func (v *ModelVersion) AppendChangelog(event, detail, actor string) {
	v.Changelog = append(v.Changelog, ChangelogEntry{
		Timestamp: time.Now(),
		Event:     event,
		Detail:    detail,
		Actor:     actor,
	})
}

// SetStatus applies a lifecycle transition, enforcing the state machine
// and recording the change.
func (v *ModelVersion) SetStatus(to ModelStatus, detail string) error {
	if !CanTransition(v.Status, to) {
		return &InvalidTransitionError{From: v.Status, To: to}
	}
	if v.Status != to {
		v.AppendChangelog("status_change",
			fmt.Sprintf("%s -> %s: %s", v.Status, to, detail), "")
		v.Status = to
	}
	return nil
}

// AddDeployment appends a deployment and makes it current.
func (v *ModelVersion) AddDeployment(d *ModelDeployment) {
	v.Deployments = append(v.Deployments, d)
	v.CurrentDeployment = d
	v.AppendChangelog("deployment",
		fmt.Sprintf("strategy=%s traffic=%.1f%%", d.Strategy, d.TrafficPercentage),
		d.DeployedBy)
}

// ActiveDeployment returns the deployment currently routing traffic, or
// nil when none is.
func (v *ModelVersion) ActiveDeployment() *ModelDeployment {
	if v.CurrentDeployment != nil && v.CurrentDeployment.Active() {
		return v.CurrentDeployment
	}
	return nil
}

// UpdateMetrics folds one request outcome into the version's aggregates.
func (v *ModelVersion) UpdateMetrics(latency time.Duration, success bool, confidence, cost float64) {
	v.Metrics.Update(latency, success, confidence, cost)
}

// HealthScore computes a composite health value in [0, 1].
//
// Description:
//
//	Success rate contributes up to 0.4, latency up to 0.3 (full credit at
//	instant responses, none at 10s and beyond, 0.15 neutral when no
//	latency has been observed), confidence up to 0.2, and the error rate
//	subtracts up to 0.1. A version with zero requests scores a neutral
//	0.5 so that fresh deployments are neither promoted nor punished.
//
// Outputs:
//   - float64: Health in [0, 1].
func (v *ModelVersion) HealthScore() float64 {
	m := &v.Metrics
	if m.TotalRequests == 0 {
		return 0.5
	}

	score := m.SuccessRate() * 0.4
	if score > 0.4 {
		score = 0.4
	}

	if m.AvgResponseTime > 0 {
		latencyFactor := 1 - m.AvgResponseTime.Seconds()/10
		if latencyFactor < 0 {
			latencyFactor = 0
		}
		score += latencyFactor * 0.3
	} else {
		score += 0.15
	}

	score += m.AvgConfidence * 0.2

	penalty := m.ErrorRate * 0.1
	if penalty > 0.1 {
		penalty = 0.1
	}
	score -= penalty

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// ShouldRollback evaluates the active deployment's rollback policy.
//
// Description:
//
//	Returns false with an explanatory reason when no active deployment
//	exists, auto-rollback is disabled, or fewer than 100 requests have
//	accumulated. Otherwise thresholds are checked in priority order:
//	error rate, then latency, then success rate. The first breach wins.
//
// Outputs:
//   - bool: True when the deployment should be rolled back.
//   - string: Human-readable reason for the decision.
func (v *ModelVersion) ShouldRollback() (bool, string) {
	d := v.ActiveDeployment()
	if d == nil || !d.Rollback.AutoRollbackEnabled {
		return false, "auto-rollback not enabled"
	}

	m := &v.Metrics
	if m.TotalRequests < minRequestsForRollback {
		return false, fmt.Sprintf("insufficient data: %d/%d requests",
			m.TotalRequests, minRequestsForRollback)
	}

	if m.ErrorRate > d.Rollback.ErrorRateThreshold {
		return true, fmt.Sprintf("error rate %.2f%% exceeds threshold %.2f%%",
			m.ErrorRate*100, d.Rollback.ErrorRateThreshold*100)
	}

	if d.Rollback.LatencyThreshold > 0 && m.AvgResponseTime > d.Rollback.LatencyThreshold {
		return true, fmt.Sprintf("avg response time %s exceeds threshold %s",
			m.AvgResponseTime, d.Rollback.LatencyThreshold)
	}

	if m.SuccessRate() < d.Health.MinSuccessRate {
		return true, fmt.Sprintf("success rate %.2f%% below minimum %.2f%%",
			m.SuccessRate()*100, d.Health.MinSuccessRate*100)
	}

	return false, "all thresholds within bounds"
}
