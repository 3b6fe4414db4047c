// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package monitor

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Thresholds
// -----------------------------------------------------------------------------

// ThresholdOperator compares an observed value against the bound.
type ThresholdOperator string

const (
	OpGreaterThan ThresholdOperator = "greater_than"
	OpLessThan    ThresholdOperator = "less_than"
	OpEquals      ThresholdOperator = "equals"
)

// ThresholdAction is what happens when a threshold trips.
type ThresholdAction string

const (
	// ActionAlert notifies alert callbacks.
	ActionAlert ThresholdAction = "alert"

	// ActionRollback asks the version manager to revert.
	ActionRollback ThresholdAction = "rollback"

	// ActionScale is reserved for a serving-layer integration.
	ActionScale ThresholdAction = "scale"
)

// Severity ranks alerts.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Threshold is one monitored bound on a metric.
type Threshold struct {
	Metric   string            `json:"metric"`
	Value    float64           `json:"value"`
	Operator ThresholdOperator `json:"operator"`
	Severity Severity          `json:"severity"`

	// Duration the breach must persist before the action fires.
	// Zero fires on the first breached evaluation.
	Duration time.Duration `json:"duration,omitempty"`

	Action ThresholdAction `json:"action"`
}

// Breached reports whether the observed value trips the threshold.
func (t Threshold) Breached(value float64) bool {
	switch t.Operator {
	case OpGreaterThan:
		return value > t.Value
	case OpLessThan:
		return value < t.Value
	case OpEquals:
		return math.Abs(value-t.Value) < 1e-9
	default:
		return false
	}
}

// -----------------------------------------------------------------------------
// Alerts
// -----------------------------------------------------------------------------

// Alert is one open or resolved threshold violation.
type Alert struct {
	ID        string  `json:"id"`
	ModelName string  `json:"model_name"`
	Version   string  `json:"version"`
	Metric    string  `json:"metric"`
	Severity  Severity `json:"severity"`

	Threshold    Threshold `json:"threshold"`
	CurrentValue float64   `json:"current_value"`

	TriggeredAt time.Time `json:"triggered_at"`
	ResolvedAt  time.Time `json:"resolved_at,omitempty"`

	// ActionsTaken records what fired while the alert was open.
	ActionsTaken []string `json:"actions_taken,omitempty"`

	Message string `json:"message"`
}

func newAlert(model, version string, th Threshold, value float64) *Alert {
	return &Alert{
		ID:           uuid.NewString(),
		ModelName:    model,
		Version:      version,
		Metric:       th.Metric,
		Severity:     th.Severity,
		Threshold:    th,
		CurrentValue: value,
		TriggeredAt:  time.Now(),
		Message: fmt.Sprintf("%s %s %s %.4f (observed %.4f)",
			model, th.Metric, th.Operator, th.Value, value),
	}
}

// IsActive reports whether the alert is unresolved.
func (a *Alert) IsActive() bool {
	return a.ResolvedAt.IsZero()
}

// Duration returns how long the alert has been (or was) open.
func (a *Alert) Duration() time.Duration {
	if a.IsActive() {
		return time.Since(a.TriggeredAt)
	}
	return a.ResolvedAt.Sub(a.TriggeredAt)
}

// -----------------------------------------------------------------------------
// Baselines
// -----------------------------------------------------------------------------

// Baseline captures the historical norm of one metric.
type Baseline struct {
	ModelName string `json:"model_name"`
	Metric    string `json:"metric"`

	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`

	// CILower and CIUpper bound the 95% confidence interval of the mean.
	CILower float64 `json:"ci_lower"`
	CIUpper float64 `json:"ci_upper"`

	SampleSize   int       `json:"sample_size"`
	CalculatedAt time.Time `json:"calculated_at"`
}

// IsAnomaly reports whether a value sits further than sensitivity
// standard deviations from the baseline mean.
func (b *Baseline) IsAnomaly(value, sensitivity float64) bool {
	if b.StdDev == 0 {
		return value != b.Mean
	}
	return math.Abs(value-b.Mean) > sensitivity*b.StdDev
}
