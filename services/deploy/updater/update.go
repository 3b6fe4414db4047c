// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package updater

import (
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianDeploy/services/deploy"
)

// -----------------------------------------------------------------------------
// Enums
// -----------------------------------------------------------------------------

// UpdateTrigger is why an update was requested.
type UpdateTrigger string

const (
	TriggerManual                 UpdateTrigger = "manual"
	TriggerSchedule               UpdateTrigger = "schedule"
	TriggerPerformanceDegradation UpdateTrigger = "performance_degradation"
	TriggerNewModelAvailable      UpdateTrigger = "new_model_available"
	TriggerSecurityUpdate         UpdateTrigger = "security_update"
	TriggerConfigurationChange    UpdateTrigger = "configuration_change"
)

// UpdateStatus is the phase of an update's pipeline.
type UpdateStatus string

const (
	StatusPending    UpdateStatus = "pending"
	StatusValidating UpdateStatus = "validating"
	StatusDeploying  UpdateStatus = "deploying"
	StatusTesting    UpdateStatus = "testing"
	StatusCompleted  UpdateStatus = "completed"
	StatusFailed     UpdateStatus = "failed"
	StatusRolledBack UpdateStatus = "rolled_back"
)

// Terminal reports whether the status ends the pipeline.
func (s UpdateStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRolledBack:
		return true
	}
	return false
}

// -----------------------------------------------------------------------------
// Validation
// -----------------------------------------------------------------------------

// RuleSeverity ranks validation findings.
type RuleSeverity string

const (
	RuleSeverityWarning RuleSeverity = "warning"
	RuleSeverityError   RuleSeverity = "error"
)

// ValidationRule names one pre-deployment check.
type ValidationRule struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`

	// Validator is the registered validator function to run.
	Validator string `json:"validator"`

	Severity RuleSeverity  `json:"severity"`
	Timeout  time.Duration `json:"timeout,omitempty"`

	// Required failures with error severity abort the update.
	Required bool `json:"required"`
}

// ValidationResult is the outcome of one rule.
type ValidationResult struct {
	Rule     string         `json:"rule"`
	Passed   bool           `json:"passed"`
	Message  string         `json:"message,omitempty"`
	Duration time.Duration  `json:"duration"`
	Details  map[string]any `json:"details,omitempty"`
}

// -----------------------------------------------------------------------------
// Model Update
// -----------------------------------------------------------------------------

// ModelUpdate tracks one update through its pipeline.
type ModelUpdate struct {
	ID        string `json:"id"`
	ModelName string `json:"model_name"`

	CurrentVersion string `json:"current_version,omitempty"`
	TargetVersion  string `json:"target_version"`

	Trigger  UpdateTrigger             `json:"trigger"`
	Strategy deploy.DeploymentStrategy `json:"strategy"`

	// NewConfiguration creates the target version when it does not exist.
	NewConfiguration *deploy.ModelConfiguration `json:"new_configuration,omitempty"`

	Rules             []ValidationRule   `json:"rules,omitempty"`
	ValidationResults []ValidationResult `json:"validation_results,omitempty"`

	Status UpdateStatus `json:"status"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`

	DeploymentID   string `json:"deployment_id,omitempty"`
	ABTestID       string `json:"ab_test_id,omitempty"`
	RollbackReason string `json:"rollback_reason,omitempty"`

	TriggeredBy string `json:"triggered_by,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// NewModelUpdate constructs a pending update.
func NewModelUpdate(model, currentVersion, targetVersion string, trigger UpdateTrigger, strategy deploy.DeploymentStrategy) *ModelUpdate {
	return &ModelUpdate{
		ID:             uuid.NewString(),
		ModelName:      model,
		CurrentVersion: currentVersion,
		TargetVersion:  targetVersion,
		Trigger:        trigger,
		Strategy:       strategy,
		Status:         StatusPending,
		CreatedAt:      time.Now(),
	}
}

// Duration returns the wall-clock time from start to completion, or to
// now while the update runs.
func (u *ModelUpdate) Duration() time.Duration {
	if u.StartedAt.IsZero() {
		return 0
	}
	if u.CompletedAt.IsZero() {
		return time.Since(u.StartedAt)
	}
	return u.CompletedAt.Sub(u.StartedAt)
}

// ValidationPassed reports whether every required error-severity rule
// passed.
func (u *ModelUpdate) ValidationPassed() bool {
	byRule := make(map[string]ValidationRule, len(u.Rules))
	for _, r := range u.Rules {
		byRule[r.Name] = r
	}
	for _, res := range u.ValidationResults {
		if res.Passed {
			continue
		}
		rule := byRule[res.Rule]
		if rule.Required && rule.Severity == RuleSeverityError {
			return false
		}
	}
	return true
}

// clone returns a copy safe to hand outside the automation lock.
func (u *ModelUpdate) clone() *ModelUpdate {
	out := *u
	out.Rules = append([]ValidationRule(nil), u.Rules...)
	out.ValidationResults = append([]ValidationResult(nil), u.ValidationResults...)
	if u.NewConfiguration != nil {
		cfg := u.NewConfiguration.Clone()
		out.NewConfiguration = &cfg
	}
	return &out
}
