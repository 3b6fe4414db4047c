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
	"errors"
	"fmt"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrInsufficientData indicates not enough traffic has accumulated for
	// a statistical or rollback decision.
	ErrInsufficientData = errors.New("insufficient data for evaluation")

	// ErrValidationFailed indicates a pre-deployment validation rule failed.
	ErrValidationFailed = errors.New("validation failed")

	// ErrDeploymentFailed indicates a deployment could not be carried out.
	ErrDeploymentFailed = errors.New("deployment failed")

	// ErrUpdateTimeout indicates an update exceeded its wall-clock budget.
	ErrUpdateTimeout = errors.New("update timed out")

	// ErrStorageUnavailable indicates the persistence layer rejected an
	// operation. The in-memory registry remains authoritative.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrManagerStopped indicates the manager is shut down.
	ErrManagerStopped = errors.New("manager stopped")
)

// NotFoundError reports a missing model or version.
type NotFoundError struct {
	Model   string
	Version string
}

func (e *NotFoundError) Error() string {
	if e.Version == "" {
		return fmt.Sprintf("model %q not found", e.Model)
	}
	return fmt.Sprintf("model %q version %q not found", e.Model, e.Version)
}

// DuplicateVersionError reports an attempt to register a (model, version)
// pair that already exists.
type DuplicateVersionError struct {
	Model   string
	Version string
}

func (e *DuplicateVersionError) Error() string {
	return fmt.Sprintf("model %q version %q already exists", e.Model, e.Version)
}

// NoRollbackTargetError reports that no prior version qualified as a
// rollback target.
type NoRollbackTargetError struct {
	Model  string
	Reason string
}

func (e *NoRollbackTargetError) Error() string {
	return fmt.Sprintf("no rollback target for model %q: %s", e.Model, e.Reason)
}

// InvalidTransitionError reports a lifecycle transition outside the
// allowed state machine.
type InvalidTransitionError struct {
	From ModelStatus
	To   ModelStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}
