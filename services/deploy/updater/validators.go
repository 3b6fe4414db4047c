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
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Built-in validator names.
const (
	ValidatorConfiguration = "validate_model_configuration"
	ValidatorAvailability  = "validate_model_availability"
)

// ValidatorFunc checks one aspect of an update before deployment.
//
// Outputs:
//   - bool: Whether the check passed.
//   - string: Human-readable message.
//   - map[string]any: Optional structured details for the audit record.
type ValidatorFunc func(ctx context.Context, u *ModelUpdate) (bool, string, map[string]any)

// structValidator backs the configuration validator.
var structValidator = validator.New()

// validateConfiguration checks the target configuration's bounds:
// temperature in [0, 2], positive max tokens, provider and model set.
func validateConfiguration(ctx context.Context, u *ModelUpdate) (bool, string, map[string]any) {
	if u.NewConfiguration == nil {
		// Nothing to validate when an existing version is the target.
		return true, "no new configuration supplied", nil
	}

	if err := structValidator.StructCtx(ctx, u.NewConfiguration); err != nil {
		details := map[string]any{}
		if errs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range errs {
				details[fe.Field()] = fe.Tag()
			}
		}
		return false, fmt.Sprintf("configuration invalid: %v", err), details
	}
	return true, "configuration within bounds", nil
}

// availabilityValidator checks the update targets a reachable version:
// either an existing registered version or a creatable configuration.
func availabilityValidator(deployer VersionDeployer) ValidatorFunc {
	return func(ctx context.Context, u *ModelUpdate) (bool, string, map[string]any) {
		if u.NewConfiguration != nil {
			return true, "target version will be created from the supplied configuration", nil
		}
		if _, err := deployer.GetVersion(u.ModelName, u.TargetVersion); err != nil {
			return false, fmt.Sprintf("target version unavailable: %v", err), nil
		}
		return true, "target version registered", nil
	}
}

// defaultRules returns the standard pre-deployment rule set.
func defaultRules() []ValidationRule {
	return []ValidationRule{
		{
			Name:        ValidatorConfiguration,
			Description: "model configuration bounds",
			Validator:   ValidatorConfiguration,
			Severity:    RuleSeverityError,
			Required:    true,
		},
		{
			Name:        ValidatorAvailability,
			Description: "target version reachability",
			Validator:   ValidatorAvailability,
			Severity:    RuleSeverityError,
			Required:    true,
		},
	}
}
