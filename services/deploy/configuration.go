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
// Model Configuration
// -----------------------------------------------------------------------------

// ModelConfiguration describes how to invoke a model version.
//
// Description:
//
//	A configuration is immutable once attached to a ModelVersion. Changing
//	any field requires creating a new version so that every deployed
//	configuration stays auditable.
//
// Thread Safety: Read-only after construction.
type ModelConfiguration struct {
	Provider     string `json:"provider" validate:"required"`
	ModelName    string `json:"model_name" validate:"required"`
	ModelVersion string `json:"model_version,omitempty"`

	// Inference parameters.
	Temperature float64       `json:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int           `json:"max_tokens" validate:"gt=0"`
	Timeout     time.Duration `json:"timeout,omitempty"`

	// CustomParameters carries provider-specific knobs verbatim.
	CustomParameters map[string]any `json:"custom_parameters,omitempty"`

	// Resource hints for the serving layer.
	CPULimit    string `json:"cpu_limit,omitempty"`
	MemoryLimit string `json:"memory_limit,omitempty"`
	GPURequired bool   `json:"gpu_required,omitempty"`

	// Feature flags.
	CachingEnabled   bool `json:"caching_enabled,omitempty"`
	StreamingEnabled bool `json:"streaming_enabled,omitempty"`
	BatchEnabled     bool `json:"batch_enabled,omitempty"`
}

// Clone returns a deep copy of the configuration.
func (c ModelConfiguration) Clone() ModelConfiguration {
	out := c
	if c.CustomParameters != nil {
		out.CustomParameters = make(map[string]any, len(c.CustomParameters))
		for k, v := range c.CustomParameters {
			out.CustomParameters[k] = v
		}
	}
	return out
}
