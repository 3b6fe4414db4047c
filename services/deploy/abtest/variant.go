// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package abtest

import "time"

// maxSampleBuffer caps per-variant sample retention. Counters keep the
// full history; only the distributions are bounded.
const maxSampleBuffer = 10000

// -----------------------------------------------------------------------------
// Variants
// -----------------------------------------------------------------------------

// VariantSpec identifies one arm of an experiment.
type VariantSpec struct {
	Name              string  `json:"name"`
	ModelName         string  `json:"model_name"`
	Version           string  `json:"version"`
	TrafficPercentage float64 `json:"traffic_percentage"`
}

// variantState accumulates outcomes for one arm.
//
// Thread Safety: Guarded by the owning Engine's lock.
type variantState struct {
	spec VariantSpec

	requests  int64
	successes int64
	failures  int64
	totalCost float64

	// Bounded sample buffers for distribution tests. Oldest evicted.
	responseTimes []float64
	confidences   []float64
}

func newVariantState(spec VariantSpec) *variantState {
	return &variantState{
		spec:          spec,
		responseTimes: make([]float64, 0, 1024),
		confidences:   make([]float64, 0, 1024),
	}
}

func (v *variantState) record(success bool, responseTime time.Duration, confidence, cost float64) {
	v.requests++
	if success {
		v.successes++
	} else {
		v.failures++
	}
	v.totalCost += cost

	if responseTime > 0 {
		if len(v.responseTimes) >= maxSampleBuffer {
			v.responseTimes = v.responseTimes[1:]
		}
		v.responseTimes = append(v.responseTimes, responseTime.Seconds())
	}
	if confidence >= 0 {
		if len(v.confidences) >= maxSampleBuffer {
			v.confidences = v.confidences[1:]
		}
		v.confidences = append(v.confidences, confidence)
	}
}

func (v *variantState) successRate() float64 {
	if v.requests == 0 {
		return 0
	}
	return float64(v.successes) / float64(v.requests)
}

// VariantSnapshot is an externally safe copy of one arm's state.
type VariantSnapshot struct {
	Spec            VariantSpec `json:"spec"`
	Requests        int64       `json:"requests"`
	Successes       int64       `json:"successes"`
	Failures        int64       `json:"failures"`
	SuccessRate     float64     `json:"success_rate"`
	AvgResponseTime float64     `json:"avg_response_time_seconds"`
	AvgConfidence   float64     `json:"avg_confidence"`
	CostPerRequest  float64     `json:"cost_per_request"`
}

func (v *variantState) snapshot() VariantSnapshot {
	s := VariantSnapshot{
		Spec:            v.spec,
		Requests:        v.requests,
		Successes:       v.successes,
		Failures:        v.failures,
		SuccessRate:     v.successRate(),
		AvgResponseTime: mean(v.responseTimes),
		AvgConfidence:   mean(v.confidences),
	}
	if v.requests > 0 {
		s.CostPerRequest = v.totalCost / float64(v.requests)
	}
	return s
}
