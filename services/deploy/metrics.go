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

// emaAlpha is the smoothing factor for running latency and confidence
// averages. Recent requests dominate without storing per-request history.
const emaAlpha = 0.1

// -----------------------------------------------------------------------------
// Model Metrics
// -----------------------------------------------------------------------------

// ModelMetrics accumulates per-version performance counters.
//
// Description:
//
//	Latency and confidence use an exponential moving average so the
//	struct stays constant-size regardless of traffic volume. Counters are
//	cumulative for the life of the version and are never reset implicitly.
//
// Thread Safety: Guarded by the owning ModelVersion's lock.
type ModelMetrics struct {
	TotalRequests      int64 `json:"total_requests"`
	SuccessfulRequests int64 `json:"successful_requests"`
	FailedRequests     int64 `json:"failed_requests"`

	AvgResponseTime time.Duration `json:"avg_response_time"`
	MinResponseTime time.Duration `json:"min_response_time"`
	MaxResponseTime time.Duration `json:"max_response_time"`

	AvgConfidence float64 `json:"avg_confidence"`

	TotalCost      float64 `json:"total_cost"`
	CostPerRequest float64 `json:"cost_per_request"`

	ErrorRate float64 `json:"error_rate"`

	FirstRequestAt time.Time `json:"first_request_at,omitempty"`
	LastRequestAt  time.Time `json:"last_request_at,omitempty"`
}

// Update folds one request outcome into the running aggregates.
//
// Inputs:
//   - latency: Observed end-to-end response time.
//   - success: Whether the request succeeded.
//   - confidence: Model confidence in [0, 1]. Ignored when negative.
//   - cost: Incremental cost attributed to the request.
func (m *ModelMetrics) Update(latency time.Duration, success bool, confidence, cost float64) {
	now := time.Now()
	if m.TotalRequests == 0 {
		m.FirstRequestAt = now
	}
	m.LastRequestAt = now
	m.TotalRequests++

	if success {
		m.SuccessfulRequests++
	} else {
		m.FailedRequests++
	}
	m.ErrorRate = float64(m.FailedRequests) / float64(m.TotalRequests)

	if latency > 0 {
		if m.AvgResponseTime == 0 {
			m.AvgResponseTime = latency
		} else {
			m.AvgResponseTime = time.Duration(
				emaAlpha*float64(latency) + (1-emaAlpha)*float64(m.AvgResponseTime))
		}
		if m.MinResponseTime == 0 || latency < m.MinResponseTime {
			m.MinResponseTime = latency
		}
		if latency > m.MaxResponseTime {
			m.MaxResponseTime = latency
		}
	}

	if confidence >= 0 {
		if m.AvgConfidence == 0 {
			m.AvgConfidence = confidence
		} else {
			m.AvgConfidence = emaAlpha*confidence + (1-emaAlpha)*m.AvgConfidence
		}
	}

	if cost > 0 {
		m.TotalCost += cost
	}
	m.CostPerRequest = m.TotalCost / float64(m.TotalRequests)
}

// SuccessRate returns the fraction of requests that succeeded, or 0 when
// no traffic has been recorded.
func (m *ModelMetrics) SuccessRate() float64 {
	if m.TotalRequests == 0 {
		return 0
	}
	return float64(m.SuccessfulRequests) / float64(m.TotalRequests)
}

// Reset zeroes all counters. Only administrative operations call this;
// normal lifecycle transitions keep history intact.
func (m *ModelMetrics) Reset() {
	*m = ModelMetrics{}
}
