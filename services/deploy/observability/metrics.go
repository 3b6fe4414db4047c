// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the deployment core.
//
// # Description
//
// Metrics cover the deployment lifecycle end to end:
//   - Deployment and rollback counters (by model, strategy, reason class)
//   - Per-version health score and active version gauges
//   - Recorded request outcomes
//   - A/B analysis verdicts
//   - Alerting and update automation activity
//
// # Integration
//
// Exposed via the /metrics endpoint in cmd/deployd. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for deployment lifecycle metrics
const deploySubsystem = "deploy"

// DeployMetrics holds all Prometheus metrics for the deployment core.
//
// # Thread Safety
//
// All operations are thread-safe.
type DeployMetrics struct {
	// DeploymentsTotal counts deployments by model and strategy.
	DeploymentsTotal *prometheus.CounterVec

	// RollbacksTotal counts rollbacks by model and reason class.
	// Labels: model, reason_class (error_rate, latency, success_rate,
	// manual, health)
	RollbacksTotal *prometheus.CounterVec

	// ActiveVersions tracks whether a model has an active version.
	ActiveVersions *prometheus.GaugeVec

	// HealthScore exposes the composite health score per version.
	HealthScore *prometheus.GaugeVec

	// RequestsRecordedTotal counts request outcomes folded into metrics.
	// Labels: model, outcome (success, failure)
	RequestsRecordedTotal *prometheus.CounterVec

	// ABAnalysesTotal counts completed A/B analyses by verdict.
	ABAnalysesTotal *prometheus.CounterVec

	// AlertsActive tracks currently open performance alerts.
	AlertsActive prometheus.Gauge

	// UpdatesTotal counts automation updates by terminal status.
	UpdatesTotal *prometheus.CounterVec

	// UpdateDurationSeconds measures end-to-end update duration.
	UpdateDurationSeconds prometheus.Histogram

	// PersistDurationSeconds measures version persistence latency.
	PersistDurationSeconds prometheus.Histogram
}

// DefaultMetrics is the singleton instance of DeployMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *DeployMetrics

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics. Call once at application
// startup; a second call panics on duplicate registration.
//
// # Outputs
//
//   - *DeployMetrics: The initialized metrics instance.
func InitMetrics() *DeployMetrics {
	DefaultMetrics = &DeployMetrics{
		DeploymentsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: deploySubsystem,
				Name:      "deployments_total",
				Help:      "Total deployments by model and strategy",
			},
			[]string{"model", "strategy"},
		),

		RollbacksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: deploySubsystem,
				Name:      "rollbacks_total",
				Help:      "Total rollbacks by model and reason class",
			},
			[]string{"model", "reason_class"},
		),

		ActiveVersions: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: deploySubsystem,
				Name:      "active_versions",
				Help:      "Whether a model currently has an active version",
			},
			[]string{"model"},
		),

		HealthScore: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: deploySubsystem,
				Name:      "health_score",
				Help:      "Composite health score per model version",
			},
			[]string{"model", "version"},
		),

		RequestsRecordedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: deploySubsystem,
				Name:      "requests_recorded_total",
				Help:      "Total request outcomes recorded by model and outcome",
			},
			[]string{"model", "outcome"},
		),

		ABAnalysesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: deploySubsystem,
				Name:      "ab_analyses_total",
				Help:      "Total A/B analyses by verdict",
			},
			[]string{"verdict"},
		),

		AlertsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: deploySubsystem,
				Name:      "alerts_active",
				Help:      "Currently open performance alerts",
			},
		),

		UpdatesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: deploySubsystem,
				Name:      "updates_total",
				Help:      "Total automation updates by terminal status",
			},
			[]string{"status"},
		),

		UpdateDurationSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: deploySubsystem,
				Name:      "update_duration_seconds",
				Help:      "End-to-end update duration in seconds",
				Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
			},
		),

		PersistDurationSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: deploySubsystem,
				Name:      "persist_duration_seconds",
				Help:      "Version persistence latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
		),
	}

	return DefaultMetrics
}

// Get returns the singleton, or nil when metrics are not initialized.
// Callers must tolerate nil so library code works without Prometheus.
func Get() *DeployMetrics {
	return DefaultMetrics
}
