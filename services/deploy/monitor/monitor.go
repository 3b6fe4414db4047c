// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package monitor watches live model performance: bounded in-memory sample
// retention, threshold evaluation with alert/rollback actions, statistical
// baselines with anomaly detection, and retention cleanup.
package monitor

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianDeploy/services/deploy/observability"
)

const (
	// maxSamplesPerKey caps the per-version sample ring.
	maxSamplesPerKey = 10000

	// rollingWindow is the averaging window for current metrics.
	rollingWindow = time.Hour

	// baselineExclusionWindow keeps the freshest samples out of baseline
	// calculation so an ongoing incident cannot shift the norm.
	baselineExclusionWindow = 24 * time.Hour

	// baselineMinSamples is the floor for a usable baseline.
	baselineMinSamples = 100
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config holds monitor settings.
type Config struct {
	// MonitoringInterval is how often thresholds are evaluated.
	MonitoringInterval time.Duration `yaml:"monitoring_interval"`

	// BaselineInterval is how often baselines are recalculated.
	BaselineInterval time.Duration `yaml:"baseline_interval"`

	// CleanupInterval is how often retention is enforced.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// DataRetention bounds sample and alert history age.
	DataRetention time.Duration `yaml:"data_retention"`

	// AnomalySensitivity is the standard-deviation multiplier for
	// anomaly detection.
	AnomalySensitivity float64 `yaml:"anomaly_sensitivity"`

	// AlertCallbackRate caps alert callback fanout per second to keep an
	// alert storm from overwhelming downstream notifiers.
	AlertCallbackRate rate.Limit `yaml:"alert_callback_rate"`
}

// DefaultConfig returns production defaults: minute-level evaluation,
// hourly baselines, one week of retention.
func DefaultConfig() Config {
	return Config{
		MonitoringInterval: time.Minute,
		BaselineInterval:   time.Hour,
		CleanupInterval:    time.Hour,
		DataRetention:      168 * time.Hour,
		AnomalySensitivity: 2.0,
		AlertCallbackRate:  rate.Limit(10),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MonitoringInterval <= 0 {
		c.MonitoringInterval = d.MonitoringInterval
	}
	if c.BaselineInterval <= 0 {
		c.BaselineInterval = d.BaselineInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.DataRetention <= 0 {
		c.DataRetention = d.DataRetention
	}
	if c.AnomalySensitivity <= 0 {
		c.AnomalySensitivity = d.AnomalySensitivity
	}
	if c.AlertCallbackRate <= 0 {
		c.AlertCallbackRate = d.AlertCallbackRate
	}
	return c
}

// -----------------------------------------------------------------------------
// Callbacks
// -----------------------------------------------------------------------------

// AlertCallback receives a copy of a newly opened or resolved alert.
type AlertCallback func(Alert)

// RollbackCallback asks the deployment layer to revert a version.
type RollbackCallback func(model, version, reason string)

// -----------------------------------------------------------------------------
// Samples
// -----------------------------------------------------------------------------

type perfSample struct {
	at      time.Time
	metrics map[string]float64
}

// MetricSummary aggregates one metric over the rolling window.
type MetricSummary struct {
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

// TrendPoint is one hourly bucket of a metric.
type TrendPoint struct {
	Hour  time.Time `json:"hour"`
	Avg   float64   `json:"avg"`
	Count int       `json:"count"`
}

// -----------------------------------------------------------------------------
// Monitor
// -----------------------------------------------------------------------------

// Monitor owns performance samples, thresholds, alerts, and baselines.
//
// Description:
//
//	Samples are held in bounded per-(model, version) rings; nothing is
//	persisted. Threshold evaluation, baseline recalculation, and
//	retention run on independent tickers started by Start().
//
// Thread Safety: Safe for concurrent use.
type Monitor struct {
	mu  sync.RWMutex
	cfg Config

	// samples is keyed by model:version.
	samples map[string][]perfSample

	// thresholds are configured per model.
	thresholds map[string][]Threshold

	// alerts keyed by model:version:metric while open.
	alerts  map[string]*Alert
	history []*Alert

	// baselines keyed by model:metric.
	baselines map[string]*Baseline

	alertCallbacks    []AlertCallback
	rollbackCallbacks []RollbackCallback
	limiter           *rate.Limiter

	logger *slog.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	halted  bool
}

// NewMonitor constructs an idle monitor. Call Start to run the loops.
func NewMonitor(cfg Config, logger *slog.Logger) *Monitor {
	cfg = cfg.withDefaults()
	return &Monitor{
		cfg:        cfg,
		samples:    make(map[string][]perfSample),
		thresholds: make(map[string][]Threshold),
		alerts:     make(map[string]*Alert),
		baselines:  make(map[string]*Baseline),
		limiter:    rate.NewLimiter(cfg.AlertCallbackRate, int(cfg.AlertCallbackRate)),
		logger:     logger,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

func sampleKey(model, version string) string { return model + ":" + version }

// RecordPerformance folds one measurement set into the sample ring.
func (m *Monitor) RecordPerformance(model, version string, metrics map[string]float64) {
	if len(metrics) == 0 {
		return
	}
	copied := make(map[string]float64, len(metrics))
	for k, v := range metrics {
		copied[k] = v
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := sampleKey(model, version)
	ring := m.samples[key]
	if len(ring) >= maxSamplesPerKey {
		ring = ring[1:]
	}
	m.samples[key] = append(ring, perfSample{at: time.Now(), metrics: copied})
}

// SetThresholds replaces the monitored bounds for a model.
func (m *Monitor) SetThresholds(model string, thresholds []Threshold) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds[model] = append([]Threshold(nil), thresholds...)
}

// AddAlertCallback registers an additional alert receiver.
func (m *Monitor) AddAlertCallback(cb AlertCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alertCallbacks = append(m.alertCallbacks, cb)
}

// AddRollbackCallback registers an additional rollback executor.
func (m *Monitor) AddRollbackCallback(cb RollbackCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollbackCallbacks = append(m.rollbackCallbacks, cb)
}

// CurrentMetrics summarizes the last hour of samples for a version.
func (m *Monitor) CurrentMetrics(model, version string) map[string]MetricSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.windowSummaryLocked(sampleKey(model, version), time.Now().Add(-rollingWindow))
}

func (m *Monitor) windowSummaryLocked(key string, since time.Time) map[string]MetricSummary {
	out := make(map[string]MetricSummary)
	for _, s := range m.samples[key] {
		if s.at.Before(since) {
			continue
		}
		for metric, v := range s.metrics {
			sum, ok := out[metric]
			if !ok {
				sum = MetricSummary{Min: v, Max: v}
			}
			if v < sum.Min {
				sum.Min = v
			}
			if v > sum.Max {
				sum.Max = v
			}
			// Avg holds the running total until the final division.
			sum.Avg += v
			sum.Count++
			out[metric] = sum
		}
	}
	for metric, sum := range out {
		sum.Avg /= float64(sum.Count)
		out[metric] = sum
	}
	return out
}

// PerformanceTrends buckets a metric into hourly averages over the given
// lookback.
func (m *Monitor) PerformanceTrends(model, version, metric string, lookback time.Duration) []TrendPoint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	since := time.Now().Add(-lookback)
	buckets := make(map[time.Time]*TrendPoint)
	for _, s := range m.samples[sampleKey(model, version)] {
		if s.at.Before(since) {
			continue
		}
		v, ok := s.metrics[metric]
		if !ok {
			continue
		}
		hour := s.at.Truncate(time.Hour)
		b, ok := buckets[hour]
		if !ok {
			b = &TrendPoint{Hour: hour}
			buckets[hour] = b
		}
		b.Avg += v
		b.Count++
	}

	out := make([]TrendPoint, 0, len(buckets))
	for _, b := range buckets {
		b.Avg /= float64(b.Count)
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour.Before(out[j].Hour) })
	return out
}

// CompareVersions returns the rolling-window summaries of two versions
// side by side, keyed by metric.
func (m *Monitor) CompareVersions(model, versionA, versionB string) map[string][2]MetricSummary {
	a := m.CurrentMetrics(model, versionA)
	b := m.CurrentMetrics(model, versionB)

	out := make(map[string][2]MetricSummary)
	for metric, sa := range a {
		out[metric] = [2]MetricSummary{sa, b[metric]}
	}
	for metric, sb := range b {
		if _, seen := out[metric]; !seen {
			out[metric] = [2]MetricSummary{{}, sb}
		}
	}
	return out
}

// ActiveAlerts returns copies of all open alerts.
func (m *Monitor) ActiveAlerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].TriggeredAt.Before(out[j].TriggeredAt)
	})
	return out
}

// AlertHistory returns copies of resolved alerts, newest first.
func (m *Monitor) AlertHistory(limit int) []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := len(m.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Alert, 0, n)
	for i := len(m.history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, *m.history[i])
	}
	return out
}

// ResolveAlert manually closes an open alert by ID.
func (m *Monitor) ResolveAlert(alertID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, a := range m.alerts {
		if a.ID == alertID {
			m.resolveLocked(key, a)
			return true
		}
	}
	return false
}

// Baselines returns copies of all current baselines keyed by model:metric.
func (m *Monitor) Baselines() map[string]Baseline {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Baseline, len(m.baselines))
	for k, b := range m.baselines {
		out[k] = *b
	}
	return out
}

// MonitorStatistics summarizes monitor state.
type MonitorStatistics struct {
	TrackedKeys    int `json:"tracked_keys"`
	TotalSamples   int `json:"total_samples"`
	ActiveAlerts   int `json:"active_alerts"`
	ResolvedAlerts int `json:"resolved_alerts"`
	Baselines      int `json:"baselines"`
}

// Statistics returns monitor-wide aggregates.
func (m *Monitor) Statistics() MonitorStatistics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := MonitorStatistics{
		TrackedKeys:    len(m.samples),
		ActiveAlerts:   len(m.alerts),
		ResolvedAlerts: len(m.history),
		Baselines:      len(m.baselines),
	}
	for _, ring := range m.samples {
		stats.TotalSamples += len(ring)
	}
	return stats
}

// -----------------------------------------------------------------------------
// Loops
// -----------------------------------------------------------------------------

// Start launches threshold evaluation, baseline, and cleanup loops.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started || m.halted {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.run()
}

// Stop halts all loops and waits for them. Safe to call multiple times.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.halted {
		m.mu.Unlock()
		return
	}
	m.halted = true
	started := m.started
	m.mu.Unlock()

	close(m.stopCh)
	if started {
		<-m.doneCh
	}
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	evaluate := time.NewTicker(m.cfg.MonitoringInterval)
	baseline := time.NewTicker(m.cfg.BaselineInterval)
	cleanup := time.NewTicker(m.cfg.CleanupInterval)
	defer evaluate.Stop()
	defer baseline.Stop()
	defer cleanup.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-evaluate.C:
			m.EvaluateThresholds()
		case <-baseline.C:
			m.RecalculateBaselines()
		case <-cleanup.C:
			m.cleanupPass()
		}
	}
}

// EvaluateThresholds runs one threshold and anomaly pass. Exported so the
// wiring layer can force an immediate evaluation.
func (m *Monitor) EvaluateThresholds() {
	type firing struct {
		alert    Alert
		action   ThresholdAction
		model    string
		version  string
		reason   string
		resolved bool
	}
	var fired []firing

	m.mu.Lock()
	windowStart := time.Now().Add(-rollingWindow)
	for key, ring := range m.samples {
		if len(ring) == 0 {
			continue
		}
		model, version := splitKey(key)
		ths := m.thresholds[model]

		summary := m.windowSummaryLocked(key, windowStart)

		for _, th := range ths {
			sum, ok := summary[th.Metric]
			if !ok {
				continue
			}
			alertKey := key + ":" + th.Metric

			if th.Breached(sum.Avg) {
				a, open := m.alerts[alertKey]
				if !open {
					a = newAlert(model, version, th, sum.Avg)
					m.alerts[alertKey] = a
					m.logger.Warn("threshold breached",
						slog.String("model", model),
						slog.String("version", version),
						slog.String("metric", th.Metric),
						slog.Float64("value", sum.Avg))
				} else {
					a.CurrentValue = sum.Avg
				}
				if th.Duration > 0 && a.Duration() < th.Duration {
					continue
				}

				switch th.Action {
				case ActionAlert:
					if !contains(a.ActionsTaken, string(ActionAlert)) {
						a.ActionsTaken = append(a.ActionsTaken, string(ActionAlert))
						fired = append(fired, firing{alert: *a, action: ActionAlert})
					}
				case ActionRollback:
					if !contains(a.ActionsTaken, string(ActionRollback)) {
						a.ActionsTaken = append(a.ActionsTaken, string(ActionRollback))
						fired = append(fired, firing{
							alert: *a, action: ActionRollback,
							model: model, version: version,
							reason: a.Message,
						})
					}
				case ActionScale:
					// Serving-layer integration point. Recorded only.
					if !contains(a.ActionsTaken, string(ActionScale)) {
						a.ActionsTaken = append(a.ActionsTaken, string(ActionScale))
						m.logger.Info("scale action recorded",
							slog.String("model", model),
							slog.String("metric", th.Metric))
					}
				}
			} else if a, open := m.alerts[alertKey]; open {
				m.resolveLocked(alertKey, a)
				fired = append(fired, firing{alert: *a, action: ActionAlert, resolved: true})
			}
		}

		m.detectAnomaliesLocked(model, summary)
	}
	m.updateAlertGaugeLocked()
	alertCbs := append([]AlertCallback(nil), m.alertCallbacks...)
	rollbackCbs := append([]RollbackCallback(nil), m.rollbackCallbacks...)
	m.mu.Unlock()

	// Callbacks run outside the lock.
	for _, f := range fired {
		switch f.action {
		case ActionAlert:
			m.fanoutAlert(alertCbs, f.alert)
		case ActionRollback:
			m.fanoutAlert(alertCbs, f.alert)
			for _, cb := range rollbackCbs {
				cb(f.model, f.version, f.reason)
			}
		}
	}
}

func (m *Monitor) detectAnomaliesLocked(model string, summary map[string]MetricSummary) {
	for metric, sum := range summary {
		b, ok := m.baselines[model+":"+metric]
		if !ok {
			continue
		}
		if b.IsAnomaly(sum.Avg, m.cfg.AnomalySensitivity) {
			m.logger.Warn("metric anomaly detected",
				slog.String("model", model),
				slog.String("metric", metric),
				slog.Float64("value", sum.Avg),
				slog.Float64("baseline_mean", b.Mean),
				slog.Float64("baseline_std", b.StdDev))
		}
	}
}

func (m *Monitor) resolveLocked(key string, a *Alert) {
	a.ResolvedAt = time.Now()
	delete(m.alerts, key)
	m.history = append(m.history, a)
	m.logger.Info("alert resolved",
		slog.String("model", a.ModelName),
		slog.String("metric", a.Metric),
		slog.Duration("open_for", a.Duration()))
}

func (m *Monitor) updateAlertGaugeLocked() {
	if mx := observability.Get(); mx != nil {
		mx.AlertsActive.Set(float64(len(m.alerts)))
	}
}

// fanoutAlert delivers one alert to every callback, rate-limited.
func (m *Monitor) fanoutAlert(cbs []AlertCallback, a Alert) {
	if !m.limiter.Allow() {
		m.logger.Warn("alert callback suppressed by rate limit",
			slog.String("alert_id", a.ID))
		return
	}
	for _, cb := range cbs {
		cb(a)
	}
}

// RecalculateBaselines rebuilds per-(model, metric) baselines from samples
// older than the exclusion window. Exported for the wiring layer.
func (m *Monitor) RecalculateBaselines() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-baselineExclusionWindow)

	// Pool samples per model across versions.
	values := make(map[string][]float64)
	for key, ring := range m.samples {
		model, _ := splitKey(key)
		for _, s := range ring {
			if s.at.After(cutoff) {
				continue
			}
			for metric, v := range s.metrics {
				k := model + ":" + metric
				values[k] = append(values[k], v)
			}
		}
	}

	for k, vs := range values {
		if len(vs) < baselineMinSamples {
			continue
		}
		mean := 0.0
		for _, v := range vs {
			mean += v
		}
		mean /= float64(len(vs))

		var sumSq float64
		for _, v := range vs {
			d := v - mean
			sumSq += d * d
		}
		std := math.Sqrt(sumSq / float64(len(vs)-1))
		margin := 1.96 * std / math.Sqrt(float64(len(vs)))

		model, metric := splitKey(k)
		m.baselines[k] = &Baseline{
			ModelName:    model,
			Metric:       metric,
			Mean:         mean,
			StdDev:       std,
			CILower:      mean - margin,
			CIUpper:      mean + margin,
			SampleSize:   len(vs),
			CalculatedAt: time.Now(),
		}
	}
	if len(values) > 0 {
		m.logger.Debug("baselines recalculated",
			slog.Int("baselines", len(m.baselines)))
	}
}

// cleanupPass drops samples and history beyond the retention window.
func (m *Monitor) cleanupPass() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-m.cfg.DataRetention)

	for key, ring := range m.samples {
		idx := sort.Search(len(ring), func(i int) bool {
			return ring[i].at.After(cutoff)
		})
		if idx == 0 {
			continue
		}
		if idx >= len(ring) {
			delete(m.samples, key)
			continue
		}
		m.samples[key] = append([]perfSample(nil), ring[idx:]...)
	}

	kept := m.history[:0]
	for _, a := range m.history {
		if a.ResolvedAt.After(cutoff) {
			kept = append(kept, a)
		}
	}
	m.history = kept
}

func splitKey(key string) (string, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
