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
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"
)

func newTestMonitor() *Monitor {
	return NewMonitor(DefaultConfig(),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestThresholdBreached(t *testing.T) {
	cases := []struct {
		name  string
		th    Threshold
		value float64
		want  bool
	}{
		{"GreaterThanTrips", Threshold{Metric: "error_rate", Value: 0.1, Operator: OpGreaterThan}, 0.2, true},
		{"GreaterThanHolds", Threshold{Metric: "error_rate", Value: 0.1, Operator: OpGreaterThan}, 0.05, false},
		{"LessThanTrips", Threshold{Metric: "success_rate", Value: 0.95, Operator: OpLessThan}, 0.90, true},
		{"LessThanHolds", Threshold{Metric: "success_rate", Value: 0.95, Operator: OpLessThan}, 0.99, false},
		{"EqualsTrips", Threshold{Metric: "queue_depth", Value: 0, Operator: OpEquals}, 0, true},
		{"EqualsHolds", Threshold{Metric: "queue_depth", Value: 0, Operator: OpEquals}, 1, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.th.Breached(tc.value); got != tc.want {
				t.Errorf("Breached(%v) = %v, want %v", tc.value, got, tc.want)
			}
		})
	}
}

func TestCurrentMetrics(t *testing.T) {
	m := newTestMonitor()

	for i := 0; i < 10; i++ {
		m.RecordPerformance("sorter", "1.0.0", map[string]float64{
			"response_time": float64(i + 1), // 1..10
			"error_rate":    0.02,
		})
	}

	got := m.CurrentMetrics("sorter", "1.0.0")
	rt, ok := got["response_time"]
	if !ok {
		t.Fatal("response_time missing from summary")
	}
	if rt.Count != 10 || rt.Min != 1 || rt.Max != 10 {
		t.Errorf("summary = %+v, want count 10 min 1 max 10", rt)
	}
	if math.Abs(rt.Avg-5.5) > 1e-9 {
		t.Errorf("Avg = %v, want 5.5", rt.Avg)
	}

	if empty := m.CurrentMetrics("sorter", "9.9.9"); len(empty) != 0 {
		t.Errorf("unknown version summary = %v, want empty", empty)
	}
}

func TestThresholdAlertLifecycle(t *testing.T) {
	m := newTestMonitor()
	m.SetThresholds("sorter", []Threshold{{
		Metric:   "error_rate",
		Value:    0.1,
		Operator: OpGreaterThan,
		Severity: SeverityCritical,
		Action:   ActionAlert,
	}})

	var mu sync.Mutex
	var received []Alert
	m.AddAlertCallback(func(a Alert) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, a)
	})

	// Breach.
	for i := 0; i < 5; i++ {
		m.RecordPerformance("sorter", "1.0.0", map[string]float64{"error_rate": 0.3})
	}
	m.EvaluateThresholds()

	active := m.ActiveAlerts()
	if len(active) != 1 {
		t.Fatalf("active alerts = %d, want 1", len(active))
	}
	if active[0].Metric != "error_rate" || active[0].Severity != SeverityCritical {
		t.Errorf("alert = %+v, want critical error_rate", active[0])
	}

	mu.Lock()
	if len(received) != 1 {
		t.Errorf("callbacks = %d, want 1", len(received))
	}
	mu.Unlock()

	// A second breached evaluation updates, not duplicates.
	m.EvaluateThresholds()
	if got := len(m.ActiveAlerts()); got != 1 {
		t.Errorf("active after re-evaluation = %d, want 1", got)
	}

	// Recovery resolves the alert into history.
	for i := 0; i < 200; i++ {
		m.RecordPerformance("sorter", "1.0.0", map[string]float64{"error_rate": 0.0})
	}
	m.EvaluateThresholds()

	if got := len(m.ActiveAlerts()); got != 0 {
		t.Fatalf("active after recovery = %d, want 0", got)
	}
	hist := m.AlertHistory(10)
	if len(hist) != 1 || hist[0].IsActive() {
		t.Errorf("history = %+v, want one resolved alert", hist)
	}
}

func TestRollbackActionFiresCallback(t *testing.T) {
	m := newTestMonitor()
	m.SetThresholds("sorter", []Threshold{{
		Metric:   "error_rate",
		Value:    0.1,
		Operator: OpGreaterThan,
		Severity: SeverityCritical,
		Action:   ActionRollback,
	}})

	var mu sync.Mutex
	calls := 0
	var gotModel, gotVersion string
	m.AddRollbackCallback(func(model, version, reason string) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		gotModel, gotVersion = model, version
	})

	for i := 0; i < 5; i++ {
		m.RecordPerformance("sorter", "2.0.0", map[string]float64{"error_rate": 0.5})
	}
	m.EvaluateThresholds()
	// A still-open alert must not retrigger the rollback.
	m.EvaluateThresholds()

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("rollback callbacks = %d, want exactly 1", calls)
	}
	if gotModel != "sorter" || gotVersion != "2.0.0" {
		t.Errorf("rollback target = %s/%s, want sorter/2.0.0", gotModel, gotVersion)
	}
}

func TestDurationGatedAlertNotifies(t *testing.T) {
	m := newTestMonitor()
	m.SetThresholds("sorter", []Threshold{{
		Metric:   "error_rate",
		Value:    0.1,
		Operator: OpGreaterThan,
		Severity: SeverityWarning,
		Action:   ActionAlert,
		Duration: 5 * time.Minute,
	}})

	var mu sync.Mutex
	calls := 0
	m.AddAlertCallback(func(a Alert) {
		mu.Lock()
		defer mu.Unlock()
		if a.IsActive() {
			calls++
		}
	})

	for i := 0; i < 5; i++ {
		m.RecordPerformance("sorter", "2.0.0", map[string]float64{"error_rate": 0.5})
	}

	// First pass opens the alert but the breach is younger than Duration.
	m.EvaluateThresholds()
	mu.Lock()
	if calls != 0 {
		mu.Unlock()
		t.Fatalf("alert callbacks before the duration elapsed = %d, want 0", calls)
	}
	mu.Unlock()

	// Age the open alert past the gate.
	m.mu.Lock()
	a, ok := m.alerts[sampleKey("sorter", "2.0.0")+":error_rate"]
	if !ok {
		m.mu.Unlock()
		t.Fatal("expected an open alert after the first pass")
	}
	a.TriggeredAt = a.TriggeredAt.Add(-10 * time.Minute)
	m.mu.Unlock()

	m.EvaluateThresholds()
	// A still-open alert must not notify twice.
	m.EvaluateThresholds()

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("alert callbacks = %d, want exactly 1", calls)
	}
}

func TestResolveAlertManually(t *testing.T) {
	m := newTestMonitor()
	m.SetThresholds("sorter", []Threshold{{
		Metric:   "error_rate",
		Value:    0.1,
		Operator: OpGreaterThan,
		Action:   ActionAlert,
	}})
	m.RecordPerformance("sorter", "1.0.0", map[string]float64{"error_rate": 0.9})
	m.EvaluateThresholds()

	active := m.ActiveAlerts()
	if len(active) != 1 {
		t.Fatalf("active = %d, want 1", len(active))
	}
	if !m.ResolveAlert(active[0].ID) {
		t.Fatal("ResolveAlert returned false for open alert")
	}
	if m.ResolveAlert(active[0].ID) {
		t.Error("ResolveAlert returned true for already resolved alert")
	}
	if got := len(m.ActiveAlerts()); got != 0 {
		t.Errorf("active after resolve = %d, want 0", got)
	}
}

func TestBaselines(t *testing.T) {
	m := newTestMonitor()

	// Inject aged samples directly: baselines exclude the last 24 hours.
	old := time.Now().Add(-48 * time.Hour)
	m.mu.Lock()
	key := sampleKey("sorter", "1.0.0")
	for i := 0; i < 200; i++ {
		m.samples[key] = append(m.samples[key], perfSample{
			at:      old.Add(time.Duration(i) * time.Minute),
			metrics: map[string]float64{"response_time": 1.0 + float64(i%5)*0.1},
		})
	}
	m.mu.Unlock()

	m.RecalculateBaselines()

	bs := m.Baselines()
	b, ok := bs["sorter:response_time"]
	if !ok {
		t.Fatal("baseline for sorter:response_time missing")
	}
	if b.SampleSize != 200 {
		t.Errorf("SampleSize = %d, want 200", b.SampleSize)
	}
	if math.Abs(b.Mean-1.2) > 0.01 {
		t.Errorf("Mean = %v, want about 1.2", b.Mean)
	}
	if b.StdDev <= 0 {
		t.Errorf("StdDev = %v, want > 0", b.StdDev)
	}
	if !(b.CILower < b.Mean && b.Mean < b.CIUpper) {
		t.Errorf("CI [%v, %v] does not bracket mean %v", b.CILower, b.CIUpper, b.Mean)
	}

	t.Run("AnomalyDetection", func(t *testing.T) {
		if b.IsAnomaly(b.Mean, 2.0) {
			t.Error("mean flagged as anomaly")
		}
		if !b.IsAnomaly(b.Mean+10*b.StdDev, 2.0) {
			t.Error("extreme value not flagged as anomaly")
		}
	})

	t.Run("RecentSamplesExcluded", func(t *testing.T) {
		m2 := newTestMonitor()
		for i := 0; i < 200; i++ {
			m2.RecordPerformance("sorter", "1.0.0", map[string]float64{"response_time": 1.0})
		}
		m2.RecalculateBaselines()
		if len(m2.Baselines()) != 0 {
			t.Error("baseline built from samples inside the exclusion window")
		}
	})
}

func TestSampleRingBounded(t *testing.T) {
	m := newTestMonitor()
	for i := 0; i < maxSamplesPerKey+100; i++ {
		m.RecordPerformance("sorter", "1.0.0", map[string]float64{"v": 1})
	}
	stats := m.Statistics()
	if stats.TotalSamples != maxSamplesPerKey {
		t.Errorf("TotalSamples = %d, want cap %d", stats.TotalSamples, maxSamplesPerKey)
	}
}

func TestCleanupDropsExpiredSamples(t *testing.T) {
	m := newTestMonitor()

	m.mu.Lock()
	key := sampleKey("sorter", "1.0.0")
	m.samples[key] = []perfSample{
		{at: time.Now().Add(-200 * time.Hour), metrics: map[string]float64{"v": 1}},
		{at: time.Now(), metrics: map[string]float64{"v": 2}},
	}
	m.mu.Unlock()

	m.cleanupPass()

	stats := m.Statistics()
	if stats.TotalSamples != 1 {
		t.Errorf("TotalSamples after cleanup = %d, want 1", stats.TotalSamples)
	}
}

func TestPerformanceTrends(t *testing.T) {
	m := newTestMonitor()

	now := time.Now()
	m.mu.Lock()
	key := sampleKey("sorter", "1.0.0")
	for h := 0; h < 3; h++ {
		for i := 0; i < 4; i++ {
			m.samples[key] = append(m.samples[key], perfSample{
				at:      now.Add(-time.Duration(h)*time.Hour - time.Duration(i)*time.Minute),
				metrics: map[string]float64{"response_time": float64(h + 1)},
			})
		}
	}
	m.mu.Unlock()

	trends := m.PerformanceTrends("sorter", "1.0.0", "response_time", 6*time.Hour)
	if len(trends) < 3 {
		t.Fatalf("trend buckets = %d, want at least 3", len(trends))
	}
	for i := 1; i < len(trends); i++ {
		if trends[i].Hour.Before(trends[i-1].Hour) {
			t.Error("trend points not sorted by hour")
		}
	}
}

func TestCompareVersions(t *testing.T) {
	m := newTestMonitor()
	m.RecordPerformance("sorter", "1.0.0", map[string]float64{"response_time": 1.0})
	m.RecordPerformance("sorter", "2.0.0", map[string]float64{"response_time": 2.0})

	cmp := m.CompareVersions("sorter", "1.0.0", "2.0.0")
	pair, ok := cmp["response_time"]
	if !ok {
		t.Fatal("response_time missing from comparison")
	}
	if pair[0].Avg != 1.0 || pair[1].Avg != 2.0 {
		t.Errorf("comparison = %v, want [1.0, 2.0]", pair)
	}
}
