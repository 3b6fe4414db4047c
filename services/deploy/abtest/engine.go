// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package abtest runs statistical comparisons between a control and a
// treatment model version: deterministic traffic splitting, per-variant
// outcome accumulation, and recurring two-sample analysis with early
// stopping.
package abtest

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianDeploy/services/deploy"
	"github.com/AleutianAI/AleutianDeploy/services/deploy/observability"
)

// futilityPValue stops a test that will never reach significance.
const futilityPValue = 0.99

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrTestNotFound indicates an unknown test ID.
	ErrTestNotFound = errors.New("test not found")

	// ErrDuplicateTest indicates a test ID is already registered.
	ErrDuplicateTest = errors.New("test already exists")

	// ErrTestNotRunning indicates an operation on a stopped test.
	ErrTestNotRunning = errors.New("test is not running")
)

// -----------------------------------------------------------------------------
// Test Definition
// -----------------------------------------------------------------------------

// TestState is the lifecycle state of an experiment.
type TestState string

const (
	// StateRunning marks a test collecting traffic.
	StateRunning TestState = "running"

	// StateCompleted marks a test that reached a verdict.
	StateCompleted TestState = "completed"

	// StateStopped marks a test halted before a verdict.
	StateStopped TestState = "stopped"
)

// Verdict is the outcome of an analysis.
type Verdict string

const (
	// VerdictTreatmentWins: statistically and practically better.
	VerdictTreatmentWins Verdict = "TREATMENT_WINS"

	// VerdictControlWins: treatment is statistically and practically worse.
	VerdictControlWins Verdict = "CONTROL_WINS"

	// VerdictNoDifference: significant but below the practical threshold,
	// or stopped for futility.
	VerdictNoDifference Verdict = "NO_DIFFERENCE"

	// VerdictInconclusive: no statistical significance yet.
	VerdictInconclusive Verdict = "INCONCLUSIVE"
)

// Metric names understood by the analyzer.
const (
	MetricSuccessRate     = "success_rate"
	MetricResponseTime    = "response_time"
	MetricConfidenceScore = "confidence_score"
)

// higherIsBetter reports the improvement direction for a metric.
func higherIsBetter(metric string) bool {
	return metric != MetricResponseTime
}

// TestConfig defines one experiment.
type TestConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`

	Control   VariantSpec `json:"control"`
	Treatment VariantSpec `json:"treatment"`

	ConfidenceLevel       float64 `json:"confidence_level"`
	MinDetectableEffect   float64 `json:"min_detectable_effect"`
	Power                 float64 `json:"power"`
	MaxDuration           time.Duration `json:"max_duration"`
	MinSampleSize         int     `json:"min_sample_size"`
	MaxSampleSize         int     `json:"max_sample_size"`
	PrimaryMetric         string  `json:"primary_metric"`
	SecondaryMetrics      []string `json:"secondary_metrics,omitempty"`
	EarlyStoppingEnabled  bool    `json:"early_stopping_enabled"`
}

// withDefaults fills unset fields.
func (c TestConfig) withDefaults() TestConfig {
	if c.ConfidenceLevel <= 0 {
		c.ConfidenceLevel = 0.95
	}
	if c.MinDetectableEffect <= 0 {
		c.MinDetectableEffect = 0.02
	}
	if c.Power <= 0 {
		c.Power = 0.8
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = 24 * time.Hour
	}
	if c.MinSampleSize <= 0 {
		c.MinSampleSize = 100
	}
	if c.MaxSampleSize <= 0 {
		c.MaxSampleSize = 100000
	}
	if c.PrimaryMetric == "" {
		c.PrimaryMetric = MetricSuccessRate
	}
	if len(c.SecondaryMetrics) == 0 {
		c.SecondaryMetrics = []string{MetricResponseTime, MetricConfidenceScore}
	}
	return c
}

// RequiredSamples returns the recommended per-variant sample size for
// this test, clamped to [MinSampleSize, MaxSampleSize]. It is surfaced
// in progress reports; analysis itself gates on MinSampleSize.
func (c TestConfig) RequiredSamples() int {
	n := RequiredSampleSize(c.MinDetectableEffect, c.ConfidenceLevel, c.Power)
	if n < c.MinSampleSize {
		n = c.MinSampleSize
	}
	if n > c.MaxSampleSize {
		n = c.MaxSampleSize
	}
	return n
}

// -----------------------------------------------------------------------------
// Analysis Results
// -----------------------------------------------------------------------------

// MetricComparison holds one metric's control-vs-treatment comparison.
type MetricComparison struct {
	Metric         string  `json:"metric"`
	ControlValue   float64 `json:"control_value"`
	TreatmentValue float64 `json:"treatment_value"`

	// Effect is treatment minus control, in the metric's native unit.
	Effect float64 `json:"effect"`

	PValue                 float64             `json:"p_value"`
	Significant            bool                `json:"significant"`
	PracticallySignificant bool                `json:"practically_significant"`
	CI                     *ConfidenceInterval `json:"confidence_interval,omitempty"`
}

// AnalysisResult is one complete analysis pass over a test.
type AnalysisResult struct {
	TestID    string    `json:"test_id"`
	Timestamp time.Time `json:"timestamp"`

	Control   VariantSnapshot `json:"control"`
	Treatment VariantSnapshot `json:"treatment"`

	Metrics map[string]*MetricComparison `json:"metrics"`

	Verdict        Verdict `json:"verdict"`
	Recommendation string  `json:"recommendation"`
}

// -----------------------------------------------------------------------------
// Engine
// -----------------------------------------------------------------------------

// EngineConfig holds engine-level settings.
type EngineConfig struct {
	// AnalysisInterval is how often running tests are analyzed.
	AnalysisInterval time.Duration `yaml:"analysis_interval"`
}

// DefaultEngineConfig returns production defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{AnalysisInterval: 5 * time.Minute}
}

type abTest struct {
	cfg     TestConfig
	state   TestState
	started time.Time
	stopped time.Time
	reason  string

	control   *variantState
	treatment *variantState

	// last and previous analysis snapshots, kept for audit.
	last *AnalysisResult
	prev *AnalysisResult
}

// Engine owns all experiments and their analysis loop.
//
// Description:
//
//	The engine is the single writer for test state. It implements
//	deploy.ExperimentRegistrar so a_b_test deployments register their
//	experiments without the manager knowing any analysis detail.
//
// Thread Safety: Safe for concurrent use.
type Engine struct {
	mu     sync.RWMutex
	cfg    EngineConfig
	tests  map[string]*abTest
	logger *slog.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	halted  bool
}

var _ deploy.ExperimentRegistrar = (*Engine)(nil)

// NewEngine constructs an idle engine. Call Start to run analyses.
func NewEngine(cfg EngineConfig, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		return nil, errors.New("logger must not be nil")
	}
	if cfg.AnalysisInterval <= 0 {
		cfg.AnalysisInterval = DefaultEngineConfig().AnalysisInterval
	}
	return &Engine{
		cfg:    cfg,
		tests:  make(map[string]*abTest),
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// CreateTest registers and starts a new experiment.
func (e *Engine) CreateTest(ctx context.Context, cfg TestConfig) error {
	if cfg.ID == "" {
		return errors.New("test ID is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.tests[cfg.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTest, cfg.ID)
	}

	cfg = cfg.withDefaults()
	e.tests[cfg.ID] = &abTest{
		cfg:       cfg,
		state:     StateRunning,
		started:   time.Now(),
		control:   newVariantState(cfg.Control),
		treatment: newVariantState(cfg.Treatment),
	}

	e.logger.Info("a/b test created",
		slog.String("test_id", cfg.ID),
		slog.String("control", cfg.Control.Version),
		slog.String("treatment", cfg.Treatment.Version),
		slog.Int("required_samples", cfg.RequiredSamples()))
	return nil
}

// RegisterExperiment implements deploy.ExperimentRegistrar.
func (e *Engine) RegisterExperiment(ctx context.Context, exp deploy.Experiment) error {
	return e.CreateTest(ctx, TestConfig{
		ID:   exp.TestID,
		Name: exp.Model + " " + exp.ControlVersion + " vs " + exp.TreatmentVersion,
		Control: VariantSpec{
			Name:              "control",
			ModelName:         exp.Model,
			Version:           exp.ControlVersion,
			TrafficPercentage: 100 - exp.TreatmentTraffic,
		},
		Treatment: VariantSpec{
			Name:              "treatment",
			ModelName:         exp.Model,
			Version:           exp.TreatmentVersion,
			TrafficPercentage: exp.TreatmentTraffic,
		},
		ConfidenceLevel: exp.Params.ConfidenceLevel,
		MaxDuration:     exp.Params.Duration,
		MinSampleSize:   exp.Params.MinRequests,
	})
}

// ShouldRouteToTreatment deterministically buckets an identifier.
//
// Description:
//
//	Hashes the identifier with FNV-1a into buckets 1..100; identifiers
//	at or below the treatment's traffic share route to treatment. The
//	same identifier always lands in the same bucket for a given test.
func (e *Engine) ShouldRouteToTreatment(testID, identifier string) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	t, ok := e.tests[testID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrTestNotFound, testID)
	}
	if t.state != StateRunning {
		return false, fmt.Errorf("%w: %s", ErrTestNotRunning, testID)
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(testID))
	_, _ = h.Write([]byte(":"))
	_, _ = h.Write([]byte(identifier))
	bucket := float64(h.Sum32()%100 + 1)
	return bucket <= t.treatment.spec.TrafficPercentage, nil
}

// RecordResult folds one request outcome into a variant.
//
// Description:
//
//	Unknown tests and variants are logged and ignored so callers on the
//	hot path never fail on experiment bookkeeping.
func (e *Engine) RecordResult(testID, variantName string, success bool, responseTime time.Duration, confidence, cost float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tests[testID]
	if !ok {
		e.logger.Debug("result for unknown test dropped",
			slog.String("test_id", testID))
		return
	}
	if t.state != StateRunning {
		return
	}

	switch variantName {
	case t.control.spec.Name:
		t.control.record(success, responseTime, confidence, cost)
	case t.treatment.spec.Name:
		t.treatment.record(success, responseTime, confidence, cost)
	default:
		e.logger.Debug("result for unknown variant dropped",
			slog.String("test_id", testID),
			slog.String("variant", variantName))
	}
}

// Analyze runs a full statistical comparison.
//
// Outputs:
//   - *AnalysisResult: Nil (with nil error) until both variants have
//     reached the configured minimum sample size.
//   - error: ErrTestNotFound for unknown tests.
func (e *Engine) Analyze(ctx context.Context, testID string) (*AnalysisResult, error) {
	_, span := otel.Tracer("abtest").Start(ctx, "abtest.Engine.Analyze")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tests[testID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTestNotFound, testID)
	}
	res := e.analyzeLocked(t)
	if res != nil {
		span.SetAttributes(
			attribute.String("test_id", testID),
			attribute.String("verdict", string(res.Verdict)),
		)
	}
	return res, nil
}

// analyzeLocked computes the comparison, retains the snapshot, and
// returns it. Returns nil below the sample floor. The gate is the
// configured minimum per variant; the derived RequiredSamples figure
// is reported in Progress but does not block analysis.
func (e *Engine) analyzeLocked(t *abTest) *AnalysisResult {
	floor := int64(t.cfg.MinSampleSize)
	if t.control.requests < floor || t.treatment.requests < floor {
		return nil
	}

	alpha := 1 - t.cfg.ConfidenceLevel
	res := &AnalysisResult{
		TestID:    t.cfg.ID,
		Timestamp: time.Now(),
		Control:   t.control.snapshot(),
		Treatment: t.treatment.snapshot(),
		Metrics:   make(map[string]*MetricComparison),
	}

	metrics := append([]string{t.cfg.PrimaryMetric}, t.cfg.SecondaryMetrics...)
	for _, metric := range metrics {
		if _, done := res.Metrics[metric]; done {
			continue
		}
		if cmp := e.compareMetric(t, metric, alpha); cmp != nil {
			res.Metrics[metric] = cmp
		}
	}

	res.Verdict, res.Recommendation = verdictFor(res.Metrics[t.cfg.PrimaryMetric], t.cfg)

	t.prev = t.last
	t.last = res

	if mx := observability.Get(); mx != nil {
		mx.ABAnalysesTotal.WithLabelValues(string(res.Verdict)).Inc()
	}
	return res
}

func (e *Engine) compareMetric(t *abTest, metric string, alpha float64) *MetricComparison {
	switch metric {
	case MetricSuccessRate:
		test, err := TwoProportionZTest(
			t.control.successes, t.control.requests,
			t.treatment.successes, t.treatment.requests, alpha)
		if err != nil {
			return nil
		}
		effect := t.treatment.successRate() - t.control.successRate()
		return &MetricComparison{
			Metric:                 metric,
			ControlValue:           t.control.successRate(),
			TreatmentValue:         t.treatment.successRate(),
			Effect:                 effect,
			PValue:                 test.PValue,
			Significant:            test.Significant,
			PracticallySignificant: math.Abs(effect) >= t.cfg.MinDetectableEffect,
		}

	case MetricResponseTime:
		return e.compareSamples(t, metric, t.control.responseTimes, t.treatment.responseTimes, alpha)

	case MetricConfidenceScore:
		return e.compareSamples(t, metric, t.control.confidences, t.treatment.confidences, alpha)

	default:
		e.logger.Warn("unknown metric skipped", slog.String("metric", metric))
		return nil
	}
}

func (e *Engine) compareSamples(t *abTest, metric string, control, treatment []float64, alpha float64) *MetricComparison {
	test, err := WelchTTest(control, treatment, alpha)
	if err != nil {
		return nil
	}
	ci, _ := DifferenceCI(control, treatment, t.cfg.ConfidenceLevel)
	effect := mean(treatment) - mean(control)

	practical := false
	if base := mean(control); base != 0 {
		practical = math.Abs(effect/base) >= t.cfg.MinDetectableEffect
	}

	return &MetricComparison{
		Metric:                 metric,
		ControlValue:           mean(control),
		TreatmentValue:         mean(treatment),
		Effect:                 effect,
		PValue:                 test.PValue,
		Significant:            test.Significant,
		PracticallySignificant: practical,
		CI:                     ci,
	}
}

// verdictFor derives the verdict from the primary metric comparison.
func verdictFor(primary *MetricComparison, cfg TestConfig) (Verdict, string) {
	if primary == nil {
		return VerdictInconclusive, "primary metric could not be computed"
	}
	if !primary.Significant {
		return VerdictInconclusive, "no statistically significant difference on " + primary.Metric
	}
	if !primary.PracticallySignificant {
		return VerdictNoDifference,
			fmt.Sprintf("difference on %s is significant but below the %.3f practical threshold",
				primary.Metric, cfg.MinDetectableEffect)
	}

	treatmentBetter := primary.Effect > 0
	if !higherIsBetter(primary.Metric) {
		treatmentBetter = primary.Effect < 0
	}
	if treatmentBetter {
		return VerdictTreatmentWins,
			fmt.Sprintf("promote %s: %s improved by %.4f (p=%.4f)",
				cfg.Treatment.Version, primary.Metric, math.Abs(primary.Effect), primary.PValue)
	}
	return VerdictControlWins,
		fmt.Sprintf("keep %s: %s regressed by %.4f (p=%.4f)",
			cfg.Control.Version, primary.Metric, math.Abs(primary.Effect), primary.PValue)
}

// -----------------------------------------------------------------------------
// Accessors
// -----------------------------------------------------------------------------

// TestStatus describes a test's progress.
type TestStatus struct {
	ID                string        `json:"id"`
	State             TestState     `json:"state"`
	StartedAt         time.Time     `json:"started_at"`
	StoppedAt         time.Time     `json:"stopped_at,omitempty"`
	StopReason        string        `json:"stop_reason,omitempty"`
	Elapsed           time.Duration `json:"elapsed"`
	RequiredSamples   int           `json:"required_samples"`
	ControlSamples    int64         `json:"control_samples"`
	TreatmentSamples  int64         `json:"treatment_samples"`
	Progress          float64       `json:"progress"`
}

// Status returns a test's progress summary.
func (e *Engine) Status(testID string) (*TestStatus, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	t, ok := e.tests[testID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTestNotFound, testID)
	}

	required := t.cfg.RequiredSamples()
	slower := t.control.requests
	if t.treatment.requests < slower {
		slower = t.treatment.requests
	}
	progress := float64(slower) / float64(required)
	if progress > 1 {
		progress = 1
	}

	elapsed := time.Since(t.started)
	if !t.stopped.IsZero() {
		elapsed = t.stopped.Sub(t.started)
	}
	return &TestStatus{
		ID:               t.cfg.ID,
		State:            t.state,
		StartedAt:        t.started,
		StoppedAt:        t.stopped,
		StopReason:       t.reason,
		Elapsed:          elapsed,
		RequiredSamples:  required,
		ControlSamples:   t.control.requests,
		TreatmentSamples: t.treatment.requests,
		Progress:         progress,
	}, nil
}

// Results returns the latest retained analysis, or nil when none exists.
func (e *Engine) Results(testID string) (*AnalysisResult, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	t, ok := e.tests[testID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTestNotFound, testID)
	}
	if t.last == nil {
		return nil, fmt.Errorf("%w: test %s has not reached its sample floor", deploy.ErrInsufficientData, testID)
	}
	return t.last, nil
}

// StopTest halts a running test.
func (e *Engine) StopTest(ctx context.Context, testID, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tests[testID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTestNotFound, testID)
	}
	if t.state != StateRunning {
		return fmt.Errorf("%w: %s", ErrTestNotRunning, testID)
	}
	e.haltLocked(t, StateStopped, reason)
	return nil
}

// ListActiveTests returns the IDs of running tests, sorted.
func (e *Engine) ListActiveTests() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []string
	for id, t := range e.tests {
		if t.state == StateRunning {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (e *Engine) haltLocked(t *abTest, state TestState, reason string) {
	t.state = state
	t.stopped = time.Now()
	t.reason = reason
	e.logger.Info("a/b test halted",
		slog.String("test_id", t.cfg.ID),
		slog.String("state", string(state)),
		slog.String("reason", reason))
}

// -----------------------------------------------------------------------------
// Analysis Loop
// -----------------------------------------------------------------------------

// Start launches the recurring analysis loop.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	go e.run()
}

// Stop halts the analysis loop and waits for it to drain. Safe to call
// multiple times.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started || e.halted {
		e.mu.Unlock()
		return
	}
	e.halted = true
	e.mu.Unlock()

	close(e.stopCh)
	<-e.doneCh
}

func (e *Engine) run() {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.cfg.AnalysisInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.analysisPass()
		}
	}
}

// analysisPass evaluates every running test: duration limits, fresh
// analysis, early stopping, and futility.
func (e *Engine) analysisPass() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, t := range e.tests {
		if t.state != StateRunning {
			continue
		}

		if time.Since(t.started) >= t.cfg.MaxDuration {
			e.analyzeLocked(t)
			e.haltLocked(t, StateCompleted, "max duration reached")
			continue
		}

		res := e.analyzeLocked(t)
		if res == nil {
			continue
		}

		primary := res.Metrics[t.cfg.PrimaryMetric]
		if primary == nil {
			continue
		}

		if t.cfg.EarlyStoppingEnabled && primary.Significant && primary.PracticallySignificant {
			e.haltLocked(t, StateCompleted, "early stopping: significant practical difference")
			continue
		}
		if primary.PValue > futilityPValue {
			res.Verdict = VerdictNoDifference
			res.Recommendation = "stopped for futility: the arms are indistinguishable"
			e.haltLocked(t, StateStopped, "futility")
		}
	}
}
