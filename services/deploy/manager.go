// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package deploy manages versioned model deployments: creation, staged
// rollouts, health-driven automatic rollback, and retention.
//
// The Manager is the single writer for all version state. Snapshots
// returned by getters are deep copies and never alias internal state.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianDeploy/pkg/validation"
	"github.com/AleutianAI/AleutianDeploy/services/deploy/observability"
)

// rollbackErrorRateCeiling disqualifies rollback targets whose own error
// rate was already above 5%.
const rollbackErrorRateCeiling = 0.05

// -----------------------------------------------------------------------------
// Collaborator Interfaces
// -----------------------------------------------------------------------------

// Experiment describes a paired A/B comparison handed to the test engine.
type Experiment struct {
	TestID           string
	Model            string
	ControlVersion   string
	TreatmentVersion string
	TreatmentTraffic float64
	Params           ABTestParams
}

// ExperimentRegistrar receives experiments created by a_b_test deployments.
// The A/B engine implements this; the manager stays ignorant of analysis.
type ExperimentRegistrar interface {
	RegisterExperiment(ctx context.Context, exp Experiment) error
}

// -----------------------------------------------------------------------------
// Requests
// -----------------------------------------------------------------------------

// CreateVersionRequest carries the inputs for registering a new version.
type CreateVersionRequest struct {
	ModelName     string
	Version       string
	Description   string
	CreatedBy     string
	Configuration ModelConfiguration
	ParentVersion string
	Tags          []string
}

// -----------------------------------------------------------------------------
// Manager
// -----------------------------------------------------------------------------

// Manager owns the version registry and drives the deployment lifecycle.
//
// Description:
//
//	All mutations go through the Manager under a single lock, preserving
//	the invariants: one version per (model, version) pair, at most one
//	active version per model, canary traffic never exceeding its target.
//	Persistence is write-through but best-effort; on storage failure the
//	in-memory registry stays authoritative and the error is logged.
//
// Thread Safety: Safe for concurrent use.
type Manager struct {
	mu  sync.RWMutex
	cfg ManagerConfig

	// versions is model -> version string -> aggregate.
	versions map[string]map[string]*ModelVersion

	// active is model -> currently active version string.
	active map[string]string

	// standby is model -> warm blue_green predecessor.
	standby map[string]string

	store     VersionStore
	registrar ExperimentRegistrar
	logger    *slog.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	stopped bool
}

// NewManager constructs a manager and eagerly loads persisted versions.
//
// Inputs:
//   - cfg: Manager configuration. Zero-valued fields take defaults.
//   - store: Version persistence. Must not be nil.
//   - logger: Structured logger. Must not be nil.
//
// Outputs:
//   - *Manager: Ready for Start(). Never nil on success.
//   - error: Non-nil if inputs are invalid or the initial load fails.
func NewManager(cfg ManagerConfig, store VersionStore, logger *slog.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store must not be nil")
	}
	if logger == nil {
		return nil, errors.New("logger must not be nil")
	}

	m := &Manager{
		cfg:      cfg.withDefaults(),
		versions: make(map[string]map[string]*ModelVersion),
		active:   make(map[string]string),
		standby:  make(map[string]string),
		store:    store,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	persisted, err := store.List(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load persisted versions: %w", err)
	}
	for _, v := range persisted {
		byVersion, ok := m.versions[v.ModelName]
		if !ok {
			byVersion = make(map[string]*ModelVersion)
			m.versions[v.ModelName] = byVersion
		}
		byVersion[v.Version] = v
		if v.Status == StatusActive {
			m.active[v.ModelName] = v.Version
		}
		if d := v.CurrentDeployment; d != nil && d.Standby {
			m.standby[v.ModelName] = v.Version
		}
	}
	if len(persisted) > 0 {
		logger.Info("loaded persisted model versions",
			slog.Int("count", len(persisted)))
	}
	return m, nil
}

// SetExperimentRegistrar wires the A/B engine. Call before Start.
func (m *Manager) SetExperimentRegistrar(r ExperimentRegistrar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registrar = r
}

// -----------------------------------------------------------------------------
// Version Creation
// -----------------------------------------------------------------------------

// CreateVersion registers a new pending version.
//
// Outputs:
//   - *ModelVersion: Snapshot of the created version.
//   - error: DuplicateVersionError when (model, version) already exists.
func (m *Manager) CreateVersion(ctx context.Context, req CreateVersionRequest) (*ModelVersion, error) {
	if err := validation.ValidateModelName(req.ModelName); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}
	if err := validation.ValidateVersion(req.Version); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil, ErrManagerStopped
	}

	byVersion, ok := m.versions[req.ModelName]
	if !ok {
		byVersion = make(map[string]*ModelVersion)
		m.versions[req.ModelName] = byVersion
	}
	if _, exists := byVersion[req.Version]; exists {
		return nil, &DuplicateVersionError{Model: req.ModelName, Version: req.Version}
	}

	v := NewModelVersion(req.ModelName, req.Version, req.Description,
		req.CreatedBy, req.Configuration)
	v.Tags = append([]string(nil), req.Tags...)

	if req.ParentVersion != "" {
		if parent, ok := byVersion[req.ParentVersion]; ok {
			v.ParentVersion = req.ParentVersion
			parent.ChildVersions = append(parent.ChildVersions, req.Version)
			m.persistLocked(ctx, parent)
		}
	}

	byVersion[req.Version] = v
	m.persistLocked(ctx, v)

	m.logger.Info("model version created",
		slog.String("model", req.ModelName),
		slog.String("version", req.Version),
		slog.String("created_by", req.CreatedBy))
	return v.Clone(), nil
}

// -----------------------------------------------------------------------------
// Deployment
// -----------------------------------------------------------------------------

// Deploy routes traffic to a version using the given strategy.
//
// Description:
//
//	replace retires the current active version immediately. canary starts
//	at the configured step and ramps via the rollout loop. blue_green
//	activates fully while parking the predecessor warm. a_b_test splits
//	traffic against the current active version and registers an
//	experiment with the A/B engine.
//
//	When the model has no active version, every strategy activates the
//	new version at full traffic since there is nothing to ramp against.
//
// Inputs:
//   - model, version: Target version. Must exist.
//   - strategy: Deployment strategy. Empty selects the configured default.
//   - trafficPct: Target traffic for canary, treatment share for a_b_test.
//     Zero selects the strategy default.
//   - deployedBy: Actor recorded in the audit trail.
//
// Outputs:
//   - *ModelDeployment: Snapshot of the created deployment.
//   - error: NotFoundError, or ErrDeploymentFailed-wrapped failures.
func (m *Manager) Deploy(ctx context.Context, model, version string, strategy DeploymentStrategy, trafficPct float64, deployedBy string) (*ModelDeployment, error) {
	if strategy == "" {
		strategy = m.cfg.DefaultStrategy
	}
	if !strategy.Valid() {
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrDeploymentFailed, strategy)
	}

	ctx, span := otel.Tracer("deploy").Start(ctx, "deploy.Manager.Deploy",
		trace.WithAttributes(
			attribute.String("model", model),
			attribute.String("version", version),
			attribute.String("strategy", string(strategy)),
		),
	)
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil, ErrManagerStopped
	}

	v, err := m.lookupLocked(model, version)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	d := NewDeployment(strategy, deployedBy)
	d.ABTest = ABTestParams{
		Duration:        m.cfg.ABTestDuration,
		MinRequests:     m.cfg.ABTestMinRequests,
		ConfidenceLevel: m.cfg.ABTestConfidence,
	}

	currentName, hasActive := m.active[model]
	if hasActive && currentName == version {
		return nil, fmt.Errorf("%w: version %s/%s is already active",
			ErrDeploymentFailed, model, version)
	}

	if !hasActive {
		// Nothing to ramp against: activate at full traffic.
		d.TrafficPercentage = 100
		d.TargetTraffic = 100
		d.ActivatedAt = time.Now()
		v.AddDeployment(d)
		if err := v.SetStatus(StatusActive, "first deployment"); err != nil {
			return nil, err
		}
		m.active[model] = version
		m.persistLocked(ctx, v)
		m.recordDeployMetrics(model, strategy, true)
		m.logger.Info("version activated",
			slog.String("model", model),
			slog.String("version", version),
			slog.String("strategy", string(strategy)))
		return snapshotDeployment(d), nil
	}

	current := m.versions[model][currentName]

	switch strategy {
	case StrategyReplace:
		d.TrafficPercentage = 100
		d.TargetTraffic = 100
		d.ActivatedAt = time.Now()
		v.AddDeployment(d)
		if err := v.SetStatus(StatusActive, "replace deployment"); err != nil {
			return nil, err
		}
		m.retireLocked(ctx, current, "replaced by "+version)
		m.active[model] = version

	case StrategyCanary:
		if trafficPct <= 0 || trafficPct > 100 {
			trafficPct = 100
		}
		d.TrafficPercentage = m.cfg.CanaryRolloutStep
		if d.TrafficPercentage > trafficPct {
			d.TrafficPercentage = trafficPct
		}
		d.TargetTraffic = trafficPct
		d.RolloutStep = m.cfg.CanaryRolloutStep
		d.RolloutInterval = m.cfg.CanaryRolloutInterval
		d.LastRolloutAt = time.Now()
		d.RolloutBaseRequests = v.Metrics.TotalRequests
		v.AddDeployment(d)
		if err := v.SetStatus(StatusTesting, "canary rollout started"); err != nil {
			return nil, err
		}

	case StrategyBlueGreen:
		d.TrafficPercentage = 100
		d.TargetTraffic = 100
		d.ActivatedAt = time.Now()
		v.AddDeployment(d)
		if err := v.SetStatus(StatusActive, "blue_green cutover"); err != nil {
			return nil, err
		}
		// Park the predecessor warm instead of retiring it.
		if cd := current.ActiveDeployment(); cd != nil {
			cd.Standby = true
			cd.TrafficPercentage = 0
		}
		if err := current.SetStatus(StatusDeprecated, "blue_green standby"); err != nil {
			return nil, err
		}
		m.standby[model] = currentName
		m.active[model] = version
		m.persistLocked(ctx, current)

	case StrategyABTest:
		if trafficPct <= 0 || trafficPct >= 100 {
			trafficPct = 50
		}
		d.TrafficPercentage = trafficPct
		d.TargetTraffic = trafficPct
		v.AddDeployment(d)
		if err := v.SetStatus(StatusTesting, "a_b_test started"); err != nil {
			return nil, err
		}
		d.ABTest.TestID = fmt.Sprintf("%s-%s-vs-%s", model, currentName, version)
		if m.registrar != nil {
			exp := Experiment{
				TestID:           d.ABTest.TestID,
				Model:            model,
				ControlVersion:   currentName,
				TreatmentVersion: version,
				TreatmentTraffic: trafficPct,
				Params:           d.ABTest,
			}
			if err := m.registrar.RegisterExperiment(ctx, exp); err != nil {
				m.logger.Error("experiment registration failed",
					slog.String("model", model),
					slog.String("error", err.Error()))
			}
		}
	}

	m.persistLocked(ctx, v)
	m.recordDeployMetrics(model, strategy, m.active[model] == version)

	span.SetAttributes(attribute.Float64("traffic", d.TrafficPercentage))
	m.logger.Info("deployment started",
		slog.String("model", model),
		slog.String("version", version),
		slog.String("strategy", string(strategy)),
		slog.Float64("traffic", d.TrafficPercentage))
	return snapshotDeployment(d), nil
}

// Promote finalizes a blue_green cutover by retiring the warm predecessor.
func (m *Manager) Promote(ctx context.Context, model string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	standbyName, ok := m.standby[model]
	if !ok {
		return fmt.Errorf("%w: no standby version for model %q", ErrDeploymentFailed, model)
	}
	standby := m.versions[model][standbyName]
	if d := standby.CurrentDeployment; d != nil {
		d.Standby = false
		d.Retire()
	}
	if err := standby.SetStatus(StatusRetired, "blue_green promoted"); err != nil {
		return err
	}
	delete(m.standby, model)
	m.persistLocked(ctx, standby)

	m.logger.Info("blue_green promotion complete",
		slog.String("model", model),
		slog.String("retired", standbyName))
	return nil
}

// Demote reverts a blue_green cutover, restoring the warm predecessor to
// full traffic.
func (m *Manager) Demote(ctx context.Context, model, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	standbyName, ok := m.standby[model]
	if !ok {
		return fmt.Errorf("%w: no standby version for model %q", ErrDeploymentFailed, model)
	}
	standby := m.versions[model][standbyName]

	if activeName, ok := m.active[model]; ok && activeName != standbyName {
		m.retireLocked(ctx, m.versions[model][activeName], "blue_green demotion: "+reason)
	}

	if d := standby.CurrentDeployment; d != nil {
		d.Standby = false
		d.TrafficPercentage = 100
		d.ActivatedAt = time.Now()
	}
	if err := standby.SetStatus(StatusActive, "blue_green demotion: "+reason); err != nil {
		return err
	}
	standby.AppendChangelog("demotion_restore", reason, "")
	m.active[model] = standbyName
	delete(m.standby, model)
	m.persistLocked(ctx, standby)

	m.logger.Warn("blue_green demotion executed",
		slog.String("model", model),
		slog.String("restored", standbyName),
		slog.String("reason", reason))
	return nil
}

// -----------------------------------------------------------------------------
// Rollback
// -----------------------------------------------------------------------------

// Rollback reverts a model to a previous healthy version.
//
// Description:
//
//	With an empty targetVersion the most recent version that has served
//	at least one request with an error rate under 5% is selected. The
//	current version is retired and the target reactivated at full
//	traffic, with the reason recorded on both sides.
//
// Outputs:
//   - error: NoRollbackTargetError when no version qualifies.
func (m *Manager) Rollback(ctx context.Context, model, targetVersion, reason string) error {
	ctx, span := otel.Tracer("deploy").Start(ctx, "deploy.Manager.Rollback",
		trace.WithAttributes(
			attribute.String("model", model),
			attribute.String("reason", reason),
		),
	)
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.rollbackLocked(ctx, model, targetVersion, reason)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (m *Manager) rollbackLocked(ctx context.Context, model, targetVersion, reason string) error {
	byVersion, ok := m.versions[model]
	if !ok {
		return &NotFoundError{Model: model}
	}

	currentName, hasActive := m.active[model]

	var target *ModelVersion
	if targetVersion != "" {
		t, ok := byVersion[targetVersion]
		if !ok {
			return &NotFoundError{Model: model, Version: targetVersion}
		}
		if hasActive && targetVersion == currentName {
			// Already serving the requested version.
			return nil
		}
		target = t
	} else {
		target = m.selectRollbackTargetLocked(model, currentName)
		if target == nil {
			return &NoRollbackTargetError{
				Model:  model,
				Reason: "no prior version with traffic history and error rate under 5%",
			}
		}
	}

	if hasActive {
		m.retireLocked(ctx, byVersion[currentName], "rolled back: "+reason)
	}

	d := NewDeployment(StrategyReplace, "auto-rollback")
	d.TrafficPercentage = 100
	d.TargetTraffic = 100
	d.ActivatedAt = time.Now()
	target.AddDeployment(d)
	if err := target.SetStatus(StatusActive, "rollback target: "+reason); err != nil {
		return err
	}
	m.active[model] = target.Version
	delete(m.standby, model)
	m.persistLocked(ctx, target)

	if mx := observability.Get(); mx != nil {
		mx.RollbacksTotal.WithLabelValues(model, reasonClass(reason)).Inc()
	}
	m.logger.Warn("rollback executed",
		slog.String("model", model),
		slog.String("restored", target.Version),
		slog.String("reason", reason))
	return nil
}

// selectRollbackTargetLocked picks the most recently created version with
// real traffic history and a clean error rate.
func (m *Manager) selectRollbackTargetLocked(model, excludeVersion string) *ModelVersion {
	var candidates []*ModelVersion
	for name, v := range m.versions[model] {
		if name == excludeVersion {
			continue
		}
		switch v.Status {
		case StatusActive, StatusRetired, StatusDeprecated:
		default:
			continue
		}
		if v.Metrics.TotalRequests == 0 {
			continue
		}
		if v.Metrics.ErrorRate >= rollbackErrorRateCeiling {
			continue
		}
		candidates = append(candidates, v)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
	})
	return candidates[0]
}

// retireLocked retires a version's deployment and moves it to retired.
func (m *Manager) retireLocked(ctx context.Context, v *ModelVersion, detail string) {
	if d := v.ActiveDeployment(); d != nil {
		d.Retire()
	}
	if err := v.SetStatus(StatusRetired, detail); err != nil {
		m.logger.Error("retire transition failed",
			slog.String("model", v.ModelName),
			slog.String("version", v.Version),
			slog.String("error", err.Error()))
		return
	}
	m.persistLocked(ctx, v)
}

// -----------------------------------------------------------------------------
// Metrics Ingestion
// -----------------------------------------------------------------------------

// UpdateMetrics folds one request outcome into a version and evaluates the
// automatic rollback policy.
//
// Description:
//
//	The version is persisted on every PersistEvery-th request. When the
//	rollback policy trips on an active or testing version, rollback runs
//	inline under the same lock so no further traffic is attributed to the
//	failing version.
func (m *Manager) UpdateMetrics(ctx context.Context, model, version string, latency time.Duration, success bool, confidence, cost float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, err := m.lookupLocked(model, version)
	if err != nil {
		return err
	}
	v.UpdateMetrics(latency, success, confidence, cost)

	if mx := observability.Get(); mx != nil {
		outcome := "success"
		if !success {
			outcome = "failure"
		}
		mx.RequestsRecordedTotal.WithLabelValues(model, outcome).Inc()
	}

	if v.Metrics.TotalRequests%m.cfg.PersistEvery == 0 {
		m.persistLocked(ctx, v)
	}

	if v.Status == StatusActive || v.Status == StatusTesting {
		if should, reason := v.ShouldRollback(); should {
			m.logger.Warn("automatic rollback triggered",
				slog.String("model", model),
				slog.String("version", version),
				slog.String("reason", reason))
			if v.Status == StatusTesting {
				// The predecessor is still active; retiring the failing
				// candidate is the whole rollback.
				m.abortTestingLocked(ctx, model, v, reason)
			} else if err := m.rollbackLocked(ctx, model, "", reason); err != nil {
				m.logger.Error("automatic rollback failed",
					slog.String("model", model),
					slog.String("error", err.Error()))
			}
		}
	}
	return nil
}

// abortTestingLocked retires a failing canary or A/B candidate while the
// previously active version keeps serving.
func (m *Manager) abortTestingLocked(ctx context.Context, model string, v *ModelVersion, reason string) {
	m.retireLocked(ctx, v, "aborted: "+reason)
	if mx := observability.Get(); mx != nil {
		mx.RollbacksTotal.WithLabelValues(model, reasonClass(reason)).Inc()
	}
	m.logger.Warn("candidate deployment aborted",
		slog.String("model", model),
		slog.String("version", v.Version),
		slog.String("reason", reason))
}

// ResetMetrics zeroes a version's counters. Administrative use only.
func (m *Manager) ResetMetrics(ctx context.Context, model, version, actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, err := m.lookupLocked(model, version)
	if err != nil {
		return err
	}
	v.Metrics.Reset()
	v.AppendChangelog("metrics_reset", "", actor)
	m.persistLocked(ctx, v)
	return nil
}

// -----------------------------------------------------------------------------
// Getters
// -----------------------------------------------------------------------------

// GetVersion returns a snapshot of one version.
func (m *Manager) GetVersion(model, version string) (*ModelVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, err := m.lookupLocked(model, version)
	if err != nil {
		return nil, err
	}
	return v.Clone(), nil
}

// ActiveVersion returns a snapshot of the model's active version.
func (m *Manager) ActiveVersion(model string) (*ModelVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	name, ok := m.active[model]
	if !ok {
		return nil, &NotFoundError{Model: model}
	}
	return m.versions[model][name].Clone(), nil
}

// ListVersions returns snapshots of all versions of a model, newest first.
func (m *Manager) ListVersions(model string) ([]*ModelVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byVersion, ok := m.versions[model]
	if !ok {
		return nil, &NotFoundError{Model: model}
	}
	out := make([]*ModelVersion, 0, len(byVersion))
	for _, v := range byVersion {
		out = append(out, v.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ListModels returns the names of all known models, sorted.
func (m *Manager) ListModels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.versions))
	for name := range m.versions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ModelStatistics aggregates registry state for one model.
type ModelStatistics struct {
	VersionCount  int    `json:"version_count"`
	ActiveVersion string `json:"active_version,omitempty"`
	TotalRequests int64  `json:"total_requests"`
}

// Statistics summarizes the whole registry.
type Statistics struct {
	TotalModels   int                        `json:"total_models"`
	TotalVersions int                        `json:"total_versions"`
	ByStatus      map[ModelStatus]int        `json:"by_status"`
	ByStrategy    map[DeploymentStrategy]int `json:"by_strategy"`
	PerModel      map[string]ModelStatistics `json:"per_model"`
}

// Statistics returns registry-wide aggregates.
func (m *Manager) Statistics() Statistics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Statistics{
		TotalModels: len(m.versions),
		ByStatus:    make(map[ModelStatus]int),
		ByStrategy:  make(map[DeploymentStrategy]int),
		PerModel:    make(map[string]ModelStatistics),
	}
	for model, byVersion := range m.versions {
		ms := ModelStatistics{
			VersionCount:  len(byVersion),
			ActiveVersion: m.active[model],
		}
		for _, v := range byVersion {
			stats.TotalVersions++
			stats.ByStatus[v.Status]++
			for _, d := range v.Deployments {
				stats.ByStrategy[d.Strategy]++
			}
			ms.TotalRequests += v.Metrics.TotalRequests
		}
		stats.PerModel[model] = ms
	}
	return stats
}

// -----------------------------------------------------------------------------
// Internals
// -----------------------------------------------------------------------------

func (m *Manager) lookupLocked(model, version string) (*ModelVersion, error) {
	byVersion, ok := m.versions[model]
	if !ok {
		return nil, &NotFoundError{Model: model}
	}
	v, ok := byVersion[version]
	if !ok {
		return nil, &NotFoundError{Model: model, Version: version}
	}
	return v, nil
}

// persistLocked writes through to the store. Failures are logged, not
// propagated: the registry stays authoritative.
func (m *Manager) persistLocked(ctx context.Context, v *ModelVersion) {
	start := time.Now()
	if err := m.store.Put(ctx, v); err != nil {
		m.logger.Error("version persistence failed",
			slog.String("model", v.ModelName),
			slog.String("version", v.Version),
			slog.String("error", err.Error()))
		return
	}
	if mx := observability.Get(); mx != nil {
		mx.PersistDurationSeconds.Observe(time.Since(start).Seconds())
	}
}

func (m *Manager) recordDeployMetrics(model string, strategy DeploymentStrategy, active bool) {
	mx := observability.Get()
	if mx == nil {
		return
	}
	mx.DeploymentsTotal.WithLabelValues(model, string(strategy)).Inc()
	if active {
		mx.ActiveVersions.WithLabelValues(model).Set(1)
	}
}

func snapshotDeployment(d *ModelDeployment) *ModelDeployment {
	out := *d
	return &out
}

// reasonClass buckets free-form rollback reasons for metric labels.
func reasonClass(reason string) string {
	switch {
	case strings.Contains(reason, "error rate"):
		return "error_rate"
	case strings.Contains(reason, "response time"):
		return "latency"
	case strings.Contains(reason, "success rate"):
		return "success_rate"
	case strings.Contains(reason, "health"):
		return "health"
	default:
		return "manual"
	}
}
