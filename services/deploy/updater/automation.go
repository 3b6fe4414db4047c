// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package updater automates model updates end to end: admission-controlled
// FIFO processing, pre-deployment validation, deployment hand-off, rollout
// observation, and simple recurring schedules.
package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianDeploy/services/deploy"
	"github.com/AleutianAI/AleutianDeploy/services/deploy/observability"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrUpdateNotFound indicates an unknown update ID.
	ErrUpdateNotFound = errors.New("update not found")

	// ErrNotCancellable indicates the update already left the queue.
	ErrNotCancellable = errors.New("only pending updates can be cancelled")

	// ErrUnknownValidator indicates a rule references an unregistered
	// validator.
	ErrUnknownValidator = errors.New("unknown validator")

	// ErrBadSchedule indicates an unsupported schedule expression.
	ErrBadSchedule = errors.New("unsupported schedule expression")
)

// -----------------------------------------------------------------------------
// Collaborators
// -----------------------------------------------------------------------------

// VersionDeployer is the slice of the version manager the automation
// needs. *deploy.Manager satisfies it.
type VersionDeployer interface {
	CreateVersion(ctx context.Context, req deploy.CreateVersionRequest) (*deploy.ModelVersion, error)
	Deploy(ctx context.Context, model, version string, strategy deploy.DeploymentStrategy, trafficPct float64, deployedBy string) (*deploy.ModelDeployment, error)
	GetVersion(model, version string) (*deploy.ModelVersion, error)
	ActiveVersion(model string) (*deploy.ModelVersion, error)
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config holds automation settings.
type Config struct {
	// MaxConcurrentUpdates bounds updates past admission at once.
	MaxConcurrentUpdates int `yaml:"max_concurrent_updates"`

	// ProcessInterval is how often the pipeline advances.
	ProcessInterval time.Duration `yaml:"process_interval"`

	// ScheduleCheckInterval is how often schedules are evaluated.
	ScheduleCheckInterval time.Duration `yaml:"schedule_check_interval"`

	// ValidationTimeout bounds a single validator without its own.
	ValidationTimeout time.Duration `yaml:"validation_timeout"`

	// UpdateTimeout is the wall-clock budget per update.
	UpdateTimeout time.Duration `yaml:"update_timeout"`

	// MaxCompletedUpdates caps retained terminal updates.
	MaxCompletedUpdates int `yaml:"max_completed_updates"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentUpdates:  3,
		ProcessInterval:       30 * time.Second,
		ScheduleCheckInterval: time.Minute,
		ValidationTimeout:     5 * time.Minute,
		UpdateTimeout:         time.Hour,
		MaxCompletedUpdates:   1000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrentUpdates <= 0 {
		c.MaxConcurrentUpdates = d.MaxConcurrentUpdates
	}
	if c.ProcessInterval <= 0 {
		c.ProcessInterval = d.ProcessInterval
	}
	if c.ScheduleCheckInterval <= 0 {
		c.ScheduleCheckInterval = d.ScheduleCheckInterval
	}
	if c.ValidationTimeout <= 0 {
		c.ValidationTimeout = d.ValidationTimeout
	}
	if c.UpdateTimeout <= 0 {
		c.UpdateTimeout = d.UpdateTimeout
	}
	if c.MaxCompletedUpdates <= 0 {
		c.MaxCompletedUpdates = d.MaxCompletedUpdates
	}
	return c
}

// -----------------------------------------------------------------------------
// Scheduling
// -----------------------------------------------------------------------------

// ScheduledUpdate is a recurring trigger.
type ScheduledUpdate struct {
	ID        string `json:"id"`
	ModelName string `json:"model_name"`

	TargetVersion    string                     `json:"target_version,omitempty"`
	NewConfiguration *deploy.ModelConfiguration `json:"new_configuration,omitempty"`
	Strategy         deploy.DeploymentStrategy  `json:"strategy"`

	// Expression supports "daily" / "0 0 * * *" and
	// "every_6_hours" / "0 */6 * * *".
	Expression string `json:"expression"`

	NextRun time.Time `json:"next_run"`
	LastRun time.Time `json:"last_run,omitempty"`
}

// scheduleInterval maps supported expressions to their period.
func scheduleInterval(expr string) (time.Duration, error) {
	switch expr {
	case "daily", "0 0 * * *":
		return 24 * time.Hour, nil
	case "every_6_hours", "0 */6 * * *":
		return 6 * time.Hour, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrBadSchedule, expr)
	}
}

// -----------------------------------------------------------------------------
// Automation
// -----------------------------------------------------------------------------

// UpdateRequest carries the inputs for a new update.
type UpdateRequest struct {
	ModelName        string
	TargetVersion    string
	Trigger          UpdateTrigger
	Strategy         deploy.DeploymentStrategy
	NewConfiguration *deploy.ModelConfiguration
	Rules            []ValidationRule
	TriggeredBy      string
	Notes            string
}

// UpdateFilter selects updates for listing. Zero fields match all.
type UpdateFilter struct {
	ModelName string
	Status    UpdateStatus
	Trigger   UpdateTrigger
	Limit     int
}

// Automation owns the update registry and drives the pipeline.
//
// Description:
//
//	Updates advance one phase per processing pass: pending updates are
//	admitted FIFO while fewer than MaxConcurrentUpdates are in flight,
//	then validated, deployed, observed, and finished. An update past its
//	wall-clock budget fails regardless of phase.
//
// Thread Safety: Safe for concurrent use.
type Automation struct {
	mu  sync.Mutex
	cfg Config

	updates   map[string]*ModelUpdate
	queue     []string // pending update IDs, FIFO
	completed []string // terminal update IDs, oldest first

	validators map[string]ValidatorFunc
	schedules  map[string]*ScheduledUpdate

	deployer VersionDeployer
	logger   *slog.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	halted  bool
}

// NewAutomation constructs the automation with the built-in validators
// registered.
func NewAutomation(cfg Config, deployer VersionDeployer, logger *slog.Logger) (*Automation, error) {
	if deployer == nil {
		return nil, errors.New("deployer must not be nil")
	}
	if logger == nil {
		return nil, errors.New("logger must not be nil")
	}

	a := &Automation{
		cfg:        cfg.withDefaults(),
		updates:    make(map[string]*ModelUpdate),
		validators: make(map[string]ValidatorFunc),
		schedules:  make(map[string]*ScheduledUpdate),
		deployer:   deployer,
		logger:     logger,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	a.validators[ValidatorConfiguration] = validateConfiguration
	a.validators[ValidatorAvailability] = availabilityValidator(deployer)
	return a, nil
}

// RegisterValidator adds or replaces a named validator.
func (a *Automation) RegisterValidator(name string, fn ValidatorFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.validators[name] = fn
}

// TriggerUpdate queues a new update.
//
// Outputs:
//   - *ModelUpdate: Snapshot of the queued update.
//   - error: Non-nil for invalid requests or unknown validators.
func (a *Automation) TriggerUpdate(ctx context.Context, req UpdateRequest) (*ModelUpdate, error) {
	if req.ModelName == "" {
		return nil, errors.New("model name is required")
	}
	if req.TargetVersion == "" {
		return nil, errors.New("target version is required")
	}
	if req.Trigger == "" {
		req.Trigger = TriggerManual
	}
	if req.Strategy == "" {
		req.Strategy = deploy.StrategyCanary
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	rules := req.Rules
	if len(rules) == 0 {
		rules = defaultRules()
	}
	for _, r := range rules {
		if _, ok := a.validators[r.Validator]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownValidator, r.Validator)
		}
	}

	current := ""
	if v, err := a.deployer.ActiveVersion(req.ModelName); err == nil {
		current = v.Version
	}

	u := NewModelUpdate(req.ModelName, current, req.TargetVersion, req.Trigger, req.Strategy)
	u.Rules = rules
	u.TriggeredBy = req.TriggeredBy
	u.Notes = req.Notes
	if req.NewConfiguration != nil {
		cfg := req.NewConfiguration.Clone()
		u.NewConfiguration = &cfg
	}

	a.updates[u.ID] = u
	a.queue = append(a.queue, u.ID)

	a.logger.Info("update queued",
		slog.String("update_id", u.ID),
		slog.String("model", u.ModelName),
		slog.String("target", u.TargetVersion),
		slog.String("trigger", string(u.Trigger)))
	return u.clone(), nil
}

// CancelUpdate removes a still-pending update from the queue.
func (a *Automation) CancelUpdate(updateID, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	u, ok := a.updates[updateID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUpdateNotFound, updateID)
	}
	if u.Status != StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrNotCancellable, updateID, u.Status)
	}

	for i, id := range a.queue {
		if id == updateID {
			a.queue = append(a.queue[:i], a.queue[i+1:]...)
			break
		}
	}
	a.finishLocked(u, StatusFailed, "cancelled: "+reason)
	return nil
}

// ScheduleUpdate registers a recurring trigger.
func (a *Automation) ScheduleUpdate(s ScheduledUpdate) (*ScheduledUpdate, error) {
	interval, err := scheduleInterval(s.Expression)
	if err != nil {
		return nil, err
	}
	if s.ModelName == "" {
		return nil, errors.New("model name is required")
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.NextRun.IsZero() {
		s.NextRun = time.Now().Add(interval)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	stored := s
	a.schedules[s.ID] = &stored
	a.logger.Info("update scheduled",
		slog.String("schedule_id", s.ID),
		slog.String("model", s.ModelName),
		slog.String("expression", s.Expression),
		slog.Time("next_run", s.NextRun))
	out := stored
	return &out, nil
}

// GetUpdate returns a snapshot of one update.
func (a *Automation) GetUpdate(updateID string) (*ModelUpdate, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	u, ok := a.updates[updateID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUpdateNotFound, updateID)
	}
	return u.clone(), nil
}

// ListUpdates returns snapshots matching the filter, newest first.
func (a *Automation) ListUpdates(f UpdateFilter) []*ModelUpdate {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []*ModelUpdate
	for _, u := range a.updates {
		if f.ModelName != "" && u.ModelName != f.ModelName {
			continue
		}
		if f.Status != "" && u.Status != f.Status {
			continue
		}
		if f.Trigger != "" && u.Trigger != f.Trigger {
			continue
		}
		out = append(out, u.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// AutomationStatistics summarizes pipeline activity.
type AutomationStatistics struct {
	Total       int                   `json:"total"`
	Queued      int                   `json:"queued"`
	InFlight    int                   `json:"in_flight"`
	ByStatus    map[UpdateStatus]int  `json:"by_status"`
	ByTrigger   map[UpdateTrigger]int `json:"by_trigger"`
	AvgDuration time.Duration         `json:"avg_duration"`
	Schedules   int                   `json:"schedules"`
}

// Statistics returns pipeline aggregates.
func (a *Automation) Statistics() AutomationStatistics {
	a.mu.Lock()
	defer a.mu.Unlock()

	stats := AutomationStatistics{
		Total:     len(a.updates),
		Queued:    len(a.queue),
		ByStatus:  make(map[UpdateStatus]int),
		ByTrigger: make(map[UpdateTrigger]int),
		Schedules: len(a.schedules),
	}
	var completedDur time.Duration
	var completedN int
	for _, u := range a.updates {
		stats.ByStatus[u.Status]++
		stats.ByTrigger[u.Trigger]++
		if !u.Status.Terminal() && u.Status != StatusPending {
			stats.InFlight++
		}
		if u.Status == StatusCompleted {
			completedDur += u.Duration()
			completedN++
		}
	}
	if completedN > 0 {
		stats.AvgDuration = completedDur / time.Duration(completedN)
	}
	return stats
}

// -----------------------------------------------------------------------------
// Pipeline
// -----------------------------------------------------------------------------

// ProcessOnce advances every update one phase. Exported so callers can
// force a pass instead of waiting for the ticker.
func (a *Automation) ProcessOnce(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.admitLocked()

	for _, u := range a.updates {
		if u.Status.Terminal() || u.Status == StatusPending {
			continue
		}
		if u.Duration() > a.cfg.UpdateTimeout {
			a.finishLocked(u, StatusFailed,
				fmt.Sprintf("%v after %s", deploy.ErrUpdateTimeout, a.cfg.UpdateTimeout))
			continue
		}

		switch u.Status {
		case StatusValidating:
			a.validateLocked(ctx, u)
		case StatusDeploying:
			a.deployLocked(ctx, u)
		case StatusTesting:
			a.observeLocked(u)
		}
	}
}

// admitLocked moves queued updates into validation while capacity holds.
func (a *Automation) admitLocked() {
	inFlight := 0
	for _, u := range a.updates {
		if !u.Status.Terminal() && u.Status != StatusPending {
			inFlight++
		}
	}

	for inFlight < a.cfg.MaxConcurrentUpdates && len(a.queue) > 0 {
		id := a.queue[0]
		a.queue = a.queue[1:]
		u, ok := a.updates[id]
		if !ok || u.Status != StatusPending {
			continue
		}
		u.Status = StatusValidating
		u.StartedAt = time.Now()
		inFlight++
		a.logger.Info("update admitted",
			slog.String("update_id", u.ID),
			slog.String("model", u.ModelName))
	}
}

// validateLocked runs every rule and moves the update forward or fails it.
func (a *Automation) validateLocked(ctx context.Context, u *ModelUpdate) {
	u.ValidationResults = u.ValidationResults[:0]

	for _, rule := range u.Rules {
		fn := a.validators[rule.Validator]

		timeout := rule.Timeout
		if timeout <= 0 {
			timeout = a.cfg.ValidationTimeout
		}
		ruleCtx, cancel := context.WithTimeout(ctx, timeout)

		start := time.Now()
		passed, msg, details := fn(ruleCtx, u)
		if err := ruleCtx.Err(); err != nil {
			passed = false
			msg = fmt.Sprintf("validator timed out: %v", err)
		}
		cancel()

		u.ValidationResults = append(u.ValidationResults, ValidationResult{
			Rule:     rule.Name,
			Passed:   passed,
			Message:  msg,
			Duration: time.Since(start),
			Details:  details,
		})
	}

	if !u.ValidationPassed() {
		a.finishLocked(u, StatusFailed, "validation failed")
		return
	}
	u.Status = StatusDeploying
}

// deployLocked creates the target version if needed and hands off to the
// version manager.
func (a *Automation) deployLocked(ctx context.Context, u *ModelUpdate) {
	if _, err := a.deployer.GetVersion(u.ModelName, u.TargetVersion); err != nil {
		if u.NewConfiguration == nil {
			a.finishLocked(u, StatusFailed, fmt.Sprintf("target version missing: %v", err))
			return
		}
		_, err := a.deployer.CreateVersion(ctx, deploy.CreateVersionRequest{
			ModelName:     u.ModelName,
			Version:       u.TargetVersion,
			Description:   "created by update " + u.ID,
			CreatedBy:     "update-automation",
			Configuration: *u.NewConfiguration,
			ParentVersion: u.CurrentVersion,
		})
		if err != nil {
			a.finishLocked(u, StatusFailed, fmt.Sprintf("version creation failed: %v", err))
			return
		}
	}

	d, err := a.deployer.Deploy(ctx, u.ModelName, u.TargetVersion, u.Strategy, 0, "update-automation")
	if err != nil {
		a.finishLocked(u, StatusFailed, fmt.Sprintf("deployment failed: %v", err))
		return
	}
	u.DeploymentID = d.ID
	if u.Strategy == deploy.StrategyABTest {
		u.ABTestID = d.ABTest.TestID
	}

	switch u.Strategy {
	case deploy.StrategyCanary, deploy.StrategyABTest:
		u.Status = StatusTesting
	default:
		a.finishLocked(u, StatusCompleted, "")
	}
}

// observeLocked watches a testing rollout until it settles.
func (a *Automation) observeLocked(u *ModelUpdate) {
	v, err := a.deployer.GetVersion(u.ModelName, u.TargetVersion)
	if err != nil {
		a.finishLocked(u, StatusFailed, fmt.Sprintf("target version lost: %v", err))
		return
	}

	switch v.Status {
	case deploy.StatusActive:
		a.finishLocked(u, StatusCompleted, "")
	case deploy.StatusRetired, deploy.StatusFailed:
		u.RollbackReason = lastChangelogDetail(v)
		a.finishLocked(u, StatusRolledBack, u.RollbackReason)
	default:
		// Still ramping; check again next pass.
	}
}

func lastChangelogDetail(v *deploy.ModelVersion) string {
	if len(v.Changelog) == 0 {
		return ""
	}
	return v.Changelog[len(v.Changelog)-1].Detail
}

// finishLocked moves an update to a terminal status and trims history.
func (a *Automation) finishLocked(u *ModelUpdate, status UpdateStatus, reason string) {
	u.Status = status
	if u.StartedAt.IsZero() {
		u.StartedAt = u.CreatedAt
	}
	u.CompletedAt = time.Now()
	if reason != "" && u.RollbackReason == "" && status != StatusCompleted {
		u.RollbackReason = reason
	}

	a.completed = append(a.completed, u.ID)
	for len(a.completed) > a.cfg.MaxCompletedUpdates {
		evict := a.completed[0]
		a.completed = a.completed[1:]
		delete(a.updates, evict)
	}

	if mx := observability.Get(); mx != nil {
		mx.UpdatesTotal.WithLabelValues(string(status)).Inc()
		mx.UpdateDurationSeconds.Observe(u.Duration().Seconds())
	}

	level := slog.LevelInfo
	if status != StatusCompleted {
		level = slog.LevelWarn
	}
	a.logger.Log(context.Background(), level, "update finished",
		slog.String("update_id", u.ID),
		slog.String("model", u.ModelName),
		slog.String("status", string(status)),
		slog.String("reason", reason),
		slog.Duration("duration", u.Duration()))
}

// -----------------------------------------------------------------------------
// Loops
// -----------------------------------------------------------------------------

// Start launches the processing and scheduling loops.
func (a *Automation) Start() {
	a.mu.Lock()
	if a.started || a.halted {
		a.mu.Unlock()
		return
	}
	a.started = true
	a.mu.Unlock()

	go a.run()
}

// Stop halts the loops and waits for them. Safe to call multiple times.
func (a *Automation) Stop() {
	a.mu.Lock()
	if a.halted {
		a.mu.Unlock()
		return
	}
	a.halted = true
	started := a.started
	a.mu.Unlock()

	close(a.stopCh)
	if started {
		<-a.doneCh
	}
}

func (a *Automation) run() {
	defer close(a.doneCh)

	process := time.NewTicker(a.cfg.ProcessInterval)
	schedule := time.NewTicker(a.cfg.ScheduleCheckInterval)
	defer process.Stop()
	defer schedule.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-process.C:
			a.ProcessOnce(context.Background())
		case <-schedule.C:
			a.schedulePass(context.Background())
		}
	}
}

// schedulePass triggers due schedules and advances their next run.
func (a *Automation) schedulePass(ctx context.Context) {
	a.mu.Lock()
	var due []*ScheduledUpdate
	now := time.Now()
	for _, s := range a.schedules {
		if !s.NextRun.After(now) {
			due = append(due, s)
		}
	}
	for _, s := range due {
		interval, _ := scheduleInterval(s.Expression)
		s.LastRun = now
		s.NextRun = now.Add(interval)
	}
	a.mu.Unlock()

	for _, s := range due {
		_, err := a.TriggerUpdate(ctx, UpdateRequest{
			ModelName:        s.ModelName,
			TargetVersion:    s.TargetVersion,
			Trigger:          TriggerSchedule,
			Strategy:         s.Strategy,
			NewConfiguration: s.NewConfiguration,
			TriggeredBy:      "schedule:" + s.ID,
		})
		if err != nil {
			a.logger.Error("scheduled trigger failed",
				slog.String("schedule_id", s.ID),
				slog.String("error", err.Error()))
		}
	}
}
