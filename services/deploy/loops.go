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

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianDeploy/services/deploy/observability"
)

// unhealthyScoreFloor triggers a rollback from the health loop.
const unhealthyScoreFloor = 0.3

// stopTimeout bounds how long Stop waits for loops to drain.
const stopTimeout = 10 * time.Second

// Start launches the manager's background loops: health checks, canary
// rollout advancement, retention cleanup, and optional store backups.
//
// Thread Safety: Safe to call once. Subsequent calls are no-ops.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	var g errgroup.Group
	g.Go(func() error { return m.runLoop("health", m.cfg.HealthCheckInterval, m.healthPass) })
	g.Go(func() error { return m.runLoop("rollout", m.cfg.RolloutCheckInterval, m.rolloutPass) })
	g.Go(func() error { return m.runLoop("cleanup", m.cfg.CleanupInterval, m.cleanupPass) })
	if m.cfg.BackupEnabled && m.cfg.BackupDir != "" {
		g.Go(func() error { return m.runLoop("backup", m.cfg.BackupInterval, m.backupPass) })
	}

	go func() {
		defer close(m.doneCh)
		_ = g.Wait()
	}()
}

// Stop signals the loops to halt and waits for them with a bounded
// timeout. Safe to call multiple times.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	started := m.started
	m.mu.Unlock()

	close(m.stopCh)
	if !started {
		return
	}
	select {
	case <-m.doneCh:
	case <-time.After(stopTimeout):
		m.logger.Warn("manager loops did not drain before timeout")
	}
}

// runLoop drives one pass function on a ticker. A panicking pass is
// recovered and logged so one bad iteration cannot kill the loop.
func (m *Manager) runLoop(name string, interval time.Duration, pass func(ctx context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return nil
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						m.logger.Error("background pass panicked",
							slog.String("loop", name),
							slog.String("panic", fmt.Sprint(r)))
					}
				}()
				pass(context.Background())
			}()
		}
	}
}

// -----------------------------------------------------------------------------
// Health Loop
// -----------------------------------------------------------------------------

// healthPass scores every active version and rolls back those below the
// health floor.
func (m *Manager) healthPass(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for model, versionName := range m.active {
		v := m.versions[model][versionName]
		score := v.HealthScore()

		if mx := observability.Get(); mx != nil {
			mx.HealthScore.WithLabelValues(model, versionName).Set(score)
		}

		if score >= unhealthyScoreFloor {
			continue
		}
		if v.Metrics.TotalRequests < minRequestsForRollback {
			continue
		}

		reason := fmt.Sprintf("health score %.2f below floor %.2f", score, unhealthyScoreFloor)
		m.logger.Warn("unhealthy active version",
			slog.String("model", model),
			slog.String("version", versionName),
			slog.Float64("score", score))
		if err := m.rollbackLocked(ctx, model, "", reason); err != nil {
			m.logger.Error("health rollback failed",
				slog.String("model", model),
				slog.String("error", err.Error()))
		}
	}
}

// -----------------------------------------------------------------------------
// Rollout Loop
// -----------------------------------------------------------------------------

// rolloutPass advances in-progress canary deployments.
//
// Description:
//
//	A canary steps forward only when the rollout interval has elapsed
//	since the previous step and enough fresh traffic has accumulated to
//	judge it. A tripped rollback policy reverts immediately. Reaching
//	the target flips the version active and retires the predecessor.
func (m *Manager) rolloutPass(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for model, byVersion := range m.versions {
		for versionName, v := range byVersion {
			if v.Status != StatusTesting {
				continue
			}
			d := v.ActiveDeployment()
			if d == nil || d.Strategy != StrategyCanary {
				continue
			}

			if should, reason := v.ShouldRollback(); should {
				m.abortTestingLocked(ctx, model, v, reason)
				continue
			}

			if time.Since(d.LastRolloutAt) < d.RolloutInterval {
				continue
			}
			fresh := v.Metrics.TotalRequests - d.RolloutBaseRequests
			if fresh < m.cfg.MinRequestsForEvaluation {
				continue
			}

			d.TrafficPercentage += d.RolloutStep
			if d.TrafficPercentage > d.TargetTraffic {
				d.TrafficPercentage = d.TargetTraffic
			}
			d.LastRolloutAt = time.Now()
			d.RolloutBaseRequests = v.Metrics.TotalRequests
			v.AppendChangelog("rollout_step",
				fmt.Sprintf("traffic %.1f%% of %.1f%%", d.TrafficPercentage, d.TargetTraffic), "")

			if d.TrafficPercentage >= d.TargetTraffic {
				m.completeCanaryLocked(ctx, model, v, d)
			} else {
				m.persistLocked(ctx, v)
				m.logger.Info("canary advanced",
					slog.String("model", model),
					slog.String("version", versionName),
					slog.Float64("traffic", d.TrafficPercentage))
			}
		}
	}
}

func (m *Manager) completeCanaryLocked(ctx context.Context, model string, v *ModelVersion, d *ModelDeployment) {
	d.ActivatedAt = time.Now()
	if err := v.SetStatus(StatusActive, "canary rollout complete"); err != nil {
		m.logger.Error("canary completion failed",
			slog.String("model", model),
			slog.String("version", v.Version),
			slog.String("error", err.Error()))
		return
	}

	if priorName, ok := m.active[model]; ok && priorName != v.Version {
		m.retireLocked(ctx, m.versions[model][priorName], "superseded by "+v.Version)
	}
	m.active[model] = v.Version
	m.persistLocked(ctx, v)

	if mx := observability.Get(); mx != nil {
		mx.ActiveVersions.WithLabelValues(model).Set(1)
	}
	m.logger.Info("canary rollout complete",
		slog.String("model", model),
		slog.String("version", v.Version))
}

// -----------------------------------------------------------------------------
// Cleanup Loop
// -----------------------------------------------------------------------------

// cleanupPass enforces retention: the active version and versions younger
// than RetentionDays always stay; older versions are kept only while the
// total stays under MaxVersionsPerModel.
func (m *Manager) cleanupPass(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -m.cfg.RetentionDays)

	for model, byVersion := range m.versions {
		kept := make([]*ModelVersion, 0, len(byVersion))
		for _, v := range byVersion {
			kept = append(kept, v)
		}
		sortVersionsByCreation(kept)

		seen := 0
		for _, v := range kept {
			protected := v.Version == m.active[model] ||
				v.Version == m.standby[model] ||
				v.Status == StatusTesting
			if protected {
				seen++
				continue
			}
			// Versions inside the retention window always stay. Only
			// older versions compete for the remaining count slots.
			if v.CreatedAt.After(cutoff) {
				seen++
				continue
			}
			if seen < m.cfg.MaxVersionsPerModel {
				seen++
				continue
			}

			delete(byVersion, v.Version)
			if err := m.store.Delete(ctx, model, v.Version); err != nil {
				m.logger.Error("retention delete failed",
					slog.String("model", model),
					slog.String("version", v.Version),
					slog.String("error", err.Error()))
			}
			m.logger.Info("version removed by retention",
				slog.String("model", model),
				slog.String("version", v.Version),
				slog.String("status", string(v.Status)))
		}
	}
}

// sortVersionsByCreation orders newest first.
func sortVersionsByCreation(vs []*ModelVersion) {
	sort.Slice(vs, func(i, j int) bool {
		return vs[i].CreatedAt.After(vs[j].CreatedAt)
	})
}

// -----------------------------------------------------------------------------
// Backup Loop
// -----------------------------------------------------------------------------

func (m *Manager) backupPass(ctx context.Context) {
	path, err := m.store.Snapshot(ctx, m.cfg.BackupDir)
	if err != nil {
		m.logger.Error("store backup failed", slog.String("error", err.Error()))
		return
	}
	m.logger.Info("store backup written", slog.String("path", path))
}
