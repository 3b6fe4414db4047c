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
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory VersionStore for tests.
type memStore struct {
	mu   sync.Mutex
	docs map[string]*ModelVersion
	puts int
}

func newMemStore() *memStore {
	return &memStore{docs: make(map[string]*ModelVersion)}
}

func (s *memStore) key(model, version string) string { return model + "/" + version }

func (s *memStore) Put(ctx context.Context, v *ModelVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	s.docs[s.key(v.ModelName, v.Version)] = v.Clone()
	return nil
}

func (s *memStore) Get(ctx context.Context, model, version string) (*ModelVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.docs[s.key(model, version)]
	if !ok {
		return nil, &NotFoundError{Model: model, Version: version}
	}
	return v.Clone(), nil
}

func (s *memStore) List(ctx context.Context) ([]*ModelVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ModelVersion, 0, len(s.docs))
	for _, v := range s.docs {
		out = append(out, v.Clone())
	}
	return out, nil
}

func (s *memStore) ListModel(ctx context.Context, model string) ([]*ModelVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ModelVersion
	for _, v := range s.docs {
		if v.ModelName == model {
			out = append(out, v.Clone())
		}
	}
	return out, nil
}

func (s *memStore) Delete(ctx context.Context, model, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, s.key(model, version))
	return nil
}

func (s *memStore) Snapshot(ctx context.Context, dir string) (string, error) {
	return dir + "/snapshot.json", nil
}

func (s *memStore) Close() error { return nil }

// recordingRegistrar captures experiments handed off during deploys.
type recordingRegistrar struct {
	mu   sync.Mutex
	exps []Experiment
}

func (r *recordingRegistrar) RegisterExperiment(ctx context.Context, exp Experiment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exps = append(r.exps, exp)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T) (*Manager, *memStore) {
	t.Helper()
	st := newMemStore()
	m, err := NewManager(ManagerConfig{}, st, testLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, st
}

func mustCreate(t *testing.T, m *Manager, model, version string) {
	t.Helper()
	_, err := m.CreateVersion(context.Background(), CreateVersionRequest{
		ModelName:     model,
		Version:       version,
		CreatedBy:     "test",
		Configuration: testConfig(),
	})
	if err != nil {
		t.Fatalf("CreateVersion(%s/%s): %v", model, version, err)
	}
}

func TestCreateVersion(t *testing.T) {
	t.Run("DuplicateRejected", func(t *testing.T) {
		m, _ := newTestManager(t)
		mustCreate(t, m, "sorter", "1.0.0")

		_, err := m.CreateVersion(context.Background(), CreateVersionRequest{
			ModelName:     "sorter",
			Version:       "1.0.0",
			Configuration: testConfig(),
		})
		var dup *DuplicateVersionError
		if !errors.As(err, &dup) {
			t.Fatalf("err = %v, want DuplicateVersionError", err)
		}

		// Registry must be unchanged.
		vs, err := m.ListVersions("sorter")
		if err != nil || len(vs) != 1 {
			t.Errorf("ListVersions = %d versions, err %v; want 1, nil", len(vs), err)
		}
	})

	t.Run("InvalidIdentifiersRejected", func(t *testing.T) {
		m, _ := newTestManager(t)
		cases := []struct{ model, version string }{
			{"", "1.0.0"},
			{"Sorter", "1.0.0"},
			{"sorter/../other", "1.0.0"},
			{"sorter", ""},
			{"sorter", "v1.0.0"},
			{"sorter", "1.0"},
		}
		for _, c := range cases {
			_, err := m.CreateVersion(context.Background(), CreateVersionRequest{
				ModelName:     c.model,
				Version:       c.version,
				Configuration: testConfig(),
			})
			if !errors.Is(err, ErrValidationFailed) {
				t.Errorf("CreateVersion(%q, %q) err = %v, want ErrValidationFailed", c.model, c.version, err)
			}
		}
	})

	t.Run("ParentChildLineage", func(t *testing.T) {
		m, _ := newTestManager(t)
		mustCreate(t, m, "sorter", "1.0.0")
		_, err := m.CreateVersion(context.Background(), CreateVersionRequest{
			ModelName:     "sorter",
			Version:       "1.1.0",
			Configuration: testConfig(),
			ParentVersion: "1.0.0",
		})
		if err != nil {
			t.Fatalf("CreateVersion: %v", err)
		}
		parent, _ := m.GetVersion("sorter", "1.0.0")
		if len(parent.ChildVersions) != 1 || parent.ChildVersions[0] != "1.1.0" {
			t.Errorf("parent.ChildVersions = %v, want [1.1.0]", parent.ChildVersions)
		}
	})

	t.Run("PersistedOnCreate", func(t *testing.T) {
		m, st := newTestManager(t)
		mustCreate(t, m, "sorter", "1.0.0")
		if _, err := st.Get(context.Background(), "sorter", "1.0.0"); err != nil {
			t.Errorf("store.Get after create: %v", err)
		}
	})
}

func TestDeployStrategies(t *testing.T) {
	ctx := context.Background()

	t.Run("FirstDeployActivatesFully", func(t *testing.T) {
		m, _ := newTestManager(t)
		mustCreate(t, m, "sorter", "1.0.0")
		d, err := m.Deploy(ctx, "sorter", "1.0.0", StrategyCanary, 100, "test")
		if err != nil {
			t.Fatalf("Deploy: %v", err)
		}
		if d.TrafficPercentage != 100 {
			t.Errorf("traffic = %v, want 100 for first deploy", d.TrafficPercentage)
		}
		active, err := m.ActiveVersion("sorter")
		if err != nil || active.Version != "1.0.0" {
			t.Errorf("ActiveVersion = %v, %v; want 1.0.0", active, err)
		}
	})

	t.Run("ReplaceRetiresPredecessor", func(t *testing.T) {
		m, _ := newTestManager(t)
		mustCreate(t, m, "sorter", "1.0.0")
		mustCreate(t, m, "sorter", "2.0.0")
		if _, err := m.Deploy(ctx, "sorter", "1.0.0", StrategyReplace, 0, "test"); err != nil {
			t.Fatalf("Deploy v1: %v", err)
		}
		if _, err := m.Deploy(ctx, "sorter", "2.0.0", StrategyReplace, 0, "test"); err != nil {
			t.Fatalf("Deploy v2: %v", err)
		}

		v1, _ := m.GetVersion("sorter", "1.0.0")
		if v1.Status != StatusRetired {
			t.Errorf("v1 status = %s, want retired", v1.Status)
		}
		active, _ := m.ActiveVersion("sorter")
		if active.Version != "2.0.0" {
			t.Errorf("active = %s, want 2.0.0", active.Version)
		}
	})

	t.Run("CanaryStartsAtStepBelowTarget", func(t *testing.T) {
		m, _ := newTestManager(t)
		mustCreate(t, m, "sorter", "1.0.0")
		mustCreate(t, m, "sorter", "2.0.0")
		if _, err := m.Deploy(ctx, "sorter", "1.0.0", StrategyReplace, 0, "test"); err != nil {
			t.Fatalf("Deploy v1: %v", err)
		}
		d, err := m.Deploy(ctx, "sorter", "2.0.0", StrategyCanary, 100, "test")
		if err != nil {
			t.Fatalf("Deploy canary: %v", err)
		}
		if d.TrafficPercentage != DefaultManagerConfig().CanaryRolloutStep {
			t.Errorf("canary traffic = %v, want initial step %v",
				d.TrafficPercentage, DefaultManagerConfig().CanaryRolloutStep)
		}
		if d.TrafficPercentage > d.TargetTraffic {
			t.Errorf("traffic %v exceeds target %v", d.TrafficPercentage, d.TargetTraffic)
		}

		v2, _ := m.GetVersion("sorter", "2.0.0")
		if v2.Status != StatusTesting {
			t.Errorf("canary status = %s, want testing", v2.Status)
		}
		// v1 remains active during the ramp.
		active, _ := m.ActiveVersion("sorter")
		if active.Version != "1.0.0" {
			t.Errorf("active = %s, want 1.0.0 during canary", active.Version)
		}
	})

	t.Run("ABTestRegistersExperiment", func(t *testing.T) {
		m, _ := newTestManager(t)
		reg := &recordingRegistrar{}
		m.SetExperimentRegistrar(reg)
		mustCreate(t, m, "sorter", "1.0.0")
		mustCreate(t, m, "sorter", "2.0.0")
		if _, err := m.Deploy(ctx, "sorter", "1.0.0", StrategyReplace, 0, "test"); err != nil {
			t.Fatalf("Deploy v1: %v", err)
		}
		if _, err := m.Deploy(ctx, "sorter", "2.0.0", StrategyABTest, 0, "test"); err != nil {
			t.Fatalf("Deploy a_b: %v", err)
		}

		if len(reg.exps) != 1 {
			t.Fatalf("registered experiments = %d, want 1", len(reg.exps))
		}
		exp := reg.exps[0]
		if exp.ControlVersion != "1.0.0" || exp.TreatmentVersion != "2.0.0" {
			t.Errorf("experiment = %+v, want control 1.0.0 treatment 2.0.0", exp)
		}
		if exp.TreatmentTraffic != 50 {
			t.Errorf("treatment traffic = %v, want default 50", exp.TreatmentTraffic)
		}
	})

	t.Run("DeployUnknownVersionFails", func(t *testing.T) {
		m, _ := newTestManager(t)
		_, err := m.Deploy(ctx, "sorter", "9.9.9", StrategyReplace, 0, "test")
		var nf *NotFoundError
		if !errors.As(err, &nf) {
			t.Fatalf("err = %v, want NotFoundError", err)
		}
	})
}

func TestBlueGreen(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) *Manager {
		m, _ := newTestManager(t)
		mustCreate(t, m, "sorter", "1.0.0")
		mustCreate(t, m, "sorter", "2.0.0")
		if _, err := m.Deploy(ctx, "sorter", "1.0.0", StrategyReplace, 0, "test"); err != nil {
			t.Fatalf("Deploy v1: %v", err)
		}
		if _, err := m.Deploy(ctx, "sorter", "2.0.0", StrategyBlueGreen, 0, "test"); err != nil {
			t.Fatalf("Deploy blue_green: %v", err)
		}
		return m
	}

	t.Run("CutoverKeepsPredecessorWarm", func(t *testing.T) {
		m := setup(t)
		active, _ := m.ActiveVersion("sorter")
		if active.Version != "2.0.0" {
			t.Fatalf("active = %s, want 2.0.0", active.Version)
		}
		v1, _ := m.GetVersion("sorter", "1.0.0")
		if v1.Status != StatusDeprecated {
			t.Errorf("standby status = %s, want deprecated", v1.Status)
		}
		if v1.CurrentDeployment == nil || !v1.CurrentDeployment.Standby {
			t.Error("standby deployment flag not set")
		}
	})

	t.Run("PromoteRetiresStandby", func(t *testing.T) {
		m := setup(t)
		if err := m.Promote(ctx, "sorter"); err != nil {
			t.Fatalf("Promote: %v", err)
		}
		v1, _ := m.GetVersion("sorter", "1.0.0")
		if v1.Status != StatusRetired {
			t.Errorf("standby after promote = %s, want retired", v1.Status)
		}
		// A second promote has no standby to act on.
		if err := m.Promote(ctx, "sorter"); err == nil {
			t.Error("second Promote succeeded, want error")
		}
	})

	t.Run("DemoteRestoresStandby", func(t *testing.T) {
		m := setup(t)
		if err := m.Demote(ctx, "sorter", "bad cutover"); err != nil {
			t.Fatalf("Demote: %v", err)
		}
		active, _ := m.ActiveVersion("sorter")
		if active.Version != "1.0.0" {
			t.Errorf("active after demote = %s, want 1.0.0", active.Version)
		}
		v2, _ := m.GetVersion("sorter", "2.0.0")
		if v2.Status != StatusRetired {
			t.Errorf("demoted version status = %s, want retired", v2.Status)
		}
	})
}

func TestRollback(t *testing.T) {
	ctx := context.Background()

	t.Run("SelectsHealthyPredecessor", func(t *testing.T) {
		m, _ := newTestManager(t)
		mustCreate(t, m, "sorter", "1.0.0")
		if _, err := m.Deploy(ctx, "sorter", "1.0.0", StrategyReplace, 0, "test"); err != nil {
			t.Fatalf("Deploy v1: %v", err)
		}
		for i := 0; i < 50; i++ {
			_ = m.UpdateMetrics(ctx, "sorter", "1.0.0", 100*time.Millisecond, true, 0.9, 0)
		}

		mustCreate(t, m, "sorter", "2.0.0")
		if _, err := m.Deploy(ctx, "sorter", "2.0.0", StrategyReplace, 0, "test"); err != nil {
			t.Fatalf("Deploy v2: %v", err)
		}

		if err := m.Rollback(ctx, "sorter", "", "manual revert"); err != nil {
			t.Fatalf("Rollback: %v", err)
		}
		active, _ := m.ActiveVersion("sorter")
		if active.Version != "1.0.0" {
			t.Errorf("active after rollback = %s, want 1.0.0", active.Version)
		}
	})

	t.Run("NoTargetWithoutHistory", func(t *testing.T) {
		m, _ := newTestManager(t)
		mustCreate(t, m, "sorter", "1.0.0")
		if _, err := m.Deploy(ctx, "sorter", "1.0.0", StrategyReplace, 0, "test"); err != nil {
			t.Fatalf("Deploy: %v", err)
		}
		err := m.Rollback(ctx, "sorter", "", "manual")
		var noTarget *NoRollbackTargetError
		if !errors.As(err, &noTarget) {
			t.Fatalf("err = %v, want NoRollbackTargetError", err)
		}
	})

	t.Run("ExplicitTargetIdempotent", func(t *testing.T) {
		m, _ := newTestManager(t)
		mustCreate(t, m, "sorter", "1.0.0")
		if _, err := m.Deploy(ctx, "sorter", "1.0.0", StrategyReplace, 0, "test"); err != nil {
			t.Fatalf("Deploy: %v", err)
		}
		// Rolling back to the already-active version is a no-op.
		if err := m.Rollback(ctx, "sorter", "1.0.0", "manual"); err != nil {
			t.Fatalf("Rollback to active: %v", err)
		}
		active, _ := m.ActiveVersion("sorter")
		if active.Version != "1.0.0" || active.Status != StatusActive {
			t.Errorf("active = %s/%s, want 1.0.0/active", active.Version, active.Status)
		}
	})
}

// TestAutoRollbackOnErrorSpike walks the full degradation scenario: a
// healthy v1, a v2 canary that starts failing 40% of requests, and the
// automatic reversion to v1.
func TestAutoRollbackOnErrorSpike(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	mustCreate(t, m, "sorter", "1.0.0")
	if _, err := m.Deploy(ctx, "sorter", "1.0.0", StrategyReplace, 0, "test"); err != nil {
		t.Fatalf("Deploy v1: %v", err)
	}
	for i := 0; i < 500; i++ {
		_ = m.UpdateMetrics(ctx, "sorter", "1.0.0", 100*time.Millisecond, true, 0.95, 0)
	}

	mustCreate(t, m, "sorter", "2.0.0")
	if _, err := m.Deploy(ctx, "sorter", "2.0.0", StrategyCanary, 100, "test"); err != nil {
		t.Fatalf("Deploy v2: %v", err)
	}

	// 40% of canary traffic fails.
	for i := 0; i < 150; i++ {
		_ = m.UpdateMetrics(ctx, "sorter", "2.0.0", 200*time.Millisecond, i%5 >= 2, 0.8, 0)
	}

	active, err := m.ActiveVersion("sorter")
	if err != nil {
		t.Fatalf("ActiveVersion: %v", err)
	}
	if active.Version != "1.0.0" {
		t.Fatalf("active = %s, want rollback to 1.0.0", active.Version)
	}

	v2, _ := m.GetVersion("sorter", "2.0.0")
	if v2.Status != StatusRetired {
		t.Errorf("v2 status = %s, want retired", v2.Status)
	}

	// The reason must name the breached threshold.
	found := false
	for _, e := range v2.Changelog {
		if strings.Contains(e.Detail, "error rate") {
			found = true
			break
		}
	}
	if !found {
		t.Error("changelog does not record the error rate breach")
	}
}

func TestStatistics(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	mustCreate(t, m, "sorter", "1.0.0")
	mustCreate(t, m, "sorter", "2.0.0")
	mustCreate(t, m, "ranker", "1.0.0")
	if _, err := m.Deploy(ctx, "sorter", "1.0.0", StrategyReplace, 0, "test"); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	_ = m.UpdateMetrics(ctx, "sorter", "1.0.0", time.Millisecond, true, 0.9, 0)

	stats := m.Statistics()
	if stats.TotalModels != 2 || stats.TotalVersions != 3 {
		t.Errorf("totals = %d models %d versions, want 2/3",
			stats.TotalModels, stats.TotalVersions)
	}
	if stats.ByStatus[StatusActive] != 1 || stats.ByStatus[StatusPending] != 2 {
		t.Errorf("ByStatus = %v, want 1 active 2 pending", stats.ByStatus)
	}
	if stats.PerModel["sorter"].TotalRequests != 1 {
		t.Errorf("sorter requests = %d, want 1", stats.PerModel["sorter"].TotalRequests)
	}
	if got := m.ListModels(); len(got) != 2 || got[0] != "ranker" {
		t.Errorf("ListModels = %v, want [ranker sorter]", got)
	}
}

func TestPersistEveryHundredRequests(t *testing.T) {
	ctx := context.Background()
	m, st := newTestManager(t)
	mustCreate(t, m, "sorter", "1.0.0")
	if _, err := m.Deploy(ctx, "sorter", "1.0.0", StrategyReplace, 0, "test"); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	st.mu.Lock()
	before := st.puts
	st.mu.Unlock()

	for i := 0; i < 100; i++ {
		_ = m.UpdateMetrics(ctx, "sorter", "1.0.0", time.Millisecond, true, 0.9, 0)
	}

	st.mu.Lock()
	delta := st.puts - before
	st.mu.Unlock()
	if delta != 1 {
		t.Errorf("puts during 100 requests = %d, want exactly 1", delta)
	}

	stored, err := st.Get(ctx, "sorter", "1.0.0")
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	if stored.Metrics.TotalRequests != 100 {
		t.Errorf("persisted TotalRequests = %d, want 100", stored.Metrics.TotalRequests)
	}
}

func TestStoppedManagerRejectsMutations(t *testing.T) {
	m, _ := newTestManager(t)
	mustCreate(t, m, "sorter", "1.0.0")
	m.Stop()

	_, err := m.CreateVersion(context.Background(), CreateVersionRequest{
		ModelName:     "sorter",
		Version:       "2.0.0",
		Configuration: testConfig(),
	})
	if !errors.Is(err, ErrManagerStopped) {
		t.Errorf("CreateVersion after Stop: err = %v, want ErrManagerStopped", err)
	}

	_, err = m.Deploy(context.Background(), "sorter", "1.0.0", StrategyReplace, 100, "test")
	if !errors.Is(err, ErrManagerStopped) {
		t.Errorf("Deploy after Stop: err = %v, want ErrManagerStopped", err)
	}
}

func TestManagerReloadsFromStore(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	m1, err := NewManager(ManagerConfig{}, st, testLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	_, err = m1.CreateVersion(ctx, CreateVersionRequest{
		ModelName: "sorter", Version: "1.0.0", Configuration: testConfig(),
	})
	if err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	if _, err := m1.Deploy(ctx, "sorter", "1.0.0", StrategyReplace, 0, "test"); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	m2, err := NewManager(ManagerConfig{}, st, testLogger())
	if err != nil {
		t.Fatalf("NewManager reload: %v", err)
	}
	active, err := m2.ActiveVersion("sorter")
	if err != nil || active.Version != "1.0.0" {
		t.Errorf("reloaded active = %v, %v; want 1.0.0", active, err)
	}
}
