// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store provides the BadgerDB-backed VersionStore.
//
// BadgerDB gives low-latency embedded persistence with no external
// dependency. Version aggregates are stored as JSON documents under keys of
// the form:
//
//	model/<model>/<version>
//
// so a prefix scan over model/<model>/ lists one model's versions and a
// scan over model/ lists everything.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianDeploy/services/deploy"
)

const keyPrefix = "model/"

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config holds configuration for the BadgerDB store.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Required for persistent databases. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB internal log output.
	// If nil, BadgerDB's internal logging is disabled.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Set to 0 to disable.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults: synchronous writes, GC every
// five minutes at a 50% discard threshold.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests: no disk I/O, no GC.
func InMemoryConfig() Config {
	return Config{
		InMemory:   true,
		SyncWrites: false,
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// -----------------------------------------------------------------------------
// Badger Store
// -----------------------------------------------------------------------------

// BadgerStore implements deploy.VersionStore on an embedded BadgerDB.
//
// Thread Safety: Safe for concurrent use.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger

	gcStop chan struct{}
	gcDone chan struct{}
}

var _ deploy.VersionStore = (*BadgerStore)(nil)

// Open creates and opens a BadgerDB-backed version store.
//
// Description:
//
//	Opens the database at the configured path, or in memory when
//	InMemory is set, and starts the GC loop when GCInterval is positive.
//
// Inputs:
//   - cfg: Store configuration. Path is required unless InMemory is true.
//
// Outputs:
//   - *BadgerStore: The opened store. Caller must Close() when done.
//   - error: Non-nil if the database cannot be opened.
func Open(cfg Config) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &BadgerStore{db: db, logger: cfg.Logger}
	if cfg.GCInterval > 0 {
		s.gcStop = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

// OpenInMemory opens an in-memory store for testing. Data is lost on Close.
func OpenInMemory() (*BadgerStore, error) {
	return Open(InMemoryConfig())
}

func versionKey(model, version string) []byte {
	return []byte(keyPrefix + model + "/" + version)
}

// Put writes or overwrites a version document.
func (s *BadgerStore) Put(ctx context.Context, v *deploy.ModelVersion) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal version %s/%s: %w", v.ModelName, v.Version, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(versionKey(v.ModelName, v.Version), data)
	})
	if err != nil {
		return fmt.Errorf("%w: put %s/%s: %v",
			deploy.ErrStorageUnavailable, v.ModelName, v.Version, err)
	}
	return nil
}

// Get loads one version.
func (s *BadgerStore) Get(ctx context.Context, model, version string) (*deploy.ModelVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out deploy.ModelVersion
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(versionKey(model, version))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, &deploy.NotFoundError{Model: model, Version: version}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s/%s: %v",
			deploy.ErrStorageUnavailable, model, version, err)
	}
	return &out, nil
}

// List returns all stored versions across models.
func (s *BadgerStore) List(ctx context.Context) ([]*deploy.ModelVersion, error) {
	return s.scan(ctx, keyPrefix)
}

// ListModel returns all stored versions of one model.
func (s *BadgerStore) ListModel(ctx context.Context, model string) ([]*deploy.ModelVersion, error) {
	return s.scan(ctx, keyPrefix+model+"/")
}

func (s *BadgerStore) scan(ctx context.Context, prefix string) ([]*deploy.ModelVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*deploy.ModelVersion
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var v deploy.ModelVersion
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &v)
			})
			if err != nil {
				return err
			}
			out = append(out, &v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scan %s: %v", deploy.ErrStorageUnavailable, prefix, err)
	}
	return out, nil
}

// Delete removes one version document.
func (s *BadgerStore) Delete(ctx context.Context, model, version string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(versionKey(model, version))
	})
	if err != nil {
		return fmt.Errorf("%w: delete %s/%s: %v",
			deploy.ErrStorageUnavailable, model, version, err)
	}
	return nil
}

// Snapshot writes a timestamped JSON backup of all versions to dir.
//
// Outputs:
//   - string: Path of the written snapshot file.
//   - error: Non-nil if listing or writing fails.
func (s *BadgerStore) Snapshot(ctx context.Context, dir string) (string, error) {
	versions, err := s.List(ctx)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("create snapshot directory %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(versions, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}

	path := filepath.Join(dir,
		fmt.Sprintf("versions-%s.json", time.Now().UTC().Format("20060102T150405Z")))
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("write snapshot %s: %w", path, err)
	}
	return path, nil
}

// Close stops GC and closes the database.
func (s *BadgerStore) Close() error {
	if s.gcStop != nil {
		close(s.gcStop)
		<-s.gcDone
		s.gcStop = nil
	}
	return s.db.Close()
}

func (s *BadgerStore) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			// ErrNoRewrite means no GC was needed, not an error.
			err := s.db.RunValueLogGC(ratio)
			if err == nil {
				if s.logger != nil {
					s.logger.Debug("badger value log GC completed")
				}
			} else if !errors.Is(err, badger.ErrNoRewrite) {
				if s.logger != nil {
					s.logger.Warn("badger value log GC error",
						slog.String("error", err.Error()))
				}
			}
		}
	}
}
