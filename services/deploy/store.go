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

import "context"

// VersionStore persists model version aggregates.
//
// Description:
//
//	The store holds self-describing documents keyed by (model, version).
//	Implementations live under services/deploy/store; the manager treats
//	persistence as best-effort and keeps its in-memory registry
//	authoritative when the store misbehaves.
//
// Thread Safety: Implementations must be safe for concurrent use.
type VersionStore interface {
	// Put writes or overwrites a version document.
	Put(ctx context.Context, v *ModelVersion) error

	// Get loads one version. Returns a NotFoundError when absent.
	Get(ctx context.Context, model, version string) (*ModelVersion, error)

	// List returns all stored versions across models.
	List(ctx context.Context) ([]*ModelVersion, error)

	// ListModel returns all stored versions of one model.
	ListModel(ctx context.Context, model string) ([]*ModelVersion, error)

	// Delete removes one version document. Deleting an absent version is
	// not an error.
	Delete(ctx context.Context, model, version string) error

	// Snapshot writes a timestamped JSON backup of all versions to dir.
	Snapshot(ctx context.Context, dir string) (string, error)

	// Close releases underlying resources.
	Close() error
}
