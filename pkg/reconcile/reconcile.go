// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package reconcile implements the coherence sweeper: a background loop
// that periodically recomputes the symmetric difference between the
// metadata store's recorded chunk_ids and the vector store's point ids per
// dataset, deletes orphans on whichever side has them, and emits a
// coherence.broken notice over the bus when a divergence is found. It uses
// the same ticker-driven background-loop shape pkg/core uses for job
// dispatch: a plain time.Ticker, not a cron library.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/kraklabs/kie/internal/errors"
	"github.com/kraklabs/kie/pkg/bus"
	"github.com/kraklabs/kie/pkg/store"
)

// DefaultInterval is how often the sweeper compares metadata against the
// vector store when no override is supplied.
const DefaultInterval = time.Hour

// Sweeper periodically audits every bound dataset/collection pair for
// metadata/vector-store divergence.
type Sweeper struct {
	metadata store.MetadataStore
	vector   store.VectorStore
	bus      *bus.Bus
	logger   *slog.Logger
}

// New builds a Sweeper. logger may be nil, in which case a discard logger
// is used.
func New(metadata store.MetadataStore, vector store.VectorStore, b *bus.Bus, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return &Sweeper{metadata: metadata, vector: vector, bus: b, logger: logger}
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

// Run blocks, sweeping every interval until ctx is cancelled. The first
// sweep happens immediately rather than after the first tick, so a
// long-lived interval (the one-hour default) doesn't leave a freshly
// started process coherence-blind for an hour.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s.sweepAll(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepAll(ctx)
		}
	}
}

func (s *Sweeper) sweepAll(ctx context.Context) {
	projects, err := s.metadata.ListProjects(ctx)
	if err != nil {
		s.logger.Error("reconcile: list projects", "error", err)
		return
	}
	for _, p := range projects {
		datasets, err := s.metadata.ListDatasetsForProject(ctx, p.ID)
		if err != nil {
			s.logger.Error("reconcile: list datasets", "project_id", p.ID, "error", err)
			continue
		}
		collections, err := s.metadata.ListCollectionsForProject(ctx, p.ID, "")
		if err != nil {
			s.logger.Error("reconcile: list collections", "project_id", p.ID, "error", err)
			continue
		}
		byDataset := map[string][]string{}
		for _, c := range collections {
			byDataset[c.DatasetID] = append(byDataset[c.DatasetID], c.CollectionName)
		}
		for _, ds := range datasets {
			s.sweepDataset(ctx, ds.ID, byDataset[ds.ID])
		}
	}
}

// sweepDataset recomputes the symmetric difference between the metadata
// store's chunk ids (from file snapshots) and the vector store's point ids
// across the dataset's bound collections, then deletes orphans on whichever
// side has them: stray points are removed from the vector store, and
// snapshot rows whose chunks lost their vectors are dropped so the next
// ingest re-indexes those files. A divergence the sweep cannot repair marks
// the dataset failed.
func (s *Sweeper) sweepDataset(ctx context.Context, datasetID string, collections []string) {
	snapshots, err := s.metadata.ListFileSnapshots(ctx, datasetID)
	if err != nil {
		s.logger.Error("reconcile: list file snapshots", "dataset_id", datasetID, "error", err)
		return
	}
	want := map[string]string{} // chunk id -> relative path
	for _, snap := range snapshots {
		for _, id := range snap.ChunkIDs {
			want[id] = snap.RelativePath
		}
	}

	haveSet := map[string]bool{}
	extraByCollection := map[string][]string{} // points with no chunk row
	pointCount := 0
	for _, collection := range collections {
		ids, err := s.vector.ListPointIDs(ctx, collection, store.Filter{DatasetID: datasetID})
		if err != nil {
			s.logger.Error("reconcile: list point ids", "collection", collection, "error", err)
			return
		}
		pointCount += len(ids)
		for _, id := range ids {
			haveSet[id] = true
			if _, ok := want[id]; !ok {
				extraByCollection[collection] = append(extraByCollection[collection], id)
			}
		}
	}

	stalePaths := map[string]bool{} // files whose chunks lost their vectors
	missing := 0
	for id, path := range want {
		if !haveSet[id] {
			stalePaths[path] = true
			missing++
		}
	}
	extras := 0
	for _, ids := range extraByCollection {
		extras += len(ids)
	}
	if missing == 0 && extras == 0 {
		return
	}

	// The sweep runs on an interval longer than the tolerated divergence
	// window, so anything it finds is already past the window.
	cohErr := errors.NewCoherenceError(
		fmt.Sprintf("dataset %s has diverged", datasetID),
		fmt.Sprintf("%d chunk(s) missing vectors, %d stray point(s); metadata has %d chunks, vector store has %d points",
			missing, extras, len(want), pointCount),
		"Re-ingest the dataset to rebuild it",
		nil,
	)
	s.logger.Warn("reconcile: divergence detected",
		"dataset_id", datasetID, "missing_vectors", missing, "stray_points", extras)
	s.publishDivergence(datasetID, cohErr.Error(), len(want), pointCount)

	repaired := true
	for collection, ids := range extraByCollection {
		if err := s.vector.Delete(ctx, collection, ids); err != nil {
			s.logger.Error("reconcile: delete stray points", "collection", collection, "error", err)
			repaired = false
		}
	}
	if len(stalePaths) > 0 {
		paths := make([]string, 0, len(stalePaths))
		for p := range stalePaths {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		if err := s.metadata.DeleteFileSnapshotsByPath(ctx, datasetID, paths); err != nil {
			s.logger.Error("reconcile: delete stale snapshots", "dataset_id", datasetID, "error", err)
			repaired = false
		}
	}

	if !repaired {
		if err := s.metadata.MarkDatasetFailed(ctx, datasetID, cohErr.Error()); err != nil {
			s.logger.Error("reconcile: mark dataset failed", "dataset_id", datasetID, "error", err)
		}
	}
}

func (s *Sweeper) publishDivergence(datasetID, message string, chunkCount, pointCount int) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{
		Kind: bus.KindError,
		Ts:   time.Now(),
		Error: &bus.ErrorPayload{
			Code:    "coherence.broken",
			Message: message,
		},
	})
	s.bus.Publish(bus.Event{
		Kind: bus.KindStoreStats,
		Ts:   time.Now(),
		StoreStats: &bus.StoreStatsPayload{
			DatasetID:  datasetID,
			ChunkCount: chunkCount,
			PointCount: pointCount,
		},
	})
}
