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

package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/kie/pkg/bus"
	"github.com/kraklabs/kie/pkg/model"
	"github.com/kraklabs/kie/pkg/store"
)

// fakeMetadata overrides only the paths the sweeper touches; the embedded
// nil interface panics on anything else.
type fakeMetadata struct {
	store.MetadataStore
	projects    []model.Project
	datasets    map[string][]model.Dataset
	collections map[string][]model.DatasetCollection
	snapshots   map[string][]model.FileSnapshot

	deletedPaths map[string][]string // datasetID -> paths removed
	failed       map[string]string   // datasetID -> reason
}

func (f *fakeMetadata) ListProjects(context.Context) ([]model.Project, error) {
	return f.projects, nil
}

func (f *fakeMetadata) ListDatasetsForProject(_ context.Context, projectID string) ([]model.Dataset, error) {
	return f.datasets[projectID], nil
}

func (f *fakeMetadata) ListCollectionsForProject(_ context.Context, projectID, _ string) ([]model.DatasetCollection, error) {
	return f.collections[projectID], nil
}

func (f *fakeMetadata) ListFileSnapshots(_ context.Context, datasetID string) ([]model.FileSnapshot, error) {
	return f.snapshots[datasetID], nil
}

func (f *fakeMetadata) DeleteFileSnapshotsByPath(_ context.Context, datasetID string, paths []string) error {
	f.deletedPaths[datasetID] = append(f.deletedPaths[datasetID], paths...)
	return nil
}

func (f *fakeMetadata) MarkDatasetFailed(_ context.Context, datasetID, reason string) error {
	f.failed[datasetID] = reason
	return nil
}

type fakeVector struct {
	store.VectorStore
	ids       map[string][]string // collection -> point ids
	deleted   map[string][]string // collection -> deleted ids
	deleteErr error
}

func (f *fakeVector) ListPointIDs(_ context.Context, collection string, _ store.Filter) ([]string, error) {
	return f.ids[collection], nil
}

func (f *fakeVector) Delete(_ context.Context, collection string, ids []string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted[collection] = append(f.deleted[collection], ids...)
	return nil
}

const testCollection = "project_p1_dataset_local"

func fixture(pointIDs []string) (*fakeMetadata, *fakeVector) {
	metadata := &fakeMetadata{
		projects: []model.Project{{ID: "p1", Name: "p1"}},
		datasets: map[string][]model.Dataset{
			"p1": {{ID: "ds1", ProjectID: "p1", Name: "local"}},
		},
		collections: map[string][]model.DatasetCollection{
			"p1": {{DatasetID: "ds1", CollectionName: testCollection}},
		},
		snapshots: map[string][]model.FileSnapshot{
			"ds1": {
				{RelativePath: "a.go", ChunkIDs: []string{"c1", "c2"}},
				{RelativePath: "b.go", ChunkIDs: []string{"c3"}},
			},
		},
		deletedPaths: map[string][]string{},
		failed:       map[string]string{},
	}
	vector := &fakeVector{
		ids:     map[string][]string{testCollection: pointIDs},
		deleted: map[string][]string{},
	}
	return metadata, vector
}

func drainEvents(events <-chan bus.Event) []bus.Event {
	var out []bus.Event
	for {
		select {
		case e := <-events:
			out = append(out, e)
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}

func TestSweepCoherentDatasetTouchesNothing(t *testing.T) {
	metadata, vector := fixture([]string{"c1", "c2", "c3"})
	b := bus.New(nil)
	_, events := b.Subscribe(bus.Subscription{})

	New(metadata, vector, b, nil).sweepAll(context.Background())

	assert.Empty(t, drainEvents(events))
	assert.Empty(t, vector.deleted[testCollection])
	assert.Empty(t, metadata.deletedPaths["ds1"])
	assert.Empty(t, metadata.failed)
}

func TestSweepDeletesStrayPoints(t *testing.T) {
	metadata, vector := fixture([]string{"c1", "c2", "c3", "ghost"})
	b := bus.New(nil)
	_, events := b.Subscribe(bus.Subscription{})

	New(metadata, vector, b, nil).sweepAll(context.Background())

	assert.Equal(t, []string{"ghost"}, vector.deleted[testCollection])
	assert.Empty(t, metadata.deletedPaths["ds1"])
	assert.Empty(t, metadata.failed)

	got := drainEvents(events)
	require.Len(t, got, 2)
	require.NotNil(t, got[0].Error)
	assert.Equal(t, "coherence.broken", got[0].Error.Code)
	require.NotNil(t, got[1].StoreStats)
	assert.Equal(t, 3, got[1].StoreStats.ChunkCount)
	assert.Equal(t, 4, got[1].StoreStats.PointCount)
}

func TestSweepDropsSnapshotsMissingVectors(t *testing.T) {
	// c3 (b.go's only chunk) has no vector; its snapshot goes so the next
	// ingest re-indexes the file.
	metadata, vector := fixture([]string{"c1", "c2"})

	New(metadata, vector, nil, nil).sweepAll(context.Background())

	assert.Equal(t, []string{"b.go"}, metadata.deletedPaths["ds1"])
	assert.Empty(t, vector.deleted[testCollection])
	assert.Empty(t, metadata.failed)
}

func TestSweepCatchesEqualCountMismatch(t *testing.T) {
	// Same cardinality on both sides, but one id differs: a count-based
	// comparison would miss this.
	metadata, vector := fixture([]string{"c1", "c2", "ghost"})

	New(metadata, vector, nil, nil).sweepAll(context.Background())

	assert.Equal(t, []string{"ghost"}, vector.deleted[testCollection])
	assert.Equal(t, []string{"b.go"}, metadata.deletedPaths["ds1"])
}

func TestSweepMarksDatasetFailedWhenRepairFails(t *testing.T) {
	metadata, vector := fixture([]string{"c1", "c2", "c3", "ghost"})
	vector.deleteErr = fmt.Errorf("qdrant unavailable")

	New(metadata, vector, nil, nil).sweepAll(context.Background())

	require.Contains(t, metadata.failed, "ds1")
	assert.Contains(t, metadata.failed["ds1"], "diverged")
}

func TestRunStopsOnCancel(t *testing.T) {
	metadata, vector := fixture([]string{"c1", "c2", "c3"})
	s := New(metadata, vector, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, time.Minute)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancellation")
	}
}
