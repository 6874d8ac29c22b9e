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

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kraklabs/kie/pkg/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := OpenSQLiteStore(path)
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetOrCreateProject_IdempotentByName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p1, err := s.GetOrCreateProject(ctx, "id-1", "MyProject")
	if err != nil {
		t.Fatal(err)
	}
	p2, err := s.GetOrCreateProject(ctx, "id-2", "myproject")
	if err != nil {
		t.Fatal(err)
	}
	if p1.ID != p2.ID {
		t.Errorf("case-insensitive lookup returned different ids: %q vs %q", p1.ID, p2.ID)
	}
}

func TestGetOrCreateDataset_UniquePerProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p, _ := s.GetOrCreateProject(ctx, "proj-1", "demo")

	d1, err := s.GetOrCreateDataset(ctx, "ds-1", p.ID, "docs", model.ScopeProject)
	if err != nil {
		t.Fatal(err)
	}
	d2, err := s.GetOrCreateDataset(ctx, "ds-2", p.ID, "docs", model.ScopeProject)
	if err != nil {
		t.Fatal(err)
	}
	if d1.ID != d2.ID {
		t.Errorf("dataset name collision should reuse the id, got %q and %q", d1.ID, d2.ID)
	}
}

func TestFileSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	snap := model.FileSnapshot{
		ProjectID:    "p1",
		DatasetID:    "d1",
		RelativePath: "main.go",
		FileHash:     "abc123",
		ChunkIDs:     []string{"chunk_1", "chunk_2"},
		IndexedAt:    time.Now(),
	}
	if err := s.UpsertFileSnapshot(ctx, snap); err != nil {
		t.Fatal(err)
	}

	snaps, err := s.ListFileSnapshots(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 1 || snaps[0].FileHash != "abc123" || len(snaps[0].ChunkIDs) != 2 {
		t.Fatalf("unexpected snapshots: %+v", snaps)
	}

	snap.FileHash = "def456"
	snap.ChunkIDs = []string{"chunk_3"}
	if err := s.UpsertFileSnapshot(ctx, snap); err != nil {
		t.Fatal(err)
	}
	snaps, err = s.ListFileSnapshots(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 1 || snaps[0].FileHash != "def456" || len(snaps[0].ChunkIDs) != 1 {
		t.Fatalf("upsert did not replace snapshot: %+v", snaps)
	}

	if err := s.DeleteFileSnapshotsByPath(ctx, "d1", []string{"main.go"}); err != nil {
		t.Fatal(err)
	}
	snaps, err = s.ListFileSnapshots(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 0 {
		t.Fatalf("expected snapshot deleted, got %+v", snaps)
	}
}

func TestEnqueueJob_DedupReturnsExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := model.Job{ID: "job-1", Kind: model.JobIngestLocal, ProjectID: "p1", DatasetID: "d1", DedupKey: "p1:d1:local"}
	first, created, err := s.EnqueueJob(ctx, job)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("first enqueue should be reported as created")
	}

	job2 := model.Job{ID: "job-2", Kind: model.JobIngestLocal, ProjectID: "p1", DatasetID: "d1", DedupKey: "p1:d1:local"}
	second, created, err := s.EnqueueJob(ctx, job2)
	if err != nil {
		t.Fatal(err)
	}
	if created || second.ID != first.ID {
		t.Fatalf("expected dedup hit returning job-1, got created=%v id=%q", created, second.ID)
	}
}

func TestEnqueueJob_AllowsNewJobAfterTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := model.Job{ID: "job-1", Kind: model.JobIngestLocal, ProjectID: "p1", DatasetID: "d1", DedupKey: "key"}
	if _, _, err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	succeeded := model.JobSucceeded
	if err := s.UpdateJob(ctx, "job-1", JobPatch{State: &succeeded}); err != nil {
		t.Fatal(err)
	}

	job2 := model.Job{ID: "job-2", Kind: model.JobIngestLocal, ProjectID: "p1", DatasetID: "d1", DedupKey: "key"}
	second, created, err := s.EnqueueJob(ctx, job2)
	if err != nil {
		t.Fatal(err)
	}
	if !created || second.ID != "job-2" {
		t.Fatalf("expected a fresh job after the prior one finished, got created=%v id=%q", created, second.ID)
	}
}

func TestReapOrphanedJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := model.Job{ID: "job-1", Kind: model.JobCrawl, ProjectID: "p1", DatasetID: "d1"}
	if _, _, err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	running := model.JobRunning
	if err := s.UpdateJob(ctx, "job-1", JobPatch{State: &running}); err != nil {
		t.Fatal(err)
	}

	ids, err := s.ReapOrphanedJobs(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "job-1" {
		t.Fatalf("expected job-1 reaped, got %v", ids)
	}

	got, found, err := s.GetJob(ctx, "job-1")
	if err != nil || !found {
		t.Fatalf("GetJob: %v found=%v", err, found)
	}
	if got.State != model.JobFailed {
		t.Errorf("reaped job state = %q, want failed", got.State)
	}
}

func TestWebProvenance_VersionIncrementsOnUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	prov := model.WebPageProvenance{
		URL: "https://example.com/a", Domain: "example.com",
		FirstIndexedAt: time.Now(), LastIndexedAt: time.Now(), ContentHash: "h1", Version: 1,
	}
	if err := s.UpsertWebProvenance(ctx, prov); err != nil {
		t.Fatal(err)
	}
	prov.ContentHash = "h2"
	if err := s.UpsertWebProvenance(ctx, prov); err != nil {
		t.Fatal(err)
	}

	got, found, err := s.GetWebProvenance(ctx, prov.URL)
	if err != nil || !found {
		t.Fatalf("GetWebProvenance: %v found=%v", err, found)
	}
	if got.Version != 2 || got.ContentHash != "h2" {
		t.Errorf("got version=%d hash=%q, want version=2 hash=h2", got.Version, got.ContentHash)
	}
}

func TestShares_ListByToProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.BindCollection(ctx, "ds1", "project_a_dataset_docs"); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordShare(ctx, "projA", "ds1", "projB"); err != nil {
		t.Fatal(err)
	}
	cols, err := s.ListShares(ctx, "projB")
	if err != nil {
		t.Fatal(err)
	}
	if len(cols) != 1 || cols[0].CollectionName != "project_a_dataset_docs" {
		t.Fatalf("unexpected shares: %+v", cols)
	}
}

func TestMarkDatasetFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.GetOrCreateProject(ctx, "p1", "p1"); err != nil {
		t.Fatal(err)
	}
	ds, err := s.GetOrCreateDataset(ctx, "ds1", "p1", "local", model.ScopeProject)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.MarkDatasetFailed(ctx, ds.ID, "3 chunks missing vectors"); err != nil {
		t.Fatalf("MarkDatasetFailed: %v", err)
	}

	got, found, err := s.GetDataset(ctx, ds.ID)
	if err != nil || !found {
		t.Fatalf("GetDataset after failure: found=%v err=%v", found, err)
	}
	if got.Metadata["status"] != "failed" {
		t.Errorf("status = %q, want %q", got.Metadata["status"], "failed")
	}
	if got.Metadata["failed_reason"] != "3 chunks missing vectors" {
		t.Errorf("failed_reason = %q", got.Metadata["failed_reason"])
	}

	if err := s.MarkDatasetFailed(ctx, "nope", "x"); err == nil {
		t.Error("expected an error for an unknown dataset")
	}
}
