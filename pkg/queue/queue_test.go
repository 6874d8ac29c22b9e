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

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/kraklabs/kie/pkg/model"
	"github.com/kraklabs/kie/pkg/store"
)

type memStore struct {
	jobs map[string]model.Job
}

func newMemStore() *memStore { return &memStore{jobs: map[string]model.Job{}} }

func (m *memStore) GetOrCreateProject(ctx context.Context, id, name string) (model.Project, error) {
	return model.Project{}, nil
}
func (m *memStore) GetProject(ctx context.Context, id string) (model.Project, bool, error) {
	return model.Project{}, false, nil
}
func (m *memStore) ListProjects(ctx context.Context) ([]model.Project, error) { return nil, nil }
func (m *memStore) ProjectSourceHash(ctx context.Context, projectID string) (string, bool, error) {
	return "", false, nil
}
func (m *memStore) BindProjectSource(ctx context.Context, projectID, sourceHash string) error {
	return nil
}
func (m *memStore) GetOrCreateDataset(ctx context.Context, id, projectID, name string, scope model.DatasetScope) (model.Dataset, error) {
	return model.Dataset{}, nil
}
func (m *memStore) GetDataset(ctx context.Context, id string) (model.Dataset, bool, error) {
	return model.Dataset{}, false, nil
}
func (m *memStore) FindDataset(ctx context.Context, projectID, name string) (model.Dataset, bool, error) {
	return model.Dataset{}, false, nil
}
func (m *memStore) ListDatasetsForProject(ctx context.Context, projectID string) ([]model.Dataset, error) {
	return nil, nil
}
func (m *memStore) BindCollection(ctx context.Context, datasetID, collectionName string) error {
	return nil
}
func (m *memStore) ListCollectionsForProject(ctx context.Context, projectID string, datasetFilter string) ([]model.DatasetCollection, error) {
	return nil, nil
}
func (m *memStore) UpsertFileSnapshot(ctx context.Context, snap model.FileSnapshot) error { return nil }
func (m *memStore) ListFileSnapshots(ctx context.Context, datasetID string) ([]model.FileSnapshot, error) {
	return nil, nil
}
func (m *memStore) DeleteFileSnapshotsByPath(ctx context.Context, datasetID string, relativePaths []string) error {
	return nil
}
func (m *memStore) EnqueueJob(ctx context.Context, job model.Job) (model.Job, bool, error) {
	for _, existing := range m.jobs {
		if existing.DedupKey != "" && existing.DedupKey == job.DedupKey && !existing.State.IsTerminal() {
			return existing, false, nil
		}
	}
	m.jobs[job.ID] = job
	return job, true, nil
}
func (m *memStore) GetJob(ctx context.Context, id string) (model.Job, bool, error) {
	j, ok := m.jobs[id]
	return j, ok, nil
}
func (m *memStore) UpdateJob(ctx context.Context, id string, patch store.JobPatch) error {
	j, ok := m.jobs[id]
	if !ok {
		return nil
	}
	if patch.State != nil {
		j.State = *patch.State
	}
	if patch.Progress != nil {
		j.Progress = *patch.Progress
	}
	if patch.StartedAt != nil {
		j.StartedAt = patch.StartedAt
	}
	if patch.FinishedAt != nil {
		j.FinishedAt = patch.FinishedAt
	}
	if patch.Error != nil {
		j.Error = *patch.Error
	}
	m.jobs[id] = j
	return nil
}
func (m *memStore) ListJobs(ctx context.Context, state *model.JobState) ([]model.Job, error) {
	var out []model.Job
	for _, j := range m.jobs {
		if state == nil || j.State == *state {
			out = append(out, j)
		}
	}
	return out, nil
}
func (m *memStore) ReapOrphanedJobs(ctx context.Context, olderThan time.Time) ([]string, error) {
	var ids []string
	for id, j := range m.jobs {
		if j.State == model.JobRunning && j.StartedAt != nil && j.StartedAt.Before(olderThan) {
			failed := model.JobFailed
			j.State = failed
			m.jobs[id] = j
			ids = append(ids, id)
		}
	}
	return ids, nil
}
func (m *memStore) UpsertWebProvenance(ctx context.Context, prov model.WebPageProvenance) error {
	return nil
}
func (m *memStore) GetWebProvenance(ctx context.Context, url string) (model.WebPageProvenance, bool, error) {
	return model.WebPageProvenance{}, false, nil
}
func (m *memStore) RecordShare(ctx context.Context, fromProjectID, datasetID, toProjectID string) error {
	return nil
}
func (m *memStore) ListShares(ctx context.Context, toProjectID string) ([]model.DatasetCollection, error) {
	return nil, nil
}
func (m *memStore) CreateCrawlSession(ctx context.Context, session model.CrawlSession) error {
	return nil
}
func (m *memStore) UpdateCrawlSession(ctx context.Context, id string, status model.JobState, stats model.CrawlStats, finishedAt *time.Time) error {
	return nil
}
func (m *memStore) GetCrawlSession(ctx context.Context, id string) (model.CrawlSession, bool, error) {
	return model.CrawlSession{}, false, nil
}
func (m *memStore) MarkDatasetFailed(ctx context.Context, datasetID, reason string) error {
	return nil
}
func (m *memStore) Close() error { return nil }

func TestMapperMonotonicAcrossPhaseJump(t *testing.T) {
	m := NewMapper(IngestPhaseBounds)
	f1 := m.Apply("discovery", 1.0)
	if f1 != 0.15 {
		t.Fatalf("want 0.15 at end of discovery, got %f", f1)
	}
	f2 := m.Apply("chunking", 0.0)
	if f2 != 0.60 {
		t.Fatalf("want jump to 0.60 at start of chunking, got %f", f2)
	}
	f3 := m.Apply("discovery", 0.5)
	if f3 != f2 {
		t.Fatalf("expected regression to clamp to previous high %f, got %f", f2, f3)
	}
}

func TestQueueEnqueueDedup(t *testing.T) {
	q := New(newMemStore(), nil, nil)
	ctx := context.Background()
	job1 := model.Job{ID: "j1", Kind: model.JobIngestLocal, DedupKey: "proj:ds"}
	inserted, created, err := q.Enqueue(ctx, job1)
	if err != nil || !created {
		t.Fatalf("want created, got created=%v err=%v", created, err)
	}
	job2 := model.Job{ID: "j2", Kind: model.JobIngestLocal, DedupKey: "proj:ds"}
	inserted2, created2, err := q.Enqueue(ctx, job2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created2 {
		t.Fatal("want dedup to return existing job, not create a new one")
	}
	if inserted2.ID != inserted.ID {
		t.Fatalf("want existing job %s returned, got %s", inserted.ID, inserted2.ID)
	}
}

func TestQueuePollNextClaimsOldestQueued(t *testing.T) {
	ms := newMemStore()
	q := New(ms, nil, nil)
	ctx := context.Background()
	if _, _, err := q.Enqueue(ctx, model.Job{ID: "j1", Kind: model.JobIngestLocal}); err != nil {
		t.Fatal(err)
	}
	job, found, err := q.PollNext(ctx, model.JobIngestLocal)
	if err != nil || !found {
		t.Fatalf("want a job, got found=%v err=%v", found, err)
	}
	if job.State != model.JobRunning {
		t.Fatalf("want Running, got %s", job.State)
	}
	_, found, err = q.PollNext(ctx, model.JobIngestLocal)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("want no further queued jobs")
	}
}

func TestQueueUpdateProgressAndComplete(t *testing.T) {
	ms := newMemStore()
	q := New(ms, nil, nil)
	ctx := context.Background()
	if _, _, err := q.Enqueue(ctx, model.Job{ID: "j1", Kind: model.JobIngestLocal}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := q.PollNext(ctx, model.JobIngestLocal); err != nil {
		t.Fatal(err)
	}
	if err := q.UpdateProgress(ctx, "j1", "chunking", 0.5, "halfway"); err != nil {
		t.Fatal(err)
	}
	job, _, _ := ms.GetJob(ctx, "j1")
	if job.Progress.Fraction <= 0.60 || job.Progress.Fraction >= 0.70 {
		t.Fatalf("want fraction within chunking bounds, got %f", job.Progress.Fraction)
	}
	if err := q.Complete(ctx, "j1", map[string]string{"chunks": "10"}); err != nil {
		t.Fatal(err)
	}
	job, _, _ = ms.GetJob(ctx, "j1")
	if job.State != model.JobSucceeded {
		t.Fatalf("want Succeeded, got %s", job.State)
	}
}

func TestQueueFinishIsTerminalOnce(t *testing.T) {
	ms := newMemStore()
	q := New(ms, nil, nil)
	ctx := context.Background()
	if _, _, err := q.Enqueue(ctx, model.Job{ID: "j1", Kind: model.JobIngestLocal}); err != nil {
		t.Fatal(err)
	}
	if err := q.Fail(ctx, "j1", errBoom{}); err != nil {
		t.Fatal(err)
	}
	if err := q.Complete(ctx, "j1", nil); err != nil {
		t.Fatal(err)
	}
	job, _, _ := ms.GetJob(ctx, "j1")
	if job.State != model.JobFailed {
		t.Fatalf("want terminal state to stick at Failed, got %s", job.State)
	}
}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }
