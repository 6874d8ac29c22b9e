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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kraklabs/kie/pkg/model"
	"github.com/kraklabs/kie/pkg/store"
)

// Publisher is the subset of the event bus the queue needs: emitting
// job.state and job.progress events. Defined here, not imported
// from pkg/bus, so the two packages don't need to know about each other;
// pkg/bus's Bus type satisfies this interface.
type Publisher interface {
	PublishJobState(job model.Job)
	PublishJobProgress(job model.Job)
}

// noopPublisher discards every event, used when a Queue is built without a
// bus (tests, offline tooling).
type noopPublisher struct{}

func (noopPublisher) PublishJobState(model.Job)    {}
func (noopPublisher) PublishJobProgress(model.Job) {}

// HeartbeatTTL is how stale a Running job's heartbeat may get before
// ReapOrphans marks it Failed on startup.
const HeartbeatTTL = 2 * time.Minute

// Queue is a durable FIFO atop the metadata store's job rows. It adds
// the in-memory progress mapper state EnqueueJob/UpdateJob can't hold
// (the monotonic "never regress" guarantee needs per-job state that
// persists across UpdateProgress calls within one process).
type Queue struct {
	Metadata  store.MetadataStore
	Publisher Publisher
	Logger    *slog.Logger

	mu      sync.Mutex
	mappers map[string]*Mapper
}

// New builds a Queue. publisher may be nil, in which case events are
// discarded (useful for tests and the CLI's one-shot commands).
func New(metadata store.MetadataStore, publisher Publisher, logger *slog.Logger) *Queue {
	if publisher == nil {
		publisher = noopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		Metadata:  metadata,
		Publisher: publisher,
		Logger:    logger,
		mappers:   make(map[string]*Mapper),
	}
}

// Enqueue inserts job, or returns the existing non-terminal job sharing its
// DedupKey.
func (q *Queue) Enqueue(ctx context.Context, job model.Job) (model.Job, bool, error) {
	if job.State == "" {
		job.State = model.JobQueued
	}
	inserted, created, err := q.Metadata.EnqueueJob(ctx, job)
	if err != nil {
		return model.Job{}, false, fmt.Errorf("enqueue job: %w", err)
	}
	if created {
		q.Logger.Info("queue.job.enqueued", "job_id", inserted.ID, "kind", inserted.Kind, "dedup_key", inserted.DedupKey)
		q.Publisher.PublishJobState(inserted)
	} else {
		q.Logger.Info("queue.job.deduped", "job_id", inserted.ID, "dedup_key", inserted.DedupKey)
	}
	return inserted, created, nil
}

// PollNext claims the oldest Queued job of kind by transitioning it to
// Running, or returns found=false if none are waiting.
func (q *Queue) PollNext(ctx context.Context, kind model.JobKind) (job model.Job, found bool, err error) {
	queued := model.JobQueued
	jobs, err := q.Metadata.ListJobs(ctx, &queued)
	if err != nil {
		return model.Job{}, false, fmt.Errorf("list queued jobs: %w", err)
	}
	for _, j := range jobs {
		if j.Kind != kind {
			continue
		}
		now := time.Now()
		running := model.JobRunning
		if err := q.Metadata.UpdateJob(ctx, j.ID, store.JobPatch{State: &running, StartedAt: &now}); err != nil {
			return model.Job{}, false, fmt.Errorf("claim job %s: %w", j.ID, err)
		}
		j.State = model.JobRunning
		j.StartedAt = &now
		q.bounds(j)
		q.Publisher.PublishJobState(j)
		return j, true, nil
	}
	return model.Job{}, false, nil
}

// bounds returns (and lazily creates) the phase-bound table appropriate for
// job's kind.
func (q *Queue) bounds(job model.Job) *Mapper {
	q.mu.Lock()
	defer q.mu.Unlock()
	if m, ok := q.mappers[job.ID]; ok {
		return m
	}
	table := IngestPhaseBounds
	if job.Kind == model.JobCrawl {
		table = CrawlPhaseBounds
	}
	m := NewMapper(table)
	q.mappers[job.ID] = m
	return m
}

// Heartbeat refreshes a running job's liveness by rewriting its progress
// unchanged; ReapOrphans compares against UpdateJob's implicit timestamping
// in the metadata store.
func (q *Queue) Heartbeat(ctx context.Context, jobID string) error {
	job, found, err := q.Metadata.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("heartbeat: get job: %w", err)
	}
	if !found {
		return fmt.Errorf("heartbeat: job %s not found", jobID)
	}
	progress := job.Progress
	return q.Metadata.UpdateJob(ctx, jobID, store.JobPatch{Progress: &progress})
}

// UpdateProgress maps (phase, localFraction) through the job's monotonic
// mapper and persists the result. Events are coalesced by the
// event bus, not here.
func (q *Queue) UpdateProgress(ctx context.Context, jobID string, phase string, localFraction float64, detail string) error {
	job, found, err := q.Metadata.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("update progress: get job: %w", err)
	}
	if !found {
		return fmt.Errorf("update progress: job %s not found", jobID)
	}

	mapper := q.bounds(job)
	global := mapper.Apply(phase, localFraction)
	progress := model.Progress{Phase: phase, Fraction: global, Detail: detail}
	if err := q.Metadata.UpdateJob(ctx, jobID, store.JobPatch{Progress: &progress}); err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	job.Progress = progress
	q.Publisher.PublishJobProgress(job)
	return nil
}

// Complete marks a job Succeeded and records summary fields in Metadata.
func (q *Queue) Complete(ctx context.Context, jobID string, summary map[string]string) error {
	return q.finish(ctx, jobID, model.JobSucceeded, "", summary)
}

// Fail marks a job Failed with err's message.
func (q *Queue) Fail(ctx context.Context, jobID string, jobErr error) error {
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}
	return q.finish(ctx, jobID, model.JobFailed, msg, nil)
}

// Cancel marks a job Cancelled. A terminal state is never revisited:
// finish re-reads the job and leaves it unchanged when it is already
// terminal. The read and the update are separate store calls.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	return q.finish(ctx, jobID, model.JobCancelled, "", nil)
}

func (q *Queue) finish(ctx context.Context, jobID string, state model.JobState, errMsg string, summary map[string]string) error {
	job, found, err := q.Metadata.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("finish job: get: %w", err)
	}
	if !found {
		return fmt.Errorf("finish job: %s not found", jobID)
	}
	if job.State.IsTerminal() {
		return nil
	}

	now := time.Now()
	patch := store.JobPatch{State: &state, FinishedAt: &now}
	if errMsg != "" {
		patch.Error = &errMsg
	}
	if err := q.Metadata.UpdateJob(ctx, jobID, patch); err != nil {
		return fmt.Errorf("finish job: update: %w", err)
	}

	q.mu.Lock()
	delete(q.mappers, jobID)
	q.mu.Unlock()

	job.State = state
	job.FinishedAt = &now
	job.Error = errMsg
	if summary != nil {
		if job.Metadata == nil {
			job.Metadata = map[string]string{}
		}
		for k, v := range summary {
			job.Metadata[k] = v
		}
	}
	q.Logger.Info("queue.job.finished", "job_id", jobID, "state", state)
	q.Publisher.PublishJobState(job)
	return nil
}

// ReapOrphans marks every Running job whose heartbeat predates ttl ago as
// Failed, for the startup sweep.
func (q *Queue) ReapOrphans(ctx context.Context, ttl time.Duration) ([]string, error) {
	if ttl <= 0 {
		ttl = HeartbeatTTL
	}
	ids, err := q.Metadata.ReapOrphanedJobs(ctx, time.Now().Add(-ttl))
	if err != nil {
		return nil, fmt.Errorf("reap orphans: %w", err)
	}
	for _, id := range ids {
		q.Logger.Warn("queue.job.reaped", "job_id", id)
		q.mu.Lock()
		delete(q.mappers, id)
		q.mu.Unlock()
	}
	return ids, nil
}
