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

// Package store holds the two durable backends the platform is built on:
// a relational MetadataStore for projects, datasets, jobs, and provenance,
// and a VectorStore for per-collection dense/sparse ANN search. Callers
// depend on the interfaces in this file and metadata.go; sqlite.go and
// qdrant.go are the only two files that know about a specific backend.
package store

import (
	"context"
	"time"

	"github.com/kraklabs/kie/pkg/model"
)

// JobPatch is a partial update applied to a Job row. Nil fields are left
// unchanged.
type JobPatch struct {
	State      *model.JobState
	Progress   *model.Progress
	StartedAt  *time.Time
	FinishedAt *time.Time
	Error      *string
}

// MetadataStore is the durable, ACID record of everything except chunk
// content and vectors. Every method is safe for concurrent use.
type MetadataStore interface {
	// GetOrCreateProject returns the project named name, creating it if
	// absent. Project names are unique case-insensitively.
	GetOrCreateProject(ctx context.Context, id, name string) (model.Project, error)
	GetProject(ctx context.Context, id string) (model.Project, bool, error)
	ListProjects(ctx context.Context) ([]model.Project, error)

	// ProjectSourceHash satisfies scope.CollisionChecker: it reports the
	// normalized source string a project id was originally derived from.
	ProjectSourceHash(ctx context.Context, projectID string) (sourceHash string, found bool, err error)
	// BindProjectSource records the normalized source a project id was
	// derived from, the first time that project is created.
	BindProjectSource(ctx context.Context, projectID, sourceHash string) error

	GetOrCreateDataset(ctx context.Context, id, projectID, name string, scope model.DatasetScope) (model.Dataset, error)
	GetDataset(ctx context.Context, id string) (model.Dataset, bool, error)
	// MarkDatasetFailed records an unrecoverable coherence failure on the
	// dataset (Metadata["status"] = "failed" plus the reason). Used by the
	// reconciliation sweeper when it cannot repair a divergence.
	MarkDatasetFailed(ctx context.Context, datasetID, reason string) error
	FindDataset(ctx context.Context, projectID, name string) (model.Dataset, bool, error)
	ListDatasetsForProject(ctx context.Context, projectID string) ([]model.Dataset, error)

	BindCollection(ctx context.Context, datasetID, collectionName string) error
	ListCollectionsForProject(ctx context.Context, projectID string, datasetFilter string) ([]model.DatasetCollection, error)

	UpsertFileSnapshot(ctx context.Context, snap model.FileSnapshot) error
	ListFileSnapshots(ctx context.Context, datasetID string) ([]model.FileSnapshot, error)
	DeleteFileSnapshotsByPath(ctx context.Context, datasetID string, relativePaths []string) error

	// EnqueueJob inserts job unless a non-terminal job with the same
	// DedupKey already exists, in which case the existing job is returned.
	// The bool reports whether job was inserted (false on a dedup hit).
	EnqueueJob(ctx context.Context, job model.Job) (model.Job, bool, error)
	GetJob(ctx context.Context, id string) (model.Job, bool, error)
	UpdateJob(ctx context.Context, id string, patch JobPatch) error
	ListJobs(ctx context.Context, state *model.JobState) ([]model.Job, error)
	// ReapOrphanedJobs marks every Running job whose heartbeat is older
	// than olderThan as Failed, returning their ids. Used on startup.
	ReapOrphanedJobs(ctx context.Context, olderThan time.Time) ([]string, error)

	UpsertWebProvenance(ctx context.Context, prov model.WebPageProvenance) error
	GetWebProvenance(ctx context.Context, url string) (model.WebPageProvenance, bool, error)

	RecordShare(ctx context.Context, fromProjectID, datasetID, toProjectID string) error
	ListShares(ctx context.Context, toProjectID string) ([]model.DatasetCollection, error)

	CreateCrawlSession(ctx context.Context, session model.CrawlSession) error
	UpdateCrawlSession(ctx context.Context, id string, status model.JobState, stats model.CrawlStats, finishedAt *time.Time) error
	GetCrawlSession(ctx context.Context, id string) (model.CrawlSession, bool, error)

	Close() error
}
