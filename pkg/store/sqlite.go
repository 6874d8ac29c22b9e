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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kraklabs/kie/pkg/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	source_hash TEXT,
	created_at TEXT NOT NULL,
	metadata TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_projects_name_lower ON projects (LOWER(name));

CREATE TABLE IF NOT EXISTS datasets (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	name TEXT NOT NULL,
	scope TEXT NOT NULL,
	metadata TEXT,
	FOREIGN KEY (project_id) REFERENCES projects(id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_datasets_project_name ON datasets (project_id, name);

CREATE TABLE IF NOT EXISTS dataset_collections (
	dataset_id TEXT NOT NULL,
	collection_name TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (dataset_id, collection_name)
);

CREATE TABLE IF NOT EXISTS file_snapshots (
	project_id TEXT NOT NULL,
	dataset_id TEXT NOT NULL,
	relative_path TEXT NOT NULL,
	file_hash TEXT NOT NULL,
	chunk_ids TEXT NOT NULL,
	indexed_at TEXT NOT NULL,
	PRIMARY KEY (dataset_id, relative_path)
);
CREATE INDEX IF NOT EXISTS idx_file_snapshots_dataset ON file_snapshots (dataset_id, relative_path);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	project_id TEXT NOT NULL,
	dataset_id TEXT NOT NULL,
	state TEXT NOT NULL,
	dedup_key TEXT,
	payload TEXT,
	progress_phase TEXT,
	progress_fraction REAL,
	progress_detail TEXT,
	started_at TEXT,
	finished_at TEXT,
	heartbeat_at TEXT,
	error TEXT,
	metadata TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs (state);
CREATE INDEX IF NOT EXISTS idx_jobs_dedup ON jobs (dedup_key);
CREATE INDEX IF NOT EXISTS idx_jobs_project_dataset ON jobs (project_id, dataset_id);

CREATE TABLE IF NOT EXISTS web_provenance (
	url TEXT PRIMARY KEY,
	domain TEXT NOT NULL,
	first_indexed_at TEXT NOT NULL,
	last_indexed_at TEXT NOT NULL,
	last_modified_at TEXT,
	content_hash TEXT NOT NULL,
	version INTEGER NOT NULL,
	metadata TEXT
);
CREATE INDEX IF NOT EXISTS idx_web_provenance_domain ON web_provenance (domain);

CREATE TABLE IF NOT EXISTS shares (
	dataset_id TEXT NOT NULL,
	from_project_id TEXT NOT NULL,
	to_project_id TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (dataset_id, to_project_id)
);
CREATE INDEX IF NOT EXISTS idx_shares_to_project ON shares (to_project_id);

CREATE TABLE IF NOT EXISTS crawl_sessions (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	dataset_id TEXT NOT NULL,
	seed_url TEXT NOT NULL,
	mode TEXT NOT NULL,
	max_pages INTEGER NOT NULL,
	max_depth INTEGER NOT NULL,
	status TEXT NOT NULL,
	pages_fetched INTEGER NOT NULL DEFAULT 0,
	pages_skipped INTEGER NOT NULL DEFAULT 0,
	errors INTEGER NOT NULL DEFAULT 0,
	max_depth_hit INTEGER NOT NULL DEFAULT 0,
	started_at TEXT NOT NULL,
	finished_at TEXT
);
`

// SQLiteStore is the MetadataStore implementation backing single-node
// deployments: one file, WAL mode, busy-timeout retries instead of
// external locking.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if absent) a SQLite database at path and
// applies the schema. path may be ":memory:" for tests.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // mattn/go-sqlite3 serializes writers regardless; avoid SQLITE_BUSY churn
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func marshalMeta(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func unmarshalMeta(raw sql.NullString) map[string]string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		return nil
	}
	return m
}

func (s *SQLiteStore) GetOrCreateProject(ctx context.Context, id, name string) (model.Project, error) {
	existing, found, err := s.findProjectByName(ctx, name)
	if err != nil {
		return model.Project{}, err
	}
	if found {
		return existing, nil
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, created_at, metadata) VALUES (?, ?, ?, '{}')`,
		id, name, now.Format(time.RFC3339Nano))
	if err != nil {
		// Lost a race with a concurrent create of the same name.
		if existing, found, ferr := s.findProjectByName(ctx, name); ferr == nil && found {
			return existing, nil
		}
		return model.Project{}, fmt.Errorf("insert project: %w", err)
	}
	return model.Project{ID: id, Name: name, CreatedAt: now}, nil
}

func (s *SQLiteStore) findProjectByName(ctx context.Context, name string) (model.Project, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at, metadata FROM projects WHERE LOWER(name) = LOWER(?)`, name)
	return scanProject(row)
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (model.Project, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at, metadata FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

func scanProject(row *sql.Row) (model.Project, bool, error) {
	var p model.Project
	var createdAt string
	var meta sql.NullString
	if err := row.Scan(&p.ID, &p.Name, &createdAt, &meta); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Project{}, false, nil
		}
		return model.Project{}, false, err
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	p.Metadata = unmarshalMeta(meta)
	return p, true, nil
}

func (s *SQLiteStore) ListProjects(ctx context.Context) ([]model.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at, metadata FROM projects ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Project
	for rows.Next() {
		var p model.Project
		var createdAt string
		var meta sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &createdAt, &meta); err != nil {
			return nil, err
		}
		p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		p.Metadata = unmarshalMeta(meta)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ProjectSourceHash(ctx context.Context, projectID string) (string, bool, error) {
	var hash sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT source_hash FROM projects WHERE id = ?`, projectID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if !hash.Valid {
		return "", false, nil
	}
	return hash.String, true, nil
}

func (s *SQLiteStore) BindProjectSource(ctx context.Context, projectID, sourceHash string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE projects SET source_hash = ? WHERE id = ? AND source_hash IS NULL`, sourceHash, projectID)
	return err
}

func (s *SQLiteStore) GetOrCreateDataset(ctx context.Context, id, projectID, name string, scope model.DatasetScope) (model.Dataset, error) {
	existing, found, err := s.FindDataset(ctx, projectID, name)
	if err != nil {
		return model.Dataset{}, err
	}
	if found {
		return existing, nil
	}
	ds, err := model.NewDataset(id, projectID, name, scope, nil)
	if err != nil {
		return model.Dataset{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO datasets (id, project_id, name, scope, metadata) VALUES (?, ?, ?, ?, '{}')`,
		ds.ID, ds.ProjectID, ds.Name, string(ds.Scope))
	if err != nil {
		if existing, found, ferr := s.FindDataset(ctx, projectID, name); ferr == nil && found {
			return existing, nil
		}
		return model.Dataset{}, fmt.Errorf("insert dataset: %w", err)
	}
	return ds, nil
}

func (s *SQLiteStore) GetDataset(ctx context.Context, id string) (model.Dataset, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, name, scope, metadata FROM datasets WHERE id = ?`, id)
	return scanDataset(row)
}

// MarkDatasetFailed stamps a coherence failure into the dataset's metadata
// JSON. The row survives so operators can inspect the reason; no store
// method clears the marker.
func (s *SQLiteStore) MarkDatasetFailed(ctx context.Context, datasetID, reason string) error {
	ds, found, err := s.GetDataset(ctx, datasetID)
	if err != nil {
		return fmt.Errorf("mark dataset failed: %w", err)
	}
	if !found {
		return fmt.Errorf("mark dataset failed: dataset %s not found", datasetID)
	}
	if ds.Metadata == nil {
		ds.Metadata = map[string]string{}
	}
	ds.Metadata["status"] = "failed"
	ds.Metadata["failed_reason"] = reason
	meta, err := marshalMeta(ds.Metadata)
	if err != nil {
		return fmt.Errorf("mark dataset failed: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE datasets SET metadata = ? WHERE id = ?`, meta, datasetID)
	if err != nil {
		return fmt.Errorf("mark dataset failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FindDataset(ctx context.Context, projectID, name string) (model.Dataset, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, name, scope, metadata FROM datasets WHERE project_id = ? AND name = ?`, projectID, name)
	return scanDataset(row)
}

func scanDataset(row *sql.Row) (model.Dataset, bool, error) {
	var d model.Dataset
	var scope string
	var meta sql.NullString
	if err := row.Scan(&d.ID, &d.ProjectID, &d.Name, &scope, &meta); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Dataset{}, false, nil
		}
		return model.Dataset{}, false, err
	}
	d.Scope = model.DatasetScope(scope)
	d.Metadata = unmarshalMeta(meta)
	return d, true, nil
}

func (s *SQLiteStore) ListDatasetsForProject(ctx context.Context, projectID string) ([]model.Dataset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, name, scope, metadata FROM datasets WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Dataset
	for rows.Next() {
		var d model.Dataset
		var scope string
		var meta sql.NullString
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Name, &scope, &meta); err != nil {
			return nil, err
		}
		d.Scope = model.DatasetScope(scope)
		d.Metadata = unmarshalMeta(meta)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) BindCollection(ctx context.Context, datasetID, collectionName string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO dataset_collections (dataset_id, collection_name, created_at) VALUES (?, ?, ?)`,
		datasetID, collectionName, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteStore) ListCollectionsForProject(ctx context.Context, projectID string, datasetFilter string) ([]model.DatasetCollection, error) {
	query := `
		SELECT dc.dataset_id, dc.collection_name, dc.created_at
		FROM dataset_collections dc
		JOIN datasets d ON d.id = dc.dataset_id
		WHERE d.project_id = ?`
	args := []any{projectID}
	if datasetFilter != "" {
		query += " AND d.name = ?"
		args = append(args, datasetFilter)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.DatasetCollection
	for rows.Next() {
		var dc model.DatasetCollection
		var createdAt string
		if err := rows.Scan(&dc.DatasetID, &dc.CollectionName, &createdAt); err != nil {
			return nil, err
		}
		dc.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, dc)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertFileSnapshot(ctx context.Context, snap model.FileSnapshot) error {
	chunkIDs, err := json.Marshal(snap.ChunkIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO file_snapshots (project_id, dataset_id, relative_path, file_hash, chunk_ids, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (dataset_id, relative_path) DO UPDATE SET
			file_hash = excluded.file_hash,
			chunk_ids = excluded.chunk_ids,
			indexed_at = excluded.indexed_at`,
		snap.ProjectID, snap.DatasetID, snap.RelativePath, snap.FileHash, string(chunkIDs),
		snap.IndexedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteStore) ListFileSnapshots(ctx context.Context, datasetID string) ([]model.FileSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, dataset_id, relative_path, file_hash, chunk_ids, indexed_at FROM file_snapshots WHERE dataset_id = ?`,
		datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.FileSnapshot
	for rows.Next() {
		var snap model.FileSnapshot
		var chunkIDs, indexedAt string
		if err := rows.Scan(&snap.ProjectID, &snap.DatasetID, &snap.RelativePath, &snap.FileHash, &chunkIDs, &indexedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(chunkIDs), &snap.ChunkIDs); err != nil {
			return nil, fmt.Errorf("decode chunk ids for %s: %w", snap.RelativePath, err)
		}
		snap.IndexedAt, _ = time.Parse(time.RFC3339Nano, indexedAt)
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteFileSnapshotsByPath(ctx context.Context, datasetID string, relativePaths []string) error {
	if len(relativePaths) == 0 {
		return nil
	}
	placeholders := make([]string, len(relativePaths))
	args := make([]any, 0, len(relativePaths)+1)
	args = append(args, datasetID)
	for i, p := range relativePaths {
		placeholders[i] = "?"
		args = append(args, p)
	}
	query := fmt.Sprintf(`DELETE FROM file_snapshots WHERE dataset_id = ? AND relative_path IN (%s)`,
		strings.Join(placeholders, ","))
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *SQLiteStore) EnqueueJob(ctx context.Context, job model.Job) (model.Job, bool, error) {
	if job.DedupKey != "" {
		existing, found, err := s.findActiveJobByDedupKey(ctx, job.DedupKey)
		if err != nil {
			return model.Job{}, false, err
		}
		if found {
			return existing, false, nil
		}
	}
	payload, err := marshalMeta(job.Payload)
	if err != nil {
		return model.Job{}, false, err
	}
	meta, err := marshalMeta(job.Metadata)
	if err != nil {
		return model.Job{}, false, err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, project_id, dataset_id, state, dedup_key, payload,
			progress_phase, progress_fraction, progress_detail, heartbeat_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'initializing', 0, '', ?, ?)`,
		job.ID, string(job.Kind), job.ProjectID, job.DatasetID, string(model.JobQueued), job.DedupKey, payload, now, meta)
	if err != nil {
		return model.Job{}, false, fmt.Errorf("insert job: %w", err)
	}
	job.State = model.JobQueued
	return job, true, nil
}

func (s *SQLiteStore) findActiveJobByDedupKey(ctx context.Context, dedupKey string) (model.Job, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, project_id, dataset_id, state, dedup_key, payload,
			progress_phase, progress_fraction, progress_detail, started_at, finished_at, error, metadata
		FROM jobs WHERE dedup_key = ?
		ORDER BY rowid DESC`, dedupKey)
	if err != nil {
		return model.Job{}, false, err
	}
	defer rows.Close()
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			return model.Job{}, false, err
		}
		if !job.State.IsTerminal() {
			return job, true, nil
		}
	}
	return model.Job{}, false, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobRow(row rowScanner) (model.Job, error) {
	var j model.Job
	var kind, state string
	var dedupKey, payload, phase, startedAt, finishedAt, errStr, meta sql.NullString
	var fraction sql.NullFloat64
	var detail sql.NullString
	if err := row.Scan(&j.ID, &kind, &j.ProjectID, &j.DatasetID, &state, &dedupKey, &payload,
		&phase, &fraction, &detail, &startedAt, &finishedAt, &errStr, &meta); err != nil {
		return model.Job{}, err
	}
	j.Kind = model.JobKind(kind)
	j.State = model.JobState(state)
	j.DedupKey = dedupKey.String
	j.Error = errStr.String
	j.Progress = model.Progress{Phase: phase.String, Fraction: fraction.Float64, Detail: detail.String}
	if payload.Valid && payload.String != "" {
		_ = json.Unmarshal([]byte(payload.String), &j.Payload)
	}
	if meta.Valid && meta.String != "" {
		_ = json.Unmarshal([]byte(meta.String), &j.Metadata)
	}
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, startedAt.String)
		j.StartedAt = &t
	}
	if finishedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, finishedAt.String)
		j.FinishedAt = &t
	}
	return j, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (model.Job, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, project_id, dataset_id, state, dedup_key, payload,
			progress_phase, progress_fraction, progress_detail, started_at, finished_at, error, metadata
		FROM jobs WHERE id = ?`, id)
	job, err := scanJobRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, false, nil
	}
	if err != nil {
		return model.Job{}, false, err
	}
	return job, true, nil
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, id string, patch JobPatch) error {
	sets := []string{"heartbeat_at = ?"}
	args := []any{time.Now().UTC().Format(time.RFC3339Nano)}
	if patch.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, string(*patch.State))
	}
	if patch.Progress != nil {
		sets = append(sets, "progress_phase = ?", "progress_fraction = ?", "progress_detail = ?")
		args = append(args, patch.Progress.Phase, patch.Progress.Fraction, patch.Progress.Detail)
	}
	if patch.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, patch.StartedAt.UTC().Format(time.RFC3339Nano))
	}
	if patch.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, patch.FinishedAt.UTC().Format(time.RFC3339Nano))
	}
	if patch.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *patch.Error)
	}
	args = append(args, id)
	query := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = ?`, strings.Join(sets, ", "))
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *SQLiteStore) ListJobs(ctx context.Context, state *model.JobState) ([]model.Job, error) {
	query := `SELECT id, kind, project_id, dataset_id, state, dedup_key, payload,
		progress_phase, progress_fraction, progress_detail, started_at, finished_at, error, metadata FROM jobs`
	var args []any
	if state != nil {
		query += " WHERE state = ?"
		args = append(args, string(*state))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Job
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ReapOrphanedJobs(ctx context.Context, olderThan time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM jobs WHERE state = ? AND heartbeat_at < ?`,
		string(model.JobRunning), olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		reason := "orphaned: no heartbeat since process restart"
		failed := model.JobFailed
		if err := s.UpdateJob(ctx, id, JobPatch{State: &failed, Error: &reason}); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (s *SQLiteStore) UpsertWebProvenance(ctx context.Context, prov model.WebPageProvenance) error {
	meta, err := marshalMeta(prov.Metadata)
	if err != nil {
		return err
	}
	var lastModified any
	if prov.LastModifiedAt != nil {
		lastModified = prov.LastModifiedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO web_provenance (url, domain, first_indexed_at, last_indexed_at, last_modified_at, content_hash, version, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (url) DO UPDATE SET
			last_indexed_at = excluded.last_indexed_at,
			last_modified_at = excluded.last_modified_at,
			content_hash = excluded.content_hash,
			version = web_provenance.version + 1,
			metadata = excluded.metadata`,
		prov.URL, prov.Domain, prov.FirstIndexedAt.UTC().Format(time.RFC3339Nano),
		prov.LastIndexedAt.UTC().Format(time.RFC3339Nano), lastModified, prov.ContentHash, prov.Version, meta)
	return err
}

func (s *SQLiteStore) GetWebProvenance(ctx context.Context, url string) (model.WebPageProvenance, bool, error) {
	var p model.WebPageProvenance
	var first, last string
	var lastModified, meta sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT url, domain, first_indexed_at, last_indexed_at, last_modified_at, content_hash, version, metadata
		FROM web_provenance WHERE url = ?`, url).
		Scan(&p.URL, &p.Domain, &first, &last, &lastModified, &p.ContentHash, &p.Version, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return model.WebPageProvenance{}, false, nil
	}
	if err != nil {
		return model.WebPageProvenance{}, false, err
	}
	p.FirstIndexedAt, _ = time.Parse(time.RFC3339Nano, first)
	p.LastIndexedAt, _ = time.Parse(time.RFC3339Nano, last)
	if lastModified.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastModified.String)
		p.LastModifiedAt = &t
	}
	p.Metadata = unmarshalMeta(meta)
	return p, true, nil
}

func (s *SQLiteStore) RecordShare(ctx context.Context, fromProjectID, datasetID, toProjectID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shares (dataset_id, from_project_id, to_project_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (dataset_id, to_project_id) DO NOTHING`,
		datasetID, fromProjectID, toProjectID, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteStore) ListShares(ctx context.Context, toProjectID string) ([]model.DatasetCollection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT dc.dataset_id, dc.collection_name, dc.created_at
		FROM shares sh
		JOIN dataset_collections dc ON dc.dataset_id = sh.dataset_id
		WHERE sh.to_project_id = ?`, toProjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.DatasetCollection
	for rows.Next() {
		var dc model.DatasetCollection
		var createdAt string
		if err := rows.Scan(&dc.DatasetID, &dc.CollectionName, &createdAt); err != nil {
			return nil, err
		}
		dc.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, dc)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateCrawlSession(ctx context.Context, session model.CrawlSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO crawl_sessions (id, project_id, dataset_id, seed_url, mode, max_pages, max_depth, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.ProjectID, session.DatasetID, session.SeedURL, string(session.Mode),
		session.MaxPages, session.MaxDepth, string(session.Status), session.StartedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteStore) UpdateCrawlSession(ctx context.Context, id string, status model.JobState, stats model.CrawlStats, finishedAt *time.Time) error {
	var finished any
	if finishedAt != nil {
		finished = finishedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE crawl_sessions SET status = ?, pages_fetched = ?, pages_skipped = ?, errors = ?, max_depth_hit = ?, finished_at = ?
		WHERE id = ?`,
		string(status), stats.PagesFetched, stats.PagesSkipped, stats.Errors, stats.MaxDepthHit, finished, id)
	return err
}

func (s *SQLiteStore) GetCrawlSession(ctx context.Context, id string) (model.CrawlSession, bool, error) {
	var cs model.CrawlSession
	var mode, status, started string
	var finished sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, dataset_id, seed_url, mode, max_pages, max_depth, status,
			pages_fetched, pages_skipped, errors, max_depth_hit, started_at, finished_at
		FROM crawl_sessions WHERE id = ?`, id).Scan(
		&cs.ID, &cs.ProjectID, &cs.DatasetID, &cs.SeedURL, &mode, &cs.MaxPages, &cs.MaxDepth, &status,
		&cs.Stats.PagesFetched, &cs.Stats.PagesSkipped, &cs.Stats.Errors, &cs.Stats.MaxDepthHit, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CrawlSession{}, false, nil
	}
	if err != nil {
		return model.CrawlSession{}, false, err
	}
	cs.Mode = model.CrawlMode(mode)
	cs.Status = model.JobState(status)
	cs.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	if finished.Valid {
		t, _ := time.Parse(time.RFC3339Nano, finished.String)
		cs.FinishedAt = &t
	}
	return cs, true, nil
}

var _ MetadataStore = (*SQLiteStore)(nil)
