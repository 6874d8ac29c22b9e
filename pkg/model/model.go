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

// Package model defines the entities shared by every component of the
// knowledge platform: projects, datasets, chunks, jobs, crawl sessions, and
// their provenance records. Types here carry no behavior beyond what is
// needed to construct them correctly; stores, the chunker, and the
// coordinator own the operations that act on them.
package model

import (
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"strings"
	"time"
)

// chunkIDEncoding renders chunk ids as lowercase base32 with no padding:
// 128 bits come out as 26 characters, filename- and URL-safe.
var chunkIDEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// DatasetScope controls whether a dataset is visible only to its owning
// project or may be opted into by other projects for read access.
type DatasetScope string

const (
	ScopeGlobal  DatasetScope = "global"
	ScopeProject DatasetScope = "project"
	ScopeLocal   DatasetScope = "local"
)

// Project is the top-level tenant. Created lazily on first reference and
// never merged with another project.
type Project struct {
	ID        string // derived by pkg/scope ({prefix8}-{slug}-{suffix8}) or an explicit override
	Name      string // unique, case-insensitive
	CreatedAt time.Time
	Metadata  map[string]string
}

// Dataset is a named partition within a project. Unique by (ProjectID, Name).
type Dataset struct {
	ID        string
	ProjectID string
	Name      string
	Scope     DatasetScope
	Metadata  map[string]string
}

// NewDataset validates Scope before constructing the value, since an
// invalid scope would silently break the Island Architecture's isolation
// guarantee in the retrieval path.
func NewDataset(id, projectID, name string, scope DatasetScope, metadata map[string]string) (Dataset, error) {
	switch scope {
	case ScopeGlobal, ScopeProject, ScopeLocal:
	default:
		return Dataset{}, fmt.Errorf("invalid dataset scope %q", scope)
	}
	return Dataset{ID: id, ProjectID: projectID, Name: name, Scope: scope, Metadata: metadata}, nil
}

// DatasetCollection binds a dataset to a physical vector-store collection.
// A dataset may map to more than one collection (e.g. one per encoder family).
type DatasetCollection struct {
	DatasetID      string
	CollectionName string
	CreatedAt      time.Time
}

// SymbolKind classifies the declaration a chunk was extracted from.
type SymbolKind string

const (
	SymbolFunction  SymbolKind = "function"
	SymbolClass     SymbolKind = "class"
	SymbolMethod    SymbolKind = "method"
	SymbolInterface SymbolKind = "interface"
	SymbolVariable  SymbolKind = "variable"
	SymbolConstant  SymbolKind = "constant"
	SymbolModule    SymbolKind = "module"
	SymbolOther     SymbolKind = "other"
)

// Symbol carries the declaration metadata attached to a code chunk.
type Symbol struct {
	Name      string
	Kind      SymbolKind
	Signature string
	Parent    string
	Docstring string
}

// Chunk is a retrieval-ready unit of content with a content-derived id.
type Chunk struct {
	ID             string
	ProjectID      string
	DatasetID      string
	CollectionName string
	Content        string
	StartLine      int
	EndLine        int
	Lang           string
	RelativePath   string
	Repo           string
	FileHash       string
	SparseVector   *SparseVector
	Symbol         *Symbol
	Metadata       map[string]string
	CreatedAt      time.Time
}

// SparseVector is a sparse embedding represented as parallel index/value
// slices, matching the vector store's and the sparse encoder's wire shape.
type SparseVector struct {
	Indices []uint32
	Values  []float32
}

// ChunkID computes the deterministic, content-derived chunk identity:
// SHA-256 over collection ∥ path ∥ start ∥ end ∥ SHA-256(content),
// truncated to 128 bits and encoded as lowercase base32. Identical inputs
// always produce the same id, which is what makes re-chunking of unchanged
// content idempotent. Vector-store backends that require a differently
// shaped point id derive one from this canonical id.
func ChunkID(collection, relativePath string, startLine, endLine int, content string) string {
	contentHash := sha256.Sum256([]byte(content))
	outer := sha256.New()
	fmt.Fprintf(outer, "%s\x00%s\x00%d\x00%d\x00%x", collection, relativePath, startLine, endLine, contentHash)
	sum := outer.Sum(nil)
	return strings.ToLower(chunkIDEncoding.EncodeToString(sum[:16]))
}

// FileSnapshot tracks the incremental-sync state of one file within a
// dataset: its last-seen content hash and the chunk ids it produced.
type FileSnapshot struct {
	ProjectID    string
	DatasetID    string
	RelativePath string
	FileHash     string
	ChunkIDs     []string
	IndexedAt    time.Time
}

// WebPageProvenance records crawl dedup state for one URL.
type WebPageProvenance struct {
	URL            string // primary key
	Domain         string
	FirstIndexedAt time.Time
	LastIndexedAt  time.Time
	LastModifiedAt *time.Time
	ContentHash    string
	Version        int
	Metadata       map[string]string
}

// JobKind enumerates the work a Job may represent.
type JobKind string

const (
	JobIngestLocal      JobKind = "ingest_local"
	JobIngestRemoteRepo JobKind = "ingest_remote_repo"
	JobCrawl            JobKind = "crawl"
	JobReindex          JobKind = "reindex"
)

// JobState is the terminal-once lifecycle state of a Job.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobSkipped   JobState = "skipped"
	JobCancelled JobState = "cancelled"
)

// IsTerminal reports whether a state change out of this state is disallowed.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobSkipped, JobCancelled:
		return true
	default:
		return false
	}
}

// Progress is a job's monotonic position within its current phase.
type Progress struct {
	Phase    string
	Fraction float64
	Detail   string
}

// Job is a unit of orchestrated work tracked by the job queue.
type Job struct {
	ID         string
	Kind       JobKind
	ProjectID  string
	DatasetID  string
	State      JobState
	DedupKey   string
	Payload    map[string]string
	Progress   Progress
	StartedAt  *time.Time
	FinishedAt *time.Time
	Error      string
	Metadata   map[string]string
}

// CrawlMode selects how the Crawl Engine discovers pages for a session.
type CrawlMode string

const (
	CrawlSingle    CrawlMode = "single"
	CrawlSitemap   CrawlMode = "sitemap"
	CrawlRecursive CrawlMode = "recursive"
)

// CrawlSession is the terminal-once record of one crawl run.
type CrawlSession struct {
	ID         string
	ProjectID  string
	DatasetID  string
	SeedURL    string
	Mode       CrawlMode
	MaxPages   int
	MaxDepth   int
	Status     JobState
	Stats      CrawlStats
	StartedAt  time.Time
	FinishedAt *time.Time
}

// CrawlStats summarizes one crawl session's outcome.
type CrawlStats struct {
	PagesFetched int
	PagesSkipped int
	Errors       int
	MaxDepthHit  int
}
