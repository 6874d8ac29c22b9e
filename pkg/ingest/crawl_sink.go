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

package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/kraklabs/kie/pkg/chunk"
	"github.com/kraklabs/kie/pkg/crawl"
	"github.com/kraklabs/kie/pkg/embed"
	"github.com/kraklabs/kie/pkg/model"
	"github.com/kraklabs/kie/pkg/store"
)

// CrawlSink adapts the Crawl Engine's per-page callback (crawl.PageSink)
// into the same chunk → embed → upsert pipeline the local/repo Coordinator
// uses, so crawled pages land in the same dual-store shape as code chunks
// The crawl engine dispatches pages from a worker pool, so every exported
// method here is safe for concurrent use.
type CrawlSink struct {
	Metadata       store.MetadataStore
	Vector         store.VectorStore
	Chunker        *chunk.Chunker
	Router         *embed.Router
	Logger         *slog.Logger
	ProjectID      string
	DatasetID      string
	CollectionName string
	DenseDim       int
	// Force re-chunks and re-embeds every page even when its content hash
	// matches prior provenance.
	Force bool

	mu            sync.Mutex
	chunksWritten int
	chunksDropped int
	// pageChunks remembers each URL's last-written chunk ids so a changed
	// re-crawl can retract them before writing the replacement set.
	pageChunks map[string][]string
}

// NewCrawlSink builds a CrawlSink and ensures its bound collection exists.
func NewCrawlSink(ctx context.Context, metadata store.MetadataStore, vector store.VectorStore, chunker *chunk.Chunker, router *embed.Router, logger *slog.Logger, projectID, datasetID, collectionName string, denseDim int) (*CrawlSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if denseDim <= 0 {
		denseDim = 768
	}
	if err := metadata.BindCollection(ctx, datasetID, collectionName); err != nil {
		return nil, fmt.Errorf("bind collection: %w", err)
	}
	if err := vector.CreateCollection(ctx, collectionName, denseDim, router.Sparse != nil); err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &CrawlSink{
		Metadata: metadata, Vector: vector, Chunker: chunker, Router: router, Logger: logger,
		ProjectID: projectID, DatasetID: datasetID, CollectionName: collectionName, DenseDim: denseDim,
		pageChunks: map[string][]string{},
	}, nil
}

// Stats reports the cumulative chunks written/dropped across every page
// this sink has indexed, for the crawl job's final summary.
func (s *CrawlSink) Stats() (written, dropped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunksWritten, s.chunksDropped
}

// IndexPage implements crawl.PageSink. A page whose content hash matches
// its prior provenance is skipped for chunking/embedding and only has its
// last_indexed_at timestamp refreshed, unless Force is set.
func (s *CrawlSink) IndexPage(ctx context.Context, page crawl.Page, depth int) (bool, error) {
	now := time.Now()
	prior, found, err := s.Metadata.GetWebProvenance(ctx, page.URL)
	if err != nil {
		return false, fmt.Errorf("get provenance: %w", err)
	}
	if !s.Force && found && prior.ContentHash == page.ContentHash {
		prior.LastIndexedAt = now
		if err := s.Metadata.UpsertWebProvenance(ctx, prior); err != nil {
			return false, fmt.Errorf("refresh provenance: %w", err)
		}
		return true, nil
	}

	result := s.Chunker.Chunk(chunk.Input{
		Content:        page.Content,
		Path:           page.URL,
		CollectionName: s.CollectionName,
		ProjectID:      s.ProjectID,
		DatasetID:      s.DatasetID,
	})
	if !result.Skipped && len(result.Chunks) > 0 {
		for i := range result.Chunks {
			result.Chunks[i].FileHash = page.ContentHash
		}
		if err := s.retractStale(ctx, page.URL); err != nil {
			return false, err
		}

		// A fatal embedding ratio on one page is a soft per-URL error: the
		// engine counts it and the crawl moves on.
		embedResult, embedErr := s.Router.Embed(ctx, result.Chunks)
		if embedErr != nil {
			return false, fmt.Errorf("embed page %s: %w", page.URL, embedErr)
		}

		points := make([]store.Point, 0, len(embedResult.Points))
		ids := make([]string, 0, len(embedResult.Points))
		for _, p := range embedResult.Points {
			payload := map[string]any{
				"project_id":    p.Chunk.ProjectID,
				"dataset_id":    p.Chunk.DatasetID,
				"relative_path": p.Chunk.RelativePath,
				"lang":          "web",
				"start_line":    p.Chunk.StartLine,
				"end_line":      p.Chunk.EndLine,
				"content":       p.Chunk.Content,
				"url":           page.URL,
			}
			points = append(points, store.Point{ID: p.Chunk.ID, DenseVector: p.Dense, SparseVector: p.Sparse, Payload: payload})
			ids = append(ids, p.Chunk.ID)
		}
		if len(points) > 0 {
			if err := s.Vector.Upsert(ctx, s.CollectionName, points); err != nil {
				return false, fmt.Errorf("upsert page vectors: %w", err)
			}
		}

		s.mu.Lock()
		s.chunksWritten += len(points)
		s.chunksDropped += embedResult.Dropped
		s.pageChunks[page.URL] = ids
		s.mu.Unlock()
	}

	prov := model.WebPageProvenance{
		URL: page.URL, Domain: domainOf(page.URL),
		FirstIndexedAt: now, LastIndexedAt: now,
		ContentHash: page.ContentHash, Version: prior.Version + 1,
	}
	if found {
		prov.FirstIndexedAt = prior.FirstIndexedAt
	}
	if err := s.Metadata.UpsertWebProvenance(ctx, prov); err != nil {
		return false, fmt.Errorf("upsert provenance: %w", err)
	}
	return false, nil
}

func (s *CrawlSink) retractStale(ctx context.Context, pageURL string) error {
	s.mu.Lock()
	ids := s.pageChunks[pageURL]
	s.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}
	return s.Vector.Delete(ctx, s.CollectionName, ids)
}

func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
