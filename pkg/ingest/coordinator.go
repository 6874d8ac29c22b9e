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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kraklabs/kie/internal/errors"
	"github.com/kraklabs/kie/pkg/chunk"
	"github.com/kraklabs/kie/pkg/embed"
	"github.com/kraklabs/kie/pkg/model"
	"github.com/kraklabs/kie/pkg/store"
)

// Phase names, in the order they execute. pkg/queue's progress mapper owns
// the lo/hi percentage bounds for each; this package only ever
// reports a local fraction in [0, 1] within whichever phase is current.
const (
	PhaseInitializing = "initializing"
	PhaseDiscovery     = "discovery"
	PhaseChunking      = "chunking"
	PhaseEmbedding     = "embedding"
	PhaseStoring       = "storing"
	PhaseCompleted     = "completed"
)

// ProgressFunc receives a phase name, the local fraction through that phase,
// and an optional human-readable detail. It is called once per file during
// discovery and chunking and at fixed points in the other phases
// (coalescing is the event bus's job, not ours).
type ProgressFunc func(phase string, localFraction float64, detail string)

// Request describes one ingestion run.
type Request struct {
	ProjectID      string
	DatasetID      string
	CollectionName string
	Source         Source
	ExcludeGlobs   []string
	MaxFileSize    int64
	Force          bool
	DenseDim       int
}

// Result summarizes a completed or partially-completed ingestion run.
type Result struct {
	FilesScanned  int
	FilesAdded    int
	FilesChanged  int
	FilesRemoved  int
	ChunksWritten int
	ChunksDropped int
	FileErrors    []string
	ErrorRatio    float64
}

// Coordinator orchestrates one ingestion run end to end: discovery, diff,
// chunk, embed, and upsert into both stores.
type Coordinator struct {
	Metadata store.MetadataStore
	Vector   store.VectorStore
	Chunker  *chunk.Chunker
	Router   *embed.Router
	Logger   *slog.Logger

	// CancelCheckpointEvery sets how many files between context cancellation
	// checks during chunking.
	CancelCheckpointEvery int
}

// NewCoordinator builds a Coordinator.
func NewCoordinator(metadata store.MetadataStore, vector store.VectorStore, chunker *chunk.Chunker, router *embed.Router, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		Metadata:              metadata,
		Vector:                vector,
		Chunker:               chunker,
		Router:                router,
		Logger:                logger,
		CancelCheckpointEvery: 200,
	}
}

// Run executes one ingestion job against a Source, reporting progress via
// onProgress. It runs the incremental sync algorithm unless
// req.Force is set, in which case every discovered file is treated as
// Changed.
func (c *Coordinator) Run(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
	if onProgress == nil {
		onProgress = func(string, float64, string) {}
	}
	result := &Result{}

	onProgress(PhaseInitializing, 0, "resolving scope")
	if err := c.Metadata.BindCollection(ctx, req.DatasetID, req.CollectionName); err != nil {
		return result, fmt.Errorf("bind collection: %w", err)
	}
	denseDim := req.DenseDim
	if denseDim <= 0 {
		denseDim = 768
	}
	if err := c.Vector.CreateCollection(ctx, req.CollectionName, denseDim, c.Router.Sparse != nil); err != nil {
		return result, fmt.Errorf("create collection: %w", err)
	}
	onProgress(PhaseInitializing, 1, "scope ready")

	loader := NewLoader(c.Logger)
	defer loader.Close()
	root, err := loader.Resolve(req.Source)
	if err != nil {
		return result, errors.NewSourceUnreadableError(
			"Cannot read the ingestion source",
			err.Error(),
			"Check the path or repository URL exists and is reachable",
			err,
		)
	}

	onProgress(PhaseDiscovery, 0, "enumerating files")
	discovered, err := Discover(root, req.ExcludeGlobs, req.MaxFileSize)
	if err != nil {
		return result, fmt.Errorf("discover files: %w", err)
	}
	result.FilesScanned = len(discovered)

	hashed := make(map[string]string, len(discovered)) // relPath -> file_hash
	bodies := make(map[string]string, len(discovered)) // relPath -> content, kept only for Added/Changed
	for i, f := range discovered {
		content, err := os.ReadFile(f.FullPath)
		if err != nil {
			result.FileErrors = append(result.FileErrors, fmt.Sprintf("%s: read: %v", f.RelativePath, err))
			continue
		}
		sum := sha256.Sum256(content)
		hashed[f.RelativePath] = hex.EncodeToString(sum[:])
		bodies[f.RelativePath] = string(content)
		if len(discovered) > 0 {
			onProgress(PhaseDiscovery, float64(i+1)/float64(len(discovered)), f.RelativePath)
		}
	}

	existing, err := c.Metadata.ListFileSnapshots(ctx, req.DatasetID)
	if err != nil {
		return result, fmt.Errorf("list snapshots: %w", err)
	}
	existingByPath := make(map[string]model.FileSnapshot, len(existing))
	for _, s := range existing {
		existingByPath[s.RelativePath] = s
	}

	added, changed, removed := diff(hashed, existingByPath, req.Force)
	result.FilesAdded = len(added)
	result.FilesChanged = len(changed)
	result.FilesRemoved = len(removed)

	toChunk := append(append([]string{}, added...), changed...)

	onProgress(PhaseChunking, 0, fmt.Sprintf("chunking %d files", len(toChunk)))
	var allChunks []model.Chunk
	newSnapshots := make(map[string]model.FileSnapshot, len(toChunk))
	for i, relPath := range toChunk {
		if i%max1(c.CancelCheckpointEvery) == 0 {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			default:
			}
		}
		res := c.Chunker.Chunk(chunk.Input{
			Content:        bodies[relPath],
			Path:           relPath,
			CollectionName: req.CollectionName,
			ProjectID:      req.ProjectID,
			DatasetID:      req.DatasetID,
		})
		if res.Skipped {
			result.FileErrors = append(result.FileErrors, fmt.Sprintf("%s: chunk.skip: %s", relPath, res.Reason.Cause))
			continue
		}
		ids := make([]string, 0, len(res.Chunks))
		for j := range res.Chunks {
			res.Chunks[j].FileHash = hashed[relPath]
			ids = append(ids, res.Chunks[j].ID)
		}
		allChunks = append(allChunks, res.Chunks...)
		newSnapshots[relPath] = model.FileSnapshot{
			ProjectID: req.ProjectID, DatasetID: req.DatasetID,
			RelativePath: relPath, FileHash: hashed[relPath], ChunkIDs: ids, IndexedAt: time.Now(),
		}
		if len(toChunk) > 0 {
			onProgress(PhaseChunking, float64(i+1)/float64(len(toChunk)), relPath)
		}
	}

	onProgress(PhaseEmbedding, 0, fmt.Sprintf("embedding %d chunks", len(allChunks)))
	embedResult, embedErr := c.Router.Embed(ctx, allChunks)
	if embedErr != nil {
		if _, fatal := embedErr.(*embed.FatalEmbeddingError); fatal {
			return result, errors.NewEncoderError(
				"Embedding failed for too many chunks",
				embedErr.Error(),
				"Check the encoder endpoints are healthy and re-run the ingest",
				embedErr,
			)
		}
		return result, fmt.Errorf("embed: %w", embedErr)
	}
	result.ChunksDropped = embedResult.Dropped
	onProgress(PhaseEmbedding, 1, "embedding complete")

	droppedIDs := make(map[string]bool)
	embedded := make(map[string]bool, len(embedResult.Points))
	for _, p := range embedResult.Points {
		embedded[p.Chunk.ID] = true
	}
	for _, ch := range allChunks {
		if !embedded[ch.ID] {
			droppedIDs[ch.ID] = true
		}
	}
	for relPath, snap := range newSnapshots {
		kept := snap.ChunkIDs[:0]
		for _, id := range snap.ChunkIDs {
			if !droppedIDs[id] {
				kept = append(kept, id)
			}
		}
		snap.ChunkIDs = kept
		newSnapshots[relPath] = snap
	}

	onProgress(PhaseStoring, 0, "retracting stale chunks")
	staleIDs := collectStaleChunkIDs(append(append([]string{}, changed...), removed...), existingByPath)
	if len(staleIDs) > 0 {
		if err := c.Vector.Delete(ctx, req.CollectionName, staleIDs); err != nil {
			return result, fmt.Errorf("delete stale vector points: %w", err)
		}
	}

	points := make([]store.Point, 0, len(embedResult.Points))
	for _, p := range embedResult.Points {
		payload := map[string]any{
			"project_id":    p.Chunk.ProjectID,
			"dataset_id":    p.Chunk.DatasetID,
			"relative_path": p.Chunk.RelativePath,
			"repo":          p.Chunk.Repo,
			"lang":          p.Chunk.Lang,
			"start_line":    p.Chunk.StartLine,
			"end_line":      p.Chunk.EndLine,
			"content":       p.Chunk.Content,
		}
		if p.Chunk.Symbol != nil {
			payload["symbol_name"] = p.Chunk.Symbol.Name
			payload["symbol_kind"] = string(p.Chunk.Symbol.Kind)
		}
		points = append(points, store.Point{ID: p.Chunk.ID, DenseVector: p.Dense, SparseVector: p.Sparse, Payload: payload})
	}
	if len(points) > 0 {
		if err := c.Vector.Upsert(ctx, req.CollectionName, points); err != nil {
			return result, fmt.Errorf("upsert vector points: %w", err)
		}
	}
	result.ChunksWritten = len(points)
	onProgress(PhaseStoring, 0.7, "vector points written")

	for _, path := range removed {
		if err := c.Metadata.DeleteFileSnapshotsByPath(ctx, req.DatasetID, []string{path}); err != nil {
			return result, fmt.Errorf("delete snapshot %s: %w", path, err)
		}
	}
	for _, snap := range newSnapshots {
		if err := c.Metadata.UpsertFileSnapshot(ctx, snap); err != nil {
			return result, fmt.Errorf("upsert snapshot: %w", err)
		}
	}
	onProgress(PhaseStoring, 1, "snapshots updated")

	total := result.FilesScanned
	if total > 0 {
		result.ErrorRatio = float64(len(result.FileErrors)) / float64(total)
	}
	onProgress(PhaseCompleted, 1, "done")

	if result.ErrorRatio > 0.25 {
		return result, fmt.Errorf("file error ratio %.2f exceeds 25%% threshold", result.ErrorRatio)
	}
	return result, nil
}

// diff is the three-way Added/Changed/Removed set comparison. When force is
// true every discovered file is treated as Changed, skipping the snapshot
// comparison entirely.
func diff(current map[string]string, existing map[string]model.FileSnapshot, force bool) (added, changed, removed []string) {
	if force {
		for path := range current {
			changed = append(changed, path)
		}
		for path := range existing {
			if _, ok := current[path]; !ok {
				removed = append(removed, path)
			}
		}
		return added, changed, removed
	}

	for path, hash := range current {
		if snap, ok := existing[path]; !ok {
			added = append(added, path)
		} else if snap.FileHash != hash {
			changed = append(changed, path)
		}
	}
	for path := range existing {
		if _, ok := current[path]; !ok {
			removed = append(removed, path)
		}
	}
	return added, changed, removed
}

// collectStaleChunkIDs gathers the old chunk ids of every Changed or Removed
// file, which must be retracted from the vector store before the new
// snapshot (and its new chunk ids) are written.
func collectStaleChunkIDs(paths []string, existing map[string]model.FileSnapshot) []string {
	var ids []string
	for _, path := range paths {
		if snap, ok := existing[path]; ok {
			ids = append(ids, snap.ChunkIDs...)
		}
	}
	return ids
}

func max1(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}
