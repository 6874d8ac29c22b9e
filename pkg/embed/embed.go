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

// Package embed routes chunks to one of two dense encoders by content
// class, optionally computes sparse vectors, and normalizes every dense
// vector to unit L2 norm before it reaches the vector store.
package embed

import (
	"context"
	"log/slog"
	"math"
	"sync"

	"github.com/kraklabs/kie/pkg/chunk"
	"github.com/kraklabs/kie/pkg/model"
)

// DenseEncoder generates dense embeddings for a batch of texts.
// Implementations may return vectors of any norm; Router normalizes every
// dense vector it returns.
type DenseEncoder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, int, error)
	// Name identifies the encoder family, e.g. "code" or "text". It becomes
	// the named dense vector field in the bound collection.
	Name() string
}

// SparseEncoder generates sparse embeddings for a batch of texts.
type SparseEncoder interface {
	EmbedSparse(ctx context.Context, texts []string) ([]model.SparseVector, error)
}

// Family identifies which DenseEncoder a chunk or query routes to.
type Family string

const (
	FamilyCode Family = "code"
	FamilyText Family = "text"
)

// ClassifyFamily implements the routing rule: a chunk routes to the
// code family if its path has a recognized programming-language extension
// or its symbol kind is one of function/class/method/interface.
func ClassifyFamily(c model.Chunk) Family {
	if c.Symbol != nil {
		switch c.Symbol.Kind {
		case model.SymbolFunction, model.SymbolClass, model.SymbolMethod, model.SymbolInterface:
			return FamilyCode
		}
	}
	if chunk.IsCodePath(c.RelativePath) {
		return FamilyCode
	}
	return FamilyText
}

// Point is one chunk paired with its computed vectors, ready for the vector
// store's Upsert.
type Point struct {
	Chunk  model.Chunk
	Dense  []float32
	Sparse *model.SparseVector
}

// Router owns the two dense encoder instances and an optional sparse
// encoder, and dispatches each chunk in a batch to the encoder matching its
// family.
type Router struct {
	Code   DenseEncoder
	Text   DenseEncoder
	Sparse SparseEncoder // nil disables hybrid

	// BatchSize bounds how many texts go into a single encoder HTTP call
	// (B_REQ, default 32).
	BatchSize int
	// Concurrency bounds in-flight encoder requests (C, default 16).
	Concurrency int

	Logger *slog.Logger
}

// NewRouter builds a Router with the standard defaults.
func NewRouter(code, text DenseEncoder, sparse SparseEncoder, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		Code:        code,
		Text:        text,
		Sparse:      sparse,
		BatchSize:   32,
		Concurrency: 16,
		Logger:      logger,
	}
}

// EmbedResult summarizes one Embed call: the computed points, and the
// chunks that were dropped (failed after retries).
type EmbedResult struct {
	Points       []Point
	Dropped      int
	SparseFailed bool
}

// Embed computes dense (and, if enabled, sparse) vectors for chunks,
// routing each to its family's encoder, batching requests, and dropping
// any chunk whose embedding ultimately fails. It
// returns an error only when the aggregate failure ratio exceeds 25%,
// matching the ingestion coordinator's job-failure threshold.
func (r *Router) Embed(ctx context.Context, chunks []model.Chunk) (*EmbedResult, error) {
	if len(chunks) == 0 {
		return &EmbedResult{}, nil
	}

	byFamily := map[Family][]model.Chunk{}
	for _, c := range chunks {
		f := ClassifyFamily(c)
		byFamily[f] = append(byFamily[f], c)
	}

	result := &EmbedResult{}
	var mu sync.Mutex

	for family, fChunks := range byFamily {
		enc := r.Text
		if family == FamilyCode {
			enc = r.Code
		}
		points, dropped := r.embedFamily(ctx, enc, fChunks)
		mu.Lock()
		result.Points = append(result.Points, points...)
		result.Dropped += dropped
		mu.Unlock()
	}

	if r.Sparse != nil {
		r.attachSparse(ctx, result)
	}

	if result.Dropped > 0 {
		failureRatio := float64(result.Dropped) / float64(len(chunks))
		if failureRatio > 0.25 {
			return result, &FatalEmbeddingError{Dropped: result.Dropped, Total: len(chunks)}
		}
	}
	return result, nil
}

// FatalEmbeddingError signals that more than 25% of a batch's embeddings
// failed (encoder.fatal), which fails the enclosing job.
type FatalEmbeddingError struct {
	Dropped int
	Total   int
}

func (e *FatalEmbeddingError) Error() string {
	return "embedding failure ratio exceeded 25%"
}

// embedFamily batches chunks into groups of BatchSize and fans them out
// across Concurrency workers, dropping chunks whose batch ultimately fails.
func (r *Router) embedFamily(ctx context.Context, enc DenseEncoder, chunks []model.Chunk) ([]Point, int) {
	if enc == nil {
		return nil, len(chunks)
	}

	batches := batchChunks(chunks, r.BatchSize)
	type batchResult struct {
		points  []Point
		dropped int
	}

	sem := make(chan struct{}, maxInt(1, r.Concurrency))
	resultsCh := make(chan batchResult, len(batches))
	var wg sync.WaitGroup

	for _, b := range batches {
		b := b
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			points, dropped := r.embedBatch(ctx, enc, b)
			resultsCh <- batchResult{points: points, dropped: dropped}
		}()
	}
	wg.Wait()
	close(resultsCh)

	var out []Point
	dropped := 0
	for br := range resultsCh {
		out = append(out, br.points...)
		dropped += br.dropped
	}
	return out, dropped
}

func (r *Router) embedBatch(ctx context.Context, enc DenseEncoder, batch []model.Chunk) ([]Point, int) {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Content
	}

	vectors, _, err := withRetry(ctx, func() ([][]float32, int, error) {
		return enc.Embed(ctx, texts)
	})
	if err != nil {
		r.Logger.Error("embed.batch.failed", "encoder", enc.Name(), "size", len(batch), "err", err)
		return nil, len(batch)
	}
	if len(vectors) != len(batch) {
		r.Logger.Error("embed.batch.size_mismatch", "encoder", enc.Name(), "want", len(batch), "got", len(vectors))
		return nil, len(batch)
	}

	points := make([]Point, 0, len(batch))
	for i, c := range batch {
		points = append(points, Point{Chunk: c, Dense: normalize(vectors[i])})
	}
	return points, 0
}

// attachSparse calls the sparse encoder over every point's content in
// BatchSize groups. A failure degrades to dense-only for the whole batch
// rather than failing the job.
func (r *Router) attachSparse(ctx context.Context, result *EmbedResult) {
	batchSize := r.BatchSize
	if batchSize <= 0 {
		batchSize = 32
	}
	for start := 0; start < len(result.Points); start += batchSize {
		end := min(start+batchSize, len(result.Points))
		batch := result.Points[start:end]
		texts := make([]string, len(batch))
		for i, p := range batch {
			texts[i] = p.Chunk.Content
		}
		sparse, _, err := withRetrySparse(ctx, func() ([]model.SparseVector, error) {
			return r.Sparse.EmbedSparse(ctx, texts)
		})
		if err != nil || len(sparse) != len(batch) {
			r.Logger.Warn("embed.sparse.degraded", "err", err)
			result.SparseFailed = true
			continue
		}
		for i := range batch {
			sv := sparse[i]
			result.Points[start+i].Sparse = &sv
		}
	}
}

func batchChunks(chunks []model.Chunk, size int) [][]model.Chunk {
	if size <= 0 {
		size = 32
	}
	var out [][]model.Chunk
	for i := 0; i < len(chunks); i += size {
		end := min(i+size, len(chunks))
		out = append(out, chunks[i:end])
	}
	return out
}

// normalize scales v to unit L2 norm. Encoder outputs must be unit-norm
// before storage; normalizing here means not trusting the endpoint to
// have done it.
func normalize(v []float32) []float32 {
	if len(v) == 0 {
		return v
	}
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	norm := math.Sqrt(sumSq)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
