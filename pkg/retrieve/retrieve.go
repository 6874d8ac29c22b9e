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

// Package retrieve answers a query under a project scope with a ranked list
// of chunks and their citations: resolve the bound collections,
// embed the query against the dense (and, where relevant, code) encoder,
// search each collection, fuse the per-collection ranked lists with
// Reciprocal Rank Fusion, optionally rerank, and apply a score threshold.
package retrieve

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kraklabs/kie/internal/errors"
	"github.com/kraklabs/kie/pkg/chunk"
	"github.com/kraklabs/kie/pkg/embed"
	"github.com/kraklabs/kie/pkg/model"
	"github.com/kraklabs/kie/pkg/store"
)

// Reranker scores (query, document) pairs with a cross-encoder, returning
// one score per document in the same order they were submitted.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string) ([]float64, error)
}

// Config holds the tunables for the retrieval algorithm.
type Config struct {
	// DefaultTopK is used when a Request doesn't set TopK.
	DefaultTopK int
	// RerankEnabled turns on the optional cross-encoder rerank step.
	RerankEnabled bool
	// RerankInitialK bounds how many fused candidates are sent to the
	// reranker (and requested per-collection when reranking is enabled).
	RerankInitialK int
	// RerankTimeout bounds the reranker call; exceeding it degrades to the
	// fused (unreranked) result set rather than failing the query.
	RerankTimeout time.Duration
	// SparseTimeout bounds the sparse query-embedding call; exceeding it
	// degrades to dense-only search for the query.
	SparseTimeout time.Duration
	// HybridDenseWeight/HybridSparseWeight are this engine's defaults for
	// intra-collection dense/sparse fusion, forwarded as HybridSearchOpts.
	HybridDenseWeight  float64
	HybridSparseWeight float64
	// FusionK is the RRF constant (k = 60).
	FusionK int
}

// DefaultConfig returns the standard defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTopK:        10,
		RerankEnabled:      false,
		RerankInitialK:     150,
		RerankTimeout:      2 * time.Second,
		SparseTimeout:      500 * time.Millisecond,
		HybridDenseWeight:  0.6,
		HybridSparseWeight: 0.4,
		FusionK:            60,
	}
}

// Request is one retrieval call's parameters.
type Request struct {
	Query         string
	ProjectID     string
	Datasets      []string // empty means "all project datasets"
	TopK          int
	Threshold     float64
	PathPrefix    string
	Repo          string
	Lang          string
	IncludeGlobal bool
	// CollectionWeights overrides the default 1.0 fan-out weight for named
	// collections, keyed by collection name.
	CollectionWeights map[string]float64
}

// Chunk is one ranked, citable retrieval result.
type Chunk struct {
	ID           string
	Content      string
	RelativePath string
	Repo         string
	Lang         string
	StartLine    int
	EndLine      int
	Score        float64
	Collection   string
}

// Response is the result of a Query call, annotated with degradation
// metadata instead of failing the whole call.
type Response struct {
	Results      []Chunk
	Partial      bool
	Degradations []string
	Elapsed      time.Duration
}

// Engine is the Retrieval Engine.
type Engine struct {
	Metadata store.MetadataStore
	Vector   store.VectorStore
	Code     embed.DenseEncoder // may be nil if no code-family encoder is configured
	Text     embed.DenseEncoder
	Sparse   embed.SparseEncoder // nil disables hybrid search
	Reranker Reranker            // nil disables rerank regardless of Config.RerankEnabled

	Config Config
	Logger *slog.Logger
}

// NewEngine builds an Engine with DefaultConfig.
func NewEngine(metadata store.MetadataStore, vector store.VectorStore, text, code embed.DenseEncoder, sparse embed.SparseEncoder, reranker Reranker, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		Metadata: metadata, Vector: vector, Text: text, Code: code, Sparse: sparse, Reranker: reranker,
		Config: DefaultConfig(), Logger: logger,
	}
}

// collectionTarget is one bound collection this query will search, with its
// fan-out weight.
type collectionTarget struct {
	name   string
	weight float64
}

// Query answers one retrieval request: scope resolution, query embedding,
// per-collection search, fan-out fusion, optional rerank, threshold filter.
func (e *Engine) Query(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	if req.Query == "" {
		return nil, fmt.Errorf("retrieve: query is required")
	}
	topK := req.TopK
	if topK <= 0 {
		topK = e.Config.DefaultTopK
	}

	// Step 1: scope resolution.
	targets, err := e.resolveScope(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("resolve scope: %w", err)
	}
	if len(targets) == 0 {
		return &Response{Elapsed: time.Since(start)}, nil
	}

	// Step 2: query embedding. The text encoder always runs; the code
	// encoder also runs whenever a target collection might hold code-family
	// chunks. Collections in this design aren't pinned to a single family
	// (see DESIGN.md), so every collection is queried with both embeddings
	// when a code encoder is configured, and the two per-family result
	// lists are RRF-fused before cross-collection fusion.
	needCode := e.Code != nil && (req.Lang == "" || familyHint(req.Lang) == embed.FamilyCode)
	textVec, codeVec, sparseVec, degradations := e.embedQuery(ctx, req.Query, needCode)

	// Step 3+4: per-collection search, then fan-out fusion.
	perCollectionK := topK
	if e.rerankActive() {
		perCollectionK = e.Config.RerankInitialK
	}

	// path_prefix is a prefix match, which the store's exact-match payload
	// filter can't express (relative_path there is an equality condition),
	// so it stays a Go-side post-filter over search results.
	filter := store.Filter{ProjectID: req.ProjectID, Repo: req.Repo, Lang: req.Lang}

	type collResult struct {
		weighted store.WeightedList
		err      error
		name     string
	}
	resultsCh := make(chan collResult, len(targets))
	var wg sync.WaitGroup
	for _, t := range targets {
		t := t
		wg.Add(1)
		go func() {
			defer wg.Done()
			list, err := e.searchOneCollection(ctx, t.name, textVec, codeVec, sparseVec, filter, perCollectionK)
			resultsCh <- collResult{weighted: store.WeightedList{List: list, Weight: t.weight}, err: err, name: t.name}
		}()
	}
	wg.Wait()
	close(resultsCh)

	var weightedLists []store.WeightedList
	var partial bool
	collected := make([]collResult, 0, len(targets))
	for r := range resultsCh {
		collected = append(collected, r)
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i].name < collected[j].name })
	for _, r := range collected {
		if r.err != nil {
			e.Logger.Warn("retrieve.collection.failed", "collection", r.name, "err", r.err)
			partial = true
			degradations = append(degradations, fmt.Sprintf("collection.%s.failed", r.name))
			continue
		}
		weightedLists = append(weightedLists, r.weighted)
	}

	fused := store.WeightedReciprocalRankFusion(e.Config.FusionK, weightedLists...)

	results := fusedToChunks(fused)
	if req.PathPrefix != "" {
		results = filterByPathPrefix(results, req.PathPrefix)
	}

	// Step 5: optional rerank.
	if e.rerankActive() {
		reranked, degraded := e.rerank(ctx, req.Query, results)
		if degraded {
			degradations = append(degradations, "rerank.timeout")
			partial = true
		} else {
			results = reranked
		}
	}
	if len(results) > topK {
		results = results[:topK]
	}

	// Step 6: threshold filter.
	if req.Threshold > 0 {
		filtered := results[:0:0]
		for _, c := range results {
			if c.Score >= req.Threshold {
				filtered = append(filtered, c)
			}
		}
		results = filtered
	}

	return &Response{Results: results, Partial: partial, Degradations: degradations, Elapsed: time.Since(start)}, nil
}

// resolveScope enumerates the project's bound collections
// intersected with dataset_filter (or all project datasets), plus shared
// collections when include_global is set.
func (e *Engine) resolveScope(ctx context.Context, req Request) ([]collectionTarget, error) {
	var bound []model.DatasetCollection
	if len(req.Datasets) == 0 {
		all, err := e.Metadata.ListCollectionsForProject(ctx, req.ProjectID, "")
		if err != nil {
			return nil, err
		}
		bound = all
	} else {
		for _, name := range req.Datasets {
			dc, err := e.Metadata.ListCollectionsForProject(ctx, req.ProjectID, name)
			if err != nil {
				return nil, err
			}
			bound = append(bound, dc...)
		}
	}
	if req.IncludeGlobal {
		shared, err := e.Metadata.ListShares(ctx, req.ProjectID)
		if err != nil {
			return nil, err
		}
		bound = append(bound, shared...)
	}

	seen := map[string]bool{}
	var targets []collectionTarget
	for _, dc := range bound {
		if seen[dc.CollectionName] {
			continue
		}
		seen[dc.CollectionName] = true
		weight := 1.0
		if req.CollectionWeights != nil {
			if w, ok := req.CollectionWeights[dc.CollectionName]; ok {
				weight = w
			}
		}
		targets = append(targets, collectionTarget{name: dc.CollectionName, weight: weight})
	}
	return targets, nil
}

// embedQuery computes the text (and, if configured, code) dense embeddings
// for the query, plus a sparse embedding with a bounded timeout that
// degrades to dense-only on expiry rather than failing the query.
func (e *Engine) embedQuery(ctx context.Context, query string, needCode bool) (textVec, codeVec []float32, sparseVec *model.SparseVector, degradations []string) {
	if e.Text != nil {
		if vecs, _, err := e.Text.Embed(ctx, []string{query}); err == nil && len(vecs) == 1 {
			textVec = normalizeVector(vecs[0])
		} else if err != nil {
			e.Logger.Warn("retrieve.embed.text.failed", "err", err)
		}
	}
	if needCode && e.Code != nil {
		if vecs, _, err := e.Code.Embed(ctx, []string{query}); err == nil && len(vecs) == 1 {
			codeVec = normalizeVector(vecs[0])
		} else if err != nil {
			e.Logger.Warn("retrieve.embed.code.failed", "err", err)
		}
	}
	if e.Sparse != nil {
		timeout := e.Config.SparseTimeout
		if timeout <= 0 {
			timeout = 500 * time.Millisecond
		}
		sctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		sv, err := e.sparseEmbedWithTimeout(sctx, query)
		if err != nil {
			e.Logger.Warn("retrieve.embed.sparse.degraded", "err", errors.NewDegradationError("sparse", err.Error()))
			degradations = append(degradations, "sparse.timeout")
		} else {
			sparseVec = sv
		}
	}
	return textVec, codeVec, sparseVec, degradations
}

func (e *Engine) sparseEmbedWithTimeout(ctx context.Context, query string) (*model.SparseVector, error) {
	type out struct {
		vecs []model.SparseVector
		err  error
	}
	ch := make(chan out, 1)
	go func() {
		vecs, err := e.Sparse.EmbedSparse(ctx, []string{query})
		ch <- out{vecs: vecs, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case o := <-ch:
		if o.err != nil {
			return nil, o.err
		}
		if len(o.vecs) != 1 {
			return nil, fmt.Errorf("sparse encoder returned %d vectors, want 1", len(o.vecs))
		}
		return &o.vecs[0], nil
	}
}

// searchOneCollection searches a single collection: hybrid
// search if a sparse vector is available, dense search otherwise, and (when
// a code encoder is configured) a second dense search with the code query
// embedding RRF-fused in, since this design's collections are not pinned to
// a single encoder family (see DESIGN.md's accepted simplification).
func (e *Engine) searchOneCollection(ctx context.Context, collection string, textVec, codeVec []float32, sparseVec *model.SparseVector, filter store.Filter, topK int) ([]store.ScoredPoint, error) {
	opts := store.SearchOpts{Filter: filter, TopK: topK}
	var lists []store.WeightedList

	if textVec != nil {
		list, err := e.searchDenseOrHybrid(ctx, collection, textVec, sparseVec, opts)
		if err != nil {
			return nil, err
		}
		lists = append(lists, store.WeightedList{List: list, Weight: 1.0})
	}
	if codeVec != nil {
		list, err := e.searchDenseOrHybrid(ctx, collection, codeVec, sparseVec, opts)
		if err != nil {
			return nil, err
		}
		lists = append(lists, store.WeightedList{List: list, Weight: 1.0})
	}
	if len(lists) == 0 {
		return nil, fmt.Errorf("no query embedding available")
	}
	if len(lists) == 1 {
		return lists[0].List, nil
	}
	return store.WeightedReciprocalRankFusion(e.Config.FusionK, lists...), nil
}

func (e *Engine) searchDenseOrHybrid(ctx context.Context, collection string, dense []float32, sparseVec *model.SparseVector, opts store.SearchOpts) ([]store.ScoredPoint, error) {
	if sparseVec != nil && e.Sparse != nil {
		hybridOpts := store.HybridSearchOpts{
			Filter: opts.Filter, TopK: opts.TopK, Fusion: store.FusionRRF,
			DenseWeight: e.Config.HybridDenseWeight, SparseWeight: e.Config.HybridSparseWeight,
		}
		return e.Vector.HybridSearch(ctx, collection, dense, *sparseVec, hybridOpts)
	}
	return e.Vector.Search(ctx, collection, dense, opts)
}

// rerankActive reports whether reranking should be attempted.
func (e *Engine) rerankActive() bool {
	return e.Config.RerankEnabled && e.Reranker != nil
}

// rerank sends the fused candidates' content to the reranker and re-sorts
// by its score. A timeout or error degrades to the fused ordering.
func (e *Engine) rerank(ctx context.Context, query string, candidates []Chunk) (results []Chunk, degraded bool) {
	if len(candidates) == 0 {
		return candidates, false
	}
	limit := e.Config.RerankInitialK
	if limit <= 0 || limit > len(candidates) {
		limit = len(candidates)
	}
	head := candidates[:limit]
	tail := candidates[limit:]

	timeout := e.Config.RerankTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	docs := make([]string, len(head))
	for i, c := range head {
		docs[i] = c.Content
	}

	type out struct {
		scores []float64
		err    error
	}
	ch := make(chan out, 1)
	go func() {
		scores, err := e.Reranker.Rerank(rctx, query, docs)
		ch <- out{scores: scores, err: err}
	}()

	select {
	case <-rctx.Done():
		e.Logger.Warn("retrieve.rerank.degraded", "err", errors.NewDegradationError("rerank", "cross-encoder call timed out"))
		return candidates, true
	case o := <-ch:
		if o.err != nil || len(o.scores) != len(head) {
			e.Logger.Warn("retrieve.rerank.degraded", "err", errors.NewDegradationError("rerank", fmt.Sprint(o.err)))
			return candidates, true
		}
		for i := range head {
			head[i].Score = o.scores[i]
		}
		sort.SliceStable(head, func(i, j int) bool { return head[i].Score > head[j].Score })
		return append(head, tail...), false
	}
}

func fusedToChunks(fused []store.ScoredPoint) []Chunk {
	out := make([]Chunk, 0, len(fused))
	for _, sp := range fused {
		c := Chunk{ID: sp.ID, Score: sp.Score}
		if v, ok := sp.Payload["content"].(string); ok {
			c.Content = v
		}
		if v, ok := sp.Payload["relative_path"].(string); ok {
			c.RelativePath = v
		}
		if v, ok := sp.Payload["repo"].(string); ok {
			c.Repo = v
		}
		if v, ok := sp.Payload["lang"].(string); ok {
			c.Lang = v
		}
		if v, ok := sp.Payload["start_line"].(int64); ok {
			c.StartLine = int(v)
		}
		if v, ok := sp.Payload["end_line"].(int64); ok {
			c.EndLine = int(v)
		}
		out = append(out, c)
	}
	return out
}

func filterByPathPrefix(chunks []Chunk, prefix string) []Chunk {
	out := chunks[:0:0]
	for _, c := range chunks {
		if strings.HasPrefix(c.RelativePath, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func normalizeVector(v []float32) []float32 {
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

// familyHint reports the encoder family a path-like hint belongs to, used
// by callers that want to skip the code-encoder leg entirely (e.g. a CLI
// flag scoping a query to prose datasets only).
func familyHint(pathOrLang string) embed.Family {
	if chunk.IsCodePath(pathOrLang) {
		return embed.FamilyCode
	}
	return embed.FamilyText
}
