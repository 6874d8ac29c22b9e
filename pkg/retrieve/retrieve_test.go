// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package retrieve

import (
	"context"
	"testing"
	"time"

	"github.com/kraklabs/kie/pkg/embed"
	"github.com/kraklabs/kie/pkg/model"
	"github.com/kraklabs/kie/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMetadataStore supplies only the methods Query touches.
type fakeMetadataStore struct {
	store.MetadataStore
	collections map[string][]model.DatasetCollection // projectID -> bound collections
	shares      map[string][]model.DatasetCollection
}

func (f *fakeMetadataStore) ListCollectionsForProject(ctx context.Context, projectID, datasetFilter string) ([]model.DatasetCollection, error) {
	return f.collections[projectID], nil
}

func (f *fakeMetadataStore) ListShares(ctx context.Context, toProjectID string) ([]model.DatasetCollection, error) {
	return f.shares[toProjectID], nil
}

// fakeVectorStore returns a fixed, pre-seeded result list per collection.
type fakeVectorStore struct {
	store.VectorStore
	byCollection map[string][]store.ScoredPoint
	searchErr    map[string]error
}

func (f *fakeVectorStore) Search(ctx context.Context, collection string, dense []float32, opts store.SearchOpts) ([]store.ScoredPoint, error) {
	if err := f.searchErr[collection]; err != nil {
		return nil, err
	}
	return f.byCollection[collection], nil
}

func (f *fakeVectorStore) HybridSearch(ctx context.Context, collection string, dense []float32, sparse model.SparseVector, opts store.HybridSearchOpts) ([]store.ScoredPoint, error) {
	return f.Search(ctx, collection, dense, store.SearchOpts{Filter: opts.Filter, TopK: opts.TopK})
}

func point(id, content, path string, score float64) store.ScoredPoint {
	return store.ScoredPoint{
		Point: store.Point{ID: id, Payload: map[string]any{
			"content": content, "relative_path": path, "lang": "go", "start_line": int64(1), "end_line": int64(5),
		}},
		Score: score,
	}
}

func TestQueryFusesAcrossCollections(t *testing.T) {
	meta := &fakeMetadataStore{collections: map[string][]model.DatasetCollection{
		"proj1": {
			{DatasetID: "ds1", CollectionName: "project_proj1_dataset_a"},
			{DatasetID: "ds2", CollectionName: "project_proj1_dataset_b"},
		},
	}}
	vec := &fakeVectorStore{byCollection: map[string][]store.ScoredPoint{
		"project_proj1_dataset_a": {point("c1", "alpha content", "a.go", 0.9), point("c2", "beta content", "b.go", 0.5)},
		"project_proj1_dataset_b": {point("c2", "beta content", "b.go", 0.95), point("c3", "gamma content", "c.go", 0.4)},
	}}

	e := NewEngine(meta, vec, embed.NewMockDenseEncoder("text", 8), nil, nil, nil, nil)
	resp, err := e.Query(context.Background(), Request{Query: "alpha", ProjectID: "proj1", TopK: 10})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.False(t, resp.Partial)

	// c2 appears in both collections' lists and should rank first after fusion.
	assert.Equal(t, "c2", resp.Results[0].ID)
}

func TestQueryNoBoundCollectionsReturnsEmpty(t *testing.T) {
	meta := &fakeMetadataStore{collections: map[string][]model.DatasetCollection{}}
	vec := &fakeVectorStore{byCollection: map[string][]store.ScoredPoint{}}
	e := NewEngine(meta, vec, embed.NewMockDenseEncoder("text", 8), nil, nil, nil, nil)

	resp, err := e.Query(context.Background(), Request{Query: "anything", ProjectID: "proj-empty"})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}

func TestQueryIncludeGlobalMergesSharedCollections(t *testing.T) {
	meta := &fakeMetadataStore{
		collections: map[string][]model.DatasetCollection{
			"proj1": {{DatasetID: "ds1", CollectionName: "project_proj1_dataset_a"}},
		},
		shares: map[string][]model.DatasetCollection{
			"proj1": {{DatasetID: "ds-shared", CollectionName: "shared_collection"}},
		},
	}
	vec := &fakeVectorStore{byCollection: map[string][]store.ScoredPoint{
		"project_proj1_dataset_a": {point("c1", "alpha", "a.go", 0.9)},
		"shared_collection":       {point("c9", "shared content", "s.go", 0.99)},
	}}
	e := NewEngine(meta, vec, embed.NewMockDenseEncoder("text", 8), nil, nil, nil, nil)

	resp, err := e.Query(context.Background(), Request{Query: "q", ProjectID: "proj1", IncludeGlobal: true})
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, r := range resp.Results {
		ids[r.ID] = true
	}
	assert.True(t, ids["c9"], "expected shared collection's result to be included")
}

func TestQueryCollectionFailureMarksPartial(t *testing.T) {
	meta := &fakeMetadataStore{collections: map[string][]model.DatasetCollection{
		"proj1": {
			{DatasetID: "ds1", CollectionName: "good"},
			{DatasetID: "ds2", CollectionName: "bad"},
		},
	}}
	vec := &fakeVectorStore{
		byCollection: map[string][]store.ScoredPoint{"good": {point("c1", "alpha", "a.go", 0.9)}},
		searchErr:    map[string]error{"bad": assertErr("boom")},
	}
	e := NewEngine(meta, vec, embed.NewMockDenseEncoder("text", 8), nil, nil, nil, nil)

	resp, err := e.Query(context.Background(), Request{Query: "q", ProjectID: "proj1"})
	require.NoError(t, err)
	assert.True(t, resp.Partial)
	assert.Contains(t, resp.Degradations, "collection.bad.failed")
	assert.Len(t, resp.Results, 1)
}

func TestQueryThresholdFiltersLowScores(t *testing.T) {
	// Final scores are RRF contributions (rank-based, k=60 default), not raw
	// similarity, so the threshold here targets that scale: rank 0 in a
	// single-list fan-out contributes 1/61, rank 1 contributes 1/62.
	meta := &fakeMetadataStore{collections: map[string][]model.DatasetCollection{
		"proj1": {{DatasetID: "ds1", CollectionName: "only"}},
	}}
	vec := &fakeVectorStore{byCollection: map[string][]store.ScoredPoint{
		"only": {point("c1", "alpha", "a.go", 0.9), point("c2", "beta", "b.go", 0.1)},
	}}
	e := NewEngine(meta, vec, embed.NewMockDenseEncoder("text", 8), nil, nil, nil, nil)

	threshold := 1.0/61.0 - 1e-6
	resp, err := e.Query(context.Background(), Request{Query: "q", ProjectID: "proj1", Threshold: threshold})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "c1", resp.Results[0].ID)
}

func TestQueryPathPrefixFilters(t *testing.T) {
	meta := &fakeMetadataStore{collections: map[string][]model.DatasetCollection{
		"proj1": {{DatasetID: "ds1", CollectionName: "only"}},
	}}
	vec := &fakeVectorStore{byCollection: map[string][]store.ScoredPoint{
		"only": {point("c1", "alpha", "pkg/foo/a.go", 0.9), point("c2", "beta", "pkg/bar/b.go", 0.8)},
	}}
	e := NewEngine(meta, vec, embed.NewMockDenseEncoder("text", 8), nil, nil, nil, nil)

	resp, err := e.Query(context.Background(), Request{Query: "q", ProjectID: "proj1", PathPrefix: "pkg/foo"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "c1", resp.Results[0].ID)
}

// fakeReranker reverses the fused order to make the rerank step observable.
type fakeReranker struct {
	delay time.Duration
}

func (r *fakeReranker) Rerank(ctx context.Context, query string, documents []string) ([]float64, error) {
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	scores := make([]float64, len(documents))
	for i := range documents {
		scores[i] = float64(i + 1) // later documents score higher, reversing fused order
	}
	return scores, nil
}

func TestQueryRerankReordersResults(t *testing.T) {
	meta := &fakeMetadataStore{collections: map[string][]model.DatasetCollection{
		"proj1": {{DatasetID: "ds1", CollectionName: "only"}},
	}}
	vec := &fakeVectorStore{byCollection: map[string][]store.ScoredPoint{
		"only": {point("c1", "alpha", "a.go", 0.9), point("c2", "beta", "b.go", 0.8)},
	}}
	e := NewEngine(meta, vec, embed.NewMockDenseEncoder("text", 8), nil, nil, &fakeReranker{}, nil)
	e.Config.RerankEnabled = true

	resp, err := e.Query(context.Background(), Request{Query: "q", ProjectID: "proj1"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	// fakeReranker reverses order, so the originally-second result now leads.
	assert.Equal(t, "c2", resp.Results[0].ID)
}

func TestQueryRerankTimeoutDegradesGracefully(t *testing.T) {
	meta := &fakeMetadataStore{collections: map[string][]model.DatasetCollection{
		"proj1": {{DatasetID: "ds1", CollectionName: "only"}},
	}}
	vec := &fakeVectorStore{byCollection: map[string][]store.ScoredPoint{
		"only": {point("c1", "alpha", "a.go", 0.9)},
	}}
	e := NewEngine(meta, vec, embed.NewMockDenseEncoder("text", 8), nil, nil, &fakeReranker{delay: 100 * time.Millisecond}, nil)
	e.Config.RerankEnabled = true
	e.Config.RerankTimeout = 10 * time.Millisecond

	resp, err := e.Query(context.Background(), Request{Query: "q", ProjectID: "proj1"})
	require.NoError(t, err)
	assert.True(t, resp.Partial)
	assert.Contains(t, resp.Degradations, "rerank.timeout")
	assert.Len(t, resp.Results, 1)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
