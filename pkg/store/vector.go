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

	"github.com/kraklabs/kie/pkg/model"
)

// Filter is a conjunction of exact-match payload constraints. An empty
// value for a field means "don't filter on this field".
type Filter struct {
	ProjectID    string
	DatasetID    string
	RelativePath string
	Repo         string
	Lang         string
	Extra        map[string]string
}

// Point is one vector-store record: a dense vector, an optional sparse
// vector, and the payload used for filtering and citation.
type Point struct {
	ID           string
	DenseVector  []float32
	SparseVector *model.SparseVector
	Payload      map[string]any
}

// ScoredPoint is a Point returned from a query, with its rank score.
type ScoredPoint struct {
	Point
	Score float64
}

// FusionMethod selects how dense and sparse result lists are combined.
type FusionMethod string

const (
	// FusionRRF is Reciprocal Rank Fusion with the constant k = 60.
	FusionRRF FusionMethod = "rrf"
)

// SearchOpts bounds and filters a single-vector search.
type SearchOpts struct {
	Filter Filter
	TopK   int
}

// HybridSearchOpts bounds, filters, and fuses a dense+sparse search.
type HybridSearchOpts struct {
	Filter       Filter
	TopK         int
	Fusion       FusionMethod
	DenseWeight  float64 // scales the dense list's RRF contribution; QdrantStore uses 0.6/0.4 when both weights are 0
	SparseWeight float64
}

// VectorStore is the per-collection ANN index. Every collection pins one
// dense dimensionality and optionally a sparse vector field at creation.
type VectorStore interface {
	// CreateCollection is idempotent: a call for an existing collection
	// with a matching denseDim succeeds without altering the collection.
	CreateCollection(ctx context.Context, name string, denseDim int, sparse bool) error
	DeleteCollection(ctx context.Context, name string) error
	ListCollections(ctx context.Context) ([]string, error)

	Upsert(ctx context.Context, collection string, points []Point) error
	// Delete removes points by id; used to retract stale chunks before
	// writing the replacement snapshot.
	Delete(ctx context.Context, collection string, ids []string) error

	Search(ctx context.Context, collection string, dense []float32, opts SearchOpts) ([]ScoredPoint, error)
	HybridSearch(ctx context.Context, collection string, dense []float32, sparse model.SparseVector, opts HybridSearchOpts) ([]ScoredPoint, error)

	// Count reports how many points in collection match filter; cheaper
	// than ListPointIDs when only the cardinality matters.
	Count(ctx context.Context, collection string, filter Filter) (int, error)

	// ListPointIDs enumerates the canonical chunk id of every point in
	// collection matching filter, used by the reconciliation sweeper to
	// compute the symmetric difference against the metadata store.
	ListPointIDs(ctx context.Context, collection string, filter Filter) ([]string, error)
}

// ReciprocalRankFusion merges one or more ranked result lists into a single
// ranking using Reciprocal Rank Fusion with constant k. Each input list is
// assumed sorted best-first. Ties are broken by the order lists are passed.
func ReciprocalRankFusion(k int, lists ...[]ScoredPoint) []ScoredPoint {
	weighted := make([]WeightedList, len(lists))
	for i, l := range lists {
		weighted[i] = WeightedList{List: l, Weight: 1.0}
	}
	return WeightedReciprocalRankFusion(k, weighted...)
}

// WeightedList pairs a ranked result list with the weight its contributions
// carry into a fused score: score(r) = sum over lists of w/(k+pos(r)).
type WeightedList struct {
	List   []ScoredPoint
	Weight float64
}

// WeightedReciprocalRankFusion is ReciprocalRankFusion with a per-list
// weight, used both for cross-collection fan-out fusion (weight per
// collection, default 1.0) and for dense/sparse intra-collection fusion
// (HYBRID_DENSE_WEIGHT/HYBRID_SPARSE_WEIGHT, defaults 0.6/0.4). Ties are
// broken by the order lists are passed, matching "earlier collection in
// the sorted-by-name order".
func WeightedReciprocalRankFusion(k int, lists ...WeightedList) []ScoredPoint {
	type acc struct {
		point Point
		score float64
	}
	byID := make(map[string]*acc)
	var order []string
	for _, wl := range lists {
		weight := wl.Weight
		if weight == 0 {
			weight = 1.0
		}
		for rank, sp := range wl.List {
			contribution := weight / float64(k+rank+1)
			if existing, ok := byID[sp.ID]; ok {
				existing.score += contribution
				continue
			}
			byID[sp.ID] = &acc{point: sp.Point, score: contribution}
			order = append(order, sp.ID)
		}
	}
	out := make([]ScoredPoint, 0, len(order))
	for _, id := range order {
		a := byID[id]
		out = append(out, ScoredPoint{Point: a.point, Score: a.score})
	}
	sortScoredPointsDesc(out)
	return out
}

func sortScoredPointsDesc(points []ScoredPoint) {
	for i := 1; i < len(points); i++ {
		for j := i; j > 0 && points[j].Score > points[j-1].Score; j-- {
			points[j], points[j-1] = points[j-1], points[j]
		}
	}
}
