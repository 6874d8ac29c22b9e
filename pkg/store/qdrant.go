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
	"fmt"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/kraklabs/kie/pkg/model"
)

// pointIDNamespace seeds the v5 UUIDs Qdrant point ids are derived from.
// Qdrant only accepts numeric or UUID point ids, so the canonical base32
// chunk id is mapped through uuid.NewSHA1 on the way in; the canonical id
// itself travels in the payload (chunkIDPayloadKey) and is restored on the
// way out, so nothing outside this file ever sees the UUID form.
var pointIDNamespace = uuid.MustParse("8f14e45f-ceea-467e-bd6b-9a1c2931c7b3")

// chunkIDPayloadKey carries the canonical chunk id in each point's payload.
const chunkIDPayloadKey = "chunk_id"

func derivePointUUID(chunkID string) string {
	return uuid.NewSHA1(pointIDNamespace, []byte(chunkID)).String()
}

// denseVectorName and sparseVectorName are the named-vector keys every
// collection uses, so upsert and search never need to special-case the
// unnamed default vector.
const (
	denseVectorName  = "dense"
	sparseVectorName = "sparse"
)

// QdrantStore is the VectorStore implementation. It talks to Qdrant's raw
// gRPC services directly rather than through a higher-level SDK, matching
// how the rest of the ecosystem's Qdrant clients are built.
type QdrantStore struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
}

// DialQdrant connects to a Qdrant instance at addr (host:port gRPC).
func DialQdrant(addr string) (*QdrantStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial qdrant %s: %w", addr, err)
	}
	return &QdrantStore{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
	}, nil
}

func (q *QdrantStore) Close() error { return q.conn.Close() }

func (q *QdrantStore) CreateCollection(ctx context.Context, name string, denseDim int, sparse bool) error {
	list, err := q.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == name {
			return nil
		}
	}

	req := &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_ParamsMap{
				ParamsMap: &pb.VectorParamsMap{
					Map: map[string]*pb.VectorParams{
						denseVectorName: {
							Size:     uint64(denseDim),
							Distance: pb.Distance_Cosine,
						},
					},
				},
			},
		},
	}
	if sparse {
		req.SparseVectorsConfig = &pb.SparseVectorConfig{
			Map: map[string]*pb.SparseVectorParams{
				sparseVectorName: {},
			},
		}
	}

	if _, err := q.collections.Create(ctx, req); err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	return nil
}

func (q *QdrantStore) DeleteCollection(ctx context.Context, name string) error {
	_, err := q.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: name})
	if err != nil {
		return fmt.Errorf("delete collection %s: %w", name, err)
	}
	return nil
}

func (q *QdrantStore) ListCollections(ctx context.Context) ([]string, error) {
	resp, err := q.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	names := make([]string, 0, len(resp.GetCollections()))
	for _, c := range resp.GetCollections() {
		names = append(names, c.GetName())
	}
	return names, nil
}

func (q *QdrantStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	pbPoints := make([]*pb.PointStruct, len(points))
	for i, p := range points {
		vectors := map[string]*pb.Vector{
			denseVectorName: {Data: p.DenseVector},
		}
		if p.SparseVector != nil {
			vectors[sparseVectorName] = &pb.Vector{
				Data:    p.SparseVector.Values,
				Indices: &pb.SparseIndices{Data: p.SparseVector.Indices},
			}
		}
		payload := make(map[string]any, len(p.Payload)+1)
		for k, v := range p.Payload {
			payload[k] = v
		}
		payload[chunkIDPayloadKey] = p.ID
		pbPoints[i] = &pb.PointStruct{
			Id:      pointID(derivePointUUID(p.ID)),
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vectors{Vectors: &pb.NamedVectors{Vectors: vectors}}},
			Payload: toQdrantPayload(payload),
		}
	}

	wait := true
	_, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: collection,
		Wait:           &wait,
		Points:         pbPoints,
	})
	if err != nil {
		return fmt.Errorf("upsert %d points into %s: %w", len(points), collection, err)
	}
	return nil
}

func (q *QdrantStore) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pbIDs := make([]*pb.PointId, len(ids))
	for i, id := range ids {
		pbIDs[i] = pointID(derivePointUUID(id))
	}
	wait := true
	_, err := q.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{Points: &pb.PointsIdsList{Ids: pbIDs}},
		},
	})
	if err != nil {
		return fmt.Errorf("delete %d points from %s: %w", len(ids), collection, err)
	}
	return nil
}

func (q *QdrantStore) Search(ctx context.Context, collection string, dense []float32, opts SearchOpts) ([]ScoredPoint, error) {
	req := &pb.SearchPoints{
		CollectionName: collection,
		Vector:         dense,
		VectorName:     strPtr(denseVectorName),
		Limit:          uint64(searchLimit(opts.TopK)),
		WithPayload:    enablePayload(),
		Filter:         toQdrantFilter(opts.Filter),
	}
	resp, err := q.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}
	return fromScoredPoints(resp.GetResult()), nil
}

// HybridSearch runs the dense and sparse queries independently against the
// same collection and fuses the two ranked lists client-side with RRF. This
// keeps the fusion policy (weights, k) in Go rather than relying on a
// server-side query-planner feature that may not be present in every
// deployed Qdrant version.
func (q *QdrantStore) HybridSearch(ctx context.Context, collection string, dense []float32, sparse model.SparseVector, opts HybridSearchOpts) ([]ScoredPoint, error) {
	topK := searchLimit(opts.TopK)
	filter := toQdrantFilter(opts.Filter)

	denseResp, err := q.points.Search(ctx, &pb.SearchPoints{
		CollectionName: collection,
		Vector:         dense,
		VectorName:     strPtr(denseVectorName),
		Limit:          uint64(topK),
		WithPayload:    enablePayload(),
		Filter:         filter,
	})
	if err != nil {
		return nil, fmt.Errorf("hybrid search dense leg on %s: %w", collection, err)
	}
	denseList := fromScoredPoints(denseResp.GetResult())

	if len(sparse.Indices) == 0 {
		return denseList, nil
	}

	sparseResp, err := q.points.Search(ctx, &pb.SearchPoints{
		CollectionName: collection,
		SparseIndices:  &pb.SparseIndices{Data: sparse.Indices},
		Vector:         sparse.Values,
		VectorName:     strPtr(sparseVectorName),
		Limit:          uint64(topK),
		WithPayload:    enablePayload(),
		Filter:         filter,
	})
	if err != nil {
		// Sparse leg failing degrades to dense-only rather than failing the query.
		return denseList, nil
	}
	sparseList := fromScoredPoints(sparseResp.GetResult())

	const rrfK = 60
	denseWeight, sparseWeight := opts.DenseWeight, opts.SparseWeight
	if denseWeight == 0 && sparseWeight == 0 {
		denseWeight, sparseWeight = 0.6, 0.4
	}
	return WeightedReciprocalRankFusion(rrfK,
		WeightedList{List: denseList, Weight: denseWeight},
		WeightedList{List: sparseList, Weight: sparseWeight},
	), nil
}

// Count reports the number of points in collection matching filter. It is
// cheaper than ListPointIDs when only the cardinality matters, e.g. for
// stats surfaces.
func (q *QdrantStore) Count(ctx context.Context, collection string, filter Filter) (int, error) {
	exact := true
	resp, err := q.points.Count(ctx, &pb.CountPoints{
		CollectionName: collection,
		Filter:         toQdrantFilter(filter),
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}
	return int(resp.GetResult().GetCount()), nil
}

// ListPointIDs scrolls collection and returns the canonical chunk id of
// every point matching filter, paging until the store reports no further
// offset. The reconciliation sweeper uses this to compute the true
// symmetric difference against the metadata store's chunk ids.
func (q *QdrantStore) ListPointIDs(ctx context.Context, collection string, filter Filter) ([]string, error) {
	var ids []string
	limit := uint32(1000)
	var offset *pb.PointId

	for {
		resp, err := q.points.Scroll(ctx, &pb.ScrollPoints{
			CollectionName: collection,
			Filter:         toQdrantFilter(filter),
			Limit:          &limit,
			Offset:         offset,
			WithPayload:    enablePayload(),
		})
		if err != nil {
			return nil, fmt.Errorf("scroll %s: %w", collection, err)
		}
		for _, r := range resp.GetResult() {
			payload := fromQdrantPayload(r.GetPayload())
			if id, _ := payload[chunkIDPayloadKey].(string); id != "" {
				ids = append(ids, id)
			} else {
				ids = append(ids, r.GetId().GetUuid())
			}
		}
		offset = resp.GetNextPageOffset()
		if offset == nil || len(resp.GetResult()) == 0 {
			return ids, nil
		}
	}
}

func searchLimit(topK int) int {
	if topK <= 0 {
		return 10
	}
	return topK
}

func enablePayload() *pb.WithPayloadSelector {
	return &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}}
}

func strPtr(s string) *string { return &s }

func pointID(id string) *pb.PointId {
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}}
}

func fieldMatchKeyword(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}},
			},
		},
	}
}

func toQdrantFilter(f Filter) *pb.Filter {
	var must []*pb.Condition
	if f.ProjectID != "" {
		must = append(must, fieldMatchKeyword("project_id", f.ProjectID))
	}
	if f.DatasetID != "" {
		must = append(must, fieldMatchKeyword("dataset_id", f.DatasetID))
	}
	if f.RelativePath != "" {
		must = append(must, fieldMatchKeyword("relative_path", f.RelativePath))
	}
	if f.Repo != "" {
		must = append(must, fieldMatchKeyword("repo", f.Repo))
	}
	if f.Lang != "" {
		must = append(must, fieldMatchKeyword("lang", f.Lang))
	}
	for k, v := range f.Extra {
		must = append(must, fieldMatchKeyword(k, v))
	}
	if len(must) == 0 {
		return nil
	}
	return &pb.Filter{Must: must}
}

func toQdrantPayload(payload map[string]any) map[string]*pb.Value {
	out := make(map[string]*pb.Value, len(payload))
	for k, v := range payload {
		switch tv := v.(type) {
		case string:
			out[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
		case int:
			out[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
		case int64:
			out[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}
		case float64:
			out[k] = &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}
		case bool:
			out[k] = &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
		default:
			out[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
		}
	}
	return out
}

func fromQdrantPayload(payload map[string]*pb.Value) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		switch kind := v.Kind.(type) {
		case *pb.Value_StringValue:
			out[k] = kind.StringValue
		case *pb.Value_IntegerValue:
			out[k] = kind.IntegerValue
		case *pb.Value_DoubleValue:
			out[k] = kind.DoubleValue
		case *pb.Value_BoolValue:
			out[k] = kind.BoolValue
		}
	}
	return out
}

func fromScoredPoints(results []*pb.ScoredPoint) []ScoredPoint {
	out := make([]ScoredPoint, 0, len(results))
	for _, r := range results {
		payload := fromQdrantPayload(r.GetPayload())
		id, _ := payload[chunkIDPayloadKey].(string)
		if id == "" {
			id = r.GetId().GetUuid()
		}
		out = append(out, ScoredPoint{
			Point: Point{
				ID:      id,
				Payload: payload,
			},
			Score: float64(r.GetScore()),
		})
	}
	return out
}

var _ VectorStore = (*QdrantStore)(nil)
