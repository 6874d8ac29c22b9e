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

package embed

import (
	"context"
	"math"
	"testing"

	"github.com/kraklabs/kie/pkg/model"
)

func TestClassifyFamilyBySymbol(t *testing.T) {
	c := model.Chunk{RelativePath: "readme.md", Symbol: &model.Symbol{Kind: model.SymbolFunction}}
	if ClassifyFamily(c) != FamilyCode {
		t.Fatalf("want code family for function symbol")
	}
}

func TestClassifyFamilyByPath(t *testing.T) {
	c := model.Chunk{RelativePath: "main.go"}
	if ClassifyFamily(c) != FamilyCode {
		t.Fatalf("want code family for .go path")
	}
	c2 := model.Chunk{RelativePath: "docs/guide.md"}
	if ClassifyFamily(c2) != FamilyText {
		t.Fatalf("want text family for .md path")
	}
}

func TestRouterEmbedNormalizesAndRoutes(t *testing.T) {
	router := NewRouter(
		NewMockDenseEncoder("code", 16),
		NewMockDenseEncoder("text", 16),
		nil,
		nil,
	)
	chunks := []model.Chunk{
		{ID: "c1", Content: "func main() {}", RelativePath: "main.go"},
		{ID: "c2", Content: "project overview text", RelativePath: "README.md"},
	}
	result, err := router.Embed(context.Background(), chunks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Points) != 2 {
		t.Fatalf("want 2 points, got %d", len(result.Points))
	}
	for _, p := range result.Points {
		var sumSq float64
		for _, x := range p.Dense {
			sumSq += float64(x) * float64(x)
		}
		norm := math.Sqrt(sumSq)
		if math.Abs(norm-1.0) > 1e-3 {
			t.Errorf("chunk %s: want unit norm, got %f", p.Chunk.ID, norm)
		}
	}
}

func TestRouterEmbedEmpty(t *testing.T) {
	router := NewRouter(NewMockDenseEncoder("code", 8), NewMockDenseEncoder("text", 8), nil, nil)
	result, err := router.Embed(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Points) != 0 {
		t.Fatalf("want no points for empty input")
	}
}

type failingDenseEncoder struct{ name string }

func (f *failingDenseEncoder) Name() string { return f.name }
func (f *failingDenseEncoder) Embed(_ context.Context, texts []string) ([][]float32, int, error) {
	return nil, 0, errAlwaysFails{}
}

type errAlwaysFails struct{}

func (errAlwaysFails) Error() string { return "encoder unavailable" }

func TestRouterEmbedFatalAboveThreshold(t *testing.T) {
	router := NewRouter(&failingDenseEncoder{name: "code"}, NewMockDenseEncoder("text", 8), nil, nil)
	chunks := []model.Chunk{
		{ID: "c1", Content: "a", RelativePath: "a.go"},
		{ID: "c2", Content: "b", RelativePath: "b.go"},
	}
	_, err := router.Embed(context.Background(), chunks)
	var fatal *FatalEmbeddingError
	if err == nil {
		t.Fatal("expected fatal embedding error")
	}
	if !isFatal(err, &fatal) {
		t.Fatalf("want *FatalEmbeddingError, got %T: %v", err, err)
	}
}

func isFatal(err error, target **FatalEmbeddingError) bool {
	fe, ok := err.(*FatalEmbeddingError)
	if !ok {
		return false
	}
	*target = fe
	return true
}
