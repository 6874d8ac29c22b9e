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

import "testing"

func TestReciprocalRankFusion_AgreementBoostsRank(t *testing.T) {
	dense := []ScoredPoint{
		{Point: Point{ID: "a"}, Score: 0.9},
		{Point: Point{ID: "b"}, Score: 0.8},
		{Point: Point{ID: "c"}, Score: 0.7},
	}
	sparse := []ScoredPoint{
		{Point: Point{ID: "c"}, Score: 5.0},
		{Point: Point{ID: "a"}, Score: 4.0},
		{Point: Point{ID: "d"}, Score: 3.0},
	}

	fused := ReciprocalRankFusion(60, dense, sparse)
	if len(fused) != 4 {
		t.Fatalf("expected 4 unique points, got %d", len(fused))
	}
	// "a" is rank 0 and rank 1; "c" is rank 2 and rank 0. "a" should win.
	if fused[0].ID != "a" {
		t.Errorf("expected %q to rank first, got %q", "a", fused[0].ID)
	}
}

func TestReciprocalRankFusion_SingleListPreservesOrder(t *testing.T) {
	dense := []ScoredPoint{
		{Point: Point{ID: "x"}, Score: 0.99},
		{Point: Point{ID: "y"}, Score: 0.5},
	}
	fused := ReciprocalRankFusion(60, dense)
	if len(fused) != 2 || fused[0].ID != "x" || fused[1].ID != "y" {
		t.Fatalf("expected order preserved, got %+v", fused)
	}
}

func TestReciprocalRankFusion_EmptyListsYieldEmpty(t *testing.T) {
	fused := ReciprocalRankFusion(60)
	if len(fused) != 0 {
		t.Fatalf("expected no results, got %d", len(fused))
	}
}

func TestToQdrantFilter_BuildsConjunction(t *testing.T) {
	f := Filter{ProjectID: "p1", DatasetID: "d1"}
	got := toQdrantFilter(f)
	if got == nil || len(got.Must) != 2 {
		t.Fatalf("expected 2 must conditions, got %+v", got)
	}
}

func TestToQdrantFilter_EmptyReturnsNil(t *testing.T) {
	if got := toQdrantFilter(Filter{}); got != nil {
		t.Errorf("expected nil filter for empty constraints, got %+v", got)
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	in := map[string]any{
		"project_id": "p1",
		"start_line": int64(10),
		"score":      0.5,
		"ok":         true,
	}
	pbPayload := toQdrantPayload(in)
	out := fromQdrantPayload(pbPayload)
	if out["project_id"] != "p1" || out["start_line"] != int64(10) || out["score"] != 0.5 || out["ok"] != true {
		t.Fatalf("payload round trip mismatch: %+v", out)
	}
}
