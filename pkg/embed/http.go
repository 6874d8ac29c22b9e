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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kraklabs/kie/pkg/model"
)

// HTTPDenseEncoder calls an out-of-process embedding server over the
// wire contract: POST {BaseURL}/embed with {"texts": [...]},
// returning {"vectors": [[...]], "dim": N}.
type HTTPDenseEncoder struct {
	BaseURL string
	Model   string
	name    string
	client  *http.Client
}

// NewHTTPDenseEncoder builds an encoder bound to name ("code" or "text"),
// used as the dense vector field name in the bound collection.
func NewHTTPDenseEncoder(name, baseURL, model string) *HTTPDenseEncoder {
	return &HTTPDenseEncoder{
		BaseURL: baseURL,
		Model:   model,
		name:    name,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *HTTPDenseEncoder) Name() string { return e.name }

type denseEmbedRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model,omitempty"`
}

type denseEmbedResponse struct {
	Vectors [][]float32 `json:"vectors"`
	Dim     int         `json:"dim"`
}

func (e *HTTPDenseEncoder) Embed(ctx context.Context, texts []string) ([][]float32, int, error) {
	body, err := json.Marshal(denseEmbedRequest{Texts: texts, Model: e.Model})
	if err != nil {
		return nil, 0, fmt.Errorf("embed: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("embed: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("embed: request %s: %w", e.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, 0, fmt.Errorf("embed: %s returned %s: %s", e.name, resp.Status, snippet)
	}

	var out denseEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, 0, fmt.Errorf("embed: decode response: %w", err)
	}
	return out.Vectors, out.Dim, nil
}

// HTTPSparseEncoder calls an out-of-process sparse encoder implementing
// POST {BaseURL}/sparse/batch with {"texts": [...]}, returning
// {"sparse": [{"indices": [...], "values": [...]}]}.
type HTTPSparseEncoder struct {
	BaseURL string
	client  *http.Client
}

func NewHTTPSparseEncoder(baseURL string) *HTTPSparseEncoder {
	return &HTTPSparseEncoder{BaseURL: baseURL, client: &http.Client{Timeout: 30 * time.Second}}
}

type sparseEmbedRequest struct {
	Texts []string `json:"texts"`
}

type sparseTerm struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
}

type sparseEmbedResponse struct {
	Sparse []sparseTerm `json:"sparse"`
}

func (e *HTTPSparseEncoder) EmbedSparse(ctx context.Context, texts []string) ([]model.SparseVector, error) {
	body, err := json.Marshal(sparseEmbedRequest{Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("sparse: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+"/sparse/batch", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("sparse: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sparse: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("sparse: returned %s: %s", resp.Status, snippet)
	}

	var out sparseEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("sparse: decode response: %w", err)
	}

	vecs := make([]model.SparseVector, len(out.Sparse))
	for i, t := range out.Sparse {
		vecs[i] = model.SparseVector{Indices: t.Indices, Values: t.Values}
	}
	return vecs, nil
}

// MockDenseEncoder produces deterministic, content-hash-derived vectors for
// tests and offline development, routed through the Family-aware Router
// like any real encoder.
type MockDenseEncoder struct {
	name string
	dim  int
}

func NewMockDenseEncoder(name string, dim int) *MockDenseEncoder {
	if dim <= 0 {
		dim = 384
	}
	return &MockDenseEncoder{name: name, dim: dim}
}

func (m *MockDenseEncoder) Name() string { return m.name }

func (m *MockDenseEncoder) Embed(_ context.Context, texts []string) ([][]float32, int, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = deterministicVector(t, m.dim)
	}
	return out, m.dim, nil
}

func deterministicVector(text string, dim int) []float32 {
	v := make([]float32, dim)
	var h uint32 = 2166136261
	for i := 0; i < len(text); i++ {
		h ^= uint32(text[i])
		h *= 16777619
	}
	for i := range v {
		h ^= uint32(i) * 2654435761
		h *= 16777619
		v[i] = float32(h%2000)/1000 - 1
	}
	return v
}
