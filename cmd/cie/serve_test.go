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

package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/kie/pkg/bus"
	"github.com/kraklabs/kie/pkg/core"
)

// testHandler builds the API handler around a Core with no live stores.
// Only routes that reject before touching storage are exercised here; the
// storage-backed paths are covered by the pkg-level tests.
func testHandler() http.Handler {
	c := &core.Core{
		Bus:  bus.New(nil),
		Prom: prometheus.NewRegistry(),
	}
	return newAPIHandler(c)
}

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServeHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	testHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestServeMetricsEndpoint(t *testing.T) {
	rec := httptest.NewRecorder()
	testHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServeQueryRejectsEmptyQuery(t *testing.T) {
	rec := postJSON(t, testHandler(), "/api/query", `{"query": "", "project": "p1"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "input.invalid", body["code"])
}

func TestServeQueryRejectsMissingProject(t *testing.T) {
	rec := postJSON(t, testHandler(), "/api/query", `{"query": "refresh tokens"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeQueryRejectsMalformedBody(t *testing.T) {
	rec := postJSON(t, testHandler(), "/api/query", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeCrawlRejectsBadSeedURL(t *testing.T) {
	rec := postJSON(t, testHandler(), "/api/ingest/crawl", `{"seed_url": "file:///etc/passwd", "project": "p1"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "input.invalid", body["code"])
}

func TestServeScopeRequiresParams(t *testing.T) {
	rec := httptest.NewRecorder()
	testHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/scope", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeUnknownRouteIs404(t *testing.T) {
	rec := httptest.NewRecorder()
	testHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
