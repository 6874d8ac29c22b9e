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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/kie/pkg/chunk"
	"github.com/kraklabs/kie/pkg/crawl"
	"github.com/kraklabs/kie/pkg/embed"
)

func newTestCrawlSink(t *testing.T) (*CrawlSink, *fakeMetadataStore, *fakeVectorStore) {
	t.Helper()
	meta := newFakeMetadataStore()
	vec := newFakeVectorStore()
	router := embed.NewRouter(embed.NewMockDenseEncoder("code", 8), embed.NewMockDenseEncoder("text", 8), nil, nil)
	sink, err := NewCrawlSink(context.Background(), meta, vec, chunk.New(), router, nil,
		"p1", "ds1", "project_p1_dataset_crawl", 8)
	require.NoError(t, err)
	return sink, meta, vec
}

func testPage(url, content, hash string) crawl.Page {
	return crawl.Page{URL: url, Content: content, ContentHash: hash, FetchedAt: time.Now(), StatusCode: 200}
}

func TestCrawlSinkSkipsUnchangedPage(t *testing.T) {
	sink, _, _ := newTestCrawlSink(t)
	page := testPage("https://docs.example.test/guide", "Token rotation is covered here in some detail for operators.", "h1")

	skip, err := sink.IndexPage(context.Background(), page, 0)
	require.NoError(t, err)
	assert.False(t, skip)
	written, _ := sink.Stats()
	assert.Greater(t, written, 0)

	// Same content hash on the re-crawl: no new chunks, only a refreshed
	// last_indexed_at.
	skip, err = sink.IndexPage(context.Background(), page, 0)
	require.NoError(t, err)
	assert.True(t, skip)
	writtenAfter, _ := sink.Stats()
	assert.Equal(t, written, writtenAfter)
}

func TestCrawlSinkForceBypassesProvenanceSkip(t *testing.T) {
	sink, meta, _ := newTestCrawlSink(t)
	page := testPage("https://docs.example.test/guide", "Token rotation is covered here in some detail for operators.", "h1")

	_, err := sink.IndexPage(context.Background(), page, 0)
	require.NoError(t, err)
	v1 := meta.provenance[page.URL].Version

	sink.Force = true
	skip, err := sink.IndexPage(context.Background(), page, 0)
	require.NoError(t, err)
	assert.False(t, skip, "force must re-chunk even with an unchanged content hash")
	assert.Greater(t, meta.provenance[page.URL].Version, v1)
}
