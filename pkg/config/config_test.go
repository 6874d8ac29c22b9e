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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 16, cfg.EmbeddingConcurrency)
	assert.Equal(t, 32, cfg.EmbeddingBatchSizePerRequest)
	assert.False(t, cfg.EnableHybridSearch)
	assert.False(t, cfg.EnableReranking)
	assert.Equal(t, 150, cfg.RerankInitialK)
	assert.Equal(t, 0.6, cfg.HybridDenseWeight)
	assert.Equal(t, 0.4, cfg.HybridSparseWeight)
	assert.Equal(t, 50, cfg.CrawlBatchSize)
	assert.Equal(t, 10, cfg.CrawlMaxConcurrent)
	assert.Equal(t, 80.0, cfg.MemoryThresholdPercent)
	assert.True(t, cfg.AutoScopeEnabled)
	assert.True(t, cfg.EnableSymbolExtraction)
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().EmbeddingConcurrency, cfg.EmbeddingConcurrency)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
qdrant_addr: "qdrant.internal:6334"
enable_hybrid_search: true
crawl_batch_size: 25
encoders:
  dense_dim: 1024
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "qdrant.internal:6334", cfg.QdrantAddr)
	assert.True(t, cfg.EnableHybridSearch)
	assert.Equal(t, 25, cfg.CrawlBatchSize)
	assert.Equal(t, 1024, cfg.Encoders.DenseDim)
	// Untouched keys keep their defaults.
	assert.Equal(t, 150, cfg.RerankInitialK)
}

func TestLoadMalformedYAMLFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("qdrant_addr: [not: closed"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("crawl_max_concurrent: 5\n"), 0o644))

	t.Setenv("CRAWL_MAX_CONCURRENT", "3")
	t.Setenv("ENABLE_RERANKING", "true")
	t.Setenv("HYBRID_SPARSE_WEIGHT", "0.25")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.CrawlMaxConcurrent)
	assert.True(t, cfg.EnableReranking)
	assert.Equal(t, 0.25, cfg.HybridSparseWeight)
}

func TestEnvOverridesIgnoreUnparsableNumbers(t *testing.T) {
	t.Setenv("EMBEDDING_CONCURRENCY", "many")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().EmbeddingConcurrency, cfg.EmbeddingConcurrency)
}

func TestDefaultAutoScopeConfig(t *testing.T) {
	asc := DefaultAutoScopeConfig()
	assert.True(t, asc.Enabled)
	assert.Equal(t, 8, asc.HashLength)
	assert.True(t, asc.AutoSave)
	assert.NotNil(t, asc.Overrides)
}
