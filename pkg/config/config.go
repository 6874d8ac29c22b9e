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

// Package config loads the platform configuration from a YAML file with
// environment-variable overrides applied last by Load: plain os.Getenv
// calls, no env-binding framework.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Encoders holds the HTTP base URLs and model names for the external
// encoder/reranker/LLM services. The core never embeds a model; it
// only dials these endpoints.
type Encoders struct {
	TextBaseURL   string `yaml:"text_base_url"`
	TextModel     string `yaml:"text_model"`
	CodeBaseURL   string `yaml:"code_base_url"`
	CodeModel     string `yaml:"code_model"`
	SparseBaseURL string `yaml:"sparse_base_url"`
	RerankBaseURL string `yaml:"rerank_base_url"`
	DenseDim      int    `yaml:"dense_dim"`
}

// LLMConfig points at an OpenAI-compatible /v1/chat/completions endpoint.
type LLMConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// Config is the single parsed configuration object every component reads
// from.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	SQLite   string `yaml:"sqlite_path"`
	QdrantAddr string `yaml:"qdrant_addr"`

	Encoders Encoders `yaml:"encoders"`

	// LLM configures the optional answer-synthesis endpoint; an empty base URL leaves synthesis disabled.
	LLM LLMConfig `yaml:"llm"`

	EmbeddingConcurrency          int     `yaml:"embedding_concurrency"`
	EmbeddingBatchSizePerRequest  int     `yaml:"embedding_batch_size_per_request"`
	EnableHybridSearch            bool    `yaml:"enable_hybrid_search"`
	EnableReranking               bool    `yaml:"enable_reranking"`
	RerankInitialK                int     `yaml:"rerank_initial_k"`
	HybridDenseWeight             float64 `yaml:"hybrid_dense_weight"`
	HybridSparseWeight            float64 `yaml:"hybrid_sparse_weight"`
	CrawlBatchSize                int     `yaml:"crawl_batch_size"`
	CrawlMaxConcurrent             int    `yaml:"crawl_max_concurrent"`
	MemoryThresholdPercent        float64 `yaml:"memory_threshold_percent"`
	AutoScopeEnabled              bool    `yaml:"auto_scope_enabled"`
	EnableSymbolExtraction        bool    `yaml:"enable_symbol_extraction"`

	ServeAddr string `yaml:"serve_addr"`
}

// Default returns the built-in defaults.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DataDir:    filepath.Join(home, ".context"),
		SQLite:     filepath.Join(home, ".context", "metadata.db"),
		QdrantAddr: "localhost:6334",

		Encoders: Encoders{
			TextBaseURL: "http://localhost:11434",
			TextModel:   "nomic-embed-text",
			CodeBaseURL: "http://localhost:11434",
			CodeModel:   "nomic-embed-code",
			DenseDim:    768,
		},

		EmbeddingConcurrency:         16,
		EmbeddingBatchSizePerRequest: 32,
		EnableHybridSearch:           false,
		EnableReranking:              false,
		RerankInitialK:               150,
		HybridDenseWeight:            0.6,
		HybridSparseWeight:           0.4,
		CrawlBatchSize:               50,
		CrawlMaxConcurrent:           10,
		MemoryThresholdPercent:       80,
		AutoScopeEnabled:             true,
		EnableSymbolExtraction:       true,

		ServeAddr: ":8711",
	}
}

// Load reads path (a YAML file) over the defaults, then applies environment
// overrides. A missing path is not an error: the caller gets defaults plus
// env overrides: the config file is optional, env vars always apply.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KIE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("KIE_SQLITE_PATH"); v != "" {
		cfg.SQLite = v
	}
	if v := os.Getenv("KIE_QDRANT_ADDR"); v != "" {
		cfg.QdrantAddr = v
	}
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		cfg.Encoders.TextBaseURL = v
		cfg.Encoders.CodeBaseURL = v
	}
	if v := os.Getenv("OLLAMA_EMBED_MODEL"); v != "" {
		cfg.Encoders.TextModel = v
	}
	if v := os.Getenv("KIE_CODE_EMBED_MODEL"); v != "" {
		cfg.Encoders.CodeModel = v
	}
	if v := os.Getenv("KIE_SPARSE_BASE_URL"); v != "" {
		cfg.Encoders.SparseBaseURL = v
	}
	if v := os.Getenv("KIE_RERANK_BASE_URL"); v != "" {
		cfg.Encoders.RerankBaseURL = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("EMBEDDING_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EmbeddingConcurrency = n
		}
	}
	if v := os.Getenv("EMBEDDING_BATCH_SIZE_PER_REQUEST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EmbeddingBatchSizePerRequest = n
		}
	}
	if v := os.Getenv("ENABLE_HYBRID_SEARCH"); v != "" {
		cfg.EnableHybridSearch = v == "true" || v == "1"
	}
	if v := os.Getenv("ENABLE_RERANKING"); v != "" {
		cfg.EnableReranking = v == "true" || v == "1"
	}
	if v := os.Getenv("RERANK_INITIAL_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RerankInitialK = n
		}
	}
	if v := os.Getenv("HYBRID_DENSE_WEIGHT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.HybridDenseWeight = f
		}
	}
	if v := os.Getenv("HYBRID_SPARSE_WEIGHT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.HybridSparseWeight = f
		}
	}
	if v := os.Getenv("CRAWL_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CrawlBatchSize = n
		}
	}
	if v := os.Getenv("CRAWL_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CrawlMaxConcurrent = n
		}
	}
	if v := os.Getenv("MEMORY_THRESHOLD_PERCENT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.MemoryThresholdPercent = f
		}
	}
	if v := os.Getenv("AUTO_SCOPE_ENABLED"); v != "" {
		cfg.AutoScopeEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("ENABLE_SYMBOL_EXTRACTION"); v != "" {
		cfg.EnableSymbolExtraction = v == "true" || v == "1"
	}
	if v := os.Getenv("KIE_SERVE_ADDR"); v != "" {
		cfg.ServeAddr = v
	}
}

// AutoScopeOverride is one entry in ~/.context/auto-scope.json's overrides
// map.
type AutoScopeOverride struct {
	Project string `json:"project,omitempty"`
	Dataset string `json:"dataset,omitempty"`
}

// AutoScopeHistoryEntry is one element of ~/.context/auto-scope.json's
// history array. No cie command reads or appends to it.
type AutoScopeHistoryEntry struct {
	Source    string `json:"source"`
	ProjectID string `json:"project_id"`
	Dataset   string `json:"dataset"`
}

// AutoScopeConfig is the persisted shape of ~/.context/auto-scope.json.
type AutoScopeConfig struct {
	Enabled    bool                         `json:"enabled"`
	HashLength int                          `json:"hashLength"`
	AutoSave   bool                         `json:"autoSave"`
	Overrides  map[string]AutoScopeOverride `json:"overrides"`
	History    []AutoScopeHistoryEntry      `json:"history"`
}

// DefaultAutoScopeConfig returns the defaults for a fresh install.
func DefaultAutoScopeConfig() AutoScopeConfig {
	return AutoScopeConfig{
		Enabled:    true,
		HashLength: 8,
		AutoSave:   true,
		Overrides:  map[string]AutoScopeOverride{},
	}
}
