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

package bootstrap

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kraklabs/kie/pkg/config"
	"github.com/kraklabs/kie/pkg/core"
)

// DefaultConfigPath returns ~/.context/config.yaml, the file `cie init`
// writes and every other command reads when --config is not given.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".context", "config.yaml")
}

// LoadConfig reads configPath (or the default location when empty) over the
// built-in defaults and environment overrides.
func LoadConfig(configPath string) (config.Config, error) {
	if configPath == "" {
		configPath = DefaultConfigPath()
	}
	return config.Load(configPath)
}

// NewLogger builds the process logger. Verbosity 0 logs warnings and up so
// interactive commands stay quiet; each -v step lowers the threshold.
func NewLogger(verbosity int, jsonOutput bool) *slog.Logger {
	level := slog.LevelWarn
	switch {
	case verbosity == 1:
		level = slog.LevelInfo
	case verbosity >= 2:
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if jsonOutput {
		// Keep stdout clean for the command's own JSON result.
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// OpenCore loads configuration and dials every backend the platform needs
// (SQLite metadata store, Qdrant vector store, encoder endpoints). The
// caller owns the returned Core and must Close it.
//
// This is the one place every CLI command goes through to get a working
// Core, so connection failures surface with the same guidance everywhere.
func OpenCore(configPath string, logger *slog.Logger) (*core.Core, config.Config, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, cfg, err
	}
	c, err := core.Open(cfg, logger)
	if err != nil {
		return nil, cfg, fmt.Errorf("open core (is qdrant running at %s?): %w", cfg.QdrantAddr, err)
	}
	return c, cfg, nil
}
