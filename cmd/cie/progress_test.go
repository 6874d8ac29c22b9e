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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewProgressConfigDisabledByJSON(t *testing.T) {
	cfg := NewProgressConfig(GlobalFlags{JSON: true})
	assert.False(t, cfg.Enabled)
}

func TestNewProgressConfigDisabledByQuiet(t *testing.T) {
	cfg := NewProgressConfig(GlobalFlags{Quiet: true})
	assert.False(t, cfg.Enabled)
}

func TestProgressBarNilWhenDisabled(t *testing.T) {
	bar := NewJobProgressBar(ProgressConfig{Enabled: false}, "test")
	assert.Nil(t, bar)

	// Updates against a disabled bar must be no-ops, not panics.
	SetJobProgress(bar, "embedding", 0.5)
}

func TestPhaseDescription(t *testing.T) {
	assert.Equal(t, "Scanning files", phaseDescription("discovery"))
	assert.Equal(t, "Generating embeddings", phaseDescription("embedding"))
	assert.Equal(t, "Writing to stores", phaseDescription("storing"))
	assert.Equal(t, "Crawling", phaseDescription("crawl"))
	// Unknown phases pass through so new phases degrade readably.
	assert.Equal(t, "rebalancing", phaseDescription("rebalancing"))
}

func TestGuessSourceType(t *testing.T) {
	assert.Equal(t, "local_path", guessSourceType("."))
	assert.Equal(t, "local_path", guessSourceType("/srv/code/api"))
	assert.Equal(t, "git_url", guessSourceType("https://github.com/acme/api"))
	assert.Equal(t, "git_url", guessSourceType("https://example.com/repo.git"))
	assert.Equal(t, "git_url", guessSourceType("git@github.com:acme/api.git"))
	assert.Equal(t, "crawl_url", guessSourceType("https://docs.example.com/"))
}
