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

package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkID_Deterministic(t *testing.T) {
	id1 := ChunkID("project_p_dataset_d", "hello.py", 1, 10, "def greet():\n    pass\n")
	id2 := ChunkID("project_p_dataset_d", "hello.py", 1, 10, "def greet():\n    pass\n")
	assert.Equal(t, id1, id2)
}

func TestChunkID_DifferentContent(t *testing.T) {
	id1 := ChunkID("c", "hello.py", 1, 10, "def greet(): pass")
	id2 := ChunkID("c", "hello.py", 1, 10, "def greet(): return None")
	assert.NotEqual(t, id1, id2)
}

func TestChunkID_DifferentPosition(t *testing.T) {
	id1 := ChunkID("c", "hello.py", 1, 10, "same content")
	id2 := ChunkID("c", "hello.py", 11, 20, "same content")
	assert.NotEqual(t, id1, id2)
}

func TestChunkID_Shape(t *testing.T) {
	// 128 bits as unpadded base32 is 26 lowercase characters.
	id := ChunkID("c", "hello.py", 1, 10, "def greet(): pass")
	assert.Len(t, id, 26)
	assert.Regexp(t, `^[a-z2-7]+$`, id)
}

func TestNewDataset_RejectsInvalidScope(t *testing.T) {
	_, err := NewDataset("d1", "p1", "docs", DatasetScope("bogus"), nil)
	require.Error(t, err)
}

func TestNewDataset_AcceptsKnownScopes(t *testing.T) {
	for _, scope := range []DatasetScope{ScopeGlobal, ScopeProject, ScopeLocal} {
		ds, err := NewDataset("d1", "p1", "docs", scope, nil)
		require.NoError(t, err)
		assert.Equal(t, scope, ds.Scope)
	}
}

func TestJobState_IsTerminal(t *testing.T) {
	assert.True(t, JobSucceeded.IsTerminal())
	assert.True(t, JobFailed.IsTerminal())
	assert.True(t, JobSkipped.IsTerminal())
	assert.True(t, JobCancelled.IsTerminal())
	assert.False(t, JobQueued.IsTerminal())
	assert.False(t, JobRunning.IsTerminal())
}
