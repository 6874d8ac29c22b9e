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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateGitURL(t *testing.T) {
	assert.NoError(t, validateGitURL("https://github.com/acme/api.git"))
	assert.NoError(t, validateGitURL("git@github.com:acme/api.git"))
	assert.NoError(t, validateGitURL("ssh://git@github.com/acme/api.git"))

	// Shell metacharacters must never reach exec.Command.
	assert.Error(t, validateGitURL("https://github.com/acme/api.git;rm -rf /"))
	assert.Error(t, validateGitURL("https://github.com/acme/$(whoami)"))
	assert.Error(t, validateGitURL("ftp://example.com/repo"))
	assert.Error(t, validateGitURL(""))
}

func TestValidateGitRef(t *testing.T) {
	assert.NoError(t, validateGitRef(""))
	assert.NoError(t, validateGitRef("main"))
	assert.NoError(t, validateGitRef("release/v1.2"))
	assert.NoError(t, validateGitRef("v1.2.3"))

	assert.Error(t, validateGitRef("-c core.sshCommand=evil"))
	assert.Error(t, validateGitRef("branch name"))
	assert.Error(t, validateGitRef("x;y"))
}

func TestValidateGitSHA(t *testing.T) {
	assert.NoError(t, validateGitSHA(""))
	assert.NoError(t, validateGitSHA("deadbeef"))
	assert.NoError(t, validateGitSHA("0123456789abcdef0123456789abcdef01234567"))

	assert.Error(t, validateGitSHA("abc"))    // too short
	assert.Error(t, validateGitSHA("nothex")) // not hex
	assert.Error(t, validateGitSHA("deadbeef;ls"))
}

func TestResolveLocalPath(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoader(nil)
	defer loader.Close()

	got, err := loader.Resolve(Source{Kind: SourceLocalPath, Value: dir})
	require.NoError(t, err)
	assert.Equal(t, dir, got)

	_, err = loader.Resolve(Source{Kind: SourceLocalPath, Value: dir + "/missing"})
	assert.Error(t, err)

	_, err = loader.Resolve(Source{Kind: "carrier_pigeon", Value: dir})
	assert.Error(t, err)
}
