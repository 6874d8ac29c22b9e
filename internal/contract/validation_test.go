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

package contract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateQuery(t *testing.T) {
	assert.NoError(t, ValidateQuery("how do I rotate a refresh token"))
	assert.Error(t, ValidateQuery(""))
	assert.Error(t, ValidateQuery("   \n\t"))
	assert.Error(t, ValidateQuery(strings.Repeat("x", DefaultMaxQueryBytes+1)))
}

func TestMaxQueryBytesEnvOverride(t *testing.T) {
	t.Setenv("KIE_MAX_QUERY_BYTES", "16")
	assert.Equal(t, 16, MaxQueryBytes())
	assert.Error(t, ValidateQuery(strings.Repeat("x", 17)))

	t.Setenv("KIE_MAX_QUERY_BYTES", "not-a-number")
	assert.Equal(t, DefaultMaxQueryBytes, MaxQueryBytes())
}

func TestValidateProjectID(t *testing.T) {
	assert.NoError(t, ValidateProjectID("a1b2c3d4-myrepo-e5f6a7b8"))
	assert.Error(t, ValidateProjectID(""))
	assert.Error(t, ValidateProjectID(strings.Repeat("p", MaxProjectIDBytes+1)))
}

func TestValidateTopK(t *testing.T) {
	assert.NoError(t, ValidateTopK(0))
	assert.NoError(t, ValidateTopK(10))
	assert.NoError(t, ValidateTopK(MaxTopK))
	assert.Error(t, ValidateTopK(-1))
	assert.Error(t, ValidateTopK(MaxTopK+1))
}

func TestValidateSeedURL(t *testing.T) {
	assert.NoError(t, ValidateSeedURL("https://example.com/docs/"))
	assert.NoError(t, ValidateSeedURL("http://docs.internal:8080/start"))
	assert.Error(t, ValidateSeedURL("ftp://example.com/file"))
	assert.Error(t, ValidateSeedURL("file:///etc/passwd"))
	assert.Error(t, ValidateSeedURL("https://"))
	assert.Error(t, ValidateSeedURL("::not a url::"))
}
