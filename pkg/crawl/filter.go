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

package crawl

import "regexp"

// linkFilter applies the outbound-link filtering: same-domain
// restriction plus an optional allow/deny regex pair.
type linkFilter struct {
	allow *regexp.Regexp
	deny  *regexp.Regexp
}

func newLinkFilter(allowPattern, denyPattern string) (*linkFilter, error) {
	f := &linkFilter{}
	if allowPattern != "" {
		re, err := regexp.Compile(allowPattern)
		if err != nil {
			return nil, err
		}
		f.allow = re
	}
	if denyPattern != "" {
		re, err := regexp.Compile(denyPattern)
		if err != nil {
			return nil, err
		}
		f.deny = re
	}
	return f, nil
}

// allowed reports whether link should be enqueued for the next BFS level.
func (f *linkFilter) allowed(req Request, seed, link string) bool {
	if req.SameDomainOnly && !SameDomain(seed, link) {
		return false
	}
	if f.deny != nil && f.deny.MatchString(link) {
		return false
	}
	if f.allow != nil && !f.allow.MatchString(link) {
		return false
	}
	return true
}
