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

import (
	"context"
	"encoding/xml"
	"net/url"
	"strings"
)

// wellKnownProbes lists the root-relative paths auto-discovery checks
// before falling back to a recursive crawl.
var wellKnownProbes = []string{
	"/llms.txt",
	"/llms-full.txt",
	"/.well-known/ai.txt",
	"/.well-known/llms.txt",
	"/sitemap.xml",
	"/sitemap_index.xml",
	"/.well-known/sitemap.xml",
	"/robots.txt",
}

// maxProbeSubdirs bounds how many leading path prefixes of the seed URL
// (/a, /a/b, ...) are also probed.
const maxProbeSubdirs = 12

// ProbeTargets returns the set of URLs auto-discovery should check for
// seed, in priority order: root-level well-known paths first, then the
// same set under each leading prefix of the seed's path (/a, then /a/b,
// ...), up to maxProbeSubdirs of them. Directories that are not part of
// the seed's path (for example /docs for a root seed) are not probed.
func ProbeTargets(seed string) []string {
	u, err := url.Parse(seed)
	if err != nil {
		return nil
	}
	root := &url.URL{Scheme: u.Scheme, Host: u.Host}

	var targets []string
	for _, p := range wellKnownProbes {
		targets = append(targets, root.String()+p)
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	count := 0
	for i := range segments {
		if count >= maxProbeSubdirs {
			break
		}
		if segments[i] == "" {
			continue
		}
		sub := "/" + strings.Join(segments[:i+1], "/")
		for _, p := range wellKnownProbes {
			targets = append(targets, root.String()+sub+p)
		}
		count++
	}
	return targets
}

// sitemapURLSet and sitemapIndex mirror the two possible root elements of
// a sitemap document (urlset for leaf sitemaps, sitemapindex for an index
// of further sitemaps), per the sitemaps.org schema.
type sitemapURLSet struct {
	XMLName xml.Name      `xml:"urlset"`
	URLs    []sitemapURL  `xml:"url"`
}

type sitemapURL struct {
	Loc string `xml:"loc"`
}

type sitemapIndex struct {
	XMLName  xml.Name       `xml:"sitemapindex"`
	Sitemaps []sitemapEntry `xml:"sitemap"`
}

type sitemapEntry struct {
	Loc string `xml:"loc"`
}

// ParseSitemap parses a sitemap or sitemap-index document and returns the
// page URLs (leaf) and nested sitemap URLs (index) it contains.
func ParseSitemap(body []byte) (pages []string, nestedSitemaps []string) {
	var idx sitemapIndex
	if err := xml.Unmarshal(body, &idx); err == nil && len(idx.Sitemaps) > 0 {
		for _, s := range idx.Sitemaps {
			if s.Loc != "" {
				nestedSitemaps = append(nestedSitemaps, s.Loc)
			}
		}
		return nil, nestedSitemaps
	}
	var set sitemapURLSet
	if err := xml.Unmarshal(body, &set); err == nil {
		for _, u := range set.URLs {
			if u.Loc != "" {
				pages = append(pages, u.Loc)
			}
		}
	}
	return pages, nil
}

// parseRobotsSitemaps extracts "Sitemap:" directives from a robots.txt body.
func parseRobotsSitemaps(body []byte) []string {
	var out []string
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)
		if strings.HasPrefix(lower, "sitemap:") {
			loc := strings.TrimSpace(line[len("sitemap:"):])
			if loc != "" {
				out = append(out, loc)
			}
		}
	}
	return out
}

// AutoDiscover probes seed's well-known locations via fetcher and returns
// the first usable llms.txt-style manifest content, or the set of page
// URLs resolved from the first sitemap found. Both return
// values are empty if nothing was discovered, which signals the caller
// to fall back to recursive BFS crawling.
func AutoDiscover(ctx context.Context, fetcher Fetcher, seed string) (manifest string, sitemapPages []string) {
	for _, target := range ProbeTargets(seed) {
		page, err := fetcher.Fetch(ctx, target)
		if err != nil || page.StatusCode != 200 {
			continue
		}
		switch {
		case strings.HasSuffix(target, "llms.txt"), strings.HasSuffix(target, "llms-full.txt"), strings.HasSuffix(target, "ai.txt"):
			if page.Content != "" {
				return page.Content, nil
			}
		case strings.HasSuffix(target, "robots.txt"):
			for _, loc := range parseRobotsSitemaps([]byte(page.HTML)) {
				if pages := fetchSitemapPages(ctx, fetcher, loc); len(pages) > 0 {
					return "", pages
				}
			}
		case strings.HasSuffix(target, ".xml"):
			if pages := sitemapPagesFromBody([]byte(page.HTML), ctx, fetcher); len(pages) > 0 {
				return "", pages
			}
		}
	}
	return "", nil
}

func fetchSitemapPages(ctx context.Context, fetcher Fetcher, sitemapURL string) []string {
	page, err := fetcher.Fetch(ctx, sitemapURL)
	if err != nil || page.StatusCode != 200 {
		return nil
	}
	return sitemapPagesFromBody([]byte(page.HTML), ctx, fetcher)
}

// sitemapPagesFromBody resolves a sitemap body into a flat page list,
// following at most one level of sitemap-index nesting to avoid unbounded
// recursion on a malicious or misconfigured index.
func sitemapPagesFromBody(body []byte, ctx context.Context, fetcher Fetcher) []string {
	pages, nested := ParseSitemap(body)
	if len(pages) > 0 {
		return pages
	}
	var all []string
	for _, n := range nested {
		page, err := fetcher.Fetch(ctx, n)
		if err != nil || page.StatusCode != 200 {
			continue
		}
		more, _ := ParseSitemap([]byte(page.HTML))
		all = append(all, more...)
	}
	return all
}
