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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// MaxResponseBytes caps how much of a page body is read (10 MiB).
const MaxResponseBytes = 10 << 20

// FetchTimeout is the per-request connect+total timeout.
const FetchTimeout = 10 * time.Second

// Page is one successfully fetched page. The content hash is computed
// here; outbound links are extracted later from Doc by the engine.
type Page struct {
	URL         string
	Content     string // extracted text, used for chunking
	HTML        string
	ContentHash string
	FetchedAt   time.Time
	StatusCode  int
	Doc         *goquery.Document // nil if HTML parsing failed; used for link extraction
}

// Fetcher is the out-of-scope "headless-browser crawler runtime" treated as
// a page-fetching callable. The crawl engine only ever calls this interface;
// HTTPFetcher below is the simplest real implementation the core ships with,
// not a substitute for the rendered-DOM fetcher named out of scope.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// HTTPFetcher fetches pages with plain net/http and extracts text/links with
// goquery, applying the SSRF and size/timeout limits directly
// (rather than delegating them to an external headless-browser service,
// since this fetcher IS the one network call that crosses a real socket).
type HTTPFetcher struct {
	Client    *http.Client
	UserAgent string
}

// NewHTTPFetcher builds a Fetcher whose underlying *http.Client validates
// every dial target and redirect against the SSRF policy.
func NewHTTPFetcher() *HTTPFetcher {
	dialer := &net.Dialer{Timeout: FetchTimeout}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				host = addr
			}
			if err := ValidateHost(ctx, host); err != nil {
				return nil, err
			}
			return dialer.DialContext(ctx, network, addr)
		},
	}
	return &HTTPFetcher{
		Client: &http.Client{
			Timeout:   FetchTimeout,
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects")
				}
				return ValidateHost(req.Context(), req.URL.Hostname())
			},
		},
		UserAgent: "kie-crawler/1.0",
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (Page, error) {
	if err := ValidateURL(ctx, url); err != nil {
		return Page{}, fmt.Errorf("ssrf.blocked: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Page{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.UserAgent)

	resp, err := f.Client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes))
	if err != nil {
		return Page{}, fmt.Errorf("read body: %w", err)
	}

	hash := sha256.Sum256(body)
	page := Page{
		URL:         url,
		HTML:        string(body),
		ContentHash: hex.EncodeToString(hash[:]),
		FetchedAt:   time.Now(),
		StatusCode:  resp.StatusCode,
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "html") || looksLikeHTML(body) {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
		if err == nil {
			page.Doc = doc
			page.Content = strings.TrimSpace(doc.Text())
		}
	}
	if page.Content == "" {
		page.Content = string(body)
	}
	return page, nil
}

func looksLikeHTML(body []byte) bool {
	trimmed := strings.TrimSpace(strings.ToLower(string(body[:min(len(body), 512)])))
	return strings.HasPrefix(trimmed, "<!doctype html") || strings.HasPrefix(trimmed, "<html") || strings.Contains(trimmed, "<body")
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ExtractLinks returns every absolute, normalized outbound link found in an
// anchor tag of page.Doc. Returns nil if the page wasn't parsed as HTML.
func ExtractLinks(page Page) []string {
	if page.Doc == nil {
		return nil
	}
	var links []string
	page.Doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		if resolved, ok := ResolveURL(page.URL, href); ok {
			links = append(links, resolved)
		}
	})
	return links
}

// DiscoverSitemapLinks returns sitemap URLs advertised by the seed page's
// <link rel="sitemap"> and <meta name="sitemap"> tags.
func DiscoverSitemapLinks(page Page) []string {
	if page.Doc == nil {
		return nil
	}
	var out []string
	page.Doc.Find(`link[rel="sitemap"]`).Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok {
			if resolved, ok := ResolveURL(page.URL, href); ok {
				out = append(out, resolved)
			}
		}
	})
	page.Doc.Find(`meta[name="sitemap"]`).Each(func(_ int, s *goquery.Selection) {
		if content, ok := s.Attr("content"); ok {
			if resolved, ok := ResolveURL(page.URL, content); ok {
				out = append(out, resolved)
			}
		}
	})
	return out
}
