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

// Package crawl implements the Crawl Engine: breadth-first, depth-
// limited parallel discovery of a site's pages, with a memory-adaptive
// dispatcher, SSRF-safe fetching (ssrf.go, fetch.go), sitemap/llms.txt
// auto-discovery (discover.go), and monotonic progress reporting. Page
// content is handed to a PageSink, which is the Ingestion Coordinator's
// prose path in production and a recording stub in tests.
package crawl

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/time/rate"
)

// Dispatch defaults.
const (
	DefaultBatchSize           = 50
	DefaultMaxConcurrent       = 10
	DefaultMemThresholdPercent = 80
)

// PageSink receives one successfully fetched page for downstream chunking,
// embedding, and storage. It returns the page's content hash comparison
// result via skip=true when the page's ContentHash matches prior
// provenance, in which case the engine only refreshes last_indexed_at
// without re-chunking.
type PageSink interface {
	// IndexPage chunks, embeds, and upserts page. skip reports whether the
	// page was already indexed with identical content, per provenance.
	IndexPage(ctx context.Context, page Page, depth int) (skip bool, err error)
}

// MemoryReader reports current process memory usage as a percentage of
// some configured ceiling, backing the memory-adaptive dispatcher. Implementations typically read RSS from
// /proc/self/status on Linux; RuntimeMemoryReader below uses runtime
// statistics instead so the engine has no platform dependency.
type MemoryReader interface {
	UsagePercent() float64
}

// RuntimeMemoryReader estimates usage percent from the Go runtime's heap
// stats against a configured ceiling in bytes. It is a coarser proxy than
// OS-level RSS but needs no platform-specific syscalls, keeping the
// engine portable without platform-specific syscalls.
type RuntimeMemoryReader struct {
	CeilingBytes uint64
}

// NewRuntimeMemoryReader builds a reader against ceilingBytes; 0 disables
// the threshold by reporting a constant 0%.
func NewRuntimeMemoryReader(ceilingBytes uint64) *RuntimeMemoryReader {
	return &RuntimeMemoryReader{CeilingBytes: ceilingBytes}
}

func (r *RuntimeMemoryReader) UsagePercent() float64 {
	if r.CeilingBytes == 0 {
		return 0
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return float64(m.Alloc) / float64(r.CeilingBytes) * 100
}

// ProgressFunc receives the crawl phase's local fraction in [0, 1] and a
// detail string, mirroring pkg/ingest.ProgressFunc's shape so both feed the
// same queue.Mapper contract.
type ProgressFunc func(localFraction float64, detail string)

// Request describes one crawl session.
type Request struct {
	SeedURL        string
	Mode           string // model.CrawlMode: single, sitemap, recursive
	MaxPages       int
	MaxDepth       int
	SameDomainOnly bool
	AllowPattern   string // optional regex; empty means "allow all"
	DenyPattern    string // optional regex; empty means "deny none"

	BatchSize           int
	MaxConcurrent       int
	MemThresholdPercent float64
}

// Result summarizes one completed or partially-completed crawl.
type Result struct {
	PagesFetched int
	PagesSkipped int
	Errors       int
	MaxDepthHit  int
}

// Engine drives the recursive BFS crawl. A zero Engine
// is not usable; use NewEngine.
type Engine struct {
	Fetcher Fetcher
	Sink    PageSink
	Memory  MemoryReader
	Logger  *slog.Logger
}

// NewEngine builds an Engine. memory may be nil, in which case the
// memory-adaptive dispatcher never throttles (a constant 0% reader).
func NewEngine(fetcher Fetcher, sink PageSink, memory MemoryReader, logger *slog.Logger) *Engine {
	if memory == nil {
		memory = &RuntimeMemoryReader{CeilingBytes: 0}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{Fetcher: fetcher, Sink: sink, Memory: memory, Logger: logger}
}

// Run executes req according to its Mode and reports progress via
// onProgress. Per-URL errors are soft; the crawl
// only fails outright when every URL in a level fails.
func (e *Engine) Run(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
	if onProgress == nil {
		onProgress = func(float64, string) {}
	}
	req = withDefaults(req)

	switch req.Mode {
	case "single":
		return e.runSingle(ctx, req, onProgress)
	case "sitemap":
		return e.runSitemap(ctx, req, onProgress)
	default:
		return e.runRecursive(ctx, req, onProgress)
	}
}

func withDefaults(req Request) Request {
	if req.MaxPages <= 0 {
		req.MaxPages = 1
	}
	if req.MaxDepth <= 0 {
		req.MaxDepth = 1
	}
	if req.BatchSize <= 0 {
		req.BatchSize = DefaultBatchSize
	}
	if req.MaxConcurrent <= 0 {
		req.MaxConcurrent = DefaultMaxConcurrent
	}
	if req.MemThresholdPercent <= 0 {
		req.MemThresholdPercent = DefaultMemThresholdPercent
	}
	return req
}

func (e *Engine) runSingle(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
	result := &Result{}
	onProgress(0, "fetching seed")
	e.fetchOne(ctx, req.SeedURL, 0, result)
	onProgress(1, "done")
	return result, nil
}

func (e *Engine) runSitemap(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
	result := &Result{}
	_, pages := AutoDiscover(ctx, e.Fetcher, req.SeedURL)
	if len(pages) == 0 {
		pages = []string{req.SeedURL}
	}
	if len(pages) > req.MaxPages {
		pages = pages[:req.MaxPages]
	}
	for i, u := range pages {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}
		e.fetchOne(ctx, u, 0, result)
		onProgress(float64(i+1)/float64(len(pages)), u)
	}
	return result, nil
}

// runRecursive is the BFS-by-depth algorithm: a level queue and a
// next-level queue, visited dedup, batched dispatch with memory-adaptive
// throttling, and link extraction/filtering between levels.
func (e *Engine) runRecursive(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
	result := &Result{}
	visited := map[string]bool{}

	filter, err := newLinkFilter(req.AllowPattern, req.DenyPattern)
	if err != nil {
		return result, fmt.Errorf("compile link filter: %w", err)
	}

	// The auto-discovery probe itself may cross domains (a robots.txt can
	// point at a CDN-hosted sitemap), but the page URLs it yields are
	// subject to the same same-domain and allow/deny filtering as any
	// harvested link before they seed the queue.
	level := []string{req.SeedURL}
	if _, pages := AutoDiscover(ctx, e.Fetcher, req.SeedURL); len(pages) > 0 {
		for _, u := range pages {
			if filter.allowed(req, req.SeedURL, u) {
				level = append(level, u)
			}
		}
	}

	// limiter paces dispatch at req.MaxConcurrent fetches/sec; the
	// memory-adaptive throttle halves its rate
	// instead of hand-resizing the concurrency semaphore.
	limiter := rate.NewLimiter(rate.Limit(req.MaxConcurrent), req.MaxConcurrent)

	depth := 0
	for len(level) > 0 && result.PagesFetched < req.MaxPages && depth <= req.MaxDepth {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		var next []string
		levelErrors, levelAttempts := 0, 0

		for start := 0; start < len(level); start += req.BatchSize {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			default:
			}
			end := min(start+req.BatchSize, len(level))
			batch := level[start:end]
			// Never dispatch past the page cap: a wide level must not
			// overshoot max_pages inside one batch.
			if remaining := req.MaxPages - result.PagesFetched; len(batch) > remaining {
				batch = batch[:remaining]
			}

			fetched := e.dispatchBatch(ctx, batch, depth, req, visited, result, limiter)
			for _, page := range fetched {
				levelAttempts++
				if page.err != nil {
					levelErrors++
					continue
				}
				for _, link := range ExtractLinks(page.page) {
					if !filter.allowed(req, req.SeedURL, link) {
						continue
					}
					if visited[link] {
						continue
					}
					next = append(next, link)
				}
			}
			onProgress(progressFraction(result.PagesFetched, req.MaxPages, depth, req.MaxDepth), fmt.Sprintf("depth %d batch", depth))
			if result.PagesFetched >= req.MaxPages {
				break
			}
		}

		if levelAttempts > 0 && levelErrors == levelAttempts {
			return result, fmt.Errorf("crawl level at depth %d: all %d URLs failed", depth, levelAttempts)
		}

		level = dedupAgainst(next, visited)
		depth++
		result.MaxDepthHit = depth
	}

	onProgress(1, "done")
	return result, nil
}

func dedupAgainst(urls []string, visited map[string]bool) []string {
	out := urls[:0]
	seen := map[string]bool{}
	for _, u := range urls {
		if visited[u] || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

// progressFraction is min(pages_fetched/max_pages, depth_fraction): the
// crawl is "done" only when both budgets agree it is.
func progressFraction(pagesFetched, maxPages, depth, maxDepth int) float64 {
	pageFrac := float64(pagesFetched) / float64(maxPages)
	depthFrac := 0.0
	if maxDepth > 0 {
		depthFrac = float64(depth) / float64(maxDepth)
	}
	if pageFrac < depthFrac {
		return pageFrac
	}
	return depthFrac
}

type fetchOutcome struct {
	page Page
	err  error
}

// dispatchBatch fetches batch concurrently, bounded by a semaphore sized to
// req.MaxConcurrent and paced by limiter. Before acquiring each slot it
// consults the memory-adaptive throttle, which halves limiter's rate
// whenever usage exceeds the configured threshold rather than hand-resizing the semaphore. visited and
// result are updated under mu as each fetch completes.
func (e *Engine) dispatchBatch(ctx context.Context, batch []string, depth int, req Request, visited map[string]bool, result *Result, limiter *rate.Limiter) []fetchOutcome {
	var mu sync.Mutex
	outcomes := make([]fetchOutcome, 0, len(batch))

	sem := make(chan struct{}, req.MaxConcurrent)
	var wg sync.WaitGroup
	for _, u := range batch {
		mu.Lock()
		already := visited[u]
		if !already {
			visited[u] = true
		}
		mu.Unlock()
		if already {
			continue
		}

		if err := e.throttleDispatch(ctx, limiter, req); err != nil {
			return outcomes
		}
		sem <- struct{}{}

		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			defer func() { <-sem }()
			page, err := e.Fetcher.Fetch(ctx, target)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors++
			} else {
				result.PagesFetched++
				if e.Sink != nil {
					if skip, sinkErr := e.Sink.IndexPage(ctx, page, depth); sinkErr != nil {
						e.Logger.Warn("crawl.sink.failed", "url", target, "err", sinkErr)
					} else if skip {
						result.PagesSkipped++
					}
				}
			}
			outcomes = append(outcomes, fetchOutcome{page: page, err: err})
		}(u)
	}
	wg.Wait()
	return outcomes
}

// throttleDispatch halves limiter's rate while process memory usage exceeds
// req.MemThresholdPercent and restores it otherwise, then
// blocks on limiter.Wait so dispatch is paced at whatever rate currently
// applies. Under memory pressure the rate is req.MaxConcurrent/2 per
// second (0.5/s when MaxConcurrent is 1).
func (e *Engine) throttleDispatch(ctx context.Context, limiter *rate.Limiter, req Request) error {
	base := rate.Limit(req.MaxConcurrent)
	if e.Memory.UsagePercent() > req.MemThresholdPercent {
		limiter.SetLimit(base / 2)
	} else {
		limiter.SetLimit(base)
	}
	return limiter.Wait(ctx)
}

func (e *Engine) fetchOne(ctx context.Context, u string, depth int, result *Result) {
	page, err := e.Fetcher.Fetch(ctx, u)
	if err != nil {
		result.Errors++
		return
	}
	result.PagesFetched++
	if e.Sink != nil {
		if skip, sinkErr := e.Sink.IndexPage(ctx, page, depth); sinkErr != nil {
			e.Logger.Warn("crawl.sink.failed", "url", u, "err", sinkErr)
		} else if skip {
			result.PagesSkipped++
		}
	}
}
