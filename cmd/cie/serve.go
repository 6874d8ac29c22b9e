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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kraklabs/kie/internal/bootstrap"
	"github.com/kraklabs/kie/internal/contract"
	"github.com/kraklabs/kie/internal/errors"
	"github.com/kraklabs/kie/internal/ui"
	"github.com/kraklabs/kie/pkg/bus"
	"github.com/kraklabs/kie/pkg/core"
	"github.com/kraklabs/kie/pkg/model"
	"github.com/kraklabs/kie/pkg/retrieve"
)

func runServe(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", "", "Listen address (default from config, :8711)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: cie serve [options]

Runs the HTTP API, the WebSocket event stream (/ws), and the background
job dispatcher in one process. Jobs enqueued by other cie invocations are
picked up here.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	logger := bootstrap.NewLogger(globals.Verbose, globals.JSON)
	c, cfg, err := bootstrap.OpenCore(globals.ConfigPath, logger)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	defer c.Close()

	listenAddr := cfg.ServeAddr
	if *addr != "" {
		listenAddr = *addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Run(ctx); err != nil {
		errors.FatalError(err, globals.JSON)
	}
	defer c.Shutdown()

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           newAPIHandler(c),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if !globals.Quiet {
		ui.Infof("Listening on %s (ws: /ws, metrics: /metrics)", listenAddr)
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errors.FatalError(err, globals.JSON)
	}
}

// newAPIHandler routes the public API. Paths are flat and versionless;
// this server fronts a single-tenant daemon, not a public service.
func newAPIHandler(c *core.Core) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/query", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query         string   `json:"query"`
			Project       string   `json:"project"`
			Datasets      []string `json:"datasets,omitempty"`
			TopK          int      `json:"top_k,omitempty"`
			Threshold     float64  `json:"threshold,omitempty"`
			PathPrefix    string   `json:"path_prefix,omitempty"`
			Repo          string   `json:"repo,omitempty"`
			Lang          string   `json:"lang,omitempty"`
			IncludeGlobal bool     `json:"include_global,omitempty"`
			Answer        bool     `json:"answer,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAPIError(w, http.StatusBadRequest, "input.invalid", err.Error())
			return
		}
		if err := contract.ValidateQuery(req.Query); err != nil {
			writeAPIError(w, http.StatusBadRequest, "input.invalid", err.Error())
			return
		}
		if err := contract.ValidateProjectID(req.Project); err != nil {
			writeAPIError(w, http.StatusBadRequest, "input.invalid", err.Error())
			return
		}
		if err := contract.ValidateTopK(req.TopK); err != nil {
			writeAPIError(w, http.StatusBadRequest, "input.invalid", err.Error())
			return
		}

		rreq := retrieve.Request{
			Query: req.Query, ProjectID: req.Project, Datasets: req.Datasets,
			TopK: req.TopK, Threshold: req.Threshold, PathPrefix: req.PathPrefix,
			Repo: req.Repo, Lang: req.Lang, IncludeGlobal: req.IncludeGlobal,
		}

		if req.Answer {
			resp, ans, err := c.Answer(r.Context(), rreq)
			if err != nil {
				writeAPIError(w, http.StatusBadGateway, "llm.unavailable", err.Error())
				return
			}
			writeJSON(w, map[string]any{
				"answer": ans, "results": resp.Results,
				"timing":   map[string]any{"latency_ms": resp.Elapsed.Milliseconds()},
				"metadata": responseMetadata(c, resp),
			})
			return
		}

		resp, err := c.Query(r.Context(), rreq)
		if err != nil {
			writeAPIError(w, http.StatusInternalServerError, "query.failed", err.Error())
			return
		}
		writeJSON(w, map[string]any{
			"results":  resp.Results,
			"timing":   map[string]any{"latency_ms": resp.Elapsed.Milliseconds()},
			"metadata": responseMetadata(c, resp),
		})
	})

	mux.HandleFunc("POST /api/ingest/local", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Path    string `json:"path"`
			Project string `json:"project,omitempty"`
			Dataset string `json:"dataset,omitempty"`
			Force   bool   `json:"force,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAPIError(w, http.StatusBadRequest, "input.invalid", err.Error())
			return
		}
		job, err := c.IngestLocal(r.Context(), core.IngestLocalRequest{
			Path: req.Path, OverrideProject: req.Project, OverrideDataset: req.Dataset, Force: req.Force,
		})
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, "ingest.rejected", err.Error())
			return
		}
		writeJSON(w, viewOf(job))
	})

	mux.HandleFunc("POST /api/ingest/repo", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Repo    string `json:"repo"`
			Branch  string `json:"branch,omitempty"`
			SHA     string `json:"sha,omitempty"`
			Project string `json:"project,omitempty"`
			Dataset string `json:"dataset,omitempty"`
			Force   bool   `json:"force,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAPIError(w, http.StatusBadRequest, "input.invalid", err.Error())
			return
		}
		job, err := c.IngestRemoteRepo(r.Context(), core.IngestRemoteRepoRequest{
			RepoURL: req.Repo, Branch: req.Branch, SHA: req.SHA,
			OverrideProject: req.Project, OverrideDataset: req.Dataset, Force: req.Force,
		})
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, "ingest.rejected", err.Error())
			return
		}
		writeJSON(w, viewOf(job))
	})

	mux.HandleFunc("POST /api/ingest/crawl", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SeedURL    string `json:"seed_url"`
			Mode       string `json:"mode,omitempty"`
			MaxPages   int    `json:"max_pages,omitempty"`
			MaxDepth   int    `json:"max_depth,omitempty"`
			SameDomain *bool  `json:"same_domain,omitempty"`
			Project    string `json:"project"`
			Dataset    string `json:"dataset,omitempty"`
			Force      bool   `json:"force,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAPIError(w, http.StatusBadRequest, "input.invalid", err.Error())
			return
		}
		if err := contract.ValidateSeedURL(req.SeedURL); err != nil {
			writeAPIError(w, http.StatusBadRequest, "input.invalid", err.Error())
			return
		}
		mode := model.CrawlRecursive
		if req.Mode != "" {
			mode = model.CrawlMode(req.Mode)
		}
		sameDomain := true
		if req.SameDomain != nil {
			sameDomain = *req.SameDomain
		}
		job, err := c.IngestCrawl(r.Context(), core.IngestCrawlRequest{
			SeedURL: req.SeedURL, Mode: mode, MaxPages: req.MaxPages, MaxDepth: req.MaxDepth,
			SameDomain: sameDomain, ProjectID: req.Project, OverrideDataset: req.Dataset, Force: req.Force,
		})
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, "ingest.rejected", err.Error())
			return
		}
		writeJSON(w, viewOf(job))
	})

	mux.HandleFunc("GET /api/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		job, found, err := c.JobsGet(r.Context(), r.PathValue("id"))
		if err != nil {
			writeAPIError(w, http.StatusInternalServerError, "store.transient", err.Error())
			return
		}
		if !found {
			writeAPIError(w, http.StatusNotFound, "not_found", "no such job")
			return
		}
		writeJSON(w, viewOf(job))
	})

	mux.HandleFunc("GET /api/jobs", func(w http.ResponseWriter, r *http.Request) {
		var stateFilter *model.JobState
		if s := r.URL.Query().Get("state"); s != "" {
			st := model.JobState(s)
			stateFilter = &st
		}
		jobs, err := c.JobsList(r.Context(), r.URL.Query().Get("project"), stateFilter)
		if err != nil {
			writeAPIError(w, http.StatusInternalServerError, "store.transient", err.Error())
			return
		}
		views := make([]jobView, 0, len(jobs))
		for _, j := range jobs {
			views = append(views, viewOf(j))
		}
		writeJSON(w, views)
	})

	mux.HandleFunc("GET /api/projects/{id}/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := c.ProjectsStats(r.Context(), r.PathValue("id"))
		if err != nil {
			writeAPIError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeJSON(w, stats)
	})

	mux.HandleFunc("POST /api/projects/{id}/clear", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Dataset string `json:"dataset,omitempty"`
			DryRun  bool   `json:"dry_run,omitempty"`
		}
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeAPIError(w, http.StatusBadRequest, "input.invalid", err.Error())
				return
			}
		}
		deleted, err := c.ProjectsClear(r.Context(), r.PathValue("id"), req.Dataset, req.DryRun)
		if err != nil {
			writeAPIError(w, http.StatusInternalServerError, "clear.failed", err.Error())
			return
		}
		writeJSON(w, map[string]any{"deleted": deleted, "dry_run": req.DryRun})
	})

	mux.HandleFunc("GET /api/scope", func(w http.ResponseWriter, r *http.Request) {
		sourceType := r.URL.Query().Get("type")
		value := r.URL.Query().Get("value")
		if sourceType == "" || value == "" {
			writeAPIError(w, http.StatusBadRequest, "input.invalid", "type and value query params required")
			return
		}
		resolved, err := c.ScopeAutoDetect(r.Context(), sourceType, value)
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, "input.invalid", err.Error())
			return
		}
		writeJSON(w, resolved)
	})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})

	mux.Handle("GET /ws", bus.Handler(c.Bus, c.Logger))
	mux.Handle("GET /metrics", promhttp.HandlerFor(c.Prom, promhttp.HandlerOpts{}))

	return mux
}

func responseMetadata(c *core.Core, resp *retrieve.Response) map[string]any {
	return map[string]any{
		"partial":     resp.Partial,
		"degradation": resp.Degradations,
		"featuresUsed": map[string]bool{
			"hybrid": c.Router.Sparse != nil && !contains(resp.Degradations, "sparse.timeout"),
			"rerank": c.Retrieve.Config.RerankEnabled && c.Retrieve.Reranker != nil && !contains(resp.Degradations, "rerank.timeout"),
		},
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}
