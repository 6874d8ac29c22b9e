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

// Package core wires every store and engine into one process-lifetime
// context and exposes the
// public API operations the CLI and any future transport call
// through. It owns the background dispatcher that claims queued jobs and
// drives them through the Ingestion Coordinator or Crawl Engine.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kraklabs/kie/pkg/chunk"
	"github.com/kraklabs/kie/pkg/config"
	"github.com/kraklabs/kie/pkg/crawl"
	"github.com/kraklabs/kie/pkg/embed"
	"github.com/kraklabs/kie/pkg/ingest"
	"github.com/kraklabs/kie/pkg/llm"
	"github.com/kraklabs/kie/pkg/metrics"
	"github.com/kraklabs/kie/pkg/model"
	"github.com/kraklabs/kie/pkg/queue"
	"github.com/kraklabs/kie/pkg/reconcile"
	"github.com/kraklabs/kie/pkg/retrieve"
	"github.com/kraklabs/kie/pkg/scope"
	"github.com/kraklabs/kie/pkg/store"

	"github.com/kraklabs/kie/pkg/bus"
)

// Core bundles every long-lived dependency the platform needs. Build one
// with Open and Close it on shutdown.
type Core struct {
	Config config.Config
	Logger *slog.Logger

	Metadata store.MetadataStore
	Vector   store.VectorStore

	Bus     *bus.Bus
	Queue   *queue.Queue
	Metrics *metrics.Registry
	// Prom is the gatherer behind Metrics, exposed for the /metrics endpoint.
	Prom *prometheus.Registry

	Scope    *scope.Resolver
	Chunker  *chunk.Chunker
	Router   *embed.Router
	Retrieve *retrieve.Engine
	Fetcher  crawl.Fetcher

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// newID mints a time-ordered ULID string; crypto/rand backs ulid.Make's
// default entropy reader.
func newID() string {
	return ulid.Make().String()
}

// Open builds a Core from cfg: it dials SQLite and Qdrant, constructs the
// dual-encoder router, the event bus, the job queue, and the retrieval
// engine. Callers must call Close when done.
func Open(cfg config.Config, logger *slog.Logger) (*Core, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("core: create data dir: %w", err)
	}

	metadata, err := store.OpenSQLiteStore(cfg.SQLite)
	if err != nil {
		return nil, fmt.Errorf("core: open metadata store: %w", err)
	}
	vector, err := store.DialQdrant(cfg.QdrantAddr)
	if err != nil {
		_ = metadata.Close()
		return nil, fmt.Errorf("core: dial vector store: %w", err)
	}

	eventBus := bus.New(logger)
	jobQueue := queue.New(metadata, eventBus, logger)
	promReg := prometheus.NewRegistry()
	metricsReg := metrics.New(promReg)

	textEncoder := embed.NewHTTPDenseEncoder("text", cfg.Encoders.TextBaseURL, cfg.Encoders.TextModel)
	codeEncoder := embed.NewHTTPDenseEncoder("code", cfg.Encoders.CodeBaseURL, cfg.Encoders.CodeModel)
	var sparseEncoder embed.SparseEncoder
	if cfg.Encoders.SparseBaseURL != "" {
		sparseEncoder = embed.NewHTTPSparseEncoder(cfg.Encoders.SparseBaseURL)
	}
	if !cfg.EnableHybridSearch {
		sparseEncoder = nil
	}

	router := embed.NewRouter(codeEncoder, textEncoder, sparseEncoder, logger)
	router.BatchSize = cfg.EmbeddingBatchSizePerRequest
	router.Concurrency = cfg.EmbeddingConcurrency

	var reranker retrieve.Reranker
	if cfg.EnableReranking && cfg.Encoders.RerankBaseURL != "" {
		reranker = embed.NewHTTPReranker(cfg.Encoders.RerankBaseURL)
	}

	retrieveEngine := retrieve.NewEngine(metadata, vector, textEncoder, codeEncoder, sparseEncoder, reranker, logger)
	retrieveEngine.Config.RerankEnabled = cfg.EnableReranking
	retrieveEngine.Config.RerankInitialK = cfg.RerankInitialK
	retrieveEngine.Config.HybridDenseWeight = cfg.HybridDenseWeight
	retrieveEngine.Config.HybridSparseWeight = cfg.HybridSparseWeight

	c := &Core{
		Config:   cfg,
		Logger:   logger,
		Metadata: metadata,
		Vector:   vector,
		Bus:      eventBus,
		Queue:    jobQueue,
		Metrics:  metricsReg,
		Prom:     promReg,
		Scope:    scope.NewResolver(metadata),
		Chunker:  chunk.New(),
		Router:   router,
		Retrieve: retrieveEngine,
		Fetcher:  crawl.NewHTTPFetcher(),
	}
	return c, nil
}

// Close releases the durable stores. Background dispatchers started by Run
// must be stopped first via Shutdown.
func (c *Core) Close() error {
	var errs []error
	if err := c.Vector.(interface{ Close() error }).Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Metadata.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("core: close: %v", errs)
	}
	return nil
}

// Run starts the background job dispatcher and the hourly reconciliation
// sweeper. It reaps orphaned jobs once at startup before entering
// its poll loops. Run returns
// immediately; call Shutdown to stop the goroutines it started.
func (c *Core) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if ids, err := c.Queue.ReapOrphans(runCtx, queue.HeartbeatTTL); err != nil {
		c.Logger.Warn("core.reap.failed", "err", err)
	} else if len(ids) > 0 {
		c.Logger.Warn("core.reap.orphans", "count", len(ids))
	}

	for _, kind := range []model.JobKind{model.JobIngestLocal, model.JobIngestRemoteRepo, model.JobCrawl} {
		kind := kind
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.dispatchLoop(runCtx, kind)
		}()
	}

	sweeper := reconcile.New(c.Metadata, c.Vector, c.Bus, c.Logger)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		sweeper.Run(runCtx, reconcile.DefaultInterval)
	}()

	return nil
}

// Shutdown stops every goroutine Run started and waits for them to exit.
func (c *Core) Shutdown() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// dispatchLoop repeatedly polls for the next queued job of kind and drives
// it to completion, sleeping briefly between empty polls rather than
// busy-spinning.
func (c *Core) dispatchLoop(ctx context.Context, kind model.JobKind) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, found, err := c.Queue.PollNext(ctx, kind)
			if err != nil {
				c.Logger.Error("core.dispatch.poll_failed", "kind", kind, "err", err)
				continue
			}
			if !found {
				continue
			}
			c.runJob(ctx, job)
		}
	}
}

// runJob executes job to completion, reporting progress and terminal state
// through the queue (which in turn publishes to the bus).
func (c *Core) runJob(ctx context.Context, job model.Job) {
	var runErr error
	var summary map[string]string

	switch job.Kind {
	case model.JobIngestLocal, model.JobIngestRemoteRepo:
		onProgress := func(phase string, frac float64, detail string) {
			if err := c.Queue.UpdateProgress(ctx, job.ID, phase, frac, detail); err != nil {
				c.Logger.Warn("core.job.progress_failed", "job_id", job.ID, "err", err)
			}
		}
		summary, runErr = c.runIngestJob(ctx, job, onProgress)
	case model.JobCrawl:
		onProgress := func(frac float64, detail string) {
			if err := c.Queue.UpdateProgress(ctx, job.ID, "crawl", frac, detail); err != nil {
				c.Logger.Warn("core.job.progress_failed", "job_id", job.ID, "err", err)
			}
		}
		summary, runErr = c.runCrawlJob(ctx, job, onProgress)
	default:
		runErr = fmt.Errorf("unknown job kind %q", job.Kind)
	}

	if runErr != nil {
		c.Logger.Error("core.job.failed", "job_id", job.ID, "kind", job.Kind, "err", runErr)
		if err := c.Queue.Fail(ctx, job.ID, runErr); err != nil {
			c.Logger.Error("core.job.fail_update_failed", "job_id", job.ID, "err", err)
		}
		return
	}
	if err := c.Queue.Complete(ctx, job.ID, summary); err != nil {
		c.Logger.Error("core.job.complete_update_failed", "job_id", job.ID, "err", err)
	}
}

func (c *Core) runIngestJob(ctx context.Context, job model.Job, onProgress ingest.ProgressFunc) (map[string]string, error) {
	collection := job.Payload["collection"]
	force := job.Payload["force"] == "true"

	var src ingest.Source
	if job.Kind == model.JobIngestLocal {
		src = ingest.Source{Kind: ingest.SourceLocalPath, Value: job.Payload["path"]}
	} else {
		src = ingest.Source{
			Kind: ingest.SourceGitURL, Value: job.Payload["repo_url"],
			Ref: job.Payload["branch"], SHA: job.Payload["sha"],
		}
	}

	coordinator := ingest.NewCoordinator(c.Metadata, c.Vector, c.Chunker, c.Router, c.Logger)
	result, err := coordinator.Run(ctx, ingest.Request{
		ProjectID: job.ProjectID, DatasetID: job.DatasetID, CollectionName: collection,
		Source: src, Force: force, DenseDim: c.Config.Encoders.DenseDim,
	}, onProgress)
	if result != nil {
		c.Metrics.ObserveIngestResult(result.FilesAdded, result.FilesChanged, result.FilesRemoved, result.ChunksWritten, result.ChunksDropped, len(result.FileErrors))
	}
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"files_scanned":  fmt.Sprint(result.FilesScanned),
		"chunks_written": fmt.Sprint(result.ChunksWritten),
		"chunks_dropped": fmt.Sprint(result.ChunksDropped),
	}, nil
}

func (c *Core) runCrawlJob(ctx context.Context, job model.Job, onProgress crawl.ProgressFunc) (map[string]string, error) {
	collection := job.Payload["collection"]
	sink, err := ingest.NewCrawlSink(ctx, c.Metadata, c.Vector, c.Chunker, c.Router, c.Logger,
		job.ProjectID, job.DatasetID, collection, c.Config.Encoders.DenseDim)
	if err != nil {
		return nil, fmt.Errorf("build crawl sink: %w", err)
	}
	sink.Force = job.Payload["force"] == "true"

	memReader := crawl.NewRuntimeMemoryReader(0)
	engine := crawl.NewEngine(c.Fetcher, sink, memReader, c.Logger)

	maxPages := atoiDefault(job.Payload["max_pages"], 1)
	maxDepth := atoiDefault(job.Payload["max_depth"], 1)

	result, err := engine.Run(ctx, crawl.Request{
		SeedURL: job.Payload["seed_url"], Mode: job.Payload["mode"],
		MaxPages: maxPages, MaxDepth: maxDepth,
		SameDomainOnly: job.Payload["same_domain"] == "true",
		BatchSize:      c.Config.CrawlBatchSize, MaxConcurrent: c.Config.CrawlMaxConcurrent,
		MemThresholdPercent: c.Config.MemoryThresholdPercent,
	}, onProgress)
	if err != nil {
		return nil, err
	}
	written, dropped := sink.Stats()
	return map[string]string{
		"pages_fetched":  fmt.Sprint(result.PagesFetched),
		"pages_skipped":  fmt.Sprint(result.PagesSkipped),
		"chunks_written": fmt.Sprint(written),
		"chunks_dropped": fmt.Sprint(dropped),
	}, nil
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil || n <= 0 {
		return def
	}
	return n
}

// --- public API ------------------------------------------------------------

// IngestLocalRequest is ingest.local's parameters.
type IngestLocalRequest struct {
	Path            string
	OverrideProject string
	OverrideDataset string
	Force           bool
}

// IngestLocal resolves scope for path, enqueues an ingest_local job, and
// returns it (still Queued; the dispatcher claims it asynchronously).
func (c *Core) IngestLocal(ctx context.Context, req IngestLocalRequest) (model.Job, error) {
	resolved, err := c.Scope.ResolveLocal(ctx, req.Path, req.OverrideProject, req.OverrideDataset)
	if err != nil {
		return model.Job{}, fmt.Errorf("resolve scope: %w", err)
	}
	project, dataset, collection, err := c.bindScope(ctx, resolved)
	if err != nil {
		return model.Job{}, err
	}

	abs, _ := filepath.Abs(req.Path)
	job := model.Job{
		ID: newID(), Kind: model.JobIngestLocal, ProjectID: project.ID, DatasetID: dataset.ID,
		State: model.JobQueued, DedupKey: fmt.Sprintf("ingest_local:%s:%s", project.ID, dataset.ID),
		Payload: map[string]string{"path": abs, "collection": collection, "force": boolStr(req.Force)},
	}
	enqueued, _, err := c.Queue.Enqueue(ctx, job)
	return enqueued, err
}

// IngestRemoteRepoRequest is ingest.remoteRepo's parameters.
type IngestRemoteRepoRequest struct {
	RepoURL         string
	Branch          string
	SHA             string
	OverrideProject string
	OverrideDataset string
	Force           bool
}

// IngestRemoteRepo resolves scope for a Git remote and enqueues an
// ingest_remote_repo job.
func (c *Core) IngestRemoteRepo(ctx context.Context, req IngestRemoteRepoRequest) (model.Job, error) {
	resolved, err := c.Scope.ResolveRemoteRepo(ctx, req.RepoURL, req.OverrideProject, req.OverrideDataset)
	if err != nil {
		return model.Job{}, fmt.Errorf("resolve scope: %w", err)
	}
	project, dataset, collection, err := c.bindScope(ctx, resolved)
	if err != nil {
		return model.Job{}, err
	}

	job := model.Job{
		ID: newID(), Kind: model.JobIngestRemoteRepo, ProjectID: project.ID, DatasetID: dataset.ID,
		State: model.JobQueued, DedupKey: fmt.Sprintf("ingest_repo:%s:%s", project.ID, dataset.ID),
		Payload: map[string]string{
			"repo_url": req.RepoURL, "branch": req.Branch, "sha": req.SHA,
			"collection": collection, "force": boolStr(req.Force),
		},
	}
	enqueued, _, err := c.Queue.Enqueue(ctx, job)
	return enqueued, err
}

// IngestCrawlRequest is ingest.crawl's parameters.
type IngestCrawlRequest struct {
	SeedURL         string
	Mode            model.CrawlMode
	MaxPages        int
	MaxDepth        int
	SameDomain      bool
	ProjectID       string // crawls always attach to a known project
	OverrideDataset string
	Force           bool
}

// IngestCrawl resolves the crawl's dataset and enqueues a crawl job under
// req.ProjectID.
func (c *Core) IngestCrawl(ctx context.Context, req IngestCrawlRequest) (model.Job, error) {
	if req.ProjectID == "" {
		return model.Job{}, fmt.Errorf("ingest.crawl: project_id is required")
	}
	resolved, err := c.Scope.ResolveCrawl(req.SeedURL, req.OverrideDataset)
	if err != nil {
		return model.Job{}, fmt.Errorf("resolve scope: %w", err)
	}
	project, found, err := c.Metadata.GetProject(ctx, req.ProjectID)
	if err != nil {
		return model.Job{}, fmt.Errorf("get project: %w", err)
	}
	if !found {
		return model.Job{}, fmt.Errorf("ingest.crawl: project %s not found", req.ProjectID)
	}
	dataset, err := c.Metadata.GetOrCreateDataset(ctx, newID(), project.ID, resolved.Dataset, model.ScopeProject)
	if err != nil {
		return model.Job{}, fmt.Errorf("get or create dataset: %w", err)
	}
	collection := scope.CollectionName(project.ID, dataset.Name)

	job := model.Job{
		ID: newID(), Kind: model.JobCrawl, ProjectID: project.ID, DatasetID: dataset.ID,
		State: model.JobQueued, DedupKey: fmt.Sprintf("crawl:%s:%s", project.ID, req.SeedURL),
		Payload: map[string]string{
			"seed_url": req.SeedURL, "mode": string(req.Mode), "collection": collection,
			"max_pages": fmt.Sprint(req.MaxPages), "max_depth": fmt.Sprint(req.MaxDepth),
			"same_domain": boolStr(req.SameDomain), "force": boolStr(req.Force),
		},
	}
	enqueued, _, err := c.Queue.Enqueue(ctx, job)
	return enqueued, err
}

// bindScope materializes resolved into a Project/Dataset row and binds its
// collection, common to both ingest.local and ingest.remoteRepo.
func (c *Core) bindScope(ctx context.Context, resolved scope.Resolved) (model.Project, model.Dataset, string, error) {
	if resolved.Source == "detected" {
		// A freshly-derived id has never been seen before; bind its source so
		// later resolutions can detect a collision against a different input
		// hashing to the same candidate.
		if err := c.Metadata.BindProjectSource(ctx, resolved.ProjectID, resolved.ProjectID); err != nil {
			c.Logger.Warn("core.scope.bind_source_failed", "project_id", resolved.ProjectID, "err", err)
		}
	}
	project, err := c.Metadata.GetOrCreateProject(ctx, resolved.ProjectID, resolved.ProjectID)
	if err != nil {
		return model.Project{}, model.Dataset{}, "", fmt.Errorf("get or create project: %w", err)
	}
	dataset, err := c.Metadata.GetOrCreateDataset(ctx, newID(), project.ID, resolved.Dataset, model.ScopeProject)
	if err != nil {
		return model.Project{}, model.Dataset{}, "", fmt.Errorf("get or create dataset: %w", err)
	}
	collection := scope.CollectionName(project.ID, dataset.Name)
	return project, dataset, collection, nil
}

// Query runs a retrieval request through the Retrieval Engine.
func (c *Core) Query(ctx context.Context, req retrieve.Request) (*retrieve.Response, error) {
	resp, err := c.Retrieve.Query(ctx, req)
	if err == nil && resp != nil {
		hybrid := "false"
		if c.Router.Sparse != nil {
			hybrid = "true"
		}
		rerank := "false"
		if c.Retrieve.Config.RerankEnabled {
			rerank = "true"
		}
		c.Metrics.RetrieveQueryDuration.WithLabelValues(hybrid, rerank).Observe(resp.Elapsed.Seconds())
		for _, d := range resp.Degradations {
			c.Metrics.RetrieveDegradedTotal.WithLabelValues(d).Inc()
		}
		c.Bus.Publish(bus.Event{
			Kind: bus.KindRetrievalTiming, ProjectID: req.ProjectID,
			RetrievalTiming: &bus.RetrievalTimingPayload{
				ProjectID: req.ProjectID, LatencyMS: resp.Elapsed.Milliseconds(),
				Hybrid: hybrid == "true", Rerank: rerank == "true", Partial: resp.Partial, Degradation: resp.Degradations,
			},
		})
	}
	return resp, err
}

// Answer runs a retrieval query and synthesizes a cited prose answer via
// the configured chat LLM. The retrieval response is returned alongside the
// answer so callers can show both.
func (c *Core) Answer(ctx context.Context, req retrieve.Request) (*retrieve.Response, *llm.Answer, error) {
	resp, err := c.Query(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	if c.Config.LLM.BaseURL == "" {
		return resp, nil, fmt.Errorf("answer: no chat LLM configured (set llm.base_url or OPENAI_BASE_URL)")
	}
	provider, err := llm.NewProvider(llm.ProviderConfig{
		BaseURL: c.Config.LLM.BaseURL, APIKey: c.Config.LLM.APIKey, DefaultModel: c.Config.LLM.Model,
	})
	if err != nil {
		return resp, nil, err
	}
	answer, err := llm.Synthesize(ctx, provider, req.Query, resp.Results)
	if err != nil {
		return resp, nil, err
	}
	return resp, answer, nil
}

// JobsGet returns a single job by id.
func (c *Core) JobsGet(ctx context.Context, id string) (model.Job, bool, error) {
	return c.Metadata.GetJob(ctx, id)
}

// JobsList returns jobs for a project, optionally filtered by state.
func (c *Core) JobsList(ctx context.Context, projectID string, state *model.JobState) ([]model.Job, error) {
	all, err := c.Metadata.ListJobs(ctx, state)
	if err != nil {
		return nil, err
	}
	if projectID == "" {
		return all, nil
	}
	out := all[:0:0]
	for _, j := range all {
		if j.ProjectID == projectID {
			out = append(out, j)
		}
	}
	return out, nil
}

// ProjectStats summarizes one project for `cie status`/projects.stats.
type ProjectStats struct {
	Project     model.Project
	Datasets    []model.Dataset
	Collections []model.DatasetCollection
	Subscribers int
}

// ProjectsStats gathers a project's datasets and bound collections.
func (c *Core) ProjectsStats(ctx context.Context, projectID string) (*ProjectStats, error) {
	project, found, err := c.Metadata.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("project %s not found", projectID)
	}
	datasets, err := c.Metadata.ListDatasetsForProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	collections, err := c.Metadata.ListCollectionsForProject(ctx, projectID, "")
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	return &ProjectStats{Project: project, Datasets: datasets, Collections: collections, Subscribers: c.Bus.SubscriberCount()}, nil
}

// ProjectsClear deletes a project's (or, when dataset is set, a single
// dataset's) vector collections and returns their names; with dryRun it
// only returns the names. Metadata rows (project, datasets, collection
// bindings, file snapshots) are not removed. The CLI requires an explicit
// flag before touching storage.
func (c *Core) ProjectsClear(ctx context.Context, projectID, dataset string, dryRun bool) ([]string, error) {
	collections, err := c.Metadata.ListCollectionsForProject(ctx, projectID, dataset)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	names := make([]string, 0, len(collections))
	for _, dc := range collections {
		names = append(names, dc.CollectionName)
	}
	if dryRun {
		return names, nil
	}
	for _, name := range names {
		if err := c.Vector.DeleteCollection(ctx, name); err != nil {
			return names, fmt.Errorf("delete collection %s: %w", name, err)
		}
	}
	return names, nil
}

// ScopeAutoDetect resolves (project_id, dataset) for a path or URL without
// enqueueing anything, for `cie scope` diagnostics.
func (c *Core) ScopeAutoDetect(ctx context.Context, sourceType, value string) (scope.Resolved, error) {
	switch sourceType {
	case "local_path":
		return c.Scope.ResolveLocal(ctx, value, "", "")
	case "git_url":
		return c.Scope.ResolveRemoteRepo(ctx, value, "", "")
	case "crawl_url":
		return c.Scope.ResolveCrawl(value, "")
	default:
		return scope.Resolved{}, fmt.Errorf("unknown source type %q", sourceType)
	}
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
