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
	"fmt"
	"os"
	"os/signal"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/kie/internal/bootstrap"
	"github.com/kraklabs/kie/internal/contract"
	"github.com/kraklabs/kie/internal/errors"
	"github.com/kraklabs/kie/internal/output"
	"github.com/kraklabs/kie/internal/ui"
	"github.com/kraklabs/kie/pkg/bus"
	"github.com/kraklabs/kie/pkg/core"
	"github.com/kraklabs/kie/pkg/model"
)

func runIngest(args []string, globals GlobalFlags) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: cie ingest <local|repo|crawl> ...")
		os.Exit(1)
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "local":
		runIngestLocal(rest, globals)
	case "repo":
		runIngestRepo(rest, globals)
	case "crawl":
		runIngestCrawl(rest, globals)
	default:
		fmt.Fprintf(os.Stderr, "Unknown ingest source: %s (want local, repo, or crawl)\n", sub)
		os.Exit(1)
	}
}

func runIngestLocal(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("ingest local", flag.ExitOnError)
	project := fs.String("project", "", "Override the auto-detected project id")
	dataset := fs.String("dataset", "", "Override the auto-detected dataset name")
	force := fs.Bool("force", false, "Re-index every file, ignoring snapshots")
	async := fs.Bool("async", false, "Enqueue and return without waiting")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: cie ingest local [options] <path>

Indexes a local directory: files are chunked, embedded, and written to the
project's vector collection. Re-running only processes changed files.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Error: path argument required")
		fs.Usage()
		os.Exit(1)
	}

	logger := bootstrap.NewLogger(globals.Verbose, globals.JSON)
	c, _, err := bootstrap.OpenCore(globals.ConfigPath, logger)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	job, err := c.IngestLocal(ctx, core.IngestLocalRequest{
		Path: fs.Arg(0), OverrideProject: *project, OverrideDataset: *dataset, Force: *force,
	})
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	finishEnqueuedJob(ctx, c, globals, job, *async)
}

func runIngestRepo(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("ingest repo", flag.ExitOnError)
	project := fs.String("project", "", "Override the auto-detected project id")
	dataset := fs.String("dataset", "", "Override the auto-detected dataset name")
	branch := fs.String("branch", "", "Branch or tag to clone (default: the remote's default branch)")
	sha := fs.String("sha", "", "Commit to check out after cloning")
	force := fs.Bool("force", false, "Re-index every file, ignoring snapshots")
	async := fs.Bool("async", false, "Enqueue and return without waiting")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: cie ingest repo [options] <git-url>

Clones a git repository (shallow) and indexes its files under a
github-{owner}-{repo} dataset.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Error: git url argument required")
		fs.Usage()
		os.Exit(1)
	}

	logger := bootstrap.NewLogger(globals.Verbose, globals.JSON)
	c, _, err := bootstrap.OpenCore(globals.ConfigPath, logger)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	job, err := c.IngestRemoteRepo(ctx, core.IngestRemoteRepoRequest{
		RepoURL: fs.Arg(0), Branch: *branch, SHA: *sha,
		OverrideProject: *project, OverrideDataset: *dataset, Force: *force,
	})
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	finishEnqueuedJob(ctx, c, globals, job, *async)
}

func runIngestCrawl(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("ingest crawl", flag.ExitOnError)
	project := fs.String("project", "", "Project id to attach the crawl to (required)")
	dataset := fs.String("dataset", "", "Override the auto-detected dataset name")
	mode := fs.String("mode", "recursive", "Crawl mode: single, sitemap, or recursive")
	maxPages := fs.Int("max-pages", 100, "Stop after this many pages")
	maxDepth := fs.Int("max-depth", 3, "Recursive link-following depth limit")
	sameDomain := fs.Bool("same-domain", true, "Only follow links on the seed's domain")
	force := fs.Bool("force", false, "Re-chunk pages whose content hash is unchanged")
	async := fs.Bool("async", false, "Enqueue and return without waiting")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: cie ingest crawl [options] <seed-url>

Crawls a site starting from the seed URL and indexes the pages under a
crawl-{domain} dataset. Recursive mode probes llms.txt/sitemap.xml first.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Error: seed url argument required")
		fs.Usage()
		os.Exit(1)
	}
	seed := fs.Arg(0)
	if err := contract.ValidateSeedURL(seed); err != nil {
		errors.FatalError(errors.NewInputError("Invalid seed URL", err.Error(), "Pass an http:// or https:// URL"), globals.JSON)
	}
	if *project == "" {
		errors.FatalError(errors.NewInputError("Missing project", "crawls must attach to an existing project", "Pass --project (see 'cie status')"), globals.JSON)
	}

	logger := bootstrap.NewLogger(globals.Verbose, globals.JSON)
	c, _, err := bootstrap.OpenCore(globals.ConfigPath, logger)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	job, err := c.IngestCrawl(ctx, core.IngestCrawlRequest{
		SeedURL: seed, Mode: model.CrawlMode(*mode), MaxPages: *maxPages, MaxDepth: *maxDepth,
		SameDomain: *sameDomain, ProjectID: *project, OverrideDataset: *dataset, Force: *force,
	})
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	finishEnqueuedJob(ctx, c, globals, job, *async)
}

// finishEnqueuedJob reports a freshly enqueued job: in async mode it prints
// the id and returns; otherwise it runs the dispatcher in-process and waits
// for the job to reach a terminal state, rendering progress from bus events.
func finishEnqueuedJob(ctx context.Context, c *core.Core, globals GlobalFlags, job model.Job, async bool) {
	if job.State.IsTerminal() {
		// Dedup hit against an already-finished job.
		printJob(globals, job)
		return
	}
	if async {
		printJob(globals, job)
		return
	}

	final, err := awaitJob(ctx, c, globals, job)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	printJob(globals, final)
	if final.State == model.JobFailed {
		os.Exit(1)
	}
}

// awaitJob drives job to completion: it subscribes to the bus before
// starting the dispatcher so no progress event is missed, then blocks until
// the job's terminal state arrives. Ctrl-C cancels the job cleanly.
func awaitJob(ctx context.Context, c *core.Core, globals GlobalFlags, job model.Job) (model.Job, error) {
	subID, events := c.Bus.Subscribe(bus.Subscription{
		Project: job.ProjectID,
		Topics:  []bus.Kind{bus.KindJobState, bus.KindJobProgress},
	})
	defer c.Bus.Unsubscribe(subID)

	if err := c.Run(ctx); err != nil {
		return model.Job{}, err
	}
	defer c.Shutdown()

	bar := NewJobProgressBar(NewProgressConfig(globals), phaseDescription("initializing"))
	for {
		select {
		case <-ctx.Done():
			// The signal context is gone; cancel against a fresh one.
			cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.Queue.Cancel(cancelCtx, job.ID); err != nil {
				return model.Job{}, fmt.Errorf("cancel job %s: %w", job.ID, err)
			}
			final, _, err := c.JobsGet(cancelCtx, job.ID)
			return final, err
		case e := <-events:
			switch e.Kind {
			case bus.KindJobProgress:
				if e.JobProgress != nil && e.JobProgress.JobID == job.ID {
					SetJobProgress(bar, e.JobProgress.Phase, e.JobProgress.Fraction)
				}
			case bus.KindJobState:
				if e.JobState == nil || e.JobState.JobID != job.ID {
					continue
				}
				if model.JobState(e.JobState.State).IsTerminal() {
					if bar != nil {
						_ = bar.Finish()
					}
					final, _, err := c.JobsGet(ctx, job.ID)
					// The run summary travels on the state event, not the row.
					if err == nil && len(e.JobState.Metadata) > 0 {
						final.Metadata = e.JobState.Metadata
					}
					return final, err
				}
			}
		}
	}
}

// jobView is the JSON shape printed for a job in --json mode.
type jobView struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	ProjectID string            `json:"project_id"`
	DatasetID string            `json:"dataset_id"`
	State     string            `json:"state"`
	Phase     string            `json:"phase,omitempty"`
	Fraction  float64           `json:"fraction"`
	Error     string            `json:"error,omitempty"`
	Summary   map[string]string `json:"summary,omitempty"`
}

func viewOf(job model.Job) jobView {
	return jobView{
		ID: job.ID, Kind: string(job.Kind), ProjectID: job.ProjectID, DatasetID: job.DatasetID,
		State: string(job.State), Phase: job.Progress.Phase, Fraction: job.Progress.Fraction,
		Error: job.Error, Summary: job.Metadata,
	}
}

func printJob(globals GlobalFlags, job model.Job) {
	if globals.JSON {
		if err := output.JSON(viewOf(job)); err != nil {
			errors.FatalError(err, true)
		}
		return
	}

	switch job.State {
	case model.JobSucceeded:
		ui.Successf("Job %s succeeded", job.ID)
		for k, v := range job.Metadata {
			fmt.Printf("  %s: %s\n", k, ui.Label(v))
		}
	case model.JobFailed:
		ui.Errorf("Job %s failed: %s", job.ID, job.Error)
	case model.JobCancelled:
		ui.Warningf("Job %s cancelled", job.ID)
	case model.JobSkipped:
		ui.Infof("Job %s skipped (duplicate of an active job)", job.ID)
	default:
		ui.Infof("Job %s %s", job.ID, job.State)
		fmt.Printf("  project: %s\n  dataset: %s\n", job.ProjectID, job.DatasetID)
	}
}
