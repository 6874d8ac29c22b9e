// Copyright 2025 KrakLabs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/kie/internal/bootstrap"
	"github.com/kraklabs/kie/internal/contract"
	"github.com/kraklabs/kie/internal/errors"
	"github.com/kraklabs/kie/internal/output"
	"github.com/kraklabs/kie/internal/ui"
	"github.com/kraklabs/kie/pkg/llm"
	"github.com/kraklabs/kie/pkg/retrieve"
)

func runQuery(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	project := fs.String("project", "", "Project id to query (required)")
	datasets := fs.StringSlice("dataset", nil, "Restrict to these datasets (repeatable)")
	topK := fs.Int("top-k", 10, "Number of results to return")
	threshold := fs.Float64("threshold", 0, "Drop results scoring below this")
	pathPrefix := fs.String("path", "", "Only chunks whose path starts with this prefix")
	repo := fs.String("repo", "", "Only chunks from this repository")
	lang := fs.String("lang", "", "Only chunks in this language")
	includeGlobal := fs.Bool("include-global", false, "Also search shared global datasets")
	answer := fs.Bool("answer", false, "Synthesize a cited answer via the configured chat LLM")
	timeout := fs.Duration("timeout", 30*time.Second, "Query timeout")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: cie query [options] <text>

Runs a project-scoped retrieval query: the text is embedded, every bound
collection is searched (hybrid when sparse vectors exist), and results are
fused and optionally reranked.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  cie query --project a1b2c3d4-myrepo-e5f6a7b8 "how do I rotate a refresh token"
  cie query --project $P --dataset github-acme-api --lang go --top-k 5 "retry backoff"
  cie query --project $P --answer "where is the crawl dispatcher throttled?"

`)
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Error: query text required")
		fs.Usage()
		os.Exit(1)
	}
	queryText := strings.Join(fs.Args(), " ")

	if err := contract.ValidateQuery(queryText); err != nil {
		errors.FatalError(errors.NewInputError("Invalid query", err.Error(), "Shorten the query text"), globals.JSON)
	}
	if err := contract.ValidateProjectID(*project); err != nil {
		errors.FatalError(errors.NewInputError("Invalid project", err.Error(), "Pass --project (see 'cie scope .')"), globals.JSON)
	}
	if err := contract.ValidateTopK(*topK); err != nil {
		errors.FatalError(errors.NewInputError("Invalid top-k", err.Error(), "Pass a smaller --top-k"), globals.JSON)
	}

	logger := bootstrap.NewLogger(globals.Verbose, globals.JSON)
	c, _, err := bootstrap.OpenCore(globals.ConfigPath, logger)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	req := retrieve.Request{
		Query: queryText, ProjectID: *project, Datasets: *datasets,
		TopK: *topK, Threshold: *threshold, PathPrefix: *pathPrefix,
		Repo: *repo, Lang: *lang, IncludeGlobal: *includeGlobal,
	}

	if *answer {
		resp, ans, err := c.Answer(ctx, req)
		if err != nil {
			errors.FatalError(err, globals.JSON)
		}
		printAnswer(globals, resp, ans)
		return
	}

	resp, err := c.Query(ctx, req)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	printQueryResponse(globals, resp)
}

// queryView is the JSON shape of a query response, including the
// degradation annotations.
type queryView struct {
	Results   []resultView `json:"results"`
	Count     int          `json:"count"`
	LatencyMS int64        `json:"latency_ms"`
	Partial   bool         `json:"partial,omitempty"`
	Degraded  []string     `json:"degradation,omitempty"`
}

type resultView struct {
	ID         string  `json:"id"`
	Path       string  `json:"path"`
	StartLine  int     `json:"start_line"`
	EndLine    int     `json:"end_line"`
	Lang       string  `json:"lang,omitempty"`
	Repo       string  `json:"repo,omitempty"`
	Score      float64 `json:"score"`
	Collection string  `json:"collection"`
	Content    string  `json:"content"`
}

func printQueryResponse(globals GlobalFlags, resp *retrieve.Response) {
	if globals.JSON {
		view := queryView{
			Results: make([]resultView, 0, len(resp.Results)), Count: len(resp.Results),
			LatencyMS: resp.Elapsed.Milliseconds(), Partial: resp.Partial, Degraded: resp.Degradations,
		}
		for _, r := range resp.Results {
			view.Results = append(view.Results, resultView{
				ID: r.ID, Path: r.RelativePath, StartLine: r.StartLine, EndLine: r.EndLine,
				Lang: r.Lang, Repo: r.Repo, Score: r.Score, Collection: r.Collection, Content: r.Content,
			})
		}
		if err := output.JSON(view); err != nil {
			errors.FatalError(err, true)
		}
		return
	}

	if len(resp.Results) == 0 {
		fmt.Println("No results")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCORE\tPATH\tLINES\tLANG")
	fmt.Fprintln(w, "---\t---\t---\t---")
	for _, r := range resp.Results {
		fmt.Fprintf(w, "%.4f\t%s\t%d-%d\t%s\n", r.Score, r.RelativePath, r.StartLine, r.EndLine, r.Lang)
	}
	w.Flush()

	fmt.Printf("\n(%d results in %dms)\n", len(resp.Results), resp.Elapsed.Milliseconds())
	for _, d := range resp.Degradations {
		ui.Warningf("degraded: %s", d)
	}
}

func printAnswer(globals GlobalFlags, resp *retrieve.Response, ans *llm.Answer) {
	if globals.JSON {
		if err := output.JSON(map[string]any{
			"answer":      ans.Text,
			"model":       ans.Model,
			"citations":   ans.Citations,
			"latency_ms":  resp.Elapsed.Milliseconds(),
			"partial":     resp.Partial,
			"degradation": resp.Degradations,
		}); err != nil {
			errors.FatalError(err, true)
		}
		return
	}

	fmt.Println(ans.Text)
	if len(ans.Citations) > 0 {
		fmt.Println()
		ui.SubHeader("Sources:")
		for i, cit := range ans.Citations {
			fmt.Printf("  [%d] %s:%d-%d\n", i+1, cit.RelativePath, cit.StartLine, cit.EndLine)
		}
	}
}
