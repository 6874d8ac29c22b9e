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

// Package main implements the cie CLI: ingest local paths, git repos, and
// crawled sites into the knowledge platform, and query it back.
//
// Usage:
//
//	cie ingest local <path> [--project ID] [--dataset NAME] [--force]
//	cie ingest repo <url> [--project ID] [--dataset NAME] [--force]
//	cie ingest crawl <url> --project ID [--mode recursive] [--max-pages N]
//	cie query <text> [--project ID] [--dataset NAME] [--top-k N]
//	cie jobs get <id>
//	cie jobs list [--project ID] [--state running]
//	cie status <project-id>
//	cie reset <project-id> [--dataset NAME] [--yes]
//	cie serve [--addr :8711]
//	cie scope <path|url>
//	cie init [--yes]
package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/kie/internal/ui"
)

// Version information (set via ldflags during build)
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// GlobalFlags carries the flags every subcommand shares, parsed once in
// main before the command-specific FlagSet takes over the remaining args.
type GlobalFlags struct {
	ConfigPath string
	JSON       bool
	Quiet      bool
	NoColor    bool
	Verbose    int
}

func main() {
	globals := GlobalFlags{}

	root := flag.NewFlagSet("cie", flag.ContinueOnError)
	root.StringVar(&globals.ConfigPath, "config", "", "Path to config YAML (default: ~/.context/config.yaml)")
	root.BoolVar(&globals.JSON, "json", false, "Output machine-readable JSON")
	root.BoolVarP(&globals.Quiet, "quiet", "q", false, "Suppress progress output")
	root.BoolVar(&globals.NoColor, "no-color", false, "Disable colored output")
	root.CountVarP(&globals.Verbose, "verbose", "v", "Increase log verbosity (repeatable)")
	showVersion := root.Bool("version", false, "Show version and exit")

	root.Usage = func() {
		fmt.Fprintf(os.Stderr, `cie - multi-tenant code & documentation knowledge platform CLI

Usage:
  cie <command> [options]

Commands:
  ingest local <path>    Ingest a local directory
  ingest repo <url>      Clone and ingest a git repository
  ingest crawl <url>     Crawl and ingest a website
  query <text>           Run a retrieval query
  jobs get <id>          Show one job's status
  jobs list              List jobs
  status <project-id>    Show a project's datasets and collections
  reset <project-id>     Delete a project's (or dataset's) vector collections
  serve                  Run the HTTP + WebSocket event server
  scope <path|url>       Show the auto-detected (project, dataset) for a source
  init                   Write the default config file
  install-hook           Install a git post-commit hook that re-ingests
  completion <shell>     Print shell completion script

Global Options:
`)
		root.PrintDefaults()
	}

	// pflag stops at the first non-flag token, so global flags must precede
	// the command; each subcommand then parses its own remaining args.
	root.SetInterspersed(false)
	if err := root.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}
	if globals.NoColor {
		ui.InitColors(true)
	}

	if *showVersion {
		fmt.Printf("cie version %s (commit %s, built %s)\n", version, commit, date)
		return
	}

	args := root.Args()
	if len(args) == 0 {
		root.Usage()
		os.Exit(1)
	}

	command, cmdArgs := args[0], args[1:]
	switch command {
	case "ingest":
		runIngest(cmdArgs, globals)
	case "query":
		runQuery(cmdArgs, globals)
	case "jobs":
		runJobs(cmdArgs, globals)
	case "status":
		runStatus(cmdArgs, globals)
	case "reset":
		runReset(cmdArgs, globals)
	case "serve":
		runServe(cmdArgs, globals)
	case "scope":
		runScope(cmdArgs, globals)
	case "init":
		runInit(cmdArgs, globals)
	case "install-hook":
		runInstallHook(cmdArgs)
	case "completion":
		runCompletion(cmdArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		root.Usage()
		os.Exit(1)
	}
}

// phaseDescription maps an ingestion/crawl phase identifier to the
// human-readable label shown next to the progress bar.
func phaseDescription(phase string) string {
	switch phase {
	case "initializing":
		return "Resolving scope"
	case "discovery":
		return "Scanning files"
	case "chunking":
		return "Chunking"
	case "embedding":
		return "Generating embeddings"
	case "storing":
		return "Writing to stores"
	case "completed":
		return "Finalizing"
	case "crawl":
		return "Crawling"
	default:
		return phase
	}
}
