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
	"text/tabwriter"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/kie/internal/bootstrap"
	"github.com/kraklabs/kie/internal/errors"
	"github.com/kraklabs/kie/internal/output"
	"github.com/kraklabs/kie/pkg/model"
)

func runJobs(args []string, globals GlobalFlags) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: cie jobs <get|list> ...")
		os.Exit(1)
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "get":
		runJobsGet(rest, globals)
	case "list":
		runJobsList(rest, globals)
	default:
		fmt.Fprintf(os.Stderr, "Unknown jobs subcommand: %s (want get or list)\n", sub)
		os.Exit(1)
	}
}

func runJobsGet(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("jobs get", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: cie jobs get <job-id>")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(1)
	}

	logger := bootstrap.NewLogger(globals.Verbose, globals.JSON)
	c, _, err := bootstrap.OpenCore(globals.ConfigPath, logger)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	job, found, err := c.JobsGet(ctx, fs.Arg(0))
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	if !found {
		errors.FatalError(errors.NewNotFoundError("Job not found", fmt.Sprintf("no job with id %s", fs.Arg(0)), "Run 'cie jobs list' to see known jobs"), globals.JSON)
	}
	printJob(globals, job)
}

func runJobsList(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("jobs list", flag.ExitOnError)
	project := fs.String("project", "", "Only jobs for this project")
	state := fs.String("state", "", "Only jobs in this state (queued, running, succeeded, failed, skipped, cancelled)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: cie jobs list [options]

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	var stateFilter *model.JobState
	if *state != "" {
		s := model.JobState(*state)
		stateFilter = &s
	}

	logger := bootstrap.NewLogger(globals.Verbose, globals.JSON)
	c, _, err := bootstrap.OpenCore(globals.ConfigPath, logger)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	jobs, err := c.JobsList(ctx, *project, stateFilter)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}

	if globals.JSON {
		views := make([]jobView, 0, len(jobs))
		for _, j := range jobs {
			views = append(views, viewOf(j))
		}
		if err := output.JSON(views); err != nil {
			errors.FatalError(err, true)
		}
		return
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSTATE\tPHASE\tPROGRESS\tPROJECT")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.0f%%\t%s\n",
			j.ID, j.Kind, j.State, j.Progress.Phase, j.Progress.Fraction*100, j.ProjectID)
	}
	w.Flush()
	fmt.Printf("\n(%d jobs)\n", len(jobs))
}
