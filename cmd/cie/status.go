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
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/kie/internal/bootstrap"
	"github.com/kraklabs/kie/internal/errors"
	"github.com/kraklabs/kie/internal/output"
	"github.com/kraklabs/kie/internal/ui"
)

// statusView is the JSON shape of `cie status`.
type statusView struct {
	ProjectID   string            `json:"project_id"`
	ProjectName string            `json:"project_name"`
	Datasets    []datasetView     `json:"datasets"`
	Collections []string          `json:"collections"`
	Jobs        map[string]int    `json:"jobs"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type datasetView struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Scope string `json:"scope"`
}

func runStatus(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: cie status <project-id>

Shows a project's datasets, bound vector collections, and job counts.
Use 'cie scope <path>' to find a project id from a source path.
`)
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(1)
	}
	projectID := fs.Arg(0)

	logger := bootstrap.NewLogger(globals.Verbose, globals.JSON)
	c, _, err := bootstrap.OpenCore(globals.ConfigPath, logger)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	stats, err := c.ProjectsStats(ctx, projectID)
	if err != nil {
		errors.FatalError(errors.NewNotFoundError("Project not found", err.Error(), "Run 'cie ingest local <path>' to create it"), globals.JSON)
	}

	jobs, err := c.JobsList(ctx, projectID, nil)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	jobCounts := map[string]int{}
	for _, j := range jobs {
		jobCounts[string(j.State)]++
	}

	view := statusView{
		ProjectID: stats.Project.ID, ProjectName: stats.Project.Name,
		Jobs: jobCounts, Metadata: stats.Project.Metadata,
	}
	for _, d := range stats.Datasets {
		view.Datasets = append(view.Datasets, datasetView{ID: d.ID, Name: d.Name, Scope: string(d.Scope)})
	}
	for _, col := range stats.Collections {
		view.Collections = append(view.Collections, col.CollectionName)
	}

	if globals.JSON {
		if err := output.JSON(view); err != nil {
			errors.FatalError(err, true)
		}
		return
	}

	ui.Header("Project " + view.ProjectID)
	fmt.Println()
	ui.SubHeader("Datasets:")
	if len(view.Datasets) == 0 {
		fmt.Println("  (none)")
	}
	for _, d := range view.Datasets {
		fmt.Printf("  %s %s\n", d.Name, ui.DimText("("+d.Scope+")"))
	}
	fmt.Println()
	ui.SubHeader("Collections:")
	if len(view.Collections) == 0 {
		fmt.Println("  (none)")
	}
	for _, name := range view.Collections {
		fmt.Printf("  %s\n", name)
	}
	if len(jobCounts) > 0 {
		fmt.Println()
		ui.SubHeader("Jobs:")
		for state, n := range jobCounts {
			fmt.Printf("  %s: %s\n", state, ui.CountText(n))
		}
	}
}
