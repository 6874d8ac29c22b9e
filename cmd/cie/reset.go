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
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/kie/internal/bootstrap"
	"github.com/kraklabs/kie/internal/errors"
	"github.com/kraklabs/kie/internal/output"
	"github.com/kraklabs/kie/internal/ui"
)

func runReset(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	dataset := fs.String("dataset", "", "Only clear this dataset's collections")
	dryRun := fs.Bool("dry-run", false, "Show what would be deleted without deleting")
	yes := fs.Bool("yes", false, "Skip the confirmation prompt")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: cie reset [options] <project-id>

Deletes a project's vector collections (or one dataset's with --dataset).
Metadata rows are kept for audit; re-ingesting rebuilds the collections.

Options:
`)
		fs.PrintDefaults()
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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Always enumerate first so the prompt can name what will go.
	names, err := c.ProjectsClear(ctx, projectID, *dataset, true)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	if len(names) == 0 {
		if globals.JSON {
			_ = output.JSON(map[string]any{"deleted": []string{}, "dry_run": *dryRun})
		} else {
			fmt.Println("Nothing to delete")
		}
		return
	}

	if *dryRun {
		if globals.JSON {
			_ = output.JSON(map[string]any{"deleted": names, "dry_run": true})
		} else {
			fmt.Println("Would delete:")
			for _, name := range names {
				fmt.Printf("  %s\n", name)
			}
		}
		return
	}

	if !*yes && !globals.JSON {
		fmt.Printf("About to delete %d collection(s) for project %s:\n", len(names), projectID)
		for _, name := range names {
			fmt.Printf("  %s\n", name)
		}
		fmt.Print("Continue? [y/N] ")
		var reply string
		_, _ = fmt.Scanln(&reply)
		if reply != "y" && reply != "Y" && reply != "yes" {
			fmt.Println("Aborted")
			return
		}
	}

	deleted, err := c.ProjectsClear(ctx, projectID, *dataset, false)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	if globals.JSON {
		_ = output.JSON(map[string]any{"deleted": deleted, "dry_run": false})
		return
	}
	ui.Successf("Deleted %d collection(s)", len(deleted))
}
