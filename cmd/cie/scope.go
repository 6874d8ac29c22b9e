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
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/kie/internal/bootstrap"
	"github.com/kraklabs/kie/internal/errors"
	"github.com/kraklabs/kie/internal/output"
	"github.com/kraklabs/kie/internal/ui"
	"github.com/kraklabs/kie/pkg/scope"
)

func runScope(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("scope", flag.ExitOnError)
	sourceType := fs.String("type", "", "Source type: local_path, git_url, or crawl_url (default: guessed)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: cie scope [options] <path|url>

Shows the (project, dataset) pair auto-scoping derives for a source,
without creating anything.

Examples:
  cie scope .
  cie scope https://github.com/acme/api
  cie scope --type crawl_url https://docs.example.com/

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
	value := fs.Arg(0)

	st := *sourceType
	if st == "" {
		st = guessSourceType(value)
	}

	logger := bootstrap.NewLogger(globals.Verbose, globals.JSON)
	c, _, err := bootstrap.OpenCore(globals.ConfigPath, logger)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resolved, err := c.ScopeAutoDetect(ctx, st, value)
	if err != nil {
		errors.FatalError(errors.NewInputError("Cannot resolve scope", err.Error(), "Check the path or URL exists"), globals.JSON)
	}
	printResolved(globals, st, resolved)
}

// guessSourceType maps an argument to a scope source type: URLs ending in
// .git or on a known forge host are repos, other URLs are crawl seeds, and
// everything else is a filesystem path.
func guessSourceType(value string) string {
	if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") {
		if strings.HasSuffix(value, ".git") ||
			strings.Contains(value, "github.com/") ||
			strings.Contains(value, "gitlab.com/") ||
			strings.Contains(value, "bitbucket.org/") {
			return "git_url"
		}
		return "crawl_url"
	}
	if strings.HasPrefix(value, "git@") {
		return "git_url"
	}
	return "local_path"
}

func printResolved(globals GlobalFlags, sourceType string, resolved scope.Resolved) {
	if globals.JSON {
		if err := output.JSON(map[string]string{
			"project_id":  resolved.ProjectID,
			"dataset":     resolved.Dataset,
			"source":      resolved.Source,
			"source_type": sourceType,
			"collection":  scope.CollectionName(resolved.ProjectID, resolved.Dataset),
		}); err != nil {
			errors.FatalError(err, true)
		}
		return
	}
	fmt.Printf("%s %s\n", ui.Label("Project:"), resolved.ProjectID)
	fmt.Printf("%s %s\n", ui.Label("Dataset:"), resolved.Dataset)
	fmt.Printf("%s %s\n", ui.Label("Collection:"), scope.CollectionName(resolved.ProjectID, resolved.Dataset))
	fmt.Printf("%s %s\n", ui.Label("Source:"), ui.DimText(resolved.Source+" ("+sourceType+")"))
}
