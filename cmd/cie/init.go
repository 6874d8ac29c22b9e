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
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/kraklabs/kie/internal/bootstrap"
	"github.com/kraklabs/kie/internal/errors"
	"github.com/kraklabs/kie/internal/ui"
	"github.com/kraklabs/kie/pkg/config"
)

func runInit(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	force := fs.Bool("force", false, "Overwrite an existing config file")
	yes := fs.BoolP("yes", "y", false, "Accept all defaults without prompting")
	qdrantAddr := fs.String("qdrant", "", "Qdrant gRPC address (default localhost:6334)")
	embedURL := fs.String("embed-url", "", "Embedding server base URL (default http://localhost:11434)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: cie init [options]

Writes ~/.context/config.yaml and ~/.context/auto-scope.json with working
defaults, prompting for the service endpoints unless --yes is given.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	configPath := globals.ConfigPath
	if configPath == "" {
		configPath = bootstrap.DefaultConfigPath()
	}
	if _, err := os.Stat(configPath); err == nil && !*force {
		errors.FatalError(errors.NewInputError(
			"Config already exists",
			fmt.Sprintf("%s is already present", configPath),
			"Re-run with --force to overwrite",
		), globals.JSON)
	}

	cfg := config.Default()
	if *qdrantAddr != "" {
		cfg.QdrantAddr = *qdrantAddr
	}
	if *embedURL != "" {
		cfg.Encoders.TextBaseURL = *embedURL
		cfg.Encoders.CodeBaseURL = *embedURL
	}

	if !*yes && !globals.JSON {
		reader := bufio.NewReader(os.Stdin)
		cfg.QdrantAddr = prompt(reader, "Qdrant address", cfg.QdrantAddr)
		cfg.Encoders.TextBaseURL = prompt(reader, "Text encoder base URL", cfg.Encoders.TextBaseURL)
		cfg.Encoders.CodeBaseURL = prompt(reader, "Code encoder base URL", cfg.Encoders.CodeBaseURL)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		errors.FatalError(err, globals.JSON)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		errors.FatalError(err, globals.JSON)
	}

	// Seed the auto-scope file next to the config unless one already exists;
	// overrides accumulated there survive re-init.
	scopePath := filepath.Join(filepath.Dir(configPath), "auto-scope.json")
	if _, err := os.Stat(scopePath); os.IsNotExist(err) {
		scopeData, err := json.MarshalIndent(config.DefaultAutoScopeConfig(), "", "  ")
		if err == nil {
			err = os.WriteFile(scopePath, scopeData, 0o644)
		}
		if err != nil {
			ui.Warningf("could not write %s: %v", scopePath, err)
		}
	}

	if globals.JSON {
		fmt.Printf("{\"config\": %q}\n", configPath)
		return
	}
	ui.Successf("Wrote %s", configPath)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Printf("  1. Start qdrant:        docker run -p 6334:6334 qdrant/qdrant\n")
	fmt.Printf("  2. Index something:     cie ingest local .\n")
	fmt.Printf("  3. Query it:            cie query --project $(cie scope . --json | jq -r .project_id) \"...\"\n")
}

func prompt(reader *bufio.Reader, label, defaultValue string) string {
	fmt.Printf("%s [%s]: ", label, defaultValue)
	line, err := reader.ReadString('\n')
	if err != nil {
		return defaultValue
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return defaultValue
	}
	return line
}
