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

// Package bootstrap is where CLI commands turn flags into a running Core.
//
// Every subcommand follows the same sequence:
//
//	logger := bootstrap.NewLogger(globals.Verbose, globals.JSON)
//	c, cfg, err := bootstrap.OpenCore(globals.ConfigPath, logger)
//	if err != nil {
//	    errors.FatalError(err, globals.JSON)
//	}
//	defer c.Close()
//
// Configuration is read from ~/.context/config.yaml (overridable with
// --config) with environment variables applied last, so a missing config
// file still yields a usable default setup pointed at localhost services.
//
// OpenCore dials both durable stores eagerly. A Core that opened
// successfully can still fail later on encoder calls; those surface as
// per-job or per-query errors, not here.
package bootstrap
