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

package ingest

import (
	"io/fs"
	"path/filepath"
	"strings"
)

// DefaultExcludeGlobs matches directories and files the discovery walk
// skips regardless of caller-supplied excludes.
var DefaultExcludeGlobs = []string{
	".git/**", "node_modules/**", ".venv/**", "venv/**", "dist/**", "build/**",
	"__pycache__/**", ".next/**", "target/**", "vendor/**",
}

// DefaultMaxFileSize is the per-file byte cap above which discovery skips a
// file outright rather than attempting to chunk it.
const DefaultMaxFileSize = 2 << 20 // 2 MiB, matches chunk.MaxContentBytes

var binaryExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true, ".ico": true,
	".pdf": true, ".zip": true, ".tar": true, ".gz": true, ".bz2": true, ".7z": true,
	".exe": true, ".dll": true, ".so": true, ".dylib": true, ".a": true, ".o": true,
	".woff": true, ".woff2": true, ".ttf": true, ".eot": true, ".mp3": true, ".mp4": true,
	".mov": true, ".avi": true, ".webm": true, ".wasm": true, ".class": true, ".jar": true,
}

// DiscoveredFile is one file found by Discover, not yet hashed.
type DiscoveredFile struct {
	RelativePath string
	FullPath     string
	Size         int64
}

// Discover walks root, honoring the default ignore set plus excludeGlobs,
// and skipping anything over maxFileSize or with a known binary extension.
func Discover(root string, excludeGlobs []string, maxFileSize int64) ([]DiscoveredFile, error) {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	globs := append(append([]string{}, DefaultExcludeGlobs...), excludeGlobs...)

	var out []DiscoveredFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		relPath, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		relPath = filepath.ToSlash(relPath)

		if d.IsDir() {
			if relPath != "." && matchesAnyGlob(relPath, globs) {
				return filepath.SkipDir
			}
			return nil
		}

		if matchesAnyGlob(relPath, globs) {
			return nil
		}
		if binaryExtensions[strings.ToLower(filepath.Ext(relPath))] {
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		if info.Size() > maxFileSize {
			return nil
		}

		out = append(out, DiscoveredFile{RelativePath: relPath, FullPath: path, Size: info.Size()})
		return nil
	})
	return out, err
}

// matchesAnyGlob reports whether path matches any of patterns, supporting
// "dir/**" (directory and everything under it, at any depth) and "*.ext"
// (extension match anywhere), the two shapes DefaultExcludeGlobs uses.
func matchesAnyGlob(path string, patterns []string) bool {
	for _, pattern := range patterns {
		if matchesGlob(path, pattern) {
			return true
		}
	}
	return false
}

func matchesGlob(path, pattern string) bool {
	pattern = filepath.ToSlash(pattern)

	if strings.HasSuffix(pattern, "/**") {
		prefix := strings.TrimSuffix(pattern, "/**")
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
		parts := strings.Split(path, "/")
		for i := range parts {
			subpath := strings.Join(parts[i:], "/")
			if subpath == prefix || strings.HasPrefix(subpath, prefix+"/") {
				return true
			}
		}
		return false
	}

	if strings.HasPrefix(pattern, "*.") && !strings.Contains(pattern, "/") {
		return strings.HasSuffix(path, pattern[1:])
	}

	return path == pattern || strings.HasSuffix(path, "/"+pattern)
}
