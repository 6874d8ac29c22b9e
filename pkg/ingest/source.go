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

// Package ingest implements the Ingestion Coordinator: it walks a
// local directory or cloned Git remote, diffs against prior FileSnapshots,
// chunks and embeds the difference, and upserts both stores while emitting
// phase progress.
package ingest

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// SourceKind selects how a Loader materializes a root directory to walk.
type SourceKind string

const (
	SourceLocalPath SourceKind = "local_path"
	SourceGitURL    SourceKind = "git_url"
)

// Source identifies where an ingestion job's files come from.
type Source struct {
	Kind  SourceKind
	Value string // absolute path, or a git remote URL
	Ref   string // optional branch or tag, git sources only
	SHA   string // optional commit to check out after cloning
}

var (
	validGitURLPattern   = regexp.MustCompile(`^(https?://|git@|ssh://|file://)[\w.\-@:/%]+$`)
	dangerousCharsRegexp = regexp.MustCompile("[;&|$`\n\r\\\\]")
)

// Loader resolves a Source to a local directory, cloning git remotes to a
// temporary directory it tracks for cleanup.
type Loader struct {
	logger   *slog.Logger
	mu       sync.Mutex
	tempDirs []string
}

func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Close removes every temporary clone directory created by this loader.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var lastErr error
	for _, dir := range l.tempDirs {
		if err := os.RemoveAll(dir); err != nil {
			l.logger.Warn("ingest.source.cleanup_failed", "dir", dir, "err", err)
			lastErr = err
		}
	}
	l.tempDirs = nil
	return lastErr
}

// Resolve returns the absolute root directory to walk for source.
func (l *Loader) Resolve(source Source) (string, error) {
	switch source.Kind {
	case SourceGitURL:
		return l.cloneGitRepo(source)
	case SourceLocalPath:
		abs, err := filepath.Abs(source.Value)
		if err != nil {
			return "", fmt.Errorf("resolve local path: %w", err)
		}
		if err := validateLocalPath(abs); err != nil {
			return "", fmt.Errorf("invalid local path: %w", err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return "", fmt.Errorf("stat local path: %w", err)
		}
		if !info.IsDir() {
			return "", fmt.Errorf("local path is not a directory: %s", abs)
		}
		return abs, nil
	default:
		return "", fmt.Errorf("unsupported source kind: %s", source.Kind)
	}
}

// validateGitURL rejects URLs carrying shell metacharacters or an
// unrecognized scheme before it ever reaches exec.Command.
func validateGitURL(gitURL string) error {
	if gitURL == "" {
		return fmt.Errorf("git URL is empty")
	}
	if dangerousCharsRegexp.MatchString(gitURL) {
		return fmt.Errorf("git URL contains disallowed characters")
	}
	if strings.HasPrefix(gitURL, "http://") || strings.HasPrefix(gitURL, "https://") {
		parsed, err := url.Parse(gitURL)
		if err != nil {
			return fmt.Errorf("invalid URL format: %w", err)
		}
		if parsed.Host == "" {
			return fmt.Errorf("git URL missing host")
		}
		if parsed.User != nil {
			if _, hasPassword := parsed.User.Password(); hasPassword {
				return fmt.Errorf("git URL must not embed a password")
			}
		}
		return nil
	}
	if strings.HasPrefix(gitURL, "git@") || strings.HasPrefix(gitURL, "ssh://") {
		if !validGitURLPattern.MatchString(gitURL) {
			return fmt.Errorf("invalid SSH git URL format")
		}
		return nil
	}
	if strings.HasPrefix(gitURL, "file://") {
		return nil
	}
	return fmt.Errorf("unsupported git URL protocol: must be https://, git@, ssh://, or file://")
}

// cloneGitRepo performs a shallow clone into a tracked temp directory,
// honoring an optional branch/tag and an optional commit to check out.
func (l *Loader) cloneGitRepo(source Source) (string, error) {
	gitURL := source.Value
	if err := validateGitURL(gitURL); err != nil {
		return "", fmt.Errorf("invalid git URL: %w", err)
	}
	if err := validateGitRef(source.Ref); err != nil {
		return "", err
	}
	if err := validateGitSHA(source.SHA); err != nil {
		return "", err
	}

	tmpDir, err := os.MkdirTemp("", "kie-ingest-*")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}

	args := []string{"clone", "--depth", "1", "--quiet"}
	if source.Ref != "" {
		args = append(args, "--branch", source.Ref)
	}
	args = append(args, gitURL, tmpDir)
	cmd := exec.Command("git", args...)

	logURL := gitURL
	if parsed, err := url.Parse(gitURL); err == nil {
		parsed.RawQuery = ""
		if parsed.User != nil {
			parsed.User = url.User("***")
		}
		logURL = parsed.String()
	}
	l.logger.Info("ingest.source.clone.start", "url", logURL)

	if err := cmd.Run(); err != nil {
		_ = os.RemoveAll(tmpDir)
		return "", fmt.Errorf("git clone failed: %w", err)
	}

	if source.SHA != "" {
		fetch := exec.Command("git", "-C", tmpDir, "fetch", "--depth", "1", "--quiet", "origin", source.SHA)
		checkout := exec.Command("git", "-C", tmpDir, "checkout", "--quiet", source.SHA)
		if err := fetch.Run(); err == nil {
			err = checkout.Run()
			if err != nil {
				_ = os.RemoveAll(tmpDir)
				return "", fmt.Errorf("git checkout %s failed: %w", source.SHA, err)
			}
		} else if err := checkout.Run(); err != nil {
			// Some servers refuse fetch-by-sha; the commit may still be the
			// shallow clone's tip.
			_ = os.RemoveAll(tmpDir)
			return "", fmt.Errorf("git checkout %s failed: %w", source.SHA, err)
		}
	}

	l.mu.Lock()
	l.tempDirs = append(l.tempDirs, tmpDir)
	l.mu.Unlock()
	l.logger.Info("ingest.source.clone.success", "url", logURL)
	return tmpDir, nil
}

var gitRefPattern = regexp.MustCompile(`^[\w.\-/]+$`)
var gitSHAPattern = regexp.MustCompile(`^[0-9a-fA-F]{4,64}$`)

func validateGitRef(ref string) error {
	if ref == "" {
		return nil
	}
	if !gitRefPattern.MatchString(ref) || strings.HasPrefix(ref, "-") {
		return fmt.Errorf("invalid git ref %q", ref)
	}
	return nil
}

func validateGitSHA(sha string) error {
	if sha == "" {
		return nil
	}
	if !gitSHAPattern.MatchString(sha) {
		return fmt.Errorf("invalid git commit %q", sha)
	}
	return nil
}

// validateLocalPath rejects traversal attempts and a short list of
// sensitive system directories, a conservative default.
func validateLocalPath(absPath string) error {
	cleaned := filepath.Clean(absPath)
	if cleaned != absPath {
		return fmt.Errorf("path contains traversal attempts: %s", absPath)
	}
	if strings.Contains(absPath, "..") {
		return fmt.Errorf("path contains suspicious patterns: %s", absPath)
	}
	if !filepath.IsAbs(absPath) {
		return fmt.Errorf("path did not resolve to absolute: %s", absPath)
	}
	if absPath == "" || absPath == "/" {
		return fmt.Errorf("path is empty or root, which is not allowed")
	}
	for _, sensitive := range []string{"/etc", "/sys", "/proc", "/dev", "/boot", "/root"} {
		if absPath == sensitive || strings.HasPrefix(absPath, sensitive+"/") {
			return fmt.Errorf("path is in a sensitive system directory: %s", absPath)
		}
	}
	return nil
}
