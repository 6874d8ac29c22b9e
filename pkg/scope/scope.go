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

// Package scope derives deterministic (project_id, dataset) pairs from a
// filesystem path, a remote Git identifier, or a crawl seed URL, and
// resolves collisions against the metadata store. This is the Island
// Architecture's entry point: every subsequent store and query operation is
// keyed off the ids produced here.
package scope

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/btcsuite/btcutil/base58"

	"github.com/kraklabs/kie/internal/errors"
)

// CollisionChecker verifies whether a candidate project id is already bound
// to a different normalized source. Implemented by the metadata store.
type CollisionChecker interface {
	ProjectSourceHash(ctx context.Context, projectID string) (sourceHash string, found bool, err error)
}

// Resolved is the outcome of a scope resolution.
type Resolved struct {
	ProjectID string
	Dataset   string
	Source    string // "detected" or "override"
}

// Resolver ties project-id derivation to collision detection.
type Resolver struct {
	checker CollisionChecker
}

// NewResolver creates a Resolver. checker may be nil, in which case
// collision detection is skipped (useful for dry runs and tests).
func NewResolver(checker CollisionChecker) *Resolver {
	return &Resolver{checker: checker}
}

var nonAlnumUnderscore = regexp.MustCompile(`[^a-z0-9_]+`)

// Slug lowercases s and collapses any run of non alphanumeric/underscore
// characters into a single underscore, matching the collection naming
// invariant.
func Slug(s string) string {
	lowered := strings.ToLower(s)
	slug := nonAlnumUnderscore.ReplaceAllString(lowered, "_")
	slug = strings.Trim(slug, "_")
	if slug == "" {
		return "root"
	}
	return slug
}

// CollectionName computes the deterministic vector-store collection name
// for a (project, dataset) pair.
func CollectionName(projectID, datasetName string) string {
	return fmt.Sprintf("project_%s_dataset_%s", Slug(projectID), Slug(datasetName))
}

// normalizePath: resolve
// symlinks, strip trailing separators, and use forward slashes so the same
// logical path always hashes the same way regardless of how it was typed.
func normalizePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Path may not exist yet in dry-run contexts; fall back to the
		// absolute form rather than failing resolution outright.
		resolved = abs
	}
	cleaned := filepath.Clean(resolved)
	cleaned = filepath.ToSlash(cleaned)
	if strings.TrimSpace(os.Getenv("KIE_CASE_INSENSITIVE_FS")) == "1" {
		cleaned = strings.ToLower(cleaned)
	}
	return cleaned, nil
}

// hashSegment computes Base58(SHA256(input))[:8] using the Bitcoin alphabet
// (excludes 0, O, I, l).
func hashSegment(input string) string {
	sum := sha256.Sum256([]byte(input))
	encoded := base58.Encode(sum[:])
	if len(encoded) > 8 {
		return encoded[:8]
	}
	return encoded
}

// ResolveLocal derives (project_id, dataset) from an absolute local path.
// overrideProject, when non-empty, is used as the project id as given, with
// no derivation and no collision check; overrideDataset replaces the
// default dataset name.
func (r *Resolver) ResolveLocal(ctx context.Context, path string, overrideProject, overrideDataset string) (Resolved, error) {
	normalized, err := normalizePath(path)
	if err != nil {
		return Resolved{}, fmt.Errorf("resolveLocal: %w", err)
	}

	dataset := "local"
	if overrideDataset != "" {
		dataset = overrideDataset
	}

	if overrideProject != "" {
		return Resolved{ProjectID: overrideProject, Dataset: dataset, Source: "override"}, nil
	}

	base := Slug(filepath.Base(normalized))
	projectID, err := r.deriveProjectID(ctx, normalized, base)
	if err != nil {
		return Resolved{}, err
	}
	return Resolved{ProjectID: projectID, Dataset: dataset, Source: "detected"}, nil
}

// ResolveRemoteRepo derives (project_id, dataset) from a Git remote URL.
func (r *Resolver) ResolveRemoteRepo(ctx context.Context, remote string, overrideProject, overrideDataset string) (Resolved, error) {
	owner, repo := parseOwnerRepo(remote)
	dataset := fmt.Sprintf("github-%s-%s", Slug(owner), Slug(repo))
	if overrideDataset != "" {
		dataset = overrideDataset
	}

	if overrideProject != "" {
		return Resolved{ProjectID: overrideProject, Dataset: dataset, Source: "override"}, nil
	}

	normalized := normalizeRemote(remote)
	base := Slug(repo)
	projectID, err := r.deriveProjectID(ctx, normalized, base)
	if err != nil {
		return Resolved{}, err
	}
	return Resolved{ProjectID: projectID, Dataset: dataset, Source: "detected"}, nil
}

// ResolveCrawl derives (project_id, dataset) from a crawl seed URL. Crawl
// sessions always share a project per invocation of the caller's choosing,
// so only the dataset name is derived here; callers supply the project id
// explicitly (crawls are always attached to a known project).
func (r *Resolver) ResolveCrawl(seedURL, overrideDataset string) (Resolved, error) {
	u, err := url.Parse(seedURL)
	if err != nil {
		return Resolved{}, fmt.Errorf("resolveCrawl: invalid url: %w", err)
	}
	domain := strings.ReplaceAll(u.Hostname(), ".", "-")
	dataset := fmt.Sprintf("crawl-%s", Slug(domain))
	if overrideDataset != "" {
		dataset = overrideDataset
	}
	return Resolved{Dataset: dataset, Source: "detected"}, nil
}

// deriveProjectID implements the prefix8-slug-suffix8 format with
// collision-salt retry.
func (r *Resolver) deriveProjectID(ctx context.Context, normalizedSource, base string) (string, error) {
	if base == "" {
		base = "root"
	}

	for salt := 0; salt <= maxCollisionSalt; salt++ {
		suffixKey := normalizedSource + ":suffix"
		if salt > 0 {
			suffixKey = fmt.Sprintf("%s#%d", suffixKey, salt+1)
		}
		prefix := hashSegment(normalizedSource + ":prefix")
		suffix := hashSegment(suffixKey)
		candidate := fmt.Sprintf("%s-%s-%s", prefix, base, suffix)

		if r.checker == nil {
			return candidate, nil
		}

		existingHash, found, err := r.checker.ProjectSourceHash(ctx, candidate)
		if err != nil {
			return "", errors.NewDatabaseError(
				"Cannot verify project id uniqueness",
				"the metadata store's collision lookup failed",
				"Check the metadata store is reachable and retry",
				err,
			)
		}
		if !found || existingHash == normalizedSource {
			return candidate, nil
		}
	}
	return "", errors.NewScopeCollisionError(
		"Cannot derive a unique project id",
		fmt.Sprintf("every salted candidate up to #%d collides with a different source", maxCollisionSalt+1),
		"Pass an explicit --project override for this source",
		nil,
	)
}

// maxCollisionSalt bounds the salt-retry loop. Salted hashes collide with
// probability ~2^-94 per attempt, so exhausting this many is effectively a
// corrupted collision table, not bad luck.
const maxCollisionSalt = 32

var scpLikeRemote = regexp.MustCompile(`^[\w.-]+@[\w.-]+:(.+)$`)

// normalizeRemote strips protocol/credentials/.git suffix so that
// https://github.com/a/b.git, git@github.com:a/b.git, and
// ssh://git@github.com/a/b all normalize to the same hash input.
func normalizeRemote(remote string) string {
	trimmed := strings.TrimSuffix(strings.TrimSpace(remote), ".git")
	if idx := strings.Index(trimmed, "@"); idx >= 0 {
		if m := scpLikeRemote.FindStringSubmatch(trimmed); m != nil {
			host := trimmed[idx+1 : strings.Index(trimmed, ":")]
			return strings.ToLower(host + "/" + m[1])
		}
	}
	if u, err := url.Parse(trimmed); err == nil && u.Host != "" {
		u.User = nil
		return strings.ToLower(u.Host + u.Path)
	}
	return strings.ToLower(trimmed)
}

// parseOwnerRepo extracts {owner, repo} from common Git remote shapes.
func parseOwnerRepo(remote string) (owner, repo string) {
	trimmed := strings.TrimSuffix(strings.TrimSpace(remote), ".git")
	trimmed = strings.TrimSuffix(trimmed, "/")

	var path string
	if m := scpLikeRemote.FindStringSubmatch(trimmed); m != nil {
		path = m[1]
	} else if u, err := url.Parse(trimmed); err == nil && u.Host != "" {
		path = strings.TrimPrefix(u.Path, "/")
	} else {
		path = trimmed
	}

	parts := strings.Split(path, "/")
	if len(parts) >= 2 {
		return parts[len(parts)-2], parts[len(parts)-1]
	}
	if len(parts) == 1 {
		return "unknown", parts[0]
	}
	return "unknown", "unknown"
}
