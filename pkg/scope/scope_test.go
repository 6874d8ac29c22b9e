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

package scope

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"Hello World":   "hello_world",
		"my-repo.name":  "my_repo_name",
		"___":           "root",
		"already_lower": "already_lower",
	}
	for in, want := range cases {
		if got := Slug(in); got != want {
			t.Errorf("Slug(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolveLocal_Deterministic(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "myrepo")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	r := NewResolver(nil)
	first, err := r.ResolveLocal(context.Background(), sub, "", "")
	if err != nil {
		t.Fatalf("ResolveLocal: %v", err)
	}
	second, err := r.ResolveLocal(context.Background(), sub, "", "")
	if err != nil {
		t.Fatalf("ResolveLocal: %v", err)
	}
	if first.ProjectID != second.ProjectID {
		t.Errorf("ProjectID not deterministic: %q vs %q", first.ProjectID, second.ProjectID)
	}
	if first.Dataset != "local" {
		t.Errorf("Dataset = %q, want %q", first.Dataset, "local")
	}
}

func TestResolveLocal_DifferentPathsDiffer(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()

	r := NewResolver(nil)
	a, err := r.ResolveLocal(context.Background(), dirA, "", "")
	if err != nil {
		t.Fatalf("ResolveLocal: %v", err)
	}
	b, err := r.ResolveLocal(context.Background(), dirB, "", "")
	if err != nil {
		t.Fatalf("ResolveLocal: %v", err)
	}
	if a.ProjectID == b.ProjectID {
		t.Errorf("distinct paths produced the same project id %q", a.ProjectID)
	}
}

func TestResolveLocal_Override(t *testing.T) {
	dir := t.TempDir()
	r := NewResolver(nil)
	got, err := r.ResolveLocal(context.Background(), dir, "proj_fixed", "mydata")
	if err != nil {
		t.Fatalf("ResolveLocal: %v", err)
	}
	if got.ProjectID != "proj_fixed" || got.Dataset != "mydata" || got.Source != "override" {
		t.Errorf("ResolveLocal override = %+v", got)
	}
}

func TestResolveRemoteRepo_DatasetNaming(t *testing.T) {
	r := NewResolver(nil)
	cases := []struct {
		remote string
		want   string
	}{
		{"https://github.com/kraklabs/kie.git", "github-kraklabs-kie"},
		{"git@github.com:kraklabs/kie.git", "github-kraklabs-kie"},
		{"https://github.com/kraklabs/kie", "github-kraklabs-kie"},
	}
	for _, c := range cases {
		got, err := r.ResolveRemoteRepo(context.Background(), c.remote, "", "")
		if err != nil {
			t.Fatalf("ResolveRemoteRepo(%q): %v", c.remote, err)
		}
		if got.Dataset != c.want {
			t.Errorf("ResolveRemoteRepo(%q).Dataset = %q, want %q", c.remote, got.Dataset, c.want)
		}
	}
}

func TestResolveRemoteRepo_EquivalentURLsSameProject(t *testing.T) {
	r := NewResolver(nil)
	https, err := r.ResolveRemoteRepo(context.Background(), "https://github.com/kraklabs/kie.git", "", "")
	if err != nil {
		t.Fatal(err)
	}
	ssh, err := r.ResolveRemoteRepo(context.Background(), "git@github.com:kraklabs/kie.git", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if https.ProjectID != ssh.ProjectID {
		t.Errorf("https and ssh remotes resolved to different projects: %q vs %q", https.ProjectID, ssh.ProjectID)
	}
}

func TestResolveCrawl_DatasetFromDomain(t *testing.T) {
	r := NewResolver(nil)
	got, err := r.ResolveCrawl("https://docs.example.com/guide", "")
	if err != nil {
		t.Fatalf("ResolveCrawl: %v", err)
	}
	want := "crawl-docs_example_com"
	if got.Dataset != want {
		t.Errorf("ResolveCrawl dataset = %q, want %q", got.Dataset, want)
	}
}

type fakeChecker struct {
	bySourceHash map[string]string // projectID -> sourceHash
}

func (f *fakeChecker) ProjectSourceHash(ctx context.Context, projectID string) (string, bool, error) {
	h, ok := f.bySourceHash[projectID]
	return h, ok, nil
}

func TestDeriveProjectID_CollisionRetriesWithSalt(t *testing.T) {
	dir := t.TempDir()
	r := NewResolver(nil)
	unsaltedID, err := r.ResolveLocal(context.Background(), dir, "", "")
	if err != nil {
		t.Fatal(err)
	}

	checker := &fakeChecker{bySourceHash: map[string]string{
		unsaltedID.ProjectID: "some-other-source",
	}}
	collidingResolver := NewResolver(checker)
	resolved, err := collidingResolver.ResolveLocal(context.Background(), dir, "", "")
	if err != nil {
		t.Fatalf("ResolveLocal with collision: %v", err)
	}
	if resolved.ProjectID == unsaltedID.ProjectID {
		t.Errorf("expected salted retry to produce a different id, got the same %q", resolved.ProjectID)
	}
}

type alwaysCollidingChecker struct{}

func (alwaysCollidingChecker) ProjectSourceHash(ctx context.Context, projectID string) (string, bool, error) {
	return "someone-else-entirely", true, nil
}

func TestDeriveProjectID_ExhaustedSaltsFails(t *testing.T) {
	r := NewResolver(alwaysCollidingChecker{})
	_, err := r.ResolveLocal(context.Background(), t.TempDir(), "", "")
	if err == nil {
		t.Fatal("expected an error when every salted candidate collides")
	}
}

func TestCollectionName(t *testing.T) {
	got := CollectionName("proj_ABC", "My Dataset")
	want := "project_proj_abc_dataset_my_dataset"
	if got != want {
		t.Errorf("CollectionName = %q, want %q", got, want)
	}
}
