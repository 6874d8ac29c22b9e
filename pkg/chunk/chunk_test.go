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

package chunk

import (
	"strings"
	"testing"

	"github.com/kraklabs/kie/pkg/model"
)

func TestChunkGoSingleFunction(t *testing.T) {
	src := `package greet

// greet prints a friendly greeting to stdout.
func greet(name string) string {
	return "hello " + name
}
`
	c := New()
	res := c.Chunk(Input{
		Content:        src,
		Path:           "hello.go",
		CollectionName: "project_x_dataset_local",
	})
	if res.Skipped {
		t.Fatalf("unexpected skip: %s", res.Reason)
	}
	if len(res.Chunks) != 1 {
		t.Fatalf("want 1 chunk, got %d", len(res.Chunks))
	}
	ch := res.Chunks[0]
	if ch.Symbol == nil || ch.Symbol.Name != "greet" {
		t.Fatalf("want symbol greet, got %+v", ch.Symbol)
	}
	if ch.Symbol.Kind != model.SymbolFunction {
		t.Fatalf("want function kind, got %s", ch.Symbol.Kind)
	}
	if ch.StartLine < 1 || ch.EndLine < ch.StartLine {
		t.Fatalf("bad line range %d-%d", ch.StartLine, ch.EndLine)
	}
}

func TestChunkGoMethodAndType(t *testing.T) {
	src := `package server

// Server handles requests.
type Server struct {
	addr string
}

// Start begins serving on s.addr.
func (s *Server) Start() error {
	return nil
}
`
	c := New()
	res := c.Chunk(Input{Content: src, Path: "server.go", CollectionName: "coll"})
	if len(res.Chunks) != 2 {
		t.Fatalf("want 2 chunks, got %d", len(res.Chunks))
	}
	var sawStruct, sawMethod bool
	for _, ch := range res.Chunks {
		if ch.Symbol == nil {
			continue
		}
		switch ch.Symbol.Kind {
		case model.SymbolClass:
			sawStruct = true
			if ch.Symbol.Name != "Server" {
				t.Errorf("want Server, got %s", ch.Symbol.Name)
			}
		case model.SymbolMethod:
			sawMethod = true
			if ch.Symbol.Parent != "Server" {
				t.Errorf("want parent Server, got %s", ch.Symbol.Parent)
			}
		}
	}
	if !sawStruct || !sawMethod {
		t.Fatalf("expected both a struct and a method chunk: %+v", res.Chunks)
	}
}

func TestChunkIdentityIsDeterministic(t *testing.T) {
	in := Input{Content: "package p\n\nfunc F() {}\n", Path: "a.go", CollectionName: "coll"}
	c := New()
	r1 := c.Chunk(in)
	r2 := c.Chunk(in)
	if len(r1.Chunks) == 0 || len(r2.Chunks) == 0 {
		t.Fatal("expected chunks")
	}
	if r1.Chunks[0].ID != r2.Chunks[0].ID {
		t.Fatalf("chunk id not stable: %s != %s", r1.Chunks[0].ID, r2.Chunks[0].ID)
	}
}

func TestChunkProseParagraphsAndOverlap(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 40; i++ {
		sb.WriteString("This is a reasonably long sentence describing something in documentation prose. ")
		sb.WriteString("It continues for a while to build up paragraph size across several sentences.\n\n")
	}
	c := New()
	res := c.Chunk(Input{Content: sb.String(), Path: "docs/guide.md", LanguageHint: "text", CollectionName: "coll"})
	if res.Skipped {
		t.Fatalf("unexpected skip: %s", res.Reason)
	}
	if len(res.Chunks) < 2 {
		t.Fatalf("expected multiple chunks from long prose, got %d", len(res.Chunks))
	}
	for i, ch := range res.Chunks {
		if len(ch.Content) > MaxChars {
			t.Errorf("chunk %d exceeds MaxChars: %d", i, len(ch.Content))
		}
		if ch.Symbol != nil {
			t.Errorf("prose chunk %d should not carry symbol metadata", i)
		}
	}
}

func TestChunkEmptyContent(t *testing.T) {
	c := New()
	res := c.Chunk(Input{Content: "", Path: "empty.go", CollectionName: "coll"})
	if res.Skipped {
		t.Fatalf("empty content should not be marked skipped")
	}
	if len(res.Chunks) != 0 {
		t.Fatalf("want 0 chunks for empty content, got %d", len(res.Chunks))
	}
}

func TestChunkOversizedContentSkipped(t *testing.T) {
	c := New().WithMaxContentBytes(10)
	res := c.Chunk(Input{Content: "package main\nfunc main(){}\n", Path: "big.go", CollectionName: "coll"})
	if !res.Skipped {
		t.Fatal("expected oversized content to be skipped")
	}
}

func TestChunkBinaryContentSkipped(t *testing.T) {
	c := New()
	res := c.Chunk(Input{Content: "binary\x00data\x00here", Path: "asset.bin", CollectionName: "coll"})
	if !res.Skipped {
		t.Fatal("expected binary content to be skipped")
	}
}
