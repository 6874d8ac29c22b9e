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

// Package chunk splits source artifacts into retrieval-ready chunks. Code is
// split AST-aware at declaration boundaries using tree-sitter, with symbol
// metadata attached per chunk; anything else (prose, web pages, or code that
// fails to parse) is split at paragraph/sentence boundaries with overlap.
package chunk

import (
	"path/filepath"
	"strings"

	"github.com/kraklabs/kie/internal/errors"
	"github.com/kraklabs/kie/pkg/model"
)

// Target sizing for emitted chunks, in characters. These are soft targets:
// the splitter tries to land near Target but will exceed Max only when a
// single declaration or paragraph cannot be split further.
const (
	MinChars     = 200
	TargetChars  = 800
	MaxChars     = 2000
	OverlapChars = 150 // ~15-20% of TargetChars
)

// MaxContentBytes is the size above which content is skipped rather than
// chunked.
const MaxContentBytes = 2 << 20 // 2 MiB

// Input is one source artifact to be chunked.
type Input struct {
	Content        string
	LanguageHint   string // file extension or explicit language, e.g. "go", "ts", "proto"
	Path           string // relative path, used in the chunk id and payload
	CollectionName string
	ProjectID      string
	DatasetID      string
	Repo           string
}

// Result is the outcome of chunking one input.
type Result struct {
	Chunks  []model.Chunk
	Skipped bool
	// Reason is the chunk.skip error when Skipped; soft, never fails a job
	// on its own.
	Reason *errors.UserError
}

// codeExtensions maps a file extension to the language identifier used by
// the tree-sitter dispatch table in code.go.
var codeExtensions = map[string]string{
	".go":    "go",
	".ts":    "typescript",
	".tsx":   "typescript",
	".proto": "protobuf",
}

// IsCodePath reports whether path's extension is a recognized programming
// language, independent of whether a tree-sitter grammar is wired for it.
// This backs the Embedder Router's routing rule.
func IsCodePath(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".go", ".ts", ".tsx", ".js", ".jsx", ".py", ".java", ".rb", ".rs",
		".c", ".h", ".cpp", ".hpp", ".cc", ".cs", ".php", ".swift", ".kt",
		".scala", ".proto", ".sh", ".sql":
		return true
	default:
		return false
	}
}

// Chunker dispatches inputs to the code or prose path and computes ids.
type Chunker struct {
	maxContentBytes int64
}

// New creates a Chunker with default size limits.
func New() *Chunker {
	return &Chunker{maxContentBytes: MaxContentBytes}
}

// WithMaxContentBytes overrides the skip threshold for oversized content.
func (c *Chunker) WithMaxContentBytes(n int64) *Chunker {
	c.maxContentBytes = n
	return c
}

// Chunk splits in into retrieval-ready chunks. Empty content yields an empty,
// non-skipped result. Binary or oversized content is skipped with a reason.
func (c *Chunker) Chunk(in Input) Result {
	if len(in.Content) == 0 {
		return Result{}
	}
	if int64(len(in.Content)) > c.maxContentBytes {
		return Result{Skipped: true, Reason: errors.NewChunkSkipError(in.Path, "content exceeds byte cap")}
	}
	if looksBinary(in.Content) {
		return Result{Skipped: true, Reason: errors.NewChunkSkipError(in.Path, "binary content")}
	}

	lang := in.LanguageHint
	if lang == "" {
		lang = codeExtensions[strings.ToLower(filepath.Ext(in.Path))]
	}

	if lang != "" {
		if chunks, ok := chunkCode(in, lang); ok {
			return Result{Chunks: chunks}
		}
		// Unsupported grammar or parse failure: fall back to prose.
	}

	return Result{Chunks: chunkProse(in)}
}

// looksBinary applies the classic "NUL byte in the first 8000 bytes" heuristic
// used by git and most text tools to distinguish binary from text content.
func looksBinary(content string) bool {
	n := len(content)
	if n > 8000 {
		n = 8000
	}
	return strings.IndexByte(content[:n], 0) >= 0
}

// newChunk fills in the fields every chunk needs regardless of path, computing
// the content-derived id last so callers never forget it.
func newChunk(in Input, content string, startLine, endLine int, lang string, sym *model.Symbol) model.Chunk {
	id := model.ChunkID(in.CollectionName, in.Path, startLine, endLine, content)
	return model.Chunk{
		ID:             id,
		ProjectID:      in.ProjectID,
		DatasetID:      in.DatasetID,
		CollectionName: in.CollectionName,
		Content:        content,
		StartLine:      startLine,
		EndLine:        endLine,
		Lang:           lang,
		RelativePath:   in.Path,
		Repo:           in.Repo,
		Symbol:         sym,
	}
}
