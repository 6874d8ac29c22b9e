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

package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/kraklabs/kie/pkg/retrieve"
)

const synthesisSystemPrompt = `You answer questions about a codebase using only the numbered context chunks provided. Cite chunks inline as [1], [2], etc. If the context does not contain the answer, say so.`

// maxContextChars bounds how much retrieved content goes into one prompt.
// Chunks past the budget are dropped from the context, not truncated
// mid-chunk, so every citation index maps to a complete chunk.
const maxContextChars = 24000

// Answer is a synthesized response with the chunks that grounded it.
type Answer struct {
	Text      string           `json:"text"`
	Model     string           `json:"model"`
	Citations []retrieve.Chunk `json:"citations"`
	Tokens    int              `json:"tokens,omitempty"`
}

// Synthesize turns ranked retrieval results into a prose answer. The chunks
// keep their retrieval order; the prompt numbers them so the model's inline
// citations map back to Citations by index.
func Synthesize(ctx context.Context, provider Provider, question string, chunks []retrieve.Chunk) (*Answer, error) {
	if provider == nil {
		return nil, fmt.Errorf("llm: no provider configured")
	}
	if len(chunks) == 0 {
		return &Answer{Text: "No indexed content matched the question.", Model: provider.Name()}, nil
	}

	var b strings.Builder
	used := make([]retrieve.Chunk, 0, len(chunks))
	for _, c := range chunks {
		entry := fmt.Sprintf("[%d] %s:%d-%d\n%s\n\n", len(used)+1, c.RelativePath, c.StartLine, c.EndLine, c.Content)
		if b.Len()+len(entry) > maxContextChars {
			break
		}
		b.WriteString(entry)
		used = append(used, c)
	}

	resp, err := provider.Chat(ctx, ChatRequest{
		Messages: []Message{
			{Role: "system", Content: synthesisSystemPrompt},
			{Role: "user", Content: fmt.Sprintf("Context:\n\n%sQuestion: %s", b.String(), question)},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: synthesize: %w", err)
	}

	return &Answer{
		Text:      resp.Message.Content,
		Model:     resp.Model,
		Citations: used,
		Tokens:    resp.TotalTokens,
	}, nil
}
