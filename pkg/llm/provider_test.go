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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/kie/pkg/retrieve"
)

func TestOpenAIProviderChat(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "test-model",
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "rotate it via /auth/refresh"}, "finish_reason": "stop"},
			},
			"usage": map[string]int{"prompt_tokens": 100, "completion_tokens": 12, "total_tokens": 112},
		})
	}))
	defer srv.Close()

	p, err := NewProvider(ProviderConfig{BaseURL: srv.URL, DefaultModel: "test-model"})
	require.NoError(t, err)

	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "how do I rotate a refresh token"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "/chat/completions", gotPath)
	assert.Equal(t, "test-model", gotBody["model"])
	assert.Equal(t, "rotate it via /auth/refresh", resp.Message.Content)
	assert.Equal(t, 112, resp.TotalTokens)
}

func TestOpenAIProviderChatErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusBadGateway)
	}))
	defer srv.Close()

	p, err := NewProvider(ProviderConfig{BaseURL: srv.URL, DefaultModel: "m"})
	require.NoError(t, err)

	_, err = p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "q"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestChatRequiresModel(t *testing.T) {
	t.Setenv("OPENAI_MODEL", "")
	p, err := NewProvider(ProviderConfig{BaseURL: "http://localhost:1"})
	require.NoError(t, err)

	_, err = p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "q"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not specified")
}

func TestMockProviderSelection(t *testing.T) {
	p, err := NewProvider(ProviderConfig{BaseURL: "mock"})
	require.NoError(t, err)
	assert.Equal(t, "mock", p.Name())

	resp, err := p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hello"}}})
	require.NoError(t, err)
	assert.Contains(t, resp.Message.Content, "[mock]")
}

func TestSynthesizeNumbersCitations(t *testing.T) {
	var gotPrompt string
	mock := &MockProvider{ChatFunc: func(_ context.Context, req ChatRequest) (*ChatResponse, error) {
		gotPrompt = req.Messages[len(req.Messages)-1].Content
		return &ChatResponse{Message: Message{Role: "assistant", Content: "see [1] and [2]"}, Model: "mock-model", TotalTokens: 42}, nil
	}}

	chunks := []retrieve.Chunk{
		{ID: "a", Content: "func refresh() {}", RelativePath: "auth/token.go", StartLine: 10, EndLine: 12},
		{ID: "b", Content: "token rotation docs", RelativePath: "docs/auth.md", StartLine: 1, EndLine: 4},
	}
	ans, err := Synthesize(context.Background(), mock, "how do I rotate a token", chunks)
	require.NoError(t, err)

	assert.Contains(t, gotPrompt, "[1] auth/token.go:10-12")
	assert.Contains(t, gotPrompt, "[2] docs/auth.md:1-4")
	assert.Equal(t, "see [1] and [2]", ans.Text)
	assert.Len(t, ans.Citations, 2)
	assert.Equal(t, 42, ans.Tokens)
}

func TestSynthesizeEmptyResults(t *testing.T) {
	ans, err := Synthesize(context.Background(), &MockProvider{}, "anything", nil)
	require.NoError(t, err)
	assert.Contains(t, ans.Text, "No indexed content")
	assert.Empty(t, ans.Citations)
}

func TestSynthesizeRespectsContextBudget(t *testing.T) {
	big := make([]byte, maxContextChars)
	for i := range big {
		big[i] = 'x'
	}
	chunks := []retrieve.Chunk{
		{ID: "a", Content: "small chunk", RelativePath: "a.go", StartLine: 1, EndLine: 2},
		{ID: "b", Content: string(big), RelativePath: "b.go", StartLine: 1, EndLine: 999},
	}
	ans, err := Synthesize(context.Background(), &MockProvider{}, "q", chunks)
	require.NoError(t, err)
	// The oversized second chunk must be dropped whole, not truncated.
	assert.Len(t, ans.Citations, 1)
	assert.Equal(t, "a", ans.Citations[0].ID)
}
