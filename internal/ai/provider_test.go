package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/supportdesk/internal/config"
)

var history = []Message{
	{Role: RoleSystem, Content: "be nice"},
	{Role: RoleUser, Content: "hi"},
}

func TestOllamaProvider_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var req ollamaChatReq
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3:latest", req.Model)
		assert.False(t, req.Stream)
		assert.Len(t, req.Messages, 2)
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"hello!"},"done":true}`))
	}))
	defer srv.Close()

	out, err := NewOllamaProvider(srv.URL, "").Chat(context.Background(), history)
	require.NoError(t, err)
	require.Equal(t, "hello!", out)
}

func TestOllamaProvider_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model not found"}`))
	}))
	defer srv.Close()

	_, err := NewOllamaProvider(srv.URL, "missing").Chat(context.Background(), history)
	require.ErrorContains(t, err, "model not found")
}

func TestOpenRouterProvider_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		assert.Equal(t, "supportdesk", r.Header.Get("X-Title"))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"routed"}}]}`))
	}))
	defer srv.Close()

	out, err := NewOpenRouterProvider(srv.URL, "k", "openrouter/auto", "", "supportdesk").Chat(context.Background(), history)
	require.NoError(t, err)
	require.Equal(t, "routed", out)

	_, err = NewOpenRouterProvider(srv.URL, "", "openrouter/auto", "", "").Chat(context.Background(), history)
	require.ErrorContains(t, err, "api key is required")
}

func TestOpenAIProvider_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		var req map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-test", req["model"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":" from openai "},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	out, err := NewOpenAIProvider("k", srv.URL, "gpt-test").Chat(context.Background(), history)
	require.NoError(t, err)
	require.Equal(t, "from openai", out)
}

func TestRegistryFromConfig(t *testing.T) {
	ctx := context.Background()
	cfg := config.Config{
		AIProvider:    "ollama",
		OllamaBaseURL: "http://localhost:11434",
		OllamaModel:   "llama3:latest",
	}

	p, err := ProviderFromConfig(ctx, cfg)
	require.NoError(t, err)
	require.IsType(t, &OllamaProvider{}, p)

	reg := RegistryFromConfig(cfg)
	_, err = reg.Get(ctx, "OpenRouter", "")
	require.NoError(t, err)
	_, err = reg.Get(ctx, "openai", "")
	require.Error(t, err)
	_, err = reg.Get(ctx, "nope", "")
	require.ErrorContains(t, err, "unknown ai provider")
}
