package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/relay/internal/llm"
)

func TestSendMessage_TextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, completionsPath, r.URL.Path)

		var req apiRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		assert.Equal(t, defaultMaxTokens, req.MaxTokens)
		var roles []string
		for _, m := range req.Messages {
			roles = append(roles, m.Role)
		}
		assert.Equal(t, []string{"system", "user", "assistant"}, roles)

		_ = json.NewEncoder(w).Encode(apiResponse{
			Model:   "gpt-4o-mini-2024",
			Choices: []apiChoice{{Message: apiMessage{Role: "assistant", Content: "Hello!"}, FinishReason: "stop"}},
			Usage:   apiUsage{PromptTokens: 10, CompletionTokens: 5},
		})
	}))
	defer srv.Close()

	client := NewClient("test-key", "gpt-4o-mini", nil, WithBaseURL(srv.URL+"/"))
	resp, err := client.SendMessage(context.Background(), &llm.Request{
		SystemPrompt: "You are helpful.",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "Hi"},
			{Role: llm.RoleAssistant, Content: "Hey"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello!", resp.Content)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, "gpt-4o-mini-2024", resp.Model)
	assert.Equal(t, llm.Usage{InputTokens: 10, OutputTokens: 5}, resp.Usage)
}

func TestSendMessage_NoAuthHeaderWithoutKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(apiResponse{
			Choices: []apiChoice{{Message: apiMessage{Content: "ok"}, FinishReason: "length"}},
		})
	}))
	defer srv.Close()

	client := NewClient("", "llama3", nil, WithBaseURL(srv.URL), WithName("ollama"))
	resp, err := client.SendMessage(context.Background(), &llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}})
	require.NoError(t, err)
	assert.Equal(t, "max_tokens", resp.StopReason)
	assert.Equal(t, "ollama", client.Name())
}

func TestSendMessage_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"invalid key"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClient("bad", "gpt-4o", nil, WithBaseURL(srv.URL))
	_, err := client.SendMessage(context.Background(), &llm.Request{})

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "invalid key")
}

func TestSendMessage_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	client := NewClient("k", "gpt-4o", nil, WithBaseURL(srv.URL))
	_, err := client.SendMessage(context.Background(), &llm.Request{})
	assert.ErrorIs(t, err, llm.ErrEmptyResponse)
}
