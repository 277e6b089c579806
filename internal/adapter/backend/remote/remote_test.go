package remote_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/llm-gateway/internal/adapter/backend/remote"
	"github.com/fairyhunter13/llm-gateway/internal/domain"
)

func chatReq(content string) domain.ChatRequest {
	return domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: content}},
	}
}

func newAdapter(t *testing.T, baseURL string, apiKeyEnv string) *remote.Adapter {
	t.Helper()
	if apiKeyEnv != "" {
		t.Setenv("TEST_PROVIDER_KEY", apiKeyEnv)
	}
	return remote.New(domain.BackendConfig{
		Name:          "provider",
		Kind:          domain.KindRemote,
		CostPerUnit:   0.002,
		BaseURL:       baseURL,
		Model:         "test-model",
		CredentialEnv: "TEST_PROVIDER_KEY",
	})
}

func TestExecute_MapsResponse(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "chatcmpl-abc",
			"model": "test-model",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": "hello back"},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 7, "completion_tokens": 3, "total_tokens": 10},
		})
	}))
	defer srv.Close()

	a := newAdapter(t, srv.URL, "sk-test")
	resp, err := a.Execute(context.Background(), chatReq("hello"))
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "test-model", gotBody["model"])
	assert.Equal(t, "chatcmpl-abc", resp.ID)
	assert.Equal(t, "chat.completion", resp.Object)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "hello back", resp.Choices[0].Message.Content)
	assert.Equal(t, 10, resp.Usage.TotalTokens)
}

func TestExecute_BackfillsMissingUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "x",
			"choices": []map[string]any{{
				"message": map[string]any{"role": "assistant", "content": "four char chunks here"},
			}},
		})
	}))
	defer srv.Close()

	a := newAdapter(t, srv.URL, "")
	resp, err := a.Execute(context.Background(), chatReq("some prompt text"))
	require.NoError(t, err)
	assert.Positive(t, resp.Usage.PromptTokens)
	assert.Positive(t, resp.Usage.CompletionTokens)
	assert.Equal(t, resp.Usage.PromptTokens+resp.Usage.CompletionTokens, resp.Usage.TotalTokens)
}

func TestExecute_Non2xxIsUpstreamWithTruncatedBody(t *testing.T) {
	long := strings.Repeat("x", 2000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(long))
	}))
	defer srv.Close()

	a := newAdapter(t, srv.URL, "")
	_, err := a.Execute(context.Background(), chatReq("hi"))
	require.ErrorIs(t, err, domain.ErrUpstream)
	assert.Less(t, len(err.Error()), 700)
	assert.Contains(t, err.Error(), "status=429")
}

func TestExecute_RedactsCredentialInDiagnostics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"bad key sk-secret-value"}`))
	}))
	defer srv.Close()

	a := newAdapter(t, srv.URL, "sk-secret-value")
	_, err := a.Execute(context.Background(), chatReq("hi"))
	require.ErrorIs(t, err, domain.ErrUpstream)
	assert.NotContains(t, err.Error(), "sk-secret-value")
	assert.Contains(t, err.Error(), "[redacted]")
}

func TestExecute_MalformedJSONIsProtocol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	a := newAdapter(t, srv.URL, "")
	_, err := a.Execute(context.Background(), chatReq("hi"))
	assert.ErrorIs(t, err, domain.ErrProtocol)
}

func TestExecute_EmptyChoicesIsProtocol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "x", "choices": []any{}})
	}))
	defer srv.Close()

	a := newAdapter(t, srv.URL, "")
	_, err := a.Execute(context.Background(), chatReq("hi"))
	assert.ErrorIs(t, err, domain.ErrProtocol)
}

func TestExecute_DeadlineIsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	a := newAdapter(t, srv.URL, "")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := a.Execute(ctx, chatReq("hi"))
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestIsAvailable_RequiresExactly200(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	a := newAdapter(t, srv.URL, "")
	assert.True(t, a.IsAvailable(context.Background()))

	status = http.StatusBadRequest
	assert.False(t, a.IsAvailable(context.Background()))

	status = http.StatusAccepted
	assert.False(t, a.IsAvailable(context.Background()))
}

func TestIsAvailable_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {}))
	srv.Close()

	a := newAdapter(t, srv.URL, "")
	assert.False(t, a.IsAvailable(context.Background()))
}

func TestExecute_MergesSystemForNoSystemProviders(t *testing.T) {
	var gotMessages []domain.Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []domain.Message `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotMessages = body.Messages
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "x",
			"choices": []map[string]any{{
				"message": map[string]any{"role": "assistant", "content": "ok"},
			}},
			"usage": map[string]any{"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2},
		})
	}))
	defer srv.Close()

	a := remote.New(domain.BackendConfig{
		Name:        "legacy",
		Kind:        domain.KindRemote,
		BaseURL:     srv.URL,
		Model:       "m",
		ProviderTag: "nosystem",
	})
	req := domain.ChatRequest{Messages: []domain.Message{
		{Role: domain.RoleSystem, Content: "be terse"},
		{Role: domain.RoleUser, Content: "hi"},
	}}
	_, err := a.Execute(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, gotMessages, 1)
	assert.Equal(t, domain.RoleUser, gotMessages[0].Role)
	assert.Equal(t, "be terse\n\nhi", gotMessages[0].Content)
}

func TestEstimateCost(t *testing.T) {
	t.Parallel()
	a := remote.New(domain.BackendConfig{Name: "p", Kind: domain.KindRemote, CostPerUnit: 0.002})
	// 8 chars -> 2 estimated tokens -> 0.002 * 2 / 1000
	got := a.EstimateCost(chatReq("12345678"))
	assert.InDelta(t, 0.000004, got, 1e-12)
}
