package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/praxisllmlab/tianjibatch/internal/config"
	"github.com/praxisllmlab/tianjibatch/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const okBody = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "model": "gpt-4o-mini",
  "choices": [{"index": 0, "message": {"role": "assistant", "content": "hi there"}, "finish_reason": "stop"}],
  "usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
}`

func testAPI(base string) config.APIConfig {
	maxTokens := 64
	temp := 0.2
	return config.APIConfig{
		Alias:       "test",
		APIBase:     base,
		APIKey:      "sk-test-key",
		Model:       "gpt-4o-mini",
		MaxTokens:   &maxTokens,
		Temperature: &temp,
		Params:      map[string]any{"top_p": 0.9, "model": "ignored"},
	}
}

func TestInvokeSuccess(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test-key", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(okBody))
	}))
	defer srv.Close()

	payload := json.RawMessage(`[{"role":"user","content":"hello"}]`)
	out, err := New(srv.Client()).Invoke(context.Background(), payload, testAPI(srv.URL+"/v1/"))
	require.NoError(t, err)

	assert.Equal(t, "hi there", out.Content)
	assert.Equal(t, 12, out.Usage.PromptTokens)
	assert.Equal(t, 3, out.Usage.CompletionTokens)
	assert.JSONEq(t, okBody, string(out.Body))

	assert.Equal(t, "gpt-4o-mini", got["model"])
	assert.Equal(t, float64(64), got["max_tokens"])
	assert.Equal(t, 0.2, got["temperature"])
	assert.Equal(t, 0.9, got["top_p"])
	msgs, ok := got["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 1)
}

func TestInvokeErrorStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   model.ErrorClass
		is     error
	}{
		{http.StatusBadRequest, model.ClassClientError, model.ErrInvalidRequest},
		{http.StatusUnauthorized, model.ClassClientError, model.ErrAuthentication},
		{http.StatusTooManyRequests, model.ClassRateLimit, model.ErrRateLimit},
		{http.StatusBadGateway, model.ClassServerError, model.ErrServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"test_error"}}`))
			}))
			defer srv.Close()

			_, err := New(nil).Invoke(context.Background(), json.RawMessage(`[]`), testAPI(srv.URL))
			require.Error(t, err)

			var te *model.TianjiError
			require.True(t, errors.As(err, &te))
			assert.Equal(t, tt.status, te.StatusCode)
			assert.Equal(t, "nope", te.Message)
			assert.Equal(t, "test_error", te.Type)
			assert.Equal(t, tt.want, model.ClassifyError(err))
			assert.ErrorIs(t, err, tt.is)
		})
	}
}

func TestInvokeTimeoutIsRetryable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := New(nil).Invoke(ctx, json.RawMessage(`[]`), testAPI(srv.URL))
	require.Error(t, err)
	assert.Equal(t, model.ClassTimeout, model.ClassifyError(err))
	assert.ErrorIs(t, err, model.ErrTimeout)
}

func TestInvokeConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	_, err := New(nil).Invoke(context.Background(), json.RawMessage(`[]`), testAPI(base))
	require.Error(t, err)
	assert.Equal(t, model.ClassNetworkError, model.ClassifyError(err))
}

func TestInvokeMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := New(nil).Invoke(context.Background(), json.RawMessage(`[]`), testAPI(srv.URL))
	require.Error(t, err)
	assert.Equal(t, model.ClassServerError, model.ClassifyError(err))
}

func TestRequestURL(t *testing.T) {
	assert.Equal(t, "http://x/v1/chat/completions", requestURL("http://x/v1"))
	assert.Equal(t, "http://x/v1/chat/completions", requestURL("http://x/v1/"))
	assert.Equal(t, "http://x/v1/chat/completions", requestURL("http://x/v1/chat/completions"))
}
