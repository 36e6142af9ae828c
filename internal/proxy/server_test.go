package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxisllmlab/tianjibatch/internal/config"
	"github.com/praxisllmlab/tianjibatch/internal/engine"
	"github.com/praxisllmlab/tianjibatch/internal/model"
	"github.com/praxisllmlab/tianjibatch/internal/provider"
	"github.com/praxisllmlab/tianjibatch/internal/proxy/handler"
	"github.com/praxisllmlab/tianjibatch/internal/store"
)

const testMasterKey = "sk-test-master"

func newTestServer(t *testing.T) (*httptest.Server, *engine.Manager) {
	t.Helper()
	return newTestServerWith(t, provider.InvokerFunc(func(_ context.Context, payload json.RawMessage, _ config.APIConfig) (*provider.Outcome, error) {
		return &provider.Outcome{Content: "echo:" + string(payload)}, nil
	}))
}

func newTestServerWith(t *testing.T, invoker provider.Invoker) (*httptest.Server, *engine.Manager) {
	t.Helper()
	cfg := &config.BatchConfig{
		APIConfigs: []config.APIConfig{{Alias: "gpt", APIBase: "http://example.invalid", Model: "m"}},
		BatchSettings: config.BatchSettings{
			DefaultConcurrency: 2,
			FlushBatchSize:     2,
			FlushInterval:      20 * time.Millisecond,
			FlushRetryInterval: 10 * time.Millisecond,
			ConcurrencyCap:     200,
			RetriesCap:         20,
		},
	}
	m := engine.NewManager(context.Background(), cfg, store.NewMemory(), invoker, engine.WithLogger(zerolog.Nop()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})

	s := NewServer(ServerConfig{
		Handlers:  &handler.Handlers{Batches: m},
		MasterKey: testMasterKey,
		Logger:    zerolog.Nop(),
	})
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return srv, m
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testMasterKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServer_HealthWithoutAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	for _, path := range []string{"/health", "/health/liveness", "/health/readiness", "/health/services"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestServer_BatchRoutesRequireAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/batches")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_BatchLifecycle(t *testing.T) {
	srv, m := newTestServer(t)

	body := `{"name":"e2e","api_alias":"gpt","requests":[
		[{"role":"user","content":"a"}],
		[{"role":"user","content":"b"}],
		[{"role":"user","content":"c"}]]}`
	resp := do(t, http.MethodPost, srv.URL+"/batches", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		BatchID string `json:"batch_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.BatchID)

	resp = do(t, http.MethodPost, srv.URL+"/batches/"+created.BatchID+"/start", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/batches/"+created.BatchID+"/start", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	require.Eventually(t, func() bool {
		s, err := m.Progress(context.Background(), created.BatchID)
		return err == nil && s.State == engine.StateCompleted
	}, 5*time.Second, 10*time.Millisecond)

	resp = do(t, http.MethodGet, srv.URL+"/batches/"+created.BatchID+"/progress", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap engine.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, 3, snap.Counts.Succeeded)
	assert.Equal(t, 3, snap.Counts.Sum())

	resp = do(t, http.MethodGet, srv.URL+"/batches/"+created.BatchID+"/export", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var exp engine.Export
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&exp))
	require.Len(t, exp.Results, 3)
	for i, r := range exp.Results {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, engine.StatusSucceeded, r.Status)
		assert.True(t, strings.HasPrefix(r.Result, "echo:"))
	}

	resp = do(t, http.MethodPost, srv.URL+"/batches/"+created.BatchID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/batches", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_UnknownBatch(t *testing.T) {
	srv, _ := newTestServer(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/batches/nope/start"},
		{http.MethodPost, "/batches/nope/cancel"},
		{http.MethodGet, "/batches/nope/progress"},
		{http.MethodGet, "/batches/nope/export"},
		{http.MethodGet, "/batches/nope"},
		{http.MethodGet, "/batches/nope/errors"},
		{http.MethodGet, "/batches/nope/requests"},
		{http.MethodGet, "/batches/nope/requests/0"},
		{http.MethodPost, "/batches/nope/resubmit"},
		{http.MethodDelete, "/batches/nope"},
	} {
		resp := do(t, tc.method, srv.URL+tc.path, "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, tc.path)
	}
}

func TestServer_CancelCreatedBatch(t *testing.T) {
	srv, m := newTestServer(t)
	resp := do(t, http.MethodPost, srv.URL+"/batches", `{"api_alias":"gpt","requests":[[{"role":"user","content":"a"}]]}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		BatchID string `json:"batch_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))

	resp = do(t, http.MethodPost, srv.URL+"/batches/"+created.BatchID+"/cancel", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	b, err := m.Get(context.Background(), created.BatchID)
	require.NoError(t, err)
	assert.Equal(t, engine.StateCancelled, b.State)
}

func TestServer_ErrorsResubmitAndDelete(t *testing.T) {
	srv, m := newTestServerWith(t, provider.InvokerFunc(func(_ context.Context, payload json.RawMessage, _ config.APIConfig) (*provider.Outcome, error) {
		if strings.Contains(string(payload), `"bad"`) {
			return nil, &model.TianjiError{Message: "rejected", Class: model.ClassClientError}
		}
		return &provider.Outcome{Content: "ok"}, nil
	}))

	body := `{"name":"mixed","api_alias":"gpt","requests":[
		[{"role":"user","content":"good"}],
		[{"role":"user","content":"bad"}],
		[{"role":"user","content":"good"}]]}`
	resp := do(t, http.MethodPost, srv.URL+"/batches", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		BatchID string `json:"batch_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	id := created.BatchID

	resp = do(t, http.MethodPost, srv.URL+"/batches/"+id+"/resubmit", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "a created batch cannot be resubmitted")

	resp = do(t, http.MethodPost, srv.URL+"/batches/"+id+"/start", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Eventually(t, func() bool {
		return !m.Live(id)
	}, 5*time.Second, 10*time.Millisecond)

	resp = do(t, http.MethodGet, srv.URL+"/batches/"+id+"/errors?page_size=10", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var errs engine.Page[engine.Attempt]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errs))
	assert.Equal(t, 1, errs.Total)
	require.Len(t, errs.Items, 1)
	assert.Equal(t, 1, errs.Items[0].ItemIndex)
	assert.Equal(t, model.ClassClientError, errs.Items[0].ErrorClass)

	resp = do(t, http.MethodGet, srv.URL+"/batches/"+id+"/requests/1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var item engine.RequestItem
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&item))
	assert.Equal(t, engine.StatusFailedTerminal, item.Status)

	resp = do(t, http.MethodGet, srv.URL+"/batches/"+id+"/requests/7", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/batches/"+id+"/resubmit", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var retry struct {
		BatchID string       `json:"batch_id"`
		Batch   engine.Batch `json:"batch"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&retry))
	assert.Equal(t, "mixed-retry", retry.Batch.Name)
	assert.Equal(t, 1, retry.Batch.Total)

	resp = do(t, http.MethodGet, srv.URL+"/batches/"+retry.BatchID+"/requests?status=pending", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pending engine.Page[engine.RequestItem]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pending))
	require.Len(t, pending.Items, 1)
	assert.JSONEq(t, `[{"role":"user","content":"bad"}]`, string(pending.Items[0].Payload))

	resp = do(t, http.MethodDelete, srv.URL+"/batches/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = do(t, http.MethodGet, srv.URL+"/batches/"+id, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
