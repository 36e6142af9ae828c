package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/praxisllmlab/tianjibatch/internal/engine"
)

const (
	defaultMaxBodyBytes = 64 << 20
	maxPageSize         = 500
)

// CreateBatchRequest is the body of POST /batches.
type CreateBatchRequest struct {
	Name           string            `json:"name"`
	APIAlias       string            `json:"api_alias"`
	Concurrency    *int              `json:"concurrency,omitempty"`
	MaxRetries     *int              `json:"max_retries,omitempty"`
	RequestDelayMS *int64            `json:"request_delay_ms,omitempty"`
	Requests       []json.RawMessage `json:"requests"`
}

// BatchSummary is one row of GET /batches.
type BatchSummary struct {
	engine.Batch
	Counts          engine.StatusCounts `json:"counts"`
	PercentComplete float64             `json:"percent_complete"`
}

// BatchesCreate handles POST /batches.
func (h *Handlers) BatchesCreate(w http.ResponseWriter, r *http.Request) {
	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	var req CreateBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "invalid_request_error",
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON: "+err.Error())
		return
	}

	sub := engine.SubmitRequest{
		Name:        req.Name,
		APIAlias:    req.APIAlias,
		Concurrency: req.Concurrency,
		MaxRetries:  req.MaxRetries,
		Requests:    req.Requests,
	}
	if req.RequestDelayMS != nil {
		d := time.Duration(*req.RequestDelayMS) * time.Millisecond
		sub.RequestDelay = &d
	}

	b, err := h.Batches.Submit(r.Context(), sub)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"batch_id": b.ID,
		"batch":    b,
	})
}

// BatchesGet handles GET /batches/{batch_id}.
func (h *Handlers) BatchesGet(w http.ResponseWriter, r *http.Request) {
	b, err := h.Batches.Get(r.Context(), chi.URLParam(r, "batch_id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// BatchesStart handles POST /batches/{batch_id}/start.
func (h *Handlers) BatchesStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "batch_id")
	if err := h.Batches.Start(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"batch_id": id,
		"status":   string(engine.StateRunning),
	})
}

// BatchesCancel handles POST /batches/{batch_id}/cancel.
func (h *Handlers) BatchesCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "batch_id")
	if err := h.Batches.Cancel(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"batch_id": id,
		"status":   "cancelling",
	})
}

// BatchesProgress handles GET /batches/{batch_id}/progress.
func (h *Handlers) BatchesProgress(w http.ResponseWriter, r *http.Request) {
	s, err := h.Batches.Progress(r.Context(), chi.URLParam(r, "batch_id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// BatchesExport handles GET /batches/{batch_id}/export. With ?download=true
// the document is served as an attachment.
func (h *Handlers) BatchesExport(w http.ResponseWriter, r *http.Request) {
	exp, err := h.Batches.Export(r.Context(), chi.URLParam(r, "batch_id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if download, _ := strconv.ParseBool(r.URL.Query().Get("download")); download {
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.json"`, exp.Batch.ID))
	}
	writeJSON(w, http.StatusOK, exp)
}

// BatchesList handles GET /batches. ?limit bounds the number of rows
// (default 50).
func (h *Handlers) BatchesList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a positive integer")
			return
		}
		limit = n
	}

	batches, err := h.Batches.List(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if len(batches) > limit {
		batches = batches[:limit]
	}

	ids := make([]string, len(batches))
	for i, b := range batches {
		ids[i] = b.ID
	}
	counts, err := h.Batches.Counts(r.Context(), ids)
	if err != nil {
		log.Warn().Err(err).Int("batches", len(ids)).Msg("item counts for listing failed")
	}

	data := make([]BatchSummary, 0, len(batches))
	for _, b := range batches {
		row := BatchSummary{Batch: b, Counts: counts[b.ID]}
		if b.Total > 0 {
			resolved := row.Counts.Succeeded + row.Counts.FailedTerminal
			row.PercentComplete = float64(resolved) / float64(b.Total) * 100
		}
		data = append(data, row)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   data,
	})
}

// ResubmitBatchRequest is the body of POST /batches/{batch_id}/resubmit.
type ResubmitBatchRequest struct {
	Scope   string `json:"scope"`
	Indices []int  `json:"indices,omitempty"`
	Name    string `json:"name"`
}

// pageParams reads ?page and ?page_size. Missing values take the engine
// defaults; out of range values are clamped by the engine.
func pageParams(r *http.Request) (page, size int, err error) {
	q := r.URL.Query()
	page, size = 1, engine.DefaultPageSize
	if v := q.Get("page"); v != "" {
		if page, err = strconv.Atoi(v); err != nil {
			return 0, 0, errors.New("page must be an integer")
		}
	}
	if v := q.Get("page_size"); v != "" {
		if size, err = strconv.Atoi(v); err != nil {
			return 0, 0, errors.New("page_size must be an integer")
		}
		size = min(size, maxPageSize)
	}
	return page, size, nil
}

// BatchesErrors handles GET /batches/{batch_id}/errors: the failed attempts
// of a batch, one page at a time.
func (h *Handlers) BatchesErrors(w http.ResponseWriter, r *http.Request) {
	page, size, err := pageParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	p, err := h.Batches.Errors(r.Context(), chi.URLParam(r, "batch_id"), page, size)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// BatchesRequests handles GET /batches/{batch_id}/requests. ?status keeps
// only items in that status.
func (h *Handlers) BatchesRequests(w http.ResponseWriter, r *http.Request) {
	page, size, err := pageParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	status := engine.ItemStatus(r.URL.Query().Get("status"))
	p, err := h.Batches.Requests(r.Context(), chi.URLParam(r, "batch_id"), status, page, size)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// BatchesRequest handles GET /batches/{batch_id}/requests/{index}.
func (h *Handlers) BatchesRequest(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "index must be an integer")
		return
	}
	it, err := h.Batches.Request(r.Context(), chi.URLParam(r, "batch_id"), index)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

// BatchesResubmit handles POST /batches/{batch_id}/resubmit. The body is
// optional; without one the failed items go into the new batch.
func (h *Handlers) BatchesResubmit(w http.ResponseWriter, r *http.Request) {
	var req ResubmitBatchRequest
	if r.Body != nil && r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON: "+err.Error())
			return
		}
	}

	id := chi.URLParam(r, "batch_id")
	b, err := h.Batches.Resubmit(r.Context(), id, engine.ResubmitRequest{
		Scope:   req.Scope,
		Indices: req.Indices,
		Name:    req.Name,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"batch_id":        b.ID,
		"source_batch_id": id,
		"batch":           b,
	})
}

// BatchesDelete handles DELETE /batches/{batch_id}.
func (h *Handlers) BatchesDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "batch_id")
	if err := h.Batches.Delete(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batch_id": id,
		"deleted":  true,
	})
}
