// Package handler implements the HTTP control API over the batch engine.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/praxisllmlab/tianjibatch/internal/engine"
	"github.com/praxisllmlab/tianjibatch/internal/model"
)

// BatchService is the control surface the handlers drive. *engine.Manager
// satisfies it.
type BatchService interface {
	Submit(ctx context.Context, req engine.SubmitRequest) (engine.Batch, error)
	Start(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (engine.Batch, error)
	Progress(ctx context.Context, id string) (engine.Snapshot, error)
	Export(ctx context.Context, id string) (engine.Export, error)
	List(ctx context.Context) ([]engine.Batch, error)
	Counts(ctx context.Context, ids []string) (map[string]engine.StatusCounts, error)
	Errors(ctx context.Context, id string, page, size int) (engine.Page[engine.Attempt], error)
	Requests(ctx context.Context, id string, status engine.ItemStatus, page, size int) (engine.Page[engine.RequestItem], error)
	Request(ctx context.Context, id string, index int) (engine.RequestItem, error)
	Resubmit(ctx context.Context, id string, req engine.ResubmitRequest) (engine.Batch, error)
	Delete(ctx context.Context, id string) error
	Running() []*engine.Controller
}

// Pinger is the interface for dependency health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	Batches BatchService
	DB      Pinger // optional
	Redis   Pinger // optional

	// MaxBodyBytes bounds POST /batches bodies. Zero means 64 MiB.
	MaxBodyBytes int64
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	writeJSON(w, status, model.ErrorResponse{
		Error: model.ErrorDetail{Message: msg, Type: errType},
	})
}

// writeEngineError maps engine errors to HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrBatchNotFound):
		writeError(w, http.StatusNotFound, "not_found_error", err.Error())
	case errors.Is(err, engine.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "unavailable_error", err.Error())
	case errors.Is(err, engine.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "conflict_error", err.Error())
	case errors.Is(err, engine.ErrInvalidInput), errors.Is(err, engine.ErrInvalidConfig):
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
	case errors.Is(err, engine.ErrUnknownItem):
		writeError(w, http.StatusNotFound, "not_found_error", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
