// Package engine executes batches of independent remote requests under a
// concurrency bound, with retries, buffered persistence and live progress.
package engine

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/praxisllmlab/tianjibatch/internal/model"
)

var (
	ErrQueueEmpty        = errors.New("queue exhausted")
	ErrAlreadyEnqueued   = errors.New("queue already loaded")
	ErrUnknownItem       = errors.New("unknown item index")
	ErrNotInFlight       = errors.New("item is not in flight")
	ErrBatchNotFound     = errors.New("batch not found")
	ErrInvalidTransition = errors.New("invalid batch state transition")
	ErrInvalidConfig     = errors.New("invalid batch configuration")
	ErrInvalidInput      = errors.New("invalid batch input")
	ErrShuttingDown      = errors.New("batch manager is shutting down")
)

// BatchState is the lifecycle state of a batch.
type BatchState string

const (
	StateCreated   BatchState = "created"
	StateRunning   BatchState = "running"
	StateCompleted BatchState = "completed"
	StateCancelled BatchState = "cancelled"
	StateFailed    BatchState = "failed"
)

// Terminal reports whether no further transition is possible.
func (s BatchState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// ItemStatus is the status of one request item.
type ItemStatus string

const (
	StatusPending         ItemStatus = "pending"
	StatusInFlight        ItemStatus = "in_flight"
	StatusSucceeded       ItemStatus = "succeeded"
	StatusFailedRetryable ItemStatus = "failed_retryable"
	StatusFailedTerminal  ItemStatus = "failed_terminal"
)

// AllStatuses lists every item status in display order.
var AllStatuses = []ItemStatus{
	StatusPending, StatusInFlight, StatusSucceeded, StatusFailedRetryable, StatusFailedTerminal,
}

func (s ItemStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailedTerminal
}

// Batch is one submitted unit of work.
type Batch struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	APIAlias     string        `json:"api_alias"`
	Concurrency  int           `json:"concurrency"`
	MaxRetries   int           `json:"max_retries"`
	RequestDelay time.Duration `json:"request_delay"`
	Total        int           `json:"total"`
	State        BatchState    `json:"state"`
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// RequestItem is one request within a batch. Result, Error and ErrorClass
// always reflect the item's most recent Attempt.
type RequestItem struct {
	BatchID          string           `json:"batch_id"`
	Index            int              `json:"index"`
	Payload          json.RawMessage  `json:"payload"`
	Status           ItemStatus       `json:"status"`
	Attempts         int              `json:"attempts"`
	Result           string           `json:"result,omitempty"`
	Error            string           `json:"error,omitempty"`
	ErrorClass       model.ErrorClass `json:"error_class,omitempty"`
	Latency          time.Duration    `json:"latency"`
	PromptTokens     int              `json:"prompt_tokens"`
	CompletionTokens int              `json:"completion_tokens"`
	Cost             float64          `json:"cost"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Attempt is one execution of one item. Attempts are immutable.
type Attempt struct {
	BatchID          string           `json:"batch_id"`
	ItemIndex        int              `json:"item_index"`
	Number           int              `json:"number"`
	StartedAt        time.Time        `json:"started_at"`
	EndedAt          time.Time        `json:"ended_at"`
	Latency          time.Duration    `json:"latency"`
	Result           string           `json:"result,omitempty"`
	PromptTokens     int              `json:"prompt_tokens"`
	CompletionTokens int              `json:"completion_tokens"`
	Cost             float64          `json:"cost"`
	ErrorClass       model.ErrorClass `json:"error_class,omitempty"`
	Error            string           `json:"error,omitempty"`
}

// Succeeded reports whether the attempt produced a result.
func (a Attempt) Succeeded() bool {
	return a.ErrorClass == ""
}
