package db

import (
	"github.com/jackc/pgx/v5/pgtype"
)

type Batch struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	ApiAlias       string             `json:"api_alias"`
	Concurrency    int32              `json:"concurrency"`
	MaxRetries     int32              `json:"max_retries"`
	RequestDelayMs int64              `json:"request_delay_ms"`
	Total          int32              `json:"total"`
	State          string             `json:"state"`
	Error          string             `json:"error"`
	CreatedAt      pgtype.Timestamptz `json:"created_at"`
	StartedAt      pgtype.Timestamptz `json:"started_at"`
	EndedAt        pgtype.Timestamptz `json:"ended_at"`
	UpdatedAt      pgtype.Timestamptz `json:"updated_at"`
}

type RequestItem struct {
	BatchID          string             `json:"batch_id"`
	Idx              int32              `json:"idx"`
	Payload          []byte             `json:"payload"`
	Status           string             `json:"status"`
	Attempts         int32              `json:"attempts"`
	Result           string             `json:"result"`
	Error            string             `json:"error"`
	ErrorClass       string             `json:"error_class"`
	LatencyMs        float64            `json:"latency_ms"`
	PromptTokens     int32              `json:"prompt_tokens"`
	CompletionTokens int32              `json:"completion_tokens"`
	Cost             float64            `json:"cost"`
	UpdatedAt        pgtype.Timestamptz `json:"updated_at"`
}

type Attempt struct {
	BatchID          string             `json:"batch_id"`
	ItemIdx          int32              `json:"item_idx"`
	Number           int32              `json:"number"`
	StartedAt        pgtype.Timestamptz `json:"started_at"`
	EndedAt          pgtype.Timestamptz `json:"ended_at"`
	LatencyMs        float64            `json:"latency_ms"`
	Result           string             `json:"result"`
	PromptTokens     int32              `json:"prompt_tokens"`
	CompletionTokens int32              `json:"completion_tokens"`
	Cost             float64            `json:"cost"`
	ErrorClass       string             `json:"error_class"`
	Error            string             `json:"error"`
}

type PerformanceStat struct {
	BatchID                string             `json:"batch_id"`
	TotalRequests          int32              `json:"total_requests"`
	Succeeded              int32              `json:"succeeded"`
	FailedTerminal         int32              `json:"failed_terminal"`
	Attempts               int32              `json:"attempts"`
	Retries                int32              `json:"retries"`
	AvgLatencyMs           float64            `json:"avg_latency_ms"`
	TotalProcessingSeconds float64            `json:"total_processing_seconds"`
	ThroughputRps          float64            `json:"throughput_rps"`
	PromptTokens           int64              `json:"prompt_tokens"`
	CompletionTokens       int64              `json:"completion_tokens"`
	TotalCost              float64            `json:"total_cost"`
	Currency               string             `json:"currency"`
	SuccessRate            float64            `json:"success_rate"`
	UpdatedAt              pgtype.Timestamptz `json:"updated_at"`
}
