package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const upsertPerformanceStat = `-- name: UpsertPerformanceStat :exec
INSERT INTO performance_stats (
    batch_id, total_requests, succeeded, failed_terminal, attempts, retries,
    avg_latency_ms, total_processing_seconds, throughput_rps, prompt_tokens,
    completion_tokens, total_cost, currency, success_rate, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (batch_id) DO UPDATE SET
    total_requests = EXCLUDED.total_requests,
    succeeded = EXCLUDED.succeeded,
    failed_terminal = EXCLUDED.failed_terminal,
    attempts = EXCLUDED.attempts,
    retries = EXCLUDED.retries,
    avg_latency_ms = EXCLUDED.avg_latency_ms,
    total_processing_seconds = EXCLUDED.total_processing_seconds,
    throughput_rps = EXCLUDED.throughput_rps,
    prompt_tokens = EXCLUDED.prompt_tokens,
    completion_tokens = EXCLUDED.completion_tokens,
    total_cost = EXCLUDED.total_cost,
    currency = EXCLUDED.currency,
    success_rate = EXCLUDED.success_rate,
    updated_at = EXCLUDED.updated_at
`

type UpsertPerformanceStatParams struct {
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

func (q *Queries) UpsertPerformanceStat(ctx context.Context, arg UpsertPerformanceStatParams) error {
	_, err := q.db.Exec(ctx, upsertPerformanceStat,
		arg.BatchID,
		arg.TotalRequests,
		arg.Succeeded,
		arg.FailedTerminal,
		arg.Attempts,
		arg.Retries,
		arg.AvgLatencyMs,
		arg.TotalProcessingSeconds,
		arg.ThroughputRps,
		arg.PromptTokens,
		arg.CompletionTokens,
		arg.TotalCost,
		arg.Currency,
		arg.SuccessRate,
		arg.UpdatedAt,
	)
	return err
}

const getPerformanceStat = `-- name: GetPerformanceStat :one
SELECT batch_id, total_requests, succeeded, failed_terminal, attempts, retries, avg_latency_ms, total_processing_seconds, throughput_rps, prompt_tokens, completion_tokens, total_cost, currency, success_rate, updated_at
FROM performance_stats
WHERE batch_id = $1
`

func (q *Queries) GetPerformanceStat(ctx context.Context, batchID string) (PerformanceStat, error) {
	row := q.db.QueryRow(ctx, getPerformanceStat, batchID)
	var i PerformanceStat
	err := row.Scan(
		&i.BatchID,
		&i.TotalRequests,
		&i.Succeeded,
		&i.FailedTerminal,
		&i.Attempts,
		&i.Retries,
		&i.AvgLatencyMs,
		&i.TotalProcessingSeconds,
		&i.ThroughputRps,
		&i.PromptTokens,
		&i.CompletionTokens,
		&i.TotalCost,
		&i.Currency,
		&i.SuccessRate,
		&i.UpdatedAt,
	)
	return i, err
}
