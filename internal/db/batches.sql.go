package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const upsertBatch = `-- name: UpsertBatch :exec
INSERT INTO batches (
    id, name, api_alias, concurrency, max_retries, request_delay_ms, total,
    state, error, created_at, started_at, ended_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO UPDATE SET
    state = EXCLUDED.state,
    error = EXCLUDED.error,
    started_at = EXCLUDED.started_at,
    ended_at = EXCLUDED.ended_at,
    updated_at = EXCLUDED.updated_at
WHERE batches.state NOT IN ('completed', 'cancelled', 'failed')
`

type UpsertBatchParams struct {
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

func (q *Queries) UpsertBatch(ctx context.Context, arg UpsertBatchParams) error {
	_, err := q.db.Exec(ctx, upsertBatch,
		arg.ID,
		arg.Name,
		arg.ApiAlias,
		arg.Concurrency,
		arg.MaxRetries,
		arg.RequestDelayMs,
		arg.Total,
		arg.State,
		arg.Error,
		arg.CreatedAt,
		arg.StartedAt,
		arg.EndedAt,
		arg.UpdatedAt,
	)
	return err
}

const getBatch = `-- name: GetBatch :one
SELECT id, name, api_alias, concurrency, max_retries, request_delay_ms, total, state, error, created_at, started_at, ended_at, updated_at
FROM batches
WHERE id = $1
`

func (q *Queries) GetBatch(ctx context.Context, id string) (Batch, error) {
	row := q.db.QueryRow(ctx, getBatch, id)
	var i Batch
	err := row.Scan(
		&i.ID,
		&i.Name,
		&i.ApiAlias,
		&i.Concurrency,
		&i.MaxRetries,
		&i.RequestDelayMs,
		&i.Total,
		&i.State,
		&i.Error,
		&i.CreatedAt,
		&i.StartedAt,
		&i.EndedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const listBatches = `-- name: ListBatches :many
SELECT id, name, api_alias, concurrency, max_retries, request_delay_ms, total, state, error, created_at, started_at, ended_at, updated_at
FROM batches
ORDER BY created_at DESC
`

func (q *Queries) ListBatches(ctx context.Context) ([]Batch, error) {
	return q.queryBatches(ctx, listBatches)
}

const listStaleBatches = `-- name: ListStaleBatches :many
SELECT id, name, api_alias, concurrency, max_retries, request_delay_ms, total, state, error, created_at, started_at, ended_at, updated_at
FROM batches
WHERE state = $1 AND updated_at < $2
ORDER BY updated_at
`

type ListStaleBatchesParams struct {
	State  string             `json:"state"`
	Before pgtype.Timestamptz `json:"before"`
}

func (q *Queries) ListStaleBatches(ctx context.Context, arg ListStaleBatchesParams) ([]Batch, error) {
	return q.queryBatches(ctx, listStaleBatches, arg.State, arg.Before)
}

func (q *Queries) queryBatches(ctx context.Context, query string, args ...interface{}) ([]Batch, error) {
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Batch
	for rows.Next() {
		var i Batch
		if err := rows.Scan(
			&i.ID,
			&i.Name,
			&i.ApiAlias,
			&i.Concurrency,
			&i.MaxRetries,
			&i.RequestDelayMs,
			&i.Total,
			&i.State,
			&i.Error,
			&i.CreatedAt,
			&i.StartedAt,
			&i.EndedAt,
			&i.UpdatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const resetInFlightItems = `-- name: ResetInFlightItems :execrows
UPDATE request_items SET status = 'pending', updated_at = now()
WHERE batch_id = $1 AND status = 'in_flight'
`

func (q *Queries) ResetInFlightItems(ctx context.Context, batchID string) (int64, error) {
	result, err := q.db.Exec(ctx, resetInFlightItems, batchID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const deleteBatch = `-- name: DeleteBatch :execrows
DELETE FROM batches WHERE id = $1
`

func (q *Queries) DeleteBatch(ctx context.Context, id string) (int64, error) {
	result, err := q.db.Exec(ctx, deleteBatch, id)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
