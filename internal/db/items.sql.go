package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const listRequestItems = `-- name: ListRequestItems :many
SELECT batch_id, idx, payload, status, attempts, result, error, error_class, latency_ms, prompt_tokens, completion_tokens, cost, updated_at
FROM request_items
WHERE batch_id = $1
ORDER BY idx
`

func (q *Queries) ListRequestItems(ctx context.Context, batchID string) ([]RequestItem, error) {
	rows, err := q.db.Query(ctx, listRequestItems, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []RequestItem
	for rows.Next() {
		var i RequestItem
		if err := rows.Scan(
			&i.BatchID,
			&i.Idx,
			&i.Payload,
			&i.Status,
			&i.Attempts,
			&i.Result,
			&i.Error,
			&i.ErrorClass,
			&i.LatencyMs,
			&i.PromptTokens,
			&i.CompletionTokens,
			&i.Cost,
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

const upsertRequestItem = `-- name: UpsertRequestItem :exec
INSERT INTO request_items (
    batch_id, idx, payload, status, attempts, result, error, error_class,
    latency_ms, prompt_tokens, completion_tokens, cost, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (batch_id, idx) DO UPDATE SET
    status = EXCLUDED.status,
    attempts = EXCLUDED.attempts,
    result = EXCLUDED.result,
    error = EXCLUDED.error,
    error_class = EXCLUDED.error_class,
    latency_ms = EXCLUDED.latency_ms,
    prompt_tokens = EXCLUDED.prompt_tokens,
    completion_tokens = EXCLUDED.completion_tokens,
    cost = EXCLUDED.cost,
    updated_at = EXCLUDED.updated_at
WHERE request_items.attempts <= EXCLUDED.attempts
`

type UpsertRequestItemParams struct {
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

func (q *Queries) UpsertRequestItem(ctx context.Context, arg UpsertRequestItemParams) error {
	_, err := q.db.Exec(ctx, upsertRequestItem,
		arg.BatchID,
		arg.Idx,
		arg.Payload,
		arg.Status,
		arg.Attempts,
		arg.Result,
		arg.Error,
		arg.ErrorClass,
		arg.LatencyMs,
		arg.PromptTokens,
		arg.CompletionTokens,
		arg.Cost,
		arg.UpdatedAt,
	)
	return err
}

type InsertRequestItemsParams struct {
	BatchID   string             `json:"batch_id"`
	Idx       int32              `json:"idx"`
	Payload   []byte             `json:"payload"`
	Status    string             `json:"status"`
	UpdatedAt pgtype.Timestamptz `json:"updated_at"`
}

// iteratorForInsertRequestItems implements pgx.CopyFromSource.
type iteratorForInsertRequestItems struct {
	rows                 []InsertRequestItemsParams
	skippedFirstNextCall bool
}

func (r *iteratorForInsertRequestItems) Next() bool {
	if len(r.rows) == 0 {
		return false
	}
	if !r.skippedFirstNextCall {
		r.skippedFirstNextCall = true
		return true
	}
	r.rows = r.rows[1:]
	return len(r.rows) > 0
}

func (r iteratorForInsertRequestItems) Values() ([]interface{}, error) {
	return []interface{}{
		r.rows[0].BatchID,
		r.rows[0].Idx,
		r.rows[0].Payload,
		r.rows[0].Status,
		r.rows[0].UpdatedAt,
	}, nil
}

func (r iteratorForInsertRequestItems) Err() error {
	return nil
}

// -- name: InsertRequestItems :copyfrom
func (q *Queries) InsertRequestItems(ctx context.Context, arg []InsertRequestItemsParams) (int64, error) {
	return q.db.CopyFrom(ctx, []string{"request_items"}, []string{"batch_id", "idx", "payload", "status", "updated_at"}, &iteratorForInsertRequestItems{rows: arg})
}

const insertAttempt = `-- name: InsertAttempt :exec
INSERT INTO attempts (
    batch_id, item_idx, number, started_at, ended_at, latency_ms, result,
    prompt_tokens, completion_tokens, cost, error_class, error
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (batch_id, item_idx, number) DO NOTHING
`

type InsertAttemptParams struct {
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

func (q *Queries) InsertAttempt(ctx context.Context, arg InsertAttemptParams) error {
	_, err := q.db.Exec(ctx, insertAttempt,
		arg.BatchID,
		arg.ItemIdx,
		arg.Number,
		arg.StartedAt,
		arg.EndedAt,
		arg.LatencyMs,
		arg.Result,
		arg.PromptTokens,
		arg.CompletionTokens,
		arg.Cost,
		arg.ErrorClass,
		arg.Error,
	)
	return err
}

const countFailedAttempts = `-- name: CountFailedAttempts :one
SELECT count(*) FROM attempts
WHERE batch_id = $1 AND error_class <> ''
`

func (q *Queries) CountFailedAttempts(ctx context.Context, batchID string) (int64, error) {
	row := q.db.QueryRow(ctx, countFailedAttempts, batchID)
	var count int64
	err := row.Scan(&count)
	return count, err
}

const listFailedAttempts = `-- name: ListFailedAttempts :many
SELECT batch_id, item_idx, number, started_at, ended_at, latency_ms, result, prompt_tokens, completion_tokens, cost, error_class, error
FROM attempts
WHERE batch_id = $1 AND error_class <> ''
ORDER BY item_idx, number
LIMIT $2 OFFSET $3
`

type ListFailedAttemptsParams struct {
	BatchID string `json:"batch_id"`
	Limit   int32  `json:"limit"`
	Offset  int32  `json:"offset"`
}

func (q *Queries) ListFailedAttempts(ctx context.Context, arg ListFailedAttemptsParams) ([]Attempt, error) {
	rows, err := q.db.Query(ctx, listFailedAttempts, arg.BatchID, arg.Limit, arg.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Attempt
	for rows.Next() {
		var i Attempt
		if err := rows.Scan(
			&i.BatchID,
			&i.ItemIdx,
			&i.Number,
			&i.StartedAt,
			&i.EndedAt,
			&i.LatencyMs,
			&i.Result,
			&i.PromptTokens,
			&i.CompletionTokens,
			&i.Cost,
			&i.ErrorClass,
			&i.Error,
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

const countItemStatuses = `-- name: CountItemStatuses :many
SELECT batch_id, status, count(*) AS count
FROM request_items
WHERE batch_id = ANY($1::text[])
GROUP BY batch_id, status
`

type CountItemStatusesRow struct {
	BatchID string `json:"batch_id"`
	Status  string `json:"status"`
	Count   int64  `json:"count"`
}

func (q *Queries) CountItemStatuses(ctx context.Context, batchIds []string) ([]CountItemStatusesRow, error) {
	rows, err := q.db.Query(ctx, countItemStatuses, batchIds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []CountItemStatusesRow
	for rows.Next() {
		var i CountItemStatusesRow
		if err := rows.Scan(&i.BatchID, &i.Status, &i.Count); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
