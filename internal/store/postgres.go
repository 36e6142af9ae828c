package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/praxisllmlab/tianjibatch/internal/db"
	"github.com/praxisllmlab/tianjibatch/internal/engine"
	"github.com/praxisllmlab/tianjibatch/internal/model"
)

// Pool is the subset of *pgxpool.Pool the Postgres store uses.
type Pool interface {
	db.DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// Postgres is an engine.Store backed by PostgreSQL.
type Postgres struct {
	pool Pool
	q    *db.Queries
}

var _ engine.Store = (*Postgres)(nil)

func NewPostgres(pool Pool) *Postgres {
	return &Postgres{pool: pool, q: db.New(pool)}
}

// Ping checks database connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) inTx(ctx context.Context, fn func(q *db.Queries) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(p.q.WithTx(tx)); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (p *Postgres) PersistBatch(ctx context.Context, b engine.Batch, items []engine.RequestItem) error {
	if len(items) == 0 {
		if err := p.q.UpsertBatch(ctx, batchParams(b)); err != nil {
			return fmt.Errorf("upsert batch: %w", err)
		}
		return nil
	}

	rows := make([]db.InsertRequestItemsParams, len(items))
	for i, it := range items {
		rows[i] = db.InsertRequestItemsParams{
			BatchID:   it.BatchID,
			Idx:       int32(it.Index),
			Payload:   it.Payload,
			Status:    string(it.Status),
			UpdatedAt: timestamptz(it.UpdatedAt),
		}
	}
	return p.inTx(ctx, func(q *db.Queries) error {
		if err := q.UpsertBatch(ctx, batchParams(b)); err != nil {
			return fmt.Errorf("upsert batch: %w", err)
		}
		if _, err := q.InsertRequestItems(ctx, rows); err != nil {
			return fmt.Errorf("insert items: %w", err)
		}
		return nil
	})
}

func (p *Postgres) PersistResults(ctx context.Context, items []engine.RequestItem, attempts []engine.Attempt) error {
	return p.inTx(ctx, func(q *db.Queries) error {
		for _, it := range items {
			if err := q.UpsertRequestItem(ctx, db.UpsertRequestItemParams{
				BatchID:          it.BatchID,
				Idx:              int32(it.Index),
				Payload:          it.Payload,
				Status:           string(it.Status),
				Attempts:         int32(it.Attempts),
				Result:           it.Result,
				Error:            it.Error,
				ErrorClass:       string(it.ErrorClass),
				LatencyMs:        durationMS(it.Latency),
				PromptTokens:     int32(it.PromptTokens),
				CompletionTokens: int32(it.CompletionTokens),
				Cost:             it.Cost,
				UpdatedAt:        timestamptz(it.UpdatedAt),
			}); err != nil {
				return fmt.Errorf("upsert item %d: %w", it.Index, err)
			}
		}
		for _, at := range attempts {
			if err := q.InsertAttempt(ctx, db.InsertAttemptParams{
				BatchID:          at.BatchID,
				ItemIdx:          int32(at.ItemIndex),
				Number:           int32(at.Number),
				StartedAt:        timestamptz(at.StartedAt),
				EndedAt:          timestamptz(at.EndedAt),
				LatencyMs:        durationMS(at.Latency),
				Result:           at.Result,
				PromptTokens:     int32(at.PromptTokens),
				CompletionTokens: int32(at.CompletionTokens),
				Cost:             at.Cost,
				ErrorClass:       string(at.ErrorClass),
				Error:            at.Error,
			}); err != nil {
				return fmt.Errorf("insert attempt %d/%d: %w", at.ItemIndex, at.Number, err)
			}
		}
		return nil
	})
}

func (p *Postgres) LoadBatch(ctx context.Context, id string) (engine.Batch, []engine.RequestItem, error) {
	row, err := p.q.GetBatch(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return engine.Batch{}, nil, engine.ErrBatchNotFound
		}
		return engine.Batch{}, nil, fmt.Errorf("get batch: %w", err)
	}
	rows, err := p.q.ListRequestItems(ctx, id)
	if err != nil {
		return engine.Batch{}, nil, fmt.Errorf("list items: %w", err)
	}
	items := make([]engine.RequestItem, len(rows))
	for i, r := range rows {
		items[i] = itemFromRow(r)
	}
	return batchFromRow(row), items, nil
}

func (p *Postgres) ListBatches(ctx context.Context) ([]engine.Batch, error) {
	rows, err := p.q.ListBatches(ctx)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	return batchesFromRows(rows), nil
}

func (p *Postgres) SaveStats(ctx context.Context, s engine.Snapshot) error {
	updated := s.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	err := p.q.UpsertPerformanceStat(ctx, db.UpsertPerformanceStatParams{
		BatchID:                s.BatchID,
		TotalRequests:          int32(s.Total),
		Succeeded:              int32(s.Counts.Succeeded),
		FailedTerminal:         int32(s.Counts.FailedTerminal),
		Attempts:               int32(s.Attempts),
		Retries:                int32(s.Retries),
		AvgLatencyMs:           s.AvgLatencyMS,
		TotalProcessingSeconds: s.ElapsedSeconds,
		ThroughputRps:          s.Throughput,
		PromptTokens:           int64(s.PromptTokens),
		CompletionTokens:       int64(s.CompletionTokens),
		TotalCost:              s.TotalCost,
		Currency:               s.Currency,
		SuccessRate:            s.SuccessRate,
		UpdatedAt:              timestamptz(updated),
	})
	if err != nil {
		return fmt.Errorf("upsert stats: %w", err)
	}
	return nil
}

// FailedAttempts returns one page of the error log of a batch.
func (p *Postgres) FailedAttempts(ctx context.Context, id string, limit, offset int) ([]engine.Attempt, int, error) {
	total, err := p.q.CountFailedAttempts(ctx, id)
	if err != nil {
		return nil, 0, fmt.Errorf("count failed attempts: %w", err)
	}
	if total == 0 || limit <= 0 {
		return nil, int(total), nil
	}
	rows, err := p.q.ListFailedAttempts(ctx, db.ListFailedAttemptsParams{
		BatchID: id,
		Limit:   int32(limit),
		Offset:  int32(offset),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("list failed attempts: %w", err)
	}
	out := make([]engine.Attempt, len(rows))
	for i, r := range rows {
		out[i] = engine.Attempt{
			BatchID:          r.BatchID,
			ItemIndex:        int(r.ItemIdx),
			Number:           int(r.Number),
			StartedAt:        r.StartedAt.Time,
			EndedAt:          r.EndedAt.Time,
			Latency:          msDuration(r.LatencyMs),
			Result:           r.Result,
			PromptTokens:     int(r.PromptTokens),
			CompletionTokens: int(r.CompletionTokens),
			Cost:             r.Cost,
			ErrorClass:       model.ErrorClass(r.ErrorClass),
			Error:            r.Error,
		}
	}
	return out, int(total), nil
}

// CountStatuses counts items per status for several batches in one query.
func (p *Postgres) CountStatuses(ctx context.Context, ids []string) (map[string]engine.StatusCounts, error) {
	out := make(map[string]engine.StatusCounts, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := p.q.CountItemStatuses(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("count item statuses: %w", err)
	}
	for _, r := range rows {
		c := out[r.BatchID]
		c.Add(engine.ItemStatus(r.Status), int(r.Count))
		out[r.BatchID] = c
	}
	return out, nil
}

// DeleteBatch removes a batch; items, attempts and stats cascade.
func (p *Postgres) DeleteBatch(ctx context.Context, id string) error {
	n, err := p.q.DeleteBatch(ctx, id)
	if err != nil {
		return fmt.Errorf("delete batch: %w", err)
	}
	if n == 0 {
		return engine.ErrBatchNotFound
	}
	return nil
}

// ListStale returns running batches whose heartbeat is older than before.
func (p *Postgres) ListStale(ctx context.Context, before time.Time) ([]engine.Batch, error) {
	rows, err := p.q.ListStaleBatches(ctx, db.ListStaleBatchesParams{
		State:  string(engine.StateRunning),
		Before: timestamptz(before),
	})
	if err != nil {
		return nil, fmt.Errorf("list stale batches: %w", err)
	}
	return batchesFromRows(rows), nil
}

// RecoverBatch cancels an abandoned batch and returns its in-flight items to
// pending. It reports how many items were reset.
func (p *Postgres) RecoverBatch(ctx context.Context, id, reason string) (int64, error) {
	var reset int64
	err := p.inTx(ctx, func(q *db.Queries) error {
		row, err := q.GetBatch(ctx, id)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return engine.ErrBatchNotFound
			}
			return fmt.Errorf("get batch: %w", err)
		}
		b := batchFromRow(row)
		now := time.Now().UTC()
		b.State = engine.StateCancelled
		b.Error = reason
		b.EndedAt = &now
		b.UpdatedAt = now
		if err := q.UpsertBatch(ctx, batchParams(b)); err != nil {
			return fmt.Errorf("upsert batch: %w", err)
		}
		n, err := q.ResetInFlightItems(ctx, id)
		if err != nil {
			return fmt.Errorf("reset in-flight items: %w", err)
		}
		reset = n
		return nil
	})
	return reset, err
}

func batchParams(b engine.Batch) db.UpsertBatchParams {
	return db.UpsertBatchParams{
		ID:             b.ID,
		Name:           b.Name,
		ApiAlias:       b.APIAlias,
		Concurrency:    int32(b.Concurrency),
		MaxRetries:     int32(b.MaxRetries),
		RequestDelayMs: b.RequestDelay.Milliseconds(),
		Total:          int32(b.Total),
		State:          string(b.State),
		Error:          b.Error,
		CreatedAt:      timestamptz(b.CreatedAt),
		StartedAt:      timestamptzPtr(b.StartedAt),
		EndedAt:        timestamptzPtr(b.EndedAt),
		UpdatedAt:      timestamptz(b.UpdatedAt),
	}
}

func batchFromRow(r db.Batch) engine.Batch {
	return engine.Batch{
		ID:           r.ID,
		Name:         r.Name,
		APIAlias:     r.ApiAlias,
		Concurrency:  int(r.Concurrency),
		MaxRetries:   int(r.MaxRetries),
		RequestDelay: time.Duration(r.RequestDelayMs) * time.Millisecond,
		Total:        int(r.Total),
		State:        engine.BatchState(r.State),
		Error:        r.Error,
		CreatedAt:    r.CreatedAt.Time,
		StartedAt:    timePtr(r.StartedAt),
		EndedAt:      timePtr(r.EndedAt),
		UpdatedAt:    r.UpdatedAt.Time,
	}
}

func batchesFromRows(rows []db.Batch) []engine.Batch {
	out := make([]engine.Batch, len(rows))
	for i, r := range rows {
		out[i] = batchFromRow(r)
	}
	return out
}

func itemFromRow(r db.RequestItem) engine.RequestItem {
	return engine.RequestItem{
		BatchID:          r.BatchID,
		Index:            int(r.Idx),
		Payload:          r.Payload,
		Status:           engine.ItemStatus(r.Status),
		Attempts:         int(r.Attempts),
		Result:           r.Result,
		Error:            r.Error,
		ErrorClass:       model.ErrorClass(r.ErrorClass),
		Latency:          msDuration(r.LatencyMs),
		PromptTokens:     int(r.PromptTokens),
		CompletionTokens: int(r.CompletionTokens),
		Cost:             r.Cost,
		UpdatedAt:        r.UpdatedAt.Time,
	}
}

func timestamptz(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func timestamptzPtr(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return timestamptz(*t)
}

func timePtr(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time
	return &t
}

func durationMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func msDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
