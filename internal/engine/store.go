package engine

import "context"

// Store is the durable home of batches, items, attempts and statistics.
type Store interface {
	ResultWriter

	// PersistBatch creates or updates the batch header. When items is
	// non-empty they are inserted as the batch's initial items.
	PersistBatch(ctx context.Context, b Batch, items []RequestItem) error

	// LoadBatch returns the batch and its items ordered by index, or
	// ErrBatchNotFound.
	LoadBatch(ctx context.Context, id string) (Batch, []RequestItem, error)

	// ListBatches returns every batch header, newest first.
	ListBatches(ctx context.Context) ([]Batch, error)

	// SaveStats records the latest performance statistics of a batch.
	SaveStats(ctx context.Context, s Snapshot) error

	// FailedAttempts returns up to limit failed attempts of a batch starting
	// at offset, ordered by item and attempt number, together with the total
	// number of failed attempts.
	FailedAttempts(ctx context.Context, id string, limit, offset int) ([]Attempt, int, error)

	// CountStatuses returns per-status item counts for each listed batch.
	// Batches without items are absent from the result.
	CountStatuses(ctx context.Context, ids []string) (map[string]StatusCounts, error)

	// DeleteBatch removes a batch together with its items, attempts and
	// statistics, or returns ErrBatchNotFound.
	DeleteBatch(ctx context.Context, id string) error
}
