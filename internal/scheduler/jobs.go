package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/praxisllmlab/tianjibatch/internal/engine"
)

// StatsSource is satisfied by *engine.Manager.
type StatsSource interface {
	Running() []*engine.Controller
	Publish(ctx context.Context) error
}

// StatsJob persists a heartbeat and performance statistics for every batch
// running in this process, then shares their progress.
type StatsJob struct {
	Source StatsSource
}

func (j *StatsJob) Name() string { return "batch_stats" }

func (j *StatsJob) Run(ctx context.Context) error {
	var errs []error
	for _, c := range j.Source.Running() {
		if err := c.Checkpoint(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := j.Source.Publish(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RecoverableStore lists and recovers batches abandoned by a dead process.
type RecoverableStore interface {
	ListStale(ctx context.Context, before time.Time) ([]engine.Batch, error)
	RecoverBatch(ctx context.Context, id, reason string) (int64, error)
}

// ProgressDropper removes a shared progress snapshot.
type ProgressDropper interface {
	Delete(ctx context.Context, batchID string) error
}

// InterruptedReason is recorded on batches cancelled by recovery.
const InterruptedReason = "interrupted"

// RecoveryJob cancels running batches whose heartbeat is older than
// StaleAfter and whose owner is not this process. Their in-flight items go
// back to pending; everything else is left as recorded.
type RecoveryJob struct {
	Store      RecoverableStore
	StaleAfter time.Duration
	// Live reports batches owned by this process. May be nil.
	Live func(id string) bool
	// Progress, when set, drops the recovered batch's shared snapshot.
	Progress ProgressDropper
	now      func() time.Time
}

func (j *RecoveryJob) Name() string { return "batch_recovery" }

func (j *RecoveryJob) Run(ctx context.Context) error {
	now := time.Now
	if j.now != nil {
		now = j.now
	}
	stale, err := j.Store.ListStale(ctx, now().Add(-j.StaleAfter))
	if err != nil {
		return fmt.Errorf("list stale batches: %w", err)
	}

	var errs []error
	for _, b := range stale {
		if j.Live != nil && j.Live(b.ID) {
			continue
		}
		reset, err := j.Store.RecoverBatch(ctx, b.ID, InterruptedReason)
		if err != nil {
			errs = append(errs, fmt.Errorf("recover %s: %w", b.ID, err))
			continue
		}
		if j.Progress != nil {
			if err := j.Progress.Delete(ctx, b.ID); err != nil {
				log.Warn().Err(err).Str("batch_id", b.ID).Msg("drop shared progress failed")
			}
		}
		log.Warn().Str("batch_id", b.ID).Time("last_heartbeat", b.UpdatedAt).
			Int64("reset_items", reset).Msg("recovered interrupted batch")
	}
	return errors.Join(errs...)
}
