package engine

import (
	"context"

	"github.com/praxisllmlab/tianjibatch/internal/model"
)

// Observer receives engine events for metrics. Calls happen on engine
// goroutines and must return quickly.
type Observer interface {
	AttemptFinished(batchID string, a Attempt)
	Retried(batchID string, class model.ErrorClass)
	ItemResolved(batchID string, status ItemStatus)
	FlushFinished(batchID string, ev FlushEvent)
	StateChanged(batchID string, from, to BatchState)
}

// NopObserver discards all events.
type NopObserver struct{}

func (NopObserver) AttemptFinished(string, Attempt) {}
func (NopObserver) Retried(string, model.ErrorClass) {}
func (NopObserver) ItemResolved(string, ItemStatus) {}
func (NopObserver) FlushFinished(string, FlushEvent) {}
func (NopObserver) StateChanged(string, BatchState, BatchState) {}

// ProgressPublisher shares snapshots outside the process.
type ProgressPublisher interface {
	Publish(ctx context.Context, s Snapshot) error
	Fetch(ctx context.Context, batchID string) (Snapshot, bool, error)
}
