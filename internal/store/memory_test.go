package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxisllmlab/tianjibatch/internal/engine"
	"github.com/praxisllmlab/tianjibatch/internal/model"
)

func TestMemory_PersistAndLoad(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	b := sampleBatch()
	items := []engine.RequestItem{
		{BatchID: b.ID, Index: 1, Payload: json.RawMessage(`[1]`), Status: engine.StatusPending},
		{BatchID: b.ID, Index: 0, Payload: json.RawMessage(`[0]`), Status: engine.StatusPending},
	}
	require.NoError(t, m.PersistBatch(ctx, b, items))

	items[0].Payload[1] = '9'

	got, loaded, err := m.LoadBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.Name, got.Name)
	require.Len(t, loaded, 2)
	assert.Equal(t, 0, loaded[0].Index)
	assert.JSONEq(t, `[1]`, string(loaded[1].Payload))
}

func TestMemory_HeaderUpdateKeepsStaticFields(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	b := sampleBatch()
	require.NoError(t, m.PersistBatch(ctx, b, nil))

	upd := engine.Batch{ID: b.ID, State: engine.StateRunning, UpdatedAt: time.Now()}
	require.NoError(t, m.PersistBatch(ctx, upd, nil))

	got, _, err := m.LoadBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StateRunning, got.State)
	assert.Equal(t, "nightly", got.Name)
	assert.Equal(t, 3, got.Concurrency)
}

func TestMemory_TerminalHeaderIsFinal(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	b := sampleBatch()
	require.NoError(t, m.PersistBatch(ctx, b, nil))

	done := b
	done.State = engine.StateCompleted
	require.NoError(t, m.PersistBatch(ctx, done, nil))

	stale := b
	stale.State = engine.StateRunning
	stale.UpdatedAt = time.Now()
	require.NoError(t, m.PersistBatch(ctx, stale, nil))

	got, _, err := m.LoadBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StateCompleted, got.State)
}

func TestMemory_LoadMissing(t *testing.T) {
	_, _, err := NewMemory().LoadBatch(context.Background(), "nope")
	assert.ErrorIs(t, err, engine.ErrBatchNotFound)
}

func TestMemory_PersistResultsIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	b := sampleBatch()
	require.NoError(t, m.PersistBatch(ctx, b, []engine.RequestItem{{BatchID: b.ID, Index: 0, Status: engine.StatusPending}}))

	item := engine.RequestItem{BatchID: b.ID, Index: 0, Status: engine.StatusSucceeded, Attempts: 2, Result: "ok"}
	ats := []engine.Attempt{
		{BatchID: b.ID, ItemIndex: 0, Number: 1, ErrorClass: model.ClassTimeout},
		{BatchID: b.ID, ItemIndex: 0, Number: 2, Result: "ok"},
	}
	require.NoError(t, m.PersistResults(ctx, []engine.RequestItem{item}, ats))
	require.NoError(t, m.PersistResults(ctx, []engine.RequestItem{item}, ats))

	// An older item state never overwrites a newer one.
	stale := engine.RequestItem{BatchID: b.ID, Index: 0, Status: engine.StatusFailedRetryable, Attempts: 1}
	require.NoError(t, m.PersistResults(ctx, []engine.RequestItem{stale}, nil))

	_, items, err := m.LoadBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusSucceeded, items[0].Status)
	assert.Len(t, m.Attempts(b.ID), 2)

	failed, total, err := m.FailedAttempts(ctx, b.ID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Number)
}

func TestMemory_FailedAttemptsPaged(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	b := sampleBatch()
	require.NoError(t, m.PersistBatch(ctx, b, nil))

	var ats []engine.Attempt
	for i := 0; i < 5; i++ {
		ats = append(ats, engine.Attempt{BatchID: b.ID, ItemIndex: i, Number: 1, ErrorClass: model.ClassServerError})
	}
	require.NoError(t, m.PersistResults(ctx, nil, ats))

	page, total, err := m.FailedAttempts(ctx, b.ID, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, 2, page[0].ItemIndex)
	assert.Equal(t, 3, page[1].ItemIndex)

	page, total, err = m.FailedAttempts(ctx, b.ID, 2, 10)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Empty(t, page)
}

func TestMemory_CountStatuses(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	b := sampleBatch()
	items := []engine.RequestItem{
		{BatchID: b.ID, Index: 0, Status: engine.StatusSucceeded},
		{BatchID: b.ID, Index: 1, Status: engine.StatusFailedTerminal},
		{BatchID: b.ID, Index: 2, Status: engine.StatusPending},
	}
	require.NoError(t, m.PersistBatch(ctx, b, items))

	counts, err := m.CountStatuses(ctx, []string{b.ID, "missing"})
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCounts{Pending: 1, Succeeded: 1, FailedTerminal: 1}, counts[b.ID])
	_, ok := counts["missing"]
	assert.False(t, ok)
}

func TestMemory_DeleteBatch(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	b := sampleBatch()
	require.NoError(t, m.PersistBatch(ctx, b, []engine.RequestItem{{BatchID: b.ID, Index: 0, Status: engine.StatusPending}}))
	require.NoError(t, m.SaveStats(ctx, engine.Snapshot{BatchID: b.ID}))

	require.NoError(t, m.DeleteBatch(ctx, b.ID))
	_, _, err := m.LoadBatch(ctx, b.ID)
	assert.ErrorIs(t, err, engine.ErrBatchNotFound)
	_, ok := m.Stats(b.ID)
	assert.False(t, ok)
	assert.ErrorIs(t, m.DeleteBatch(ctx, b.ID), engine.ErrBatchNotFound)
}

func TestMemory_FailureHook(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	boom := errors.New("boom")
	m.SetFailure(func(op string) error {
		if op == "persist_results" {
			return boom
		}
		return nil
	})

	require.NoError(t, m.PersistBatch(ctx, sampleBatch(), nil))
	err := m.PersistResults(ctx, []engine.RequestItem{{BatchID: "b-1", Index: 0, Attempts: 1}}, nil)
	assert.ErrorIs(t, err, boom)

	_, items, err := m.LoadBatch(ctx, "b-1")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestMemory_ListBatchesNewestFirst(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	old := sampleBatch()
	newer := sampleBatch()
	newer.ID = "b-2"
	newer.CreatedAt = old.CreatedAt.Add(time.Hour)
	require.NoError(t, m.PersistBatch(ctx, old, nil))
	require.NoError(t, m.PersistBatch(ctx, newer, nil))

	list, err := m.ListBatches(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b-2", list[0].ID)
}

func TestMemory_StaleAndRecover(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	b := sampleBatch()
	b.State = engine.StateRunning
	b.UpdatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, m.PersistBatch(ctx, b, []engine.RequestItem{
		{BatchID: b.ID, Index: 0, Status: engine.StatusSucceeded},
		{BatchID: b.ID, Index: 1, Status: engine.StatusInFlight},
	}))

	stale, err := m.ListStale(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)

	n, err := m.RecoverBatch(ctx, b.ID, "interrupted")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, items, err := m.LoadBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StateCancelled, got.State)
	assert.Equal(t, "interrupted", got.Error)
	assert.NotNil(t, got.EndedAt)
	assert.Equal(t, engine.StatusSucceeded, items[0].Status)
	assert.Equal(t, engine.StatusPending, items[1].Status)

	stale, err = m.ListStale(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestMemory_SaveStats(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.SaveStats(context.Background(), engine.Snapshot{BatchID: "b-1", Total: 4}))
	s, ok := m.Stats("b-1")
	require.True(t, ok)
	assert.Equal(t, 4, s.Total)
}
