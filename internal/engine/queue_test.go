package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxisllmlab/tianjibatch/internal/model"
)

func TestQueue_TakeInIndexOrder(t *testing.T) {
	q := NewQueue(nil)
	items := pendingItems("b", 3)
	items[0], items[2] = items[2], items[0]
	require.NoError(t, q.Enqueue(items))

	ctx := context.Background()
	for want := 0; want < 3; want++ {
		it, err := q.Take(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, it.Index)
		assert.Equal(t, StatusInFlight, it.Status)
		assert.Equal(t, 1, it.Attempts)
	}
}

func TestQueue_EmptyAfterAllResolved(t *testing.T) {
	q := NewQueue(nil)
	require.NoError(t, q.Enqueue(pendingItems("b", 2)))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		it, err := q.Take(ctx)
		require.NoError(t, err)
		_, err = q.Resolve(it.Index, StatusSucceeded, Attempt{Result: "ok"})
		require.NoError(t, err)
	}
	_, err := q.Take(ctx)
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestQueue_Unresolved(t *testing.T) {
	q := NewQueue(nil)
	require.NoError(t, q.Enqueue(pendingItems("b", 3)))
	assert.Equal(t, 3, q.Unresolved())

	ctx := context.Background()
	it, err := q.Take(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, q.Unresolved(), "in-flight items are unresolved")

	_, err = q.Resolve(it.Index, StatusFailedTerminal, Attempt{ErrorClass: model.ClassClientError})
	require.NoError(t, err)
	assert.Equal(t, 2, q.Unresolved())
}

func TestQueue_EnqueueOnce(t *testing.T) {
	q := NewQueue(nil)
	require.NoError(t, q.Enqueue(pendingItems("b", 1)))
	assert.ErrorIs(t, q.Enqueue(pendingItems("b", 1)), ErrAlreadyEnqueued)
}

func TestQueue_EnqueueRejectsDuplicateIndex(t *testing.T) {
	q := NewQueue(nil)
	items := append(pendingItems("b", 2), RequestItem{Index: 1, Status: StatusPending})
	assert.ErrorIs(t, q.Enqueue(items), ErrInvalidInput)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_EnqueueSkipsTerminalAndResetsInFlight(t *testing.T) {
	q := NewQueue(nil)
	items := pendingItems("b", 3)
	items[0].Status = StatusSucceeded
	items[1].Status = StatusInFlight
	items[1].Attempts = 1
	require.NoError(t, q.Enqueue(items))

	counts := q.Counts()
	assert.Equal(t, 1, counts[StatusSucceeded])
	assert.Equal(t, 2, counts[StatusPending])

	it, err := q.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, it.Index)
	assert.Equal(t, 2, it.Attempts)
}

func TestQueue_RequeueDelaysItem(t *testing.T) {
	q := NewQueue(nil)
	require.NoError(t, q.Enqueue(pendingItems("b", 1)))
	ctx := context.Background()

	it, err := q.Take(ctx)
	require.NoError(t, err)

	start := time.Now()
	got, err := q.Requeue(it.Index, 40*time.Millisecond, Attempt{ErrorClass: model.ClassTimeout, Error: "slow"})
	require.NoError(t, err)
	assert.Equal(t, StatusFailedRetryable, got.Status)
	assert.Equal(t, model.ClassTimeout, got.ErrorClass)

	again, err := q.Take(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, 2, again.Attempts)
}

func TestQueue_TakeWaitsForInFlight(t *testing.T) {
	q := NewQueue(nil)
	require.NoError(t, q.Enqueue(pendingItems("b", 1)))
	ctx := context.Background()

	it, err := q.Take(ctx)
	require.NoError(t, err)

	got := make(chan error, 1)
	go func() {
		_, err := q.Take(ctx)
		got <- err
	}()

	select {
	case <-got:
		t.Fatal("Take returned while an item was still in flight")
	case <-time.After(30 * time.Millisecond):
	}

	_, err = q.Resolve(it.Index, StatusFailedTerminal, Attempt{ErrorClass: model.ClassClientError})
	require.NoError(t, err)
	select {
	case err := <-got:
		assert.ErrorIs(t, err, ErrQueueEmpty)
	case <-time.After(time.Second):
		t.Fatal("Take did not wake after resolve")
	}
}

func TestQueue_TakeHonoursContext(t *testing.T) {
	q := NewQueue(nil)
	require.NoError(t, q.Enqueue(pendingItems("b", 1)))
	_, err := q.Take(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = q.Take(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_SettleErrors(t *testing.T) {
	q := NewQueue(nil)
	require.NoError(t, q.Enqueue(pendingItems("b", 1)))

	_, err := q.Resolve(7, StatusSucceeded, Attempt{})
	assert.ErrorIs(t, err, ErrUnknownItem)

	_, err = q.Resolve(0, StatusSucceeded, Attempt{})
	assert.ErrorIs(t, err, ErrNotInFlight)

	_, err = q.Resolve(0, StatusFailedRetryable, Attempt{})
	assert.Error(t, err)

	_, err = q.Requeue(0, 0, Attempt{})
	assert.ErrorIs(t, err, ErrNotInFlight)
}

func TestQueue_SettleAccumulatesUsage(t *testing.T) {
	q := NewQueue(nil)
	require.NoError(t, q.Enqueue(pendingItems("b", 1)))
	ctx := context.Background()

	it, _ := q.Take(ctx)
	_, err := q.Requeue(it.Index, 0, Attempt{Latency: time.Second, ErrorClass: model.ClassServerError, Error: "502"})
	require.NoError(t, err)

	it, _ = q.Take(ctx)
	got, err := q.Resolve(it.Index, StatusSucceeded, Attempt{Latency: 2 * time.Second, Result: "done", PromptTokens: 3, Cost: 0.5})
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, got.Latency)
	assert.Equal(t, "done", got.Result)
	assert.Empty(t, got.Error)
	assert.Empty(t, got.ErrorClass)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, 3, got.PromptTokens)
}

func TestQueue_ChangeCallback(t *testing.T) {
	var changes []ItemStatus
	q := NewQueue(func(_ int, _, to ItemStatus) { changes = append(changes, to) })
	require.NoError(t, q.Enqueue(pendingItems("b", 1)))

	it, _ := q.Take(context.Background())
	_, err := q.Resolve(it.Index, StatusSucceeded, Attempt{})
	require.NoError(t, err)

	assert.Equal(t, []ItemStatus{StatusInFlight, StatusSucceeded}, changes)
}

func TestQueue_SnapshotOrdered(t *testing.T) {
	q := NewQueue(nil)
	items := pendingItems("b", 4)
	items[1], items[3] = items[3], items[1]
	require.NoError(t, q.Enqueue(items))

	snap := q.Snapshot()
	require.Len(t, snap, 4)
	for i, it := range snap {
		assert.Equal(t, i, it.Index)
	}
	got, ok := q.Get(2)
	assert.True(t, ok)
	assert.Equal(t, 2, got.Index)
	_, ok = q.Get(9)
	assert.False(t, ok)
}
