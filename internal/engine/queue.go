package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ChangeFunc is called on every item status transition, while the queue
// lock is held. It must not call back into the queue.
type ChangeFunc func(index int, from, to ItemStatus)

// Queue owns the status of every item in one batch. Items are handed out
// through Take and returned through Requeue or Resolve; an item is never
// handed out twice concurrently and never after it is terminal.
type Queue struct {
	mu       sync.Mutex
	items    map[int]*RequestItem
	order    []int
	ready    []int
	delayed  map[int]time.Time
	inFlight int
	loaded   bool
	notify   chan struct{}
	onChange ChangeFunc
	now      func() time.Time
}

// NewQueue creates an empty queue. onChange may be nil.
func NewQueue(onChange ChangeFunc) *Queue {
	return &Queue{
		items:    make(map[int]*RequestItem),
		delayed:  make(map[int]time.Time),
		notify:   make(chan struct{}),
		onChange: onChange,
		now:      time.Now,
	}
}

// Enqueue loads the batch items. It may be called only once. Terminal items
// are kept for accounting but never handed out; in-flight items left over
// from an interrupted run go back to pending.
func (q *Queue) Enqueue(items []RequestItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.loaded {
		return ErrAlreadyEnqueued
	}

	for i := range items {
		it := items[i]
		if _, dup := q.items[it.Index]; dup {
			q.items = make(map[int]*RequestItem)
			q.order = nil
			return fmt.Errorf("%w: duplicate index %d", ErrInvalidInput, it.Index)
		}
		if it.Status == "" || it.Status == StatusInFlight {
			it.Status = StatusPending
		}
		q.items[it.Index] = &it
		q.order = append(q.order, it.Index)
	}
	sort.Ints(q.order)

	for _, idx := range q.order {
		if !q.items[idx].Status.Terminal() {
			q.ready = append(q.ready, idx)
		}
	}
	q.loaded = true
	return nil
}

// Take returns a copy of the next item ready for an attempt, marked in
// flight with its attempt count already incremented. It blocks while items
// are delayed or in flight, and returns ErrQueueEmpty once nothing can
// become ready again.
func (q *Queue) Take(ctx context.Context) (RequestItem, error) {
	for {
		if err := ctx.Err(); err != nil {
			return RequestItem{}, err
		}

		q.mu.Lock()
		now := q.now()
		q.promoteLocked(now)

		if len(q.ready) > 0 {
			idx := q.ready[0]
			q.ready = q.ready[1:]
			it := q.items[idx]
			it.Attempts++
			it.UpdatedAt = now
			q.setStatusLocked(it, StatusInFlight)
			q.inFlight++
			lease := *it
			q.mu.Unlock()
			return lease, nil
		}

		if len(q.delayed) == 0 && q.inFlight == 0 {
			q.mu.Unlock()
			return RequestItem{}, ErrQueueEmpty
		}

		wait := q.notify
		var timer *time.Timer
		var timerC <-chan time.Time
		if next, ok := q.nextDueLocked(); ok {
			timer = time.NewTimer(next.Sub(now))
			timerC = timer.C
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
		case <-wait:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Requeue returns an in-flight item to the pool after a retryable failure.
// The item becomes visible to Take after delay.
func (q *Queue) Requeue(index int, delay time.Duration, last Attempt) (RequestItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, err := q.settleLocked(index, last)
	if err != nil {
		return RequestItem{}, err
	}
	q.setStatusLocked(it, StatusFailedRetryable)
	if delay <= 0 {
		q.ready = append(q.ready, index)
	} else {
		q.delayed[index] = q.now().Add(delay)
	}
	q.broadcastLocked()
	return *it, nil
}

// Resolve records a terminal status for an in-flight item.
func (q *Queue) Resolve(index int, status ItemStatus, last Attempt) (RequestItem, error) {
	if !status.Terminal() {
		return RequestItem{}, fmt.Errorf("resolve item %d: %s is not terminal", index, status)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	it, err := q.settleLocked(index, last)
	if err != nil {
		return RequestItem{}, err
	}
	q.setStatusLocked(it, status)
	q.broadcastLocked()
	return *it, nil
}

// Get returns a copy of one item.
func (q *Queue) Get(index int) (RequestItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[index]
	if !ok {
		return RequestItem{}, false
	}
	return *it, true
}

// Snapshot returns copies of all items ordered by index.
func (q *Queue) Snapshot() []RequestItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]RequestItem, 0, len(q.order))
	for _, idx := range q.order {
		out = append(out, *q.items[idx])
	}
	return out
}

// Counts returns the number of items in each status.
func (q *Queue) Counts() map[ItemStatus]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := make(map[ItemStatus]int, len(AllStatuses))
	for _, it := range q.items {
		counts[it.Status]++
	}
	return counts
}

// Unresolved returns the number of items not yet in a terminal status.
func (q *Queue) Unresolved() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, it := range q.items {
		if !it.Status.Terminal() {
			n++
		}
	}
	return n
}

// Len returns the number of items loaded.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

func (q *Queue) settleLocked(index int, last Attempt) (*RequestItem, error) {
	it, ok := q.items[index]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownItem, index)
	}
	if it.Status != StatusInFlight {
		return nil, fmt.Errorf("%w: %d is %s", ErrNotInFlight, index, it.Status)
	}

	it.Result = last.Result
	it.Error = last.Error
	it.ErrorClass = last.ErrorClass
	it.Latency += last.Latency
	it.PromptTokens += last.PromptTokens
	it.CompletionTokens += last.CompletionTokens
	it.Cost += last.Cost
	it.UpdatedAt = last.EndedAt
	q.inFlight--
	return it, nil
}

func (q *Queue) setStatusLocked(it *RequestItem, to ItemStatus) {
	from := it.Status
	it.Status = to
	if q.onChange != nil && from != to {
		q.onChange(it.Index, from, to)
	}
}

// promoteLocked moves delayed items whose delay has passed onto the ready
// list, in index order.
func (q *Queue) promoteLocked(now time.Time) {
	if len(q.delayed) == 0 {
		return
	}
	var due []int
	for idx, at := range q.delayed {
		if !at.After(now) {
			due = append(due, idx)
		}
	}
	sort.Ints(due)
	for _, idx := range due {
		delete(q.delayed, idx)
		q.ready = append(q.ready, idx)
	}
}

func (q *Queue) nextDueLocked() (time.Time, bool) {
	var next time.Time
	found := false
	for _, at := range q.delayed {
		if !found || at.Before(next) {
			next = at
			found = true
		}
	}
	return next, found
}

// broadcastLocked wakes every goroutine blocked in Take.
func (q *Queue) broadcastLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}
