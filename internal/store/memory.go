// Package store provides the durable homes of batches: an in-memory store
// for single-process use and tests, and a Postgres store.
package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/praxisllmlab/tianjibatch/internal/engine"
)

// Memory is an engine.Store kept in process memory.
type Memory struct {
	mu       sync.RWMutex
	batches  map[string]engine.Batch
	items    map[string]map[int]engine.RequestItem
	attempts map[string]map[attemptKey]engine.Attempt
	stats    map[string]engine.Snapshot

	// fail, when set, is consulted before every write. A non-nil return
	// aborts the write without changing anything.
	fail func(op string) error
}

type attemptKey struct {
	index  int
	number int
}

var _ engine.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		batches:  make(map[string]engine.Batch),
		items:    make(map[string]map[int]engine.RequestItem),
		attempts: make(map[string]map[attemptKey]engine.Attempt),
		stats:    make(map[string]engine.Snapshot),
	}
}

// SetFailure installs a hook that can reject writes. op is one of
// "persist_batch", "persist_results", "save_stats" or "delete_batch".
func (m *Memory) SetFailure(fn func(op string) error) {
	m.mu.Lock()
	m.fail = fn
	m.mu.Unlock()
}

func (m *Memory) check(op string) error {
	if m.fail == nil {
		return nil
	}
	return m.fail(op)
}

func (m *Memory) PersistBatch(ctx context.Context, b engine.Batch, items []engine.RequestItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("persist_batch"); err != nil {
		return err
	}

	if prev, ok := m.batches[b.ID]; ok {
		if prev.State.Terminal() {
			return nil
		}
		// Static fields are fixed at creation.
		prev.State = b.State
		prev.Error = b.Error
		prev.StartedAt = b.StartedAt
		prev.EndedAt = b.EndedAt
		prev.UpdatedAt = b.UpdatedAt
		b = prev
	}
	m.batches[b.ID] = b

	if len(items) > 0 {
		set := m.items[b.ID]
		if set == nil {
			set = make(map[int]engine.RequestItem, len(items))
			m.items[b.ID] = set
		}
		for _, it := range items {
			set[it.Index] = cloneItem(it)
		}
	}
	return nil
}

func (m *Memory) PersistResults(ctx context.Context, items []engine.RequestItem, attempts []engine.Attempt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("persist_results"); err != nil {
		return err
	}

	for _, it := range items {
		set := m.items[it.BatchID]
		if set == nil {
			set = make(map[int]engine.RequestItem)
			m.items[it.BatchID] = set
		}
		if prev, ok := set[it.Index]; ok && prev.Attempts > it.Attempts {
			continue
		}
		set[it.Index] = cloneItem(it)
	}
	for _, at := range attempts {
		set := m.attempts[at.BatchID]
		if set == nil {
			set = make(map[attemptKey]engine.Attempt)
			m.attempts[at.BatchID] = set
		}
		k := attemptKey{at.ItemIndex, at.Number}
		if _, ok := set[k]; !ok {
			set[k] = at
		}
	}
	return nil
}

func (m *Memory) LoadBatch(ctx context.Context, id string) (engine.Batch, []engine.RequestItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[id]
	if !ok {
		return engine.Batch{}, nil, engine.ErrBatchNotFound
	}
	items := make([]engine.RequestItem, 0, len(m.items[id]))
	for _, it := range m.items[id] {
		items = append(items, cloneItem(it))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Index < items[j].Index })
	return b, items, nil
}

func (m *Memory) ListBatches(ctx context.Context) ([]engine.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]engine.Batch, 0, len(m.batches))
	for _, b := range m.batches {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) SaveStats(ctx context.Context, s engine.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("save_stats"); err != nil {
		return err
	}
	m.stats[s.BatchID] = s
	return nil
}

// Stats returns the last statistics saved for a batch.
func (m *Memory) Stats(id string) (engine.Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stats[id]
	return s, ok
}

// Attempts returns every stored attempt of a batch ordered by item and number.
func (m *Memory) Attempts(id string) []engine.Attempt {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]engine.Attempt, 0, len(m.attempts[id]))
	for _, at := range m.attempts[id] {
		out = append(out, at)
	}
	sortAttempts(out)
	return out
}

func (m *Memory) FailedAttempts(ctx context.Context, id string, limit, offset int) ([]engine.Attempt, int, error) {
	var failed []engine.Attempt
	for _, at := range m.Attempts(id) {
		if !at.Succeeded() {
			failed = append(failed, at)
		}
	}
	total := len(failed)
	if offset >= total || limit <= 0 {
		return nil, total, nil
	}
	return failed[offset:min(offset+limit, total)], total, nil
}

func (m *Memory) CountStatuses(ctx context.Context, ids []string) (map[string]engine.StatusCounts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]engine.StatusCounts, len(ids))
	for _, id := range ids {
		set, ok := m.items[id]
		if !ok {
			continue
		}
		var c engine.StatusCounts
		for _, it := range set {
			c.Add(it.Status, 1)
		}
		out[id] = c
	}
	return out, nil
}

func (m *Memory) DeleteBatch(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("delete_batch"); err != nil {
		return err
	}
	if _, ok := m.batches[id]; !ok {
		return engine.ErrBatchNotFound
	}
	delete(m.batches, id)
	delete(m.items, id)
	delete(m.attempts, id)
	delete(m.stats, id)
	return nil
}

func (m *Memory) ListStale(ctx context.Context, before time.Time) ([]engine.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []engine.Batch
	for _, b := range m.batches {
		if b.State == engine.StateRunning && b.UpdatedAt.Before(before) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (m *Memory) RecoverBatch(ctx context.Context, id, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("persist_batch"); err != nil {
		return 0, err
	}
	b, ok := m.batches[id]
	if !ok {
		return 0, engine.ErrBatchNotFound
	}
	now := time.Now().UTC()
	b.State = engine.StateCancelled
	b.Error = reason
	b.EndedAt = &now
	b.UpdatedAt = now
	m.batches[id] = b

	var reset int64
	for idx, it := range m.items[id] {
		if it.Status == engine.StatusInFlight {
			it.Status = engine.StatusPending
			it.UpdatedAt = now
			m.items[id][idx] = it
			reset++
		}
	}
	return reset, nil
}

func cloneItem(it engine.RequestItem) engine.RequestItem {
	if it.Payload != nil {
		it.Payload = append(json.RawMessage(nil), it.Payload...)
	}
	return it
}

func sortAttempts(ats []engine.Attempt) {
	sort.Slice(ats, func(i, j int) bool {
		if ats[i].ItemIndex != ats[j].ItemIndex {
			return ats[i].ItemIndex < ats[j].ItemIndex
		}
		return ats[i].Number < ats[j].Number
	})
}
