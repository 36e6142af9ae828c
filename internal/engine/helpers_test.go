package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/praxisllmlab/tianjibatch/internal/config"
	"github.com/praxisllmlab/tianjibatch/internal/model"
	"github.com/praxisllmlab/tianjibatch/internal/provider"
)

var errStoreDown = errors.New("store down")

// fakeStore keeps everything in maps. failResults makes PersistResults fail
// for as long as it returns true.
type fakeStore struct {
	mu       sync.Mutex
	batches  map[string]Batch
	items    map[string]map[int]RequestItem
	attempts map[string][]Attempt
	stats    map[string]Snapshot
	chunks   []int

	failResults func(call int) bool
	calls       int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		batches:  make(map[string]Batch),
		items:    make(map[string]map[int]RequestItem),
		attempts: make(map[string][]Attempt),
		stats:    make(map[string]Snapshot),
	}
}

func (s *fakeStore) PersistBatch(_ context.Context, b Batch, items []RequestItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[b.ID] = b
	if len(items) > 0 {
		m := make(map[int]RequestItem, len(items))
		for _, it := range items {
			m[it.Index] = it
		}
		s.items[b.ID] = m
	}
	return nil
}

func (s *fakeStore) PersistResults(_ context.Context, items []RequestItem, attempts []Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failResults != nil && s.failResults(s.calls) {
		return errStoreDown
	}
	s.chunks = append(s.chunks, len(attempts))
	for _, it := range items {
		if s.items[it.BatchID] == nil {
			s.items[it.BatchID] = make(map[int]RequestItem)
		}
		s.items[it.BatchID][it.Index] = it
	}
	for _, a := range attempts {
		s.attempts[a.BatchID] = append(s.attempts[a.BatchID], a)
	}
	return nil
}

func (s *fakeStore) LoadBatch(_ context.Context, id string) (Batch, []RequestItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return Batch{}, nil, ErrBatchNotFound
	}
	items := make([]RequestItem, 0, len(s.items[id]))
	for _, it := range s.items[id] {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Index < items[j].Index })
	return b, items, nil
}

func (s *fakeStore) ListBatches(context.Context) ([]Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Batch, 0, len(s.batches))
	for _, b := range s.batches {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *fakeStore) SaveStats(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[snap.BatchID] = snap
	return nil
}

func (s *fakeStore) FailedAttempts(_ context.Context, id string, limit, offset int) ([]Attempt, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var failed []Attempt
	for _, a := range s.attempts[id] {
		if a.ErrorClass != "" {
			failed = append(failed, a)
		}
	}
	sort.SliceStable(failed, func(i, j int) bool {
		if failed[i].ItemIndex != failed[j].ItemIndex {
			return failed[i].ItemIndex < failed[j].ItemIndex
		}
		return failed[i].Number < failed[j].Number
	})
	total := len(failed)
	if offset >= total {
		return nil, total, nil
	}
	end := min(offset+limit, total)
	return failed[offset:end], total, nil
}

func (s *fakeStore) CountStatuses(_ context.Context, ids []string) (map[string]StatusCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]StatusCounts, len(ids))
	for _, id := range ids {
		items, ok := s.items[id]
		if !ok {
			continue
		}
		var c StatusCounts
		for _, it := range items {
			c.Add(it.Status, 1)
		}
		out[id] = c
	}
	return out, nil
}

func (s *fakeStore) DeleteBatch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[id]; !ok {
		return ErrBatchNotFound
	}
	delete(s.batches, id)
	delete(s.items, id)
	delete(s.attempts, id)
	delete(s.stats, id)
	return nil
}

func (s *fakeStore) batch(id string) Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches[id]
}

func (s *fakeStore) storedItems(id string) map[int]RequestItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]RequestItem, len(s.items[id]))
	for k, v := range s.items[id] {
		out[k] = v
	}
	return out
}

func (s *fakeStore) storedAttempts(id string) []Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Attempt(nil), s.attempts[id]...)
}

func (s *fakeStore) chunkSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.chunks...)
}

// payloadIndex reads the content of the first message as an int, so a
// scripted invoker can recognise items.
func payloadIndex(raw json.RawMessage) int {
	var msgs []model.Message
	if err := json.Unmarshal(raw, &msgs); err != nil || len(msgs) == 0 {
		return -1
	}
	var s string
	if err := json.Unmarshal(msgs[0].Content, &s); err != nil {
		return -1
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return n
}

func conversation(i int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`[{"role":"user","content":"%d"}]`, i))
}

func conversations(n int) []json.RawMessage {
	out := make([]json.RawMessage, n)
	for i := range out {
		out[i] = conversation(i)
	}
	return out
}

func pendingItems(batchID string, n int) []RequestItem {
	items := make([]RequestItem, n)
	for i := range items {
		items[i] = RequestItem{BatchID: batchID, Index: i, Payload: conversation(i), Status: StatusPending}
	}
	return items
}

// scriptedInvoker fails item i with errs[i][k] on its k-th call, then
// succeeds. It tracks concurrency overall and per item.
type scriptedInvoker struct {
	mu      sync.Mutex
	errs    map[int][]model.ErrorClass
	calls   map[int]int
	active  map[int]bool
	overlap bool

	running    atomic.Int32
	maxRunning atomic.Int32
	hold       chan struct{}
}

func newScriptedInvoker(errs map[int][]model.ErrorClass) *scriptedInvoker {
	return &scriptedInvoker{errs: errs, calls: make(map[int]int), active: make(map[int]bool)}
}

func (s *scriptedInvoker) Invoke(ctx context.Context, payload json.RawMessage, _ config.APIConfig) (*provider.Outcome, error) {
	idx := payloadIndex(payload)

	n := s.running.Add(1)
	defer s.running.Add(-1)
	for {
		m := s.maxRunning.Load()
		if n <= m || s.maxRunning.CompareAndSwap(m, n) {
			break
		}
	}

	s.mu.Lock()
	if s.active[idx] {
		s.overlap = true
	}
	s.active[idx] = true
	call := s.calls[idx]
	s.calls[idx]++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active[idx] = false
		s.mu.Unlock()
	}()

	if s.hold != nil {
		select {
		case <-s.hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if script := s.errs[idx]; call < len(script) {
		return nil, &model.TianjiError{Message: "scripted failure", Class: script[call]}
	}
	return &provider.Outcome{
		Content: fmt.Sprintf("answer-%d", idx),
		Usage:   model.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (s *scriptedInvoker) callsFor(idx int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[idx]
}

func (s *scriptedInvoker) sawOverlap() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overlap
}

func testAPI() config.APIConfig {
	return config.APIConfig{Alias: "gpt", APIBase: "http://example.invalid", Model: "gpt-test"}
}
