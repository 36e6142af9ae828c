package engine

import (
	"sync"
	"sync/atomic"
	"time"
)

// StatusCounts is the number of items in each status. The fields always sum
// to the batch total.
type StatusCounts struct {
	Pending         int `json:"pending"`
	InFlight        int `json:"in_flight"`
	Succeeded       int `json:"succeeded"`
	FailedRetryable int `json:"failed_retryable"`
	FailedTerminal  int `json:"failed_terminal"`
}

// Sum returns the total number of items counted.
func (c StatusCounts) Sum() int {
	return c.Pending + c.InFlight + c.Succeeded + c.FailedRetryable + c.FailedTerminal
}

// Of returns the count for one status.
func (c StatusCounts) Of(s ItemStatus) int {
	switch s {
	case StatusPending:
		return c.Pending
	case StatusInFlight:
		return c.InFlight
	case StatusSucceeded:
		return c.Succeeded
	case StatusFailedRetryable:
		return c.FailedRetryable
	case StatusFailedTerminal:
		return c.FailedTerminal
	}
	return 0
}

// Add adjusts the count of status s by n.
func (c *StatusCounts) Add(s ItemStatus, n int) {
	switch s {
	case StatusPending:
		c.Pending += n
	case StatusInFlight:
		c.InFlight += n
	case StatusSucceeded:
		c.Succeeded += n
	case StatusFailedRetryable:
		c.FailedRetryable += n
	case StatusFailedTerminal:
		c.FailedTerminal += n
	}
}

// FlushStats describes the result buffer's persistence activity.
type FlushStats struct {
	Flushes      int       `json:"flushes"`
	FlushedItems int       `json:"flushed_items"`
	Failures     int       `json:"failures"`
	Buffered     int       `json:"buffered"`
	Healthy      bool      `json:"healthy"`
	LastFlushAt  time.Time `json:"last_flush_at,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// Snapshot is an immutable view of a batch's progress.
type Snapshot struct {
	BatchID          string       `json:"batch_id"`
	Name             string       `json:"name"`
	State            BatchState   `json:"state"`
	Total            int          `json:"total"`
	Counts           StatusCounts `json:"counts"`
	Attempts         int          `json:"attempts"`
	Retries          int          `json:"retries"`
	PercentComplete  float64      `json:"percent_complete"`
	SuccessRate      float64      `json:"success_rate"`
	AvgLatencyMS     float64      `json:"avg_latency_ms"`
	TotalLatencyMS   float64      `json:"total_latency_ms"`
	PromptTokens     int          `json:"prompt_tokens"`
	CompletionTokens int          `json:"completion_tokens"`
	TotalCost        float64      `json:"total_cost"`
	Currency         string       `json:"currency,omitempty"`
	Throughput       float64      `json:"throughput_rps"`
	ElapsedSeconds   float64      `json:"elapsed_seconds"`
	Flush            FlushStats   `json:"flush"`
	Warnings         []string     `json:"warnings,omitempty"`
	Error            string       `json:"error,omitempty"`
	StartedAt        *time.Time   `json:"started_at,omitempty"`
	EndedAt          *time.Time   `json:"ended_at,omitempty"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Resolved is the number of items in a terminal status.
func (s Snapshot) Resolved() int {
	return s.Counts.Succeeded + s.Counts.FailedTerminal
}

const maxWarnings = 20

// Aggregator folds queue, dispatcher and buffer events into progress
// snapshots. Writers serialize on a mutex; Snapshot never blocks.
type Aggregator struct {
	mu      sync.Mutex
	state   Snapshot
	latency time.Duration
	current atomic.Pointer[Snapshot]
	now     func() time.Time
}

// NewAggregator starts tracking batch b with the given initial counts.
func NewAggregator(b Batch, counts map[ItemStatus]int, currency string) *Aggregator {
	a := &Aggregator{now: time.Now}
	a.state = Snapshot{
		BatchID:   b.ID,
		Name:      b.Name,
		State:     b.State,
		Total:     b.Total,
		Currency:  currency,
		Error:     b.Error,
		StartedAt: b.StartedAt,
		EndedAt:   b.EndedAt,
		Flush:     FlushStats{Healthy: true},
	}
	for s, n := range counts {
		a.state.Counts.Add(s, n)
	}
	a.publishLocked()
	return a
}

// SnapshotFromItems rebuilds the progress of a batch from its persisted items.
func SnapshotFromItems(b Batch, items []RequestItem, currency string) Snapshot {
	counts := make(map[ItemStatus]int, len(AllStatuses))
	for _, it := range items {
		counts[it.Status]++
	}
	a := NewAggregator(b, counts, currency)
	a.mu.Lock()
	for _, it := range items {
		a.state.Attempts += it.Attempts
		if it.Attempts > 1 {
			a.state.Retries += it.Attempts - 1
		}
		a.latency += it.Latency
		a.state.PromptTokens += it.PromptTokens
		a.state.CompletionTokens += it.CompletionTokens
		a.state.TotalCost += it.Cost
	}
	a.publishLocked()
	a.mu.Unlock()
	return a.Snapshot()
}

// ItemChanged moves one item between status counters.
func (a *Aggregator) ItemChanged(_ int, from, to ItemStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.Counts.Add(from, -1)
	a.state.Counts.Add(to, 1)
	a.publishLocked()
}

// ResetCounts replaces the status counters, used once the queue is loaded.
func (a *Aggregator) ResetCounts(counts map[ItemStatus]int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.Counts = StatusCounts{}
	for s, n := range counts {
		a.state.Counts.Add(s, n)
	}
	a.publishLocked()
}

// AttemptFinished adds one attempt's latency, tokens and cost.
func (a *Aggregator) AttemptFinished(at Attempt) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.Attempts++
	if at.Number > 1 {
		a.state.Retries++
	}
	a.latency += at.Latency
	a.state.PromptTokens += at.PromptTokens
	a.state.CompletionTokens += at.CompletionTokens
	a.state.TotalCost += at.Cost
	a.publishLocked()
}

// FlushRecorded records a flush attempt reported by the result buffer.
func (a *Aggregator) FlushRecorded(ev FlushEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f := &a.state.Flush
	f.Buffered = ev.Buffered
	if ev.Err != nil {
		f.Failures++
		f.Healthy = false
		f.LastError = ev.Err.Error()
	} else {
		f.Flushes++
		f.FlushedItems += ev.Items
		f.LastFlushAt = ev.At
		f.Healthy = !ev.Degraded
		f.LastError = ""
	}
	a.publishLocked()
}

// SetBuffered updates the buffered-results gauge and health flag.
func (a *Aggregator) SetBuffered(n int, degraded bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.Flush.Buffered = n
	if degraded {
		a.state.Flush.Healthy = false
	}
	a.publishLocked()
}

// SetState records a batch state change.
func (a *Aggregator) SetState(b Batch) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.State = b.State
	a.state.StartedAt = b.StartedAt
	a.state.EndedAt = b.EndedAt
	a.state.Error = b.Error
	a.publishLocked()
}

// Warn appends a warning visible on the snapshot. Only the most recent
// warnings are kept.
func (a *Aggregator) Warn(msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w := make([]string, 0, len(a.state.Warnings)+1)
	w = append(w, a.state.Warnings...)
	w = append(w, msg)
	if len(w) > maxWarnings {
		w = w[len(w)-maxWarnings:]
	}
	a.state.Warnings = w
	a.publishLocked()
}

// Snapshot returns the latest published snapshot with time-derived fields
// filled in.
func (a *Aggregator) Snapshot() Snapshot {
	s := *a.current.Load()
	if s.StartedAt != nil {
		end := a.now()
		if s.EndedAt != nil {
			end = *s.EndedAt
		}
		elapsed := end.Sub(*s.StartedAt).Seconds()
		s.ElapsedSeconds = elapsed
		if elapsed > 0 {
			s.Throughput = float64(s.Resolved()) / elapsed
		}
	}
	return s
}

func (a *Aggregator) publishLocked() {
	s := a.state
	if s.Total > 0 {
		s.PercentComplete = float64(s.Resolved()) / float64(s.Total) * 100
	}
	if r := s.Resolved(); r > 0 {
		s.SuccessRate = float64(s.Counts.Succeeded) / float64(r) * 100
	}
	s.TotalLatencyMS = float64(a.latency) / float64(time.Millisecond)
	if s.Attempts > 0 {
		s.AvgLatencyMS = s.TotalLatencyMS / float64(s.Attempts)
	}
	s.UpdatedAt = a.now()
	a.current.Store(&s)
}
