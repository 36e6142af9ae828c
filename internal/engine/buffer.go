package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Result is one settled attempt together with the item state it produced.
type Result struct {
	Item    RequestItem
	Attempt Attempt
}

// ResultWriter persists a chunk of results atomically: either every item
// and attempt in the call is stored or none is.
type ResultWriter interface {
	PersistResults(ctx context.Context, items []RequestItem, attempts []Attempt) error
}

// FlushEvent reports the outcome of one flush call.
type FlushEvent struct {
	Items    int
	Duration time.Duration
	Buffered int
	Degraded bool
	Err      error
	At       time.Time
}

// BufferConfig controls when the buffer flushes.
type BufferConfig struct {
	// Threshold is the chunk size: a flush starts once this many results
	// are buffered and never writes more than this many in one call.
	Threshold int
	// Interval flushes whatever is buffered when no flush happened for this long.
	Interval time.Duration
	// RetryInterval is the pause before retrying a failed flush.
	RetryInterval time.Duration
	// MaxBuffered marks the buffer degraded once exceeded. Results are
	// never dropped.
	MaxBuffered int
}

// Buffer accumulates results and writes them to a ResultWriter in chunks,
// triggered by size or elapsed time. Chunks that fail to persist stay at the
// head of the buffer and are retried.
type Buffer struct {
	mu        sync.Mutex
	pending   []Result
	lastFlush time.Time
	degraded  bool
	started   bool
	stopped   bool

	// flushMu serializes writes so Add never waits on the store.
	flushMu sync.Mutex

	cfg     BufferConfig
	writer  ResultWriter
	onFlush func(FlushEvent)
	logger  zerolog.Logger

	kick   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewBuffer creates a Buffer. onFlush may be nil.
func NewBuffer(cfg BufferConfig, writer ResultWriter, onFlush func(FlushEvent), logger zerolog.Logger) *Buffer {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	return &Buffer{
		cfg:       cfg,
		writer:    writer,
		onFlush:   onFlush,
		logger:    logger,
		lastFlush: time.Now(),
		kick:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start runs the background flusher until Close. ctx bounds individual
// store writes.
func (b *Buffer) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	go b.loop(ctx)
}

// Add appends a result. It never blocks on the store.
func (b *Buffer) Add(r Result) {
	b.mu.Lock()
	b.pending = append(b.pending, r)
	n := len(b.pending)
	crossed := b.cfg.MaxBuffered > 0 && n > b.cfg.MaxBuffered && !b.degraded
	if crossed {
		b.degraded = true
	}
	b.mu.Unlock()

	if crossed {
		b.logger.Warn().Int("buffered", n).Int("max_buffered", b.cfg.MaxBuffered).
			Msg("result buffer over limit, store is falling behind")
	}
	if n >= b.cfg.Threshold {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// Len returns the number of buffered results.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Degraded reports whether the buffer is over its limit.
func (b *Buffer) Degraded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.degraded
}

func (b *Buffer) loop(ctx context.Context) {
	defer close(b.doneCh)

	// The timer always points at lastFlush+Interval, so a result never
	// waits longer than Interval after the previous flush.
	timer := time.NewTimer(b.untilDue(false))
	defer timer.Stop()

	var retry <-chan time.Time
	for {
		var err error
		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		case <-b.kick:
			err = b.flushFull(ctx)
		case <-timer.C:
			if b.untilDue(false) == 0 {
				err = b.FlushAll(ctx)
			}
		case <-retry:
			retry = nil
			err = b.FlushAll(ctx)
		}
		if err != nil && retry == nil {
			retry = time.After(b.cfg.RetryInterval)
		}
		timer.Reset(b.untilDue(retry != nil))
	}
}

// untilDue returns how long until the interval flush is due. While a failed
// flush awaits its retry, an overdue interval waits a full period instead of
// hammering the store.
func (b *Buffer) untilDue(failing bool) time.Duration {
	b.mu.Lock()
	d := b.cfg.Interval - time.Since(b.lastFlush)
	b.mu.Unlock()
	if d > 0 {
		return d
	}
	if failing {
		return b.cfg.Interval
	}
	return 0
}

// flushFull writes full chunks while at least Threshold results are buffered.
func (b *Buffer) flushFull(ctx context.Context) error {
	for b.Len() >= b.cfg.Threshold {
		if err := b.flushChunk(ctx); err != nil {
			return err
		}
	}
	return nil
}

// FlushAll writes everything currently buffered, one chunk at a time. It
// stops at the first failed chunk.
func (b *Buffer) FlushAll(ctx context.Context) error {
	for b.Len() > 0 {
		if err := b.flushChunk(ctx); err != nil {
			return err
		}
	}
	b.mu.Lock()
	b.lastFlush = time.Now()
	b.mu.Unlock()
	return nil
}

func (b *Buffer) flushChunk(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	n := min(len(b.pending), b.cfg.Threshold)
	if n == 0 {
		b.mu.Unlock()
		return nil
	}
	chunk := make([]Result, n)
	copy(chunk, b.pending[:n])
	b.mu.Unlock()

	items, attempts := splitResults(chunk)

	start := time.Now()
	err := b.writer.PersistResults(ctx, items, attempts)
	elapsed := time.Since(start)

	b.mu.Lock()
	if err == nil {
		b.pending = b.pending[n:]
		b.lastFlush = time.Now()
		if b.degraded && (b.cfg.MaxBuffered <= 0 || len(b.pending) <= b.cfg.MaxBuffered) {
			b.degraded = false
		}
	}
	ev := FlushEvent{
		Items:    n,
		Duration: elapsed,
		Buffered: len(b.pending),
		Degraded: b.degraded,
		At:       time.Now(),
	}
	b.mu.Unlock()

	if err != nil {
		ev.Err = fmt.Errorf("flush %d results: %w", n, err)
		b.logger.Warn().Err(err).Int("items", n).Int("buffered", ev.Buffered).
			Msg("result flush failed, retaining results")
	} else {
		b.logger.Debug().Int("items", n).Dur("duration", elapsed).Msg("results flushed")
	}
	if b.onFlush != nil {
		b.onFlush(ev)
	}
	return ev.Err
}

// Close stops the background flusher and drains the buffer, retrying failed
// flushes every RetryInterval until the buffer is empty or ctx is done.
func (b *Buffer) Close(ctx context.Context) error {
	b.mu.Lock()
	started := b.started
	if !b.stopped {
		b.stopped = true
		close(b.stopCh)
	}
	b.mu.Unlock()
	if started {
		<-b.doneCh
	}

	for {
		err := b.FlushAll(ctx)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("final flush abandoned with %d results buffered: %w", b.Len(), err)
		case <-time.After(b.cfg.RetryInterval):
		}
	}
}

// splitResults returns the latest state of each item in the chunk, in the
// order items were last touched, plus every attempt.
func splitResults(chunk []Result) ([]RequestItem, []Attempt) {
	latest := make(map[int]int, len(chunk))
	attempts := make([]Attempt, 0, len(chunk))
	for i, r := range chunk {
		latest[r.Item.Index] = i
		attempts = append(attempts, r.Attempt)
	}
	items := make([]RequestItem, 0, len(latest))
	for i, r := range chunk {
		if latest[r.Item.Index] == i {
			items = append(items, r.Item)
		}
	}
	return items, attempts
}
