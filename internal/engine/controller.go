package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/praxisllmlab/tianjibatch/internal/config"
	"github.com/praxisllmlab/tianjibatch/internal/provider"
	"github.com/praxisllmlab/tianjibatch/internal/spend"
)

// ControllerDeps groups what a Controller needs from its surroundings.
type ControllerDeps struct {
	Store    Store
	Invoker  provider.Invoker
	Costs    *spend.Calculator
	Observer Observer
	Settings config.BatchSettings
	Logger   zerolog.Logger

	// Base outlives every request that touches the controller. Runs and the
	// final flush are bound to it rather than to the caller's context.
	Base context.Context

	// OnTerminal is called once after the batch reaches a terminal state or
	// its run is abandoned.
	OnTerminal func(*Controller)
}

// Controller owns one batch from submission to its terminal state.
type Controller struct {
	mu         sync.Mutex
	batch      Batch
	items      []RequestItem
	api        config.APIConfig
	apiFound   bool
	cancelling bool
	cancelRun  context.CancelFunc

	// persistMu serializes header writes. Each write reads the header while
	// holding it, so an older state can never land after a newer one.
	persistMu sync.Mutex

	deps     ControllerDeps
	queue    *Queue
	progress *Aggregator
	buffer   *Buffer
	logger   zerolog.Logger

	doneOnce sync.Once
	done     chan struct{}
}

// NewController prepares a controller for b. api is nil when the batch
// references an unknown API config; Start then fails the batch.
func NewController(b Batch, items []RequestItem, api *config.APIConfig, deps ControllerDeps) *Controller {
	if deps.Observer == nil {
		deps.Observer = NopObserver{}
	}
	if deps.Base == nil {
		deps.Base = context.Background()
	}

	c := &Controller{
		batch:  b,
		items:  items,
		deps:   deps,
		logger: deps.Logger.With().Str("batch_id", b.ID).Logger(),
		done:   make(chan struct{}),
	}
	if api != nil {
		c.api = *api
		c.apiFound = true
	}

	counts := make(map[ItemStatus]int, len(AllStatuses))
	for _, it := range items {
		counts[it.Status]++
	}
	c.progress = NewAggregator(b, counts, deps.Costs.Pricing(c.api).Currency)
	c.queue = NewQueue(c.itemChanged)
	return c
}

func (c *Controller) itemChanged(index int, from, to ItemStatus) {
	c.progress.ItemChanged(index, from, to)
}

// ID returns the batch id.
func (c *Controller) ID() string {
	return c.batch.ID
}

// Batch returns a copy of the batch header.
func (c *Controller) Batch() Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batch
}

// Progress returns the live progress snapshot.
func (c *Controller) Progress() Snapshot {
	return c.progress.Snapshot()
}

// Items returns the current items ordered by index.
func (c *Controller) Items() []RequestItem {
	c.mu.Lock()
	if c.items != nil {
		out := make([]RequestItem, len(c.items))
		copy(out, c.items)
		c.mu.Unlock()
		return out
	}
	c.mu.Unlock()
	return c.queue.Snapshot()
}

// Done is closed once the batch is terminal, or once a run ended without
// reaching a terminal state because the final flush was abandoned.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until Done or ctx ends.
func (c *Controller) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start validates the batch, loads the queue and begins dispatching.
// Configuration faults move the batch to failed and are returned wrapped in
// ErrInvalidConfig.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if _, err := advanceState(c.batch.State, EventStart); err != nil {
		c.mu.Unlock()
		return err
	}

	fault := c.validateLocked()
	if fault == nil {
		if err := c.queue.Enqueue(c.items); err != nil {
			fault = fmt.Errorf("load queue: %w", err)
		}
	}
	if fault != nil {
		b, _ := c.transitionLocked(EventFault, fault.Error())
		c.mu.Unlock()
		c.logger.Error().Err(fault).Str("state", string(b.State)).Msg("batch failed before dispatch")
		c.persistHeader(ctx)
		c.finish()
		return fmt.Errorf("%w: %v", ErrInvalidConfig, fault)
	}

	c.progress.ResetCounts(c.queue.Counts())
	c.items = nil

	s := c.deps.Settings
	c.buffer = NewBuffer(BufferConfig{
		Threshold:     s.FlushBatchSize,
		Interval:      s.FlushInterval,
		RetryInterval: s.FlushRetryInterval,
		MaxBuffered:   s.MaxBuffered,
	}, c.deps.Store, c.flushed, c.logger.With().Str("component", "buffer").Logger())

	dispatcher := NewDispatcher(c.batch, c.api, DispatcherDeps{
		Queue:    c.queue,
		Policy:   NewRetryPolicy(s.RetryStrategy, c.batch.MaxRetries, c.batch.RequestDelay, s.MaxRetryDelay),
		Invoker:  c.deps.Invoker,
		Buffer:   c.buffer,
		Progress: c.progress,
		Observer: c.deps.Observer,
		Costs:    c.deps.Costs,
		Timeout:  s.RequestTimeout,
		Logger:   c.logger,
	})

	runCtx, cancel := context.WithCancel(c.deps.Base)
	c.cancelRun = cancel
	b, _ := c.transitionLocked(EventStart, "")
	c.mu.Unlock()

	c.persistHeader(ctx)
	c.logger.Info().Int("total", b.Total).Int("concurrency", b.Concurrency).
		Int("max_retries", b.MaxRetries).Dur("request_delay", b.RequestDelay).
		Str("api", b.APIAlias).Msg("batch started")

	go c.run(runCtx, dispatcher)
	return nil
}

func (c *Controller) run(ctx context.Context, d *Dispatcher) {
	defer c.cancelRun()

	c.buffer.Start(c.deps.Base)
	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Error().Err(err).Msg("dispatcher stopped")
		c.progress.Warn(fmt.Sprintf("dispatcher stopped: %v", err))
	}

	if err := c.buffer.Close(c.deps.Base); err != nil {
		c.logger.Error().Err(err).Msg("final flush failed, batch left running")
		c.progress.Warn(err.Error())
		c.finish()
		return
	}

	c.mu.Lock()
	event := EventFinish
	if c.cancelling && c.queue.Unresolved() > 0 {
		event = EventCancel
	}
	_, err := c.transitionLocked(event, "")
	c.mu.Unlock()
	if err != nil {
		c.logger.Error().Err(err).Msg("finish batch")
	}

	c.persistHeader(c.deps.Base)
	c.finish()
}

// Cancel stops dispatching. A created batch is cancelled at once; a running
// batch drains in-flight attempts and flushes before it is cancelled.
func (c *Controller) Cancel(ctx context.Context) error {
	c.mu.Lock()
	switch c.batch.State {
	case StateCreated:
		return c.cancelCreatedLocked(ctx)
	case StateRunning:
		if !c.cancelling {
			c.cancelling = true
			c.cancelRun()
			c.logger.Info().Msg("cancel requested, draining in-flight requests")
		}
		c.mu.Unlock()
		return nil
	default:
		state := c.batch.State
		c.mu.Unlock()
		_, err := advanceState(state, EventCancel)
		return err
	}
}

// Discard cancels a batch that never started so that it cannot start later.
// Terminal batches are left alone and running ones are refused.
func (c *Controller) Discard(ctx context.Context) error {
	c.mu.Lock()
	switch state := c.batch.State; {
	case state == StateCreated:
		return c.cancelCreatedLocked(ctx)
	case state.Terminal():
		c.mu.Unlock()
		return nil
	default:
		c.mu.Unlock()
		return fmt.Errorf("%w: batch %s is %s", ErrInvalidTransition, c.batch.ID, state)
	}
}

// cancelCreatedLocked is called with c.mu held and releases it.
func (c *Controller) cancelCreatedLocked(ctx context.Context) error {
	_, err := c.transitionLocked(EventCancel, "")
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.persistHeader(ctx)
	c.finish()
	return nil
}

// Checkpoint persists the batch heartbeat and current statistics. It does
// nothing once the batch is terminal; the final state and stats are written
// by the run itself.
func (c *Controller) Checkpoint(ctx context.Context) error {
	c.persistMu.Lock()
	c.mu.Lock()
	if c.batch.State.Terminal() {
		c.mu.Unlock()
		c.persistMu.Unlock()
		return nil
	}
	c.batch.UpdatedAt = time.Now()
	b := c.batch
	c.mu.Unlock()

	err := c.deps.Store.PersistBatch(ctx, b, nil)
	c.persistMu.Unlock()
	if err != nil {
		return fmt.Errorf("persist batch %s: %w", b.ID, err)
	}
	if err := c.deps.Store.SaveStats(ctx, c.progress.Snapshot()); err != nil {
		return fmt.Errorf("save stats %s: %w", b.ID, err)
	}
	return nil
}

func (c *Controller) validateLocked() error {
	var errs []error
	if !c.apiFound {
		errs = append(errs, fmt.Errorf("api config %q not found", c.batch.APIAlias))
	} else if !c.api.Active() {
		errs = append(errs, fmt.Errorf("api config %q is inactive", c.batch.APIAlias))
	}
	if c.batch.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", c.batch.Concurrency))
	}
	if c.batch.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries must not be negative, got %d", c.batch.MaxRetries))
	}
	if c.batch.Total != len(c.items) {
		errs = append(errs, fmt.Errorf("batch total %d does not match %d items", c.batch.Total, len(c.items)))
	}
	return errors.Join(errs...)
}

// transitionLocked applies event and returns the updated header.
func (c *Controller) transitionLocked(event BatchEvent, errMsg string) (Batch, error) {
	from := c.batch.State
	to, err := advanceState(from, event)
	if err != nil {
		return c.batch, err
	}

	now := time.Now()
	c.batch.State = to
	c.batch.UpdatedAt = now
	if errMsg != "" {
		c.batch.Error = errMsg
	}
	if to == StateRunning {
		c.batch.StartedAt = &now
	}
	if to.Terminal() {
		c.batch.EndedAt = &now
	}

	c.progress.SetState(c.batch)
	c.deps.Observer.StateChanged(c.batch.ID, from, to)
	c.logger.Info().Str("from", string(from)).Str("to", string(to)).Msg("batch state changed")
	return c.batch, nil
}

func (c *Controller) flushed(ev FlushEvent) {
	c.progress.FlushRecorded(ev)
	c.deps.Observer.FlushFinished(c.batch.ID, ev)
	if ev.Err != nil {
		c.progress.Warn(ev.Err.Error())
	}
}

func (c *Controller) persistHeader(ctx context.Context) {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	b := c.Batch()
	if err := c.deps.Store.PersistBatch(ctx, b, nil); err != nil {
		c.logger.Warn().Err(err).Str("state", string(b.State)).Msg("persist batch header failed")
		c.progress.Warn(fmt.Sprintf("persist batch header: %v", err))
	}
}

func (c *Controller) finish() {
	if b := c.Batch(); b.State.Terminal() {
		if err := c.deps.Store.SaveStats(c.deps.Base, c.progress.Snapshot()); err != nil {
			c.logger.Warn().Err(err).Msg("save final stats failed")
		}
		c.logger.Info().Str("state", string(b.State)).Msg("batch finished")
	}
	c.doneOnce.Do(func() {
		close(c.done)
		if c.deps.OnTerminal != nil {
			c.deps.OnTerminal(c)
		}
	})
}
