package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/praxisllmlab/tianjibatch/internal/config"
	"github.com/praxisllmlab/tianjibatch/internal/provider"
	"github.com/praxisllmlab/tianjibatch/internal/spend"
)

// SubmitRequest describes a new batch. Nil options take the configured
// defaults.
type SubmitRequest struct {
	Name         string
	APIAlias     string
	Concurrency  *int
	MaxRetries   *int
	RequestDelay *time.Duration
	Requests     []json.RawMessage
}

// Resubmit scopes select the items of a finished batch that go into a new
// batch.
const (
	ScopeFailed     = "failed"
	ScopeUnfinished = "unfinished"
	ScopeAll        = "all"
)

// ResubmitRequest describes a new batch built from the items of a finished
// one. Indices, when set, take precedence over Scope. An empty Scope means
// ScopeFailed and an empty Name appends "-retry" to the source name.
type ResubmitRequest struct {
	Scope   string
	Indices []int
	Name    string
}

// Manager is the control surface over all batches in this process. It keeps
// a Controller per live batch and falls back to the store for batches that
// have finished or belong to another process.
type Manager struct {
	mu          sync.RWMutex
	controllers map[string]*Controller

	cfg       *config.BatchConfig
	store     Store
	invoker   provider.Invoker
	costs     *spend.Calculator
	observer  Observer
	publisher ProgressPublisher
	base      context.Context
	logger    zerolog.Logger

	// wg counts started runs. closing is guarded by mu and stops new runs
	// from joining wg once Shutdown is waiting on it.
	wg      sync.WaitGroup
	closing bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithPublisher shares progress snapshots through p.
func WithPublisher(p ProgressPublisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// WithCalculator sets the cost calculator.
func WithCalculator(c *spend.Calculator) Option {
	return func(m *Manager) { m.costs = c }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager. base bounds every batch run and final flush.
func NewManager(base context.Context, cfg *config.BatchConfig, store Store, invoker provider.Invoker, opts ...Option) *Manager {
	m := &Manager{
		controllers: make(map[string]*Controller),
		cfg:         cfg,
		store:       store,
		invoker:     invoker,
		observer:    NopObserver{},
		base:        base,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Submit validates and persists a new batch in the created state.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (Batch, error) {
	if len(req.Requests) == 0 {
		return Batch{}, fmt.Errorf("%w: no requests", ErrInvalidInput)
	}
	if req.APIAlias == "" {
		return Batch{}, fmt.Errorf("%w: api_alias is required", ErrInvalidConfig)
	}
	for i, raw := range req.Requests {
		if err := ValidateConversation(raw); err != nil {
			return Batch{}, fmt.Errorf("%w: conversation %d: %v", ErrInvalidInput, i, err)
		}
	}

	bs := m.cfg.BatchSettings
	concurrency := bs.DefaultConcurrency
	if req.Concurrency != nil {
		concurrency = *req.Concurrency
	}
	maxRetries := config.DefaultMaxRetries
	if bs.DefaultMaxRetries != nil {
		maxRetries = *bs.DefaultMaxRetries
	}
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	delay := bs.RequestDelay
	if req.RequestDelay != nil {
		delay = *req.RequestDelay
	}

	now := time.Now().UTC()
	b := Batch{
		ID:           uuid.NewString(),
		Name:         req.Name,
		APIAlias:     req.APIAlias,
		Concurrency:  clamp(concurrency, 1, bs.ConcurrencyCap),
		MaxRetries:   clamp(maxRetries, 0, bs.RetriesCap),
		RequestDelay: max(delay, 0),
		Total:        len(req.Requests),
		State:        StateCreated,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if b.Name == "" {
		b.Name = "batch-" + now.Format("20060102-150405")
	}

	items := make([]RequestItem, len(req.Requests))
	for i, raw := range req.Requests {
		items[i] = RequestItem{
			BatchID:   b.ID,
			Index:     i,
			Payload:   raw,
			Status:    StatusPending,
			UpdatedAt: now,
		}
	}

	if err := m.store.PersistBatch(ctx, b, items); err != nil {
		return Batch{}, fmt.Errorf("persist batch: %w", err)
	}

	c := m.newController(b, items)
	m.mu.Lock()
	m.controllers[b.ID] = c
	m.mu.Unlock()
	m.logger.Info().Str("batch_id", b.ID).Int("total", b.Total).Str("api", b.APIAlias).Msg("batch submitted")
	return b, nil
}

func (m *Manager) newController(b Batch, items []RequestItem) *Controller {
	var api *config.APIConfig
	if a, ok := m.cfg.LookupAPIConfig(b.APIAlias); ok {
		api = &a
	}
	return NewController(b, items, api, ControllerDeps{
		Store:      m.store,
		Invoker:    m.invoker,
		Costs:      m.costs,
		Observer:   m.observer,
		Settings:   m.cfg.BatchSettings,
		Logger:     m.logger,
		Base:       m.base,
		OnTerminal: m.teardown,
	})
}

// teardown releases a finished controller after publishing its final state.
func (m *Manager) teardown(c *Controller) {
	if m.publisher != nil {
		if err := m.publisher.Publish(m.base, c.Progress()); err != nil {
			m.logger.Warn().Err(err).Str("batch_id", c.ID()).Msg("publish final progress failed")
		}
	}
	m.mu.Lock()
	delete(m.controllers, c.ID())
	m.mu.Unlock()
}

// Start begins executing a created batch. Batches created by an earlier
// process are reloaded from the store.
func (m *Manager) Start(ctx context.Context, id string) error {
	c, err := m.controllerOrLoad(ctx, id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	m.wg.Add(1)
	m.mu.Unlock()

	if err := c.Start(ctx); err != nil {
		m.wg.Done()
		return err
	}

	// Shutdown may have collected the running batches before this one
	// reached running.
	m.mu.RLock()
	closing := m.closing
	m.mu.RUnlock()
	if closing {
		if err := c.Cancel(ctx); err != nil {
			m.logger.Warn().Err(err).Str("batch_id", id).Msg("cancel on shutdown")
		}
	}

	go func() {
		defer m.wg.Done()
		<-c.Done()
	}()
	return nil
}

// Resubmit submits a new batch holding the selected items of a finished
// batch. The new batch inherits the source's API and execution options and
// starts in the created state.
func (m *Manager) Resubmit(ctx context.Context, id string, req ResubmitRequest) (Batch, error) {
	src, items, err := m.items(ctx, id)
	if err != nil {
		return Batch{}, err
	}
	if !src.State.Terminal() {
		return Batch{}, fmt.Errorf("%w: batch %s is %s", ErrInvalidTransition, id, src.State)
	}

	picked, err := selectItems(items, req)
	if err != nil {
		return Batch{}, err
	}
	if len(picked) == 0 {
		return Batch{}, fmt.Errorf("%w: no items match scope %q", ErrInvalidInput, req.Scope)
	}

	payloads := make([]json.RawMessage, len(picked))
	for i, it := range picked {
		payloads[i] = it.Payload
	}
	name := req.Name
	if name == "" {
		name = src.Name + "-retry"
	}
	b, err := m.Submit(ctx, SubmitRequest{
		Name:         name,
		APIAlias:     src.APIAlias,
		Concurrency:  &src.Concurrency,
		MaxRetries:   &src.MaxRetries,
		RequestDelay: &src.RequestDelay,
		Requests:     payloads,
	})
	if err != nil {
		return Batch{}, err
	}
	m.logger.Info().Str("batch_id", b.ID).Str("source_batch_id", id).Int("total", b.Total).Msg("batch resubmitted")
	return b, nil
}

func selectItems(items []RequestItem, req ResubmitRequest) ([]RequestItem, error) {
	if len(req.Indices) > 0 {
		out := make([]RequestItem, 0, len(req.Indices))
		seen := make(map[int]bool, len(req.Indices))
		for _, idx := range req.Indices {
			if idx < 0 || idx >= len(items) {
				return nil, fmt.Errorf("%w: %w: %d", ErrInvalidInput, ErrUnknownItem, idx)
			}
			if !seen[idx] {
				seen[idx] = true
				out = append(out, items[idx])
			}
		}
		return out, nil
	}

	var keep func(RequestItem) bool
	switch req.Scope {
	case "", ScopeFailed:
		keep = func(it RequestItem) bool { return it.Status == StatusFailedTerminal }
	case ScopeUnfinished:
		keep = func(it RequestItem) bool { return it.Status != StatusSucceeded }
	case ScopeAll:
		keep = func(RequestItem) bool { return true }
	default:
		return nil, fmt.Errorf("%w: unknown scope %q", ErrInvalidInput, req.Scope)
	}
	var out []RequestItem
	for _, it := range items {
		if keep(it) {
			out = append(out, it)
		}
	}
	return out, nil
}

// Delete removes a batch that is not running, with its items, attempts and
// statistics.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if c := m.controller(id); c != nil {
		if err := c.Discard(ctx); err != nil {
			return err
		}
		m.mu.Lock()
		delete(m.controllers, id)
		m.mu.Unlock()
	} else {
		b, _, err := m.store.LoadBatch(ctx, id)
		if err != nil {
			return err
		}
		if b.State == StateRunning {
			return fmt.Errorf("%w: batch %s is %s", ErrInvalidTransition, id, b.State)
		}
	}

	if err := m.store.DeleteBatch(ctx, id); err != nil {
		return err
	}
	m.logger.Info().Str("batch_id", id).Msg("batch deleted")
	return nil
}

// Cancel stops a batch. Pending items stay pending.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	c, err := m.controllerOrLoad(ctx, id)
	if err != nil {
		return err
	}
	return c.Cancel(ctx)
}

// Progress returns the latest snapshot of a batch.
func (m *Manager) Progress(ctx context.Context, id string) (Snapshot, error) {
	if c := m.controller(id); c != nil {
		return c.Progress(), nil
	}
	if m.publisher != nil {
		s, ok, err := m.publisher.Fetch(ctx, id)
		if err != nil {
			m.logger.Debug().Err(err).Str("batch_id", id).Msg("fetch shared progress failed")
		} else if ok {
			return s, nil
		}
	}

	b, items, err := m.store.LoadBatch(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	return SnapshotFromItems(b, items, m.currency(b.APIAlias)), nil
}

// Export returns the result document of a batch.
func (m *Manager) Export(ctx context.Context, id string) (Export, error) {
	if c := m.controller(id); c != nil {
		return BuildExport(c.Batch(), c.Items(), c.Progress()), nil
	}
	b, items, err := m.store.LoadBatch(ctx, id)
	if err != nil {
		return Export{}, err
	}
	return BuildExport(b, items, SnapshotFromItems(b, items, m.currency(b.APIAlias))), nil
}

// Get returns a batch header.
func (m *Manager) Get(ctx context.Context, id string) (Batch, error) {
	if c := m.controller(id); c != nil {
		return c.Batch(), nil
	}
	b, _, err := m.store.LoadBatch(ctx, id)
	return b, err
}

// List returns every known batch, newest first. Live batches report their
// in-memory state.
func (m *Manager) List(ctx context.Context) ([]Batch, error) {
	batches, err := m.store.ListBatches(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	for i := range batches {
		if c, ok := m.controllers[batches[i].ID]; ok {
			batches[i] = c.Batch()
		}
	}
	m.mu.RUnlock()
	sort.SliceStable(batches, func(i, j int) bool { return batches[i].CreatedAt.After(batches[j].CreatedAt) })
	return batches, nil
}

// Live reports whether this process owns the batch.
func (m *Manager) Live(id string) bool {
	return m.controller(id) != nil
}

// Running returns the controllers of batches currently executing.
func (m *Manager) Running() []*Controller {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Controller, 0, len(m.controllers))
	for _, c := range m.controllers {
		if c.Batch().State == StateRunning {
			out = append(out, c)
		}
	}
	return out
}

// Publish shares the progress of every running batch.
func (m *Manager) Publish(ctx context.Context) error {
	if m.publisher == nil {
		return nil
	}
	var errs []error
	for _, c := range m.Running() {
		if err := m.publisher.Publish(ctx, c.Progress()); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", c.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown cancels every running batch and waits for their final flushes.
// Start fails with ErrShuttingDown afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()

	for _, c := range m.Running() {
		if err := c.Cancel(ctx); err != nil {
			m.logger.Warn().Err(err).Str("batch_id", c.ID()).Msg("cancel on shutdown")
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) controller(id string) *Controller {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controllers[id]
}

func (m *Manager) controllerOrLoad(ctx context.Context, id string) (*Controller, error) {
	if c := m.controller(id); c != nil {
		return c, nil
	}
	b, items, err := m.store.LoadBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.State != StateCreated {
		return nil, fmt.Errorf("%w: batch %s is %s", ErrInvalidTransition, id, b.State)
	}

	fresh := m.newController(b, items)
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.controllers[id]; ok {
		return c, nil
	}
	m.controllers[id] = fresh
	return fresh, nil
}

func (m *Manager) currency(alias string) string {
	api, _ := m.cfg.LookupAPIConfig(alias)
	return m.costs.Pricing(api).Currency
}

func clamp(v, lo, hi int) int {
	if hi > 0 && v > hi {
		return hi
	}
	if v < lo {
		return lo
	}
	return v
}
