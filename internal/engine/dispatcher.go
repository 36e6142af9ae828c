package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/praxisllmlab/tianjibatch/internal/config"
	"github.com/praxisllmlab/tianjibatch/internal/model"
	"github.com/praxisllmlab/tianjibatch/internal/provider"
	"github.com/praxisllmlab/tianjibatch/internal/spend"
)

// outcome is the message a worker sends to the collector after one attempt.
type outcome struct {
	item    RequestItem
	attempt Attempt
}

// Dispatcher runs a fixed pool of workers over a Queue. Workers only take
// items and perform remote calls; a single collector goroutine applies the
// retry policy and routes results to the buffer.
type Dispatcher struct {
	batch    Batch
	api      config.APIConfig
	queue    *Queue
	policy   RetryPolicy
	invoker  provider.Invoker
	buffer   *Buffer
	progress *Aggregator
	observer Observer
	costs    *spend.Calculator
	timeout  time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// DispatcherDeps groups the collaborators of a Dispatcher.
type DispatcherDeps struct {
	Queue    *Queue
	Policy   RetryPolicy
	Invoker  provider.Invoker
	Buffer   *Buffer
	Progress *Aggregator
	Observer Observer
	Costs    *spend.Calculator
	Timeout  time.Duration
	Logger   zerolog.Logger
}

// NewDispatcher creates a Dispatcher for batch b against api.
func NewDispatcher(b Batch, api config.APIConfig, deps DispatcherDeps) *Dispatcher {
	if deps.Observer == nil {
		deps.Observer = NopObserver{}
	}
	timeout := api.Timeout
	if timeout <= 0 {
		timeout = deps.Timeout
	}
	if timeout <= 0 {
		timeout = config.DefaultRequestTimeout
	}
	return &Dispatcher{
		batch:    b,
		api:      api,
		queue:    deps.Queue,
		policy:   deps.Policy,
		invoker:  deps.Invoker,
		buffer:   deps.Buffer,
		progress: deps.Progress,
		observer: deps.Observer,
		costs:    deps.Costs,
		timeout:  timeout,
		logger:   deps.Logger,
		now:      time.Now,
	}
}

// Run starts exactly batch.Concurrency workers and returns once the queue is
// exhausted, or once ctx is cancelled and every in-flight attempt has been
// collected. It returns ctx.Err() in the latter case.
func (d *Dispatcher) Run(ctx context.Context) error {
	workers := max(d.batch.Concurrency, 1)
	events := make(chan outcome, workers)

	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for ev := range events {
			d.collect(ev)
		}
	}()

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		i := i
		g.Go(func() error {
			return d.worker(ctx, i, events)
		})
	}
	err := g.Wait()
	close(events)
	<-collected

	if err != nil {
		return err
	}
	return ctx.Err()
}

func (d *Dispatcher) worker(ctx context.Context, id int, events chan<- outcome) error {
	logger := d.logger.With().Int("worker", id).Logger()
	var lastDispatch time.Time

	for {
		if d.batch.RequestDelay > 0 && !lastDispatch.IsZero() {
			if wait := d.batch.RequestDelay - d.now().Sub(lastDispatch); wait > 0 {
				t := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					t.Stop()
					return nil
				case <-t.C:
				}
			}
		}

		item, err := d.queue.Take(ctx)
		switch {
		case errors.Is(err, ErrQueueEmpty):
			return nil
		case ctx.Err() != nil:
			return nil
		case err != nil:
			return err
		}

		lastDispatch = d.now()
		logger.Debug().Int("index", item.Index).Int("attempt", item.Attempts).Msg("dispatching")
		events <- outcome{item: item, attempt: d.execute(ctx, item)}
	}
}

// execute performs one attempt. The call runs on a context detached from
// batch cancellation so that an in-flight attempt always settles; it is
// still bounded by the request timeout.
func (d *Dispatcher) execute(ctx context.Context, item RequestItem) Attempt {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	a := Attempt{
		BatchID:   d.batch.ID,
		ItemIndex: item.Index,
		Number:    item.Attempts,
		StartedAt: d.now(),
	}

	out, err := d.invoke(callCtx, item)

	a.EndedAt = d.now()
	a.Latency = a.EndedAt.Sub(a.StartedAt)
	if err != nil {
		a.ErrorClass = model.ClassifyError(err)
		a.Error = err.Error()
		return a
	}

	a.Result = out.Content
	a.PromptTokens = out.Usage.PromptTokens
	a.CompletionTokens = out.Usage.CompletionTokens
	a.Cost = d.costs.Calculate(d.api, a.PromptTokens, a.CompletionTokens)
	return a
}

func (d *Dispatcher) invoke(ctx context.Context, item RequestItem) (out *provider.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Int("index", item.Index).Msg("invoker panicked")
			out, err = nil, &model.TianjiError{
				Message: "invoker panicked",
				Type:    "internal_error",
				Class:   model.ClassClientError,
			}
		}
	}()
	out, err = d.invoker.Invoke(ctx, item.Payload, d.api)
	if err == nil && out == nil {
		err = &model.TianjiError{Message: "empty outcome", Type: "internal_error", Class: model.ClassServerError}
	}
	return out, err
}

// collect settles one attempt. It is the only writer of item outcomes.
func (d *Dispatcher) collect(ev outcome) {
	a := ev.attempt
	logger := d.logger.With().Int("index", a.ItemIndex).Int("attempt", a.Number).Logger()

	d.observer.AttemptFinished(d.batch.ID, a)
	if d.progress != nil {
		d.progress.AttemptFinished(a)
	}

	var (
		item RequestItem
		err  error
	)
	switch {
	case a.Succeeded():
		item, err = d.queue.Resolve(a.ItemIndex, StatusSucceeded, a)
		d.observer.ItemResolved(d.batch.ID, StatusSucceeded)
	default:
		dec := d.policy.Decide(a.ErrorClass, ev.item.Attempts)
		if dec.Retry {
			item, err = d.queue.Requeue(a.ItemIndex, dec.Delay, a)
			d.observer.Retried(d.batch.ID, a.ErrorClass)
			logger.Warn().Str("error_class", string(a.ErrorClass)).Dur("delay", dec.Delay).
				Str("error", a.Error).Msg("attempt failed, retrying")
		} else {
			item, err = d.queue.Resolve(a.ItemIndex, StatusFailedTerminal, a)
			d.observer.ItemResolved(d.batch.ID, StatusFailedTerminal)
			logger.Error().Str("error_class", string(a.ErrorClass)).
				Str("error", a.Error).Msg("request failed")
		}
	}
	if err != nil {
		logger.Error().Err(err).Msg("settle attempt")
		return
	}

	d.buffer.Add(Result{Item: item, Attempt: a})
	if d.progress != nil {
		d.progress.SetBuffered(d.buffer.Len(), d.buffer.Degraded())
	}
}
