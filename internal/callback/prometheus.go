// Package callback turns engine events into Prometheus metrics.
package callback

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/praxisllmlab/tianjibatch/internal/engine"
	"github.com/praxisllmlab/tianjibatch/internal/model"
	"github.com/praxisllmlab/tianjibatch/internal/scheduler"
)

// PrometheusObserver exports engine events to Prometheus.
type PrometheusObserver struct {
	attemptLatency *prometheus.HistogramVec
	attemptCounter *prometheus.CounterVec
	retryCounter   *prometheus.CounterVec
	resolvedItems  *prometheus.CounterVec
	tokenCounter   *prometheus.CounterVec
	costCounter    prometheus.Counter
	flushCounter   *prometheus.CounterVec
	flushDuration  prometheus.Histogram
	bufferedGauge  *prometheus.GaugeVec
	stateCounter   *prometheus.CounterVec
	runningGauge   prometheus.Gauge
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
}

var (
	_ engine.Observer       = (*PrometheusObserver)(nil)
	_ scheduler.JobObserver = (*PrometheusObserver)(nil)
)

var (
	prometheusOnce     sync.Once
	prometheusObserver *PrometheusObserver
)

// NewPrometheusObserver returns the process-wide observer, registering its
// collectors on first use.
func NewPrometheusObserver() *PrometheusObserver {
	prometheusOnce.Do(func() {
		buckets := prometheus.DefBuckets

		prometheusObserver = &PrometheusObserver{
			attemptLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "tianjibatch_attempt_latency_seconds",
				Help:    "Latency of one remote request attempt",
				Buckets: buckets,
			}, []string{"outcome"}),

			attemptCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "tianjibatch_attempts_total",
				Help: "Total attempts by outcome (success or error class)",
			}, []string{"outcome"}),

			retryCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "tianjibatch_retries_total",
				Help: "Total items requeued for retry by error class",
			}, []string{"error_class"}),

			resolvedItems: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "tianjibatch_items_resolved_total",
				Help: "Total items reaching a terminal status",
			}, []string{"status"}),

			tokenCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "tianjibatch_tokens_total",
				Help: "Total tokens reported by the remote API",
			}, []string{"type"}),

			costCounter: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "tianjibatch_spend_total",
				Help: "Total spend across all batches",
			}),

			flushCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "tianjibatch_flushes_total",
				Help: "Total result buffer flushes by result",
			}, []string{"result"}),

			flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "tianjibatch_flush_duration_seconds",
				Help:    "Duration of one result buffer flush",
				Buckets: buckets,
			}),

			bufferedGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "tianjibatch_buffered_results",
				Help: "Results waiting to be persisted",
			}, []string{"batch_id"}),

			stateCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "tianjibatch_batch_transitions_total",
				Help: "Total batch state transitions by target state",
			}, []string{"state"}),

			runningGauge: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "tianjibatch_running_batches",
				Help: "Batches currently running in this process",
			}),

			jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "tianjibatch_job_runs_total",
				Help: "Background job runs by job and result",
			}, []string{"job", "result"}),

			jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "tianjibatch_job_duration_seconds",
				Help:    "Duration of one background job run",
				Buckets: buckets,
			}, []string{"job"}),
		}

		prometheus.MustRegister(
			prometheusObserver.attemptLatency,
			prometheusObserver.attemptCounter,
			prometheusObserver.retryCounter,
			prometheusObserver.resolvedItems,
			prometheusObserver.tokenCounter,
			prometheusObserver.costCounter,
			prometheusObserver.flushCounter,
			prometheusObserver.flushDuration,
			prometheusObserver.bufferedGauge,
			prometheusObserver.stateCounter,
			prometheusObserver.runningGauge,
			prometheusObserver.jobRuns,
			prometheusObserver.jobDuration,
		)
	})

	return prometheusObserver
}

func (p *PrometheusObserver) AttemptFinished(_ string, at engine.Attempt) {
	outcome := "success"
	if !at.Succeeded() {
		outcome = string(at.ErrorClass)
	}
	p.attemptLatency.WithLabelValues(outcome).Observe(at.Latency.Seconds())
	p.attemptCounter.WithLabelValues(outcome).Inc()
	p.tokenCounter.WithLabelValues("prompt").Add(float64(at.PromptTokens))
	p.tokenCounter.WithLabelValues("completion").Add(float64(at.CompletionTokens))
	if at.Cost > 0 {
		p.costCounter.Add(at.Cost)
	}
}

func (p *PrometheusObserver) Retried(_ string, class model.ErrorClass) {
	p.retryCounter.WithLabelValues(string(class)).Inc()
}

func (p *PrometheusObserver) ItemResolved(_ string, status engine.ItemStatus) {
	p.resolvedItems.WithLabelValues(string(status)).Inc()
}

func (p *PrometheusObserver) FlushFinished(batchID string, ev engine.FlushEvent) {
	result := "success"
	if ev.Err != nil {
		result = "error"
	}
	p.flushCounter.WithLabelValues(result).Inc()
	p.flushDuration.Observe(ev.Duration.Seconds())
	p.bufferedGauge.WithLabelValues(batchID).Set(float64(ev.Buffered))
}

func (p *PrometheusObserver) StateChanged(batchID string, from, to engine.BatchState) {
	p.stateCounter.WithLabelValues(string(to)).Inc()
	if to == engine.StateRunning {
		p.runningGauge.Inc()
	}
	if from == engine.StateRunning {
		p.runningGauge.Dec()
	}
	if to.Terminal() {
		p.bufferedGauge.DeleteLabelValues(batchID)
	}
}

// JobRan records one scheduler job run. Skipped runs did no work and are
// left out of the duration histogram.
func (p *PrometheusObserver) JobRan(job, result string, d time.Duration) {
	p.jobRuns.WithLabelValues(job, result).Inc()
	if result != scheduler.ResultSkipped {
		p.jobDuration.WithLabelValues(job).Observe(d.Seconds())
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
