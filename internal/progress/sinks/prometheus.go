package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/storefront-catalog/internal/progress"
)

// PrometheusSink exports crawl progress metrics via Prometheus. It owns the
// run, fetch, page, batch and export collectors.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	fetchAttempts *prometheus.CounterVec
	fetchResults  *prometheus.CounterVec
	fetchBytes    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	backoff       *prometheus.HistogramVec

	pages         *prometheus.CounterVec
	batches       *prometheus.CounterVec
	rows          prometheus.Counter
	batchDuration *prometheus.HistogramVec
	exports       *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "catalog_runs_started_total",
			Help: "Total crawl runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalog_runs_completed_total",
			Help: "Total crawl runs completed partitioned by result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "catalog_runs_running",
			Help: "Current number of running crawl runs.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "catalog_run_duration_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{10, 60, 300, 900, 1800, 3600, 7200, 14400},
		}, []string{"result"}),
		fetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalog_fetch_attempts_total",
			Help: "HTTP attempts issued partitioned by component.",
		}, []string{"component"}),
		fetchResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalog_fetch_results_total",
			Help: "Final fetch results partitioned by component, status class and outcome.",
		}, []string{"component", "status_class", "outcome"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalog_fetch_bytes_total",
			Help: "Response bytes downloaded per component.",
		}, []string{"component"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "catalog_fetch_duration_seconds",
			Help:    "Successful fetch duration partitioned by component.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"component"}),
		backoff: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "catalog_fetch_backoff_seconds",
			Help:    "Backoff waits scheduled before a retry, partitioned by component.",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
		}, []string{"component"}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalog_pages_total",
			Help: "Listing pages processed partitioned by outcome.",
		}, []string{"outcome"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalog_batches_total",
			Help: "Batch upserts partitioned by outcome.",
		}, []string{"outcome"}),
		rows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "catalog_rows_upserted_total",
			Help: "Product rows written by successful batches.",
		}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "catalog_batch_duration_seconds",
			Help:    "Batch upsert latency partitioned by outcome.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"outcome"}),
		exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalog_exports_total",
			Help: "Catalog exports partitioned by outcome.",
		}, []string{"outcome"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runDuration,
		s.fetchAttempts,
		s.fetchResults,
		s.fetchBytes,
		s.fetchDuration,
		s.backoff,
		s.pages,
		s.batches,
		s.rows,
		s.batchDuration,
		s.exports,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart, progress.StageRunDone, progress.StageRunError:
		s.handleRunEvent(evt)
	case progress.StageAttempt, progress.StageRetry, progress.StageSuccess, progress.StageFailure:
		s.handleFetchEvent(evt)
	case progress.StagePage:
		s.pages.WithLabelValues(outcomeLabel(evt.Outcome)).Inc()
	case progress.StageBatch:
		outcome := outcomeLabel(evt.Outcome)
		s.batches.WithLabelValues(outcome).Inc()
		if evt.Outcome == progress.OutcomeOK {
			s.rows.Add(float64(evt.Count))
		}
		s.batchDuration.WithLabelValues(outcome).Observe(evt.Dur.Seconds())
	case progress.StageExport:
		s.exports.WithLabelValues(outcomeLabel(evt.Outcome)).Inc()
	}
}

func (s *PrometheusSink) handleRunEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case progress.StageRunDone:
		s.runsCompleted.WithLabelValues("success").Inc()
		s.observeRuntime(evt, "success")
	case progress.StageRunError:
		s.runsCompleted.WithLabelValues("error").Inc()
		s.observeRuntime(evt, "error")
	}
	if evt.Stage != progress.StageRunStart && s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleFetchEvent(evt progress.Event) {
	component := string(evt.Component)
	if component == "" {
		component = "unknown"
	}
	switch evt.Stage {
	case progress.StageAttempt:
		s.fetchAttempts.WithLabelValues(component).Inc()
	case progress.StageRetry:
		s.backoff.WithLabelValues(component).Observe(evt.Dur.Seconds())
	case progress.StageSuccess:
		s.fetchResults.WithLabelValues(component, statusClass(evt), string(progress.OutcomeOK)).Inc()
		if evt.Count > 0 {
			s.fetchBytes.WithLabelValues(component).Add(float64(evt.Count))
		}
		if evt.Dur > 0 {
			s.fetchDuration.WithLabelValues(component).Observe(evt.Dur.Seconds())
		}
	case progress.StageFailure:
		s.fetchResults.WithLabelValues(component, statusClass(evt), outcomeLabel(evt.Outcome)).Inc()
	}
}

func statusClass(evt progress.Event) string {
	if evt.StatusCode == 0 {
		return string(progress.StatusOther)
	}
	return string(progress.ClassifyStatus(evt.StatusCode))
}

func outcomeLabel(o progress.Outcome) string {
	if o == "" {
		return string(progress.OutcomeOK)
	}
	return string(o)
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
