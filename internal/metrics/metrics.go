package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for a collection run. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	TaskAttempts     *prometheus.CounterVec
	TaskResults      *prometheus.CounterVec
	TaskDuration     *prometheus.HistogramVec
	RetriesTotal     *prometheus.CounterVec
	FetchErrors      *prometheus.CounterVec
	RecordsFetched   *prometheus.CounterVec
	RecordsProcessed *prometheus.CounterVec
	Duplicates       *prometheus.CounterVec
	UpsertOutcomes   *prometheus.CounterVec
	PriceChanges     prometheus.Counter
	PoolExhausted    prometheus.Counter
	CycleDuration    prometheus.Histogram
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Registry: registry,
		TaskAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalog_task_attempts_total",
			Help: "Fetch attempts started per platform.",
		}, []string{"platform"}),
		TaskResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalog_task_results_total",
			Help: "Terminal task outcomes per platform and status.",
		}, []string{"platform", "status"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "catalog_task_duration_seconds",
			Help:    "Wall time from first attempt to terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"platform"}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalog_task_retries_total",
			Help: "Retries scheduled per platform.",
		}, []string{"platform"}),
		FetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalog_fetch_errors_total",
			Help: "Fetch errors by platform and error type.",
		}, []string{"platform", "error_type"}),
		RecordsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalog_records_fetched_total",
			Help: "Raw records yielded by fetchers.",
		}, []string{"platform"}),
		RecordsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalog_records_processed_total",
			Help: "Integrated records by outcome (accepted or rejection reason).",
		}, []string{"outcome"}),
		Duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalog_duplicates_removed_total",
			Help: "Records merged away by dedup pass.",
		}, []string{"pass"}),
		UpsertOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalog_upserts_total",
			Help: "Product upserts by outcome.",
		}, []string{"outcome"}),
		PriceChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "catalog_price_changes_total",
			Help: "Price history entries appended on update.",
		}),
		PoolExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "catalog_db_pool_exhausted_total",
			Help: "Connection acquisitions that timed out.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "catalog_cycle_duration_seconds",
			Help:    "Duration of a full collection cycle.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}

	registry.MustRegister(
		m.TaskAttempts,
		m.TaskResults,
		m.TaskDuration,
		m.RetriesTotal,
		m.FetchErrors,
		m.RecordsFetched,
		m.RecordsProcessed,
		m.Duplicates,
		m.UpsertOutcomes,
		m.PriceChanges,
		m.PoolExhausted,
		m.CycleDuration,
	)

	return m
}

func (m *Metrics) IncAttempt(platform string) {
	if m == nil {
		return
	}
	m.TaskAttempts.WithLabelValues(platform).Inc()
}

func (m *Metrics) ObserveTask(platform, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.TaskResults.WithLabelValues(platform, status).Inc()
	m.TaskDuration.WithLabelValues(platform).Observe(d.Seconds())
}

func (m *Metrics) IncRetry(platform string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(platform).Inc()
}

func (m *Metrics) IncFetchError(platform, errorType string) {
	if m == nil {
		return
	}
	m.FetchErrors.WithLabelValues(platform, errorType).Inc()
}

func (m *Metrics) AddRecordsFetched(platform string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RecordsFetched.WithLabelValues(platform).Add(float64(n))
}

func (m *Metrics) AddProcessed(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RecordsProcessed.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) AddDuplicates(pass string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Duplicates.WithLabelValues(pass).Add(float64(n))
}

func (m *Metrics) IncUpsert(outcome string) {
	if m == nil {
		return
	}
	m.UpsertOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncPriceChange() {
	if m == nil {
		return
	}
	m.PriceChanges.Inc()
}

func (m *Metrics) IncPoolExhausted() {
	if m == nil {
		return
	}
	m.PoolExhausted.Inc()
}

func (m *Metrics) ObserveCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.CycleDuration.Observe(d.Seconds())
}
