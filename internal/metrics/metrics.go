// Package metrics holds the Prometheus collectors exported by a long-running
// harvester. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusSuccess labels operations that completed without error.
const StatusSuccess = "success"

var latencyBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

type Metrics struct {
	registry *prometheus.Registry

	graphqlQueries  *prometheus.CounterVec
	graphqlDuration *prometheus.HistogramVec
	dbOperations    *prometheus.CounterVec
	dbDuration      *prometheus.HistogramVec
	batchSize       *prometheus.HistogramVec
	errors          *prometheus.CounterVec
	harvestRuns     *prometheus.CounterVec
	lastSuccess     prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New registers every collector on a private registry, so the exposition
// contains only harvester metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		graphqlQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graphql_queries_total",
			Help: "GraphQL requests sent upstream, by query type and outcome.",
		}, []string{"query_type", "status"}),
		graphqlDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "graphql_request_duration_seconds",
			Help:    "Latency of single GraphQL requests.",
			Buckets: latencyBuckets,
		}, []string{"query_type", "status"}),
		dbOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "database_operations_total",
			Help: "Database operations, by operation, table and outcome.",
		}, []string{"operation", "table", "status"}),
		dbDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "database_query_duration_seconds",
			Help:    "Latency of database operations.",
			Buckets: latencyBuckets,
		}, []string{"operation", "table"}),
		batchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "batch_size",
			Help:    "Records per database batch.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"operation"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Errors by type and component.",
		}, []string{"error_type", "component"}),
		harvestRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_runs_total",
			Help: "Harvest runs by result.",
		}, []string{"status"}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "last_successful_run_timestamp",
			Help: "Unix time of the last harvest run without failures.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Status API requests by status, route and method.",
		}, []string{"status", "path", "method"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Latency of status API requests.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"status", "path", "method"}),
	}
	m.registry.MustRegister(
		m.graphqlQueries, m.graphqlDuration,
		m.dbOperations, m.dbDuration, m.batchSize,
		m.errors, m.harvestRuns, m.lastSuccess,
		m.httpRequests, m.httpDuration,
	)
	return m
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveQuery records one upstream request. Any status other than
// "success" also counts as an api error of that type.
func (m *Metrics) ObserveQuery(queryType, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.graphqlQueries.WithLabelValues(queryType, status).Inc()
	m.graphqlDuration.WithLabelValues(queryType, status).Observe(elapsed.Seconds())
	if status != StatusSuccess {
		m.errors.WithLabelValues(status, "api").Inc()
	}
}

// ObserveDB records one database operation over rows records.
func (m *Metrics) ObserveDB(operation, table string, rows int, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = "error"
		m.errors.WithLabelValues(operation, "database").Inc()
	}
	m.dbOperations.WithLabelValues(operation, table, status).Inc()
	m.dbDuration.WithLabelValues(operation, table).Observe(elapsed.Seconds())
	if rows > 0 {
		m.batchSize.WithLabelValues(operation).Observe(float64(rows))
	}
}

// CountError records an error outside the client and store, such as a
// record that failed validation.
func (m *Metrics) CountError(errorType, component string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.errors.WithLabelValues(errorType, component).Add(float64(n))
}

// ObserveRun records a finished harvest run. status is "success",
// "partial" or "failed".
func (m *Metrics) ObserveRun(status string, finished time.Time) {
	if m == nil {
		return
	}
	m.harvestRuns.WithLabelValues(status).Inc()
	if status == StatusSuccess {
		m.lastSuccess.Set(float64(finished.Unix()))
	}
}

// ObserveHTTP records one status API request.
func (m *Metrics) ObserveHTTP(status int, path, method string, elapsed time.Duration) {
	if m == nil {
		return
	}
	labels := []string{strconv.Itoa(status), path, method}
	m.httpRequests.WithLabelValues(labels...).Inc()
	m.httpDuration.WithLabelValues(labels...).Observe(elapsed.Seconds())
}
