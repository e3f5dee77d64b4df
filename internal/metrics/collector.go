package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector exports ingestion and query metrics
type Collector struct {
	// Ingestion metrics
	operationsTotal     *prometheus.CounterVec
	operationDuration   prometheus.Histogram
	eventsIngested      prometheus.Counter
	annotationsIngested prometheus.Counter
	alertsIngested      prometheus.Counter
	sourcesSuperseded   prometheus.Counter

	// Query metrics
	queriesTotal  *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewCollector registers and returns the metrics collector
func NewCollector() *Collector {
	return &Collector{
		operationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eboa",
			Subsystem: "ingestion",
			Name:      "operations_total",
			Help:      "Total number of treated operations by exit status",
		}, []string{"status"}),
		operationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "eboa",
			Subsystem: "ingestion",
			Name:      "operation_duration_seconds",
			Help:      "Duration of operation ingestion",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		}),
		eventsIngested: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "eboa",
			Subsystem: "ingestion",
			Name:      "events_total",
			Help:      "Total number of ingested events",
		}),
		annotationsIngested: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "eboa",
			Subsystem: "ingestion",
			Name:      "annotations_total",
			Help:      "Total number of ingested annotations",
		}),
		alertsIngested: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "eboa",
			Subsystem: "ingestion",
			Name:      "alerts_total",
			Help:      "Total number of ingested alerts",
		}),
		sourcesSuperseded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "eboa",
			Subsystem: "ingestion",
			Name:      "sources_superseded_total",
			Help:      "Total number of sources superseded by re-ingestion",
		}),
		queriesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eboa",
			Subsystem: "query",
			Name:      "requests_total",
			Help:      "Total number of filter queries by entity",
		}, []string{"entity"}),
		queryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "eboa",
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "Duration of filter queries",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}, []string{"entity"}),
		httpRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eboa",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "eboa",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}, []string{"method", "path"}),
	}
}

// RecordOperation records one treated operation
func (c *Collector) RecordOperation(status string, duration time.Duration, events, annotations, alerts int) {
	c.operationsTotal.WithLabelValues(status).Inc()
	c.operationDuration.Observe(duration.Seconds())
	c.eventsIngested.Add(float64(events))
	c.annotationsIngested.Add(float64(annotations))
	c.alertsIngested.Add(float64(alerts))
}

// RecordSupersededSource records one source superseded by re-ingestion
func (c *Collector) RecordSupersededSource() {
	c.sourcesSuperseded.Inc()
}

// RecordQuery records one filter query
func (c *Collector) RecordQuery(entity string, duration time.Duration) {
	c.queriesTotal.WithLabelValues(entity).Inc()
	c.queryDuration.WithLabelValues(entity).Observe(duration.Seconds())
}

// RecordHTTPRequest records one HTTP request
func (c *Collector) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
