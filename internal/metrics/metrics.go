// Package metrics exports speedsnake's Prometheus metrics.
//
// All methods are safe on a nil *Exporter, which records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "speedsnake"

// Exporter holds the collectors and the registry they are registered with.
type Exporter struct {
	registry *prometheus.Registry

	loads         prometheus.Counter
	loadErrors    prometheus.Counter
	loadedRows    prometheus.Gauge
	loadedFiles   prometheus.Gauge
	cacheLookups  *prometheus.CounterVec
	cacheWriteErr prometheus.Counter
	stageSeconds  *prometheus.HistogramVec
	requests      *prometheus.CounterVec
	requestTime   *prometheus.HistogramVec
	sessions      prometheus.Gauge
}

// NewExporter creates an exporter with its own registry. Go runtime and
// process collectors are included.
func NewExporter() *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		loads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loads_total",
			Help:      "Number of source loads that decoded files",
		}),
		loadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "load_errors_total",
			Help:      "Number of failed source loads",
		}),
		loadedRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loaded_rows",
			Help:      "Rows in the current measurement table",
		}),
		loadedFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loaded_files",
			Help:      "Source files behind the current measurement table",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by result",
		}, []string{"result"}),
		cacheWriteErr: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_write_errors_total",
			Help:      "Cache entries that could not be written",
		}),
		stageSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of profiled pipeline stages",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16), // 0.5ms to ~16s
		}, []string{"stage"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"route", "status"}),
		requestTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Open sessions",
		}),
	}

	e.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		e.loads,
		e.loadErrors,
		e.loadedRows,
		e.loadedFiles,
		e.cacheLookups,
		e.cacheWriteErr,
		e.stageSeconds,
		e.requests,
		e.requestTime,
		e.sessions,
	)

	return e
}

// Registry returns the registry backing the exporter.
func (e *Exporter) Registry() *prometheus.Registry {
	if e == nil {
		return nil
	}
	return e.registry
}

// Handler serves the registry in the Prometheus text format.
func (e *Exporter) Handler() http.Handler {
	if e == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// RecordLoad records a completed source load.
func (e *Exporter) RecordLoad(files, rows int, err error) {
	if e == nil {
		return
	}
	if err != nil {
		e.loadErrors.Inc()
		return
	}
	e.loads.Inc()
	e.loadedFiles.Set(float64(files))
	e.loadedRows.Set(float64(rows))
}

// RecordCacheLookup counts a cache hit or miss.
func (e *Exporter) RecordCacheLookup(hit bool) {
	if e == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	e.cacheLookups.WithLabelValues(result).Inc()
}

// RecordCacheWriteError counts a failed cache write.
func (e *Exporter) RecordCacheWriteError() {
	if e == nil {
		return
	}
	e.cacheWriteErr.Inc()
}

// ObserveStage records the duration of a profiled stage.
func (e *Exporter) ObserveStage(stage string, d time.Duration) {
	if e == nil {
		return
	}
	e.stageSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordRequest records one served HTTP request.
func (e *Exporter) RecordRequest(route string, status int, d time.Duration) {
	if e == nil {
		return
	}
	e.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	e.requestTime.WithLabelValues(route).Observe(d.Seconds())
}

// SetSessions sets the number of open sessions.
func (e *Exporter) SetSessions(n int) {
	if e == nil {
		return
	}
	e.sessions.Set(float64(n))
}
