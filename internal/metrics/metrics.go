// Package metrics defines the Prometheus instrumentation: request
// counters and latency histograms for the connection layer, plus
// scheduler and cache gauges.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry groups every metric this server exports so callers register
// and reference them through one value instead of package-level
// globals, consistent with how the scheduler is threaded around.
type Registry struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	SchedulerTasksActive     prometheus.Gauge
	SchedulerTickDuration    prometheus.Histogram
	ListenerAcceptErrors     prometheus.Counter
	GeocodeCacheEntries      prometheus.Gauge
	WeatherCacheHitTotal     prometheus.Counter
	WeatherCacheMissTotal    prometheus.Counter
	WeatherCachePoisonEvicts prometheus.Counter
}

// New builds a Registry and registers every metric with reg.
func New(reg *prometheus.Registry) *Registry {
	m := &Registry{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of response time for handler in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		SchedulerTasksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scheduler_tasks_active",
			Help: "Number of tasks currently registered with the scheduler",
		}),
		SchedulerTickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scheduler_tick_duration_seconds",
			Help:    "Time spent running one scheduler tick",
			Buckets: prometheus.DefBuckets,
		}),
		ListenerAcceptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "listener_accept_errors_total",
			Help: "Number of real (non-EAGAIN) accept() errors observed",
		}),
		GeocodeCacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "geocode_cache_entries",
			Help: "Number of entries in the in-memory geocode cache",
		}),
		WeatherCacheHitTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weather_cache_hit_total",
			Help: "Number of fresh weather cache hits",
		}),
		WeatherCacheMissTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weather_cache_miss_total",
			Help: "Number of weather cache misses (absent or stale)",
		}),
		WeatherCachePoisonEvicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weather_cache_poison_evicted_total",
			Help: "Number of cached weather files evicted for containing a poison response",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.SchedulerTasksActive,
		m.SchedulerTickDuration,
		m.ListenerAcceptErrors,
		m.GeocodeCacheEntries,
		m.WeatherCacheHitTotal,
		m.WeatherCacheMissTotal,
		m.WeatherCachePoisonEvicts,
	)
	return m
}
