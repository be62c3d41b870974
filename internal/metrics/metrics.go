// Package metrics exposes daemon activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "svrl"

// Launch results
const (
	ResultLaunched  = "launched"
	ResultDuplicate = "duplicate"
	ResultRejected  = "rejected"
	ResultFailed    = "failed"
)

// Collector records session orchestration metrics on its own registry
type Collector struct {
	launches        *prometheus.CounterVec
	backendStarts   *prometheus.CounterVec
	sessionDuration prometheus.Histogram
	activeSession   prometheus.Gauge
	hotplugEvents   *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a collector with Go runtime and process metrics included
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
	}

	c.launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launches_total",
			Help:      "Total number of game launch requests by result",
		},
		[]string{"result"},
	)

	c.backendStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_starts_total",
			Help:      "Total number of successful VR backend starts",
		},
		[]string{"restarted"},
	)

	c.sessionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of finished game sessions",
			Buckets:   []float64{60, 300, 900, 1800, 3600, 7200, 14400},
		},
	)

	c.activeSession = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_session",
			Help:      "Whether a game session is currently active",
		},
	)

	c.hotplugEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hotplug_events_total",
			Help:      "Total number of handled headset hotplug events",
		},
		[]string{"action"},
	)

	c.registry.MustRegister(
		c.launches,
		c.backendStarts,
		c.sessionDuration,
		c.activeSession,
		c.hotplugEvents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// LaunchResult counts a launch request outcome
func (c *Collector) LaunchResult(result string) {
	c.launches.WithLabelValues(result).Inc()
}

// BackendStarted counts a backend start
func (c *Collector) BackendStarted(restarted bool) {
	c.backendStarts.WithLabelValues(strconv.FormatBool(restarted)).Inc()
}

// SessionStarted marks a session as active
func (c *Collector) SessionStarted() {
	c.activeSession.Set(1)
}

// SessionEnded marks the session inactive and records its duration
func (c *Collector) SessionEnded(d time.Duration) {
	c.activeSession.Set(0)
	c.sessionDuration.Observe(d.Seconds())
}

// HotplugEvent counts a handled hotplug action
func (c *Collector) HotplugEvent(action string) {
	c.hotplugEvents.WithLabelValues(action).Inc()
}

// Registry returns the Prometheus registry for HTTP handler setup
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
