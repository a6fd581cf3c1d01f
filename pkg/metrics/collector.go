// Package metrics exposes Prometheus metrics for the supervisor and gateway.
// Every method is safe to call on a nil *Collector.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	Namespace = "hsu"

	StartResultSucceeded          = "succeeded"
	StartResultFailed             = "failed"
	StartResultVerificationFailed = "verification_failed"
)

type Collector struct {
	registry *prometheus.Registry

	startAttempts      *prometheus.CounterVec
	restarts           *prometheus.CounterVec
	healthCheckFailure *prometheus.CounterVec
	runningServices    prometheus.Gauge

	gatewayRequests *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
}

// NewCollector registers all metrics on registry, or on a fresh registry
// when nil. Go runtime and process collectors are included.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	c := &Collector{
		registry: registry,
		startAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "supervisor",
			Name:      "start_attempts_total",
			Help:      "Tool server start attempts by result",
		}, []string{"server", "result"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "supervisor",
			Name:      "restarts_total",
			Help:      "Scheduled tool server restarts",
		}, []string{"server"}),
		healthCheckFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "supervisor",
			Name:      "health_check_failures_total",
			Help:      "Failed tool server health probes",
		}, []string{"server"}),
		runningServices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "supervisor",
			Name:      "running_services",
			Help:      "Tool servers currently running",
		}),
		gatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Gateway requests by route and status code",
		}, []string{"route", "code"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "gateway",
			Name:      "upstream_duration_seconds",
			Help:      "Time until the model session answered with headers",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"model"}),
	}

	registry.MustRegister(
		c.startAttempts,
		c.restarts,
		c.healthCheckFailure,
		c.runningServices,
		c.gatewayRequests,
		c.upstreamLatency,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) StartAttempt(server, result string) {
	if c == nil {
		return
	}
	c.startAttempts.WithLabelValues(server, result).Inc()
}

func (c *Collector) Restart(server string) {
	if c == nil {
		return
	}
	c.restarts.WithLabelValues(server).Inc()
}

func (c *Collector) HealthCheckFailed(server string) {
	if c == nil {
		return
	}
	c.healthCheckFailure.WithLabelValues(server).Inc()
}

func (c *Collector) SetRunning(n int) {
	if c == nil {
		return
	}
	c.runningServices.Set(float64(n))
}

func (c *Collector) GatewayRequest(route string, code int) {
	if c == nil {
		return
	}
	c.gatewayRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

func (c *Collector) UpstreamLatency(model string, d time.Duration) {
	if c == nil {
		return
	}
	c.upstreamLatency.WithLabelValues(model).Observe(d.Seconds())
}
