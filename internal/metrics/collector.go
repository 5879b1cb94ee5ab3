// Package metrics exposes gateway metrics in the Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tjfontaine/polyglot-graphql-gateway/internal/checkpoint"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/policy/apq"
)

// Namespace prefixes every metric name.
const Namespace = "gateway"

// Collector wraps the gateway's Prometheus metrics. It has its own registry
// so that several gateways (and tests) can coexist in one process.
type Collector struct {
	registry *prometheus.Registry

	CheckpointDecisions *prometheus.CounterVec
	CheckpointDuration  *prometheus.HistogramVec
	APQLookups          *prometheus.CounterVec
	Requests            *prometheus.CounterVec
	RequestDuration     prometheus.Histogram
	InFlight            prometheus.Gauge
}

// New creates a collector. When withRuntime is true the Go runtime and
// process collectors are registered as well.
func New(withRuntime bool) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		CheckpointDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "checkpoint_decisions_total",
			Help:      "Checkpoint predicate outcomes by checkpoint and decision",
		}, []string{"checkpoint", "decision"}),
		CheckpointDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "checkpoint_duration_seconds",
			Help:      "Time spent evaluating checkpoint predicates",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"checkpoint"}),
		APQLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "apq_lookups_total",
			Help:      "Automatic persisted query store interactions by result",
		}, []string{"result"}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "requests_total",
			Help:      "GraphQL requests by HTTP status",
		}, []string{"status"}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "request_duration_seconds",
			Help:      "End to end GraphQL request duration",
			Buckets:   prometheus.DefBuckets,
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "requests_in_flight",
			Help:      "GraphQL requests currently being served",
		}),
	}

	reg.MustRegister(
		c.CheckpointDecisions,
		c.CheckpointDuration,
		c.APQLookups,
		c.Requests,
		c.RequestDuration,
		c.InFlight,
	)
	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler that serves Prometheus metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// InstrumentHandler tracks the requests in flight through next.
func (c *Collector) InstrumentHandler(next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerInFlight(c.InFlight, next)
}

// ObserveCheckpoint implements checkpoint.Observer.
func (c *Collector) ObserveCheckpoint(name string, outcome checkpoint.Outcome, elapsed time.Duration) {
	c.CheckpointDecisions.WithLabelValues(name, string(outcome)).Inc()
	c.CheckpointDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}

// ObserveAPQ implements apq.Recorder.
func (c *Collector) ObserveAPQ(result apq.Result) {
	c.APQLookups.WithLabelValues(string(result)).Inc()
}

// RecordRequest records a finished GraphQL request.
func (c *Collector) RecordRequest(status int, duration time.Duration) {
	c.Requests.WithLabelValues(strconv.Itoa(status)).Inc()
	c.RequestDuration.Observe(duration.Seconds())
}

var (
	_ checkpoint.Observer = (*Collector)(nil)
	_ apq.Recorder        = (*Collector)(nil)
)
