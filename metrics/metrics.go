// Package metrics exposes server, dispatch and pool telemetry as
// Prometheus collectors.
//
// A Collector plugs into the server as an ra.Observer, wraps an ra.Logger
// to count reported events, and reads pool and server stats on scrape.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ice-blockchain/go-ra"
	"github.com/ice-blockchain/go-ra/pool"
)

const DefaultNamespace = "ra"

// Collector provides metrics collection.
type Collector struct {
	namespace string
	registry  *prometheus.Registry

	dispatchTotal   *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec
	events          *prometheus.CounterVec
}

// NewCollector creates a collector with its own registry. An empty
// namespace means DefaultNamespace.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	c := &Collector{
		namespace: namespace,
		registry:  prometheus.NewRegistry(),
	}

	c.dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Total number of dispatched requests",
		},
		[]string{"command", "status"},
	)

	c.dispatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Time taken by a handler to produce a response",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		},
		[]string{"command"},
	)

	c.events = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total number of reported events",
		},
		[]string{"event", "level"},
	)

	c.registry.MustRegister(c.dispatchTotal, c.dispatchLatency, c.events)
	return c
}

// Registry returns the registry the collectors are registered in.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler serving the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Dispatched implements ra.Observer.
func (c *Collector) Dispatched(cmd ra.CommandID, status ra.StatusCode, elapsed time.Duration) {
	command := strconv.FormatUint(uint64(cmd), 10)
	c.dispatchTotal.WithLabelValues(command, status.String()).Inc()
	c.dispatchLatency.WithLabelValues(command).Observe(elapsed.Seconds())
}

// Logger wraps next so every reported event is counted.
func (c *Collector) Logger(next ra.Logger) *Logger {
	if next == nil {
		next = ra.NopLogger{}
	}
	return &Logger{next: next, events: c.events}
}

// WatchServer registers a gauge of open server connections.
func (c *Collector) WatchServer(srv *ra.Server) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: c.namespace,
			Subsystem: "server",
			Name:      "connections",
			Help:      "Current number of open connections",
		},
		func() float64 {
			return float64(srv.Stats().Total())
		},
	))
}

// WatchPool registers gauges of pool connections read on every scrape.
func (c *Collector) WatchPool(p StatsSource) {
	c.registry.MustRegister(newPoolCollector(c.namespace, p))
}

// Logger is an ra.Logger counting events by name and level.
type Logger struct {
	next   ra.Logger
	events *prometheus.CounterVec
}

func (l *Logger) Report(event ra.LogEvent) {
	l.events.WithLabelValues(event.EventName(), event.LogLevel().String()).Inc()
	l.next.Report(event)
}

// StatsSource is implemented by *pool.Pool.
type StatsSource interface {
	Stats() pool.Stats
}

var poolStates = []pool.State{
	pool.StateCreated,
	pool.StateAvailable,
	pool.StateLeased,
	pool.StateProbing,
	pool.StateDead,
}

type poolCollector struct {
	src     StatsSource
	conns   *prometheus.Desc
	target  *prometheus.Desc
	waiters *prometheus.Desc
}

func newPoolCollector(namespace string, src StatsSource) *poolCollector {
	return &poolCollector{
		src: src,
		conns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "connections"),
			"Current number of pool connections by state",
			[]string{"state"}, nil,
		),
		target: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "target"),
			"Number of connections the pool aims to keep",
			nil, nil,
		),
		waiters: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "waiters"),
			"Current number of callers waiting for a connection",
			nil, nil,
		),
	}
}

func (pc *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- pc.conns
	ch <- pc.target
	ch <- pc.waiters
}

func (pc *poolCollector) Collect(ch chan<- prometheus.Metric) {
	stats := pc.src.Stats()
	for _, state := range poolStates {
		ch <- prometheus.MustNewConstMetric(pc.conns, prometheus.GaugeValue,
			float64(stats.States[state]), state.String())
	}
	ch <- prometheus.MustNewConstMetric(pc.target, prometheus.GaugeValue, float64(stats.Target))
	ch <- prometheus.MustNewConstMetric(pc.waiters, prometheus.GaugeValue, float64(stats.Waiters))
}
