// Package metrics exposes push delivery counters to Prometheus.
package metrics

import (
	"net/http"

	"beacon/cmd/internal/offline"
	"beacon/cmd/internal/realtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "beacon"

// Collectors implements realtime.Metrics and the offline eviction/sweep hooks
// on a private registry.
type Collectors struct {
	reg *prometheus.Registry

	connsOpened    prometheus.Counter
	connsActive    prometheus.Gauge
	connsClosed    *prometheus.CounterVec
	dispatched     *prometheus.CounterVec
	flushed        prometheus.Counter
	evicted        *prometheus.CounterVec
	sweeps         *prometheus.CounterVec
	swept          prometheus.Counter
	receipts       *prometheus.CounterVec
	heartbeatFails prometheus.Counter
}

var _ realtime.Metrics = (*Collectors)(nil)

// New registers every collector, plus the Go and process collectors, on a fresh registry.
func New() *Collectors {
	c := &Collectors{
		reg: prometheus.NewRegistry(),
		connsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ws", Name: "connections_opened_total",
			Help: "Accepted WebSocket connections.",
		}),
		connsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ws", Name: "connections_active",
			Help: "Connections currently in the ACTIVE state.",
		}),
		connsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ws", Name: "connections_closed_total",
			Help: "Closed connections by reason.",
		}, []string{"reason"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "envelopes_total",
			Help: "Dispatched envelopes by outcome.",
		}, []string{"outcome"}),
		flushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "offline", Name: "flushed_total",
			Help: "Queued envelopes delivered on reconnect.",
		}),
		evicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "offline", Name: "evicted_total",
			Help: "Queued envelopes dropped without delivery, by reason.",
		}, []string{"reason"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "offline", Name: "sweeps_total",
			Help: "Expiry sweeps by result.",
		}, []string{"result"}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "offline", Name: "swept_total",
			Help: "Expired envelopes removed by the sweeper.",
		}),
		receipts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "receipts_total",
			Help: "Resolved delivery receipts by status.",
		}, []string{"status"}),
		heartbeatFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ws", Name: "heartbeat_timeouts_total",
			Help: "Connections closed for missing heartbeats.",
		}),
	}

	c.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.connsOpened, c.connsActive, c.connsClosed, c.dispatched, c.flushed,
		c.evicted, c.sweeps, c.swept, c.receipts, c.heartbeatFails,
	)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Registry returns the underlying registry (tests, extra collectors).
func (c *Collectors) Registry() *prometheus.Registry { return c.reg }

func (c *Collectors) ConnectionOpened() { c.connsOpened.Inc() }

func (c *Collectors) ConnectionActivated() { c.connsActive.Inc() }

// ConnectionClosed is only called once per connection. wasActive comes from
// the registry so the gauge never goes negative for connections that never
// finished the handshake.
func (c *Collectors) ConnectionClosed(reason string, wasActive bool) {
	c.connsClosed.WithLabelValues(reason).Inc()
	if wasActive {
		c.connsActive.Dec()
	}
	if reason == "heartbeat_timeout" {
		c.heartbeatFails.Inc()
	}
}

func (c *Collectors) Dispatched(outcome realtime.Outcome) {
	c.dispatched.WithLabelValues(string(outcome)).Inc()
}

func (c *Collectors) OfflineFlushed(n int) {
	if n > 0 {
		c.flushed.Add(float64(n))
	}
}

func (c *Collectors) ReceiptResolved(status string) {
	c.receipts.WithLabelValues(status).Inc()
}

// Evicted is an offline.EvictFunc.
func (c *Collectors) Evicted(_, _ string, reason offline.EvictReason) {
	c.evicted.WithLabelValues(string(reason)).Inc()
}

// Swept observes one sweeper run; suitable for Sweeper.OnSweep.
func (c *Collectors) Swept(n int, err error) {
	if err != nil {
		c.sweeps.WithLabelValues("error").Inc()
		return
	}
	c.sweeps.WithLabelValues("ok").Inc()
	if n > 0 {
		c.swept.Add(float64(n))
	}
}
