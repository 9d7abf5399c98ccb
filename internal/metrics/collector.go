// Package metrics exposes connectivity and session-continuity telemetry.
// Collector wraps Prometheus collectors on a private registry; every Record
// method is safe to call on a nil *Collector so components can run without
// metrics wired in.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector provides continuity metrics collection.
type Collector struct {
	registry *prometheus.Registry

	offline          prometheus.Gauge
	sessionPreserved prometheus.Gauge
	lastOutage       prometheus.Gauge
	transitions      *prometheus.CounterVec
	probes           *prometheus.CounterVec
	probeLatency     prometheus.Histogram
	storeFailures    *prometheus.CounterVec
	restorations     *prometheus.CounterVec
	extendedOutages  prometheus.Counter
}

// NewCollector creates a collector registered under namespace.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "sessionkeeper"
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.offline = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "connectivity",
		Name:      "offline",
		Help:      "1 while the device is believed offline, 0 otherwise",
	})
	c.lastOutage = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "connectivity",
		Name:      "last_offline_duration_seconds",
		Help:      "Duration of the most recently closed outage",
	})
	c.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "connectivity",
		Name:      "transitions_total",
		Help:      "Connectivity status transitions by target status and signal source",
	}, []string{"to", "source"})
	c.probes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "probe",
		Name:      "results_total",
		Help:      "Resolved reachability probes by result",
	}, []string{"result"})
	c.probeLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "probe",
		Name:      "latency_seconds",
		Help:      "Time until a probe resolved",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})
	c.sessionPreserved = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "preserved",
		Help:      "1 while a session snapshot is held",
	})
	c.storeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "store_failures_total",
		Help:      "Snapshot storage failures by operation",
	}, []string{"op"})
	c.restorations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "restorations_total",
		Help:      "Restorations performed on reconnect by kind (credential, route)",
	}, []string{"kind"})
	c.extendedOutages = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "extended_outages_total",
		Help:      "Outages escalated for exceeding the extended-outage threshold",
	})

	c.registry.MustRegister(
		c.offline, c.lastOutage, c.transitions, c.probes, c.probeLatency,
		c.sessionPreserved, c.storeFailures, c.restorations, c.extendedOutages,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordTransition records a connectivity status change.
func (c *Collector) RecordTransition(offline bool, source string, offlineDuration int) {
	if c == nil {
		return
	}
	to := "online"
	if offline {
		to = "offline"
		c.offline.Set(1)
	} else {
		c.offline.Set(0)
		c.lastOutage.Set(float64(offlineDuration))
	}
	c.transitions.WithLabelValues(to, source).Inc()
}

// RecordProbe records a resolved probe.
func (c *Collector) RecordProbe(ok bool, latency time.Duration) {
	if c == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	c.probes.WithLabelValues(result).Inc()
	c.probeLatency.Observe(latency.Seconds())
}

// RecordSessionPreserved tracks whether a snapshot is held.
func (c *Collector) RecordSessionPreserved(preserved bool) {
	if c == nil {
		return
	}
	if preserved {
		c.sessionPreserved.Set(1)
		return
	}
	c.sessionPreserved.Set(0)
}

// RecordStoreFailure counts a failed snapshot store operation.
func (c *Collector) RecordStoreFailure(op string) {
	if c == nil {
		return
	}
	c.storeFailures.WithLabelValues(op).Inc()
}

// RecordRestoration counts a credential or route restoration.
func (c *Collector) RecordRestoration(kind string) {
	if c == nil {
		return
	}
	c.restorations.WithLabelValues(kind).Inc()
}

// RecordExtendedOutage counts an outage escalation.
func (c *Collector) RecordExtendedOutage() {
	if c == nil {
		return
	}
	c.extendedOutages.Inc()
}
