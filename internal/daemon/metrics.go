package daemon

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the daemon's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requests  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	inflight  prometheus.Gauge
	malformed prometheus.Counter
	firewall  prometheus.Gauge
}

// NewMetrics registers the daemon collectors plus the Go and process
// collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "superd_requests_total",
			Help: "Requests handled, by method and outcome.",
		}, []string{"method", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "superd_request_duration_seconds",
			Help:    "Time spent handling a request.",
			Buckets: []float64{.005, .025, .1, .5, 1, 5, 15, 60, 120},
		}, []string{"method"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "superd_requests_in_flight",
			Help: "Requests currently being handled.",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "superd_malformed_requests_total",
			Help: "Connections dropped because the request could not be read or parsed.",
		}),
		firewall: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "superd_firewall_active",
			Help: "1 when the firewall was last seen enabled.",
		}),
	}

	reg.MustRegister(
		m.requests, m.duration, m.inflight, m.malformed, m.firewall,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observe(method, outcome string, elapsed time.Duration) {
	m.requests.WithLabelValues(method, outcome).Inc()
	m.duration.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (m *Metrics) setFirewall(active bool) {
	if active {
		m.firewall.Set(1)
	} else {
		m.firewall.Set(0)
	}
}
