package obs

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PromMetrics implements Metrics on top of Prometheus collectors.
type PromMetrics struct {
	requestDuration *prometheus.HistogramVec
	requestFailures *prometheus.CounterVec
	redirects       *prometheus.CounterVec
	connDials       *prometheus.CounterVec
	connReuses      *prometheus.CounterVec
	connIdleCloses  *prometheus.CounterVec
	poolWait        *prometheus.HistogramVec
	dnsLookups      *prometheus.CounterVec
}

// NewPromMetrics registers the client collectors with registry.
// If registry is nil, the default Prometheus registry is used.
func NewPromMetrics(registry prometheus.Registerer) *PromMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PromMetrics{
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetchx_request_duration_seconds",
				Help:    "HTTP client round-trip duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
			},
			[]string{"method", "status_code", "host"},
		),
		requestFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchx_request_failures_total",
				Help: "Total number of requests that produced no response",
			},
			[]string{"method", "host", "phase"},
		),
		redirects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchx_redirects_total",
				Help: "Total number of followed redirect hops",
			},
			[]string{"host"},
		),
		connDials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchx_conn_dials_total",
				Help: "Total number of dialed connections",
			},
			[]string{"host"},
		),
		connReuses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchx_conn_reuses_total",
				Help: "Total number of idle connections handed out again",
			},
			[]string{"host"},
		),
		connIdleCloses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchx_conn_idle_closed_total",
				Help: "Total number of idle connections closed by the reaper",
			},
			[]string{"host"},
		),
		poolWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetchx_pool_wait_seconds",
				Help:    "Time spent waiting for a connection slot",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
			[]string{"host"},
		),
		dnsLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchx_dns_lookups_total",
				Help: "Total number of hostname resolutions",
			},
			[]string{"host", "cache"},
		),
	}
}

func (m *PromMetrics) RequestCompleted(method, host string, statusCode int, d time.Duration) {
	m.requestDuration.WithLabelValues(method, strconv.Itoa(statusCode), host).Observe(d.Seconds())
}

func (m *PromMetrics) RequestFailed(method, host, phase string) {
	m.requestFailures.WithLabelValues(method, host, phase).Inc()
}

func (m *PromMetrics) Redirect(host string) {
	m.redirects.WithLabelValues(host).Inc()
}

func (m *PromMetrics) ConnDialed(host string) {
	m.connDials.WithLabelValues(host).Inc()
}

func (m *PromMetrics) ConnReused(host string) {
	m.connReuses.WithLabelValues(host).Inc()
}

func (m *PromMetrics) ConnIdleClosed(host string) {
	m.connIdleCloses.WithLabelValues(host).Inc()
}

func (m *PromMetrics) PoolWait(host string, d time.Duration) {
	m.poolWait.WithLabelValues(host).Observe(d.Seconds())
}

func (m *PromMetrics) DNSLookup(host string, cached bool) {
	c := "miss"
	if cached {
		c = "hit"
	}
	m.dnsLookups.WithLabelValues(host, c).Inc()
}
