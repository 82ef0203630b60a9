package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	RelayRequests    *prometheus.CounterVec
	RelayLatency     prometheus.Histogram
	StoreFallbacks   *prometheus.CounterVec
	FallbackSessions prometheus.Gauge
	Uploads          *prometheus.CounterVec
	StreamClients    prometheus.Gauge
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		RelayRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_requests_total",
			Help:      "Relayed completion requests by model and outcome.",
		}, []string{"model", "outcome"}),
		RelayLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_latency_ms",
			Help:      "Latency of upstream completion calls in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000},
		}),
		StoreFallbacks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_fallbacks_total",
			Help:      "Operations served by the volatile tier, by operation.",
		}, []string{"op"}),
		FallbackSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fallback_sessions",
			Help:      "Sessions currently tracked by the volatile tier.",
		}),
		Uploads: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "File uploads by kind and outcome.",
		}, []string{"kind", "outcome"}),
		StreamClients: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_clients",
			Help:      "Connected history stream websocket clients.",
		}),
	}
}

func (m *Metrics) ObserveRelayLatency(d time.Duration) {
	m.RelayLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
