package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector holds every segchat metric. A nil collector is valid
// and records nothing.
type PrometheusCollector struct {
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	peersKnown        prometheus.Gauge
	livestreamsActive prometheus.Gauge

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	fanoutTotal    *prometheus.CounterVec
	fanoutDuration prometheus.Histogram

	dialAttempts *prometheus.CounterVec
	poolSize     *prometheus.GaugeVec
	videoBytes   *prometheus.CounterVec
}

// NewPrometheusCollector registers the collector's metrics on reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "segchat_connections_active",
			Help: "Control connections currently open on the tracker",
		}),

		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "segchat_connections_total",
			Help: "Control connections accepted by the tracker",
		}),

		peersKnown: factory.NewGauge(prometheus.GaugeOpts{
			Name: "segchat_peers_known",
			Help: "Peer records held by the presence tracker",
		}),

		livestreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "segchat_livestreams_active",
			Help: "Channels with at least one active streamer",
		}),

		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "segchat_requests_total",
			Help: "Protocol requests handled, by type and outcome",
		}, []string{"type", "outcome"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "segchat_request_duration_seconds",
			Help:    "Time spent handling a protocol request, fan-out excluded",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"type"}),

		fanoutTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "segchat_fanout_deliveries_total",
			Help: "Notification deliveries, by notification type and outcome",
		}, []string{"type", "outcome"}),

		fanoutDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "segchat_fanout_duration_seconds",
			Help:    "Duration of a full notification pass",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),

		dialAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "segchat_dial_attempts_total",
			Help: "Outbound connection attempts, by pool and outcome",
		}, []string{"pool", "outcome"}),

		poolSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "segchat_pool_connections",
			Help: "Connections held by the peer registry, by pool",
		}, []string{"pool"}),

		videoBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "segchat_video_bytes_total",
			Help: "Video payload bytes moved, by direction",
		}, []string{"direction"}),
	}
}

func (p *PrometheusCollector) RecordConnectionOpened() {
	if p == nil {
		return
	}
	p.connectionsTotal.Inc()
	p.connectionsActive.Inc()
}

func (p *PrometheusCollector) RecordConnectionClosed() {
	if p == nil {
		return
	}
	p.connectionsActive.Dec()
}

func (p *PrometheusCollector) SetPeersKnown(n int) {
	if p == nil {
		return
	}
	p.peersKnown.Set(float64(n))
}

func (p *PrometheusCollector) SetActiveLivestreams(n int) {
	if p == nil {
		return
	}
	p.livestreamsActive.Set(float64(n))
}

func (p *PrometheusCollector) RecordRequest(requestType, outcome string, duration time.Duration) {
	if p == nil {
		return
	}
	p.requestsTotal.WithLabelValues(requestType, outcome).Inc()
	p.requestDuration.WithLabelValues(requestType).Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordFanout(notificationType string, delivered, dropped int, duration time.Duration) {
	if p == nil {
		return
	}
	p.fanoutTotal.WithLabelValues(notificationType, "delivered").Add(float64(delivered))
	p.fanoutTotal.WithLabelValues(notificationType, "dropped").Add(float64(dropped))
	p.fanoutDuration.Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordDial(pool string, ok bool) {
	if p == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	p.dialAttempts.WithLabelValues(pool, outcome).Inc()
}

func (p *PrometheusCollector) SetPoolSize(pool string, n int) {
	if p == nil {
		return
	}
	p.poolSize.WithLabelValues(pool).Set(float64(n))
}

func (p *PrometheusCollector) RecordVideoBytes(direction string, n int) {
	if p == nil {
		return
	}
	p.videoBytes.WithLabelValues(direction).Add(float64(n))
}
