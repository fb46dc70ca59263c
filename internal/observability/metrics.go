package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vibrolink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"role", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vibrolink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"role", "method", "path", "status"},
	)
	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vibrolink",
			Name:      "dispatch_total",
			Help:      "Command dispatch attempts by channel and outcome.",
		},
		[]string{"role", "channel", "outcome"},
	)
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vibrolink",
			Name:      "live_roundtrip_seconds",
			Help:      "Live command send-to-ack latency in seconds.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"role"},
	)
	acksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vibrolink",
			Name:      "acks_total",
			Help:      "Acks produced or received by status.",
		},
		[]string{"status"},
	)
	effectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vibrolink",
			Name:      "effects_total",
			Help:      "Haptic effects performed by delivery channel.",
		},
		[]string{"channel"},
	)
	reconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vibrolink",
			Name:      "reconnects_total",
			Help:      "Supervised re-activation attempts by trigger.",
		},
		[]string{"role", "trigger"},
	)
	sessionReachable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vibrolink",
			Name:      "session_reachable",
			Help:      "1 while the live channel is usable.",
		},
		[]string{"role"},
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vibrolink",
			Name:      "queue_depth",
			Help:      "Commands waiting on the queued channel.",
		},
		[]string{"role"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			dispatchTotal,
			dispatchDuration,
			acksTotal,
			effectsTotal,
			reconnectsTotal,
			sessionReachable,
			queueDepth,
		)
	})
}

func RecordHTTPRequest(role, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(role, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(role, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordDispatch(role, channel, outcome string) {
	RegisterMetrics()
	dispatchTotal.WithLabelValues(role, channel, outcome).Inc()
}

func RecordLiveRoundTrip(role string, d time.Duration) {
	RegisterMetrics()
	dispatchDuration.WithLabelValues(role).Observe(d.Seconds())
}

func RecordAck(status string) {
	RegisterMetrics()
	acksTotal.WithLabelValues(status).Inc()
}

func RecordEffect(channel string) {
	RegisterMetrics()
	effectsTotal.WithLabelValues(channel).Inc()
}

func RecordReconnect(role, trigger string) {
	RegisterMetrics()
	reconnectsTotal.WithLabelValues(role, trigger).Inc()
}

func SetSessionReachable(role string, reachable bool) {
	RegisterMetrics()
	v := 0.0
	if reachable {
		v = 1
	}
	sessionReachable.WithLabelValues(role).Set(v)
}

func SetQueueDepth(role string, depth int) {
	RegisterMetrics()
	queueDepth.WithLabelValues(role).Set(float64(depth))
}
