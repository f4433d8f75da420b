package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the engine and the
// worker service.
type Metrics struct {
	ActiveCalls     prometheus.Gauge
	CallsTotal      *prometheus.CounterVec
	CallTurns       prometheus.Histogram
	CallDuration    prometheus.Histogram
	BargeIns        prometheus.Counter
	CancelLatency   prometheus.Histogram
	WorkerRequests  *prometheus.CounterVec
	WorkerLatency   *prometheus.HistogramVec
	WorkerShed      prometheus.Counter
	ReplyRejections prometheus.Counter
	FormatFallbacks *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of calls currently in progress.",
		}),
		CallsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Completed calls by termination reason.",
		}, []string{"reason"}),
		CallTurns: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_turns",
			Help:      "Conversation turns per completed call.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34, 50},
		}),
		CallDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Wall-clock duration of completed calls.",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 900},
		}),
		BargeIns: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Caller interruptions of bot playback.",
		}),
		CancelLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "playback_cancel_latency_ms",
			Help:      "Latency from barge-in confirmation to playback stop in milliseconds.",
			Buckets:   []float64{5, 10, 20, 40, 80, 160, 320},
		}),
		WorkerRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_requests_total",
			Help:      "Model worker requests by operation and outcome.",
		}, []string{"operation", "outcome"}),
		WorkerLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_latency_seconds",
			Help:      "Model worker operation latency.",
			Buckets:   []float64{0.05, 0.1, 0.2, 0.4, 0.8, 1.6, 3.2, 6.4, 12.8},
		}, []string{"operation"}),
		WorkerShed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_shed_total",
			Help:      "Requests shed by the worker after the bounded queue wait.",
		}),
		ReplyRejections: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reply_rejections_total",
			Help:      "Generated replies rejected by the content policy.",
		}),
		FormatFallbacks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "format_fallbacks_total",
			Help:      "Audio conversions that fell back from the preferred encoding.",
		}, []string{"encoding"}),
	}
}

func (m *Metrics) ObserveCancelLatency(d time.Duration) {
	m.CancelLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
