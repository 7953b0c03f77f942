package notify

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for chat API traffic.
type Metrics struct {
	calls       *prometheus.CounterVec
	apiLatency  *prometheus.HistogramVec
	failedQueue prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics registered with the
// global Prometheus registry. Collectors are created once so repeated
// notifier construction (tests, restarts of the chat listener) cannot
// panic on duplicate registration.
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs the collector set against the given registerer.
// Pass a fresh registry for isolated metric names; registration errors
// other than AlreadyRegistered panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	calls := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botmaster",
			Subsystem: "notifier",
			Name:      "chat_calls_total",
			Help:      "Chat API calls by method and outcome.",
		},
		[]string{"method", "status"},
	)
	apiLatency := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "botmaster",
			Subsystem: "notifier",
			Name:      "chat_api_latency_seconds",
			Help:      "Chat API call latency per method.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)
	failedQueue := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "botmaster",
			Subsystem: "notifier",
			Name:      "failed_queue_size",
			Help:      "Notifications parked in the failed queue.",
		},
	)

	collectors := []prometheus.Collector{calls, apiLatency, failedQueue}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch collector {
				case calls:
					calls = already.ExistingCollector.(*prometheus.CounterVec)
				case apiLatency:
					apiLatency = already.ExistingCollector.(*prometheus.HistogramVec)
				case failedQueue:
					failedQueue = already.ExistingCollector.(prometheus.Gauge)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{calls: calls, apiLatency: apiLatency, failedQueue: failedQueue}
}

func (m *Metrics) observeCall(method, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(method, status).Inc()
	m.apiLatency.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (m *Metrics) setFailedQueueSize(n int) {
	if m == nil {
		return
	}
	m.failedQueue.Set(float64(n))
}
