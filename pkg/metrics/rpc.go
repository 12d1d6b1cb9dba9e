package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RPCMetrics records per-method dispatch outcomes and in-flight activity
// for one provider daemon. A nil *RPCMetrics is a valid no-op receiver, so
// callers never need to guard recording sites.
type RPCMetrics struct {
	requests  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	inFlight  prometheus.Gauge
	jobsOpen  prometheus.Gauge
	bytesUp   prometheus.Counter
	bytesDown prometheus.Counter
}

// NewRPCMetrics creates the metric set, or nil when metrics are disabled.
func NewRPCMetrics() *RPCMetrics {
	reg := GetRegistry()
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)
	return &RPCMetrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cirrus",
			Subsystem: "provider",
			Name:      "requests_total",
			Help:      "Provider RPCs by method and outcome.",
		}, []string{"method", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cirrus",
			Subsystem: "provider",
			Name:      "request_duration_seconds",
			Help:      "Provider RPC latency by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "cirrus",
			Subsystem: "provider",
			Name:      "requests_in_flight",
			Help:      "Provider RPCs currently being dispatched.",
		}),
		jobsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "cirrus",
			Subsystem: "provider",
			Name:      "jobs_open",
			Help:      "Streaming jobs currently registered.",
		}),
		bytesUp: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cirrus",
			Subsystem: "provider",
			Name:      "upload_bytes_total",
			Help:      "Bytes accepted from clients by finished uploads.",
		}),
		bytesDown: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cirrus",
			Subsystem: "provider",
			Name:      "download_bytes_total",
			Help:      "Bytes delivered to clients by finished downloads.",
		}),
	}
}

// RequestStarted records dispatch start and returns a completion callback
// taking the wire outcome ("ok" or the error kind name).
func (m *RPCMetrics) RequestStarted(method string) func(outcome string) {
	if m == nil {
		return func(string) {}
	}
	m.inFlight.Inc()
	start := time.Now()
	return func(outcome string) {
		m.inFlight.Dec()
		m.requests.WithLabelValues(method, outcome).Inc()
		m.duration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}
}

// JobOpened records a registered streaming job.
func (m *RPCMetrics) JobOpened() {
	if m != nil {
		m.jobsOpen.Inc()
	}
}

// JobClosed records a reaped streaming job.
func (m *RPCMetrics) JobClosed() {
	if m != nil {
		m.jobsOpen.Dec()
	}
}

// UploadBytes accumulates bytes accepted by a finished upload.
func (m *RPCMetrics) UploadBytes(n int64) {
	if m != nil && n > 0 {
		m.bytesUp.Add(float64(n))
	}
}

// DownloadBytes accumulates bytes delivered by a finished download.
func (m *RPCMetrics) DownloadBytes(n int64) {
	if m != nil && n > 0 {
		m.bytesDown.Add(float64(n))
	}
}
