package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tensorpool"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	framesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "producer",
			Name:      "frames_published_total",
			Help:      "Frames committed to the header ring.",
		},
		[]string{"stream"},
	)
	descriptorFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "producer",
			Name:      "descriptor_publish_failures_total",
			Help:      "Committed frames whose descriptor could not be published.",
		},
		[]string{"stream"},
	)
	frameReads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "frame_reads_total",
			Help:      "Frame read attempts by outcome.",
		},
		[]string{"stream", "outcome"},
	)
	attaches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "driver",
			Name:      "attach_total",
			Help:      "Attach requests by role and outcome.",
		},
		[]string{"role", "outcome"},
	)
	leaseEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "driver",
			Name:      "lease_events_total",
			Help:      "Lease revocations and driver shutdowns observed by clients.",
		},
		[]string{"event", "reason"},
	)
)

// Frame read outcomes.
const (
	ReadOK       = "ok"
	ReadNotReady = "not_ready"
	ReadMissed   = "missed"
	ReadInvalid  = "invalid"
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, framesPublished, descriptorFailures,
			frameReads, attaches, leaseEvents)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func streamLabel(streamID uint32) string {
	return strconv.FormatUint(uint64(streamID), 10)
}

func RecordFramePublished(streamID uint32) {
	RegisterMetrics()
	framesPublished.WithLabelValues(streamLabel(streamID)).Inc()
}

func RecordDescriptorFailure(streamID uint32) {
	RegisterMetrics()
	descriptorFailures.WithLabelValues(streamLabel(streamID)).Inc()
}

func RecordFrameRead(streamID uint32, outcome string) {
	RegisterMetrics()
	frameReads.WithLabelValues(streamLabel(streamID), outcome).Inc()
}

func RecordAttach(role, outcome string) {
	RegisterMetrics()
	attaches.WithLabelValues(role, outcome).Inc()
}

func RecordLeaseEvent(event, reason string) {
	RegisterMetrics()
	leaseEvents.WithLabelValues(event, reason).Inc()
}
