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
			Namespace: "tapcustody",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tapcustody",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tapcustody",
			Subsystem: "custody",
			Name:      "operations_total",
			Help:      "Custody operations by outcome code.",
		},
		[]string{"operation", "code"},
	)
	sessionAborts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tapcustody",
			Subsystem: "session",
			Name:      "aborts_total",
			Help:      "Sessions aborted by protocol failures.",
		},
		[]string{"code"},
	)
	outboxPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tapcustody",
			Subsystem: "outbox",
			Name:      "events_total",
			Help:      "Outbox events handed to the publisher.",
		},
		[]string{"event_type", "success"},
	)
	sweptRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tapcustody",
			Subsystem: "sweep",
			Name:      "records_total",
			Help:      "Expired records removed by the sweep.",
		},
		[]string{"kind"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, operations, sessionAborts, outboxPublished, sweptRecords)
	})
}

func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, route, statusLabel).Inc()
	httpDuration.WithLabelValues(method, route, statusLabel).Observe(duration.Seconds())
}

// RecordOperation counts one custody operation; code is "OK" or the symbolic error code.
func RecordOperation(operation, code string) {
	RegisterMetrics()
	operations.WithLabelValues(operation, code).Inc()
}

func RecordSessionAbort(code string) {
	RegisterMetrics()
	sessionAborts.WithLabelValues(code).Inc()
}

func RecordOutboxPublish(eventType string, success bool) {
	RegisterMetrics()
	outboxPublished.WithLabelValues(eventType, strconv.FormatBool(success)).Inc()
}

func RecordSwept(kind string, n int) {
	RegisterMetrics()
	sweptRecords.WithLabelValues(kind).Add(float64(n))
}
