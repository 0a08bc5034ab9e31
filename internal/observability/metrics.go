package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	workflowRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "soapctl",
			Subsystem: "workflow",
			Name:      "runs_total",
			Help:      "Transfer and upload workflow runs by path and outcome.",
		},
		[]string{"workflow", "path", "outcome"},
	)
	remoteCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "soapctl",
			Subsystem: "remote",
			Name:      "calls_total",
			Help:      "Remote account service calls.",
		},
		[]string{"op", "result"},
	)
	remoteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "soapctl",
			Subsystem: "remote",
			Name:      "call_duration_seconds",
			Help:      "Remote account service call duration in seconds.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 45, 90},
		},
		[]string{"op", "result"},
	)
	leaseEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "soapctl",
			Subsystem: "donor",
			Name:      "lease_events_total",
			Help:      "Donor lease lifecycle events.",
		},
		[]string{"event"},
	)
	controlRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "soapctl",
			Subsystem: "control",
			Name:      "requests_total",
			Help:      "Control endpoint requests by action.",
		},
		[]string{"action", "ok"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(workflowRuns, remoteCalls, remoteDuration, leaseEvents, controlRequests)
	})
}

func RecordWorkflow(workflow, path, outcome string) {
	RegisterMetrics()
	workflowRuns.WithLabelValues(workflow, path, outcome).Inc()
}

func RecordRemoteCall(op, result string, duration time.Duration) {
	RegisterMetrics()
	remoteCalls.WithLabelValues(op, result).Inc()
	remoteDuration.WithLabelValues(op, result).Observe(duration.Seconds())
}

func RecordLeaseEvent(event string) {
	RegisterMetrics()
	leaseEvents.WithLabelValues(event).Inc()
}

func RecordControlRequest(action string, ok bool) {
	RegisterMetrics()
	controlRequests.WithLabelValues(action, strconv.FormatBool(ok)).Inc()
}

// Handler serves the default registry in the Prometheus exposition format.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}
