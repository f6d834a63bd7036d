package worker

import "github.com/prometheus/client_golang/prometheus"

var (
	workerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "worker_requests_total", Help: "requests written to the worker, by envelope type"},
		[]string{"type"},
	)

	workerFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "worker_failures_total", Help: "worker requests that failed before a matched response"},
		[]string{"reason"}, // timeout | terminated | overloaded | canceled
	)

	workerMalformedLinesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "worker_malformed_lines_total", Help: "stdout lines dropped because they did not decode as a response"},
	)

	workerDiscardedResponsesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "worker_discarded_responses_total", Help: "well-formed responses with no pending entry (late or unknown id)"},
	)

	workerDrainedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "worker_drained_total", Help: "pending requests completed synthetically at channel teardown"},
	)

	workerInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "worker_in_flight", Help: "requests currently awaiting a worker response"},
	)
)

func init() {
	prometheus.MustRegister(
		workerRequestsTotal,
		workerFailuresTotal,
		workerMalformedLinesTotal,
		workerDiscardedResponsesTotal,
		workerDrainedTotal,
		workerInFlight,
	)
}
