package resilient

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "resilient_redis"

// Result label values.
const (
	ResultSuccess = "success"
	ResultErrored = "errored"
)

// ConnectionsOpened counts open+probe attempts labelled by result.
var ConnectionsOpened = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "conn",
		Name:      "opened_total",

		Help: "Number of connection open+probe attempts, labelled by result.",
	},
	[]string{"result"},
)

// ProbeLatency is a histogram of successful probe round trips in seconds.
var ProbeLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "conn",
		Name:      "probe_latency_seconds",

		Help:    "Round trip duration of successful liveness probes.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	},
)

// CommandRetries counts commands retried after a reconnect.
var CommandRetries = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "command",
		Name:      "retries_total",

		Help: "Number of commands retried once after a transparent reconnect.",
	},
)

// CommandFailures counts commands surfaced to the caller as failed.
var CommandFailures = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "command",
		Name:      "failures_total",

		Help: "Number of commands that failed after the retry budget was spent.",
	},
)

// NodeSelections counts pool selection passes labelled by policy and result.
var NodeSelections = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "pool",
		Name:      "selections_total",

		Help: "Number of node selection passes, labelled by policy and result.",
	},
	[]string{"policy", "result"},
)

// MasterSwitches counts published master changes.
var MasterSwitches = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "sentinel",
		Name:      "master_switches_total",

		Help: "Number of times the monitor published a connection to a new master.",
	},
)

// ResolutionFailures counts sentinel resolution passes that found no master.
var ResolutionFailures = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "sentinel",
		Name:      "resolution_failures_total",

		Help: "Number of resolution passes where no sentinel returned a usable address.",
	},
)

// Collectors returns every collector of this module, for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		ConnectionsOpened,
		ProbeLatency,
		CommandRetries,
		CommandFailures,
		NodeSelections,
		MasterSwitches,
		ResolutionFailures,
	}
}
