// Package metrics contains the Prometheus counters that track negotiations,
// retries, and dropped stream chunks.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "veil_client"

// Labels for the retries counter.
const (
	RuleEncryption     = "encryption"
	RuleAuthentication = "authentication"
)

// Labels for the result of a negotiation.
const (
	ResultSuccess   = "success"
	ResultUntrusted = "untrusted"
	ResultFailure   = "failure"
)

// Registry holds all of veil-client's metrics.  It is separate from the
// default registry so that embedding applications decide what to expose.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	Negotiations = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "negotiations_total",
		Help:      "Session negotiations by API context and result.",
	}, []string{"api", "result"})

	Retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retries_total",
		Help:      "Request retries by the rule that triggered them.",
	}, []string{"rule"})

	DroppedChunks = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sse_dropped_chunks_total",
		Help:      "Event stream data lines that failed to decrypt and were dropped.",
	})
)

// Handler serves the metrics in Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
