// Package metrics holds the prometheus collectors shared by the stratum
// server and client.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stratum"

var (
	Connections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections",
		Help:      "Open stratum connections by role.",
	}, []string{"role"})

	Frames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_total",
		Help:      "JSON-RPC frames by direction and method.",
	}, []string{"direction", "method"})

	DecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decode_errors_total",
		Help:      "Lines that could not be decoded as JSON-RPC messages.",
	})

	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "submissions_total",
		Help:      "Nonce submissions by outcome.",
	}, []string{"outcome"})

	Subscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "subscribers",
		Help:      "Subscribed connections per coin.",
	}, []string{"coin"})

	KeepaliveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "keepalive_failures_total",
		Help:      "Connections closed after a missed pong.",
	})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconnects_total",
		Help:      "Client reconnect attempts.",
	})

	DiscardedResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "discarded_responses_total",
		Help:      "Responses without an outstanding request, by reason.",
	}, []string{"reason"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "request_duration_seconds",
		Help:      "Time from request send to settlement.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "outcome"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
