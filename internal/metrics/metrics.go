// Package metrics defines the Prometheus collectors exported by the relay.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// WebhooksVerified counts webhooks that passed signature verification.
	WebhooksVerified = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "webhook",
		Name:      "verified_total",
		Help:      "Webhooks that passed HMAC signature verification.",
	})

	// WebhooksRejected counts webhooks rejected for a missing/invalid signature.
	WebhooksRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "webhook",
		Name:      "rejected_total",
		Help:      "Webhooks rejected for missing or invalid signature.",
	})

	// EnvelopesDispatched counts envelopes successfully handed to an edge,
	// labeled by delivery mode. Only the "stream" label is recorded; push
	// outcomes are counted by PushAttempts.
	EnvelopesDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "dispatch",
		Name:      "envelopes_total",
		Help:      "Envelopes delivered to edges, by delivery mode.",
	}, []string{"mode"})

	// ActiveStreams is the current number of attached StreamHub connections.
	ActiveStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "stream",
		Name:      "active_connections",
		Help:      "Currently attached edge stream connections.",
	})

	// PushAttempts counts PushSender delivery attempts, labeled by outcome.
	PushAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "push",
		Name:      "attempts_total",
		Help:      "PushSender delivery attempts, by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		WebhooksVerified,
		WebhooksRejected,
		EnvelopesDispatched,
		ActiveStreams,
		PushAttempts,
	)
}
