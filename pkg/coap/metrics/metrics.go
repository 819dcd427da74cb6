// Package metrics exposes Prometheus instrumentation for the reliability
// core, grounded on the teacher's promauto-based registration pattern
// (formerly pkg/dialog/metrics.go) under a new Namespace/Subsystem suited
// to CoAP rather than SIP dialogs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "coapcore"

// Metrics bundles every counter/gauge/histogram this module emits. A nil
// *Metrics is never passed around; callers needing a no-op sink should
// build one with a private, unregistered prometheus.Registry via New.
type Metrics struct {
	ExchangesStarted   prometheus.Counter
	ExchangesResolved  *prometheus.CounterVec // label: outcome
	Retransmissions    prometheus.Counter
	CONTimeouts        prometheus.Counter
	PeerResets         prometheus.Counter
	MessageIDExhausted prometheus.Counter
	DispatchLatency    prometheus.Histogram
	InFlightExchanges  prometheus.Gauge
}

// New registers every metric against reg and returns the bundle. Passing
// prometheus.NewRegistry() (rather than the global DefaultRegisterer)
// keeps test runs from colliding on duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ExchangesStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "started_total",
			Help:      "Exchanges opened, inbound or outbound.",
		}),
		ExchangesResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "resolved_total",
			Help:      "Exchanges resolved, labeled by outcome (piggyback, separate, timeout, reset).",
		}, []string{"outcome"}),
		Retransmissions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retransmit",
			Name:      "attempts_total",
			Help:      "Retransmission attempts issued for confirmable messages.",
		}),
		CONTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retransmit",
			Name:      "timeouts_total",
			Help:      "Confirmable exchanges that exhausted MAX_RETRANSMIT without an ACK.",
		}),
		PeerResets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "peer_resets_total",
			Help:      "Exchanges terminated by an inbound RST.",
		}),
		MessageIDExhausted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mid",
			Name:      "exhausted_total",
			Help:      "Allocate calls that found every message-ID reserved for a peer.",
		}),
		DispatchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "webservice",
			Name:      "dispatch_seconds",
			Help:      "Time from Dispatch invocation to the service's promise settling.",
			Buckets:   prometheus.DefBuckets,
		}),
		InFlightExchanges: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "in_flight",
			Help:      "Exchanges currently tracked by the exchange registry.",
		}),
	}
}
