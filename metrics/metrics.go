// Package metrics exposes payment lifecycle events as Prometheus metrics.
// It plugs into the gate as an event callback; the gate itself never touches
// a metrics registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	x402 "github.com/borchain/x402-connector"
)

// Observer translates payment events into Prometheus metrics.
type Observer struct {
	verifications *prometheus.CounterVec
	denials       *prometheus.CounterVec
	settlements   *prometheus.CounterVec
	cacheHits     prometheus.Counter
	duration      *prometheus.HistogramVec
}

// NewObserver builds an observer and registers its collectors. Pass
// prometheus.DefaultRegisterer unless you run a custom registry.
func NewObserver(reg prometheus.Registerer) *Observer {
	o := &Observer{
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "x402",
			Subsystem: "gate",
			Name:      "verifications_total",
			Help:      "Total verified payments by network.",
		}, []string{"network"}),

		denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "x402",
			Subsystem: "gate",
			Name:      "denials_total",
			Help:      "Total denied requests by reason.",
		}, []string{"reason"}),

		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "x402",
			Subsystem: "gate",
			Name:      "settlements_total",
			Help:      "Total settlement attempts by outcome.",
		}, []string{"outcome"}), // "success", "failed"

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "x402",
			Subsystem: "gate",
			Name:      "settlement_cache_hits_total",
			Help:      "Total settlements answered from the idempotency cache.",
		}),

		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "x402",
			Subsystem: "gate",
			Name:      "facilitator_duration_seconds",
			Help:      "Facilitator call duration in seconds by operation.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"operation"}), // "verify", "settle"
	}

	reg.MustRegister(o.verifications, o.denials, o.settlements, o.cacheHits, o.duration)
	return o
}

// Callback returns the event callback to hand to the gate.
func (o *Observer) Callback() x402.EventCallback {
	return func(event x402.PaymentEvent) {
		switch event.Type {
		case x402.EventVerified:
			o.verifications.WithLabelValues(event.Network).Inc()
			o.duration.WithLabelValues("verify").Observe(event.Duration.Seconds())
		case x402.EventDenied:
			o.denials.WithLabelValues(denialReason(event.Reason)).Inc()
		case x402.EventSettled:
			o.settlements.WithLabelValues("success").Inc()
			o.duration.WithLabelValues("settle").Observe(event.Duration.Seconds())
		case x402.EventSettleFailed:
			o.settlements.WithLabelValues("failed").Inc()
			o.duration.WithLabelValues("settle").Observe(event.Duration.Seconds())
		case x402.EventSettleCached:
			o.cacheHits.Inc()
		}
	}
}

// denialReason collapses free-form denial messages into a small label set to
// keep metric cardinality bounded.
func denialReason(message string) string {
	switch {
	case message == "no payment credential provided":
		return "no_credential"
	case message == "invalid payment header format":
		return "malformed_header"
	case message == "no matching payment requirements found":
		return "no_match"
	case message == "payment verification failed":
		return "facilitator_error"
	case message == "payment requirements unavailable":
		return "requirements_error"
	case len(message) > 16 && message[:16] == "invalid payment:":
		return "verification_failed"
	default:
		return "other"
	}
}
