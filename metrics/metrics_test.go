package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	x402 "github.com/borchain/x402-connector"
)

func TestObserverCountsEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	observer := NewObserver(reg)
	callback := observer.Callback()

	callback(x402.PaymentEvent{Type: x402.EventVerified, Network: "base-sepolia", Duration: 20 * time.Millisecond})
	callback(x402.PaymentEvent{Type: x402.EventVerified, Network: "base-sepolia", Duration: 30 * time.Millisecond})
	callback(x402.PaymentEvent{Type: x402.EventDenied, Reason: "no payment credential provided"})
	callback(x402.PaymentEvent{Type: x402.EventSettled, Duration: 50 * time.Millisecond})
	callback(x402.PaymentEvent{Type: x402.EventSettleFailed, Reason: "broadcast failed"})
	callback(x402.PaymentEvent{Type: x402.EventSettleCached})

	assert.Equal(t, float64(2), testutil.ToFloat64(observer.verifications.WithLabelValues("base-sepolia")))
	assert.Equal(t, float64(1), testutil.ToFloat64(observer.denials.WithLabelValues("no_credential")))
	assert.Equal(t, float64(1), testutil.ToFloat64(observer.settlements.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(observer.settlements.WithLabelValues("failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(observer.cacheHits))
}

func TestDenialReasonLabels(t *testing.T) {
	tests := []struct {
		message string
		label   string
	}{
		{"no payment credential provided", "no_credential"},
		{"invalid payment header format", "malformed_header"},
		{"no matching payment requirements found", "no_match"},
		{"payment verification failed", "facilitator_error"},
		{"payment requirements unavailable", "requirements_error"},
		{"invalid payment: payment_expired", "verification_failed"},
		{"invalid payment: nonce_already_used", "verification_failed"},
		{"something unexpected", "other"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.label, denialReason(tt.message), tt.message)
	}
}
