package x402

import "time"

// PaymentEventType classifies payment lifecycle events emitted by the gate.
type PaymentEventType string

const (
	// EventVerified indicates a credential passed verification.
	EventVerified PaymentEventType = "verified"

	// EventDenied indicates a request was denied.
	EventDenied PaymentEventType = "denied"

	// EventSettled indicates a settlement succeeded.
	EventSettled PaymentEventType = "settled"

	// EventSettleFailed indicates a settlement failed.
	EventSettleFailed PaymentEventType = "settle_failed"

	// EventSettleCached indicates a settlement was answered from the
	// idempotency cache without touching the facilitator.
	EventSettleCached PaymentEventType = "settle_cached"
)

// PaymentEvent describes one payment lifecycle event. Events carry plain
// data only; logging and metrics live behind the callback, never inside the
// gate itself.
type PaymentEvent struct {
	// Type is the event type.
	Type PaymentEventType

	// Timestamp is when the event occurred.
	Timestamp time.Time

	// Resource is the absolute URL of the gated request.
	Resource string

	// Network is the settlement network identifier.
	Network string

	// Scheme is the payment scheme (e.g. "exact").
	Scheme string

	// Amount is the payment amount in atomic units.
	Amount string

	// Asset is the token contract or mint address.
	Asset string

	// Payer is the verified payer address, when known.
	Payer string

	// Transaction is the settlement transaction reference, when settled.
	Transaction string

	// Reason explains a denial or settlement failure.
	Reason string

	// Duration is the time spent in the facilitator call, when one was made.
	Duration time.Duration
}

// EventCallback receives payment lifecycle events. Callbacks run
// synchronously on the request path and must be fast and safe for
// concurrent use; hand off to a goroutine for anything slow.
type EventCallback func(PaymentEvent)
