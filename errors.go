package x402

import "errors"

// Sentinel errors for payment-gating operations.
var (
	// ErrInvalidConfig indicates a configuration that cannot construct a gate.
	ErrInvalidConfig = errors.New("x402: invalid configuration")

	// ErrInvalidPrice indicates a price string that cannot be resolved to
	// an atomic amount.
	ErrInvalidPrice = errors.New("x402: invalid price")

	// ErrInvalidNetwork indicates an unknown or unsupported network.
	ErrInvalidNetwork = errors.New("x402: invalid or unsupported network")

	// ErrMalformedHeader indicates an X-PAYMENT header that cannot be decoded.
	ErrMalformedHeader = errors.New("x402: malformed payment header")

	// ErrMalformedCredential indicates a decoded credential with fields
	// that cannot be interpreted (non-numeric amounts, bad addresses).
	ErrMalformedCredential = errors.New("x402: malformed payment credential")

	// ErrUnsupportedVersion indicates an unsupported x402 protocol version.
	ErrUnsupportedVersion = errors.New("x402: unsupported protocol version")

	// ErrNoMatchingRequirement indicates a credential whose scheme, network
	// or asset matches none of the built requirements.
	ErrNoMatchingRequirement = errors.New("x402: no matching payment requirement")

	// ErrFacilitatorUnavailable indicates a transport failure reaching a
	// remote facilitator. The credential may still be valid.
	ErrFacilitatorUnavailable = errors.New("x402: facilitator service unavailable")

	// ErrVerificationFailed indicates the facilitator could not complete
	// verification.
	ErrVerificationFailed = errors.New("x402: payment verification failed")

	// ErrSettlementFailed indicates the facilitator could not complete
	// settlement.
	ErrSettlementFailed = errors.New("x402: payment settlement failed")

	// ErrSignerUnavailable indicates the local facilitator's signing key or
	// RPC endpoint is missing from the environment.
	ErrSignerUnavailable = errors.New("x402: signer key or RPC endpoint not configured")
)

// ErrorCode classifies payment errors for programmatic handling. The codes
// mirror the error taxonomy of the gate: configuration, request format,
// verification, transport and settlement failures.
type ErrorCode string

const (
	// ErrCodeConfiguration marks fatal construction-time errors.
	ErrCodeConfiguration ErrorCode = "CONFIGURATION_ERROR"

	// ErrCodeRequestFormat marks missing or undecodable credentials.
	ErrCodeRequestFormat ErrorCode = "REQUEST_FORMAT_ERROR"

	// ErrCodeVerification marks facilitator-reported invalid payments.
	ErrCodeVerification ErrorCode = "VERIFICATION_FAILURE"

	// ErrCodeTransport marks timeouts and network failures reaching a
	// facilitator.
	ErrCodeTransport ErrorCode = "FACILITATOR_TRANSPORT_ERROR"

	// ErrCodeSettlement marks non-success settlement outcomes.
	ErrCodeSettlement ErrorCode = "SETTLEMENT_FAILURE"
)

// PaymentError provides structured error information.
type PaymentError struct {
	// Code is the error code for programmatic handling.
	Code ErrorCode

	// Message is the human-readable error message.
	Message string

	// Details contains additional error context.
	Details map[string]interface{}

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *PaymentError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *PaymentError) Unwrap() error {
	return e.Err
}

// NewPaymentError creates a PaymentError with the given code and message.
func NewPaymentError(code ErrorCode, message string, err error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// WithDetails adds context to the error, initializing Details if needed.
func (e *PaymentError) WithDetails(key string, value interface{}) *PaymentError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}
