// Package x402 implements a framework-agnostic payment-gating engine for the
// x402 protocol: inbound HTTP requests either carry a signed payment
// credential in the X-PAYMENT header or are rejected with machine-readable
// payment instructions in a 402 response.
//
// The engine itself lives in the gate subpackage; this package holds the wire
// types, configuration, network registry and the small pure helpers shared by
// the gate, the facilitator clients and the HTTP adapters.
package x402

import "math/big"

// X402Version is the protocol version carried in payment headers and
// 402 response bodies.
const X402Version = 1

// SchemeExact is the only payment scheme this engine issues requirements for.
const SchemeExact = "exact"

// Header names used by the protocol. Lookup of PaymentHeader is
// case-insensitive on the request side.
const (
	PaymentHeader         = "X-PAYMENT"
	PaymentResponseHeader = "X-PAYMENT-RESPONSE"
)

// Request is the immutable, framework-agnostic snapshot of an inbound HTTP
// request. Adapters build one per request; nothing mutates it afterwards.
type Request struct {
	// Path is the raw request path, used for protected-path matching.
	Path string

	// Method is the HTTP method.
	Method string

	// Headers holds the request headers. Keys are case-sensitive as
	// supplied; use PaymentCredential for the payment-header lookup.
	Headers map[string]string

	// AbsoluteURL is the full URL of the request. It becomes the
	// "resource" field of every requirement built for this request.
	AbsoluteURL string

	// Payment is the raw X-PAYMENT header value, empty when absent.
	// Adapters that extract the header themselves set it directly.
	Payment string
}

// PaymentCredential returns the payment header value: the Payment field when
// set, otherwise a case-insensitive scan of Headers.
func (r Request) PaymentCredential() string {
	if r.Payment != "" {
		return r.Payment
	}
	for k, v := range r.Headers {
		if equalFold(k, PaymentHeader) {
			return v
		}
	}
	return ""
}

// equalFold reports ASCII case-insensitive equality without allocating.
func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// OutputSchema describes the HTTP surface of a protected resource inside a
// payment requirement.
type OutputSchema struct {
	Input  OutputSchemaInput  `json:"input"`
	Output OutputSchemaOutput `json:"output"`
}

// OutputSchemaInput describes how the resource is invoked.
type OutputSchemaInput struct {
	Type         string `json:"type"`
	Method       string `json:"method"`
	Discoverable bool   `json:"discoverable"`
}

// OutputSchemaOutput describes what the resource returns.
type OutputSchemaOutput struct {
	Type string `json:"type"`
}

// PaymentRequirements is one acceptable payment offer for a resource. It is
// an element of the "accepts" array in a 402 response.
type PaymentRequirements struct {
	// Scheme is the payment scheme identifier; always "exact" here.
	Scheme string `json:"scheme"`

	// Network is the blockchain network identifier (e.g. "base-sepolia").
	Network string `json:"network"`

	// MaxAmountRequired is the payment amount in atomic units, as a
	// decimal string.
	MaxAmountRequired string `json:"maxAmountRequired"`

	// Asset is the token contract address (EVM) or mint address (Solana).
	Asset string `json:"asset"`

	// Resource is the absolute URL of the protected endpoint. It binds
	// the requirement to the endpoint it protects and must match the
	// request URL verbatim.
	Resource string `json:"resource"`

	// Description is an optional human-readable description.
	Description string `json:"description"`

	// MimeType is the content type of the protected resource.
	MimeType string `json:"mimeType"`

	// PayTo is the recipient address for the payment.
	PayTo string `json:"payTo"`

	// MaxTimeoutSeconds is the validity window for payment authorizations.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds"`

	// OutputSchema describes the resource's HTTP method and output type.
	OutputSchema *OutputSchema `json:"outputSchema,omitempty"`

	// Extra carries scheme-specific data, e.g. the EIP-712 signing-domain
	// name and version for EVM networks.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// PaymentRequired is the 402 response body sent to clients that have not
// paid (or whose payment was rejected).
type PaymentRequired struct {
	X402Version int                   `json:"x402Version"`
	Accepts     []PaymentRequirements `json:"accepts"`
	Error       string                `json:"error,omitempty"`
}

// ExactAuthorization holds the transfer authorization signed by the payer.
// All numeric fields are decimal strings to survive JSON round trips without
// precision loss.
type ExactAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ExactPayload is the scheme-specific body of a payment credential: the
// authorization plus the payer's signature over it.
type ExactPayload struct {
	Signature     string             `json:"signature"`
	Authorization ExactAuthorization `json:"authorization"`
}

// PaymentPayload is the decoded X-PAYMENT header value.
type PaymentPayload struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`

	// Asset is optional in the v1 header; when present it participates in
	// requirement matching.
	Asset string `json:"asset,omitempty"`

	Payload ExactPayload `json:"payload"`
}

// VerificationResult is a facilitator's answer to Verify. A false IsValid
// with a reason is a protocol-level rejection; transport or parse problems
// are reported as errors instead.
type VerificationResult struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleReceipt is the raw settlement result produced by a facilitator. Its
// JSON encoding (base64'd) is what travels in the X-PAYMENT-RESPONSE header.
type SettleReceipt struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// SettlementOutcome is the gate's answer to Settle. It is safe to cache and
// to compare for idempotency checks.
type SettlementOutcome struct {
	// Success reports whether the payment was settled.
	Success bool

	// Transaction is the blockchain transaction reference, when settled.
	Transaction string

	// EncodedReceipt is the base64 JSON receipt, ready to be placed in the
	// X-PAYMENT-RESPONSE header.
	EncodedReceipt string

	// ErrorMessage explains a failed settlement.
	ErrorMessage string

	// Receipt is the raw receipt, nil when settlement never reached the
	// facilitator.
	Receipt *SettleReceipt
}

// Action is the gate's allow/deny verdict.
type Action string

const (
	// ActionAllow lets the request through to the protected handler.
	ActionAllow Action = "allow"

	// ActionDeny rejects the request with a 402.
	ActionDeny Action = "deny"
)

// Decision is the gate's answer to Evaluate. Transient, never persisted.
type Decision struct {
	// Action is the verdict.
	Action Action

	// PaymentVerified is true when a credential was presented and the
	// facilitator accepted it. An Allow for an unprotected path leaves it
	// false.
	PaymentVerified bool

	// Requirements lists the acceptable payment offers. Populated on Deny
	// and on verified Allows (the adapter needs them for settlement
	// failure responses).
	Requirements []PaymentRequirements

	// ErrorMessage explains a Deny.
	ErrorMessage string

	// Payer is the verified payer address, when PaymentVerified.
	Payer string
}

// AmountToAtomic converts a decimal amount string (e.g. "1.5") to atomic
// units for a token with the given number of decimals. Negative amounts,
// negative decimals and amounts with excess precision are rejected.
func AmountToAtomic(amount string, decimals int) (*big.Int, error) {
	if decimals < 0 {
		return nil, ErrInvalidPrice
	}

	value := new(big.Rat)
	if _, ok := value.SetString(amount); !ok {
		return nil, ErrInvalidPrice
	}
	if value.Sign() < 0 {
		return nil, ErrInvalidPrice
	}

	scale := new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	value.Mul(value, scale)

	if value.Denom().Cmp(big.NewInt(1)) != 0 {
		return nil, ErrInvalidPrice
	}
	return new(big.Int).Set(value.Num()), nil
}
