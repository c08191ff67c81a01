// Package encoding converts x402 payment data to and from the transport
// encoding used in HTTP headers: base64-wrapped JSON.
package encoding

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	x402 "github.com/borchain/x402-connector"
)

// DecodePayment converts an X-PAYMENT header value to a PaymentPayload.
// Standard and URL-safe base64 alphabets are accepted, padded or not,
// because wallet implementations disagree on which to emit.
func DecodePayment(encoded string) (x402.PaymentPayload, error) {
	var payment x402.PaymentPayload

	decoded, err := decodeBase64(encoded)
	if err != nil {
		return payment, fmt.Errorf("%w: %v", x402.ErrMalformedHeader, err)
	}

	if err := json.Unmarshal(decoded, &payment); err != nil {
		return payment, fmt.Errorf("%w: %v", x402.ErrMalformedHeader, err)
	}

	return payment, nil
}

// EncodePayment converts a PaymentPayload to an X-PAYMENT header value.
func EncodePayment(payment x402.PaymentPayload) (string, error) {
	paymentJSON, err := json.Marshal(payment)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment: %w", err)
	}
	return base64.StdEncoding.EncodeToString(paymentJSON), nil
}

// EncodeReceipt converts a SettleReceipt to an X-PAYMENT-RESPONSE header
// value.
func EncodeReceipt(receipt x402.SettleReceipt) (string, error) {
	receiptJSON, err := json.Marshal(receipt)
	if err != nil {
		return "", fmt.Errorf("failed to marshal receipt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(receiptJSON), nil
}

// DecodeReceipt converts an X-PAYMENT-RESPONSE header value back to a
// SettleReceipt.
func DecodeReceipt(encoded string) (x402.SettleReceipt, error) {
	var receipt x402.SettleReceipt

	decoded, err := decodeBase64(encoded)
	if err != nil {
		return receipt, fmt.Errorf("failed to decode receipt: %w", err)
	}

	if err := json.Unmarshal(decoded, &receipt); err != nil {
		return receipt, fmt.Errorf("failed to unmarshal receipt: %w", err)
	}

	return receipt, nil
}

func decodeBase64(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if decoded, err := enc.DecodeString(s); err == nil {
			return decoded, nil
		}
	}
	return nil, fmt.Errorf("not valid base64: %.32q", s)
}
