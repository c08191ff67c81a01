package encoding

import (
	"encoding/base64"
	"errors"
	"testing"

	x402 "github.com/borchain/x402-connector"
)

func samplePayment() x402.PaymentPayload {
	return x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      x402.SchemeExact,
		Network:     x402.NetworkBaseSepolia,
		Payload: x402.ExactPayload{
			Signature: "0xdeadbeef",
			Authorization: x402.ExactAuthorization{
				From:        "0x1111111111111111111111111111111111111111",
				To:          "0x2222222222222222222222222222222222222222",
				Value:       "10000",
				ValidAfter:  "1700000000",
				ValidBefore: "1700000600",
				Nonce:       "0x0000000000000000000000000000000000000000000000000000000000000001",
			},
		},
	}
}

func TestDecodePaymentBase64Variants(t *testing.T) {
	encoded, err := EncodePayment(samplePayment())
	if err != nil {
		t.Fatal(err)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatal(err)
	}

	variants := map[string]string{
		"Standard":   base64.StdEncoding.EncodeToString(raw),
		"RawStd":     base64.RawStdEncoding.EncodeToString(raw),
		"URLSafe":    base64.URLEncoding.EncodeToString(raw),
		"RawURLSafe": base64.RawURLEncoding.EncodeToString(raw),
	}

	for name, variant := range variants {
		t.Run(name, func(t *testing.T) {
			payment, err := DecodePayment(variant)
			if err != nil {
				t.Fatalf("DecodePayment error: %v", err)
			}
			if payment != samplePayment() {
				t.Errorf("decoded payment mismatch: %+v", payment)
			}
		})
	}
}

func TestDecodePaymentMalformed(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"NotBase64", "!!!not-base64!!!"},
		{"NotJSON", base64.StdEncoding.EncodeToString([]byte("hello"))},
		{"Empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePayment(tt.value)
			if !errors.Is(err, x402.ErrMalformedHeader) {
				t.Errorf("DecodePayment(%q) = %v; want ErrMalformedHeader", tt.value, err)
			}
		})
	}
}

func TestReceiptRoundTrip(t *testing.T) {
	receipt := x402.SettleReceipt{
		Success:     true,
		Transaction: "0xabc123",
		Network:     x402.NetworkBaseSepolia,
		Payer:       "0x1111111111111111111111111111111111111111",
	}

	encoded, err := EncodeReceipt(receipt)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeReceipt(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if decoded != receipt {
		t.Errorf("round trip mismatch: %+v != %+v", decoded, receipt)
	}
}
