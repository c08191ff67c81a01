package x402

import (
	"encoding/json"
	"testing"
)

func TestPaymentCredential(t *testing.T) {
	tests := []struct {
		name    string
		request Request
		want    string
	}{
		{"PaymentFieldWins", Request{Payment: "direct", Headers: map[string]string{"X-Payment": "header"}}, "direct"},
		{"ExactHeader", Request{Headers: map[string]string{"X-PAYMENT": "abc"}}, "abc"},
		{"LowercaseHeader", Request{Headers: map[string]string{"x-payment": "abc"}}, "abc"},
		{"MixedCaseHeader", Request{Headers: map[string]string{"X-Payment": "abc"}}, "abc"},
		{"Absent", Request{Headers: map[string]string{"Authorization": "Bearer t"}}, ""},
		{"NilHeaders", Request{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.request.PaymentCredential(); got != tt.want {
				t.Errorf("PaymentCredential() = %q; want %q", got, tt.want)
			}
		})
	}
}

func TestAmountToAtomic(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		decimals int
		want     string
		wantErr  bool
	}{
		{"Whole", "1", 6, "1000000", false},
		{"Fraction", "0.01", 6, "10000", false},
		{"ZeroDecimals", "42", 0, "42", false},
		{"Zero", "0", 6, "0", false},
		{"FullPrecision", "0.000001", 6, "1", false},
		{"ExcessPrecision", "0.0000001", 6, "", true},
		{"Negative", "-1", 6, "", true},
		{"NegativeDecimals", "1", -1, "", true},
		{"NotANumber", "one", 6, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AmountToAtomic(tt.amount, tt.decimals)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("AmountToAtomic(%q, %d) succeeded; want error", tt.amount, tt.decimals)
				}
				return
			}
			if err != nil {
				t.Fatalf("AmountToAtomic(%q, %d) error: %v", tt.amount, tt.decimals, err)
			}
			if got.String() != tt.want {
				t.Errorf("AmountToAtomic(%q, %d) = %s; want %s", tt.amount, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestPaymentRequirementsJSONShape(t *testing.T) {
	requirement := PaymentRequirements{
		Scheme:            SchemeExact,
		Network:           NetworkBaseSepolia,
		MaxAmountRequired: "10000",
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Resource:          "https://example.com/api/premium/data",
		PayTo:             "0x1111111111111111111111111111111111111111",
		MaxTimeoutSeconds: 60,
	}

	raw, err := json.Marshal(requirement)
	if err != nil {
		t.Fatal(err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"scheme", "network", "maxAmountRequired", "asset", "resource", "payTo", "maxTimeoutSeconds"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("marshalled requirement missing %q key", key)
		}
	}
	if _, ok := decoded["outputSchema"]; ok {
		t.Error("nil outputSchema should be omitted")
	}
}

func TestPaymentPayloadRoundTrip(t *testing.T) {
	payload := PaymentPayload{
		X402Version: X402Version,
		Scheme:      SchemeExact,
		Network:     NetworkBaseSepolia,
		Payload: ExactPayload{
			Signature: "0xabc",
			Authorization: ExactAuthorization{
				From:        "0x1111111111111111111111111111111111111111",
				To:          "0x2222222222222222222222222222222222222222",
				Value:       "10000",
				ValidAfter:  "1700000000",
				ValidBefore: "1700000600",
				Nonce:       "0x0000000000000000000000000000000000000000000000000000000000000001",
			},
		},
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	var decoded PaymentPayload
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded != payload {
		t.Errorf("round trip mismatch: %+v != %+v", decoded, payload)
	}
}
