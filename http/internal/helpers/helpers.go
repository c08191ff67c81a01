// Package helpers provides internal HTTP utilities shared by the middleware
// adapters.
package helpers

import (
	"encoding/json"
	"fmt"
	"net/http"

	x402 "github.com/borchain/x402-connector"
)

// NormalizeRequest snapshots the fields of an inbound request the gate needs.
func NormalizeRequest(r *http.Request) x402.Request {
	return x402.Request{
		Path:        r.URL.Path,
		Method:      r.Method,
		AbsoluteURL: BuildResourceURL(r),
		Payment:     r.Header.Get(x402.PaymentHeader),
	}
}

// SendPaymentRequired writes a 402 Payment Required response carrying the
// acceptable payment offers. Returns an error if JSON encoding fails.
func SendPaymentRequired(w http.ResponseWriter, requirements []x402.PaymentRequirements, errMsg string) error {
	response := x402.PaymentRequired{
		X402Version: x402.X402Version,
		Accepts:     requirements,
		Error:       errMsg,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		return fmt.Errorf("encoding PaymentRequired response: %w", err)
	}
	return nil
}

// AddPaymentResponseHeader attaches the settlement receipt to the response.
func AddPaymentResponseHeader(h http.Header, outcome x402.SettlementOutcome) {
	if outcome.EncodedReceipt != "" {
		h.Set(x402.PaymentResponseHeader, outcome.EncodedReceipt)
	}
}

// BuildResourceURL reconstructs the full URL of the request. It becomes the
// "resource" field of every requirement built for the request.
func BuildResourceURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.RequestURI
}
