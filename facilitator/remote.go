package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	x402 "github.com/borchain/x402-connector"
)

// VerifyRequest is the body POSTed to a facilitator's /verify endpoint.
type VerifyRequest struct {
	X402Version         int                      `json:"x402Version"`
	PaymentPayload      x402.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
}

// SettleRequest is the body POSTed to a facilitator's /settle endpoint.
type SettleRequest struct {
	X402Version         int                      `json:"x402Version"`
	PaymentPayload      x402.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
}

// SupportedKind describes one payment type a facilitator supports.
type SupportedKind struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
}

// SupportedResponse is the body of a facilitator's /supported endpoint.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// Remote is a facilitator client backed by an HTTP facilitator service.
// A transport failure or non-2xx response is always surfaced as an error,
// never as a negative verification: the credential might still be valid.
//
// The configured timeout is the hard ceiling on one round trip. There are no
// retries here; retry policy belongs to the layer above the gate.
type Remote struct {
	// BaseURL is the facilitator service URL.
	BaseURL string

	// Headers are added to every request.
	Headers map[string]string

	// Client is the HTTP client to use. If nil, http.DefaultClient is used.
	Client *http.Client

	// Timeout bounds a single round trip when the caller's context carries
	// no deadline of its own.
	Timeout time.Duration
}

// Ensure Remote satisfies the facilitator contract.
var _ Client = (*Remote)(nil)

// NewRemote builds a Remote from the validated remote configuration.
func NewRemote(rc x402.RemoteConfig) *Remote {
	timeout := rc.Timeout
	if timeout <= 0 {
		timeout = x402.DefaultRemoteTimeout
	}
	return &Remote{
		BaseURL: rc.URL,
		Headers: rc.Headers,
		Client:  &http.Client{Timeout: timeout},
		Timeout: timeout,
	}
}

func (r *Remote) httpClient() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return http.DefaultClient
}

// withDeadline applies the configured timeout when the caller's context has
// no deadline.
func (r *Remote) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, has := ctx.Deadline(); !has && r.Timeout > 0 {
		return context.WithTimeout(ctx, r.Timeout)
	}
	return ctx, func() {}
}

// Verify implements Client against the service's POST /verify endpoint.
func (r *Remote) Verify(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirements) (*x402.VerificationResult, error) {
	body := VerifyRequest{
		X402Version:         x402.X402Version,
		PaymentPayload:      payment,
		PaymentRequirements: requirement,
	}

	var result x402.VerificationResult
	if err := r.post(ctx, "/verify", body, &result, x402.ErrVerificationFailed); err != nil {
		return nil, err
	}

	if result.Payer == "" {
		result.Payer = payment.Payload.Authorization.From
	}
	return &result, nil
}

// Settle implements Client against the service's POST /settle endpoint.
func (r *Remote) Settle(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirements) (*x402.SettleReceipt, error) {
	body := SettleRequest{
		X402Version:         x402.X402Version,
		PaymentPayload:      payment,
		PaymentRequirements: requirement,
	}

	var receipt x402.SettleReceipt
	if err := r.post(ctx, "/settle", body, &receipt, x402.ErrSettlementFailed); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// Supported queries the facilitator for the payment kinds it accepts.
func (r *Remote) Supported(ctx context.Context) (*SupportedResponse, error) {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.BaseURL+"/supported", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	r.setHeaders(req)

	resp, err := r.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrFacilitatorUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: supported endpoint returned status %d", x402.ErrFacilitatorUnavailable, resp.StatusCode)
	}

	var supported SupportedResponse
	if err := json.NewDecoder(resp.Body).Decode(&supported); err != nil {
		return nil, fmt.Errorf("failed to decode supported response: %w", err)
	}
	return &supported, nil
}

func (r *Remote) post(ctx context.Context, path string, body, out interface{}, baseErr error) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := r.withDeadline(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	r.setHeaders(req)

	resp, err := r.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", x402.ErrFacilitatorUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseErrorResponse(resp, baseErr)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode facilitator response: %w", err)
	}
	return nil
}

func (r *Remote) setHeaders(req *http.Request) {
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
}

// parseErrorResponse extracts error details from a non-2xx response.
func parseErrorResponse(resp *http.Response, baseErr error) error {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var errBody map[string]interface{}
	if err := json.Unmarshal(bodyBytes, &errBody); err == nil {
		for _, key := range []string{"invalidReason", "errorReason", "error"} {
			if reason, ok := errBody[key].(string); ok && reason != "" {
				return fmt.Errorf("%w: status %d, reason: %s", baseErr, resp.StatusCode, reason)
			}
		}
	}

	if len(bodyBytes) > 0 && len(bodyBytes) < 500 {
		return fmt.Errorf("%w: status %d, body: %s", baseErr, resp.StatusCode, string(bodyBytes))
	}
	return fmt.Errorf("%w: status %d", baseErr, resp.StatusCode)
}
