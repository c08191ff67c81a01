// Package facilitator implements the payment facilitator contract: verifying
// a payment credential against a requirement and settling it on the
// value-transfer network.
//
// Three variants exist. Local talks to the chain directly with a locally
// held signer key. Remote delegates both operations to an HTTP facilitator
// service. Hybrid verifies locally and settles remotely. The variant is
// picked once at construction from the gate configuration; an unknown mode
// is a configuration error, never a request-time surprise.
package facilitator

import (
	"context"
	"fmt"
	"log/slog"

	x402 "github.com/borchain/x402-connector"
)

// Client is the facilitator contract.
//
// Verify must not mutate chain state. A false VerificationResult with a
// reason means the credential was understood and rejected; an error means
// the credential could not be judged (malformed input, transport failure).
//
// Settle may mutate chain state once per valid credential. Implementations
// treat settlement as non-idempotent; duplicate-settlement protection is the
// gate's job, not theirs.
type Client interface {
	Verify(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirements) (*x402.VerificationResult, error)
	Settle(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirements) (*x402.SettleReceipt, error)
}

// New constructs the facilitator variant selected by cfg.Mode. The config
// must already be validated. Passing a nil logger uses slog.Default.
func New(cfg *x402.Config, logger *slog.Logger) (Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Mode {
	case x402.ModeLocal:
		return newLocal(cfg, logger)
	case x402.ModeRemote:
		return NewRemote(*cfg.Remote), nil
	case x402.ModeHybrid:
		local, err := newLocal(cfg, logger)
		if err != nil {
			return nil, err
		}
		return &Hybrid{Verifier: local, Settler: NewRemote(*cfg.Remote)}, nil
	default:
		return nil, fmt.Errorf("%w: unknown facilitator mode %q", x402.ErrInvalidConfig, cfg.Mode)
	}
}

// newLocal picks the chain-specific local engine for the configured network.
func newLocal(cfg *x402.Config, logger *slog.Logger) (Client, error) {
	chain, err := x402.GetChainConfig(cfg.Network)
	if err != nil {
		return nil, err
	}

	switch chain.Type {
	case x402.NetworkTypeEVM:
		return NewEVMLocal(chain, *cfg.Local, logger), nil
	case x402.NetworkTypeSVM:
		return NewSVMLocal(chain, *cfg.Local, logger), nil
	default:
		return nil, fmt.Errorf("%w: no local facilitator for network %q", x402.ErrInvalidConfig, cfg.Network)
	}
}

// Hybrid verifies through one client and settles through another. The gate
// uses it for local verification with remote settlement.
type Hybrid struct {
	Verifier Client
	Settler  Client
}

// Verify implements Client by delegating to the verifier.
func (h *Hybrid) Verify(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirements) (*x402.VerificationResult, error) {
	return h.Verifier.Verify(ctx, payment, requirement)
}

// Settle implements Client by delegating to the settler.
func (h *Hybrid) Settle(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirements) (*x402.SettleReceipt, error) {
	return h.Settler.Settle(ctx, payment, requirement)
}
