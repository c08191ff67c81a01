// Package gate implements the payment-gating engine: the component that
// decides allow or deny for an inbound request, builds payment requirements,
// dispatches verification and settlement to a facilitator, and guards
// against duplicate settlement attempts.
//
// A single Gate is built once at startup and shared by all requests. Its two
// operations, Evaluate and Settle, are safe for concurrent use and return
// plain data; the gate never calls back into framework code.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	x402 "github.com/borchain/x402-connector"
	"github.com/borchain/x402-connector/encoding"
	"github.com/borchain/x402-connector/facilitator"
	"github.com/borchain/x402-connector/internal/syncutil"
)

// Gate is the payment-gating engine. Construct with New; the zero value is
// not usable.
type Gate struct {
	cfg         *x402.Config
	facilitator facilitator.Client
	resolver    x402.PriceResolver
	cache       *Cache
	settleLocks syncutil.KeyedMutex
	logger      *slog.Logger
	onEvent     x402.EventCallback
}

// Option configures a Gate during construction.
type Option func(*Gate)

// WithFacilitator injects a facilitator client, overriding the one the
// configuration would build. Used by tests and by deployments with custom
// facilitator implementations.
func WithFacilitator(client facilitator.Client) Option {
	return func(g *Gate) { g.facilitator = client }
}

// WithPriceResolver injects a price resolver, replacing the built-in chain
// registry.
func WithPriceResolver(resolver x402.PriceResolver) Option {
	return func(g *Gate) { g.resolver = resolver }
}

// WithLogger sets the gate's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

// WithEventCallback registers an observer for payment lifecycle events.
func WithEventCallback(callback x402.EventCallback) Option {
	return func(g *Gate) { g.onEvent = callback }
}

// New validates the configuration and builds a gate. A configuration error
// here is fatal; the gate must not start with an invalid config.
func New(cfg *x402.Config, opts ...Option) (*Gate, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is nil", x402.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := &Gate{cfg: cfg}
	for _, opt := range opts {
		opt(g)
	}

	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.resolver == nil {
		g.resolver = x402.RegistryResolver{}
	}
	if g.facilitator == nil {
		client, err := facilitator.New(cfg, g.logger)
		if err != nil {
			return nil, err
		}
		g.facilitator = client
	}
	if cfg.ReplayCacheEnabled {
		g.cache = NewCache(cfg.ReplayCacheSize)
	}

	return g, nil
}

// Config returns the gate's validated configuration.
func (g *Gate) Config() *x402.Config {
	return g.cfg
}

// Evaluate decides whether the request may proceed. Unprotected paths are
// allowed without looking at the credential; protected paths require a
// credential the facilitator accepts. Every failure mode comes back as a
// Deny with requirements and a message, never as an error or a panic.
func (g *Gate) Evaluate(ctx context.Context, req x402.Request) x402.Decision {
	if !x402.PathIsProtected(g.cfg.ProtectedPaths, req.Path) {
		return x402.Decision{Action: x402.ActionAllow}
	}

	requirements, err := g.buildRequirements(req)
	if err != nil {
		g.logger.Error("failed to build payment requirements", "error", err, "resource", req.AbsoluteURL)
		return g.deny(req, nil, "payment requirements unavailable")
	}

	credential := req.PaymentCredential()
	if credential == "" {
		return g.deny(req, requirements, "no payment credential provided")
	}

	payment, err := encoding.DecodePayment(credential)
	if err != nil {
		g.logger.Warn("undecodable payment header", "error", err, "resource", req.AbsoluteURL)
		return g.deny(req, requirements, "invalid payment header format")
	}

	selected, ok := SelectMatchingRequirement(requirements, payment)
	if !ok {
		return g.deny(req, requirements, "no matching payment requirements found")
	}

	started := time.Now()
	result, err := g.safeVerify(ctx, payment, selected)
	elapsed := time.Since(started)
	if err != nil {
		g.logger.Error("payment verification unavailable", "error", err, "resource", req.AbsoluteURL)
		return g.deny(req, requirements, "payment verification failed")
	}
	if !result.IsValid {
		return g.deny(req, requirements, "invalid payment: "+result.InvalidReason)
	}

	g.logger.Info("payment verified",
		"resource", req.AbsoluteURL, "payer", result.Payer, "network", selected.Network)
	g.emit(x402.PaymentEvent{
		Type:      x402.EventVerified,
		Timestamp: time.Now(),
		Resource:  req.AbsoluteURL,
		Network:   selected.Network,
		Scheme:    selected.Scheme,
		Amount:    selected.MaxAmountRequired,
		Asset:     selected.Asset,
		Payer:     result.Payer,
		Duration:  elapsed,
	})

	return x402.Decision{
		Action:          x402.ActionAllow,
		PaymentVerified: true,
		Requirements:    requirements,
		Payer:           result.Payer,
	}
}

// Settle finalizes a verified payment. Adapters call it only after the
// protected handler produced a success response. With the replay cache
// enabled, presenting the same credential twice returns the first outcome
// and settles at most once; without it, every call reaches the facilitator.
func (g *Gate) Settle(ctx context.Context, req x402.Request) x402.SettlementOutcome {
	credential := req.PaymentCredential()
	if credential == "" {
		return x402.SettlementOutcome{ErrorMessage: "no payment credential provided"}
	}

	if g.cache != nil {
		// The lock closes the window between a cache miss and the put, so
		// two concurrent retries of one credential cannot both settle.
		unlock := g.settleLocks.Lock(credential)
		defer unlock()

		if cached, found := g.cache.Get(credential); found {
			g.emit(x402.PaymentEvent{
				Type:      x402.EventSettleCached,
				Timestamp: time.Now(),
				Resource:  req.AbsoluteURL,
				Network:   g.cfg.Network,
			})
			return cached
		}
	}

	payment, err := encoding.DecodePayment(credential)
	if err != nil {
		return x402.SettlementOutcome{ErrorMessage: "invalid payment header format"}
	}

	requirements, err := g.buildRequirements(req)
	if err != nil {
		g.logger.Error("failed to build payment requirements", "error", err, "resource", req.AbsoluteURL)
		return x402.SettlementOutcome{ErrorMessage: "payment requirements unavailable"}
	}

	selected, ok := SelectMatchingRequirement(requirements, payment)
	if !ok {
		return x402.SettlementOutcome{ErrorMessage: "no matching requirements for settlement"}
	}

	started := time.Now()
	receipt, err := g.safeSettle(ctx, payment, selected)
	elapsed := time.Since(started)

	var outcome x402.SettlementOutcome
	switch {
	case err != nil:
		g.logger.Error("settlement failed", "error", err, "resource", req.AbsoluteURL)
		outcome = x402.SettlementOutcome{ErrorMessage: "settlement failed"}
	case !receipt.Success:
		outcome = x402.SettlementOutcome{
			ErrorMessage: receipt.ErrorReason,
			Receipt:      receipt,
		}
	default:
		encoded, encErr := encoding.EncodeReceipt(*receipt)
		if encErr != nil {
			g.logger.Error("failed to encode settlement receipt", "error", encErr)
		}
		outcome = x402.SettlementOutcome{
			Success:        true,
			Transaction:    receipt.Transaction,
			EncodedReceipt: encoded,
			Receipt:        receipt,
		}
	}

	event := x402.PaymentEvent{
		Timestamp: time.Now(),
		Resource:  req.AbsoluteURL,
		Network:   selected.Network,
		Scheme:    selected.Scheme,
		Amount:    selected.MaxAmountRequired,
		Asset:     selected.Asset,
		Duration:  elapsed,
	}
	if outcome.Success {
		event.Type = x402.EventSettled
		event.Transaction = outcome.Transaction
		event.Payer = receipt.Payer
		g.logger.Info("payment settled",
			"resource", req.AbsoluteURL, "tx", outcome.Transaction, "network", selected.Network)
	} else {
		event.Type = x402.EventSettleFailed
		event.Reason = outcome.ErrorMessage
	}
	g.emit(event)

	if g.cache != nil {
		g.cache.Put(credential, outcome)
	}
	return outcome
}

// deny builds a Deny decision and reports it to the event callback.
func (g *Gate) deny(req x402.Request, requirements []x402.PaymentRequirements, message string) x402.Decision {
	g.emit(x402.PaymentEvent{
		Type:      x402.EventDenied,
		Timestamp: time.Now(),
		Resource:  req.AbsoluteURL,
		Network:   g.cfg.Network,
		Reason:    message,
	})
	return x402.Decision{
		Action:       x402.ActionDeny,
		Requirements: requirements,
		ErrorMessage: message,
	}
}

// safeVerify calls the facilitator behind a recovery boundary. A panicking
// facilitator must not crash the request path.
func (g *Gate) safeVerify(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirements) (result *x402.VerificationResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("facilitator panic: %v", r)
		}
	}()
	return g.facilitator.Verify(ctx, payment, requirement)
}

func (g *Gate) safeSettle(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirements) (receipt *x402.SettleReceipt, err error) {
	defer func() {
		if r := recover(); r != nil {
			receipt, err = nil, fmt.Errorf("facilitator panic: %v", r)
		}
	}()
	return g.facilitator.Settle(ctx, payment, requirement)
}

func (g *Gate) emit(event x402.PaymentEvent) {
	if g.onEvent != nil {
		g.onEvent(event)
	}
}
