// Package http provides the net/http middleware adapter for the payment
// gate: it translates between native requests/responses and the gate's
// Evaluate/Settle operations.
package http

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	x402 "github.com/borchain/x402-connector"
	"github.com/borchain/x402-connector/gate"
	"github.com/borchain/x402-connector/http/internal/helpers"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

// paymentContextKey stores the gate decision for verified requests.
const paymentContextKey = contextKey("x402_payment")

// NewMiddleware builds a payment middleware from a configuration. Gate
// options (custom facilitator, logger, event callback) pass through.
func NewMiddleware(cfg *x402.Config, opts ...gate.Option) (func(http.Handler) http.Handler, error) {
	g, err := gate.New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return Middleware(g), nil
}

// Middleware wraps HTTP handlers with payment gating backed by an existing
// gate. Unpaid requests to protected paths receive a structured 402;
// verified requests run the handler and settle only once the handler
// commits a success response.
func Middleware(g *gate.Gate) func(http.Handler) http.Handler {
	logger := slog.Default()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := helpers.NormalizeRequest(r)

			decision := g.Evaluate(r.Context(), req)
			if decision.Action == x402.ActionDeny {
				if err := helpers.SendPaymentRequired(w, decision.Requirements, decision.ErrorMessage); err != nil {
					logger.Error("failed to send payment required response", "error", err)
				}
				return
			}

			if !decision.PaymentVerified {
				// Unprotected path: nothing to settle.
				next.ServeHTTP(w, r)
				return
			}

			ctx := context.WithValue(r.Context(), paymentContextKey, &decision)
			r = r.WithContext(ctx)

			interceptor := &settlementInterceptor{
				w: w,
				settleFunc: func() bool {
					outcome := g.Settle(r.Context(), req)
					if outcome.Success {
						helpers.AddPaymentResponseHeader(w.Header(), outcome)
						return true
					}

					if g.Config().SettlePolicy == x402.SettleLogAndContinue {
						logger.Warn("settlement failed, continuing per policy",
							"error", outcome.ErrorMessage, "resource", req.AbsoluteURL)
						return true
					}

					if err := helpers.SendPaymentRequired(w, decision.Requirements, "settlement failed: "+outcome.ErrorMessage); err != nil {
						logger.Error("failed to send payment required response", "error", err)
					}
					return false
				},
				onSkip: func(statusCode int) {
					logger.Warn("handler returned non-success, skipping settlement", "status", statusCode)
				},
			}
			next.ServeHTTP(interceptor, r)
		})
	}
}

// settlementInterceptor wraps the ResponseWriter to intercept the moment the
// handler commits a response. Settlement runs exactly then: a success status
// settles before any byte reaches the client, an error status skips
// settlement entirely.
type settlementInterceptor struct {
	w http.ResponseWriter
	// settleFunc performs settlement; false means the response was replaced.
	settleFunc func() bool
	// onSkip reports a handler error status that suppressed settlement.
	onSkip    func(statusCode int)
	committed bool
	hijacked  bool
}

func (i *settlementInterceptor) Header() http.Header {
	return i.w.Header()
}

func (i *settlementInterceptor) Write(b []byte) (int, error) {
	// Write without WriteHeader implies 200 OK; run the settlement check now.
	if !i.committed {
		i.WriteHeader(http.StatusOK)
	}

	// After a failed settlement the 402 is already on the wire; discard the
	// handler's payload to avoid a mixed response.
	if i.hijacked {
		return len(b), nil
	}

	return i.w.Write(b)
}

func (i *settlementInterceptor) WriteHeader(statusCode int) {
	if i.committed {
		return
	}
	i.committed = true

	// Handler errors pass through untouched and unsettled.
	if statusCode >= 400 {
		if i.onSkip != nil {
			i.onSkip(statusCode)
		}
		i.w.WriteHeader(statusCode)
		return
	}

	if !i.settleFunc() {
		i.hijacked = true
		return
	}

	i.w.WriteHeader(statusCode)
}

// Flush implements http.Flusher to support streaming responses.
func (i *settlementInterceptor) Flush() {
	if flusher, ok := i.w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack implements http.Hijacker; connection upgrades settle first.
func (i *settlementInterceptor) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := i.w.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	if !i.committed {
		i.committed = true
		if !i.settleFunc() {
			i.hijacked = true
			return nil, nil, errors.New("payment settlement failed")
		}
	}
	return hijacker.Hijack()
}

// Push implements http.Pusher to support HTTP/2 server push.
func (i *settlementInterceptor) Push(target string, opts *http.PushOptions) error {
	if pusher, ok := i.w.(http.Pusher); ok {
		return pusher.Push(target, opts)
	}
	return http.ErrNotSupported
}

// DecisionFromContext extracts the verified payment decision placed in the
// request context by the middleware. Returns nil when the request was not
// payment-verified.
func DecisionFromContext(ctx context.Context) *x402.Decision {
	decision, _ := ctx.Value(paymentContextKey).(*x402.Decision)
	return decision
}
