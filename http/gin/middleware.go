// Package gin provides the Gin middleware adapter for the payment gate. It
// is a thin translation layer: all gating logic lives in the gate package.
package gin

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	x402 "github.com/borchain/x402-connector"
	"github.com/borchain/x402-connector/gate"
	"github.com/borchain/x402-connector/http/internal/helpers"
)

// PaymentContextKey is the gin context key holding the verified payment
// decision, set for requests that passed the paywall.
const PaymentContextKey = "x402_payment"

// NewMiddleware builds a payment middleware for Gin from a configuration.
func NewMiddleware(cfg *x402.Config, opts ...gate.Option) (gin.HandlerFunc, error) {
	g, err := gate.New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return Middleware(g), nil
}

// Middleware wraps Gin handlers with payment gating backed by an existing
// gate. Unpaid requests to protected paths are aborted with a structured
// 402; verified requests run the handler chain and settle only once a
// success response is committed.
func Middleware(g *gate.Gate) gin.HandlerFunc {
	logger := slog.Default()

	return func(c *gin.Context) {
		req := helpers.NormalizeRequest(c.Request)

		decision := g.Evaluate(c.Request.Context(), req)
		if decision.Action == x402.ActionDeny {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, x402.PaymentRequired{
				X402Version: x402.X402Version,
				Accepts:     decision.Requirements,
				Error:       decision.ErrorMessage,
			})
			return
		}

		if !decision.PaymentVerified {
			c.Next()
			return
		}

		c.Set(PaymentContextKey, &decision)

		writer := &settlementWriter{
			ResponseWriter: c.Writer,
			settleFunc: func() bool {
				outcome := g.Settle(c.Request.Context(), req)
				if outcome.Success {
					helpers.AddPaymentResponseHeader(c.Writer.Header(), outcome)
					return true
				}

				if g.Config().SettlePolicy == x402.SettleLogAndContinue {
					logger.Warn("settlement failed, continuing per policy",
						"error", outcome.ErrorMessage, "resource", req.AbsoluteURL)
					return true
				}

				sendPaymentRequired(c.Writer, decision.Requirements, "settlement failed: "+outcome.ErrorMessage)
				return false
			},
			onSkip: func(statusCode int) {
				logger.Warn("handler returned non-success, skipping settlement", "status", statusCode)
			},
		}
		c.Writer = writer
		c.Next()
		// Handlers that never write leave the response uncommitted; gin
		// flushes it after the chain, which funnels through WriteHeaderNow.
	}
}

// settlementWriter intercepts the moment a response is committed so that
// settlement runs after the handler succeeded but before any byte reaches
// the client. Error statuses pass through without settling.
type settlementWriter struct {
	gin.ResponseWriter
	settleFunc func() bool
	onSkip     func(statusCode int)
	committed  bool
	hijacked   bool
}

func (w *settlementWriter) WriteHeader(statusCode int) {
	if !w.committed {
		w.committed = true
		if statusCode < 400 {
			if !w.settleFunc() {
				// The 402 is already on the wire.
				w.hijacked = true
				return
			}
		} else if w.onSkip != nil {
			w.onSkip(statusCode)
		}
	}
	if w.hijacked {
		return
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *settlementWriter) WriteHeaderNow() {
	if !w.committed {
		w.WriteHeader(w.Status())
	}
	if w.hijacked {
		return
	}
	w.ResponseWriter.WriteHeaderNow()
}

func (w *settlementWriter) Write(b []byte) (int, error) {
	if !w.committed {
		w.WriteHeader(w.Status())
	}
	if w.hijacked {
		return len(b), nil
	}
	return w.ResponseWriter.Write(b)
}

func (w *settlementWriter) WriteString(s string) (int, error) {
	if !w.committed {
		w.WriteHeader(w.Status())
	}
	if w.hijacked {
		return len(s), nil
	}
	return w.ResponseWriter.WriteString(s)
}

// sendPaymentRequired writes a 402 directly to the underlying writer,
// bypassing the interceptor.
func sendPaymentRequired(w gin.ResponseWriter, requirements []x402.PaymentRequirements, errMsg string) {
	response := x402.PaymentRequired{
		X402Version: x402.X402Version,
		Accepts:     requirements,
		Error:       errMsg,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Default().Error("failed to send payment required response", "error", err)
	}
}

// DecisionFromContext extracts the verified payment decision from the Gin
// context. Returns nil when the request was not payment-verified.
func DecisionFromContext(c *gin.Context) *x402.Decision {
	value, exists := c.Get(PaymentContextKey)
	if !exists {
		return nil
	}
	decision, ok := value.(*x402.Decision)
	if !ok {
		return nil
	}
	return decision
}
