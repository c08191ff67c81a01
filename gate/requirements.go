package gate

import (
	"fmt"
	"strings"

	x402 "github.com/borchain/x402-connector"
)

// buildRequirements converts the gate configuration plus request metadata
// into the list of acceptable payment offers for this request. The single
// configured scheme/network yields a single-element list; price resolution
// failures surface as errors, never as silently defaulted amounts.
func (g *Gate) buildRequirements(req x402.Request) ([]x402.PaymentRequirements, error) {
	maxAmount, asset, extra, err := g.resolver.Resolve(g.cfg.Price, g.cfg.Network)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve price %q on %q: %w", g.cfg.Price, g.cfg.Network, err)
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = "GET"
	}

	requirement := x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           g.cfg.Network,
		MaxAmountRequired: maxAmount,
		Asset:             asset,
		// Resource binds the requirement to the endpoint it protects and
		// must equal the request URL verbatim.
		Resource:          req.AbsoluteURL,
		Description:       g.cfg.Description,
		MimeType:          g.cfg.MimeType,
		PayTo:             g.cfg.PayTo,
		MaxTimeoutSeconds: g.cfg.MaxTimeoutSeconds,
		OutputSchema: &x402.OutputSchema{
			Input: x402.OutputSchemaInput{
				Type:         "http",
				Method:       method,
				Discoverable: g.cfg.Discoverable,
			},
			Output: x402.OutputSchemaOutput{Type: g.cfg.MimeType},
		},
		Extra: extra,
	}

	return []x402.PaymentRequirements{requirement}, nil
}

// SelectMatchingRequirement ties a decoded payment payload to the first
// requirement it structurally matches: scheme and network always, asset only
// when the payload declares one. No match means the payment is rejected,
// never silently settled against a different requirement.
func SelectMatchingRequirement(requirements []x402.PaymentRequirements, payment x402.PaymentPayload) (x402.PaymentRequirements, bool) {
	for _, requirement := range requirements {
		if requirement.Scheme != payment.Scheme {
			continue
		}
		if !strings.EqualFold(requirement.Network, payment.Network) {
			continue
		}
		if payment.Asset != "" && !strings.EqualFold(requirement.Asset, payment.Asset) {
			continue
		}
		return requirement, true
	}
	return x402.PaymentRequirements{}, false
}
