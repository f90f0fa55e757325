package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"mercator-hq/gatekeeper/pkg/admission"
	"mercator-hq/gatekeeper/pkg/config"
	"mercator-hq/gatekeeper/pkg/security/auth"
	"mercator-hq/gatekeeper/pkg/telemetry/logging"
)

// Request headers naming the upstream provider and model, checked against
// the wallet disallow list.
const (
	ProviderHeader = "X-Gatekeeper-Provider"
	ModelHeader    = "X-Gatekeeper-Model"
)

// NewDescriber returns the admission DescribeFunc for the gateway path.
//
// The organization and wallet funding come from the authenticated API key.
// Without one (authentication disabled) the request is unscoped and never
// wallet-funded. The estimate comes from the estimate header, falling back
// to gateway.default_estimate_cents.
func NewDescriber(cfg config.GatewayConfig) admission.DescribeFunc {
	fallback, err := decimal.NewFromString(cfg.DefaultEstimateCents)
	if err != nil {
		fallback = decimal.Zero
	}
	estimateHeader := cfg.EstimateHeader
	if estimateHeader == "" {
		estimateHeader = config.DefaultEstimateHeader
	}

	return func(r *http.Request) admission.Request {
		ctx := r.Context()
		req := admission.Request{
			RequestID:     logging.GetRequestID(ctx),
			EstimatedCost: fallback,
			Provider:      strings.TrimSpace(r.Header.Get(ProviderHeader)),
			Model:         strings.TrimSpace(r.Header.Get(ModelHeader)),
		}

		if info, ok := auth.GetAPIKeyInfo(ctx); ok {
			req.OrgID = info.OrgID
			req.WalletFunded = info.WalletFunded
		}

		if raw := strings.TrimSpace(r.Header.Get(estimateHeader)); raw != "" {
			estimate, err := decimal.NewFromString(raw)
			if err == nil && !estimate.IsNegative() {
				req.EstimatedCost = estimate
			} else {
				slog.DebugContext(ctx, "ignoring invalid cost estimate", "header", estimateHeader, "value", raw)
			}
		}
		return req
	}
}
