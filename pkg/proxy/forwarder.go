package proxy

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"mercator-hq/gatekeeper/pkg/admission"
	"mercator-hq/gatekeeper/pkg/config"
	"mercator-hq/gatekeeper/pkg/proxy/types"
	"mercator-hq/gatekeeper/pkg/telemetry/tracing"
)

// Forwarder proxies admitted requests to the upstream model gateway and
// reports the cost the upstream charged back to the admission middleware.
type Forwarder struct {
	proxy      *httputil.ReverseProxy
	target     *url.URL
	costHeader string
	logger     *slog.Logger
}

// NewForwarder creates a forwarder for cfg.UpstreamURL.
func NewForwarder(cfg config.GatewayConfig, logger *slog.Logger) (*Forwarder, error) {
	target, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("invalid upstream url %q: scheme must be http or https", cfg.UpstreamURL)
	}
	if logger == nil {
		logger = slog.Default()
	}

	f := &Forwarder{
		target:     target,
		costHeader: cfg.CostHeader,
		logger:     logger.With("component", "forwarder"),
	}
	if f.costHeader == "" {
		f.costHeader = config.DefaultCostHeader
	}

	f.proxy = &httputil.ReverseProxy{
		Rewrite:        f.rewrite,
		ModifyResponse: f.modifyResponse,
		ErrorHandler:   f.handleError,
		// Stream completions as they arrive.
		FlushInterval: -1,
	}
	return f, nil
}

// ServeHTTP implements http.Handler.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.proxy.ServeHTTP(w, r)
}

func (f *Forwarder) rewrite(pr *httputil.ProxyRequest) {
	pr.SetURL(f.target)
	pr.SetXForwarded()
	pr.Out.Host = f.target.Host
	tracing.Inject(pr.Out.Context(), pr.Out.Header)
}

// modifyResponse reads the upstream cost header, reports it and strips it
// from the client response.
func (f *Forwarder) modifyResponse(resp *http.Response) error {
	raw := strings.TrimSpace(resp.Header.Get(f.costHeader))
	if raw == "" {
		return nil
	}
	resp.Header.Del(f.costHeader)

	cost, err := decimal.NewFromString(raw)
	if err != nil || cost.IsNegative() {
		f.logger.WarnContext(resp.Request.Context(), "ignoring invalid upstream cost",
			"header", f.costHeader,
			"value", raw,
		)
		return nil
	}

	admission.ReportCost(resp.Request.Context(), cost)
	return nil
}

func (f *Forwarder) handleError(w http.ResponseWriter, r *http.Request, err error) {
	f.logger.ErrorContext(r.Context(), "upstream request failed",
		"upstream", f.target.Host,
		"path", r.URL.Path,
		"error", err,
	)
	types.WriteError(w, types.NewBadGatewayError("The upstream gateway could not be reached"))
}
