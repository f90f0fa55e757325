package admission

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/shopspring/decimal"

	"mercator-hq/gatekeeper/pkg/proxy/types"
	"mercator-hq/gatekeeper/pkg/telemetry/logging"
)

// DescribeFunc fills the organization, wallet and cost fields of the
// admission request for r. Header is set by the middleware.
type DescribeFunc func(r *http.Request) Request

// Options configures Middleware.
type Options struct {
	// Describe describes the inbound request. When nil, requests are
	// admitted unscoped and not wallet-funded, with the request ID taken
	// from the context.
	Describe DescribeFunc
}

// costReport collects the actual cost reported by the downstream handler.
type costReport struct {
	mu       sync.Mutex
	cost     decimal.Decimal
	reported bool
}

type costReportKey struct{}

// ReportCost records the actual cost of the request in cents. The
// forwarding handler calls it once the upstream response is known; the
// admission middleware settles with the last reported value.
// It is a no-op outside the admission middleware.
func ReportCost(ctx context.Context, cents decimal.Decimal) {
	report, ok := ctx.Value(costReportKey{}).(*costReport)
	if !ok {
		return
	}
	report.mu.Lock()
	defer report.mu.Unlock()
	report.cost = cents
	report.reported = true
}

func (r *costReport) value() (decimal.Decimal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cost, r.reported
}

// statusRecorder captures the status code written downstream.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// Flush supports streaming upstream responses.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// Middleware gates requests through ctrl.
//
// Rate limit headers are set on every response whose policy resolved to a
// bucket. Denials are answered here with 429, 402 or 503 and never reach
// next. After next returns, the decision is completed with the cost the
// handler reported through ReportCost; a 5xx without a reported cost
// releases the wallet hold.
func Middleware(ctrl *Controller, opts Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			req := Request{RequestID: logging.GetRequestID(ctx)}
			if opts.Describe != nil {
				req = opts.Describe(r)
			}
			req.Header = r.Header

			decision, err := ctrl.Admit(ctx, req)
			if err != nil {
				slog.WarnContext(ctx, "admission request rejected", "error", err)
				types.WriteError(w, types.NewInvalidRequestError(err.Error(), "", types.CodeInvalidValue))
				return
			}

			for name, values := range decision.Headers() {
				w.Header()[name] = values
			}

			if !decision.Allowed {
				writeDenial(w, decision, req.Provider)
				return
			}

			report := &costReport{}
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r.WithContext(context.WithValue(ctx, costReportKey{}, report)))

			cost, reported := report.value()
			outcome := Outcome{
				ActualCost: cost,
				Succeeded:  reported || rec.status < http.StatusInternalServerError,
			}
			// Settlement must not be lost to a client disconnect.
			if err := ctrl.Complete(context.WithoutCancel(ctx), decision, outcome); err != nil {
				slog.ErrorContext(ctx, "admission completion failed", "error", err)
			}
		})
	}
}

func writeDenial(w http.ResponseWriter, d *Decision, provider string) {
	msg := d.Message(provider)
	switch d.Reason {
	case DenyRateLimited:
		if d.RateLimit != nil && d.RateLimit.ResetSeconds > 0 {
			w.Header().Set("Retry-After", strconv.FormatUint(d.RateLimit.ResetSeconds, 10))
		}
		types.WriteError(w, types.NewRateLimitError(msg))
	case DenyInsufficientFunds:
		types.WriteError(w, types.NewInsufficientFundsError(msg, ""))
	case DenyModelDisallowed:
		types.WriteError(w, types.NewInsufficientFundsError(msg, types.CodeModelDisallowed))
	case DenyDuplicateRequest:
		types.WriteError(w, types.NewConflictError(msg))
	default:
		types.WriteError(w, types.NewServiceUnavailableError(msg))
	}
}
