package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"mercator-hq/gatekeeper/pkg/proxy"
	"mercator-hq/gatekeeper/pkg/proxy/types"
	"mercator-hq/gatekeeper/pkg/wallet"
)

// WalletHandler serves the admin wallet API.
type WalletHandler struct {
	ledger *wallet.Ledger
	logger *slog.Logger
}

// NewWalletHandler creates a wallet handler backed by ledger.
func NewWalletHandler(ledger *wallet.Ledger, logger *slog.Logger) *WalletHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WalletHandler{
		ledger: ledger,
		logger: logger.With("component", "wallet_api"),
	}
}

// Register mounts the wallet routes on mux. Every route is wrapped with
// auth, which must reject unauthenticated callers.
func (h *WalletHandler) Register(mux *http.ServeMux, auth func(http.Handler) http.Handler) {
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}
	routes := map[string]http.HandlerFunc{
		"POST /admin/wallet/{orgId}/modify-balance":  h.ModifyBalance,
		"GET /admin/wallet/{orgId}/state":            h.State,
		"POST /admin/wallet/{orgId}/reset":           h.Reset,
		"GET /admin/wallet/{orgId}/transactions":     h.Transactions,
		"POST /admin/wallet/{orgId}/disallow-list":   h.AddDisallowed,
		"DELETE /admin/wallet/{orgId}/disallow-list": h.RemoveDisallowed,
		"GET /wallet/credits/total":                  h.TotalCredits,
	}
	for pattern, fn := range routes {
		mux.Handle(pattern, auth(fn))
	}
}

// ModifyBalanceRequest is the body of POST modify-balance. Amount accepts
// a JSON number or a string.
type ModifyBalanceRequest struct {
	Amount      decimal.Decimal        `json:"amount"`
	Type        wallet.TransactionType `json:"type"`
	Reason      string                 `json:"reason"`
	ReferenceID string                 `json:"referenceId"`
	AdminUserID string                 `json:"adminUserId"`
}

// ResetRequest is the body of POST reset.
type ResetRequest struct {
	AdminUserID string `json:"adminUserId"`
}

// DisallowRequest is the body of the disallow-list routes.
type DisallowRequest struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// TotalCreditsResponse is returned by GET /wallet/credits/total.
type TotalCreditsResponse struct {
	TotalCredits decimal.Decimal `json:"totalCredits"`
}

// TransactionsResponse is one page of the ledger.
type TransactionsResponse struct {
	Transactions []wallet.Transaction `json:"transactions"`
	Total        int                  `json:"total"`
}

// ModifyBalance applies a credit or debit. Replaying a referenceId returns
// the current state without applying it again.
func (h *WalletHandler) ModifyBalance(w http.ResponseWriter, r *http.Request) {
	var req ModifyBalanceRequest
	if err := proxy.DecodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.ledger.Apply(r.Context(), wallet.TransactionRequest{
		OrgID:       r.PathValue("orgId"),
		Amount:      req.Amount,
		Type:        wallet.TransactionType(strings.ToLower(string(req.Type))),
		Reason:      req.Reason,
		ReferenceID: req.ReferenceID,
		AdminUserID: req.AdminUserID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, res.State)
}

// State returns the wallet state.
func (h *WalletHandler) State(w http.ResponseWriter, r *http.Request) {
	state, err := h.ledger.GetState(r.Context(), r.PathValue("orgId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, state)
}

// Reset debits the remaining effective balance.
func (h *WalletHandler) Reset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := proxy.DecodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.AdminUserID) == "" {
		h.writeError(w, r, &proxy.RequestError{
			Message: "adminUserId is required",
			Code:    types.CodeMissingField,
			Param:   "adminUserId",
		})
		return
	}

	state, err := h.ledger.Reset(r.Context(), r.PathValue("orgId"), req.AdminUserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, state)
}

// Transactions lists the ledger newest first.
func (h *WalletHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	txs, total, err := h.ledger.ListTransactions(r.Context(), r.PathValue("orgId"), wallet.Page{Limit: limit, Offset: offset})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if txs == nil {
		txs = []wallet.Transaction{}
	}
	h.writeJSON(w, r, TransactionsResponse{Transactions: txs, Total: total})
}

// AddDisallowed adds a provider/model pair to the disallow list.
func (h *WalletHandler) AddDisallowed(w http.ResponseWriter, r *http.Request) {
	h.disallow(w, r, h.ledger.AddDisallowed)
}

// RemoveDisallowed removes a provider/model pair from the disallow list.
func (h *WalletHandler) RemoveDisallowed(w http.ResponseWriter, r *http.Request) {
	h.disallow(w, r, h.ledger.RemoveDisallowed)
}

type disallowFunc func(ctx context.Context, orgID, provider, model string) (wallet.State, error)

func (h *WalletHandler) disallow(w http.ResponseWriter, r *http.Request, fn disallowFunc) {
	var req DisallowRequest
	if err := proxy.DecodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	state, err := fn(r.Context(), r.PathValue("orgId"), req.Provider, req.Model)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, state)
}

// TotalCredits returns the lifetime credits of the org in ?orgId=.
func (h *WalletHandler) TotalCredits(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("orgId")
	if strings.TrimSpace(orgID) == "" {
		h.writeError(w, r, &proxy.RequestError{
			Message: "orgId query parameter is required",
			Code:    types.CodeMissingField,
			Param:   "orgId",
		})
		return
	}

	credits, err := h.ledger.TotalCredits(r.Context(), orgID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, TotalCreditsResponse{TotalCredits: credits})
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &proxy.RequestError{
			Message: name + " must be a non-negative integer",
			Code:    types.CodeInvalidValue,
			Param:   name,
		}
	}
	return n, nil
}

func (h *WalletHandler) writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	if err := proxy.WriteJSONResponse(w, http.StatusOK, v); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to write response", "error", err)
	}
}

func (h *WalletHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := proxy.HandleError(err)
	if resp.Error.HTTPStatusCode() >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "wallet request failed",
			"path", r.URL.Path,
			"error", err,
		)
	} else {
		h.logger.DebugContext(r.Context(), "wallet request rejected",
			"path", r.URL.Path,
			"error", err,
		)
	}
	if werr := proxy.WriteErrorResponse(w, resp); werr != nil {
		h.logger.ErrorContext(r.Context(), "failed to write error response", "error", werr)
	}
}
