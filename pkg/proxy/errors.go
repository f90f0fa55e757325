package proxy

import (
	"errors"

	"mercator-hq/gatekeeper/pkg/proxy/types"
	"mercator-hq/gatekeeper/pkg/wallet"
)

// HandleError converts an error into an OpenAI-compatible error response.
// It maps wallet and request errors to their error types.
//
// Error type mapping:
//   - RequestError → invalid_request_error (400)
//   - wallet.ValidationError → invalid_request_error (400)
//   - wallet.ErrHoldNotFound → not_found (404)
//   - wallet.ErrInsufficientFunds → insufficient_funds (402)
//   - wallet.ErrModelDisallowed → insufficient_funds (402)
//   - wallet.ErrDuplicateRequest → conflict (409)
//   - wallet.ErrStorageUnavailable → service_unavailable (503)
//   - Unknown errors → server_error (500)
func HandleError(err error) *types.ErrorResponse {
	if err == nil {
		return nil
	}

	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.ToErrorResponse()
	}

	var valErr *wallet.ValidationError
	if errors.As(err, &valErr) {
		return types.NewInvalidRequestError(valErr.Error(), valErr.Field, types.CodeInvalidValue)
	}

	switch {
	case errors.Is(err, wallet.ErrHoldNotFound):
		return types.NewNotFoundError(err.Error())
	case errors.Is(err, wallet.ErrModelDisallowed):
		return types.NewInsufficientFundsError(err.Error(), types.CodeModelDisallowed)
	case errors.Is(err, wallet.ErrInsufficientFunds):
		return types.NewInsufficientFundsError(err.Error(), "")
	case errors.Is(err, wallet.ErrDuplicateRequest):
		return types.NewConflictError(err.Error())
	case errors.Is(err, wallet.ErrStorageUnavailable):
		// The cause may carry DSNs or file paths.
		return types.NewServiceUnavailableError("Wallet storage is temporarily unavailable")
	}

	return types.NewServerError("An internal error occurred. Please try again later.")
}
