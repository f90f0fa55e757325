// Package handlers provides the admin HTTP handlers of the gateway.
//
// WalletHandler exposes the wallet ledger to operators:
//
//	POST   /admin/wallet/{orgId}/modify-balance
//	GET    /admin/wallet/{orgId}/state
//	POST   /admin/wallet/{orgId}/reset
//	GET    /admin/wallet/{orgId}/transactions?limit=&offset=
//	POST   /admin/wallet/{orgId}/disallow-list
//	DELETE /admin/wallet/{orgId}/disallow-list
//	GET    /wallet/credits/total?orgId=
//
// # Error Handling
//
// Errors use the OpenAI error shape:
//
//	{
//	  "error": {
//	    "message": "invalid amount: must be greater than zero",
//	    "type": "invalid_request_error",
//	    "param": "amount",
//	    "code": "invalid_value"
//	  }
//	}
//
// Validation failures are 400, unknown holds 404 and storage failures 503.
// Authentication is applied by the caller of Register.
package handlers
