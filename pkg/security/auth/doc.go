/*
Package auth provides API key authentication for the gateway and the admin
wallet API.

# Client keys

Client keys map a caller to the organization it bills to. The gateway path
wraps its handler with APIKeyMiddleware:

	validator := auth.NewAPIKeyValidator(auth.KeysFromConfig(cfg.Security.Authentication.Keys))
	middleware := auth.NewAPIKeyMiddleware(validator, cfg.Security.Authentication.Sources)

	mux.Handle("/v1/", middleware.Handle(gateway))

Handlers then read the key info from the context:

	info, ok := auth.GetAPIKeyInfo(r.Context())
	if ok && info.WalletFunded {
		// reserve escrow from info.OrgID
	}

Sources are tried in order and the first key found is used:

	Authorization: Bearer gk-live-...
	X-API-Key: gk-live-...
	?api_key=gk-live-...

On a configuration reload the key set is swapped with Replace.

# Admin key

AdminAuth protects /admin routes with one bearer key, compared in constant
time behind a golang.org/x/time/rate throttle:

	security:
	  admin:
	    api_key: "change-me"
	    requests_per_second: 10
	    burst: 20
	  authentication:
	    enabled: true
	    keys:
	      - key: "gk-live-acme"
	        org_id: "acme"
	        wallet_funded: true

Key values are never logged; failed attempts log a four character prefix.
*/
package auth
