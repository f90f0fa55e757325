// Package proxy forwards admitted requests to the upstream model gateway
// and provides the JSON helpers shared by the HTTP handlers.
//
// Forwarder is a reverse proxy to gateway.upstream_url. It propagates the
// trace context and reads the actual request cost from the upstream
// response header (X-Gatekeeper-Cost-Cents by default), reporting it to
// the admission middleware so the wallet hold is settled with the real
// amount:
//
//	fwd, err := proxy.NewForwarder(cfg.Gateway, logger)
//	if err != nil {
//	    return err
//	}
//	mux.Handle("/v1/", admission.Middleware(ctrl, opts)(fwd))
//
// HandleError maps wallet and request errors onto the OpenAI error shape
// used for every error response (see package types).
package proxy
