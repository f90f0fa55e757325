// Package server assembles the gatekeeper HTTP server.
//
// Build constructs the shared components from configuration: the bucket
// store and limiter, the wallet store, ledger and escrow, the hold reaper,
// the admission controller, API key and admin authentication, metrics,
// tracing and health checks. NewServer mounts them on one mux:
//
//	/health, /ready, /version       health probes
//	/metrics                        Prometheus scrape endpoint
//	/admin/wallet/{orgId}/...       wallet administration (admin key)
//	/wallet/credits/total           total credits purchased
//	/v1/...                         gated gateway traffic
//
// Gateway requests pass API key authentication, then admission (rate
// limit and wallet escrow), then the reverse proxy to the upstream. The
// upstream reports the actual cost of each request in a response header,
// which settles the escrow hold.
//
//	comps, err := server.Build(ctx, cfg, logger, version)
//	if err != nil {
//	    return err
//	}
//	defer comps.Close(context.Background())
//
//	srv, err := server.NewServer(cfg, comps, logger, health.BuildInfo{Version: version})
//	if err != nil {
//	    return err
//	}
//	return srv.Start(ctx)
//
// Start blocks until ctx is cancelled, then shuts the listener down
// gracefully within the configured shutdown timeout.
package server
