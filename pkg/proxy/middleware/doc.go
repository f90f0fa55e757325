// Package middleware provides the HTTP middleware shared by the gateway
// and admin routes.
//
// The server chains them outermost first:
//
//	handler = RequestIDMiddleware(
//	    LoggingMiddleware(logger)(
//	        RecoveryMiddleware(
//	            CORSMiddleware(cfg.Server.CORS)(mux))))
//
// RequestIDMiddleware stores the request id in the logging context, where
// the log handler and the admission escrow pick it up.
package middleware
