// Package logging builds the process logger on top of log/slog.
//
// Every record passes through a handler that adds request-scoped fields
// from the context (request_id, org_id, user, policy and the active trace
// and span IDs) and masks credentials:
//
//   - Bearer tokens: "Bearer abc.def" becomes "Bearer ***"
//   - Gateway and provider keys: "gk-live-123456" becomes "gk-***"
//   - Attributes named like credentials (api_key, token, dsn) keep only a
//     four character prefix
//   - Passwords embedded in connection strings
//
// # Usage
//
//	logger, err := logging.New(logging.ConfigFrom(cfg.Telemetry.Logging))
//	if err != nil {
//	    return err
//	}
//	slog.SetDefault(logger.Logger)
//
//	ctx = logging.WithRequestID(ctx, "req-123")
//	slog.InfoContext(ctx, "request admitted", "remaining", 2)
//
// The level can be changed at runtime with SetLevel.
package logging
