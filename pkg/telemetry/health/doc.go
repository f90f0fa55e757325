// Package health provides liveness, readiness and version endpoints.
//
// Storage backends are registered as readiness checks. The wallet store is
// critical: when it is unreachable every wallet-funded request is denied,
// so the process reports itself unhealthy (503). The bucket store is only
// critical under the fail-closed limiter mode; under fail-open a failure
// degrades readiness but keeps it at 200.
//
//	checker := health.New(cfg.Telemetry.Health.CheckTimeout)
//	checker.RegisterCheck("wallet_storage", health.PingCheck(store), true)
//	checker.RegisterCheck("limits_storage", health.PingCheck(redisBackend), false)
//
//	health.Register(mux, checker, cfg.Telemetry.Health, health.BuildInfo{Version: "1.0.0"})
package health
