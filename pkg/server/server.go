package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"mercator-hq/gatekeeper/pkg/admission"
	"mercator-hq/gatekeeper/pkg/config"
	"mercator-hq/gatekeeper/pkg/proxy"
	"mercator-hq/gatekeeper/pkg/proxy/handlers"
	"mercator-hq/gatekeeper/pkg/proxy/middleware"
	"mercator-hq/gatekeeper/pkg/security/auth"
	"mercator-hq/gatekeeper/pkg/telemetry/health"
	"mercator-hq/gatekeeper/pkg/telemetry/tracing"
)

// GatewayPrefix is the path prefix forwarded upstream.
const GatewayPrefix = "/v1/"

// Server is the gatekeeper HTTP server: the admitted gateway path plus the
// admin and operational endpoints.
type Server struct {
	config     *config.Config
	comps      *Components
	logger     *slog.Logger
	handler    http.Handler
	httpServer *http.Server
	mu         sync.RWMutex
	isRunning  bool
	addr       net.Addr
}

// NewServer creates a server over comps. The route table is fixed at
// construction; reloadable settings are applied through comps.
func NewServer(cfg *config.Config, comps *Components, logger *slog.Logger, info health.BuildInfo) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config: cfg,
		comps:  comps,
		logger: logger.With("component", "server"),
	}

	handler, err := s.setupRoutes(info)
	if err != nil {
		return nil, err
	}
	s.handler = handler
	return s, nil
}

// Handler returns the configured HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on the configured address and serves until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}

	ln, err := net.Listen("tcp", s.config.Server.ListenAddress)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", s.config.Server.ListenAddress, err)
	}

	s.httpServer = &http.Server{
		Handler:        s.handler,
		ReadTimeout:    s.config.Server.ReadTimeout,
		WriteTimeout:   s.config.Server.WriteTimeout,
		IdleTimeout:    s.config.Server.IdleTimeout,
		MaxHeaderBytes: s.config.Server.MaxHeaderBytes,
		ErrorLog:       slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	s.addr = ln.Addr()
	s.isRunning = true
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting gatekeeper server",
			"address", ln.Addr().String(),
			"gateway", s.config.Gateway.UpstreamURL != "",
		)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server error: %w", err)
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, initiating shutdown")
		return s.Shutdown(context.Background())
	case err, ok := <-errChan:
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
		if ok {
			return err
		}
		return nil
	}
}

// Shutdown gracefully shuts down the server, waiting up to
// server.shutdown_timeout for in-flight requests to settle their holds.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isRunning {
		return nil
	}

	s.logger.Info("initiating graceful shutdown", "timeout", s.config.Server.ShutdownTimeout.String())

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	var shutdownErr error
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("error during server shutdown", "error", err)
		shutdownErr = fmt.Errorf("server shutdown error: %w", err)
	}
	s.isRunning = false

	s.logger.Info("gatekeeper server stopped")
	return shutdownErr
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Addr returns the listening address once Start has bound it.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// setupRoutes configures HTTP routes and the middleware chain.
func (s *Server) setupRoutes(info health.BuildInfo) (http.Handler, error) {
	mux := http.NewServeMux()

	health.Register(mux, s.comps.Health, s.config.Telemetry.Health, info)
	if s.config.Telemetry.Metrics.Enabled {
		mux.Handle(s.config.Telemetry.Metrics.Path, s.comps.Metrics.Handler())
	}

	handlers.NewWalletHandler(s.comps.Ledger, s.logger).Register(mux, s.comps.Admin.Handle)

	if s.config.Gateway.UpstreamURL != "" {
		gateway, err := s.gatewayHandler()
		if err != nil {
			return nil, err
		}
		mux.Handle(GatewayPrefix, gateway)
	} else {
		s.logger.Warn("gateway.upstream_url is not set, only admin and health endpoints are served")
	}

	var handler http.Handler = mux
	handler = middleware.CORSMiddleware(s.config.Server.CORS)(handler)
	handler = middleware.RecoveryMiddleware(handler)
	handler = middleware.LoggingMiddleware(s.logger)(handler)
	handler = middleware.RequestIDMiddleware(handler)

	return handler, nil
}

// gatewayHandler builds auth, then admission, then the forwarder.
func (s *Server) gatewayHandler() (http.Handler, error) {
	fwd, err := proxy.NewForwarder(s.config.Gateway, s.logger)
	if err != nil {
		return nil, err
	}

	var handler http.Handler = fwd
	handler = admission.Middleware(s.comps.Controller, admission.Options{
		Describe: NewDescriber(s.config.Gateway),
	})(handler)

	authn := s.config.Security.Authentication
	if authn.Enabled {
		handler = auth.NewAPIKeyMiddleware(s.comps.APIKeys, authn.Sources).Handle(handler)
	}

	return tracing.HTTPMiddleware(handler), nil
}
