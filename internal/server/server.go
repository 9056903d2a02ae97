// Package server exposes the entries API over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/litepool/internal/common/config"
	"github.com/kandev/litepool/internal/common/httpmw"
	"github.com/kandev/litepool/internal/common/logger"
	"github.com/kandev/litepool/internal/csrf"
	"github.com/kandev/litepool/internal/db"
	"github.com/kandev/litepool/internal/events/bus"
)

const serverName = "litepool"

// csrfExempt lists routes that accept writes without a CSRF token.
var csrfExempt = []string{"/api/v1/logs"}

// Server is the HTTP front end.
type Server struct {
	cfg    config.ServerConfig
	router *gin.Engine
	logger *logger.Logger
}

// New builds the router with the middleware chain: recovery, request id,
// tracing, request logging, CSRF.
func New(cfg config.Config, m *db.Manager, eventBus bus.EventBus, store *csrf.Store, log *logger.Logger) *Server {
	router := gin.New()
	router.Use(
		gin.Recovery(),
		httpmw.RequestID(),
		httpmw.OtelTracing(serverName),
		httpmw.RequestLogger(log, serverName),
		csrf.Middleware(store, csrf.OptionsFromConfig(cfg.CSRF, csrfExempt...), log),
	)
	NewHandlers(m, eventBus, store, log).register(router)

	return &Server{cfg: cfg.Server, router: router, logger: log.WithComponent("server")}
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.WriteTimeoutDuration(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.WriteTimeoutDuration()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.logger.Info("shutting down HTTP server")
	return srv.Shutdown(shutdownCtx)
}
