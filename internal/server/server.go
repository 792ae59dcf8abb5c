// Package server is the HTTP and websocket API.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/qvote/internal/features/access"
	"serotonyl.ru/qvote/internal/features/aggregation"
	"serotonyl.ru/qvote/internal/features/ledger"
	"serotonyl.ru/qvote/internal/features/voting"
	"serotonyl.ru/qvote/internal/middleware"
	"serotonyl.ru/qvote/internal/notify"
)

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services the API serves.
type Deps struct {
	Ledger      *ledger.Service
	Engine      *voting.Engine
	Aggregation *aggregation.Service
	Bus         *notify.Bus
	Auth        *access.Authenticator
	Store       Pinger
	Limiter     *middleware.RateLimiter
	// Gatherer backs /metrics; nil disables the route
	Gatherer prometheus.Gatherer
}

type Server struct {
	deps       Deps
	router     *gin.Engine
	httpServer *http.Server
}

// New builds the router. Call Run to serve.
func New(addr string, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(middleware.Recovery(), middleware.RequestLogger())

	s := &Server{
		deps:   deps,
		router: router,
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       20 * time.Second,
			WriteTimeout:      20 * time.Second,
		},
	}
	s.routes()
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.GET("/healthz", s.handleHealth)
	if s.deps.Gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	authed := s.router.Group("/", s.authenticate())
	if s.deps.Limiter != nil {
		authed.Use(middleware.RateLimit(s.deps.Limiter, rateKey))
	}
	authed.GET("/ws", s.handleWebsocket)

	v1 := authed.Group("/v1")
	v1.GET("/balance", s.handleOwnBalance)
	v1.GET("/users/:userId/balance", s.handleBalance)
	v1.GET("/users/:userId/transactions", s.handleTransactions)
	v1.GET("/users/:userId/audit", s.handleAudit)
	v1.POST("/users/:userId/awards", s.handleAward)

	v1.GET("/issues/ranked", s.handleRanked)
	v1.GET("/issues/:issueId/stats", s.handleStats)
	v1.GET("/issues/:issueId/votes", s.handleListVotes)
	v1.POST("/issues/:issueId/votes", s.handleCastVote)
	v1.GET("/issues/:issueId/quote", s.handleQuote)
	v1.POST("/issues/:issueId/reveal", s.handleReveal)
}

// Run serves until ctx is done, then shuts down within shutdownTimeout.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", s.httpServer.Addr).Info("HTTP server starting")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutdown signal received, shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("HTTP server exited gracefully")
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		log.WithError(err).Warn("Health check failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
