// Package api provides the HTTP surface: the proxied /v1 routes plus the
// authenticated /api management endpoints for accounts, settings, and stats.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nghyane/dreamina-mux/internal/config"
	"github.com/nghyane/dreamina-mux/internal/logging"
	"github.com/nghyane/dreamina-mux/internal/provisioner"
	"github.com/nghyane/dreamina-mux/internal/proxy"
	"github.com/nghyane/dreamina-mux/internal/store"
)

// Server hosts the gin engine and the underlying http.Server.
type Server struct {
	cfg    *config.Config
	store  *store.Store
	prov   *provisioner.Client
	engine *gin.Engine
	srv    *http.Server
}

// New assembles the engine: global middleware, proxy routes, and the
// management API.
func New(cfg *config.Config, st *store.Store, prov *provisioner.Client, dispatcher *proxy.Dispatcher) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())
	engine.Use(corsMiddleware())

	s := &Server{
		cfg:    cfg,
		store:  st,
		prov:   prov,
		engine: engine,
	}

	engine.GET("/health", s.handleHealth)
	dispatcher.RegisterRoutes(engine)

	admin := engine.Group("/api", s.adminAuthMiddleware())
	{
		admin.GET("/accounts", s.handleListAccounts)
		admin.POST("/accounts", s.handleCreateAccount)
		admin.POST("/accounts/import", s.handleImportAccounts)
		admin.GET("/accounts/:id", s.handleGetAccount)
		admin.PUT("/accounts/:id", s.handleUpdateAccount)
		admin.DELETE("/accounts/:id", s.handleDeleteAccount)
		admin.POST("/accounts/:id/ban", s.handleBanAccount)
		admin.POST("/accounts/:id/unban", s.handleUnbanAccount)
		admin.POST("/accounts/:id/refresh-session", s.handleRefreshSession)
		admin.POST("/accounts/register", s.handleRegisterAccount)

		admin.GET("/settings", s.handleGetSettings)
		admin.PUT("/settings", s.handleUpdateSettings)

		admin.GET("/stats", s.handleLiveStats)
		admin.GET("/stats/daily", s.handleDailyStats)
		admin.GET("/stats/accounts", s.handleAccountStats)
	}

	return s
}

// Start begins serving and blocks until the listener fails or is closed.
func (s *Server) Start() error {
	snap := s.cfg.Snapshot()
	addr := fmt.Sprintf("%s:%d", snap.Host, snap.Port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logging.Infof("api: listening on %s", addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}
