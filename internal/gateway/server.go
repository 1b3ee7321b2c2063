// Package gateway is the transport front door: WebSocket viewer connections
// plus the thin HTTP API the router uses for session creation, listing, and
// actor-to-actor spawn calls.
package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/signalbox/internal/actor"
	"github.com/zulandar/signalbox/internal/config"
)

// StartOpts holds configuration for the gateway server.
type StartOpts struct {
	Registry *actor.Registry
	Config   *config.Config
	Out      io.Writer
}

// Start launches the gateway HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Registry == nil {
		return fmt.Errorf("gateway: registry is required")
	}
	if opts.Config == nil {
		return fmt.Errorf("gateway: config is required")
	}

	router := NewRouter(opts.Registry, opts.Config)

	addr := fmt.Sprintf(":%d", opts.Config.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Gateway listening on %s\n", addr)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}

// NewRouter builds the gin engine with all gateway routes registered.
// Split from Start so tests can drive it through httptest.
func NewRouter(reg *actor.Registry, cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	g := &gateway{reg: reg, cfg: cfg}

	router.GET("/healthz", g.handleHealth)
	router.GET("/ws/sessions/:id", g.handleWS)

	api := router.Group("/api")
	api.POST("/sessions", g.handleCreateSession)
	api.GET("/sessions", g.handleListSessions)
	api.GET("/sessions/:id", g.handleGetSession)
	api.POST("/sessions/:id/spawn", g.requireInternalToken, g.handleSpawn)

	return router
}

type gateway struct {
	reg *actor.Registry
	cfg *config.Config
}

func (g *gateway) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": g.reg.Live()})
}
