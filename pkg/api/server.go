// Package api exposes the operational HTTP surface: liveness and readiness
// probes for the process.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/onyx-hq/onyx/pkg/store"
)

const readinessTimeout = 2 * time.Second

// Server is the probe HTTP server.
type Server struct {
	engine *gin.Engine
	http   *http.Server
	store  *store.Client
}

// NewServer builds the server on addr. The readiness probe pings the
// database through st.
func NewServer(addr string, st *store.Client) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine: engine,
		http:   &http.Server{Addr: addr, Handler: engine},
		store:  st,
	}
	engine.GET("/healthz", s.healthz)
	engine.GET("/readyz", s.readyz)
	return s
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Start serves until Shutdown. A closed-server error is not a failure.
func (s *Server) Start() error {
	slog.Info("API server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) readyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
