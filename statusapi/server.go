// Package statusapi serves the transmitter's on-air state over HTTP. It is
// read only: nothing here can change what goes out.
package statusapi

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/bartgrantham/gofmtx/config"
	"github.com/bartgrantham/gofmtx/telemetry"
)

type Server struct {
	addr   string
	status *telemetry.Status
	engine *gin.Engine
	log    *slog.Logger
}

func New(cfg config.API, status *telemetry.Status, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		addr:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		status: status,
		engine: engine,
		log:    log.With("component", "statusapi"),
	}
	engine.Use(s.requestLog())
	s.registerRoutes()
	return s
}

// Engine exposes the underlying gin engine (for tests).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "status api")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	api := s.engine.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/health", s.handleHealth)
		api.GET("/events", s.handleEvents)
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request", "method", c.Request.Method, "path", c.Request.URL.Path,
			"status", c.Writer.Status(), "took", time.Since(start))
	}
}

// handleStatus returns the full snapshot
// GET /api/status
func (s *Server) handleStatus(c *gin.Context) {
	snap := s.status.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"data": snap,
		"meta": gin.H{
			"generated_at": time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// handleHealth is 503 once the supervisor has given up on the chip.
// GET /api/health
func (s *Server) handleHealth(c *gin.Context) {
	snap := s.status.Snapshot()
	code := http.StatusOK
	if snap.State == "ERROR" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"state":      snap.State,
		"tx_enabled": snap.TXEnabled,
	})
}

// handleEvents streams a snapshot as a server-sent event after every change.
// GET /api/events
func (s *Server) handleEvents(c *gin.Context) {
	updates := s.status.Subscribe()
	defer s.status.Unsubscribe(updates)

	c.SSEvent("status", s.status.Snapshot())
	c.Writer.Flush()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-updates:
			c.SSEvent("status", s.status.Snapshot())
			return true
		}
	})
}
