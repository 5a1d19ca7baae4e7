// Package server exposes the sync service and the event relay over HTTP.
//
// Routes:
//
//	POST /v1/sync/delta      JSON delta submission
//	POST /v1/sync/packed     codec payload submission
//	GET  /v1/sync/state      canonical cells and clock
//	GET  /v1/sync/clock      canonical clock
//	GET  /v1/sync/conflicts  recent conflicts, ?limit=N
//	GET  /v1/events          WebSocket event relay
//	GET  /metrics            Prometheus metrics
//	GET  /healthz            liveness and store check
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/fieldsync/internal/syncsvc"
	"github.com/roach88/fieldsync/internal/transport"
)

// ErrCodeInternal is returned when the service fails for reasons other
// than the request.
const ErrCodeInternal = "internal_error"

// DefaultShutdownTimeout bounds graceful shutdown in Run.
const DefaultShutdownTimeout = 10 * time.Second

// Server serves the HTTP API.
type Server struct {
	svc             *syncsvc.Service
	hub             *transport.Hub
	health          func(context.Context) error
	shutdownTimeout time.Duration
	engine          *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithHealthCheck sets the check run by /healthz.
func WithHealthCheck(f func(context.Context) error) Option {
	return func(s *Server) {
		s.health = f
	}
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// New builds the router. A nil hub disables /v1/events.
func New(svc *syncsvc.Service, hub *transport.Hub, opts ...Option) *Server {
	s := &Server{
		svc:             svc,
		hub:             hub,
		shutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	v1 := r.Group("/v1")
	api := v1.Group("/sync")
	api.POST("/delta", s.handleDelta)
	api.POST("/packed", s.handlePacked)
	api.GET("/state", s.handleState)
	api.GET("/clock", s.handleClock)
	api.GET("/conflicts", s.handleConflicts)
	if hub != nil {
		v1.GET("/events", hub.Handler())
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", s.handleHealth)

	s.engine = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("server shutting down")
		if s.hub != nil {
			s.hub.Close()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func (s *Server) handleDelta(c *gin.Context) {
	var req syncsvc.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.Warn("delta request rejected", "error", err)
		c.JSON(http.StatusBadRequest, syncsvc.Result{Error: syncsvc.ErrCodeInvalidDelta})
		return
	}
	res, err := s.svc.Ingest(c.Request.Context(), req.DeviceID, req.Delta)
	s.respond(c, req.DeviceID, res, err)
}

func (s *Server) handlePacked(c *gin.Context) {
	var req syncsvc.PackedSubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.Warn("packed request rejected", "error", err)
		c.JSON(http.StatusBadRequest, syncsvc.Result{Error: syncsvc.ErrCodeMalformedDelta})
		return
	}
	res, err := s.svc.IngestPacked(c.Request.Context(), req)
	s.respond(c, req.DeviceID, res, err)
}

func (s *Server) respond(c *gin.Context, deviceID string, res syncsvc.Result, err error) {
	c.Header("X-RateLimit-Remaining", strconv.Itoa(s.svc.Limiter().Remaining(deviceID)))
	if err != nil {
		slog.Error("ingest failed", "device", deviceID, "error", err)
		c.JSON(http.StatusInternalServerError, syncsvc.Result{Error: ErrCodeInternal})
		return
	}
	if res.RetryAfter > 0 {
		c.Header("Retry-After", strconv.FormatInt((res.RetryAfter+999)/1000, 10))
	}
	c.JSON(statusFor(res), res)
}

// statusFor maps a result to its HTTP status.
func statusFor(res syncsvc.Result) int {
	switch {
	case res.Success:
		return http.StatusOK
	case res.Error == syncsvc.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) handleState(c *gin.Context) {
	view, err := s.svc.State(c.Request.Context())
	if err != nil {
		s.internal(c, "read state", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleClock(c *gin.Context) {
	vc, err := s.svc.GlobalClock(c.Request.Context())
	if err != nil {
		s.internal(c, "read clock", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"globalClock": vc})
}

func (s *Server) handleConflicts(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	view, err := s.svc.Conflicts(c.Request.Context(), limit)
	if err != nil {
		s.internal(c, "read conflicts", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.health != nil {
		if err := s.health(c.Request.Context()); err != nil {
			slog.Warn("health check failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) internal(c *gin.Context, op string, err error) {
	slog.Error(op+" failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": ErrCodeInternal})
}

// requestLogger logs each request at debug level.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"remote", c.ClientIP(),
		)
	}
}
