// Package api serves the control and health surface over HTTP: liveness,
// Prometheus metrics, the status snapshot, and the pipeline control commands.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evetactical/gatewatch/pkg/pipeline"
)

// Pipeline is the slice of the orchestrator the control surface drives.
type Pipeline interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	State() pipeline.State
	Status(ctx context.Context) pipeline.Status
	Healthy(ctx context.Context) (bool, []string)
	ReloadProfiles() (*pipeline.ReloadResult, error)
	BackfillNow() error
}

// Options configures a Server. Pipeline is required.
type Options struct {
	// Addr is the listen address, e.g. ":8090".
	Addr     string
	Pipeline Pipeline
	Logger   *slog.Logger
}

// Server is the control/health HTTP server.
type Server struct {
	pipe   Pipeline
	logger *slog.Logger
	engine *gin.Engine
	http   *http.Server
}

// NewServer builds the server and its routes. Nothing listens until Start.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		pipe:   opts.Pipeline,
		logger: logger.With("component", "api"),
	}

	gin.SetMode(gin.ReleaseMode)
	s.engine = s.routes()
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.logger))
	r.Use(securityHeaders())

	r.GET("/healthz", s.healthzHandler)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.GET("/status", s.statusHandler)

		control := v1.Group("/control")
		{
			control.POST("/start", s.startHandler)
			control.POST("/stop", s.stopHandler)
			control.POST("/reload-profiles", s.reloadProfilesHandler)
			control.POST("/backfill", s.backfillHandler)
		}
	}
	return r
}

// Start serves until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info("control api listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// StartWithListener serves on an existing listener. Tests use it to bind
// an OS-assigned port before the server goroutine starts.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.logger.Info("control api listening", "addr", ln.Addr().String())
	err := s.http.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops listening and drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
