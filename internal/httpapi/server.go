// Package httpapi is the HTTP boundary: webhook ingest, live streams,
// history queries, dashboard sessions and the downlink proxy.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/septivank/lorawan-telemetry-hub/internal/auth"
	"github.com/septivank/lorawan-telemetry-hub/internal/config"
	"github.com/septivank/lorawan-telemetry-hub/internal/downlink"
	"github.com/septivank/lorawan-telemetry-hub/internal/repository"
	"github.com/septivank/lorawan-telemetry-hub/internal/service"
	"github.com/septivank/lorawan-telemetry-hub/internal/stream"
	"go.uber.org/zap"
)

// Ingester stores one raw uplink body
type Ingester interface {
	Ingest(ctx context.Context, body []byte) (service.Result, error)
}

// Downlinker forwards a downlink to the network server
type Downlinker interface {
	Replace(ctx context.Context, req downlink.Request) error
}

// Deps are the collaborators the HTTP API is built from
type Deps struct {
	Config   *config.Config
	Ingest   Ingester
	Store    repository.Store
	Registry *stream.Registry
	Sessions *auth.Sessions
	Downlink Downlinker
	Logger   *zap.Logger
}

// Server owns the gin engine and the underlying http.Server
type Server struct {
	cfg      *config.Config
	ingest   Ingester
	store    repository.Store
	registry *stream.Registry
	sessions *auth.Sessions
	downlink Downlinker
	logger   *zap.Logger

	engine   *gin.Engine
	upgrader websocket.Upgrader
	srv      *http.Server
}

// NewServer builds the router. Call Start to begin listening.
func NewServer(d Deps) *Server {
	s := &Server{
		cfg:      d.Config,
		ingest:   d.Ingest,
		store:    d.Store,
		registry: d.Registry,
		sessions: d.Sessions,
		downlink: d.Downlink,
		logger:   d.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(d.Config.CORSOrigins),
		},
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(s.logger))
	if len(s.cfg.CORSOrigins) > 0 {
		engine.Use(cors.New(corsConfig(s.cfg.CORSOrigins)))
	}
	engine.Use(errorHandler)

	engine.GET("/healthz", s.handleHealth)
	engine.GET("/readyz", s.handleReady)

	api := engine.Group("/api")
	{
		api.POST("/ttn/uplink", s.handleUplink)

		api.GET("/stream/:device_id", s.handleSSE)
		api.GET("/ws/:device_id", s.handleWebSocket)

		api.GET("/devices", s.handleDevices)
		api.GET("/readings", s.handleReadings)
		api.GET("/readings/latest", s.handleLatestReading)
		api.GET("/gateway", s.handleGateways)

		api.POST("/auth/login", s.handleLogin)
		api.POST("/auth/logout", s.handleLogout)

		api.POST("/downlink", s.requireSession, s.handleDownlink)
	}

	s.engine = engine
	s.srv = &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler { return s.engine }

// Start binds the listen address and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.srv.Addr, err)
	}
	s.logger.Info("http server listening", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped unexpectedly", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown ends every live stream first, since Shutdown waits for
// in-flight handlers, then drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.registry.Close()
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", requestIDHeader},
		ExposeHeaders:    []string{requestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if allowsAny(origins) {
		// reflect the caller's origin so credentialed requests still work
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

func originChecker(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 {
		return nil
	}
	if allowsAny(origins) {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

func allowsAny(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
