// Package api exposes the engine's read models and operator controls
// over HTTP, plus a websocket event stream.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"futures-signal-bot/config"
	"futures-signal-bot/internal/circuit"
	"futures-signal-bot/internal/entry"
	"futures-signal-bot/internal/events"
	"futures-signal-bot/internal/position"
	"futures-signal-bot/internal/regime"
)

// Server serves the HTTP API. All trading state is read through the
// engine's components; the server owns no state of its own.
type Server struct {
	cfg      config.ServerConfig
	manager  *config.Manager
	store    *position.Store
	sched    *entry.Scheduler
	detector *regime.Detector
	breaker  *circuit.Breaker
	bus      *events.Bus
	onReload func()

	engine *gin.Engine
	srv    *http.Server
	hub    *wsHub
	logger zerolog.Logger
}

// Deps carries the read models the handlers consult. OnReload is called
// after a successful config reload so the engine can refresh derived
// state.
type Deps struct {
	Manager  *config.Manager
	Store    *position.Store
	Sched    *entry.Scheduler
	Detector *regime.Detector
	Breaker  *circuit.Breaker
	Bus      *events.Bus
	OnReload func()
	Logger   zerolog.Logger
}

// NewServer builds the router and wires the websocket hub to the bus.
func NewServer(cfg config.ServerConfig, d Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		cfg:      cfg,
		manager:  d.Manager,
		store:    d.Store,
		sched:    d.Sched,
		detector: d.Detector,
		breaker:  d.Breaker,
		bus:      d.Bus,
		onReload: d.OnReload,
		engine:   engine,
		hub:      newWSHub(d.Logger),
		logger:   d.Logger.With().Str("component", "APIServer").Logger(),
	}

	engine.Use(cors.New(corsConfig(cfg.AllowedOrigins)))
	s.registerRoutes()
	s.hub.attach(d.Bus)
	return s
}

func corsConfig(allowed string) cors.Config {
	c := cors.DefaultConfig()
	c.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	c.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	if allowed == "" || allowed == "*" {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = strings.Split(allowed, ",")
	}
	return c
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine.GET("/ws", s.hub.handleConnection)

	api := s.engine.Group("/api")
	{
		api.GET("/positions", s.handlePositions)
		api.GET("/positions/closed", s.handleClosedTrades)
		api.GET("/plans", s.handlePlans)
		api.GET("/regime", s.handleRegime)
		api.GET("/protection", s.handleProtection)
		api.GET("/breaker", s.handleBreaker)
		api.GET("/balance", s.handleBalance)
		api.GET("/config", s.handleConfig)

		api.POST("/breaker/trip", s.handleBreakerTrip)
		api.POST("/breaker/arm", s.handleBreakerArm)
		api.POST("/config/reload", s.handleConfigReload)
	}
}

// Start begins serving in the background.
func (s *Server) Start() {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		s.logger.Info().Str("addr", addr).Msg("API server listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server failed")
		}
	}()
}

// Shutdown drains in-flight requests and closes websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.closeAll()
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
