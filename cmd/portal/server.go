package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/portal/internal/domain/identity"
	"github.com/ehr/portal/internal/domain/session"
	"github.com/ehr/portal/internal/platform/db"
	"github.com/ehr/portal/internal/platform/middleware"
	"github.com/ehr/portal/internal/platform/websocket"
)

const shutdownTimeout = 10 * time.Second

// newServer builds the local API around a started app.
func newServer(a *app) (*echo.Echo, func()) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.Recovery(a.logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     a.cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{echo.HeaderContentType, middleware.RequestIDHeader},
		AllowCredentials: true,
	}))

	e.GET("/health", a.healthHandler)
	if a.pool != nil {
		e.GET("/health/db", db.PoolHealthHandler(a.pool))
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))

	hub := websocket.NewHub(a.logger)
	stopEvents := session.PublishEvents(a.store, hub)
	stream := websocket.NewHandler(hub, session.TopicAuth, session.TopicRoles)

	sessions := session.NewHandler(a.store, a.logger)
	api := e.Group("/api/v1", sessions.Identity())
	sessions.RegisterRoutes(api, stream.HandleConnect, middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: a.cfg.RateLimitRPS,
		BurstSize:         a.cfg.RateLimitBurst,
		KeyFunc:           middleware.ByIPAndPath,
		IdleTTL:           middleware.DefaultRateLimitConfig().IdleTTL,
	}))

	profiles := identity.NewService(a.profiles, a.logger, a.cfg.SecondaryLookupTimeout)
	identity.NewHandler(profiles).RegisterRoutes(api)

	return e, stopEvents
}

func (a *app) healthHandler(c echo.Context) error {
	body := map[string]any{"status": "ok", "backend": a.cfg.Backend}
	if a.redis != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := a.redis.Health(ctx); err != nil {
			body["status"] = "degraded"
			body["redis"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		body["redis"] = "ok"
	}
	return c.JSON(http.StatusOK, body)
}

func runServer(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialise")
		return err
	}
	defer a.Close()
	if err := a.start(ctx); err != nil {
		return err
	}

	e, stopEvents := newServer(a)
	defer stopEvents()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("backend", cfg.Backend).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
