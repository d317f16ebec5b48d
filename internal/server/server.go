// Package server exposes the HTTP surface: auth, document ingest, fused
// retrieval, pipeline runs and the provenance trace read endpoint.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/marcus-whitfield/evidentia/config"
	"github.com/marcus-whitfield/evidentia/internal/evidence"
	"github.com/marcus-whitfield/evidentia/internal/instrument"
	"github.com/marcus-whitfield/evidentia/internal/pipeline"
	"github.com/marcus-whitfield/evidentia/internal/retrieval"
	"github.com/marcus-whitfield/evidentia/internal/runtime"
	"github.com/marcus-whitfield/evidentia/internal/store"
	"github.com/marcus-whitfield/evidentia/internal/trace"
)

// HTTPError is a generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// Server bundles the handler dependencies so tests can wire them directly.
type Server struct {
	Cfg         *config.Config
	Store       *store.Store
	Index       *retrieval.Index
	Engine      *retrieval.Engine
	Instruments *instrument.Client
	Runner      *pipeline.Runner
	Trace       *trace.Builder
	Registry    *evidence.Registry
	Telemetry   *runtime.Telemetry
	Logger      *log.Logger
}

// Run boots the full service on addr: migrations, store, index hydration,
// instruments, pipeline and routes.
func Run(addr string, cfgPath string) error {
	cfg := config.LoadConfig(cfgPath)
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)

	if err := Migrate("file://migrations", cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
		baseLogger.Printf("migrate: %v", err)
	}

	ctx := context.Background()
	st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
	if err != nil {
		return err
	}

	tele := runtime.NewTelemetry("evidentia")
	instruments := instrument.NewClient(cfg.Instruments, st, log.New(log.Writer(), "[INSTRUMENT] ", log.LstdFlags))
	instruments.Observe = func(name, status string) {
		tele.ToolRunsTotal.WithLabelValues(name, status).Inc()
	}

	index, err := retrieval.NewIndex()
	if err != nil {
		return err
	}
	n, err := index.Hydrate(ctx, st)
	if err != nil {
		return err
	}
	baseLogger.Printf("hydrated %d chunks into the retrieval index", n)

	cache, err := retrieval.NewEmbeddingCache(ctx, cfg.Storage.Redis)
	if err != nil {
		baseLogger.Printf("embedding cache disabled: %v", err)
	}
	engine := retrieval.NewEngine(cfg.Retrieval, index, instruments, cache,
		log.New(log.Writer(), "[RETRIEVAL] ", log.LstdFlags))
	registry := evidence.NewRegistry(st)
	runner := pipeline.NewRunner(cfg.Pipeline, st, registry, engine, instruments,
		log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags))

	s := &Server{
		Cfg:         cfg,
		Store:       st,
		Index:       index,
		Engine:      engine,
		Instruments: instruments,
		Runner:      runner,
		Trace:       trace.NewBuilder(st),
		Registry:    registry,
		Telemetry:   tele,
		Logger:      baseLogger,
	}

	e := s.newEcho()
	if addr == "" {
		addr = cfg.Server.Address
	}
	if addr == "" {
		addr = ":10010"
	}
	baseLogger.Printf("listening on %s", addr)
	return e.Start(addr)
}

// newEcho assembles middleware and routes around the server's dependencies.
func (s *Server) newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		s.Logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if s.Telemetry != nil {
		e.GET("/metrics", echo.WrapHandler(s.Telemetry.MetricsHandler()))
	}

	secret, err := runtime.LoadJWTSecret(s.Cfg)
	if err != nil {
		s.Logger.Printf("auth disabled: %v", err)
	}

	api := e.Group("/api")
	auth := &AuthHandler{Store: s.Store, Secret: secret}
	auth.Register(api.Group("/auth"))

	protected := func(g *echo.Group) *echo.Group {
		if len(secret) > 0 {
			g.Use(runtime.EchoAuthMiddleware(secret))
		}
		return g
	}

	dh := &DocumentsHandler{Server: s}
	dh.Register(protected(api.Group("/documents")))

	rh := &RetrievalHandler{Server: s}
	rh.Register(protected(api.Group("/retrieval")))

	runs := &RunsHandler{Server: s}
	runs.Register(protected(api.Group("/runs")))

	// Trace reads are unauthenticated, like /healthz.
	th := &TraceHandler{Server: s}
	th.Register(e.Group("/trace"))

	return e
}
