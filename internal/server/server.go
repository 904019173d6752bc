package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/open-fiscus/fiscus/config"
	"github.com/open-fiscus/fiscus/internal/detect"
	"github.com/open-fiscus/fiscus/internal/dispatch"
	"github.com/open-fiscus/fiscus/internal/investigation"
	"github.com/open-fiscus/fiscus/internal/memory"
	"github.com/open-fiscus/fiscus/internal/policy"
	"github.com/open-fiscus/fiscus/internal/queue/streams"
	"github.com/open-fiscus/fiscus/internal/runtime"
	"github.com/open-fiscus/fiscus/internal/sources"
)

// Version is stamped by the build; the telemetry resource carries it.
var Version = "dev"

// Run assembles the API server and blocks until ctx is cancelled or the
// listener fails. All dependencies are wired here once and injected down.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)

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
		logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	origins := cfg.Server.CORS
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	registerDocs(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	tele, _, _, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{
		ServiceName:    "fiscus-api",
		ServiceVersion: Version,
		MetricsPort:    cfg.Telemetry.MetricsPort,
	})
	if err != nil {
		return fmt.Errorf("telemetry init: %w", err)
	}

	dsn, err := runtime.BuildPostgresDSN(cfg)
	if err != nil {
		return err
	}
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Printf("warn: migrations: %v", err)
	}
	st, err := runtime.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	rdb, err := runtime.NewRedisClient(cfg)
	if err != nil {
		return err
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
	}

	registry := streams.NewSchemaRegistry()
	if err := streams.RegisterBaseSchemas(registry); err != nil {
		return err
	}
	publisher := streams.NewPublisher(rdb, registry)

	provider, err := sources.New(cfg.Sources)
	if err != nil {
		return err
	}
	var episodic memory.Episodic
	if cfg.Memory.Episodic.Backend == "redis" {
		episodic = memory.NewRedisEpisodic(rdb, cfg.Memory.Episodic.TTL)
	} else {
		episodic = memory.NewEpisodic(cfg.Memory.Episodic.TTL)
	}
	semantic, err := memory.NewSemantic(cfg.Memory.Semantic.Capacity)
	if err != nil {
		return err
	}

	workers := detect.NewRegistry(cfg.Detect)
	pool := dispatch.NewPool(cfg.Workers.MaxConcurrent)
	dispatcher := dispatch.NewDispatcher(pool, cfg.Workers)
	router := investigation.NewRouter(cfg.Investigation, semantic, cfg.Memory.Semantic.SearchTopK)
	planner := investigation.NewPlanner(workers, semantic, cfg.Memory.Semantic.SearchTopK)
	orch := investigation.NewOrchestrator(cfg.Investigation, router, planner, dispatcher, provider, episodic, semantic, st)
	svc := investigation.NewService(orch, st)

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}
	auth, err := initAuth(st, secret)
	if err != nil {
		return err
	}

	api := e.Group("/api")
	auth.Register(api.Group("/auth"))

	me := api.Group("/me")
	me.Use(runtime.EchoAuthMiddleware(secret))
	me.GET("", func(c echo.Context) error {
		return c.JSON(http.StatusOK, MeResponse{UserID: c.Get("user_id").(string)})
	})

	NewInvestigationsHandler(svc, publisher).Register(api.Group("/investigations"), secret)
	NewWatchlistsHandler(st).Register(api.Group("/watchlists"), secret)
	NewOpsHandler(rdb, cfg.Queue).Register(api.Group("/ops"), secret)

	refresh, err := policy.NewRefreshPolicy(cfg.Scheduler)
	if err != nil {
		return err
	}
	var sched *Scheduler
	if cfg.Scheduler.Enabled {
		sched = &Scheduler{
			Store:    st,
			Queue:    publisher,
			Rdb:      rdb,
			Refresh:  refresh,
			Interval: cfg.Scheduler.Interval,
			Stop:     make(chan struct{}),
		}
		sched.Start()
	}

	addr := cfg.Server.Address()
	logger.Printf("listening on %s", addr)
	errCh := make(chan error, 1)
	go func() { errCh <- e.Start(addr) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Shutdown order: stop admitting work, let running investigations
	// settle, then flush telemetry.
	if sched != nil {
		close(sched.Stop)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Printf("warn: investigations did not settle: %v", err)
	}
	if err := tele.Shutdown(shutdownCtx); err != nil {
		logger.Printf("warn: telemetry shutdown: %v", err)
	}
	return e.Shutdown(shutdownCtx)
}
