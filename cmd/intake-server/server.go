package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/acutis/intake/internal/config"
	"github.com/acutis/intake/internal/domain/audittrail"
	"github.com/acutis/intake/internal/domain/elementlib"
	"github.com/acutis/intake/internal/domain/formschema"
	"github.com/acutis/intake/internal/domain/intake"
	"github.com/acutis/intake/internal/platform/auth"
	"github.com/acutis/intake/internal/platform/cache"
	"github.com/acutis/intake/internal/platform/db"
	"github.com/acutis/intake/internal/platform/metrics"
	"github.com/acutis/intake/internal/platform/middleware"
)

const shutdownTimeout = 10 * time.Second

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(out).With().Timestamp().Logger()
	}
	return logger.Level(cfg.Level()).With().Str("service", "intake-server").Logger()
}

// closer is released in reverse order on shutdown.
type closer func()

// newAuditStore picks where audit entries are appended.
func newAuditStore(cfg *config.Config, pool *pgxpool.Pool) (audittrail.Repository, closer, error) {
	if cfg.AuditStore == "sqlite" {
		repo, err := audittrail.OpenSQLite(cfg.AuditSQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open audit store: %w", err)
		}
		return repo, func() { _ = repo.Close() }, nil
	}
	return audittrail.NewRepoPG(pool), func() {}, nil
}

func newAuditPublishers(cfg *config.Config, logger zerolog.Logger, m *metrics.Metrics) ([]audittrail.Publisher, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, nil
	}
	p, err := audittrail.NewKafkaPublisher(cfg.KafkaBrokers, cfg.AuditKafkaTopic, logger, m)
	if err != nil {
		return nil, fmt.Errorf("audit kafka publisher: %w", err)
	}
	return []audittrail.Publisher{p}, nil
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.ResolvedAuthMode() == "development" {
		return auth.DevAuthMiddleware()
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
	})
}

func runServer(parent context.Context, cfg *config.Config) error {
	logger := newLogger(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Metrics
	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(reg)
	}

	// Cache
	redisClient, err := cache.New(ctx, cache.Config{URL: cfg.RedisURL})
	if err != nil {
		return err
	}
	checks := []db.Checker{}
	if redisClient != nil {
		defer redisClient.Close()
		checks = append(checks, redisClient)
		logger.Info().Msg("resolved schema cache enabled")
	}

	// Audit trail
	auditRepo, closeAudit, err := newAuditStore(cfg, pool)
	if err != nil {
		return err
	}
	defer closeAudit()
	publishers, err := newAuditPublishers(cfg, logger, m)
	if err != nil {
		return err
	}
	auditSvc := audittrail.NewService(auditRepo, logger, m, publishers...)
	defer auditSvc.Close()

	// Element library
	catalog, err := elementlib.LoadCatalog()
	if err != nil {
		return fmt.Errorf("load element catalog: %w", err)
	}
	elementSvc := elementlib.NewService(catalog, elementlib.NewCustomElementRepoPG(pool), auditSvc, logger)

	// Schema versions
	schemaSvc := formschema.NewService(formschema.NewRepoPG(pool), formschema.NewResolver(elementSvc), auditSvc, logger)
	schemaSvc.SetMetrics(m)
	schemaSvc.SetCache(formschema.NewResolvedCache(redisClient, cfg.SchemaCacheTTL, m, logger))
	schemaSvc.SetProtectActive(cfg.SchemaProtectActive)

	// Intake
	intakeSvc := intake.NewService(
		intake.NewAdmissionRepoPG(pool), intake.NewSessionRepoPG(pool), intake.NewActivityRepoPG(pool),
		schemaSvc, auditSvc, auditSvc, logger)
	intakeSvc.SetMetrics(m)
	intakeSvc.SetTxRunner(func(ctx context.Context, fn func(ctx context.Context) error) error {
		return db.RunInTx(ctx, pool, fn)
	})

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(m.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(pool, checks...))
	if cfg.MetricsEnabled {
		e.GET("/metrics", m.Handler())
	}

	// API group: auth, then tenant connection, then access audit
	apiV1 := e.Group("/api/v1",
		authMiddleware(cfg),
		db.TenantMiddleware(pool, cfg.DefaultTenant),
		middleware.AccessAudit(logger, auditSvc, "admissions"),
	)
	elementlib.NewHandler(elementSvc).RegisterRoutes(apiV1)
	formschema.NewHandler(schemaSvc).RegisterRoutes(apiV1)
	intake.NewHandler(intakeSvc).RegisterRoutes(apiV1)
	audittrail.NewHandler(auditSvc).RegisterRoutes(apiV1)

	return serve(ctx, e, ":"+cfg.Port, logger)
}

// serve runs e until ctx is cancelled, then drains in-flight requests.
func serve(ctx context.Context, e *echo.Echo, addr string, logger zerolog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		logger.Info().Msg("server stopped")
		return nil
	})
	return g.Wait()
}
