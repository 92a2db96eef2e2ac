package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/luiz1143/Analisa-vet/internal/config"
	"github.com/luiz1143/Analisa-vet/internal/domain/analysis"
	"github.com/luiz1143/Analisa-vet/internal/domain/payment"
	"github.com/luiz1143/Analisa-vet/internal/domain/refrange"
	"github.com/luiz1143/Analisa-vet/internal/domain/report"
	"github.com/luiz1143/Analisa-vet/internal/platform/archive"
	"github.com/luiz1143/Analisa-vet/internal/platform/auth"
	"github.com/luiz1143/Analisa-vet/internal/platform/db"
	"github.com/luiz1143/Analisa-vet/internal/platform/lock"
	"github.com/luiz1143/Analisa-vet/internal/platform/metrics"
	"github.com/luiz1143/Analisa-vet/internal/platform/middleware"
	"github.com/luiz1143/Analisa-vet/internal/platform/paygateway"
)

const (
	version = "0.1.0"

	// orderLockTimeout bounds how long a Postgres transaction waits on an
	// order row held by another node.
	orderLockTimeout = 2 * time.Second

	defaultBodyLimit = "1M"
	uploadBodyLimit  = "6M"
)

// app holds the wired services. Every command builds one and closes it.
type app struct {
	cfg    *config.Config
	log    zerolog.Logger
	pinger db.Pinger

	ranges   *refrange.Store
	orders   payment.Store
	reports  report.Repository
	payments *payment.Service
	analyses *report.Service
	webhook  *payment.WebhookHandler

	closers []func()
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if err := a.openStores(ctx); err != nil {
		return nil, err
	}

	locker, err := a.newLocker(ctx)
	if err != nil {
		return nil, err
	}

	arch, err := a.newArchive(ctx)
	if err != nil {
		return nil, err
	}

	a.ranges, err = refrange.NewStore(cfg.ReferenceRangesFile, logger)
	if err != nil {
		return nil, fmt.Errorf("load reference ranges: %w", err)
	}

	client := paygateway.NewClient(cfg.PaymentAPIURL, cfg.PaymentAccessToken, logger)
	var checkout payment.CheckoutProvider
	if cfg.PaymentAccessToken != "" {
		checkout = client
	} else {
		logger.Warn().Msg("PAYMENT_ACCESS_TOKEN not set, checkout creation disabled")
	}

	rec := payment.NewReconciler(a.orders, locker, logger, payment.WithMaxAttempts(cfg.ReconcileMaxRetries))
	engine := analysis.NewEngine(a.ranges)
	a.analyses = report.NewService(engine, a.reports, report.NewGateway(a.reports, a.orders), arch, logger)
	a.payments = payment.NewService(a.orders, rec, a.analyses, checkout, cfg.BaseURL, logger)
	verifier := paygateway.NewVerifier(cfg.PaymentWebhookSecret, cfg.PaymentSignatureTolerance)
	a.webhook = payment.NewWebhookHandler(rec, client, verifier, cfg.WebhookTimeout, logger)

	ok = true
	return a, nil
}

func (a *app) openStores(ctx context.Context) error {
	switch a.cfg.StoreDriver {
	case "postgres":
		pool, err := db.NewPool(ctx, a.cfg.DatabaseURL, a.cfg.DBMaxConns, a.cfg.DBMinConns)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		a.orders = payment.NewStorePG(pool, orderLockTimeout)
		a.reports = report.NewRepoPG(pool)
		a.pinger = pool
		a.log.Info().Msg("connected to postgres")
	case "sqlite":
		sqlDB, err := db.OpenSQLite(ctx, a.cfg.SQLitePath)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { sqlDB.Close() })
		n, err := db.MigrateSQLite(ctx, sqlDB, db.SQLiteMigrations())
		if err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
		a.orders = payment.NewStoreSQLite(sqlDB)
		a.reports = report.NewRepoSQLite(sqlDB)
		a.pinger = db.SQLPinger{DB: sqlDB}
		a.log.Info().Str("path", a.cfg.SQLitePath).Int("migrations_applied", n).Msg("opened sqlite")
	case "memory":
		a.orders = payment.NewMemoryStore()
		a.reports = report.NewMemoryRepo()
		a.pinger = db.NopPinger
		a.log.Warn().Msg("using in-memory store, data is lost on restart")
	default:
		return fmt.Errorf("unknown store driver %q", a.cfg.StoreDriver)
	}
	return nil
}

func (a *app) newLocker(ctx context.Context) (lock.Locker, error) {
	if a.cfg.LockBackend != "redis" {
		return lock.NewKeyedMutex(), nil
	}
	rl, err := lock.NewRedisLocker(ctx, a.cfg.RedisURL, a.log)
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	a.closers = append(a.closers, func() { rl.Close() })
	return rl, nil
}

// newArchive returns nil when archiving is off.
func (a *app) newArchive(ctx context.Context) (archive.Store, error) {
	switch a.cfg.ArchiveDriver {
	case "memory":
		return archive.NewMemoryStore(), nil
	case "s3":
		s, err := archive.NewS3Store(ctx, archive.S3Config{
			Bucket:    a.cfg.ArchiveS3Bucket,
			Region:    a.cfg.ArchiveS3Region,
			Endpoint:  a.cfg.ArchiveS3Endpoint,
			PathStyle: a.cfg.ArchiveS3PathStyle,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, nil
	}
}

// Close releases connections in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// newServer builds the HTTP surface. The webhook and health endpoints live
// outside /api/v1 and its rate limit.
func (a *app) newServer() *echo.Echo {
	cfg := a.cfg
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.log))
	e.Use(echomw.RequestID())
	e.Use(middleware.Logger(a.log))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, echo.HeaderXRequestID, "X-Dev-User"},
	}))
	e.Use(middleware.BodyLimit(defaultBodyLimit, uploadBodyLimit))
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/webhooks/"))
	}

	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(cfg.StoreDriver, a.pinger))
	e.GET("/metrics", metrics.Handler())
	a.webhook.RegisterRoutes(e)

	apiV1 := e.Group("/api/v1")
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	refrange.NewHandler(a.ranges).RegisterRoutes(apiV1)
	report.NewHandler(a.analyses).RegisterRoutes(apiV1)
	payment.NewHandler(a.payments).RegisterRoutes(apiV1)
	newAPIDocs(version, cfg.BaseURL).RegisterRoutes(e, apiV1)

	return e
}

// sweepOrders expires idle open orders every interval until ctx ends.
func (a *app) sweepOrders(ctx context.Context, interval, olderThan time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := a.payments.ExpireStale(ctx, olderThan, 100)
			if err != nil && ctx.Err() == nil {
				a.log.Error().Err(err).Msg("order expiry sweep")
				continue
			}
			if n > 0 {
				a.log.Info().Int("expired", n).Msg("order expiry sweep")
			}
		}
	}
}
