package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/paysettle/internal/api"
	"github.com/onnwee/paysettle/internal/auth"
	"github.com/onnwee/paysettle/internal/config"
	"github.com/onnwee/paysettle/internal/health"
	"github.com/onnwee/paysettle/internal/idempotency"
	"github.com/onnwee/paysettle/internal/ledger"
	"github.com/onnwee/paysettle/internal/middleware"
	"github.com/onnwee/paysettle/internal/payment"
	"github.com/onnwee/paysettle/internal/settlement"
)

const (
	serviceName = "paysettle"

	// gatewayCheckTTL caches gateway reachability between readiness checks.
	gatewayCheckTTL = 30 * time.Second

	idempotencyCleanupInterval = time.Hour
	rateLimitCleanupInterval   = 5 * time.Minute
)

// appOptions overrides dependencies that would otherwise reach external
// services. Zero values select the production wiring.
type appOptions struct {
	gateways        *payment.Gateways
	gatewayCheckers map[string]api.HealthChecker
}

// app holds the wired service: storage, gateways, engine, background jobs and
// the HTTP handler.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store      ledger.Store
	engine     *settlement.Engine
	reconciler *settlement.Reconciler

	idempotencyRepo idempotency.Repository
	rateLimitStore  middleware.RateLimitStore

	handler http.Handler

	closers []func() error
	stop    chan struct{}
	wg      sync.WaitGroup
}

// newApp connects storage and gateways and builds the router.
// Call close to release connections even when an error is returned.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, logger: logger, stop: make(chan struct{})}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	httpMetrics := middleware.NewMetrics()
	if err := httpMetrics.Register(registry); err != nil {
		return a, fmt.Errorf("failed to register http metrics: %w", err)
	}
	settlementMetrics := settlement.NewMetrics()
	if err := settlementMetrics.Register(registry); err != nil {
		return a, fmt.Errorf("failed to register settlement metrics: %w", err)
	}

	healthConfig := api.HealthHandlersConfig{}

	// Ledger and webhook dedupe: Postgres when configured.
	var webhookRepo payment.WebhookRepository
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return a, fmt.Errorf("failed to open database: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			return a, fmt.Errorf("failed to connect to database: %w", err)
		}

		pg := ledger.NewPostgresStore(db, logger)
		if err := pg.Migrate(ctx); err != nil {
			return a, fmt.Errorf("failed to migrate ledger schema: %w", err)
		}
		a.store = pg
		webhookRepo = pg
		healthConfig.DBChecker = health.NewDBChecker(db)
		logger.Info("using postgres ledger")
	} else {
		a.store = ledger.NewInMemoryStore()
		logger.Warn("DATABASE_URL not set, using in-memory ledger")
	}

	// Idempotency keys, rate limits and (without Postgres) webhook dedupe: Redis when configured.
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return a, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(redisOpts)
		a.closers = append(a.closers, client.Close)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return a, fmt.Errorf("failed to connect to redis: %w", err)
		}

		a.idempotencyRepo = idempotency.NewRedisRepository(client, idempotency.DefaultExpiry)
		a.rateLimitStore = middleware.NewRedisRateLimitStoreWithMetrics(client, httpMetrics)
		if webhookRepo == nil {
			webhookRepo = payment.NewRedisWebhookRepository(client, payment.DefaultWebhookRetention)
		}
		healthConfig.RedisChecker = health.NewRedisChecker(client)
		logger.Info("using redis for idempotency and rate limits")
	} else {
		a.idempotencyRepo = idempotency.NewInMemoryRepository()
		a.rateLimitStore = middleware.NewInMemoryRateLimitStore()
		logger.Warn("REDIS_URL not set, idempotency keys and rate limits are local to this process")
	}
	if webhookRepo == nil {
		webhookRepo = payment.NewInMemoryWebhookRepository()
	}

	gateways := opts.gateways
	if gateways == nil {
		var err error
		if gateways, err = newGateways(cfg); err != nil {
			return a, err
		}
	}
	healthConfig.GatewayCheckers = opts.gatewayCheckers
	if healthConfig.GatewayCheckers == nil {
		healthConfig.GatewayCheckers = newGatewayCheckers(cfg)
	}

	a.engine = settlement.NewEngine(a.store, gateways, settlement.Config{
		IntentMethod: payment.MethodStripe,
		MaxRetries:   cfg.GatewayMaxRetries,
		Logger:       logger,
		Metrics:      settlementMetrics,
	})
	a.reconciler = settlement.NewReconciler(settlement.ReconcilerConfig{
		Interval:   cfg.ReconcileInterval,
		PendingAge: cfg.ReconcilePendingAge,
		Logger:     logger,
		Metrics:    settlementMetrics,
	}, a.store, a.engine)

	jwtService := auth.NewJWTServiceWithRotation(cfg.JWTSecret, cfg.JWTPreviousSecret)

	a.handler = newRouter(routerDeps{
		payments:       api.NewPaymentHandlers(a.engine, cfg.Currency),
		webhooks:       api.NewWebhookHandlers(cfg.StripeWebhookSecret, a.engine, webhookRepo),
		health:         api.NewHealthHandlers(healthConfig),
		validator:      jwtService,
		idempotency:    a.idempotencyRepo,
		rateLimitStore: a.rateLimitStore,
		httpMetrics:    httpMetrics,
		metricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		corsOrigins:    cfg.CORSAllowedOrigins,
		logger:         logger,
	})

	return a, nil
}

// newGateways builds the gateway clients from configuration. Each client holds
// its own credentials.
func newGateways(cfg *config.Config) (*payment.Gateways, error) {
	gateways := payment.NewGateways()
	gateways.Register(payment.MethodStripe, payment.NewStripeClient(cfg.StripeAPIKey))

	if cfg.PayPalEnabled() {
		pp, err := payment.NewPayPalClient(cfg.PayPalClientID, cfg.PayPalClientSecret, cfg.PayPalMode)
		if err != nil {
			return nil, err
		}
		gateways.Register(payment.MethodPayPal, pp)
	}
	return gateways, nil
}

func newGatewayCheckers(cfg *config.Config) map[string]api.HealthChecker {
	checkers := map[string]api.HealthChecker{
		"stripe": health.NewCachedChecker(health.NewGatewayChecker("stripe", health.StripeAPIURL), gatewayCheckTTL),
	}
	if cfg.PayPalEnabled() {
		url := health.PayPalSandboxAPIURL
		if cfg.PayPalMode == payment.PayPalModeLive {
			url = health.PayPalLiveAPIURL
		}
		checkers["paypal"] = health.NewCachedChecker(health.NewGatewayChecker("paypal", url), gatewayCheckTTL)
	}
	return checkers
}

// startBackground starts the reconciler and storage housekeeping.
func (a *app) startBackground(ctx context.Context) {
	a.reconciler.Start(ctx)

	if _, ok := a.idempotencyRepo.(*idempotency.InMemoryRepository); ok {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			idempotency.RunPeriodicCleanup(ctx, a.idempotencyRepo, idempotencyCleanupInterval, idempotency.DefaultExpiry, a.stop)
		}()
	}

	if store, ok := a.rateLimitStore.(*middleware.InMemoryRateLimitStore); ok {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			ticker := time.NewTicker(rateLimitCleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					store.Cleanup()
				case <-ctx.Done():
					return
				case <-a.stop:
					return
				}
			}
		}()
	}
}

// stopBackground stops background jobs and waits for them to exit.
func (a *app) stopBackground() {
	a.reconciler.Stop()
	select {
	case <-a.stop:
	default:
		close(a.stop)
	}
	a.wg.Wait()
}

// close releases storage connections in reverse order of acquisition.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

type routerDeps struct {
	payments       *api.PaymentHandlers
	webhooks       *api.WebhookHandlers
	health         *api.HealthHandlers
	validator      middleware.TokenValidator
	idempotency    idempotency.Repository
	rateLimitStore middleware.RateLimitStore
	httpMetrics    *middleware.Metrics
	metricsHandler http.Handler
	corsOrigins    []string
	logger         *slog.Logger
}

// newRouter registers the routes and wraps them in the middleware stack:
// Tracing -> RequestID -> Logging -> HTTPMetrics -> CORS -> mux.
func newRouter(d routerDeps) http.Handler {
	requireAuth := middleware.RequireAuth(d.validator)
	paymentLimit := middleware.RateLimiter(d.rateLimitStore, middleware.DefaultPaymentLimit(), middleware.UserKeyFunc(), d.httpMetrics)
	globalLimit := middleware.RateLimiter(d.rateLimitStore, middleware.DefaultGlobalLimit(), middleware.UserKeyFunc(), d.httpMetrics)
	idempotent := middleware.Idempotency(d.idempotency, d.httpMetrics)

	// Settlement writes: authenticated, rate limited per user, idempotent.
	settle := func(h http.HandlerFunc) http.Handler {
		return requireAuth(paymentLimit(idempotent(h)))
	}

	mux := http.NewServeMux()
	mux.Handle("POST /payments/stripe/intent", settle(d.payments.Initiate))
	mux.Handle("POST /payments/stripe/complete", settle(d.payments.Complete))
	mux.Handle("POST /payments/capture", settle(d.payments.Capture))
	mux.Handle("GET /payments/{id}", requireAuth(globalLimit(http.HandlerFunc(d.payments.Verify))))

	// Authenticated by the Stripe signature, not a bearer token.
	mux.HandleFunc("POST /internal/stripe", d.webhooks.HandleStripeWebhook)

	mux.HandleFunc("/health", d.health.Health)
	mux.HandleFunc("/ready", d.health.Ready)
	mux.Handle("GET /metrics", d.metricsHandler)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeNotFound)
			api.WriteError(w, ctx, http.StatusNotFound, api.ErrCodeNotFound, "The requested resource was not found")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"service":"` + serviceName + `"}`)); err != nil {
			d.logger.Error("failed to write response", "error", err)
		}
	})

	var handler http.Handler = mux
	handler = middleware.CORS(middleware.DefaultCORSConfig(d.corsOrigins))(handler)
	handler = middleware.HTTPMetrics(d.httpMetrics)(handler)
	handler = middleware.Logging(d.logger)(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Tracing(serviceName)(handler)
	return handler
}
