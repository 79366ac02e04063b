package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/funnelworks/crm-core/pkg/apikeys"
	"github.com/funnelworks/crm-core/pkg/audit"
	"github.com/funnelworks/crm-core/pkg/config"
	"github.com/funnelworks/crm-core/pkg/crm"
	"github.com/funnelworks/crm-core/pkg/idempotency"
	"github.com/funnelworks/crm-core/pkg/notify"
	"github.com/funnelworks/crm-core/pkg/observability"
	"github.com/funnelworks/crm-core/pkg/permissions"
	"github.com/funnelworks/crm-core/pkg/pipeline"
	"github.com/funnelworks/crm-core/pkg/ratelimit"
	"github.com/funnelworks/crm-core/pkg/sessions"
	"github.com/funnelworks/crm-core/pkg/sso"
	"github.com/funnelworks/crm-core/pkg/tasks"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		observability.NewLogger(observability.ErrorLevel, os.Stderr).
			WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.LogLevel, os.Stdout)

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.WithError(err).Error("Failed to open database")
		os.Exit(1)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	defer db.Close()

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.URL,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Stores and schema.
	permStore := permissions.NewStore(db)
	sessionStore := sessions.NewStore(db, cfg.Auth.SessionTTL, cfg.Auth.SessionTouchEvery)
	keyStore := apikeys.NewStore(db)
	idemGuard := idempotency.NewGuard(db, cfg.Auth.IdempotencyWindow)
	auditWriter := audit.NewDBWriter(db)
	leadStore := crm.NewLeadStore(db)
	caseStore := crm.NewCaseStore(db)

	for name, ensure := range map[string]func(context.Context) error{
		"permissions": permStore.EnsureSchema,
		"sessions":    sessionStore.EnsureSchema,
		"apikeys":     keyStore.EnsureSchema,
		"idempotency": idemGuard.EnsureSchema,
		"audit":       auditWriter.EnsureSchema,
		"leads":       leadStore.EnsureSchema,
		"cases":       caseStore.EnsureSchema,
	} {
		if err := ensure(ctx); err != nil {
			logger.WithError(err).WithField("schema", name).Error("Failed to ensure schema")
			os.Exit(1)
		}
	}

	// Observability.
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	health := observability.NewHealthChecker(db, redisClient)

	// Background queue and audit recorder.
	queue := tasks.New(4, 1024, logger)
	queue.SetStats(queueStats{metrics})
	defer queue.Close()
	recorder := audit.NewRecorder(auditWriter, queue)

	// Authorization core.
	resolver := permissions.NewResolver(permStore, cfg.Auth.PermissionCacheTTL)
	resolver.SetCacheStats(cacheStats{metrics})

	hub := notify.NewHub()
	notifier := notify.NewNotifier(resolver, redisClient, hub, logger)
	if redisClient != nil {
		go func() {
			if err := notifier.Listen(ctx); err != nil && ctx.Err() == nil {
				logger.WithError(err).Warn("Permission listener stopped")
			}
		}()
	}

	var limiter ratelimit.Limiter
	var memLimiter *ratelimit.MemoryLimiter
	if redisClient != nil {
		limiter = ratelimit.NewRedisLimiter(redisClient, logger)
	} else {
		memLimiter = ratelimit.NewMemoryLimiter()
		limiter = memLimiter
	}

	var ssoVerifier pipeline.SSOVerifier
	if cfg.Auth.OIDCIssuerURL != "" {
		verifier, err := sso.NewVerifier(ctx, cfg.Auth.OIDCIssuerURL, cfg.Auth.OIDCClientID)
		if err != nil {
			logger.WithError(err).Error("Failed to configure OIDC verifier")
			os.Exit(1)
		}
		ssoVerifier = verifier
	}

	pipe := pipeline.New(pipeline.Deps{
		Logger:  logger,
		Metrics: metrics,
		Health:  health,
		Limiter: limiter,
		DefaultLimit: ratelimit.Limit{
			Requests: cfg.Auth.RateLimitRequests,
			Window:   cfg.Auth.RateLimitWindow,
		},
		Resolver:    resolver,
		Users:       permStore,
		Sessions:    sessionStore,
		Keys:        keyStore,
		SSO:         ssoVerifier,
		Idempotency: idemGuard,
		Queue:       queue,
		Audit:       recorder,
	})

	// Periodic sweeps.
	sweeper := cron.New()
	sweeper.AddFunc("@every 10m", func() {
		if n, err := idemGuard.DeleteExpired(ctx); err != nil {
			logger.WithError(err).Warn("Idempotency sweep failed")
		} else if n > 0 {
			logger.WithField("removed", n).Debug("Swept expired idempotency entries")
		}
	})
	sweeper.AddFunc("@every 1h", func() {
		if n, err := sessionStore.DeleteExpired(ctx); err != nil {
			logger.WithError(err).Warn("Session sweep failed")
		} else if n > 0 {
			logger.WithField("removed", n).Debug("Swept expired sessions")
		}
	})
	if memLimiter != nil {
		sweeper.AddFunc("@every 5m", func() { memLimiter.Sweep() })
	}
	sweeper.Start()
	defer sweeper.Stop()

	// Routers.
	router := mux.NewRouter()
	handlers := crm.NewHandlers(crm.HandlerDeps{
		Pipeline: pipe,
		Resolver: resolver,
		Perms:    permStore,
		Leads:    leadStore,
		Cases:    caseStore,
		Sessions: sessionStore,
		Keys:     keyStore,
		Notifier: notifier,
		Recorder: recorder,
		AuditLog: auditWriter,
		SSO:      ssoVerifier,
	})
	handlers.RegisterRoutes(router)

	healthRouter := mux.NewRouter()
	healthRouter.HandleFunc("/healthz", health.Liveness).Methods(http.MethodGet)
	healthRouter.HandleFunc("/readyz", health.Readiness).Methods(http.MethodGet)
	healthRouter.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	apiServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthRouter,
	}

	go func() {
		logger.WithField("addr", healthServer.Addr).Info("Health server listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Health server failed")
		}
	}()
	go func() {
		logger.WithField("addr", apiServer.Addr).Info("API server listening")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("API server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("API server shutdown incomplete")
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Health server shutdown incomplete")
	}
}

// queueStats adapts task queue events to Prometheus counters.
type queueStats struct{ m *observability.Metrics }

func (s queueStats) Dispatched(name string) { s.m.TasksDispatched.WithLabelValues(name).Inc() }
func (s queueStats) Dropped(name string)    { s.m.TasksDropped.WithLabelValues(name).Inc() }
func (s queueStats) Failed(name string)     { s.m.TasksFailed.WithLabelValues(name).Inc() }

// cacheStats adapts resolver cache events to Prometheus counters.
type cacheStats struct{ m *observability.Metrics }

func (s cacheStats) Hit()  { s.m.PermissionCacheHits.Inc() }
func (s cacheStats) Miss() { s.m.PermissionCacheMisses.Inc() }
