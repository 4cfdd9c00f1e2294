// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package server wires the metering layer into one process: stores, the
// aggregation workers, the retention sweeper, spool replay and the HTTP
// surface.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"eagle/metering/admission"
	"eagle/metering/aggregation"
	"eagle/metering/archive"
	"eagle/metering/audit"
	"eagle/metering/common/database"
	"eagle/metering/common/spool"
	"eagle/metering/config"
	"eagle/metering/gateway"
	"eagle/metering/metering"
	"eagle/metering/reporting"
	"eagle/metering/runtime"
	"eagle/metering/session"
	"eagle/metering/shared/logger"
	"eagle/metering/tenancy"
)

// reconcileLookback is how far back each replay tick re-folds durable events
// that the aggregation backlog may have dropped.
const reconcileLookback = 2 * time.Hour

// App is a fully wired meterd process.
type App struct {
	settings *config.Settings
	tenants  *config.TenantConfigLoader

	db    *sql.DB
	redis *redis.Client

	eventSpool *spool.Spool
	auditSpool *spool.Spool

	events    metering.EventStore
	emitter   *metering.Emitter
	engine    *aggregation.Engine
	audit     *audit.Service
	sweeper   *audit.Sweeper
	admission *admission.Controller
	resolver  *tenancy.Resolver
	sessions  session.Store
	pipeline  *gateway.Pipeline
	reporting *reporting.Service

	logger *logger.Logger
}

// New builds every component named by settings. Postgres and Redis are used
// when their URLs are set; otherwise in-memory stores back a single instance.
func New(ctx context.Context, settings *config.Settings) (*App, error) {
	a := &App{settings: settings, logger: logger.New("meterd")}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	tenants, err := config.NewTenantConfigLoader(settings.TenantConfigPath)
	if err != nil {
		return nil, err
	}
	a.tenants = tenants

	secret, err := a.jwtSecret(ctx)
	if err != nil {
		return nil, err
	}

	if err := a.openStores(ctx); err != nil {
		return nil, err
	}

	if a.eventSpool, err = spool.Open(settings.SpoolDir, "usage_events"); err != nil {
		return nil, err
	}
	if a.auditSpool, err = spool.Open(settings.SpoolDir, "audit_records"); err != nil {
		return nil, err
	}

	var (
		bucketRepo aggregation.Repository = aggregation.NewMemoryRepository()
		auditRepo  audit.Repository       = audit.NewMemoryRepository()
	)
	a.events = metering.NewMemoryStore()
	if a.db != nil {
		bucketRepo = aggregation.NewPostgresRepository(a.db)
		auditRepo = audit.NewPostgresRepository(a.db)
		a.events = metering.NewPostgresStore(a.db)
	}

	a.engine = aggregation.NewEngine(bucketRepo, aggregation.Options{
		Workers:       settings.AggregationWorkers,
		Granularities: tenants,
	})
	a.emitter = metering.NewEmitter(a.events, metering.Options{Spool: a.eventSpool, Sink: a.engine})
	a.audit = audit.NewService(auditRepo, audit.Options{Spool: a.auditSpool})

	sink, err := archive.New(ctx, archive.Config{
		Backend: settings.ArchiveBackend,
		Bucket:  settings.ArchiveBucket,
		Prefix:  settings.ArchivePrefix,
		Account: settings.ArchiveAccount,
		Region:  settings.AWSRegion,
	})
	if err != nil {
		return nil, err
	}
	a.sweeper = audit.NewSweeper(a.audit, tenants, audit.SweeperOptions{
		Events:  a.events,
		Buckets: a.engine,
		Archive: sink,
		Prefix:  settings.ArchivePrefix,
	})

	defaults, _ := config.TierDefaults(config.TierStandard)
	admissionOpts := admission.Options{DefaultLimits: defaults}
	if a.redis != nil {
		admissionOpts.Window = admission.NewRedisWindow(a.redis)
	}
	a.admission = admission.NewController(tenants, admissionOpts)
	tenants.Subscribe(a.admission.OnConfigChange)

	a.resolver = tenancy.NewResolver(tenancy.NewJWTVerifier(secret, os.Getenv("JWT_ISSUER")), tenants, a.audit)

	invoker, err := runtime.New(ctx, settings.AgentRuntime, runtime.Options{
		URL:     settings.AgentRuntimeURL,
		Region:  settings.AWSRegion,
		Model:   settings.BedrockModel,
		Timeout: settings.RuntimeDeadline,
	})
	if err != nil {
		return nil, err
	}

	a.sessions = session.NewMemoryStore(settings.SessionTTL)
	if a.redis != nil {
		a.sessions = session.NewRedisStore(a.redis, settings.SessionTTL)
	}
	a.pipeline = gateway.NewPipeline(a.resolver, a.admission, invoker, a.emitter, a.audit, gateway.Options{
		Deadline: settings.RuntimeDeadline,
		Sessions: a.sessions,
	})
	a.reporting = reporting.NewService(reporting.Sources{
		Aggregates: a.engine,
		Audit:      a.audit,
		ExportLog:  a.audit,
		Admission:  a.admission,
		Sessions:   a.sessions,
	})

	a.logger.Info("", "", "meterd wired", map[string]interface{}{
		"postgres":         a.db != nil,
		"redis":            a.redis != nil,
		"archive":          settings.ArchiveBackend,
		"agent_runtime":    invoker.Name(),
		"tenants":          len(tenants.TenantIDs()),
		"spool_dir":        settings.SpoolDir,
		"runtime_deadline": settings.RuntimeDeadline.String(),
	})
	ok = true
	return a, nil
}

func (a *App) jwtSecret(ctx context.Context) ([]byte, error) {
	if a.settings.JWTSecret != "" {
		return []byte(a.settings.JWTSecret), nil
	}
	loader, err := config.NewSecretLoader(ctx, a.settings.AWSRegion, 10*time.Minute)
	if err != nil {
		return nil, err
	}
	return loader.JWTSecret(ctx, a.settings.JWTSecretARN)
}

func (a *App) openStores(ctx context.Context) error {
	if a.settings.DatabaseURL != "" {
		db, err := database.Open(ctx, a.settings.DatabaseURL, database.DefaultOptions())
		if err != nil {
			return err
		}
		a.db = db
		if err := database.Migrate(ctx, db); err != nil {
			return err
		}
	} else {
		a.logger.Warn("", "", "DATABASE_URL not set, using in-memory stores", nil)
	}

	if a.settings.RedisURL != "" {
		client, err := admission.NewRedisClient(ctx, a.settings.RedisURL)
		if err != nil {
			return err
		}
		a.redis = client
	}
	return nil
}

// Router returns the HTTP surface of the process.
func (a *App) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	r.Handle("/prometheus", promhttp.Handler()).Methods(http.MethodGet)

	gateway.NewHandler(a.pipeline).RegisterRoutes(r)
	reporting.NewHandler(a.reporting, a.resolver).RegisterRoutes(r)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-Data-Loss-Risk"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	components := map[string]bool{"aggregation": true}
	if a.db != nil {
		components["postgres"] = a.db.PingContext(ctx) == nil
	}
	if a.redis != nil {
		components["redis"] = a.redis.Ping(ctx).Err() == nil
	}
	status := "healthy"
	code := http.StatusOK
	for _, up := range components {
		if !up {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	spooled := map[string]int{}
	if n, err := a.eventSpool.Len(); err == nil {
		spooled["usage_events"] = n
	}
	if n, err := a.auditSpool.Len(); err == nil {
		spooled["audit_records"] = n
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":     status,
		"service":    "meterd",
		"timestamp":  time.Now().UTC(),
		"components": components,
		"spooled":    spooled,
	})
}

// Start runs the background workers and the HTTP server until ctx is done.
func (a *App) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.engine.Run(ctx) })
	g.Go(func() error { return a.tenants.Watch(ctx) })
	g.Go(func() error { return a.sweeper.Run(ctx, a.settings.SweepInterval) })
	g.Go(func() error { return a.replayLoop(ctx) })

	srv := &http.Server{
		Addr:              ":" + a.settings.Port,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		a.logger.Info("", "", "meterd listening", map[string]interface{}{"port": a.settings.Port})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// replayLoop re-drives the spools into the stores, then re-folds recent
// durable events so buckets catch up with anything the backlog dropped.
func (a *App) replayLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.settings.ReplayInterval)
	defer ticker.Stop()
	for {
		a.replayOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (a *App) replayOnce(ctx context.Context) {
	if n, err := a.emitter.Replay(ctx); err != nil {
		a.logger.Warn("", "", "Usage spool replay incomplete", map[string]interface{}{"replayed": n, "error": err.Error()})
	} else if n > 0 {
		a.logger.Info("", "", "Replayed spooled usage events", map[string]interface{}{"replayed": n})
	}
	if n, err := a.audit.Replay(ctx); err != nil {
		a.logger.Warn("", "", "Audit spool replay incomplete", map[string]interface{}{"replayed": n, "error": err.Error()})
	} else if n > 0 {
		a.logger.Info("", "", "Replayed spooled audit records", map[string]interface{}{"replayed": n})
	}

	now := time.Now().UTC()
	for _, tenantID := range a.tenants.TenantIDs() {
		if _, err := a.engine.Reconcile(ctx, a.events, tenantID, now.Add(-reconcileLookback), now); err != nil {
			a.logger.Warn(tenantID, "", "Aggregate reconciliation failed", map[string]interface{}{"error": err.Error()})
		}
	}
}

// Close releases the stores and spools.
func (a *App) Close() {
	if a.eventSpool != nil {
		_ = a.eventSpool.Close()
	}
	if a.auditSpool != nil {
		_ = a.auditSpool.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

// Run is the process entry point. It blocks until SIGINT or SIGTERM.
func Run() {
	log := logger.New("meterd")

	settings, err := config.FromEnv()
	if err != nil {
		log.Error("", "", "Invalid settings", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := New(ctx, settings)
	if err != nil {
		log.Error("", "", "Failed to start meterd", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	defer app.Close()

	if err := app.Start(ctx); err != nil {
		log.Error("", "", "meterd stopped with error", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}
