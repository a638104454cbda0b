// Package app wires the seat engine's components from configuration.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-lms/seats/config"
	"github.com/aura-lms/seats/internal/assignments"
	"github.com/aura-lms/seats/internal/authz"
	"github.com/aura-lms/seats/internal/catalog"
	"github.com/aura-lms/seats/internal/events"
	"github.com/aura-lms/seats/internal/ledger"
	"github.com/aura-lms/seats/internal/lms"
	"github.com/aura-lms/seats/internal/metrics"
	"github.com/aura-lms/seats/internal/organizations"
	"github.com/aura-lms/seats/internal/pools"
	"github.com/aura-lms/seats/internal/realtime"
	"github.com/aura-lms/seats/internal/scope"
	"github.com/aura-lms/seats/internal/sweep"
	"github.com/aura-lms/seats/pkg/database"
	"github.com/aura-lms/seats/pkg/redis"
)

// Options selects optional infrastructure.
type Options struct {
	Redis   bool // connect to Redis for pub/sub, queue, rate limits and locks
	Migrate bool // apply embedded migrations on start
}

// App holds the wired components shared by the binaries.
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	DB       *pgxpool.Pool
	Redis    *redis.Client // nil unless Options.Redis
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Hub      *realtime.Hub
	Policy   *authz.Policy

	Orgs        *organizations.Repository
	Pools       *pools.Repository
	Assignments *assignments.Repository
	Events      *events.Repository
	Catalog     *catalog.Repository

	Resolver     *scope.Resolver
	Ledger       *ledger.Ledger
	Service      *assignments.Service
	Sweeper      *sweep.Sweeper
	DeletePolicy ledger.DeletePolicy
}

// New connects to storage and builds every component.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (*App, error) {
	missing, err := scope.ParseMissingPolicy(cfg.Seats.ScopeMissingContent)
	if err != nil {
		return nil, err
	}
	deletePolicy, err := ledger.ParseDeletePolicy(cfg.Seats.PoolDeletePolicy)
	if err != nil {
		return nil, err
	}
	policy, err := authz.LoadFile(cfg.Authz.RolesFile)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return nil, err
	}

	db, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), database.PoolOptions{
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	if opts.Migrate {
		if _, err := database.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	a := &App{
		Config:       cfg,
		Logger:       logger,
		DB:           db,
		Registry:     reg,
		Metrics:      m,
		Policy:       policy,
		DeletePolicy: deletePolicy,
	}

	var pub realtime.RedisPublisher
	var sub realtime.RedisSubscriber
	if opts.Redis {
		a.Redis, err = redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		ps := realtime.NewRedisPubSub(a.Redis.Client, logger)
		pub, sub = ps, ps
	}
	a.Hub = realtime.NewHub(logger, pub, sub)

	a.Orgs = organizations.NewRepository(db)
	a.Pools = pools.NewRepository(db)
	a.Assignments = assignments.NewRepository(db)
	a.Events = events.NewRepository(db)
	a.Catalog = catalog.NewRepository(db)

	a.Resolver = scope.NewResolver(a.Catalog, missing, logger)
	a.Ledger = ledger.New(db, a.Events, logger, a.Hub, m)
	enroller := lms.NewClient(lms.Config{BaseURL: cfg.LMS.BaseURL, APIKey: cfg.LMS.APIKey}, logger)
	a.Service = assignments.NewService(a.Pools, a.Orgs, a.Resolver, a.Ledger, a.Assignments, enroller, m,
		assignments.Options{EnrollTimeout: cfg.LMS.EnrollTimeout}, logger)
	a.Sweeper = sweep.NewSweeper(a.Pools, a.Assignments, a.Ledger, logger)
	return a, nil
}

// SweepGuard returns the cross-instance sweep lock, or nil without Redis.
func (a *App) SweepGuard() sweep.Guard {
	if a.Redis == nil {
		return nil
	}
	return a.Redis.Locker().Mutex("seats:lock:sweep", a.Config.Sweep.LockTTL)
}

// Close releases connections.
func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	a.DB.Close()
}

// NewLogger builds the production zap logger with ISO8601 timestamps.
func NewLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
