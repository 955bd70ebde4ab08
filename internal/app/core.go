package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/inference-gateway/internal/adapter/queue/kafka"
	"github.com/fairyhunter13/inference-gateway/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/inference-gateway/internal/config"
	"github.com/fairyhunter13/inference-gateway/internal/dispatch"
	"github.com/fairyhunter13/inference-gateway/internal/domain"
	"github.com/fairyhunter13/inference-gateway/internal/jobstore"
	"github.com/fairyhunter13/inference-gateway/internal/pipeline"
	"github.com/fairyhunter13/inference-gateway/internal/provider/openaicompat"
	"github.com/fairyhunter13/inference-gateway/internal/provider/stub"
	"github.com/fairyhunter13/inference-gateway/internal/registry"
	"github.com/fairyhunter13/inference-gateway/internal/routing"
	"github.com/fairyhunter13/inference-gateway/internal/service/breaker"
	"github.com/fairyhunter13/inference-gateway/internal/service/modelcatalog"
	"github.com/fairyhunter13/inference-gateway/internal/service/quota"
	"github.com/fairyhunter13/inference-gateway/internal/service/ratelimiter"
	"github.com/fairyhunter13/inference-gateway/internal/service/sessionpool"
)

// Core is the assembled control plane shared by the server and the worker.
type Core struct {
	Cfg        config.Config
	Registry   *registry.Registry
	Breakers   *breaker.Table
	Router     *routing.Engine
	Pipeline   *pipeline.Pipeline
	Sessions   *sessionpool.Pool
	Jobs       *jobstore.Store
	Quotas     domain.QuotaStore
	Dispatcher *dispatch.Dispatcher

	// Optional infrastructure; nil when not configured.
	Pool     *pgxpool.Pool
	Redis    *redis.Client
	Producer *kafka.Producer
}

// CoreOptions select which infrastructure the process attaches.
type CoreOptions struct {
	// WithQueue wires the Kafka producer so async submissions are durable.
	// The worker builds its core without one and consumes instead.
	WithQueue bool
	// WithDB wires the Postgres pool for the job mirror and durable quotas.
	WithDB bool
}

// BuildCore assembles the control plane from configuration: provider catalog,
// registry, breaker table, routing engine, pipeline, admission services and
// the dispatcher.
func BuildCore(ctx context.Context, cfg config.Config, opts CoreOptions) (*Core, error) {
	c := &Core{Cfg: cfg}

	if opts.WithDB && cfg.DBURL != "" {
		pool, err := postgres.NewPool(ctx, cfg.DBURL)
		if err != nil {
			return nil, fmt.Errorf("op=app.BuildCore: db: %w", err)
		}
		c.Pool = pool
	}
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("op=app.BuildCore: redis url: %w", err)
		}
		c.Redis = redis.NewClient(redisOpts)
	}
	if opts.WithQueue {
		producer, err := kafka.NewProducer(cfg.KafkaBrokers, "inference-gateway-producer")
		if err != nil {
			return nil, fmt.Errorf("op=app.BuildCore: queue: %w", err)
		}
		c.Producer = producer
	}

	c.Registry = registry.New()
	c.Breakers = breaker.NewTable(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		Cooldown:         cfg.BreakerCooldown,
		ProbeLimit:       cfg.BreakerProbeLimit,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
	})
	c.Router = routing.NewEngine(c.Registry, c.Breakers, routing.NewLatencyTracker())

	if err := c.loadProviders(ctx); err != nil {
		return nil, err
	}

	c.Pipeline = pipeline.New()
	for _, pl := range []pipeline.Plugin{
		&pipeline.TokenBudget{},
		&pipeline.AttachmentGuard{},
		&pipeline.ProviderInvoker{},
		&pipeline.ResponseNormalizer{},
		&pipeline.ErrorAudit{},
	} {
		if err := c.Pipeline.Register(pl); err != nil {
			return nil, fmt.Errorf("op=app.BuildCore: pipeline: %w", err)
		}
	}

	var limiter ratelimiter.Limiter
	if cfg.RateLimitingEnabled {
		defaults := ratelimiter.NewBucketConfigFromRPS(cfg.RateLimitingDefaultRPS)
		if c.Redis != nil {
			limiter = ratelimiter.NewRedisLuaLimiter(c.Redis, defaults, nil)
		} else {
			limiter = ratelimiter.NewLocalLimiter(defaults)
		}
	}

	if c.Pool != nil {
		c.Quotas = postgres.NewQuotaRepo(c.Pool, cfg.QuotaStrict)
	} else {
		c.Quotas = quota.NewMemoryStore(cfg.QuotaStrict)
	}

	c.Sessions = sessionpool.New(cfg.SessionPoolCapacity, cfg.SessionPoolIdleTTL)

	var jobRepo domain.JobRepository
	if c.Pool != nil {
		jobRepo = postgres.NewJobRepo(c.Pool)
	}
	c.Jobs = jobstore.New(cfg.JobTTL, jobRepo)

	var queue domain.JobQueue
	if c.Producer != nil {
		queue = c.Producer
	}

	c.Dispatcher = dispatch.New(dispatch.Deps{
		Pipeline:      c.Pipeline,
		Router:        c.Router,
		Breaker:       c.Breakers,
		Limiter:       limiter,
		Quotas:        c.Quotas,
		Slots:         quota.NewSlots(cfg.ConcurrencyLimit, c.Redis),
		Sessions:      c.Sessions,
		Jobs:          c.Jobs,
		Queue:         queue,
		ResolveTenant: c.ResolveTenant,
	}, dispatch.Options{
		MaxAttempts: cfg.DispatchMaxAttempts,
		BackoffBase: cfg.DispatchBackoffBase,
		BackoffMax:  cfg.DispatchBackoffMax,
	})
	return c, nil
}

// loadProviders reads the catalog, constructs each enabled provider by kind,
// initializes it and feeds the routing engine its config.
func (c *Core) loadProviders(ctx context.Context) error {
	cat, err := config.LoadProviderCatalog(c.Cfg.ProvidersFile)
	if err != nil {
		return fmt.Errorf("op=app.loadProviders: %w", err)
	}
	for _, pc := range cat.Providers {
		if !pc.Enabled {
			slog.Info("provider disabled, skipping", slog.String("provider", pc.ID))
			continue
		}
		var p domain.Provider
		switch pc.Kind {
		case "stub":
			p = stub.New(pc.ID)
		case "openai-compatible", "openai":
			p = openaicompat.New(pc.ID)
		default:
			return fmt.Errorf("op=app.loadProviders: provider %s: unknown kind %q", pc.ID, pc.Kind)
		}
		if err := p.Initialize(ctx, pc); err != nil {
			return fmt.Errorf("op=app.loadProviders: provider %s: %w", pc.ID, err)
		}
		c.Registry.Register(ctx, p)
		c.Router.SetProviderConfig(pc)
		slog.Info("provider registered",
			slog.String("provider", pc.ID),
			slog.String("kind", pc.Kind),
			slog.Int("priority", pc.Priority))
	}
	if c.Registry.Len() == 0 {
		return fmt.Errorf("op=app.loadProviders: no providers enabled")
	}
	return nil
}

// ResolveTenant maps a tenant id to its context. The default implementation
// applies the configured RPS limit uniformly; deployments with per-tenant
// plans override it on the HTTP server.
func (c *Core) ResolveTenant(tenantID string) domain.TenantContext {
	return domain.TenantContext{ID: tenantID, RPSLimit: c.Cfg.RateLimitingDefaultRPS}
}

// StartBackground launches the maintenance loops: session sweeping, job
// sweeping, quota window resets, model catalog refresh, provider health
// probing and retention cleanup. They all stop when ctx is cancelled.
func (c *Core) StartBackground(ctx context.Context) {
	go c.Sessions.RunSweeper(ctx, time.Minute)
	go c.Jobs.RunSweeper(ctx, c.Cfg.JobSweepInterval, c.Cfg.StuckJobThreshold)
	go quota.RunResetLoop(ctx, c.Quotas, time.Minute)
	go modelcatalog.NewRefresher(c.Registry, c.Cfg.ModelCatalogRefresh).Run(ctx)
	go modelcatalog.NewHealthMonitor(c.Registry, c.Router, 30*time.Second).Run(ctx)
	if c.Pool != nil {
		go postgres.NewCleanupService(c.Pool, 30).RunPeriodic(ctx, 24*time.Hour)
	}
}

// Close tears the core down in reverse dependency order.
func (c *Core) Close(ctx context.Context) {
	c.Registry.ShutdownAll(ctx)
	if c.Producer != nil {
		if err := c.Producer.Close(); err != nil {
			slog.Error("queue close failed", slog.Any("error", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			slog.Error("redis close failed", slog.Any("error", err))
		}
	}
	if c.Pool != nil {
		c.Pool.Close()
	}
}
