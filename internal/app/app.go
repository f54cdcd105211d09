// Package app assembles the stores, billing components and vendor clients
// shared by the API server and the maintenance worker.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"toeicprep/internal/billing"
	"toeicprep/internal/cache"
	"toeicprep/internal/config"
	"toeicprep/internal/core"
	"toeicprep/internal/db"
	"toeicprep/internal/external"
	"toeicprep/internal/memstore"
	"toeicprep/internal/queue"
	"toeicprep/internal/telemetry"
	"toeicprep/internal/types"
)

// Components is the wired billing engine of one process.
type Components struct {
	Plans   billing.PlanStore
	Subs    billing.SubscriptionStore
	Quotas  billing.QuotaStore
	Events  billing.WebhookEventLog
	Catalog *billing.CachedCatalog

	Enforcer   *billing.Enforcer
	Service    *billing.Service
	Reconciler *billing.Reconciler

	Clients *external.ClientRegistry
	Alerter *telemetry.Alerter

	// Pool is nil unless a store uses PostgreSQL.
	Pool   *pgxpool.Pool
	Probes []core.HealthProbe

	closers []func()
}

// Options are the process-specific parts of the wiring.
type Options struct {
	// Recorder receives quota and webhook outcomes. Nil disables metrics.
	Recorder billing.DecisionRecorder
	// Clock defaults to the system clock.
	Clock types.Clock
}

// Build connects the configured backends and assembles the billing engine.
// On error every connection opened so far is closed.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (_ *Components, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = types.RealClock{}
	}

	c := &Components{}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	if err := c.openStores(ctx, cfg, clock, logger); err != nil {
		return nil, err
	}

	if err := billing.SeedCatalog(ctx, c.Plans, PriceIDs(cfg.Billing), logger); err != nil {
		return nil, fmt.Errorf("seeding plan catalog: %w", err)
	}
	c.Catalog = billing.NewCachedCatalog(c.Plans, 0, logger)

	var cwClient telemetry.CloudWatchClient
	var notifier billing.LifecycleNotifier
	if cfg.AWS.EnableCloudWatch || cfg.AWS.LifecycleQueueURL != "" {
		awsCfg, err := LoadAWSConfig(ctx, cfg.AWS)
		if err != nil {
			return nil, err
		}
		if cfg.AWS.EnableCloudWatch {
			cwClient = cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
				if cfg.AWS.EndpointURL != "" {
					o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
				}
			})
		}
		if cfg.AWS.LifecycleQueueURL != "" {
			sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
				if cfg.AWS.EndpointURL != "" {
					o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
				}
			})
			notifier = queue.NewLifecyclePublisher(sqsClient, cfg.AWS.LifecycleQueueURL, logger)
		}
	}
	c.Alerter = telemetry.NewAlerter(cwClient, cfg.AWS.MetricNamespace, logger)
	c.Clients = external.NewClientRegistry(cfg, logger)

	c.Enforcer = billing.NewEnforcer(c.Subs, c.Quotas, c.Catalog, clock, billing.EnforcerConfig{
		Location:    cfg.Quota.Location(),
		Timeout:     cfg.Quota.Timeout,
		TrialPlanID: cfg.Billing.TrialPlanID,
		UpgradeURL:  strings.TrimRight(cfg.Server.DashboardURL, "/") + "/pricing",
	}, opts.Recorder, logger)

	c.Service = billing.NewService(c.Subs, c.Catalog, c.Enforcer, c.Clients.Payments, notifier, clock,
		billing.ServiceConfig{TrialDuration: cfg.Billing.TrialDuration}, logger)

	c.Reconciler = billing.NewReconciler(c.Subs, c.Catalog, c.Enforcer, billing.ReconcilerDeps{
		Events:   c.Events,
		Periods:  c.Clients.Payments,
		Alerts:   c.Alerter,
		Notifier: notifier,
		Recorder: opts.Recorder,
	}, clock, logger)

	return c, nil
}

func (c *Components) openStores(ctx context.Context, cfg *config.Config, clock types.Clock, logger *slog.Logger) error {
	needsPostgres := cfg.Storage.Backend == "postgres" || cfg.Storage.QuotaBackend == "postgres"
	if needsPostgres {
		pool, err := db.NewPool(ctx, cfg.Database, logger)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		c.Pool = pool
		c.closers = append(c.closers, pool.Close)
		c.Probes = append(c.Probes, core.ProbeFunc{ProbeName: "database", Fn: pool.Ping})

		if cfg.Database.AutoMigrate {
			if err := db.Migrate(ctx, pool, logger); err != nil {
				return fmt.Errorf("running migrations: %w", err)
			}
		}
		if err := db.CheckProvisioned(ctx, pool); err != nil {
			return err
		}
	}

	switch cfg.Storage.Backend {
	case "postgres":
		c.Plans = db.NewPlanRepo(c.Pool)
		c.Subs = db.NewSubscriptionRepo(c.Pool)
		c.Events = db.NewWebhookEventRepo(c.Pool)
	case "memory":
		logger.Warn("using in-memory subscription store; state is lost on restart")
		c.Plans = memstore.NewPlanStore()
		c.Subs = memstore.NewSubscriptionStore(clock)
		c.Events = memstore.NewEventLog()
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", cfg.Storage.Backend)
	}

	switch cfg.Storage.QuotaBackend {
	case "postgres":
		c.Quotas = db.NewQuotaRepo(c.Pool)
	case "redis":
		client, err := cache.Connect(ctx, cfg.Redis, logger)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		c.closers = append(c.closers, func() { _ = client.Close() })
		c.Probes = append(c.Probes, core.ProbeFunc{ProbeName: "redis", Fn: cache.Healthcheck(client)})
		c.Quotas = cache.NewQuotaStore(redis.UniversalClient(client), cfg.Service+":quota", cfg.Quota.Retention)
	case "memory":
		c.Quotas = memstore.NewQuotaStore(cfg.Quota.Retention, clock)
	default:
		return fmt.Errorf("unknown QUOTA_BACKEND %q", cfg.Storage.QuotaBackend)
	}
	return nil
}

// Close releases connections in reverse order of opening.
func (c *Components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

// PriceIDs maps catalog plans to their configured provider prices.
func PriceIDs(b config.BillingConfig) map[string]string {
	return map[string]string{
		billing.PlanBasicMonthly:   b.PriceBasicMonthly,
		billing.PlanPremiumMonthly: b.PricePremiumMonthly,
		billing.PlanPremiumYearly:  b.PricePremiumYearly,
	}
}

// LoadAWSConfig resolves credentials from the default chain for the
// configured region.
func LoadAWSConfig(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	if cfg.Region == "" {
		return aws.Config{}, errors.New("AWS_REGION is required for AWS integrations")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	return awsCfg, nil
}
