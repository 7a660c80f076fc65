// Package app wires the shared dependencies of the api and worker binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"asset-job-orchestrator/internal/config"
	"asset-job-orchestrator/internal/events"
	"asset-job-orchestrator/internal/logger"
	"asset-job-orchestrator/internal/observability"
	"asset-job-orchestrator/internal/repository/gormstore"
	"asset-job-orchestrator/internal/repository/postgresql"
	"asset-job-orchestrator/internal/service"
	httptransport "asset-job-orchestrator/internal/transport/http"
	"asset-job-orchestrator/internal/worker"
)

// Store is everything the binaries need from a job store backend.
type Store interface {
	service.JobStore
	worker.DueLister
	worker.MaintenanceStore
	httptransport.AggregationLister
}

type Deps struct {
	Config       config.Config
	Log          *logger.Logger
	Store        Store
	Redis        *redis.Client
	Publisher    events.Publisher
	Orchestrator *service.Orchestrator
	Reconciler   *service.Reconciler
	Deferred     service.DeferredQueue

	closers []func(context.Context) error
}

// Close releases everything opened by Open, in reverse order.
func (d *Deps) Close(ctx context.Context) error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	d.Log.Sync()
	return errors.Join(errs...)
}

func (d *Deps) onClose(fn func(context.Context) error) { d.closers = append(d.closers, fn) }

// Open loads the catalog and connects the store, redis and the event broker.
func Open(ctx context.Context, name string, cfg config.Config) (*Deps, error) {
	log, err := logger.New(cfg.AppEnv)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	d := &Deps{Config: cfg, Log: log.With("service", name)}

	shutdownTracing := observability.InitTracing(ctx, d.Log, observability.TraceConfig{
		Enabled:     cfg.OTelEnabled,
		ServiceName: name,
		Environment: cfg.AppEnv,
		Endpoint:    cfg.OTelEndpoint,
		Insecure:    cfg.OTelInsecure,
		Headers:     observability.ParseHeaders(cfg.OTelHeaders),
		SampleRatio: cfg.OTelSampleRatio,
	})
	d.onClose(shutdownTracing)

	fail := func(err error) (*Deps, error) {
		_ = d.Close(context.Background())
		return nil, err
	}

	store, err := openStore(ctx, cfg, d)
	if err != nil {
		return fail(err)
	}
	d.Store = store

	if cfg.RedisAddr == "" {
		return fail(errors.New("missing env: REDIS_ADDR"))
	}
	d.Redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := d.Redis.Ping(ctx).Err(); err != nil {
		_ = d.Redis.Close()
		return fail(fmt.Errorf("redis: %w", err))
	}
	d.onClose(func(context.Context) error { return d.Redis.Close() })
	d.Deferred = service.NewRedisDeferredQueue(d.Redis, cfg.WebhookQueueKey, d.Log)

	if len(cfg.KafkaBrokers) > 0 {
		d.Publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		d.Log.Info("job events enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	} else {
		d.Publisher = events.Nop{}
	}
	d.onClose(func(context.Context) error { return d.Publisher.Close() })

	catalog, err := config.LoadCatalog(cfg.CatalogFile)
	if err != nil {
		return fail(err)
	}
	client := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	adapters, pipelines, err := catalog.Build(client)
	if err != nil {
		return fail(fmt.Errorf("catalog: %w", err))
	}
	d.Log.Info("catalog loaded", "providers", adapters.Names(), "job_types", pipelines.JobTypes())

	d.Orchestrator = service.NewOrchestrator(d.Store, pipelines, adapters,
		service.WithLogger(d.Log),
		service.WithPublisher(d.Publisher),
	)
	d.Reconciler = service.NewReconciler(d.Store, d.Orchestrator, d.Deferred, d.Log, service.ReconcilerConfig{
		RetryWindow: cfg.WebhookRetryWindow,
		RetryDelay:  cfg.WebhookRetryDelay,
	})
	return d, nil
}

func openStore(ctx context.Context, cfg config.Config, d *Deps) (Store, error) {
	switch cfg.StoreDriver {
	case "sqlite":
		s, err := gormstore.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		d.onClose(func(context.Context) error { return s.Close() })
		d.Log.Info("job store ready", "driver", "sqlite", "path", cfg.SQLitePath)
		return s, nil
	default:
		pool, err := postgresql.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("pg: %w", err)
		}
		d.onClose(func(context.Context) error { pool.Close(); return nil })
		if err := postgresql.Migrate(ctx, pool); err != nil {
			return nil, err
		}
		d.Log.Info("job store ready", "driver", "postgres", "dsn", config.RedactDSN(cfg.PostgresDSN))
		return postgresql.NewJobRepository(pool), nil
	}
}
