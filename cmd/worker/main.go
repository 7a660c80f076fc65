package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"asset-job-orchestrator/internal/app"
	"asset-job-orchestrator/internal/config"
	"asset-job-orchestrator/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	deps, err := app.Open(ctx, "asset-job-worker", cfg)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = deps.Close(closeCtx)
	}()

	scheduler := worker.NewScheduler(deps.Store, deps.Orchestrator, deps.Log, worker.SchedulerConfig{
		Interval:    cfg.SchedulerInterval,
		Batch:       cfg.SchedulerBatch,
		Concurrency: cfg.SchedulerConcurrency,
	})
	drainer := worker.NewDrainer(deps.Deferred, deps.Reconciler, deps.Log, time.Second)
	sweeper := worker.NewSweeper(deps.Store, deps.Publisher, deps.Log, worker.SweeperConfig{
		HourlyCron:          cfg.SweepHourlyCron,
		DailyCron:           cfg.SweepDailyCron,
		JobRetention:        cfg.JobRetention,
		CompletedRetention:  cfg.CompletedRetention,
		AggregationLookback: cfg.AggregationLookback,
		AggregateRetention:  cfg.AggregateRetention,
		ErrorEventRetention: cfg.ErrorEventRetention,
	})

	deps.Log.Info("worker started",
		"store", cfg.StoreDriver,
		"interval", cfg.SchedulerInterval,
		"concurrency", cfg.SchedulerConcurrency,
		"webhook_queue", cfg.WebhookQueueKey,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { scheduler.Run(gctx); return nil })
	g.Go(func() error { drainer.Run(gctx); return nil })
	g.Go(func() error { return sweeper.Run(gctx) })

	if err := g.Wait(); err != nil {
		deps.Log.Error("worker exited with error", "error", err)
	}
	deps.Log.Info("worker stopped")
}
