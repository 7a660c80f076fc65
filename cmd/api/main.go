// @title Asset Job Orchestrator API
// @version 1.0
// @description Async generation jobs driven through external provider pipelines.
// @BasePath /
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "asset-job-orchestrator/docs"
	"asset-job-orchestrator/internal/app"
	"asset-job-orchestrator/internal/config"
	httptransport "asset-job-orchestrator/internal/transport/http"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	deps, err := app.Open(ctx, "asset-job-api", cfg)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = deps.Close(closeCtx)
	}()

	if cfg.WebhookSecret == "" {
		deps.Log.Warn("WEBHOOK_SECRET is empty, every webhook will be rejected")
	}

	h := httptransport.NewHandler(deps.Orchestrator, deps.Store, deps.Log)
	wh := httptransport.NewWebhookHandler(deps.Reconciler, cfg.WebhookSecret, deps.Log)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httptransport.Routes(h, wh, deps.Log, httptransport.RouterConfig{CORSOrigins: cfg.CORSOrigins}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		deps.Log.Info("api listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			deps.Log.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		deps.Log.Warn("http shutdown", "error", err)
	}
	deps.Log.Info("api stopped")
}
