// cmd/main.go is the application entry point.
// It wires together all layers, starts the background jobs and the HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/omegafrog/ticketon-queue/internal/catalog"
	"github.com/omegafrog/ticketon-queue/internal/config"
	"github.com/omegafrog/ticketon-queue/internal/credential"
	"github.com/omegafrog/ticketon-queue/internal/database"
	"github.com/omegafrog/ticketon-queue/internal/dispatch"
	"github.com/omegafrog/ticketon-queue/internal/handler"
	"github.com/omegafrog/ticketon-queue/internal/job"
	"github.com/omegafrog/ticketon-queue/internal/reaper"
	"github.com/omegafrog/ticketon-queue/internal/repository"
	"github.com/omegafrog/ticketon-queue/internal/router"
	"github.com/omegafrog/ticketon-queue/internal/scheduler"
	"github.com/omegafrog/ticketon-queue/internal/service"
	"github.com/omegafrog/ticketon-queue/internal/stream"
	"github.com/omegafrog/ticketon-queue/internal/worker"
)

func main() {
	if err := run(); err != nil {
		slog.Error("queue service stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})).
		With("instance_id", cfg.InstanceID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── 1. Connect to the queue store and the catalog ─────────────────────
	rdb, err := database.NewRedis(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer rdb.Close()
	slog.Info("connected to redis", "addr", cfg.Redis.Addr)

	var cat catalog.Catalog
	switch cfg.CatalogSource {
	case config.CatalogHTTP:
		cat = catalog.NewHTTP(cfg.CatalogURL, nil)
		slog.Info("using http catalog", "url", cfg.CatalogURL)
	default:
		pool, err := database.NewPool(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer pool.Close()
		cat = catalog.NewPostgres(pool)
		slog.Info("connected to postgres catalog", "host", cfg.Database.Host)
	}

	// ── 2. Wire up layers ────────────────────────────────────────────────
	issuer := credential.NewIssuer([]byte(cfg.EntryTokenSecret), cfg.EntryTokenTTL)
	repo := repository.NewQueueRepository(rdb, repository.WithReservationTTL(issuer.TTL()))
	entryRouter := router.New(repo, cfg.InstanceID)

	var (
		notifier dispatch.Notifier
		push     *dispatch.PushNotifier
		conns    service.Disconnector
	)
	if cfg.DispatchMode == config.DispatchPush {
		push = dispatch.NewPushNotifier(repo, issuer, dispatch.NewHub(), cfg.InstanceID)
		notifier, conns = push, push
	} else {
		poll := dispatch.NewPollNotifier(repo, issuer)
		// Polling clients can pick the credential up from any instance.
		entryRouter.WithIssuer(poll)
		notifier = poll
	}

	svc := service.NewQueueService(repo, cat, issuer, cfg.InstanceID, conns)
	promotePool := worker.New(cfg.PromoteWorkers, cfg.PromoteQueueSize)
	defer promotePool.Close()
	promoter := scheduler.NewPromoter(repo, promotePool, cfg.WorklistTTL)
	reap := reaper.New(repo, cfg.StaleWindow, cfg.ReapBatch)

	streamOpts := stream.Options{
		Block:         cfg.StreamBlock,
		Count:         cfg.StreamBatch,
		MaxDeliveries: cfg.MaxDeliveries,
		ClaimMinIdle:  cfg.ClaimMinIdle,
	}
	routerConsumer := entryRouter.Consumer(streamOpts)
	dispatcher := dispatch.Consumer(repo, notifier, cfg.InstanceID, streamOpts)

	// ── 3. HTTP server ───────────────────────────────────────────────────
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      handler.NewRouter(handler.NewQueueHandler(svc, push, promotePool)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if push != nil {
		srv.RegisterOnShutdown(push.Drain)
	}

	// ── 4. Run jobs and server until a signal arrives ────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return job.Every(gctx, cfg.PromoteInterval, "promote", promoter.Run) })
	g.Go(func() error { return job.Every(gctx, time.Second, "promote-throughput", promoter.LogThroughput) })
	g.Go(func() error { return job.Every(gctx, cfg.ReapInterval, "reap", reap.Run) })
	g.Go(func() error { return routerConsumer.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	if push != nil {
		g.Go(func() error { return job.Every(gctx, cfg.BroadcastInterval, "rank-broadcast", push.BroadcastRanks) })
		g.Go(func() error { return job.Every(gctx, cfg.HeartbeatInterval, "heartbeat", push.Heartbeat) })
	}

	g.Go(func() error {
		slog.Info("server listening", "port", cfg.Port, "dispatch_mode", cfg.DispatchMode, "promoter", promoter.String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped")
	return nil
}
