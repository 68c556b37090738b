package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"cre8/internal/config"
	"cre8/internal/jobstore"
	"cre8/internal/pkg/errors"
	"cre8/internal/pkg/shutdown"
	"cre8/internal/render/payload"
	"cre8/internal/render/shotstack"
	"cre8/internal/storage"
	"cre8/internal/worker"
	"cre8/internal/worker/archive"
	"cre8/internal/worker/processor"
	"cre8/internal/worker/queue"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := cfg.NewLogger("worker")
	if err := cfg.Validate(config.RoleWorker); err != nil {
		log.LogFatal("invalid configuration", err)
	}

	log.Info("starting cre8 worker", "store", cfg.Store.Driver, "shotstack", cfg.Shotstack.Endpoint())

	shutdownMgr := shutdown.NewManager(log, cfg.Service.ShutdownTimeout)
	ctx := shutdownMgr.Context()

	store, err := jobstore.New(ctx, cfg.Store, log)
	if err != nil {
		log.LogFatal("failed to open job store", err)
	}
	shutdownMgr.Register("job-store", store.Close)

	var waiter worker.Waiter
	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		shutdownMgr.Register("redis", func(context.Context) error { return rdb.Close() })

		q := queue.NewRedisQueue(rdb, cfg.Redis.NudgeKey)
		if err := q.Ping(ctx); err != nil {
			log.Warn("redis unreachable, polling without nudges until it recovers", "error", err.Error())
		}
		waiter = q
	}

	var archiver processor.Archiver
	sp, err := storage.NewProvider(ctx, cfg.Storage)
	if err != nil {
		log.LogFatal("failed to initialize storage provider", err)
	}
	if sp != nil {
		archiver = archive.New(store, sp, cfg.Storage.DownloadTimeout, log)
		log.Info("archiving completed renders", "provider", sp.Provider())
	}

	p := processor.New(processor.Deps{
		Store: store,
		Renderer: shotstack.New(shotstack.Config{
			BaseURL: cfg.Shotstack.Endpoint(),
			APIKey:  cfg.Shotstack.APIKey,
			Timeout: cfg.Shotstack.Timeout,
		}, log),
		Payloads: payload.NewRegistry(),
		Archiver: archiver,
		Config: processor.Config{
			PendingBatch:   cfg.Worker.PendingBatch,
			RenderingBatch: cfg.Worker.RenderingBatch,
			MaxRetries:     cfg.Worker.MaxRetries,
			StaleAfter:     cfg.Worker.StaleAfter,
			RetryDelay:     cfg.Worker.RetryDelay,
			RetryMaxDelay:  cfg.Worker.RetryMaxDelay,
			ArchiveTimeout: cfg.Worker.ArchiveTimeout,
		},
		Log: log,
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		err := worker.Run(ctx, worker.Deps{
			Processor: p,
			Waiter:    waiter,
			Config:    cfg.Worker,
			Log:       log,
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("worker loop stopped", "error", err.Error())
		}
	}()

	// Registered last so it runs first: the loop finishes its current
	// iteration before the store and redis are closed.
	shutdownMgr.Register("worker-loop", func(ctx context.Context) error {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	shutdownMgr.Wait(context.Background())
}
