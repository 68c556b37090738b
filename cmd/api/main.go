package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"cre8/internal/config"
	"cre8/internal/httpapi"
	"cre8/internal/httpapi/handlers"
	"cre8/internal/httpkit"
	"cre8/internal/jobstore"
	"cre8/internal/pkg/shutdown"
	"cre8/internal/render/payload"
	"cre8/internal/storage"
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
	log := cfg.NewLogger("api")
	if err := cfg.Validate(config.RoleAPI); err != nil {
		log.LogFatal("invalid configuration", err)
	}

	log.Info("starting cre8 API", "store", cfg.Store.Driver)

	ctx := context.Background()
	shutdownMgr := shutdown.NewManager(log, cfg.Service.ShutdownTimeout)

	store, err := jobstore.New(ctx, cfg.Store, log)
	if err != nil {
		log.LogFatal("failed to open job store", err)
	}
	shutdownMgr.Register("job-store", store.Close)

	var nudger handlers.Nudger
	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		shutdownMgr.Register("redis", func(context.Context) error { return rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable, new jobs wait for the next poll", "error", err.Error())
		}
		nudger = queue.NewRedisQueue(rdb, cfg.Redis.NudgeKey)
	}

	sp, err := storage.NewProvider(ctx, cfg.Storage)
	if err != nil {
		log.LogFatal("failed to initialize storage provider", err)
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Store:          store,
		Resetter:       processor.New(processor.Deps{Store: store, Log: log}),
		Nudger:         nudger,
		Payloads:       payload.NewRegistry(),
		Storage:        sp,
		Service:        cfg.Service.Name + "-api",
		Log:            log,
		CORSOrigins:    httpkit.SplitOrigins(cfg.API.CORSOrigins),
		RequestTimeout: cfg.API.RequestTimeout,
	})

	server := &http.Server{
		Addr:         "0.0.0.0:" + cfg.API.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	shutdownMgr.Register("http-server", func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return server.Shutdown(ctx)
	})

	go func() {
		log.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.LogFatal("HTTP server failed", err)
		}
	}()

	shutdownMgr.Wait(ctx)
}
