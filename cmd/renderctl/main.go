package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"cre8/cmd/renderctl/commands"
	"cre8/internal/config"
	"cre8/internal/jobstore"
	"cre8/internal/pkg/errors"
	"cre8/internal/ports"
	"cre8/internal/render/shotstack"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := cfg.NewLogger("renderctl")

	env := &commands.Env{
		Log: log,
		OpenStore: func(ctx context.Context) (ports.JobStore, error) {
			if err := cfg.Validate(config.RoleCLI); err != nil {
				return nil, err
			}
			return jobstore.New(ctx, cfg.Store, log)
		},
		NewRenderer: func() (ports.RenderService, error) {
			if cfg.Shotstack.APIKey == "" {
				return nil, errors.Configuration("SHOTSTACK_API_KEY", "SHOTSTACK_API_KEY is required")
			}
			return shotstack.New(shotstack.Config{
				BaseURL: cfg.Shotstack.Endpoint(),
				APIKey:  cfg.Shotstack.APIKey,
				Timeout: cfg.Shotstack.Timeout,
			}, log), nil
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := commands.NewRootCmd(env).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "renderctl: %v\n", err)
		stop()
		os.Exit(1)
	}
}
