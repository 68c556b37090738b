// Package commands implements renderctl, the operator CLI for render jobs.
package commands

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/spf13/cobra"

	"cre8/internal/pkg/logger"
	"cre8/internal/ports"
)

// Env supplies the backends. Stores and renderers are opened lazily so a
// command only needs the settings it uses.
type Env struct {
	Log         *logger.Logger
	OpenStore   func(ctx context.Context) (ports.JobStore, error)
	NewRenderer func() (ports.RenderService, error)
	Now         func() time.Time
}

// NewRootCmd creates the root command
func NewRootCmd(env *Env) *cobra.Command {
	if env.Now == nil {
		env.Now = time.Now
	}
	if env.Log == nil {
		env.Log = logger.Discard()
	}

	rootCmd := &cobra.Command{
		Use:           "renderctl",
		Short:         "Inspect and manage render jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newEnqueueDemoCommand(env),
		newCheckRenderCommand(env),
		newGetCommand(env),
		newResetCommand(env),
	)

	return rootCmd
}

// withStore opens the store for one command and closes it afterwards.
func withStore(ctx context.Context, env *Env, fn func(ports.JobStore) error) error {
	store, err := env.OpenStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			env.Log.Warn("failed to close job store", "error", err.Error())
		}
	}()
	return fn(store)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
