package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"cre8/internal/models"
	"cre8/internal/ports"
	"cre8/internal/render/payload"
	"cre8/internal/worker/processor"
)

const demoText = "Cre8 Studio Test Render"

// DemoJob is the canonical smoke-test job: a five second title card.
func DemoJob(text, template, videoURL string, now time.Time) *models.Job {
	if strings.TrimSpace(text) == "" {
		text = demoText
	}
	job := models.NewPendingJob(template, map[string]any{
		"type":   "title",
		"text":   text,
		"style":  payload.DefaultStyle,
		"effect": payload.DefaultEffect,
		"start":  0,
		"length": 5,
	}, now)
	job.VideoURL = videoURL
	job.MaxRetries = processor.DefaultMaxRetries
	job.Metadata["source"] = "renderctl"
	return job
}

func newEnqueueDemoCommand(env *Env) *cobra.Command {
	var text, template, videoURL string

	cmd := &cobra.Command{
		Use:   "enqueue-demo",
		Args:  cobra.NoArgs,
		Short: "Create a pending demo render job",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withStore(ctx, env, func(store ports.JobStore) error {
				id, err := store.Create(ctx, DemoJob(text, template, videoURL, env.Now()))
				if err != nil {
					return err
				}
				if err := store.AppendEvent(ctx, id, models.NewEvent(models.EventCreated, "created via renderctl")); err != nil {
					env.Log.Warn("failed to append event", "job_id", id, "error", err.Error())
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&text, "text", demoText, "title text")
	cmd.Flags().StringVar(&template, "template", payload.TemplateDemoTitle, "payload template")
	cmd.Flags().StringVar(&videoURL, "video-url", "", "source clip for title-over-video")
	return cmd
}

func newGetCommand(env *Env) *cobra.Command {
	var withEvents bool

	cmd := &cobra.Command{
		Use:   "get <job_id>",
		Args:  cobra.ExactArgs(1),
		Short: "Print a job and optionally its events",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withStore(ctx, env, func(store ports.JobStore) error {
				job, err := store.Get(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{"job": job}
				if withEvents {
					events, err := store.Events(ctx, args[0])
					if err != nil {
						return err
					}
					out["events"] = events
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}

	cmd.Flags().BoolVar(&withEvents, "events", true, "include the event log")
	return cmd
}

func newResetCommand(env *Env) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "reset <job_id>",
		Args:  cobra.ExactArgs(1),
		Short: "Put a failed job back to pending",
		Long: `Put a failed job back to pending so a worker submits it again.
Jobs that already reached the render service, or are stuck in processing,
need --force.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withStore(ctx, env, func(store ports.JobStore) error {
				p := processor.New(processor.Deps{Store: store, Log: env.Log, Now: env.Now})
				job, err := p.Reset(ctx, args[0], force)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", job.ID, job.Status)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "reset even if a render was already submitted")
	return cmd
}
