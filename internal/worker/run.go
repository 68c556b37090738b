package worker

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"

	"cre8/internal/config"
	"cre8/internal/pkg/errors"
	"cre8/internal/pkg/logger"
)

const (
	defaultPendingPoll = 15 * time.Second
	defaultRenderPoll  = 60 * time.Second
	defaultMaxBackoff  = 5 * time.Minute
)

// Run polls until ctx is cancelled. Each iteration processes pending jobs,
// checks rendering jobs when the render interval has elapsed, and waits
// unless a job was submitted. Failed submissions do not count: the job is
// requeued with its own retry delay and the loop waits as if idle. Errors
// from individual jobs never stop the loop; a store outage backs off
// exponentially.
func Run(ctx context.Context, d Deps) error {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("worker")

	cfg := withDefaults(d.Config)
	rnd := d.Rand
	if rnd == nil {
		rnd = rand.Float64
	}

	log.Info("worker started",
		"pending_poll", cfg.PendingPollInterval.String(),
		"render_poll", cfg.RenderPollInterval.String(),
		"redis_nudge", d.Waiter != nil,
	)

	var lastRenderCheck time.Time
	outages := 0
	outageWait := newOutageBackoff(cfg)

	for {
		if ctx.Err() != nil {
			log.Info("worker context canceled, stopping")
			return ctx.Err()
		}

		storeDown := false
		iterStart := time.Now()

		submitted, err := d.Processor.ProcessPending(ctx)
		if err != nil {
			storeDown = storeDown || errors.IsStoreUnavailable(err)
			logIterationError(ctx, log, "process pending failed", err)
		}

		if time.Since(lastRenderCheck) >= cfg.RenderPollInterval {
			checked, err := d.Processor.CheckRendering(ctx)
			if err != nil {
				storeDown = storeDown || errors.IsStoreUnavailable(err)
				logIterationError(ctx, log, "check rendering failed", err)
			}
			lastRenderCheck = time.Now()
			if checked > 0 {
				log.Debug("rendering jobs checked", "count", checked)
			}
		}

		if storeDown {
			outages++
		} else if outages > 0 {
			outages = 0
			outageWait.Reset()
		}

		if submitted > 0 && !storeDown {
			log.Debug("iteration done", "submitted", submitted, "duration_ms", time.Since(iterStart).Milliseconds())
			continue
		}

		if outages > 0 {
			wait := min(outageWait.NextBackOff(), cfg.MaxBackoff)
			log.Warn("job store unavailable, backing off", "outages", outages, "wait", wait.String())
			sleep(ctx, wait)
			continue
		}
		waitForWork(ctx, log, d.Waiter, NextWait(cfg.PendingPollInterval, cfg.PollJitter, rnd()))
	}
}

func withDefaults(cfg config.WorkerConfig) config.WorkerConfig {
	if cfg.PendingPollInterval <= 0 {
		cfg.PendingPollInterval = defaultPendingPoll
	}
	if cfg.RenderPollInterval <= 0 {
		cfg.RenderPollInterval = defaultRenderPoll
	}
	if cfg.PollJitter < 0 || cfg.PollJitter >= 1 {
		cfg.PollJitter = 0
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	return cfg
}

// NextWait is the idle poll wait: base spread by ±jitter, with r in [0,1)
// picking the point.
func NextWait(base time.Duration, jitter float64, r float64) time.Duration {
	d := time.Duration(float64(base) * (1 + jitter*(2*r-1)))
	if d <= 0 {
		d = base
	}
	return d
}

// newOutageBackoff doubles from twice the poll interval up to MaxBackoff
// while the store stays unreachable.
func newOutageBackoff(cfg config.WorkerConfig) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     2 * cfg.PendingPollInterval,
		RandomizationFactor: cfg.PollJitter,
		Multiplier:          2,
		MaxInterval:         cfg.MaxBackoff,
	}
	b.Reset()
	return b
}

func waitForWork(ctx context.Context, log *logger.Logger, w Waiter, d time.Duration) {
	if ctx.Err() != nil {
		return
	}
	if w == nil {
		sleep(ctx, d)
		return
	}

	start := time.Now()
	woke, err := w.Wait(ctx, d)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn("nudge wait failed, sleeping instead", "error", err.Error())
		sleep(ctx, d-time.Since(start))
		return
	}
	if woke {
		log.Debug("woken by nudge")
	}
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func logIterationError(ctx context.Context, log *logger.Logger, msg string, err error) {
	if ctx.Err() != nil {
		return
	}
	log.LogError(ctx, msg, err)
}
