package worker

import (
	"context"
	"time"

	"cre8/internal/config"
	"cre8/internal/pkg/logger"
)

// JobProcessor is the part of processor.Processor the loop drives.
// ProcessPending reports how many jobs reached the render service.
type JobProcessor interface {
	ProcessPending(ctx context.Context) (int, error)
	CheckRendering(ctx context.Context) (int, error)
}

// Waiter blocks until new work is signalled or timeout passes.
type Waiter interface {
	Wait(ctx context.Context, timeout time.Duration) (bool, error)
}

type Deps struct {
	Processor JobProcessor
	// Waiter is optional; without it the loop sleeps between polls.
	Waiter Waiter
	Config config.WorkerConfig
	Log    *logger.Logger
	// Rand returns a value in [0,1) for poll jitter. Defaults to math/rand.
	Rand func() float64
}
