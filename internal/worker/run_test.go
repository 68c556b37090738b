package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"cre8/internal/config"
	"cre8/internal/jobstore/memstore"
	"cre8/internal/models"
	"cre8/internal/pkg/errors"
	"cre8/internal/pkg/logger"
	"cre8/internal/ports"
	"cre8/internal/worker/processor"
)

type fakeProcessor struct {
	mu         sync.Mutex
	pending    int
	rendering  int
	claimed    []int
	pendingErr error
	onPending  func(call int)
}

func (f *fakeProcessor) ProcessPending(context.Context) (int, error) {
	f.mu.Lock()
	f.pending++
	call := f.pending
	f.mu.Unlock()
	if f.onPending != nil {
		f.onPending(call)
	}
	if f.pendingErr != nil {
		return 0, f.pendingErr
	}
	if call-1 < len(f.claimed) {
		return f.claimed[call-1], nil
	}
	return 0, nil
}

func (f *fakeProcessor) CheckRendering(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rendering++
	return 0, nil
}

type rejectingRenderer struct {
	mu    sync.Mutex
	calls int
}

func (r *rejectingRenderer) Submit(context.Context, map[string]any) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return "", errors.Submission(fmt.Errorf("http 503"), "shotstack submit failed")
}

func (r *rejectingRenderer) Status(context.Context, string) (*ports.RenderStatus, error) {
	return nil, errors.StatusCheck(fmt.Errorf("unused"), "status failed")
}

func (r *rejectingRenderer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeWaiter struct {
	mu       sync.Mutex
	timeouts []time.Duration
	err      error
}

func (w *fakeWaiter) Wait(_ context.Context, timeout time.Duration) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timeouts = append(w.timeouts, timeout)
	return w.err == nil, w.err
}

func runUntil(t *testing.T, d Deps, stopAfter int, p *fakeProcessor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.onPending = func(call int) {
		if call >= stopAfter {
			cancel()
		}
	}
	d.Processor = p
	d.Log = logger.Discard()

	err := Run(ctx, d)
	if err == nil {
		t.Fatal("expected context error")
	}
	if p.pending < stopAfter {
		t.Fatalf("loop stopped early after %d iterations", p.pending)
	}
}

func TestRunChecksRenderingOnInterval(t *testing.T) {
	p := &fakeProcessor{}
	runUntil(t, Deps{
		Config: config.WorkerConfig{
			PendingPollInterval: time.Millisecond,
			RenderPollInterval:  time.Hour,
		},
	}, 5, p)

	if p.rendering != 1 {
		t.Errorf("expected a single render check within the interval, got %d", p.rendering)
	}
}

func TestRunSkipsWaitWhileJobsAreSubmitted(t *testing.T) {
	p := &fakeProcessor{claimed: []int{2, 1, 0}}
	w := &fakeWaiter{}
	runUntil(t, Deps{
		Waiter: w,
		Config: config.WorkerConfig{PendingPollInterval: time.Second, RenderPollInterval: time.Hour},
		Rand:   func() float64 { return 0.5 },
	}, 4, p)

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.timeouts) != 1 {
		t.Fatalf("expected one wait after the queue drained, got %d", len(w.timeouts))
	}
	if w.timeouts[0] != time.Second {
		t.Errorf("expected wait of 1s, got %s", w.timeouts[0])
	}
}

func TestRunFallsBackToSleepWhenWaiterFails(t *testing.T) {
	p := &fakeProcessor{}
	w := &fakeWaiter{err: fmt.Errorf("redis down")}
	runUntil(t, Deps{
		Waiter: w,
		Config: config.WorkerConfig{PendingPollInterval: time.Millisecond, RenderPollInterval: time.Hour},
	}, 3, p)
}

func TestRunBacksOffWhenStoreUnavailable(t *testing.T) {
	p := &fakeProcessor{pendingErr: errors.StoreUnavailable("fetch", fmt.Errorf("refused"))}
	w := &fakeWaiter{}
	runUntil(t, Deps{
		Waiter: w,
		Config: config.WorkerConfig{
			PendingPollInterval: time.Millisecond,
			RenderPollInterval:  time.Hour,
			MaxBackoff:          4 * time.Millisecond,
		},
	}, 3, p)

	if len(w.timeouts) != 0 {
		t.Error("backoff must not be shortened by nudges")
	}
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &fakeProcessor{}
	if err := Run(ctx, Deps{Processor: p, Log: logger.Discard()}); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if p.pending != 0 {
		t.Error("no iteration should run after cancellation")
	}
}

func TestNextWait(t *testing.T) {
	const base = 15 * time.Second
	tests := []struct {
		name   string
		jitter float64
		r      float64
		want   time.Duration
	}{
		{"no jitter", 0, 0.3, base},
		{"low jitter", 0.2, 0, 12 * time.Second},
		{"mid jitter", 0.2, 0.5, base},
		{"high jitter", 0.2, 0.75, 16500 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextWait(base, tt.jitter, tt.r); got != tt.want {
				t.Errorf("NextWait = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestOutageBackoff(t *testing.T) {
	b := newOutageBackoff(config.WorkerConfig{PendingPollInterval: 15 * time.Second, MaxBackoff: 5 * time.Minute})

	want := []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute, 4 * time.Minute, 5 * time.Minute, 5 * time.Minute}
	for i, w := range want {
		if got := b.NextBackOff(); got != w {
			t.Fatalf("outage %d: got %s, want %s", i+1, got, w)
		}
	}

	b.Reset()
	if got := b.NextBackOff(); got != 30*time.Second {
		t.Errorf("expected reset to start over, got %s", got)
	}
}

// A render service that rejects every submission must not burn the job's
// retries in one burst: the loop waits and the job carries a retry delay.
func TestRunDoesNotSpinOnFailedSubmissions(t *testing.T) {
	store := memstore.New()
	job := models.NewPendingJob("demo-title", map[string]any{"text": "x"}, time.Now())
	id, err := store.Create(context.Background(), job)
	if err != nil {
		t.Fatal(err)
	}

	r := &rejectingRenderer{}
	p := processor.New(processor.Deps{
		Store:    store,
		Renderer: r,
		Config:   processor.Config{MaxRetries: 3, RetryDelay: time.Minute},
		Log:      logger.Discard(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err = Run(ctx, Deps{
		Processor: p,
		Config:    config.WorkerConfig{PendingPollInterval: 15 * time.Second, RenderPollInterval: time.Hour},
		Log:       logger.Discard(),
	})
	if err == nil {
		t.Fatal("expected context error")
	}

	if n := r.count(); n != 1 {
		t.Fatalf("expected a single submission attempt, got %d", n)
	}
	got, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusPending || got.RetryCount() != 1 {
		t.Errorf("expected pending with one retry, got %s retry_count=%d", got.Status, got.RetryCount())
	}
	if !got.NextAttemptAt().After(time.Now()) {
		t.Errorf("expected a future retry time, got %v", got.NextAttemptAt())
	}
}

func TestWithDefaults(t *testing.T) {
	cfg := withDefaults(config.WorkerConfig{PollJitter: 1.5})
	if cfg.PendingPollInterval != defaultPendingPoll || cfg.RenderPollInterval != defaultRenderPoll {
		t.Errorf("unexpected intervals %+v", cfg)
	}
	if cfg.PollJitter != 0 || cfg.MaxBackoff != defaultMaxBackoff {
		t.Errorf("unexpected jitter/backoff %+v", cfg)
	}
}
