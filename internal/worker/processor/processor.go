// Package processor drives render jobs through
// pending → processing → rendering → completed | failed.
//
// Every transition after the claim is a conditional store update on the
// status the processor expects, so a second worker (or an operator reset)
// racing the same job turns into a CONFLICT instead of a lost write.
package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"cre8/internal/models"
	"cre8/internal/pkg/errors"
	"cre8/internal/pkg/logger"
	"cre8/internal/ports"
	"cre8/internal/render/payload"
)

// maxErrorText bounds metadata.error and event messages.
const maxErrorText = 2000

const (
	DefaultPendingBatch   = 5
	DefaultRenderingBatch = 20
	DefaultMaxRetries     = 3
	DefaultStaleAfter     = 6 * time.Hour
	DefaultRetryDelay     = 30 * time.Second
	DefaultRetryMaxDelay  = 10 * time.Minute
	DefaultArchiveTimeout = 2 * time.Minute
)

// Archiver copies a completed render somewhere durable. It records its own
// events; the returned error is only logged.
type Archiver interface {
	Archive(ctx context.Context, job *models.Job) error
}

type Config struct {
	PendingBatch   int
	RenderingBatch int
	MaxRetries     int
	// StaleAfter fails rendering jobs submitted longer ago than this. Zero disables it.
	StaleAfter time.Duration
	// RetryDelay and RetryMaxDelay bound the jittered exponential wait
	// before a requeued job is submitted again.
	RetryDelay     time.Duration
	RetryMaxDelay  time.Duration
	ArchiveTimeout time.Duration
}

type Deps struct {
	Store    ports.JobStore
	Renderer ports.RenderService
	Payloads *payload.Registry
	Archiver Archiver
	Config   Config
	Log      *logger.Logger
	Now      func() time.Time
}

type Processor struct {
	store    ports.JobStore
	renderer ports.RenderService
	payloads *payload.Registry
	archiver Archiver
	cfg      Config
	log      *logger.Logger
	now      func() time.Time
}

func New(d Deps) *Processor {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	cfg := d.Config
	if cfg.PendingBatch <= 0 {
		cfg.PendingBatch = DefaultPendingBatch
	}
	if cfg.RenderingBatch <= 0 {
		cfg.RenderingBatch = DefaultRenderingBatch
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.RetryMaxDelay < cfg.RetryDelay {
		cfg.RetryMaxDelay = max(DefaultRetryMaxDelay, cfg.RetryDelay)
	}
	if cfg.ArchiveTimeout <= 0 {
		cfg.ArchiveTimeout = DefaultArchiveTimeout
	}
	payloads := d.Payloads
	if payloads == nil {
		payloads = payload.NewRegistry()
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}

	return &Processor{
		store:    d.Store,
		renderer: d.Renderer,
		payloads: payloads,
		archiver: d.Archiver,
		cfg:      cfg,
		log:      log.WithComponent("processor"),
		now:      now,
	}
}

// ProcessPending claims up to PendingBatch due pending jobs and submits
// them. It returns how many reached the render service; lost claims and
// failed submissions do not count. Only a failure to list jobs is returned;
// per-job failures are recorded on the job.
func (p *Processor) ProcessPending(ctx context.Context) (int, error) {
	jobs, err := p.store.FetchEligible(ctx, ports.Query{
		Status:  models.StatusPending,
		Claimed: false,
		Limit:   p.cfg.PendingBatch,
		DueBy:   p.now(),
	})
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		p.log.Debug("no pending jobs")
		return 0, nil
	}

	p.log.Info("processing pending jobs", "count", len(jobs))
	submitted := 0
	for _, candidate := range jobs {
		if ctx.Err() != nil {
			break
		}
		if p.processPendingJob(ctx, candidate.ID) {
			submitted++
		}
	}
	return submitted, nil
}

func (p *Processor) processPendingJob(ctx context.Context, jobID string) bool {
	ctx = logger.ContextWithJobID(ctx, jobID)
	log := p.log.WithJobID(jobID)

	job, err := p.store.Claim(ctx, jobID)
	switch {
	case errors.IsConflict(err), errors.IsNotFound(err):
		log.Debug("job taken by another worker")
		return false
	case err != nil:
		log.Warn("claim failed", "error", err.Error())
		return false
	}
	p.appendEvent(ctx, jobID, models.EventProcessing, "job claimed")

	template := p.payloads.Resolve(job.Template)
	if template != job.Template {
		log.Info("unknown template, using default", "template", job.Template, "default", template)
	}

	renderID, err := p.renderer.Submit(ctx, p.payloads.Build(job))
	if err != nil {
		p.retryOrFail(ctx, job, err)
		return false
	}

	log = log.WithRenderID(renderID)
	err = p.store.Update(ctx, jobID, ports.Update{
		IfStatus: models.StatusProcessing,
		Set: map[string]any{
			models.FieldStatus:                         models.StatusRendering,
			models.MetaPath(models.MetaRenderID):      renderID,
			models.MetaPath(models.MetaSubmittedAt):   models.FormatTime(p.now()),
			models.MetaPath(models.MetaRenderStatus):  string(ports.RenderQueued),
			models.MetaPath(models.MetaNextAttemptAt): nil,
		},
	})
	if err != nil {
		// The render exists upstream but the job no longer points at it.
		log.Error("failed to record submitted render", "error", err.Error())
		p.appendEvent(ctx, jobID, models.EventAnomaly, "render "+renderID+" submitted but not recorded: "+err.Error())
		return true
	}

	log.Info("job rendering", "template", template)
	p.appendEvent(ctx, jobID, models.EventRenderSubmitted, "render submitted: "+renderID)
	return true
}

// retryOrFail records a submission failure. The job goes back to pending
// until its retry ceiling is reached, then it fails.
func (p *Processor) retryOrFail(ctx context.Context, job *models.Job, cause error) {
	log := p.log.WithJobID(job.ID)
	msg := truncate(cause.Error())

	attempts := job.RetryCount() + 1
	limit := job.RetryLimit(p.cfg.MaxRetries)
	exhausted := attempts >= limit

	set := map[string]any{
		models.FieldClaimed:               false,
		models.MetaPath(models.MetaError): msg,
	}
	var delay time.Duration
	if exhausted {
		set[models.FieldStatus] = models.StatusFailed
		set[models.MetaPath(models.MetaFinishedAt)] = models.FormatTime(p.now())
	} else {
		delay = p.retryDelay(attempts)
		set[models.FieldStatus] = models.StatusPending
		set[models.MetaPath(models.MetaNextAttemptAt)] = models.FormatTime(p.now().Add(delay))
	}

	err := p.store.Update(ctx, job.ID, ports.Update{
		IfStatus: models.StatusProcessing,
		Set:      set,
		Inc:      map[string]int{models.MetaPath(models.MetaRetryCount): 1},
	})
	if err != nil {
		log.Error("failed to record submission error", "error", err.Error(), "cause", msg)
		return
	}

	p.appendEvent(ctx, job.ID, models.EventError, msg)
	if exhausted {
		log.Error("job failed, retries exhausted", "attempts", attempts, "max_retries", limit, "error", msg)
		p.appendEvent(ctx, job.ID, models.EventFailed, fmt.Sprintf("giving up after %d attempts", attempts))
		return
	}
	log.Warn("submission failed, job requeued",
		"attempts", attempts, "max_retries", limit, "retry_in", delay.String(), "error", msg)
}

// retryDelay is the wait before attempt+1. It grows exponentially with
// jitter so a render-service outage does not burn every retry at once.
func (p *Processor) retryDelay(attempt int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.cfg.RetryDelay,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         p.cfg.RetryMaxDelay,
	}
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return min(d, p.cfg.RetryMaxDelay)
}

// CheckRendering polls the render service for up to RenderingBatch jobs in
// rendering and returns how many it examined.
func (p *Processor) CheckRendering(ctx context.Context) (int, error) {
	jobs, err := p.store.FetchEligible(ctx, ports.Query{
		Status:  models.StatusRendering,
		Claimed: true,
		Limit:   p.cfg.RenderingBatch,
	})
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		p.log.Debug("no rendering jobs")
		return 0, nil
	}

	p.log.Info("checking rendering jobs", "count", len(jobs))
	checked := 0
	var completed []*models.Job
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		done, err := p.checkRenderingJob(ctx, job)
		if err != nil {
			p.log.WithJobID(job.ID).Warn("render check failed", "error", err.Error())
		}
		if done != nil {
			completed = append(completed, done)
		}
		checked++
	}

	// Archiving downloads whole videos, so it waits until every status in
	// the batch has been recorded.
	for _, done := range completed {
		if ctx.Err() != nil {
			break
		}
		p.archive(ctx, done)
	}
	return checked, nil
}

// CheckRenderingJob applies one status poll to a rendering job and archives
// it if it completed. Transient status-check failures are recorded as
// events and leave the job rendering.
func (p *Processor) CheckRenderingJob(ctx context.Context, job *models.Job) error {
	done, err := p.checkRenderingJob(ctx, job)
	if done != nil {
		p.archive(ctx, done)
	}
	return err
}

// checkRenderingJob returns the completed snapshot when the poll finished
// the job.
func (p *Processor) checkRenderingJob(ctx context.Context, job *models.Job) (*models.Job, error) {
	ctx = logger.ContextWithJobID(ctx, job.ID)
	log := p.log.WithJobID(job.ID)

	renderID := job.RenderID()
	if renderID == "" {
		log.Warn("rendering job has no render_id, skipping")
		p.noteIssue(ctx, job, models.EventAnomaly, "rendering without render_id")
		return nil, nil
	}
	log = log.WithRenderID(renderID)

	st, err := p.renderer.Status(ctx, renderID)
	if err != nil {
		log.Warn("status check failed", "error", err.Error())
		if p.stale(job) {
			return nil, p.failRendering(ctx, job, "render timed out", "")
		}
		p.noteIssue(ctx, job, models.EventStatusCheckError, truncate(err.Error()))
		return nil, nil
	}

	switch {
	case st.State == ports.RenderDone && st.OutputURL != "":
		return p.complete(ctx, job, st.OutputURL)
	case st.State.InProgress():
		if p.stale(job) {
			return nil, p.failRendering(ctx, job, "render timed out", string(st.State))
		}
		p.clearIssue(ctx, job)
		log.Debug("still rendering", "render_status", string(st.State))
		return nil, nil
	case st.State == ports.RenderDone:
		return nil, p.failRendering(ctx, job, "render finished without an output url", string(st.State))
	default:
		reason := "render " + string(st.State)
		if st.Error != "" {
			reason += ": " + st.Error
		}
		return nil, p.failRendering(ctx, job, reason, string(st.State))
	}
}

// noteIssue records a recurring problem once. The marker is kept on the job
// until a later poll succeeds, so an outage yields one event per job.
func (p *Processor) noteIssue(ctx context.Context, job *models.Job, t models.EventType, msg string) {
	if job.OpenIssue() == string(t) {
		return
	}
	err := p.store.Update(ctx, job.ID, ports.Update{
		IfStatus: models.StatusRendering,
		Set:      map[string]any{models.MetaPath(models.MetaOpenIssue): string(t)},
	})
	if err != nil {
		if !errors.IsConflict(err) {
			p.log.WithJobID(job.ID).Warn("failed to record open issue", "issue", string(t), "error", err.Error())
		}
		return
	}
	p.appendEvent(ctx, job.ID, t, msg)
}

func (p *Processor) clearIssue(ctx context.Context, job *models.Job) {
	if job.OpenIssue() == "" {
		return
	}
	err := p.store.Update(ctx, job.ID, ports.Update{
		IfStatus: models.StatusRendering,
		Set:      map[string]any{models.MetaPath(models.MetaOpenIssue): nil},
	})
	if err != nil && !errors.IsConflict(err) {
		p.log.WithJobID(job.ID).Warn("failed to clear open issue", "error", err.Error())
	}
}

func (p *Processor) stale(job *models.Job) bool {
	if p.cfg.StaleAfter <= 0 {
		return false
	}
	submitted := job.SubmittedAt()
	return !submitted.IsZero() && p.now().Sub(submitted) > p.cfg.StaleAfter
}

func (p *Processor) complete(ctx context.Context, job *models.Job, outputURL string) (*models.Job, error) {
	finishedAt := models.FormatTime(p.now())
	err := p.store.Update(ctx, job.ID, ports.Update{
		IfStatus: models.StatusRendering,
		Set: map[string]any{
			models.FieldStatus:                        models.StatusCompleted,
			models.FieldOutputPath:                    outputURL,
			models.MetaPath(models.MetaOutputURL):    outputURL,
			models.MetaPath(models.MetaFinishedAt):   finishedAt,
			models.MetaPath(models.MetaRenderStatus): string(ports.RenderDone),
			models.MetaPath(models.MetaOpenIssue):    nil,
		},
	})
	if errors.IsConflict(err) {
		p.log.WithJobID(job.ID).Debug("job already finalized")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	p.log.WithJobID(job.ID).Info("job completed", "output_url", outputURL)
	p.appendEvent(ctx, job.ID, models.EventCompleted, "render completed: "+outputURL)

	done := job.Clone()
	done.Status = models.StatusCompleted
	done.OutputPath = outputURL
	if done.Metadata == nil {
		done.Metadata = map[string]any{}
	}
	done.Metadata[models.MetaOutputURL] = outputURL
	done.Metadata[models.MetaFinishedAt] = finishedAt
	return done, nil
}

// archive copies a completed render within ArchiveTimeout. Failures are
// logged; the archiver records its own events.
func (p *Processor) archive(ctx context.Context, done *models.Job) {
	if p.archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(logger.ContextWithJobID(ctx, done.ID), p.cfg.ArchiveTimeout)
	defer cancel()
	if err := p.archiver.Archive(ctx, done); err != nil {
		p.log.WithJobID(done.ID).Warn("archive failed", "error", err.Error())
	}
}

func (p *Processor) failRendering(ctx context.Context, job *models.Job, reason, renderState string) error {
	reason = truncate(reason)
	set := map[string]any{
		models.FieldStatus:                      models.StatusFailed,
		models.MetaPath(models.MetaError):      reason,
		models.MetaPath(models.MetaFinishedAt): models.FormatTime(p.now()),
	}
	if renderState != "" {
		set[models.MetaPath(models.MetaRenderStatus)] = renderState
	}

	err := p.store.Update(ctx, job.ID, ports.Update{IfStatus: models.StatusRendering, Set: set})
	if errors.IsConflict(err) {
		p.log.WithJobID(job.ID).Debug("job already finalized")
		return nil
	}
	if err != nil {
		return err
	}

	p.log.WithJobID(job.ID).Error("job failed", "error", reason)
	p.appendEvent(ctx, job.ID, models.EventFailed, reason)
	return nil
}

// Reset puts a failed job back to pending. A job that already got a render
// id, or one stuck in processing, needs force.
func (p *Processor) Reset(ctx context.Context, jobID string, force bool) (*models.Job, error) {
	job, err := p.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case models.StatusFailed:
		if job.RenderID() != "" && !force {
			return nil, errors.Conflict("job already reached the render service; use force to resubmit").
				WithField("job_id", jobID)
		}
	case models.StatusProcessing:
		if !force {
			return nil, errors.Conflict("job is processing; use force to reset it").WithField("job_id", jobID)
		}
	default:
		return nil, errors.Conflict("only failed jobs can be reset, job is " + string(job.Status)).
			WithField("job_id", jobID)
	}

	err = p.store.Update(ctx, jobID, ports.Update{
		IfStatus: job.Status,
		Set: map[string]any{
			models.FieldStatus:                         models.StatusPending,
			models.FieldClaimed:                        false,
			models.MetaPath(models.MetaRenderID):      nil,
			models.MetaPath(models.MetaRenderStatus):  nil,
			models.MetaPath(models.MetaSubmittedAt):   nil,
			models.MetaPath(models.MetaRetryCount):    0,
			models.MetaPath(models.MetaNextAttemptAt): nil,
			models.MetaPath(models.MetaOpenIssue):     nil,
		},
	})
	if err != nil {
		return nil, err
	}

	msg := "reset from " + string(job.Status)
	if force {
		msg += " (forced)"
	}
	p.log.WithJobID(jobID).Info("job reset", "from", string(job.Status), "force", force)
	p.appendEvent(ctx, jobID, models.EventReset, msg)

	return p.store.Get(ctx, jobID)
}

// appendEvent records an event. Failures are logged and never interrupt a
// transition that already happened.
func (p *Processor) appendEvent(ctx context.Context, jobID string, t models.EventType, msg string) {
	if err := p.store.AppendEvent(ctx, jobID, models.NewEvent(t, msg)); err != nil {
		p.log.WithJobID(jobID).Warn("failed to append event", "type", string(t), "error", err.Error())
	}
}

func truncate(s string) string {
	if len(s) > maxErrorText {
		return s[:maxErrorText]
	}
	return s
}
