package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"cre8/internal/httpkit"
	"cre8/internal/models"
	"cre8/internal/pkg/errors"
	"cre8/internal/ports"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

type CreateJobRequest struct {
	Template   string         `json:"template" validate:"required,max=128"`
	Asset      map[string]any `json:"asset"`
	VideoURL   string         `json:"video_url" validate:"omitempty,url"`
	MaxRetries int            `json:"max_retries" validate:"gte=0,lte=100"`
	Metadata   map[string]any `json:"metadata"`
}

// reservedMeta are metadata keys owned by the worker.
var reservedMeta = map[string]bool{
	models.MetaRenderID:          true,
	models.MetaRetryCount:        true,
	models.MetaError:             true,
	models.MetaOutputURL:         true,
	models.MetaFinishedAt:        true,
	models.MetaRenderStatus:      true,
	models.MetaSubmittedAt:       true,
	models.MetaArchivedObjectKey: true,
	models.MetaNextAttemptAt:     true,
	models.MetaOpenIssue:         true,
}

type ResetJobRequest struct {
	Force bool `json:"force"`
}

// PostJob creates a pending job and nudges the workers.
func (h *Handler) PostJob(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()

	var req CreateJobRequest
	if err := httpkit.DecodeJSON(r, &req); err != nil {
		return err
	}
	req.Template = strings.TrimSpace(req.Template)
	if err := models.ValidateStruct(req); err != nil {
		return err
	}

	job := models.NewPendingJob(req.Template, req.Asset, h.now())
	job.VideoURL = req.VideoURL
	job.MaxRetries = req.MaxRetries
	for k, v := range req.Metadata {
		if reservedMeta[k] || k == "" || strings.ContainsAny(k, ".$") {
			return errors.ValidationField("metadata."+k, "metadata key is reserved or invalid")
		}
		job.Metadata[k] = v
	}

	id, err := h.store.Create(ctx, job)
	if err != nil {
		return err
	}
	if err := h.store.AppendEvent(ctx, id, models.NewEvent(models.EventCreated, "created via api")); err != nil {
		h.log.FromContext(ctx).Warn("failed to append event", "job_id", id, "error", err.Error())
	}
	if h.nudger != nil {
		if err := h.nudger.Nudge(ctx, id); err != nil {
			h.log.FromContext(ctx).Warn("worker nudge failed", "job_id", id, "error", err.Error())
		}
	}

	created, err := h.store.Get(ctx, id)
	if err != nil {
		return err
	}
	h.log.FromContext(ctx).Info("job created", "job_id", id, "template", created.Template)
	httpkit.WriteJSON(w, http.StatusCreated, map[string]any{"job": created})
	return nil
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()

	status := models.Status(strings.TrimSpace(q.Get("status")))
	if status != "" && !status.Valid() {
		return errors.ValidationField("status", "unknown status "+string(status))
	}

	limit := defaultListLimit
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 || v > maxListLimit {
			return errors.ValidationField("limit", "limit must be between 1 and "+strconv.Itoa(maxListLimit))
		}
		limit = v
	}

	jobs, err := h.store.List(r.Context(), ports.ListQuery{Status: status, Limit: limit})
	if err != nil {
		return err
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
	return nil
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) error {
	job, err := h.store.Get(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"job": job})
	return nil
}

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) error {
	events, err := h.store.Events(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		return err
	}
	if events == nil {
		events = []models.Event{}
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"events": events})
	return nil
}

// ResetJob retries a failed job. force comes from the body or ?force=true.
func (h *Handler) ResetJob(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	jobID := chi.URLParam(r, "jobId")

	var req ResetJobRequest
	if err := httpkit.DecodeJSON(r, &req); err != nil {
		return err
	}
	if r.URL.Query().Get("force") == "true" {
		req.Force = true
	}

	job, err := h.resetter.Reset(ctx, jobID, req.Force)
	if err != nil {
		return err
	}
	if h.nudger != nil {
		if err := h.nudger.Nudge(ctx, jobID); err != nil {
			h.log.FromContext(ctx).Warn("worker nudge failed", "job_id", jobID, "error", err.Error())
		}
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"job": job})
	return nil
}
