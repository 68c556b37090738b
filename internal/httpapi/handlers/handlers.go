// Package handlers implements the admin API endpoints.
package handlers

import (
	"context"
	"time"

	"cre8/internal/models"
	"cre8/internal/pkg/logger"
	"cre8/internal/ports"
	"cre8/internal/render/payload"
)

// Nudger wakes idle workers. The Redis queue implements it.
type Nudger interface {
	Nudge(ctx context.Context, jobID string) error
	Ping(ctx context.Context) error
}

// Resetter puts a failed job back to pending.
type Resetter interface {
	Reset(ctx context.Context, jobID string, force bool) (*models.Job, error)
}

type Deps struct {
	Store    ports.JobStore
	Resetter Resetter
	Nudger   Nudger
	Payloads *payload.Registry
	Storage  ports.StorageProvider
	Service  string
	Log      *logger.Logger
}

type Handler struct {
	store    ports.JobStore
	resetter Resetter
	nudger   Nudger
	payloads *payload.Registry
	sp       ports.StorageProvider
	service  string
	log      *logger.Logger
	now      func() time.Time
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	payloads := d.Payloads
	if payloads == nil {
		payloads = payload.NewRegistry()
	}
	service := d.Service
	if service == "" {
		service = "cre8-api"
	}
	return &Handler{
		store:    d.Store,
		resetter: d.Resetter,
		nudger:   d.Nudger,
		payloads: payloads,
		sp:       d.Storage,
		service:  service,
		log:      log.WithComponent("api"),
		now:      time.Now,
	}
}
