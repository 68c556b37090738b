// Package httpapi wires the admin API routes and middleware.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"cre8/internal/httpapi/handlers"
	"cre8/internal/httpkit"
	"cre8/internal/pkg/logger"
	"cre8/internal/pkg/middleware"
	"cre8/internal/ports"
	"cre8/internal/render/payload"
)

type Deps struct {
	Store    ports.JobStore
	Resetter handlers.Resetter
	Nudger   handlers.Nudger
	Payloads *payload.Registry
	Storage  ports.StorageProvider
	Service  string
	Log      *logger.Logger

	CORSOrigins    []string
	RequestTimeout time.Duration
}

func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(log))
	r.Use(middleware.Recovery(log))
	r.Use(middleware.Timeout(d.RequestTimeout))

	origins := d.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8081"}
	}
	r.Use(httpkit.CORS(httpkit.CORSOptions{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		MaxAgeSeconds:  600,
	}))

	h := handlers.New(handlers.Deps{
		Store:    d.Store,
		Resetter: d.Resetter,
		Nudger:   d.Nudger,
		Payloads: d.Payloads,
		Storage:  d.Storage,
		Service:  d.Service,
		Log:      log,
	})
	wrap := func(fn middleware.HandlerFunc) http.HandlerFunc {
		return middleware.WrapHandler(log, fn)
	}

	r.Get("/health", wrap(h.Health))

	r.Get("/templates", wrap(h.ListTemplates))

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", wrap(h.PostJob))
		r.Get("/", wrap(h.ListJobs))
		r.Get("/{jobId}", wrap(h.GetJob))
		r.Get("/{jobId}/events", wrap(h.ListEvents))
		r.Post("/{jobId}/reset", wrap(h.ResetJob))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpkit.WriteErr(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	return r
}
