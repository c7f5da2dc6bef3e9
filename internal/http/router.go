package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

type RouterConfig struct {
	Schedules      *ScheduleHandler
	Admin          *AdminHandler
	Logger         zerolog.Logger
	RequestTimeout time.Duration
	// Health reports readiness; nil always reports ok.
	Health func(r *http.Request) error
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(chimiddleware.Recoverer)
	if cfg.RequestTimeout > 0 {
		r.Use(chimiddleware.Timeout(cfg.RequestTimeout))
	}

	responder := newResponder(cfg.Logger)
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if cfg.Health != nil {
			if err := cfg.Health(req); err != nil {
				responder.writeJSON(req.Context(), w, http.StatusServiceUnavailable, map[string]string{
					"status": "unavailable",
					"error":  err.Error(),
				})
				return
			}
		}
		responder.writeJSON(req.Context(), w, http.StatusOK, map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UnixMilli(),
		})
	})

	if cfg.Schedules != nil {
		r.Route("/patients/{"+patientIDParam+"}/schedule", func(r chi.Router) {
			r.Get("/", cfg.Schedules.Get)
			r.Put("/", cfg.Schedules.Put)
			r.Delete("/", cfg.Schedules.Delete)
			r.Post("/regenerate", cfg.Schedules.Regenerate)
		})
		r.Get("/schedules/{"+scheduleIDParam+"}/occurrences", cfg.Schedules.Occurrences)
	}

	if cfg.Admin != nil {
		r.Route("/admin", func(r chi.Router) {
			r.Post("/audit", cfg.Admin.Audit)
		})
	}

	return r
}
