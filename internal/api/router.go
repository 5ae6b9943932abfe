package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/booking"
	"github.com/hackgods/clinic-scheduling/internal/calendar"
	"github.com/hackgods/clinic-scheduling/internal/offline"
)

type RouterConfig struct {
	Booking  *booking.Service
	Admin    *calendar.Admin
	Engine   *offline.Engine
	Health   *HealthHandler
	Metrics  http.Handler // served on /metrics when set
	Observer HTTPObserver
	Logger   zerolog.Logger
	Now      func() time.Time
}

func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	h := &Handlers{
		booking: cfg.Booking,
		admin:   cfg.Admin,
		engine:  cfg.Engine,
		now:     cfg.Now,
	}

	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger, cfg.Observer))

	// Health endpoints
	if cfg.Health != nil {
		r.Get("/health/live", cfg.Health.Liveness)
		r.Get("/health/ready", cfg.Health.Readiness)
	}
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/availability", func(r chi.Router) {
		r.Get("/", h.availability)
		r.Get("/start-times", h.startTimes)
		r.Get("/next", h.nextAvailable)
	})

	r.Route("/appointments", func(r chi.Router) {
		r.Post("/", h.createAppointment)
		r.Get("/", h.listAppointments)
		r.Get("/{id}", h.getAppointment)
		r.Patch("/{id}", h.rescheduleAppointment)
		r.Delete("/{id}", h.deleteAppointment)
		r.Post("/{id}/approve", h.transition((*booking.Service).Approve))
		r.Post("/{id}/reject", h.transition((*booking.Service).Reject))
		r.Post("/{id}/cancel", h.transition((*booking.Service).Cancel))
	})

	r.Route("/patients", func(r chi.Router) {
		r.Post("/", h.createPatient)
		r.Get("/", h.findPatients)
		r.Get("/{id}", h.getPatient)
		r.Patch("/{id}", h.updatePatient)
		r.Delete("/{id}", h.deletePatient)
	})

	r.Route("/schedule", func(r chi.Router) {
		r.Get("/weekly", h.listWeeklyRules)
		r.Post("/weekly", h.createWeeklyRule)
		r.Delete("/weekly/{id}", h.deleteWeeklyRule)
		r.Get("/exceptions", h.listExceptions)
		r.Post("/exceptions", h.createException)
		r.Delete("/exceptions/{id}", h.deleteException)
	})

	r.Post("/sync", h.sync)
	r.Get("/sync/status", h.syncStatus)

	return r
}
