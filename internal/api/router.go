package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/hackgods/crm-meeting-scheduler/internal/availability"
	"github.com/hackgods/crm-meeting-scheduler/internal/booking"
	"github.com/hackgods/crm-meeting-scheduler/internal/facilitator"
	"github.com/hackgods/crm-meeting-scheduler/internal/meetingtype"
	"github.com/hackgods/crm-meeting-scheduler/internal/telemetry"
)

type RouterConfig struct {
	Availability *availability.Service
	MeetingTypes meetingtype.Repository
	Processor    *booking.Processor
	Facilitator  *facilitator.Service
	Postgres     Pinger
	Redis        Pinger // optional
	Logger       zerolog.Logger
	Env          string
	Version      string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	errs := errorMapper{logger: cfg.Logger}

	r.Use(middleware.RealIP)
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(telemetry.TracingMiddleware("crm-meeting-scheduler"))
	r.Use(telemetry.MetricsMiddleware)

	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Handle("/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(TenantMiddleware)

		r.Post("/calendars", createCalendarHandler(cfg.Availability, errs))
		r.Get("/calendars/{id}", getCalendarHandler(cfg.Availability, errs))
		r.Put("/calendars/{id}", updateCalendarHandler(cfg.Availability, errs))

		r.Post("/meeting-types", createMeetingTypeHandler(cfg.MeetingTypes, cfg.Availability, errs))
		r.Get("/meeting-types/{id}", getMeetingTypeHandler(cfg.MeetingTypes, errs))
		r.Get("/meeting-types/{id}/slots", availableSlotsHandler(cfg.MeetingTypes, cfg.Availability, errs))
		r.Post("/meeting-types/{id}/bookings", createBookingHandler(cfg.MeetingTypes, cfg.Processor, errs))

		r.Get("/meetings/{id}", getMeetingHandler(cfg.Processor, errs))
		r.Post("/meetings/{id}/status", transitionMeetingHandler(cfg.Processor, errs))
		r.Post("/meetings/{id}/reschedule", rescheduleMeetingHandler(cfg.Processor, errs))

		r.Post("/facilitator-bookings", createFacilitatorBookingHandler(cfg.Facilitator, errs))
		r.Get("/facilitator-bookings/{id}", getFacilitatorBookingHandler(cfg.Facilitator, errs))
		r.Post("/facilitator-bookings/{id}/cancel", cancelFacilitatorBookingHandler(cfg.Facilitator, errs))

		r.Get("/facilitator/{token}", lookupTokenHandler(cfg.Facilitator, errs))
		r.Post("/facilitator/{token}/proposal", submitProposalHandler(cfg.Facilitator, errs))
		r.Post("/facilitator/{token}/selection", selectSlotHandler(cfg.Facilitator, errs))
	})

	return r
}
