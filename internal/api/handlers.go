package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/crm-meeting-scheduler/internal/availability"
	"github.com/hackgods/crm-meeting-scheduler/internal/booking"
	"github.com/hackgods/crm-meeting-scheduler/internal/facilitator"
	"github.com/hackgods/crm-meeting-scheduler/internal/meetingtype"
	"github.com/hackgods/crm-meeting-scheduler/internal/tenant"
	tw "github.com/hackgods/crm-meeting-scheduler/internal/timewindow"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// errorMapper turns domain errors into HTTP responses. Unexpected errors are
// logged and reported without detail.
type errorMapper struct {
	logger zerolog.Logger
}

func (m errorMapper) handle(w http.ResponseWriter, r *http.Request, err error) {
	var verr *booking.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:   "validation_failed",
			Details: verr.Error(),
			Fields:  verr.FieldErrors,
		})

	case errors.Is(err, tenant.ErrMissingTenant):
		writeError(w, http.StatusBadRequest, "invalid_tenant", err.Error())

	case errors.Is(err, availability.ErrCalendarNotFound):
		writeError(w, http.StatusNotFound, "calendar_not_found", err.Error())
	case errors.Is(err, meetingtype.ErrMeetingTypeNotFound):
		writeError(w, http.StatusNotFound, "meeting_type_not_found", err.Error())
	case errors.Is(err, booking.ErrMeetingNotFound):
		writeError(w, http.StatusNotFound, "meeting_not_found", err.Error())
	case errors.Is(err, facilitator.ErrBookingNotFound):
		writeError(w, http.StatusNotFound, "facilitator_booking_not_found", err.Error())
	case errors.Is(err, facilitator.ErrInvalidToken):
		writeError(w, http.StatusNotFound, "invalid_token", err.Error())

	case errors.Is(err, booking.ErrSlotNoLongerAvailable):
		writeError(w, http.StatusConflict, "slot_no_longer_available", err.Error())
	case errors.Is(err, booking.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, facilitator.ErrExpired):
		writeError(w, http.StatusGone, "booking_expired", err.Error())
	case errors.Is(err, facilitator.ErrAlreadyCompleted):
		writeError(w, http.StatusConflict, "already_completed", err.Error())
	case errors.Is(err, facilitator.ErrCancelled):
		writeError(w, http.StatusConflict, "booking_cancelled", err.Error())
	case errors.Is(err, facilitator.ErrInvalidSelection):
		writeError(w, http.StatusUnprocessableEntity, "invalid_selection", err.Error())
	case errors.Is(err, facilitator.ErrTooManyOptions):
		writeError(w, http.StatusUnprocessableEntity, "too_many_options", err.Error())

	case errors.Is(err, availability.ErrInvalidInput),
		errors.Is(err, availability.ErrInvalidCalendar),
		errors.Is(err, availability.ErrInvalidTimezone),
		errors.Is(err, availability.ErrUnknownOverrideKind),
		errors.Is(err, meetingtype.ErrInvalidMeetingType),
		errors.Is(err, meetingtype.ErrUnknownLocationType),
		errors.Is(err, booking.ErrUnknownStatus),
		errors.Is(err, tw.ErrInvalidWindow),
		errors.Is(err, tw.ErrInvalidRange),
		errors.Is(err, tw.ErrOverlappingRange):
		writeError(w, http.StatusUnprocessableEntity, "invalid_request", err.Error())

	case errors.Is(err, availability.ErrProviderAuthExpired):
		writeError(w, http.StatusFailedDependency, "calendar_authorization_expired", err.Error())
	case errors.Is(err, availability.ErrProviderUnavailable):
		writeError(w, http.StatusServiceUnavailable, "calendar_unavailable", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "timeout", "the request timed out")

	default:
		m.logger.Error().Err(err).Str("request_id", GetRequestID(r.Context())).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func createCalendarHandler(svc *availability.Service, errs errorMapper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CalendarRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		cal, err := availability.NewCalendar(req.OwnerID, req.Timezone)
		if err != nil {
			errs.handle(w, r, err)
			return
		}
		if err := req.apply(cal); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid_request", err.Error())
			return
		}
		if err := svc.CreateCalendar(r.Context(), tenantFrom(r.Context()), cal); err != nil {
			errs.handle(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, calendarResponse(cal))
	}
}

func getCalendarHandler(svc *availability.Service, errs errorMapper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		cal, err := svc.Calendar(r.Context(), tenantFrom(r.Context()), id)
		if err != nil {
			errs.handle(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, calendarResponse(cal))
	}
}

func updateCalendarHandler(svc *availability.Service, errs errorMapper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		var req CalendarRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		var applyErr error
		cal, err := svc.UpdateCalendar(r.Context(), tenantFrom(r.Context()), id, func(cal *availability.WorkingHoursCalendar) error {
			applyErr = req.apply(cal)
			return applyErr
		})
		if applyErr != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid_request", applyErr.Error())
			return
		}
		if err != nil {
			errs.handle(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, calendarResponse(cal))
	}
}

func createMeetingTypeHandler(types meetingtype.Repository, avail *availability.Service, errs errorMapper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req MeetingTypeRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		tc := tenantFrom(r.Context())
		if _, err := avail.Calendar(r.Context(), tc, req.CalendarID); err != nil {
			errs.handle(w, r, err)
			return
		}
		mt, err := types.Save(r.Context(), tc, req.meetingType())
		if err != nil {
			errs.handle(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, meetingTypeResponse(mt))
	}
}

func getMeetingTypeHandler(types meetingtype.Repository, errs errorMapper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		mt, err := types.Get(r.Context(), tenantFrom(r.Context()), id)
		if err != nil {
			errs.handle(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, meetingTypeResponse(mt))
	}
}

// availableSlotsHandler serves GET ?start=&end=[&duration=] with RFC 3339 bounds.
func availableSlotsHandler(types meetingtype.Repository, avail *availability.Service, errs errorMapper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		q := r.URL.Query()
		start, err := time.Parse(time.RFC3339, q.Get("start"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_start", "start must be an RFC 3339 timestamp")
			return
		}
		end, err := time.Parse(time.RFC3339, q.Get("end"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_end", "end must be an RFC 3339 timestamp")
			return
		}
		duration := 0
		if raw := q.Get("duration"); raw != "" {
			if duration, err = strconv.Atoi(raw); err != nil || duration <= 0 {
				writeError(w, http.StatusBadRequest, "invalid_duration", "duration must be a positive number of minutes")
				return
			}
		}

		tc := tenantFrom(r.Context())
		mt, err := types.Get(r.Context(), tc, id)
		if err != nil {
			errs.handle(w, r, err)
			return
		}
		slots, err := avail.AvailableSlots(r.Context(), tc, *mt, duration, tw.Window{Start: start, End: end})
		if err != nil {
			errs.handle(w, r, err)
			return
		}
		if duration == 0 {
			duration = mt.DurationMinutes
		}
		writeJSON(w, http.StatusOK, SlotsResponse{MeetingTypeID: mt.ID, DurationMinutes: duration, Slots: slots})
	}
}

func createBookingHandler(types meetingtype.Repository, proc *booking.Processor, errs errorMapper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		var req BookingRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		tc := tenantFrom(r.Context())
		mt, err := types.Get(r.Context(), tc, id)
		if err != nil {
			errs.handle(w, r, err)
			return
		}
		m, err := proc.ProcessBooking(r.Context(), tc, booking.Request{
			MeetingType: *mt,
			Slot:        tw.Window{Start: req.Start, End: req.End},
			Timezone:    req.Timezone,
			Location:    req.Location,
			Submitted:   req.Fields,
		})
		if err != nil {
			errs.handle(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, m)
	}
}

func getMeetingHandler(proc *booking.Processor, errs errorMapper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		m, err := proc.Meeting(r.Context(), tenantFrom(r.Context()), id)
		if err != nil {
			errs.handle(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

func transitionMeetingHandler(proc *booking.Processor, errs errorMapper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		var req TransitionRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		to, err := booking.ParseStatus(string(req.Status))
		if err != nil {
			errs.handle(w, r, err)
			return
		}
		m, err := proc.TransitionMeeting(r.Context(), tenantFrom(r.Context()), id, to)
		if err != nil {
			errs.handle(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

func rescheduleMeetingHandler(proc *booking.Processor, errs errorMapper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		var req RescheduleRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		m, err := proc.RescheduleMeeting(r.Context(), tenantFrom(r.Context()), id, tw.Window{Start: req.Start, End: req.End})
		if err != nil {
			errs.handle(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, m)
	}
}

func createFacilitatorBookingHandler(svc *facilitator.Service, errs errorMapper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req FacilitatorCreateRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		created, err := svc.Create(r.Context(), tenantFrom(r.Context()), facilitator.CreateRequest{
			MeetingTypeID: req.MeetingTypeID,
			FacilitatorID: req.FacilitatorID,
			Participant1:  req.Participant1,
			Participant2:  req.Participant2,
		})
		if err != nil {
			errs.handle(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, FacilitatorCreatedResponse{Booking: created.Booking, Token: created.TokenP1})
	}
}

func getFacilitatorBookingHandler(svc *facilitator.Service, errs errorMapper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		b, err := svc.Get(r.Context(), tenantFrom(r.Context()), id)
		if err != nil {
			errs.handle(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	}
}

func cancelFacilitatorBookingHandler(svc *facilitator.Service, errs errorMapper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		b, err := svc.Cancel(r.Context(), tenantFrom(r.Context()), id)
		if err != nil {
			errs.handle(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	}
}

func lookupTokenHandler(svc *facilitator.Service, errs errorMapper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := svc.Lookup(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "token"))
		if err != nil {
			errs.handle(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, FacilitatorViewResponse{Booking: view.Booking, Role: view.Role, Status: view.Status})
	}
}

func submitProposalHandler(svc *facilitator.Service, errs errorMapper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ProposalRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		b, err := svc.SubmitProposal(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "token"), facilitator.Proposal{
			DurationMinutes: req.DurationMinutes,
			Location:        req.Location,
			Timezone:        req.Timezone,
			Slots:           req.Slots,
		})
		if err != nil {
			errs.handle(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	}
}

func selectSlotHandler(svc *facilitator.Service, errs errorMapper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SelectionRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		m, err := svc.SelectSlot(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "token"), tw.Window{Start: req.Start, End: req.End})
		if err != nil {
			errs.handle(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, m)
	}
}
