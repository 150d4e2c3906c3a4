package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hackgods/crm-meeting-scheduler/internal/meetingtype"
	"github.com/hackgods/crm-meeting-scheduler/internal/telemetry"
	"github.com/hackgods/crm-meeting-scheduler/internal/tenant"
	tw "github.com/hackgods/crm-meeting-scheduler/internal/timewindow"
)

const tracerName = "availability"

// BookedTime reports the windows already held by committed meetings of a meeting type.
type BookedTime interface {
	ActiveWindows(ctx context.Context, tc tenant.Context, meetingTypeID uuid.UUID, rng tw.Window) ([]tw.Window, error)
}

type Service struct {
	calendars       CalendarStore
	provider        BusyTimeProvider
	booked          BookedTime
	calc            *Calculator
	providerTimeout time.Duration
	maxRangeDays    int
	logger          zerolog.Logger
}

const DefaultMaxRangeDays = 62

type ServiceConfig struct {
	Calendars       CalendarStore
	Provider        BusyTimeProvider // nil when no calendar integration is configured
	Booked          BookedTime
	Calculator      *Calculator
	ProviderTimeout time.Duration
	MaxRangeDays    int // widest query span; DefaultMaxRangeDays when zero
	Logger          zerolog.Logger
}

func NewService(cfg ServiceConfig) *Service {
	calc := cfg.Calculator
	if calc == nil {
		calc = NewCalculator(nil)
	}
	timeout := cfg.ProviderTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	maxRange := cfg.MaxRangeDays
	if maxRange <= 0 {
		maxRange = DefaultMaxRangeDays
	}
	return &Service{
		calendars:       cfg.Calendars,
		provider:        cfg.Provider,
		booked:          cfg.Booked,
		calc:            calc,
		providerTimeout: timeout,
		maxRangeDays:    maxRange,
		logger:          cfg.Logger.With().Str("component", "availability").Logger(),
	}
}

// AvailableSlots computes the bookable slots of a meeting type inside rng. A
// durationMinutes of zero selects the meeting type's default duration.
// A busy-time provider failure fails the whole call; partial results are never returned.
func (s *Service) AvailableSlots(ctx context.Context, tc tenant.Context, mt meetingtype.MeetingType, durationMinutes int, rng tw.Window) ([]tw.Window, error) {
	start := time.Now()
	defer func() { telemetry.AvailabilityDuration.Observe(time.Since(start).Seconds()) }()

	ctx, span := telemetry.StartSpan(ctx, tracerName, "availability.AvailableSlots",
		attribute.String("tenant_id", tc.String()),
		attribute.String("meeting_type_id", mt.ID.String()),
	)
	defer span.End()

	if !tc.Valid() {
		return nil, tenant.ErrMissingTenant
	}
	if durationMinutes == 0 {
		durationMinutes = mt.DurationMinutes
	}
	if !mt.AllowsDuration(durationMinutes) {
		return nil, fmt.Errorf("%w: duration %d is not offered by this meeting type", ErrInvalidInput, durationMinutes)
	}
	if !rng.Valid() {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, tw.ErrInvalidWindow)
	}
	if rng.Duration() > time.Duration(s.maxRangeDays)*24*time.Hour {
		return nil, fmt.Errorf("%w: range may span at most %d days", ErrInvalidInput, s.maxRangeDays)
	}

	cal, err := s.calendars.Get(ctx, tc, mt.CalendarID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("load calendar: %w", err)
	}

	// Slots may end after rng.End, and buffers reach past both edges.
	pad := time.Duration(0)
	if cal.EnforceBuffer {
		pad = time.Duration(cal.BufferMinutes) * time.Minute
	}
	horizon := rng.Expand(pad, pad+time.Duration(durationMinutes)*time.Minute)

	var busy []tw.Window
	if mt.CalendarSyncEnabled {
		external, err := s.fetchBusy(ctx, tc, mt.CalendarAccountRef, horizon)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
		busy = append(busy, external...)
	}

	if s.booked != nil {
		held, err := s.booked.ActiveWindows(ctx, tc, mt.ID, horizon)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, fmt.Errorf("load booked time: %w", err)
		}
		busy = append(busy, held...)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	slots, err := s.calc.ComputeSlots(cal, busy, durationMinutes, rng)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("slots", len(slots)), attribute.Int("busy_intervals", len(busy)))
	return slots, nil
}

func (s *Service) fetchBusy(ctx context.Context, tc tenant.Context, accountRef string, rng tw.Window) ([]tw.Window, error) {
	if s.provider == nil {
		telemetry.BusyTimeFetchErrors.WithLabelValues("not_configured").Inc()
		return nil, fmt.Errorf("%w: no provider configured", ErrProviderUnavailable)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	defer cancel()
	fetchCtx, span := telemetry.StartSpan(fetchCtx, tracerName, "availability.fetchBusy")
	defer span.End()

	busy, err := s.provider.GetBusyIntervals(fetchCtx, tc, accountRef, rng)
	if err == nil {
		return busy, nil
	}
	telemetry.RecordError(span, err)

	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(fetchCtx.Err(), context.DeadlineExceeded):
		telemetry.BusyTimeFetchErrors.WithLabelValues("timeout").Inc()
		s.logger.Warn().Str("tenant_id", tc.String()).Dur("timeout", s.providerTimeout).Msg("busy time fetch timed out")
		return nil, fmt.Errorf("%w: timed out after %s", ErrProviderUnavailable, s.providerTimeout)
	case errors.Is(err, ErrProviderAuthExpired):
		telemetry.BusyTimeFetchErrors.WithLabelValues("auth_expired").Inc()
		return nil, err
	case errors.Is(err, ErrProviderUnavailable):
		telemetry.BusyTimeFetchErrors.WithLabelValues("unavailable").Inc()
		return nil, err
	default:
		telemetry.BusyTimeFetchErrors.WithLabelValues("error").Inc()
		s.logger.Error().Err(err).Str("tenant_id", tc.String()).Msg("busy time fetch failed")
		return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
}

// UpdateCalendar applies fn to a private copy of the calendar and saves it.
func (s *Service) UpdateCalendar(ctx context.Context, tc tenant.Context, id uuid.UUID, fn func(*WorkingHoursCalendar) error) (*WorkingHoursCalendar, error) {
	cal, err := s.calendars.Get(ctx, tc, id)
	if err != nil {
		return nil, err
	}
	if err := fn(cal); err != nil {
		return nil, err
	}
	if err := s.calendars.Save(ctx, tc, cal); err != nil {
		return nil, err
	}
	return cal, nil
}

func (s *Service) Calendar(ctx context.Context, tc tenant.Context, id uuid.UUID) (*WorkingHoursCalendar, error) {
	return s.calendars.Get(ctx, tc, id)
}

func (s *Service) CreateCalendar(ctx context.Context, tc tenant.Context, cal *WorkingHoursCalendar) error {
	return s.calendars.Save(ctx, tc, cal)
}
