package facilitator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hackgods/crm-meeting-scheduler/internal/booking"
	"github.com/hackgods/crm-meeting-scheduler/internal/meetingtype"
	"github.com/hackgods/crm-meeting-scheduler/internal/tasks"
	"github.com/hackgods/crm-meeting-scheduler/internal/telemetry"
	"github.com/hackgods/crm-meeting-scheduler/internal/tenant"
	tw "github.com/hackgods/crm-meeting-scheduler/internal/timewindow"
)

const (
	EventCreated   = "FACILITATOR_CREATED"
	EventProposed  = "FACILITATOR_PROPOSED"
	EventCompleted = "FACILITATOR_COMPLETED"
	EventCancelled = "FACILITATOR_CANCELLED"
	EventExpired   = "FACILITATOR_EXPIRED"
)

// Booker commits the final meeting. booking.Processor implements it.
type Booker interface {
	ProcessBooking(ctx context.Context, tc tenant.Context, req booking.Request) (*booking.Meeting, error)
}

type EventSink interface {
	InsertEvent(ctx context.Context, ev booking.EventLog) error
}

type ServiceConfig struct {
	Repo         Repository
	MeetingTypes meetingtype.Repository
	Booker       Booker
	Effects      tasks.Enqueuer // optional
	Events       EventSink      // optional
	Now          func() time.Time
	Logger       zerolog.Logger
}

// Service runs the two-party booking workflow: participant 1 proposes slots,
// participant 2 picks one. Every transition is a conditional update so a token
// advances its booking at most once.
type Service struct {
	repo         Repository
	meetingTypes meetingtype.Repository
	booker       Booker
	effects      tasks.Enqueuer
	events       EventSink
	now          func() time.Time
	logger       zerolog.Logger
}

func NewService(cfg ServiceConfig) *Service {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		repo:         cfg.Repo,
		meetingTypes: cfg.MeetingTypes,
		booker:       cfg.Booker,
		effects:      cfg.Effects,
		events:       cfg.Events,
		now:          now,
		logger:       cfg.Logger.With().Str("component", "facilitator").Logger(),
	}
}

type CreateRequest struct {
	MeetingTypeID uuid.UUID
	FacilitatorID uuid.UUID
	Participant1  Party
	Participant2  Party
}

// Created carries the participant 1 token. It is not stored and cannot be recovered.
type Created struct {
	Booking Booking
	TokenP1 string
}

type Proposal struct {
	// DurationMinutes defaults to the meeting type's duration.
	DurationMinutes int
	Location        meetingtype.LocationType
	Timezone        string
	Slots           []tw.Window
}

// View is what a token holder sees.
type View struct {
	Booking Booking
	Role    Role
	Status  Status
}

func validateParties(req CreateRequest) error {
	fields := make(map[string]string)
	checkEmail(fields, "participant_1.email", req.Participant1.Email)
	checkEmail(fields, "participant_2.email", req.Participant2.Email)
	if req.FacilitatorID == uuid.Nil {
		fields["facilitator_id"] = "facilitator is required"
	}
	if len(fields) > 0 {
		return &booking.ValidationError{FieldErrors: fields}
	}
	return nil
}

func checkEmail(fields map[string]string, field, email string) {
	switch {
	case strings.TrimSpace(email) == "":
		fields[field] = "email is required"
	case !booking.ValidEmail(email):
		fields[field] = "invalid email address"
	}
}

func (s *Service) Create(ctx context.Context, tc tenant.Context, req CreateRequest) (*Created, error) {
	if err := validateParties(req); err != nil {
		return nil, err
	}
	mt, err := s.meetingTypes.Get(ctx, tc, req.MeetingTypeID)
	if err != nil {
		return nil, err
	}
	settings := mt.FacilitatorSettings()

	token, hash, err := newToken()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	b := Booking{
		ID:            uuid.New(),
		TenantID:      tc.ID,
		MeetingTypeID: mt.ID,
		FacilitatorID: req.FacilitatorID,
		Participant1:  req.Participant1,
		Participant2:  req.Participant2,
		Status:        StatusPendingP1,
		TokenP1Hash:   hash,
		ExpiresAt:     now.Add(time.Duration(settings.ExpiryHours) * time.Hour),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("create facilitator booking: %w", err)
	}
	telemetry.FacilitatorTransitions.WithLabelValues(string(StatusPendingP1)).Inc()
	s.logEvent(ctx, tc, b.ID, EventCreated, map[string]any{"meeting_type_id": mt.ID.String()})

	s.notify(ctx, tc, tasks.TemplateFacilitatorInvite, b.Participant1.Email, map[string]string{
		"booking_id":   b.ID.String(),
		"meeting_type": mt.Name,
		"token":        token,
		"expires_at":   b.ExpiresAt.Format(time.RFC3339),
	})
	return &Created{Booking: b, TokenP1: token}, nil
}

// Get returns a booking with lazy expiry applied.
func (s *Service) Get(ctx context.Context, tc tenant.Context, id uuid.UUID) (*Booking, error) {
	b, err := s.repo.Get(ctx, tc, id)
	if err != nil {
		return nil, err
	}
	b.Status = s.settleExpiry(ctx, tc, b)
	return b, nil
}

func (s *Service) Lookup(ctx context.Context, tc tenant.Context, token string) (*View, error) {
	b, role, err := s.resolve(ctx, tc, token)
	if err != nil {
		return nil, err
	}
	status := s.settleExpiry(ctx, tc, b)
	b.Status = status
	return &View{Booking: *b, Role: role, Status: status}, nil
}

func (s *Service) SubmitProposal(ctx context.Context, tc tenant.Context, token string, p Proposal) (*Booking, error) {
	ctx, span := telemetry.StartSpan(ctx, "facilitator", "facilitator.SubmitProposal",
		attribute.String("tenant_id", tc.String()))
	defer span.End()

	b, role, err := s.resolve(ctx, tc, token)
	if err != nil {
		return nil, err
	}
	if role != RoleParticipant1 {
		return nil, ErrInvalidToken
	}
	if err := s.requireStatus(ctx, tc, b, StatusPendingP1); err != nil {
		return nil, err
	}

	mt, err := s.meetingTypes.Get(ctx, tc, b.MeetingTypeID)
	if err != nil {
		return nil, err
	}
	ch, err := proposalChange(*mt, p)
	if err != nil {
		return nil, err
	}
	tokenP2, hashP2, err := newToken()
	if err != nil {
		return nil, err
	}
	ch.TokenP2Hash = hashP2

	updated, err := s.repo.CompareAndSet(ctx, tc, b.ID, StatusPendingP1, ch)
	if err != nil {
		return nil, s.raceError(ctx, tc, b.ID, StatusPendingP1, err)
	}
	telemetry.FacilitatorTransitions.WithLabelValues(string(StatusPendingP2)).Inc()
	s.logEvent(ctx, tc, b.ID, EventProposed, map[string]any{"options": len(ch.ProposedSlots)})

	options := make([]string, 0, len(updated.ProposedSlots))
	for _, slot := range updated.ProposedSlots {
		options = append(options, slot.Start.Format(time.RFC3339)+"/"+slot.End.Format(time.RFC3339))
	}
	s.notify(ctx, tc, tasks.TemplateFacilitatorProposal, updated.Participant2.Email, map[string]string{
		"booking_id":   updated.ID.String(),
		"meeting_type": mt.Name,
		"token":        tokenP2,
		"options":      strings.Join(options, ","),
		"timezone":     updated.Timezone,
		"expires_at":   updated.ExpiresAt.Format(time.RFC3339),
	})
	return updated, nil
}

// proposalChange validates a proposal against the meeting type and returns the
// pending_p1 -> pending_p2 change.
func proposalChange(mt meetingtype.MeetingType, p Proposal) (Change, error) {
	settings := mt.FacilitatorSettings()
	if len(p.Slots) == 0 {
		return Change{}, fmt.Errorf("%w: at least one time option is required", ErrInvalidSelection)
	}
	if len(p.Slots) > settings.MaxTimeOptions {
		return Change{}, fmt.Errorf("%w: %d offered, at most %d allowed", ErrTooManyOptions, len(p.Slots), settings.MaxTimeOptions)
	}

	minutes := p.DurationMinutes
	if minutes == 0 {
		minutes = mt.DurationMinutes
	}
	if !mt.AllowsDuration(minutes) {
		return Change{}, fmt.Errorf("%w: duration %d minutes is not offered", ErrInvalidSelection, minutes)
	}
	location := p.Location
	if location == "" {
		location = mt.LocationType
	}
	if !mt.AllowsLocation(location) {
		return Change{}, fmt.Errorf("%w: location %q is not offered", ErrInvalidSelection, location)
	}
	tz := p.Timezone
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return Change{}, fmt.Errorf("%w: unknown timezone %q", ErrInvalidSelection, tz)
	}

	want := time.Duration(minutes) * time.Minute
	slots := make([]tw.Window, 0, len(p.Slots))
	for i, slot := range p.Slots {
		if !slot.Valid() || slot.Duration() != want {
			return Change{}, fmt.Errorf("%w: option %d must last %d minutes", ErrInvalidSelection, i+1, minutes)
		}
		slot = slot.In(time.UTC)
		for _, seen := range slots {
			if seen.Equal(slot) {
				return Change{}, fmt.Errorf("%w: option %d is a duplicate", ErrInvalidSelection, i+1)
			}
		}
		slots = append(slots, slot)
	}

	return Change{
		To:              StatusPendingP2,
		DurationMinutes: minutes,
		Location:        location,
		Timezone:        tz,
		ProposedSlots:   slots,
	}, nil
}

// SelectSlot claims the booking, then commits the meeting. If the slot was
// taken in the meantime or the booking was rejected as invalid, the claim is
// released so another option can be picked. Any other failure keeps the claim.
func (s *Service) SelectSlot(ctx context.Context, tc tenant.Context, token string, slot tw.Window) (*booking.Meeting, error) {
	ctx, span := telemetry.StartSpan(ctx, "facilitator", "facilitator.SelectSlot",
		attribute.String("tenant_id", tc.String()))
	defer span.End()

	b, role, err := s.resolve(ctx, tc, token)
	if err != nil {
		return nil, err
	}
	if role != RoleParticipant2 {
		return nil, ErrInvalidToken
	}
	if err := s.requireStatus(ctx, tc, b, StatusPendingP2); err != nil {
		return nil, err
	}
	if !b.IsProposed(slot) {
		return nil, fmt.Errorf("%w: slot %s was not proposed", ErrInvalidSelection, slot)
	}
	mt, err := s.meetingTypes.Get(ctx, tc, b.MeetingTypeID)
	if err != nil {
		return nil, err
	}

	final := slot.In(time.UTC)
	if _, err := s.repo.CompareAndSet(ctx, tc, b.ID, StatusPendingP2, Change{To: StatusCompleted, FinalSlot: &final}); err != nil {
		return nil, s.raceError(ctx, tc, b.ID, StatusPendingP2, err)
	}

	bookingID := b.ID
	meeting, err := s.booker.ProcessBooking(ctx, tc, booking.Request{
		MeetingType:          *mt,
		Slot:                 final,
		Timezone:             b.Timezone,
		Location:             b.Location,
		Submitted:            partyFields(b.Participant1),
		Guest:                partyFields(b.Participant2),
		SkipConflictCheck:    !mt.FacilitatorSettings().FacilitatorIsAttendee,
		FacilitatorBookingID: &bookingID,
	})
	if err != nil {
		telemetry.RecordError(span, err)
		if !releasable(err) {
			// The commit may have landed, so the claim stays to keep a second meeting out.
			s.logger.Error().Err(err).Str("booking_id", b.ID.String()).
				Msg("facilitator booking failed with unknown outcome, claim kept")
			return nil, err
		}
		releaseCtx := context.WithoutCancel(ctx)
		if _, revertErr := s.repo.CompareAndSet(releaseCtx, tc, b.ID, StatusCompleted, Change{To: StatusPendingP2}); revertErr != nil {
			s.logger.Error().Err(revertErr).Str("booking_id", b.ID.String()).Msg("failed to release facilitator claim")
		}
		return nil, err
	}

	if _, err := s.repo.CompareAndSet(context.WithoutCancel(ctx), tc, b.ID, StatusCompleted, Change{
		To:        StatusCompleted,
		FinalSlot: &final,
		MeetingID: &meeting.ID,
	}); err != nil {
		s.logger.Error().Err(err).Str("booking_id", b.ID.String()).Str("meeting_id", meeting.ID.String()).
			Msg("failed to link meeting to facilitator booking")
	}
	telemetry.FacilitatorTransitions.WithLabelValues(string(StatusCompleted)).Inc()
	s.logEvent(ctx, tc, b.ID, EventCompleted, map[string]any{"meeting_id": meeting.ID.String()})
	return meeting, nil
}

// releasable reports whether a failed booking is known to have committed nothing.
func releasable(err error) bool {
	var verr *booking.ValidationError
	return errors.Is(err, booking.ErrSlotNoLongerAvailable) || errors.As(err, &verr)
}

func (s *Service) Cancel(ctx context.Context, tc tenant.Context, id uuid.UUID) (*Booking, error) {
	b, err := s.repo.Get(ctx, tc, id)
	if err != nil {
		return nil, err
	}
	status := s.settleExpiry(ctx, tc, b)
	if !status.Pending() {
		return nil, statusError(status)
	}
	updated, err := s.repo.CompareAndSet(ctx, tc, id, status, Change{To: StatusCancelled})
	if err != nil {
		return nil, s.raceError(ctx, tc, id, status, err)
	}
	telemetry.FacilitatorTransitions.WithLabelValues(string(StatusCancelled)).Inc()
	s.logEvent(ctx, tc, id, EventCancelled, map[string]any{"from": string(status)})
	return updated, nil
}

// ExpireStale persists expiry for every overdue pending booking across tenants.
func (s *Service) ExpireStale(ctx context.Context) (int64, error) {
	n, err := s.repo.ExpirePending(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		telemetry.FacilitatorTransitions.WithLabelValues(string(StatusExpired)).Add(float64(n))
	}
	return n, nil
}

func (s *Service) resolve(ctx context.Context, tc tenant.Context, token string) (*Booking, Role, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, "", ErrInvalidToken
	}
	hash := HashToken(token)
	b, err := s.repo.FindByTokenHash(ctx, tc, hash)
	if errors.Is(err, ErrBookingNotFound) {
		return nil, "", ErrInvalidToken
	}
	if err != nil {
		return nil, "", err
	}
	role, ok := b.RoleOf(hash)
	if !ok {
		return nil, "", ErrInvalidToken
	}
	return b, role, nil
}

// settleExpiry returns the effective status and persists an overdue expiry.
func (s *Service) settleExpiry(ctx context.Context, tc tenant.Context, b *Booking) Status {
	status := b.EffectiveStatus(s.now())
	if status != StatusExpired || b.Status == StatusExpired {
		return status
	}
	_, err := s.repo.CompareAndSet(ctx, tc, b.ID, b.Status, Change{To: StatusExpired, FinalSlot: b.FinalSlot})
	switch {
	case err == nil:
		telemetry.FacilitatorTransitions.WithLabelValues(string(StatusExpired)).Inc()
		s.logEvent(ctx, tc, b.ID, EventExpired, map[string]any{"from": string(b.Status)})
	case errors.Is(err, errStale):
	default:
		s.logger.Warn().Err(err).Str("booking_id", b.ID.String()).Msg("failed to persist expiry")
	}
	return StatusExpired
}

func (s *Service) requireStatus(ctx context.Context, tc tenant.Context, b *Booking, want Status) error {
	status := s.settleExpiry(ctx, tc, b)
	if status == want {
		return nil
	}
	return statusError(status)
}

func statusError(status Status) error {
	switch status {
	case StatusExpired:
		return ErrExpired
	case StatusCancelled:
		return ErrCancelled
	case StatusCompleted, StatusPendingP2:
		return ErrAlreadyCompleted
	default:
		return ErrInvalidToken
	}
}

// raceError explains why a conditional update from `from` did not apply.
func (s *Service) raceError(ctx context.Context, tc tenant.Context, id uuid.UUID, from Status, err error) error {
	if !errors.Is(err, errStale) {
		return err
	}
	current, getErr := s.repo.Get(ctx, tc, id)
	if getErr != nil {
		return getErr
	}
	status := current.EffectiveStatus(s.now())
	if status == from {
		// a competing selection was released after a slot conflict
		return booking.ErrSlotNoLongerAvailable
	}
	return statusError(status)
}

func partyFields(p Party) map[string]string {
	return map[string]string{
		booking.FieldName:  p.Name,
		booking.FieldEmail: p.Email,
		booking.FieldPhone: p.Phone,
	}
}

func (s *Service) notify(ctx context.Context, tc tenant.Context, tmpl tasks.TemplateKind, recipient string, data map[string]string) {
	if s.effects == nil || recipient == "" {
		return
	}
	t := tasks.NewNotificationTask(tc, nil, tasks.NotificationPayload{Template: tmpl, Recipient: recipient, Data: data})
	if err := s.effects.Enqueue(ctx, t); err != nil {
		s.logger.Error().Err(err).Str("template", string(tmpl)).Msg("failed to queue facilitator notification")
	}
}

func (s *Service) logEvent(ctx context.Context, tc tenant.Context, bookingID uuid.UUID, eventType string, payload map[string]any) {
	if s.events == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error().Err(err).Str("event_type", eventType).Msg("failed to marshal event payload")
	}
	id := bookingID
	if err := s.events.InsertEvent(ctx, booking.EventLog{
		TenantID:  tc.ID,
		EventType: eventType,
		SubjectID: &id,
		Payload:   data,
		CreatedAt: s.now().UTC(),
	}); err != nil {
		s.logger.Error().Err(err).Str("event_type", eventType).Msg("failed to insert event log")
	}
}
