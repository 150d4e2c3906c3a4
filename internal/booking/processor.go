package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hackgods/crm-meeting-scheduler/internal/meetingtype"
	"github.com/hackgods/crm-meeting-scheduler/internal/tasks"
	"github.com/hackgods/crm-meeting-scheduler/internal/telemetry"
	"github.com/hackgods/crm-meeting-scheduler/internal/tenant"
	tw "github.com/hackgods/crm-meeting-scheduler/internal/timewindow"
)

// Form fields with fixed meaning. Everything else is only used by pipeline field mapping.
const (
	FieldName  = "name"
	FieldEmail = "email"
	FieldPhone = "phone"
)

type ProcessorConfig struct {
	Ledger        Ledger
	Directory     ParticipantDirectory
	Records       RecordBinding  // optional
	Effects       tasks.Enqueuer // optional
	// MeetingTypes resolves the meeting type of a rescheduled meeting so its
	// calendar event can be recreated. Without it only notifications are sent.
	MeetingTypes  meetingtype.Repository
	CommitTimeout time.Duration
	Logger        zerolog.Logger
}

// Processor turns a chosen slot into a committed meeting.
type Processor struct {
	ledger        Ledger
	directory     ParticipantDirectory
	records       RecordBinding
	effects       tasks.Enqueuer
	meetingTypes  meetingtype.Repository
	commitTimeout time.Duration
	logger        zerolog.Logger
}

func NewProcessor(cfg ProcessorConfig) *Processor {
	timeout := cfg.CommitTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Processor{
		ledger:        cfg.Ledger,
		directory:     cfg.Directory,
		records:       cfg.Records,
		effects:       cfg.Effects,
		meetingTypes:  cfg.MeetingTypes,
		commitTimeout: timeout,
		logger:        cfg.Logger.With().Str("component", "booking").Logger(),
	}
}

type Request struct {
	MeetingType meetingtype.MeetingType
	Slot        tw.Window
	Timezone    string
	// Location defaults to the meeting type's location.
	Location  meetingtype.LocationType
	Submitted map[string]string
	// Guest is the second participant of a facilitated meeting.
	Guest map[string]string
	// SkipConflictCheck commits the meeting as conflict exempt.
	SkipConflictCheck    bool
	FacilitatorBookingID *uuid.UUID
}

func (p *Processor) validate(tc tenant.Context, req Request) error {
	verr := &ValidationError{}
	if !tc.Valid() {
		verr.add("tenant", tenant.ErrMissingTenant.Error())
	}

	if !req.Slot.Valid() {
		verr.add("slot", tw.ErrInvalidWindow.Error())
	} else {
		d := req.Slot.Duration()
		if d%time.Minute != 0 || !req.MeetingType.AllowsDuration(int(d/time.Minute)) {
			verr.add("slot", fmt.Sprintf("duration %s is not offered by this meeting type", d))
		}
	}

	if req.Timezone == "" {
		verr.add("timezone", "timezone is required")
	} else if _, err := time.LoadLocation(req.Timezone); err != nil {
		verr.add("timezone", fmt.Sprintf("unknown timezone %q", req.Timezone))
	}

	if req.Location != "" && !req.MeetingType.AllowsLocation(req.Location) {
		verr.add("location", fmt.Sprintf("location %q is not offered by this meeting type", req.Location))
	}

	validateContact(verr, "", req.Submitted)
	if req.Guest != nil {
		validateContact(verr, "guest.", req.Guest)
	}

	if verr.HasErrors() {
		return verr
	}
	return nil
}

func validateContact(verr *ValidationError, prefix string, fields map[string]string) {
	email := strings.TrimSpace(fields[FieldEmail])
	phone := normalizePhone(fields[FieldPhone])
	if email == "" && phone == "" {
		verr.add(prefix+FieldEmail, "email or phone is required")
		return
	}
	if email != "" && !ValidEmail(email) {
		verr.add(prefix+FieldEmail, "invalid email address")
	}
}

// ValidEmail reports whether email parses as an RFC 5322 address.
func ValidEmail(email string) bool {
	_, err := mail.ParseAddress(strings.TrimSpace(email))
	return err == nil
}

// ProcessBooking validates the request, re-checks the slot, resolves the
// participant and commits. Side effects are queued after the commit and never
// fail the booking.
func (p *Processor) ProcessBooking(ctx context.Context, tc tenant.Context, req Request) (*Meeting, error) {
	ctx, span := telemetry.StartSpan(ctx, "booking", "booking.ProcessBooking",
		attribute.String("tenant_id", tc.String()),
		attribute.String("meeting_type_id", req.MeetingType.ID.String()),
	)
	defer span.End()

	if err := p.validate(tc, req); err != nil {
		telemetry.BookingsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}
	mt := req.MeetingType
	location := req.Location
	if location == "" {
		location = mt.LocationType
	}

	if !req.SkipConflictCheck {
		conflict, err := p.ledger.HasConflict(ctx, tc, mt.ID, req.Slot, nil)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, fmt.Errorf("check conflict: %w", err)
		}
		if conflict {
			telemetry.BookingsTotal.WithLabelValues("conflict").Inc()
			return nil, ErrSlotNoLongerAvailable
		}
	}

	participant, err := p.resolveParticipant(ctx, tc, req.Submitted)
	if err != nil {
		return nil, fmt.Errorf("resolve participant: %w", err)
	}
	var guest *Participant
	if req.Guest != nil {
		if guest, err = p.resolveParticipant(ctx, tc, req.Guest); err != nil {
			return nil, fmt.Errorf("resolve guest: %w", err)
		}
	}

	if mt.Pipeline != nil && mt.Pipeline.AutoCreateRecord && p.records != nil {
		if err := p.bindRecord(ctx, tc, *mt.Pipeline, participant, req.Submitted); err != nil {
			return nil, fmt.Errorf("bind pipeline record: %w", err)
		}
	}

	// Cancelling before this point is safe. From here on the commit runs to completion.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.commitTimeout)
	defer cancel()

	commit := CommitRequest{
		MeetingTypeID:        mt.ID,
		HostID:               mt.HostID,
		ParticipantID:        participant.ID,
		Window:               req.Slot,
		Timezone:             req.Timezone,
		LocationType:         location,
		FacilitatorBookingID: req.FacilitatorBookingID,
		ConflictExempt:       req.SkipConflictCheck,
	}
	if guest != nil {
		commit.GuestParticipantID = &guest.ID
	}

	meeting, err := p.ledger.Commit(commitCtx, tc, commit)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			telemetry.BookingsTotal.WithLabelValues("conflict").Inc()
			return nil, ErrSlotNoLongerAvailable
		}
		telemetry.RecordError(span, err)
		telemetry.BookingsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("commit meeting: %w", err)
	}
	telemetry.BookingsTotal.WithLabelValues("booked").Inc()

	p.logEvent(commitCtx, tc, meeting.ID, EventMeetingBooked, map[string]any{
		"meeting_type_id": mt.ID.String(),
		"participant_id":  participant.ID.String(),
		"start":           meeting.Start,
		"end":             meeting.End,
		"conflict_exempt": meeting.ConflictExempt,
	})

	p.enqueueBookingEffects(commitCtx, tc, mt, meeting, participant, guest)
	return meeting, nil
}

func (p *Processor) resolveParticipant(ctx context.Context, tc tenant.Context, fields map[string]string) (*Participant, error) {
	name := fields[FieldName]
	email := fields[FieldEmail]
	phone := fields[FieldPhone]

	found, err := p.directory.FindByEmail(ctx, tc, email)
	if errors.Is(err, ErrParticipantNotFound) {
		found, err = p.directory.FindByPhone(ctx, tc, phone)
	}
	switch {
	case err == nil:
		return p.directory.FillBlankFields(ctx, tc, found.ID, name, email, phone)
	case errors.Is(err, ErrParticipantNotFound):
		return p.directory.Create(ctx, tc, Participant{Name: name, Email: email, Phone: phone})
	default:
		return nil, err
	}
}

func (p *Processor) bindRecord(ctx context.Context, tc tenant.Context, binding meetingtype.PipelineBinding, participant *Participant, submitted map[string]string) error {
	_, err := p.records.FindLinkedRecord(ctx, tc, participant.ID, binding.PipelineID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrRecordNotFound) {
		return err
	}

	fields := make(map[string]string, len(binding.FieldMapping))
	for formField, recordField := range binding.FieldMapping {
		if v, ok := submitted[formField]; ok && v != "" {
			fields[recordField] = v
		}
	}
	recordID, err := p.records.CreateRecord(ctx, tc, binding.PipelineID, fields)
	if err != nil {
		return err
	}
	return p.directory.LinkRecord(ctx, tc, participant.ID, binding.PipelineID, recordID)
}

func contactOf(pt *Participant) string {
	if pt.Email != "" {
		return pt.Email
	}
	return pt.Phone
}

func meetingData(mt meetingtype.MeetingType, m *Meeting) map[string]string {
	return map[string]string{
		"meeting_id":   m.ID.String(),
		"meeting_type": mt.Name,
		"start":        m.Start.Format(time.RFC3339),
		"end":          m.End.Format(time.RFC3339),
		"timezone":     m.Timezone,
		"location":     string(m.LocationType),
	}
}

func (p *Processor) enqueueBookingEffects(ctx context.Context, tc tenant.Context, mt meetingtype.MeetingType, m *Meeting, participant, guest *Participant) {
	attendees := []*Participant{participant}
	if guest != nil {
		attendees = append(attendees, guest)
	}

	p.enqueueCalendarEvent(ctx, tc, mt, m, attendees)

	data := meetingData(mt, m)
	for _, a := range attendees {
		p.notify(ctx, tc, m.ID, tasks.TemplateBookingConfirmed, contactOf(a), data)
	}
}

// enqueueCalendarEvent queues the host calendar event for m. The first
// attendee names the event.
func (p *Processor) enqueueCalendarEvent(ctx context.Context, tc tenant.Context, mt meetingtype.MeetingType, m *Meeting, attendees []*Participant) {
	if !mt.CalendarSyncEnabled || mt.CalendarAccountRef == "" || len(attendees) == 0 {
		return
	}
	var emails []string
	for _, a := range attendees {
		if a.Email != "" {
			emails = append(emails, a.Email)
		}
	}
	p.enqueue(ctx, tc, m.ID, tasks.NewCalendarEventTask(tc, m.ID, tasks.EventPayload{
		AccountRef:   mt.CalendarAccountRef,
		Title:        fmt.Sprintf("%s with %s", mt.Name, attendees[0].Name),
		Start:        m.Start,
		End:          m.End,
		Attendees:    emails,
		LocationHint: m.LocationType.Hint(),
	}))
}

func (p *Processor) notify(ctx context.Context, tc tenant.Context, meetingID uuid.UUID, tmpl tasks.TemplateKind, recipient string, data map[string]string) {
	if recipient == "" {
		return
	}
	id := meetingID
	p.enqueue(ctx, tc, meetingID, tasks.NewNotificationTask(tc, &id, tasks.NotificationPayload{
		Template:  tmpl,
		Recipient: recipient,
		Data:      data,
	}))
}

func (p *Processor) enqueue(ctx context.Context, tc tenant.Context, meetingID uuid.UUID, t tasks.Task) {
	if p.effects == nil {
		return
	}
	if err := p.effects.Enqueue(ctx, t); err != nil {
		p.logger.Error().Err(err).
			Str("meeting_id", meetingID.String()).
			Str("task_kind", string(t.Kind)).
			Msg("failed to queue side effect")
		p.logEvent(ctx, tc, meetingID, EventSideEffectDropped, map[string]any{
			"task_id": t.ID.String(),
			"kind":    string(t.Kind),
			"error":   err.Error(),
		})
	}
}

func (p *Processor) logEvent(ctx context.Context, tc tenant.Context, subjectID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error().Err(err).Str("event_type", eventType).Msg("failed to marshal event payload")
		data = nil
	}
	id := subjectID
	ev := EventLog{
		TenantID:  tc.ID,
		EventType: eventType,
		SubjectID: &id,
		Payload:   data,
		CreatedAt: time.Now().UTC(),
	}
	if err := p.ledger.InsertEvent(ctx, ev); err != nil {
		p.logger.Error().Err(err).Str("event_type", eventType).Str("subject_id", subjectID.String()).Msg("failed to insert event log")
	}
}

// Meeting returns a committed meeting.
func (p *Processor) Meeting(ctx context.Context, tc tenant.Context, id uuid.UUID) (*Meeting, error) {
	return p.ledger.Get(ctx, tc, id)
}

// TransitionMeeting moves a meeting along the status machine.
func (p *Processor) TransitionMeeting(ctx context.Context, tc tenant.Context, id uuid.UUID, to Status) (*Meeting, error) {
	current, err := p.ledger.Get(ctx, tc, id)
	if err != nil {
		return nil, err
	}
	if !current.Status.CanTransitionTo(to) {
		return nil, transitionError(current.Status, to)
	}
	if to == StatusRescheduled {
		return nil, fmt.Errorf("%w: use reschedule to move a meeting", ErrInvalidTransition)
	}

	updated, err := p.ledger.Transition(ctx, tc, id, current.Status, to)
	if err != nil {
		return nil, err
	}

	p.logEvent(ctx, tc, id, EventMeetingTransition, map[string]any{
		"from": string(current.Status),
		"to":   string(to),
	})
	if to == StatusCancelled {
		p.notifyParticipants(ctx, tc, updated, p.participantsOf(ctx, tc, updated), tasks.TemplateBookingCancelled)
	}
	return updated, nil
}

// RescheduleMeeting moves a meeting to a new window of the same length. The old
// meeting ends up rescheduled and links to its replacement.
func (p *Processor) RescheduleMeeting(ctx context.Context, tc tenant.Context, id uuid.UUID, slot tw.Window) (*Meeting, error) {
	current, err := p.ledger.Get(ctx, tc, id)
	if err != nil {
		return nil, err
	}
	if !slot.Valid() {
		return nil, &ValidationError{FieldErrors: map[string]string{"slot": tw.ErrInvalidWindow.Error()}}
	}
	if slot.Duration() != current.Window().Duration() {
		return nil, &ValidationError{FieldErrors: map[string]string{
			"slot": fmt.Sprintf("duration must stay %s", current.Window().Duration()),
		}}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.commitTimeout)
	defer cancel()

	old, replacement, err := p.ledger.Reschedule(commitCtx, tc, id, slot)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, ErrSlotNoLongerAvailable
		}
		return nil, err
	}

	p.logEvent(commitCtx, tc, old.ID, EventMeetingRescheduled, map[string]any{
		"rescheduled_to": replacement.ID.String(),
		"start":          replacement.Start,
		"end":            replacement.End,
	})
	attendees := p.participantsOf(commitCtx, tc, replacement)
	p.recreateCalendarEvent(commitCtx, tc, replacement, attendees)
	p.notifyParticipants(commitCtx, tc, replacement, attendees, tasks.TemplateBookingRescheduled)
	return replacement, nil
}

// recreateCalendarEvent queues a calendar event for the replacement of a
// rescheduled meeting, which starts without an external event.
func (p *Processor) recreateCalendarEvent(ctx context.Context, tc tenant.Context, m *Meeting, attendees []*Participant) {
	if p.meetingTypes == nil {
		return
	}
	mt, err := p.meetingTypes.Get(ctx, tc, m.MeetingTypeID)
	if err != nil {
		p.logger.Error().Err(err).Str("meeting_id", m.ID.String()).Msg("meeting type lookup failed, calendar event not queued")
		p.logEvent(ctx, tc, m.ID, EventSideEffectDropped, map[string]any{
			"kind":  string(tasks.KindCreateCalendarEvent),
			"error": err.Error(),
		})
		return
	}
	p.enqueueCalendarEvent(ctx, tc, *mt, m, attendees)
}

func (p *Processor) participantsOf(ctx context.Context, tc tenant.Context, m *Meeting) []*Participant {
	ids := []uuid.UUID{m.ParticipantID}
	if m.GuestParticipantID != nil {
		ids = append(ids, *m.GuestParticipantID)
	}
	out := make([]*Participant, 0, len(ids))
	for _, pid := range ids {
		pt, err := p.directory.Get(ctx, tc, pid)
		if err != nil {
			p.logger.Warn().Err(err).Str("participant_id", pid.String()).Msg("participant lookup failed")
			continue
		}
		out = append(out, pt)
	}
	return out
}

func (p *Processor) notifyParticipants(ctx context.Context, tc tenant.Context, m *Meeting, attendees []*Participant, tmpl tasks.TemplateKind) {
	data := map[string]string{
		"meeting_id": m.ID.String(),
		"start":      m.Start.Format(time.RFC3339),
		"end":        m.End.Format(time.RFC3339),
		"timezone":   m.Timezone,
		"status":     string(m.Status),
	}
	for _, pt := range attendees {
		p.notify(ctx, tc, m.ID, tmpl, contactOf(pt), data)
	}
}
