package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/crm-meeting-scheduler/internal/availability"
	"github.com/hackgods/crm-meeting-scheduler/internal/booking"
	"github.com/hackgods/crm-meeting-scheduler/internal/facilitator"
	"github.com/hackgods/crm-meeting-scheduler/internal/meetingtype"
	"github.com/hackgods/crm-meeting-scheduler/internal/tasks"
	tw "github.com/hackgods/crm-meeting-scheduler/internal/timewindow"
)

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	srv    *httptest.Server
	queue  *tasks.MemoryQueue
	clock  *clock
	tenant uuid.UUID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		queue:  tasks.NewMemoryQueue(),
		clock:  &clock{now: time.Date(2030, time.June, 1, 8, 0, 0, 0, time.UTC)},
		tenant: uuid.New(),
	}
	ledger := booking.NewMemoryLedger()
	directory := booking.NewMemoryDirectory()
	types := meetingtype.NewMemoryRepository()

	avail := availability.NewService(availability.ServiceConfig{
		Calendars: availability.NewMemoryCalendarStore(),
		Booked:    ledger,
		Logger:    zerolog.Nop(),
	})
	proc := booking.NewProcessor(booking.ProcessorConfig{
		Ledger:       ledger,
		Directory:    directory,
		Records:      directory,
		Effects:      env.queue,
		MeetingTypes: types,
		Logger:       zerolog.Nop(),
	})
	fac := facilitator.NewService(facilitator.ServiceConfig{
		Repo:         facilitator.NewMemoryRepository(),
		MeetingTypes: types,
		Booker:       proc,
		Effects:      env.queue,
		Events:       ledger,
		Now:          env.clock.Now,
		Logger:       zerolog.Nop(),
	})

	env.srv = httptest.NewServer(NewRouter(RouterConfig{
		Availability: avail,
		MeetingTypes: types,
		Processor:    proc,
		Facilitator:  fac,
		Postgres:     fakePinger{},
		Logger:       zerolog.Nop(),
		Env:          "test",
		Version:      "test",
	}))
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTenantID, e.tenant.String())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

var bookingDay = time.Date(2030, time.June, 5, 0, 0, 0, 0, time.UTC)

func at(hour, minute int) time.Time {
	return bookingDay.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

// setup creates an always-open 09:00-12:00 UTC calendar and a 60 minute meeting type.
func (e *testEnv) setup(t *testing.T, fac *meetingtype.FacilitatorSettings) MeetingTypeResponse {
	t.Helper()
	hours := map[string][]tw.TimeOfDayRange{}
	for d := time.Sunday; d <= time.Saturday; d++ {
		r, err := tw.NewTimeOfDayRange("09:00", "12:00")
		if err != nil {
			t.Fatal(err)
		}
		hours[d.String()] = []tw.TimeOfDayRange{r}
	}
	var cal CalendarResponse
	if status := e.do(t, http.MethodPost, "/v1/calendars", CalendarRequest{
		OwnerID:             uuid.New(),
		Timezone:            "UTC",
		WeeklyHours:         hours,
		SlotIntervalMinutes: 30,
	}, &cal); status != http.StatusCreated {
		t.Fatalf("create calendar: status %d", status)
	}
	if len(cal.WeeklyHours) != 7 {
		t.Fatalf("unexpected weekly hours %v", cal.WeeklyHours)
	}

	var mt MeetingTypeResponse
	if status := e.do(t, http.MethodPost, "/v1/meeting-types", MeetingTypeRequest{
		HostID:          uuid.New(),
		CalendarID:      cal.ID,
		Name:            "Discovery call",
		DurationMinutes: 60,
		LocationType:    meetingtype.LocationVideo,
		Facilitator:     fac,
	}, &mt); status != http.StatusCreated {
		t.Fatalf("create meeting type: status %d", status)
	}
	return mt
}

func (e *testEnv) slots(t *testing.T, mtID uuid.UUID) []tw.Window {
	t.Helper()
	var resp SlotsResponse
	path := fmt.Sprintf("/v1/meeting-types/%s/slots?start=%s&end=%s", mtID,
		bookingDay.Format(time.RFC3339), bookingDay.Add(24*time.Hour).Format(time.RFC3339))
	if status := e.do(t, http.MethodGet, path, nil, &resp); status != http.StatusOK {
		t.Fatalf("slots: status %d", status)
	}
	return resp.Slots
}

func TestHealthEndpoints(t *testing.T) {
	tests := []struct {
		name       string
		postgres   error
		redis      error
		wantStatus int
		wantBody   string
	}{
		{"all up", nil, nil, http.StatusOK, "ok"},
		{"redis down", nil, errors.New("refused"), http.StatusOK, "degraded"},
		{"postgres down", errors.New("refused"), nil, http.StatusServiceUnavailable, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(fakePinger{tt.postgres}, fakePinger{tt.redis}, "test", "v1")
			rec := httptest.NewRecorder()
			h.Readiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status %d, want %d", rec.Code, tt.wantStatus)
			}
			var resp ReadinessResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatal(err)
			}
			if resp.Status != tt.wantBody {
				t.Fatalf("status %q, want %q", resp.Status, tt.wantBody)
			}
		})
	}
}

func TestTenantHeaderRequired(t *testing.T) {
	env := newTestEnv(t)
	for _, header := range []string{"", "not-a-uuid", uuid.Nil.String()} {
		req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/v1/meetings/"+uuid.NewString(), nil)
		if header != "" {
			req.Header.Set(HeaderTenantID, header)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("header %q: status %d", header, resp.StatusCode)
		}
	}
}

func TestTenantsAreIsolated(t *testing.T) {
	env := newTestEnv(t)
	mt := env.setup(t, nil)

	env.tenant = uuid.New()
	var errResp ErrorResponse
	if status := env.do(t, http.MethodGet, "/v1/meeting-types/"+mt.ID.String(), nil, &errResp); status != http.StatusNotFound {
		t.Fatalf("status %d", status)
	}
	if errResp.Error != "meeting_type_not_found" {
		t.Fatalf("error %q", errResp.Error)
	}
}

func TestBookingFlow(t *testing.T) {
	env := newTestEnv(t)
	mt := env.setup(t, nil)

	slots := env.slots(t, mt.ID)
	if len(slots) == 0 || !slots[0].Start.Equal(at(9, 0)) {
		t.Fatalf("unexpected slots %v", slots)
	}

	req := BookingRequest{
		Start:    at(9, 0),
		End:      at(10, 0),
		Timezone: "Europe/Berlin",
		Fields:   map[string]string{booking.FieldName: gofakeit.Name(), booking.FieldEmail: gofakeit.Email()},
	}
	var m booking.Meeting
	if status := env.do(t, http.MethodPost, "/v1/meeting-types/"+mt.ID.String()+"/bookings", req, &m); status != http.StatusCreated {
		t.Fatalf("book: status %d", status)
	}
	if m.Status != booking.StatusScheduled || !m.Start.Equal(at(9, 0)) {
		t.Fatalf("unexpected meeting %+v", m)
	}

	var errResp ErrorResponse
	if status := env.do(t, http.MethodPost, "/v1/meeting-types/"+mt.ID.String()+"/bookings", req, &errResp); status != http.StatusConflict {
		t.Fatalf("double book: status %d", status)
	}
	if errResp.Error != "slot_no_longer_available" {
		t.Fatalf("error %q", errResp.Error)
	}

	booked := m.Window()
	for _, s := range env.slots(t, mt.ID) {
		if s.Overlaps(booked) {
			t.Fatalf("slot %s overlaps the booked meeting", s)
		}
	}

	var got booking.Meeting
	if status := env.do(t, http.MethodGet, "/v1/meetings/"+m.ID.String(), nil, &got); status != http.StatusOK || got.ID != m.ID {
		t.Fatalf("get meeting: status %d", status)
	}

	var moved booking.Meeting
	if status := env.do(t, http.MethodPost, "/v1/meetings/"+m.ID.String()+"/reschedule",
		RescheduleRequest{Start: at(10, 0), End: at(11, 0)}, &moved); status != http.StatusCreated {
		t.Fatalf("reschedule: status %d", status)
	}
	if !moved.Start.Equal(at(10, 0)) {
		t.Fatalf("unexpected replacement %+v", moved)
	}

	var cancelled booking.Meeting
	if status := env.do(t, http.MethodPost, "/v1/meetings/"+moved.ID.String()+"/status",
		TransitionRequest{Status: booking.StatusCancelled}, &cancelled); status != http.StatusOK {
		t.Fatalf("cancel: status %d", status)
	}
	if status := env.do(t, http.MethodPost, "/v1/meetings/"+moved.ID.String()+"/status",
		TransitionRequest{Status: booking.StatusConfirmed}, &errResp); status != http.StatusConflict {
		t.Fatalf("transition out of cancelled: status %d", status)
	}
	if status := env.do(t, http.MethodPost, "/v1/meetings/"+moved.ID.String()+"/status",
		TransitionRequest{Status: "archived"}, &errResp); status != http.StatusUnprocessableEntity {
		t.Fatalf("unknown status: status %d", status)
	}
}

func TestBookingValidationErrors(t *testing.T) {
	env := newTestEnv(t)
	mt := env.setup(t, nil)

	var errResp ErrorResponse
	status := env.do(t, http.MethodPost, "/v1/meeting-types/"+mt.ID.String()+"/bookings", BookingRequest{
		Start:    at(9, 0),
		End:      at(9, 45),
		Timezone: "Mars/Olympus",
		Fields:   map[string]string{booking.FieldName: "No Contact"},
	}, &errResp)
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("status %d", status)
	}
	for _, field := range []string{"slot", "timezone", booking.FieldEmail} {
		if _, ok := errResp.Fields[field]; !ok {
			t.Errorf("missing field error for %s: %v", field, errResp.Fields)
		}
	}
}

func TestCalendarRejectsUnknownWeekday(t *testing.T) {
	env := newTestEnv(t)
	r, err := tw.NewTimeOfDayRange("09:00", "12:00")
	if err != nil {
		t.Fatal(err)
	}
	var errResp ErrorResponse
	status := env.do(t, http.MethodPost, "/v1/calendars", CalendarRequest{
		OwnerID:     uuid.New(),
		Timezone:    "UTC",
		WeeklyHours: map[string][]tw.TimeOfDayRange{"Funday": {r}},
	}, &errResp)
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("status %d, want 422 (%+v)", status, errResp)
	}
}

func TestSlotsQueryValidation(t *testing.T) {
	env := newTestEnv(t)
	mt := env.setup(t, nil)
	base := "/v1/meeting-types/" + mt.ID.String() + "/slots"
	start := bookingDay.Format(time.RFC3339)
	end := bookingDay.Add(time.Hour).Format(time.RFC3339)

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"missing start", "?end=" + end, http.StatusBadRequest},
		{"bad duration", "?start=" + start + "&end=" + end + "&duration=abc", http.StatusBadRequest},
		{"duration not offered", "?start=" + start + "&end=" + end + "&duration=45", http.StatusUnprocessableEntity},
		{"inverted range", "?start=" + end + "&end=" + start, http.StatusUnprocessableEntity},
		{"range too wide", "?start=" + start + "&end=" + bookingDay.AddDate(500, 0, 0).Format(time.RFC3339), http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if status := env.do(t, http.MethodGet, base+tt.query, nil, nil); status != tt.want {
				t.Fatalf("status %d, want %d", status, tt.want)
			}
		})
	}
}

func (e *testEnv) latestToken(t *testing.T, tmpl tasks.TemplateKind) string {
	t.Helper()
	queued := e.queue.Tasks()
	for i := len(queued) - 1; i >= 0; i-- {
		if n := queued[i].Notification; n != nil && n.Template == tmpl {
			return n.Data["token"]
		}
	}
	t.Fatalf("no %s notification queued", tmpl)
	return ""
}

func TestFacilitatorFlow(t *testing.T) {
	env := newTestEnv(t)
	mt := env.setup(t, &meetingtype.FacilitatorSettings{MaxTimeOptions: 3})

	var created FacilitatorCreatedResponse
	if status := env.do(t, http.MethodPost, "/v1/facilitator-bookings", FacilitatorCreateRequest{
		MeetingTypeID: mt.ID,
		FacilitatorID: uuid.New(),
		Participant1:  facilitator.Party{Name: gofakeit.Name(), Email: gofakeit.Email()},
		Participant2:  facilitator.Party{Name: gofakeit.Name(), Email: gofakeit.Email()},
	}, &created); status != http.StatusCreated {
		t.Fatalf("create: status %d", status)
	}
	if created.Token == "" || created.Booking.Status != facilitator.StatusPendingP1 {
		t.Fatalf("unexpected create response %+v", created)
	}

	var view FacilitatorViewResponse
	if status := env.do(t, http.MethodGet, "/v1/facilitator/"+created.Token, nil, &view); status != http.StatusOK {
		t.Fatalf("lookup: status %d", status)
	}
	if view.Role != facilitator.RoleParticipant1 {
		t.Fatalf("role %s", view.Role)
	}

	tooMany := ProposalRequest{Slots: []tw.Window{
		{Start: at(9, 0), End: at(10, 0)},
		{Start: at(10, 0), End: at(11, 0)},
		{Start: at(11, 0), End: at(12, 0)},
		{Start: at(13, 0), End: at(14, 0)},
	}}
	var errResp ErrorResponse
	if status := env.do(t, http.MethodPost, "/v1/facilitator/"+created.Token+"/proposal", tooMany, &errResp); status != http.StatusUnprocessableEntity {
		t.Fatalf("too many options: status %d", status)
	}

	proposal := ProposalRequest{Slots: tooMany.Slots[:2]}
	var proposed facilitator.Booking
	if status := env.do(t, http.MethodPost, "/v1/facilitator/"+created.Token+"/proposal", proposal, &proposed); status != http.StatusOK {
		t.Fatalf("proposal: status %d", status)
	}
	if proposed.Status != facilitator.StatusPendingP2 {
		t.Fatalf("status %s", proposed.Status)
	}
	if status := env.do(t, http.MethodPost, "/v1/facilitator/"+created.Token+"/proposal", proposal, &errResp); status != http.StatusConflict {
		t.Fatalf("second proposal: status %d", status)
	}

	tokenP2 := env.latestToken(t, tasks.TemplateFacilitatorProposal)
	if status := env.do(t, http.MethodPost, "/v1/facilitator/"+tokenP2+"/selection",
		SelectionRequest{Start: at(9, 15), End: at(10, 15)}, &errResp); status != http.StatusUnprocessableEntity {
		t.Fatalf("invalid selection: status %d", status)
	}

	var m booking.Meeting
	if status := env.do(t, http.MethodPost, "/v1/facilitator/"+tokenP2+"/selection",
		SelectionRequest{Start: at(10, 0), End: at(11, 0)}, &m); status != http.StatusCreated {
		t.Fatalf("selection: status %d", status)
	}
	if m.FacilitatorBookingID == nil || *m.FacilitatorBookingID != created.Booking.ID {
		t.Fatalf("meeting not linked: %+v", m)
	}

	if status := env.do(t, http.MethodPost, "/v1/facilitator/"+tokenP2+"/selection",
		SelectionRequest{Start: at(9, 0), End: at(10, 0)}, &errResp); status != http.StatusConflict {
		t.Fatalf("second selection: status %d", status)
	}
	if errResp.Error != "already_completed" {
		t.Fatalf("error %q", errResp.Error)
	}

	var final facilitator.Booking
	if status := env.do(t, http.MethodGet, "/v1/facilitator-bookings/"+created.Booking.ID.String(), nil, &final); status != http.StatusOK {
		t.Fatalf("get: status %d", status)
	}
	if final.Status != facilitator.StatusCompleted || final.MeetingID == nil || *final.MeetingID != m.ID {
		t.Fatalf("unexpected final booking %+v", final)
	}
}

func TestFacilitatorExpiryAndCancel(t *testing.T) {
	env := newTestEnv(t)
	mt := env.setup(t, &meetingtype.FacilitatorSettings{ExpiryHours: 1})

	create := func() FacilitatorCreatedResponse {
		var created FacilitatorCreatedResponse
		if status := env.do(t, http.MethodPost, "/v1/facilitator-bookings", FacilitatorCreateRequest{
			MeetingTypeID: mt.ID,
			FacilitatorID: uuid.New(),
			Participant1:  facilitator.Party{Name: gofakeit.Name(), Email: gofakeit.Email()},
			Participant2:  facilitator.Party{Name: gofakeit.Name(), Email: gofakeit.Email()},
		}, &created); status != http.StatusCreated {
			t.Fatalf("create: status %d", status)
		}
		return created
	}

	cancelled := create()
	if status := env.do(t, http.MethodPost, "/v1/facilitator-bookings/"+cancelled.Booking.ID.String()+"/cancel", nil, nil); status != http.StatusOK {
		t.Fatalf("cancel: status %d", status)
	}
	proposal := ProposalRequest{Slots: []tw.Window{{Start: at(9, 0), End: at(10, 0)}}}
	var errResp ErrorResponse
	if status := env.do(t, http.MethodPost, "/v1/facilitator/"+cancelled.Token+"/proposal", proposal, &errResp); status != http.StatusConflict {
		t.Fatalf("proposal on cancelled: status %d", status)
	}
	if errResp.Error != "booking_cancelled" {
		t.Fatalf("error %q", errResp.Error)
	}

	expiring := create()
	env.clock.Advance(2 * time.Hour)
	if status := env.do(t, http.MethodPost, "/v1/facilitator/"+expiring.Token+"/proposal", proposal, &errResp); status != http.StatusGone {
		t.Fatalf("proposal on expired: status %d", status)
	}

	if status := env.do(t, http.MethodGet, "/v1/facilitator/not-a-real-token", nil, &errResp); status != http.StatusNotFound {
		t.Fatalf("unknown token: status %d", status)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
		code string
	}{
		{&booking.ValidationError{FieldErrors: map[string]string{"email": "required"}}, http.StatusUnprocessableEntity, "validation_failed"},
		{fmt.Errorf("commit: %w", booking.ErrSlotNoLongerAvailable), http.StatusConflict, "slot_no_longer_available"},
		{facilitator.ErrExpired, http.StatusGone, "booking_expired"},
		{facilitator.ErrAlreadyCompleted, http.StatusConflict, "already_completed"},
		{facilitator.ErrCancelled, http.StatusConflict, "booking_cancelled"},
		{facilitator.ErrInvalidSelection, http.StatusUnprocessableEntity, "invalid_selection"},
		{facilitator.ErrTooManyOptions, http.StatusUnprocessableEntity, "too_many_options"},
		{facilitator.ErrInvalidToken, http.StatusNotFound, "invalid_token"},
		{fmt.Errorf("fetch: %w", availability.ErrProviderAuthExpired), http.StatusFailedDependency, "calendar_authorization_expired"},
		{fmt.Errorf("%w: timeout", availability.ErrProviderUnavailable), http.StatusServiceUnavailable, "calendar_unavailable"},
		{availability.ErrCalendarNotFound, http.StatusNotFound, "calendar_not_found"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "internal_error"},
	}
	m := errorMapper{logger: zerolog.Nop()}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			rec := httptest.NewRecorder()
			m.handle(rec, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)
			if rec.Code != tt.want {
				t.Fatalf("status %d, want %d", rec.Code, tt.want)
			}
			var resp ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatal(err)
			}
			if resp.Error != tt.code {
				t.Fatalf("code %q, want %q", resp.Error, tt.code)
			}
		})
	}
}
