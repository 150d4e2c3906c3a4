package availability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/crm-meeting-scheduler/internal/meetingtype"
	"github.com/hackgods/crm-meeting-scheduler/internal/tenant"
	tw "github.com/hackgods/crm-meeting-scheduler/internal/timewindow"
)

type bookedFunc func(ctx context.Context, tc tenant.Context, meetingTypeID uuid.UUID, rng tw.Window) ([]tw.Window, error)

func (f bookedFunc) ActiveWindows(ctx context.Context, tc tenant.Context, meetingTypeID uuid.UUID, rng tw.Window) ([]tw.Window, error) {
	return f(ctx, tc, meetingTypeID, rng)
}

type serviceFixture struct {
	tc  tenant.Context
	loc *time.Location
	mt  meetingtype.MeetingType
	cal *WorkingHoursCalendar
}

func newServiceFixture(t *testing.T) (serviceFixture, *MemoryCalendarStore) {
	t.Helper()
	loc := mustLoad(t, testZone)
	tc, err := tenant.New(uuid.New())
	if err != nil {
		t.Fatal(err)
	}

	store := NewMemoryCalendarStore()
	cal := mondayCalendar(t)
	if err := store.Save(context.Background(), tc, cal); err != nil {
		t.Fatalf("save calendar: %v", err)
	}

	mt := meetingtype.MeetingType{
		ID:                  uuid.New(),
		TenantID:            tc.ID,
		CalendarID:          cal.ID,
		Name:                "Discovery call",
		DurationMinutes:     60,
		AllowedDurations:    []int{30},
		LocationType:        meetingtype.LocationVideo,
		CalendarSyncEnabled: true,
		CalendarAccountRef:  "acct-1",
	}
	return serviceFixture{tc: tc, loc: loc, mt: mt, cal: cal}, store
}

func TestAvailableSlotsMergesProviderAndLedgerBusyTime(t *testing.T) {
	f, store := newServiceFixture(t)
	external := tw.Window{Start: at(f.loc, monday, 10, 0), End: at(f.loc, monday, 11, 0)}
	held := tw.Window{Start: at(f.loc, monday, 14, 0), End: at(f.loc, monday, 15, 0)}

	svc := NewService(ServiceConfig{
		Calendars: store,
		Provider: BusyTimeProviderFunc(func(_ context.Context, _ tenant.Context, accountRef string, _ tw.Window) ([]tw.Window, error) {
			if accountRef != "acct-1" {
				t.Errorf("unexpected account ref %q", accountRef)
			}
			return []tw.Window{external}, nil
		}),
		Booked: bookedFunc(func(_ context.Context, _ tenant.Context, id uuid.UUID, _ tw.Window) ([]tw.Window, error) {
			if id != f.mt.ID {
				t.Errorf("unexpected meeting type %s", id)
			}
			return []tw.Window{held}, nil
		}),
		Calculator: NewCalculator(fixedNow(at(f.loc, monday.AddDays(-7), 9, 0))),
		Logger:     zerolog.Nop(),
	})

	slots, err := svc.AvailableSlots(context.Background(), f.tc, f.mt, 0, dayWindow(f.loc, monday))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, s := range slots {
		if s.Overlaps(external) || s.Overlaps(held) {
			t.Errorf("slot %s overlaps busy time", s)
		}
	}
	// 16 candidates minus three around each busy hour.
	if len(slots) != 10 {
		t.Errorf("expected 10 slots, got %v", startsOf(slots, f.loc))
	}
}

func TestAvailableSlotsProviderFailureFailsLoud(t *testing.T) {
	f, store := newServiceFixture(t)

	tests := []struct {
		name     string
		provider BusyTimeProvider
		timeout  time.Duration
		want     error
	}{
		{
			name: "generic failure",
			provider: BusyTimeProviderFunc(func(context.Context, tenant.Context, string, tw.Window) ([]tw.Window, error) {
				return nil, errors.New("connection reset")
			}),
			want: ErrProviderUnavailable,
		},
		{
			name: "auth expired",
			provider: BusyTimeProviderFunc(func(context.Context, tenant.Context, string, tw.Window) ([]tw.Window, error) {
				return nil, ErrProviderAuthExpired
			}),
			want: ErrProviderAuthExpired,
		},
		{
			name: "timeout",
			provider: BusyTimeProviderFunc(func(ctx context.Context, _ tenant.Context, _ string, _ tw.Window) ([]tw.Window, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}),
			timeout: 20 * time.Millisecond,
			want:    ErrProviderUnavailable,
		},
		{
			name: "not configured",
			want: ErrProviderUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(ServiceConfig{
				Calendars:       store,
				Provider:        tt.provider,
				ProviderTimeout: tt.timeout,
				Calculator:      NewCalculator(fixedNow(at(f.loc, monday.AddDays(-7), 9, 0))),
				Logger:          zerolog.Nop(),
			})
			slots, err := svc.AvailableSlots(context.Background(), f.tc, f.mt, 0, dayWindow(f.loc, monday))
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if slots != nil {
				t.Fatalf("expected no slots on failure, got %d", len(slots))
			}
		})
	}
}

func TestAvailableSlotsSkipsProviderWhenSyncDisabled(t *testing.T) {
	f, store := newServiceFixture(t)
	f.mt.CalendarSyncEnabled = false

	svc := NewService(ServiceConfig{
		Calendars: store,
		Provider: BusyTimeProviderFunc(func(context.Context, tenant.Context, string, tw.Window) ([]tw.Window, error) {
			t.Error("provider must not be called when sync is disabled")
			return nil, nil
		}),
		Calculator: NewCalculator(fixedNow(at(f.loc, monday.AddDays(-7), 9, 0))),
		Logger:     zerolog.Nop(),
	})

	slots, err := svc.AvailableSlots(context.Background(), f.tc, f.mt, 30, dayWindow(f.loc, monday))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(slots) != 16 || slots[0].Duration() != 30*time.Minute {
		t.Fatalf("expected 16 half-hour slots, got %d", len(slots))
	}
}

func TestAvailableSlotsRejectsUnofferedDuration(t *testing.T) {
	f, store := newServiceFixture(t)
	svc := NewService(ServiceConfig{Calendars: store, Logger: zerolog.Nop()})

	_, err := svc.AvailableSlots(context.Background(), f.tc, f.mt, 45, dayWindow(f.loc, monday))
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestAvailableSlotsBoundsRange(t *testing.T) {
	f, store := newServiceFixture(t)
	f.mt.CalendarSyncEnabled = false
	svc := NewService(ServiceConfig{Calendars: store, MaxRangeDays: 7, Logger: zerolog.Nop()})

	week := dayWindow(f.loc, monday)
	week.End = week.Start.AddDate(0, 0, 7)
	if _, err := svc.AvailableSlots(context.Background(), f.tc, f.mt, 0, week); err != nil {
		t.Fatalf("a full week should be allowed: %v", err)
	}

	week.End = week.End.Add(time.Hour)
	if _, err := svc.AvailableSlots(context.Background(), f.tc, f.mt, 0, week); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestAvailableSlotsScopesCalendarByTenant(t *testing.T) {
	f, store := newServiceFixture(t)
	f.mt.CalendarSyncEnabled = false
	other, _ := tenant.New(uuid.New())
	svc := NewService(ServiceConfig{Calendars: store, Logger: zerolog.Nop()})

	_, err := svc.AvailableSlots(context.Background(), other, f.mt, 0, dayWindow(f.loc, monday))
	if !errors.Is(err, ErrCalendarNotFound) {
		t.Fatalf("expected ErrCalendarNotFound, got %v", err)
	}
}

func TestUpdateCalendarLeavesReadersOnSnapshot(t *testing.T) {
	f, store := newServiceFixture(t)
	svc := NewService(ServiceConfig{Calendars: store, Logger: zerolog.Nop()})
	ctx := context.Background()

	before, err := svc.Calendar(ctx, f.tc, f.cal.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.UpdateCalendar(ctx, f.tc, f.cal.ID, func(c *WorkingHoursCalendar) error {
		c.BlockDate(monday)
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	if before.IsBlocked(monday) {
		t.Error("earlier snapshot observed the update")
	}
	after, err := svc.Calendar(ctx, f.tc, f.cal.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !after.IsBlocked(monday) {
		t.Error("update was not persisted")
	}
}
