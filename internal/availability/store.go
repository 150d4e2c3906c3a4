package availability

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/crm-meeting-scheduler/internal/tenant"
)

// CalendarStore persists working hours calendars. Get returns a private copy.
type CalendarStore interface {
	Get(ctx context.Context, tc tenant.Context, id uuid.UUID) (*WorkingHoursCalendar, error)
	Save(ctx context.Context, tc tenant.Context, cal *WorkingHoursCalendar) error
}

type MemoryCalendarStore struct {
	mu        sync.RWMutex
	calendars map[uuid.UUID]*WorkingHoursCalendar
}

func NewMemoryCalendarStore() *MemoryCalendarStore {
	return &MemoryCalendarStore{calendars: make(map[uuid.UUID]*WorkingHoursCalendar)}
}

func (s *MemoryCalendarStore) Get(_ context.Context, tc tenant.Context, id uuid.UUID) (*WorkingHoursCalendar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cal, ok := s.calendars[id]
	if !ok || cal.TenantID != tc.ID {
		return nil, ErrCalendarNotFound
	}
	return cal.Clone(), nil
}

func (s *MemoryCalendarStore) Save(_ context.Context, tc tenant.Context, cal *WorkingHoursCalendar) error {
	if err := cal.Validate(); err != nil {
		return err
	}
	stored := cal.Clone()
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
		cal.ID = stored.ID
	}
	stored.TenantID = tc.ID
	stored.UpdatedAt = time.Now().UTC()
	cal.TenantID = tc.ID

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.calendars[stored.ID]; ok && existing.TenantID != tc.ID {
		return ErrCalendarNotFound
	}
	s.calendars[stored.ID] = stored
	return nil
}
