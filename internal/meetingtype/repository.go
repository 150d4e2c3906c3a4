package meetingtype

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/hackgods/crm-meeting-scheduler/internal/tenant"
)

// Repository stores meeting type definitions.
type Repository interface {
	Get(ctx context.Context, tc tenant.Context, id uuid.UUID) (*MeetingType, error)
	Save(ctx context.Context, tc tenant.Context, mt MeetingType) (*MeetingType, error)
}

// MemoryRepository is a Repository for tests and single-process tooling.
type MemoryRepository struct {
	mu    sync.RWMutex
	items map[uuid.UUID]MeetingType
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{items: make(map[uuid.UUID]MeetingType)}
}

func (r *MemoryRepository) Get(_ context.Context, tc tenant.Context, id uuid.UUID) (*MeetingType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	mt, ok := r.items[id]
	if !ok || mt.TenantID != tc.ID {
		return nil, ErrMeetingTypeNotFound
	}
	out := mt.Snapshot()
	return &out, nil
}

func (r *MemoryRepository) Save(_ context.Context, tc tenant.Context, mt MeetingType) (*MeetingType, error) {
	if err := mt.Validate(); err != nil {
		return nil, err
	}
	if mt.ID == uuid.Nil {
		mt.ID = uuid.New()
	}
	mt.TenantID = tc.ID

	r.mu.Lock()
	r.items[mt.ID] = mt.Snapshot()
	r.mu.Unlock()

	out := mt.Snapshot()
	return &out, nil
}
