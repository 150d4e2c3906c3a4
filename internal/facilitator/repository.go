package facilitator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/crm-meeting-scheduler/internal/tenant"
)

type Repository interface {
	Create(ctx context.Context, b Booking) error
	Get(ctx context.Context, tc tenant.Context, id uuid.UUID) (*Booking, error)
	// FindByTokenHash matches either participant's token hash.
	FindByTokenHash(ctx context.Context, tc tenant.Context, hash string) (*Booking, error)
	// CompareAndSet applies ch only while the stored status equals from. A lost
	// race returns errStale.
	CompareAndSet(ctx context.Context, tc tenant.Context, id uuid.UUID, from Status, ch Change) (*Booking, error)
	// ExpirePending marks every pending booking whose deadline is before now as expired.
	ExpirePending(ctx context.Context, now time.Time) (int64, error)
}

type MemoryRepository struct {
	mu    sync.Mutex
	items map[uuid.UUID]Booking
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{items: make(map[uuid.UUID]Booking)}
}

func (r *MemoryRepository) Create(_ context.Context, b Booking) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[b.ID] = b.clone()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, tc tenant.Context, id uuid.UUID) (*Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.items[id]
	if !ok || b.TenantID != tc.ID {
		return nil, ErrBookingNotFound
	}
	out := b.clone()
	return &out, nil
}

func (r *MemoryRepository) FindByTokenHash(_ context.Context, tc tenant.Context, hash string) (*Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.items {
		if b.TenantID != tc.ID {
			continue
		}
		if _, ok := b.RoleOf(hash); ok {
			out := b.clone()
			return &out, nil
		}
	}
	return nil, ErrBookingNotFound
}

func (r *MemoryRepository) CompareAndSet(_ context.Context, tc tenant.Context, id uuid.UUID, from Status, ch Change) (*Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.items[id]
	if !ok || b.TenantID != tc.ID {
		return nil, ErrBookingNotFound
	}
	if b.Status != from {
		return nil, errStale
	}
	ch.apply(&b, time.Now().UTC())
	r.items[id] = b
	out := b.clone()
	return &out, nil
}

func (r *MemoryRepository) ExpirePending(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, b := range r.items {
		if b.Status.Pending() && now.After(b.ExpiresAt) {
			b.Status = StatusExpired
			b.UpdatedAt = now
			r.items[id] = b
			n++
		}
	}
	return n, nil
}
