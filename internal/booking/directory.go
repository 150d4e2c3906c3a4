package booking

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/crm-meeting-scheduler/internal/tenant"
)

var ErrRecordNotFound = errors.New("linked record not found")

// ParticipantDirectory is the CRM's contact store.
type ParticipantDirectory interface {
	Get(ctx context.Context, tc tenant.Context, id uuid.UUID) (*Participant, error)
	FindByEmail(ctx context.Context, tc tenant.Context, email string) (*Participant, error)
	FindByPhone(ctx context.Context, tc tenant.Context, phone string) (*Participant, error)
	Create(ctx context.Context, tc tenant.Context, p Participant) (*Participant, error)
	// FillBlankFields sets name, email and phone only where the stored value is empty.
	FillBlankFields(ctx context.Context, tc tenant.Context, id uuid.UUID, name, email, phone string) (*Participant, error)
	LinkRecord(ctx context.Context, tc tenant.Context, participantID, pipelineID, recordID uuid.UUID) error
}

// RecordBinding creates and finds pipeline records for participants.
type RecordBinding interface {
	FindLinkedRecord(ctx context.Context, tc tenant.Context, participantID, pipelineID uuid.UUID) (uuid.UUID, error)
	CreateRecord(ctx context.Context, tc tenant.Context, pipelineID uuid.UUID, fields map[string]string) (uuid.UUID, error)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func normalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(phone) {
		if r == '+' || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

type linkKey struct {
	participant uuid.UUID
	pipeline    uuid.UUID
}

type Record struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	PipelineID uuid.UUID
	Fields     map[string]string
}

// MemoryDirectory implements both ParticipantDirectory and RecordBinding.
type MemoryDirectory struct {
	mu           sync.Mutex
	participants map[uuid.UUID]Participant
	records      map[uuid.UUID]Record
	links        map[linkKey]uuid.UUID
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		participants: make(map[uuid.UUID]Participant),
		records:      make(map[uuid.UUID]Record),
		links:        make(map[linkKey]uuid.UUID),
	}
}

func (d *MemoryDirectory) Get(_ context.Context, tc tenant.Context, id uuid.UUID) (*Participant, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.participants[id]
	if !ok || p.TenantID != tc.ID {
		return nil, ErrParticipantNotFound
	}
	return &p, nil
}

func (d *MemoryDirectory) find(tc tenant.Context, match func(Participant) bool) (*Participant, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var found *Participant
	for _, p := range d.participants {
		if p.TenantID != tc.ID || !match(p) {
			continue
		}
		// oldest wins when duplicates exist
		if found == nil || p.CreatedAt.Before(found.CreatedAt) {
			cp := p
			found = &cp
		}
	}
	if found == nil {
		return nil, ErrParticipantNotFound
	}
	return found, nil
}

func (d *MemoryDirectory) FindByEmail(_ context.Context, tc tenant.Context, email string) (*Participant, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, ErrParticipantNotFound
	}
	return d.find(tc, func(p Participant) bool { return p.Email == email })
}

func (d *MemoryDirectory) FindByPhone(_ context.Context, tc tenant.Context, phone string) (*Participant, error) {
	phone = normalizePhone(phone)
	if phone == "" {
		return nil, ErrParticipantNotFound
	}
	return d.find(tc, func(p Participant) bool { return p.Phone == phone })
}

func (d *MemoryDirectory) Create(_ context.Context, tc tenant.Context, p Participant) (*Participant, error) {
	now := time.Now().UTC()
	p.ID = uuid.New()
	p.TenantID = tc.ID
	p.Email = normalizeEmail(p.Email)
	p.Phone = normalizePhone(p.Phone)
	p.Name = strings.TrimSpace(p.Name)
	p.CreatedAt = now
	p.UpdatedAt = now

	d.mu.Lock()
	d.participants[p.ID] = p
	d.mu.Unlock()
	return &p, nil
}

func (d *MemoryDirectory) FillBlankFields(_ context.Context, tc tenant.Context, id uuid.UUID, name, email, phone string) (*Participant, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.participants[id]
	if !ok || p.TenantID != tc.ID {
		return nil, ErrParticipantNotFound
	}
	if p.Name == "" {
		p.Name = strings.TrimSpace(name)
	}
	if p.Email == "" {
		p.Email = normalizeEmail(email)
	}
	if p.Phone == "" {
		p.Phone = normalizePhone(phone)
	}
	p.UpdatedAt = time.Now().UTC()
	d.participants[id] = p
	return &p, nil
}

func (d *MemoryDirectory) LinkRecord(_ context.Context, tc tenant.Context, participantID, pipelineID, recordID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.participants[participantID]; !ok || p.TenantID != tc.ID {
		return ErrParticipantNotFound
	}
	d.links[linkKey{participant: participantID, pipeline: pipelineID}] = recordID
	return nil
}

func (d *MemoryDirectory) FindLinkedRecord(_ context.Context, tc tenant.Context, participantID, pipelineID uuid.UUID) (uuid.UUID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.links[linkKey{participant: participantID, pipeline: pipelineID}]
	if !ok || d.records[id].TenantID != tc.ID {
		return uuid.Nil, ErrRecordNotFound
	}
	return id, nil
}

func (d *MemoryDirectory) CreateRecord(_ context.Context, tc tenant.Context, pipelineID uuid.UUID, fields map[string]string) (uuid.UUID, error) {
	r := Record{ID: uuid.New(), TenantID: tc.ID, PipelineID: pipelineID, Fields: make(map[string]string, len(fields))}
	for k, v := range fields {
		r.Fields[k] = v
	}
	d.mu.Lock()
	d.records[r.ID] = r
	d.mu.Unlock()
	return r.ID, nil
}

// Records returns the records of a pipeline.
func (d *MemoryDirectory) Records(pipelineID uuid.UUID) []Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Record
	for _, r := range d.records {
		if r.PipelineID == pipelineID {
			out = append(out, r)
		}
	}
	return out
}
