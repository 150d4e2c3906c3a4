package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/crm-meeting-scheduler/internal/tenant"
)

// PgDirectory stores participants, pipeline records and their links.
type PgDirectory struct {
	pool *pgxpool.Pool
}

func NewPgDirectory(pool *pgxpool.Pool) *PgDirectory {
	return &PgDirectory{pool: pool}
}

const participantColumns = `id, tenant_id, name, email, phone, created_at, updated_at`

func scanParticipant(row pgx.Row) (*Participant, error) {
	var (
		p            Participant
		email, phone *string
	)
	err := row.Scan(&p.ID, &p.TenantID, &p.Name, &email, &phone, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrParticipantNotFound
		}
		return nil, err
	}
	if email != nil {
		p.Email = *email
	}
	if phone != nil {
		p.Phone = *phone
	}
	return &p, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (d *PgDirectory) Get(ctx context.Context, tc tenant.Context, id uuid.UUID) (*Participant, error) {
	return scanParticipant(d.pool.QueryRow(ctx, `
		SELECT `+participantColumns+`
		FROM participants
		WHERE tenant_id = $1 AND id = $2
	`, tc.ID, id))
}

func (d *PgDirectory) FindByEmail(ctx context.Context, tc tenant.Context, email string) (*Participant, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, ErrParticipantNotFound
	}
	return scanParticipant(d.pool.QueryRow(ctx, `
		SELECT `+participantColumns+`
		FROM participants
		WHERE tenant_id = $1 AND email = $2
		ORDER BY created_at
		LIMIT 1
	`, tc.ID, email))
}

func (d *PgDirectory) FindByPhone(ctx context.Context, tc tenant.Context, phone string) (*Participant, error) {
	phone = normalizePhone(phone)
	if phone == "" {
		return nil, ErrParticipantNotFound
	}
	return scanParticipant(d.pool.QueryRow(ctx, `
		SELECT `+participantColumns+`
		FROM participants
		WHERE tenant_id = $1 AND phone = $2
		ORDER BY created_at
		LIMIT 1
	`, tc.ID, phone))
}

func (d *PgDirectory) Create(ctx context.Context, tc tenant.Context, p Participant) (*Participant, error) {
	return scanParticipant(d.pool.QueryRow(ctx, `
		INSERT INTO participants (id, tenant_id, name, email, phone, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		RETURNING `+participantColumns,
		uuid.New(), tc.ID, strings.TrimSpace(p.Name), nullable(normalizeEmail(p.Email)), nullable(normalizePhone(p.Phone)),
	))
}

func (d *PgDirectory) FillBlankFields(ctx context.Context, tc tenant.Context, id uuid.UUID, name, email, phone string) (*Participant, error) {
	return scanParticipant(d.pool.QueryRow(ctx, `
		UPDATE participants
		SET name  = CASE WHEN name = '' THEN COALESCE($3, name) ELSE name END,
		    email = COALESCE(email, $4),
		    phone = COALESCE(phone, $5),
		    updated_at = now()
		WHERE tenant_id = $1 AND id = $2
		RETURNING `+participantColumns,
		tc.ID, id, nullable(strings.TrimSpace(name)), nullable(normalizeEmail(email)), nullable(normalizePhone(phone)),
	))
}

func (d *PgDirectory) LinkRecord(ctx context.Context, tc tenant.Context, participantID, pipelineID, recordID uuid.UUID) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO participant_records (tenant_id, participant_id, pipeline_id, record_id, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (tenant_id, participant_id, pipeline_id) DO NOTHING
	`, tc.ID, participantID, pipelineID, recordID)
	if err != nil {
		return fmt.Errorf("link record: %w", err)
	}
	return nil
}

func (d *PgDirectory) FindLinkedRecord(ctx context.Context, tc tenant.Context, participantID, pipelineID uuid.UUID) (uuid.UUID, error) {
	var id uuid.UUID
	err := d.pool.QueryRow(ctx, `
		SELECT record_id
		FROM participant_records
		WHERE tenant_id = $1 AND participant_id = $2 AND pipeline_id = $3
	`, tc.ID, participantID, pipelineID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrRecordNotFound
		}
		return uuid.Nil, fmt.Errorf("find linked record: %w", err)
	}
	return id, nil
}

func (d *PgDirectory) CreateRecord(ctx context.Context, tc tenant.Context, pipelineID uuid.UUID, fields map[string]string) (uuid.UUID, error) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode record fields: %w", err)
	}
	var id uuid.UUID
	err = d.pool.QueryRow(ctx, `
		INSERT INTO pipeline_records (id, tenant_id, pipeline_id, fields, created_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING id
	`, uuid.New(), tc.ID, pipelineID, payload).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create record: %w", err)
	}
	return id, nil
}
