package facilitator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/crm-meeting-scheduler/internal/meetingtype"
	"github.com/hackgods/crm-meeting-scheduler/internal/tenant"
	tw "github.com/hackgods/crm-meeting-scheduler/internal/timewindow"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const bookingColumns = `id, tenant_id, meeting_type_id, facilitator_id, participant_1, participant_2,
	selected_duration_minutes, selected_location, timezone, proposed_slots, final_start, final_end,
	meeting_id, status, token_p1_hash, token_p2_hash, expires_at, created_at, updated_at`

func scanBooking(row pgx.Row) (*Booking, error) {
	var (
		b                    Booking
		p1, p2, slots        []byte
		duration             *int
		location, tz, p2Hash *string
		finalStart, finalEnd *time.Time
	)
	err := row.Scan(
		&b.ID, &b.TenantID, &b.MeetingTypeID, &b.FacilitatorID, &p1, &p2,
		&duration, &location, &tz, &slots, &finalStart, &finalEnd,
		&b.MeetingID, &b.Status, &b.TokenP1Hash, &p2Hash, &b.ExpiresAt, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(p1, &b.Participant1); err != nil {
		return nil, fmt.Errorf("decode participant_1: %w", err)
	}
	if err := json.Unmarshal(p2, &b.Participant2); err != nil {
		return nil, fmt.Errorf("decode participant_2: %w", err)
	}
	if len(slots) > 0 {
		if err := json.Unmarshal(slots, &b.ProposedSlots); err != nil {
			return nil, fmt.Errorf("decode proposed_slots: %w", err)
		}
	}
	if duration != nil {
		b.DurationMinutes = *duration
	}
	if location != nil {
		b.Location = meetingtype.LocationType(*location)
	}
	if tz != nil {
		b.Timezone = *tz
	}
	if p2Hash != nil {
		b.TokenP2Hash = *p2Hash
	}
	if finalStart != nil && finalEnd != nil {
		b.FinalSlot = &tw.Window{Start: *finalStart, End: *finalEnd}
	}
	return &b, nil
}

func (r *PgRepository) Create(ctx context.Context, b Booking) error {
	p1, err := json.Marshal(b.Participant1)
	if err != nil {
		return err
	}
	p2, err := json.Marshal(b.Participant2)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO facilitator_bookings (id, tenant_id, meeting_type_id, facilitator_id, participant_1,
			participant_2, proposed_slots, status, token_p1_hash, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, '[]'::jsonb, $7, $8, $9, $10, $10)
	`, b.ID, b.TenantID, b.MeetingTypeID, b.FacilitatorID, p1, p2, string(b.Status), b.TokenP1Hash, b.ExpiresAt, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert facilitator booking: %w", err)
	}
	return nil
}

func (r *PgRepository) Get(ctx context.Context, tc tenant.Context, id uuid.UUID) (*Booking, error) {
	return scanBooking(r.pool.QueryRow(ctx, `
		SELECT `+bookingColumns+`
		FROM facilitator_bookings
		WHERE tenant_id = $1 AND id = $2
	`, tc.ID, id))
}

func (r *PgRepository) FindByTokenHash(ctx context.Context, tc tenant.Context, hash string) (*Booking, error) {
	if hash == "" {
		return nil, ErrBookingNotFound
	}
	return scanBooking(r.pool.QueryRow(ctx, `
		SELECT `+bookingColumns+`
		FROM facilitator_bookings
		WHERE tenant_id = $1 AND (token_p1_hash = $2 OR token_p2_hash = $2)
	`, tc.ID, hash))
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *PgRepository) CompareAndSet(ctx context.Context, tc tenant.Context, id uuid.UUID, from Status, ch Change) (*Booking, error) {
	var (
		slots      []byte
		duration   *int
		start, end *time.Time
	)
	if ch.ProposedSlots != nil {
		var err error
		if slots, err = json.Marshal(ch.ProposedSlots); err != nil {
			return nil, err
		}
	}
	if ch.DurationMinutes > 0 {
		duration = &ch.DurationMinutes
	}
	if ch.FinalSlot != nil {
		start, end = &ch.FinalSlot.Start, &ch.FinalSlot.End
	}

	b, err := scanBooking(r.pool.QueryRow(ctx, `
		UPDATE facilitator_bookings
		SET status                    = $4,
		    selected_duration_minutes = COALESCE($5, selected_duration_minutes),
		    selected_location         = COALESCE($6, selected_location),
		    timezone                  = COALESCE($7, timezone),
		    proposed_slots            = COALESCE($8::jsonb, proposed_slots),
		    token_p2_hash             = COALESCE($9, token_p2_hash),
		    final_start               = $10,
		    final_end                 = $11,
		    meeting_id                = COALESCE($12, meeting_id),
		    updated_at                = now()
		WHERE tenant_id = $1 AND id = $2 AND status = $3
		RETURNING `+bookingColumns,
		tc.ID, id, string(from), string(ch.To),
		duration, nullString(string(ch.Location)), nullString(ch.Timezone), slots, nullString(ch.TokenP2Hash),
		start, end, ch.MeetingID,
	))
	if errors.Is(err, ErrBookingNotFound) {
		// distinguish a missing row from a lost race
		if _, getErr := r.Get(ctx, tc, id); getErr != nil {
			return nil, getErr
		}
		return nil, errStale
	}
	if err != nil {
		return nil, fmt.Errorf("update facilitator booking: %w", err)
	}
	return b, nil
}

func (r *PgRepository) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE facilitator_bookings
		SET status = $1, updated_at = now()
		WHERE status = ANY($2) AND expires_at < $3
	`, string(StatusExpired), []string{string(StatusPendingP1), string(StatusPendingP2)}, now)
	if err != nil {
		return 0, fmt.Errorf("expire facilitator bookings: %w", err)
	}
	return tag.RowsAffected(), nil
}
