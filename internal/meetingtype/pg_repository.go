package meetingtype

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/crm-meeting-scheduler/internal/tenant"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const meetingTypeColumns = `id, tenant_id, host_id, calendar_id, name, duration_minutes, allowed_durations,
	calendar_account_ref, calendar_sync_enabled, location_type, allowed_locations,
	pipeline, facilitator, created_at, updated_at`

func scanMeetingType(row pgx.Row) (*MeetingType, error) {
	var (
		mt          MeetingType
		accountRef  *string
		locations   []string
		pipeline    []byte
		facilitator []byte
	)

	err := row.Scan(
		&mt.ID,
		&mt.TenantID,
		&mt.HostID,
		&mt.CalendarID,
		&mt.Name,
		&mt.DurationMinutes,
		&mt.AllowedDurations,
		&accountRef,
		&mt.CalendarSyncEnabled,
		&mt.LocationType,
		&locations,
		&pipeline,
		&facilitator,
		&mt.CreatedAt,
		&mt.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMeetingTypeNotFound
		}
		return nil, err
	}

	if accountRef != nil {
		mt.CalendarAccountRef = *accountRef
	}
	for _, l := range locations {
		mt.AllowedLocations = append(mt.AllowedLocations, LocationType(l))
	}
	if len(pipeline) > 0 {
		var p PipelineBinding
		if err := json.Unmarshal(pipeline, &p); err != nil {
			return nil, fmt.Errorf("decode pipeline binding: %w", err)
		}
		mt.Pipeline = &p
	}
	if len(facilitator) > 0 {
		var f FacilitatorSettings
		if err := json.Unmarshal(facilitator, &f); err != nil {
			return nil, fmt.Errorf("decode facilitator settings: %w", err)
		}
		mt.Facilitator = &f
	}

	return &mt, nil
}

func (r *PgRepository) Get(ctx context.Context, tc tenant.Context, id uuid.UUID) (*MeetingType, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+meetingTypeColumns+`
		FROM meeting_types
		WHERE tenant_id = $1 AND id = $2
	`, tc.ID, id)
	return scanMeetingType(row)
}

func (r *PgRepository) Save(ctx context.Context, tc tenant.Context, mt MeetingType) (*MeetingType, error) {
	if err := mt.Validate(); err != nil {
		return nil, err
	}
	if mt.ID == uuid.Nil {
		mt.ID = uuid.New()
	}

	var accountRef *string
	if mt.CalendarAccountRef != "" {
		accountRef = &mt.CalendarAccountRef
	}
	locations := make([]string, 0, len(mt.AllowedLocations))
	for _, l := range mt.AllowedLocations {
		locations = append(locations, string(l))
	}
	pipeline, err := marshalOptional(mt.Pipeline)
	if err != nil {
		return nil, fmt.Errorf("encode pipeline binding: %w", err)
	}
	facilitator, err := marshalOptional(mt.Facilitator)
	if err != nil {
		return nil, fmt.Errorf("encode facilitator settings: %w", err)
	}
	durations := mt.AllowedDurations
	if durations == nil {
		durations = []int{}
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO meeting_types (`+meetingTypeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now(), now())
		ON CONFLICT (id) DO UPDATE
		SET host_id = EXCLUDED.host_id,
		    calendar_id = EXCLUDED.calendar_id,
		    name = EXCLUDED.name,
		    duration_minutes = EXCLUDED.duration_minutes,
		    allowed_durations = EXCLUDED.allowed_durations,
		    calendar_account_ref = EXCLUDED.calendar_account_ref,
		    calendar_sync_enabled = EXCLUDED.calendar_sync_enabled,
		    location_type = EXCLUDED.location_type,
		    allowed_locations = EXCLUDED.allowed_locations,
		    pipeline = EXCLUDED.pipeline,
		    facilitator = EXCLUDED.facilitator,
		    updated_at = now()
		WHERE meeting_types.tenant_id = EXCLUDED.tenant_id
		RETURNING `+meetingTypeColumns,
		mt.ID, tc.ID, mt.HostID, mt.CalendarID, mt.Name, mt.DurationMinutes, durations,
		accountRef, mt.CalendarSyncEnabled, string(mt.LocationType), locations, pipeline, facilitator,
	)

	return scanMeetingType(row)
}

func marshalOptional[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
