package availability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/crm-meeting-scheduler/internal/tenant"
	tw "github.com/hackgods/crm-meeting-scheduler/internal/timewindow"
)

type PgCalendarStore struct {
	pool *pgxpool.Pool
}

func NewPgCalendarStore(pool *pgxpool.Pool) *PgCalendarStore {
	return &PgCalendarStore{pool: pool}
}

const calendarColumns = `id, tenant_id, owner_id, timezone, weekly_hours, blocked_dates, overrides,
	slot_interval_minutes, buffer_minutes, min_notice_hours, max_advance_days,
	enforce_buffer, enforce_min_notice, updated_at`

func scanCalendar(row pgx.Row) (*WorkingHoursCalendar, error) {
	var (
		cal       WorkingHoursCalendar
		weekly    []byte
		blocked   []time.Time
		overrides []byte
	)

	err := row.Scan(
		&cal.ID,
		&cal.TenantID,
		&cal.OwnerID,
		&cal.Timezone,
		&weekly,
		&blocked,
		&overrides,
		&cal.SlotIntervalMinutes,
		&cal.BufferMinutes,
		&cal.MinNoticeHours,
		&cal.MaxAdvanceDays,
		&cal.EnforceBuffer,
		&cal.EnforceMinNotice,
		&cal.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCalendarNotFound
		}
		return nil, err
	}

	byName := map[string][]tw.TimeOfDayRange{}
	if len(weekly) > 0 {
		if err := json.Unmarshal(weekly, &byName); err != nil {
			return nil, fmt.Errorf("decode weekly hours: %w", err)
		}
	}
	if cal.WeeklyHours, err = weeklyHoursFromNames(byName); err != nil {
		return nil, err
	}

	cal.BlockedDates = make(map[tw.Date]struct{}, len(blocked))
	for _, b := range blocked {
		cal.BlockedDates[tw.DateOf(b.UTC())] = struct{}{}
	}

	cal.Overrides = make(map[tw.Date]DateOverride)
	if len(overrides) > 0 {
		if err := json.Unmarshal(overrides, &cal.Overrides); err != nil {
			return nil, fmt.Errorf("decode overrides: %w", err)
		}
	}

	return &cal, nil
}

func (s *PgCalendarStore) Get(ctx context.Context, tc tenant.Context, id uuid.UUID) (*WorkingHoursCalendar, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+calendarColumns+`
		FROM working_hours_calendars
		WHERE tenant_id = $1 AND id = $2
	`, tc.ID, id)
	return scanCalendar(row)
}

func (s *PgCalendarStore) Save(ctx context.Context, tc tenant.Context, cal *WorkingHoursCalendar) error {
	if err := cal.Validate(); err != nil {
		return err
	}
	if cal.ID == uuid.Nil {
		cal.ID = uuid.New()
	}

	weekly, err := json.Marshal(cal.WeeklyHoursByName())
	if err != nil {
		return fmt.Errorf("encode weekly hours: %w", err)
	}
	overrides, err := json.Marshal(cal.Overrides)
	if err != nil {
		return fmt.Errorf("encode overrides: %w", err)
	}
	dates := cal.SortedBlockedDates()
	blocked := make([]time.Time, 0, len(dates))
	for _, d := range dates {
		blocked = append(blocked, time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC))
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO working_hours_calendars (`+calendarColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())
		ON CONFLICT (id) DO UPDATE
		SET timezone = EXCLUDED.timezone,
		    weekly_hours = EXCLUDED.weekly_hours,
		    blocked_dates = EXCLUDED.blocked_dates,
		    overrides = EXCLUDED.overrides,
		    slot_interval_minutes = EXCLUDED.slot_interval_minutes,
		    buffer_minutes = EXCLUDED.buffer_minutes,
		    min_notice_hours = EXCLUDED.min_notice_hours,
		    max_advance_days = EXCLUDED.max_advance_days,
		    enforce_buffer = EXCLUDED.enforce_buffer,
		    enforce_min_notice = EXCLUDED.enforce_min_notice,
		    updated_at = now()
		WHERE working_hours_calendars.tenant_id = EXCLUDED.tenant_id
	`,
		cal.ID, tc.ID, cal.OwnerID, cal.Timezone, weekly, blocked, overrides,
		cal.SlotIntervalMinutes, cal.BufferMinutes, cal.MinNoticeHours, cal.MaxAdvanceDays,
		cal.EnforceBuffer, cal.EnforceMinNotice,
	)
	if err != nil {
		return fmt.Errorf("save calendar: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCalendarNotFound
	}
	cal.TenantID = tc.ID
	return nil
}
