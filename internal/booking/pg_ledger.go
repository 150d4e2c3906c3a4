package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/crm-meeting-scheduler/internal/tenant"
	tw "github.com/hackgods/crm-meeting-scheduler/internal/timewindow"
)

// exclusion_violation, raised by meetings_no_overlap
const pgExclusionViolation = "23P01"

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgLedger serialises commits per (tenant, meeting type) with a transaction
// scoped advisory lock. The meetings_no_overlap exclusion constraint rejects any
// overlap that slips past the lock.
type PgLedger struct {
	pool *pgxpool.Pool
}

func NewPgLedger(pool *pgxpool.Pool) *PgLedger {
	return &PgLedger{pool: pool}
}

const meetingColumns = `id, tenant_id, meeting_type_id, host_id, participant_id, guest_participant_id,
	start_at, end_at, timezone, status, location_type, external_event_id, meeting_url,
	rescheduled_to_id, facilitator_booking_id, conflict_exempt, created_at, updated_at`

func scanMeeting(row pgx.Row) (*Meeting, error) {
	var m Meeting
	err := row.Scan(
		&m.ID,
		&m.TenantID,
		&m.MeetingTypeID,
		&m.HostID,
		&m.ParticipantID,
		&m.GuestParticipantID,
		&m.Start,
		&m.End,
		&m.Timezone,
		&m.Status,
		&m.LocationType,
		&m.ExternalEventID,
		&m.MeetingURL,
		&m.RescheduledToID,
		&m.FacilitatorBookingID,
		&m.ConflictExempt,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMeetingNotFound
		}
		return nil, err
	}
	return &m, nil
}

func isExclusionViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgExclusionViolation
}

func lockKey(tenantID, meetingTypeID uuid.UUID) string {
	return "meetings:" + tenantID.String() + ":" + meetingTypeID.String()
}

func (l *PgLedger) withLockedTx(ctx context.Context, tenantID, meetingTypeID uuid.UUID, fn func(tx pgx.Tx) error) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, lockKey(tenantID, meetingTypeID)); err != nil {
		return fmt.Errorf("acquire meeting type lock: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if isExclusionViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func hasConflict(ctx context.Context, q querier, tenantID, meetingTypeID uuid.UUID, w tw.Window, excludeID *uuid.UUID) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM meetings
			WHERE tenant_id = $1
			  AND meeting_type_id = $2
			  AND status = ANY($3)
			  AND NOT conflict_exempt
			  AND start_at < $5
			  AND end_at > $4
			  AND ($6::uuid IS NULL OR id <> $6)
		)
	`, tenantID, meetingTypeID, ActiveStatuses(), w.Start, w.End, excludeID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check conflict: %w", err)
	}
	return exists, nil
}

func (l *PgLedger) HasConflict(ctx context.Context, tc tenant.Context, meetingTypeID uuid.UUID, w tw.Window, excludeID *uuid.UUID) (bool, error) {
	return hasConflict(ctx, l.pool, tc.ID, meetingTypeID, w, excludeID)
}

func insertMeeting(ctx context.Context, q querier, m Meeting) (*Meeting, error) {
	row := q.QueryRow(ctx, `
		INSERT INTO meetings (`+meetingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING `+meetingColumns,
		m.ID, m.TenantID, m.MeetingTypeID, m.HostID, m.ParticipantID, m.GuestParticipantID,
		m.Start, m.End, m.Timezone, string(m.Status), string(m.LocationType), m.ExternalEventID, m.MeetingURL,
		m.RescheduledToID, m.FacilitatorBookingID, m.ConflictExempt, m.CreatedAt, m.UpdatedAt,
	)
	created, err := scanMeeting(row)
	if err != nil {
		if isExclusionViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("insert meeting: %w", err)
	}
	return created, nil
}

func (l *PgLedger) Commit(ctx context.Context, tc tenant.Context, req CommitRequest) (*Meeting, error) {
	if !req.Window.Valid() {
		return nil, tw.ErrInvalidWindow
	}

	var created *Meeting
	err := l.withLockedTx(ctx, tc.ID, req.MeetingTypeID, func(tx pgx.Tx) error {
		if !req.ConflictExempt {
			conflict, err := hasConflict(ctx, tx, tc.ID, req.MeetingTypeID, req.Window, nil)
			if err != nil {
				return err
			}
			if conflict {
				return ErrConflict
			}
		}

		m, err := insertMeeting(ctx, tx, req.newMeeting(tc.ID, time.Now().UTC()))
		if err != nil {
			return err
		}
		created = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (l *PgLedger) Get(ctx context.Context, tc tenant.Context, id uuid.UUID) (*Meeting, error) {
	row := l.pool.QueryRow(ctx, `
		SELECT `+meetingColumns+`
		FROM meetings
		WHERE tenant_id = $1 AND id = $2
	`, tc.ID, id)
	return scanMeeting(row)
}

func (l *PgLedger) ListActive(ctx context.Context, tc tenant.Context, meetingTypeID uuid.UUID, w tw.Window) ([]Meeting, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT `+meetingColumns+`
		FROM meetings
		WHERE tenant_id = $1
		  AND meeting_type_id = $2
		  AND status = ANY($3)
		  AND start_at < $5
		  AND end_at > $4
		ORDER BY start_at
	`, tc.ID, meetingTypeID, ActiveStatuses(), w.Start, w.End)
	if err != nil {
		return nil, fmt.Errorf("list active meetings: %w", err)
	}
	defer rows.Close()

	var out []Meeting
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (l *PgLedger) ActiveWindows(ctx context.Context, tc tenant.Context, meetingTypeID uuid.UUID, w tw.Window) ([]tw.Window, error) {
	meetings, err := l.ListActive(ctx, tc, meetingTypeID, w)
	if err != nil {
		return nil, err
	}
	return occupiedWindows(meetings), nil
}

func (l *PgLedger) Transition(ctx context.Context, tc tenant.Context, id uuid.UUID, from, to Status) (*Meeting, error) {
	if !from.CanTransitionTo(to) {
		return nil, transitionError(from, to)
	}

	row := l.pool.QueryRow(ctx, `
		UPDATE meetings
		SET status = $4, updated_at = now()
		WHERE tenant_id = $1 AND id = $2 AND status = $3
		RETURNING `+meetingColumns,
		tc.ID, id, string(from), string(to),
	)
	m, err := scanMeeting(row)
	if errors.Is(err, ErrMeetingNotFound) {
		current, getErr := l.Get(ctx, tc, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, transitionError(current.Status, to)
	}
	return m, err
}

func (l *PgLedger) SetExternalEvent(ctx context.Context, tc tenant.Context, id uuid.UUID, eventID, meetingURL string) error {
	var url *string
	if meetingURL != "" {
		url = &meetingURL
	}
	tag, err := l.pool.Exec(ctx, `
		UPDATE meetings
		SET external_event_id = $3, meeting_url = COALESCE($4, meeting_url), updated_at = now()
		WHERE tenant_id = $1 AND id = $2
	`, tc.ID, id, eventID, url)
	if err != nil {
		return fmt.Errorf("set external event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMeetingNotFound
	}
	return nil
}

func (l *PgLedger) Reschedule(ctx context.Context, tc tenant.Context, id uuid.UUID, w tw.Window) (*Meeting, *Meeting, error) {
	if !w.Valid() {
		return nil, nil, tw.ErrInvalidWindow
	}
	current, err := l.Get(ctx, tc, id)
	if err != nil {
		return nil, nil, err
	}

	var old, replacement *Meeting
	err = l.withLockedTx(ctx, tc.ID, current.MeetingTypeID, func(tx pgx.Tx) error {
		locked, err := scanMeeting(tx.QueryRow(ctx, `
			SELECT `+meetingColumns+`
			FROM meetings
			WHERE tenant_id = $1 AND id = $2
			FOR UPDATE
		`, tc.ID, id))
		if err != nil {
			return err
		}
		if !locked.Status.CanTransitionTo(StatusRescheduled) {
			return transitionError(locked.Status, StatusRescheduled)
		}
		if !locked.ConflictExempt {
			conflict, err := hasConflict(ctx, tx, tc.ID, locked.MeetingTypeID, w, &locked.ID)
			if err != nil {
				return err
			}
			if conflict {
				return ErrConflict
			}
		}

		next := locked.rescheduledCopy(w, time.Now().UTC())

		// The old row leaves the exclusion constraint before the new row enters it.
		old, err = scanMeeting(tx.QueryRow(ctx, `
			UPDATE meetings
			SET status = $3, rescheduled_to_id = $4, updated_at = now()
			WHERE tenant_id = $1 AND id = $2
			RETURNING `+meetingColumns,
			tc.ID, id, string(StatusRescheduled), next.ID,
		))
		if err != nil {
			return fmt.Errorf("mark rescheduled: %w", err)
		}

		replacement, err = insertMeeting(ctx, tx, next)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return old, replacement, nil
}

func (l *PgLedger) InsertEvent(ctx context.Context, ev EventLog) error {
	var createdAt *time.Time
	if !ev.CreatedAt.IsZero() {
		createdAt = &ev.CreatedAt
	}
	_, err := l.pool.Exec(ctx, `
		INSERT INTO event_logs (tenant_id, event_type, subject_id, payload, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
	`, ev.TenantID, ev.EventType, ev.SubjectID, []byte(ev.Payload), createdAt)
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}
