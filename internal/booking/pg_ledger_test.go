package booking

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/crm-meeting-scheduler/internal/availability"
	"github.com/hackgods/crm-meeting-scheduler/internal/db"
	"github.com/hackgods/crm-meeting-scheduler/internal/meetingtype"
	"github.com/hackgods/crm-meeting-scheduler/internal/tenant"
)

// pgFixture needs a disposable database in TEST_POSTGRES_DSN; each run uses a
// fresh tenant so repeated runs do not collide.
type pgFixture struct {
	pool        *pgxpool.Pool
	ledger      *PgLedger
	tc          tenant.Context
	mt          *meetingtype.MeetingType
	participant *Participant
}

func newPgFixture(t *testing.T) *pgFixture {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn, db.PoolOptions{MaxConns: 16})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	tc := newTenant(t)
	cal, err := availability.NewCalendar(uuid.New(), "UTC")
	if err != nil {
		t.Fatal(err)
	}
	if err := availability.NewPgCalendarStore(pool).Save(ctx, tc, cal); err != nil {
		t.Fatalf("save calendar: %v", err)
	}
	mt, err := meetingtype.NewPgRepository(pool).Save(ctx, tc, meetingtype.MeetingType{
		HostID:          cal.OwnerID,
		CalendarID:      cal.ID,
		Name:            "Discovery call",
		DurationMinutes: 60,
		LocationType:    meetingtype.LocationVideo,
	})
	if err != nil {
		t.Fatalf("save meeting type: %v", err)
	}
	participant, err := NewPgDirectory(pool).Create(ctx, tc, Participant{Name: gofakeit.Name(), Email: gofakeit.Email()})
	if err != nil {
		t.Fatalf("create participant: %v", err)
	}
	return &pgFixture{pool: pool, ledger: NewPgLedger(pool), tc: tc, mt: mt, participant: participant}
}

func (f *pgFixture) commitRequest(startMin, endMin int) CommitRequest {
	return CommitRequest{
		MeetingTypeID: f.mt.ID,
		HostID:        f.mt.HostID,
		ParticipantID: f.participant.ID,
		Window:        window(startMin, endMin),
		Timezone:      "UTC",
		LocationType:  meetingtype.LocationVideo,
	}
}

func TestPgLedgerConcurrentCommitsOneWins(t *testing.T) {
	f := newPgFixture(t)
	ctx := context.Background()

	// every pair of these windows overlaps
	windows := [][2]int{{0, 60}, {30, 90}, {15, 75}, {45, 105}}

	const n = 16
	var (
		wg        sync.WaitGroup
		start     = make(chan struct{})
		mu        sync.Mutex
		winners   int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(w [2]int) {
			defer wg.Done()
			<-start
			_, err := f.ledger.Commit(ctx, f.tc, f.commitRequest(w[0], w[1]))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(windows[i%len(windows)])
	}
	close(start)
	wg.Wait()

	if winners != 1 || conflicts != n-1 {
		t.Fatalf("winners=%d conflicts=%d", winners, conflicts)
	}
	active, err := f.ledger.ListActive(ctx, f.tc, f.mt.ID, window(-60, 180))
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 {
		t.Fatalf("expected one stored meeting, got %d", len(active))
	}

	// a window clear of every contender still commits
	if _, err := f.ledger.Commit(ctx, f.tc, f.commitRequest(120, 180)); err != nil {
		t.Fatalf("disjoint commit: %v", err)
	}
}

func TestPgLedgerCancelledMeetingFreesWindow(t *testing.T) {
	f := newPgFixture(t)
	ctx := context.Background()

	m, err := f.ledger.Commit(ctx, f.tc, f.commitRequest(0, 60))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.ledger.Commit(ctx, f.tc, f.commitRequest(0, 60)); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := f.ledger.Transition(ctx, f.tc, m.ID, StatusScheduled, StatusCancelled); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ledger.Commit(ctx, f.tc, f.commitRequest(0, 60)); err != nil {
		t.Fatalf("commit after cancel: %v", err)
	}
}
