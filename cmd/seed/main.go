package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hackgods/crm-meeting-scheduler/internal/availability"
	"github.com/hackgods/crm-meeting-scheduler/internal/booking"
	"github.com/hackgods/crm-meeting-scheduler/internal/config"
	"github.com/hackgods/crm-meeting-scheduler/internal/db"
	"github.com/hackgods/crm-meeting-scheduler/internal/logging"
	"github.com/hackgods/crm-meeting-scheduler/internal/meetingtype"
	"github.com/hackgods/crm-meeting-scheduler/internal/tenant"
	tw "github.com/hackgods/crm-meeting-scheduler/internal/timewindow"
)

type seedOptions struct {
	tenantID     string
	hosts        int
	participants int
}

var timezones = []string{
	"UTC",
	"Europe/London",
	"Europe/Berlin",
	"America/New_York",
	"America/Los_Angeles",
	"Asia/Kolkata",
	"Australia/Sydney",
}

var meetingNames = []string{
	"Intro call",
	"Product demo",
	"Discovery session",
	"Onboarding",
	"Quarterly review",
	"Renewal check-in",
}

func main() {
	opts := seedOptions{}
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed calendars, meeting types and participants for one tenant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.tenantID, "tenant", "", "tenant id (random when empty)")
	cmd.Flags().IntVar(&opts.hosts, "hosts", 10, "number of hosts, each with a calendar and meeting types")
	cmd.Flags().IntVar(&opts.participants, "participants", 500, "number of participants")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts seedOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.Setup(cfg.Env).With().Str("service", "seed").Logger()

	tc, err := resolveTenant(opts.tenantID)
	if err != nil {
		return err
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := db.ConnectPostgres(connCtx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 4})
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		return err
	}

	logger.Info().Str("tenant_id", tc.String()).Int("hosts", opts.hosts).Int("participants", opts.participants).Msg("seed starting")

	if err := seedHosts(ctx, pool, tc, opts.hosts, logger); err != nil {
		return fmt.Errorf("seed hosts: %w", err)
	}
	if err := seedParticipants(ctx, pool, tc, opts.participants); err != nil {
		return fmt.Errorf("seed participants: %w", err)
	}

	logger.Info().Str("tenant_id", tc.String()).Msg("seed complete")
	return nil
}

func resolveTenant(raw string) (tenant.Context, error) {
	if raw == "" {
		return tenant.New(uuid.New())
	}
	return tenant.Parse(raw)
}

func seedHosts(ctx context.Context, pool *pgxpool.Pool, tc tenant.Context, count int, logger zerolog.Logger) error {
	calendars := availability.NewPgCalendarStore(pool)
	meetingTypes := meetingtype.NewPgRepository(pool)

	morning, err := tw.NewTimeOfDayRange("09:00", "12:00")
	if err != nil {
		return err
	}
	afternoon, err := tw.NewTimeOfDayRange("13:00", "17:00")
	if err != nil {
		return err
	}

	for i := 0; i < count; i++ {
		hostID := uuid.New()
		cal, err := availability.NewCalendar(hostID, timezones[gofakeit.Number(0, len(timezones)-1)])
		if err != nil {
			return err
		}
		for day := time.Monday; day <= time.Friday; day++ {
			if err := cal.SetWeeklyHours(day, []tw.TimeOfDayRange{morning, afternoon}); err != nil {
				return err
			}
		}
		cal.SlotIntervalMinutes = []int{15, 30, 60}[gofakeit.Number(0, 2)]
		cal.BufferMinutes = []int{0, 5, 10}[gofakeit.Number(0, 2)]
		cal.MinNoticeHours = gofakeit.Number(0, 24)
		cal.MaxAdvanceDays = gofakeit.Number(14, 90)
		if err := calendars.Save(ctx, tc, cal); err != nil {
			return err
		}

		for j := 0; j < gofakeit.Number(1, 3); j++ {
			duration := []int{15, 30, 45, 60}[gofakeit.Number(0, 3)]
			mt := meetingtype.MeetingType{
				HostID:           hostID,
				CalendarID:       cal.ID,
				Name:             meetingNames[gofakeit.Number(0, len(meetingNames)-1)],
				DurationMinutes:  duration,
				AllowedDurations: []int{duration},
				LocationType:     meetingtype.LocationVideo,
				AllowedLocations: []meetingtype.LocationType{meetingtype.LocationVideo, meetingtype.LocationPhone},
			}
			if gofakeit.Bool() {
				mt.Facilitator = &meetingtype.FacilitatorSettings{
					MaxTimeOptions: gofakeit.Number(3, 5),
					ExpiryHours:    48,
				}
			}
			saved, err := meetingTypes.Save(ctx, tc, mt)
			if err != nil {
				return err
			}
			logger.Debug().Str("meeting_type_id", saved.ID.String()).Str("calendar_id", cal.ID.String()).Msg("meeting type seeded")
		}
	}
	return nil
}

func seedParticipants(ctx context.Context, pool *pgxpool.Pool, tc tenant.Context, count int) error {
	directory := booking.NewPgDirectory(pool)
	for i := 0; i < count; i++ {
		p := booking.Participant{
			Name:  gofakeit.Name(),
			Email: gofakeit.Email(),
		}
		if gofakeit.Bool() {
			p.Phone = gofakeit.Phone()
		}
		if _, err := directory.Create(ctx, tc, p); err != nil {
			return err
		}
	}
	return nil
}
