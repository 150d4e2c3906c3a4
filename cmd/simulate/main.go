package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hackgods/crm-meeting-scheduler/internal/logging"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfg           SimConfig
		tenantID      string
		meetingTypeID string
		from          string
		env           string
		timeout       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Fire concurrent bookings at the same slots and report how many won",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if cfg.TenantID, err = uuid.Parse(tenantID); err != nil {
				return fmt.Errorf("invalid --tenant: %w", err)
			}
			if cfg.MeetingTypeID, err = uuid.Parse(meetingTypeID); err != nil {
				return fmt.Errorf("invalid --meeting-type: %w", err)
			}
			cfg.From = time.Now().UTC().Truncate(time.Hour).Add(time.Hour)
			if from != "" {
				if cfg.From, err = time.Parse(time.RFC3339, from); err != nil {
					return fmt.Errorf("invalid --from: %w", err)
				}
			}
			if err := cfg.validate(); err != nil {
				return err
			}

			logger := logging.Setup(env).With().Str("service", "simulate").Logger()
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sim := NewSimulator(cfg, &http.Client{Timeout: timeout}, logger)
			logger.Info().
				Str("api", cfg.APIBaseURL).
				Int("rounds", cfg.Rounds).
				Int("concurrency", cfg.Concurrency).
				Msg("simulator starting")
			runErr := sim.Run(ctx)
			sim.PrintReport(cmd.OutOrStdout())
			if runErr != nil {
				return runErr
			}
			if sim.metrics.DoubleBooked > 0 {
				return fmt.Errorf("%d slot(s) were booked more than once", sim.metrics.DoubleBooked)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.APIBaseURL, "api", "http://localhost:8080", "api-server base url")
	f.StringVar(&tenantID, "tenant", "", "tenant id sent as X-Tenant-ID")
	f.StringVar(&meetingTypeID, "meeting-type", "", "meeting type to book")
	f.StringVar(&from, "from", "", "RFC 3339 start of the slot search (next full hour when empty)")
	f.IntVar(&cfg.Days, "days", 7, "length of the slot search in days")
	f.IntVar(&cfg.Rounds, "rounds", 10, "number of slots to contend for")
	f.IntVar(&cfg.Concurrency, "concurrency", 20, "concurrent bookings per slot")
	f.StringVar(&cfg.Timezone, "timezone", "UTC", "guest timezone")
	f.StringVar(&env, "env", "development", "log format environment")
	f.DurationVar(&timeout, "timeout", 10*time.Second, "per-request timeout")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("meeting-type")

	return cmd
}
