package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hackgods/crm-meeting-scheduler/internal/api"
	"github.com/hackgods/crm-meeting-scheduler/internal/availability"
	"github.com/hackgods/crm-meeting-scheduler/internal/booking"
	"github.com/hackgods/crm-meeting-scheduler/internal/calendar"
	"github.com/hackgods/crm-meeting-scheduler/internal/config"
	"github.com/hackgods/crm-meeting-scheduler/internal/db"
	"github.com/hackgods/crm-meeting-scheduler/internal/facilitator"
	"github.com/hackgods/crm-meeting-scheduler/internal/logging"
	"github.com/hackgods/crm-meeting-scheduler/internal/meetingtype"
	redisclient "github.com/hackgods/crm-meeting-scheduler/internal/redis"
	"github.com/hackgods/crm-meeting-scheduler/internal/tasks"
	"github.com/hackgods/crm-meeting-scheduler/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}
	logger := logging.Setup(cfg.Env).With().Str("service", "api-server").Logger()
	logger.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.InitTracer(rootCtx, telemetry.TracerConfig{
		ServiceName:    "crm-meeting-scheduler",
		ServiceVersion: cfg.Version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TracingSampleRate,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracer init failed")
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 20})
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	if err := db.Migrate(rootCtx, pgPool); err != nil {
		logger.Fatal().Err(err).Msg("schema migration failed")
	}
	logger.Info().Msg("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing redis")
		}
	}()
	logger.Info().Msg("connected to Redis")

	ledger := booking.NewPgLedger(pgPool)
	directory := booking.NewPgDirectory(pgPool)
	types := meetingtype.NewPgRepository(pgPool)
	queue := tasks.NewRedisQueue(rdb, cfg.RedisPrefix+":tasks")

	availCfg := availability.ServiceConfig{
		Calendars:       availability.NewPgCalendarStore(pgPool),
		Booked:          ledger,
		ProviderTimeout: cfg.ProviderTimeout,
		MaxRangeDays:    cfg.MaxSlotRangeDays,
		Logger:          logger,
	}
	if cfg.GoogleEnabled() {
		availCfg.Provider = calendar.NewGoogle(calendar.GoogleConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			Timeout:      cfg.ProviderTimeout,
		}, calendar.NewPgAccountStore(pgPool), logger)
	}

	processor := booking.NewProcessor(booking.ProcessorConfig{
		Ledger:        ledger,
		Directory:     directory,
		Records:       directory,
		Effects:       queue,
		MeetingTypes:  types,
		CommitTimeout: cfg.CommitTimeout,
		Logger:        logger,
	})
	facilitators := facilitator.NewService(facilitator.ServiceConfig{
		Repo:         facilitator.NewPgRepository(pgPool),
		MeetingTypes: types,
		Booker:       processor,
		Effects:      queue,
		Events:       ledger,
		Logger:       logger,
	})

	router := api.NewRouter(api.RouterConfig{
		Availability: availability.NewService(availCfg),
		MeetingTypes: types,
		Processor:    processor,
		Facilitator:  facilitators,
		Postgres:     pgPool,
		Redis:        api.RedisPinger(rdb),
		Logger:       logger,
		Env:          cfg.Env,
		Version:      cfg.Version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	logger.Info().Msg("api-server stopped")
}
