package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hackgods/crm-meeting-scheduler/internal/booking"
	"github.com/hackgods/crm-meeting-scheduler/internal/config"
	"github.com/hackgods/crm-meeting-scheduler/internal/db"
	"github.com/hackgods/crm-meeting-scheduler/internal/facilitator"
	"github.com/hackgods/crm-meeting-scheduler/internal/logging"
	"github.com/hackgods/crm-meeting-scheduler/internal/meetingtype"
	redisclient "github.com/hackgods/crm-meeting-scheduler/internal/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}
	logger := logging.Setup(cfg.Env).With().Str("service", "expiry-worker").Logger()
	logger.Info().Dur("interval", cfg.WorkerInterval).Msg("expiry-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 4})
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		PoolSize: 2,
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

	svc := facilitator.NewService(facilitator.ServiceConfig{
		Repo:         facilitator.NewPgRepository(pgPool),
		MeetingTypes: meetingtype.NewPgRepository(pgPool),
		Events:       booking.NewPgLedger(pgPool),
		Logger:       logger,
	})
	sweeper := facilitator.NewSweeper(facilitator.SweeperConfig{
		Service:  svc,
		Locker:   redisclient.NewLocker(rdb, cfg.RedisPrefix, cfg.LockTTL),
		Interval: cfg.WorkerInterval,
		LockBusy: func(err error) bool {
			return errors.Is(err, redisclient.ErrLockNotAcquired)
		},
		Logger: logger,
	})

	sweeper.Run(rootCtx)
	logger.Info().Msg("expiry-worker stopped")
}
