package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hackgods/crm-meeting-scheduler/internal/booking"
	"github.com/hackgods/crm-meeting-scheduler/internal/calendar"
	"github.com/hackgods/crm-meeting-scheduler/internal/config"
	"github.com/hackgods/crm-meeting-scheduler/internal/db"
	"github.com/hackgods/crm-meeting-scheduler/internal/logging"
	"github.com/hackgods/crm-meeting-scheduler/internal/notify"
	redisclient "github.com/hackgods/crm-meeting-scheduler/internal/redis"
	"github.com/hackgods/crm-meeting-scheduler/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}
	logger := logging.Setup(cfg.Env).With().Str("service", "effects-worker").Logger()
	logger.Info().
		Int("concurrency", cfg.EffectsConcurrency).
		Int("max_attempts", cfg.EffectsMaxAttempts).
		Bool("google", cfg.GoogleEnabled()).
		Bool("webhook", cfg.WebhookURL != "").
		Msg("effects-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{MaxConns: int32(cfg.EffectsConcurrency) + 1})
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()

	rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		PoolSize: cfg.EffectsConcurrency + 1,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing redis")
		}
	}()

	queue := tasks.NewRedisQueue(rdb, cfg.RedisPrefix+":tasks")
	if n, err := queue.Pending(rootCtx); err != nil {
		logger.Warn().Err(err).Msg("could not read task backlog")
	} else {
		logger.Info().Int64("pending", n).Msg("task backlog")
	}

	workerCfg := tasks.WorkerConfig{
		Queue:          queue,
		Recorder:       booking.NewPgLedger(pgPool),
		Concurrency:    cfg.EffectsConcurrency,
		MaxAttempts:    cfg.EffectsMaxAttempts,
		InitialBackoff: cfg.EffectsBackoff,
		MaxBackoff:     cfg.EffectsMaxBackoff,
		Logger:         logger,
	}
	if cfg.GoogleEnabled() {
		workerCfg.Calendar = calendar.NewGoogle(calendar.GoogleConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			Timeout:      cfg.ProviderTimeout,
		}, calendar.NewPgAccountStore(pgPool), logger)
	}
	if cfg.WebhookURL != "" {
		workerCfg.Notifier = notify.NewWebhook(cfg.WebhookURL, cfg.WebhookSecret, cfg.ProviderTimeout, logger)
	} else {
		logger.Warn().Msg("NOTIFY_WEBHOOK_URL not set, notifications are only logged")
		workerCfg.Notifier = notify.NewLog(logger)
	}

	tasks.NewWorker(workerCfg).Run(rootCtx)
	logger.Info().Msg("effects-worker stopped")
}
