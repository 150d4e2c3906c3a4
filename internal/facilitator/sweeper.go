package facilitator

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

const sweepLockName = "facilitator-expiry"

// Locker runs fn while holding a named lock shared by every worker instance.
type Locker interface {
	WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

// Sweeper periodically persists the expiry of overdue pending bookings. Only
// the instance holding the lock sweeps; the others skip the round.
type Sweeper struct {
	svc         *Service
	locker      Locker
	interval    time.Duration
	runTimeout  time.Duration
	logger      zerolog.Logger
	isLockError func(error) bool
}

type SweeperConfig struct {
	Service  *Service
	Locker   Locker
	Interval time.Duration
	// LockBusy reports whether an error means another instance holds the lock.
	LockBusy func(error) bool
	Logger   zerolog.Logger
}

func NewSweeper(cfg SweeperConfig) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	busy := cfg.LockBusy
	if busy == nil {
		busy = func(error) bool { return false }
	}
	return &Sweeper{
		svc:         cfg.Service,
		locker:      cfg.Locker,
		interval:    interval,
		runTimeout:  20 * time.Second,
		logger:      cfg.Logger.With().Str("component", "facilitator_sweeper").Logger(),
		isLockError: busy,
	}
}

// Run sweeps once at startup and then every interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	s.runOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("sweeper stopping")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	start := time.Now()
	n, err := s.Sweep(ctx)
	switch {
	case err == nil:
		s.logger.Info().Int64("expired", n).Dur("took", time.Since(start)).Msg("expiry sweep complete")
	case s.isLockError(err):
		s.logger.Debug().Msg("expiry sweep held by another instance")
	case errors.Is(err, context.Canceled):
	default:
		s.logger.Error().Err(err).Msg("expiry sweep failed")
	}
}

// Sweep runs a single expiry pass under the lock and returns how many bookings expired.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	var n int64
	err := s.locker.WithLock(runCtx, sweepLockName, func(ctx context.Context) error {
		var err error
		n, err = s.svc.ExpireStale(ctx)
		return err
	})
	return n, err
}
