package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/hackgods/crm-meeting-scheduler/internal/telemetry"
	"github.com/hackgods/crm-meeting-scheduler/internal/tenant"
	tw "github.com/hackgods/crm-meeting-scheduler/internal/timewindow"
)

type WorkerConfig struct {
	Queue    Queue
	Calendar CalendarEventSink
	Notifier NotificationSink
	Recorder EventRecorder

	Concurrency    int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	PollWait       time.Duration
	Logger         zerolog.Logger
}

// Worker drains the side-effect queue. Each task is retried with exponential
// backoff and dead-lettered once its attempts are used up.
type Worker struct {
	cfg    WorkerConfig
	logger zerolog.Logger
}

func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = 5 * time.Second
	}
	return &Worker{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "effects-worker").Logger(),
	}
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.loop(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context, id int) {
	logger := w.logger.With().Int("worker", id).Logger()
	for {
		if ctx.Err() != nil {
			return
		}
		t, err := w.cfg.Queue.Dequeue(ctx, w.cfg.PollWait)
		switch {
		case err == nil:
		case errors.Is(err, ErrQueueEmpty):
			continue
		case ctx.Err() != nil:
			return
		default:
			logger.Error().Err(err).Msg("dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.PollWait):
			}
			continue
		}

		if err := w.Process(ctx, *t); err != nil {
			logger.Warn().Err(err).Str("task_id", t.ID.String()).Str("kind", string(t.Kind)).Msg("task dead-lettered")
		}
	}
}

func (w *Worker) newBackoff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = w.cfg.InitialBackoff
	exp.MaxInterval = w.cfg.MaxBackoff
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(w.cfg.MaxAttempts-1)), ctx)
}

// Process runs one task to completion or dead-letters it. The returned error is
// the last failure of a dead-lettered task.
func (w *Worker) Process(ctx context.Context, t Task) error {
	if err := t.Validate(); err != nil {
		t.LastError = err.Error()
		telemetry.TasksProcessed.WithLabelValues(string(t.Kind), "invalid").Inc()
		return w.deadLetter(ctx, t, err)
	}

	op := func() error {
		t.Attempts++
		err := w.handle(ctx, t)
		if err != nil && errors.Is(err, ErrPermanent) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		w.logger.Debug().Err(err).
			Str("task_id", t.ID.String()).
			Int("attempt", t.Attempts).
			Dur("retry_in", next).
			Msg("side effect failed, retrying")
	}

	err := backoff.RetryNotify(op, w.newBackoff(ctx), notify)
	if err == nil {
		telemetry.TasksProcessed.WithLabelValues(string(t.Kind), "ok").Inc()
		return nil
	}
	t.LastError = err.Error()
	if ctx.Err() != nil {
		// shutting down: hand the task back rather than burying it
		if qerr := w.cfg.Queue.Enqueue(context.WithoutCancel(ctx), t); qerr == nil {
			telemetry.TasksProcessed.WithLabelValues(string(t.Kind), "requeued").Inc()
			return nil
		}
	}
	telemetry.TasksProcessed.WithLabelValues(string(t.Kind), "dead").Inc()
	return w.deadLetter(ctx, t, err)
}

func (w *Worker) deadLetter(ctx context.Context, t Task, cause error) error {
	if err := w.cfg.Queue.DeadLetter(context.WithoutCancel(ctx), t); err != nil {
		w.logger.Error().Err(err).Str("task_id", t.ID.String()).Msg("dead-letter write failed")
	}
	return cause
}

func (w *Worker) handle(ctx context.Context, t Task) error {
	tc, err := tenant.New(t.TenantID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPermanent, err)
	}

	switch t.Kind {
	case KindCreateCalendarEvent:
		if w.cfg.Calendar == nil {
			return fmt.Errorf("%w: no calendar sink configured", ErrPermanent)
		}
		window, err := tw.New(t.Event.Start, t.Event.End)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrPermanent, err)
		}
		res, err := w.cfg.Calendar.CreateEvent(ctx, t.Event.AccountRef, EventRequest{
			CorrelationID: t.ID,
			Title:         t.Event.Title,
			Window:        window,
			Attendees:     t.Event.Attendees,
			LocationHint:  t.Event.LocationHint,
		})
		if err != nil {
			return fmt.Errorf("create calendar event: %w", err)
		}
		if w.cfg.Recorder == nil {
			return nil
		}
		if err := w.cfg.Recorder.SetExternalEvent(ctx, tc, *t.MeetingID, res.EventID, res.MeetingURL); err != nil {
			return fmt.Errorf("record external event: %w", err)
		}
		return nil

	case KindSendNotification:
		if w.cfg.Notifier == nil {
			return fmt.Errorf("%w: no notification sink configured", ErrPermanent)
		}
		n := t.Notification
		if err := w.cfg.Notifier.Send(ctx, n.Template, n.Recipient, n.Data); err != nil {
			return fmt.Errorf("send notification: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("%w: %w", ErrPermanent, ErrUnknownKind)
	}
}
