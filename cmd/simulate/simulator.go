package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SimConfig describes a contention run: every round takes the next free slot
// of one meeting type and fires Concurrency bookings at it at once.
type SimConfig struct {
	APIBaseURL    string
	TenantID      uuid.UUID
	MeetingTypeID uuid.UUID
	From          time.Time
	Days          int
	Rounds        int
	Concurrency   int
	Timezone      string
}

func (c SimConfig) validate() error {
	switch {
	case c.APIBaseURL == "":
		return fmt.Errorf("api base url is required")
	case c.TenantID == uuid.Nil:
		return fmt.Errorf("tenant id is required")
	case c.MeetingTypeID == uuid.Nil:
		return fmt.Errorf("meeting type id is required")
	case c.Days <= 0:
		return fmt.Errorf("days must be positive")
	case c.Rounds <= 0:
		return fmt.Errorf("rounds must be positive")
	case c.Concurrency <= 0:
		return fmt.Errorf("concurrency must be positive")
	}
	return nil
}

type slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type Metrics struct {
	Slots   OperationMetrics
	Booking OperationMetrics
	// DoubleBooked counts rounds where more than one booking for the same slot succeeded.
	DoubleBooked int
	Rounds       int
}

type Simulator struct {
	config  SimConfig
	client  *http.Client
	logger  zerolog.Logger
	metrics Metrics
}

func NewSimulator(cfg SimConfig, client *http.Client, logger zerolog.Logger) *Simulator {
	return &Simulator{config: cfg, client: client, logger: logger}
}

func (s *Simulator) Run(ctx context.Context) error {
	slots, err := s.fetchSlots(ctx)
	if err != nil {
		return err
	}
	if len(slots) == 0 {
		return fmt.Errorf("no free slots between %s and %d days later", s.config.From.Format(time.RFC3339), s.config.Days)
	}
	rounds := s.config.Rounds
	if rounds > len(slots) {
		s.logger.Warn().Int("rounds", rounds).Int("slots", len(slots)).Msg("fewer free slots than rounds")
		rounds = len(slots)
	}

	for i := 0; i < rounds; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		won := s.contend(ctx, slots[i])
		s.metrics.Rounds++
		if won > 1 {
			s.metrics.DoubleBooked++
			s.logger.Error().Time("slot_start", slots[i].Start).Int("winners", won).Msg("slot booked more than once")
		}
		s.logger.Info().Time("slot_start", slots[i].Start).Int("winners", won).Msg("round complete")
	}
	return nil
}

// contend fires the configured number of concurrent bookings at one slot and
// returns how many succeeded.
func (s *Simulator) contend(ctx context.Context, sl slot) int {
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		won   int
		start = make(chan struct{})
	)
	for i := 0; i < s.config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if s.book(ctx, sl) == outcomeSuccess {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()
	return won
}

func (s *Simulator) fetchSlots(ctx context.Context) ([]slot, error) {
	q := url.Values{}
	q.Set("start", s.config.From.UTC().Format(time.RFC3339))
	q.Set("end", s.config.From.AddDate(0, 0, s.config.Days).UTC().Format(time.RFC3339))
	endpoint := fmt.Sprintf("%s/v1/meeting-types/%s/slots?%s", s.config.APIBaseURL, s.config.MeetingTypeID, q.Encode())

	req, err := s.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	started := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		s.metrics.Slots.Record(time.Since(started), outcomeError)
		return nil, fmt.Errorf("fetch slots: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		s.metrics.Slots.Record(time.Since(started), outcomeError)
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("fetch slots: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out struct {
		Slots []slot `json:"slots"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		s.metrics.Slots.Record(time.Since(started), outcomeError)
		return nil, fmt.Errorf("decode slots: %w", err)
	}
	s.metrics.Slots.Record(time.Since(started), outcomeSuccess)
	return out.Slots, nil
}

func (s *Simulator) book(ctx context.Context, sl slot) outcome {
	body, err := json.Marshal(map[string]any{
		"start":    sl.Start,
		"end":      sl.End,
		"timezone": s.config.Timezone,
		"fields": map[string]string{
			"name":  gofakeit.Name(),
			"email": gofakeit.Email(),
		},
	})
	if err != nil {
		s.metrics.Booking.Record(0, outcomeError)
		return outcomeError
	}
	endpoint := fmt.Sprintf("%s/v1/meeting-types/%s/bookings", s.config.APIBaseURL, s.config.MeetingTypeID)
	req, err := s.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		s.metrics.Booking.Record(0, outcomeError)
		return outcomeError
	}

	started := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(started)
	if err != nil {
		s.logger.Debug().Err(err).Msg("booking request failed")
		s.metrics.Booking.Record(latency, outcomeError)
		return outcomeError
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	o := classify(resp.StatusCode)
	s.metrics.Booking.Record(latency, o)
	return o
}

func classify(status int) outcome {
	switch {
	case status == http.StatusCreated:
		return outcomeSuccess
	case status == http.StatusConflict:
		return outcomeConflict
	default:
		return outcomeError
	}
}

func (s *Simulator) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Tenant-ID", s.config.TenantID.String())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (s *Simulator) PrintReport(w io.Writer) {
	line := strings.Repeat("=", 80)
	fmt.Fprintln(w, "\n"+line)
	fmt.Fprintln(w, "CONTENTION REPORT")
	fmt.Fprintln(w, line)
	fmt.Fprintf(w, "Rounds: %d\n", s.metrics.Rounds)
	fmt.Fprintf(w, "Concurrency: %d\n", s.config.Concurrency)
	fmt.Fprintf(w, "Double-booked slots: %d\n\n", s.metrics.DoubleBooked)

	s.metrics.Slots.Report(w, "Slot lookup")
	s.metrics.Booking.Report(w, "Booking")
}
