package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// fakeAPI serves a fixed list of slots and lets exactly one booking win each slot.
type fakeAPI struct {
	mu       sync.Mutex
	slots    []slot
	booked   map[time.Time]bool
	tenants  map[string]int
	allowDup bool
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.tenants[r.Header.Get("X-Tenant-ID")]++
	f.mu.Unlock()

	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/slots"):
		_ = json.NewEncoder(w).Encode(map[string]any{"slots": f.slots})
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/bookings"):
		var req slot
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		taken := f.booked[req.Start.UTC()]
		f.booked[req.Start.UTC()] = true
		f.mu.Unlock()
		if taken && !f.allowDup {
			w.WriteHeader(http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusCreated)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newFakeAPI(n int) *fakeAPI {
	base := time.Date(2030, 6, 5, 9, 0, 0, 0, time.UTC)
	f := &fakeAPI{booked: make(map[time.Time]bool), tenants: make(map[string]int)}
	for i := 0; i < n; i++ {
		start := base.Add(time.Duration(i) * time.Hour)
		f.slots = append(f.slots, slot{Start: start, End: start.Add(time.Hour)})
	}
	return f
}

func testConfig(url string) SimConfig {
	return SimConfig{
		APIBaseURL:    url,
		TenantID:      uuid.New(),
		MeetingTypeID: uuid.New(),
		From:          time.Date(2030, 6, 5, 0, 0, 0, 0, time.UTC),
		Days:          1,
		Rounds:        3,
		Concurrency:   8,
		Timezone:      "UTC",
	}
}

func TestSimulatorOneWinnerPerSlot(t *testing.T) {
	api := newFakeAPI(5)
	srv := httptest.NewServer(api)
	defer srv.Close()

	cfg := testConfig(srv.URL)
	sim := NewSimulator(cfg, srv.Client(), zerolog.Nop())
	if err := sim.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if sim.metrics.Rounds != 3 {
		t.Fatalf("expected 3 rounds, got %d", sim.metrics.Rounds)
	}
	if sim.metrics.DoubleBooked != 0 {
		t.Fatalf("expected no double bookings, got %d", sim.metrics.DoubleBooked)
	}
	if sim.metrics.Booking.Success != 3 {
		t.Fatalf("expected 3 successful bookings, got %d", sim.metrics.Booking.Success)
	}
	if sim.metrics.Booking.Conflict != 3*7 {
		t.Fatalf("expected 21 conflicts, got %d", sim.metrics.Booking.Conflict)
	}
	if api.tenants[cfg.TenantID.String()] != 1+3*8 {
		t.Fatalf("expected every request to carry the tenant header, got %v", api.tenants)
	}

	var out bytes.Buffer
	sim.PrintReport(&out)
	if !strings.Contains(out.String(), "Double-booked slots: 0") {
		t.Fatalf("report missing double-booking line:\n%s", out.String())
	}
}

func TestSimulatorDetectsDoubleBooking(t *testing.T) {
	api := newFakeAPI(2)
	api.allowDup = true
	srv := httptest.NewServer(api)
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Concurrency = 2
	sim := NewSimulator(cfg, srv.Client(), zerolog.Nop())
	if err := sim.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sim.metrics.Rounds != 2 {
		t.Fatalf("rounds should be capped at the number of free slots, got %d", sim.metrics.Rounds)
	}
	if sim.metrics.DoubleBooked != 2 {
		t.Fatalf("expected 2 double-booked rounds, got %d", sim.metrics.DoubleBooked)
	}
}

func TestSimulatorNoSlots(t *testing.T) {
	srv := httptest.NewServer(newFakeAPI(0))
	defer srv.Close()

	sim := NewSimulator(testConfig(srv.URL), srv.Client(), zerolog.Nop())
	if err := sim.Run(context.Background()); err == nil {
		t.Fatal("expected an error when no slots are free")
	}
}

func TestClassify(t *testing.T) {
	cases := map[int]outcome{
		http.StatusCreated:             outcomeSuccess,
		http.StatusConflict:            outcomeConflict,
		http.StatusUnprocessableEntity: outcomeError,
		http.StatusServiceUnavailable:  outcomeError,
	}
	for status, want := range cases {
		if got := classify(status); got != want {
			t.Errorf("classify(%d) = %v, want %v", status, got, want)
		}
	}
}

func TestOperationMetricsStats(t *testing.T) {
	var om OperationMetrics
	for i := 1; i <= 100; i++ {
		om.Record(time.Duration(i)*time.Millisecond, outcomeSuccess)
	}
	avg, min, max, p50, p95 := om.Stats()
	if min != time.Millisecond || max != 100*time.Millisecond {
		t.Fatalf("unexpected min/max %s/%s", min, max)
	}
	if p50 != 51*time.Millisecond || p95 != 96*time.Millisecond {
		t.Fatalf("unexpected percentiles p50=%s p95=%s", p50, p95)
	}
	if avg != 50500*time.Microsecond {
		t.Fatalf("unexpected avg %s", avg)
	}
}
