package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/hackgods/crm-meeting-scheduler/internal/tasks"
)

func TestWebhookSignsAndDelivers(t *testing.T) {
	var got Payload
	var sig, tmpl string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		sig = r.Header.Get(HeaderSignature)
		tmpl = r.Header.Get(HeaderTemplate)
		if want := Sign(body, "s3cret"); sig != want {
			t.Errorf("signature %q, want %q", sig, want)
		}
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "s3cret", 0, zerolog.Nop())
	err := wh.Send(context.Background(), tasks.TemplateBookingConfirmed, "ada@example.com", map[string]string{"start": "2025-06-04T09:00:00Z"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if tmpl != string(tasks.TemplateBookingConfirmed) {
		t.Fatalf("template header %q", tmpl)
	}
	if got.Recipient != "ada@example.com" || got.Data["start"] != "2025-06-04T09:00:00Z" {
		t.Fatalf("unexpected payload %+v", got)
	}
	if sig == "" {
		t.Fatal("expected a signature header")
	}
}

func TestWebhookWithoutSecretIsUnsigned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderSignature) != "" {
			t.Error("unexpected signature header")
		}
	}))
	defer srv.Close()

	if err := NewWebhook(srv.URL, "", 0, zerolog.Nop()).Send(context.Background(), tasks.TemplateBookingCancelled, "x@example.com", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestWebhookErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusNotFound, true},
		{http.StatusUnprocessableEntity, true},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := NewWebhook(srv.URL, "k", 0, zerolog.Nop()).Send(context.Background(), tasks.TemplateBookingConfirmed, "a@example.com", nil)
			if err == nil {
				t.Fatal("expected an error")
			}
			if errors.Is(err, tasks.ErrPermanent) != tt.permanent {
				t.Fatalf("permanent = %v, want %v (%v)", !tt.permanent, tt.permanent, err)
			}
		})
	}
}

func TestWebhookUnreachableIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := NewWebhook(url, "", 0, zerolog.Nop()).Send(context.Background(), tasks.TemplateBookingConfirmed, "a@example.com", nil)
	if err == nil || errors.Is(err, tasks.ErrPermanent) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}
