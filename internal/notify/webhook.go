package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/crm-meeting-scheduler/internal/tasks"
)

const (
	HeaderSignature = "X-Scheduler-Signature"
	HeaderTemplate  = "X-Scheduler-Template"
	HeaderTimestamp = "X-Scheduler-Timestamp"
)

type Payload struct {
	Template  tasks.TemplateKind `json:"template"`
	Recipient string             `json:"recipient"`
	Data      map[string]string  `json:"data,omitempty"`
	SentAt    time.Time          `json:"sent_at"`
}

// Webhook delivers notifications by POSTing them to a mail relay endpoint.
type Webhook struct {
	url    string
	secret string
	client *http.Client
	logger zerolog.Logger
	now    func() time.Time
}

func NewWebhook(url, secret string, timeout time.Duration, logger zerolog.Logger) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "notify_webhook").Logger(),
		now:    time.Now,
	}
}

// Sign returns the hex HMAC-SHA256 of body, prefixed with the algorithm.
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

func (w *Webhook) Send(ctx context.Context, kind tasks.TemplateKind, recipient string, data map[string]string) error {
	body, err := json.Marshal(Payload{
		Template:  kind,
		Recipient: recipient,
		Data:      data,
		SentAt:    w.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("%w: encode notification: %s", tasks.ErrPermanent, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %s", tasks.ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTemplate, string(kind))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(w.now().Unix(), 10))
	if w.secret != "" {
		req.Header.Set(HeaderSignature, Sign(body, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notification webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		w.logger.Debug().Str("template", string(kind)).Int("status", resp.StatusCode).Msg("notification delivered")
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("notification webhook returned %d", resp.StatusCode)
	default:
		w.logger.Warn().Str("template", string(kind)).Int("status", resp.StatusCode).Msg("notification rejected")
		return fmt.Errorf("%w: notification webhook returned %d", tasks.ErrPermanent, resp.StatusCode)
	}
}

// Log writes notifications to the logger instead of delivering them.
type Log struct {
	logger zerolog.Logger
}

func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger.With().Str("component", "notify_log").Logger()}
}

func (l *Log) Send(_ context.Context, kind tasks.TemplateKind, recipient string, data map[string]string) error {
	ev := l.logger.Info().Str("template", string(kind)).Str("recipient", recipient)
	for k, v := range data {
		if k == "token" {
			v = "[redacted]"
		}
		ev = ev.Str("data."+k, v)
	}
	ev.Msg("notification")
	return nil
}
