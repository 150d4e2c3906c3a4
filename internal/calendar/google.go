package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/hackgods/crm-meeting-scheduler/internal/availability"
	"github.com/hackgods/crm-meeting-scheduler/internal/meetingtype"
	"github.com/hackgods/crm-meeting-scheduler/internal/tasks"
	"github.com/hackgods/crm-meeting-scheduler/internal/tenant"
	tw "github.com/hackgods/crm-meeting-scheduler/internal/timewindow"
)

const (
	DefaultBaseURL    = "https://www.googleapis.com/calendar/v3"
	defaultCalendarID = "primary"
	pageSize          = "250"
)

type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	// BaseURL and TokenURL are overridden in tests.
	BaseURL  string
	TokenURL string
	Timeout  time.Duration
}

// Google reads busy time from and writes events to Google Calendar over the
// REST API. It implements availability.BusyTimeProvider and tasks.CalendarEventSink.
type Google struct {
	oauth      *oauth2.Config
	accounts   AccountStore
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewGoogle(cfg GoogleConfig, accounts AccountStore, logger zerolog.Logger) *Google {
	endpoint := google.Endpoint
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Google{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       []string{"https://www.googleapis.com/auth/calendar.events"},
		},
		accounts:   accounts,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "google_calendar").Logger(),
	}
}

// savingTokenSource persists a token whenever the underlying source refreshed it.
type savingTokenSource struct {
	mu       sync.Mutex
	base     oauth2.TokenSource
	accounts AccountStore
	ref      string
	last     string
	ctx      context.Context
	logger   zerolog.Logger
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		if err := s.accounts.SaveToken(s.ctx, s.ref, tok); err != nil {
			s.logger.Warn().Err(err).Str("account_ref", s.ref).Msg("failed to persist refreshed token")
		}
		s.last = tok.AccessToken
	}
	return tok, nil
}

func (g *Google) client(ctx context.Context, a *Account) *http.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)
	src := &savingTokenSource{
		base:     g.oauth.TokenSource(ctx, a.Token),
		accounts: g.accounts,
		ref:      a.Ref,
		last:     a.Token.AccessToken,
		ctx:      context.WithoutCancel(ctx),
		logger:   g.logger,
	}
	return oauth2.NewClient(ctx, src)
}

func (g *Google) account(ctx context.Context, ref string) (*Account, error) {
	a, err := g.accounts.Account(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, fmt.Errorf("%w: %s", availability.ErrProviderAuthExpired, err)
		}
		return nil, fmt.Errorf("%w: %s", availability.ErrProviderUnavailable, err)
	}
	if a.Token == nil {
		return nil, fmt.Errorf("%w: account %s has no token", availability.ErrProviderAuthExpired, ref)
	}
	if a.CalendarID == "" {
		a.CalendarID = defaultCalendarID
	}
	return a, nil
}

func (g *Google) eventsURL(calendarID string) string {
	return g.baseURL + "/calendars/" + url.PathEscape(calendarID) + "/events"
}

// transportError classifies a failed round trip. A failed token refresh means
// the grant is gone.
func transportError(err error) error {
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		return fmt.Errorf("%w: %s", availability.ErrProviderAuthExpired, err)
	}
	return fmt.Errorf("%w: %s", availability.ErrProviderUnavailable, err)
}

func statusError(status int, body []byte) error {
	msg := fmt.Sprintf("google calendar returned %d: %s", status, strings.TrimSpace(string(body)))
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return fmt.Errorf("%w: %s", availability.ErrProviderAuthExpired, msg)
	}
	return fmt.Errorf("%w: %s", availability.ErrProviderUnavailable, msg)
}

type googleDateTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

type googleAttendee struct {
	Email          string `json:"email"`
	Self           bool   `json:"self,omitempty"`
	ResponseStatus string `json:"responseStatus,omitempty"`
}

type googleEvent struct {
	ID           string           `json:"id,omitempty"`
	Status       string           `json:"status,omitempty"`
	Summary      string           `json:"summary,omitempty"`
	Location     string           `json:"location,omitempty"`
	Transparency string           `json:"transparency,omitempty"`
	Start        googleDateTime   `json:"start"`
	End          googleDateTime   `json:"end"`
	Attendees    []googleAttendee `json:"attendees,omitempty"`
	HangoutLink  string           `json:"hangoutLink,omitempty"`
	// ConferenceData is only sent on insert.
	ConferenceData *conferenceData `json:"conferenceData,omitempty"`
}

type conferenceData struct {
	CreateRequest struct {
		RequestID             string `json:"requestId"`
		ConferenceSolutionKey struct {
			Type string `json:"type"`
		} `json:"conferenceSolutionKey"`
	} `json:"createRequest"`
}

type eventsPage struct {
	Items         []googleEvent `json:"items"`
	NextPageToken string        `json:"nextPageToken"`
}

// blocksTime reports whether an event makes its owner busy.
func (e googleEvent) blocksTime() bool {
	if e.Status == "cancelled" || e.Transparency == "transparent" {
		return false
	}
	// all-day events carry a date instead of a dateTime
	if e.Start.DateTime == "" || e.End.DateTime == "" {
		return false
	}
	for _, a := range e.Attendees {
		if a.Self && a.ResponseStatus == "declined" {
			return false
		}
	}
	return true
}

func (e googleEvent) window() (tw.Window, error) {
	start, err := time.Parse(time.RFC3339, e.Start.DateTime)
	if err != nil {
		return tw.Window{}, err
	}
	end, err := time.Parse(time.RFC3339, e.End.DateTime)
	if err != nil {
		return tw.Window{}, err
	}
	return tw.New(start.UTC(), end.UTC())
}

func (g *Google) GetBusyIntervals(ctx context.Context, tc tenant.Context, accountRef string, rng tw.Window) ([]tw.Window, error) {
	a, err := g.account(ctx, accountRef)
	if err != nil {
		return nil, err
	}
	if a.TenantID != tc.ID {
		return nil, fmt.Errorf("%w: account %s belongs to another tenant", availability.ErrProviderAuthExpired, accountRef)
	}
	client := g.client(ctx, a)

	busy := make([]tw.Window, 0)
	pageToken := ""
	for {
		params := url.Values{}
		params.Set("timeMin", rng.Start.UTC().Format(time.RFC3339))
		params.Set("timeMax", rng.End.UTC().Format(time.RFC3339))
		params.Set("singleEvents", "true")
		params.Set("orderBy", "startTime")
		params.Set("maxResults", pageSize)
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.eventsURL(a.CalendarID)+"?"+params.Encode(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		page, err := g.fetchPage(client, req)
		if err != nil {
			return nil, err
		}
		for _, ev := range page.Items {
			if !ev.blocksTime() {
				continue
			}
			w, err := ev.window()
			if err != nil {
				g.logger.Warn().Err(err).Str("event_id", ev.ID).Msg("skipping event with unreadable times")
				continue
			}
			busy = append(busy, w)
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	tw.Sort(busy)
	return busy, nil
}

func (g *Google) fetchPage(client *http.Client, req *http.Request) (*eventsPage, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %s", availability.ErrProviderUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, body)
	}
	var page eventsPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("%w: decode events: %s", availability.ErrProviderUnavailable, err)
	}
	return &page, nil
}

// EventID derives the Google event id from a correlation id. Google accepts
// lowercase base32hex characters, which hex digits are a subset of.
func EventID(req tasks.EventRequest) string {
	return "mtg" + strings.ReplaceAll(req.CorrelationID.String(), "-", "")
}

// CreateEvent inserts the event under a client-chosen id, so a retried task
// finds the event it already created instead of adding a second one.
func (g *Google) CreateEvent(ctx context.Context, accountRef string, req tasks.EventRequest) (tasks.EventResult, error) {
	a, err := g.account(ctx, accountRef)
	if err != nil {
		return tasks.EventResult{}, permanentIfAuth(err)
	}
	client := g.client(ctx, a)

	ev := googleEvent{
		ID:       EventID(req),
		Summary:  req.Title,
		Location: req.LocationHint,
		Start:    googleDateTime{DateTime: req.Window.Start.UTC().Format(time.RFC3339), TimeZone: "UTC"},
		End:      googleDateTime{DateTime: req.Window.End.UTC().Format(time.RFC3339), TimeZone: "UTC"},
	}
	for _, email := range req.Attendees {
		ev.Attendees = append(ev.Attendees, googleAttendee{Email: email})
	}
	if req.LocationHint == meetingtype.LocationVideo.Hint() {
		ev.ConferenceData = &conferenceData{}
		ev.ConferenceData.CreateRequest.RequestID = req.CorrelationID.String()
		ev.ConferenceData.CreateRequest.ConferenceSolutionKey.Type = "hangoutsMeet"
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return tasks.EventResult{}, fmt.Errorf("%w: encode event: %s", tasks.ErrPermanent, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.eventsURL(a.CalendarID)+"?conferenceDataVersion=1&sendUpdates=all", bytes.NewReader(payload))
	if err != nil {
		return tasks.EventResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return tasks.EventResult{}, permanentIfAuth(transportError(err))
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return tasks.EventResult{}, fmt.Errorf("read insert response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var created googleEvent
		if err := json.Unmarshal(body, &created); err != nil {
			return tasks.EventResult{}, fmt.Errorf("decode created event: %w", err)
		}
		return tasks.EventResult{EventID: created.ID, MeetingURL: created.HangoutLink}, nil
	case resp.StatusCode == http.StatusConflict:
		g.logger.Info().Str("event_id", ev.ID).Msg("event already exists, reusing it")
		return g.getEvent(ctx, client, a.CalendarID, ev.ID)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return tasks.EventResult{}, statusError(resp.StatusCode, body)
	default:
		return tasks.EventResult{}, fmt.Errorf("%w: %w", tasks.ErrPermanent, statusError(resp.StatusCode, body))
	}
}

func (g *Google) getEvent(ctx context.Context, client *http.Client, calendarID, eventID string) (tasks.EventResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.eventsURL(calendarID)+"/"+url.PathEscape(eventID), nil)
	if err != nil {
		return tasks.EventResult{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return tasks.EventResult{}, transportError(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return tasks.EventResult{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return tasks.EventResult{}, statusError(resp.StatusCode, body)
	}
	var existing googleEvent
	if err := json.Unmarshal(body, &existing); err != nil {
		return tasks.EventResult{}, fmt.Errorf("decode event: %w", err)
	}
	return tasks.EventResult{EventID: existing.ID, MeetingURL: existing.HangoutLink}, nil
}

// permanentIfAuth marks auth failures permanent; retrying cannot restore a revoked grant.
func permanentIfAuth(err error) error {
	if errors.Is(err, availability.ErrProviderAuthExpired) && !errors.Is(err, tasks.ErrPermanent) {
		return fmt.Errorf("%w: %w", tasks.ErrPermanent, err)
	}
	return err
}
