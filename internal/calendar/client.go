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
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	apperrors "github.com/aura-webinar/meetings/pkg/errors"
)

// DefaultDuration is used when a promotion has no end time.
const DefaultDuration = 30 * time.Minute

// ErrNotConfigured is returned when no OAuth credentials are set.
var ErrNotConfigured = errors.New("calendar credentials not set")

// Config holds the events API location and OAuth2 refresh credentials.
type Config struct {
	BaseURL      string
	CalendarID   string
	ClientID     string
	ClientSecret string
	RefreshToken string
	TokenURL     string
	TimeZone     string
}

// Event is a calendar entry created from an action item.
type Event struct {
	ID          string
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
}

// Client creates events through a Google-Calendar-compatible REST API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient builds a client that refreshes access tokens with the configured refresh token.
func NewClient(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RefreshToken == "" {
		return nil, ErrNotConfigured
	}
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
	}
	ts := oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
	return NewClientWithTokenSource(ctx, cfg, ts, logger), nil
}

// NewClientWithTokenSource builds a client around an existing token source.
func NewClientWithTokenSource(ctx context.Context, cfg Config, ts oauth2.TokenSource, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CalendarID == "" {
		cfg.CalendarID = "primary"
	}
	if cfg.TimeZone == "" {
		cfg.TimeZone = "UTC"
	}
	httpClient := oauth2.NewClient(ctx, ts)
	httpClient.Timeout = 30 * time.Second
	return &Client{cfg: cfg, httpClient: httpClient, logger: logger}
}

// EventIDFor derives a stable event id from an action id (lowercase hex is valid base32hex).
func EventIDFor(actionID uuid.UUID) string {
	return strings.ReplaceAll(actionID.String(), "-", "")
}

// CreateEvent inserts ev and returns the calendar's event id.
// An id collision returns ErrConflict together with the colliding id.
func (c *Client) CreateEvent(ctx context.Context, ev Event) (string, error) {
	payload := eventResource{
		ID:          ev.ID,
		Summary:     ev.Summary,
		Description: ev.Description,
		Start:       eventTime{DateTime: ev.Start.Format(time.RFC3339), TimeZone: c.cfg.TimeZone},
		End:         eventTime{DateTime: ev.End.Format(time.RFC3339), TimeZone: c.cfg.TimeZone},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/calendars/" + url.PathEscape(c.cfg.CalendarID) + "/events"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("calendar request: %w: %v", apperrors.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusConflict:
		return ev.ID, fmt.Errorf("calendar event %s: %w", ev.ID, apperrors.ErrConflict)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("calendar API HTTP %d: %w", resp.StatusCode, apperrors.ErrUnavailable)
	case resp.StatusCode == http.StatusBadRequest:
		return "", fmt.Errorf("calendar API rejected event: %s: %w", string(respBody), apperrors.ErrValidation)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", fmt.Errorf("calendar API HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var created eventResource
	if err := json.Unmarshal(respBody, &created); err != nil {
		return "", fmt.Errorf("decode calendar event: %w", err)
	}
	if created.ID == "" {
		created.ID = ev.ID
	}
	c.logger.Info("calendar event created", zap.String("event_id", created.ID))
	return created.ID, nil
}

type eventResource struct {
	ID          string    `json:"id,omitempty"`
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Start       eventTime `json:"start"`
	End         eventTime `json:"end"`
}

type eventTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone,omitempty"`
}

// ResolveWindow applies the default duration and checks the window.
func ResolveWindow(start time.Time, end *time.Time) (time.Time, time.Time, error) {
	if start.IsZero() {
		return time.Time{}, time.Time{}, fmt.Errorf("start time required: %w", apperrors.ErrValidation)
	}
	e := start.Add(DefaultDuration)
	if end != nil && !end.IsZero() {
		e = *end
	}
	if !e.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("end must be after start: %w", apperrors.ErrValidation)
	}
	return start, e, nil
}
