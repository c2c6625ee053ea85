// Package backend is a typed HTTP client for the meetings API.
package backend

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

	"github.com/aura-webinar/meetings/internal/models"
	apperrors "github.com/aura-webinar/meetings/pkg/errors"
	"github.com/aura-webinar/meetings/pkg/response"
)

const (
	// DefaultTimeout bounds a single API call. Media downloads are not bounded.
	DefaultTimeout = 30 * time.Second

	maxErrorBody = 4 << 10
)

// Client calls the meetings API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	timeout    time.Duration
	logger     *zap.Logger
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithToken sets the bearer token sent with every API call.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets a logger.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a client for the API at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response. It unwraps to the matching apperrors sentinel.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Endpoint   string
	kind       error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s (status %d)", e.Endpoint, e.Message, e.StatusCode)
}

func (e *APIError) Unwrap() error { return e.kind }

// classifyStatus maps an HTTP status and envelope code onto a domain sentinel.
func classifyStatus(status int, code string) error {
	switch {
	case status == http.StatusNotFound:
		return apperrors.ErrNotFound
	case status == http.StatusConflict:
		if code == response.CodeConflict {
			return apperrors.ErrConflict
		}
		return apperrors.ErrInvalidState
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity,
		status == http.StatusRequestEntityTooLarge, status == http.StatusRequestedRangeNotSatisfiable:
		return apperrors.ErrValidation
	case status == http.StatusTooManyRequests, status >= 500:
		return apperrors.ErrUnavailable
	default:
		return apperrors.ErrValidation
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

// call sends a JSON request and decodes the envelope's data into out.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	endpoint := method + " " + path
	c.logger.Debug("api request", zap.String("endpoint", endpoint))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(ctx, endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(ctx, endpoint, err)
	}
	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := env.Error
		if decodeErr != nil || msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{
			StatusCode: resp.StatusCode,
			Code:       env.Code,
			Message:    msg,
			Endpoint:   endpoint,
			kind:       classifyStatus(resp.StatusCode, env.Code),
		}
	}
	if decodeErr != nil {
		return fmt.Errorf("%s: decode response: %w: %v", endpoint, apperrors.ErrUnavailable, decodeErr)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%s: decode data: %w", endpoint, err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// transportError reports an unreachable backend as ErrUnavailable. The
// caller's own cancellation or deadline is returned as the context error.
func transportError(ctx context.Context, endpoint string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return fmt.Errorf("%s: %w", endpoint, ctxErr)
	}
	return fmt.Errorf("%s: %w: %v", endpoint, apperrors.ErrUnavailable, err)
}

func meetingPath(id uuid.UUID, parts ...string) string {
	p := "/meetings/" + id.String()
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

// ListMeetings returns every meeting.
func (c *Client) ListMeetings(ctx context.Context) ([]models.Meeting, error) {
	var out []models.Meeting
	if err := c.call(ctx, http.MethodGet, "/meetings", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateMeeting creates an empty meeting.
func (c *Client) CreateMeeting(ctx context.Context, title string) (*models.Meeting, error) {
	var out models.Meeting
	if err := c.call(ctx, http.MethodPost, "/meetings", map[string]string{"title": title}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetMeeting returns the full aggregate.
func (c *Client) GetMeeting(ctx context.Context, id uuid.UUID) (*models.Meeting, error) {
	var out models.Meeting
	if err := c.call(ctx, http.MethodGet, meetingPath(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateMeeting renames a meeting.
func (c *Client) UpdateMeeting(ctx context.Context, id uuid.UUID, title string) (*models.Meeting, error) {
	var out models.Meeting
	if err := c.call(ctx, http.MethodPatch, meetingPath(id), map[string]string{"title": title}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteMeeting deletes a meeting and its sub-resources.
func (c *Client) DeleteMeeting(ctx context.Context, id uuid.UUID) error {
	return c.call(ctx, http.MethodDelete, meetingPath(id), nil, nil)
}

// RequestUploadSlot asks for a signed upload destination.
func (c *Client) RequestUploadSlot(ctx context.Context, id uuid.UUID, filename, contentType string) (*models.UploadSlot, error) {
	var out models.UploadSlot
	in := map[string]string{"filename": filename, "contentType": contentType}
	if err := c.call(ctx, http.MethodPost, meetingPath(id, "upload-url"), in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PutBytes uploads body to a signed URL. The response is not enveloped and no
// API token is sent; the URL carries its own authorization.
func (c *Client) PutBytes(ctx context.Context, uploadURL string, body io.Reader, size int64, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, body)
	if err != nil {
		return fmt.Errorf("create upload request: %w", err)
	}
	if size >= 0 {
		req.ContentLength = size
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(ctx, "PUT upload", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		kind := apperrors.ErrValidation
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			kind = apperrors.ErrUnavailable
		}
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(msg)),
			Endpoint:   "PUT upload",
			kind:       kind,
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// RegisterRecording attaches an uploaded object to the meeting.
func (c *Client) RegisterRecording(ctx context.Context, id uuid.UUID, objectURI string) (*models.Meeting, error) {
	var out models.Meeting
	if err := c.call(ctx, http.MethodPost, meetingPath(id, "recording"), map[string]string{"objectUri": objectURI}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Trigger asks the backend to start stage (models.StageTranscribe or models.StageInsights).
func (c *Client) Trigger(ctx context.Context, id uuid.UUID, stage string) (*models.TriggerAck, error) {
	var path string
	switch stage {
	case models.StageTranscribe:
		path = meetingPath(id, "transcribe")
	case models.StageInsights:
		path = meetingPath(id, "insights", "run")
	default:
		return nil, fmt.Errorf("unknown stage %q: %w", stage, apperrors.ErrValidation)
	}
	var out models.TriggerAck
	if err := c.call(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Progress fetches the lightweight status projection.
func (c *Client) Progress(ctx context.Context, id uuid.UUID) (*models.Progress, error) {
	var out models.Progress
	if err := c.call(ctx, http.MethodGet, meetingPath(id, "progress"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Insights fetches the meeting's insights.
func (c *Client) Insights(ctx context.Context, id uuid.UUID) (*models.Insights, error) {
	var out models.Insights
	if err := c.call(ctx, http.MethodGet, meetingPath(id, "insights"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddNote adds a note.
func (c *Client) AddNote(ctx context.Context, id uuid.UUID, text string) (*models.Note, error) {
	var out models.Note
	if err := c.call(ctx, http.MethodPost, meetingPath(id, "notes"), map[string]string{"text": text}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EditNote replaces a note's text.
func (c *Client) EditNote(ctx context.Context, id, noteID uuid.UUID, text string) (*models.Note, error) {
	var out models.Note
	if err := c.call(ctx, http.MethodPut, meetingPath(id, "notes", noteID.String()), map[string]string{"text": text}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteNote removes a note.
func (c *Client) DeleteNote(ctx context.Context, id, noteID uuid.UUID) error {
	return c.call(ctx, http.MethodDelete, meetingPath(id, "notes", noteID.String()), nil, nil)
}

// AddAgendaItem adds an agenda item.
func (c *Client) AddAgendaItem(ctx context.Context, id uuid.UUID, item string) (*models.AgendaItem, error) {
	var out models.AgendaItem
	if err := c.call(ctx, http.MethodPost, meetingPath(id, "agenda"), map[string]string{"item": item}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EditAgendaItem replaces an agenda item.
func (c *Client) EditAgendaItem(ctx context.Context, id, itemID uuid.UUID, item string) (*models.AgendaItem, error) {
	var out models.AgendaItem
	if err := c.call(ctx, http.MethodPut, meetingPath(id, "agenda", itemID.String()), map[string]string{"item": item}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteAgendaItem removes an agenda item.
func (c *Client) DeleteAgendaItem(ctx context.Context, id, itemID uuid.UUID) error {
	return c.call(ctx, http.MethodDelete, meetingPath(id, "agenda", itemID.String()), nil, nil)
}

// ActionFields are the editable fields of an action item.
type ActionFields struct {
	Title    string `json:"title"`
	Assignee string `json:"assignee,omitempty"`
	Due      string `json:"due,omitempty"`
}

// AddAction adds an action item.
func (c *Client) AddAction(ctx context.Context, id uuid.UUID, fields ActionFields) (*models.ActionItem, error) {
	var out models.ActionItem
	if err := c.call(ctx, http.MethodPost, meetingPath(id, "actions"), fields, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EditAction replaces an action item's fields.
func (c *Client) EditAction(ctx context.Context, id, actionID uuid.UUID, fields ActionFields) (*models.ActionItem, error) {
	var out models.ActionItem
	if err := c.call(ctx, http.MethodPut, meetingPath(id, "actions", actionID.String()), fields, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteAction removes an action item.
func (c *Client) DeleteAction(ctx context.Context, id, actionID uuid.UUID) error {
	return c.call(ctx, http.MethodDelete, meetingPath(id, "actions", actionID.String()), nil, nil)
}

// PromoteAction creates (at most once) a calendar event for an action. A nil
// end lets the server apply its default duration.
func (c *Client) PromoteAction(ctx context.Context, id, actionID uuid.UUID, start time.Time, end *time.Time) (*models.CalendarLink, error) {
	in := map[string]string{"start": start.Format(time.RFC3339)}
	if end != nil {
		in["end"] = end.Format(time.RFC3339)
	}
	var out models.CalendarLink
	if err := c.call(ctx, http.MethodPost, meetingPath(id, "actions", actionID.String(), "calendar"), in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Media is a (possibly partial) recording body. Caller must close Body.
type Media struct {
	Body          io.ReadCloser
	StatusCode    int
	ContentType   string
	ContentLength int64
	ContentRange  string
}

// OpenMedia streams a recording, forwarding byteRange (e.g. "bytes=0-1023") when set.
func (c *Client) OpenMedia(ctx context.Context, objectURI, byteRange string) (*Media, error) {
	path := "/uploads/serve?objectUri=" + url.QueryEscape(objectURI)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if byteRange != "" {
		req.Header.Set("Range", byteRange)
	}
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(ctx, "GET /uploads/serve", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var env envelope
		msg := http.StatusText(resp.StatusCode)
		if json.Unmarshal(raw, &env) == nil && env.Error != "" {
			msg = env.Error
		}
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Code:       env.Code,
			Message:    msg,
			Endpoint:   "GET /uploads/serve",
			kind:       classifyStatus(resp.StatusCode, env.Code),
		}
	}
	return &Media{
		Body:          resp.Body,
		StatusCode:    resp.StatusCode,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
		ContentRange:  resp.Header.Get("Content-Range"),
	}, nil
}
