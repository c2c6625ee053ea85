package meetings

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/meetings/internal/calendar"
	"github.com/aura-webinar/meetings/internal/metrics"
	"github.com/aura-webinar/meetings/internal/models"
	apperrors "github.com/aura-webinar/meetings/pkg/errors"
	"github.com/aura-webinar/meetings/pkg/queue"
	"github.com/aura-webinar/meetings/pkg/response"
	"github.com/aura-webinar/meetings/pkg/storage"
)

// Store is the meeting persistence used by the handlers.
type Store interface {
	List(ctx context.Context) ([]models.Meeting, error)
	Create(ctx context.Context, title string) (*models.Meeting, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Meeting, error)
	Update(ctx context.Context, id uuid.UUID, title string) (*models.Meeting, error)
	Delete(ctx context.Context, id uuid.UUID) (string, error)

	RegisterRecording(ctx context.Context, id uuid.UUID, objectURI string) (*models.Meeting, error)
	StartTranscription(ctx context.Context, id uuid.UUID) (StageStart, error)
	FailTranscription(ctx context.Context, id uuid.UUID, objectURI, reason string) (bool, error)
	StartInsights(ctx context.Context, id uuid.UUID) (StageStart, error)
	FailInsights(ctx context.Context, id uuid.UUID, objectURI, reason string) (bool, error)
	Progress(ctx context.Context, id uuid.UUID) (*models.Progress, error)
	Insights(ctx context.Context, id uuid.UUID) (*models.Insights, error)
	UpdateInsights(ctx context.Context, id uuid.UUID, patch InsightsPatch) (*models.Insights, error)

	AddNote(ctx context.Context, meetingID uuid.UUID, text string) (*models.Note, error)
	UpdateNote(ctx context.Context, meetingID, noteID uuid.UUID, text string) (*models.Note, error)
	DeleteNote(ctx context.Context, meetingID, noteID uuid.UUID) error
	AddAgendaItem(ctx context.Context, meetingID uuid.UUID, item string) (*models.AgendaItem, error)
	UpdateAgendaItem(ctx context.Context, meetingID, itemID uuid.UUID, item string) (*models.AgendaItem, error)
	DeleteAgendaItem(ctx context.Context, meetingID, itemID uuid.UUID) error
	AddAction(ctx context.Context, meetingID uuid.UUID, in ActionInput) (*models.ActionItem, error)
	GetAction(ctx context.Context, meetingID, actionID uuid.UUID) (*models.ActionItem, error)
	UpdateAction(ctx context.Context, meetingID, actionID uuid.UUID, in ActionInput) (*models.ActionItem, error)
	DeleteAction(ctx context.Context, meetingID, actionID uuid.UUID) error
	SetActionCalendarEvent(ctx context.Context, meetingID, actionID uuid.UUID, eventID string) (string, bool, error)
}

// JobQueue accepts background stage jobs.
type JobQueue interface {
	EnqueueTranscribe(ctx context.Context, payload queue.TranscribePayload) error
	EnqueueInsights(ctx context.Context, payload queue.InsightsPayload) error
}

// ObjectStorage holds uploaded recordings.
type ObjectStorage interface {
	PresignUpload(ctx context.Context, meetingID, filename, contentType string) (string, string, error)
	PresignExpire() time.Duration
	OwnsURI(uri, meetingID string) bool
	UploadRecording(ctx context.Context, meetingID, filename, contentType string, body io.Reader, contentLength int64) (string, error)
	GetObjectRange(ctx context.Context, objectURI, byteRange string) (*storage.ObjectStream, error)
	DeleteObject(ctx context.Context, objectURI string) error
}

// Locker grants short exclusive leases.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error)
}

// ProgressPublisher pushes status changes to live subscribers.
type ProgressPublisher interface {
	PublishProgress(ctx context.Context, meetingID uuid.UUID, p models.Progress) error
	PublishDeleted(ctx context.Context, meetingID uuid.UUID) error
}

// EventCreator creates calendar events.
type EventCreator interface {
	CreateEvent(ctx context.Context, ev calendar.Event) (string, error)
}

const (
	uploadLockTTL   = 30 * time.Minute
	calendarLockTTL = time.Minute
)

// Handler handles meeting HTTP endpoints.
type Handler struct {
	store       Store
	jobs        JobQueue
	objects     ObjectStorage
	locker      Locker            // optional: serialises server-side uploads and calendar promotion
	publisher   ProgressPublisher // optional
	calendar    EventCreator      // optional: nil disables promotion
	metrics     *metrics.Metrics
	maxUploadMB int64
	logger      *zap.Logger
}

// NewHandler creates a meetings handler.
func NewHandler(store Store, jobs JobQueue, objects ObjectStorage, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, jobs: jobs, objects: objects, maxUploadMB: 2048, logger: logger}
}

// SetLocker sets the lock service for uploads and calendar promotion.
func (h *Handler) SetLocker(l Locker) { h.locker = l }

// SetPublisher sets the live progress publisher.
func (h *Handler) SetPublisher(p ProgressPublisher) { h.publisher = p }

// SetCalendar enables calendar promotion.
func (h *Handler) SetCalendar(c EventCreator) { h.calendar = c }

// SetMetrics sets the Prometheus collectors.
func (h *Handler) SetMetrics(m *metrics.Metrics) { h.metrics = m }

// SetMaxUploadMB limits the server-side upload body.
func (h *Handler) SetMaxUploadMB(mb int) {
	if mb > 0 {
		h.maxUploadMB = int64(mb)
	}
}

type meetingRequest struct {
	Title string `json:"title" form:"title"`
}

// List handles GET /meetings.
func (h *Handler) List(c *gin.Context) {
	list, err := h.store.List(c.Request.Context())
	if err != nil {
		h.fail(c, err, "list meetings")
		return
	}
	response.OK(c, list)
}

// Create handles POST /meetings.
func (h *Handler) Create(c *gin.Context) {
	var req meetingRequest
	if err := c.ShouldBind(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	m, err := h.store.Create(c.Request.Context(), strings.TrimSpace(req.Title))
	if err != nil {
		h.fail(c, err, "create meeting")
		return
	}
	response.Created(c, m)
}

// Get handles GET /meetings/:id.
func (h *Handler) Get(c *gin.Context) {
	id, ok := meetingID(c)
	if !ok {
		return
	}
	m, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, "get meeting")
		return
	}
	response.OK(c, m)
}

// Update handles PUT/PATCH /meetings/:id.
func (h *Handler) Update(c *gin.Context) {
	id, ok := meetingID(c)
	if !ok {
		return
	}
	var req meetingRequest
	if err := c.ShouldBind(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	m, err := h.store.Update(c.Request.Context(), id, strings.TrimSpace(req.Title))
	if err != nil {
		h.fail(c, err, "update meeting")
		return
	}
	response.OK(c, m)
}

// Delete handles DELETE /meetings/:id. The recording object is removed best-effort.
func (h *Handler) Delete(c *gin.Context) {
	id, ok := meetingID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	uri, err := h.store.Delete(ctx, id)
	if err != nil {
		h.fail(c, err, "delete meeting")
		return
	}
	if uri != "" && h.objects != nil {
		if err := h.objects.DeleteObject(ctx, uri); err != nil {
			h.logger.Warn("recording object not deleted", zap.Error(err), zap.String("meeting_id", id.String()))
		}
	}
	if h.publisher != nil {
		if err := h.publisher.PublishDeleted(ctx, id); err != nil {
			h.logger.Warn("publish deleted failed", zap.Error(err), zap.String("meeting_id", id.String()))
		}
	}
	response.OK(c, gin.H{"deleted": true})
}

// Progress handles GET /meetings/:id/progress.
func (h *Handler) Progress(c *gin.Context) {
	id, ok := meetingID(c)
	if !ok {
		return
	}
	p, err := h.store.Progress(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, "get progress")
		return
	}
	response.OK(c, p)
}

// Insights handles GET /meetings/:id/insights.
func (h *Handler) Insights(c *gin.Context) {
	id, ok := meetingID(c)
	if !ok {
		return
	}
	ins, err := h.store.Insights(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, "get insights")
		return
	}
	response.OK(c, ins)
}

// UpdateInsights handles PUT /meetings/:id/insights.
func (h *Handler) UpdateInsights(c *gin.Context) {
	id, ok := meetingID(c)
	if !ok {
		return
	}
	var patch InsightsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	ins, err := h.store.UpdateInsights(c.Request.Context(), id, patch)
	if err != nil {
		h.fail(c, err, "update insights")
		return
	}
	response.OK(c, ins)
}

func (h *Handler) publishProgress(ctx context.Context, id uuid.UUID) {
	if h.publisher == nil {
		return
	}
	p, err := h.store.Progress(ctx, id)
	if err != nil {
		return
	}
	if err := h.publisher.PublishProgress(ctx, id, *p); err != nil {
		h.logger.Warn("publish progress failed", zap.Error(err), zap.String("meeting_id", id.String()))
	}
}

// fail maps domain errors onto the response envelope.
func (h *Handler) fail(c *gin.Context, err error, op string) {
	switch {
	case apperrors.IsNotFound(err):
		response.Fail(c, http.StatusNotFound, response.CodeNotFound, err.Error())
	case apperrors.IsInvalidState(err):
		response.Fail(c, http.StatusConflict, response.CodeInvalidState, err.Error())
	case apperrors.IsConflict(err):
		response.Fail(c, http.StatusConflict, response.CodeConflict, err.Error())
	case apperrors.IsValidation(err):
		response.Fail(c, http.StatusBadRequest, response.CodeValidation, err.Error())
	case apperrors.IsUnavailable(err):
		h.logger.Warn(op+" unavailable", zap.Error(err))
		response.Fail(c, http.StatusServiceUnavailable, response.CodeUnavailable, op+": dependency unavailable")
	default:
		h.logger.Error(op+" failed", zap.Error(err))
		response.Internal(c, "failed to "+op)
	}
}

func meetingID(c *gin.Context) (uuid.UUID, bool) {
	return parseID(c, "id", "invalid meeting id")
}

func parseID(c *gin.Context, param, msg string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.CodeValidation, msg)
		return uuid.Nil, false
	}
	return id, true
}
