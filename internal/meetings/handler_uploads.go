package meetings

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-webinar/meetings/internal/models"
	apperrors "github.com/aura-webinar/meetings/pkg/errors"
	"github.com/aura-webinar/meetings/pkg/response"
	"github.com/aura-webinar/meetings/pkg/storage"
)

const defaultContentType = "application/octet-stream"

type uploadURLRequest struct {
	Filename    string `json:"filename" form:"filename" binding:"required"`
	ContentType string `json:"contentType" form:"contentType"`
}

type registerRequest struct {
	ObjectURI string `json:"objectUri" form:"objectUri" binding:"required"`
}

// UploadURL handles POST /meetings/:id/upload-url. Every call returns a fresh object location.
func (h *Handler) UploadURL(c *gin.Context) {
	id, ok := meetingID(c)
	if !ok {
		return
	}
	var req uploadURLRequest
	if err := c.ShouldBind(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.CodeValidation, "filename required")
		return
	}
	ctx := c.Request.Context()
	if _, err := h.store.Progress(ctx, id); err != nil {
		h.fail(c, err, "request upload slot")
		return
	}
	contentType := strings.TrimSpace(req.ContentType)
	if contentType == "" {
		contentType = defaultContentType
	}
	uploadURL, objectURI, err := h.objects.PresignUpload(ctx, id.String(), req.Filename, contentType)
	if err != nil {
		h.fail(c, fmt.Errorf("%w: %v", apperrors.ErrUnavailable, err), "request upload slot")
		return
	}
	response.OK(c, models.UploadSlot{
		UploadURL: uploadURL,
		ObjectURI: objectURI,
		ExpiresIn: int(h.objects.PresignExpire().Seconds()),
	})
}

// RegisterRecording handles POST /meetings/:id/recording.
func (h *Handler) RegisterRecording(c *gin.Context) {
	id, ok := meetingID(c)
	if !ok {
		return
	}
	var req registerRequest
	if err := c.ShouldBind(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.CodeValidation, "objectUri required")
		return
	}
	if !h.objects.OwnsURI(req.ObjectURI, id.String()) {
		response.Fail(c, http.StatusBadRequest, response.CodeValidation, "objectUri does not belong to this meeting")
		return
	}
	ctx := c.Request.Context()
	m, err := h.store.RegisterRecording(ctx, id, req.ObjectURI)
	if err != nil {
		h.fail(c, err, "register recording")
		return
	}
	h.logger.Info("recording registered", zap.String("meeting_id", id.String()), zap.String("object_uri", req.ObjectURI))
	h.publishProgress(ctx, id)
	response.OK(c, m)
}

// Upload handles POST /meetings/:id/upload: the server stores the multipart "file"
// and registers it in one call. One upload per meeting at a time.
func (h *Handler) Upload(c *gin.Context) {
	id, ok := meetingID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if h.locker != nil {
		release, acquired, err := h.locker.TryLock(ctx, "meeting:"+id.String()+":upload", uploadLockTTL)
		if err != nil {
			h.fail(c, fmt.Errorf("%w: %v", apperrors.ErrUnavailable, err), "upload recording")
			return
		}
		if !acquired {
			response.Fail(c, http.StatusConflict, response.CodeConflict, "an upload for this meeting is already in progress")
			return
		}
		defer release()
	}
	if _, err := h.store.Progress(ctx, id); err != nil {
		h.fail(c, err, "upload recording")
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadMB<<20)
	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Fail(c, http.StatusRequestEntityTooLarge, response.CodeValidation, "file too large")
			return
		}
		response.Fail(c, http.StatusBadRequest, response.CodeValidation, "file required")
		return
	}
	f, err := fh.Open()
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.CodeValidation, "cannot read file")
		return
	}
	defer f.Close()

	contentType := fh.Header.Get("Content-Type")
	if contentType == "" {
		contentType = defaultContentType
	}
	uri, err := h.objects.UploadRecording(ctx, id.String(), fh.Filename, contentType, f, fh.Size)
	if err != nil {
		h.fail(c, fmt.Errorf("%w: %v", apperrors.ErrUnavailable, err), "upload recording")
		return
	}
	m, err := h.store.RegisterRecording(ctx, id, uri)
	if err != nil {
		h.fail(c, err, "register recording")
		return
	}
	h.logger.Info("recording uploaded and registered", zap.String("meeting_id", id.String()), zap.Int64("size", fh.Size))
	h.publishProgress(ctx, id)
	response.OK(c, m)
}

// ServeMedia handles GET /uploads/serve?objectUri=. The client's Range header is
// forwarded to object storage so players can seek.
func (h *Handler) ServeMedia(c *gin.Context) {
	uri := c.Query("objectUri")
	if uri == "" {
		response.Fail(c, http.StatusBadRequest, response.CodeValidation, "objectUri required")
		return
	}
	meetingID, ok := storage.MeetingIDFromURI(uri)
	if !ok || !h.objects.OwnsURI(uri, meetingID) {
		response.Fail(c, http.StatusBadRequest, response.CodeValidation, "invalid objectUri")
		return
	}
	stream, err := h.objects.GetObjectRange(c.Request.Context(), uri, c.GetHeader("Range"))
	if err != nil {
		if errors.Is(err, storage.ErrInvalidRange) {
			response.RangeNotSatisfiable(c, "requested range not satisfiable")
			return
		}
		h.fail(c, err, "serve media")
		return
	}
	defer stream.Body.Close()

	status := http.StatusOK
	headers := map[string]string{"Accept-Ranges": "bytes"}
	if stream.ContentRange != "" {
		status = http.StatusPartialContent
		headers["Content-Range"] = stream.ContentRange
	}
	c.DataFromReader(status, stream.ContentLength, stream.ContentType, stream.Body, headers)
}
