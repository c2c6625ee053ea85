package meetings

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-webinar/meetings/internal/metrics"
	"github.com/aura-webinar/meetings/internal/models"
	apperrors "github.com/aura-webinar/meetings/pkg/errors"
	"github.com/aura-webinar/meetings/pkg/queue"
	"github.com/aura-webinar/meetings/pkg/response"
)

// Transcribe handles POST /meetings/:id/transcribe. A job is enqueued only when
// this call started the stage; otherwise the trigger is acknowledged as a no-op.
func (h *Handler) Transcribe(c *gin.Context) {
	id, ok := meetingID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	start, err := h.store.StartTranscription(ctx, id)
	if err != nil {
		h.metrics.RecordTrigger(models.StageTranscribe, metrics.ResultRejected)
		h.fail(c, err, "start transcription")
		return
	}
	if start.Started {
		if err := h.jobs.EnqueueTranscribe(ctx, queue.TranscribePayload{MeetingID: id, ObjectURI: start.ObjectURI}); err != nil {
			if _, ferr := h.store.FailTranscription(ctx, id, start.ObjectURI, "could not queue transcription"); ferr != nil {
				h.logger.Error("fail transcription after enqueue error", zap.Error(ferr), zap.String("meeting_id", id.String()))
			}
			h.metrics.RecordTrigger(models.StageTranscribe, metrics.ResultRejected)
			h.fail(c, fmt.Errorf("enqueue transcription: %w: %v", apperrors.ErrUnavailable, err), "start transcription")
			return
		}
		h.metrics.RecordTrigger(models.StageTranscribe, metrics.ResultStarted)
		h.logger.Info("transcription queued", zap.String("meeting_id", id.String()))
		h.publishProgress(ctx, id)
	} else {
		h.metrics.RecordTrigger(models.StageTranscribe, metrics.ResultAlready)
	}
	response.Accepted(c, models.TriggerAck{Stage: models.StageTranscribe, Status: start.Status, Started: start.Started})
}

// RunInsights handles POST /meetings/:id/insights/run.
func (h *Handler) RunInsights(c *gin.Context) {
	id, ok := meetingID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	start, err := h.store.StartInsights(ctx, id)
	if err != nil {
		h.metrics.RecordTrigger(models.StageInsights, metrics.ResultRejected)
		h.fail(c, err, "start insights")
		return
	}
	if start.Started {
		if err := h.jobs.EnqueueInsights(ctx, queue.InsightsPayload{MeetingID: id, ObjectURI: start.ObjectURI}); err != nil {
			if _, ferr := h.store.FailInsights(ctx, id, start.ObjectURI, "could not queue insight generation"); ferr != nil {
				h.logger.Error("fail insights after enqueue error", zap.Error(ferr), zap.String("meeting_id", id.String()))
			}
			h.metrics.RecordTrigger(models.StageInsights, metrics.ResultRejected)
			h.fail(c, fmt.Errorf("enqueue insights: %w: %v", apperrors.ErrUnavailable, err), "start insights")
			return
		}
		h.metrics.RecordTrigger(models.StageInsights, metrics.ResultStarted)
		h.logger.Info("insights queued", zap.String("meeting_id", id.String()))
		h.publishProgress(ctx, id)
	} else {
		h.metrics.RecordTrigger(models.StageInsights, metrics.ResultAlready)
	}
	response.Accepted(c, models.TriggerAck{Stage: models.StageInsights, Status: start.Status, Started: start.Started})
}
