package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aura-webinar/meetings/internal/insights"
	"github.com/aura-webinar/meetings/internal/meetings"
	"github.com/aura-webinar/meetings/internal/metrics"
	"github.com/aura-webinar/meetings/internal/models"
	"github.com/aura-webinar/meetings/internal/transcription"
	apperrors "github.com/aura-webinar/meetings/pkg/errors"
	"github.com/aura-webinar/meetings/pkg/queue"
)

// Store is the persistence the worker writes stage results to.
type Store interface {
	Transcript(ctx context.Context, id uuid.UUID) (*models.Recording, error)
	Progress(ctx context.Context, id uuid.UUID) (*models.Progress, error)
	CompleteTranscription(ctx context.Context, id uuid.UUID, objectURI string, res meetings.TranscriptResult) (bool, error)
	FailTranscription(ctx context.Context, id uuid.UUID, objectURI, reason string) (bool, error)
	CompleteInsights(ctx context.Context, id uuid.UUID, objectURI string, ins models.Insights) (bool, error)
	FailInsights(ctx context.Context, id uuid.UUID, objectURI, reason string) (bool, error)
}

// JobQueue is the consuming side of the stage queue.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) (bool, error)
}

// Presigner produces a URL the transcription engine can fetch the recording from.
type Presigner interface {
	PresignDownload(ctx context.Context, objectURI string) (string, error)
}

// Transcriber turns a media URL into a transcript.
type Transcriber interface {
	Transcribe(ctx context.Context, fileURL string) (*transcription.Result, error)
}

// InsightGenerator derives insights from a transcript.
type InsightGenerator interface {
	Generate(ctx context.Context, rec *models.Recording) (*models.Insights, error)
}

// ProgressPublisher pushes status changes to live subscribers.
type ProgressPublisher interface {
	PublishProgress(ctx context.Context, meetingID uuid.UUID, p models.Progress) error
}

// permanentError marks failures that retrying cannot fix.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the worker fails the stage without retrying.
func Permanent(err error) error { return permanentError{err: err} }

// MeetingProcessor runs transcription and insight jobs.
type MeetingProcessor struct {
	store       Store
	queue       JobQueue
	presigner   Presigner
	transcriber Transcriber
	generator   InsightGenerator
	limiter     *rate.Limiter
	publisher   ProgressPublisher
	metrics     *metrics.Metrics
	backoff     time.Duration
	logger      *zap.Logger
}

// NewMeetingProcessor creates a stage job processor.
func NewMeetingProcessor(store Store, q JobQueue, presigner Presigner, transcriber Transcriber, generator InsightGenerator, logger *zap.Logger) *MeetingProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MeetingProcessor{
		store:       store,
		queue:       q,
		presigner:   presigner,
		transcriber: transcriber,
		generator:   generator,
		limiter:     rate.NewLimiter(rate.Inf, 1),
		backoff:     queue.RetryBackoff,
		logger:      logger,
	}
}

// SetInsightsRate limits insight engine calls per minute. Zero or less means unlimited.
func (p *MeetingProcessor) SetInsightsRate(perMinute int) {
	if perMinute <= 0 {
		p.limiter = rate.NewLimiter(rate.Inf, 1)
		return
	}
	p.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
}

// SetPublisher sets the live progress publisher.
func (p *MeetingProcessor) SetPublisher(pub ProgressPublisher) { p.publisher = pub }

// SetMetrics sets the Prometheus collectors.
func (p *MeetingProcessor) SetMetrics(m *metrics.Metrics) { p.metrics = m }

// SetBackoff overrides the pause after a failed job.
func (p *MeetingProcessor) SetBackoff(d time.Duration) { p.backoff = d }

// Process executes one job. result is a metrics.Result* value: succeeded when
// the stage result was stored, dropped when the job no longer applies.
func (p *MeetingProcessor) Process(ctx context.Context, job *queue.Job) (result string, err error) {
	switch job.Type {
	case queue.JobTypeTranscribe:
		var payload queue.TranscribePayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return "", Permanent(fmt.Errorf("unmarshal payload: %w", err))
		}
		return p.transcribe(ctx, payload)
	case queue.JobTypeInsights:
		var payload queue.InsightsPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return "", Permanent(fmt.Errorf("unmarshal payload: %w", err))
		}
		return p.generateInsights(ctx, payload)
	default:
		return "", Permanent(fmt.Errorf("unknown job type: %s", job.Type))
	}
}

func (p *MeetingProcessor) transcribe(ctx context.Context, payload queue.TranscribePayload) (string, error) {
	log := p.logger.With(zap.String("meeting_id", payload.MeetingID.String()))
	rec, err := p.store.Transcript(ctx, payload.MeetingID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			log.Info("meeting deleted, dropping transcription job")
			return metrics.ResultDropped, nil
		}
		return "", err
	}
	if rec.ObjectURI != payload.ObjectURI || rec.Status != models.RecordingStatusTranscribing {
		log.Info("recording changed, dropping transcription job", zap.String("status", rec.Status))
		return metrics.ResultDropped, nil
	}

	fileURL, err := p.presigner.PresignDownload(ctx, payload.ObjectURI)
	if err != nil {
		return "", fmt.Errorf("presign recording: %w", err)
	}
	res, err := p.transcriber.Transcribe(ctx, fileURL)
	if err != nil {
		if errors.Is(err, transcription.ErrNotConfigured) {
			return "", Permanent(err)
		}
		return "", fmt.Errorf("transcribe: %w", err)
	}

	applied, err := p.store.CompleteTranscription(ctx, payload.MeetingID, payload.ObjectURI, meetings.TranscriptResult{
		Text:        res.Text,
		Segments:    res.Segments,
		DurationSec: res.DurationSec,
	})
	if err != nil {
		return "", fmt.Errorf("store transcript: %w", err)
	}
	if !applied {
		log.Info("recording replaced during transcription, result discarded")
		return metrics.ResultDropped, nil
	}
	log.Info("transcription completed", zap.Int("segments", len(res.Segments)))
	p.publish(ctx, payload.MeetingID)
	return metrics.ResultSucceeded, nil
}

func (p *MeetingProcessor) generateInsights(ctx context.Context, payload queue.InsightsPayload) (string, error) {
	log := p.logger.With(zap.String("meeting_id", payload.MeetingID.String()))
	progress, err := p.store.Progress(ctx, payload.MeetingID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			log.Info("meeting deleted, dropping insights job")
			return metrics.ResultDropped, nil
		}
		return "", err
	}
	if progress.Insights.Status != models.InsightsStatusRunning {
		log.Info("insights no longer running, dropping job", zap.String("status", progress.Insights.Status))
		return metrics.ResultDropped, nil
	}
	rec, err := p.store.Transcript(ctx, payload.MeetingID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return metrics.ResultDropped, nil
		}
		return "", err
	}
	if rec.ObjectURI != payload.ObjectURI {
		log.Info("recording replaced, dropping insights job")
		return metrics.ResultDropped, nil
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return "", err
	}
	ins, err := p.generator.Generate(ctx, rec)
	if err != nil {
		if errors.Is(err, insights.ErrNotConfigured) || errors.Is(err, insights.ErrEmptyTranscript) {
			return "", Permanent(err)
		}
		return "", fmt.Errorf("generate insights: %w", err)
	}
	applied, err := p.store.CompleteInsights(ctx, payload.MeetingID, payload.ObjectURI, *ins)
	if err != nil {
		return "", fmt.Errorf("store insights: %w", err)
	}
	if !applied {
		log.Info("insights reset or recording replaced during generation, result discarded")
		return metrics.ResultDropped, nil
	}
	log.Info("insights completed", zap.Int("chapters", len(ins.Chapters)), zap.Int("extracted_actions", len(ins.ExtractedActions)))
	p.publish(ctx, payload.MeetingID)
	return metrics.ResultSucceeded, nil
}

// Handle processes a job and applies the retry policy. Jobs that exhaust
// their retries, or fail permanently, mark the stage failed.
func (p *MeetingProcessor) Handle(ctx context.Context, job *queue.Job) {
	start := time.Now()
	result, err := p.Process(ctx, job)
	if err == nil {
		p.metrics.RecordJob(string(job.Type), result, time.Since(start))
		return
	}
	log := p.logger.With(zap.String("job_id", job.ID), zap.String("type", string(job.Type)), zap.Int("attempt", job.Attempt))

	var perm permanentError
	if errors.As(err, &perm) {
		log.Error("job failed permanently", zap.Error(err))
		p.failStage(ctx, job, err)
		p.metrics.RecordJob(string(job.Type), metrics.ResultDeadLetter, time.Since(start))
		return
	}

	log.Warn("job failed", zap.Error(err))
	deadLettered, rerr := p.queue.Retry(ctx, job)
	if rerr != nil {
		log.Error("retry enqueue failed", zap.Error(rerr))
	}
	if deadLettered || rerr != nil {
		p.failStage(ctx, job, err)
		p.metrics.RecordJob(string(job.Type), metrics.ResultDeadLetter, time.Since(start))
		return
	}
	p.metrics.RecordJob(string(job.Type), metrics.ResultRetried, time.Since(start))
}

func (p *MeetingProcessor) failStage(ctx context.Context, job *queue.Job, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	reason := cause.Error()
	if len(reason) > 500 {
		reason = reason[:500]
	}

	var (
		meetingID uuid.UUID
		applied   bool
		err       error
	)
	switch job.Type {
	case queue.JobTypeTranscribe:
		var payload queue.TranscribePayload
		if json.Unmarshal(job.Payload, &payload) != nil {
			return
		}
		meetingID = payload.MeetingID
		applied, err = p.store.FailTranscription(ctx, payload.MeetingID, payload.ObjectURI, reason)
	case queue.JobTypeInsights:
		var payload queue.InsightsPayload
		if json.Unmarshal(job.Payload, &payload) != nil {
			return
		}
		meetingID = payload.MeetingID
		applied, err = p.store.FailInsights(ctx, payload.MeetingID, payload.ObjectURI, reason)
	default:
		return
	}
	if err != nil {
		p.logger.Error("mark stage failed", zap.Error(err), zap.String("meeting_id", meetingID.String()))
		return
	}
	if applied {
		p.publish(ctx, meetingID)
	}
}

func (p *MeetingProcessor) publish(ctx context.Context, meetingID uuid.UUID) {
	if p.publisher == nil {
		return
	}
	progress, err := p.store.Progress(ctx, meetingID)
	if err != nil {
		return
	}
	if err := p.publisher.PublishProgress(ctx, meetingID, *progress); err != nil {
		p.logger.Warn("publish progress failed", zap.Error(err), zap.String("meeting_id", meetingID.String()))
	}
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *MeetingProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("meeting worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			sleep(ctx, p.backoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		attempt := job.Attempt
		p.Handle(ctx, job)
		if job.Attempt != attempt {
			sleep(ctx, p.backoff)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
