package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/aura-webinar/meetings/internal/backend"
	"github.com/aura-webinar/meetings/internal/models"
	apperrors "github.com/aura-webinar/meetings/pkg/errors"
)

// State is the orchestrator's per-meeting state.
type State string

const (
	StateIdle            State = "idle"
	StateUploading       State = "uploading"
	StateRegistering     State = "registering"
	StateTranscribing    State = "transcribing"
	StateInsightsRunning State = "insights_running"
	StateDone            State = "done"
	StateFailed          State = "failed"
	// StateGone ends a run quietly because the meeting was deleted.
	StateGone State = "gone"
)

// Stages reported in Result.FailedStage.
const (
	FailedUpload            = "upload"
	FailedRegister          = "register"
	FailedTranscribeTrigger = "transcribe-trigger"
	FailedTranscribe        = "transcribe"
	FailedInsightsTrigger   = "insights-trigger"
	FailedInsights          = "insights"
)

// Backend is the part of the meetings API the orchestrator drives.
type Backend interface {
	RequestUploadSlot(ctx context.Context, id uuid.UUID, filename, contentType string) (*models.UploadSlot, error)
	PutBytes(ctx context.Context, uploadURL string, body io.Reader, size int64, contentType string) error
	RegisterRecording(ctx context.Context, id uuid.UUID, objectURI string) (*models.Meeting, error)
	Trigger(ctx context.Context, id uuid.UUID, stage string) (*models.TriggerAck, error)
	Progress(ctx context.Context, id uuid.UUID) (*models.Progress, error)
	View(ctx context.Context, id uuid.UUID) (*backend.View, error)
	DeleteMeeting(ctx context.Context, id uuid.UUID) error
}

// Media is a file to upload. Body must implement io.Seeker for upload retries.
type Media struct {
	Filename    string
	ContentType string
	Body        io.Reader
	Size        int64 // -1 when unknown
}

// Result is the end state of one orchestrator run.
type Result struct {
	MeetingID   uuid.UUID
	State       State
	FailedStage string
	Outcome     Outcome
	Err         error
	View        *backend.View
}

// Options tune polling and retries. Zero values take the defaults.
type Options struct {
	MaxAttempts    int
	Interval       time.Duration
	UploadAttempts int
	// OnTransition, when set, is called for every state change of a run.
	OnTransition func(meetingID uuid.UUID, from, to State)
}

// Orchestrator sequences upload, registration, transcription and insights
// for meetings. It is safe for concurrent use; runs for different meetings
// are independent.
type Orchestrator struct {
	backend Backend
	poller  *Poller
	opts    Options
	logger  *zap.Logger

	stages singleflight.Group

	mu         sync.Mutex
	uploads    map[uuid.UUID]struct{}
	runs       map[uuid.UUID]map[uint64]context.CancelCauseFunc
	flights    map[flightKey]*flight
	nextRun    uint64
	nextFlight uint64
}

type flightKey struct {
	id    uuid.UUID
	stage string
}

// flight is one shared trigger and observation of a stage. It runs on its own
// context so that it outlives any single caller; it is cancelled when its last
// waiter leaves or the meeting is deleted.
type flight struct {
	key     string
	ctx     context.Context
	cancel  context.CancelCauseFunc
	waiters int
}

// NewOrchestrator creates an orchestrator over b.
func NewOrchestrator(b Backend, opts Options, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.UploadAttempts < 1 {
		opts.UploadAttempts = 1
	}
	return &Orchestrator{
		backend: b,
		poller:  NewPoller(b, logger),
		opts:    opts,
		logger:  logger,
		uploads: make(map[uuid.UUID]struct{}),
		runs:    make(map[uuid.UUID]map[uint64]context.CancelCauseFunc),
		flights: make(map[flightKey]*flight),
	}
}

// run tracks one invocation and its state.
type run struct {
	o     *Orchestrator
	id    uuid.UUID
	state State
	log   *zap.Logger
}

func (r *run) to(s State) {
	if r.state == s {
		return
	}
	from := r.state
	r.state = s
	r.log.Info("pipeline transition", zap.String("from", string(from)), zap.String("to", string(s)))
	if r.o.opts.OnTransition != nil {
		r.o.opts.OnTransition(r.id, from, s)
	}
}

// finish builds the Result. Successful stages are never rolled back; the
// view is reconciled best-effort so partial results stay visible.
func (r *run) finish(ctx context.Context, failedStage string, err error) Result {
	res := Result{MeetingID: r.id, Outcome: OutcomeOf(err), Err: err}
	switch {
	case err == nil:
		r.to(StateDone)
	case errors.Is(err, ErrMeetingGone) || apperrors.IsNotFound(err):
		res.Outcome = OutcomeNotFound
		res.Err = ErrMeetingGone
		r.to(StateGone)
		res.State = r.state
		return res
	default:
		res.FailedStage = failedStage
		r.to(StateFailed)
		r.log.Warn("pipeline stage failed", zap.String("stage", failedStage), zap.String("outcome", string(res.Outcome)), zap.Error(err))
	}
	res.State = r.state
	if ctx.Err() == nil {
		if v, verr := r.o.backend.View(ctx, r.id); verr == nil {
			res.View = v
		}
	}
	return res
}

// track derives a context that DeleteMeeting can cancel for this meeting.
func (o *Orchestrator) track(ctx context.Context, id uuid.UUID) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	o.mu.Lock()
	o.nextRun++
	key := o.nextRun
	if o.runs[id] == nil {
		o.runs[id] = make(map[uint64]context.CancelCauseFunc)
	}
	o.runs[id][key] = cancel
	o.mu.Unlock()
	return ctx, func() {
		o.mu.Lock()
		delete(o.runs[id], key)
		if len(o.runs[id]) == 0 {
			delete(o.runs, id)
		}
		o.mu.Unlock()
		cancel(nil)
	}
}

func (o *Orchestrator) newRun(id uuid.UUID) *run {
	return &run{o: o, id: id, state: StateIdle, log: o.logger.With(zap.String("meeting_id", id.String()))}
}

// acquireUpload takes the meeting's exclusive recording slot.
func (o *Orchestrator) acquireUpload(id uuid.UUID) (release func(), ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.uploads[id]; busy {
		return nil, false
	}
	o.uploads[id] = struct{}{}
	return func() {
		o.mu.Lock()
		delete(o.uploads, id)
		o.mu.Unlock()
	}, true
}

// Upload runs the full pipeline for media: upload, register, transcribe, insights.
// A second concurrent upload for the same meeting is rejected.
func (o *Orchestrator) Upload(ctx context.Context, id uuid.UUID, media Media) Result {
	r := o.newRun(id)
	if media.Body == nil || media.Filename == "" {
		return r.finish(ctx, FailedUpload, fmt.Errorf("no media supplied: %w", apperrors.ErrValidation))
	}
	release, ok := o.acquireUpload(id)
	if !ok {
		return Result{MeetingID: id, State: StateFailed, FailedStage: FailedUpload, Outcome: OutcomeRejected, Err: ErrUploadInProgress}
	}
	defer release()
	ctx, done := o.track(ctx, id)
	defer done()

	r.to(StateUploading)
	slot, err := o.upload(ctx, id, media)
	if err != nil {
		return r.finish(ctx, FailedUpload, o.gone(ctx, err))
	}

	r.to(StateRegistering)
	if _, err := o.backend.RegisterRecording(ctx, id, slot.ObjectURI); err != nil {
		return r.finish(ctx, FailedRegister, o.gone(ctx, err))
	}

	r.to(StateTranscribing)
	if failed, err := o.stage(ctx, id, models.StageTranscribe); err != nil {
		return r.finish(ctx, failed, err)
	}
	r.to(StateInsightsRunning)
	if failed, err := o.stage(ctx, id, models.StageInsights); err != nil {
		return r.finish(ctx, failed, err)
	}
	return r.finish(ctx, "", nil)
}

// RunTranscription triggers transcription of the current recording and waits for it.
func (o *Orchestrator) RunTranscription(ctx context.Context, id uuid.UUID) Result {
	ctx, done := o.track(ctx, id)
	defer done()
	r := o.newRun(id)
	r.to(StateTranscribing)
	failed, err := o.stage(ctx, id, models.StageTranscribe)
	return r.finish(ctx, failed, err)
}

// RunInsights triggers insight generation and waits for it. A run already in
// progress is observed rather than restarted.
func (o *Orchestrator) RunInsights(ctx context.Context, id uuid.UUID) Result {
	ctx, done := o.track(ctx, id)
	defer done()
	r := o.newRun(id)
	r.to(StateInsightsRunning)
	failed, err := o.stage(ctx, id, models.StageInsights)
	return r.finish(ctx, failed, err)
}

// DeleteMeeting deletes the meeting and stops every run observing it.
func (o *Orchestrator) DeleteMeeting(ctx context.Context, id uuid.UUID) error {
	if err := o.backend.DeleteMeeting(ctx, id); err != nil {
		return wrap("delete meeting", err)
	}
	o.mu.Lock()
	cancels := make([]context.CancelCauseFunc, 0, len(o.runs[id])+2)
	for _, cancel := range o.runs[id] {
		cancels = append(cancels, cancel)
	}
	for _, stage := range []string{models.StageTranscribe, models.StageInsights} {
		if f := o.flights[flightKey{id: id, stage: stage}]; f != nil {
			cancels = append(cancels, f.cancel)
		}
	}
	o.mu.Unlock()
	for _, cancel := range cancels {
		cancel(ErrMeetingGone)
	}
	return nil
}

// View reconciles the meeting's aggregate, insights and progress.
func (o *Orchestrator) View(ctx context.Context, id uuid.UUID) (*backend.View, error) {
	v, err := o.backend.View(ctx, id)
	if err != nil {
		return nil, wrap("view meeting", err)
	}
	return v, nil
}

func (o *Orchestrator) upload(ctx context.Context, id uuid.UUID, media Media) (*models.UploadSlot, error) {
	slot, err := o.backend.RequestUploadSlot(ctx, id, media.Filename, media.ContentType)
	if err != nil {
		return nil, err
	}
	seeker, seekable := media.Body.(io.Seeker)
	for attempt := 1; ; attempt++ {
		err = o.backend.PutBytes(ctx, slot.UploadURL, media.Body, media.Size, media.ContentType)
		if err == nil {
			return slot, nil
		}
		if attempt >= o.opts.UploadAttempts || !seekable || OutcomeOf(err) != OutcomeServiceUnavailable || ctx.Err() != nil {
			return nil, err
		}
		o.logger.Warn("upload failed, retrying", zap.String("meeting_id", id.String()), zap.Int("attempt", attempt), zap.Error(err))
		if _, serr := seeker.Seek(0, io.SeekStart); serr != nil {
			return nil, err
		}
	}
}

type stageReport struct {
	failedStage string
}

// stage triggers one stage and waits for its target status. Concurrent calls
// for the same meeting and stage share a single trigger and observation; a
// caller that gives up leaves the others waiting.
func (o *Orchestrator) stage(ctx context.Context, id uuid.UUID, stage string) (string, error) {
	k := flightKey{id: id, stage: stage}
	f, ch := o.join(ctx, k)
	select {
	case res := <-ch:
		o.leave(k, f)
		if res.Shared {
			o.logger.Debug("attached to running stage", zap.String("meeting_id", id.String()), zap.String("stage", stage))
		}
		return res.Val.(stageReport).failedStage, res.Err
	case <-ctx.Done():
		if o.leave(k, f) {
			f.cancel(context.Canceled)
			<-ch
		}
		_, failed := stageNames(stage)
		return failed, o.gone(ctx, ctx.Err())
	}
}

// join attaches the caller to the stage's flight, starting one if needed.
// DoChan is called under o.mu so a flight found in the map is still running.
func (o *Orchestrator) join(ctx context.Context, k flightKey) (*flight, <-chan singleflight.Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	f := o.flights[k]
	if f == nil {
		o.nextFlight++
		fctx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
		f = &flight{key: fmt.Sprintf("%s:%s:%d", k.id, k.stage, o.nextFlight), ctx: fctx, cancel: cancel}
		o.flights[k] = f
	}
	f.waiters++
	ch := o.stages.DoChan(f.key, func() (any, error) {
		failed, err := o.triggerAndAwait(f.ctx, k.id, k.stage)
		o.mu.Lock()
		if o.flights[k] == f {
			delete(o.flights, k)
		}
		o.mu.Unlock()
		f.cancel(nil)
		return stageReport{failedStage: failed}, err
	})
	return f, ch
}

// leave detaches a waiter and reports whether it was the last one.
func (o *Orchestrator) leave(k flightKey, f *flight) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return false
	}
	if o.flights[k] == f {
		delete(o.flights, k)
	}
	return true
}

// stageNames returns the FailedStage values for a stage's trigger and its wait.
func stageNames(stage string) (trigger, wait string) {
	if stage == models.StageInsights {
		return FailedInsightsTrigger, FailedInsights
	}
	return FailedTranscribeTrigger, FailedTranscribe
}

func (o *Orchestrator) triggerAndAwait(ctx context.Context, id uuid.UUID, stage string) (string, error) {
	triggerFailed, stageFailed := stageNames(stage)
	sel, target := RecordingStage, models.RecordingStatusTranscribed
	if stage == models.StageInsights {
		sel, target = InsightsStage, models.InsightsStatusReady
	}

	ack, err := o.backend.Trigger(ctx, id, stage)
	if err != nil {
		return triggerFailed, o.gone(ctx, err)
	}
	o.logger.Info("stage triggered", zap.String("meeting_id", id.String()), zap.String("stage", stage), zap.Bool("started", ack.Started), zap.String("status", ack.Status))

	res, err := o.poller.AwaitStatus(ctx, id, sel, target, o.opts.MaxAttempts, o.opts.Interval)
	switch res {
	case PollReached:
		return "", nil
	case PollGone:
		return stageFailed, ErrMeetingGone
	case PollFailed:
		return stageFailed, fmt.Errorf("%s: %w", stage, ErrStageFailed)
	case PollTimedOut:
		return stageFailed, fmt.Errorf("%s: %w", stage, ErrTimeout)
	default:
		return stageFailed, o.gone(ctx, err)
	}
}

// gone maps errors caused by an orchestrator-initiated delete to ErrMeetingGone.
func (o *Orchestrator) gone(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), ErrMeetingGone) {
		return ErrMeetingGone
	}
	return err
}
