package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/meetings/internal/models"
	apperrors "github.com/aura-webinar/meetings/pkg/errors"
)

// Poll budget defaults: 30 checks at 2s.
const (
	DefaultMaxAttempts = 30
	DefaultInterval    = 2 * time.Second
)

// PollResult is how AwaitStatus ended.
type PollResult string

const (
	PollReached   PollResult = "reached"
	PollTimedOut  PollResult = "timed_out"
	PollGone      PollResult = "gone"
	PollFailed    PollResult = "failed"
	PollCancelled PollResult = "cancelled"
)

// Selector picks one stage's status out of the progress projection.
type Selector struct {
	Name    string
	Failed  string
	status  func(models.Progress) string
	reached func(current, target string) bool
}

// Status returns the selected stage's status.
func (s Selector) Status(p models.Progress) string { return s.status(p) }

var (
	RecordingStage = Selector{
		Name:    "recording",
		Failed:  models.RecordingStatusFailed,
		status:  func(p models.Progress) string { return p.Recording.Status },
		reached: models.RecordingStatusReached,
	}
	InsightsStage = Selector{
		Name:    "insights",
		Failed:  models.InsightsStatusFailed,
		status:  func(p models.Progress) string { return p.Insights.Status },
		reached: models.InsightsStatusReached,
	}
)

// ProgressFetcher reads the status projection.
type ProgressFetcher interface {
	Progress(ctx context.Context, id uuid.UUID) (*models.Progress, error)
}

// Poller repeatedly checks a meeting's progress until a stage reaches a target status.
type Poller struct {
	fetcher ProgressFetcher
	logger  *zap.Logger
}

// NewPoller creates a poller.
func NewPoller(fetcher ProgressFetcher, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{fetcher: fetcher, logger: logger}
}

// AwaitStatus performs at most maxAttempts checks, interval apart. It returns
// PollReached as soon as the stage is at target or later (including on the
// first check), PollFailed when the stage reports failed, PollGone without
// error when the meeting no longer exists, PollCancelled with ctx's error when
// ctx ends, and PollTimedOut after exactly maxAttempts unsuccessful checks.
// A fetch error counts as an unsuccessful check.
func (p *Poller) AwaitStatus(ctx context.Context, id uuid.UUID, sel Selector, target string, maxAttempts int, interval time.Duration) (PollResult, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	log := p.logger.With(zap.String("meeting_id", id.String()), zap.String("stage", sel.Name), zap.String("target", target))

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return cancelled(ctx)
		}
		prog, err := p.fetcher.Progress(ctx, id)
		switch {
		case err == nil:
			status := sel.Status(*prog)
			if sel.reached(status, target) {
				log.Debug("status reached", zap.Int("attempt", attempt))
				return PollReached, nil
			}
			if status == sel.Failed {
				log.Info("stage failed", zap.Int("attempt", attempt))
				return PollFailed, nil
			}
		case apperrors.IsNotFound(err):
			log.Info("meeting deleted, poll stopped", zap.Int("attempt", attempt))
			return PollGone, nil
		case ctx.Err() != nil:
			return cancelled(ctx)
		default:
			log.Warn("progress check failed", zap.Int("attempt", attempt), zap.Error(err))
		}

		if attempt >= maxAttempts {
			log.Info("poll budget exhausted", zap.Int("attempts", attempt))
			return PollTimedOut, nil
		}
		if timer == nil {
			timer = time.NewTimer(interval)
		} else {
			timer.Reset(interval)
		}
		select {
		case <-ctx.Done():
			return cancelled(ctx)
		case <-timer.C:
		}
	}
}

// cancelled reports a context end. A meeting deleted through the
// orchestrator cancels with ErrMeetingGone, which is reported as PollGone.
func cancelled(ctx context.Context) (PollResult, error) {
	if errors.Is(context.Cause(ctx), ErrMeetingGone) {
		return PollGone, nil
	}
	return PollCancelled, ctx.Err()
}
