package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/aura-webinar/meetings/internal/meetings"
	"github.com/aura-webinar/meetings/internal/metrics"
	"github.com/aura-webinar/meetings/internal/models"
)

const sweepTimeout = 30 * time.Second

// StaleStore fails stages whose worker never reported back.
type StaleStore interface {
	FailStale(ctx context.Context, olderThan time.Duration) ([]meetings.StaleStage, error)
	Progress(ctx context.Context, id uuid.UUID) (*models.Progress, error)
}

// Sweeper periodically fails transcriptions and insight runs that have been
// in progress for longer than staleAfter, so clients waiting on them stop.
type Sweeper struct {
	store      StaleStore
	publisher  ProgressPublisher
	metrics    *metrics.Metrics
	staleAfter time.Duration
	schedule   string
	cron       *cron.Cron
	logger     *zap.Logger
}

// NewSweeper creates a sweeper on a cron schedule such as "@every 1m".
func NewSweeper(store StaleStore, schedule string, staleAfter time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{store: store, schedule: schedule, staleAfter: staleAfter, logger: logger}
}

// SetPublisher sets the live progress publisher.
func (s *Sweeper) SetPublisher(pub ProgressPublisher) { s.publisher = pub }

// SetMetrics sets the Prometheus collectors.
func (s *Sweeper) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// Start schedules the sweep. Stop must be called to release the scheduler.
func (s *Sweeper) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() { _, _ = s.Sweep(context.Background()) }); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", s.schedule, err)
	}
	s.cron = c
	c.Start()
	s.logger.Info("stale stage sweeper started", zap.String("schedule", s.schedule), zap.Duration("stale_after", s.staleAfter))
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// Sweep runs one pass and returns the stages it failed.
func (s *Sweeper) Sweep(ctx context.Context) ([]meetings.StaleStage, error) {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()
	stale, err := s.store.FailStale(ctx, s.staleAfter)
	if err != nil {
		s.logger.Error("stale sweep failed", zap.Error(err))
		return nil, err
	}
	for _, st := range stale {
		s.logger.Warn("stage timed out", zap.String("meeting_id", st.MeetingID.String()), zap.String("stage", st.Stage))
		s.metrics.RecordStale(st.Stage)
		if s.publisher == nil {
			continue
		}
		progress, err := s.store.Progress(ctx, st.MeetingID)
		if err != nil {
			continue
		}
		if err := s.publisher.PublishProgress(ctx, st.MeetingID, *progress); err != nil {
			s.logger.Warn("publish progress failed", zap.Error(err))
		}
	}
	return stale, nil
}
