package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aura-webinar/meetings/internal/models"
)

const (
	channelPrefix  = "meeting:"
	channelSuffix  = ":progress"
	publishTimeout = 5 * time.Second
)

// Event kinds carried on a meeting's progress channel.
const (
	EventProgress = "progress"
	EventDeleted  = "deleted"
)

// Event is a progress change for one meeting.
type Event struct {
	Type      string           `json:"event"`
	MeetingID uuid.UUID        `json:"meetingId"`
	Progress  *models.Progress `json:"progress,omitempty"`
	At        int64            `json:"at"`
}

// ProgressBroker fans progress changes out over Redis pub/sub so every
// server instance can push them to its websocket subscribers.
type ProgressBroker struct {
	client *redis.Client
	logger *zap.Logger
}

// NewProgressBroker creates a Redis pub/sub progress broker.
func NewProgressBroker(client *redis.Client, logger *zap.Logger) *ProgressBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressBroker{client: client, logger: logger}
}

// Channel returns the Redis channel for a meeting.
func Channel(meetingID uuid.UUID) string {
	return channelPrefix + meetingID.String() + channelSuffix
}

// PublishProgress announces a new status projection.
func (b *ProgressBroker) PublishProgress(ctx context.Context, meetingID uuid.UUID, p models.Progress) error {
	return b.publish(ctx, Event{Type: EventProgress, MeetingID: meetingID, Progress: &p})
}

// PublishDeleted announces that the meeting is gone.
func (b *ProgressBroker) PublishDeleted(ctx context.Context, meetingID uuid.UUID) error {
	return b.publish(ctx, Event{Type: EventDeleted, MeetingID: meetingID})
}

func (b *ProgressBroker) publish(ctx context.Context, ev Event) error {
	ev.At = time.Now().Unix()
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := b.client.Publish(ctx, Channel(ev.MeetingID), body).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// Subscribe delivers a meeting's events until cancel is called or ctx ends.
func (b *ProgressBroker) Subscribe(ctx context.Context, meetingID uuid.UUID) (<-chan Event, func(), error) {
	ctx, cancelCtx := context.WithCancel(ctx)
	pubsub := b.client.Subscribe(ctx, Channel(meetingID))
	if _, err := pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe: %w", err)
	}
	out := make(chan Event, 16)
	ch := pubsub.Channel()
	go func() {
		defer close(out)
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Debug("dropping malformed progress event", zap.Error(err))
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, cancelCtx, nil
}
