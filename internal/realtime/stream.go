package realtime

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-webinar/meetings/internal/models"
	apperrors "github.com/aura-webinar/meetings/pkg/errors"
	"github.com/aura-webinar/meetings/pkg/response"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS middleware governs browser origins
	},
}

// ProgressSource reads the current status projection.
type ProgressSource interface {
	Progress(ctx context.Context, id uuid.UUID) (*models.Progress, error)
}

// Subscriber delivers a meeting's progress events.
type Subscriber interface {
	Subscribe(ctx context.Context, meetingID uuid.UUID) (<-chan Event, func(), error)
}

// Terminal reports whether no further progress is expected without a new trigger.
func Terminal(p models.Progress) bool {
	if p.Recording.Status == models.RecordingStatusFailed {
		return true
	}
	return p.Insights.Status == models.InsightsStatusReady || p.Insights.Status == models.InsightsStatusFailed
}

// ServeProgress handles GET /meetings/:id/progress/stream. It sends the current
// projection, then every change, and closes once the meeting is deleted or terminal.
func ServeProgress(source ProgressSource, sub Subscriber, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		meetingID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			response.BadRequest(c, "invalid meeting id")
			return
		}
		ctx, cancel := context.WithCancel(c.Request.Context())
		defer cancel()

		events, unsubscribe, err := sub.Subscribe(ctx, meetingID)
		if err != nil {
			logger.Error("progress subscribe failed", zap.Error(err), zap.String("meeting_id", meetingID.String()))
			response.ServiceUnavailable(c, "progress stream unavailable")
			return
		}
		defer unsubscribe()

		current, err := source.Progress(ctx, meetingID)
		if err != nil {
			if apperrors.IsNotFound(err) {
				response.NotFound(c, "meeting not found")
				return
			}
			response.Internal(c, "failed to load progress")
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()

		go readPump(conn, cancel)

		if err := writeEvent(conn, Event{Type: EventProgress, MeetingID: meetingID, Progress: current, At: time.Now().Unix()}); err != nil {
			return
		}
		if Terminal(*current) {
			closeNormal(conn)
			return
		}

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := writeEvent(conn, ev); err != nil {
					return
				}
				if ev.Type == EventDeleted || (ev.Progress != nil && Terminal(*ev.Progress)) {
					closeNormal(conn)
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}

// readPump drains control frames and cancels the stream when the peer goes away.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, ev Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}

func closeNormal(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
