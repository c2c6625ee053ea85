package meetings

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/meetings/internal/calendar"
	"github.com/aura-webinar/meetings/internal/models"
	apperrors "github.com/aura-webinar/meetings/pkg/errors"
	"github.com/aura-webinar/meetings/pkg/response"
)

type noteRequest struct {
	Text string `json:"text" form:"text"`
}

type agendaRequest struct {
	Item string `json:"item" form:"item"`
}

// ActionInput carries the editable fields of an action item.
type ActionInput struct {
	Title    string `json:"title" form:"title"`
	Assignee string `json:"assignee" form:"assignee"`
	Due      string `json:"due" form:"due"`
}

type calendarRequest struct {
	Start string `json:"start" form:"start"`
	End   string `json:"end" form:"end"`
}

func subID(c *gin.Context) (uuid.UUID, uuid.UUID, bool) {
	id, ok := meetingID(c)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	sub, ok := parseID(c, "subId", "invalid item id")
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	return id, sub, true
}

func bindText(c *gin.Context, req any, value func() string, field string) (string, bool) {
	if err := c.ShouldBind(req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.CodeValidation, err.Error())
		return "", false
	}
	v := strings.TrimSpace(value())
	if v == "" {
		response.Fail(c, http.StatusBadRequest, response.CodeValidation, field+" required")
		return "", false
	}
	return v, true
}

// AddNote handles POST /meetings/:id/notes.
func (h *Handler) AddNote(c *gin.Context) {
	id, ok := meetingID(c)
	if !ok {
		return
	}
	var req noteRequest
	text, ok := bindText(c, &req, func() string { return req.Text }, "text")
	if !ok {
		return
	}
	n, err := h.store.AddNote(c.Request.Context(), id, text)
	if err != nil {
		h.fail(c, err, "add note")
		return
	}
	response.Created(c, n)
}

// UpdateNote handles PUT /meetings/:id/notes/:subId.
func (h *Handler) UpdateNote(c *gin.Context) {
	id, noteID, ok := subID(c)
	if !ok {
		return
	}
	var req noteRequest
	text, ok := bindText(c, &req, func() string { return req.Text }, "text")
	if !ok {
		return
	}
	n, err := h.store.UpdateNote(c.Request.Context(), id, noteID, text)
	if err != nil {
		h.fail(c, err, "edit note")
		return
	}
	response.OK(c, n)
}

// DeleteNote handles DELETE /meetings/:id/notes/:subId.
func (h *Handler) DeleteNote(c *gin.Context) {
	id, noteID, ok := subID(c)
	if !ok {
		return
	}
	if err := h.store.DeleteNote(c.Request.Context(), id, noteID); err != nil {
		h.fail(c, err, "delete note")
		return
	}
	response.OK(c, gin.H{"deleted": true})
}

// AddAgendaItem handles POST /meetings/:id/agenda.
func (h *Handler) AddAgendaItem(c *gin.Context) {
	id, ok := meetingID(c)
	if !ok {
		return
	}
	var req agendaRequest
	item, ok := bindText(c, &req, func() string { return req.Item }, "item")
	if !ok {
		return
	}
	a, err := h.store.AddAgendaItem(c.Request.Context(), id, item)
	if err != nil {
		h.fail(c, err, "add agenda item")
		return
	}
	response.Created(c, a)
}

// UpdateAgendaItem handles PUT /meetings/:id/agenda/:subId.
func (h *Handler) UpdateAgendaItem(c *gin.Context) {
	id, itemID, ok := subID(c)
	if !ok {
		return
	}
	var req agendaRequest
	item, ok := bindText(c, &req, func() string { return req.Item }, "item")
	if !ok {
		return
	}
	a, err := h.store.UpdateAgendaItem(c.Request.Context(), id, itemID, item)
	if err != nil {
		h.fail(c, err, "edit agenda item")
		return
	}
	response.OK(c, a)
}

// DeleteAgendaItem handles DELETE /meetings/:id/agenda/:subId.
func (h *Handler) DeleteAgendaItem(c *gin.Context) {
	id, itemID, ok := subID(c)
	if !ok {
		return
	}
	if err := h.store.DeleteAgendaItem(c.Request.Context(), id, itemID); err != nil {
		h.fail(c, err, "delete agenda item")
		return
	}
	response.OK(c, gin.H{"deleted": true})
}

// AddAction handles POST /meetings/:id/actions.
func (h *Handler) AddAction(c *gin.Context) {
	id, ok := meetingID(c)
	if !ok {
		return
	}
	var in ActionInput
	title, ok := bindText(c, &in, func() string { return in.Title }, "title")
	if !ok {
		return
	}
	in.Title = title
	a, err := h.store.AddAction(c.Request.Context(), id, in)
	if err != nil {
		h.fail(c, err, "add action item")
		return
	}
	response.Created(c, a)
}

// UpdateAction handles PUT /meetings/:id/actions/:subId.
func (h *Handler) UpdateAction(c *gin.Context) {
	id, actionID, ok := subID(c)
	if !ok {
		return
	}
	var in ActionInput
	title, ok := bindText(c, &in, func() string { return in.Title }, "title")
	if !ok {
		return
	}
	in.Title = title
	a, err := h.store.UpdateAction(c.Request.Context(), id, actionID, in)
	if err != nil {
		h.fail(c, err, "edit action item")
		return
	}
	response.OK(c, a)
}

// DeleteAction handles DELETE /meetings/:id/actions/:subId.
func (h *Handler) DeleteAction(c *gin.Context) {
	id, actionID, ok := subID(c)
	if !ok {
		return
	}
	if err := h.store.DeleteAction(c.Request.Context(), id, actionID); err != nil {
		h.fail(c, err, "delete action item")
		return
	}
	response.OK(c, gin.H{"deleted": true})
}

// PromoteAction handles POST /meetings/:id/actions/:subId/calendar.
// Promotion is idempotent per action: a linked action returns its existing event.
func (h *Handler) PromoteAction(c *gin.Context) {
	id, actionID, ok := subID(c)
	if !ok {
		return
	}
	if h.calendar == nil {
		response.Fail(c, http.StatusServiceUnavailable, response.CodeUnavailable, "calendar integration not configured")
		return
	}
	var req calendarRequest
	if err := c.ShouldBind(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.CodeValidation, err.Error())
		return
	}
	start, err := time.Parse(time.RFC3339, strings.TrimSpace(req.Start))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.CodeValidation, "start must be an RFC3339 time")
		return
	}
	var end *time.Time
	if s := strings.TrimSpace(req.End); s != "" {
		e, err := time.Parse(time.RFC3339, s)
		if err != nil {
			response.Fail(c, http.StatusBadRequest, response.CodeValidation, "end must be an RFC3339 time")
			return
		}
		end = &e
	}
	start, endAt, err := calendar.ResolveWindow(start, end)
	if err != nil {
		h.fail(c, err, "promote action")
		return
	}

	ctx := c.Request.Context()
	action, err := h.store.GetAction(ctx, id, actionID)
	if err != nil {
		h.fail(c, err, "promote action")
		return
	}
	if action.CalendarEventID != "" {
		response.OK(c, models.CalendarLink{CalendarEventID: action.CalendarEventID})
		return
	}

	if h.locker != nil {
		release, acquired, err := h.locker.TryLock(ctx, "action:"+actionID.String()+":calendar", calendarLockTTL)
		if err != nil {
			h.fail(c, fmt.Errorf("calendar lock: %w: %v", apperrors.ErrUnavailable, err), "promote action")
			return
		}
		if !acquired {
			response.Fail(c, http.StatusConflict, response.CodeConflict, "promotion already in progress")
			return
		}
		defer release()
		if action, err = h.store.GetAction(ctx, id, actionID); err != nil {
			h.fail(c, err, "promote action")
			return
		}
		if action.CalendarEventID != "" {
			response.OK(c, models.CalendarLink{CalendarEventID: action.CalendarEventID})
			return
		}
	}

	eventID, err := h.calendar.CreateEvent(ctx, calendar.Event{
		ID:          calendar.EventIDFor(actionID),
		Summary:     action.Title,
		Description: actionDescription(action),
		Start:       start,
		End:         endAt,
	})
	created := true
	if err != nil {
		if !apperrors.IsConflict(err) {
			h.fail(c, err, "create calendar event")
			return
		}
		// The event exists from an earlier attempt whose link was never stored.
		eventID, created = calendar.EventIDFor(actionID), false
	}
	current, applied, err := h.store.SetActionCalendarEvent(ctx, id, actionID, eventID)
	if err != nil {
		h.fail(c, err, "link calendar event")
		return
	}
	h.logger.Info("action promoted to calendar",
		zap.String("meeting_id", id.String()),
		zap.String("action_id", actionID.String()),
		zap.String("event_id", current),
	)
	response.OK(c, models.CalendarLink{CalendarEventID: current, Created: created && applied})
}

func actionDescription(a *models.ActionItem) string {
	var parts []string
	if a.Assignee != "" {
		parts = append(parts, "Assignee: "+a.Assignee)
	}
	if a.Due != "" {
		parts = append(parts, "Due: "+a.Due)
	}
	return strings.Join(parts, "\n")
}
