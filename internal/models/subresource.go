package models

import (
	"time"

	"github.com/google/uuid"
)

// Note is a free-text annotation on a meeting.
type Note struct {
	ID        uuid.UUID `json:"id"`
	MeetingID uuid.UUID `json:"meetingId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// AgendaItem is a planned discussion point.
type AgendaItem struct {
	ID        uuid.UUID `json:"id"`
	MeetingID uuid.UUID `json:"meetingId"`
	Item      string    `json:"item"`
	CreatedAt time.Time `json:"createdAt"`
}

// ActionItem is a user-owned follow-up, optionally promoted to a calendar event.
type ActionItem struct {
	ID              uuid.UUID `json:"id"`
	MeetingID       uuid.UUID `json:"meetingId"`
	Title           string    `json:"title"`
	Assignee        string    `json:"assignee,omitempty"`
	Due             string    `json:"due,omitempty"`
	CalendarEventID string    `json:"calendarEventId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}
