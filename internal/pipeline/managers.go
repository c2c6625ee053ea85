package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aura-webinar/meetings/internal/backend"
	"github.com/aura-webinar/meetings/internal/models"
	apperrors "github.com/aura-webinar/meetings/pkg/errors"
)

// NotesBackend is the notes part of the meetings API.
type NotesBackend interface {
	AddNote(ctx context.Context, id uuid.UUID, text string) (*models.Note, error)
	EditNote(ctx context.Context, id, noteID uuid.UUID, text string) (*models.Note, error)
	DeleteNote(ctx context.Context, id, noteID uuid.UUID) error
}

// Notes manages a meeting's notes. It works regardless of pipeline state.
type Notes struct{ b NotesBackend }

// NewNotes creates a notes manager.
func NewNotes(b NotesBackend) *Notes { return &Notes{b: b} }

// Add creates a note.
func (n *Notes) Add(ctx context.Context, meetingID uuid.UUID, text string) (*models.Note, error) {
	note, err := n.b.AddNote(ctx, meetingID, text)
	return note, wrap("add note", err)
}

// Edit replaces a note's text.
func (n *Notes) Edit(ctx context.Context, meetingID, noteID uuid.UUID, text string) (*models.Note, error) {
	note, err := n.b.EditNote(ctx, meetingID, noteID, text)
	return note, wrap("edit note", err)
}

// Remove deletes a note.
func (n *Notes) Remove(ctx context.Context, meetingID, noteID uuid.UUID) error {
	return wrap("remove note", n.b.DeleteNote(ctx, meetingID, noteID))
}

// AgendaBackend is the agenda part of the meetings API.
type AgendaBackend interface {
	AddAgendaItem(ctx context.Context, id uuid.UUID, item string) (*models.AgendaItem, error)
	EditAgendaItem(ctx context.Context, id, itemID uuid.UUID, item string) (*models.AgendaItem, error)
	DeleteAgendaItem(ctx context.Context, id, itemID uuid.UUID) error
}

// Agenda manages a meeting's agenda items.
type Agenda struct{ b AgendaBackend }

// NewAgenda creates an agenda manager.
func NewAgenda(b AgendaBackend) *Agenda { return &Agenda{b: b} }

// Add creates an agenda item.
func (a *Agenda) Add(ctx context.Context, meetingID uuid.UUID, item string) (*models.AgendaItem, error) {
	it, err := a.b.AddAgendaItem(ctx, meetingID, item)
	return it, wrap("add agenda item", err)
}

// Edit replaces an agenda item.
func (a *Agenda) Edit(ctx context.Context, meetingID, itemID uuid.UUID, item string) (*models.AgendaItem, error) {
	it, err := a.b.EditAgendaItem(ctx, meetingID, itemID, item)
	return it, wrap("edit agenda item", err)
}

// Remove deletes an agenda item.
func (a *Agenda) Remove(ctx context.Context, meetingID, itemID uuid.UUID) error {
	return wrap("remove agenda item", a.b.DeleteAgendaItem(ctx, meetingID, itemID))
}

// ActionsBackend is the actions part of the meetings API.
type ActionsBackend interface {
	AddAction(ctx context.Context, id uuid.UUID, fields backend.ActionFields) (*models.ActionItem, error)
	EditAction(ctx context.Context, id, actionID uuid.UUID, fields backend.ActionFields) (*models.ActionItem, error)
	DeleteAction(ctx context.Context, id, actionID uuid.UUID) error
	PromoteAction(ctx context.Context, id, actionID uuid.UUID, start time.Time, end *time.Time) (*models.CalendarLink, error)
	Insights(ctx context.Context, id uuid.UUID) (*models.Insights, error)
}

// Actions manages a meeting's action items.
type Actions struct{ b ActionsBackend }

// NewActions creates an actions manager.
func NewActions(b ActionsBackend) *Actions { return &Actions{b: b} }

// Add creates an action item.
func (a *Actions) Add(ctx context.Context, meetingID uuid.UUID, fields backend.ActionFields) (*models.ActionItem, error) {
	it, err := a.b.AddAction(ctx, meetingID, fields)
	return it, wrap("add action", err)
}

// Edit replaces an action item's fields.
func (a *Actions) Edit(ctx context.Context, meetingID, actionID uuid.UUID, fields backend.ActionFields) (*models.ActionItem, error) {
	it, err := a.b.EditAction(ctx, meetingID, actionID, fields)
	return it, wrap("edit action", err)
}

// Remove deletes an action item.
func (a *Actions) Remove(ctx context.Context, meetingID, actionID uuid.UUID) error {
	return wrap("remove action", a.b.DeleteAction(ctx, meetingID, actionID))
}

// Adopt copies the extracted action at index into a new action item. The
// suggestion stays in place, so adopting it again creates another item.
func (a *Actions) Adopt(ctx context.Context, meetingID uuid.UUID, index int) (*models.ActionItem, error) {
	ins, err := a.b.Insights(ctx, meetingID)
	if err != nil {
		return nil, wrap("adopt action", err)
	}
	if index < 0 || index >= len(ins.ExtractedActions) {
		return nil, wrap("adopt action", fmt.Errorf("no extracted action %d (have %d): %w", index, len(ins.ExtractedActions), apperrors.ErrValidation))
	}
	sug := ins.ExtractedActions[index]
	return a.Add(ctx, meetingID, backend.ActionFields{Title: sug.Title, Assignee: sug.Assignee, Due: sug.Due})
}

// PromoteToCalendar links the action to a calendar event. Promoting an
// already-linked action returns the existing event id.
func (a *Actions) PromoteToCalendar(ctx context.Context, meetingID, actionID uuid.UUID, start time.Time, end *time.Time) (string, error) {
	link, err := a.b.PromoteAction(ctx, meetingID, actionID, start, end)
	if err != nil {
		return "", wrap("promote action", err)
	}
	return link.CalendarEventID, nil
}
