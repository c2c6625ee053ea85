package meetings

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/aura-webinar/meetings/internal/models"
	apperrors "github.com/aura-webinar/meetings/pkg/errors"
)

const actionColumns = `id, meeting_id, title, assignee, due, COALESCE(calendar_event_id,''), created_at`

func scanAction(row pgx.Row) (*models.ActionItem, error) {
	var a models.ActionItem
	if err := row.Scan(&a.ID, &a.MeetingID, &a.Title, &a.Assignee, &a.Due, &a.CalendarEventID, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("action item: %w", apperrors.ErrNotFound)
		}
		return nil, err
	}
	return &a, nil
}

// insertErr maps a missing parent meeting to ErrNotFound.
func insertErr(what string, err error) error {
	if isForeignKeyViolation(err) {
		return fmt.Errorf("meeting: %w", apperrors.ErrNotFound)
	}
	return fmt.Errorf("insert %s: %w", what, err)
}

// AddNote appends a note to the meeting.
func (r *Repository) AddNote(ctx context.Context, meetingID uuid.UUID, text string) (*models.Note, error) {
	const q = `INSERT INTO meeting_notes (meeting_id, text) VALUES ($1, $2) RETURNING id, meeting_id, text, created_at`
	var n models.Note
	if err := r.pool.QueryRow(ctx, q, meetingID, text).Scan(&n.ID, &n.MeetingID, &n.Text, &n.CreatedAt); err != nil {
		return nil, insertErr("note", err)
	}
	return &n, nil
}

// UpdateNote rewrites a note's text. Unknown id or another meeting's note is ErrNotFound.
func (r *Repository) UpdateNote(ctx context.Context, meetingID, noteID uuid.UUID, text string) (*models.Note, error) {
	const q = `UPDATE meeting_notes SET text = $3, updated_at = NOW() WHERE id = $2 AND meeting_id = $1
		RETURNING id, meeting_id, text, created_at`
	var n models.Note
	if err := r.pool.QueryRow(ctx, q, meetingID, noteID, text).Scan(&n.ID, &n.MeetingID, &n.Text, &n.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("note: %w", apperrors.ErrNotFound)
		}
		return nil, err
	}
	return &n, nil
}

// DeleteNote removes a note.
func (r *Repository) DeleteNote(ctx context.Context, meetingID, noteID uuid.UUID) error {
	return r.deleteScoped(ctx, "meeting_notes", "note", meetingID, noteID)
}

// AddAgendaItem appends an agenda item.
func (r *Repository) AddAgendaItem(ctx context.Context, meetingID uuid.UUID, item string) (*models.AgendaItem, error) {
	const q = `INSERT INTO meeting_agenda_items (meeting_id, item) VALUES ($1, $2) RETURNING id, meeting_id, item, created_at`
	var a models.AgendaItem
	if err := r.pool.QueryRow(ctx, q, meetingID, item).Scan(&a.ID, &a.MeetingID, &a.Item, &a.CreatedAt); err != nil {
		return nil, insertErr("agenda item", err)
	}
	return &a, nil
}

// UpdateAgendaItem rewrites an agenda item.
func (r *Repository) UpdateAgendaItem(ctx context.Context, meetingID, itemID uuid.UUID, item string) (*models.AgendaItem, error) {
	const q = `UPDATE meeting_agenda_items SET item = $3, updated_at = NOW() WHERE id = $2 AND meeting_id = $1
		RETURNING id, meeting_id, item, created_at`
	var a models.AgendaItem
	if err := r.pool.QueryRow(ctx, q, meetingID, itemID, item).Scan(&a.ID, &a.MeetingID, &a.Item, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("agenda item: %w", apperrors.ErrNotFound)
		}
		return nil, err
	}
	return &a, nil
}

// DeleteAgendaItem removes an agenda item.
func (r *Repository) DeleteAgendaItem(ctx context.Context, meetingID, itemID uuid.UUID) error {
	return r.deleteScoped(ctx, "meeting_agenda_items", "agenda item", meetingID, itemID)
}

// AddAction appends an action item. Identical titles are allowed.
func (r *Repository) AddAction(ctx context.Context, meetingID uuid.UUID, in ActionInput) (*models.ActionItem, error) {
	q := `INSERT INTO meeting_action_items (meeting_id, title, assignee, due) VALUES ($1, $2, $3, $4) RETURNING ` + actionColumns
	a, err := scanAction(r.pool.QueryRow(ctx, q, meetingID, in.Title, in.Assignee, in.Due))
	if err != nil {
		return nil, insertErr("action item", err)
	}
	return a, nil
}

// GetAction returns one action item of the meeting.
func (r *Repository) GetAction(ctx context.Context, meetingID, actionID uuid.UUID) (*models.ActionItem, error) {
	q := `SELECT ` + actionColumns + ` FROM meeting_action_items WHERE id = $2 AND meeting_id = $1`
	return scanAction(r.pool.QueryRow(ctx, q, meetingID, actionID))
}

// UpdateAction rewrites an action item's fields.
func (r *Repository) UpdateAction(ctx context.Context, meetingID, actionID uuid.UUID, in ActionInput) (*models.ActionItem, error) {
	q := `UPDATE meeting_action_items SET title = $3, assignee = $4, due = $5, updated_at = NOW()
		WHERE id = $2 AND meeting_id = $1 RETURNING ` + actionColumns
	return scanAction(r.pool.QueryRow(ctx, q, meetingID, actionID, in.Title, in.Assignee, in.Due))
}

// DeleteAction removes an action item.
func (r *Repository) DeleteAction(ctx context.Context, meetingID, actionID uuid.UUID) error {
	return r.deleteScoped(ctx, "meeting_action_items", "action item", meetingID, actionID)
}

// SetActionCalendarEvent records the calendar event for an action once.
// When an event is already linked the existing id is returned with applied=false.
func (r *Repository) SetActionCalendarEvent(ctx context.Context, meetingID, actionID uuid.UUID, eventID string) (current string, applied bool, err error) {
	const q = `UPDATE meeting_action_items SET calendar_event_id = $3, updated_at = NOW()
		WHERE id = $2 AND meeting_id = $1 AND calendar_event_id IS NULL`
	tag, err := r.pool.Exec(ctx, q, meetingID, actionID, eventID)
	if err != nil {
		return "", false, err
	}
	if tag.RowsAffected() > 0 {
		return eventID, true, nil
	}
	a, err := r.GetAction(ctx, meetingID, actionID)
	if err != nil {
		return "", false, err
	}
	return a.CalendarEventID, false, nil
}

func (r *Repository) deleteScoped(ctx context.Context, table, what string, meetingID, id uuid.UUID) error {
	// table is one of the fixed sub-resource tables above, never user input.
	tag, err := r.pool.Exec(ctx, `DELETE FROM `+table+` WHERE id = $2 AND meeting_id = $1`, meetingID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", what, apperrors.ErrNotFound)
	}
	return nil
}
