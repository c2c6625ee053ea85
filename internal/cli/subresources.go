package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aura-webinar/meetings/internal/backend"
	"github.com/aura-webinar/meetings/internal/pipeline"
	apperrors "github.com/aura-webinar/meetings/pkg/errors"
)

// parseIDs parses a meeting id followed by a sub-resource id.
func parseIDs(kind string, args []string) (meetingID, itemID uuid.UUID, err error) {
	meetingID, err = parseID("meeting", args[0])
	if err != nil {
		return
	}
	itemID, err = parseID(kind, args[1])
	return
}

func newNoteCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "note",
		Short: "Add, edit or remove meeting notes",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <meeting-id> <text>",
			Short: "Add a note",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseID("meeting", args[0])
				if err != nil {
					return err
				}
				n, err := pipeline.NewNotes(app.client).Add(cmd.Context(), id, args[1])
				if err != nil {
					return err
				}
				return app.out.message(n, "Added note %s.", n.ID)
			},
		},
		&cobra.Command{
			Use:   "edit <meeting-id> <note-id> <text>",
			Short: "Replace a note's text",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, noteID, err := parseIDs("note", args)
				if err != nil {
					return err
				}
				n, err := pipeline.NewNotes(app.client).Edit(cmd.Context(), id, noteID, args[2])
				if err != nil {
					return err
				}
				return app.out.message(n, "Updated note %s.", n.ID)
			},
		},
		&cobra.Command{
			Use:     "rm <meeting-id> <note-id>",
			Aliases: []string{"remove"},
			Short:   "Remove a note",
			Args:    cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, noteID, err := parseIDs("note", args)
				if err != nil {
					return err
				}
				if err := pipeline.NewNotes(app.client).Remove(cmd.Context(), id, noteID); err != nil {
					return err
				}
				return app.out.message(map[string]bool{"deleted": true}, "Removed note %s.", args[1])
			},
		},
	)
	return cmd
}

func newAgendaCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agenda",
		Short: "Add, edit or remove agenda items",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <meeting-id> <item>",
			Short: "Add an agenda item",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseID("meeting", args[0])
				if err != nil {
					return err
				}
				it, err := pipeline.NewAgenda(app.client).Add(cmd.Context(), id, args[1])
				if err != nil {
					return err
				}
				return app.out.message(it, "Added agenda item %s.", it.ID)
			},
		},
		&cobra.Command{
			Use:   "edit <meeting-id> <item-id> <item>",
			Short: "Replace an agenda item",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, itemID, err := parseIDs("agenda item", args)
				if err != nil {
					return err
				}
				it, err := pipeline.NewAgenda(app.client).Edit(cmd.Context(), id, itemID, args[2])
				if err != nil {
					return err
				}
				return app.out.message(it, "Updated agenda item %s.", it.ID)
			},
		},
		&cobra.Command{
			Use:     "rm <meeting-id> <item-id>",
			Aliases: []string{"remove"},
			Short:   "Remove an agenda item",
			Args:    cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, itemID, err := parseIDs("agenda item", args)
				if err != nil {
					return err
				}
				if err := pipeline.NewAgenda(app.client).Remove(cmd.Context(), id, itemID); err != nil {
					return err
				}
				return app.out.message(map[string]bool{"deleted": true}, "Removed agenda item %s.", args[1])
			},
		},
	)
	return cmd
}

type actionFlags struct {
	assignee string
	due      string
}

func (f *actionFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.assignee, "assignee", "", "Who owns the action")
	cmd.Flags().StringVar(&f.due, "due", "", "Due date (free text, e.g. 2026-10-20)")
}

func newActionCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "action",
		Short: "Manage action items, adopt suggestions and promote them to the calendar",
	}

	var addFlags, editFlags actionFlags
	add := &cobra.Command{
		Use:   "add <meeting-id> <title>",
		Short: "Add an action item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("meeting", args[0])
			if err != nil {
				return err
			}
			a, err := pipeline.NewActions(app.client).Add(cmd.Context(), id, backend.ActionFields{
				Title: args[1], Assignee: addFlags.assignee, Due: addFlags.due,
			})
			if err != nil {
				return err
			}
			return app.out.message(a, "Added action %s.", a.ID)
		},
	}
	addFlags.bind(add)

	edit := &cobra.Command{
		Use:   "edit <meeting-id> <action-id> <title>",
		Short: "Replace an action item's fields",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, actionID, err := parseIDs("action", args)
			if err != nil {
				return err
			}
			a, err := pipeline.NewActions(app.client).Edit(cmd.Context(), id, actionID, backend.ActionFields{
				Title: args[2], Assignee: editFlags.assignee, Due: editFlags.due,
			})
			if err != nil {
				return err
			}
			return app.out.message(a, "Updated action %s.", a.ID)
		},
	}
	editFlags.bind(edit)

	rm := &cobra.Command{
		Use:     "rm <meeting-id> <action-id>",
		Aliases: []string{"remove"},
		Short:   "Remove an action item",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, actionID, err := parseIDs("action", args)
			if err != nil {
				return err
			}
			if err := pipeline.NewActions(app.client).Remove(cmd.Context(), id, actionID); err != nil {
				return err
			}
			return app.out.message(map[string]bool{"deleted": true}, "Removed action %s.", args[1])
		},
	}

	adopt := &cobra.Command{
		Use:   "adopt <meeting-id> <n>",
		Short: "Turn suggested action n from the insights into an action item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("meeting", args[0])
			if err != nil {
				return err
			}
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid suggestion index %q: %w", args[1], apperrors.ErrValidation)
			}
			a, err := pipeline.NewActions(app.client).Adopt(cmd.Context(), id, n)
			if err != nil {
				return err
			}
			return app.out.message(a, "Adopted suggestion %d as action %s.", n, a.ID)
		},
	}

	var start, end string
	calendar := &cobra.Command{
		Use:   "calendar <meeting-id> <action-id>",
		Short: "Create a calendar event for an action item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, actionID, err := parseIDs("action", args)
			if err != nil {
				return err
			}
			startAt, err := time.Parse(time.RFC3339, start)
			if err != nil {
				return fmt.Errorf("invalid --start (want RFC3339): %w", apperrors.ErrValidation)
			}
			var endAt *time.Time
			if end != "" {
				t, err := time.Parse(time.RFC3339, end)
				if err != nil {
					return fmt.Errorf("invalid --end (want RFC3339): %w", apperrors.ErrValidation)
				}
				endAt = &t
			}
			eventID, err := pipeline.NewActions(app.client).PromoteToCalendar(cmd.Context(), id, actionID, startAt, endAt)
			if err != nil {
				return err
			}
			return app.out.message(map[string]string{"calendarEventId": eventID}, "Calendar event %s.", eventID)
		},
	}
	calendar.Flags().StringVar(&start, "start", "", "Event start (RFC3339)")
	calendar.Flags().StringVar(&end, "end", "", "Event end (RFC3339, default 30 minutes after start)")
	_ = calendar.MarkFlagRequired("start")

	cmd.AddCommand(add, edit, rm, adopt, calendar)
	return cmd
}
