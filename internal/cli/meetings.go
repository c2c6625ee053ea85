package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	apperrors "github.com/aura-webinar/meetings/pkg/errors"
)

func newListCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List meetings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := app.client.ListMeetings(cmd.Context())
			if err != nil {
				return err
			}
			return app.out.meetings(list)
		},
	}
}

func newCreateCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "create <title>",
		Short: "Create a meeting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := app.client.CreateMeeting(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return app.out.meeting(m)
		},
	}
}

func newShowCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "show <meeting-id>",
		Short: "Show a meeting with its progress, insights and sub-resources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("meeting", args[0])
			if err != nil {
				return err
			}
			v, err := app.orch.View(cmd.Context(), id)
			if err != nil {
				return err
			}
			return app.out.view(v)
		},
	}
}

func newRenameCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <meeting-id> <title>",
		Short: "Change a meeting's title",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("meeting", args[0])
			if err != nil {
				return err
			}
			m, err := app.client.UpdateMeeting(cmd.Context(), id, args[1])
			if err != nil {
				return err
			}
			return app.out.meeting(m)
		},
	}
}

func newDeleteCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <meeting-id>",
		Short: "Delete a meeting and everything attached to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("meeting", args[0])
			if err != nil {
				return err
			}
			if err := app.orch.DeleteMeeting(cmd.Context(), id); err != nil {
				return err
			}
			return app.out.message(map[string]bool{"deleted": true}, "Meeting %s deleted.", id)
		},
	}
}

func newProgressCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "progress <meeting-id>",
		Short: "Show recording and insights status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("meeting", args[0])
			if err != nil {
				return err
			}
			prog, err := app.client.Progress(cmd.Context(), id)
			if err != nil {
				return err
			}
			return app.out.progress(id.String(), prog)
		},
	}
}

func newDownloadCommand(app *App) *cobra.Command {
	var byteRange string
	cmd := &cobra.Command{
		Use:   "download <meeting-id> <dest>",
		Short: "Download a meeting's recording (use - for stdout)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("meeting", args[0])
			if err != nil {
				return err
			}
			m, err := app.client.GetMeeting(cmd.Context(), id)
			if err != nil {
				return err
			}
			if m.Recording == nil || m.Recording.ObjectURI == "" {
				return fmt.Errorf("meeting %s has no recording: %w", id, apperrors.ErrInvalidState)
			}
			media, err := app.client.OpenMedia(cmd.Context(), m.Recording.ObjectURI, byteRange)
			if err != nil {
				return err
			}
			defer media.Body.Close()

			var dst io.Writer = cmd.OutOrStdout()
			if args[1] != "-" {
				f, err := os.Create(args[1])
				if err != nil {
					return err
				}
				defer f.Close()
				dst = f
			}
			n, err := io.Copy(dst, media.Body)
			if err != nil {
				return fmt.Errorf("download: %w", err)
			}
			if args[1] != "-" {
				fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %d bytes to %s\n", n, args[1])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&byteRange, "range", "", "Byte range to fetch (e.g. bytes=0-1023)")
	return cmd
}
