package cli

import (
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aura-webinar/meetings/internal/pipeline"
)

func newUploadCommand(app *App) *cobra.Command {
	var contentType string
	cmd := &cobra.Command{
		Use:   "upload <meeting-id> <file>",
		Short: "Upload a recording and wait for its transcript and insights",
		Long: `Upload a recording, register it on the meeting, then run transcription
and insight generation, waiting for each stage to finish.

A failed upload leaves the meeting's previous recording in place. A stage that
runs out of progress checks keeps going on the server; resume with
'meetingctl transcribe' or 'meetingctl insights'.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("meeting", args[0])
			if err != nil {
				return err
			}
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()

			ct := contentType
			if ct == "" {
				ct = mime.TypeByExtension(filepath.Ext(args[1]))
			}
			if ct == "" {
				ct = "application/octet-stream"
			}
			app.logger.Debug("uploading", zap.String("file", args[1]), zap.String("content_type", ct))
			res := app.orch.Upload(cmd.Context(), id, pipeline.Media{
				Filename:    filepath.Base(args[1]),
				ContentType: ct,
				Body:        f,
				Size:        fileSize(f),
			})
			return app.finishRun("upload", res)
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "", "Media type (default from the file extension)")
	return cmd
}

func newTranscribeCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "transcribe <meeting-id>",
		Short: "Transcribe the current recording and wait for the transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("meeting", args[0])
			if err != nil {
				return err
			}
			return app.finishRun("transcribe", app.orch.RunTranscription(cmd.Context(), id))
		},
	}
}

func newInsightsCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "insights <meeting-id>",
		Short: "Generate insights from the transcript and wait for them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("meeting", args[0])
			if err != nil {
				return err
			}
			return app.finishRun("insights", app.orch.RunInsights(cmd.Context(), id))
		},
	}
}

// finishRun prints res and turns a failed run into an error carrying its outcome.
func (a *App) finishRun(op string, res pipeline.Result) error {
	if err := a.out.result(res); err != nil {
		return err
	}
	if res.Err == nil {
		return nil
	}
	return &pipeline.OutcomeError{Op: op, Outcome: res.Outcome, Err: res.Err}
}
