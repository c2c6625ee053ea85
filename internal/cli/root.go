// Package cli implements meetingctl, the command-line client that uploads
// recordings and drives them through transcription and insights.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-webinar/meetings/config"
	"github.com/aura-webinar/meetings/internal/backend"
	"github.com/aura-webinar/meetings/internal/pipeline"
	apperrors "github.com/aura-webinar/meetings/pkg/errors"
)

// Exit codes returned by ExitCode.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitRejected    = 2
	ExitNotFound    = 3
	ExitTimeout     = 4
	ExitUnavailable = 5
	ExitCancelled   = 130
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath string
	server     string
	token      string
	attempts   int
	interval   string
	output     string
	verbose    bool
}

// App holds what commands need once flags and config are resolved.
type App struct {
	// LoadConfig reads the CLI config; tests may replace it.
	LoadConfig func(path string) (*config.CLIConfig, error)

	flags  globalFlags
	cfg    *config.CLIConfig
	client *backend.Client
	orch   *pipeline.Orchestrator
	logger *zap.Logger
	out    *printer
}

// NewApp returns an App that loads config from disk.
func NewApp() *App {
	return &App{LoadConfig: config.LoadCLIConfig}
}

// NewRootCommand builds the meetingctl command tree.
func NewRootCommand(app *App) *cobra.Command {
	if app == nil {
		app = NewApp()
	}
	root := &cobra.Command{
		Use:   "meetingctl",
		Short: "Upload meeting recordings and work with their transcripts and insights",
		Long: `meetingctl talks to the meetings API.

Upload a recording and wait for its transcript and insights:
  meetingctl upload <meeting-id> standup.mp4

Configuration is read from ~/.meetingctl/config.yaml, then MEETINGCTL_*
environment variables, then flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.setup(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if app.logger != nil {
				_ = app.logger.Sync()
			}
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&app.flags.configPath, "config", "", "Config file (default ~/.meetingctl/config.yaml)")
	f.StringVar(&app.flags.server, "server", "", "Meetings API base URL")
	f.StringVar(&app.flags.token, "token", "", "Bearer token")
	f.IntVar(&app.flags.attempts, "attempts", 0, "Progress checks per stage before giving up")
	f.StringVar(&app.flags.interval, "interval", "", "Wait between progress checks (e.g. 2s)")
	f.StringVarP(&app.flags.output, "output", "o", "text", "Output format: text, json")
	f.BoolVarP(&app.flags.verbose, "verbose", "v", false, "Log requests and pipeline transitions to stderr")

	root.AddCommand(
		newListCommand(app),
		newCreateCommand(app),
		newShowCommand(app),
		newRenameCommand(app),
		newDeleteCommand(app),
		newProgressCommand(app),
		newDownloadCommand(app),
		newUploadCommand(app),
		newTranscribeCommand(app),
		newInsightsCommand(app),
		newNoteCommand(app),
		newAgendaCommand(app),
		newActionCommand(app),
	)
	return root
}

func (a *App) setup(cmd *cobra.Command) error {
	cfg, err := a.LoadConfig(a.flags.configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	fl := cmd.Flags()
	if fl.Changed("server") {
		cfg.ServerURL = a.flags.server
	}
	if fl.Changed("token") {
		cfg.Token = a.flags.token
	}
	if fl.Changed("attempts") {
		cfg.Poll.MaxAttempts = a.flags.attempts
	}
	if fl.Changed("interval") {
		d, err := time.ParseDuration(a.flags.interval)
		if err != nil {
			return fmt.Errorf("invalid --interval: %w", err)
		}
		cfg.Poll.Interval = d
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	format, err := parseFormat(a.flags.output)
	if err != nil {
		return err
	}
	a.out = newPrinter(cmd.OutOrStdout(), format)
	a.logger = newLogger(cmd.ErrOrStderr(), a.flags.verbose)
	a.cfg = cfg

	opts := []backend.ClientOption{
		backend.WithTimeout(cfg.RequestTimeout),
		backend.WithLogger(a.logger),
	}
	if cfg.Token != "" {
		opts = append(opts, backend.WithToken(cfg.Token))
	}
	a.client = backend.NewClient(cfg.ServerURL, opts...)
	a.orch = pipeline.NewOrchestrator(a.client, pipeline.Options{
		MaxAttempts:    cfg.Poll.MaxAttempts,
		Interval:       cfg.Poll.Interval,
		UploadAttempts: cfg.UploadAttempts,
	}, a.logger)
	return nil
}

func newLogger(w io.Writer, verbose bool) *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	enc := zap.NewDevelopmentEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(w), zapcore.DebugLevel)
	return zap.New(core)
}

// Execute runs meetingctl with args and returns the process exit code.
func Execute(ctx context.Context, app *App, args []string) int {
	root := NewRootCommand(app)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
	}
	return ExitCode(err)
}

// ExitCode maps an error to the process exit code of its outcome.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var oe *pipeline.OutcomeError
	if !errors.As(err, &oe) && !isClassified(err) {
		return ExitFailure
	}
	switch pipeline.OutcomeOf(err) {
	case pipeline.OutcomeRejected:
		return ExitRejected
	case pipeline.OutcomeNotFound:
		return ExitNotFound
	case pipeline.OutcomeTimeout:
		return ExitTimeout
	case pipeline.OutcomeServiceUnavailable:
		return ExitUnavailable
	case pipeline.OutcomeCancelled:
		return ExitCancelled
	}
	return ExitFailure
}

func isClassified(err error) bool {
	return apperrors.IsNotFound(err) || apperrors.IsConflict(err) || apperrors.IsInvalidState(err) ||
		apperrors.IsValidation(err) || apperrors.IsUnavailable(err) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, pipeline.ErrTimeout)
}

func parseID(kind, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s id %q: %w", kind, raw, apperrors.ErrValidation)
	}
	return id, nil
}

func fileSize(f *os.File) int64 {
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		return -1
	}
	return info.Size()
}
