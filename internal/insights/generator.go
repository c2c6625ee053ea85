package insights

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/aura-webinar/meetings/internal/models"
)

// ErrNotConfigured is returned when no API key is set.
var ErrNotConfigured = errors.New("insights API key not set")

// ErrEmptyTranscript is returned for a recording with nothing to analyse.
var ErrEmptyTranscript = errors.New("transcript is empty")

const systemPrompt = `You analyse meeting transcripts. Reply with one JSON object and nothing else:
{"summary": string, "chapters": [{"title": string, "startSec": number}],
 "highlights": [{"label": string, "text": string, "startSec": number}],
 "keyQuestions": [string],
 "extractedActions": [{"title": string, "assignee": string, "due": string}]}
Offsets are seconds from the start of the recording. Use "" for unknown assignee or due.`

// Config holds the Claude settings.
type Config struct {
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
	BaseURL   string // optional, for proxies and tests
}

// Generator produces meeting insights from a transcript using Claude.
type Generator struct {
	client     anthropic.Client
	cfg        Config
	logger     *zap.Logger
	configured bool
}

// NewGenerator creates a Claude-backed insight generator.
func NewGenerator(cfg Config, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Minute
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Generator{
		client:     anthropic.NewClient(opts...),
		cfg:        cfg,
		logger:     logger,
		configured: cfg.APIKey != "",
	}
}

// Generate analyses a transcribed recording.
func (g *Generator) Generate(ctx context.Context, rec *models.Recording) (*models.Insights, error) {
	if !g.configured {
		return nil, ErrNotConfigured
	}
	transcript := FormatTranscript(rec)
	if strings.TrimSpace(transcript) == "" {
		return nil, ErrEmptyTranscript
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(g.cfg.Model),
		MaxTokens: int64(g.cfg.MaxTokens),
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("Transcript:\n\n" + transcript)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("claude API call failed: %w", err)
	}

	var reply strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			reply.WriteString(block.Text)
		}
	}
	ins, err := ParseReply(reply.String())
	if err != nil {
		return nil, err
	}
	g.logger.Info("insights generated",
		zap.Duration("took", time.Since(start)),
		zap.Int("chapters", len(ins.Chapters)),
		zap.Int("extracted_actions", len(ins.ExtractedActions)),
	)
	return ins, nil
}

// FormatTranscript renders segments as "[m:ss] Speaker: text" lines,
// falling back to the plain transcript text.
func FormatTranscript(rec *models.Recording) string {
	if rec == nil {
		return ""
	}
	if len(rec.Segments) == 0 {
		return rec.Transcript
	}
	var sb strings.Builder
	for _, seg := range rec.Segments {
		speaker := seg.Speaker
		if speaker == "" {
			speaker = "Unknown"
		}
		fmt.Fprintf(&sb, "[%s] %s: %s\n", clock(seg.StartSec), speaker, seg.Text)
	}
	return sb.String()
}

func clock(sec float64) string {
	if sec < 0 {
		sec = 0
	}
	total := int(math.Floor(sec))
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}

// ParseReply extracts the insights object from a model reply.
// Surrounding prose and code fences are ignored.
func ParseReply(reply string) (*models.Insights, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in model reply")
	}
	var ins models.Insights
	if err := json.Unmarshal([]byte(reply[start:end+1]), &ins); err != nil {
		return nil, fmt.Errorf("decode model reply: %w", err)
	}
	ins.Summary = strings.TrimSpace(ins.Summary)
	if ins.Summary == "" {
		return nil, fmt.Errorf("model reply has no summary")
	}
	ins.Status = models.InsightsStatusReady
	ins.Error = ""
	for i := range ins.Chapters {
		ins.Chapters[i].StartSec = math.Max(0, ins.Chapters[i].StartSec)
	}
	for i := range ins.Highlights {
		ins.Highlights[i].StartSec = math.Max(0, ins.Highlights[i].StartSec)
	}
	actions := ins.ExtractedActions[:0]
	for _, a := range ins.ExtractedActions {
		a.Title = strings.TrimSpace(a.Title)
		if a.Title != "" {
			actions = append(actions, a)
		}
	}
	ins.ExtractedActions = actions
	if ins.Chapters == nil {
		ins.Chapters = []models.Chapter{}
	}
	if ins.Highlights == nil {
		ins.Highlights = []models.Highlight{}
	}
	if ins.KeyQuestions == nil {
		ins.KeyQuestions = []string{}
	}
	if ins.ExtractedActions == nil {
		ins.ExtractedActions = []models.ExtractedAction{}
	}
	return &ins, nil
}
