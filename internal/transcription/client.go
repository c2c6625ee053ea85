package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aura-webinar/meetings/internal/models"
)

const transcriptionsPath = "/v1/audio/transcriptions"

// ErrNotConfigured is returned when no API key is set.
var ErrNotConfigured = errors.New("transcription API key not set")

// Config holds the transcription API settings.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Result is a finished transcription.
type Result struct {
	Text        string
	Segments    []models.TranscriptSegment
	DurationSec *float64
}

// Client calls a Mistral-compatible audio transcription API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a transcription client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Model == "" {
		cfg.Model = "voxtral-mini-latest"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Transcribe asks the engine to fetch and transcribe the media at fileURL.
func (c *Client) Transcribe(ctx context.Context, fileURL string) (*Result, error) {
	if c.cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	fields := [][2]string{
		{"model", c.cfg.Model},
		{"file_url", fileURL},
		{"timestamp_granularities", "segment"},
		{"diarize", "true"},
	}
	for _, f := range fields {
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + transcriptionsPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call transcription API: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read transcription response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transcription API error (HTTP %d): %s", resp.StatusCode, truncate(string(respBody), 512))
	}

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("parse transcription response: %w", err)
	}

	result := &Result{Text: strings.TrimSpace(apiResp.Text)}
	for _, seg := range apiResp.Segments {
		result.Segments = append(result.Segments, models.TranscriptSegment{
			StartSec: seg.Start,
			EndSec:   seg.End,
			Speaker:  seg.Speaker,
			Text:     strings.TrimSpace(seg.Text),
		})
	}
	if result.Text == "" && len(result.Segments) > 0 {
		parts := make([]string, 0, len(result.Segments))
		for _, s := range result.Segments {
			parts = append(parts, s.Text)
		}
		result.Text = strings.Join(parts, " ")
	}
	switch {
	case apiResp.Usage.PromptAudioSeconds > 0:
		d := apiResp.Usage.PromptAudioSeconds
		result.DurationSec = &d
	case len(result.Segments) > 0:
		d := result.Segments[len(result.Segments)-1].EndSec
		result.DurationSec = &d
	}

	c.logger.Info("transcription finished",
		zap.Duration("took", time.Since(start)),
		zap.Int("segments", len(result.Segments)),
	)
	return result, nil
}

type apiResponse struct {
	Text     string `json:"text"`
	Segments []struct {
		Start   float64 `json:"start"`
		End     float64 `json:"end"`
		Speaker string  `json:"speaker"`
		Text    string  `json:"text"`
	} `json:"segments"`
	Usage struct {
		PromptAudioSeconds float64 `json:"prompt_audio_seconds"`
	} `json:"usage"`
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
