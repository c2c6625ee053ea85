package models

import (
	"time"

	"github.com/google/uuid"
)

// Recording status lifecycle. Monotonic except for a re-upload, which resets to uploaded.
const (
	RecordingStatusIdle         = "idle"
	RecordingStatusUploading    = "uploading"
	RecordingStatusUploaded     = "uploaded"
	RecordingStatusTranscribing = "transcribing"
	RecordingStatusTranscribed  = "transcribed"
	RecordingStatusFailed       = "failed"
)

// Insights status lifecycle. Leaving idle requires a transcribed recording.
const (
	InsightsStatusIdle    = "idle"
	InsightsStatusRunning = "running"
	InsightsStatusReady   = "ready"
	InsightsStatusFailed  = "failed"
)

// Pipeline stages accepted by the trigger endpoints.
const (
	StageTranscribe = "transcribe"
	StageInsights   = "insights"
)

var recordingRank = map[string]int{
	RecordingStatusIdle:         0,
	RecordingStatusUploading:    1,
	RecordingStatusUploaded:     2,
	RecordingStatusTranscribing: 3,
	RecordingStatusTranscribed:  4,
}

var insightsRank = map[string]int{
	InsightsStatusIdle:    0,
	InsightsStatusRunning: 1,
	InsightsStatusReady:   2,
}

// RecordingStatusReached reports whether current is target or a later status.
// failed is off the happy path and never satisfies a target other than itself.
func RecordingStatusReached(current, target string) bool {
	return statusReached(recordingRank, RecordingStatusFailed, current, target)
}

// InsightsStatusReached reports whether current is target or a later status.
func InsightsStatusReached(current, target string) bool {
	return statusReached(insightsRank, InsightsStatusFailed, current, target)
}

func statusReached(rank map[string]int, failed, current, target string) bool {
	if current == target {
		return true
	}
	if current == failed || target == failed {
		return false
	}
	c, ok := rank[current]
	if !ok {
		return false
	}
	t, ok := rank[target]
	if !ok {
		return false
	}
	return c >= t
}

// Meeting is the aggregate root: recording, insights and the three sub-resource collections.
type Meeting struct {
	ID        uuid.UUID    `json:"id"`
	Title     string       `json:"title"`
	Recording *Recording   `json:"recording,omitempty"`
	Insights  *Insights    `json:"insights,omitempty"`
	Notes     []Note       `json:"notes"`
	Agenda    []AgendaItem `json:"agenda"`
	Actions   []ActionItem `json:"actions"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Recording describes the uploaded media and its transcription.
type Recording struct {
	ObjectURI   string              `json:"objectUri"`
	Status      string              `json:"status"`
	DurationSec *float64            `json:"durationSec,omitempty"`
	Transcript  string              `json:"transcript,omitempty"`
	Segments    []TranscriptSegment `json:"segments,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// TranscriptSegment is one timed utterance of the transcript.
type TranscriptSegment struct {
	StartSec float64 `json:"startSec"`
	EndSec   float64 `json:"endSec"`
	Speaker  string  `json:"speaker,omitempty"`
	Text     string  `json:"text"`
}

// Insights is the AI-derived analysis of a transcribed recording.
type Insights struct {
	Status           string            `json:"status"`
	Summary          string            `json:"summary,omitempty"`
	Chapters         []Chapter         `json:"chapters"`
	Highlights       []Highlight       `json:"highlights"`
	KeyQuestions     []string          `json:"keyQuestions"`
	ExtractedActions []ExtractedAction `json:"extractedActions"`
	Error            string            `json:"error,omitempty"`
}

// Chapter is a seekable section of the recording.
type Chapter struct {
	Title    string  `json:"title"`
	StartSec float64 `json:"startSec"`
}

// Highlight is a notable moment in the recording.
type Highlight struct {
	Label    string  `json:"label"`
	Text     string  `json:"text"`
	StartSec float64 `json:"startSec"`
}

// ExtractedAction is a suggested action item. It stays a suggestion until adopted.
type ExtractedAction struct {
	Title    string `json:"title"`
	Assignee string `json:"assignee,omitempty"`
	Due      string `json:"due,omitempty"`
}

// Progress is the lightweight status projection polled by clients.
type Progress struct {
	Recording StageStatus `json:"recording"`
	Insights  StageStatus `json:"insights"`
}

// StageStatus wraps a single stage status.
type StageStatus struct {
	Status string `json:"status"`
}

// UploadSlot is a time-limited signed destination for a direct upload.
type UploadSlot struct {
	UploadURL string `json:"uploadUrl"`
	ObjectURI string `json:"objectUri"`
	ExpiresIn int    `json:"expiresIn,omitempty"`
}

// TriggerAck is returned by the stage trigger endpoints.
type TriggerAck struct {
	Stage   string `json:"stage"`
	Status  string `json:"status"`
	Started bool   `json:"started"`
}

// CalendarLink is returned when an action is promoted to a calendar event.
type CalendarLink struct {
	CalendarEventID string `json:"calendarEventId"`
	Created         bool   `json:"created"`
}
