package meetings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-webinar/meetings/internal/models"
	apperrors "github.com/aura-webinar/meetings/pkg/errors"
	"github.com/aura-webinar/meetings/pkg/storage"
)

const pgForeignKeyViolation = "23503"

// StageStart reports the outcome of a conditional stage trigger.
type StageStart struct {
	Started   bool   // this call moved the stage into its running status
	Status    string // stage status after the call
	ObjectURI string // recording the stage job works on
}

// TranscriptResult is what a finished transcription writes back.
type TranscriptResult struct {
	Text        string
	Segments    []models.TranscriptSegment
	DurationSec *float64
}

// Repository handles meeting persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a meetings repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const meetingColumns = `id, title, COALESCE(recording_object_uri,''), recording_status, recording_duration_sec,
	recording_error, transcript, transcript_segments, insights_status, insights_summary, insights_chapters,
	insights_highlights, insights_key_questions, insights_actions, insights_error, created_at, updated_at`

func scanMeeting(row pgx.Row) (*models.Meeting, error) {
	var (
		m                                             models.Meeting
		rec                                           models.Recording
		ins                                           models.Insights
		segments, chapters, highlights, questions, ax []byte
	)
	err := row.Scan(&m.ID, &m.Title, &rec.ObjectURI, &rec.Status, &rec.DurationSec,
		&rec.Error, &rec.Transcript, &segments, &ins.Status, &ins.Summary, &chapters,
		&highlights, &questions, &ax, &ins.Error, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("meeting: %w", apperrors.ErrNotFound)
		}
		return nil, err
	}
	if err := unmarshalLists(
		listField{segments, &rec.Segments},
		listField{chapters, &ins.Chapters},
		listField{highlights, &ins.Highlights},
		listField{questions, &ins.KeyQuestions},
		listField{ax, &ins.ExtractedActions},
	); err != nil {
		return nil, err
	}
	if rec.ObjectURI != "" || rec.Status != models.RecordingStatusIdle {
		m.Recording = &rec
	}
	if ins.Status != models.InsightsStatusIdle {
		m.Insights = &ins
	}
	m.Notes = []models.Note{}
	m.Agenda = []models.AgendaItem{}
	m.Actions = []models.ActionItem{}
	return &m, nil
}

type listField struct {
	raw []byte
	dst any
}

func unmarshalLists(fields ...listField) error {
	for _, f := range fields {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return fmt.Errorf("decode jsonb column: %w", err)
		}
	}
	return nil
}

func marshalList[T any](list []T) ([]byte, error) {
	if list == nil {
		list = []T{}
	}
	return json.Marshal(list)
}

// List returns all meetings, newest first, without sub-resources.
func (r *Repository) List(ctx context.Context) ([]models.Meeting, error) {
	q := `SELECT ` + meetingColumns + ` FROM meetings ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []models.Meeting{}
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *m)
	}
	return list, rows.Err()
}

// Create inserts an empty meeting.
func (r *Repository) Create(ctx context.Context, title string) (*models.Meeting, error) {
	q := `INSERT INTO meetings (title) VALUES ($1) RETURNING ` + meetingColumns
	return scanMeeting(r.pool.QueryRow(ctx, q, title))
}

// Get returns the meeting aggregate with ordered notes, agenda and actions.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.Meeting, error) {
	batch := &pgx.Batch{}
	batch.Queue(`SELECT `+meetingColumns+` FROM meetings WHERE id = $1`, id)
	batch.Queue(`SELECT id, meeting_id, text, created_at FROM meeting_notes WHERE meeting_id = $1 ORDER BY created_at, id`, id)
	batch.Queue(`SELECT id, meeting_id, item, created_at FROM meeting_agenda_items WHERE meeting_id = $1 ORDER BY created_at, id`, id)
	batch.Queue(`SELECT `+actionColumns+` FROM meeting_action_items WHERE meeting_id = $1 ORDER BY created_at, id`, id)

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()

	m, err := scanMeeting(results.QueryRow())
	if err != nil {
		return nil, err
	}

	rows, err := results.Query()
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var n models.Note
		if err := rows.Scan(&n.ID, &n.MeetingID, &n.Text, &n.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		m.Notes = append(m.Notes, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = results.Query()
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var a models.AgendaItem
		if err := rows.Scan(&a.ID, &a.MeetingID, &a.Item, &a.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		m.Agenda = append(m.Agenda, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = results.Query()
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		m.Actions = append(m.Actions, *a)
	}
	rows.Close()
	return m, rows.Err()
}

// Update changes the meeting title.
func (r *Repository) Update(ctx context.Context, id uuid.UUID, title string) (*models.Meeting, error) {
	const q = `UPDATE meetings SET title = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, q, id, title)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("meeting: %w", apperrors.ErrNotFound)
	}
	return r.Get(ctx, id)
}

// Delete removes a meeting and, by cascade, its sub-resources. Returns the recording URI, if any.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) (objectURI string, err error) {
	const q = `DELETE FROM meetings WHERE id = $1 RETURNING COALESCE(recording_object_uri,'')`
	if err := r.pool.QueryRow(ctx, q, id).Scan(&objectURI); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("meeting: %w", apperrors.ErrNotFound)
		}
		return "", err
	}
	return objectURI, nil
}

// RegisterRecording attaches an uploaded object as the meeting's recording.
// Transcript and insights from any previous upload are discarded.
func (r *Repository) RegisterRecording(ctx context.Context, id uuid.UUID, objectURI string) (*models.Meeting, error) {
	const q = `UPDATE meetings SET
		recording_object_uri = $2, recording_status = 'uploaded', recording_duration_sec = NULL,
		recording_error = '', transcript = '', transcript_segments = '[]', recording_updated_at = NOW(),
		insights_status = 'idle', insights_summary = '', insights_chapters = '[]', insights_highlights = '[]',
		insights_key_questions = '[]', insights_actions = '[]', insights_error = '', insights_updated_at = NOW(),
		title = CASE WHEN title = '' THEN $3 ELSE title END,
		updated_at = NOW()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, q, id, objectURI, storage.FilenameFromURI(objectURI))
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("meeting: %w", apperrors.ErrNotFound)
	}
	return r.Get(ctx, id)
}

// StartTranscription moves an uploaded (or failed) recording to transcribing.
// Concurrent callers race on one UPDATE, so at most one sees Started.
func (r *Repository) StartTranscription(ctx context.Context, id uuid.UUID) (StageStart, error) {
	const q = `UPDATE meetings SET recording_status = 'transcribing', recording_error = '',
		recording_updated_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND recording_object_uri IS NOT NULL AND recording_status IN ('uploaded', 'failed')
		RETURNING recording_object_uri`
	var uri string
	err := r.pool.QueryRow(ctx, q, id).Scan(&uri)
	if err == nil {
		return StageStart{Started: true, Status: models.RecordingStatusTranscribing, ObjectURI: uri}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return StageStart{}, err
	}

	var status string
	err = r.pool.QueryRow(ctx, `SELECT recording_status, COALESCE(recording_object_uri,'') FROM meetings WHERE id = $1`, id).Scan(&status, &uri)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StageStart{}, fmt.Errorf("meeting: %w", apperrors.ErrNotFound)
		}
		return StageStart{}, err
	}
	if models.RecordingStatusReached(status, models.RecordingStatusTranscribing) {
		return StageStart{Status: status, ObjectURI: uri}, nil
	}
	return StageStart{}, fmt.Errorf("recording is %s, transcription needs an uploaded recording: %w", status, apperrors.ErrInvalidState)
}

// CompleteTranscription stores the transcript. It is a no-op (applied=false) when the
// recording was replaced or the stage is no longer transcribing.
func (r *Repository) CompleteTranscription(ctx context.Context, id uuid.UUID, objectURI string, res TranscriptResult) (applied bool, err error) {
	segments, err := marshalList(res.Segments)
	if err != nil {
		return false, err
	}
	const q = `UPDATE meetings SET recording_status = 'transcribed', transcript = $3, transcript_segments = $4,
		recording_duration_sec = $5, recording_error = '', recording_updated_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND recording_object_uri = $2 AND recording_status = 'transcribing'`
	tag, err := r.pool.Exec(ctx, q, id, objectURI, res.Text, segments, res.DurationSec)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// FailTranscription marks the transcription failed so it can be re-triggered.
func (r *Repository) FailTranscription(ctx context.Context, id uuid.UUID, objectURI, reason string) (applied bool, err error) {
	const q = `UPDATE meetings SET recording_status = 'failed', recording_error = $3,
		recording_updated_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND recording_object_uri = $2 AND recording_status = 'transcribing'`
	tag, err := r.pool.Exec(ctx, q, id, objectURI, reason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// StartInsights moves idle (or failed) insights to running. Requires a transcribed recording.
// The returned ObjectURI pins the job to the recording whose transcript it reads.
func (r *Repository) StartInsights(ctx context.Context, id uuid.UUID) (StageStart, error) {
	const q = `UPDATE meetings SET insights_status = 'running', insights_error = '',
		insights_updated_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND recording_status = 'transcribed' AND insights_status IN ('idle', 'failed')
		RETURNING recording_object_uri`
	var uri string
	err := r.pool.QueryRow(ctx, q, id).Scan(&uri)
	if err == nil {
		return StageStart{Started: true, Status: models.InsightsStatusRunning, ObjectURI: uri}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return StageStart{}, err
	}

	var recStatus, insStatus string
	err = r.pool.QueryRow(ctx, `SELECT recording_status, insights_status, COALESCE(recording_object_uri,'') FROM meetings WHERE id = $1`, id).
		Scan(&recStatus, &insStatus, &uri)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StageStart{}, fmt.Errorf("meeting: %w", apperrors.ErrNotFound)
		}
		return StageStart{}, err
	}
	if models.InsightsStatusReached(insStatus, models.InsightsStatusRunning) {
		return StageStart{Status: insStatus, ObjectURI: uri}, nil
	}
	return StageStart{}, fmt.Errorf("recording is %s, insights need a transcript: %w", recStatus, apperrors.ErrInvalidState)
}

// CompleteInsights stores generated insights while the stage is still running for the
// same recording. A re-upload in between makes it a no-op.
func (r *Repository) CompleteInsights(ctx context.Context, id uuid.UUID, objectURI string, ins models.Insights) (applied bool, err error) {
	chapters, err := marshalList(ins.Chapters)
	if err != nil {
		return false, err
	}
	highlights, err := marshalList(ins.Highlights)
	if err != nil {
		return false, err
	}
	questions, err := marshalList(ins.KeyQuestions)
	if err != nil {
		return false, err
	}
	actions, err := marshalList(ins.ExtractedActions)
	if err != nil {
		return false, err
	}
	const q = `UPDATE meetings SET insights_status = 'ready', insights_summary = $3, insights_chapters = $4,
		insights_highlights = $5, insights_key_questions = $6, insights_actions = $7, insights_error = '',
		insights_updated_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND recording_object_uri = $2 AND insights_status = 'running'`
	tag, err := r.pool.Exec(ctx, q, id, objectURI, ins.Summary, chapters, highlights, questions, actions)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// FailInsights marks a running insights stage failed.
func (r *Repository) FailInsights(ctx context.Context, id uuid.UUID, objectURI, reason string) (applied bool, err error) {
	const q = `UPDATE meetings SET insights_status = 'failed', insights_error = $3,
		insights_updated_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND recording_object_uri = $2 AND insights_status = 'running'`
	tag, err := r.pool.Exec(ctx, q, id, objectURI, reason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Progress returns the status projection polled by clients.
func (r *Repository) Progress(ctx context.Context, id uuid.UUID) (*models.Progress, error) {
	const q = `SELECT recording_status, insights_status FROM meetings WHERE id = $1`
	var p models.Progress
	if err := r.pool.QueryRow(ctx, q, id).Scan(&p.Recording.Status, &p.Insights.Status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("meeting: %w", apperrors.ErrNotFound)
		}
		return nil, err
	}
	return &p, nil
}

// Transcript returns the stored transcript of a transcribed recording.
func (r *Repository) Transcript(ctx context.Context, id uuid.UUID) (*models.Recording, error) {
	const q = `SELECT COALESCE(recording_object_uri,''), recording_status, recording_duration_sec, transcript, transcript_segments
		FROM meetings WHERE id = $1`
	var (
		rec      models.Recording
		segments []byte
	)
	if err := r.pool.QueryRow(ctx, q, id).Scan(&rec.ObjectURI, &rec.Status, &rec.DurationSec, &rec.Transcript, &segments); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("meeting: %w", apperrors.ErrNotFound)
		}
		return nil, err
	}
	if err := unmarshalLists(listField{segments, &rec.Segments}); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Insights returns the meeting's insights; status idle when never run.
func (r *Repository) Insights(ctx context.Context, id uuid.UUID) (*models.Insights, error) {
	const q = `SELECT insights_status, insights_summary, insights_chapters, insights_highlights,
		insights_key_questions, insights_actions, insights_error FROM meetings WHERE id = $1`
	var (
		ins                                       models.Insights
		chapters, highlights, questions, actions []byte
	)
	err := r.pool.QueryRow(ctx, q, id).Scan(&ins.Status, &ins.Summary, &chapters, &highlights, &questions, &actions, &ins.Error)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("meeting: %w", apperrors.ErrNotFound)
		}
		return nil, err
	}
	if err := unmarshalLists(
		listField{chapters, &ins.Chapters},
		listField{highlights, &ins.Highlights},
		listField{questions, &ins.KeyQuestions},
		listField{actions, &ins.ExtractedActions},
	); err != nil {
		return nil, err
	}
	return &ins, nil
}

// InsightsPatch is a manual edit of ready insights. Nil fields are left unchanged.
type InsightsPatch struct {
	Summary          *string                   `json:"summary"`
	Chapters         *[]models.Chapter         `json:"chapters"`
	Highlights       *[]models.Highlight       `json:"highlights"`
	KeyQuestions     *[]string                 `json:"keyQuestions"`
	ExtractedActions *[]models.ExtractedAction `json:"extractedActions"`
}

// UpdateInsights applies a manual edit. Only ready insights can be edited.
func (r *Repository) UpdateInsights(ctx context.Context, id uuid.UUID, patch InsightsPatch) (*models.Insights, error) {
	cur, err := r.Insights(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != models.InsightsStatusReady {
		return nil, fmt.Errorf("insights are %s: %w", cur.Status, apperrors.ErrInvalidState)
	}
	if patch.Summary != nil {
		cur.Summary = *patch.Summary
	}
	if patch.Chapters != nil {
		cur.Chapters = *patch.Chapters
	}
	if patch.Highlights != nil {
		cur.Highlights = *patch.Highlights
	}
	if patch.KeyQuestions != nil {
		cur.KeyQuestions = *patch.KeyQuestions
	}
	if patch.ExtractedActions != nil {
		cur.ExtractedActions = *patch.ExtractedActions
	}

	chapters, err := marshalList(cur.Chapters)
	if err != nil {
		return nil, err
	}
	highlights, err := marshalList(cur.Highlights)
	if err != nil {
		return nil, err
	}
	questions, err := marshalList(cur.KeyQuestions)
	if err != nil {
		return nil, err
	}
	actions, err := marshalList(cur.ExtractedActions)
	if err != nil {
		return nil, err
	}
	const q = `UPDATE meetings SET insights_summary = $2, insights_chapters = $3, insights_highlights = $4,
		insights_key_questions = $5, insights_actions = $6, updated_at = NOW()
		WHERE id = $1 AND insights_status = 'ready'`
	tag, err := r.pool.Exec(ctx, q, id, cur.Summary, chapters, highlights, questions, actions)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("insights changed during edit: %w", apperrors.ErrConflict)
	}
	return cur, nil
}

// StaleStage identifies a stage that FailStale marked failed.
type StaleStage struct {
	MeetingID uuid.UUID
	Stage     string
}

// FailStale fails stages stuck in transcribing or running for longer than olderThan.
func (r *Repository) FailStale(ctx context.Context, olderThan time.Duration) ([]StaleStage, error) {
	cutoff := time.Now().Add(-olderThan)
	var out []StaleStage

	rows, err := r.pool.Query(ctx, `UPDATE meetings SET recording_status = 'failed',
		recording_error = 'transcription timed out', recording_updated_at = NOW(), updated_at = NOW()
		WHERE recording_status = 'transcribing' AND recording_updated_at < $1 RETURNING id`, cutoff)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		out = append(out, StaleStage{MeetingID: id, Stage: models.StageTranscribe})
	}

	rows, err = r.pool.Query(ctx, `UPDATE meetings SET insights_status = 'failed',
		insights_error = 'insight generation timed out', insights_updated_at = NOW(), updated_at = NOW()
		WHERE insights_status = 'running' AND insights_updated_at < $1 RETURNING id`, cutoff)
	if err != nil {
		return nil, err
	}
	ids, err = pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		out = append(out, StaleStage{MeetingID: id, Stage: models.StageInsights})
	}
	return out, nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation
}
