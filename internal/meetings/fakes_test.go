package meetings

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aura-webinar/meetings/internal/calendar"
	"github.com/aura-webinar/meetings/internal/models"
	apperrors "github.com/aura-webinar/meetings/pkg/errors"
	"github.com/aura-webinar/meetings/pkg/queue"
	"github.com/aura-webinar/meetings/pkg/storage"
)

// memStore mirrors the Repository's conditional updates in memory.
type memStore struct {
	mu       sync.Mutex
	meetings map[uuid.UUID]*models.Meeting
}

func newMemStore() *memStore {
	return &memStore{meetings: map[uuid.UUID]*models.Meeting{}}
}

func (s *memStore) get(id uuid.UUID) (*models.Meeting, error) {
	m, ok := s.meetings[id]
	if !ok {
		return nil, fmt.Errorf("meeting: %w", apperrors.ErrNotFound)
	}
	return m, nil
}

func (s *memStore) rec(m *models.Meeting) *models.Recording {
	if m.Recording == nil {
		m.Recording = &models.Recording{Status: models.RecordingStatusIdle}
	}
	return m.Recording
}

func (s *memStore) ins(m *models.Meeting) *models.Insights {
	if m.Insights == nil {
		m.Insights = &models.Insights{Status: models.InsightsStatusIdle}
	}
	return m.Insights
}

func (s *memStore) List(context.Context) ([]models.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Meeting{}
	for _, m := range s.meetings {
		out = append(out, *m)
	}
	return out, nil
}

func (s *memStore) Create(_ context.Context, title string) (*models.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := &models.Meeting{ID: uuid.New(), Title: title, CreatedAt: time.Now(), UpdatedAt: time.Now(),
		Notes: []models.Note{}, Agenda: []models.AgendaItem{}, Actions: []models.ActionItem{}}
	s.meetings[m.ID] = m
	cp := *m
	return &cp, nil
}

func (s *memStore) Get(_ context.Context, id uuid.UUID) (*models.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.get(id)
	if err != nil {
		return nil, err
	}
	cp := *m
	return &cp, nil
}

func (s *memStore) Update(_ context.Context, id uuid.UUID, title string) (*models.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.get(id)
	if err != nil {
		return nil, err
	}
	m.Title = title
	cp := *m
	return &cp, nil
}

func (s *memStore) Delete(_ context.Context, id uuid.UUID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.get(id)
	if err != nil {
		return "", err
	}
	delete(s.meetings, id)
	if m.Recording != nil {
		return m.Recording.ObjectURI, nil
	}
	return "", nil
}

func (s *memStore) RegisterRecording(_ context.Context, id uuid.UUID, uri string) (*models.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.get(id)
	if err != nil {
		return nil, err
	}
	m.Recording = &models.Recording{ObjectURI: uri, Status: models.RecordingStatusUploaded}
	m.Insights = nil
	if m.Title == "" {
		m.Title = storage.FilenameFromURI(uri)
	}
	cp := *m
	return &cp, nil
}

func (s *memStore) StartTranscription(_ context.Context, id uuid.UUID) (StageStart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.get(id)
	if err != nil {
		return StageStart{}, err
	}
	r := s.rec(m)
	switch {
	case r.ObjectURI != "" && (r.Status == models.RecordingStatusUploaded || r.Status == models.RecordingStatusFailed):
		r.Status = models.RecordingStatusTranscribing
		return StageStart{Started: true, Status: r.Status, ObjectURI: r.ObjectURI}, nil
	case models.RecordingStatusReached(r.Status, models.RecordingStatusTranscribing):
		return StageStart{Status: r.Status, ObjectURI: r.ObjectURI}, nil
	}
	return StageStart{}, fmt.Errorf("no recording: %w", apperrors.ErrInvalidState)
}

func (s *memStore) FailTranscription(_ context.Context, id uuid.UUID, uri, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.get(id)
	if err != nil {
		return false, err
	}
	r := s.rec(m)
	if r.ObjectURI != uri || r.Status != models.RecordingStatusTranscribing {
		return false, nil
	}
	r.Status, r.Error = models.RecordingStatusFailed, reason
	return true, nil
}

func (s *memStore) StartInsights(_ context.Context, id uuid.UUID) (StageStart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.get(id)
	if err != nil {
		return StageStart{}, err
	}
	i := s.ins(m)
	switch {
	case s.rec(m).Status == models.RecordingStatusTranscribed && (i.Status == models.InsightsStatusIdle || i.Status == models.InsightsStatusFailed):
		i.Status = models.InsightsStatusRunning
		return StageStart{Started: true, Status: i.Status, ObjectURI: s.rec(m).ObjectURI}, nil
	case models.InsightsStatusReached(i.Status, models.InsightsStatusRunning):
		return StageStart{Status: i.Status, ObjectURI: s.rec(m).ObjectURI}, nil
	}
	return StageStart{}, fmt.Errorf("no transcript: %w", apperrors.ErrInvalidState)
}

func (s *memStore) FailInsights(_ context.Context, id uuid.UUID, uri, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.get(id)
	if err != nil {
		return false, err
	}
	i := s.ins(m)
	if s.rec(m).ObjectURI != uri || i.Status != models.InsightsStatusRunning {
		return false, nil
	}
	i.Status, i.Error = models.InsightsStatusFailed, reason
	return true, nil
}

func (s *memStore) Progress(_ context.Context, id uuid.UUID) (*models.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return &models.Progress{
		Recording: models.StageStatus{Status: s.rec(m).Status},
		Insights:  models.StageStatus{Status: s.ins(m).Status},
	}, nil
}

func (s *memStore) Insights(_ context.Context, id uuid.UUID) (*models.Insights, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.get(id)
	if err != nil {
		return nil, err
	}
	cp := *s.ins(m)
	return &cp, nil
}

func (s *memStore) UpdateInsights(_ context.Context, id uuid.UUID, patch InsightsPatch) (*models.Insights, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.get(id)
	if err != nil {
		return nil, err
	}
	i := s.ins(m)
	if i.Status != models.InsightsStatusReady {
		return nil, fmt.Errorf("insights are %s: %w", i.Status, apperrors.ErrInvalidState)
	}
	if patch.Summary != nil {
		i.Summary = *patch.Summary
	}
	cp := *i
	return &cp, nil
}

func (s *memStore) AddNote(_ context.Context, mid uuid.UUID, text string) (*models.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.get(mid)
	if err != nil {
		return nil, err
	}
	n := models.Note{ID: uuid.New(), MeetingID: mid, Text: text, CreatedAt: time.Now()}
	m.Notes = append(m.Notes, n)
	return &n, nil
}

func (s *memStore) UpdateNote(_ context.Context, mid, nid uuid.UUID, text string) (*models.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.get(mid)
	if err != nil {
		return nil, fmt.Errorf("note: %w", apperrors.ErrNotFound)
	}
	for i := range m.Notes {
		if m.Notes[i].ID == nid {
			m.Notes[i].Text = text
			n := m.Notes[i]
			return &n, nil
		}
	}
	return nil, fmt.Errorf("note: %w", apperrors.ErrNotFound)
}

func (s *memStore) DeleteNote(_ context.Context, mid, nid uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.get(mid)
	if err != nil {
		return fmt.Errorf("note: %w", apperrors.ErrNotFound)
	}
	for i := range m.Notes {
		if m.Notes[i].ID == nid {
			m.Notes = append(m.Notes[:i], m.Notes[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("note: %w", apperrors.ErrNotFound)
}

func (s *memStore) AddAgendaItem(_ context.Context, mid uuid.UUID, item string) (*models.AgendaItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.get(mid)
	if err != nil {
		return nil, err
	}
	a := models.AgendaItem{ID: uuid.New(), MeetingID: mid, Item: item, CreatedAt: time.Now()}
	m.Agenda = append(m.Agenda, a)
	return &a, nil
}

func (s *memStore) UpdateAgendaItem(_ context.Context, mid, aid uuid.UUID, item string) (*models.AgendaItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.get(mid)
	if err != nil {
		return nil, fmt.Errorf("agenda item: %w", apperrors.ErrNotFound)
	}
	for i := range m.Agenda {
		if m.Agenda[i].ID == aid {
			m.Agenda[i].Item = item
			a := m.Agenda[i]
			return &a, nil
		}
	}
	return nil, fmt.Errorf("agenda item: %w", apperrors.ErrNotFound)
}

func (s *memStore) DeleteAgendaItem(_ context.Context, mid, aid uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.get(mid)
	if err != nil {
		return fmt.Errorf("agenda item: %w", apperrors.ErrNotFound)
	}
	for i := range m.Agenda {
		if m.Agenda[i].ID == aid {
			m.Agenda = append(m.Agenda[:i], m.Agenda[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("agenda item: %w", apperrors.ErrNotFound)
}

func (s *memStore) AddAction(_ context.Context, mid uuid.UUID, in ActionInput) (*models.ActionItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.get(mid)
	if err != nil {
		return nil, err
	}
	a := models.ActionItem{ID: uuid.New(), MeetingID: mid, Title: in.Title, Assignee: in.Assignee, Due: in.Due, CreatedAt: time.Now()}
	m.Actions = append(m.Actions, a)
	return &a, nil
}

func (s *memStore) findAction(mid, aid uuid.UUID) (*models.ActionItem, error) {
	m, err := s.get(mid)
	if err != nil {
		return nil, fmt.Errorf("action item: %w", apperrors.ErrNotFound)
	}
	for i := range m.Actions {
		if m.Actions[i].ID == aid {
			return &m.Actions[i], nil
		}
	}
	return nil, fmt.Errorf("action item: %w", apperrors.ErrNotFound)
}

func (s *memStore) GetAction(_ context.Context, mid, aid uuid.UUID) (*models.ActionItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.findAction(mid, aid)
	if err != nil {
		return nil, err
	}
	cp := *a
	return &cp, nil
}

func (s *memStore) UpdateAction(_ context.Context, mid, aid uuid.UUID, in ActionInput) (*models.ActionItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.findAction(mid, aid)
	if err != nil {
		return nil, err
	}
	a.Title, a.Assignee, a.Due = in.Title, in.Assignee, in.Due
	cp := *a
	return &cp, nil
}

func (s *memStore) DeleteAction(_ context.Context, mid, aid uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.get(mid)
	if err != nil {
		return fmt.Errorf("action item: %w", apperrors.ErrNotFound)
	}
	for i := range m.Actions {
		if m.Actions[i].ID == aid {
			m.Actions = append(m.Actions[:i], m.Actions[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("action item: %w", apperrors.ErrNotFound)
}

func (s *memStore) SetActionCalendarEvent(_ context.Context, mid, aid uuid.UUID, eventID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.findAction(mid, aid)
	if err != nil {
		return "", false, err
	}
	if a.CalendarEventID != "" {
		return a.CalendarEventID, false, nil
	}
	a.CalendarEventID = eventID
	return eventID, true, nil
}

// setStatus forces stage statuses for tests.
func (s *memStore) setStatus(id uuid.UUID, rec, ins string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.meetings[id]
	s.rec(m).Status = rec
	if m.Recording.ObjectURI == "" {
		m.Recording.ObjectURI = storage.ObjectURI("rec", "meetings/"+id.String()+"/x-a.mp4")
	}
	s.ins(m).Status = ins
}

type fakeQueue struct {
	mu         sync.Mutex
	transcribe []queue.TranscribePayload
	insights   []queue.InsightsPayload
	err        error
}

func (q *fakeQueue) EnqueueTranscribe(_ context.Context, p queue.TranscribePayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.transcribe = append(q.transcribe, p)
	return nil
}

func (q *fakeQueue) EnqueueInsights(_ context.Context, p queue.InsightsPayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.insights = append(q.insights, p)
	return nil
}

type fakeObjects struct {
	bucket   string
	objects  map[string][]byte
	uploaded []string
	deleted  []string
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{bucket: "rec", objects: map[string][]byte{}}
}

func (f *fakeObjects) PresignUpload(_ context.Context, meetingID, filename, _ string) (string, string, error) {
	key := storage.MeetingObjectKey(meetingID, filename)
	return "https://signed.example/" + key, storage.ObjectURI(f.bucket, key), nil
}

func (f *fakeObjects) PresignExpire() time.Duration { return 15 * time.Minute }

func (f *fakeObjects) OwnsURI(uri, meetingID string) bool {
	return strings.HasPrefix(uri, "s3://"+f.bucket+"/meetings/"+meetingID+"/")
}

func (f *fakeObjects) UploadRecording(_ context.Context, meetingID, filename, _ string, body io.Reader, _ int64) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	uri := storage.ObjectURI(f.bucket, storage.MeetingObjectKey(meetingID, filename))
	f.objects[uri] = data
	f.uploaded = append(f.uploaded, uri)
	return uri, nil
}

func (f *fakeObjects) GetObjectRange(_ context.Context, uri, byteRange string) (*storage.ObjectStream, error) {
	data, ok := f.objects[uri]
	if !ok {
		return nil, fmt.Errorf("get object: %w", apperrors.ErrNotFound)
	}
	if byteRange == "" {
		return &storage.ObjectStream{Body: io.NopCloser(strings.NewReader(string(data))), ContentType: "video/mp4", ContentLength: int64(len(data))}, nil
	}
	var start, end int
	if _, err := fmt.Sscanf(byteRange, "bytes=%d-%d", &start, &end); err != nil || start >= len(data) {
		return nil, fmt.Errorf("get object: %w", storage.ErrInvalidRange)
	}
	if end >= len(data) {
		end = len(data) - 1
	}
	part := data[start : end+1]
	return &storage.ObjectStream{
		Body:          io.NopCloser(strings.NewReader(string(part))),
		ContentType:   "video/mp4",
		ContentLength: int64(len(part)),
		ContentRange:  fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)),
	}, nil
}

func (f *fakeObjects) DeleteObject(_ context.Context, uri string) error {
	f.deleted = append(f.deleted, uri)
	delete(f.objects, uri)
	return nil
}

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
	err  error
}

func (l *fakeLocker) TryLock(_ context.Context, key string, _ time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, false, l.err
	}
	if l.held == nil {
		l.held = map[string]bool{}
	}
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, true, nil
}

type fakeCalendar struct {
	mu      sync.Mutex
	created map[string]calendar.Event
	err     error
}

func (f *fakeCalendar) CreateEvent(_ context.Context, ev calendar.Event) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if f.created == nil {
		f.created = map[string]calendar.Event{}
	}
	if _, dup := f.created[ev.ID]; dup {
		return ev.ID, fmt.Errorf("event %s: %w", ev.ID, apperrors.ErrConflict)
	}
	f.created[ev.ID] = ev
	return ev.ID, nil
}

type fakePublisher struct {
	mu      sync.Mutex
	events  []models.Progress
	deleted []uuid.UUID
}

func (p *fakePublisher) PublishProgress(_ context.Context, _ uuid.UUID, pr models.Progress) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, pr)
	return nil
}

func (p *fakePublisher) PublishDeleted(_ context.Context, id uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, id)
	return nil
}

var errQueueDown = errors.New("redis: connection refused")
