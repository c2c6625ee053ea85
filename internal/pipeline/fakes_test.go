package pipeline

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aura-webinar/meetings/internal/backend"
	"github.com/aura-webinar/meetings/internal/models"
	apperrors "github.com/aura-webinar/meetings/pkg/errors"
)

type fakeMeeting struct {
	title               string
	rec                 models.Recording
	ins                 models.Insights
	notes               []models.Note
	actions             []models.ActionItem
	pendingPolls        int
	statusAfterRegister string
}

// fakeBackend simulates the meetings API: stages complete after a number of
// progress polls, and triggers are idempotent like the real server.
type fakeBackend struct {
	mu       sync.Mutex
	meetings map[uuid.UUID]*fakeMeeting

	stagePolls    int  // polls a started stage needs before it completes
	neverComplete bool // stages stay in progress forever

	putErrs    []error // consumed one per PutBytes call
	putBlock   chan struct{}
	putStarted chan struct{}
	putBodies  []string

	triggerErr map[string]error
	started    map[string]int

	progressCalls int
	registers     int
	events        map[uuid.UUID]string
	eventsCreated int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		meetings:   map[uuid.UUID]*fakeMeeting{},
		stagePolls: 2,
		triggerErr: map[string]error{},
		started:    map[string]int{},
		events:     map[uuid.UUID]string{},
	}
}

func (f *fakeBackend) addMeeting() uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.New()
	f.meetings[id] = &fakeMeeting{
		rec: models.Recording{Status: models.RecordingStatusIdle},
		ins: models.Insights{Status: models.InsightsStatusIdle},
	}
	return id
}

func (f *fakeBackend) meeting(id uuid.UUID) fakeMeeting {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.meetings[id]
}

func (f *fakeBackend) set(id uuid.UUID, fn func(m *fakeMeeting)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.meetings[id])
}

func (f *fakeBackend) setNeverComplete(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.neverComplete = v
}

func (f *fakeBackend) polls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.progressCalls
}

func (f *fakeBackend) RequestUploadSlot(_ context.Context, id uuid.UUID, filename, _ string) (*models.UploadSlot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.meetings[id]; !ok {
		return nil, apperrors.ErrNotFound
	}
	return &models.UploadSlot{UploadURL: "U", ObjectURI: "obj/" + id.String() + "/" + filename}, nil
}

func (f *fakeBackend) PutBytes(ctx context.Context, _ string, body io.Reader, _ int64, _ string) error {
	if f.putStarted != nil {
		select {
		case f.putStarted <- struct{}{}:
		default:
		}
	}
	if f.putBlock != nil {
		select {
		case <-f.putBlock:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	raw, _ := io.ReadAll(body)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putBodies = append(f.putBodies, string(raw))
	if len(f.putErrs) > 0 {
		err := f.putErrs[0]
		f.putErrs = f.putErrs[1:]
		if err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeBackend) RegisterRecording(_ context.Context, id uuid.UUID, objectURI string) (*models.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetings[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	f.registers++
	m.rec = models.Recording{ObjectURI: objectURI, Status: models.RecordingStatusUploaded}
	m.ins = models.Insights{Status: models.InsightsStatusIdle}
	m.statusAfterRegister = m.rec.Status
	rec := m.rec
	return &models.Meeting{ID: id, Recording: &rec}, nil
}

func (f *fakeBackend) Trigger(_ context.Context, id uuid.UUID, stage string) (*models.TriggerAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.triggerErr[stage]; err != nil {
		return nil, err
	}
	m, ok := f.meetings[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	switch stage {
	case models.StageTranscribe:
		if m.rec.ObjectURI == "" {
			return nil, apperrors.ErrInvalidState
		}
		if models.RecordingStatusReached(m.rec.Status, models.RecordingStatusTranscribing) {
			return &models.TriggerAck{Stage: stage, Status: m.rec.Status}, nil
		}
		m.rec.Status = models.RecordingStatusTranscribing
		m.pendingPolls = f.stagePolls
		f.started[stage]++
		return &models.TriggerAck{Stage: stage, Status: m.rec.Status, Started: true}, nil
	case models.StageInsights:
		if m.rec.Status != models.RecordingStatusTranscribed {
			return nil, apperrors.ErrInvalidState
		}
		if models.InsightsStatusReached(m.ins.Status, models.InsightsStatusRunning) {
			return &models.TriggerAck{Stage: stage, Status: m.ins.Status}, nil
		}
		m.ins = models.Insights{Status: models.InsightsStatusRunning}
		m.pendingPolls = f.stagePolls
		f.started[stage]++
		return &models.TriggerAck{Stage: stage, Status: m.ins.Status, Started: true}, nil
	}
	return nil, apperrors.ErrValidation
}

func (f *fakeBackend) Progress(_ context.Context, id uuid.UUID) (*models.Progress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progressCalls++
	m, ok := f.meetings[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	if !f.neverComplete && (m.rec.Status == models.RecordingStatusTranscribing || m.ins.Status == models.InsightsStatusRunning) {
		m.pendingPolls--
		if m.pendingPolls <= 0 {
			if m.rec.Status == models.RecordingStatusTranscribing {
				d := 61.0
				m.rec.Status = models.RecordingStatusTranscribed
				m.rec.Transcript = "Alice: shipping friday"
				m.rec.DurationSec = &d
			} else {
				m.ins = models.Insights{
					Status:           models.InsightsStatusReady,
					Summary:          "Team agreed to ship on Friday.",
					ExtractedActions: []models.ExtractedAction{{Title: "Draft release notes", Assignee: "Alice"}},
				}
			}
		}
	}
	return &models.Progress{
		Recording: models.StageStatus{Status: m.rec.Status},
		Insights:  models.StageStatus{Status: m.ins.Status},
	}, nil
}

func (f *fakeBackend) View(_ context.Context, id uuid.UUID) (*backend.View, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetings[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	rec, ins := m.rec, m.ins
	return &backend.View{
		Meeting: &models.Meeting{
			ID: id, Title: m.title, Recording: &rec, Insights: &ins,
			Notes: append([]models.Note(nil), m.notes...), Actions: append([]models.ActionItem(nil), m.actions...),
		},
		Insights: &ins,
		Progress: &models.Progress{
			Recording: models.StageStatus{Status: rec.Status},
			Insights:  models.StageStatus{Status: ins.Status},
		},
	}, nil
}

func (f *fakeBackend) DeleteMeeting(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.meetings[id]; !ok {
		return apperrors.ErrNotFound
	}
	delete(f.meetings, id)
	return nil
}

func (f *fakeBackend) AddNote(_ context.Context, id uuid.UUID, text string) (*models.Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetings[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	n := models.Note{ID: uuid.New(), MeetingID: id, Text: text, CreatedAt: time.Now()}
	m.notes = append(m.notes, n)
	return &n, nil
}

func (f *fakeBackend) EditNote(_ context.Context, id, noteID uuid.UUID, text string) (*models.Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetings[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	for i := range m.notes {
		if m.notes[i].ID == noteID {
			m.notes[i].Text = text
			n := m.notes[i]
			return &n, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (f *fakeBackend) DeleteNote(_ context.Context, id, noteID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetings[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	for i := range m.notes {
		if m.notes[i].ID == noteID {
			m.notes = append(m.notes[:i], m.notes[i+1:]...)
			return nil
		}
	}
	return apperrors.ErrNotFound
}

func (f *fakeBackend) AddAction(_ context.Context, id uuid.UUID, fields backend.ActionFields) (*models.ActionItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetings[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	a := models.ActionItem{ID: uuid.New(), MeetingID: id, Title: fields.Title, Assignee: fields.Assignee, Due: fields.Due}
	m.actions = append(m.actions, a)
	return &a, nil
}

func (f *fakeBackend) EditAction(_ context.Context, _, _ uuid.UUID, _ backend.ActionFields) (*models.ActionItem, error) {
	return nil, apperrors.ErrNotFound
}

func (f *fakeBackend) DeleteAction(_ context.Context, _, _ uuid.UUID) error {
	return apperrors.ErrNotFound
}

func (f *fakeBackend) PromoteAction(_ context.Context, id, actionID uuid.UUID, _ time.Time, _ *time.Time) (*models.CalendarLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.meetings[id]; !ok {
		return nil, apperrors.ErrNotFound
	}
	if ev, ok := f.events[actionID]; ok {
		return &models.CalendarLink{CalendarEventID: ev}, nil
	}
	f.eventsCreated++
	f.events[actionID] = "ev-" + actionID.String()[:8]
	return &models.CalendarLink{CalendarEventID: f.events[actionID], Created: true}, nil
}

func (f *fakeBackend) Insights(_ context.Context, id uuid.UUID) (*models.Insights, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetings[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	ins := m.ins
	return &ins, nil
}

// scriptedFetcher returns progress from a function of the call number (1-based).
type scriptedFetcher struct {
	mu    sync.Mutex
	calls int
	next  func(call int) (*models.Progress, error)
}

func (s *scriptedFetcher) Progress(_ context.Context, _ uuid.UUID) (*models.Progress, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	return s.next(n)
}

func (s *scriptedFetcher) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func progress(rec, ins string) *models.Progress {
	return &models.Progress{Recording: models.StageStatus{Status: rec}, Insights: models.StageStatus{Status: ins}}
}
