package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/aura-webinar/meetings/config"
	"github.com/aura-webinar/meetings/internal/models"
)

// apiServer is an in-memory meetings API speaking the response envelope.
type apiServer struct {
	mu            sync.Mutex
	srv           *httptest.Server
	meetings      map[uuid.UUID]*models.Meeting
	blobs         map[string][]byte
	neverComplete bool
	events        map[uuid.UUID]string
	eventsCreated int
	lastRange     string
}

func newAPIServer(t *testing.T) *apiServer {
	t.Helper()
	a := &apiServer{
		meetings: map[uuid.UUID]*models.Meeting{},
		blobs:    map[string][]byte{},
		events:   map[uuid.UUID]string{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /meetings", a.list)
	mux.HandleFunc("POST /meetings", a.create)
	mux.HandleFunc("GET /meetings/{id}", a.withMeeting(a.get))
	mux.HandleFunc("PATCH /meetings/{id}", a.withMeeting(a.rename))
	mux.HandleFunc("DELETE /meetings/{id}", a.withMeeting(a.remove))
	mux.HandleFunc("POST /meetings/{id}/upload-url", a.withMeeting(a.uploadURL))
	mux.HandleFunc("PUT /blob/{key}", a.putBlob)
	mux.HandleFunc("POST /meetings/{id}/recording", a.withMeeting(a.register))
	mux.HandleFunc("POST /meetings/{id}/transcribe", a.withMeeting(a.transcribe))
	mux.HandleFunc("POST /meetings/{id}/insights/run", a.withMeeting(a.runInsights))
	mux.HandleFunc("GET /meetings/{id}/insights", a.withMeeting(a.insights))
	mux.HandleFunc("GET /meetings/{id}/progress", a.withMeeting(a.progress))
	mux.HandleFunc("POST /meetings/{id}/notes", a.withMeeting(a.addNote))
	mux.HandleFunc("POST /meetings/{id}/actions", a.withMeeting(a.addAction))
	mux.HandleFunc("POST /meetings/{id}/actions/{aid}/calendar", a.withMeeting(a.promote))
	mux.HandleFunc("GET /uploads/serve", a.serve)
	a.srv = httptest.NewServer(mux)
	t.Cleanup(a.srv.Close)
	return a
}

func (a *apiServer) addMeeting(title string) uuid.UUID {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := uuid.New()
	a.meetings[id] = &models.Meeting{
		ID:        id,
		Title:     title,
		Recording: &models.Recording{Status: models.RecordingStatusIdle},
		Insights:  &models.Insights{Status: models.InsightsStatusIdle},
		CreatedAt: time.Now(),
	}
	return id
}

// meeting returns a snapshot of the stored meeting.
func (a *apiServer) meeting(id uuid.UUID) models.Meeting {
	a.mu.Lock()
	defer a.mu.Unlock()
	m := *a.meetings[id]
	rec, ins := *m.Recording, *m.Insights
	m.Recording, m.Insights = &rec, &ins
	return m
}

func (a *apiServer) ids() []uuid.UUID {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []uuid.UUID
	for id := range a.meetings {
		out = append(out, id)
	}
	return out
}

func (a *apiServer) setNeverComplete(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.neverComplete = v
}

// stats returns the stored blob count, calendar events created and the last Range header.
func (a *apiServer) stats() (blobs, events int, lastRange string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.blobs), a.eventsCreated, a.lastRange
}

func ok(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
}

func fail(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": msg, "code": code})
}

func (a *apiServer) withMeeting(h func(http.ResponseWriter, *http.Request, *models.Meeting)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		defer a.mu.Unlock()
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			fail(w, http.StatusBadRequest, "bad_request", "invalid meeting id")
			return
		}
		m, found := a.meetings[id]
		if !found {
			fail(w, http.StatusNotFound, "not_found", "meeting not found")
			return
		}
		h(w, r, m)
	}
}

func decode(r *http.Request, v any) { _ = json.NewDecoder(r.Body).Decode(v) }

func (a *apiServer) list(w http.ResponseWriter, _ *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := []models.Meeting{}
	for _, m := range a.meetings {
		out = append(out, *m)
	}
	ok(w, http.StatusOK, out)
}

func (a *apiServer) create(w http.ResponseWriter, r *http.Request) {
	var in struct{ Title string }
	decode(r, &in)
	id := a.addMeeting(in.Title)
	m := a.meeting(id)
	ok(w, http.StatusCreated, &m)
}

func (a *apiServer) get(w http.ResponseWriter, _ *http.Request, m *models.Meeting) {
	ok(w, http.StatusOK, m)
}

func (a *apiServer) rename(w http.ResponseWriter, r *http.Request, m *models.Meeting) {
	var in struct{ Title string }
	decode(r, &in)
	m.Title = in.Title
	ok(w, http.StatusOK, m)
}

func (a *apiServer) remove(w http.ResponseWriter, _ *http.Request, m *models.Meeting) {
	delete(a.meetings, m.ID)
	ok(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (a *apiServer) uploadURL(w http.ResponseWriter, r *http.Request, m *models.Meeting) {
	var in struct{ Filename string }
	decode(r, &in)
	key := uuid.NewString()
	ok(w, http.StatusOK, models.UploadSlot{
		UploadURL: a.srv.URL + "/blob/" + key,
		ObjectURI: "s3://recordings/meetings/" + m.ID.String() + "/" + key + "-" + in.Filename,
	})
}

func (a *apiServer) putBlob(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	a.mu.Lock()
	a.blobs[r.PathValue("key")] = body
	a.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (a *apiServer) register(w http.ResponseWriter, r *http.Request, m *models.Meeting) {
	var in struct {
		ObjectURI string `json:"objectUri"`
	}
	decode(r, &in)
	m.Recording = &models.Recording{ObjectURI: in.ObjectURI, Status: models.RecordingStatusUploaded}
	m.Insights = &models.Insights{Status: models.InsightsStatusIdle}
	ok(w, http.StatusOK, m)
}

func (a *apiServer) transcribe(w http.ResponseWriter, _ *http.Request, m *models.Meeting) {
	if m.Recording.ObjectURI == "" {
		fail(w, http.StatusConflict, "invalid_state", "no recording")
		return
	}
	started := !models.RecordingStatusReached(m.Recording.Status, models.RecordingStatusTranscribing)
	if started {
		m.Recording.Status = models.RecordingStatusTranscribing
	}
	ok(w, http.StatusAccepted, models.TriggerAck{Stage: models.StageTranscribe, Status: m.Recording.Status, Started: started})
}

func (a *apiServer) runInsights(w http.ResponseWriter, _ *http.Request, m *models.Meeting) {
	if m.Recording.Status != models.RecordingStatusTranscribed {
		fail(w, http.StatusConflict, "invalid_state", "transcript not ready")
		return
	}
	started := !models.InsightsStatusReached(m.Insights.Status, models.InsightsStatusRunning)
	if started {
		m.Insights = &models.Insights{Status: models.InsightsStatusRunning}
	}
	ok(w, http.StatusAccepted, models.TriggerAck{Stage: models.StageInsights, Status: m.Insights.Status, Started: started})
}

func (a *apiServer) insights(w http.ResponseWriter, _ *http.Request, m *models.Meeting) {
	ok(w, http.StatusOK, m.Insights)
}

// progress completes a running stage on the first check after it started.
func (a *apiServer) progress(w http.ResponseWriter, _ *http.Request, m *models.Meeting) {
	if !a.neverComplete {
		switch {
		case m.Recording.Status == models.RecordingStatusTranscribing:
			m.Recording.Status = models.RecordingStatusTranscribed
			m.Recording.Transcript = "Alice: we ship on Friday."
		case m.Insights.Status == models.InsightsStatusRunning:
			m.Insights = &models.Insights{
				Status:           models.InsightsStatusReady,
				Summary:          "Team agreed to ship on Friday.",
				Chapters:         []models.Chapter{{Title: "Release plan", StartSec: 0}},
				ExtractedActions: []models.ExtractedAction{{Title: "Draft release notes", Assignee: "Alice"}},
			}
		}
	}
	ok(w, http.StatusOK, models.Progress{
		Recording: models.StageStatus{Status: m.Recording.Status},
		Insights:  models.StageStatus{Status: m.Insights.Status},
	})
}

func (a *apiServer) addNote(w http.ResponseWriter, r *http.Request, m *models.Meeting) {
	var in struct{ Text string }
	decode(r, &in)
	n := models.Note{ID: uuid.New(), MeetingID: m.ID, Text: in.Text, CreatedAt: time.Now()}
	m.Notes = append(m.Notes, n)
	ok(w, http.StatusCreated, n)
}

func (a *apiServer) addAction(w http.ResponseWriter, r *http.Request, m *models.Meeting) {
	var in struct{ Title, Assignee, Due string }
	decode(r, &in)
	act := models.ActionItem{ID: uuid.New(), MeetingID: m.ID, Title: in.Title, Assignee: in.Assignee, Due: in.Due}
	m.Actions = append(m.Actions, act)
	ok(w, http.StatusCreated, act)
}

func (a *apiServer) promote(w http.ResponseWriter, r *http.Request, m *models.Meeting) {
	aid, err := uuid.Parse(r.PathValue("aid"))
	if err != nil {
		fail(w, http.StatusBadRequest, "bad_request", "invalid action id")
		return
	}
	if ev, found := a.events[aid]; found {
		ok(w, http.StatusOK, models.CalendarLink{CalendarEventID: ev})
		return
	}
	for i := range m.Actions {
		if m.Actions[i].ID == aid {
			a.eventsCreated++
			a.events[aid] = "ev-" + aid.String()[:8]
			m.Actions[i].CalendarEventID = a.events[aid]
			ok(w, http.StatusCreated, models.CalendarLink{CalendarEventID: a.events[aid], Created: true})
			return
		}
	}
	fail(w, http.StatusNotFound, "not_found", "action not found")
}

func (a *apiServer) serve(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastRange = r.Header.Get("Range")
	uri := r.URL.Query().Get("objectUri")
	for key, blob := range a.blobs {
		if strings.HasPrefix(filepath.Base(uri), key) {
			w.Header().Set("Content-Type", "video/mp4")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(blob)
			return
		}
	}
	fail(w, http.StatusNotFound, "not_found", "object not found")
}

// run executes meetingctl against the fake API and returns the exit code and output.
func run(t *testing.T, api *apiServer, args ...string) (int, string, string) {
	t.Helper()
	t.Setenv("MEETINGCTL_SERVER_URL", "")
	t.Setenv("MEETINGCTL_TOKEN", "")
	t.Setenv("MEETINGCTL_POLL_ATTEMPTS", "")
	t.Setenv("MEETINGCTL_POLL_INTERVAL", "")

	app := &App{LoadConfig: func(string) (*config.CLIConfig, error) { return config.DefaultCLIConfig(), nil }}
	root := NewRootCommand(app)
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	full := append([]string{"--server", api.srv.URL, "--interval", "1ms"}, args...)
	root.SetArgs(full)
	err := root.ExecuteContext(context.Background())
	if err != nil {
		stderr.WriteString(err.Error())
	}
	return ExitCode(err), stdout.String(), stderr.String()
}

func writeMedia(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}
