package meetings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/meetings/internal/calendar"
	"github.com/aura-webinar/meetings/internal/models"
	"github.com/aura-webinar/meetings/pkg/response"
	"github.com/aura-webinar/meetings/pkg/storage"
)

type testEnv struct {
	router    *gin.Engine
	store     *memStore
	queue     *fakeQueue
	objects   *fakeObjects
	calendar  *fakeCalendar
	publisher *fakePublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	env := &testEnv{
		store:     newMemStore(),
		queue:     &fakeQueue{},
		objects:   newFakeObjects(),
		calendar:  &fakeCalendar{},
		publisher: &fakePublisher{},
	}
	h := NewHandler(env.store, env.queue, env.objects, nil)
	h.SetLocker(&fakeLocker{})
	h.SetCalendar(env.calendar)
	h.SetPublisher(env.publisher)
	env.router = gin.New()
	RegisterRoutes(env.router, h, nil)
	return env
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

func (e *testEnv) do(t *testing.T, method, path string, form url.Values) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, path, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func (e *testEnv) createMeeting(t *testing.T, title string) uuid.UUID {
	t.Helper()
	w, body := e.do(t, http.MethodPost, "/meetings", url.Values{"title": {title}})
	require.Equal(t, http.StatusCreated, w.Code)
	return decode[models.Meeting](t, body.Data).ID
}

func TestMeetingCRUD(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMeeting(t, "Weekly sync")

	w, body := env.do(t, http.MethodGet, "/meetings/"+id.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Weekly sync", decode[models.Meeting](t, body.Data).Title)

	w, body = env.do(t, http.MethodPatch, "/meetings/"+id.String(), url.Values{"title": {"Retro"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Retro", decode[models.Meeting](t, body.Data).Title)

	w, _ = env.do(t, http.MethodDelete, "/meetings/"+id.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []uuid.UUID{id}, env.publisher.deleted)

	w, body = env.do(t, http.MethodGet, "/meetings/"+id.String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, response.CodeNotFound, body.Code)

	w, _ = env.do(t, http.MethodGet, "/meetings/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadSlotAndRegister(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMeeting(t, "")

	w, body := env.do(t, http.MethodPost, "/meetings/"+id.String()+"/upload-url",
		url.Values{"filename": {"standup.mp4"}, "contentType": {"video/mp4"}})
	require.Equal(t, http.StatusOK, w.Code)
	slot := decode[models.UploadSlot](t, body.Data)
	assert.NotEmpty(t, slot.UploadURL)
	assert.True(t, strings.HasSuffix(slot.ObjectURI, "-standup.mp4"))
	assert.Equal(t, 900, slot.ExpiresIn)

	w, body = env.do(t, http.MethodPost, "/meetings/"+id.String()+"/recording", url.Values{"objectUri": {slot.ObjectURI}})
	require.Equal(t, http.StatusOK, w.Code)
	m := decode[models.Meeting](t, body.Data)
	require.NotNil(t, m.Recording)
	assert.Equal(t, models.RecordingStatusUploaded, m.Recording.Status)
	assert.Equal(t, slot.ObjectURI, m.Recording.ObjectURI)
	assert.Equal(t, "standup.mp4", m.Title)
	require.Len(t, env.publisher.events, 1)
	assert.Equal(t, models.RecordingStatusUploaded, env.publisher.events[0].Recording.Status)
}

func TestRegisterRejectsForeignObject(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMeeting(t, "a")
	other := uuid.New()

	w, body := env.do(t, http.MethodPost, "/meetings/"+id.String()+"/recording",
		url.Values{"objectUri": {"s3://rec/meetings/" + other.String() + "/x-a.mp4"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, response.CodeValidation, body.Code)

	w, _ = env.do(t, http.MethodPost, "/meetings/"+id.String()+"/recording", url.Values{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadURLUnknownMeeting(t *testing.T) {
	env := newTestEnv(t)
	w, _ := env.do(t, http.MethodPost, "/meetings/"+uuid.NewString()+"/upload-url", url.Values{"filename": {"a.mp4"}})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTranscribeTriggerIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMeeting(t, "a")

	w, body := env.do(t, http.MethodPost, "/meetings/"+id.String()+"/transcribe", nil)
	assert.Equal(t, http.StatusConflict, w.Code, "no recording yet")
	assert.Equal(t, response.CodeInvalidState, body.Code)

	env.store.setStatus(id, models.RecordingStatusUploaded, models.InsightsStatusIdle)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, _ := env.do(t, http.MethodPost, "/meetings/"+id.String()+"/transcribe", nil)
			assert.Equal(t, http.StatusAccepted, w.Code)
		}()
	}
	wg.Wait()
	assert.Len(t, env.queue.transcribe, 1, "one job for concurrent triggers")

	env.store.setStatus(id, models.RecordingStatusTranscribed, models.InsightsStatusIdle)
	w, body = env.do(t, http.MethodPost, "/meetings/"+id.String()+"/transcribe", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	ack := decode[models.TriggerAck](t, body.Data)
	assert.False(t, ack.Started)
	assert.Equal(t, models.RecordingStatusTranscribed, ack.Status)
	assert.Len(t, env.queue.transcribe, 1)
}

func TestTranscribeQueueFailureMarksStageFailed(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMeeting(t, "a")
	env.store.setStatus(id, models.RecordingStatusUploaded, models.InsightsStatusIdle)
	env.queue.err = errQueueDown

	w, body := env.do(t, http.MethodPost, "/meetings/"+id.String()+"/transcribe", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, response.CodeUnavailable, body.Code)

	w, body = env.do(t, http.MethodGet, "/meetings/"+id.String()+"/progress", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.RecordingStatusFailed, decode[models.Progress](t, body.Data).Recording.Status)

	env.queue.err = nil
	w, _ = env.do(t, http.MethodPost, "/meetings/"+id.String()+"/transcribe", nil)
	assert.Equal(t, http.StatusAccepted, w.Code, "failed stage can be re-triggered")
	assert.Len(t, env.queue.transcribe, 1)
}

func TestRunInsightsPreconditions(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMeeting(t, "a")
	env.store.setStatus(id, models.RecordingStatusUploaded, models.InsightsStatusIdle)

	w, _ := env.do(t, http.MethodPost, "/meetings/"+id.String()+"/insights/run", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	env.store.setStatus(id, models.RecordingStatusTranscribed, models.InsightsStatusIdle)
	w, body := env.do(t, http.MethodPost, "/meetings/"+id.String()+"/insights/run", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, decode[models.TriggerAck](t, body.Data).Started)

	w, body = env.do(t, http.MethodPost, "/meetings/"+id.String()+"/insights/run", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.False(t, decode[models.TriggerAck](t, body.Data).Started)
	require.Len(t, env.queue.insights, 1)
	assert.Equal(t, storage.ObjectURI("rec", "meetings/"+id.String()+"/x-a.mp4"), env.queue.insights[0].ObjectURI,
		"insights job is pinned to the recording it reads")
}

func TestUpdateInsightsRequiresReady(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMeeting(t, "a")
	patch := `{"summary":"Edited"}`

	req := httptest.NewRequest(http.MethodPut, "/meetings/"+id.String()+"/insights", strings.NewReader(patch))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)

	env.store.setStatus(id, models.RecordingStatusTranscribed, models.InsightsStatusReady)
	req = httptest.NewRequest(http.MethodPut, "/meetings/"+id.String()+"/insights", strings.NewReader(patch))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"summary":"Edited"`)
}

func TestSubResources(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMeeting(t, "a")
	base := "/meetings/" + id.String()

	w, body := env.do(t, http.MethodPost, base+"/notes", url.Values{"text": {"Discuss budget"}})
	require.Equal(t, http.StatusCreated, w.Code)
	note := decode[models.Note](t, body.Data)
	assert.NotEqual(t, uuid.Nil, note.ID)
	assert.Equal(t, "Discuss budget", note.Text)

	w, _ = env.do(t, http.MethodPut, base+"/notes/"+note.ID.String(), url.Values{"text": {"Discuss Q3 budget"}})
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = env.do(t, http.MethodPost, base+"/notes", url.Values{"text": {"  "}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = env.do(t, http.MethodPost, base+"/agenda", url.Values{"item": {"Roadmap"}})
	require.Equal(t, http.StatusCreated, w.Code)
	item := decode[models.AgendaItem](t, body.Data)

	w, body = env.do(t, http.MethodPost, base+"/actions", url.Values{"title": {"Send notes"}, "assignee": {"Ana"}, "due": {"Friday"}})
	require.Equal(t, http.StatusCreated, w.Code)
	action := decode[models.ActionItem](t, body.Data)
	assert.Equal(t, "Ana", action.Assignee)

	w, body = env.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, w.Code)
	m := decode[models.Meeting](t, body.Data)
	require.Len(t, m.Notes, 1)
	assert.Equal(t, "Discuss Q3 budget", m.Notes[0].Text)
	assert.Len(t, m.Agenda, 1)
	assert.Len(t, m.Actions, 1)

	other := env.createMeeting(t, "b")
	w, _ = env.do(t, http.MethodDelete, "/meetings/"+other.String()+"/agenda/"+item.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "item of another meeting")

	w, _ = env.do(t, http.MethodDelete, base+"/agenda/"+item.ID.String(), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = env.do(t, http.MethodDelete, base+"/agenda/"+item.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = env.do(t, http.MethodPost, "/meetings/"+uuid.NewString()+"/notes", url.Values{"text": {"x"}})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPromoteActionIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMeeting(t, "a")
	base := "/meetings/" + id.String()
	_, body := env.do(t, http.MethodPost, base+"/actions", url.Values{"title": {"Book room"}})
	action := decode[models.ActionItem](t, body.Data)
	path := base + "/actions/" + action.ID.String() + "/calendar"

	w, body := env.do(t, http.MethodPost, path, url.Values{"start": {"2026-03-02T15:00:00Z"}})
	require.Equal(t, http.StatusOK, w.Code)
	first := decode[models.CalendarLink](t, body.Data)
	assert.True(t, first.Created)
	assert.Equal(t, calendar.EventIDFor(action.ID), first.CalendarEventID)
	ev := env.calendar.created[first.CalendarEventID]
	assert.Equal(t, "Book room", ev.Summary)
	assert.Equal(t, ev.Start.Add(calendar.DefaultDuration), ev.End)

	w, body = env.do(t, http.MethodPost, path, url.Values{"start": {"2026-03-03T15:00:00Z"}})
	require.Equal(t, http.StatusOK, w.Code)
	second := decode[models.CalendarLink](t, body.Data)
	assert.False(t, second.Created)
	assert.Equal(t, first.CalendarEventID, second.CalendarEventID)
	assert.Len(t, env.calendar.created, 1)
}

func TestPromoteActionLockOutageIsUnavailable(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMeeting(t, "a")
	h := NewHandler(env.store, env.queue, env.objects, nil)
	h.SetLocker(&fakeLocker{err: errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")})
	h.SetCalendar(env.calendar)
	env.router = gin.New()
	RegisterRoutes(env.router, h, nil)

	base := "/meetings/" + id.String()
	_, body := env.do(t, http.MethodPost, base+"/actions", url.Values{"title": {"Book room"}})
	action := decode[models.ActionItem](t, body.Data)

	w, body := env.do(t, http.MethodPost, base+"/actions/"+action.ID.String()+"/calendar", url.Values{"start": {"2026-03-02T15:00:00Z"}})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, response.CodeUnavailable, body.Code)
	assert.Empty(t, env.calendar.created)
}

func TestPromoteActionValidation(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMeeting(t, "a")
	_, body := env.do(t, http.MethodPost, "/meetings/"+id.String()+"/actions", url.Values{"title": {"x"}})
	action := decode[models.ActionItem](t, body.Data)
	path := "/meetings/" + id.String() + "/actions/" + action.ID.String() + "/calendar"

	w, _ := env.do(t, http.MethodPost, path, url.Values{"start": {"tomorrow"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = env.do(t, http.MethodPost, path, url.Values{"start": {"2026-03-02T15:00:00Z"}, "end": {"2026-03-02T14:00:00Z"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = env.do(t, http.MethodPost, "/meetings/"+id.String()+"/actions/"+uuid.NewString()+"/calendar", url.Values{"start": {"2026-03-02T15:00:00Z"}})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, env.calendar.created)
}

func multipartUpload(t *testing.T, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return buf, mw.FormDataContentType()
}

func TestServerSideUploadAndServeRange(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMeeting(t, "")

	body, ct := multipartUpload(t, "standup.mp4", []byte("0123456789"))
	req := httptest.NewRequest(http.MethodPost, "/meetings/"+id.String()+"/upload", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Len(t, env.objects.uploaded, 1)
	uri := env.objects.uploaded[0]

	progress, _ := env.store.Progress(req.Context(), id)
	assert.Equal(t, models.RecordingStatusUploaded, progress.Recording.Status)

	req = httptest.NewRequest(http.MethodGet, "/uploads/serve?objectUri="+url.QueryEscape(uri), nil)
	req.Header.Set("Range", "bytes=2-5")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "2345", w.Body.String())
	assert.Equal(t, "bytes 2-5/10", w.Header().Get("Content-Range"))
	assert.Equal(t, "bytes", w.Header().Get("Accept-Ranges"))

	req = httptest.NewRequest(http.MethodGet, "/uploads/serve?objectUri="+url.QueryEscape(uri), nil)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0123456789", w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/uploads/serve?objectUri="+url.QueryEscape(uri), nil)
	req.Header.Set("Range", "bytes=50-60")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, w.Code)

	w, _ = env.do(t, http.MethodGet, "/uploads/serve?objectUri="+url.QueryEscape("s3://rec/secrets/key"), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServerSideUploadRejectsConcurrent(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMeeting(t, "")
	locker := &fakeLocker{}
	h := NewHandler(env.store, env.queue, env.objects, nil)
	h.SetLocker(locker)
	r := gin.New()
	RegisterRoutes(r, h, nil)

	release, ok, _ := locker.TryLock(context.Background(), "meeting:"+id.String()+":upload", 0)
	require.True(t, ok)
	defer release()

	body, ct := multipartUpload(t, "a.mp4", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/meetings/"+id.String()+"/upload", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Empty(t, env.objects.uploaded)
}
