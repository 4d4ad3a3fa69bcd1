package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hwco/farecast/internal/changes"
	"github.com/hwco/farecast/internal/pipeline"
	"github.com/hwco/farecast/internal/telemetry"
)

type fakeRunner struct {
	busy     atomic.Bool
	executed atomic.Int32
}

func (f *fakeRunner) Execute(ctx context.Context, trigger string, force bool) (*pipeline.RunRecord, error) {
	f.executed.Add(1)
	rec := pipeline.NewRunRecord(trigger, time.Now())
	rec.Finish(pipeline.StatusCompleted, time.Now())
	return rec, nil
}

func (f *fakeRunner) Busy() bool { return f.busy.Load() }

type memRuns struct {
	latest *pipeline.RunRecord
	all    []pipeline.RunRecord
}

func (m *memRuns) SaveRun(ctx context.Context, rec *pipeline.RunRecord) error {
	m.latest = rec
	return nil
}
func (m *memRuns) LatestRun(ctx context.Context) (*pipeline.RunRecord, error) {
	return m.latest, nil
}
func (m *memRuns) Runs(ctx context.Context, limit, offset int) ([]pipeline.RunRecord, error) {
	return m.all, nil
}

func testServer(t *testing.T) (*Server, *fakeRunner, *memRuns, *changes.Tracker) {
	t.Helper()
	runner := &fakeRunner{}
	runs := &memRuns{}
	tracker := changes.NewTracker()
	srv := New(runner, runs, tracker, telemetry.New(), NewHub())
	return srv, runner, runs, tracker
}

func TestHealth(t *testing.T) {
	srv, _, _, _ := testServer(t)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"ok"`)
}

func TestTrigger_Accepted(t *testing.T) {
	srv, runner, _, _ := testServer(t)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/pipeline/trigger?force=true", nil))

	assert.Equal(t, http.StatusAccepted, rr.Code)
	require.Eventually(t, func() bool { return runner.executed.Load() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestTrigger_ConflictWhenBusy(t *testing.T) {
	srv, runner, _, _ := testServer(t)
	runner.busy.Store(true)

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/pipeline/trigger", nil))

	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Contains(t, rr.Body.String(), "already_running")
}

func TestStatus_NoRuns(t *testing.T) {
	srv, _, _, _ := testServer(t)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/pipeline/status", nil))

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestStatusAndLast(t *testing.T) {
	srv, _, runs, _ := testServer(t)
	rec := pipeline.NewRunRecord(pipeline.TriggerScheduler, time.Now())
	rec.Finish(pipeline.StatusCompleted, time.Now())
	runs.latest = rec

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/pipeline/status", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var status map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, rec.RunID, status["run_id"])
	assert.Equal(t, "completed", status["status"])

	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/pipeline/last", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var got pipeline.RunRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, rec.RunID, got.RunID)
}

func TestChangesLifecycle(t *testing.T) {
	srv, _, _, tracker := testServer(t)

	body := strings.NewReader(`{"collection":"events"}`)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/changes", body))
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, []string{"events"}, tracker.Pending())

	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/changes", nil))
	assert.Contains(t, rr.Body.String(), "events")

	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/api/changes", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "events")
	assert.False(t, tracker.HasPending())
}

func TestChanges_BadRequest(t *testing.T) {
	srv, _, _, _ := testServer(t)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/changes", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestEventStream_ReceivesPublishedEvents(t *testing.T) {
	hub := NewHub()
	runner := &fakeRunner{}
	srv := New(runner, &memRuns{}, changes.NewTracker(), telemetry.New(), hub)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	// Give the subscriber loop a beat to register before publishing.
	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.clients) == 1
	}, time.Second, 5*time.Millisecond)

	hub.Publish(pipeline.Event{Type: "run_started", RunID: "PIPE-TEST", At: time.Now()})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev pipeline.Event
	require.NoError(t, json.Unmarshal(payload, &ev))
	assert.Equal(t, "run_started", ev.Type)
	assert.Equal(t, "PIPE-TEST", ev.RunID)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _, _ := testServer(t)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}
