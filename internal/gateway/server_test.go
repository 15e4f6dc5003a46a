package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/taskherd/taskherd/internal/events"
	"github.com/taskherd/taskherd/internal/limiter"
	"github.com/taskherd/taskherd/internal/scheduler"
	"github.com/taskherd/taskherd/internal/tasks"
)

// waitForEvents polls the bus history until at least n events are present.
func waitForEvents(bus *events.Bus, n int) {
	for i := 0; i < 200; i++ {
		if len(bus.History(100)) >= n {
			return
		}
		runtime.Gosched()
		time.Sleep(time.Millisecond)
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	bus := events.NewBus(64)
	t.Cleanup(func() { bus.Close() })

	repo := tasks.NewFileRepository(t.TempDir())
	manager, err := tasks.NewManager(tasks.ManagerConfig{
		Repo:        repo,
		Limiter:     limiter.New(limiter.Limits{Default: 5}),
		Bus:         bus,
		MaxInFlight: 3,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	sched := scheduler.New(scheduler.Config{
		Launcher: manager,
		Bus:      bus,
		Store:    scheduler.NewStore(filepath.Join(t.TempDir(), "schedules.json")),
	})

	srv := NewServer(bus, manager, "localhost", 0, Options{Scheduler: sched})
	t.Cleanup(func() { srv.hub.Close() })
	return srv
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func launchTask(t *testing.T, srv *Server, parent string) taskSummary {
	t.Helper()
	w := doJSON(t, srv, http.MethodPost, "/api/tasks", map[string]string{
		"description":       "index the repo",
		"prompt":            "walk the tree and build an index",
		"agent":             "indexer",
		"parent_session_id": parent,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("launch: status %d, body %s", w.Code, w.Body.String())
	}
	var summary taskSummary
	if err := json.NewDecoder(w.Body).Decode(&summary); err != nil {
		t.Fatalf("decode launch response: %v", err)
	}
	return summary
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/api/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status %q, got %q", "ok", body["status"])
	}
}

func TestLaunchAndGetTask(t *testing.T) {
	srv := newTestServer(t)

	summary := launchTask(t, srv, "parent_1")
	if summary.Status != tasks.StatusRunning {
		t.Fatalf("expected running, got %s", summary.Status)
	}
	if summary.ID == "" || summary.SessionID == "" {
		t.Fatalf("missing identifiers: %+v", summary)
	}

	w := doJSON(t, srv, http.MethodGet, "/api/tasks/"+summary.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: status %d", w.Code)
	}
	var got taskSummary
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Agent != "indexer" {
		t.Errorf("Agent: got %q", got.Agent)
	}
}

func TestLaunchRequiresAgent(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/tasks", map[string]string{"prompt": "no agent"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestLaunchAtCapacity(t *testing.T) {
	srv := newTestServer(t)

	for i := 0; i < 3; i++ {
		launchTask(t, srv, "parent_1")
	}

	w := doJSON(t, srv, http.MethodPost, "/api/tasks", map[string]string{
		"prompt": "one too many", "agent": "indexer",
	})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetUnknownTask(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/api/tasks/task_nope", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestStatusUpdateAndNotifications(t *testing.T) {
	srv := newTestServer(t)
	summary := launchTask(t, srv, "parent_1")

	w := doJSON(t, srv, http.MethodPost, "/api/tasks/"+summary.ID+"/status", map[string]string{
		"status": "completed", "result": "index built",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status update: %d %s", w.Code, w.Body.String())
	}

	// Terminal again: conflict.
	w = doJSON(t, srv, http.MethodPost, "/api/tasks/"+summary.ID+"/status", map[string]string{
		"status": "error", "error": "nope",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}

	// Notification waits for the parent session.
	w = doJSON(t, srv, http.MethodGet, "/api/notifications/parent_1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("peek: %d", w.Code)
	}
	var notes []tasks.Notification
	if err := json.NewDecoder(w.Body).Decode(&notes); err != nil {
		t.Fatalf("decode notifications: %v", err)
	}
	if len(notes) != 1 || notes[0].TaskID != summary.ID {
		t.Fatalf("notifications: %+v", notes)
	}

	// Drain consumes.
	w = doJSON(t, srv, http.MethodDelete, "/api/notifications/parent_1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("drain: %d", w.Code)
	}
	w = doJSON(t, srv, http.MethodGet, "/api/notifications/parent_1", nil)
	notes = nil
	json.NewDecoder(w.Body).Decode(&notes)
	if len(notes) != 0 {
		t.Fatalf("expected drained queue, got %+v", notes)
	}
}

func TestProgressUpdate(t *testing.T) {
	srv := newTestServer(t)
	summary := launchTask(t, srv, "")

	calls := 4
	tool := "grep"
	w := doJSON(t, srv, http.MethodPost, "/api/tasks/"+summary.ID+"/progress", map[string]any{
		"tool_calls": calls, "last_tool": tool, "last_message": "scanning",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("progress: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, srv, http.MethodGet, "/api/tasks/"+summary.ID, nil)
	var got taskSummary
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Progress.ToolCalls != 4 || got.Progress.LastTool != "grep" {
		t.Errorf("progress not applied: %+v", got.Progress)
	}
}

func TestResumeFlow(t *testing.T) {
	srv := newTestServer(t)
	summary := launchTask(t, srv, "parent_1")

	doJSON(t, srv, http.MethodPost, "/api/tasks/"+summary.ID+"/status", map[string]string{
		"status": "completed", "result": "done",
	})

	// Stored context for the session.
	w := doJSON(t, srv, http.MethodGet, "/api/resume/"+summary.SessionID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("resume context: %d", w.Code)
	}
	var rc tasks.ResumeContext
	if err := json.NewDecoder(w.Body).Decode(&rc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rc.Prompt != "walk the tree and build an index" {
		t.Errorf("Prompt: %q", rc.Prompt)
	}

	// Resume puts it back to running.
	w = doJSON(t, srv, http.MethodPost, "/api/resume", map[string]string{
		"session_id": summary.SessionID, "prompt": "continue indexing",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("resume: %d %s", w.Code, w.Body.String())
	}
	var resumed taskSummary
	if err := json.NewDecoder(w.Body).Decode(&resumed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resumed.Status != tasks.StatusRunning {
		t.Errorf("Status: %s", resumed.Status)
	}

	// Unknown session is a 404.
	w = doJSON(t, srv, http.MethodPost, "/api/resume", map[string]string{"session_id": "tsess_nope"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestRemoveTask(t *testing.T) {
	srv := newTestServer(t)
	summary := launchTask(t, srv, "")

	w := doJSON(t, srv, http.MethodDelete, "/api/tasks/"+summary.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("remove: %d", w.Code)
	}
	w = doJSON(t, srv, http.MethodGet, "/api/tasks/"+summary.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after remove, got %d", w.Code)
	}
}

func TestHandleStatus(t *testing.T) {
	srv := newTestServer(t)
	launchTask(t, srv, "")

	w := doJSON(t, srv, http.MethodGet, "/api/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["running"].(float64) != 1 {
		t.Errorf("running: %v", body["running"])
	}
	if body["summary"] == "" {
		t.Error("empty summary")
	}
}

func TestHandleEvents_LimitParam(t *testing.T) {
	srv := newTestServer(t)

	for i := 0; i < 10; i++ {
		srv.bus.Publish(events.NewTypedEvent(events.SourceGateway, events.TaskRemovedPayload{TaskID: "task_x"}))
	}
	waitForEvents(srv.bus, 10)

	w := doJSON(t, srv, http.MethodGet, "/api/events?limit=5", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("events: %d", w.Code)
	}
	var body []map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body) != 5 {
		t.Fatalf("expected 5 events with limit=5, got %d", len(body))
	}
}

func TestScheduleEndpoints(t *testing.T) {
	srv := newTestServer(t)

	// Missing trigger is rejected.
	w := doJSON(t, srv, http.MethodPost, "/api/schedules", map[string]any{
		"description": "broken",
		"template":    map[string]string{"agent": "indexer"},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	w = doJSON(t, srv, http.MethodPost, "/api/schedules", map[string]any{
		"description":  "hourly index",
		"interval_sec": 3600,
		"template":     map[string]string{"prompt": "reindex", "agent": "indexer"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create schedule: %d %s", w.Code, w.Body.String())
	}
	var created scheduler.Entry
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == "" {
		t.Fatal("no schedule ID assigned")
	}

	w = doJSON(t, srv, http.MethodGet, "/api/schedules", nil)
	var list []scheduler.Entry
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 schedule, got %d", len(list))
	}

	w = doJSON(t, srv, http.MethodDelete, "/api/schedules/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete schedule: %d", w.Code)
	}
	w = doJSON(t, srv, http.MethodDelete, "/api/schedules/sched_missing", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
