package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/taskherd/taskherd/internal/events"
	"github.com/taskherd/taskherd/internal/tasks"
)

// fakeLauncher records launch requests and returns canned results.
type fakeLauncher struct {
	mu       sync.Mutex
	requests []tasks.LaunchRequest
	err      error
}

func (f *fakeLauncher) Launch(ctx context.Context, req tasks.LaunchRequest) (*tasks.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &tasks.Task{ID: tasks.GenerateTaskID(), Agent: req.Agent}, nil
}

func (f *fakeLauncher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func intervalEntry(sec int) *Entry {
	return &Entry{
		Description: "poll upstream",
		IntervalSec: sec,
		Template:    TaskTemplate{Description: "poll", Prompt: "check upstream", Agent: "researcher"},
		Enabled:     true,
	}
}

func TestAddValidation(t *testing.T) {
	s := New(Config{Launcher: &fakeLauncher{}})

	noTrigger := &Entry{Template: TaskTemplate{Agent: "a"}, Enabled: true}
	if err := s.Add(noTrigger); err == nil {
		t.Error("expected error for entry without trigger")
	}

	tooFast := intervalEntry(2)
	if err := s.Add(tooFast); err == nil {
		t.Error("expected error for sub-5s interval")
	}

	noAgent := intervalEntry(60)
	noAgent.Template.Agent = ""
	if err := s.Add(noAgent); err == nil {
		t.Error("expected error for template without agent")
	}

	badCron := &Entry{CronSpec: "bogus", Template: TaskTemplate{Agent: "a"}, Enabled: true}
	if err := s.Add(badCron); err == nil {
		t.Error("expected error for invalid cron spec")
	}

	if err := s.Add(intervalEntry(60)); err != nil {
		t.Errorf("valid entry rejected: %v", err)
	}
}

func TestIntervalTrigger(t *testing.T) {
	launcher := &fakeLauncher{}
	s := New(Config{Launcher: launcher})

	e := intervalEntry(10)
	if err := s.Add(e); err != nil {
		t.Fatalf("Add: %v", err)
	}

	now := time.Now()
	s.checkIntervals(now)
	waitFor(t, func() bool { return launcher.count() == 1 })

	// Within the interval: no second launch.
	s.checkIntervals(now.Add(5 * time.Second))
	time.Sleep(50 * time.Millisecond)
	if launcher.count() != 1 {
		t.Fatalf("launch count: got %d, want 1", launcher.count())
	}

	// Past the interval: fires again.
	s.checkIntervals(now.Add(11 * time.Second))
	waitFor(t, func() bool { return launcher.count() == 2 })

	if got := launcher.requests[0].Agent; got != "researcher" {
		t.Errorf("launch agent: got %q", got)
	}
}

func TestCronTrigger(t *testing.T) {
	launcher := &fakeLauncher{}
	s := New(Config{Launcher: launcher})

	e := &Entry{
		Description: "daily digest",
		CronSpec:    "30 9 * * *",
		Template:    TaskTemplate{Prompt: "build digest", Agent: "writer"},
		Enabled:     true,
	}
	if err := s.Add(e); err != nil {
		t.Fatalf("Add: %v", err)
	}

	miss := time.Date(2026, 3, 2, 9, 29, 0, 0, time.UTC)
	s.checkCron(miss)
	time.Sleep(50 * time.Millisecond)
	if launcher.count() != 0 {
		t.Fatal("fired outside scheduled minute")
	}

	hit := time.Date(2026, 3, 2, 9, 30, 12, 0, time.UTC)
	s.checkCron(hit)
	waitFor(t, func() bool { return launcher.count() == 1 })
}

func TestEventTrigger(t *testing.T) {
	launcher := &fakeLauncher{}
	s := New(Config{Launcher: launcher})

	e := &Entry{
		Description: "follow up on failures",
		OnEvent:     &EventTrigger{Event: "task.finished", Filter: map[string]string{"status": "error"}},
		Template:    TaskTemplate{Prompt: "investigate", Agent: "triage"},
		Enabled:     true,
	}
	if err := s.Add(e); err != nil {
		t.Fatalf("Add: %v", err)
	}

	s.handleEvent(events.Event{
		Type:    events.EventTaskFinished,
		Source:  events.SourceManager,
		Payload: map[string]any{"status": "completed"},
	})
	time.Sleep(50 * time.Millisecond)
	if launcher.count() != 0 {
		t.Fatal("fired on non-matching event")
	}

	s.handleEvent(events.Event{
		Type:    events.EventTaskFinished,
		Source:  events.SourceManager,
		Payload: map[string]any{"status": "error"},
	})
	waitFor(t, func() bool { return launcher.count() == 1 })
}

func TestMaxRunsDisables(t *testing.T) {
	launcher := &fakeLauncher{}
	s := New(Config{Launcher: launcher})

	e := intervalEntry(10)
	e.MaxRuns = 1
	if err := s.Add(e); err != nil {
		t.Fatalf("Add: %v", err)
	}

	now := time.Now()
	s.checkIntervals(now)
	waitFor(t, func() bool { return launcher.count() == 1 })

	s.checkIntervals(now.Add(time.Hour))
	time.Sleep(50 * time.Millisecond)
	if launcher.count() != 1 {
		t.Errorf("disabled entry fired again: %d launches", launcher.count())
	}

	got, ok := s.Get(e.ID)
	if !ok {
		t.Fatal("entry vanished")
	}
	if got.Enabled {
		t.Error("entry still enabled after max runs")
	}
	if got.RunCount != 1 {
		t.Errorf("RunCount: got %d, want 1", got.RunCount)
	}
}

func TestPersistedEntriesSurviveRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedules.json")
	launcher := &fakeLauncher{}

	s := New(Config{Launcher: launcher, Store: NewStore(path)})
	e := intervalEntry(10)
	if err := s.Add(e); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// A new scheduler over the same store picks the entry up on Start.
	s2 := New(Config{Launcher: launcher, Store: NewStore(path)})
	s2.Start()
	defer s2.Stop()

	got, ok := s2.Get(e.ID)
	if !ok {
		t.Fatal("persisted entry not loaded")
	}
	if got.Description != "poll upstream" {
		t.Errorf("Description: got %q", got.Description)
	}
}

func TestRemoveEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedules.json")
	s := New(Config{Launcher: &fakeLauncher{}, Store: NewStore(path)})

	e := intervalEntry(10)
	if err := s.Add(e); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Remove(e.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := s.Get(e.ID); ok {
		t.Error("entry still present after Remove")
	}
	if err := s.Remove("sched_missing"); err == nil {
		t.Error("expected error removing unknown entry")
	}

	// Gone from the store too.
	if got := NewStore(path).List(); len(got) != 0 {
		t.Errorf("store still has %d entries", len(got))
	}
}
