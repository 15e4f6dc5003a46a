package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/taskherd/taskherd/internal/limiter"
)

// backdate rewinds a task's timeline so sweeps see it as old.
func backdate(t *testing.T, m *Manager, taskID string, started, lastProgress time.Time) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		t.Fatalf("backdate: task %s not found", taskID)
	}
	task.QueuedAt = started
	if task.StartedAt != nil {
		task.StartedAt = &started
	}
	if !lastProgress.IsZero() {
		task.Progress.UpdatedAt = lastProgress
	} else {
		task.Progress.UpdatedAt = time.Time{}
	}
}

func TestSweepTimesOutOldRunningTask(t *testing.T) {
	m := newTestManager(t, limiter.Limits{PerKey: map[string]int{"sonnet": 1}}, 0, 0)
	ctx := context.Background()

	task, err := m.Launch(ctx, launchReq("sonnet", "parent_1"))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	// Park a second launch so we can observe the released slot being handed over.
	secondCh := make(chan *Task, 1)
	go func() {
		second, err := m.Launch(ctx, launchReq("sonnet", "p2"))
		if err != nil {
			t.Errorf("second launch: %v", err)
		}
		secondCh <- second
	}()
	waitFor(t, func() bool { return m.limiter.Waiting("sonnet") == 1 })

	s := NewSweeper(SweeperConfig{Manager: m, TaskTimeout: 30 * time.Minute})
	backdate(t, m, task.ID, time.Now().Add(-time.Hour), time.Time{})
	s.Sweep(time.Now())

	// The timed-out task is gone entirely.
	if _, err := m.Get(task.ID); err == nil {
		t.Error("expired task still in store")
	}
	if notes := m.PeekNotifications("parent_1"); len(notes) != 0 {
		t.Errorf("expired task left notifications: %+v", notes)
	}

	// Its slot went to the parked waiter.
	select {
	case second := <-secondCh:
		if second.Status != StatusRunning {
			t.Errorf("second status: %q", second.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not granted after timeout expiry")
	}
}

func TestSweepTimesOutOldQueuedTask(t *testing.T) {
	m := newTestManager(t, limiter.Limits{PerKey: map[string]int{"sonnet": 1}}, 0, 0)
	ctx := context.Background()

	if _, err := m.Launch(ctx, launchReq("sonnet", "p")); err != nil {
		t.Fatalf("first: %v", err)
	}
	errCh := make(chan error, 1)
	go func() {
		_, err := m.Launch(ctx, launchReq("sonnet", "p"))
		errCh <- err
	}()
	var queuedID string
	waitFor(t, func() bool {
		for _, task := range m.All() {
			if task.Status == StatusQueued {
				queuedID = task.ID
				return true
			}
		}
		return false
	})

	s := NewSweeper(SweeperConfig{Manager: m, TaskTimeout: 30 * time.Minute})
	backdate(t, m, queuedID, time.Now().Add(-time.Hour), time.Time{})
	s.Sweep(time.Now())

	if _, err := m.Get(queuedID); err == nil {
		t.Error("expired queued task still in store")
	}
	// The parked launcher notices the record vanished once a slot frees.
	if err := m.UpdateStatus(m.Running()[0].ID, StatusCompleted, "", ""); err != nil {
		t.Fatalf("complete first: %v", err)
	}
	select {
	case err := <-errCh:
		if err == nil {
			t.Error("expected launch of expired task to fail")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("parked launch never returned")
	}
}

func TestSweepLeavesFreshTasksAlone(t *testing.T) {
	m := newTestManager(t, limiter.Limits{Default: 5}, 0, 0)
	task, err := m.Launch(context.Background(), launchReq("sonnet", "p"))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	s := NewSweeper(SweeperConfig{Manager: m})
	s.Sweep(time.Now())

	got, err := m.Get(task.ID)
	if err != nil {
		t.Fatalf("task swept away: %v", err)
	}
	if got.Status != StatusRunning {
		t.Errorf("Status: got %q", got.Status)
	}
}

func TestSweepForcesStaleTaskWithoutCallback(t *testing.T) {
	m := newTestManager(t, limiter.Limits{PerKey: map[string]int{"sonnet": 1}}, 0, 0)
	task, err := m.Launch(context.Background(), launchReq("sonnet", "parent_1"))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	s := NewSweeper(SweeperConfig{Manager: m, StaleAfter: 5 * time.Minute})
	now := time.Now()

	// Inside the grace window (between one and two thresholds): untouched.
	backdate(t, m, task.ID, now.Add(-8*time.Minute), now.Add(-8*time.Minute))
	s.Sweep(now)
	if got, _ := m.Get(task.ID); got.Status != StatusRunning {
		t.Fatalf("task forced inside grace window: %q", got.Status)
	}

	// Past twice the threshold: force-errored, slot released, notified.
	backdate(t, m, task.ID, now.Add(-11*time.Minute), now.Add(-11*time.Minute))
	s.Sweep(now)
	got, err := m.Get(task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusError {
		t.Errorf("Status: got %q, want error", got.Status)
	}
	if got.Error == "" {
		t.Error("expected a descriptive error message")
	}
	if n := m.limiter.Holders("sonnet"); n != 0 {
		t.Errorf("slot not released: %d", n)
	}
	if notes := m.PeekNotifications("parent_1"); len(notes) != 1 {
		t.Errorf("notifications: got %d, want 1", len(notes))
	}
}

func TestSweepStaleCallbackDelegates(t *testing.T) {
	m := newTestManager(t, limiter.Limits{Default: 5}, 0, 0)
	task, err := m.Launch(context.Background(), launchReq("sonnet", "p"))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	var calls int
	var lastSeen string
	s := NewSweeper(SweeperConfig{
		Manager:    m,
		StaleAfter: 5 * time.Minute,
		OnStale: func(t *Task) {
			calls++
			lastSeen = t.ID
		},
	})

	now := time.Now()
	backdate(t, m, task.ID, now.Add(-25*time.Minute), now.Add(-20*time.Minute))

	s.Sweep(now)
	s.Sweep(now)

	if calls != 2 {
		t.Errorf("callback calls: got %d, want one per sweep", calls)
	}
	if lastSeen != task.ID {
		t.Errorf("callback task: got %q", lastSeen)
	}
	// With a callback the sweeper never forces state itself.
	if got, _ := m.Get(task.ID); got.Status != StatusRunning {
		t.Errorf("Status: got %q, want running", got.Status)
	}
}

func TestSweepPrunesOldNotifications(t *testing.T) {
	m := newTestManager(t, limiter.Limits{Default: 5}, 0, 0)
	task, err := m.Launch(context.Background(), launchReq("sonnet", "parent_1"))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if err := m.UpdateStatus(task.ID, StatusCompleted, "", ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if notes := m.PeekNotifications("parent_1"); len(notes) != 1 {
		t.Fatalf("setup: %d notifications", len(notes))
	}

	s := NewSweeper(SweeperConfig{Manager: m, TaskTimeout: 30 * time.Minute})
	// A sweep "now" keeps it; a sweep far in the future drops it.
	s.Sweep(time.Now())
	if notes := m.PeekNotifications("parent_1"); len(notes) != 1 {
		t.Fatalf("fresh notification pruned")
	}
	s.Sweep(time.Now().Add(time.Hour))
	if notes := m.PeekNotifications("parent_1"); len(notes) != 0 {
		t.Errorf("old notification survived: %+v", notes)
	}
}

func TestSweeperStartStop(t *testing.T) {
	m := newTestManager(t, limiter.Limits{Default: 5}, 0, 0)
	s := NewSweeper(SweeperConfig{Manager: m, Interval: 10 * time.Millisecond})

	s.Start()
	s.Start() // double start is a no-op
	time.Sleep(30 * time.Millisecond)
	s.Stop()
	s.Stop() // double stop is a no-op

	// Restartable after stop.
	s.Start()
	s.Stop()
}
