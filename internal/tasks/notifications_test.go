package tasks

import (
	"fmt"
	"testing"
	"time"
)

func finishedTask(taskID, parent string, status TaskStatus, result, errMsg string) *Task {
	return &Task{
		ID:              taskID,
		SessionID:       "tsess_" + taskID,
		ParentSessionID: parent,
		Description:     "desc " + taskID,
		Status:          status,
		Result:          result,
		Error:           errMsg,
	}
}

func TestNotificationQueueFIFO(t *testing.T) {
	q := NewNotificationQueue()
	for i := 0; i < 3; i++ {
		q.Enqueue(finishedTask(fmt.Sprintf("task_%d", i), "parent_1", StatusCompleted, "ok", ""))
	}

	peeked := q.Peek("parent_1")
	if len(peeked) != 3 {
		t.Fatalf("Peek: got %d, want 3", len(peeked))
	}
	for i, n := range peeked {
		if want := fmt.Sprintf("task_%d", i); n.TaskID != want {
			t.Errorf("Peek[%d].TaskID: got %q, want %q", i, n.TaskID, want)
		}
	}

	// Peek does not consume.
	if again := q.Peek("parent_1"); len(again) != 3 {
		t.Errorf("second Peek: got %d, want 3", len(again))
	}

	drained := q.Drain("parent_1")
	if len(drained) != 3 {
		t.Fatalf("Drain: got %d, want 3", len(drained))
	}
	if drained[0].TaskSessionID != "tsess_task_0" {
		t.Errorf("TaskSessionID: got %q", drained[0].TaskSessionID)
	}
	if rest := q.Drain("parent_1"); len(rest) != 0 {
		t.Errorf("Drain after drain: got %d, want 0", len(rest))
	}
}

func TestNotificationQueueSessionsAreIsolated(t *testing.T) {
	q := NewNotificationQueue()
	q.Enqueue(finishedTask("task_a", "parent_a", StatusCompleted, "done", ""))
	q.Enqueue(finishedTask("task_b", "parent_b", StatusError, "", "boom"))

	if got := q.Drain("parent_a"); len(got) != 1 || got[0].TaskID != "task_a" {
		t.Errorf("parent_a drain: %+v", got)
	}
	got := q.Peek("parent_b")
	if len(got) != 1 {
		t.Fatalf("parent_b peek: %+v", got)
	}
	if got[0].Status != StatusError || got[0].Error != "boom" {
		t.Errorf("parent_b notification: %+v", got[0])
	}
}

func TestNotificationQueueSkipsEmptyParent(t *testing.T) {
	q := NewNotificationQueue()
	q.Enqueue(finishedTask("task_x", "", StatusCompleted, "", ""))
	if got := q.Peek(""); len(got) != 0 {
		t.Errorf("orphan notification enqueued: %+v", got)
	}
}

func TestNotificationQueueRemove(t *testing.T) {
	q := NewNotificationQueue()
	q.Enqueue(finishedTask("task_a", "parent_1", StatusCompleted, "", ""))
	q.Enqueue(finishedTask("task_b", "parent_1", StatusCompleted, "", ""))

	q.Remove("task_a")
	got := q.Peek("parent_1")
	if len(got) != 1 || got[0].TaskID != "task_b" {
		t.Errorf("after Remove: %+v", got)
	}

	// Removing the last one clears the session bucket.
	q.Remove("task_b")
	if got := q.Peek("parent_1"); len(got) != 0 {
		t.Errorf("after removing all: %+v", got)
	}
}

func TestNotificationQueuePruneOlderThan(t *testing.T) {
	q := NewNotificationQueue()
	q.Enqueue(finishedTask("task_old", "parent_1", StatusCompleted, "", ""))
	q.Enqueue(finishedTask("task_fresh", "parent_1", StatusCompleted, "", ""))

	// Age the first entry directly.
	q.mu.Lock()
	q.pending["parent_1"][0].QueuedAt = time.Now().Add(-time.Hour)
	q.mu.Unlock()

	dropped := q.PruneOlderThan(time.Now().Add(-30 * time.Minute))
	if dropped != 1 {
		t.Fatalf("PruneOlderThan: got %d, want 1", dropped)
	}
	got := q.Peek("parent_1")
	if len(got) != 1 || got[0].TaskID != "task_fresh" {
		t.Errorf("survivors: %+v", got)
	}
}
