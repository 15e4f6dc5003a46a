package tasks

import (
	"sync"
	"time"
)

// Notification references a task that reached a terminal status, queued for
// the parent session that requested it.
type Notification struct {
	TaskID        string     `json:"task_id"`
	TaskSessionID string     `json:"task_session_id"`
	Description   string     `json:"description"`
	Status        TaskStatus `json:"status"`
	Result        string     `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`
	QueuedAt      time.Time  `json:"queued_at"`
}

// NotificationQueue holds per-parent-session FIFO lists of terminal tasks,
// consumed by the presentation layer via Peek/Drain or expired by the
// sweeper's TTL pass.
type NotificationQueue struct {
	mu      sync.Mutex
	pending map[string][]Notification
}

// NewNotificationQueue creates an empty queue.
func NewNotificationQueue() *NotificationQueue {
	return &NotificationQueue{pending: make(map[string][]Notification)}
}

// Enqueue appends a notification for the task's parent session.
func (q *NotificationQueue) Enqueue(t *Task) {
	if t.ParentSessionID == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[t.ParentSessionID] = append(q.pending[t.ParentSessionID], Notification{
		TaskID:        t.ID,
		TaskSessionID: t.SessionID,
		Description:   t.Description,
		Status:        t.Status,
		Result:        t.Result,
		Error:         t.Error,
		QueuedAt:      time.Now(),
	})
}

// Peek returns the pending notifications for a session without consuming them.
func (q *NotificationQueue) Peek(sessionID string) []Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.pending[sessionID]
	out := make([]Notification, len(list))
	copy(out, list)
	return out
}

// Drain returns and clears the pending notifications for a session.
func (q *NotificationQueue) Drain(sessionID string) []Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.pending[sessionID]
	delete(q.pending, sessionID)
	return list
}

// Remove drops every pending notification referencing taskID.
func (q *NotificationQueue) Remove(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for session, list := range q.pending {
		kept := list[:0]
		for _, n := range list {
			if n.TaskID != taskID {
				kept = append(kept, n)
			}
		}
		if len(kept) == 0 {
			delete(q.pending, session)
		} else {
			q.pending[session] = kept
		}
	}
}

// PruneOlderThan drops notifications queued before cutoff and reports how
// many were removed.
func (q *NotificationQueue) PruneOlderThan(cutoff time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := 0
	for session, list := range q.pending {
		kept := list[:0]
		for _, n := range list {
			if n.QueuedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, n)
		}
		if len(kept) == 0 {
			delete(q.pending, session)
		} else {
			q.pending[session] = kept
		}
	}
	return removed
}
