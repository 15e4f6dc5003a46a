// Package tasks provides persistent lifecycle management for delegated work
// units: launch, admission control, progress tracking, liveness sweeping,
// and completion notifications.
package tasks

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	// StatusQueued means the task is persisted and waiting for a slot.
	StatusQueued TaskStatus = "queued"
	// StatusPending is reserved for tasks created but not yet admitted to
	// the queue (schedule templates, deferred launches).
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusError     TaskStatus = "error"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status accepts no further transitions
// (Resume being the single sanctioned exception).
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// maxProgressMessageLen bounds the stored copy of the last reported message.
const maxProgressMessageLen = 500

// Progress tracks activity reported by the external executor.
type Progress struct {
	ToolCalls   int       `json:"tool_calls"`
	LastTool    string    `json:"last_tool,omitempty"`
	LastMessage string    `json:"last_message,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitzero"`
}

// Task represents one delegated unit of work.
type Task struct {
	ID              string     `json:"id"`
	SessionID       string     `json:"session_id"`
	ParentSessionID string     `json:"parent_session_id,omitempty"`
	Description     string     `json:"description"`
	Prompt          string     `json:"prompt"`
	Agent           string     `json:"agent"`
	Model           string     `json:"model,omitempty"`
	Status          TaskStatus `json:"status"`
	QueuedAt        time.Time  `json:"queued_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Result          string     `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
	Progress        Progress   `json:"progress"`
	// HeldKey is the resource key this task's slot was granted under. It can
	// differ from Agent when a launch was admitted under a reassigned key.
	// After a restart the field is carried over from disk but the limiter
	// starts empty, so it does not imply live slot ownership.
	HeldKey string `json:"held_key,omitempty"`
}

// Clone returns a copy of the task safe to hand to callers.
func (t *Task) Clone() *Task {
	c := *t
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

// lastActivity is the reference point for staleness: the last progress
// report, or started-at when nothing was reported yet.
func (t *Task) lastActivity() time.Time {
	if !t.Progress.UpdatedAt.IsZero() {
		return t.Progress.UpdatedAt
	}
	if t.StartedAt != nil {
		return *t.StartedAt
	}
	return t.QueuedAt
}

// GenerateTaskID creates a unique task identifier.
func GenerateTaskID() string {
	u := uuid.New().String()
	return "task_" + strings.ReplaceAll(u[:8], "-", "")
}

// GenerateSessionID creates the derived session identifier used by resume.
func GenerateSessionID() string {
	u := uuid.New().String()
	return "tsess_" + strings.ReplaceAll(u[:8], "-", "")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
