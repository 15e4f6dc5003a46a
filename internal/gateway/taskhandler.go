package gateway

import (
	"context"
	"time"

	"github.com/taskherd/taskherd/internal/gateway/ws"
	"github.com/taskherd/taskherd/internal/tasks"
)

// TaskHandler adapts the task manager to the WS hub and the HTTP task routes.
type TaskHandler struct {
	manager *tasks.Manager
}

// NewTaskHandler creates a TaskHandler over a manager.
func NewTaskHandler(m *tasks.Manager) *TaskHandler {
	return &TaskHandler{manager: m}
}

type taskSummary struct {
	ID              string           `json:"id"`
	SessionID       string           `json:"session_id"`
	ParentSessionID string           `json:"parent_session_id,omitempty"`
	Description     string           `json:"description"`
	Agent           string           `json:"agent"`
	Model           string           `json:"model,omitempty"`
	Status          tasks.TaskStatus `json:"status"`
	QueuedAt        time.Time        `json:"queued_at"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	Result          string           `json:"result,omitempty"`
	Error           string           `json:"error,omitempty"`
	Progress        tasks.Progress   `json:"progress"`
}

func summarize(t *tasks.Task) taskSummary {
	return taskSummary{
		ID:              t.ID,
		SessionID:       t.SessionID,
		ParentSessionID: t.ParentSessionID,
		Description:     t.Description,
		Agent:           t.Agent,
		Model:           t.Model,
		Status:          t.Status,
		QueuedAt:        t.QueuedAt,
		StartedAt:       t.StartedAt,
		CompletedAt:     t.CompletedAt,
		Result:          t.Result,
		Error:           t.Error,
		Progress:        t.Progress,
	}
}

// Launch starts a new task. It blocks while the task is queued for a
// concurrency slot.
func (h *TaskHandler) Launch(ctx context.Context, p ws.LaunchParams) (any, error) {
	t, err := h.manager.Launch(ctx, tasks.LaunchRequest{
		Description:     p.Description,
		Prompt:          p.Prompt,
		Agent:           p.Agent,
		Model:           p.Model,
		ParentSessionID: p.ParentSessionID,
	})
	if err != nil {
		return nil, err
	}
	return summarize(t), nil
}

// Check returns the state of a task.
func (h *TaskHandler) Check(taskID string) (any, error) {
	t, err := h.manager.Get(taskID)
	if err != nil {
		return nil, err
	}
	return summarize(t), nil
}

// Cancel marks a task cancelled.
func (h *TaskHandler) Cancel(taskID string, reason string) error {
	if reason == "" {
		reason = "cancelled via gateway"
	}
	return h.manager.UpdateStatus(taskID, tasks.StatusCancelled, "", reason)
}

// List returns tasks, optionally filtered by parent session.
func (h *TaskHandler) List(parentSessionID string) (any, error) {
	var list []*tasks.Task
	if parentSessionID != "" {
		list = h.manager.ForParent(parentSessionID)
	} else {
		list = h.manager.All()
	}

	summaries := make([]taskSummary, len(list))
	for i, t := range list {
		summaries[i] = summarize(t)
	}
	return summaries, nil
}

// Resume restarts a terminal task's session.
func (h *TaskHandler) Resume(ctx context.Context, p ws.ResumeParams) (any, error) {
	t, err := h.manager.Resume(ctx, p.SessionID, p.Prompt, p.ParentSessionID)
	if err != nil {
		return nil, err
	}
	return summarize(t), nil
}

// ResumeContext returns the stored context for resuming a session.
func (h *TaskHandler) ResumeContext(sessionID string) (any, error) {
	rc, ok := h.manager.GetResumeContext(sessionID)
	if !ok {
		return nil, tasks.ErrNotFound
	}
	return rc, nil
}

// DrainNotifications returns and clears pending notifications for a session.
func (h *TaskHandler) DrainNotifications(sessionID string) (any, error) {
	return h.manager.DrainNotifications(sessionID), nil
}
