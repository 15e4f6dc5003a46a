package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/taskherd/taskherd/internal/events"
	"github.com/taskherd/taskherd/internal/limiter"
)

// DefaultMaxInFlight bounds running+queued tasks store-wide.
const DefaultMaxInFlight = 10

// ManagerConfig holds dependencies for building a Manager.
type ManagerConfig struct {
	Repo        Repository
	Limiter     *limiter.Limiter
	Bus         *events.Bus // optional; nil disables eventing
	MaxInFlight int         // 0 = DefaultMaxInFlight
	MaxQueued   int         // 0 = no separate queued-only ceiling
}

// Manager orchestrates the task lifecycle: launch, resume, status and
// progress updates, removal, and the read surface. It owns the in-memory
// registry; the Repository mirrors it on disk, and the Limiter gates how
// many tasks run concurrently per resource key.
//
// Persistence policy: the create-time write must succeed or the launch
// fails — a task that was never persisted must not exist. Every later
// rewrite is logged on failure and execution continues, keeping the
// in-memory record authoritative until the next successful write.
type Manager struct {
	mu            sync.Mutex
	tasks         map[string]*Task
	bySession     map[string]string // derived session id → task id
	held          map[string]string // task id → resource key whose slot it owns
	repo          Repository
	limiter       *limiter.Limiter
	notifications *NotificationQueue
	bus           *events.Bus
	maxInFlight   int
	maxQueued     int
}

// NewManager builds a Manager and rehydrates every readable record from the
// repository. Tasks that were running at crash time come back with status
// running but own no limiter slot; the sweeper collects them (see DESIGN.md).
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Repo == nil {
		return nil, fmt.Errorf("manager: repository is required")
	}
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("manager: limiter is required")
	}
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}

	m := &Manager{
		tasks:         make(map[string]*Task),
		bySession:     make(map[string]string),
		held:          make(map[string]string),
		repo:          cfg.Repo,
		limiter:       cfg.Limiter,
		notifications: NewNotificationQueue(),
		bus:           cfg.Bus,
		maxInFlight:   maxInFlight,
		maxQueued:     cfg.MaxQueued,
	}

	recovered, err := cfg.Repo.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("recover tasks: %w", err)
	}
	orphaned := 0
	for _, t := range recovered {
		m.tasks[t.ID] = t
		if t.SessionID != "" {
			m.bySession[t.SessionID] = t.ID
		}
		if t.Status == StatusRunning {
			orphaned++
		}
	}
	if len(recovered) > 0 {
		slog.Info("task store recovered", "tasks", len(recovered), "orphaned_running", orphaned)
	}
	return m, nil
}

// LaunchRequest describes a task to launch.
type LaunchRequest struct {
	Description     string `json:"description"`
	Prompt          string `json:"prompt"`
	Agent           string `json:"agent"`
	ParentSessionID string `json:"parent_session_id"`
	Model           string `json:"model,omitempty"`
}

// Launch creates a task in queued state, persists it, then blocks until the
// limiter grants a slot for the task's resource key. On grant the task flips
// to running and is persisted again. Fails with *CapacityError when the
// store-wide ceilings refuse admission, or ctx.Err() if the caller gives up
// while queued (the task is then marked cancelled).
func (m *Manager) Launch(ctx context.Context, req LaunchRequest) (*Task, error) {
	if req.Agent == "" {
		return nil, fmt.Errorf("launch: resource key is required")
	}

	m.mu.Lock()
	running, queued := m.countsLocked()
	if m.maxQueued > 0 && queued >= m.maxQueued {
		m.mu.Unlock()
		return nil, &CapacityError{Running: running, Queued: queued, Limit: m.maxQueued, QueueOnly: true}
	}
	if running+queued >= m.maxInFlight {
		m.mu.Unlock()
		return nil, &CapacityError{Running: running, Queued: queued, Limit: m.maxInFlight}
	}

	t := &Task{
		ID:              GenerateTaskID(),
		SessionID:       GenerateSessionID(),
		ParentSessionID: req.ParentSessionID,
		Description:     req.Description,
		Prompt:          req.Prompt,
		Agent:           req.Agent,
		Model:           req.Model,
		Status:          StatusQueued,
		QueuedAt:        time.Now(),
	}
	// Persist before acquiring so queue depth is observable while we wait.
	if err := m.repo.Save(t); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("persist queued task: %w", err)
	}
	m.tasks[t.ID] = t
	m.bySession[t.SessionID] = t.ID
	m.mu.Unlock()

	m.publish(events.NewTypedEventWithSession(events.SourceManager, events.TaskLaunchedPayload{
		TaskID:        t.ID,
		TaskSessionID: t.SessionID,
		Description:   t.Description,
		Agent:         t.Agent,
		Model:         t.Model,
	}, t.ParentSessionID))

	if err := m.limiter.Acquire(ctx, req.Agent); err != nil {
		m.abandonQueued(t.ID, err)
		return nil, err
	}

	m.mu.Lock()
	cur, ok := m.tasks[t.ID]
	if !ok || cur.Status != StatusQueued {
		// Swept or removed while we waited; hand the slot back.
		m.mu.Unlock()
		m.limiter.Release(req.Agent)
		return nil, fmt.Errorf("task %s gone while queued: %w", t.ID, ErrNotFound)
	}
	now := time.Now()
	cur.Status = StatusRunning
	cur.StartedAt = &now
	cur.HeldKey = req.Agent
	m.held[cur.ID] = req.Agent
	m.saveLocked(cur)
	out := cur.Clone()
	m.mu.Unlock()

	m.publish(events.NewTypedEventWithSession(events.SourceManager, events.TaskStartedPayload{
		TaskID: out.ID,
		Agent:  out.Agent,
		Waited: now.Sub(out.QueuedAt),
	}, out.ParentSessionID))

	return out, nil
}

// abandonQueued marks a still-queued task cancelled after its launcher gave
// up waiting for a slot.
func (m *Manager) abandonQueued(taskID string, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok || t.Status != StatusQueued {
		return
	}
	now := time.Now()
	t.Status = StatusCancelled
	t.CompletedAt = &now
	t.Error = fmt.Sprintf("cancelled while waiting for a slot: %v", cause)
	m.saveLocked(t)
	m.notifications.Enqueue(t)
}

// Resume restores a task to running by its derived session id. A task that
// does not currently own a limiter slot re-acquires one first (blocking,
// FIFO), so repeated resume cycles cannot exceed the concurrency limits.
func (m *Manager) Resume(ctx context.Context, sessionID, prompt, parentSessionID string) (*Task, error) {
	m.mu.Lock()
	id, ok := m.bySession[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	t := m.tasks[id]
	key := t.Agent
	needsSlot := m.held[id] == ""
	m.mu.Unlock()

	if needsSlot {
		if err := m.limiter.Acquire(ctx, key); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	t, ok = m.tasks[id]
	if !ok {
		m.mu.Unlock()
		if needsSlot {
			m.limiter.Release(key)
		}
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if needsSlot {
		if m.held[id] != "" {
			// A concurrent resume won the race; give back the extra slot.
			m.mu.Unlock()
			m.limiter.Release(key)
			m.mu.Lock()
		} else {
			m.held[id] = key
			t.HeldKey = key
		}
	}
	t.Status = StatusRunning
	t.CompletedAt = nil
	t.Error = ""
	if prompt != "" {
		t.Prompt = prompt
	}
	if parentSessionID != "" {
		t.ParentSessionID = parentSessionID
	}
	if t.StartedAt == nil {
		now := time.Now()
		t.StartedAt = &now
	}
	t.Progress.UpdatedAt = time.Now()
	m.saveLocked(t)
	out := t.Clone()
	m.mu.Unlock()

	m.publish(events.NewTypedEventWithSession(events.SourceManager, events.TaskResumedPayload{
		TaskID:        out.ID,
		TaskSessionID: out.SessionID,
		Reacquired:    needsSlot,
	}, out.ParentSessionID))

	return out, nil
}

// ResumeContext summarizes where a session's task left off.
type ResumeContext struct {
	Prompt       string     `json:"prompt"`
	ToolCalls    int        `json:"tool_calls"`
	LastTool     string     `json:"last_tool,omitempty"`
	LastMessage  string     `json:"last_message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	LastActivity time.Time  `json:"last_activity"`
}

// GetResumeContext builds the read-only resume summary for a session.
// Returns false when the session is unknown.
func (m *Manager) GetResumeContext(sessionID string) (*ResumeContext, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.bySession[sessionID]
	if !ok {
		return nil, false
	}
	t := m.tasks[id]
	rc := &ResumeContext{
		Prompt:       t.Prompt,
		ToolCalls:    t.Progress.ToolCalls,
		LastTool:     t.Progress.LastTool,
		LastMessage:  truncate(t.Progress.LastMessage, maxProgressMessageLen),
		LastActivity: t.lastActivity(),
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		rc.StartedAt = &v
	}
	return rc, true
}

// UpdateStatus sets a task's status and, for terminal statuses, stamps
// completed-at, releases the held slot, and queues a notification for the
// parent session. Updating an already-terminal task fails with
// ErrAlreadyTerminal so slots cannot be double-released.
func (m *Manager) UpdateStatus(taskID string, status TaskStatus, result, errMsg string) error {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if t.Status.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("task %s is %s: %w", taskID, t.Status, ErrAlreadyTerminal)
	}

	t.Status = status
	if result != "" {
		t.Result = result
	}
	if errMsg != "" {
		t.Error = errMsg
	}

	var finished *Task
	if status.Terminal() {
		now := time.Now()
		t.CompletedAt = &now
		m.releaseHeldLocked(t)
		m.notifications.Enqueue(t)
		finished = t.Clone()
	}
	m.saveLocked(t)
	m.mu.Unlock()

	if finished != nil {
		dur := time.Duration(0)
		if finished.StartedAt != nil {
			dur = finished.CompletedAt.Sub(*finished.StartedAt)
		}
		m.publish(events.NewTypedEventWithSession(events.SourceManager, events.TaskFinishedPayload{
			TaskID:   finished.ID,
			Status:   string(finished.Status),
			Result:   truncate(finished.Result, 200),
			Error:    finished.Error,
			Duration: dur,
		}, finished.ParentSessionID))
		m.publish(events.NewTypedEventWithSession(events.SourceManager, events.NotificationQueuedPayload{
			TaskID: finished.ID,
			Status: string(finished.Status),
		}, finished.ParentSessionID))
	}
	return nil
}

// ProgressUpdate carries a partial progress report; nil fields are left as
// they were.
type ProgressUpdate struct {
	ToolCalls   *int    `json:"tool_calls,omitempty"`
	LastTool    *string `json:"last_tool,omitempty"`
	LastMessage *string `json:"last_message,omitempty"`
}

// UpdateProgress merges a partial progress report and refreshes the
// last-activity timestamp.
func (m *Manager) UpdateProgress(taskID string, upd ProgressUpdate) error {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if upd.ToolCalls != nil {
		t.Progress.ToolCalls = *upd.ToolCalls
	}
	if upd.LastTool != nil {
		t.Progress.LastTool = *upd.LastTool
	}
	if upd.LastMessage != nil {
		t.Progress.LastMessage = truncate(*upd.LastMessage, maxProgressMessageLen)
	}
	t.Progress.UpdatedAt = time.Now()
	m.saveLocked(t)
	out := t.Clone()
	m.mu.Unlock()

	m.publish(events.NewTypedEventWithSession(events.SourceManager, events.TaskProgressPayload{
		TaskID:    out.ID,
		ToolCalls: out.Progress.ToolCalls,
		LastTool:  out.Progress.LastTool,
	}, out.ParentSessionID))
	return nil
}

// Remove deletes a task from memory and disk, releasing its slot if still
// held and dropping any notification that references it. Unknown ids are a
// no-op.
func (m *Manager) Remove(taskID string) error {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	m.releaseHeldLocked(t)
	m.notifications.Remove(taskID)
	if err := m.repo.Delete(taskID); err != nil {
		slog.Error("delete task record", "task_id", taskID, "error", err)
	}
	delete(m.tasks, taskID)
	delete(m.bySession, t.SessionID)
	parent := t.ParentSessionID
	m.mu.Unlock()

	m.publish(events.NewTypedEventWithSession(events.SourceManager, events.TaskRemovedPayload{
		TaskID: taskID,
	}, parent))
	return nil
}

// Get returns a task by id.
func (m *Manager) Get(taskID string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return t.Clone(), nil
}

// BySession returns a task by its derived session id.
func (m *Manager) BySession(sessionID string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.bySession[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return m.tasks[id].Clone(), nil
}

// ForParent returns all tasks launched for a parent session, oldest first.
func (m *Manager) ForParent(parentSessionID string) []*Task {
	return m.filtered(func(t *Task) bool { return t.ParentSessionID == parentSessionID })
}

// All returns every task, oldest first.
func (m *Manager) All() []*Task {
	return m.filtered(func(*Task) bool { return true })
}

// Running returns every task with status running, oldest first.
func (m *Manager) Running() []*Task {
	return m.filtered(func(t *Task) bool { return t.Status == StatusRunning })
}

func (m *Manager) filtered(keep func(*Task) bool) []*Task {
	m.mu.Lock()
	var out []*Task
	for _, t := range m.tasks {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.Before(out[j].QueuedAt) })
	return out
}

// PeekNotifications returns pending notifications for a parent session.
func (m *Manager) PeekNotifications(sessionID string) []Notification {
	return m.notifications.Peek(sessionID)
}

// DrainNotifications returns and clears pending notifications for a parent
// session.
func (m *Manager) DrainNotifications(sessionID string) []Notification {
	return m.notifications.Drain(sessionID)
}

// StatusSummary renders a human-readable one-liner over the whole store.
func (m *Manager) StatusSummary() string {
	m.mu.Lock()
	counts := make(map[TaskStatus]int)
	for _, t := range m.tasks {
		counts[t.Status]++
	}
	total := len(m.tasks)
	m.mu.Unlock()

	if total == 0 {
		return "no tasks"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d task", total)
	if total != 1 {
		b.WriteString("s")
	}
	b.WriteString(":")
	for _, s := range []TaskStatus{StatusRunning, StatusQueued, StatusPending, StatusCompleted, StatusError, StatusCancelled} {
		if n := counts[s]; n > 0 {
			fmt.Fprintf(&b, " %d %s,", n, s)
		}
	}
	summary := strings.TrimSuffix(b.String(), ",")

	if snap := m.limiter.Snapshot(); len(snap) > 0 {
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%d", k, snap[k]))
		}
		summary += "; slots: " + strings.Join(parts, " ")
	}
	return summary
}

// expire force-errors and fully removes a task that exceeded the task
// timeout: slot released, notifications cleared, record deleted.
func (m *Manager) expire(taskID, reason string) {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return
	}
	t.Status = StatusError
	t.Error = reason
	now := time.Now()
	t.CompletedAt = &now
	m.releaseHeldLocked(t)
	m.notifications.Remove(taskID)
	if err := m.repo.Delete(taskID); err != nil {
		slog.Error("delete expired task record", "task_id", taskID, "error", err)
	}
	delete(m.tasks, taskID)
	delete(m.bySession, t.SessionID)
	age := now.Sub(t.QueuedAt)
	parent := t.ParentSessionID
	m.mu.Unlock()

	slog.Warn("task expired", "task_id", taskID, "reason", reason)
	m.publish(events.NewTypedEventWithSession(events.SourceSweeper, events.TaskTimedOutPayload{
		TaskID: taskID,
		Age:    age.Truncate(time.Second).String(),
	}, parent))
}

// releaseHeldLocked gives back the task's limiter slot if it owns one.
// Caller must hold m.mu.
func (m *Manager) releaseHeldLocked(t *Task) {
	key, ok := m.held[t.ID]
	if !ok {
		return
	}
	delete(m.held, t.ID)
	t.HeldKey = ""
	// Release outside the registry lock would be nicer, but the limiter
	// never calls back into the manager, so lock order is safe.
	m.limiter.Release(key)
}

// countsLocked tallies running and queued tasks. Caller must hold m.mu.
func (m *Manager) countsLocked() (running, queued int) {
	for _, t := range m.tasks {
		switch t.Status {
		case StatusRunning:
			running++
		case StatusQueued:
			queued++
		}
	}
	return running, queued
}

func (m *Manager) saveLocked(t *Task) {
	if err := m.repo.Save(t); err != nil {
		slog.Error("persist task", "task_id", t.ID, "error", err)
	}
}

func (m *Manager) publish(e events.Event) {
	if m.bus != nil {
		m.bus.Publish(e)
	}
}
