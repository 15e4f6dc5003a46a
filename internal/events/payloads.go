package events

import (
	"encoding/json"
	"time"
)

// EventPayload is the interface all typed payloads implement.
type EventPayload interface {
	EventType() EventType
}

type TaskLaunchedPayload struct {
	TaskID        string `json:"task_id"`
	TaskSessionID string `json:"task_session_id"`
	Description   string `json:"description"`
	Agent         string `json:"agent"`
	Model         string `json:"model,omitempty"`
}

func (TaskLaunchedPayload) EventType() EventType { return EventTaskLaunched }

type TaskStartedPayload struct {
	TaskID string        `json:"task_id"`
	Agent  string        `json:"agent"`
	Waited time.Duration `json:"waited,omitempty"`
}

func (TaskStartedPayload) EventType() EventType { return EventTaskStarted }

type TaskProgressPayload struct {
	TaskID    string `json:"task_id"`
	ToolCalls int    `json:"tool_calls"`
	LastTool  string `json:"last_tool,omitempty"`
}

func (TaskProgressPayload) EventType() EventType { return EventTaskProgress }

type TaskResumedPayload struct {
	TaskID        string `json:"task_id"`
	TaskSessionID string `json:"task_session_id"`
	Reacquired    bool   `json:"reacquired"`
}

func (TaskResumedPayload) EventType() EventType { return EventTaskResumed }

// TaskFinishedPayload is published for every terminal transition; Status
// distinguishes completed, error, and cancelled.
type TaskFinishedPayload struct {
	TaskID   string        `json:"task_id"`
	Status   string        `json:"status"`
	Result   string        `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

func (TaskFinishedPayload) EventType() EventType { return EventTaskFinished }

type TaskTimedOutPayload struct {
	TaskID string `json:"task_id"`
	Age    string `json:"age"`
}

func (TaskTimedOutPayload) EventType() EventType { return EventTaskTimedOut }

type TaskStalePayload struct {
	TaskID     string `json:"task_id"`
	Inactivity string `json:"inactivity"`
	Forced     bool   `json:"forced"`
}

func (TaskStalePayload) EventType() EventType { return EventTaskStale }

type TaskRemovedPayload struct {
	TaskID string `json:"task_id"`
}

func (TaskRemovedPayload) EventType() EventType { return EventTaskRemoved }

type NotificationQueuedPayload struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

func (NotificationQueuedPayload) EventType() EventType { return EventNotificationQueued }

type ScheduleFiredPayload struct {
	ScheduleID string `json:"schedule_id"`
	TaskID     string `json:"task_id,omitempty"`
	Skipped    string `json:"skipped,omitempty"`
}

func (ScheduleFiredPayload) EventType() EventType { return EventScheduleFired }

// NewTypedEvent creates an event from a typed payload.
func NewTypedEvent(source EventSource, payload EventPayload) Event {
	return Event{
		ID:        generateEventID(),
		Type:      payload.EventType(),
		Timestamp: time.Now(),
		Source:    source,
		Payload:   toMap(payload),
	}
}

// NewTypedEventWithSession creates an event bound to a parent session.
func NewTypedEventWithSession(source EventSource, payload EventPayload, sessionID string) Event {
	e := NewTypedEvent(source, payload)
	e.SessionID = sessionID
	return e
}

func toMap(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// ExtractPayload decodes an event's payload back into its typed form.
func ExtractPayload[T EventPayload](e Event) (T, bool) {
	var result T
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return result, false
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, false
	}
	return result, true
}
